// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package tpi

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Numeric leaf tags for the variable-length integer encoding. A leading u16
// below 0x8000 is the value itself; otherwise it selects the follower type.
const (
	lfChar      = 0x8000
	lfShort     = 0x8001
	lfUShort    = 0x8002
	lfLong      = 0x8003
	lfULong     = 0x8004
	lfQuadWord  = 0x8009
	lfUQuadWord = 0x800a
)

// ReadVarInt decodes one variable-length integer from r.
func ReadVarInt(r io.Reader) (int64, error) {
	var tag uint16
	if err := binary.Read(r, binary.LittleEndian, &tag); err != nil {
		return 0, err
	}
	if tag < 0x8000 {
		return int64(tag), nil
	}
	switch tag {
	case lfChar:
		var v int8
		err := binary.Read(r, binary.LittleEndian, &v)
		return int64(v), err
	case lfShort:
		var v int16
		err := binary.Read(r, binary.LittleEndian, &v)
		return int64(v), err
	case lfUShort:
		var v uint16
		err := binary.Read(r, binary.LittleEndian, &v)
		return int64(v), err
	case lfLong:
		var v int32
		err := binary.Read(r, binary.LittleEndian, &v)
		return int64(v), err
	case lfULong:
		var v uint32
		err := binary.Read(r, binary.LittleEndian, &v)
		return int64(v), err
	case lfQuadWord:
		var v int64
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case lfUQuadWord:
		var v uint64
		err := binary.Read(r, binary.LittleEndian, &v)
		return int64(v), err
	}
	return 0, fmt.Errorf("unknown numeric leaf tag %#04x", tag)
}

// WriteVarInt encodes v in the shortest representation the format offers.
// Values in [0, 0x8000) always encode inline in two bytes.
func WriteVarInt(w io.Writer, v int64) error {
	switch {
	case v >= 0 && v < 0x8000:
		return binary.Write(w, binary.LittleEndian, uint16(v))
	case v >= -128 && v < 128:
		if err := binary.Write(w, binary.LittleEndian, uint16(lfChar)); err != nil {
			return err
		}
		return binary.Write(w, binary.LittleEndian, int8(v))
	case v >= -32768 && v < 32768:
		if err := binary.Write(w, binary.LittleEndian, uint16(lfShort)); err != nil {
			return err
		}
		return binary.Write(w, binary.LittleEndian, int16(v))
	case v >= 0x8000 && v <= 0xffff:
		if err := binary.Write(w, binary.LittleEndian, uint16(lfUShort)); err != nil {
			return err
		}
		return binary.Write(w, binary.LittleEndian, uint16(v))
	case v >= -(1<<31) && v < 1<<31:
		if err := binary.Write(w, binary.LittleEndian, uint16(lfLong)); err != nil {
			return err
		}
		return binary.Write(w, binary.LittleEndian, int32(v))
	case v >= 1<<31 && v < 1<<32:
		if err := binary.Write(w, binary.LittleEndian, uint16(lfULong)); err != nil {
			return err
		}
		return binary.Write(w, binary.LittleEndian, uint32(v))
	default:
		if err := binary.Write(w, binary.LittleEndian, uint16(lfQuadWord)); err != nil {
			return err
		}
		return binary.Write(w, binary.LittleEndian, v)
	}
}

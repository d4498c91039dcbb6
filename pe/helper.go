// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// ErrInvalidNtHeaderOffset is returned when the NT header offset is beyond
// the image file.
var ErrInvalidNtHeaderOffset = errors.New(
	"invalid NT header offset, NT header signature not found")

// ReadUint32 reads a uint32 from the image.
func (pe *File) ReadUint32(offset uint32) (uint32, error) {
	if offset+4 > pe.size {
		return 0, ErrOutsideBoundary
	}
	return binary.LittleEndian.Uint32(pe.data[offset:]), nil
}

// ReadUint16 reads a uint16 from the image.
func (pe *File) ReadUint16(offset uint32) (uint16, error) {
	if offset+2 > pe.size {
		return 0, ErrOutsideBoundary
	}
	return binary.LittleEndian.Uint16(pe.data[offset:]), nil
}

// ReadBytesAtOffset returns a slice of the image contents.
func (pe *File) ReadBytesAtOffset(offset, size uint32) ([]byte, error) {
	if offset+size > pe.size {
		return nil, ErrOutsideBoundary
	}
	return pe.data[offset : offset+size], nil
}

// structUnpack decodes the bytes at offset into iface.
func (pe *File) structUnpack(iface interface{}, offset, size uint32) (err error) {
	if offset+size > pe.size {
		return ErrOutsideBoundary
	}
	buf := bytes.NewReader(pe.data[offset : offset+size])
	return binary.Read(buf, binary.LittleEndian, iface)
}

// structUnpackPartial decodes a possibly truncated structure, zero-filling
// the tail the image does not provide.
func (pe *File) structUnpackPartial(iface interface{}, offset, size uint32) (err error) {
	full := uint32(binary.Size(iface))
	if size >= full {
		return pe.structUnpack(iface, offset, full)
	}
	if offset+size > pe.size {
		return ErrOutsideBoundary
	}
	padded := make([]byte, full)
	copy(padded, pe.data[offset:offset+size])
	return binary.Read(bytes.NewReader(padded), binary.LittleEndian, iface)
}

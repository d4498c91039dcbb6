// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package codeview

import (
	"encoding/binary"
	"errors"
)

// The GSI and PSGI streams serialize the linked-list hash table mapping
// symbol names to records in the symbol-record stream. The only facts the
// decompiler needs from them are which symbols are global or public, and
// their reference counts.

// HashEntry is one (symbol offset, reference count) pair.
type HashEntry struct {
	Offset   int32
	RefCount int32
}

// gsiBuckets is the fixed bucket count of this hash-table generation; the
// last bucket is the free list.
const gsiBuckets = 4097

// hrSize is the in-memory size of an HR record, which bucket offsets are
// expressed in.
const hrSize = 12

// ErrBadHashStream is returned when a hash stream has an impossible shape.
var ErrBadHashStream = errors.New("malformed symbol hash stream")

// GSI is a parsed hash stream.
type GSI struct {
	Hashes  []HashEntry
	Buckets [][]HashEntry
}

// ParseGSI decodes the headerless hash stream: entries first, then exactly
// 4097 bucket words.
func ParseGSI(data []byte) (*GSI, error) {
	if len(data) < gsiBuckets*4 {
		return nil, ErrBadHashStream
	}
	hashBytes := len(data) - gsiBuckets*4
	if hashBytes%8 != 0 {
		return nil, ErrBadHashStream
	}

	g := &GSI{}
	for pos := 0; pos < hashBytes; pos += 8 {
		g.Hashes = append(g.Hashes, HashEntry{
			Offset:   int32(binary.LittleEndian.Uint32(data[pos:])),
			RefCount: int32(binary.LittleEndian.Uint32(data[pos+4:])),
		})
	}

	// bucket words index the in-memory HR array; walk them backwards
	// slicing entries off the tail.
	g.Buckets = make([][]HashEntry, gsiBuckets)
	hashes := g.Hashes
	for i := gsiBuckets - 1; i >= 0; i-- {
		bound := binary.LittleEndian.Uint32(data[hashBytes+i*4:])
		if bound == 0xffffffff {
			continue
		}
		idx := int(bound / hrSize)
		if idx < 1 || idx > len(hashes)+1 {
			continue
		}
		g.Buckets[i] = hashes[idx-1:]
		hashes = hashes[:idx-1]
	}
	return g, nil
}

// ApplyVisibility marks every referenced symbol with the given visibility
// and reference count. Hash offsets point one past the record start.
func (g *GSI) ApplyVisibility(v Visibility, symbols *Symbols) {
	for _, h := range g.Hashes {
		rec := symbols.FromOffset(int64(h.Offset) - 1)
		if rec == nil {
			continue
		}
		meta := rec.Meta()
		meta.Visibility = v
		meta.RefCount = h.RefCount
	}
}

// PSGIHeader is the public-symbol stream header.
type PSGIHeader struct {
	HashesBytes       uint32
	AddrMapBytes      uint32
	NumThunks         uint32
	SizeOfThunk       uint32
	ThunkTableSection uint32
	ThunkTableOffset  uint32
	SectionCount      uint32
}

// PSGI is the public-symbol stream: a header, an embedded GSI, and an
// address map.
type PSGI struct {
	Header  PSGIHeader
	GSI     *GSI
	AddrMap []uint32
}

// ParsePSGI decodes the public-symbol stream.
func ParsePSGI(data []byte) (*PSGI, error) {
	const headerSize = 28
	if len(data) < headerSize {
		return nil, ErrBadHashStream
	}
	p := &PSGI{}
	p.Header.HashesBytes = binary.LittleEndian.Uint32(data[0:])
	p.Header.AddrMapBytes = binary.LittleEndian.Uint32(data[4:])
	p.Header.NumThunks = binary.LittleEndian.Uint32(data[8:])
	p.Header.SizeOfThunk = binary.LittleEndian.Uint32(data[12:])
	p.Header.ThunkTableSection = binary.LittleEndian.Uint32(data[16:])
	p.Header.ThunkTableOffset = binary.LittleEndian.Uint32(data[20:])
	p.Header.SectionCount = binary.LittleEndian.Uint32(data[24:])

	end := headerSize + int(p.Header.HashesBytes)
	if end > len(data) {
		return nil, ErrBadHashStream
	}
	gsi, err := ParseGSI(data[headerSize:end])
	if err != nil {
		return nil, err
	}
	p.GSI = gsi

	mapEnd := end + int(p.Header.AddrMapBytes)
	if mapEnd > len(data) {
		mapEnd = len(data)
	}
	for pos := end; pos+4 <= mapEnd; pos += 4 {
		p.AddrMap = append(p.AddrMap, binary.LittleEndian.Uint32(data[pos:]))
	}
	return p, nil
}

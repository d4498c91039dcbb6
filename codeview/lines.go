// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package codeview

import (
	"encoding/binary"
	"sort"

	"github.com/msvcdec/msvcdec/interval"
)

// LineRange maps instruction offsets inside one address subrange to source
// lines of a single file.
type LineRange struct {
	SourceFile string
	Lines      map[uint32]uint16
}

// ModuleLines is the parsed per-module line section.
type ModuleLines struct {
	StartAddr uint32
	EndAddr   uint32
	Flags     uint16
	Files     []string

	// ranges maps [start, end] address subranges to their line tables.
	ranges interval.Tree[*LineRange]
}

// Lookup returns the line table covering an address.
func (m *ModuleLines) Lookup(addr uint32) (*LineRange, bool) {
	if m == nil {
		return nil, false
	}
	e, ok := m.ranges.One(int64(addr))
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// ParseLines decodes the line section of a module stream: a file table whose
// entries point at per-file subrange tables, each pairing offset/line arrays
// with an address range.
func ParseLines(data []byte) (*ModuleLines, error) {
	if len(data) < 4 {
		return nil, ErrBadHashStream
	}
	fileCount := int(binary.LittleEndian.Uint16(data[0:]))
	// data[2:4] is a constant 1.
	m := &ModuleLines{}

	fileOffsets := make([]uint32, fileCount)
	for i := 0; i < fileCount; i++ {
		if 4+i*4+4 > len(data) {
			return nil, ErrBadHashStream
		}
		fileOffsets[i] = binary.LittleEndian.Uint32(data[4+i*4:])
	}
	tail := 4 + fileCount*4
	if tail+10 <= len(data) {
		m.StartAddr = binary.LittleEndian.Uint32(data[tail:])
		m.EndAddr = binary.LittleEndian.Uint32(data[tail+4:])
		m.Flags = binary.LittleEndian.Uint16(data[tail+8:])
	}

	for _, off := range fileOffsets {
		if err := m.parseFile(data, off); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *ModuleLines) parseFile(data []byte, off uint32) error {
	if int(off)+4 > len(data) {
		return ErrBadHashStream
	}
	count := int(binary.LittleEndian.Uint32(data[off:]))
	pos := int(off) + 4

	if pos+count*4 > len(data) {
		return ErrBadHashStream
	}
	childOffsets := make([]uint32, count)
	for i := 0; i < count; i++ {
		childOffsets[i] = binary.LittleEndian.Uint32(data[pos+i*4:])
	}
	pos += count * 4

	type subrange struct{ start, end uint32 }
	if pos+count*8 > len(data) {
		return ErrBadHashStream
	}
	subranges := make([]subrange, count)
	for i := 0; i < count; i++ {
		subranges[i].start = binary.LittleEndian.Uint32(data[pos+i*8:])
		subranges[i].end = binary.LittleEndian.Uint32(data[pos+i*8+4:])
	}
	pos += count * 8

	if pos >= len(data) {
		return ErrBadHashStream
	}
	nameLen := int(data[pos])
	if pos+1+nameLen > len(data) {
		return ErrBadHashStream
	}
	sourceFile := string(data[pos+1 : pos+1+nameLen])
	m.Files = append(m.Files, sourceFile)

	for i, co := range childOffsets {
		lines, err := parseLineTable(data, co)
		if err != nil {
			return err
		}
		lr := &LineRange{SourceFile: sourceFile, Lines: lines}
		m.ranges.Insert(int64(subranges[i].start), int64(subranges[i].end)+1, lr)
	}
	return nil
}

func parseLineTable(data []byte, off uint32) (map[uint32]uint16, error) {
	if int(off)+4 > len(data) {
		return nil, ErrBadHashStream
	}
	// a constant 1 word precedes the count.
	count := int(binary.LittleEndian.Uint16(data[off+2:]))
	pos := int(off) + 4
	if pos+count*4+count*2 > len(data) {
		return nil, ErrBadHashStream
	}
	lines := make(map[uint32]uint16, count)
	offsets := make([]uint32, count)
	for i := 0; i < count; i++ {
		offsets[i] = binary.LittleEndian.Uint32(data[pos+i*4:])
	}
	pos += count * 4
	for i := 0; i < count; i++ {
		lines[offsets[i]] = binary.LittleEndian.Uint16(data[pos+i*2:])
	}
	return lines, nil
}

// SortedOffsets returns the instruction offsets of a line table in ascending
// order, for deterministic emission.
func SortedOffsets(lines map[uint32]uint16) []uint32 {
	out := make([]uint32, 0, len(lines))
	for k := range lines {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package pdb ties the container, type, symbol and line readers together
// into the serializable view of one program database.
package pdb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Well-known stream numbers.
const (
	// StreamTPI is the type-information stream.
	StreamTPI = 2

	// StreamDBI is the debug-information stream.
	StreamDBI = 3
)

// NilStream marks a module without its own stream.
const NilStream = 0xffff

// ErrBadDBI is returned when the debug-information stream is malformed.
var ErrBadDBI = errors.New("malformed debug information stream")

// DBIHeader is the fixed header of stream 3.
type DBIHeader struct {
	GlobalSymbolStream      uint16
	PublicSymbolStream      uint16
	SymbolRecordStream      uint16
	Pad                     uint16
	ModuleInfoSize          uint32
	SectionContributionSize uint32
	SectionMapSize          uint32
	SourceInfoSize          uint32
}

// SectionContrib records a range of section bytes attributed to one module
// by the linker (struct SC40).
type SectionContrib struct {
	Section         uint16
	Unknown1        uint16
	Offset          uint32
	Size            uint32
	Characteristics uint32
	ModuleIndex     uint16
	Pad2            uint16

	// Data is the contribution's slice of its section's bytes, attached by
	// the program model after sections load.
	Data []byte
}

// Alignment decodes the alignment field of the characteristics.
func (sc *SectionContrib) Alignment() int {
	align := (sc.Characteristics & 0x00f00000) >> 20
	if align == 0 {
		return 0
	}
	return 1 << (align - 1)
}

// IsCode reports an executable contribution.
func (sc *SectionContrib) IsCode() bool { return sc.Characteristics&0x00000020 != 0 }

// IsData reports an initialized-data contribution.
func (sc *SectionContrib) IsData() bool { return sc.Characteristics&0x00000040 != 0 }

// IsBSS reports an uninitialized-data contribution.
func (sc *SectionContrib) IsBSS() bool { return sc.Characteristics&0x00000080 != 0 }

// IsReadOnly reports a contribution without the writable bit.
func (sc *SectionContrib) IsReadOnly() bool { return sc.Characteristics&0x80000000 == 0 }

func (sc *SectionContrib) String() string {
	return fmt.Sprintf("%d:%08x-%08x module %d", sc.Section, sc.Offset,
		sc.Offset+sc.Size-1, sc.ModuleIndex)
}

// SectionMapEntry is one frame of the section map.
type SectionMapEntry struct {
	Flags         uint16
	Overlay       uint16
	Group         uint16
	Frame         uint16
	SectionName   uint16
	ClassName     uint16
	Offset        uint32
	SectionLength uint32
}

// ModuleInfo describes one input object file.
type ModuleInfo struct {
	Flags               uint16
	Stream              uint16
	SymbolsSize         uint32
	LinesSize           uint32
	FramePointerOptSize uint32
	SourceFileCount     uint16
	SourceFilenameIndex uint32

	// ModuleName is the .obj file; ObjFilename is the archive it was
	// previously linked into, or the same path when linked directly.
	ModuleName  string
	ObjFilename string
}

// DBI is the parsed debug-information stream.
type DBI struct {
	Header        DBIHeader
	Modules       []ModuleInfo
	Contributions []*SectionContrib
	SectionMap    []SectionMapEntry

	// SourceFiles holds, per module, the list of source and include
	// filenames.
	SourceFiles [][]string
}

// ParseDBI decodes stream 3.
func ParseDBI(r io.Reader) (*DBI, error) {
	d := &DBI{}
	if err := binary.Read(r, binary.LittleEndian, &d.Header); err != nil {
		return nil, fmt.Errorf("dbi header: %w", err)
	}

	modData := make([]byte, d.Header.ModuleInfoSize)
	if _, err := io.ReadFull(r, modData); err != nil {
		return nil, fmt.Errorf("module info: %w", err)
	}
	if err := d.parseModuleInfo(modData); err != nil {
		return nil, err
	}

	scData := make([]byte, d.Header.SectionContributionSize)
	if _, err := io.ReadFull(r, scData); err != nil {
		return nil, fmt.Errorf("section contributions: %w", err)
	}
	if err := d.parseContributions(scData); err != nil {
		return nil, err
	}

	smData := make([]byte, d.Header.SectionMapSize)
	if _, err := io.ReadFull(r, smData); err != nil {
		return nil, fmt.Errorf("section map: %w", err)
	}
	if err := d.parseSectionMap(smData); err != nil {
		return nil, err
	}

	siData := make([]byte, d.Header.SourceInfoSize)
	if _, err := io.ReadFull(r, siData); err != nil {
		return nil, fmt.Errorf("source info: %w", err)
	}
	return d, d.parseSourceInfo(siData)
}

func cstring(data []byte, pos int) (string, int, error) {
	end := pos
	for end < len(data) && data[end] != 0 {
		end++
	}
	if end >= len(data) {
		return "", pos, ErrBadDBI
	}
	return string(data[pos:end]), end + 1, nil
}

func (d *DBI) parseModuleInfo(data []byte) error {
	pos := 0
	for pos+58 <= len(data) {
		var m ModuleInfo
		// the leading dword and the embedded section contribution copy are
		// not useful; skip them.
		pos += 4
		pos += 28 // SC40
		m.Flags = binary.LittleEndian.Uint16(data[pos:])
		m.Stream = binary.LittleEndian.Uint16(data[pos+2:])
		m.SymbolsSize = binary.LittleEndian.Uint32(data[pos+4:])
		m.LinesSize = binary.LittleEndian.Uint32(data[pos+8:])
		m.FramePointerOptSize = binary.LittleEndian.Uint32(data[pos+12:])
		m.SourceFileCount = binary.LittleEndian.Uint16(data[pos+16:])
		// two bytes of padding
		m.SourceFilenameIndex = binary.LittleEndian.Uint32(data[pos+20:])
		pos += 24

		var err error
		if m.ModuleName, pos, err = cstring(data, pos); err != nil {
			return err
		}
		if m.ObjFilename, pos, err = cstring(data, pos); err != nil {
			return err
		}
		if rem := pos % 4; rem != 0 {
			pos += 4 - rem
		}
		d.Modules = append(d.Modules, m)
	}
	return nil
}

func (d *DBI) parseContributions(data []byte) error {
	const scSize = 28
	if len(data)%scSize != 0 {
		return fmt.Errorf("%w: contribution substream size %d", ErrBadDBI, len(data))
	}
	for pos := 0; pos < len(data); pos += scSize {
		sc := &SectionContrib{
			Section:         binary.LittleEndian.Uint16(data[pos:]),
			Unknown1:        binary.LittleEndian.Uint16(data[pos+2:]),
			Offset:          binary.LittleEndian.Uint32(data[pos+4:]),
			Size:            binary.LittleEndian.Uint32(data[pos+8:]),
			Characteristics: binary.LittleEndian.Uint32(data[pos+12:]),
			ModuleIndex:     binary.LittleEndian.Uint16(data[pos+16:]),
		}
		d.Contributions = append(d.Contributions, sc)
	}
	return nil
}

func (d *DBI) parseSectionMap(data []byte) error {
	if len(data) < 4 {
		return nil
	}
	count := int(binary.LittleEndian.Uint16(data[0:]))
	pos := 4
	for i := 0; i < count && pos+20 <= len(data); i++ {
		e := SectionMapEntry{
			Flags:         binary.LittleEndian.Uint16(data[pos:]),
			Overlay:       binary.LittleEndian.Uint16(data[pos+2:]),
			Group:         binary.LittleEndian.Uint16(data[pos+4:]),
			Frame:         binary.LittleEndian.Uint16(data[pos+6:]),
			SectionName:   binary.LittleEndian.Uint16(data[pos+8:]),
			ClassName:     binary.LittleEndian.Uint16(data[pos+10:]),
			Offset:        binary.LittleEndian.Uint32(data[pos+12:]),
			SectionLength: binary.LittleEndian.Uint32(data[pos+16:]),
		}
		d.SectionMap = append(d.SectionMap, e)
		pos += 20
	}
	return nil
}

func (d *DBI) parseSourceInfo(data []byte) error {
	if len(data) < 4 {
		return nil
	}
	numModules := int(binary.LittleEndian.Uint16(data[0:]))
	pos := 4

	if pos+numModules*4 > len(data) {
		return ErrBadDBI
	}
	indices := make([]int, numModules)
	for i := 0; i < numModules; i++ {
		indices[i] = int(binary.LittleEndian.Uint16(data[pos+i*2:]))
	}
	pos += numModules * 2
	counts := make([]int, numModules)
	total := 0
	for i := 0; i < numModules; i++ {
		counts[i] = int(binary.LittleEndian.Uint16(data[pos+i*2:]))
		total += counts[i]
	}
	pos += numModules * 2

	if pos+total*4 > len(data) {
		return ErrBadDBI
	}
	offsets := make([]uint32, total)
	for i := 0; i < total; i++ {
		offsets[i] = binary.LittleEndian.Uint32(data[pos+i*4:])
	}
	pos += total * 4
	names := data[pos:]

	getName := func(idx int) string {
		off := int(offsets[idx])
		if off >= len(names) {
			return ""
		}
		n := int(names[off])
		if off+1+n > len(names) {
			return ""
		}
		return string(names[off+1 : off+1+n])
	}

	d.SourceFiles = make([][]string, numModules)
	for i := 0; i < numModules; i++ {
		files := make([]string, 0, counts[i])
		for j := indices[i]; j < indices[i]+counts[i] && j < total; j++ {
			files = append(files, getName(j))
		}
		d.SourceFiles[i] = files
	}
	return nil
}

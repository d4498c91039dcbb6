// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"encoding/binary"
	"strings"
)

// Section characteristic flags consumed by the program model.
const (
	// ImageScnCntCode indicates the section contains executable code.
	ImageScnCntCode = 0x00000020

	// ImageScnCntInitializedData indicates initialized data.
	ImageScnCntInitializedData = 0x00000040

	// ImageScnCntUninitializedData indicates uninitialized data.
	ImageScnCntUninitializedData = 0x00000080

	// ImageScnMemExecute indicates the section can be executed.
	ImageScnMemExecute = 0x20000000

	// ImageScnMemRead indicates the section can be read.
	ImageScnMemRead = 0x40000000

	// ImageScnMemWrite indicates the section can be written to.
	ImageScnMemWrite = 0x80000000
)

// ImageSectionHeader is the on-disk section header.
type ImageSectionHeader struct {
	Name                 [8]byte
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLinenumbers uint32
	NumberOfRelocations  uint16
	NumberOfLinenumbers  uint16
	Characteristics      uint32
}

// Section wraps a header with its loaded bytes, already adjusted to the
// virtual size.
type Section struct {
	Header ImageSectionHeader
	data   []byte
}

// NameString returns the section name with trailing NULs removed.
func (section *Section) NameString() string {
	return strings.TrimRight(string(section.Header.Name[:]), "\x00")
}

// VirtualSize returns the in-memory size of the section.
func (section *Section) VirtualSize() uint32 {
	if section.Header.VirtualSize != 0 {
		return section.Header.VirtualSize
	}
	return section.Header.SizeOfRawData
}

// Data returns the section contents at their virtual size.
func (section *Section) Data() []byte {
	return section.data
}

// ParseSectionHeaders parses the section table and loads each section's
// bytes. A virtual size smaller than the raw size trims the trailing
// zero padding; a larger one zero-extends.
func (pe *File) ParseSectionHeaders() error {
	fileHeaderSize := uint32(binary.Size(pe.NtHeader.FileHeader))
	offset := pe.DOSHeader.AddressOfNewEXEHeader + 4 + fileHeaderSize +
		uint32(pe.NtHeader.FileHeader.SizeOfOptionalHeader)

	count := int(pe.NtHeader.FileHeader.NumberOfSections)
	headerSize := uint32(binary.Size(ImageSectionHeader{}))
	pe.Sections = make([]Section, 0, count)
	for i := 0; i < count; i++ {
		var hdr ImageSectionHeader
		if err := pe.structUnpack(&hdr, offset, headerSize); err != nil {
			return err
		}
		offset += headerSize

		sec := Section{Header: hdr}
		raw, err := pe.ReadBytesAtOffset(hdr.PointerToRawData, hdr.SizeOfRawData)
		if err != nil {
			return err
		}
		vsize := sec.VirtualSize()
		switch {
		case vsize > hdr.SizeOfRawData:
			sec.data = make([]byte, vsize)
			copy(sec.data, raw)
		case vsize < hdr.SizeOfRawData:
			for _, b := range raw[vsize:] {
				if b != 0 {
					pe.logger.Warnf("section %s carries non-zero bytes past its virtual size",
						sec.NameString())
					break
				}
			}
			sec.data = raw[:vsize]
		default:
			sec.data = raw
		}
		pe.Sections = append(pe.Sections, sec)
	}
	return nil
}

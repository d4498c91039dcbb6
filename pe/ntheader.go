// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"encoding/binary"
)

// Signatures and magics.
const (
	// ImageNTSignature is 'PE\0\0'.
	ImageNTSignature = 0x00004550

	// ImageNtOptionalHeader32Magic marks a 32-bit optional header.
	ImageNtOptionalHeader32Magic = 0x10b

	// ImageFileMachineI386 is the i386 machine type; the reader does not
	// check the file header's machine field against it.
	ImageFileMachineI386 = 0x14c
)

// ImageFileHeader is the standard COFF header following the PE signature.
type ImageFileHeader struct {
	// The number that identifies the type of target machine.
	Machine uint16

	// The number of sections.
	NumberOfSections uint16

	// The low 32 bits of the number of seconds since epoch, indicating when
	// the file was created.
	TimeDateStamp uint32

	// The file offset of the COFF symbol table, or zero.
	PointerToSymbolTable uint32

	// The number of entries in the symbol table.
	NumberOfSymbols uint32

	// The size of the optional header.
	SizeOfOptionalHeader uint16

	// The flags that indicate the attributes of the file.
	Characteristics uint16
}

// DataDirectory is one (address, size) pair of the optional header.
type DataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

// ImageOptionalHeader32 is the 32-bit optional header. The 64-bit layout is
// deliberately not modeled; this reader rejects anything but PE32.
type ImageOptionalHeader32 struct {
	Magic                       uint16
	MajorLinkerVersion          uint8
	MinorLinkerVersion          uint8
	SizeOfCode                  uint32
	SizeOfInitializedData       uint32
	SizeOfUninitializedData     uint32
	AddressOfEntryPoint         uint32
	BaseOfCode                  uint32
	BaseOfData                  uint32
	ImageBase                   uint32
	SectionAlignment            uint32
	FileAlignment               uint32
	MajorOperatingSystemVersion uint16
	MinorOperatingSystemVersion uint16
	MajorImageVersion           uint16
	MinorImageVersion           uint16
	MajorSubsystemVersion       uint16
	MinorSubsystemVersion       uint16
	Win32VersionValue           uint32
	SizeOfImage                 uint32
	SizeOfHeaders               uint32
	CheckSum                    uint32
	Subsystem                   uint16
	DllCharacteristics          uint16
	SizeOfStackReserve          uint32
	SizeOfStackCommit           uint32
	SizeOfHeapReserve           uint32
	SizeOfHeapCommit            uint32
	LoaderFlags                 uint32
	NumberOfRvaAndSizes         uint32
	DataDirectory               [16]DataDirectory
}

// ImageNtHeader represents the PE header.
type ImageNtHeader struct {
	// Signature is a DWORD containing the value 50h, 45h, 00h, 00h.
	Signature uint32

	// The standard COFF file header.
	FileHeader ImageFileHeader

	// The 32-bit optional header.
	OptionalHeader ImageOptionalHeader32
}

// ParseNTHeader parses the PE signature, the file header, and the 32-bit
// optional header. A 64-bit magic is a structural failure.
func (pe *File) ParseNTHeader() (err error) {
	ntHeaderOffset := pe.DOSHeader.AddressOfNewEXEHeader
	signature, err := pe.ReadUint32(ntHeaderOffset)
	if err != nil {
		return ErrInvalidNtHeaderOffset
	}
	if signature != ImageNTSignature {
		return ErrImageNtSignatureNotFound
	}
	pe.NtHeader.Signature = signature

	fileHeaderOffset := ntHeaderOffset + 4
	fileHeaderSize := uint32(binary.Size(pe.NtHeader.FileHeader))
	err = pe.structUnpack(&pe.NtHeader.FileHeader, fileHeaderOffset, fileHeaderSize)
	if err != nil {
		return err
	}

	optHeaderOffset := fileHeaderOffset + fileHeaderSize
	magic, err := pe.ReadUint16(optHeaderOffset)
	if err != nil {
		return err
	}
	if magic != ImageNtOptionalHeader32Magic {
		return ErrNot32BitPE
	}

	optSize := uint32(binary.Size(pe.NtHeader.OptionalHeader))
	if declared := uint32(pe.NtHeader.FileHeader.SizeOfOptionalHeader); declared < optSize {
		// fewer than 16 data directories; unpack only what exists.
		optSize = declared
	}
	return pe.structUnpackPartial(&pe.NtHeader.OptionalHeader, optHeaderOffset, optSize)
}

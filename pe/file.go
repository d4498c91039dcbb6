// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package pe reads the executable half of a debug build: a 32-bit PE/COFF
// image whose sections supply the raw bytes the program model attributes to
// section contributions. Only the input class this decompiler supports is
// handled; anything 64-bit is rejected up front.
package pe

import (
	"errors"
	"os"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/msvcdec/msvcdec/log"
)

// Errors.
var (
	// ErrInvalidPESize is returned when the file is smaller than the
	// smallest possible PE image.
	ErrInvalidPESize = errors.New("not a PE file, too small")

	// ErrDOSMagicNotFound is returned when the MZ magic is missing.
	ErrDOSMagicNotFound = errors.New("DOS header magic not found")

	// ErrInvalidElfanewValue is returned when e_lfanew points outside the
	// file.
	ErrInvalidElfanewValue = errors.New("invalid e_lfanew value, probably not a PE file")

	// ErrImageNtSignatureNotFound is returned when the PE signature is
	// missing.
	ErrImageNtSignatureNotFound = errors.New("PE signature not found")

	// ErrNot32BitPE is returned for any optional-header magic other than
	// PE32.
	ErrNot32BitPE = errors.New("not a 32-bit PE image")

	// ErrOutsideBoundary is reported when a read crosses the end of the
	// image.
	ErrOutsideBoundary = errors.New("reading data outside file boundary")
)

// TinyPESize is the smallest image this reader accepts.
const TinyPESize = 97

// A File represents an open PE file.
type File struct {
	DOSHeader ImageDOSHeader
	NtHeader  ImageNtHeader
	Sections  []Section

	data   []byte
	m      mmap.MMap
	f      *os.File
	size   uint32
	opts   *Options
	logger *log.Helper
}

// Options for parsing.
type Options struct {
	// A custom logger.
	Logger log.Logger
}

// New instantiates a file instance with options given a file name.
func New(name string, opts *Options) (*File, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}

	// Memory map the file instead of using read/write.
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, err
	}

	file := newFile(data, opts)
	file.m = data
	file.f = f
	return file, nil
}

// NewBytes instantiates a file instance with options given a memory buffer.
func NewBytes(data []byte, opts *Options) (*File, error) {
	return newFile(data, opts), nil
}

func newFile(data []byte, opts *Options) *File {
	file := &File{data: data, size: uint32(len(data))}
	if opts != nil {
		file.opts = opts
	} else {
		file.opts = &Options{}
	}
	if file.opts.Logger == nil {
		file.logger = log.Default()
	} else {
		file.logger = log.NewHelper(file.opts.Logger)
	}
	return file
}

// Close closes the File.
func (pe *File) Close() error {
	if pe.m != nil {
		_ = pe.m.Unmap()
	}
	if pe.f != nil {
		return pe.f.Close()
	}
	return nil
}

// Parse performs the file parsing for a PE binary: DOS header, NT header
// restricted to the 32-bit optional header, then the section table.
func (pe *File) Parse() error {
	if len(pe.data) < TinyPESize {
		return ErrInvalidPESize
	}

	if err := pe.ParseDOSHeader(); err != nil {
		return err
	}
	if err := pe.ParseNTHeader(); err != nil {
		return err
	}
	return pe.ParseSectionHeaders()
}

// ImageBase returns the preferred load address of the image.
func (pe *File) ImageBase() uint32 {
	return pe.NtHeader.OptionalHeader.ImageBase
}

// SectionByVA returns the section containing a virtual address, or nil.
func (pe *File) SectionByVA(va uint32) *Section {
	rva := va - pe.ImageBase()
	for i := range pe.Sections {
		s := &pe.Sections[i]
		if rva >= s.Header.VirtualAddress && rva < s.Header.VirtualAddress+s.VirtualSize() {
			return s
		}
	}
	return nil
}

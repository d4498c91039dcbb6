// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildImage assembles a minimal 32-bit image with one section.
func buildImage(t *testing.T, virtualSize, rawSize uint32, raw []byte) []byte {
	t.Helper()

	var dos ImageDOSHeader
	dos.Magic = ImageDOSSignature
	dos.AddressOfNewEXEHeader = 0x40

	var file ImageFileHeader
	file.Machine = ImageFileMachineI386
	file.NumberOfSections = 1
	file.SizeOfOptionalHeader = uint16(binary.Size(ImageOptionalHeader32{}))

	var opt ImageOptionalHeader32
	opt.Magic = ImageNtOptionalHeader32Magic
	opt.ImageBase = 0x400000
	opt.NumberOfRvaAndSizes = 16

	var sec ImageSectionHeader
	copy(sec.Name[:], ".text")
	sec.VirtualSize = virtualSize
	sec.VirtualAddress = 0x1000
	sec.SizeOfRawData = rawSize
	sec.PointerToRawData = 0x400
	sec.Characteristics = ImageScnCntCode | ImageScnMemExecute | ImageScnMemRead

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, dos)
	for buf.Len() < 0x40 {
		buf.WriteByte(0)
	}
	binary.Write(&buf, binary.LittleEndian, uint32(ImageNTSignature))
	binary.Write(&buf, binary.LittleEndian, file)
	binary.Write(&buf, binary.LittleEndian, opt)
	binary.Write(&buf, binary.LittleEndian, sec)
	for buf.Len() < 0x400 {
		buf.WriteByte(0)
	}
	buf.Write(raw)
	return buf.Bytes()
}

func TestParseTrimsVirtualSize(t *testing.T) {
	raw := make([]byte, 0x200)
	copy(raw, []byte("code bytes"))

	pe, err := NewBytes(buildImage(t, 0x180, 0x200, raw), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := pe.Parse(); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(pe.Sections) != 1 {
		t.Fatalf("parsed %d sections, want 1", len(pe.Sections))
	}
	sec := pe.Sections[0]
	if sec.NameString() != ".text" {
		t.Errorf("section name = %q", sec.NameString())
	}
	if got := len(sec.Data()); got != 0x180 {
		t.Errorf("trimmed section length = %#x, want 0x180", got)
	}
}

func TestParseZeroExtendsVirtualSize(t *testing.T) {
	raw := make([]byte, 0x100)
	pe, err := NewBytes(buildImage(t, 0x300, 0x100, raw), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := pe.Parse(); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	sec := pe.Sections[0]
	if got := len(sec.Data()); got != 0x300 {
		t.Errorf("extended section length = %#x, want 0x300", got)
	}
	for _, b := range sec.Data()[0x100:] {
		if b != 0 {
			t.Fatal("zero-extended tail is not zero")
		}
	}
}

func TestSectionByVA(t *testing.T) {
	raw := make([]byte, 0x100)
	pe, err := NewBytes(buildImage(t, 0x100, 0x100, raw), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := pe.Parse(); err != nil {
		t.Fatal(err)
	}
	if s := pe.SectionByVA(0x401000); s == nil || s.NameString() != ".text" {
		t.Errorf("SectionByVA(0x401000) = %v", s)
	}
	if s := pe.SectionByVA(0x400000); s != nil {
		t.Errorf("SectionByVA(0x400000) = %v, want nil", s)
	}
}

func TestRejects64BitMagic(t *testing.T) {
	img := buildImage(t, 0x100, 0x100, make([]byte, 0x100))
	// the optional header magic sits right after the file header.
	magicOff := 0x40 + 4 + uint32(binary.Size(ImageFileHeader{}))
	binary.LittleEndian.PutUint16(img[magicOff:], 0x20b)

	pe, err := NewBytes(img, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := pe.Parse(); err != ErrNot32BitPE {
		t.Errorf("Parse = %v, want ErrNot32BitPE", err)
	}
}

// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pdb

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func buildDBIStream(t *testing.T) []byte {
	t.Helper()

	// one module with two source files, one contribution, one map entry.
	var mod bytes.Buffer
	binary.Write(&mod, binary.LittleEndian, uint32(0)) // open module slot
	mod.Write(make([]byte, 28))                        // embedded SC copy
	binary.Write(&mod, binary.LittleEndian, uint16(0)) // flags
	binary.Write(&mod, binary.LittleEndian, uint16(9)) // stream
	binary.Write(&mod, binary.LittleEndian, uint32(0)) // symbols size
	binary.Write(&mod, binary.LittleEndian, uint32(0)) // lines size
	binary.Write(&mod, binary.LittleEndian, uint32(0)) // fpo size
	binary.Write(&mod, binary.LittleEndian, uint16(2)) // source files
	binary.Write(&mod, binary.LittleEndian, uint16(0)) // pad
	binary.Write(&mod, binary.LittleEndian, uint32(0)) // filename index
	mod.WriteString("s3police.obj\x00")
	mod.WriteString("C:\\lib\\game.lib\x00")
	for mod.Len()%4 != 0 {
		mod.WriteByte(0)
	}

	var sc bytes.Buffer
	binary.Write(&sc, binary.LittleEndian, uint16(1))          // section
	binary.Write(&sc, binary.LittleEndian, uint16(0xcbf))      // marker
	binary.Write(&sc, binary.LittleEndian, uint32(0x200))      // offset
	binary.Write(&sc, binary.LittleEndian, uint32(0x80))       // size
	binary.Write(&sc, binary.LittleEndian, uint32(0x60000020)) // code|execute|read
	binary.Write(&sc, binary.LittleEndian, uint16(0))          // module
	binary.Write(&sc, binary.LittleEndian, uint16(0))          // pad
	binary.Write(&sc, binary.LittleEndian, uint32(0))          // data CRC
	binary.Write(&sc, binary.LittleEndian, uint32(0))          // reloc CRC

	var sm bytes.Buffer
	binary.Write(&sm, binary.LittleEndian, uint16(1)) // count
	binary.Write(&sm, binary.LittleEndian, uint16(1)) // logical count
	sm.Write(make([]byte, 12))                        // flags..classname
	binary.Write(&sm, binary.LittleEndian, uint32(0))
	binary.Write(&sm, binary.LittleEndian, uint32(0x1000)) // section length

	var si bytes.Buffer
	binary.Write(&si, binary.LittleEndian, uint16(1)) // modules
	binary.Write(&si, binary.LittleEndian, uint16(2)) // source files
	binary.Write(&si, binary.LittleEndian, uint16(0)) // module index
	binary.Write(&si, binary.LittleEndian, uint16(2)) // file count
	names := []string{"c:\\src\\s3police.cpp", "c:\\src\\s3police.h"}
	offset := uint32(0)
	for _, n := range names {
		binary.Write(&si, binary.LittleEndian, offset)
		offset += uint32(1 + len(n))
	}
	for _, n := range names {
		si.WriteByte(byte(len(n)))
		si.WriteString(n)
	}

	var out bytes.Buffer
	hdr := DBIHeader{
		GlobalSymbolStream:      5,
		PublicSymbolStream:      6,
		SymbolRecordStream:      7,
		ModuleInfoSize:          uint32(mod.Len()),
		SectionContributionSize: uint32(sc.Len()),
		SectionMapSize:          uint32(sm.Len()),
		SourceInfoSize:          uint32(si.Len()),
	}
	binary.Write(&out, binary.LittleEndian, hdr)
	out.Write(mod.Bytes())
	out.Write(sc.Bytes())
	out.Write(sm.Bytes())
	out.Write(si.Bytes())
	return out.Bytes()
}

func TestParseDBI(t *testing.T) {
	d, err := ParseDBI(bytes.NewReader(buildDBIStream(t)))
	if err != nil {
		t.Fatalf("ParseDBI: %v", err)
	}

	if d.Header.SymbolRecordStream != 7 {
		t.Errorf("symbol record stream = %d, want 7", d.Header.SymbolRecordStream)
	}

	if len(d.Modules) != 1 {
		t.Fatalf("parsed %d modules, want 1", len(d.Modules))
	}
	m := d.Modules[0]
	if m.ModuleName != "s3police.obj" || m.ObjFilename != "C:\\lib\\game.lib" {
		t.Errorf("module names = %q / %q", m.ModuleName, m.ObjFilename)
	}
	if m.Stream != 9 {
		t.Errorf("module stream = %d, want 9", m.Stream)
	}

	if len(d.Contributions) != 1 {
		t.Fatalf("parsed %d contributions, want 1", len(d.Contributions))
	}
	sc := d.Contributions[0]
	if !sc.IsCode() || sc.IsData() || sc.IsBSS() {
		t.Errorf("contribution characteristics mis-decoded: %+v", sc)
	}
	if !sc.IsReadOnly() {
		t.Error("code contribution reported writable")
	}

	if len(d.SectionMap) != 1 || d.SectionMap[0].SectionLength != 0x1000 {
		t.Errorf("section map = %+v", d.SectionMap)
	}

	if len(d.SourceFiles) != 1 || len(d.SourceFiles[0]) != 2 {
		t.Fatalf("source files = %+v", d.SourceFiles)
	}
	if d.SourceFiles[0][0] != "c:\\src\\s3police.cpp" {
		t.Errorf("first source = %q", d.SourceFiles[0][0])
	}
}

func TestContribAlignment(t *testing.T) {
	sc := &SectionContrib{Characteristics: 0x00300000} // align 4
	if got := sc.Alignment(); got != 4 {
		t.Errorf("Alignment = %d, want 4", got)
	}
	sc = &SectionContrib{}
	if got := sc.Alignment(); got != 0 {
		t.Errorf("Alignment of zero characteristics = %d, want 0", got)
	}
}

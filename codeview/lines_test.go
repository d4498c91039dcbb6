// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package codeview

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestParseLines(t *testing.T) {
	// layout: header, file entry, line table. Offsets are absolute within
	// the section.
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // file count
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // constant
	fileOffsetPos := buf.Len()
	binary.Write(&buf, binary.LittleEndian, uint32(0))      // patched below
	binary.Write(&buf, binary.LittleEndian, uint32(0x1000)) // start addr
	binary.Write(&buf, binary.LittleEndian, uint32(0x2000)) // end addr
	binary.Write(&buf, binary.LittleEndian, uint16(0))      // flags

	fileOff := uint32(buf.Len())
	binary.Write(&buf, binary.LittleEndian, uint32(1)) // subrange count
	lineTablePos := buf.Len()
	binary.Write(&buf, binary.LittleEndian, uint32(0))      // patched below
	binary.Write(&buf, binary.LittleEndian, uint32(0x1100)) // subrange start
	binary.Write(&buf, binary.LittleEndian, uint32(0x1180)) // subrange end
	name := "c:\\src\\main.cpp"
	buf.WriteByte(byte(len(name)))
	buf.WriteString(name)

	lineOff := uint32(buf.Len())
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // constant
	binary.Write(&buf, binary.LittleEndian, uint16(2)) // line count
	binary.Write(&buf, binary.LittleEndian, uint32(0x1100))
	binary.Write(&buf, binary.LittleEndian, uint32(0x1110))
	binary.Write(&buf, binary.LittleEndian, uint16(10))
	binary.Write(&buf, binary.LittleEndian, uint16(12))

	data := buf.Bytes()
	binary.LittleEndian.PutUint32(data[fileOffsetPos:], fileOff)
	binary.LittleEndian.PutUint32(data[lineTablePos:], lineOff)

	m, err := ParseLines(data)
	if err != nil {
		t.Fatalf("ParseLines: %v", err)
	}
	if m.StartAddr != 0x1000 || m.EndAddr != 0x2000 {
		t.Errorf("module range = %#x..%#x", m.StartAddr, m.EndAddr)
	}
	if len(m.Files) != 1 || m.Files[0] != name {
		t.Errorf("files = %v", m.Files)
	}

	lr, ok := m.Lookup(0x1105)
	if !ok {
		t.Fatal("Lookup inside the subrange failed")
	}
	if lr.SourceFile != name {
		t.Errorf("source file = %q", lr.SourceFile)
	}
	if lr.Lines[0x1100] != 10 || lr.Lines[0x1110] != 12 {
		t.Errorf("lines = %v", lr.Lines)
	}
	if lr2, ok := m.Lookup(0x1180); !ok || lr2 != lr {
		t.Error("subrange end is inclusive and must resolve")
	}
	if _, ok := m.Lookup(0x1181); ok {
		t.Error("Lookup past the subrange succeeded")
	}
}

// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package codeview

import (
	"bytes"
	"encoding/binary"
	"testing"
)

type recBuilder struct {
	buf bytes.Buffer
}

// add appends one length-prefixed, 4-byte aligned record and returns its
// byte offset. declaredBody overrides the declared length's body size when
// non-negative, mimicking the ref-sym under-declaration.
func (b *recBuilder) add(kind SymbolKind, body []byte, declaredBody int) int64 {
	off := int64(b.buf.Len())
	declared := len(body)
	if declaredBody >= 0 {
		declared = declaredBody
	}
	binary.Write(&b.buf, binary.LittleEndian, uint16(declared+2))
	binary.Write(&b.buf, binary.LittleEndian, uint16(kind))
	b.buf.Write(body)
	for b.buf.Len()%4 != 0 {
		b.buf.WriteByte(0)
	}
	return off
}

func pstr(s string) []byte {
	return append([]byte{byte(len(s))}, s...)
}

func le32(v uint32) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, v)
	return out
}

func le16(v uint16) []byte {
	out := make([]byte, 2)
	binary.LittleEndian.PutUint16(out, v)
	return out
}

func dataSymBody(offset uint32, segment, typeTI uint16, name string) []byte {
	var out []byte
	out = append(out, le32(offset)...)
	out = append(out, le16(segment)...)
	out = append(out, le16(typeTI)...)
	out = append(out, pstr(name)...)
	return out
}

func TestParseDataSymbols(t *testing.T) {
	var b recBuilder
	b.add(SymGData32, dataSymBody(0x100, 2, 0x74, "gCounter"), -1)
	b.add(SymLData32, dataSymBody(0x200, 2, 0x74, "sTable"), -1)

	syms, err := ParseSymbols(b.buf.Bytes(), nil)
	if err != nil {
		t.Fatalf("ParseSymbols: %v", err)
	}
	if len(syms.List) != 2 {
		t.Fatalf("parsed %d symbols, want 2", len(syms.List))
	}

	g := syms.List[0].(*DataSym)
	if g.Name != "gCounter" || g.Offset != 0x100 || g.Segment != 2 {
		t.Errorf("global mis-parsed: %+v", g)
	}
	if g.IsLocal() {
		t.Error("global data classified as local")
	}

	hits := syms.FromSegOffset(2, 0x200)
	if len(hits) != 1 || hits[0].(*DataSym).Name != "sTable" {
		t.Errorf("FromSegOffset(2, 0x200) = %v", hits)
	}
}

func TestRefSymLengthQuirk(t *testing.T) {
	// the record declares a body too small to carry its name; the reader
	// must consume len(name)+13 bytes instead.
	name := "OutputString"
	var body []byte
	body = append(body, le32(0)...)     // SucOfName
	body = append(body, le32(0x123)...) // SymbolOffset
	body = append(body, le16(7)...)     // ModuleId
	body = append(body, le16(0)...)     // Fill
	body = append(body, pstr(name)...)

	var b recBuilder
	b.add(SymProcRef, body, 12) // declared length excludes the name
	after := b.add(SymEnd, nil, -1)

	syms, err := ParseSymbols(b.buf.Bytes(), nil)
	if err != nil {
		t.Fatalf("ParseSymbols: %v", err)
	}
	if len(syms.List) != 2 {
		t.Fatalf("parsed %d symbols, want 2", len(syms.List))
	}
	ref := syms.List[0].(*RefSym)
	if ref.Name != name {
		t.Errorf("ref-sym name = %q, want %q", ref.Name, name)
	}
	if ref.ModuleID != 7 || ref.SymbolOffset != 0x123 {
		t.Errorf("ref-sym fields mis-parsed: %+v", ref)
	}
	if syms.List[1].Meta().RecOffset != after {
		t.Errorf("record after ref-sym starts at %#x, want %#x",
			syms.List[1].Meta().RecOffset, after)
	}
}

func TestToTree(t *testing.T) {
	var b recBuilder
	procOff := b.add(SymGProc32, procBody(t, 0 /*placeholder pEnd*/, 0x40, "fn"), -1)
	_ = procOff
	bpOff := b.add(SymBPRel32, bpRelBody(-4, 0x74, "local1"), -1)
	_ = bpOff
	endOff := b.add(SymEnd, nil, -1)

	// rewrite the proc's pEnd to the end marker's offset.
	binary.LittleEndian.PutUint32(b.buf.Bytes()[4+4:], uint32(endOff))

	syms, err := ParseSymbols(b.buf.Bytes(), nil)
	if err != nil {
		t.Fatalf("ParseSymbols: %v", err)
	}
	tree := ToTree(syms.List)
	if len(tree) != 1 {
		t.Fatalf("tree has %d roots, want 1", len(tree))
	}
	proc := tree[0].(*ProcStart)
	if len(proc.Children) != 1 {
		t.Fatalf("proc has %d children, want 1", len(proc.Children))
	}
	if bp, ok := proc.Children[0].(*BpRelative); !ok || bp.Name != "local1" {
		t.Errorf("child = %#v, want BpRelative local1", proc.Children[0])
	}
}

func procBody(t *testing.T, pEnd uint32, length uint32, name string) []byte {
	t.Helper()
	var out []byte
	out = append(out, le32(0)...)      // pParent
	out = append(out, le32(pEnd)...)   // pEnd
	out = append(out, le32(0)...)      // pNext
	out = append(out, le32(length)...) // Len
	out = append(out, le32(0)...)      // DbgStart
	out = append(out, le32(0)...)      // DbgEnd
	out = append(out, le32(0x1000)...) // Offset
	out = append(out, le16(1)...)      // Segment
	out = append(out, le16(0)...)      // Type
	out = append(out, 0)               // Flags
	out = append(out, pstr(name)...)
	return out
}

func bpRelBody(offset int32, typeTI uint16, name string) []byte {
	var out []byte
	out = append(out, le32(uint32(offset))...)
	out = append(out, le16(typeTI)...)
	out = append(out, pstr(name)...)
	return out
}

func TestGSIVisibility(t *testing.T) {
	var b recBuilder
	off0 := b.add(SymGData32, dataSymBody(0x10, 1, 0, "a"), -1)
	off1 := b.add(SymGData32, dataSymBody(0x20, 1, 0, "b"), -1)
	syms, err := ParseSymbols(b.buf.Bytes(), nil)
	if err != nil {
		t.Fatal(err)
	}

	// hash stream: one entry for off1, then 4097 empty buckets.
	var g bytes.Buffer
	binary.Write(&g, binary.LittleEndian, int32(off1+1))
	binary.Write(&g, binary.LittleEndian, int32(3))
	for i := 0; i < 4097; i++ {
		binary.Write(&g, binary.LittleEndian, uint32(0xffffffff))
	}
	gsi, err := ParseGSI(g.Bytes())
	if err != nil {
		t.Fatalf("ParseGSI: %v", err)
	}
	gsi.ApplyVisibility(VisGlobal, syms)

	if v := syms.FromOffset(off1).Meta().Visibility; v != VisGlobal {
		t.Errorf("symbol b visibility = %v, want global", v)
	}
	if rc := syms.FromOffset(off1).Meta().RefCount; rc != 3 {
		t.Errorf("symbol b refcount = %d, want 3", rc)
	}
	if v := syms.FromOffset(off0).Meta().Visibility; v != VisUnknown {
		t.Errorf("symbol a visibility = %v, want unknown", v)
	}
}

// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package tpi

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
)

// recordWriter assembles a synthetic type-information stream.
type recordWriter struct {
	buf    bytes.Buffer
	nextTI TypeIndex
}

func newRecordWriter() *recordWriter {
	return &recordWriter{nextTI: MinimumTI}
}

func (w *recordWriter) add(kind LeafKind, payload []byte) TypeIndex {
	length := uint16(2 + len(payload))
	binary.Write(&w.buf, binary.LittleEndian, length)
	binary.Write(&w.buf, binary.LittleEndian, uint16(kind))
	w.buf.Write(payload)
	for (2+int(length))%4 != 0 {
		w.buf.WriteByte(0)
		length++
	}
	ti := w.nextTI
	w.nextTI++
	return ti
}

func (w *recordWriter) stream() *bytes.Reader {
	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, uint32(TypeInfoVersion))
	binary.Write(&out, binary.LittleEndian, uint16(MinimumTI))
	binary.Write(&out, binary.LittleEndian, uint16(w.nextTI))
	binary.Write(&out, binary.LittleEndian, uint32(w.buf.Len()))
	binary.Write(&out, binary.LittleEndian, uint16(0)) // hash stream
	binary.Write(&out, binary.LittleEndian, uint16(0)) // pad
	out.Write(w.buf.Bytes())
	return bytes.NewReader(out.Bytes())
}

func pascal(s string) []byte {
	out := []byte{byte(len(s))}
	return append(out, s...)
}

func u16(v uint16) []byte {
	out := make([]byte, 2)
	binary.LittleEndian.PutUint16(out, v)
	return out
}

func fieldEntry(kind LeafKind, parts ...[]byte) []byte {
	out := u16(uint16(kind))
	for _, p := range parts {
		out = append(out, p...)
	}
	for len(out)%4 != 0 {
		out = append(out, 0)
	}
	return out
}

func memberEntry(typeTI TypeIndex, offset uint16, name string) []byte {
	return fieldEntry(LeafMember, u16(uint16(typeTI)), u16(0x0003), u16(offset), pascal(name))
}

func structRecord(fieldList TypeIndex, props uint16, size uint16, name string) []byte {
	var out []byte
	out = append(out, u16(2)...) // count
	out = append(out, u16(uint16(fieldList))...)
	out = append(out, u16(props)...)
	out = append(out, u16(0)...) // derived list
	out = append(out, u16(0)...) // vshape
	out = append(out, u16(size)...)
	out = append(out, pascal(name)...)
	return out
}

const tiInt32 = TypeIndex(0x0074)

// buildTestStore assembles: struct Point {x, y}, a forward ref to it, a
// pointer through the forward ref, struct Rect : Point {w}, an unresolved
// forward ref, and an int32 array.
func buildTestStore(t *testing.T) (*Store, map[string]TypeIndex) {
	t.Helper()
	w := newRecordWriter()
	tis := map[string]TypeIndex{}

	var fl []byte
	fl = append(fl, memberEntry(tiInt32, 0, "x")...)
	fl = append(fl, memberEntry(tiInt32, 4, "y")...)
	tis["pointFields"] = w.add(LeafFieldList, fl)

	tis["point"] = w.add(LeafClass, structRecord(tis["pointFields"], 0, 8, "Point"))
	tis["pointFwd"] = w.add(LeafClass, structRecord(0, 0x0080, 0, "Point"))

	// near32 pointer through the forward reference
	tis["pointPtr"] = w.add(LeafPointer, append(u16(0x000a), u16(uint16(tis["pointFwd"]))...))

	var rfl []byte
	rfl = append(rfl, fieldEntry(LeafBaseClass,
		u16(uint16(tis["point"])), u16(0x0003), u16(0))...)
	rfl = append(rfl, memberEntry(tiInt32, 8, "w")...)
	tis["rectFields"] = w.add(LeafFieldList, rfl)
	tis["rect"] = w.add(LeafStruct, structRecord(tis["rectFields"], 0, 12, "Rect"))

	tis["ghost"] = w.add(LeafStruct, structRecord(0, 0x0080, 0, "Ghost"))

	var arr []byte
	arr = append(arr, u16(uint16(tiInt32))...)
	arr = append(arr, u16(0)...)  // index type slot
	arr = append(arr, u16(16)...) // byte size
	arr = append(arr, 0)          // empty name
	tis["array"] = w.add(LeafArray, arr)

	store, err := Parse(w.stream(), nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	store.BuildClasses(nil)
	return store, tis
}

func TestStoreSizes(t *testing.T) {
	store, tis := buildTestStore(t)

	tests := []struct {
		name string
		ti   TypeIndex
		want int
	}{
		{"Point", tis["point"], 8},
		{"Point fwd", tis["pointFwd"], 8},
		{"Rect", tis["rect"], 12},
		{"pointer", tis["pointPtr"], 4},
		{"array", tis["array"], 16},
		{"int32 primitive", tiInt32, 4},
	}
	for _, tt := range tests {
		if got := store.Get(tt.ti).Size(); got != tt.want {
			t.Errorf("%s: Size = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestForwardRefResolution(t *testing.T) {
	store, tis := buildTestStore(t)

	fwd := store.Get(tis["pointFwd"]).(*Record)
	if fwd.Definition == nil {
		t.Fatal("forward ref to Point has no definition")
	}
	if fwd.Definition.TI() != tis["point"] {
		t.Errorf("forward ref resolved to %#04x, want %#04x",
			fwd.Definition.TI(), tis["point"])
	}

	ghost := store.Get(tis["ghost"]).(*Record)
	if ghost.Definition != nil {
		t.Error("Ghost forward ref resolved despite having no concrete twin")
	}
}

func TestLayoutCoverage(t *testing.T) {
	store, tis := buildTestStore(t)

	for _, name := range []string{"point", "rect"} {
		rec := store.Get(tis[name]).(*Record)
		if rec.Class == nil {
			t.Fatalf("%s has no built class", name)
		}
		if !rec.Class.Layout.Covers(0, rec.ByteSize) {
			t.Errorf("%s layout does not cover [0, %d)", name, rec.ByteSize)
		}
	}
}

func TestFieldAccess(t *testing.T) {
	store, tis := buildTestStore(t)

	tests := []struct {
		name   string
		ti     TypeIndex
		offset int64
		size   int
		want   string
	}{
		{"own member", tis["point"], 4, 4, "_.y"},
		{"first member", tis["point"], 0, 4, "_.x"},
		{"inherited member", tis["rect"], 0, 4, "_.x"},
		{"inherited second", tis["rect"], 4, 4, "_.y"},
		{"own after base", tis["rect"], 8, 4, "_.w"},
		{"through fwd ref", tis["pointFwd"], 4, 4, "_.y"},
		{"array element", tis["array"], 12, 4, "_[3]"},
	}
	for _, tt := range tests {
		got, err := store.Get(tt.ti).Access(Raw("_"), ConstOffset(tt.offset), tt.size)
		if err != nil {
			t.Errorf("%s: Access failed: %v", tt.name, err)
			continue
		}
		if got.String() != tt.want {
			t.Errorf("%s: Access = %q, want %q", tt.name, got.String(), tt.want)
		}
	}
}

func TestFieldAccessLaw(t *testing.T) {
	store, tis := buildTestStore(t)
	rec := store.Get(tis["rect"]).(*Record)

	// every aligned dword inside the record resolves to a named field with
	// no raw byte offset in the rendered text.
	for off := int64(0); off+4 <= rec.ByteSize; off += 4 {
		expr, err := rec.Access(Raw("_"), ConstOffset(off), 4)
		if err != nil {
			t.Fatalf("Access(%d): %v", off, err)
		}
		if strings.Contains(expr.String(), "0x") {
			t.Errorf("Access(%d) leaked a raw offset: %q", off, expr.String())
		}
	}
}

func TestDerefThroughPointer(t *testing.T) {
	store, tis := buildTestStore(t)

	ptr := store.Get(tis["pointPtr"])
	got, err := ptr.Deref(Raw("p"), ConstOffset(0), 4)
	if err != nil {
		t.Fatalf("Deref failed: %v", err)
	}
	if got.String() != "p->x" {
		t.Errorf("Deref = %q, want %q", got.String(), "p->x")
	}
}

func TestUncoveredAccessFallsBack(t *testing.T) {
	store, tis := buildTestStore(t)
	rec := store.Get(tis["point"]).(*Record)

	// widen a query past the layout: offset 20 hits nothing.
	expr, err := rec.Class.Access(Raw("_"), ConstOffset(20), 4)
	if err != nil {
		t.Fatalf("Access: %v", err)
	}
	if !strings.Contains(expr.String(), "Point") {
		t.Errorf("uncovered access %q does not document the record", expr.String())
	}
}

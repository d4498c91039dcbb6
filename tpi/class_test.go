// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package tpi

import (
	"strings"
	"testing"
)

// buildClassStore assembles a class with a vtable pointer, an overloaded
// method group with a reserved slot, a virtual base, and a data member.
func buildClassStore(t *testing.T) (*Store, map[string]TypeIndex) {
	t.Helper()
	w := newRecordWriter()
	tis := map[string]TypeIndex{}

	// vtable shape with two near32 slots: nibbles 5,5 packed high-first.
	tis["vtshape"] = w.add(LeafVTShape, append(u16(2), 0x55))

	// pointer to the shape, near32.
	tis["vtptr"] = w.add(LeafPointer, append(u16(0x000a), u16(uint16(tis["vtshape"]))...))

	// the base class: one int member at 0, size 4.
	var bfl []byte
	bfl = append(bfl, memberEntry(tiInt32, 0, "refs")...)
	tis["baseFields"] = w.add(LeafFieldList, bfl)
	tis["vbase"] = w.add(LeafClass, structRecord(tis["baseFields"], 0, 4, "RefCounted"))

	// empty arg list.
	tis["args"] = w.add(LeafArgList, u16(0))

	// a member function of Shape: int32 f(), thiscall.
	var mf []byte
	mf = append(mf, u16(uint16(tiInt32))...)     // return
	mf = append(mf, u16(0)...)                   // class, patched by link order below
	mf = append(mf, u16(0)...)                   // this
	mf = append(mf, 0x0b, 0x00)                  // thiscall, no attrs
	mf = append(mf, u16(0)...)                   // parm count
	mf = append(mf, u16(uint16(tis["args"]))...) // arg list
	mf = append(mf, 0x00, 0x00, 0x00, 0x00)      // this adjust
	tis["method"] = w.add(LeafMFunction, mf)

	// overload set: a nil entry reserving a vtable slot, then the method.
	var ml []byte
	ml = append(ml, u16(0x0003)...) // attr: public
	ml = append(ml, u16(0)...)      // nil type index reserves the slot
	ml = append(ml, u16(0x0003)...)
	ml = append(ml, u16(uint16(tis["method"]))...)
	tis["methods"] = w.add(LeafMethodList, ml)

	// Shape's field list: vfunctab, virtual base, member, method group.
	var fl []byte
	fl = append(fl, fieldEntry(LeafVFuncTab, u16(uint16(tis["vtptr"])))...)
	fl = append(fl, fieldEntry(LeafVBClass,
		u16(uint16(tis["vbase"])), // base
		u16(uint16(tis["vtptr"])), // vbptr type
		u16(0x0003),               // attr
		u16(4),                    // vbptr offset
		u16(0))...)                // vtable offset
	fl = append(fl, memberEntry(tiInt32, 8, "area")...)
	fl = append(fl, fieldEntry(LeafMethod,
		u16(2), u16(uint16(tis["methods"])), pascal("Draw"))...)
	tis["shapeFields"] = w.add(LeafFieldList, fl)
	tis["shape"] = w.add(LeafClass, structRecord(tis["shapeFields"], 0, 12, "Shape"))

	store, err := Parse(w.stream(), nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	store.BuildClasses(nil)
	return store, tis
}

func TestClassBuilderLayout(t *testing.T) {
	store, tis := buildClassStore(t)

	shape := store.Get(tis["shape"]).(*Record)
	if shape.Class == nil {
		t.Fatal("Shape has no built class")
	}
	c := shape.Class

	// vtable pointer at 0, virtual base pointer at 4, member at 8.
	if !c.Layout.Covers(0, 12) {
		t.Error("layout does not cover the class size")
	}

	vf, ok := c.Layout.One(0)
	if !ok || !vf.Value.IsVFPtr {
		t.Errorf("offset 0 is not the vtable pointer: %+v", vf.Value)
	}
	vb, ok := c.Layout.One(4)
	if !ok || !vb.Value.IsVBPtr {
		t.Errorf("offset 4 is not the virtual base pointer: %+v", vb.Value)
	}
	if m, ok := c.Layout.One(8); !ok || m.Value.Name != "area" {
		t.Errorf("offset 8 member = %+v", m.Value)
	}

	if c.VTable == nil || len(c.VTable.Kinds) != 2 {
		t.Errorf("vtable shape = %+v", c.VTable)
	}
}

func TestClassBuilderBasesAndMethods(t *testing.T) {
	store, tis := buildClassStore(t)
	c := store.Get(tis["shape"]).(*Record).Class

	if len(c.Bases) != 1 {
		t.Fatalf("found %d bases, want 1", len(c.Bases))
	}
	base := c.Bases[0]
	if !base.Virtual || base.Name != "RefCounted" {
		t.Errorf("base = %+v", base)
	}

	// one method survives; the nil entry only reserved a slot.
	var methods []*ClassMethod
	for _, f := range c.Fields {
		if m, ok := f.(*ClassMethod); ok {
			methods = append(methods, m)
		}
	}
	if len(methods) != 1 {
		t.Fatalf("found %d methods, want 1", len(methods))
	}
	if methods[0].Name != "Draw" {
		t.Errorf("method name = %q", methods[0].Name)
	}
	if methods[0].Func == nil || methods[0].Func.DefiningClass != c {
		t.Error("method not linked back to its class")
	}
}

func TestClassDecl(t *testing.T) {
	store, tis := buildClassStore(t)
	c := store.Get(tis["shape"]).(*Record).Class

	decl := c.Decl()
	for _, want := range []string{"class Shape", "virtual RefCounted", "area", "Draw"} {
		if !strings.Contains(decl, want) {
			t.Errorf("declaration missing %q:\n%s", want, decl)
		}
	}
}

// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package decomp

import (
	"strings"
	"testing"

	"github.com/msvcdec/msvcdec/codeview"
	"github.com/msvcdec/msvcdec/pdb"
)

func TestStringLiteralItem(t *testing.T) {
	p := &Program{ExeName: "TEST"}

	contrib := &pdb.SectionContrib{
		Section: 2,
		Offset:  0x100,
		Size:    16,
		Data:    []byte("hello\x00garbage..."),
	}

	sym := &codeview.DataSym{
		Offset:  0x100,
		Segment: 2,
		Name:    "??_C@_0L@foo@hello",
	}

	item := NewStringLiteral(sym, 0x402100, contrib, 0)
	p.addItem(item)

	if got := item.AsCode(); !strings.Contains(got, `// string literal: "hello"`) {
		t.Errorf("AsCode = %q", got)
	}
	if item.Length() != 6 {
		t.Errorf("length = %d, want 6 (text plus terminator)", item.Length())
	}

	found := p.GetItem(0x402100)
	if found == nil {
		t.Fatal("GetItem(start) returned nil")
	}
	if found != Item(item) {
		t.Errorf("GetItem returned %v", found)
	}
	if p.GetItem(0x402103) == nil {
		t.Error("GetItem(interior) returned nil")
	}
	if p.GetItem(0x402110) != nil {
		t.Error("GetItem past the literal returned an item")
	}
}

func TestVftTableDeref(t *testing.T) {
	p := &Program{ExeName: "TEST"}

	target := &ThunkItem{}
	target.Addr = 0x401050
	target.Len = 8
	target.Name = "Widget::Draw"
	p.addItem(target)

	contrib := &pdb.SectionContrib{
		Section: 2,
		Offset:  0,
		Size:    8,
		Data:    []byte{0x50, 0x10, 0x40, 0x00, 0x00, 0x00, 0x00, 0x00},
	}
	sym := &codeview.DataSym{Segment: 2, Name: "??_7Widget@@6B@"}

	// no type store attached; skip the class linking.
	vt := &VftTable{BaseItem: BaseItem{
		Sym: sym, Addr: 0x403000, Name: sym.Name, Contrib: contrib, ContribOffset: 0,
	}}
	vt.ClassName = "Widget"
	vt.Len = 8
	vt.Ptrs = []uint32{0x401050, 0}
	vt.PostProcess(p)

	if len(vt.Fns) != 1 {
		t.Fatalf("resolved %d entries, want 1 (zero entries are dropped)", len(vt.Fns))
	}
	if vt.Fns[0].ItemName() != "Widget::Draw" {
		t.Errorf("slot 0 = %q", vt.Fns[0].ItemName())
	}
}

func TestLibraryCommonPath(t *testing.T) {
	lib := &Library{Name: "game.lib"}

	lib.AddModule(&Module{Name: "a.obj", SourceFile: `C:\Copter\Source\Game\a.cpp`})
	if lib.CommonPath != `c:\copter\source\game\` {
		t.Fatalf("common path after first module = %q", lib.CommonPath)
	}

	lib.AddModule(&Module{Name: "b.obj", SourceFile: `C:\Copter\Source\Game\sub\b.cpp`})
	if lib.CommonPath != `c:\copter\source\game\` {
		t.Errorf("deeper member changed the prefix: %q", lib.CommonPath)
	}

	lib.AddModule(&Module{Name: "c.obj", SourceFile: `C:\Copter\Source\X\c.cpp`})
	if lib.CommonPath != `c:\copter\source\` {
		t.Errorf("diverging member: common path = %q", lib.CommonPath)
	}

	// resources do not participate.
	lib.AddModule(&Module{Name: "r.res", SourceFile: `D:\Other\r.res`})
	if lib.CommonPath != `c:\copter\source\` {
		t.Errorf(".res member changed the prefix: %q", lib.CommonPath)
	}
}

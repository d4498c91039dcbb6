// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package decomp

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/msvcdec/msvcdec/codeview"
	"github.com/msvcdec/msvcdec/msvc"
	"github.com/msvcdec/msvcdec/pdb"
	"github.com/msvcdec/msvcdec/tpi"
)

// Item is a named, addressable object in the program's virtual address
// space.
type Item interface {
	// Address returns the item's virtual address.
	Address() uint32
	// Length returns the item's byte length.
	Length() uint32
	// ItemName returns the symbol name.
	ItemName() string
	// AsCode renders the item's declaration.
	AsCode() string
	// PostProcess runs after every module has loaded.
	PostProcess(p *Program)
}

// BaseItem carries the fields shared by every item kind.
type BaseItem struct {
	Sym     codeview.Symbol
	Addr    uint32
	Len     uint32
	Name    string
	Type    tpi.Type
	Export  codeview.Symbol
	Contrib *pdb.SectionContrib
	// ContribOffset is the item's offset inside its contribution; negative
	// when no contribution was found.
	ContribOffset int64
}

// Address implements Item.
func (it *BaseItem) Address() uint32 { return it.Addr }

// Length implements Item.
func (it *BaseItem) Length() uint32 { return it.Len }

// ItemName implements Item.
func (it *BaseItem) ItemName() string { return it.Name }

// PostProcess implements Item.
func (it *BaseItem) PostProcess(p *Program) {}

// Bytes returns the item's slice of its contribution, or nil.
func (it *BaseItem) Bytes() []byte {
	if it.Contrib == nil || it.ContribOffset < 0 {
		return nil
	}
	data := it.Contrib.Data
	start := it.ContribOffset
	if start > int64(len(data)) {
		return nil
	}
	end := start + int64(it.Len)
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[start:end]
}

// Access resolves a field access against the item's type.
func (it *BaseItem) Access(offset tpi.Offset, size int) (tpi.Accessor, error) {
	if it.Type == nil {
		return nil, fmt.Errorf("can't access %s @ %#x, no type defined", it.Name, it.Addr)
	}
	return it.Type.Access(tpi.Raw(it.Name), offset, size)
}

// Deref resolves a dereference against the item's type.
func (it *BaseItem) Deref(offset tpi.Offset, size int) (tpi.Accessor, error) {
	if it.Type == nil {
		return nil, fmt.Errorf("can't deref %s @ %#x, no type defined", it.Name, it.Addr)
	}
	return it.Type.Deref(tpi.Raw(it.Name), offset, size)
}

// Data is a global or static-local variable.
type Data struct {
	BaseItem
	AltDefs []*codeview.DataSym
}

// NewData builds a data item for a symbol.
func NewData(sym *codeview.DataSym, addr uint32, ty tpi.Type) *Data {
	length := uint32(tpi.SizeOf(ty))
	if length == 0 {
		length = 1
	}
	return &Data{BaseItem: BaseItem{
		Sym: sym, Addr: addr, Len: length, Name: sym.Name, Type: ty,
		ContribOffset: -1,
	}}
}

// AddAltDef records an alternate definition of the same address. A later
// symbol with a larger array type or a resolvable forward reference
// replaces the current type.
func (d *Data) AddAltDef(alt *codeview.DataSym) {
	if alt.Type == nil {
		return
	}
	if altArr, ok := alt.Type.(*tpi.Array); ok && altArr.ByteSize == 0 {
		return
	}
	better := false
	if d.Type == nil {
		better = true
	} else if cur, ok := d.Type.(*tpi.Array); ok {
		if altArr, ok := alt.Type.(*tpi.Array); ok && cur.ByteSize < altArr.ByteSize {
			better = true
		}
	} else if rec, ok := d.Type.(*tpi.Record); ok && rec.IsFwdRef() && rec.Definition == nil {
		if altRec, ok := alt.Type.(*tpi.Record); ok && altRec.Concrete() != nil && !altRec.Concrete().IsFwdRef() {
			better = true
		}
	}
	if better {
		if cur, ok := d.Sym.(*codeview.DataSym); ok {
			d.AltDefs = append(d.AltDefs, cur)
		}
		d.Type = alt.Type
		d.Sym = alt
		if n := uint32(tpi.SizeOf(alt.Type)); n > 0 {
			d.Len = n
		}
	} else {
		d.AltDefs = append(d.AltDefs, alt)
	}
}

// Initializer renders the initial value from the contribution bytes.
func (d *Data) Initializer() string {
	data := d.Bytes()
	if data == nil {
		return "{ 0 /* error */ }"
	}
	switch ty := d.Type.(type) {
	case *tpi.Primitive:
		return primitiveInitializer(ty, data)
	case *tpi.Pointer:
		if len(data) >= 4 {
			v := binary.LittleEndian.Uint32(data)
			if v == 0 {
				return "0"
			}
			return fmt.Sprintf("(%s)0x%08x", ty.TypeStr(""), v)
		}
	case *tpi.Enum:
		if len(data) >= 4 {
			v := int64(int32(binary.LittleEndian.Uint32(data)))
			for _, e := range ty.Entries() {
				if e.Value == v {
					return e.Name
				}
			}
			return fmt.Sprintf("%d", v)
		}
	case *tpi.Array:
		if elem, ok := ty.Elem.(*tpi.Primitive); ok {
			var parts []string
			es := elem.Size()
			if es > 0 {
				for off := 0; off+es <= len(data) && len(parts) < int(ty.ElemCount()); off += es {
					parts = append(parts, primitiveInitializer(elem, data[off:off+es]))
				}
				return "{ " + strings.Join(parts, ", ") + " }"
			}
		}
	}
	return "{ 0 /* todo */ }"
}

func primitiveInitializer(p *tpi.Primitive, data []byte) string {
	switch p.Size() {
	case 1:
		if len(data) >= 1 {
			return fmt.Sprintf("%d", int8(data[0]))
		}
	case 2:
		if len(data) >= 2 {
			return fmt.Sprintf("%d", int16(binary.LittleEndian.Uint16(data)))
		}
	case 4:
		if len(data) >= 4 {
			return fmt.Sprintf("%d", int32(binary.LittleEndian.Uint32(data)))
		}
	case 8:
		if len(data) >= 8 {
			return fmt.Sprintf("%d", int64(binary.LittleEndian.Uint64(data)))
		}
	}
	return "0"
}

// AsCode implements Item.
func (d *Data) AsCode() string {
	s := tpi.TypeStrOf(d.Type, d.Name)
	if ds, ok := d.Sym.(*codeview.DataSym); ok && ds.IsLocal() {
		s = "static " + s
	}
	if d.Sym != nil && d.Sym.Meta().Visibility == codeview.VisPublic {
		s = "extern " + s
	}

	if d.Contrib == nil {
		s += "; // Contrib missing\n"
		return s
	}
	if d.Contrib.IsBSS() {
		s += ";\n"
	} else {
		s += fmt.Sprintf(" = %s;\n", d.Initializer())
	}

	if len(d.AltDefs) > 0 {
		s += "// has alternate definitions:\n"
		for _, alt := range d.AltDefs {
			s += fmt.Sprintf("//   %s\n", tpi.TypeStrOf(alt.Type, d.Name))
		}
	}
	return s
}

// StringLiteral is a mangled string constant (??_C prefix). The text is
// decoded from the contribution bytes as UTF-8.
type StringLiteral struct {
	BaseItem
	Text string
}

// NewStringLiteral decodes a string literal item from its contribution.
func NewStringLiteral(sym *codeview.DataSym, addr uint32, contrib *pdb.SectionContrib, offset int64) *StringLiteral {
	it := &StringLiteral{BaseItem: BaseItem{
		Sym: sym, Addr: addr, Name: sym.Name, Contrib: contrib, ContribOffset: offset,
	}}
	if contrib != nil && offset >= 0 && offset < int64(len(contrib.Data)) {
		data := contrib.Data[offset:]
		end := 0
		for end < len(data) && data[end] != 0 {
			end++
		}
		it.Len = uint32(end + 1)
		it.Text = string(data[:end])
	} else {
		it.Len = 1
	}
	return it
}

// AsCode implements Item.
func (s *StringLiteral) AsCode() string {
	return fmt.Sprintf("// string literal: %q\n", s.Text)
}

// VftTable is a virtual function table blob (??_7 prefix). Entries resolve
// to functions in the post-processing pass, once every item exists.
type VftTable struct {
	BaseItem
	ClassName string
	Class     *tpi.Class
	Ptrs      []uint32
	Fns       []Item
}

// NewVftTable decodes the pointer array and attaches the table to its
// class.
func NewVftTable(sym *codeview.DataSym, addr uint32, contrib *pdb.SectionContrib, offset int64, p *Program) *VftTable {
	it := &VftTable{BaseItem: BaseItem{
		Sym: sym, Addr: addr, Name: sym.Name, Contrib: contrib, ContribOffset: offset,
	}}
	if name, ok := msvc.VftableClass(sym.Name); ok {
		it.ClassName = name
	}
	if contrib != nil && offset >= 0 {
		data := contrib.Data[offset:]
		it.Len = uint32(len(data))
		for pos := 0; pos+4 <= len(data); pos += 4 {
			it.Ptrs = append(it.Ptrs, binary.LittleEndian.Uint32(data[pos:]))
		}
	}
	if it.ClassName != "" {
		for _, ty := range p.Data.Types.Records() {
			rec, ok := ty.(*tpi.Record)
			if !ok || rec.Class == nil {
				continue
			}
			if rec.Name == it.ClassName {
				rec.Class.VTableData = it
				it.Class = rec.Class
				break
			}
		}
	}
	return it
}

// PostProcess resolves each pointer to the function at that address.
func (v *VftTable) PostProcess(p *Program) {
	v.Fns = v.Fns[:0]
	for _, addr := range v.Ptrs {
		if addr == 0 {
			continue
		}
		v.Fns = append(v.Fns, p.GetItem(addr))
	}
}

// Deref returns the function a vtable slot holds.
func (v *VftTable) Deref(offset tpi.Offset, size int) (tpi.Accessor, error) {
	if offset.IsScaled() || size != 4 {
		return nil, fmt.Errorf("bad vftable slot access in %s", v.Name)
	}
	idx := offset.Const / 4
	if idx < 0 || idx >= int64(len(v.Fns)) || v.Fns[idx] == nil {
		return nil, fmt.Errorf("vftable slot %d out of range in %s", idx, v.Name)
	}
	return tpi.Raw(v.Fns[idx].ItemName()), nil
}

// AsCode implements Item.
func (v *VftTable) AsCode() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "// vftable for %s @ %#010x\n", v.ClassName, v.Addr)
	for i, fn := range v.Fns {
		if fn == nil {
			fmt.Fprintf(&sb, "//   %02d: <unresolved>\n", i)
			continue
		}
		fmt.Fprintf(&sb, "//   %02d: %s @ 0x%08x\n", i, fn.ItemName(), fn.Address())
	}
	fmt.Fprintf(&sb, "//   %d entries\n", len(v.Fns))
	return sb.String()
}

// ThunkItem is an import thunk.
type ThunkItem struct {
	BaseItem
}

// NewThunk wraps a thunk symbol.
func NewThunk(sym *codeview.Thunk, addr uint32) *ThunkItem {
	return &ThunkItem{BaseItem: BaseItem{
		Sym: sym, Addr: addr, Len: uint32(sym.Len), Name: sym.Name, ContribOffset: -1,
	}}
}

// AsCode implements Item.
func (t *ThunkItem) AsCode() string {
	return fmt.Sprintf("// thunk: %s @ %#010x\n", t.Name, t.Addr)
}

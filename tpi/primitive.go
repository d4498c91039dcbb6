// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package tpi

import "fmt"

// Primitive is one member of the closed type set below MinimumTI.
type Primitive struct {
	ti      TypeIndex
	text    string
	size    int
	pointee *Primitive
}

// TI implements Type.
func (p *Primitive) TI() TypeIndex { return p.ti }

// Size implements Type.
func (p *Primitive) Size() int { return p.size }

// IsFwdRef implements Type.
func (p *Primitive) IsFwdRef() bool { return false }

// TypeStr implements Type.
func (p *Primitive) TypeStr(name string) string { return withName(p.text, name) }

// Pointee returns the pointed-to primitive for derived pointer shapes.
func (p *Primitive) Pointee() *Primitive { return p.pointee }

// Access implements Type: the prefix itself when (offset, size) matches the
// whole type, a size-qualified reinterpreted read otherwise.
func (p *Primitive) Access(prefix Accessor, offset Offset, size int) (Accessor, error) {
	if wholeType(p, offset, size) {
		return prefix, nil
	}
	return castAccess(p, prefix, offset, size)
}

// Deref implements Type for the mechanically derived pointer shapes.
func (p *Primitive) Deref(prefix Accessor, offset Offset, size int) (Accessor, error) {
	if p.pointee == nil {
		return nil, fmt.Errorf("cannot dereference %s", p.text)
	}
	return p.pointee.Access(PointerPrefix{Base: prefix}, offset, size)
}

// primitiveSpec seeds the primitive table. Shapes with derive set also get
// the three mechanical pointer variants.
type primitiveSpec struct {
	ti     TypeIndex
	text   string
	size   int
	derive bool
}

var primitiveSpecs = []primitiveSpec{
	{0x0000, "<no type>", 0, false},
	{0x0001, "<absolute>", 0, false},
	{0x0002, "<segment>", 0, false},
	{0x0003, "void", 0, false},
	{0x0004, "CURRENCY", 8, false},
	{0x0005, "BASIC string", 0, false},
	{0x0006, "BASIC string __far", 0, false},
	{0x0007, "<not translated>", 0, false},
	{0x0008, "HRESULT", 4, false},
	{0x0010, "char", 1, true},
	{0x0011, "short", 2, true},
	{0x0012, "long", 4, true},
	{0x0013, "__int64", 8, true},
	{0x0014, "__int128", 16, true},
	{0x0020, "unsigned char", 1, true},
	{0x0021, "unsigned short", 2, true},
	{0x0022, "unsigned long", 4, true},
	{0x0023, "unsigned __int64", 8, true},
	{0x0024, "unsigned __int128", 16, true},
	{0x0030, "bool", 1, true},
	{0x0040, "float", 4, true},
	{0x0041, "double", 8, true},
	{0x0042, "long double", 10, true},
	{0x0050, "complex float", 8, true},
	{0x0051, "complex double", 16, true},
	{0x0052, "complex long double", 20, true},
	{0x0060, "bit", 0, false},
	{0x0061, "CHAR", 1, false},
	{0x0062, "BOOL32FF", 4, false},
	{0x0068, "int8_t", 1, true},
	{0x0069, "uint8_t", 1, true},
	{0x0070, "char", 1, true},
	{0x0071, "wchar_t", 2, true},
	{0x0072, "int16_t", 2, true},
	{0x0073, "uint16_t", 2, true},
	{0x0074, "int32_t", 4, true},
	{0x0075, "uint32_t", 4, true},
	{0x0076, "int64_t", 8, true},
	{0x0077, "uint64_t", 8, true},
	{0x0078, "int128_t", 16, true},
	{0x0079, "uint128_t", 16, true},
	{0x007a, "char16_t", 2, true},
	{0x007b, "char32_t", 4, true},
	{0x007e, "bool16_t", 2, true},
	{0x007f, "bool32_t", 4, true},
	{0x0080, "bool64_t", 8, true},
}

// pointer derivation: TI offset, suffix, byte size.
var pointerShapes = []struct {
	offset TypeIndex
	suffix string
	size   int
}{
	{0x0400, " *", 4},         // 32 bit near pointer
	{0x0500, " __far *", 6},   // 16:32 pointer
	{0x0600, " __ptr64 *", 8}, // 64 bit pointer
}

// voidPointerTIs are the void* shapes, which exist without a sized base.
var voidPointerTIs = []struct {
	ti   TypeIndex
	text string
	size int
}{
	{0x0103, "void *", 2},
	{0x0203, "void __far *", 4},
	{0x0303, "void __huge *", 4},
	{0x0403, "void *", 4},
	{0x0503, "void __far *", 6},
	{0x0603, "void * __ptr64", 8},
	{0x0408, "HRESULT *", 4},
	{0x0608, "HRESULT * __ptr64", 8},
	{0x01f0, "<cv near ptr>", 2},
	{0x02f0, "<cv far ptr>", 4},
	{0x03f0, "<cv huge ptr>", 4},
	{0x04f0, "<cv near32 ptr>", 4},
	{0x05f0, "<cv far32 ptr>", 6},
	{0x06f0, "<cv ptr64>", 8},
}

// buildPrimitives constructs the dense primitive table of size MinimumTI.
func buildPrimitives() []*Primitive {
	table := make([]*Primitive, MinimumTI)
	for _, spec := range primitiveSpecs {
		base := &Primitive{ti: spec.ti, text: spec.text, size: spec.size}
		table[spec.ti] = base
		if !spec.derive {
			continue
		}
		for _, ps := range pointerShapes {
			ti := spec.ti + ps.offset
			table[ti] = &Primitive{
				ti:      ti,
				text:    spec.text + ps.suffix,
				size:    ps.size,
				pointee: base,
			}
		}
	}
	void := table[0x0003]
	for _, vp := range voidPointerTIs {
		table[vp.ti] = &Primitive{ti: vp.ti, text: vp.text, size: vp.size, pointee: void}
	}
	return table
}

// Primitives is the shared primitive table.
var Primitives = buildPrimitives()

// PrimitiveByTI returns the primitive for a sub-MinimumTI index.
func PrimitiveByTI(ti TypeIndex) (*Primitive, error) {
	if ti >= MinimumTI {
		return nil, fmt.Errorf("type index %#04x is not primitive", ti)
	}
	p := Primitives[ti]
	if p == nil {
		return nil, fmt.Errorf("unknown primitive type index %#04x", ti)
	}
	return p, nil
}

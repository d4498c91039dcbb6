// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package tpi

import "fmt"

// Accessor is an expression denoting a storage location. Types build accessor
// chains while answering Access and Deref queries.
type Accessor interface {
	String() string
}

// Raw is a plain expression string, used for prefixes handed in by callers
// and for fallback casts.
type Raw string

func (r Raw) String() string { return string(r) }

// Scaled is a runtime index expression multiplied by an element size,
// standing in for a constant offset when an indexed addressing mode reaches
// the access machinery.
type Scaled struct {
	Expr  fmt.Stringer
	Scale int64
}

func (s Scaled) String() string {
	if s.Scale == 1 {
		return s.Expr.String()
	}
	return fmt.Sprintf("%s * %d", s.Expr.String(), s.Scale)
}

// Offset is either a constant byte offset or a scaled runtime index.
type Offset struct {
	Const  int64
	Scaled *Scaled
}

// ConstOffset wraps a constant byte offset.
func ConstOffset(v int64) Offset { return Offset{Const: v} }

// ScaledOffset wraps a runtime index expression.
func ScaledOffset(expr fmt.Stringer, scale int64) Offset {
	return Offset{Scaled: &Scaled{Expr: expr, Scale: scale}}
}

// IsScaled reports whether the offset is a runtime expression.
func (o Offset) IsScaled() bool { return o.Scaled != nil }

func (o Offset) String() string {
	if o.Scaled != nil {
		return o.Scaled.String()
	}
	return fmt.Sprintf("%#x", o.Const)
}

// PointerPrefix marks a prefix that is being accessed through a pointer, so
// that member access renders with -> instead of '.'.
type PointerPrefix struct {
	Base Accessor
}

func (p PointerPrefix) String() string { return p.Base.String() }

// MemberAccess names a field of its base.
type MemberAccess struct {
	Base Accessor
	Name string
}

func (m MemberAccess) String() string {
	if p, ok := m.Base.(PointerPrefix); ok {
		return p.Base.String() + "->" + m.Name
	}
	return m.Base.String() + "." + m.Name
}

// IndexAccess subscripts its base.
type IndexAccess struct {
	Base  Accessor
	Index string
}

func (a IndexAccess) String() string {
	base := a.Base
	if p, ok := base.(PointerPrefix); ok {
		// subscripting a pointer already dereferences it.
		base = p.Base
	}
	return fmt.Sprintf("%s[%s]", base.String(), a.Index)
}

// AddressOf takes the address of its base.
type AddressOf struct {
	Base Accessor
}

func (a AddressOf) String() string { return "&" + a.Base.String() }

// castAccess renders a size-qualified reinterpreted read at a byte offset,
// the fallback when no field covers the requested range.
func castAccess(ty Type, prefix Accessor, offset Offset, size int) (Accessor, error) {
	var accessType string
	switch size {
	case 0:
		return prefix, nil
	case 1:
		accessType = "uint8_t"
	case 2:
		accessType = "uint16_t"
	case 4:
		accessType = "uint32_t"
	case 8:
		accessType = "uint64_t"
	default:
		return nil, fmt.Errorf("cannot access %d bytes at offset %s in %s",
			size, offset, ty.TypeStr(""))
	}

	if offset.IsScaled() {
		return nil, fmt.Errorf("cannot cast-access %s with a scaled offset", ty.TypeStr(""))
	}
	if offset.Const == 0 {
		return Raw(fmt.Sprintf("reinterpret_cast<%s>(%s)", accessType, prefix)), nil
	}
	if offset.Const+int64(size) <= int64(ty.Size()) {
		return Raw(fmt.Sprintf("*reinterpret_cast<%s*>(reinterpret_cast<char*>(&%s) + %d)",
			accessType, prefix, offset.Const)), nil
	}
	return nil, fmt.Errorf("cannot access %d bytes at offset %s in %s",
		size, offset, ty.TypeStr(""))
}

// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package tpi parses the type-information stream of a program database and
// exposes every type behind a uniform size/typestr/access/deref contract.
// Indices below MinimumTI denote the closed primitive set; everything above
// is a parsed record.
package tpi

import "fmt"

// TypeIndex is a 16-bit handle into the type store.
type TypeIndex uint16

// MinimumTI is the first record index; indices below it are primitives.
const MinimumTI = 0x1000

// Type is the contract every entry of the store answers.
type Type interface {
	// TI returns the type index assigned to this type.
	TI() TypeIndex

	// Size returns the byte size, following forward references. Pointer
	// sizes come from their declared width; bitfields report the width of
	// their underlying type.
	Size() int

	// TypeStr renders a declaration of the type for the given name; with an
	// empty name it renders the bare type.
	TypeStr(name string) string

	// Access yields an l-value denoting the in-place field at
	// (&prefix + offset) of the given size.
	Access(prefix Accessor, offset Offset, size int) (Accessor, error)

	// Deref yields an expression denoting *(prefix + offset) when the type
	// is pointer-like.
	Deref(prefix Accessor, offset Offset, size int) (Accessor, error)

	// IsFwdRef reports whether this is a forward reference.
	IsFwdRef() bool
}

// wholeType reports whether (offset, size) addresses the complete type.
func wholeType(ty Type, offset Offset, size int) bool {
	return !offset.IsScaled() && offset.Const == 0 && (size == 0 || size == ty.Size())
}

// TypeStrOf is a nil-tolerant TypeStr helper for optional types.
func TypeStrOf(ty Type, name string) string {
	if ty == nil {
		if name == "" {
			return "void"
		}
		return "void " + name
	}
	return ty.TypeStr(name)
}

// SizeOf is a nil-tolerant Size helper.
func SizeOf(ty Type) int {
	if ty == nil {
		return 0
	}
	return ty.Size()
}

func withName(typeText, name string) string {
	if name == "" {
		return typeText
	}
	return fmt.Sprintf("%s %s", typeText, name)
}

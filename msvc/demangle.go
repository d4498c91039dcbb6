// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package msvc answers the two demangling questions the decompiler asks of
// MSVC-decorated names: which class a vftable belongs to, and what return
// type a function without a type record declares. It is deliberately not a
// general demangler; any name it cannot read is reported as such and the
// caller falls back to placeholder text.
package msvc

import "strings"

// IsMangled reports whether a symbol name carries MSVC decoration.
func IsMangled(name string) bool {
	return strings.HasPrefix(name, "?")
}

// VftableClass extracts the outermost class name from a vftable symbol
// (prefix ??_7). For a nested class the enclosing class's name is returned,
// matching how vftable items attach to built classes.
func VftableClass(name string) (string, bool) {
	rest, ok := strings.CutPrefix(name, "??_7")
	if !ok {
		return "", false
	}
	end := strings.Index(rest, "@@")
	if end < 0 {
		return "", false
	}
	parts := strings.Split(rest[:end], "@")
	if len(parts) == 0 || parts[len(parts)-1] == "" {
		return "", false
	}
	// name lists run inner to outer.
	return parts[len(parts)-1], true
}

// QualifiedVftableClass returns the full A::B qualified name of a vftable
// symbol.
func QualifiedVftableClass(name string) (string, bool) {
	rest, ok := strings.CutPrefix(name, "??_7")
	if !ok {
		return "", false
	}
	end := strings.Index(rest, "@@")
	if end < 0 {
		return "", false
	}
	parts := strings.Split(rest[:end], "@")
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "::"), true
}

// StringLiteralPrefix marks mangled string-literal constants.
const StringLiteralPrefix = "??_C"

// VftablePrefix marks mangled vftable constants.
const VftablePrefix = "??_7"

// primitive type codes of the decoration scheme.
var typeCodes = map[byte]string{
	'X': "void",
	'D': "char",
	'E': "unsigned char",
	'F': "short",
	'G': "unsigned short",
	'H': "int",
	'I': "unsigned int",
	'J': "long",
	'K': "unsigned long",
	'M': "float",
	'N': "double",
	'O': "long double",
}

// readType decodes one type code, returning the text and the consumed
// length.
func readType(s string) (string, int, bool) {
	if s == "" {
		return "", 0, false
	}
	switch s[0] {
	case '_':
		if len(s) >= 2 {
			switch s[1] {
			case 'N':
				return "bool", 2, true
			case 'J':
				return "__int64", 2, true
			case 'K':
				return "unsigned __int64", 2, true
			}
		}
		return "", 0, false
	case 'P', 'A':
		// pointer or reference; skip the CV code that follows.
		if len(s) < 2 {
			return "", 0, false
		}
		inner, n, ok := readType(s[2:])
		if !ok {
			return "", 0, false
		}
		suffix := " *"
		if s[0] == 'A' {
			suffix = " &"
		}
		return inner + suffix, 2 + n, true
	case 'V', 'U', 'T', 'W':
		// class/struct/union/enum by name, terminated by @@ (enums carry a
		// width digit first).
		body := s[1:]
		consumed := 1
		if s[0] == 'W' && len(body) > 0 && body[0] == '4' {
			body = body[1:]
			consumed++
		}
		end := strings.Index(body, "@@")
		if end < 0 {
			return "", 0, false
		}
		parts := strings.Split(body[:end], "@")
		for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
			parts[i], parts[j] = parts[j], parts[i]
		}
		return strings.Join(parts, "::"), consumed + end + 2, true
	}
	if text, ok := typeCodes[s[0]]; ok {
		return text, 1, true
	}
	return "", 0, false
}

// ReturnType extracts the declared return type from a decorated function
// name. Names this reader cannot follow report ok=false and the caller
// keeps its placeholder.
func ReturnType(mangled string) (string, bool) {
	if !strings.HasPrefix(mangled, "?") || strings.HasPrefix(mangled, "??_") {
		return "", false
	}
	idx := strings.Index(mangled, "@@")
	if idx < 0 || idx+2 >= len(mangled) {
		return "", false
	}
	rest := mangled[idx+2:]

	if rest[0] == 'Y' {
		// global function: Y <callconv> <return> <args> @Z
		if len(rest) < 3 {
			return "", false
		}
		ty, _, ok := readType(rest[2:])
		return ty, ok
	}

	// member function: <access A..V> [<cv A..D>] <callconv> <return>
	if rest[0] < 'A' || rest[0] > 'V' {
		return "", false
	}
	pos := 1
	static := rest[0] == 'S' || rest[0] == 'K' || rest[0] == 'C'
	if !static && pos < len(rest) && rest[pos] >= 'A' && rest[pos] <= 'D' {
		pos++ // this-pointer CV qualifier
	}
	if pos >= len(rest) {
		return "", false
	}
	pos++ // calling convention code
	if pos >= len(rest) {
		return "", false
	}
	if rest[pos] == '@' {
		// constructors and destructors encode no return type.
		return "", false
	}
	ty, _, ok := readType(rest[pos:])
	return ty, ok
}

// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package codeview parses CodeView symbol records, the GSI/PSGI visibility
// hash tables, and per-module line tables.
package codeview

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/msvcdec/msvcdec/tpi"
)

// SymbolKind identifies a symbol record variant.
type SymbolKind uint16

// Symbol kinds recognized by this reader. Anything else is fatal.
const (
	SymCompile  SymbolKind = 0x0001
	SymConstant SymbolKind = 0x0003
	SymUDT      SymbolKind = 0x0004
	SymEnd      SymbolKind = 0x0006
	SymObjName  SymbolKind = 0x0009
	SymBPRel32  SymbolKind = 0x0200
	SymLData32  SymbolKind = 0x0201
	SymGData32  SymbolKind = 0x0202
	SymPub32    SymbolKind = 0x0203
	SymLProc32  SymbolKind = 0x0204
	SymGProc32  SymbolKind = 0x0205
	SymThunk32  SymbolKind = 0x0206
	SymBlock32  SymbolKind = 0x0207
	SymLabel32  SymbolKind = 0x0209
	SymProcRef  SymbolKind = 0x0400
	SymDataRef  SymbolKind = 0x0401
	SymLProcRef SymbolKind = 0x0403
)

// ErrUnknownSymbol is returned for unrecognized record kinds.
var ErrUnknownSymbol = errors.New("unknown symbol record kind")

// Visibility of a symbol, applied from the hash-table streams.
type Visibility int

// Visibility values.
const (
	VisUnknown Visibility = iota
	VisGlobal
	VisPublic
)

func (v Visibility) String() string {
	switch v {
	case VisGlobal:
		return "global"
	case VisPublic:
		return "public"
	}
	return "unknown"
}

// Meta is the bookkeeping shared by every symbol record.
type Meta struct {
	RecOffset  int64
	Index      int
	Visibility Visibility
	RefCount   int32
}

// Symbol is one parsed record.
type Symbol interface {
	Kind() SymbolKind
	Meta() *Meta
}

// treeSym is implemented by records that open a scope closed by a matching
// end marker at byte offset PEnd.
type treeSym interface {
	Symbol
	pEnd() uint32
	setChildren([]Symbol)
}

// CompileFlags is the per-module compiler banner.
type CompileFlags struct {
	Meta_           Meta
	Machine         uint8
	Flags           [3]byte
	CompilerVersion string
}

func (s *CompileFlags) Kind() SymbolKind { return SymCompile }
func (s *CompileFlags) Meta() *Meta      { return &s.Meta_ }

// Constant is an enum-value constant.
type Constant struct {
	Meta_ Meta
	Type  tpi.Type
	Value int64
	Name  string
}

func (s *Constant) Kind() SymbolKind { return SymConstant }
func (s *Constant) Meta() *Meta      { return &s.Meta_ }

// UserDefinedType is a typedef alias.
type UserDefinedType struct {
	Meta_ Meta
	Type  tpi.Type
	Name  string
}

func (s *UserDefinedType) Kind() SymbolKind { return SymUDT }
func (s *UserDefinedType) Meta() *Meta      { return &s.Meta_ }

// End closes the innermost open scope.
type End struct {
	Meta_ Meta
}

func (s *End) Kind() SymbolKind { return SymEnd }
func (s *End) Meta() *Meta      { return &s.Meta_ }

// ObjName names the object file a module came from.
type ObjName struct {
	Meta_ Meta
	Sig   uint32
	Name  string
}

func (s *ObjName) Kind() SymbolKind { return SymObjName }
func (s *ObjName) Meta() *Meta      { return &s.Meta_ }

// BpRelative is a bp-relative local or argument. Positive offsets are
// arguments, negative offsets are locals.
type BpRelative struct {
	Meta_  Meta
	Offset int32
	Type   tpi.Type
	Name   string
}

func (s *BpRelative) Kind() SymbolKind { return SymBPRel32 }
func (s *BpRelative) Meta() *Meta      { return &s.Meta_ }

// DataSym is the shared shape of local/global/public data symbols.
type DataSym struct {
	Meta_   Meta
	kind    SymbolKind
	Offset  uint32
	Segment uint16
	Type    tpi.Type
	TypeTI  tpi.TypeIndex
	Name    string
}

func (s *DataSym) Kind() SymbolKind { return s.kind }
func (s *DataSym) Meta() *Meta      { return &s.Meta_ }

// IsLocal reports a module-local (static) data symbol.
func (s *DataSym) IsLocal() bool { return s.kind == SymLData32 }

// IsPublic reports an exported data symbol record.
func (s *DataSym) IsPublic() bool { return s.kind == SymPub32 }

// ProcStart opens a procedure scope.
type ProcStart struct {
	Meta_    Meta
	kind     SymbolKind
	PParent  uint32
	PEnd     uint32
	PNext    uint32
	Len      uint32
	DbgStart uint32
	DbgEnd   uint32
	Offset   uint32
	Segment  uint16
	Type     tpi.Type
	TypeTI   tpi.TypeIndex
	Flags    uint8
	Name     string
	Children []Symbol
}

func (s *ProcStart) Kind() SymbolKind       { return s.kind }
func (s *ProcStart) Meta() *Meta            { return &s.Meta_ }
func (s *ProcStart) pEnd() uint32           { return s.PEnd }
func (s *ProcStart) setChildren(c []Symbol) { s.Children = c }

// IsLocal reports a module-local (static) procedure.
func (s *ProcStart) IsLocal() bool { return s.kind == SymLProc32 }

// Thunk is an import thunk.
type Thunk struct {
	Meta_    Meta
	PParent  uint32
	PEnd     uint32
	PNext    uint32
	Offset   uint32
	Segment  uint16
	Len      uint16
	Ordinal  uint8
	Name     string
	Variant  []byte
	Children []Symbol
}

func (s *Thunk) Kind() SymbolKind       { return SymThunk32 }
func (s *Thunk) Meta() *Meta            { return &s.Meta_ }
func (s *Thunk) pEnd() uint32           { return s.PEnd }
func (s *Thunk) setChildren(c []Symbol) { s.Children = c }

// Block opens a lexical block scope.
type Block struct {
	Meta_    Meta
	PParent  uint32
	PEnd     uint32
	Length   uint32
	Offset   uint32
	Segment  uint16
	Name     string
	Children []Symbol
}

func (s *Block) Kind() SymbolKind       { return SymBlock32 }
func (s *Block) Meta() *Meta            { return &s.Meta_ }
func (s *Block) pEnd() uint32           { return s.PEnd }
func (s *Block) setChildren(c []Symbol) { s.Children = c }

// CodeLabel is a code label inside a function.
type CodeLabel struct {
	Meta_   Meta
	Offset  uint32
	Segment uint16
	Flags   uint8
	Name    string
}

func (s *CodeLabel) Kind() SymbolKind { return SymLabel32 }
func (s *CodeLabel) Meta() *Meta      { return &s.Meta_ }

// RefSym is a reference into another module's symbol table. The on-disk
// record under-declares its length: the name it carries is not counted, so
// the reader recomputes the consumed length as len(name)+13.
type RefSym struct {
	Meta_        Meta
	kind         SymbolKind
	SucOfName    uint32
	SymbolOffset uint32
	ModuleID     uint16
	Fill         uint16
	Name         string
}

func (s *RefSym) Kind() SymbolKind { return s.kind }
func (s *RefSym) Meta() *Meta      { return &s.Meta_ }

func isRefSymKind(k SymbolKind) bool {
	return k == SymProcRef || k == SymDataRef || k == SymLProcRef
}

// Symbols is the parsed symbol-record list with its two indices.
type Symbols struct {
	List        []Symbol
	ByRecOffset map[int64]Symbol
	BySegOffset map[SegOffset][]Symbol
}

// SegOffset keys the by-address index.
type SegOffset struct {
	Segment uint16
	Offset  uint32
}

// FromOffset returns the symbol whose record starts at the byte offset, or
// nil.
func (s *Symbols) FromOffset(offset int64) Symbol {
	return s.ByRecOffset[offset]
}

// FromSegOffset returns the symbols at (segment, offset).
func (s *Symbols) FromSegOffset(segment uint16, offset uint32) []Symbol {
	return s.BySegOffset[SegOffset{segment, offset}]
}

// typeOf resolves a type index against the store, tolerating a nil store for
// tests.
func typeOf(types *tpi.Store, ti tpi.TypeIndex) tpi.Type {
	if types == nil {
		return nil
	}
	return types.Get(ti)
}

// ParseSymbols reads a symbol-record stream. Every record is length-prefixed
// by a u16 excluding the length field itself and aligned to 4 bytes.
func ParseSymbols(data []byte, types *tpi.Store) (*Symbols, error) {
	syms := &Symbols{
		ByRecOffset: make(map[int64]Symbol),
		BySegOffset: make(map[SegOffset][]Symbol),
	}

	pos := 0
	for pos+4 <= len(data) {
		if rem := pos % 4; rem != 0 {
			pos += 4 - rem
			continue
		}
		recOffset := int64(pos)
		length := binary.LittleEndian.Uint16(data[pos:])
		if length < 2 {
			break
		}
		kind := SymbolKind(binary.LittleEndian.Uint16(data[pos+2:]))

		bodyLen := int(length) - 2
		if isRefSymKind(kind) {
			// the documented length is too small to hold the trailing
			// name; peek ahead to size the record properly.
			if pos+4+13 > len(data) {
				return nil, io.ErrUnexpectedEOF
			}
			nameLen := int(data[pos+4+12])
			bodyLen = nameLen + 13
		}
		if pos+4+bodyLen > len(data) {
			return nil, io.ErrUnexpectedEOF
		}

		sym, err := parseSymbol(kind, data[pos+4:pos+4+bodyLen], types)
		if err != nil {
			return nil, fmt.Errorf("symbol at %#x: %w", pos, err)
		}
		meta := sym.Meta()
		meta.RecOffset = recOffset
		meta.Index = len(syms.List)
		syms.List = append(syms.List, sym)
		syms.ByRecOffset[recOffset] = sym

		switch t := sym.(type) {
		case *DataSym:
			syms.BySegOffset[SegOffset{t.Segment, t.Offset}] = append(
				syms.BySegOffset[SegOffset{t.Segment, t.Offset}], sym)
		case *ProcStart:
			syms.BySegOffset[SegOffset{t.Segment, t.Offset}] = append(
				syms.BySegOffset[SegOffset{t.Segment, t.Offset}], sym)
		case *Thunk:
			syms.BySegOffset[SegOffset{t.Segment, t.Offset}] = append(
				syms.BySegOffset[SegOffset{t.Segment, t.Offset}], sym)
		}

		pos += 4 + bodyLen
	}
	return syms, nil
}

type symReader struct {
	data []byte
	pos  int
}

func (r *symReader) u8() uint8 {
	v := r.data[r.pos]
	r.pos++
	return v
}

func (r *symReader) u16() uint16 {
	v := binary.LittleEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v
}

func (r *symReader) u32() uint32 {
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v
}

func (r *symReader) i32() int32 { return int32(r.u32()) }

func (r *symReader) varint() (int64, error) {
	br := bytes.NewReader(r.data[r.pos:])
	before := br.Len()
	v, err := tpi.ReadVarInt(br)
	if err != nil {
		return 0, err
	}
	r.pos += before - br.Len()
	return v, nil
}

func (r *symReader) pascal() string {
	n := int(r.u8())
	if r.pos+n > len(r.data) {
		n = len(r.data) - r.pos
	}
	s := string(r.data[r.pos : r.pos+n])
	r.pos += n
	return s
}

func parseSymbol(kind SymbolKind, body []byte, types *tpi.Store) (sym Symbol, err error) {
	defer func() {
		if recover() != nil {
			sym, err = nil, io.ErrUnexpectedEOF
		}
	}()
	r := &symReader{data: body}

	switch kind {
	case SymCompile:
		s := &CompileFlags{Machine: r.u8()}
		copy(s.Flags[:], body[1:4])
		r.pos = 4
		s.CompilerVersion = r.pascal()
		return s, nil

	case SymConstant:
		s := &Constant{Type: typeOf(types, tpi.TypeIndex(r.u16()))}
		if s.Value, err = r.varint(); err != nil {
			return nil, err
		}
		s.Name = r.pascal()
		return s, nil

	case SymUDT:
		s := &UserDefinedType{Type: typeOf(types, tpi.TypeIndex(r.u16()))}
		s.Name = r.pascal()
		return s, nil

	case SymEnd:
		return &End{}, nil

	case SymObjName:
		s := &ObjName{Sig: r.u32()}
		s.Name = r.pascal()
		return s, nil

	case SymBPRel32:
		s := &BpRelative{Offset: r.i32()}
		s.Type = typeOf(types, tpi.TypeIndex(r.u16()))
		s.Name = r.pascal()
		return s, nil

	case SymLData32, SymGData32, SymPub32:
		s := &DataSym{kind: kind, Offset: r.u32(), Segment: r.u16()}
		s.TypeTI = tpi.TypeIndex(r.u16())
		s.Type = typeOf(types, s.TypeTI)
		s.Name = r.pascal()
		return s, nil

	case SymLProc32, SymGProc32:
		s := &ProcStart{
			kind:     kind,
			PParent:  r.u32(),
			PEnd:     r.u32(),
			PNext:    r.u32(),
			Len:      r.u32(),
			DbgStart: r.u32(),
			DbgEnd:   r.u32(),
			Offset:   r.u32(),
			Segment:  r.u16(),
		}
		s.TypeTI = tpi.TypeIndex(r.u16())
		s.Type = typeOf(types, s.TypeTI)
		s.Flags = r.u8()
		s.Name = r.pascal()
		return s, nil

	case SymThunk32:
		s := &Thunk{
			PParent: r.u32(),
			PEnd:    r.u32(),
			PNext:   r.u32(),
			Offset:  r.u32(),
			Segment: r.u16(),
			Len:     r.u16(),
			Ordinal: r.u8(),
		}
		s.Name = r.pascal()
		s.Variant = append([]byte(nil), body[r.pos:]...)
		return s, nil

	case SymBlock32:
		s := &Block{
			PParent: r.u32(),
			PEnd:    r.u32(),
			Length:  r.u32(),
			Offset:  r.u32(),
			Segment: r.u16(),
		}
		s.Name = r.pascal()
		return s, nil

	case SymLabel32:
		s := &CodeLabel{Offset: r.u32(), Segment: r.u16(), Flags: r.u8()}
		s.Name = r.pascal()
		return s, nil

	case SymProcRef, SymDataRef, SymLProcRef:
		s := &RefSym{
			kind:         kind,
			SucOfName:    r.u32(),
			SymbolOffset: r.u32(),
			ModuleID:     r.u16(),
			Fill:         r.u16(),
		}
		s.Name = r.pascal()
		return s, nil
	}
	return nil, fmt.Errorf("%w: %#04x", ErrUnknownSymbol, uint16(kind))
}

// ToTree folds a flat record sequence into a scope tree: records carrying a
// pEnd pointer consume the following records up to the matching end marker
// as their children, recursively.
func ToTree(records []Symbol) []Symbol {
	var tree []Symbol
	for len(records) > 0 {
		rec := records[0]
		records = records[1:]

		ts, ok := rec.(treeSym)
		if !ok {
			tree = append(tree, rec)
			continue
		}

		end := int64(ts.pEnd())
		var children []Symbol
		split := len(records)
		for i, r := range records {
			if r.Meta().RecOffset == end {
				split = i
				break
			}
		}
		children = records[:split]
		if split < len(records) {
			records = records[split+1:] // skip the end marker
		} else {
			records = nil
		}
		ts.setChildren(ToTree(children))
		tree = append(tree, rec)
	}
	return tree
}

// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package tpi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/msvcdec/msvcdec/log"
)

// TypeInfoVersion is the only stream version this reader understands.
const TypeInfoVersion = 19951122

// Errors.
var (
	// ErrBadVersion is returned for any other type-stream version.
	ErrBadVersion = errors.New("unsupported type information version")

	// ErrUnknownLeaf is returned when a record kind is not recognized.
	ErrUnknownLeaf = errors.New("unknown type record kind")
)

// Store is the dense type table. Indices below MinimumTI resolve to the
// shared primitive table; parsed records fill the rest. Missing slots are
// nil.
type Store struct {
	MinTI  TypeIndex
	MaxTI  TypeIndex
	types  []Type
	ByName map[string][]Type

	logger *log.Helper
}

// Get returns the type for an index, or nil for index 0 and missing slots.
func (s *Store) Get(ti TypeIndex) Type {
	if ti == 0 {
		return nil
	}
	if int(ti) < len(s.types) {
		return s.types[int(ti)]
	}
	return nil
}

// Records iterates the parsed (non-primitive) slots.
func (s *Store) Records() []Type {
	return s.types[MinimumTI:]
}

// reader is a cursor over one record's payload.
type reader struct {
	data []byte
	pos  int
}

func (r *reader) remaining() int { return len(r.data) - r.pos }

func (r *reader) u8() (uint8, error) {
	if r.pos+1 > len(r.data) {
		return 0, io.ErrUnexpectedEOF
	}
	v := r.data[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) u16() (uint16, error) {
	if r.pos+2 > len(r.data) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if r.pos+4 > len(r.data) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) i32() (int32, error) {
	v, err := r.u32()
	return int32(v), err
}

func (r *reader) varint() (int64, error) {
	br := bytes.NewReader(r.data[r.pos:])
	before := br.Len()
	v, err := ReadVarInt(br)
	if err != nil {
		return 0, err
	}
	r.pos += before - br.Len()
	return v, nil
}

// pascal reads a length-prefixed string.
func (r *reader) pascal() (string, error) {
	n, err := r.u8()
	if err != nil {
		return "", err
	}
	if r.pos+int(n) > len(r.data) {
		return "", io.ErrUnexpectedEOF
	}
	s := string(r.data[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func (r *reader) align4() {
	if rem := r.pos % 4; rem != 0 {
		r.pos += 4 - rem
	}
}

// Parse reads the whole type-information stream and runs both passes:
// raw record parsing, then type-index linking and forward-reference
// resolution.
func Parse(stream io.Reader, logger *log.Helper) (*Store, error) {
	if logger == nil {
		logger = log.Default()
	}

	var hdr struct {
		Version         uint32
		MinimumTI       uint16
		MaximumTI       uint16
		ByteCount       uint32
		HashValueStream uint16
		Pad             uint16
	}
	if err := binary.Read(stream, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("type stream header: %w", err)
	}
	if hdr.Version != TypeInfoVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, hdr.Version)
	}

	s := &Store{
		MinTI:  TypeIndex(hdr.MinimumTI),
		MaxTI:  TypeIndex(hdr.MaximumTI),
		ByName: make(map[string][]Type),
		logger: logger,
	}
	s.types = make([]Type, int(hdr.MaximumTI))
	for ti, p := range Primitives {
		if p != nil {
			s.types[ti] = p
		}
	}

	// Pass 1: parse raw records in index order.
	for ti := TypeIndex(hdr.MinimumTI); ti < TypeIndex(hdr.MaximumTI); ti++ {
		var length uint16
		if err := binary.Read(stream, binary.LittleEndian, &length); err != nil {
			return nil, fmt.Errorf("record %#04x length: %w", ti, err)
		}
		if length < 2 {
			return nil, fmt.Errorf("record %#04x has impossible length %d", ti, length)
		}
		// the record body plus alignment padding to 4 bytes.
		total := int(length) + 2
		padded := (total + 3) &^ 3
		buf := make([]byte, padded-2)
		if _, err := io.ReadFull(stream, buf); err != nil {
			return nil, fmt.Errorf("record %#04x body: %w", ti, err)
		}
		kind := LeafKind(binary.LittleEndian.Uint16(buf))
		ty, err := parseLeaf(kind, buf[2:int(length)], ti)
		if err != nil {
			return nil, fmt.Errorf("record %#04x (kind %#04x): %w", ti, uint16(kind), err)
		}
		s.types[int(ti)] = ty
		if name := typeName(ty); name != "" {
			s.ByName[name] = append(s.ByName[name], ty)
		}
	}

	// Pass 2: link nested type indices and resolve forward references.
	for _, ty := range s.Records() {
		s.link(ty)
	}
	for _, ty := range s.Records() {
		s.resolveForward(ty)
	}
	return s, nil
}

func typeName(ty Type) string {
	switch t := ty.(type) {
	case *Record:
		return t.Name
	case *Enum:
		return t.Name
	}
	return ""
}

func parseLeaf(kind LeafKind, data []byte, ti TypeIndex) (Type, error) {
	r := &reader{data: data}
	switch kind {
	case LeafModifier:
		attr, err := r.u16()
		if err != nil {
			return nil, err
		}
		inner, err := r.u16()
		if err != nil {
			return nil, err
		}
		return &Modifier{ti: ti, Attr: ModifierAttr(attr), InnerTI: TypeIndex(inner)}, nil

	case LeafPointer:
		attr, err := r.u16()
		if err != nil {
			return nil, err
		}
		inner, err := r.u16()
		if err != nil {
			return nil, err
		}
		return &Pointer{ti: ti, Attr: PointerAttr(attr), InnerTI: TypeIndex(inner)}, nil

	case LeafArray:
		elem, err := r.u16()
		if err != nil {
			return nil, err
		}
		count, err := r.u16()
		if err != nil {
			return nil, err
		}
		size, err := r.varint()
		if err != nil {
			return nil, err
		}
		// trailing zero-length name
		if _, err := r.pascal(); err != nil && err != io.ErrUnexpectedEOF {
			return nil, err
		}
		return &Array{ti: ti, ElemTI: TypeIndex(elem), Count: count, ByteSize: size}, nil

	case LeafClass, LeafStruct:
		rec := &Record{ti: ti, Kind: KindClass}
		if kind == LeafStruct {
			rec.Kind = KindStruct
		}
		var err error
		if rec.Count, err = r.u16(); err != nil {
			return nil, err
		}
		fl, err := r.u16()
		if err != nil {
			return nil, err
		}
		rec.FieldListTI = TypeIndex(fl)
		props, err := r.u16()
		if err != nil {
			return nil, err
		}
		rec.Props = StructProps(props)
		dl, err := r.u16()
		if err != nil {
			return nil, err
		}
		rec.DerivedTI = TypeIndex(dl)
		vs, err := r.u16()
		if err != nil {
			return nil, err
		}
		rec.VShapeTI = TypeIndex(vs)
		if rec.ByteSize, err = r.varint(); err != nil {
			return nil, err
		}
		if rec.Name, err = r.pascal(); err != nil {
			return nil, err
		}
		return rec, nil

	case LeafUnion:
		rec := &Record{ti: ti, Kind: KindUnion}
		var err error
		if rec.Count, err = r.u16(); err != nil {
			return nil, err
		}
		fl, err := r.u16()
		if err != nil {
			return nil, err
		}
		rec.FieldListTI = TypeIndex(fl)
		props, err := r.u16()
		if err != nil {
			return nil, err
		}
		rec.Props = StructProps(props)
		if rec.ByteSize, err = r.varint(); err != nil {
			return nil, err
		}
		if rec.Name, err = r.pascal(); err != nil {
			return nil, err
		}
		return rec, nil

	case LeafEnum:
		e := &Enum{ti: ti}
		var err error
		if e.Count, err = r.u16(); err != nil {
			return nil, err
		}
		ut, err := r.u16()
		if err != nil {
			return nil, err
		}
		e.UnderlyingTI = TypeIndex(ut)
		fl, err := r.u16()
		if err != nil {
			return nil, err
		}
		e.FieldListTI = TypeIndex(fl)
		props, err := r.u16()
		if err != nil {
			return nil, err
		}
		e.Props = StructProps(props)
		if e.Name, err = r.pascal(); err != nil {
			return nil, err
		}
		return e, nil

	case LeafProcedure:
		p := &Procedure{ti: ti}
		rv, err := r.u16()
		if err != nil {
			return nil, err
		}
		p.ReturnTI = TypeIndex(rv)
		cc, err := r.u8()
		if err != nil {
			return nil, err
		}
		p.CallConv = CallingConvention(cc)
		fa, err := r.u8()
		if err != nil {
			return nil, err
		}
		p.Attr = FuncAttr(fa)
		if p.ParmCount, err = r.u16(); err != nil {
			return nil, err
		}
		al, err := r.u16()
		if err != nil {
			return nil, err
		}
		p.ArgListTI = TypeIndex(al)
		return p, nil

	case LeafMFunction:
		m := &MemberFunction{ti: ti}
		rv, err := r.u16()
		if err != nil {
			return nil, err
		}
		m.ReturnTI = TypeIndex(rv)
		ct, err := r.u16()
		if err != nil {
			return nil, err
		}
		m.ClassTI = TypeIndex(ct)
		tt, err := r.u16()
		if err != nil {
			return nil, err
		}
		m.ThisTI = TypeIndex(tt)
		cc, err := r.u8()
		if err != nil {
			return nil, err
		}
		m.CallConv = CallingConvention(cc)
		fa, err := r.u8()
		if err != nil {
			return nil, err
		}
		m.Attr = FuncAttr(fa)
		if m.ParmCount, err = r.u16(); err != nil {
			return nil, err
		}
		al, err := r.u16()
		if err != nil {
			return nil, err
		}
		m.ArgListTI = TypeIndex(al)
		if m.ThisAdjust, err = r.i32(); err != nil {
			return nil, err
		}
		return m, nil

	case LeafVTShape:
		count, err := r.u16()
		if err != nil {
			return nil, err
		}
		kinds := make([]VtSlotKind, count)
		if r.pos+(int(count)+1)/2 > len(r.data) {
			return nil, io.ErrUnexpectedEOF
		}
		for i := 0; i < int(count); i++ {
			b := r.data[r.pos+i/2]
			if i%2 == 0 {
				kinds[i] = VtSlotKind(b >> 4)
			} else {
				kinds[i] = VtSlotKind(b & 0xf)
			}
		}
		return &VtShape{ti: ti, Kinds: kinds}, nil

	case LeafVFTPath:
		count, err := r.u16()
		if err != nil {
			return nil, err
		}
		v := &VftPath{ti: ti}
		for i := 0; i < int(count); i++ {
			b, err := r.u16()
			if err != nil {
				return nil, err
			}
			v.BaseTIs = append(v.BaseTIs, TypeIndex(b))
		}
		return v, nil

	case LeafArgList:
		count, err := r.u16()
		if err != nil {
			return nil, err
		}
		a := &ArgList{ti: ti}
		for i := 0; i < int(count); i++ {
			t, err := r.u16()
			if err != nil {
				return nil, err
			}
			a.ArgTIs = append(a.ArgTIs, TypeIndex(t))
		}
		return a, nil

	case LeafFieldList:
		fl := &FieldList{ti: ti}
		for r.remaining() >= 2 {
			entry, err := parseFieldEntry(r)
			if err != nil {
				return nil, err
			}
			fl.Entries = append(fl.Entries, entry)
			r.align4()
		}
		return fl, nil

	case LeafBitfield:
		length, err := r.u8()
		if err != nil {
			return nil, err
		}
		position, err := r.u8()
		if err != nil {
			return nil, err
		}
		ut, err := r.u16()
		if err != nil {
			return nil, err
		}
		return &Bitfield{ti: ti, Length: length, Position: position, UnderlyingTI: TypeIndex(ut)}, nil

	case LeafMethodList:
		ml := &MethodList{ti: ti}
		for r.remaining() >= 4 {
			attr, err := r.u16()
			if err != nil {
				return nil, err
			}
			idx, err := r.u16()
			if err != nil {
				return nil, err
			}
			entry := MethodListEntry{Attr: FieldAttr(attr), IndexTI: TypeIndex(idx)}
			if entry.Attr.MProp().Introduces() {
				off, err := r.u32()
				if err != nil {
					return nil, err
				}
				entry.VBaseOffset = off
				entry.HasVBase = true
			}
			ml.Entries = append(ml.Entries, entry)
		}
		return ml, nil
	}
	return nil, fmt.Errorf("%w: %#04x", ErrUnknownLeaf, uint16(kind))
}

func parseFieldEntry(r *reader) (FieldEntry, error) {
	kind, err := r.u16()
	if err != nil {
		return nil, err
	}
	switch LeafKind(kind) {
	case LeafBaseClass:
		idx, err := r.u16()
		if err != nil {
			return nil, err
		}
		attr, err := r.u16()
		if err != nil {
			return nil, err
		}
		off, err := r.varint()
		if err != nil {
			return nil, err
		}
		return &BaseClassEntry{IndexTI: TypeIndex(idx), Attr: FieldAttr(attr), Offset: off}, nil

	case LeafVBClass, LeafIVBClass:
		e := &VirtualBaseClassEntry{Indirect: LeafKind(kind) == LeafIVBClass}
		idx, err := r.u16()
		if err != nil {
			return nil, err
		}
		e.IndexTI = TypeIndex(idx)
		vb, err := r.u16()
		if err != nil {
			return nil, err
		}
		e.VBPtrTI = TypeIndex(vb)
		attr, err := r.u16()
		if err != nil {
			return nil, err
		}
		e.Attr = FieldAttr(attr)
		if e.PtrOffset, err = r.varint(); err != nil {
			return nil, err
		}
		if e.VtableOffset, err = r.varint(); err != nil {
			return nil, err
		}
		return e, nil

	case LeafEnumerate:
		attr, err := r.u16()
		if err != nil {
			return nil, err
		}
		value, err := r.varint()
		if err != nil {
			return nil, err
		}
		name, err := r.pascal()
		if err != nil {
			return nil, err
		}
		return &EnumerateEntry{Attr: FieldAttr(attr), Value: value, Name: name}, nil

	case LeafMember:
		idx, err := r.u16()
		if err != nil {
			return nil, err
		}
		attr, err := r.u16()
		if err != nil {
			return nil, err
		}
		off, err := r.varint()
		if err != nil {
			return nil, err
		}
		name, err := r.pascal()
		if err != nil {
			return nil, err
		}
		return &MemberEntry{IndexTI: TypeIndex(idx), Attr: FieldAttr(attr), Offset: off, Name: name}, nil

	case LeafStaticMember:
		idx, err := r.u16()
		if err != nil {
			return nil, err
		}
		attr, err := r.u16()
		if err != nil {
			return nil, err
		}
		name, err := r.pascal()
		if err != nil {
			return nil, err
		}
		return &StaticMemberEntry{IndexTI: TypeIndex(idx), Attr: FieldAttr(attr), Name: name}, nil

	case LeafMethod:
		count, err := r.u16()
		if err != nil {
			return nil, err
		}
		ml, err := r.u16()
		if err != nil {
			return nil, err
		}
		name, err := r.pascal()
		if err != nil {
			return nil, err
		}
		return &MethodGroupEntry{Count: count, MethodListTI: TypeIndex(ml), Name: name}, nil

	case LeafNestedType:
		idx, err := r.u16()
		if err != nil {
			return nil, err
		}
		name, err := r.pascal()
		if err != nil {
			return nil, err
		}
		return &NestedTypeEntry{IndexTI: TypeIndex(idx), Name: name}, nil

	case LeafVFuncTab:
		idx, err := r.u16()
		if err != nil {
			return nil, err
		}
		return &VFuncTabEntry{IndexTI: TypeIndex(idx)}, nil

	case LeafOneMethod:
		attr, err := r.u16()
		if err != nil {
			return nil, err
		}
		idx, err := r.u16()
		if err != nil {
			return nil, err
		}
		e := &OneMethodEntry{Attr: FieldAttr(attr), IndexTI: TypeIndex(idx)}
		if e.Attr.MProp().Introduces() {
			off, err := r.u32()
			if err != nil {
				return nil, err
			}
			e.VBaseOffset = off
			e.HasVBase = true
		}
		if e.Name, err = r.pascal(); err != nil {
			return nil, err
		}
		return e, nil
	}
	return nil, fmt.Errorf("%w: field entry %#04x", ErrUnknownLeaf, kind)
}

// link resolves every nested type-index field of a record into a live
// reference, descending lists.
func (s *Store) link(ty Type) {
	switch t := ty.(type) {
	case *Modifier:
		t.Inner = s.Get(t.InnerTI)
	case *Pointer:
		t.Inner = s.Get(t.InnerTI)
	case *Array:
		t.Elem = s.Get(t.ElemTI)
	case *Record:
		if fl, ok := s.Get(t.FieldListTI).(*FieldList); ok {
			t.FieldList = fl
		}
		if vs, ok := s.Get(t.VShapeTI).(*VtShape); ok {
			t.VShape = vs
		}
	case *Enum:
		t.Underlying = s.Get(t.UnderlyingTI)
		if fl, ok := s.Get(t.FieldListTI).(*FieldList); ok {
			t.FieldList = fl
		}
	case *Procedure:
		t.Return = s.Get(t.ReturnTI)
		if al, ok := s.Get(t.ArgListTI).(*ArgList); ok {
			s.link(al)
			t.ArgTIs = al.ArgTIs
			t.Args = al.Args
		}
	case *MemberFunction:
		t.Return = s.Get(t.ReturnTI)
		t.ClassType = s.Get(t.ClassTI)
		t.This = s.Get(t.ThisTI)
		if al, ok := s.Get(t.ArgListTI).(*ArgList); ok {
			s.link(al)
			t.ArgTIs = al.ArgTIs
			t.Args = al.Args
		}
	case *ArgList:
		if t.Args == nil {
			for _, ti := range t.ArgTIs {
				t.Args = append(t.Args, s.Get(ti))
			}
		}
	case *MethodList:
		for i := range t.Entries {
			t.Entries[i].Index = s.Get(t.Entries[i].IndexTI)
		}
	case *VftPath:
		for _, ti := range t.BaseTIs {
			t.Bases = append(t.Bases, s.Get(ti))
		}
	case *FieldList:
		for _, e := range t.Entries {
			switch f := e.(type) {
			case *BaseClassEntry:
				f.Index = s.Get(f.IndexTI)
			case *VirtualBaseClassEntry:
				f.Index = s.Get(f.IndexTI)
				f.VBPtr = s.Get(f.VBPtrTI)
			case *MemberEntry:
				f.Index = s.Get(f.IndexTI)
			case *StaticMemberEntry:
				f.Index = s.Get(f.IndexTI)
			case *MethodGroupEntry:
				if ml, ok := s.Get(f.MethodListTI).(*MethodList); ok {
					s.link(ml)
					f.Methods = ml
				}
			case *NestedTypeEntry:
				f.Index = s.Get(f.IndexTI)
			case *VFuncTabEntry:
				f.Index = s.Get(f.IndexTI)
			}
		}
	}
}

// resolveForward records the concrete twin of a forward reference: the
// same-named, same-kind, non-forward record. Missing twins with a nonzero
// size log a warning; size zero stays nil (an empty record).
func (s *Store) resolveForward(ty Type) {
	switch t := ty.(type) {
	case *Record:
		if !t.Props.FwdRef() {
			return
		}
		for _, cand := range s.ByName[t.Name] {
			if rec, ok := cand.(*Record); ok && rec.Kind == t.Kind && !rec.Props.FwdRef() {
				t.Definition = rec
				return
			}
		}
		if t.ByteSize != 0 {
			s.logger.Warnf("failed to resolve forward ref: %s %s", t.Kind, t.Name)
		}
	case *Enum:
		if !t.Props.FwdRef() {
			return
		}
		for _, cand := range s.ByName[t.Name] {
			if en, ok := cand.(*Enum); ok && !en.Props.FwdRef() {
				t.Definition = en
				return
			}
		}
	}
}

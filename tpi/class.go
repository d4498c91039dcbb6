// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package tpi

import (
	"fmt"
	"strings"

	"github.com/msvcdec/msvcdec/interval"
	"github.com/msvcdec/msvcdec/log"
)

// BaseRef describes one base class of a built Class.
type BaseRef struct {
	Virtual  bool
	Indirect bool
	Access   MemberAccessKind
	Attr     FieldAttr
	Type     *Record
	Name     string
	Offset   int64
	VBPtr    Type
	FwdRef   bool
}

// Decl renders the base for a class declaration's inheritance list.
func (b *BaseRef) Decl() string {
	var sb strings.Builder
	if s := b.Access.String(); s != "" {
		sb.WriteString(s)
		sb.WriteString(" ")
	}
	if b.Virtual {
		sb.WriteString("virtual ")
	}
	sb.WriteString(b.Name)
	return sb.String()
}

// ClassField is an ordered declaration inside a built class.
type ClassField interface {
	// Decl renders the field for the class body.
	Decl() string
	// AccessLevel returns the member access, or AccessNone when the field
	// carries none (nested types).
	AccessLevel() MemberAccessKind
}

// ClassMember is a data member recorded in the layout tree. Virtual-base
// pointers and vtable pointers are synthesized members with the
// corresponding flag set.
type ClassMember struct {
	Name    string
	Type    Type
	Offset  int64
	Attr    FieldAttr
	Owner   *BaseRef // nil when the member is the class's own
	IsVBPtr bool
	IsVFPtr bool
}

// AccessLevel implements ClassField.
func (m *ClassMember) AccessLevel() MemberAccessKind { return m.Attr.Access() }

func attrComment(attr FieldAttr) string {
	var parts []string
	if attr.NoConstruct() {
		parts = append(parts, "noconstruct")
	}
	if attr.NoInherit() {
		parts = append(parts, "noinherit")
	}
	if attr.Pseudo() {
		parts = append(parts, "pseudo")
	}
	if len(parts) == 0 {
		return ""
	}
	return "// " + strings.Join(parts, " ") + "\n"
}

// Decl implements ClassField.
func (m *ClassMember) Decl() string {
	return attrComment(m.Attr) + TypeStrOf(m.Type, m.Name) + ";\n"
}

// accessField resolves an access query against this member, recursing into
// its type.
func (m *ClassMember) accessField(prefix Accessor, offset Offset, size int) (Accessor, error) {
	if m.IsVFPtr {
		if (size == 0 || size == 4) && !offset.IsScaled() && offset.Const == 0 {
			return Raw(fmt.Sprintf("%s<vftable>", prefix)), nil
		}
		return nil, fmt.Errorf("cannot access vftable pointer %s at offset %s size %d",
			m.Name, offset, size)
	}
	if m.Type == nil {
		return Raw(fmt.Sprintf("%s.%s", prefix, m.Name)), nil
	}
	return m.Type.Access(MemberAccess{Base: prefix, Name: m.Name}, offset, size)
}

// ClassStatic is a static data member.
type ClassStatic struct {
	Name string
	Type Type
	Attr FieldAttr
}

// AccessLevel implements ClassField.
func (s *ClassStatic) AccessLevel() MemberAccessKind { return s.Attr.Access() }

// Decl implements ClassField.
func (s *ClassStatic) Decl() string {
	return attrComment(s.Attr) + "static " + TypeStrOf(s.Type, s.Name) + ";\n"
}

// ClassMethod is a (possibly virtual) member function.
type ClassMethod struct {
	Name       string
	Attr       FieldAttr
	Func       *MemberFunction
	VTabOffset uint32
	HasVTab    bool
	IsCtor     bool
	IsConv     bool
}

// AccessLevel implements ClassField.
func (m *ClassMethod) AccessLevel() MemberAccessKind { return m.Attr.Access() }

// Synthetic reports a compiler-generated method.
func (m *ClassMethod) Synthetic() bool { return m.Attr.Synthetic() }

// Decl implements ClassField.
func (m *ClassMethod) Decl() string {
	var sb strings.Builder
	sb.WriteString(attrComment(m.Attr))
	if m.HasVTab {
		fmt.Fprintf(&sb, "// vtable: %d\n", m.VTabOffset)
	}
	if m.Func != nil {
		if m.Func.CallConv != CallThisCall {
			fmt.Fprintf(&sb, "// calltype: %s\n", m.Func.CallConv)
		}
		if prop := m.Attr.MProp().String(); prop != "" {
			sb.WriteString(prop)
			sb.WriteString(" ")
		}
		fmt.Fprintf(&sb, "%s %s(%s)", TypeStrOf(m.Func.Return, ""), m.Name,
			argText(m.Func.Args, m.Func.ArgTIs))
		if m.Attr.MProp() == MethodPureVirt || m.Attr.MProp() == MethodPureIntro {
			sb.WriteString(" = 0")
		}
		sb.WriteString(";\n")
	} else {
		fmt.Fprintf(&sb, "void %s();\n", m.Name)
	}
	return sb.String()
}

// ClassNested is a nested type declaration.
type ClassNested struct {
	Name   string
	Type   Type
	Parent *Class
}

// AccessLevel implements ClassField.
func (n *ClassNested) AccessLevel() MemberAccessKind { return AccessNone }

// Decl implements ClassField: nested records emit inline, nested enums
// expand their enumerators, anything else becomes a using alias.
func (n *ClassNested) Decl() string {
	switch ty := n.Type.(type) {
	case *Record:
		if ty.Props.IsNested() && strings.HasPrefix(ty.Name, n.Parent.Name+"::") {
			c := ty.Concrete()
			if c.Class != nil {
				return c.Class.Decl()
			}
			return fmt.Sprintf("%s %s;\n", ty.Kind, n.Name)
		}
	case *Enum:
		if ty.Props.IsNested() && strings.HasPrefix(ty.Name, n.Parent.Name+"::") {
			var sb strings.Builder
			fmt.Fprintf(&sb, "enum %s {\n", n.Name)
			access := AccessPublic
			for _, e := range ty.Entries() {
				if e.Attr.Access() != access {
					access = e.Attr.Access()
					fmt.Fprintf(&sb, "\t//%s\n", access)
				}
				fmt.Fprintf(&sb, "\t%s = %d,\n", e.Name, e.Value)
			}
			sb.WriteString("};\n")
			return sb.String()
		}
	}
	return fmt.Sprintf("using %s = %s;\n", n.Name, TypeStrOf(n.Type, ""))
}

// Class is the built layout of one concrete record.
type Class struct {
	Impl   *Record
	Name   string
	Size   int64
	Packed bool
	Ctor   bool

	Fields []ClassField
	Bases  []*BaseRef
	Layout interval.Tree[*ClassMember]

	VTable     *VtShape
	VTableData interface{} // the program's vftable item, attached later

	inheritedFrom map[string]bool
	offset        int64

	overlapAllowed func(string) bool
	logger         *log.Helper
}

// BuildClasses constructs a Class for every concrete record in the store.
// overlapAllowed gates which record names may carry overlapping members
// without a diagnostic (hardware-register unions and the like).
func (s *Store) BuildClasses(overlapAllowed func(string) bool) {
	if overlapAllowed == nil {
		overlapAllowed = func(string) bool { return false }
	}
	for _, ty := range s.Records() {
		rec, ok := ty.(*Record)
		if !ok || rec.Props.FwdRef() {
			continue
		}
		rec.Class = buildClass(rec, overlapAllowed, s.logger)
	}
}

func buildClass(rec *Record, overlapAllowed func(string) bool, logger *log.Helper) *Class {
	c := &Class{
		Impl:           rec,
		Name:           rec.Name,
		Size:           rec.ByteSize,
		Packed:         rec.Props.Packed(),
		Ctor:           rec.Props.Ctor(),
		inheritedFrom:  make(map[string]bool),
		overlapAllowed: overlapAllowed,
		logger:         logger,
	}
	if rec.VShape != nil {
		c.VTable = rec.VShape
	}
	if rec.FieldList != nil {
		for _, f := range rec.FieldList.Entries {
			c.processField(f, 0, nil)
		}
	}
	if c.offset == 0 {
		c.offset = 1
	}
	return c
}

// processField walks one field-list entry. A non-nil owner means the walk is
// flattening an inherited base, in which case only layout entries are
// recorded, not declarations.
func (c *Class) processField(entry FieldEntry, baseOffset int64, owner *BaseRef) {
	inheriting := owner != nil
	switch f := entry.(type) {
	case *MemberEntry:
		size := int64(SizeOf(f.Index))
		if size == 0 {
			size = 1
		}
		m := &ClassMember{
			Name:   f.Name,
			Type:   f.Index,
			Offset: f.Offset + baseOffset,
			Attr:   f.Attr,
			Owner:  owner,
		}
		c.Layout.Insert(m.Offset, m.Offset+size, m)
		c.offset = m.Offset + size
		if !inheriting {
			c.Fields = append(c.Fields, m)
		}

	case *StaticMemberEntry:
		if !inheriting {
			c.Fields = append(c.Fields, &ClassStatic{Name: f.Name, Type: f.Index, Attr: f.Attr})
		}

	case *OneMethodEntry:
		if inheriting {
			return
		}
		m := &ClassMethod{Name: f.Name, Attr: f.Attr, VTabOffset: f.VBaseOffset, HasVTab: f.HasVBase}
		if mf, ok := f.Index.(*MemberFunction); ok {
			m.Func = mf
			m.IsCtor = mf.Return == nil || mf.ReturnTI == 0x0003
			mf.DefiningClass = c
			mf.Field = m
		}
		c.Fields = append(c.Fields, m)

	case *MethodGroupEntry:
		if inheriting || f.Methods == nil {
			return
		}
		for _, e := range f.Methods.Entries {
			if e.IndexTI == 0 {
				// reserves a vtable slot without a method
				continue
			}
			mf, ok := e.Index.(*MemberFunction)
			if !ok {
				if c.logger != nil {
					c.logger.Warnf("class %s: method %s has non-function type %T",
						c.Name, f.Name, e.Index)
				}
				continue
			}
			m := &ClassMethod{Name: f.Name, Attr: e.Attr, Func: mf,
				VTabOffset: e.VBaseOffset, HasVTab: e.HasVBase}
			m.IsCtor = mf.ReturnTI == 0x0003
			m.IsConv = !m.IsCtor
			mf.DefiningClass = c
			mf.Field = m
			c.Fields = append(c.Fields, m)
		}

	case *BaseClassEntry:
		bref := newBaseRef(f, c.logger)
		c.inheritFields(bref, baseOffset)
		if !inheriting {
			c.Bases = append(c.Bases, bref)
		}

	case *VirtualBaseClassEntry:
		bref := newVirtualBaseRef(f)
		c.Bases = append(c.Bases, bref)

		// synthesize the virtual-base pointer member.
		m := &ClassMember{
			Name:    bref.Name,
			Type:    f.VBPtr,
			Offset:  f.PtrOffset,
			Attr:    f.Attr,
			Owner:   owner,
			IsVBPtr: true,
		}
		if hits := c.Layout.At(m.Offset); len(hits) > 0 {
			// the pointer is shared with another virtual base already laid out.
			return
		}
		c.Layout.Insert(m.Offset, m.Offset+4, m)
		c.offset = m.Offset + 4
		if !inheriting {
			c.Fields = append(c.Fields, m)
		}

	case *NestedTypeEntry:
		if !inheriting {
			c.Fields = append(c.Fields, &ClassNested{Name: f.Name, Type: f.Index, Parent: c})
		}

	case *VFuncTabEntry:
		if inheriting {
			return
		}
		ptr, ok := f.Index.(*Pointer)
		if !ok {
			if c.logger != nil {
				c.logger.Warnf("class %s: vfunctab is not a pointer", c.Name)
			}
			return
		}
		ptrSize := int64(ptr.Size())
		m := &ClassMember{
			Name:    c.Name + "_vftable",
			Type:    f.Index,
			Offset:  c.offset,
			IsVFPtr: true,
		}
		c.Layout.Insert(m.Offset, m.Offset+ptrSize, m)
		if shape, ok := ptr.Inner.(*VtShape); ok {
			c.VTable = shape
		}
		c.offset += ptrSize
	}
}

func newBaseRef(f *BaseClassEntry, logger *log.Helper) *BaseRef {
	b := &BaseRef{
		Access: f.Attr.Access(),
		Attr:   f.Attr,
		Offset: f.Offset,
	}
	if rec, ok := f.Index.(*Record); ok {
		b.Name = rec.Name
		if rec.IsFwdRef() {
			b.FwdRef = true
			if rec.Definition != nil {
				rec = rec.Definition
			} else if logger != nil {
				logger.Warnf("base %s is a forward reference with no definition", b.Name)
			}
		}
		b.Type = rec
	}
	return b
}

func newVirtualBaseRef(f *VirtualBaseClassEntry) *BaseRef {
	b := &BaseRef{
		Virtual:  true,
		Indirect: f.Indirect,
		Access:   f.Attr.Access(),
		Attr:     f.Attr,
		Offset:   f.PtrOffset,
		VBPtr:    f.VBPtr,
	}
	if rec, ok := f.Index.(*Record); ok {
		b.Name = rec.Name
		if rec.IsFwdRef() && rec.Definition != nil {
			rec = rec.Definition
		}
		b.Type = rec
	}
	return b
}

// inheritFields flattens a non-virtual base's members into the layout at the
// base's offset. Revisits through diamond-shaped hierarchies are guarded by
// name.
func (c *Class) inheritFields(b *BaseRef, offset int64) {
	if c.inheritedFrom[b.Name] {
		return
	}
	if b.Type == nil || b.Type.IsFwdRef() || b.Type.FieldList == nil {
		return
	}
	c.inheritedFrom[b.Name] = true
	for _, f := range b.Type.FieldList.Entries {
		c.processField(f, b.Offset+offset, b)
	}
}

// Access resolves an (offset, size) query to an l-value expression:
// point-query the layout, recurse into the covering member, fall back to a
// raw cast when nothing covers the range.
func (c *Class) Access(prefix Accessor, offset Offset, size int) (Accessor, error) {
	if offset.IsScaled() {
		// runtime index: dispatch to whichever member lives at offset zero.
		hits := c.Layout.At(0)
		if len(hits) == 0 {
			return Raw(fmt.Sprintf("%s<%s+%s>", prefix, c.Name, offset)), nil
		}
		m := hits[0].Value
		return m.accessField(prefix, offset, size)
	}

	hits := c.Layout.At(offset.Const)
	if len(hits) == 0 {
		return Raw(fmt.Sprintf("%s<%s+%#02x>", prefix, c.Name, offset.Const)), nil
	}
	if len(hits) > 1 && c.overlapAllowed != nil && !c.overlapAllowed(c.Name) {
		if c.logger != nil {
			c.logger.Warnf("class %s has overlapping members at offset %#x", c.Name, offset.Const)
		}
	}
	m := hits[0]
	return m.Value.accessField(prefix, ConstOffset(offset.Const-m.Start), size)
}

// Decl renders the class declaration.
func (c *Class) Decl() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s", c.Impl.Kind, c.Name)

	if len(c.Bases) > 0 {
		var bases []string
		for _, b := range c.Bases {
			bases = append(bases, b.Decl())
		}
		fmt.Fprintf(&sb, " : %s", strings.Join(bases, ", "))
	}
	sb.WriteString(" {\n")

	access := AccessNone
	for _, field := range c.Fields {
		if a := field.AccessLevel(); a != access && a != AccessNone {
			access = a
			fmt.Fprintf(&sb, "%s:\n", access)
		}
		sb.WriteString(indent(field.Decl(), "\t"))
	}
	sb.WriteString("};\n")
	return sb.String()
}

func indent(s, prefix string) string {
	if s == "" {
		return s
	}
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		if l != "" {
			lines[i] = prefix + l
		}
	}
	return strings.Join(lines, "\n") + "\n"
}

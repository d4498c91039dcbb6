// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package tpi

import (
	"fmt"
	"strings"
)

// LeafKind identifies a type record variant (the 16-bit leaf set).
type LeafKind uint16

// Leaf kinds understood by the parser. Anything else is fatal.
const (
	LeafModifier     LeafKind = 0x0001
	LeafPointer      LeafKind = 0x0002
	LeafArray        LeafKind = 0x0003
	LeafClass        LeafKind = 0x0004
	LeafStruct       LeafKind = 0x0005
	LeafUnion        LeafKind = 0x0006
	LeafEnum         LeafKind = 0x0007
	LeafProcedure    LeafKind = 0x0008
	LeafMFunction    LeafKind = 0x0009
	LeafVTShape      LeafKind = 0x000a
	LeafVFTPath      LeafKind = 0x0012
	LeafArgList      LeafKind = 0x0201
	LeafFieldList    LeafKind = 0x0204
	LeafBitfield     LeafKind = 0x0206
	LeafMethodList   LeafKind = 0x0207
	LeafBaseClass    LeafKind = 0x0400
	LeafVBClass      LeafKind = 0x0401
	LeafIVBClass     LeafKind = 0x0402
	LeafEnumerate    LeafKind = 0x0403
	LeafMember       LeafKind = 0x0406
	LeafStaticMember LeafKind = 0x0407
	LeafMethod       LeafKind = 0x0408
	LeafNestedType   LeafKind = 0x0409
	LeafVFuncTab     LeafKind = 0x040a
	LeafOneMethod    LeafKind = 0x040c
)

// StructProps is the property bitfield shared by class/struct/union/enum.
type StructProps uint16

// Packed reports whether the structure is packed.
func (p StructProps) Packed() bool { return p&0x0001 != 0 }

// Ctor reports constructors or destructors present.
func (p StructProps) Ctor() bool { return p&0x0002 != 0 }

// OvlOps reports overloaded operators present.
func (p StructProps) OvlOps() bool { return p&0x0004 != 0 }

// IsNested reports the type is nested inside another.
func (p StructProps) IsNested() bool { return p&0x0008 != 0 }

// CNested reports the type contains nested types.
func (p StructProps) CNested() bool { return p&0x0010 != 0 }

// FwdRef reports this record is a forward reference.
func (p StructProps) FwdRef() bool { return p&0x0080 != 0 }

// Scoped reports a scoped definition.
func (p StructProps) Scoped() bool { return p&0x0100 != 0 }

// MemberAccessKind is a member access level.
type MemberAccessKind uint8

// Access levels.
const (
	AccessNone      MemberAccessKind = 0
	AccessPrivate   MemberAccessKind = 1
	AccessProtected MemberAccessKind = 2
	AccessPublic    MemberAccessKind = 3
)

func (a MemberAccessKind) String() string {
	switch a {
	case AccessPrivate:
		return "private"
	case AccessProtected:
		return "protected"
	case AccessPublic:
		return "public"
	}
	return ""
}

// MethodProp is the method property part of a field attribute.
type MethodProp uint8

// Method properties.
const (
	MethodVanilla   MethodProp = 0
	MethodVirtual   MethodProp = 1
	MethodStatic    MethodProp = 2
	MethodFriend    MethodProp = 3
	MethodIntro     MethodProp = 4
	MethodPureVirt  MethodProp = 5
	MethodPureIntro MethodProp = 6
)

func (m MethodProp) String() string {
	switch m {
	case MethodVirtual, MethodIntro:
		return "virtual"
	case MethodStatic:
		return "static"
	case MethodFriend:
		return "friend"
	case MethodPureVirt, MethodPureIntro:
		return "virtual"
	}
	return ""
}

// Introduces reports whether the property introduces a new vtable slot.
func (m MethodProp) Introduces() bool {
	return m == MethodIntro || m == MethodPureIntro
}

// FieldAttr is the attribute word carried by field-list entries.
type FieldAttr uint16

// Access returns the member access level.
func (a FieldAttr) Access() MemberAccessKind { return MemberAccessKind(a & 0x3) }

// MProp returns the method property.
func (a FieldAttr) MProp() MethodProp { return MethodProp((a >> 2) & 0x7) }

// Pseudo reports a compiler-generated member that does not exist.
func (a FieldAttr) Pseudo() bool { return a&0x0020 != 0 }

// NoInherit reports the class cannot be inherited.
func (a FieldAttr) NoInherit() bool { return a&0x0040 != 0 }

// NoConstruct reports the class cannot be constructed.
func (a FieldAttr) NoConstruct() bool { return a&0x0080 != 0 }

// CompGenX reports a compiler-generated member.
func (a FieldAttr) CompGenX() bool { return a&0x0100 != 0 }

// Synthetic reports a member the compiler generated either way.
func (a FieldAttr) Synthetic() bool { return a.Pseudo() || a.CompGenX() }

// ModifierAttr is the attribute word of a modifier record.
type ModifierAttr uint16

// Const reports a const qualifier.
func (a ModifierAttr) Const() bool { return a&0x0001 != 0 }

// Volatile reports a volatile qualifier.
func (a ModifierAttr) Volatile() bool { return a&0x0002 != 0 }

// Unaligned reports an __unaligned qualifier.
func (a ModifierAttr) Unaligned() bool { return a&0x0004 != 0 }

// PointerKind is the pointer width class of a pointer record.
type PointerKind uint8

// Pointer kinds.
const (
	PtrNear   PointerKind = 0
	PtrFar    PointerKind = 1
	PtrHuge   PointerKind = 2
	PtrNear32 PointerKind = 10
	PtrFar32  PointerKind = 11
	Ptr64     PointerKind = 12
)

// PointerAttr is the attribute word of a pointer record.
type PointerAttr uint16

// Kind returns the pointer width class.
func (a PointerAttr) Kind() PointerKind { return PointerKind(a & 0x1f) }

// Mode returns the pointer mode (plain, reference, pointer-to-member...).
func (a PointerAttr) Mode() uint8 { return uint8((a >> 5) & 0x7) }

// IsFlat32 reports a 0:32 flat pointer.
func (a PointerAttr) IsFlat32() bool { return a&0x0100 != 0 }

// IsVolatile reports a volatile pointer.
func (a PointerAttr) IsVolatile() bool { return a&0x0200 != 0 }

// IsConst reports a const pointer.
func (a PointerAttr) IsConst() bool { return a&0x0400 != 0 }

// IsUnaligned reports an unaligned pointer.
func (a PointerAttr) IsUnaligned() bool { return a&0x0800 != 0 }

// FuncAttr is the attribute byte of procedure records.
type FuncAttr uint8

// CxxReturnUDT reports a C++-style return UDT.
func (a FuncAttr) CxxReturnUDT() bool { return a&0x01 != 0 }

// IsCtor reports a constructor.
func (a FuncAttr) IsCtor() bool { return a&0x02 != 0 }

// IsCtorVBase reports a constructor of a class with virtual bases.
func (a FuncAttr) IsCtorVBase() bool { return a&0x04 != 0 }

// CallingConvention is the call_t byte of procedure records.
type CallingConvention uint8

// Calling conventions recognized for 32-bit code.
const (
	CallNearC      CallingConvention = 0x00
	CallFarC       CallingConvention = 0x01
	CallNearPascal CallingConvention = 0x02
	CallFarPascal  CallingConvention = 0x03
	CallNearFast   CallingConvention = 0x04
	CallFarFast    CallingConvention = 0x05
	CallNearStd    CallingConvention = 0x07
	CallFarStd     CallingConvention = 0x08
	CallNearSys    CallingConvention = 0x09
	CallFarSys     CallingConvention = 0x0a
	CallThisCall   CallingConvention = 0x0b
)

func (c CallingConvention) String() string {
	switch c {
	case CallNearC, CallFarC:
		return "__cdecl"
	case CallNearPascal, CallFarPascal:
		return "__pascal"
	case CallNearFast, CallFarFast:
		return "__fastcall"
	case CallNearStd, CallFarStd:
		return "__stdcall"
	case CallThisCall:
		return "__thiscall"
	}
	return fmt.Sprintf("<call %#02x>", uint8(c))
}

// CalleePops reports whether the callee removes its arguments from the stack.
func (c CallingConvention) CalleePops() bool {
	switch c {
	case CallNearC, CallFarC:
		return false
	}
	return true
}

// Modifier wraps another type with const/volatile/unaligned qualifiers.
type Modifier struct {
	ti      TypeIndex
	Attr    ModifierAttr
	InnerTI TypeIndex
	Inner   Type
}

func (m *Modifier) TI() TypeIndex  { return m.ti }
func (m *Modifier) Size() int      { return SizeOf(m.Inner) }
func (m *Modifier) IsFwdRef() bool { return false }

func (m *Modifier) quals() string {
	var q []string
	if m.Attr.Const() {
		q = append(q, "const")
	}
	if m.Attr.Volatile() {
		q = append(q, "volatile")
	}
	if m.Attr.Unaligned() {
		q = append(q, "__unaligned")
	}
	return strings.Join(q, " ")
}

func (m *Modifier) TypeStr(name string) string {
	q := m.quals()
	if q == "" {
		return TypeStrOf(m.Inner, name)
	}
	return q + " " + TypeStrOf(m.Inner, name)
}

func (m *Modifier) Access(prefix Accessor, offset Offset, size int) (Accessor, error) {
	if m.Inner == nil {
		return castAccess(m, prefix, offset, size)
	}
	return m.Inner.Access(prefix, offset, size)
}

func (m *Modifier) Deref(prefix Accessor, offset Offset, size int) (Accessor, error) {
	if m.Inner == nil {
		return nil, fmt.Errorf("cannot dereference unresolved modifier %#04x", m.ti)
	}
	return m.Inner.Deref(prefix, offset, size)
}

// Pointer is a pointer record.
type Pointer struct {
	ti      TypeIndex
	Attr    PointerAttr
	InnerTI TypeIndex
	Inner   Type
}

func (p *Pointer) TI() TypeIndex  { return p.ti }
func (p *Pointer) IsFwdRef() bool { return false }

func (p *Pointer) Size() int {
	switch p.Attr.Kind() {
	case PtrFar32:
		return 6
	case Ptr64:
		return 8
	case PtrNear, PtrFar, PtrHuge:
		return 4
	}
	return 4
}

func (p *Pointer) TypeStr(name string) string {
	quals := ""
	if p.Attr.IsConst() {
		quals = " const"
	}
	switch inner := p.Inner.(type) {
	case *Procedure:
		return inner.TypeStr("(*" + name + ")")
	case *MemberFunction:
		return inner.TypeStr("(*" + name + ")")
	default:
		return withName(TypeStrOf(p.Inner, "")+" *"+quals, name)
	}
}

func (p *Pointer) Access(prefix Accessor, offset Offset, size int) (Accessor, error) {
	if wholeType(p, offset, size) {
		return prefix, nil
	}
	return castAccess(p, prefix, offset, size)
}

func (p *Pointer) Deref(prefix Accessor, offset Offset, size int) (Accessor, error) {
	if p.Inner == nil {
		return nil, fmt.Errorf("cannot dereference unresolved pointer %#04x", p.ti)
	}
	return p.Inner.Access(PointerPrefix{Base: prefix}, offset, size)
}

// Array is a byte-sized array record.
type Array struct {
	ti       TypeIndex
	ElemTI   TypeIndex
	Elem     Type
	Count    uint16
	ByteSize int64
}

func (a *Array) TI() TypeIndex  { return a.ti }
func (a *Array) Size() int      { return int(a.ByteSize) }
func (a *Array) IsFwdRef() bool { return false }

// ElemCount returns the element count derived from the byte size.
func (a *Array) ElemCount() int64 {
	es := int64(SizeOf(a.Elem))
	if es <= 0 {
		return 0
	}
	return a.ByteSize / es
}

func (a *Array) TypeStr(name string) string {
	return TypeStrOf(a.Elem, fmt.Sprintf("%s[%d]", name, a.ElemCount()))
}

// Access decomposes a constant offset into (index, inner offset) and recurses
// on the element. A scaled-index offset indexes the array directly.
func (a *Array) Access(prefix Accessor, offset Offset, size int) (Accessor, error) {
	if a.Elem == nil {
		return castAccess(a, prefix, offset, size)
	}
	elemSize := int64(a.Elem.Size())
	if elemSize <= 0 {
		return castAccess(a, prefix, offset, size)
	}
	if offset.IsScaled() {
		idx := IndexAccess{Base: prefix, Index: offset.Scaled.Expr.String()}
		return a.Elem.Access(idx, ConstOffset(0), size)
	}
	index := offset.Const / elemSize
	inner := offset.Const % elemSize
	idx := IndexAccess{Base: prefix, Index: fmt.Sprintf("%d", index)}
	return a.Elem.Access(idx, ConstOffset(inner), size)
}

func (a *Array) Deref(prefix Accessor, offset Offset, size int) (Accessor, error) {
	// arrays decay to a pointer to their first element.
	return a.Access(prefix, offset, size)
}

// RecordKind distinguishes class, struct and union records.
type RecordKind uint8

// Record kinds.
const (
	KindClass RecordKind = iota
	KindStruct
	KindUnion
)

func (k RecordKind) String() string {
	switch k {
	case KindClass:
		return "class"
	case KindStruct:
		return "struct"
	case KindUnion:
		return "union"
	}
	return "?"
}

// Record is a class, struct or union record. Forward references keep their
// own identity and link to their concrete twin through Definition.
type Record struct {
	ti          TypeIndex
	Kind        RecordKind
	Count       uint16
	FieldListTI TypeIndex
	Props       StructProps
	DerivedTI   TypeIndex
	VShapeTI    TypeIndex
	ByteSize    int64
	Name        string
	FieldList   *FieldList
	VShape      *VtShape
	Definition  *Record
	Class       *Class
}

func (r *Record) TI() TypeIndex  { return r.ti }
func (r *Record) IsFwdRef() bool { return r.Props.FwdRef() }

// Concrete follows the forward reference to its definition, when present.
func (r *Record) Concrete() *Record {
	if r.IsFwdRef() && r.Definition != nil {
		return r.Definition
	}
	return r
}

func (r *Record) Size() int { return int(r.Concrete().ByteSize) }

func (r *Record) TypeStr(name string) string {
	return withName(fmt.Sprintf("%s %s", r.Kind, r.Name), name)
}

func (r *Record) Access(prefix Accessor, offset Offset, size int) (Accessor, error) {
	c := r.Concrete()
	if c.IsFwdRef() || c.Class == nil {
		// no definition: opaque placeholder keeping the raw offset visible.
		return Raw(fmt.Sprintf("%s<%s+%s>", prefix, r.Name, offset)), nil
	}
	return c.Class.Access(prefix, offset, size)
}

func (r *Record) Deref(prefix Accessor, offset Offset, size int) (Accessor, error) {
	return nil, fmt.Errorf("cannot dereference %s %s", r.Kind, r.Name)
}

// EnumEntry is one enumerator.
type EnumEntry struct {
	Attr  FieldAttr
	Value int64
	Name  string
}

// Enum is an enumeration record.
type Enum struct {
	ti           TypeIndex
	Count        uint16
	UnderlyingTI TypeIndex
	Underlying   Type
	FieldListTI  TypeIndex
	FieldList    *FieldList
	Props        StructProps
	Name         string
	Definition   *Enum
}

func (e *Enum) TI() TypeIndex  { return e.ti }
func (e *Enum) IsFwdRef() bool { return e.Props.FwdRef() }

// Concrete follows the forward reference to its definition, when present.
func (e *Enum) Concrete() *Enum {
	if e.IsFwdRef() && e.Definition != nil {
		return e.Definition
	}
	return e
}

func (e *Enum) Size() int { return SizeOf(e.Concrete().Underlying) }

func (e *Enum) TypeStr(name string) string {
	return withName("enum "+e.Name, name)
}

// Entries lists the enumerators of the concrete definition.
func (e *Enum) Entries() []EnumEntry {
	c := e.Concrete()
	if c.FieldList == nil {
		return nil
	}
	var out []EnumEntry
	for _, f := range c.FieldList.Entries {
		if en, ok := f.(*EnumerateEntry); ok {
			out = append(out, EnumEntry{Attr: en.Attr, Value: en.Value, Name: en.Name})
		}
	}
	return out
}

func (e *Enum) Access(prefix Accessor, offset Offset, size int) (Accessor, error) {
	if wholeType(e, offset, size) {
		return prefix, nil
	}
	return castAccess(e, prefix, offset, size)
}

func (e *Enum) Deref(prefix Accessor, offset Offset, size int) (Accessor, error) {
	return nil, fmt.Errorf("cannot dereference enum %s", e.Name)
}

// Procedure is a function signature record.
type Procedure struct {
	ti        TypeIndex
	ReturnTI  TypeIndex
	Return    Type
	CallConv  CallingConvention
	Attr      FuncAttr
	ParmCount uint16
	ArgListTI TypeIndex
	Args      []Type
	ArgTIs    []TypeIndex
}

func (p *Procedure) TI() TypeIndex  { return p.ti }
func (p *Procedure) Size() int      { return 0 }
func (p *Procedure) IsFwdRef() bool { return false }

func argText(args []Type, argTIs []TypeIndex) string {
	if len(argTIs) == 0 {
		return "void"
	}
	parts := make([]string, len(argTIs))
	for i := range argTIs {
		if argTIs[i] == 0 {
			parts[i] = "..."
		} else if i < len(args) && args[i] != nil {
			parts[i] = args[i].TypeStr("")
		} else {
			parts[i] = fmt.Sprintf("TI(%#04x)", argTIs[i])
		}
	}
	return strings.Join(parts, ", ")
}

func (p *Procedure) TypeStr(name string) string {
	return fmt.Sprintf("%s %s(%s)", TypeStrOf(p.Return, ""), name, argText(p.Args, p.ArgTIs))
}

func (p *Procedure) Access(prefix Accessor, offset Offset, size int) (Accessor, error) {
	return prefix, nil
}

func (p *Procedure) Deref(prefix Accessor, offset Offset, size int) (Accessor, error) {
	return nil, fmt.Errorf("cannot dereference a procedure type")
}

// MemberFunction is a member-function signature record.
type MemberFunction struct {
	ti         TypeIndex
	ReturnTI   TypeIndex
	Return     Type
	ClassTI    TypeIndex
	ClassType  Type
	ThisTI     TypeIndex
	This       Type
	CallConv   CallingConvention
	Attr       FuncAttr
	ParmCount  uint16
	ArgListTI  TypeIndex
	Args       []Type
	ArgTIs     []TypeIndex
	ThisAdjust int32

	// DefiningClass is set by the class builder when the method list of a
	// concrete class names this signature.
	DefiningClass *Class
	// Field is the class-builder method entry, used to tell synthetic
	// (compiler-generated) functions apart.
	Field *ClassMethod
}

func (m *MemberFunction) TI() TypeIndex  { return m.ti }
func (m *MemberFunction) Size() int      { return 0 }
func (m *MemberFunction) IsFwdRef() bool { return false }

func (m *MemberFunction) TypeStr(name string) string {
	return fmt.Sprintf("%s %s(%s)", TypeStrOf(m.Return, ""), name, argText(m.Args, m.ArgTIs))
}

func (m *MemberFunction) Access(prefix Accessor, offset Offset, size int) (Accessor, error) {
	return prefix, nil
}

func (m *MemberFunction) Deref(prefix Accessor, offset Offset, size int) (Accessor, error) {
	return nil, fmt.Errorf("cannot dereference a member function type")
}

// VtSlotKind is one vtable slot descriptor.
type VtSlotKind uint8

// Vtable slot kinds.
const (
	VtNear   VtSlotKind = 0
	VtFar    VtSlotKind = 1
	VtThin   VtSlotKind = 2
	VtOuter  VtSlotKind = 3
	VtMeta   VtSlotKind = 4
	VtNear32 VtSlotKind = 5
	VtFar32  VtSlotKind = 6
	VtUnused VtSlotKind = 7
)

// VtShape describes how each vtable entry is interpreted.
type VtShape struct {
	ti    TypeIndex
	Kinds []VtSlotKind
}

func (v *VtShape) TI() TypeIndex  { return v.ti }
func (v *VtShape) Size() int      { return 0 }
func (v *VtShape) IsFwdRef() bool { return false }

func (v *VtShape) TypeStr(name string) string {
	return withName(fmt.Sprintf("<vtshape[%d]>", len(v.Kinds)), name)
}

func (v *VtShape) Access(prefix Accessor, offset Offset, size int) (Accessor, error) {
	return prefix, nil
}

func (v *VtShape) Deref(prefix Accessor, offset Offset, size int) (Accessor, error) {
	return nil, fmt.Errorf("cannot dereference a vtable shape")
}

// VftPath is a virtual function table path record.
type VftPath struct {
	ti      TypeIndex
	BaseTIs []TypeIndex
	Bases   []Type
}

func (v *VftPath) TI() TypeIndex  { return v.ti }
func (v *VftPath) Size() int      { return 0 }
func (v *VftPath) IsFwdRef() bool { return false }

func (v *VftPath) TypeStr(name string) string {
	return withName("<vftpath>", name)
}

func (v *VftPath) Access(prefix Accessor, offset Offset, size int) (Accessor, error) {
	return prefix, nil
}

func (v *VftPath) Deref(prefix Accessor, offset Offset, size int) (Accessor, error) {
	return nil, fmt.Errorf("cannot dereference a vftpath")
}

// ArgList is an argument-list record.
type ArgList struct {
	ti     TypeIndex
	ArgTIs []TypeIndex
	Args   []Type
}

func (a *ArgList) TI() TypeIndex  { return a.ti }
func (a *ArgList) Size() int      { return 0 }
func (a *ArgList) IsFwdRef() bool { return false }

func (a *ArgList) TypeStr(name string) string { return withName("<arglist>", name) }

func (a *ArgList) Access(prefix Accessor, offset Offset, size int) (Accessor, error) {
	return prefix, nil
}

func (a *ArgList) Deref(prefix Accessor, offset Offset, size int) (Accessor, error) {
	return nil, fmt.Errorf("cannot dereference an arglist")
}

// Bitfield is a bitfield slice of an underlying integer type.
type Bitfield struct {
	ti           TypeIndex
	Length       uint8
	Position     uint8
	UnderlyingTI TypeIndex
	Underlying   Type
}

func (b *Bitfield) TI() TypeIndex  { return b.ti }
func (b *Bitfield) Size() int      { return SizeOf(b.Underlying) }
func (b *Bitfield) IsFwdRef() bool { return false }

func (b *Bitfield) TypeStr(name string) string {
	return fmt.Sprintf("%s : %d", TypeStrOf(b.Underlying, name), b.Length)
}

func (b *Bitfield) Access(prefix Accessor, offset Offset, size int) (Accessor, error) {
	if wholeType(b, offset, size) {
		return prefix, nil
	}
	return castAccess(b, prefix, offset, size)
}

func (b *Bitfield) Deref(prefix Accessor, offset Offset, size int) (Accessor, error) {
	return nil, fmt.Errorf("cannot dereference a bitfield")
}

// MethodListEntry is one overload in a method list. A nil type index
// reserves a vtable slot without naming a method.
type MethodListEntry struct {
	Attr        FieldAttr
	IndexTI     TypeIndex
	Index       Type
	VBaseOffset uint32
	HasVBase    bool
}

// MethodList is the overload set referenced by a Method field entry.
type MethodList struct {
	ti      TypeIndex
	Entries []MethodListEntry
}

func (m *MethodList) TI() TypeIndex  { return m.ti }
func (m *MethodList) Size() int      { return 0 }
func (m *MethodList) IsFwdRef() bool { return false }

func (m *MethodList) TypeStr(name string) string { return withName("<methodlist>", name) }

func (m *MethodList) Access(prefix Accessor, offset Offset, size int) (Accessor, error) {
	return prefix, nil
}

func (m *MethodList) Deref(prefix Accessor, offset Offset, size int) (Accessor, error) {
	return nil, fmt.Errorf("cannot dereference a method list")
}

// FieldEntry is one entry of a field list.
type FieldEntry interface {
	fieldEntry()
}

// BaseClassEntry is a direct base class with its offset inside the layout.
type BaseClassEntry struct {
	IndexTI TypeIndex
	Index   Type
	Attr    FieldAttr
	Offset  int64
}

// VirtualBaseClassEntry is a (possibly indirect) virtual base.
type VirtualBaseClassEntry struct {
	Indirect     bool
	IndexTI      TypeIndex
	Index        Type
	VBPtrTI      TypeIndex
	VBPtr        Type
	Attr         FieldAttr
	PtrOffset    int64
	VtableOffset int64
}

// EnumerateEntry is an enumerator inside an enum field list.
type EnumerateEntry struct {
	Attr  FieldAttr
	Value int64
	Name  string
}

// MemberEntry is a data member.
type MemberEntry struct {
	IndexTI TypeIndex
	Index   Type
	Attr    FieldAttr
	Offset  int64
	Name    string
}

// StaticMemberEntry is a static data member.
type StaticMemberEntry struct {
	IndexTI TypeIndex
	Index   Type
	Attr    FieldAttr
	Name    string
}

// MethodGroupEntry is an overloaded method group.
type MethodGroupEntry struct {
	Count        uint16
	MethodListTI TypeIndex
	Methods      *MethodList
	Name         string
}

// NestedTypeEntry is a nested type declaration.
type NestedTypeEntry struct {
	IndexTI TypeIndex
	Index   Type
	Name    string
}

// VFuncTabEntry is a pointer-to-vtable marker.
type VFuncTabEntry struct {
	IndexTI TypeIndex
	Index   Type
}

// OneMethodEntry is a single, non-overloaded method.
type OneMethodEntry struct {
	Attr        FieldAttr
	IndexTI     TypeIndex
	Index       Type
	VBaseOffset uint32
	HasVBase    bool
	Name        string
}

func (*BaseClassEntry) fieldEntry()        {}
func (*VirtualBaseClassEntry) fieldEntry() {}
func (*EnumerateEntry) fieldEntry()        {}
func (*MemberEntry) fieldEntry()           {}
func (*StaticMemberEntry) fieldEntry()     {}
func (*MethodGroupEntry) fieldEntry()      {}
func (*NestedTypeEntry) fieldEntry()       {}
func (*VFuncTabEntry) fieldEntry()         {}
func (*OneMethodEntry) fieldEntry()        {}

// FieldList is the member list referenced by record and enum types.
type FieldList struct {
	ti      TypeIndex
	Entries []FieldEntry
}

func (f *FieldList) TI() TypeIndex  { return f.ti }
func (f *FieldList) Size() int      { return 0 }
func (f *FieldList) IsFwdRef() bool { return false }

func (f *FieldList) TypeStr(name string) string { return withName("<fieldlist>", name) }

func (f *FieldList) Access(prefix Accessor, offset Offset, size int) (Accessor, error) {
	return prefix, nil
}

func (f *FieldList) Deref(prefix Accessor, offset Offset, size int) (Accessor, error) {
	return nil, fmt.Errorf("cannot dereference a field list")
}

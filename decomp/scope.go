// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package decomp

import (
	"fmt"
	"strings"

	"github.com/msvcdec/msvcdec/codeview"
	"github.com/msvcdec/msvcdec/interval"
	"github.com/msvcdec/msvcdec/tpi"
)

// Local is a stack-frame variable: an argument at a positive bp offset or a
// local at a negative one.
type Local struct {
	Name     string
	Type     tpi.Type
	BpOffset int32
	Size     int
	Hidden   bool
	IsArg    bool
}

func (l *Local) String() string { return l.Name }

// Decl renders the declaration, with locals carrying their frame offset as
// a comment prefix.
func (l *Local) Decl() string {
	body := tpi.TypeStrOf(l.Type, l.Name)
	if l.IsArg {
		return body
	}
	prefix := fmt.Sprintf("/*bp-%#x*/", -l.BpOffset)
	s := fmt.Sprintf("%-12s %s", prefix, body)
	return s
}

// Postfix returns the trailing size comment for odd-sized locals.
func (l *Local) Postfix() string {
	if l.IsArg || l.Size == 4 {
		return ""
	}
	return fmt.Sprintf(" // %#x bytes", l.Size)
}

// Access resolves a field access inside this variable.
func (l *Local) Access(offset tpi.Offset, size int) (tpi.Accessor, error) {
	if l.Type == nil {
		return tpi.Raw(l.Name), nil
	}
	return l.Type.Access(tpi.Raw(l.Name), offset, size)
}

// Deref dereferences through this variable.
func (l *Local) Deref(offset tpi.Offset, size int) (tpi.Accessor, error) {
	if l.Type == nil {
		return nil, fmt.Errorf("cannot dereference untyped local %s", l.Name)
	}
	return l.Type.Deref(tpi.Raw(l.Name), offset, size)
}

// StaticLocal is a function-scoped static, backed by a data item.
type StaticLocal struct {
	Name string
	Type tpi.Type
	Size int
	Item *Data
}

// Decl renders the declaration with the item's address.
func (s *StaticLocal) Decl() string {
	return fmt.Sprintf("// StaticLocal: %#010x\n%s", s.Item.Addr,
		strings.TrimSuffix(s.Item.AsCode(), "\n"))
}

// LocalTypeDef is a block-scoped typedef.
type LocalTypeDef struct {
	Name string
	Type tpi.Type
}

// Decl renders the typedef.
func (t *LocalTypeDef) Decl() string {
	return fmt.Sprintf("typedef %s %s", tpi.TypeStrOf(t.Type, ""), t.Name)
}

// scopeDecl is anything a scope declares at its head.
type scopeDecl interface {
	Decl() string
}

// Scope mirrors one lexical block. Each scope owns an interval tree over
// the frame keyed by bp-relative offset; inner scopes clone their parent's
// tree and extend it.
type Scope struct {
	Fn     *Function
	Outer  *Scope
	Stack  *interval.Tree[*Local]
	Decls  []scopeDecl
	Locals []*Local
}

// NewScope builds a scope from the bp-relative and static-local children of
// a procedure or block symbol.
func NewScope(children []codeview.Symbol, p *Program, fn *Function, outer *Scope) *Scope {
	s := &Scope{Fn: fn, Outer: outer}
	if outer != nil {
		s.Stack = outer.Stack.Clone()
	} else {
		s.Stack = &interval.Tree[*Local]{}
	}

	for _, c := range children {
		switch sym := c.(type) {
		case *codeview.BpRelative:
			size := 4
			if n := tpi.SizeOf(sym.Type); n > 4 {
				size = n
			}
			local := &Local{
				Name:     sym.Name,
				Type:     sym.Type,
				BpOffset: sym.Offset,
				Size:     size,
				IsArg:    sym.Offset >= 0,
			}
			if local.IsArg {
				if sym.Name == "__$ReturnUdt" || sym.Name == "$initVBases" {
					local.Hidden = true
				}
				if sym.Name == "this" {
					local.Hidden = true
				}
				fn.Args = append(fn.Args, local)
				fn.Module.UseType(sym.Type, fn, UsageArgument)
			} else {
				fn.LocalVars = append(fn.LocalVars, local)
				fn.Module.UseType(sym.Type, fn, UsageLocal)
				if sym.Name != "this" {
					s.Decls = append(s.Decls, local)
				}
				s.Locals = append(s.Locals, local)
			}
			s.Stack.Insert(int64(sym.Offset), int64(sym.Offset)+int64(size), local)

		case *codeview.DataSym:
			if !sym.IsLocal() {
				continue
			}
			if sym.Type == nil && sym.Name == "" {
				// switch tables register as labels, not locals.
				continue
			}
			addr := p.GetAddr(sym.Segment, sym.Offset)
			size := tpi.SizeOf(sym.Type)

			var item *Data
			if existing, ok := p.GetItem(addr).(*Data); ok {
				item = existing
			} else {
				item = NewData(sym, addr, sym.Type)
				p.attachContrib(&item.BaseItem, sym.Segment, sym.Offset)
			}
			sl := &StaticLocal{Name: sym.Name, Type: sym.Type, Size: size, Item: item}
			fn.Module.UseType(sym.Type, fn, UsageLocalStatic)
			s.Decls = append(s.Decls, sl)
			length := int64(size)
			if length == 0 {
				length = 1
			}
			fn.StaticLocals.Insert(int64(addr), int64(addr)+length, sl)

		case *codeview.UserDefinedType:
			s.Decls = append(s.Decls, &LocalTypeDef{Name: sym.Name, Type: sym.Type})
		}
	}
	return s
}

// LocalsAsCode renders the scope's declarations.
func (s *Scope) LocalsAsCode() string {
	var sb strings.Builder
	for _, d := range s.Decls {
		sb.WriteString("\t")
		sb.WriteString(d.Decl())
		sb.WriteString(";")
		if l, ok := d.(*Local); ok {
			sb.WriteString(l.Postfix())
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// StackRef is a reference into a frame variable at a byte offset.
type StackRef struct {
	Var    *Local
	Offset int64
}

// StackAt finds the frame variable covering a bp-relative offset.
func (s *Scope) StackAt(disp int64) (*StackRef, bool) {
	e, ok := s.Stack.One(disp)
	if !ok {
		return nil, false
	}
	return &StackRef{Var: e.Value, Offset: disp - e.Start}, true
}

// DataRef is a reference to an addressable item or static local.
type DataRef struct {
	Static *StaticLocal
	Item   Item
	Offset int64
}

// DataAt resolves an absolute address against static locals first, then the
// program's items.
func (s *Scope) DataAt(addr int64) (*DataRef, bool) {
	if e, ok := s.Fn.StaticLocals.One(addr); ok {
		return &DataRef{Static: e.Value, Offset: addr - e.Start}, true
	}
	item := s.Fn.p.GetItem(uint32(addr))
	if item == nil {
		return nil, false
	}
	if item == Item(s.Fn) {
		return nil, false
	}
	return &DataRef{Item: item, Offset: addr - int64(item.Address())}, true
}

// CodeRef is the resolution of a branch target: a block label inside the
// current function or another function (possibly at an interior offset).
type CodeRef struct {
	Block  *BasicBlock
	Fn     Item
	Offset int64
}

// CodeAt resolves a code address.
func (s *Scope) CodeAt(addr int64) (*CodeRef, bool) {
	fnOffset := addr - int64(s.Fn.Addr)
	if fnOffset > 0 && fnOffset < int64(s.Fn.Len) {
		if bb := s.Fn.BlockAt(fnOffset); bb != nil {
			return &CodeRef{Block: bb}, true
		}
		return nil, false
	}
	item := s.Fn.p.GetItem(uint32(addr))
	if item == nil {
		return nil, false
	}
	if _, isData := item.(*Data); isData {
		return nil, false
	}
	return &CodeRef{Fn: item, Offset: addr - int64(item.Address())}, true
}

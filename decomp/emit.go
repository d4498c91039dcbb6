// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package decomp

import (
	"fmt"
	"sort"
	"strings"

	"github.com/msvcdec/msvcdec/tpi"
)

// AsCode renders a function: provenance comment, signature, local
// declarations, then the recovered block tree with inline-assembly
// fallbacks.
func (fn *Function) AsCode() string {
	var sb strings.Builder
	if fn.IsSynthetic() {
		sb.WriteString("// SYNTHETIC: ")
	} else {
		sb.WriteString("// FUNCTION: ")
	}
	fmt.Fprintf(&sb, "%s 0x%08x\n", fn.p.ExeName, fn.Addr)

	fmt.Fprintf(&sb, "%s {\n", fn.Sig())

	if intro := fn.Scope.LocalsAsCode(); intro != "" {
		sb.WriteString(intro)
		sb.WriteString("\n")
	}

	if fn.Prolog == nil {
		sb.WriteString("\t// Couldn't match prolog\n")
	} else if fn.Prolog.HasCleanup {
		fmt.Fprintf(&sb,
			"\t// Function registers exception cleanup function at 0x%08x\n",
			uint32(fn.Prolog.CleanupFn))
	}

	if fn.Tree != nil {
		sb.WriteString(fn.Tree.AsCode())
	} else {
		// un-lifted body: every block as annotated assembly.
		for _, off := range fn.bodyOrder {
			sb.WriteString(renderElem(fn.Body[off]))
		}
	}

	if fn.Prolog != nil && fn.Epilog == nil {
		sb.WriteString("\t// Couldn't match epilog\n")
	}
	sb.WriteString("}\n\n")
	return sb.String()
}

// AsCode renders the linearized tree.
func (b *BlockSeq) AsCode() string {
	var sb strings.Builder
	for _, e := range b.Elems {
		sb.WriteString(renderElem(e))
	}
	return sb.String()
}

func renderElem(e interface{}) string {
	switch el := e.(type) {
	case *BasicBlock:
		return el.AsCode()
	case *Loop:
		return el.AsCode()
	case *SwitchPointers:
		return el.AsCode()
	case *SwitchTable:
		return el.AsCode()
	}
	return ""
}

// AsCode renders one basic block: its labels and markers, then statements
// or the assembly fallback.
func (bb *BasicBlock) AsCode() string {
	var sb strings.Builder
	for _, m := range bb.Labels {
		if m == nil {
			continue
		}
		sb.WriteString(m.markerCode())
	}
	if bb.Inlined {
		return sb.String()
	}
	if bb.Empty() {
		return sb.String()
	}

	if len(bb.Statements) > 0 {
		ok := true
		var lines []string
		for _, stmt := range bb.Statements {
			text, err := stmt.AsCode()
			if err != nil {
				ok = false
				break
			}
			lines = append(lines, text)
		}
		if ok {
			for _, l := range lines {
				sb.WriteString(indent(l))
			}
			return sb.String()
		}
	}

	// fallback: annotated inline assembly with operands rewritten against
	// the scope.
	if len(bb.Insts) > 0 {
		for _, inst := range bb.Insts {
			sb.WriteString(indent(inst.AsmLine()))
		}
	} else {
		for _, raw := range bb.Raw {
			sb.WriteString(indent(fmt.Sprintf("__asm        %s;",
				strings.ToLower(raw.Inst.String()))))
		}
	}
	return sb.String()
}

// AsCode renders a recovered loop.
func (l *Loop) AsCode() string {
	var sb strings.Builder
	for _, m := range l.Head.Labels {
		if m == nil {
			continue
		}
		sb.WriteString(m.markerCode())
	}

	body := l.Body.AsCode()

	switch l.Kind {
	case "while":
		cond, _ := l.Cond.CExpr()
		fmt.Fprintf(&sb, "\twhile (%s) {\n%s\t}\n", cond, indentBlock(body))
	case "do":
		cond, _ := l.Cond.CExpr()
		fmt.Fprintf(&sb, "\tdo {\n%s\t} while (%s);\n", indentBlock(body), cond)
	case "for":
		cond, _ := l.Cond.CExpr()
		init, next := "", ""
		if l.Init != nil {
			init, _ = l.Init.AsCode()
			init = strings.TrimSuffix(init, ";")
		}
		if l.Next != nil {
			next, _ = l.Next.AsCode()
			next = strings.TrimSuffix(next, ";")
		}
		fmt.Fprintf(&sb, "\tfor (%s; %s; %s) {\n%s\t}\n", init, cond, next, indentBlock(body))
	default:
		fmt.Fprintf(&sb, "\tfor (;;) {\n%s\t}\n", indentBlock(body))
	}
	return sb.String()
}

func indent(line string) string {
	var sb strings.Builder
	for _, l := range strings.Split(line, "\n") {
		sb.WriteString("\t")
		sb.WriteString(l)
		sb.WriteString("\n")
	}
	return sb.String()
}

func indentBlock(body string) string {
	if body == "" {
		return body
	}
	var sb strings.Builder
	for _, l := range strings.Split(strings.TrimRight(body, "\n"), "\n") {
		sb.WriteString("\t")
		sb.WriteString(l)
		sb.WriteString("\n")
	}
	return sb.String()
}

// ModuleAsCode renders a module: its classes and enums in type-index order,
// globals with initializers, then every function.
func (p *Program) ModuleAsCode(m *Module) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "// %s\n", m.SourceFile)
	fmt.Fprintf(&sb, "// from %s\n\n", m.Library.Name)

	// types the module touches, in type-index order for stability.
	var tys []tpi.Type
	for ty := range m.UsedTypes {
		tys = append(tys, ty)
	}
	sort.Slice(tys, func(i, j int) bool { return tys[i].TI() < tys[j].TI() })
	for _, ty := range tys {
		switch t := ty.(type) {
		case *tpi.Record:
			c := t.Concrete()
			if c.Class != nil {
				sb.WriteString(c.Class.Decl())
				sb.WriteString("\n")
			}
		case *tpi.Enum:
			sb.WriteString(EnumDecl(t))
			sb.WriteString("\n")
		}
	}

	for _, item := range m.AllItems {
		if _, isFn := item.(*Function); isFn {
			continue
		}
		sb.WriteString(item.AsCode())
	}
	sb.WriteString("\n")

	var fns []*Function
	for _, item := range m.AllItems {
		if fn, ok := item.(*Function); ok {
			fns = append(fns, fn)
		}
	}
	sort.Slice(fns, func(i, j int) bool { return fns[i].Addr < fns[j].Addr })
	for _, fn := range fns {
		sb.WriteString(fn.AsCode())
	}
	return sb.String()
}

// EnumDecl renders an enum declaration.
func EnumDecl(e *tpi.Enum) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "enum %s {\n", e.Name)
	for _, entry := range e.Entries() {
		fmt.Fprintf(&sb, "\t%s = %d,\n", entry.Name, entry.Value)
	}
	sb.WriteString("};\n")
	return sb.String()
}

// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package decomp

import (
	"fmt"
	"strings"

	"github.com/msvcdec/msvcdec/tpi"
	"golang.org/x/arch/x86/x86asm"
)

// Value is a lifted operand or expression. CExpr renders the recovered
// source form and fails when the value cannot be expressed; AsmText renders
// the operand for inline-assembly fallback with names substituted from the
// scope.
type Value interface {
	CExpr() (string, error)
	AsmText() string
}

// producerValue is implemented by values that remember the instruction that
// computed them.
type producerValue interface {
	producer() *Instr
}

// childValues is implemented by values with sub-expressions.
type childValues interface {
	children() []Value
}

// collectInsts adds the producing instructions of v and its children to
// used.
func collectInsts(v Value, used map[*Instr]bool) {
	if v == nil {
		return
	}
	if pv, ok := v.(producerValue); ok {
		if inst := pv.producer(); inst != nil {
			used[inst] = true
			for _, op := range inst.Args {
				if op != v {
					collectInsts(op, used)
				}
			}
		}
	}
	if cv, ok := v.(childValues); ok {
		for _, c := range cv.children() {
			collectInsts(c, used)
		}
	}
}

// RegV is a register read. When the abstract state knows the register's
// current expression it is substituted in.
type RegV struct {
	Reg  x86asm.Reg
	Expr Value
	Inst *Instr
}

func (v *RegV) producer() *Instr { return v.Inst }

func (v *RegV) children() []Value {
	if v.Expr != nil {
		return []Value{v.Expr}
	}
	return nil
}

// CExpr implements Value.
func (v *RegV) CExpr() (string, error) {
	if v.Expr == nil {
		return "", fmt.Errorf("register %s holds no known expression", regName(v.Reg))
	}
	return v.Expr.CExpr()
}

// AsmText implements Value.
func (v *RegV) AsmText() string { return regName(v.Reg) }

// Known reports whether the register's expression is recoverable.
func (v *RegV) Known() bool { return v.Expr != nil }

// ConstV is an immediate.
type ConstV struct {
	V    int64
	Inst *Instr
}

func (v *ConstV) producer() *Instr { return v.Inst }

// CExpr implements Value: small constants read better in decimal, larger
// ones (addresses, masks) in hex.
func (v *ConstV) CExpr() (string, error) {
	if v.V > -256 && v.V < 256 {
		return fmt.Sprintf("%d", v.V), nil
	}
	return fmt.Sprintf("%#x", v.V), nil
}

// AsmText implements Value.
func (v *ConstV) AsmText() string {
	s, _ := v.CExpr()
	return s
}

// LocalV is a bp-relative frame access resolved through the scope.
type LocalV struct {
	Size int
	Disp int64
	Ref  *StackRef
	Inst *Instr
}

func (v *LocalV) producer() *Instr { return v.Inst }

// CExpr implements Value.
func (v *LocalV) CExpr() (string, error) {
	if v.Ref == nil {
		return "", fmt.Errorf("no frame variable at bp%+d", v.Disp)
	}
	acc, err := v.Ref.Var.Access(tpi.ConstOffset(v.Ref.Offset), v.Size)
	if err != nil {
		return "", err
	}
	return acc.String(), nil
}

// AsmText implements Value.
func (v *LocalV) AsmText() string {
	if s, err := v.CExpr(); err == nil {
		return s
	}
	return fmt.Sprintf("[ebp%+#x]", v.Disp)
}

// MemV is a generic memory operand.
type MemV struct {
	Size  int
	Base  Value
	Index Value
	Scale int64
	Disp  int64
	Seg   string
	scope *Scope
	Inst  *Instr
}

func (v *MemV) producer() *Instr { return v.Inst }

func (v *MemV) children() []Value {
	var out []Value
	if v.Base != nil {
		out = append(out, v.Base)
	}
	if v.Index != nil {
		out = append(out, v.Index)
	}
	return out
}

// CExpr implements Value: base-relative accesses dereference through the
// base expression's type; absolute accesses resolve against the scope's
// data view.
func (v *MemV) CExpr() (string, error) {
	if v.Seg != "" && v.Seg != "ds" {
		return "", fmt.Errorf("segment-override access %s", v.Seg)
	}
	if v.Base != nil {
		return v.derefBase()
	}
	if v.scope == nil {
		return "", fmt.Errorf("memory access without scope")
	}
	if v.Index != nil {
		// scaled global access
		ref, ok := v.scope.DataAt(v.Disp)
		if !ok || ref.Item == nil {
			return "", fmt.Errorf("no item at %#x", v.Disp)
		}
		base, ok := ref.Item.(*Data)
		if !ok {
			return "", fmt.Errorf("scaled access into non-data item at %#x", v.Disp)
		}
		idxText, err := v.Index.CExpr()
		if err != nil {
			return "", err
		}
		acc, err := base.Access(tpi.ScaledOffset(tpi.Raw(idxText), v.Scale), v.Size)
		if err != nil {
			return "", err
		}
		return acc.String(), nil
	}
	ref, ok := v.scope.DataAt(v.Disp)
	if !ok {
		return "", fmt.Errorf("no item at %#x", v.Disp)
	}
	if ref.Static != nil {
		acc, err := ref.Static.Item.Access(tpi.ConstOffset(ref.Offset), v.Size)
		if err != nil {
			return "", err
		}
		return acc.String(), nil
	}
	if d, ok := ref.Item.(*Data); ok {
		acc, err := d.Access(tpi.ConstOffset(ref.Offset), v.Size)
		if err != nil {
			return "", err
		}
		return acc.String(), nil
	}
	return ref.Item.ItemName(), nil
}

func (v *MemV) derefBase() (string, error) {
	baseReg, ok := v.Base.(*RegV)
	if !ok || baseReg.Expr == nil {
		return "", fmt.Errorf("memory base is not a known expression")
	}
	baseText, err := baseReg.Expr.CExpr()
	if err != nil {
		return "", err
	}

	// dereferences through a typed pointer expression resolve fields; the
	// lifter knows the pointer type only for lea/local sources.
	if lv, ok := baseReg.Expr.(*LocalV); ok && lv.Ref != nil && lv.Ref.Offset == 0 {
		var offset tpi.Offset
		if v.Index != nil {
			idxText, ierr := v.Index.CExpr()
			if ierr != nil {
				return "", ierr
			}
			offset = tpi.ScaledOffset(tpi.Raw(idxText), v.Scale)
			if v.Disp != 0 {
				return "", fmt.Errorf("mixed scaled and constant displacement")
			}
		} else {
			offset = tpi.ConstOffset(v.Disp)
		}
		acc, derr := lv.Ref.Var.Deref(offset, v.Size)
		if derr == nil {
			return acc.String(), nil
		}
	}

	if v.Index == nil && v.Disp == 0 {
		return "*" + parenthesize(baseText), nil
	}
	if v.Index == nil {
		return fmt.Sprintf("*(%s + %#x)", baseText, v.Disp), nil
	}
	idxText, err := v.Index.CExpr()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s[%s]", parenthesize(baseText), idxText), nil
}

// AsmText implements Value.
func (v *MemV) AsmText() string {
	var parts []string
	if v.Base != nil {
		parts = append(parts, v.Base.AsmText())
	}
	if v.Index != nil {
		idx := v.Index.AsmText()
		if v.Scale != 1 {
			idx += fmt.Sprintf("*%d", v.Scale)
		}
		parts = append(parts, idx)
	}

	if v.scope != nil && v.Disp != 0 && v.Base == nil {
		if ref, ok := v.scope.DataAt(v.Disp); ok {
			name := ""
			if ref.Static != nil {
				name = ref.Static.Name
			} else if ref.Item != nil {
				name = ref.Item.ItemName()
			}
			if name != "" {
				if len(parts) > 0 {
					return fmt.Sprintf("%s[%s]", name, strings.Join(parts, "+"))
				}
				return name
			}
		}
	}
	if v.Disp != 0 {
		parts = append(parts, fmt.Sprintf("%#x", v.Disp))
	}
	inner := strings.Join(parts, "+")
	if v.Seg != "" && v.Seg != "ds" {
		return fmt.Sprintf("%s:[%s]", v.Seg, inner)
	}
	switch v.Size {
	case 1:
		return fmt.Sprintf("byte ptr [%s]", inner)
	case 2:
		return fmt.Sprintf("word ptr [%s]", inner)
	case 4:
		return fmt.Sprintf("dword ptr [%s]", inner)
	}
	return fmt.Sprintf("[%s]", inner)
}

func parenthesize(s string) string {
	if strings.ContainsAny(s, " +-*/") {
		return "(" + s + ")"
	}
	return s
}

// FuncRefV is a reference to another function (or an offset into one).
type FuncRefV struct {
	Item   Item
	Offset int64
	Inst   *Instr
}

func (v *FuncRefV) producer() *Instr { return v.Inst }

// CExpr implements Value.
func (v *FuncRefV) CExpr() (string, error) {
	if v.Offset != 0 {
		return fmt.Sprintf("%s+%#x", v.Item.ItemName(), v.Offset), nil
	}
	return v.Item.ItemName(), nil
}

// AsmText implements Value.
func (v *FuncRefV) AsmText() string {
	s, _ := v.CExpr()
	return s
}

// BlockRefV is a branch target inside the current function.
type BlockRefV struct {
	Block *BasicBlock
	Inst  *Instr
}

func (v *BlockRefV) producer() *Instr { return v.Inst }

// CExpr implements Value.
func (v *BlockRefV) CExpr() (string, error) {
	if l := v.Block.Label(); l != nil {
		return l.Name, nil
	}
	return "", fmt.Errorf("branch target block has no label")
}

// AsmText implements Value.
func (v *BlockRefV) AsmText() string {
	if l := v.Block.Label(); l != nil {
		return l.Name
	}
	return fmt.Sprintf("_T%02x", v.Block.Start)
}

// StrV is raw operand text the lifter could not model.
type StrV struct {
	S string
}

// CExpr implements Value.
func (v *StrV) CExpr() (string, error) {
	return "", fmt.Errorf("unmodeled operand %q", v.S)
}

// AsmText implements Value.
func (v *StrV) AsmText() string { return v.S }

// BinV is a two-operand arithmetic expression.
type BinV struct {
	Op   string
	L, R Value
	Inst *Instr
}

func (v *BinV) producer() *Instr  { return v.Inst }
func (v *BinV) children() []Value { return []Value{v.L, v.R} }

// CExpr implements Value.
func (v *BinV) CExpr() (string, error) {
	l, err := v.L.CExpr()
	if err != nil {
		return "", err
	}
	r, err := v.R.CExpr()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %s %s", l, v.Op, r), nil
}

// AsmText implements Value.
func (v *BinV) AsmText() string {
	return fmt.Sprintf("%s %s %s", v.L.AsmText(), v.Op, v.R.AsmText())
}

// UnV is a one-operand expression.
type UnV struct {
	Op   string
	X    Value
	Inst *Instr
}

func (v *UnV) producer() *Instr  { return v.Inst }
func (v *UnV) children() []Value { return []Value{v.X} }

// CExpr implements Value.
func (v *UnV) CExpr() (string, error) {
	x, err := v.X.CExpr()
	if err != nil {
		return "", err
	}
	return v.Op + parenthesize(x), nil
}

// AsmText implements Value.
func (v *UnV) AsmText() string { return v.Op + v.X.AsmText() }

// ExtendV is a sign or zero extension.
type ExtendV struct {
	Size   int
	Signed bool
	X      Value
	Inst   *Instr
}

func (v *ExtendV) producer() *Instr  { return v.Inst }
func (v *ExtendV) children() []Value { return []Value{v.X} }

// CExpr implements Value: widening reads keep the inner expression's text.
func (v *ExtendV) CExpr() (string, error) {
	return v.X.CExpr()
}

// AsmText implements Value.
func (v *ExtendV) AsmText() string { return v.X.AsmText() }

// LeaV is an address-of computation.
type LeaV struct {
	M    Value
	Inst *Instr
}

func (v *LeaV) producer() *Instr  { return v.Inst }
func (v *LeaV) children() []Value { return []Value{v.M} }

// CExpr implements Value.
func (v *LeaV) CExpr() (string, error) {
	inner, err := v.M.CExpr()
	if err != nil {
		return "", err
	}
	return "&" + parenthesize(inner), nil
}

// AsmText implements Value.
func (v *LeaV) AsmText() string { return v.M.AsmText() }

// CallV is a recovered call expression.
type CallV struct {
	Target Value
	Args   []Value
	This   Value
	Adjust int64
	Inst   *Instr
}

func (v *CallV) producer() *Instr { return v.Inst }

func (v *CallV) children() []Value {
	out := []Value{v.Target}
	out = append(out, v.Args...)
	if v.This != nil {
		out = append(out, v.This)
	}
	return out
}

// CExpr implements Value.
func (v *CallV) CExpr() (string, error) {
	target, err := v.Target.CExpr()
	if err != nil {
		return "", err
	}
	var args []string
	for _, a := range v.Args {
		inner := a
		if p, ok := a.(*PushedV); ok {
			inner = p.X
		}
		s, err := inner.CExpr()
		if err != nil {
			return "", err
		}
		args = append(args, s)
	}
	if v.This != nil {
		this, err := v.This.CExpr()
		if err == nil {
			return fmt.Sprintf("%s->%s(%s)", stripDeref(this), target,
				strings.Join(args, ", ")), nil
		}
	}
	return fmt.Sprintf("%s(%s)", target, strings.Join(args, ", ")), nil
}

func stripDeref(s string) string {
	if strings.HasPrefix(s, "&") {
		return strings.TrimPrefix(s, "&")
	}
	return s
}

// AsmText implements Value.
func (v *CallV) AsmText() string { return v.Target.AsmText() }

// PushedV wraps an expression pushed onto the stack for a later call.
type PushedV struct {
	X    Value
	Inst *Instr
}

func (v *PushedV) producer() *Instr  { return v.Inst }
func (v *PushedV) children() []Value { return []Value{v.X} }

// CExpr implements Value.
func (v *PushedV) CExpr() (string, error) { return v.X.CExpr() }

// AsmText implements Value.
func (v *PushedV) AsmText() string { return v.X.AsmText() }

// Instr is one lifted instruction.
type Instr struct {
	Raw      RawInst
	Op       x86asm.Op
	Args     []Value
	NoEffect bool

	// CallExpr is the call built for a CALL instruction.
	CallExpr *CallV
}

// Off returns the function-relative offset.
func (i *Instr) Off() int64 { return i.Raw.Off }

// AsmLine renders the inline-assembly fallback with operands rewritten
// through the scope.
func (i *Instr) AsmLine() string {
	mn := strings.ToLower(i.Op.String())
	if len(i.Args) == 0 {
		return fmt.Sprintf("__asm        %s;", mn)
	}
	var ops []string
	for _, a := range i.Args {
		ops = append(ops, a.AsmText())
	}
	return fmt.Sprintf("__asm        %-6s %s;", mn, strings.Join(ops, ", "))
}

// sideEffects lists what the instruction clobbers beyond the scratch
// registers the matcher tolerates. An empty result means side-effect-free.
func (i *Instr) sideEffects() []string {
	var effects []string
	op := i.Op
	switch op {
	case x86asm.JMP, x86asm.CALL, x86asm.RET:
		effects = append(effects, "branch")
	}
	if isCondJump(op) {
		effects = append(effects, "branch")
	}

	// a memory destination is always an effect.
	switch op {
	case x86asm.MOV, x86asm.ADD, x86asm.SUB, x86asm.INC, x86asm.DEC,
		x86asm.AND, x86asm.OR, x86asm.XOR, x86asm.NEG, x86asm.NOT:
		if len(i.Raw.Inst.Args) > 0 {
			if _, ok := i.Raw.Inst.Args[0].(x86asm.Mem); ok {
				effects = append(effects, "memory")
			}
		}
	case x86asm.PUSH, x86asm.POP:
		effects = append(effects, "esp")
	}

	// writes to registers outside the scratch set.
	if len(i.Raw.Inst.Args) > 0 {
		if reg, ok := i.Raw.Inst.Args[0].(x86asm.Reg); ok {
			switch op {
			case x86asm.MOV, x86asm.MOVSX, x86asm.MOVZX, x86asm.LEA, x86asm.ADD,
				x86asm.SUB, x86asm.AND, x86asm.OR, x86asm.XOR, x86asm.INC,
				x86asm.DEC, x86asm.NEG, x86asm.NOT, x86asm.SHL, x86asm.SHR,
				x86asm.SAR, x86asm.IMUL:
				switch regFamily(reg) {
				case x86asm.EAX, x86asm.ECX, x86asm.EDX, x86asm.ESI, x86asm.EDI:
				default:
					effects = append(effects, regName(reg))
				}
			}
		}
	}
	return effects
}

// State is the abstract machine threaded through one basic block's lifting.
// Registers are cleared across block boundaries.
type State struct {
	Regs  map[x86asm.Reg]Value
	Flags *Instr
	Stack []Value
	Call  *CallV
}

// NewState returns an empty machine state.
func NewState() *State {
	return &State{Regs: make(map[x86asm.Reg]Value)}
}

func (s *State) get(r x86asm.Reg) Value {
	return s.Regs[regFamily(r)]
}

func (s *State) set(r x86asm.Reg, v Value) {
	s.Regs[regFamily(r)] = v
}

func (s *State) clear(r x86asm.Reg) {
	delete(s.Regs, regFamily(r))
}

// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package decomp

import (
	"github.com/msvcdec/msvcdec/tpi"
	"golang.org/x/arch/x86/x86asm"
)

// liftBlock runs the abstract machine over one basic block's decoded
// instructions, producing lifted instructions with substituted operands.
// The state is scoped to the block; registers do not survive across block
// boundaries.
func (fn *Function) liftBlock(bb *BasicBlock, state *State) {
	bb.Insts = bb.Insts[:0]
	for _, raw := range bb.Raw {
		inst := fn.liftInst(raw, bb.Scope, state)
		bb.Insts = append(bb.Insts, inst)
	}
}

// liftOperand lifts one decoded operand against the current state.
func (fn *Function) liftOperand(raw RawInst, arg x86asm.Arg, scope *Scope, state *State, isWrite bool) Value {
	switch a := arg.(type) {
	case x86asm.Reg:
		if !isWrite {
			if expr := state.get(a); expr != nil {
				return &RegV{Reg: a, Expr: expr}
			}
		}
		return &RegV{Reg: a}

	case x86asm.Imm:
		return &ConstV{V: int64(a)}

	case x86asm.Rel:
		target := raw.Next() + int64(a)
		addr := int64(fn.Addr) + target
		if ref, ok := scope.CodeAt(addr); ok {
			if ref.Block != nil {
				return &BlockRefV{Block: ref.Block}
			}
			return &FuncRefV{Item: ref.Fn, Offset: ref.Offset}
		}
		return &StrV{S: formatAddr(uint32(addr))}

	case x86asm.Mem:
		return fn.liftMem(raw, a, scope, state)
	}
	return &StrV{S: "?"}
}

func formatAddr(addr uint32) string {
	return "0x" + hex8(addr)
}

func hex8(v uint32) string {
	const digits = "0123456789abcdef"
	var out [8]byte
	for i := 7; i >= 0; i-- {
		out[i] = digits[v&0xf]
		v >>= 4
	}
	return string(out[:])
}

func (fn *Function) liftMem(raw RawInst, m x86asm.Mem, scope *Scope, state *State) Value {
	size := raw.Inst.MemBytes

	// bp-relative accesses resolve through the frame.
	if m.Base == x86asm.EBP && m.Index == 0 &&
		(m.Segment == 0 || m.Segment == x86asm.SS) {
		lv := &LocalV{Size: size, Disp: m.Disp}
		if ref, ok := scope.StackAt(m.Disp); ok {
			lv.Ref = ref
		}
		return lv
	}

	mem := &MemV{Size: size, Scale: int64(m.Scale), Disp: m.Disp, scope: scope}
	if m.Segment != 0 && m.Segment != x86asm.DS && m.Segment != x86asm.SS {
		mem.Seg = regName(m.Segment)
	}
	if m.Base != 0 {
		base := &RegV{Reg: m.Base}
		if expr := state.get(m.Base); expr != nil {
			base.Expr = expr
		}
		mem.Base = base
	}
	if m.Index != 0 {
		index := &RegV{Reg: m.Index}
		if expr := state.get(m.Index); expr != nil {
			index.Expr = expr
		}
		mem.Index = index
	}
	if mem.Scale == 0 {
		mem.Scale = 1
	}
	return mem
}

// liftInst lifts a single instruction and applies its effect to the state.
func (fn *Function) liftInst(raw RawInst, scope *Scope, state *State) *Instr {
	inst := &Instr{Raw: raw, Op: raw.Inst.Op}

	argCount := 0
	for _, a := range raw.Inst.Args {
		if a == nil {
			break
		}
		argCount++
	}

	for idx := 0; idx < argCount; idx++ {
		isWrite := idx == 0 && writesFirstOperand(raw.Inst.Op)
		inst.Args = append(inst.Args, fn.liftOperand(raw, raw.Inst.Args[idx], scope, state, isWrite))
	}

	fn.applyInst(inst, scope, state)
	return inst
}

// writesFirstOperand reports whether the first operand is written without
// being read.
func writesFirstOperand(op x86asm.Op) bool {
	switch op {
	case x86asm.MOV, x86asm.MOVSX, x86asm.MOVZX, x86asm.LEA, x86asm.POP:
		return true
	}
	return false
}

// applyInst implements the write mapping of the abstract machine.
func (fn *Function) applyInst(inst *Instr, scope *Scope, state *State) {
	op := inst.Op
	args := inst.Args

	if modifiesFlags(op) {
		state.Flags = inst
	}

	switch op {
	case x86asm.MOV:
		if dst, ok := args[0].(*RegV); ok && len(args) == 2 {
			expr := withProducer(args[1], inst)
			state.set(dst.Reg, expr)
		}

	case x86asm.MOVSX, x86asm.MOVZX:
		if dst, ok := args[0].(*RegV); ok && len(args) == 2 {
			state.set(dst.Reg, &ExtendV{
				Size:   regSize(dst.Reg),
				Signed: op == x86asm.MOVSX,
				X:      args[1],
				Inst:   inst,
			})
		}

	case x86asm.LEA:
		if dst, ok := args[0].(*RegV); ok && len(args) == 2 {
			state.set(dst.Reg, &LeaV{M: args[1], Inst: inst})
		}

	case x86asm.XOR:
		if dst, ok := args[0].(*RegV); ok && len(args) == 2 {
			if src, ok := args[1].(*RegV); ok && regFamily(src.Reg) == regFamily(dst.Reg) {
				state.set(dst.Reg, &ConstV{V: 0, Inst: inst})
				return
			}
			fn.applyBinary(inst, dst, args[1], state)
		}

	case x86asm.ADD:
		if dst, ok := args[0].(*RegV); ok && len(args) == 2 {
			if dst.Reg == x86asm.ESP {
				fn.applyStackAdjust(inst, args[1], state)
				return
			}
			fn.applyBinary(inst, dst, args[1], state)
		}

	case x86asm.SUB, x86asm.AND, x86asm.OR, x86asm.SHL, x86asm.SHR, x86asm.SAR, x86asm.IMUL:
		if dst, ok := args[0].(*RegV); ok && len(args) == 2 {
			fn.applyBinary(inst, dst, args[1], state)
		}

	case x86asm.INC, x86asm.DEC, x86asm.NEG, x86asm.NOT:
		if dst, ok := args[0].(*RegV); ok {
			opText := map[x86asm.Op]string{
				x86asm.INC: "++", x86asm.DEC: "--",
				x86asm.NEG: "-", x86asm.NOT: "~",
			}[op]
			before := dst.Expr
			var beforeV Value = dst
			if before != nil {
				beforeV = before
			}
			state.set(dst.Reg, &UnV{Op: opText, X: beforeV, Inst: inst})
		}

	case x86asm.PUSH:
		state.Stack = append(state.Stack, &PushedV{X: args[0], Inst: inst})

	case x86asm.POP:
		if dst, ok := args[0].(*RegV); ok {
			state.clear(dst.Reg)
		}
		if n := len(state.Stack); n > 0 {
			state.Stack = state.Stack[:n-1]
		}

	case x86asm.CALL:
		fn.applyCall(inst, scope, state)
	}
}

func withProducer(v Value, inst *Instr) Value {
	switch t := v.(type) {
	case *RegV:
		if t.Inst == nil {
			t.Inst = inst
		}
	case *ConstV:
		if t.Inst == nil {
			t.Inst = inst
		}
	case *LocalV:
		if t.Inst == nil {
			t.Inst = inst
		}
	case *MemV:
		if t.Inst == nil {
			t.Inst = inst
		}
	case *FuncRefV:
		if t.Inst == nil {
			t.Inst = inst
		}
	}
	return v
}

func (fn *Function) applyBinary(inst *Instr, dst *RegV, src Value, state *State) {
	opText, ok := binOpText[inst.Op]
	if !ok {
		state.clear(dst.Reg)
		return
	}
	var before Value = dst
	if dst.Expr != nil {
		before = dst.Expr
	}
	state.set(dst.Reg, &BinV{Op: opText, L: before, R: src, Inst: inst})
}

// applyStackAdjust handles caller cleanup after a call: when the amount
// matches the pending call's argument bytes, the pushes and this add are
// accounted to the call.
func (fn *Function) applyStackAdjust(inst *Instr, amount Value, state *State) {
	c, ok := amount.(*ConstV)
	if !ok || state.Call == nil {
		return
	}
	if state.Call.Adjust == c.V {
		inst.NoEffect = true
	}
}

// applyCall builds a CallExpr from the abstract stack: the pushed values
// become arguments, ECX supplies the this-pointer for thiscall targets, and
// the callee's return type decides whether EAX is defined afterwards.
func (fn *Function) applyCall(inst *Instr, scope *Scope, state *State) {
	call := &CallV{Target: inst.Args[0], Inst: inst}
	inst.CallExpr = call

	// arguments were pushed right to left.
	for i := len(state.Stack) - 1; i >= 0; i-- {
		call.Args = append(call.Args, state.Stack[i])
	}

	var (
		calleePop   bool
		returnType  tpi.Type
		isThisCall  bool
		targetKnown bool
	)
	if fr, ok := inst.Args[0].(*FuncRefV); ok {
		if callee, ok := fr.Item.(*Function); ok {
			targetKnown = true
			switch ty := callee.Type.(type) {
			case *tpi.Procedure:
				calleePop = ty.CallConv.CalleePops()
				returnType = ty.Return
			case *tpi.MemberFunction:
				calleePop = ty.CallConv.CalleePops()
				returnType = ty.Return
				isThisCall = ty.CallConv == tpi.CallThisCall
			}
			fn.Module.UseType(callee.Type, fn, UsageCall)
		}
	}

	if isThisCall {
		call.This = state.get(x86asm.ECX)
	}

	argBytes := int64(len(call.Args) * 4)
	if targetKnown && calleePop {
		// callee pops: the stack entries are consumed by the call itself.
		state.Stack = nil
		for _, a := range call.Args {
			if p, ok := a.(*PushedV); ok && p.Inst != nil {
				p.Inst.NoEffect = true
			}
		}
	} else {
		// caller cleanup follows; remember the adjustment to match.
		call.Adjust = argBytes
		state.Stack = nil
		for _, a := range call.Args {
			if p, ok := a.(*PushedV); ok && p.Inst != nil {
				p.Inst.NoEffect = true
			}
		}
	}

	// calls clobber the scratch registers.
	state.clear(x86asm.ECX)
	state.clear(x86asm.EDX)
	state.clear(x86asm.EAX)

	returnsValue := returnType != nil && returnType.TI() != 0x0003
	if !targetKnown || returnsValue {
		state.set(x86asm.EAX, call)
	}
	state.Call = call
}

// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package decomp

import (
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// RawInst is one decoded instruction at a function-relative offset.
type RawInst struct {
	Inst x86asm.Inst
	Off  int64
}

// Next returns the offset of the following instruction.
func (r RawInst) Next() int64 { return r.Off + int64(r.Inst.Len) }

// decodeRange decodes [start, end) of the function body linearly; decode
// failures end the run early.
func decodeRange(data []byte, start, end int64) []RawInst {
	var out []RawInst
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	pos := start
	for pos < end {
		inst, err := x86asm.Decode(data[pos:end], 32)
		if err != nil || inst.Len == 0 {
			break
		}
		out = append(out, RawInst{Inst: inst, Off: pos})
		pos += int64(inst.Len)
	}
	return out
}

// regFamily canonicalizes a register to its 32-bit parent so the abstract
// state survives sub-register writes.
func regFamily(r x86asm.Reg) x86asm.Reg {
	switch r {
	case x86asm.AL, x86asm.AH, x86asm.AX:
		return x86asm.EAX
	case x86asm.BL, x86asm.BH, x86asm.BX:
		return x86asm.EBX
	case x86asm.CL, x86asm.CH, x86asm.CX:
		return x86asm.ECX
	case x86asm.DL, x86asm.DH, x86asm.DX:
		return x86asm.EDX
	case x86asm.SI:
		return x86asm.ESI
	case x86asm.DI:
		return x86asm.EDI
	case x86asm.BP:
		return x86asm.EBP
	case x86asm.SP:
		return x86asm.ESP
	}
	return r
}

// regSize returns the operand width of a register.
func regSize(r x86asm.Reg) int {
	switch {
	case r >= x86asm.AL && r <= x86asm.R15B:
		return 1
	case r >= x86asm.AX && r <= x86asm.R15W:
		return 2
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return 4
	}
	return 4
}

// regName renders a register the way the emitted assembly spells it.
func regName(r x86asm.Reg) string {
	return strings.ToLower(r.String())
}

// isAccumulator reports any width of the return-value register.
func isAccumulator(r x86asm.Reg) bool {
	return regFamily(r) == x86asm.EAX
}

// relTarget computes the absolute-in-function target of a relative branch.
func relTarget(r RawInst) (int64, bool) {
	for _, arg := range r.Inst.Args {
		if rel, ok := arg.(x86asm.Rel); ok {
			return r.Next() + int64(rel), true
		}
	}
	return 0, false
}

// memArg returns the first memory operand, if any.
func memArg(inst x86asm.Inst) (x86asm.Mem, bool) {
	for _, arg := range inst.Args {
		if m, ok := arg.(x86asm.Mem); ok {
			return m, true
		}
	}
	return x86asm.Mem{}, false
}

// isCondJump reports a conditional branch.
func isCondJump(op x86asm.Op) bool {
	switch op {
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JG,
		x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP,
		x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JS:
		return true
	}
	return false
}

// modifiesFlags reports an instruction whose condition codes a later branch
// may consume.
func modifiesFlags(op x86asm.Op) bool {
	switch op {
	case x86asm.CMP, x86asm.TEST, x86asm.ADD, x86asm.SUB, x86asm.AND,
		x86asm.OR, x86asm.XOR, x86asm.INC, x86asm.DEC, x86asm.NEG,
		x86asm.SHL, x86asm.SHR, x86asm.SAR:
		return true
	}
	return false
}

// binOpText maps read-modify-write mnemonics to their C operators.
var binOpText = map[x86asm.Op]string{
	x86asm.ADD:  "+",
	x86asm.SUB:  "-",
	x86asm.AND:  "&",
	x86asm.OR:   "|",
	x86asm.XOR:  "^",
	x86asm.SHL:  "<<",
	x86asm.SHR:  ">>",
	x86asm.SAR:  ">>",
	x86asm.IMUL: "*",
}

// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package decomp

import (
	"golang.org/x/arch/x86/x86asm"
)

// matchers over raw instructions; the prologue runs before any IR exists.

func isPushReg(r RawInst, reg x86asm.Reg) bool {
	return r.Inst.Op == x86asm.PUSH && r.Inst.Args[0] == reg
}

func isPushImm(r RawInst) (int64, bool) {
	if r.Inst.Op == x86asm.PUSH {
		if imm, ok := r.Inst.Args[0].(x86asm.Imm); ok {
			return int64(imm), true
		}
	}
	return 0, false
}

func isPopReg(r RawInst, reg x86asm.Reg) bool {
	return r.Inst.Op == x86asm.POP && r.Inst.Args[0] == reg
}

func isMovRegReg(r RawInst, dst, src x86asm.Reg) bool {
	return r.Inst.Op == x86asm.MOV && r.Inst.Args[0] == dst && r.Inst.Args[1] == src
}

// isFSZero matches the fs:[0] SEH list head operand.
func isFSZero(a x86asm.Arg) bool {
	m, ok := a.(x86asm.Mem)
	return ok && m.Segment == x86asm.FS && m.Base == 0 && m.Index == 0 && m.Disp == 0
}

func isSubESPImm(r RawInst) (int64, bool) {
	if r.Inst.Op == x86asm.SUB && r.Inst.Args[0] == x86asm.ESP {
		if imm, ok := r.Inst.Args[1].(x86asm.Imm); ok {
			return int64(imm), true
		}
	}
	return 0, false
}

// matchProlog matches the standard debug-build prologue at the head of the
// first block. On success the matched instructions are removed and the
// remaining tail becomes the block's new body; on failure the function
// stays un-lifted.
//
//	push ebp
//	mov  ebp, esp
//	[ SEH registration frame ]
//	[ sub esp, N  |  mov eax, N; call __chkstk ]
//	push ebx; push esi; push edi
//	[ mov [this_local], ecx ]
func (fn *Function) matchProlog(bb *BasicBlock) (*Prolog, *BasicBlock) {
	insts := bb.Raw
	if len(insts) < 2 || !isPushReg(insts[0], x86asm.EBP) ||
		!isMovRegReg(insts[1], x86asm.EBP, x86asm.ESP) {
		return nil, bb
	}
	tail := insts[2:]
	prolog := &Prolog{}

	// optional SEH frame.
	if len(tail) >= 5 {
		if v, ok := isPushImm(tail[0]); ok && v == -1 {
			if cleanup, ok := isPushImm(tail[1]); ok &&
				tail[2].Inst.Op == x86asm.MOV && tail[2].Inst.Args[0] == x86asm.EAX && isFSZero(tail[2].Inst.Args[1]) &&
				isPushReg(tail[3], x86asm.EAX) &&
				tail[4].Inst.Op == x86asm.MOV && isFSZero(tail[4].Inst.Args[0]) && tail[4].Inst.Args[1] == x86asm.ESP {
				prolog.CleanupFn = cleanup
				prolog.HasCleanup = true
				tail = tail[5:]
				if len(tail) > 0 {
					if n, ok := isSubESPImm(tail[0]); ok && n == 4 {
						tail = tail[1:]
					}
				}
			}
		}
	}

	// optional stack reserve, plain or through the stack probe.
	if len(tail) > 0 {
		if n, ok := isSubESPImm(tail[0]); ok {
			prolog.StackAdjust = n
			tail = tail[1:]
		} else if len(tail) >= 2 &&
			tail[0].Inst.Op == x86asm.MOV && tail[0].Inst.Args[0] == x86asm.EAX &&
			tail[1].Inst.Op == x86asm.CALL {
			if imm, ok := tail[0].Inst.Args[1].(x86asm.Imm); ok {
				if fn.isChkstk(tail[1]) {
					prolog.StackAdjust = int64(imm)
					tail = tail[2:]
				}
			}
		}
	}

	// callee-saved registers.
	if len(tail) < 3 || !isPushReg(tail[0], x86asm.EBX) ||
		!isPushReg(tail[1], x86asm.ESI) || !isPushReg(tail[2], x86asm.EDI) {
		return nil, bb
	}
	tail = tail[3:]

	// optional this spill.
	if len(tail) > 0 && tail[0].Inst.Op == x86asm.MOV && tail[0].Inst.Args[1] == x86asm.ECX {
		if m, ok := tail[0].Inst.Args[0].(x86asm.Mem); ok && m.Base == x86asm.EBP {
			lv := &LocalV{Size: 4, Disp: m.Disp}
			if ref, ok := bb.Scope.StackAt(m.Disp); ok {
				lv.Ref = ref
			}
			prolog.ThisLocal = lv
			tail = tail[1:]
		}
	}

	// trim the matched head in place so edge pointers stay valid.
	if len(tail) > 0 {
		bb.Start = tail[0].Off
	} else {
		bb.Start = bb.End
	}
	bb.Raw = tail
	return prolog, bb
}

// isChkstk reports a call to the stack-probe helper: a fixed out-of-function
// target reached with the adjustment in eax.
func (fn *Function) isChkstk(r RawInst) bool {
	t, ok := relTarget(r)
	if !ok {
		return false
	}
	addr := uint32(int64(fn.Addr) + t)
	if t >= 0 && t < int64(fn.Len) {
		return false
	}
	if item := fn.p.GetItem(addr); item != nil {
		name := item.ItemName()
		return name == "__chkstk" || name == "_chkstk"
	}
	// the probe lives in the stripped runtime more often than not.
	return true
}

// matchEpilog matches the tail of the final block:
//
//	... pop edi; pop esi; pop ebx; leave; ret [N]
//
// The ret constant must equal the callee-pop amount implied by the calling
// convention.
func (fn *Function) matchEpilog(bb *BasicBlock) (*BasicBlock, *Epilog) {
	insts := bb.Raw
	n := len(insts)
	if n < 5 {
		return bb, nil
	}
	if insts[n-1].Inst.Op != x86asm.RET ||
		insts[n-2].Inst.Op != x86asm.LEAVE ||
		!isPopReg(insts[n-3], x86asm.EBX) ||
		!isPopReg(insts[n-4], x86asm.ESI) ||
		!isPopReg(insts[n-5], x86asm.EDI) {
		return bb, nil
	}

	epilog := &Epilog{}
	if imm, ok := insts[n-1].Inst.Args[0].(x86asm.Imm); ok {
		epilog.StackAdjust = int64(imm)
	}

	bb.Raw = insts[:n-5]
	return bb, epilog
}

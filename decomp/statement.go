// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package decomp

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Statement is one recovered source statement.
type Statement interface {
	AsCode() (string, error)
}

// Assign is `target = value;`.
type Assign struct {
	Target Value
	Value  Value
}

// AsCode implements Statement.
func (s *Assign) AsCode() (string, error) {
	t, err := s.Target.CExpr()
	if err != nil {
		return "", err
	}
	v, err := s.Value.CExpr()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s = %s;", t, v), nil
}

// Modify is `target op= value;`.
type Modify struct {
	Op     string
	Target Value
	Value  Value
}

// AsCode implements Statement.
func (s *Modify) AsCode() (string, error) {
	t, err := s.Target.CExpr()
	if err != nil {
		return "", err
	}
	v, err := s.Value.CExpr()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %s= %s;", t, s.Op, v), nil
}

// Increment is `target++;`.
type Increment struct {
	Target Value
}

// AsCode implements Statement.
func (s *Increment) AsCode() (string, error) {
	t, err := s.Target.CExpr()
	if err != nil {
		return "", err
	}
	return t + "++;", nil
}

// Decrement is `target--;`.
type Decrement struct {
	Target Value
}

// AsCode implements Statement.
func (s *Decrement) AsCode() (string, error) {
	t, err := s.Target.CExpr()
	if err != nil {
		return "", err
	}
	return t + "--;", nil
}

// ExprStatement is a call used for its effects.
type ExprStatement struct {
	X Value
}

// AsCode implements Statement.
func (s *ExprStatement) AsCode() (string, error) {
	x, err := s.X.CExpr()
	if err != nil {
		return "", err
	}
	return x + ";", nil
}

// Return is `return;` or `return expr;`, possibly a recovered ternary or a
// boolean condition.
type Return struct {
	X       Value
	Ternary *TernaryReturn
	Cond    *Cond
}

// TernaryReturn is `return cond ? a : b;`.
type TernaryReturn struct {
	Cond *Cond
	A, B Value
}

// AsCode implements Statement.
func (s *Return) AsCode() (string, error) {
	if s.Cond != nil {
		cond, err := s.Cond.CExpr()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("return %s;", cond), nil
	}
	if s.Ternary != nil {
		cond, err := s.Ternary.Cond.CExpr()
		if err != nil {
			return "", err
		}
		a, err := s.Ternary.A.CExpr()
		if err != nil {
			return "", err
		}
		b, err := s.Ternary.B.CExpr()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("return %s ? %s : %s;", cond, a, b), nil
	}
	if s.X == nil {
		return "return;", nil
	}
	x, err := s.X.CExpr()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("return %s;", x), nil
}

// matchStatement consumes the block's lifted instructions from the tail.
// The match is accepted only when every instruction in the block is the
// statement's terminating instruction, an ancestor of a consumed
// expression, or side-effect-free; otherwise nil is returned and the block
// falls back to inline assembly.
func matchStatement(bb *BasicBlock) Statement {
	insts := bb.Insts
	// a trailing jmp belongs to control flow, not the statement.
	if n := len(insts); n > 0 && insts[n-1].Op == x86asm.JMP {
		insts = insts[:n-1]
	}
	if len(insts) == 0 {
		return nil
	}
	tail := insts[len(insts)-1]

	var stmt Statement
	used := map[*Instr]bool{tail: true}

	switch tail.Op {
	case x86asm.MOV:
		if len(tail.Args) == 2 && isMemDest(tail.Args[0]) {
			stmt = &Assign{Target: tail.Args[0], Value: tail.Args[1]}
			collectInsts(tail.Args[0], used)
			collectInsts(tail.Args[1], used)
		}
	case x86asm.ADD, x86asm.SUB:
		if len(tail.Args) == 2 && isMemDest(tail.Args[0]) {
			op := "+"
			if tail.Op == x86asm.SUB {
				op = "-"
			}
			stmt = &Modify{Op: op, Target: tail.Args[0], Value: tail.Args[1]}
			collectInsts(tail.Args[0], used)
			collectInsts(tail.Args[1], used)
		}
	case x86asm.INC:
		if len(tail.Args) == 1 && isMemDest(tail.Args[0]) {
			stmt = &Increment{Target: tail.Args[0]}
			collectInsts(tail.Args[0], used)
		}
	case x86asm.DEC:
		if len(tail.Args) == 1 && isMemDest(tail.Args[0]) {
			stmt = &Decrement{Target: tail.Args[0]}
			collectInsts(tail.Args[0], used)
		}
	case x86asm.CALL:
		if tail.CallExpr != nil {
			stmt = &ExprStatement{X: tail.CallExpr}
			collectInsts(tail.CallExpr, used)
		}
	}

	if stmt == nil {
		return nil
	}
	if _, err := stmt.AsCode(); err != nil {
		return nil
	}

	// account for every instruction in the block.
	for _, inst := range insts {
		if used[inst] || inst.NoEffect {
			continue
		}
		if len(inst.sideEffects()) == 0 {
			continue
		}
		return nil
	}
	return stmt
}

// isMemDest reports a memory or frame destination.
func isMemDest(v Value) bool {
	switch v.(type) {
	case *MemV, *LocalV:
		return true
	}
	return false
}

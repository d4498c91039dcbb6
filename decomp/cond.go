// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package decomp

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Cond is a recovered branch condition. An unrecoverable condition keeps
// the raw mnemonic and renders as an error marker rather than guessing.
type Cond struct {
	L, R Value
	Op   string
	Err  string

	flags *Instr
	jump  *Instr
}

// Known reports a successfully recovered condition.
func (c *Cond) Known() bool { return c != nil && c.Err == "" }

// CExpr renders the condition.
func (c *Cond) CExpr() (string, error) {
	if c == nil {
		return "", fmt.Errorf("no condition")
	}
	if c.Err != "" {
		return fmt.Sprintf("ErrorCond(%q)", c.Err), nil
	}
	l, err := c.L.CExpr()
	if err != nil {
		return "", err
	}
	r, err := c.R.CExpr()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %s %s", l, c.Op, r), nil
}

// Invert returns the negated condition.
func (c *Cond) Invert() *Cond {
	if c == nil || c.Err != "" {
		return c
	}
	inverse := map[string]string{
		"==": "!=", "!=": "==",
		"<": ">=", ">=": "<",
		">": "<=", "<=": ">",
	}
	out := *c
	out.Op = inverse[c.Op]
	return &out
}

// condOps maps condition-jump mnemonics for a CMP source to operators.
// Signed and unsigned comparisons render the same way; the types carry the
// distinction.
var condOps = map[x86asm.Op]string{
	x86asm.JE:  "==",
	x86asm.JNE: "!=",
	x86asm.JA:  ">",
	x86asm.JG:  ">",
	x86asm.JAE: ">=",
	x86asm.JGE: ">=",
	x86asm.JB:  "<",
	x86asm.JL:  "<",
	x86asm.JBE: "<=",
	x86asm.JLE: "<=",
}

// recoverCond recovers the condition a conditional branch tests from the
// last flag-modifying instruction.
func recoverCond(jump *Instr, flags *Instr) *Cond {
	c := &Cond{flags: flags, jump: jump}
	if flags == nil {
		c.Err = jump.Op.String()
		return c
	}

	switch flags.Op {
	case x86asm.CMP:
		if op, ok := condOps[jump.Op]; ok && len(flags.Args) == 2 {
			c.L, c.R, c.Op = flags.Args[0], flags.Args[1], op
			return c
		}

	case x86asm.TEST:
		if len(flags.Args) == 2 {
			same := false
			if a, ok := flags.Args[0].(*RegV); ok {
				if b, ok := flags.Args[1].(*RegV); ok {
					same = regFamily(a.Reg) == regFamily(b.Reg)
				}
			}
			switch jump.Op {
			case x86asm.JE:
				if same {
					c.L, c.R, c.Op = flags.Args[0], &ConstV{V: 0}, "=="
				} else {
					c.L = &BinV{Op: "&", L: flags.Args[0], R: flags.Args[1]}
					c.R, c.Op = &ConstV{V: 0}, "=="
				}
				return c
			case x86asm.JNE:
				if same {
					c.L, c.R, c.Op = flags.Args[0], &ConstV{V: 0}, "!="
				} else {
					c.L = &BinV{Op: "&", L: flags.Args[0], R: flags.Args[1]}
					c.R, c.Op = &ConstV{V: 0}, "!="
				}
				return c
			}
		}

	case x86asm.DEC:
		if jump.Op == x86asm.JS && len(flags.Args) == 1 {
			c.L, c.R, c.Op = flags.Args[0], &ConstV{V: 0}, "<"
			return c
		}
	}

	c.Err = fmt.Sprintf("%s after %s", jump.Op, flags.Op)
	return c
}

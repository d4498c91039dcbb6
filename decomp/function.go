// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package decomp

import (
	"fmt"
	"sort"
	"strings"

	"github.com/msvcdec/msvcdec/codeview"
	"github.com/msvcdec/msvcdec/interval"
	"github.com/msvcdec/msvcdec/msvc"
	"github.com/msvcdec/msvcdec/tpi"
	"golang.org/x/arch/x86/x86asm"
)

// ExternalTarget is a branch out of the function.
type ExternalTarget struct {
	Addr uint32
}

// BasicBlock is a maximal straight-line run of code with one entry and one
// exit branch.
type BasicBlock struct {
	Start int64
	End   int64
	Scope *Scope

	Labels []blockMarker
	Raw    []RawInst
	Insts  []*Instr

	Incoming    map[*BasicBlock]bool
	Outgoing    interface{} // *BasicBlock, *SwitchPointers or ExternalTarget
	OutCond     *Cond
	Fallthrough *BasicBlock
	Fallfrom    *BasicBlock

	Inlined    bool
	Statements []Statement

	branchID int
}

// Empty reports a block with no instructions.
func (bb *BasicBlock) Empty() bool { return len(bb.Raw) == 0 }

// Label returns the block's first code label, or nil.
func (bb *BasicBlock) Label() *Label {
	for _, m := range bb.Labels {
		if l, ok := m.(*Label); ok {
			return l
		}
	}
	return nil
}

// SetLabel replaces the block's generated label name, used when a loop
// template renames its head.
func (bb *BasicBlock) SetLabel(name string) {
	for i, m := range bb.Labels {
		if l, ok := m.(*Label); ok && l.IsGenerated() {
			bb.Labels[i] = &Label{Name: name}
			return
		}
	}
	bb.Labels = append(bb.Labels, &Label{Name: name})
}

// IsConditional reports a block ending in a conditional branch.
func (bb *BasicBlock) IsConditional() bool { return bb.OutCond != nil }

// bodyElem is a member of the function body: a basic block or a switch
// data region.
type bodyElem interface{}

// FakeReturn stands in for a return type recovered from a mangled name
// rather than a type record.
type FakeReturn struct {
	S string
}

// Prolog is a matched function prologue.
type Prolog struct {
	StackAdjust int64
	ThisLocal   *LocalV
	CleanupFn   int64
	HasCleanup  bool
}

// Epilog is a matched function epilogue. StackAdjust is the callee-pop
// amount of the ret instruction.
type Epilog struct {
	StackAdjust int64
}

// Function is an analyzed procedure.
type Function struct {
	BaseItem
	p      *Program
	Module *Module

	CV         *codeview.ProcStart
	SourceFile string
	Type       tpi.Type
	Ret        interface{} // tpi.Type or FakeReturn
	Args       []*Local
	HasVarArgs bool
	LocalVars  []*Local

	Scope        *Scope
	StaticLocals interval.Tree[*StaticLocal]

	Body      map[int64]bodyElem
	bodyOrder []int64

	Prolog          *Prolog
	Epilog          *Epilog
	ExternalTargets map[uint32]bool
	Backedges       map[*BasicBlock]bool

	// Tree is the recovered block tree, built during post-processing.
	Tree *BlockSeq
}

// NewFunction analyzes one procedure symbol: scope, labels, basic blocks.
// Body statements are recovered in the post-processing pass.
func NewFunction(p *Program, m *Module, cv *codeview.ProcStart, lines *codeview.ModuleLines) *Function {
	fn := &Function{
		p:               p,
		Module:          m,
		CV:              cv,
		SourceFile:      m.SourceFile,
		ExternalTargets: make(map[uint32]bool),
		Backedges:       make(map[*BasicBlock]bool),
	}
	fn.Sym = cv
	fn.Name = cv.Name
	fn.Len = cv.Len
	fn.Addr = p.GetAddr(cv.Segment, cv.Offset)
	fn.Type = cv.Type
	fn.ContribOffset = -1
	p.attachContrib(&fn.BaseItem, cv.Segment, cv.Offset)

	labels := make(map[int64][]blockMarker)

	// line markers plus a sentinel at the end of the function.
	var fnLines map[uint32]uint16
	if lr, ok := lines.Lookup(cv.Offset); ok {
		fnLines = lr.Lines
		if lr.SourceFile != "" {
			fn.SourceFile = lr.SourceFile
		}
	}
	seen := false
	for _, off := range codeview.SortedOffsets(fnLines) {
		if off < cv.Offset || off >= cv.Offset+cv.Len {
			continue
		}
		rel := int64(off - cv.Offset)
		labels[rel] = append(labels[rel], &Line{Offset: rel, Number: int(fnLines[off]), Valid: true})
		if rel == 0 {
			seen = true
		}
	}
	if !seen {
		labels[0] = append(labels[0], &Line{Offset: 0})
	}
	labels[int64(cv.Len)] = append(labels[int64(cv.Len)], &Line{Offset: int64(cv.Len)})

	fn.Scope = NewScope(cv.Children, p, fn, nil)
	fn.resolveSignature()

	var handleChild func(child codeview.Symbol, scope *Scope)
	handleChild = func(child codeview.Symbol, scope *Scope) {
		switch c := child.(type) {
		case *codeview.Block:
			addr := p.GetAddr(c.Segment, c.Offset)
			offset := int64(addr) - int64(fn.Addr)
			newScope := NewScope(c.Children, p, fn, scope)
			labels[offset] = append(labels[offset], &BlockStartMarker{
				Name: c.Name, Offset: offset, Length: int64(c.Length), Scope: newScope,
			})
			end := offset + int64(c.Length)
			labels[end] = append(labels[end], &BlockEndMarker{ParentScope: scope})
			for _, inner := range c.Children {
				handleChild(inner, newScope)
			}
		case *codeview.DataSym:
			if c.IsLocal() && c.Type == nil && c.Name == "" {
				// an anonymous untyped local marks a switch table.
				addr := p.GetAddr(c.Segment, c.Offset)
				offset := int64(addr) - int64(fn.Addr)
				labels[offset] = append(labels[offset], &SwitchTable{Fn: fn, Offset: offset})
			}
		case *codeview.CodeLabel:
			addr := p.GetAddr(c.Segment, c.Offset)
			offset := int64(addr) - int64(fn.Addr)
			labels[offset] = append(labels[offset], NewLabel(c.Name))
		}
	}
	for _, child := range cv.Children {
		handleChild(child, fn.Scope)
	}

	fn.findBasicBlocks(labels)
	return fn
}

// resolveSignature fills the return type and argument list, demangling when
// the type record is missing, and recovering the RVO return pointer type.
func (fn *Function) resolveSignature() {
	switch ty := fn.Type.(type) {
	case *tpi.Procedure:
		fn.Ret = ty.Return
		if n := len(ty.ArgTIs); n > 0 && ty.ArgTIs[n-1] == 0 {
			fn.HasVarArgs = true
		}
		fn.Module.UseType(ty.Return, fn, UsageReturn)
	case *tpi.MemberFunction:
		fn.Ret = ty.Return
		if n := len(ty.ArgTIs); n > 0 && ty.ArgTIs[n-1] == 0 {
			fn.HasVarArgs = true
		}
		if ty.CallConv != tpi.CallThisCall && len(fn.Args) > 0 && fn.Args[0].Name == "this" {
			// a member function that is not thiscall passes this explicitly.
			fn.Args = fn.Args[1:]
		}
		fn.Module.UseType(ty.Return, fn, UsageReturn)
		fn.Module.UseType(ty.ClassType, fn, UsageMemberImpl)
	default:
		// the type record is missing: the arguments are known from the
		// scope, but the return type must come from the decorated name.
		if ret, ok := msvc.ReturnType(fn.Name); ok {
			fn.Ret = FakeReturn{S: ret}
		} else if len(fn.Syms()) > 0 {
			if ret, ok := msvc.ReturnType(fn.Syms()[0]); ok {
				fn.Ret = FakeReturn{S: ret}
			}
		}
		if fn.Ret == nil {
			fn.Ret = FakeReturn{S: "void"}
		}
	}

	// the RVO pointer argument sometimes arrives untyped; recover a pointer
	// to the declared return type.
	for _, arg := range fn.Args {
		if arg.Name != "__$ReturnUdt" || arg.Type != nil {
			continue
		}
		retTy, ok := fn.Ret.(tpi.Type)
		if !ok {
			continue
		}
		for _, cand := range fn.p.Data.Types.Records() {
			if ptr, ok := cand.(*tpi.Pointer); ok && ptr.Inner == retTy {
				arg.Type = ptr
				break
			}
		}
	}
}

// Syms returns the names of global symbols sharing the function's address.
func (fn *Function) Syms() []string {
	var out []string
	for _, s := range fn.p.Data.Symbols.FromSegOffset(fn.CV.Segment, fn.CV.Offset) {
		if ds, ok := s.(*codeview.DataSym); ok {
			out = append(out, ds.Name)
		}
	}
	return out
}

// findBasicBlocks scans the code linearly, discovering branch targets and
// switch tables, then partitions the function between successive labels.
func (fn *Function) findBasicBlocks(labels map[int64][]blockMarker) {
	data := fn.Bytes()
	if data == nil {
		return
	}

	targets := make(map[int64]bool)
	pos := int64(0)
	end := int64(fn.Len)
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	for pos < end {
		inst, err := x86asm.Decode(data[pos:end], 32)
		if err != nil || inst.Len == 0 {
			break
		}
		raw := RawInst{Inst: inst, Off: pos}
		pos = raw.Next()

		switch {
		case inst.Op == x86asm.JMP && isMemOperand(inst.Args[0]):
			m := inst.Args[0].(x86asm.Mem)
			target := m.Disp - int64(fn.Addr)
			if m.Base == 0 && target >= raw.Next() && target < end {
				if _, reused := labels[target]; !reused || !hasSwitch(labels[target]) {
					pos = fn.parseSwitch(data, raw, target, targets, labels)
				}
			} else {
				// an indirect jump elsewhere still ends the block.
				if _, ok := labels[pos]; !ok {
					labels[pos] = nil
				}
			}

		case inst.Op == x86asm.JMP || isCondJump(inst.Op):
			if t, ok := relTarget(raw); ok {
				if t < 0 || t >= end {
					fn.ExternalTargets[uint32(int64(fn.Addr)+t)] = true
				} else if t != raw.Next() {
					targets[t] = true
				}
			}
			// end the basic block at the next instruction.
			if _, ok := labels[pos]; !ok {
				labels[pos] = nil
			}

		case inst.Op == x86asm.RET:
			if _, ok := labels[pos]; !ok {
				labels[pos] = nil
			}
		}
	}

	// every internal target gets a label if none exists.
	for t := range targets {
		found := false
		for _, m := range labels[t] {
			if _, ok := m.(*Label); ok {
				found = true
				break
			}
		}
		if !found {
			labels[t] = append(labels[t], &Label{Name: fmt.Sprintf("_T%02x", t)})
		}
	}

	// partition between successive sorted labels.
	offsets := make([]int64, 0, len(labels))
	for off := range labels {
		if off >= 0 && off <= end {
			offsets = append(offsets, off)
		}
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	fn.Body = make(map[int64]bodyElem)
	scope := fn.Scope
	for i := 0; i+1 <= len(offsets)-1; i++ {
		start, blockEnd := offsets[i], offsets[i+1]
		markers := labels[start]

		var switchElem bodyElem
		for _, m := range markers {
			switch sw := m.(type) {
			case *SwitchPointers:
				switchElem = sw
			case *SwitchTable:
				if sw.Data == nil {
					sw.Data = data[start:blockEnd]
				}
				switchElem = sw
			case *BlockStartMarker:
				scope = sw.Scope
			case *BlockEndMarker:
				scope = sw.ParentScope
			}
		}
		if switchElem != nil {
			fn.Body[start] = switchElem
			fn.bodyOrder = append(fn.bodyOrder, start)
			continue
		}

		bb := &BasicBlock{
			Start:    start,
			End:      blockEnd,
			Scope:    scope,
			Labels:   markers,
			Raw:      decodeRange(data, start, blockEnd),
			Incoming: make(map[*BasicBlock]bool),
		}
		fn.Body[start] = bb
		fn.bodyOrder = append(fn.bodyOrder, start)
	}

	fn.installEdges()
}

func isMemOperand(a x86asm.Arg) bool {
	_, ok := a.(x86asm.Mem)
	return ok
}

func hasSwitch(markers []blockMarker) bool {
	for _, m := range markers {
		if _, ok := m.(*SwitchPointers); ok {
			return true
		}
	}
	return false
}

// parseSwitch synthesizes the SwitchPointers block for a jump table and,
// when a SwitchTable label follows it, populates the byte table too.
// Returns the offset where decoding resumes.
func (fn *Function) parseSwitch(data []byte, raw RawInst, target int64,
	targets map[int64]bool, labels map[int64][]blockMarker) int64 {

	end := int64(fn.Len)
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	// upper bound: the next known branch target past this instruction.
	upper := end
	for t := range targets {
		if t > raw.Next() && t < upper {
			upper = t
		}
	}

	sw := NewSwitchPointers(target, data[target:upper], fn)
	labels[target] = append(labels[target], sw)
	for _, t := range sw.Targets {
		targets[int64(t)-int64(fn.Addr)] = true
	}

	tableStart := target + sw.Length
	resume := tableStart

	if markers, ok := labels[tableStart]; ok {
		for _, m := range markers {
			table, ok := m.(*SwitchTable)
			if !ok {
				continue
			}
			tableUpper := end
			for t := range targets {
				if t > tableStart && t < tableUpper {
					tableUpper = t
				}
			}
			table.Populate(data[tableStart:tableUpper], sw)
			resume = tableStart + table.Length
			break
		}
	}

	// boundary after the switch data.
	if _, ok := labels[resume]; !ok {
		labels[resume] = nil
	}
	return resume
}

// installEdges wires incoming, outgoing and fallthrough links from each
// block's terminating instruction.
func (fn *Function) installEdges() {
	var prev *BasicBlock
	prevFellThrough := false

	for _, off := range fn.bodyOrder {
		bb, ok := fn.Body[off].(*BasicBlock)
		if !ok {
			prev = nil
			prevFellThrough = false
			continue
		}
		if prev != nil && prevFellThrough {
			prev.Fallthrough = bb
			bb.Fallfrom = prev
			bb.Incoming[prev] = true
		}

		prevFellThrough = true
		if len(bb.Raw) > 0 {
			last := bb.Raw[len(bb.Raw)-1]
			switch {
			case last.Inst.Op == x86asm.RET:
				prevFellThrough = false
			case last.Inst.Op == x86asm.JMP:
				prevFellThrough = false
				fn.installBranch(bb, last)
			case isCondJump(last.Inst.Op):
				fn.installBranch(bb, last)
			}
		}
		prev = bb
	}
}

func (fn *Function) installBranch(bb *BasicBlock, last RawInst) {
	if t, ok := relTarget(last); ok {
		if target, ok := fn.Body[t].(*BasicBlock); ok {
			bb.Outgoing = target
			target.Incoming[bb] = true
			return
		}
		bb.Outgoing = ExternalTarget{Addr: uint32(int64(fn.Addr) + t)}
		return
	}
	if m, ok := memArg(last.Inst); ok && m.Base == 0 {
		if sw, ok := fn.Body[m.Disp-int64(fn.Addr)].(*SwitchPointers); ok {
			bb.Outgoing = sw
			for _, t := range sw.Targets {
				if target, ok := fn.Body[int64(t)-int64(fn.Addr)].(*BasicBlock); ok {
					target.Incoming[bb] = true
				}
			}
		}
	}
}

// BlockAt returns the basic block starting at a function offset.
func (fn *Function) BlockAt(offset int64) *BasicBlock {
	if bb, ok := fn.Body[offset].(*BasicBlock); ok {
		return bb
	}
	return nil
}

// LabelAt returns the label of the block starting at offset.
func (fn *Function) LabelAt(offset int64) *Label {
	if bb := fn.BlockAt(offset); bb != nil {
		return bb.Label()
	}
	return nil
}

// PostProcess recovers the function body: prologue, epilogue, IR lifting,
// statements, returns and loops.
func (fn *Function) PostProcess(p *Program) {
	if fn.Contrib == nil || len(fn.bodyOrder) == 0 {
		return
	}
	fn.parseBody()
}

// IsSynthetic reports a compiler-generated function.
func (fn *Function) IsSynthetic() bool {
	if strings.HasPrefix(fn.Name, "$E") {
		return true
	}
	if mf, ok := fn.Type.(*tpi.MemberFunction); ok && mf.Field != nil {
		return mf.Field.Synthetic()
	}
	return false
}

// Sig renders the signature line.
func (fn *Function) Sig() string {
	var args []string
	for _, a := range fn.Args {
		if a.Hidden {
			continue
		}
		args = append(args, tpi.TypeStrOf(a.Type, a.Name))
	}
	if fn.HasVarArgs {
		args = append(args, "...")
	}

	modifiers := ""
	if fn.CV.IsLocal() {
		modifiers = "static "
	}
	ret := "void"
	switch r := fn.Ret.(type) {
	case FakeReturn:
		ret = r.S
	case tpi.Type:
		ret = tpi.TypeStrOf(r, "")
	}
	return fmt.Sprintf("%s%s %s(%s)", modifiers, ret, fn.Name, strings.Join(args, ", "))
}

// CallConv returns the function's calling convention.
func (fn *Function) CallConv() tpi.CallingConvention {
	switch ty := fn.Type.(type) {
	case *tpi.Procedure:
		return ty.CallConv
	case *tpi.MemberFunction:
		return ty.CallConv
	}
	return tpi.CallNearC
}

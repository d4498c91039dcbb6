// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package decomp

import (
	"container/heap"
	"fmt"
	"strings"

	"github.com/msvcdec/msvcdec/tpi"
	"golang.org/x/arch/x86/x86asm"
)

// parseBody recovers the function body once all items exist: prologue and
// epilogue, per-block IR, statements, returns, then loops.
func (fn *Function) parseBody() {
	first, ok := fn.Body[fn.bodyOrder[0]].(*BasicBlock)
	if !ok {
		return
	}
	var tail *BasicBlock
	fn.Prolog, tail = fn.matchProlog(first)
	if fn.Prolog == nil {
		return
	}
	if tail.Empty() {
		delete(fn.Body, fn.bodyOrder[0])
		fn.bodyOrder = fn.bodyOrder[1:]
		if ft := tail.Fallthrough; ft != nil {
			delete(ft.Incoming, tail)
			if ft.Fallfrom == tail {
				ft.Fallfrom = nil
			}
		}
		if out, ok := tail.Outgoing.(*BasicBlock); ok {
			delete(out.Incoming, tail)
		}
	}

	if len(fn.bodyOrder) > 0 {
		lastKey := fn.bodyOrder[len(fn.bodyOrder)-1]
		if last, ok := fn.Body[lastKey].(*BasicBlock); ok {
			_, fn.Epilog = fn.matchEpilog(last)
		}
	}
	if fn.Epilog == nil {
		return
	}

	// lift every block with a fresh machine state and recover branch
	// conditions and statements.
	for _, off := range fn.bodyOrder {
		bb, ok := fn.Body[off].(*BasicBlock)
		if !ok || bb.Empty() {
			continue
		}
		state := NewState()
		fn.liftBlock(bb, state)

		if n := len(bb.Insts); n > 0 && isCondJump(bb.Insts[n-1].Op) {
			bb.OutCond = recoverCond(bb.Insts[n-1], state.Flags)
		}
		if stmt := matchStatement(bb); stmt != nil {
			bb.Statements = []Statement{stmt}
		}
	}

	fn.matchReturns()
	fn.findBackedges()
	fn.Tree = fn.findLoops(newBlockIter(fn))
}

// returnLanding locates the unique block every return jumps to: the final
// block, holding the epilogue.
func (fn *Function) returnLanding() *BasicBlock {
	if len(fn.bodyOrder) == 0 {
		return nil
	}
	bb, _ := fn.Body[fn.bodyOrder[len(fn.bodyOrder)-1]].(*BasicBlock)
	return bb
}

// matchReturns rewrites predecessors of the return landing into return
// statements: plain returns for void functions, accumulator reads
// otherwise, including the two-armed ternary shape.
func (fn *Function) matchReturns() {
	landing := fn.returnLanding()
	if landing == nil {
		return
	}
	isVoid := fn.returnsVoid()

	preds := make([]*BasicBlock, 0, len(landing.Incoming))
	for p := range landing.Incoming {
		preds = append(preds, p)
	}
	if landing.Fallfrom != nil {
		preds = append(preds, landing.Fallfrom)
	}
	if len(preds) == 0 && !landing.Empty() {
		// a single-block function returns out of the landing itself.
		preds = append(preds, landing)
	}

	// ternary shape first: an arm whose fallthrough-from predecessor is a
	// conditional with both successors assigning the accumulator.
	handled := make(map[*BasicBlock]bool)
	if !isVoid {
		for _, pred := range preds {
			if handled[pred] {
				continue
			}
			condBB := pred.Fallfrom
			if condBB == nil || !condBB.IsConditional() {
				continue
			}
			if onTrue, onFalse, ok := fn.matchTernaryReturn(condBB, landing); ok {
				handled[onTrue] = true
				handled[onFalse] = true
			}
		}
	}

	for _, pred := range preds {
		if handled[pred] {
			continue
		}
		fn.matchReturn(pred, landing, isVoid)
	}
}

func (fn *Function) returnsVoid() bool {
	switch r := fn.Ret.(type) {
	case FakeReturn:
		return strings.TrimSpace(r.S) == "void"
	case tpi.Type:
		return r == nil || r.TI() == 0x0003
	}
	return fn.Ret == nil
}

func (fn *Function) matchReturn(pred, landing *BasicBlock, isVoid bool) {
	insts := pred.Insts
	n := len(insts)
	jumps := n > 0 && insts[n-1].Op == x86asm.JMP
	fallsThrough := pred.Fallthrough == landing || pred == landing

	if !jumps && !fallsThrough {
		return
	}

	if isVoid {
		// the jump must be the block's only effect.
		for _, inst := range insts[:max(0, n-1)] {
			if !inst.NoEffect && len(inst.sideEffects()) > 0 {
				return
			}
		}
		if len(pred.Statements) == 0 {
			pred.Statements = []Statement{&Return{}}
		} else {
			pred.Statements = append(pred.Statements, &Return{})
		}
		return
	}

	// value return: read the accumulator's expression after the block.
	state := NewState()
	fn.liftBlock(pred, state)
	acc := state.get(x86asm.EAX)
	if acc == nil {
		return
	}

	ret := &Return{X: acc}
	if _, err := ret.AsCode(); err != nil {
		return
	}

	// every effectful instruction must feed the returned value.
	used := map[*Instr]bool{}
	collectInsts(acc, used)
	if n > 0 && insts[n-1].Op == x86asm.JMP {
		used[insts[n-1]] = true
	}
	for _, inst := range insts {
		if used[inst] || inst.NoEffect || len(inst.sideEffects()) == 0 {
			continue
		}
		return
	}
	pred.Statements = []Statement{ret}
}

// matchTernaryReturn recognizes `return cond ? A : B;`: condBB ends in a
// conditional whose branch target and fallthrough each load the
// accumulator and jump to (or fall into) the landing block. The two arms
// are inlined and the conditional carries the return.
func (fn *Function) matchTernaryReturn(condBB, landing *BasicBlock) (*BasicBlock, *BasicBlock, bool) {
	cond := condBB.OutCond
	if !cond.Known() {
		return nil, nil, false
	}
	onTrue, ok := condBB.Outgoing.(*BasicBlock)
	if !ok {
		return nil, nil, false
	}
	onFalse := condBB.Fallthrough
	if onFalse == nil {
		return nil, nil, false
	}

	accOf := func(bb *BasicBlock) Value {
		state := NewState()
		fn.liftBlock(bb, state)
		return state.get(x86asm.EAX)
	}
	reaches := func(bb *BasicBlock) bool {
		if bb.Fallthrough == landing {
			return true
		}
		t, ok := bb.Outgoing.(*BasicBlock)
		return ok && t == landing
	}

	a := accOf(onTrue)
	b := accOf(onFalse)
	if a == nil || b == nil || !reaches(onTrue) || !reaches(onFalse) {
		return nil, nil, false
	}

	// the 0/1 shape is a boolean return of the condition itself.
	if av, aok := constOf(a); aok {
		if bv, bok := constOf(b); bok {
			var boolRet *Return
			if av == 1 && bv == 0 {
				boolRet = &Return{Cond: cond}
			} else if av == 0 && bv == 1 {
				boolRet = &Return{Cond: cond.Invert()}
			}
			if boolRet != nil {
				if _, err := boolRet.AsCode(); err == nil {
					condBB.Statements = []Statement{boolRet}
					onTrue.Inlined = true
					onFalse.Inlined = true
					return onTrue, onFalse, true
				}
			}
		}
	}

	ret := &Return{Ternary: &TernaryReturn{Cond: cond, A: a, B: b}}
	if _, err := ret.AsCode(); err != nil {
		// a nested ternary arm stays a raw accumulator return.
		return nil, nil, false
	}
	condBB.Statements = []Statement{ret}
	onTrue.Inlined = true
	onFalse.Inlined = true
	return onTrue, onFalse, true
}

// constOf unwraps a constant value, looking through register reads.
func constOf(v Value) (int64, bool) {
	switch t := v.(type) {
	case *ConstV:
		return t.V, true
	case *RegV:
		if t.Expr != nil {
			return constOf(t.Expr)
		}
	}
	return 0, false
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// blockHeap orders blocks by original code position.
type blockHeap []*BasicBlock

func (h blockHeap) Len() int            { return len(h) }
func (h blockHeap) Less(i, j int) bool  { return h[i].Start < h[j].Start }
func (h blockHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *blockHeap) Push(x interface{}) { *h = append(*h, x.(*BasicBlock)) }
func (h *blockHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// findBackedges visits blocks in a priority order that respects incoming
// and fallfrom sets; an edge to an already-visited, earlier block is a
// back-edge. A fallback iterator over the body avoids deadlock on
// unreachable predecessors.
func (fn *Function) findBackedges() {
	visited := make(map[*BasicBlock]bool)
	toVisit := &blockHeap{}

	var bodyBlocks []*BasicBlock
	for _, off := range fn.bodyOrder {
		if bb, ok := fn.Body[off].(*BasicBlock); ok {
			bodyBlocks = append(bodyBlocks, bb)
		}
	}
	for _, bb := range bodyBlocks {
		if bb.Fallfrom == nil && len(bb.Incoming) == 0 {
			*toVisit = append(*toVisit, bb)
		}
	}
	heap.Init(toVisit)

	bodyIdx := 0
	nextBlock := func() *BasicBlock {
		if toVisit.Len() > 0 {
			return heap.Pop(toVisit).(*BasicBlock)
		}
		for bodyIdx < len(bodyBlocks) {
			bb := bodyBlocks[bodyIdx]
			bodyIdx++
			if !visited[bb] {
				return bb
			}
		}
		return nil
	}

	subset := func(set map[*BasicBlock]bool) bool {
		for b := range set {
			if !visited[b] {
				return false
			}
		}
		return true
	}

	for bb := nextBlock(); bb != nil; bb = nextBlock() {
		if visited[bb] {
			continue
		}
		visited[bb] = true
		bb.branchID = len(visited)

		if bb.Fallthrough != nil && !visited[bb.Fallthrough] && subset(bb.Fallthrough.Incoming) {
			heap.Push(toVisit, bb.Fallthrough)
		}
		switch out := bb.Outgoing.(type) {
		case *BasicBlock:
			if visited[out] {
				if out.Start < bb.Start {
					if l := out.Label(); l != nil && !l.IsGenerated() {
						// a goto to a user label, not a loop.
						continue
					}
					fn.Backedges[out] = true
				}
			} else if (out.Fallfrom == nil || visited[out.Fallfrom]) && subset(out.Incoming) {
				heap.Push(toVisit, out)
			}
		case *SwitchPointers:
			for _, t := range out.Targets {
				if target := fn.BlockAt(int64(t) - int64(fn.Addr)); target != nil && !visited[target] {
					heap.Push(toVisit, target)
				}
			}
		}
	}
}

// blockIter walks the body elements in code order.
type blockIter struct {
	fn  *Function
	idx int
}

func newBlockIter(fn *Function) *blockIter { return &blockIter{fn: fn} }

func (it *blockIter) next() bodyElem {
	for it.idx < len(it.fn.bodyOrder) {
		e := it.fn.Body[it.fn.bodyOrder[it.idx]]
		it.idx++
		return e
	}
	return nil
}

// BlockSeq is the linearized block tree: basic blocks, switch regions and
// recovered loops in emission order.
type BlockSeq struct {
	Elems []interface{}
}

func (b *BlockSeq) append(e interface{}) { b.Elems = append(b.Elems, e) }

func (b *BlockSeq) remove(target interface{}) {
	for i, e := range b.Elems {
		if e == target {
			b.Elems = append(b.Elems[:i], b.Elems[i+1:]...)
			return
		}
	}
}

// findLoops folds back-edge regions into loop statements, recursing so the
// body of each loop is itself matched for inner loops.
func (fn *Function) findLoops(iter *blockIter) *BlockSeq {
	all := &BlockSeq{}
	for e := iter.next(); e != nil; e = iter.next() {
		all.append(e)
	}
	return fn.foldLoops(all)
}

// foldLoops recurses into a collected body sequence.
func (fn *Function) foldLoops(seq *BlockSeq) *BlockSeq {
	out := &BlockSeq{}
	i := 0
	for i < len(seq.Elems) {
		e := seq.Elems[i]
		i++
		bb, ok := e.(*BasicBlock)
		if !ok || !fn.Backedges[bb] {
			out.append(e)
			continue
		}
		var loopEnd *BasicBlock
		for src := range bb.Incoming {
			if src.branchID > bb.branchID && (loopEnd == nil || src.branchID > loopEnd.branchID) {
				loopEnd = src
			}
		}
		if loopEnd == nil {
			out.append(bb)
			continue
		}
		body := &BlockSeq{}
		for i < len(seq.Elems) && seq.Elems[i] != interface{}(loopEnd) {
			body.append(seq.Elems[i])
			i++
		}
		if i < len(seq.Elems) {
			i++
		}
		inner := fn.foldLoops(body)
		loop, err := fn.matchLoop(bb, loopEnd, inner, out)
		if err != nil {
			out.append(bb)
			out.Elems = append(out.Elems, inner.Elems...)
			out.append(loopEnd)
			continue
		}
		out.append(loop)
	}
	return out
}

// Loop is a recovered loop statement.
type Loop struct {
	Kind string // "while", "do", "for", ""
	Cond *Cond
	Init Statement
	Next Statement
	Head *BasicBlock
	Body *BlockSeq
}

// matchLoop categorizes one back-edge region.
func (fn *Function) matchLoop(head, loopEnd *BasicBlock, body *BlockSeq, parent *BlockSeq) (*Loop, error) {
	off := head.Start

	headOut, _ := head.Outgoing.(*BasicBlock)
	endIsCond := loopEnd.IsConditional()

	switch {
	case !endIsCond && head.IsConditional() && headOut != nil &&
		headOut == fn.linearAfter(loopEnd):
		// while: the head tests and exits past the unconditional back-jump.
		head.SetLabel(fmt.Sprintf("__WHILE_%02x", off))
		cond := head.OutCond
		if !cond.Known() {
			return nil, fmt.Errorf("failed to match condition")
		}
		fn.trimEnd(loopEnd, body)
		return &Loop{Kind: "while", Cond: cond.Invert(), Head: head, Body: body}, nil

	case endIsCond:
		// do-while: the tail tests and jumps back.
		head.SetLabel(fmt.Sprintf("__DO_%02x", off))
		loopEnd.SetLabel(fmt.Sprintf("__DO_WHILE_%02x", off))
		cond := loopEnd.OutCond
		if !cond.Known() {
			return nil, fmt.Errorf("failed to match condition")
		}
		body.Elems = append([]interface{}{head}, body.Elems...)
		return &Loop{Kind: "do", Cond: cond, Head: head, Body: body}, nil

	case head.Fallfrom == nil && fn.linearBefore(head) != nil &&
		sameBlock(fn.linearBefore(head).Outgoing, head.Fallthrough):
		// for: an initializer block jumps over the step block into the
		// condition.
		condBB := head.Fallthrough
		initBB := fn.linearBefore(head)
		if condBB == nil || !condBB.IsConditional() {
			return nil, fmt.Errorf("for loop without a condition block")
		}
		initBB.SetLabel(fmt.Sprintf("_FOR_%02x", off))
		condBB.SetLabel(fmt.Sprintf("_FOR_COND_%02x", off))
		head.SetLabel(fmt.Sprintf("_FOR_NEXT_%02x", off))

		cond := condBB.OutCond.Invert()
		if !cond.Known() {
			return nil, fmt.Errorf("failed to match condition")
		}
		var next Statement
		if len(head.Statements) == 1 {
			next = head.Statements[0]
		} else {
			return nil, fmt.Errorf("failed to match next step statement")
		}
		var init Statement
		if len(initBB.Statements) == 1 {
			init = initBB.Statements[0]
			parent.remove(initBB)
		}

		body.remove(condBB)
		fn.trimEnd(loopEnd, body)
		return &Loop{Kind: "for", Cond: cond, Init: init, Next: next, Head: head, Body: body}, nil

	default:
		head.SetLabel(fmt.Sprintf("_LOOP_%02x", off))
		body.Elems = append([]interface{}{head}, body.Elems...)
		fn.trimEnd(loopEnd, body)
		return &Loop{Kind: "", Head: head, Body: body}, nil
	}
}

// linearBefore returns the block linearly preceding bb in code order.
func (fn *Function) linearBefore(bb *BasicBlock) *BasicBlock {
	var prev *BasicBlock
	for _, off := range fn.bodyOrder {
		cur, ok := fn.Body[off].(*BasicBlock)
		if !ok {
			continue
		}
		if cur == bb {
			return prev
		}
		prev = cur
	}
	return nil
}

// linearAfter returns the block linearly following bb in code order.
func (fn *Function) linearAfter(bb *BasicBlock) *BasicBlock {
	found := false
	for _, off := range fn.bodyOrder {
		cur, ok := fn.Body[off].(*BasicBlock)
		if !ok {
			continue
		}
		if found {
			return cur
		}
		if cur == bb {
			found = true
		}
	}
	return nil
}

func sameBlock(out interface{}, bb *BasicBlock) bool {
	target, ok := out.(*BasicBlock)
	return ok && bb != nil && target == bb
}

// trimEnd appends the loop-end block, dropping its trailing back-jump when
// the remaining statements account for everything else.
func (fn *Function) trimEnd(loopEnd *BasicBlock, body *BlockSeq) {
	n := len(loopEnd.Insts)
	if n == 1 && loopEnd.Insts[0].Op == x86asm.JMP && len(loopEnd.Statements) == 0 {
		// only the back-jump: the block folds away once another block
		// reaches it.
		if len(loopEnd.Incoming) > 0 {
			loopEnd.Inlined = true
		}
	}
	body.append(loopEnd)
}

package ic10

import "fmt"

// RAState is the abstract machine state tracked by flow analysis: the
// return address register, either known (set by a jump-and-link) or
// unknown.
type RAState struct {
	Known bool
	Addr  int
}

// Merge combines two abstract states, keeping the least-known one:
// any disagreement collapses to unknown.
func (s RAState) Merge(o RAState) RAState {
	if s.Known && o.Known && s.Addr == o.Addr {
		return s
	}
	return RAState{}
}

// BlockEdge links a block to a predecessor or successor together with
// the abstract state flowing across the edge. Natural marks in-order
// fallthrough rather than a taken branch.
type BlockEdge struct {
	Block   *Block
	State   RAState
	Natural bool
}

// Block is a maximal run of instructions with a single entry at its
// head and an exit only at its tail. Blocks are never mutated after
// Build; optimiser passes construct new programs instead.
type Block struct {
	Index        int
	Start, End   int // instruction index range [Start, End)
	EnterStates  []BlockEdge
	FollowStates []BlockEdge
	ExitState    RAState
}

// Len returns the number of instructions in the block.
func (b *Block) Len() int { return b.End - b.Start }

// NaturalFollow returns the successor entered by fallthrough, if any.
func (b *Block) NaturalFollow() *Block {
	for _, f := range b.FollowStates {
		if f.Natural {
			return f.Block
		}
	}
	return nil
}

// HasNaturalEnter reports whether any predecessor falls through into
// the block.
func (b *Block) HasNaturalEnter() bool {
	for _, e := range b.EnterStates {
		if e.Natural {
			return true
		}
	}
	return false
}

// FlowAnalysis is the block graph of an IC10 program.
type FlowAnalysis struct {
	Program Program
	Blocks  []*Block

	blockOf map[int]*Block // instruction index → containing block
}

// BlockAt returns the block containing an instruction index.
func (fa *FlowAnalysis) BlockAt(index int) (*Block, bool) {
	b, ok := fa.blockOf[index]
	return b, ok
}

type flowEdge struct {
	from    int // -1 for program entry
	to      int
	state   RAState
	natural bool
}

type flowState struct {
	pc int
	ra RAState
}

type succ struct {
	target  int
	ra      RAState
	natural bool
}

// BuildFlowAnalysis abstractly interprets the program from instruction
// 0 with an unknown return address, records enter and follow state
// sets per instruction, and cuts the instruction stream into blocks.
func BuildFlowAnalysis(p Program) (*FlowAnalysis, error) {
	n := len(p.Instructions)
	enters := make(map[int][]flowEdge)
	follows := make(map[int][]flowEdge)
	reachable := make(map[int]bool)

	if n == 0 {
		return &FlowAnalysis{Program: p, blockOf: map[int]*Block{}}, nil
	}

	seen := make(map[flowState]bool)
	work := []flowState{{pc: 0}}
	enters[0] = append(enters[0], flowEdge{from: -1, to: 0})
	for len(work) > 0 {
		st := work[len(work)-1]
		work = work[:len(work)-1]
		if seen[st] {
			continue
		}
		seen[st] = true
		reachable[st.pc] = true

		succs, err := successors(p, st.pc, st.ra)
		if err != nil {
			return nil, err
		}
		for _, s := range succs {
			if s.target < 0 || s.target >= n {
				continue
			}
			e := flowEdge{from: st.pc, to: s.target, state: s.ra, natural: s.natural}
			follows[st.pc] = appendEdge(follows[st.pc], e)
			enters[s.target] = appendEdge(enters[s.target], e)
			work = append(work, flowState{pc: s.target, ra: s.ra})
		}
	}

	fa := &FlowAnalysis{Program: p, blockOf: make(map[int]*Block)}
	// Cut blocks: a reachable instruction starts a block when its enter
	// set is not a single natural fallthrough; an instruction ends its
	// block when its follow set is not the single next instruction.
	var cur *Block
	for pc := 0; pc < n; pc++ {
		if !reachable[pc] {
			cur = nil
			continue
		}
		if cur == nil || startsBlock(pc, enters[pc]) {
			cur = &Block{Index: len(fa.Blocks), Start: pc, End: pc + 1}
			fa.Blocks = append(fa.Blocks, cur)
		} else {
			cur.End = pc + 1
		}
		fa.blockOf[pc] = cur
		if !singleNaturalFollow(pc, follows[pc]) {
			cur = nil
		}
	}

	// Wire block-level edges, merging states per predecessor.
	for _, b := range fa.Blocks {
		for _, e := range enters[b.Start] {
			if e.from < 0 {
				continue
			}
			pred := fa.blockOf[e.from]
			b.EnterStates = mergeBlockEdge(b.EnterStates, BlockEdge{Block: pred, State: e.state, Natural: e.natural})
		}
		first := true
		for _, e := range follows[b.End-1] {
			target := fa.blockOf[e.to]
			b.FollowStates = mergeBlockEdge(b.FollowStates, BlockEdge{Block: target, State: e.state, Natural: e.natural})
			if first {
				b.ExitState = e.state
				first = false
			} else {
				b.ExitState = b.ExitState.Merge(e.state)
			}
		}
	}
	return fa, nil
}

func appendEdge(edges []flowEdge, e flowEdge) []flowEdge {
	for i, old := range edges {
		if old.from == e.from && old.to == e.to && old.natural == e.natural {
			edges[i].state = old.state.Merge(e.state)
			return edges
		}
	}
	return append(edges, e)
}

func mergeBlockEdge(edges []BlockEdge, e BlockEdge) []BlockEdge {
	for i, old := range edges {
		if old.Block == e.Block && old.Natural == e.Natural {
			edges[i].State = old.State.Merge(e.State)
			return edges
		}
	}
	return append(edges, e)
}

func startsBlock(pc int, enters []flowEdge) bool {
	if len(enters) != 1 {
		return true
	}
	e := enters[0]
	return e.from < 0 || !e.natural || e.from != pc-1
}

func singleNaturalFollow(pc int, follows []flowEdge) bool {
	return len(follows) == 1 && follows[0].natural && follows[0].to == pc+1
}

// successors enumerates the instructions control can reach from pc in
// abstract state ra.
func successors(p Program, pc int, ra RAState) ([]succ, error) {
	in := p.Instructions[pc]
	var out []succ
	fall := succ{target: pc + 1, ra: ra, natural: true}

	switch in.Op.Behaviour {
	case BehaviourRelativeJump:
		target, ok := in.JumpTarget()
		if !ok || !target.IsStatic() {
			return nil, fmt.Errorf("flow: %q at %d: relative jump needs a static offset", in, pc)
		}
		idx, found := p.InstructionAtLine(in.SourceLine + int(target.Value))
		if !found {
			return nil, fmt.Errorf("flow: %q at %d: offset escapes the program", in, pc)
		}
		out = append(out, succ{target: idx, ra: ra})
		if in.Op.Condition != CondNone {
			out = append(out, fall)
		}
	case BehaviourJump, BehaviourJumpAndLink:
		next := ra
		if in.Op.Behaviour == BehaviourJumpAndLink {
			next = RAState{Known: true, Addr: pc + 1}
		}
		target, _ := in.JumpTarget()
		targets, err := resolveTargets(p, pc, target, ra)
		if err != nil {
			return nil, err
		}
		for _, t := range targets {
			out = append(out, succ{target: t, ra: next})
		}
		if in.Op.Condition != CondNone {
			out = append(out, fall)
		}
	default:
		out = append(out, fall)
	}
	return out, nil
}

func resolveTargets(p Program, pc int, target Operand, ra RAState) ([]int, error) {
	switch {
	case target.Kind == KindName:
		idx, ok := p.LabelIndex(target.Name)
		if !ok {
			return nil, fmt.Errorf("flow: unresolvable label %q at %d", target.Name, pc)
		}
		return []int{idx}, nil
	case target.IsStatic():
		idx, ok := p.InstructionAtLine(int(target.Value))
		if !ok {
			return nil, fmt.Errorf("flow: jump to line %v at %d escapes the program", target.Value, pc)
		}
		return []int{idx}, nil
	case target.IsReturnAddress():
		if ra.Known {
			return []int{ra.Addr}, nil
		}
		// Worst case: any instruction following a jump-and-link.
		var out []int
		for i, in := range p.Instructions {
			if in.Op.Behaviour == BehaviourJumpAndLink && i+1 < len(p.Instructions) {
				out = append(out, i+1)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("flow: unresolvable jump target %q at %d", target, pc)
}

package ic10

import (
	"fmt"
	"sort"
)

// maxPeepholeRounds bounds the fixed-point loop against oscillating
// rewrites.
const maxPeepholeRounds = 64

// Optimise runs the full pass pipeline over a program and returns the
// optimised copy. Running the result through Optimise again yields an
// identical program.
func Optimise(p Program) (Program, error) {
	p, err := NormaliseJumps(p)
	if err != nil {
		return Blank, err
	}
	p, err = OptimiseControlFlow(p)
	if err != nil {
		return Blank, err
	}
	p, _ = optimiseRedundantJumps(p)
	p, _ = optimiseRedundantLabels(p)

	for round := 0; round < maxPeepholeRounds; round++ {
		changed := false
		var c bool
		p, c = optimiseRedundantStackUsage(p)
		changed = changed || c
		p, c = optimiseRedundantJumps(p)
		changed = changed || c
		p, c = optimiseTinyBlocks(p)
		changed = changed || c
		p, c = optimiseChainedLabels(p)
		changed = changed || c
		p, c = optimiseRedundantLabels(p)
		changed = changed || c
		if !changed {
			break
		}
	}
	return p, nil
}

// NormaliseJumps rewrites every relative jump into an absolute jump,
// inserting a label at the target when none exists. Relative jumps
// with a non-static offset cannot be normalised and are an error.
func NormaliseJumps(p Program) (Program, error) {
	out := Program{
		Instructions: append([]Instruction{}, p.Instructions...),
		Labels:       append([]Label{}, p.Labels...),
	}
	for i, in := range out.Instructions {
		if in.Op.Behaviour != BehaviourRelativeJump {
			continue
		}
		target, ok := in.JumpTarget()
		if !ok || !target.IsStatic() {
			return Blank, fmt.Errorf("optimise: %q: relative jump needs a static offset", in)
		}
		idx, found := out.InstructionAtLine(in.SourceLine + int(target.Value))
		if !found {
			return Blank, fmt.Errorf("optimise: %q: offset escapes the program", in)
		}
		var name string
		if names := out.LabelsAt(idx); len(names) > 0 {
			name = names[0]
		} else {
			name = fmt.Sprintf("rel_%d", idx)
			out.Labels = append(out.Labels, Label{Name: name, Index: idx})
		}
		abs, ok := ByBehaviour(BehaviourJump, in.Op.Condition)
		if !ok {
			return Blank, fmt.Errorf("optimise: no absolute form for %q", in.Op.Name)
		}
		rewritten := in.WithTarget(Name(name))
		rewritten.Op = abs
		out.Instructions[i] = rewritten
	}
	return out, nil
}

// OptimiseControlFlow lowers tail calls, lays blocks out greedily so
// fallthrough chains stay adjacent, and drops unreachable blocks.
func OptimiseControlFlow(p Program) (Program, error) {
	fa, err := BuildFlowAnalysis(p)
	if err != nil {
		return Blank, err
	}

	// Tail-call lowering: a jump-and-link whose continuation is never
	// reached has no path back; rewrite it as a plain jump.
	rewrote := false
	insts := append([]Instruction{}, p.Instructions...)
	for pc, in := range insts {
		if in.Op.Behaviour != BehaviourJumpAndLink {
			continue
		}
		if t, _ := in.JumpTarget(); t.IsReturnAddress() {
			continue
		}
		if _, reachable := fa.BlockAt(pc + 1); !reachable {
			plain, ok := ByBehaviour(BehaviourJump, in.Op.Condition)
			if !ok {
				continue
			}
			in.Op = plain
			insts[pc] = in
			rewrote = true
		}
	}
	if rewrote {
		p = Program{Instructions: insts, Labels: p.Labels}
		if fa, err = BuildFlowAnalysis(p); err != nil {
			return Blank, err
		}
	}
	if len(fa.Blocks) == 0 {
		return p, nil
	}

	// Greedy layout. Start from the entry block; keep appending natural
	// fallthrough chains; when a chain ends, pick any block nothing
	// falls into. Whatever remains is unreachable and is dropped.
	placed := make(map[*Block]bool)
	var order []*Block
	appendBlock := func(b *Block) {
		order = append(order, b)
		placed[b] = true
	}
	appendBlock(fa.Blocks[0])
	for {
		last := order[len(order)-1]
		if f := last.NaturalFollow(); f != nil && !placed[f] {
			appendBlock(f)
			continue
		}
		var next *Block
		for _, b := range fa.Blocks {
			if !placed[b] && !b.HasNaturalEnter() {
				next = b
				break
			}
		}
		if next == nil {
			break
		}
		appendBlock(next)
	}

	newIndex := make(map[int]int)
	out := Program{}
	for _, b := range order {
		for pc := b.Start; pc < b.End; pc++ {
			newIndex[pc] = len(out.Instructions)
			out.Instructions = append(out.Instructions, p.Instructions[pc])
		}
	}
	for _, l := range p.Labels {
		if l.Index >= len(p.Instructions) {
			out.Labels = append(out.Labels, Label{Name: l.Name, Index: len(out.Instructions)})
			continue
		}
		if idx, ok := newIndex[l.Index]; ok {
			out.Labels = append(out.Labels, Label{Name: l.Name, Index: idx})
		}
	}
	sort.SliceStable(out.Labels, func(i, j int) bool { return out.Labels[i].Index < out.Labels[j].Index })
	return out, nil
}

// optimiseRedundantJumps drops unconditional jumps whose target is the
// next instruction.
func optimiseRedundantJumps(p Program) (Program, bool) {
	removed := make(map[int]bool)
	for i, in := range p.Instructions {
		if in.Op.Behaviour != BehaviourJump || in.Op.Condition != CondNone {
			continue
		}
		t, _ := in.JumpTarget()
		if t.Kind != KindName {
			continue
		}
		if idx, ok := p.LabelIndex(t.Name); ok && idx == i+1 {
			removed[i] = true
		}
	}
	if len(removed) == 0 {
		return p, false
	}
	return removeInstructions(p, removed), true
}

// optimiseRedundantLabels drops labels not named by any operand.
func optimiseRedundantLabels(p Program) (Program, bool) {
	used := p.ReferencedNames()
	var kept []Label
	for _, l := range p.Labels {
		if used[l.Name] {
			kept = append(kept, l)
		}
	}
	if len(kept) == len(p.Labels) {
		return p, false
	}
	return Program{Instructions: p.Instructions, Labels: kept}, true
}

// optimiseRedundantStackUsage removes pop ra / push ra pairs that
// cancel out. Reports whether anything changed so the peephole loop
// can rerun to fixed point.
func optimiseRedundantStackUsage(p Program) (Program, bool) {
	removed := make(map[int]bool)
	for i := 0; i+1 < len(p.Instructions); i++ {
		if removed[i] || removed[i+1] {
			continue
		}
		a, b := p.Instructions[i], p.Instructions[i+1]
		if a.Op.Name == "pop" && b.Op.Name == "push" &&
			a.Operands[0].IsReturnAddress() && b.Operands[0].IsReturnAddress() &&
			!p.HasLabel(i) && !p.HasLabel(i+1) {
			removed[i] = true
			removed[i+1] = true
		}
	}
	if len(removed) == 0 {
		return p, false
	}
	return removeInstructions(p, removed), true
}

// optimiseTinyBlocks redirects jumps that land on a label whose only
// content is another unconditional jump, replacing the hop with the
// final jump. Label chains are followed to their end; cycles are left
// alone.
func optimiseTinyBlocks(p Program) (Program, bool) {
	changed := false
	insts := append([]Instruction{}, p.Instructions...)
	for i, in := range insts {
		if !isPlainJump(in) {
			continue
		}
		t, _ := in.JumpTarget()
		final, ok := threadTarget(p, t.Name)
		if ok && final != t.Name {
			insts[i] = in.WithTarget(Name(final))
			changed = true
		}
	}
	if !changed {
		return p, false
	}
	return Program{Instructions: insts, Labels: p.Labels}, true
}

func isPlainJump(in Instruction) bool {
	if in.Op.Behaviour != BehaviourJump || in.Op.Condition != CondNone {
		return false
	}
	t, ok := in.JumpTarget()
	return ok && t.Kind == KindName
}

// threadTarget follows a chain of labels that resolve to single
// unconditional jumps and returns the final label name.
func threadTarget(p Program, name string) (string, bool) {
	visited := map[string]bool{}
	for {
		if visited[name] {
			return name, false // cycle
		}
		visited[name] = true
		idx, ok := p.LabelIndex(name)
		if !ok || idx >= len(p.Instructions) {
			return name, true
		}
		in := p.Instructions[idx]
		if !isPlainJump(in) {
			return name, true
		}
		t, _ := in.JumpTarget()
		if t.Name == name {
			return name, true
		}
		name = t.Name
	}
}

// optimiseChainedLabels merges labels that name the same instruction,
// renaming the later declaration to the earlier one.
func optimiseChainedLabels(p Program) (Program, bool) {
	first := make(map[int]string)
	for _, l := range p.Labels {
		if prev, ok := first[l.Index]; ok {
			return p.RenameLabel(l.Name, prev), true
		} else {
			first[l.Index] = l.Name
		}
	}
	return p, false
}

// removeInstructions rebuilds a program without the marked indices,
// shifting label indices down past the removals.
func removeInstructions(p Program, removed map[int]bool) Program {
	newIndex := make([]int, len(p.Instructions)+1)
	n := 0
	for i := range p.Instructions {
		newIndex[i] = n
		if !removed[i] {
			n++
		}
	}
	newIndex[len(p.Instructions)] = n

	out := Program{}
	for i, in := range p.Instructions {
		if !removed[i] {
			out.Instructions = append(out.Instructions, in)
		}
	}
	for _, l := range p.Labels {
		out.Labels = append(out.Labels, Label{Name: l.Name, Index: newIndex[l.Index]})
	}
	return out
}

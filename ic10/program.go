package ic10

import (
	"fmt"
	"sort"
	"strings"
)

// Instruction is one assembled IC10 instruction. SourceLine is the
// physical line index the instruction occupied in the parsed text;
// relative jump offsets are resolved against it.
type Instruction struct {
	SourceLine int
	Op         *Opcode
	Operands   []Operand
}

func (in Instruction) String() string {
	parts := make([]string, 0, 1+len(in.Operands))
	parts = append(parts, in.Op.Name)
	for _, o := range in.Operands {
		parts = append(parts, o.String())
	}
	return strings.Join(parts, " ")
}

// JumpTarget returns the operand holding the instruction's control
// transfer target, if the opcode is a jump of any flavour.
func (in Instruction) JumpTarget() (Operand, bool) {
	if !in.Op.Behaviour.IsJump() || len(in.Operands) == 0 {
		return Operand{}, false
	}
	return in.Operands[len(in.Operands)-1], true
}

// WithTarget returns a copy of the instruction with the jump target
// operand replaced.
func (in Instruction) WithTarget(target Operand) Instruction {
	ops := append([]Operand{}, in.Operands...)
	ops[len(ops)-1] = target
	in.Operands = ops
	return in
}

// Label names an instruction index. Index may equal the instruction
// count, denoting a label on the line after the last instruction.
type Label struct {
	Name  string
	Index int
}

// Program is an immutable sequence of instructions plus its labels.
// All operations return new programs; Blank is the identity for
// concatenation.
type Program struct {
	Instructions []Instruction
	Labels       []Label
}

// Blank is the empty program.
var Blank = Program{}

// LabelIndex returns the instruction index a label names.
func (p Program) LabelIndex(name string) (int, bool) {
	for _, l := range p.Labels {
		if l.Name == name {
			return l.Index, true
		}
	}
	return 0, false
}

// LabelsAt returns the names of all labels at an instruction index,
// in declaration order.
func (p Program) LabelsAt(index int) []string {
	var names []string
	for _, l := range p.Labels {
		if l.Index == index {
			names = append(names, l.Name)
		}
	}
	return names
}

// HasLabel reports whether any label names the given index.
func (p Program) HasLabel(index int) bool {
	for _, l := range p.Labels {
		if l.Index == index {
			return true
		}
	}
	return false
}

// WithLabel returns a copy of the program with one more label.
func (p Program) WithLabel(name string, index int) Program {
	labels := append(append([]Label{}, p.Labels...), Label{Name: name, Index: index})
	return Program{Instructions: p.Instructions, Labels: labels}
}

// Append returns a copy of the program with instructions added at the
// end.
func (p Program) Append(insts ...Instruction) Program {
	out := Program{
		Instructions: append(append([]Instruction{}, p.Instructions...), insts...),
		Labels:       append([]Label{}, p.Labels...),
	}
	return out
}

// Concat joins two programs; the other program's labels shift by the
// receiver's instruction count.
func (p Program) Concat(other Program) Program {
	out := Program{
		Instructions: append(append([]Instruction{}, p.Instructions...), other.Instructions...),
		Labels:       append([]Label{}, p.Labels...),
	}
	for _, l := range other.Labels {
		out.Labels = append(out.Labels, Label{Name: l.Name, Index: l.Index + len(p.Instructions)})
	}
	return out
}

// Slice returns the sub-program covering instruction indices
// [from, to), keeping the labels that fall inside the range.
func (p Program) Slice(from, to int) Program {
	out := Program{Instructions: append([]Instruction{}, p.Instructions[from:to]...)}
	for _, l := range p.Labels {
		if l.Index >= from && l.Index <= to {
			out.Labels = append(out.Labels, Label{Name: l.Name, Index: l.Index - from})
		}
	}
	return out
}

// ReferencedNames returns the set of names used in any operand
// position across the program.
func (p Program) ReferencedNames() map[string]bool {
	used := make(map[string]bool)
	for _, in := range p.Instructions {
		for _, o := range in.Operands {
			if o.Kind == KindName {
				used[o.Name] = true
			}
		}
	}
	return used
}

// RenameLabel rewrites every occurrence of a label name, in both the
// label table and operand positions.
func (p Program) RenameLabel(from, to string) Program {
	out := Program{
		Instructions: make([]Instruction, len(p.Instructions)),
		Labels:       make([]Label, len(p.Labels)),
	}
	for i, in := range p.Instructions {
		ops := append([]Operand{}, in.Operands...)
		for j, o := range ops {
			if o.Kind == KindName && o.Name == from {
				ops[j] = Name(to)
			}
		}
		in.Operands = ops
		out.Instructions[i] = in
	}
	for i, l := range p.Labels {
		if l.Name == from {
			l.Name = to
		}
		out.Labels[i] = l
	}
	return out
}

// InstructionAtLine finds the instruction occupying (or, when the line
// holds a label, immediately following) a physical source line.
func (p Program) InstructionAtLine(line int) (int, bool) {
	best, found := -1, false
	for i, in := range p.Instructions {
		if in.SourceLine == line {
			return i, true
		}
		if in.SourceLine > line && (!found || in.SourceLine < p.Instructions[best].SourceLine) {
			best, found = i, true
		}
	}
	return best, found
}

// String renders the program as IC10 text with labels interleaved.
func (p Program) String() string {
	labels := append([]Label{}, p.Labels...)
	sort.SliceStable(labels, func(i, j int) bool { return labels[i].Index < labels[j].Index })

	var sb strings.Builder
	li := 0
	for i, in := range p.Instructions {
		for li < len(labels) && labels[li].Index <= i {
			sb.WriteString(labels[li].Name)
			sb.WriteString(":\n")
			li++
		}
		sb.WriteString(in.String())
		sb.WriteByte('\n')
	}
	for li < len(labels) {
		sb.WriteString(labels[li].Name)
		sb.WriteString(":\n")
		li++
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

// ParseProgram decodes IC10 text into a program. Unknown mnemonics and
// arity mismatches are errors; comment lines and blank lines are
// skipped but still occupy source lines.
func ParseProgram(text string) (Program, error) {
	var p Program
	for lineNo, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" {
			continue
		}
		if strings.HasSuffix(line, ":") {
			name := strings.TrimSuffix(line, ":")
			if name == "" || strings.ContainsAny(name, " \t") {
				return Blank, fmt.Errorf("line %d: malformed label %q", lineNo, raw)
			}
			if _, ok := p.LabelIndex(name); ok {
				return Blank, fmt.Errorf("line %d: duplicate label %q", lineNo, name)
			}
			p.Labels = append(p.Labels, Label{Name: name, Index: len(p.Instructions)})
			continue
		}
		fields := strings.Fields(line)
		op, ok := Find(fields[0])
		if !ok {
			return Blank, fmt.Errorf("line %d: unknown opcode %q", lineNo, fields[0])
		}
		if len(fields)-1 != op.Arity() {
			return Blank, fmt.Errorf("line %d: %s expects %d operands, got %d", lineNo, op.Name, op.Arity(), len(fields)-1)
		}
		in := Instruction{SourceLine: lineNo, Op: op}
		for i, f := range fields[1:] {
			o := ParseOperand(f)
			if !o.Matches(op.Args[i]) {
				return Blank, fmt.Errorf("line %d: operand %d of %s: %q does not fit", lineNo, i, op.Name, f)
			}
			in.Operands = append(in.Operands, o)
		}
		p.Instructions = append(p.Instructions, in)
	}
	return p, nil
}

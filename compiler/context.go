package compiler

import (
	"fmt"
	"strings"

	"github.com/thomasfn/CsToMips/ic10"
	"github.com/thomasfn/CsToMips/sbil"
)

// Options controls code generation for one compile.
type Options struct {
	// Optimise runs the IC10 optimiser over the assembled output.
	Optimise bool
	// Comments attaches each SBIL instruction's string form as a
	// comment on its fragment.
	Comments bool
}

// execState is the per-instruction snapshot of the symbolic machine.
type execState struct {
	valid      bool
	stack      VirtualStack
	regs       RegisterAllocations
	localRegs  []int
	localKnown []StackValue
}

type jumpRecord struct {
	from, to int
}

// noRegister marks an unbacked local variable mapping.
const noRegister = -1

// ExecutionContext symbolically executes the SBIL of one method and
// emits one IC10 fragment per instruction. A context is single-use:
// construct, Compile, read the results.
type ExecutionContext struct {
	opts   Options
	comp   *Compiler
	method *sbil.Method
	inline bool

	labelPrefix string
	writer      *OutputWriter

	insts   []sbil.Instruction
	offsets map[int]int  // byte offset → instruction index
	targets map[int]bool // instruction indices that are jump targets

	registers  RegisterAllocations // live set
	reserved   RegisterAllocations
	persistent RegisterAllocations // reserved + params + locals; never temp-freed
	allUsed    RegisterAllocations // every register this context ever allocated
	refCount   [ic10.NumRegisters]int

	paramValues []StackValue
	localRegs   []int
	localKnown  []StackValue
	stack       VirtualStack

	// callerStack is the caller's stack after the inline constructor
	// popped the parameter values.
	callerStack VirtualStack

	returnSink int // register receiving an inline return value, or noRegister

	pre, post []execState
	jumps     []jumpRecord

	deps map[*sbil.Method]bool

	// inlining is the chain of methods currently being expanded at this
	// call site; a recursive callee must take the call-stack path.
	inlining map[*sbil.Method]bool

	cur    []string // lines of the fragment being built
	curIdx int
}

// newExecutionContext initialises the symbolic state for one method.
// For inline compiles the parameter values are popped off callerStack;
// otherwise one register is allocated per parameter. Locals of
// primitive or enum type get a backing register; reference-typed
// locals are value-tracked only; wider types are rejected.
func newExecutionContext(comp *Compiler, method *sbil.Method, opts Options,
	reserved, initialRegs RegisterAllocations, inline bool,
	callerStack VirtualStack, returnSink int, labelPrefix string) (*ExecutionContext, error) {

	if len(method.Body) == 0 {
		return nil, &DecoderError{Method: method.String(), Err: fmt.Errorf("method has no body")}
	}
	insts, err := sbil.DecodeBody(method.Body, comp.module)
	if err != nil {
		return nil, &DecoderError{Method: method.String(), Err: err}
	}

	ctx := &ExecutionContext{
		opts:        opts,
		comp:        comp,
		method:      method,
		inline:      inline,
		labelPrefix: labelPrefix,
		insts:       insts,
		offsets:     make(map[int]int),
		targets:     make(map[int]bool),
		registers:   initialRegs,
		reserved:    reserved,
		// Registers live on entry belong to the caller; an inline body
		// must never free or reuse them.
		persistent: reserved.Union(initialRegs),
		returnSink: returnSink,
		deps:       make(map[*sbil.Method]bool),
		inlining:   map[*sbil.Method]bool{method: true},
	}
	for i, in := range insts {
		ctx.offsets[in.Offset] = i
	}
	for _, in := range insts {
		if kind, _ := in.Op.Payload(); kind == sbil.PayloadBranch8 || kind == sbil.PayloadBranch32 {
			if idx, ok := ctx.offsets[in.Target]; ok {
				ctx.targets[idx] = true
			}
		}
		for _, t := range in.Switch {
			if idx, ok := ctx.offsets[t]; ok {
				ctx.targets[idx] = true
			}
		}
	}

	nparams := len(method.Params)
	if !method.Static {
		nparams++
	}
	if inline {
		vals, rest, err := callerStack.PopN(nparams)
		if err != nil {
			return nil, err
		}
		// PopN yields top-first; parameter 0 is deepest.
		ctx.paramValues = make([]StackValue, nparams)
		for i, v := range vals {
			ctx.paramValues[nparams-1-i] = v
		}
		ctx.callerStack = rest
	} else {
		ctx.paramValues = make([]StackValue, nparams)
		slot := 0
		if !method.Static {
			ctx.paramValues[0] = ThisValue{}
			slot = 1
		}
		for range method.Params {
			reg, err := ctx.allocPersistent()
			if err != nil {
				return nil, err
			}
			ctx.paramValues[slot] = RegisterValue{Index: reg}
			slot++
		}
	}

	ctx.localRegs = make([]int, len(method.Locals))
	ctx.localKnown = make([]StackValue, len(method.Locals))
	for i, local := range method.Locals {
		switch w := local.Type.Width(); w {
		case 1:
			reg, err := ctx.allocPersistent()
			if err != nil {
				return nil, err
			}
			ctx.localRegs[i] = reg
		case 0:
			ctx.localRegs[i] = noRegister
		default:
			return nil, &UnsupportedConstructError{
				Reason: fmt.Sprintf("local %s of %s has width %d", local.Name, method, w),
			}
		}
	}

	ctx.pre = make([]execState, len(insts))
	ctx.post = make([]execState, len(insts))
	return ctx, nil
}

// Compile produces code for every SBIL instruction, then validates
// branch consistency across every emitted jump.
func (ctx *ExecutionContext) Compile(w *OutputWriter) error {
	ctx.writer = w
	if ctx.inline {
		w.SetPostamble(ctx.labelPrefix + "_end:")
	} else {
		var lines []string
		// The caller pushed parameters left to right; pop them back in
		// reverse.
		first := 0
		if !ctx.method.Static {
			first = 1
		}
		for i := len(ctx.paramValues) - 1; i >= first; i-- {
			reg := ctx.paramValues[i].(RegisterValue)
			lines = append(lines, "pop "+ic10.Register(reg.Index).String())
		}
		w.SetPreamble(lines...)
	}

	for i, in := range ctx.insts {
		if ctx.targets[i] {
			// Jump targets assume nothing about tracked local values.
			for j := range ctx.localKnown {
				ctx.localKnown[j] = nil
			}
		}
		ctx.pre[i] = ctx.snapshot()
		ctx.cur = nil
		ctx.curIdx = i
		if ctx.opts.Comments {
			w.SetComment(i, in.String())
		}
		if err := ctx.exec(in, i); err != nil {
			return err
		}
		if len(ctx.cur) > 0 {
			w.SetCode(i, strings.Join(ctx.cur, "\n"))
		}
		ctx.post[i] = ctx.snapshot()
	}
	return ctx.verifyBranches()
}

// MethodDependencies returns the callees discovered at call-stack call
// sites, for the driver to compile transitively.
func (ctx *ExecutionContext) MethodDependencies() []*sbil.Method {
	var out []*sbil.Method
	for m := range ctx.deps {
		out = append(out, m)
	}
	return out
}

// AllUsedRegisters returns every register the context allocated over
// its lifetime.
func (ctx *ExecutionContext) AllUsedRegisters() RegisterAllocations { return ctx.allUsed }

func (ctx *ExecutionContext) snapshot() execState {
	return execState{
		valid:      true,
		stack:      ctx.stack,
		regs:       ctx.registers,
		localRegs:  append([]int{}, ctx.localRegs...),
		localKnown: append([]StackValue{}, ctx.localKnown...),
	}
}

// verifyBranches checks that for every emitted jump the poster-state of
// the jumping fragment matches the pre-state at the target: same
// virtual stack, same register allocations, and no tracked local value
// assumed at the target that the source does not provide.
func (ctx *ExecutionContext) verifyBranches() error {
	for _, j := range ctx.jumps {
		src, dst := ctx.post[j.from], ctx.pre[j.to]
		if !src.valid || !dst.valid {
			return &InternalInvariantError{Detail: fmt.Sprintf("missing state for jump %d→%d", j.from, j.to)}
		}
		if !src.stack.Equal(dst.stack) {
			return &BranchInconsistentError{
				Method: ctx.method.String(), From: j.from, To: j.to,
				Detail: fmt.Sprintf("virtual stack %v vs %v", src.stack, dst.stack),
			}
		}
		if src.regs != dst.regs {
			return &BranchInconsistentError{
				Method: ctx.method.String(), From: j.from, To: j.to,
				Detail: fmt.Sprintf("registers %v vs %v", src.regs, dst.regs),
			}
		}
		for i, want := range dst.localKnown {
			if want == nil {
				continue // no assumption at target
			}
			if i >= len(src.localKnown) || !equalValues(src.localKnown[i], want) {
				return &BranchInconsistentError{
					Method: ctx.method.String(), From: j.from, To: j.to,
					Detail: fmt.Sprintf("local %d tracked as %v at target", i, want),
				}
			}
		}
	}
	return nil
}

// emitf appends a line to the current fragment.
func (ctx *ExecutionContext) emitf(format string, args ...any) {
	ctx.cur = append(ctx.cur, fmt.Sprintf(format, args...))
}

func (ctx *ExecutionContext) emitLines(text string) {
	for _, line := range strings.Split(text, "\n") {
		ctx.cur = append(ctx.cur, line)
	}
}

// allocTemp allocates the lowest free register as a temporary with a
// single reference.
func (ctx *ExecutionContext) allocTemp() (int, error) {
	next, reg, err := ctx.registers.Allocate()
	if err != nil {
		return 0, &RegisterExhaustedError{Instruction: ctx.currentInstruction()}
	}
	ctx.registers = next
	ctx.allUsed = ctx.allUsed.AllocateIndex(reg)
	ctx.refCount[reg] = 1
	return reg, nil
}

// allocPersistent allocates a register that survives for the whole
// method (parameter or local backing).
func (ctx *ExecutionContext) allocPersistent() (int, error) {
	next, reg, err := ctx.registers.Allocate()
	if err != nil {
		return 0, &RegisterExhaustedError{}
	}
	ctx.registers = next
	ctx.persistent = ctx.persistent.AllocateIndex(reg)
	ctx.allUsed = ctx.allUsed.AllocateIndex(reg)
	return reg, nil
}

func (ctx *ExecutionContext) isTemp(reg int) bool {
	return reg >= 0 && reg < ic10.NumRegisters && !ctx.persistent.IsAllocated(reg)
}

// retain adds a reference to a temporary register value, so aliased
// copies (dup) release it exactly once.
func (ctx *ExecutionContext) retain(v StackValue) {
	if r, ok := v.(RegisterValue); ok && ctx.isTemp(r.Index) {
		ctx.refCount[r.Index]++
	}
}

// release drops a reference to a value's backing register, freeing it
// when the count hits zero. Dropped deferred expressions release their
// free list without emitting.
func (ctx *ExecutionContext) release(v StackValue) {
	switch v := v.(type) {
	case RegisterValue:
		if ctx.isTemp(v.Index) {
			ctx.refCount[v.Index]--
			if ctx.refCount[v.Index] <= 0 {
				ctx.refCount[v.Index] = 0
				ctx.registers = ctx.registers.Free(v.Index)
			}
		}
	case DeferredValue:
		for _, f := range v.Free {
			ctx.release(f)
		}
	case DeviceSlotValue:
		ctx.release(v.Slot)
	}
}

// resolve lowers a deferred expression into a freshly allocated
// register, releasing its free list first so the sink can reuse a
// just-freed register. Other values pass through unchanged.
func (ctx *ExecutionContext) resolve(v StackValue) (StackValue, error) {
	d, ok := v.(DeferredValue)
	if !ok {
		return v, nil
	}
	for _, f := range d.Free {
		ctx.release(f)
	}
	sink, err := ctx.allocTemp()
	if err != nil {
		return nil, err
	}
	ctx.emitLines(d.Bind(ic10.Register(sink).String()))
	return RegisterValue{Index: sink}, nil
}

// resolveInto materialises a deferred expression into a specific sink
// operand, such as a local's register or a field alias.
func (ctx *ExecutionContext) resolveInto(d DeferredValue, sink string) {
	for _, f := range d.Free {
		ctx.release(f)
	}
	ctx.emitLines(d.Bind(sink))
}

// render resolves a value and returns its IC10 operand text.
func (ctx *ExecutionContext) render(v StackValue) (StackValue, string, error) {
	resolved, err := ctx.resolve(v)
	if err != nil {
		return nil, "", err
	}
	text, ok := resolved.Render()
	if !ok {
		return nil, "", &UnsupportedConstructError{
			Instruction: ctx.currentInstruction(),
			Reason:      fmt.Sprintf("%v cannot be rendered as an operand", resolved),
		}
	}
	return resolved, text, nil
}

func (ctx *ExecutionContext) currentInstruction() string {
	if ctx.curIdx >= 0 && ctx.curIdx < len(ctx.insts) {
		return ctx.insts[ctx.curIdx].String()
	}
	return ""
}

// push puts a value on the virtual stack.
func (ctx *ExecutionContext) push(v StackValue) {
	ctx.stack = ctx.stack.Push(v)
}

func (ctx *ExecutionContext) pop() (StackValue, error) {
	v, rest, err := ctx.stack.Pop()
	if err != nil {
		return nil, err
	}
	ctx.stack = rest
	return v, nil
}

func (ctx *ExecutionContext) popN(n int) ([]StackValue, error) {
	vals, rest, err := ctx.stack.PopN(n)
	if err != nil {
		return nil, err
	}
	ctx.stack = rest
	return vals, nil
}

// branchTargetIndex maps an SBIL byte offset to its instruction index.
func (ctx *ExecutionContext) branchTargetIndex(offset int) (int, error) {
	idx, ok := ctx.offsets[offset]
	if !ok {
		return 0, &InternalInvariantError{
			Detail: fmt.Sprintf("%s: branch to offset 0x%04X lands between instructions", ctx.method, offset),
		}
	}
	return idx, nil
}

// branchLabel requires and names the label for a target instruction,
// recording the jump for the post-pass consistency check.
func (ctx *ExecutionContext) branchLabel(targetIdx int) string {
	ctx.writer.RequireLabel(targetIdx)
	ctx.jumps = append(ctx.jumps, jumpRecord{from: ctx.curIdx, to: targetIdx})
	return ctx.writer.LabelName(targetIdx)
}

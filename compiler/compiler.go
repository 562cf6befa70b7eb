package compiler

import (
	"fmt"
	"strings"

	"github.com/thomasfn/CsToMips/ic10"
	"github.com/thomasfn/CsToMips/sbil"
)

// CompileResult is the output for one program class.
type CompileResult struct {
	ClassName          string
	Text               string
	InstructionsBefore int
	InstructionsAfter  int
}

// Compiler drives the compilation of one program class: it reserves
// registers for fields, compiles the entry method and every method it
// transitively depends on, and assembles the final IC10 text.
type Compiler struct {
	opts   Options
	module *sbil.Module
	class  *sbil.Class
	entry  *sbil.Method

	reserved  RegisterAllocations
	fieldRegs map[*sbil.Field]int
	aliases   []string

	contexts  map[*sbil.Method]*methodCompile
	inlineSeq int
}

type methodCompile struct {
	ctx        *ExecutionContext
	writer     *OutputWriter
	inProgress bool
}

// CompileClass compiles one program class to IC10 text.
func CompileClass(module *sbil.Module, class *sbil.Class, opts Options) (*CompileResult, error) {
	entry, ok := class.Method(sbil.EntryName)
	if !ok || entry.Static {
		return nil, &UnsupportedConstructError{
			Reason: fmt.Sprintf("class %s has no instance %s method", class.Name, sbil.EntryName),
		}
	}

	c := &Compiler{
		opts:      opts,
		module:    module,
		class:     class,
		entry:     entry,
		fieldRegs: make(map[*sbil.Field]int),
		contexts:  make(map[*sbil.Method]*methodCompile),
	}
	if err := c.layoutFields(); err != nil {
		return nil, err
	}

	var parts []string
	parts = append(parts, c.aliases...)

	deps := make(map[*sbil.Method]bool)

	// The constructor runs once at program start, pasted inline ahead
	// of the main loop.
	if ctor, ok := class.Method(sbil.CtorName); ok && len(ctor.Body) > 0 {
		ctorCtx, err := newExecutionContext(c, ctor, opts, c.reserved, c.reserved, true,
			VirtualStack{}.Push(ThisValue{}), noRegister, "ctor")
		if err != nil {
			return nil, err
		}
		w := NewOutputWriter(len(ctorCtx.insts), "ctor")
		if err := ctorCtx.Compile(w); err != nil {
			return nil, err
		}
		parts = append(parts, "ctor:", w.Assemble())
		for _, m := range ctorCtx.MethodDependencies() {
			deps[m] = true
		}
	}

	parts = append(parts, "jal main", "j end")

	mainCompile, err := c.contextFor(entry)
	if err != nil {
		return nil, err
	}
	parts = append(parts, "main:", mainCompile.writer.Assemble())
	for _, m := range mainCompile.ctx.MethodDependencies() {
		deps[m] = true
	}

	// Transitively compile everything reached through call-stack call
	// sites. Contexts are memoised, so cyclic dependencies terminate.
	emitted := map[*sbil.Method]bool{entry: true}
	queue := make([]*sbil.Method, 0, len(deps))
	for m := range deps {
		queue = append(queue, m)
	}
	for len(queue) > 0 {
		m := queue[0]
		queue = queue[1:]
		if emitted[m] {
			continue
		}
		emitted[m] = true
		mc, err := c.contextFor(m)
		if err != nil {
			return nil, err
		}
		if mc == nil {
			return nil, &InternalInvariantError{Detail: "dependency " + m.String() + " still compiling"}
		}
		parts = append(parts, c.labelFor(m)+":", mc.writer.Assemble())
		queue = append(queue, mc.ctx.MethodDependencies()...)
	}

	parts = append(parts, "end:")
	text := strings.Join(parts, "\n")

	// The emitted text must parse as an IC10 program; the parsed form
	// is also what the optimiser consumes.
	program, err := ic10.ParseProgram(text)
	if err != nil {
		return nil, &InternalInvariantError{Detail: "emitted text does not parse: " + err.Error()}
	}
	result := &CompileResult{
		ClassName:          class.Name,
		Text:               text,
		InstructionsBefore: len(program.Instructions),
		InstructionsAfter:  len(program.Instructions),
	}
	if opts.Optimise {
		optimised, err := ic10.Optimise(program)
		if err != nil {
			return nil, err
		}
		result.Text = optimised.String()
		result.InstructionsAfter = len(optimised.Instructions)
	}
	return result, nil
}

// CompileModule compiles every program class in a module. Classes fail
// independently; the error map carries per-class diagnostics.
func CompileModule(module *sbil.Module, opts Options) ([]*CompileResult, map[string]error) {
	var results []*CompileResult
	failures := make(map[string]error)
	for _, class := range module.ProgramClasses() {
		res, err := CompileClass(module, class, opts)
		if err != nil {
			failures[class.Name] = err
			continue
		}
		results = append(results, res)
	}
	return results, failures
}

// layoutFields reserves the global register and pin bindings: device
// fields alias their pin, plain fields get a persistent register,
// multicast fields bind to the bus and need neither.
func (c *Compiler) layoutFields() error {
	for _, f := range c.class.Fields {
		if f.Multicast {
			continue
		}
		if f.Device != nil {
			if f.Device.Index < 0 || f.Device.Index >= ic10.NumDevices {
				return &UnsupportedConstructError{
					Reason: fmt.Sprintf("field %s pins device %d; only d0..d%d exist", f, f.Device.Index, ic10.NumDevices-1),
				}
			}
			c.aliases = append(c.aliases, fmt.Sprintf("alias %s d%d", f.Device.Pin, f.Device.Index))
			continue
		}
		if f.Type != nil && f.Type.Width() == 1 {
			next, reg, err := c.reserved.Allocate()
			if err != nil {
				return &RegisterExhaustedError{}
			}
			c.reserved = next
			c.fieldRegs[f] = reg
			c.aliases = append(c.aliases, fmt.Sprintf("alias %s r%d", f.Name, reg))
		}
	}
	return nil
}

// fieldValue lowers a field access to its symbolic value.
func (c *Compiler) fieldValue(f *sbil.Field) StackValue {
	if f.Multicast {
		return DeviceValue{Type: f.Type, Multicast: true}
	}
	if f.Device != nil {
		return DeviceValue{Pin: f.Device.Pin, Type: f.Type}
	}
	return FieldValue{Alias: f.Name, Field: f}
}

// labelFor names a method's function label in the final program.
func (c *Compiler) labelFor(m *sbil.Method) string {
	if m == c.entry {
		return "main"
	}
	return m.Name
}

// contextFor compiles a method standalone, memoised. It returns nil
// without error while the method is already on the compile stack
// (cyclic dependency); callers treat that as "unknown register use".
func (c *Compiler) contextFor(m *sbil.Method) (*methodCompile, error) {
	if mc, ok := c.contexts[m]; ok {
		if mc.inProgress {
			return nil, nil
		}
		return mc, nil
	}
	mc := &methodCompile{inProgress: true}
	c.contexts[m] = mc

	prefix := c.labelFor(m)
	ctx, err := newExecutionContext(c, m, c.opts, c.reserved, c.reserved, false,
		VirtualStack{}, noRegister, prefix)
	if err != nil {
		delete(c.contexts, m)
		return nil, err
	}
	w := NewOutputWriter(len(ctx.insts), prefix)
	if err := ctx.Compile(w); err != nil {
		delete(c.contexts, m)
		return nil, err
	}
	mc.ctx = ctx
	mc.writer = w
	mc.inProgress = false
	return mc, nil
}

// nextInline returns a fresh inline-expansion sequence number, keeping
// pasted label prefixes unique across the whole class.
func (c *Compiler) nextInline() int {
	c.inlineSeq++
	return c.inlineSeq
}

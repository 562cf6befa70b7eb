package compiler

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/thomasfn/CsToMips/ic10"
	"github.com/thomasfn/CsToMips/sbil"
)

// Multicast aggregation mode indices, matching the surface enum.
const (
	AggregateAverage = 0
	AggregateSum     = 1
	AggregateMinimum = 2
	AggregateMaximum = 3
)

// mathPatterns lowers the well-known math intrinsics. #N is the N-th
// actual parameter, $ the result sink, %N a scratch register.
var mathPatterns = map[string]string{
	"Abs":      "abs $ #0",
	"Sqrt":     "sqrt $ #0",
	"Floor":    "floor $ #0",
	"Ceiling":  "ceil $ #0",
	"Round":    "round $ #0",
	"Truncate": "trunc $ #0",
	"Exp":      "exp $ #0",
	"Log":      "log $ #0",
	"Sin":      "sin $ #0",
	"Cos":      "cos $ #0",
	"Tan":      "tan $ #0",
	"Asin":     "asin $ #0",
	"Acos":     "acos $ #0",
	"Atan":     "atan $ #0",
	"Atan2":    "atan2 $ #0 #1",
	"Max":      "max $ #1 #0",
	"Min":      "min $ #1 #0",
	"Clamp":    "max %1 #1 #0\nmin $ #2 %1",
}

// chipPatterns lowers the timing and control helpers.
var chipPatterns = map[string]string{
	"Yield": "yield",
	"Sleep": "sleep #0",
	"Hcf":   "hcf",
}

// intrinsicPattern matches a static call against the well-known
// intrinsic tables.
func intrinsicPattern(m *sbil.Method) (string, bool) {
	if !m.Static || m.Declaring == nil {
		return "", false
	}
	switch m.Declaring.Name {
	case "Math", "MathF":
		pat, ok := mathPatterns[m.Name]
		return pat, ok
	case "IC10", "Chip":
		pat, ok := chipPatterns[m.Name]
		return pat, ok
	}
	return "", false
}

// execCall lowers a call site, testing the recognised shapes in order:
// math intrinsics, user compile hints, device property access and
// multicast aggregation reads (both in execDeviceCall), the hash
// helpers, and finally real call sites on this or static receivers.
func (ctx *ExecutionContext) execCall(in sbil.Instruction) error {
	m := in.Method
	if m == nil {
		return &InternalInvariantError{Detail: "call with unresolved method"}
	}

	if pattern, ok := intrinsicPattern(m); ok {
		return ctx.applyPattern(m, pattern)
	}
	if m.Hint != nil && m.Hint.Kind == sbil.HintInline {
		return ctx.applyPattern(m, m.Hint.Pattern)
	}
	if handled, err := ctx.execDeviceCall(in, m); handled || err != nil {
		return err
	}
	if handled, err := ctx.execHashCall(m); handled || err != nil {
		return err
	}
	return ctx.execCallSite(in, m)
}

// execHashCall lowers GetTypeHash<T>() and Hash(string) to hash
// constants.
func (ctx *ExecutionContext) execHashCall(m *sbil.Method) (bool, error) {
	if !m.Static {
		return false, nil
	}
	switch m.Name {
	case "GetTypeHash":
		if m.GenericArg == nil {
			return true, &UnsupportedConstructError{
				Instruction: ctx.currentInstruction(),
				Reason:      "GetTypeHash without a type argument",
			}
		}
		name := m.GenericArg.Name
		if m.GenericArg.Device != nil {
			name = m.GenericArg.Device.TypeName
		}
		ctx.push(HashStringValue{Text: name})
		return true, nil
	case "Hash":
		v, err := ctx.pop()
		if err != nil {
			return true, err
		}
		s, ok := v.(StringValue)
		if !ok {
			return true, &UnsupportedConstructError{
				Instruction: ctx.currentInstruction(),
				Reason:      fmt.Sprintf("Hash of non-constant %v", v),
			}
		}
		ctx.push(HashStringValue{Text: s.Text})
		return true, nil
	}
	return false, nil
}

// execDeviceCall lowers property accessors and aggregation reads whose
// receiver is a device, a slot table or a single slot. Returns false
// when the call does not have a device shape.
func (ctx *ExecutionContext) execDeviceCall(in sbil.Instruction, m *sbil.Method) (bool, error) {
	if m.Static {
		return false, nil
	}
	nargs := len(m.Params)
	recv, err := ctx.stack.At(nargs)
	if err != nil {
		return false, err
	}

	switch recv := recv.(type) {
	case DeviceValue:
		return ctx.execDeviceReceiver(in, m, recv, nargs)
	case DeviceSlotsValue:
		return ctx.execSlotsReceiver(in, m, recv, nargs)
	case DeviceSlotValue:
		return ctx.execSlotReceiver(in, m, recv, nargs)
	}
	return false, nil
}

func (ctx *ExecutionContext) execDeviceReceiver(in sbil.Instruction, m *sbil.Method, recv DeviceValue, nargs int) (bool, error) {
	kind, property, isAccessor := m.Accessor()

	switch {
	case isAccessor && kind == "set":
		vals, err := ctx.popN(nargs + 1)
		if err != nil {
			return true, err
		}
		value := vals[0]
		value, text, err := ctx.render(value)
		if err != nil {
			return true, err
		}
		if recv.Multicast {
			iface := recv.Interface()
			if iface == nil || iface.TypeName == "" {
				return true, &UnsupportedConstructError{
					Instruction: in.String(),
					Reason:      "multicast write needs a device interface type name",
				}
			}
			ctx.emitf("sb HASH(%q) %s %s", iface.TypeName, property, text)
		} else {
			if recv.Pin == "" {
				return true, &UnsupportedConstructError{
					Instruction: in.String(),
					Reason:      "device write needs a pin-bound device",
				}
			}
			ctx.emitf("s %s %s %s", recv.Pin, property, text)
		}
		ctx.release(value)
		return true, nil

	case isAccessor && kind == "get" && property == "Slots":
		if _, err := ctx.popN(1); err != nil {
			return true, err
		}
		ctx.push(DeviceSlotsValue{Pin: recv.Pin, Type: recv.Type})
		return true, nil

	case isAccessor && kind == "get":
		if _, err := ctx.popN(1); err != nil {
			return true, err
		}
		if recv.Multicast {
			return true, &UnsupportedConstructError{
				Instruction: in.String(),
				Reason:      "multicast device read must go through an aggregation method",
			}
		}
		if recv.Pin == "" {
			return true, &UnsupportedConstructError{
				Instruction: in.String(),
				Reason:      "device read needs a pin-bound device",
			}
		}
		ctx.push(DeferredValue{Code: fmt.Sprintf("l %s %s %s", Sink, recv.Pin, property)})
		return true, nil

	case strings.HasPrefix(m.Name, "Get") && len(m.Name) > 3 && nargs == 1:
		// Multicast aggregation read: Get{Property}(mode).
		iface := recv.Interface()
		if iface == nil || iface.TypeName == "" {
			return true, &UnsupportedConstructError{
				Instruction: in.String(),
				Reason:      "aggregation read needs a device interface type name",
			}
		}
		if recv.Pin == "" {
			return true, &UnsupportedConstructError{
				Instruction: in.String(),
				Reason:      "aggregation read needs a pin-bound device",
			}
		}
		vals, err := ctx.popN(2)
		if err != nil {
			return true, err
		}
		mode, modeText, err := ctx.render(vals[0])
		if err != nil {
			return true, err
		}
		ctx.push(DeferredValue{
			Code: fmt.Sprintf("lb %s HASH(%q) %s %s %s", Sink, iface.TypeName, recv.Pin, m.Name[3:], modeText),
			Free: []StackValue{mode},
		})
		return true, nil
	}
	return false, nil
}

func (ctx *ExecutionContext) execSlotsReceiver(in sbil.Instruction, m *sbil.Method, recv DeviceSlotsValue, nargs int) (bool, error) {
	kind, property, isAccessor := m.Accessor()
	if !isAccessor {
		return false, nil
	}
	switch {
	case kind == "get" && property == "Length":
		if _, err := ctx.popN(1); err != nil {
			return true, err
		}
		slots := 0
		if recv.Type != nil && recv.Type.Device != nil {
			slots = recv.Type.Device.SlotCount
		}
		ctx.push(StaticValue{Value: float64(slots)})
		return true, nil

	case kind == "get" && property == "Item" && nargs == 1:
		vals, err := ctx.popN(2)
		if err != nil {
			return true, err
		}
		index, err := ctx.resolve(vals[0])
		if err != nil {
			return true, err
		}
		ctx.push(DeviceSlotValue{Pin: recv.Pin, Type: recv.Type, Slot: index})
		return true, nil
	}
	return false, nil
}

func (ctx *ExecutionContext) execSlotReceiver(in sbil.Instruction, m *sbil.Method, recv DeviceSlotValue, nargs int) (bool, error) {
	kind, property, isAccessor := m.Accessor()
	if !isAccessor || kind != "get" || nargs != 0 {
		return false, nil
	}
	if _, err := ctx.popN(1); err != nil {
		return true, err
	}
	if recv.Pin == "" {
		return true, &UnsupportedConstructError{
			Instruction: in.String(),
			Reason:      "slot read needs a pin-bound device",
		}
	}
	_, slotText, err := ctx.render(recv.Slot)
	if err != nil {
		return true, err
	}
	ctx.push(DeferredValue{
		Code: fmt.Sprintf("ls %s %s %s %s", Sink, recv.Pin, slotText, property),
		Free: []StackValue{recv.Slot},
	})
	return true, nil
}

var patternToken = regexp.MustCompile(`[#%]\d+`)

// applyPattern instantiates a lowering pattern at the call site: #N
// substitutes the rendered N-th parameter, %N a scratch register
// allocated on first occurrence and freed after the call, $ the result
// sink. Patterns with a sink push a deferred expression; the rest emit
// immediately.
func (ctx *ExecutionContext) applyPattern(m *sbil.Method, pattern string) error {
	nargs := len(m.Params)
	npop := nargs
	if !m.Static {
		npop++
	}
	vals, err := ctx.popN(npop)
	if err != nil {
		return err
	}
	// PopN yields top-first; reverse into declared parameter order.
	args := make([]StackValue, nargs)
	for i := 0; i < nargs; i++ {
		args[i] = vals[nargs-1-i]
	}

	resolved := make([]StackValue, nargs)
	texts := make([]string, nargs)
	for i, a := range args {
		v, text, err := ctx.render(a)
		if err != nil {
			return err
		}
		resolved[i] = v
		texts[i] = text
	}

	temps := make(map[int]int)
	var free []StackValue
	var badToken error
	out := patternToken.ReplaceAllStringFunc(pattern, func(tok string) string {
		n, _ := strconv.Atoi(tok[1:])
		if tok[0] == '#' {
			if n < 0 || n >= nargs {
				badToken = &InternalInvariantError{Detail: fmt.Sprintf("pattern %q references parameter %d of %s", pattern, n, m)}
				return tok
			}
			return texts[n]
		}
		reg, ok := temps[n]
		if !ok {
			var err error
			if reg, err = ctx.allocTemp(); err != nil {
				badToken = err
				return tok
			}
			temps[n] = reg
			free = append(free, RegisterValue{Index: reg})
		}
		return ic10.Register(reg).String()
	})
	if badToken != nil {
		return badToken
	}
	free = append(free, resolved...)

	if strings.Contains(out, Sink) {
		ctx.push(DeferredValue{Code: out, Free: free})
		return nil
	}
	ctx.emitLines(out)
	for _, f := range free {
		ctx.release(f)
	}
	return nil
}

// execCallSite emits a real call: inline expansion when the combined
// register demand fits the file, the call-stack form otherwise.
func (ctx *ExecutionContext) execCallSite(in sbil.Instruction, m *sbil.Method) error {
	nargs := len(m.Params)
	npop := nargs
	if !m.Static {
		npop++
		recv, err := ctx.stack.At(nargs)
		if err != nil {
			return err
		}
		if _, ok := recv.(ThisValue); !ok {
			return &UnsupportedConstructError{
				Instruction: in.String(),
				Reason:      fmt.Sprintf("call receiver %v is neither this nor static", recv),
			}
		}
	}

	// Pre-estimate the register demand of inlining: every register the
	// callee ever used, on top of the caller's live set. Unknown (cyclic)
	// callees always take the call-stack path.
	mc, err := ctx.comp.contextFor(m)
	if err != nil {
		return err
	}
	var standalone *ExecutionContext
	if mc != nil {
		standalone = mc.ctx
	}
	canInline := standalone != nil && !ctx.inlining[m] &&
		ctx.registers.NumAllocated()+standalone.AllUsedRegisters().NumAllocated() <= ic10.NumRegisters

	if canInline {
		done, err := ctx.tryInline(m)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return ctx.emitCallStack(m, nargs, npop, standalone)
}

// tryInline re-entrantly compiles the callee against the caller's live
// register map and pastes the body. A register-exhausted failure
// reports false so the call site can fall back to the stack form.
func (ctx *ExecutionContext) tryInline(m *sbil.Method) (bool, error) {
	sink := noRegister
	if !m.ReturnType.IsVoid() {
		reg, err := ctx.allocTemp()
		if err != nil {
			return false, nil
		}
		sink = reg
	}

	regsAtCall := ctx.registers
	prefix := fmt.Sprintf("%s_inl%d", ctx.labelPrefix, ctx.comp.nextInline())
	inner, err := newExecutionContext(ctx.comp, m, ctx.opts, ctx.reserved, ctx.registers,
		true, ctx.stack, sink, prefix)
	if err != nil {
		if errors.As(err, new(*RegisterExhaustedError)) {
			ctx.releaseSink(sink)
			return false, nil
		}
		return false, err
	}
	for chained := range ctx.inlining {
		inner.inlining[chained] = true
	}
	innerWriter := NewOutputWriter(len(inner.insts), prefix)
	if err := inner.Compile(innerWriter); err != nil {
		if errors.As(err, new(*RegisterExhaustedError)) {
			ctx.releaseSink(sink)
			return false, nil
		}
		return false, err
	}

	// Account for the popped parameter values, paste the body, then
	// propagate registers the callee allocated and did not free so the
	// caller cannot reuse them prematurely.
	params := ctx.stack
	ctx.stack = inner.callerStack
	npop := params.Len() - ctx.stack.Len()
	consumed, _, err := params.PopN(npop)
	if err != nil {
		return false, err
	}
	ctx.emitLines(innerWriter.Assemble())
	for _, v := range consumed {
		ctx.release(v)
	}
	ctx.registers = ctx.registers.Union(inner.registers.Diff(regsAtCall))
	ctx.allUsed = ctx.allUsed.Union(inner.allUsed)
	for dep := range inner.deps {
		ctx.deps[dep] = true
	}
	if sink != noRegister {
		ctx.push(RegisterValue{Index: sink})
	}
	return true, nil
}

func (ctx *ExecutionContext) releaseSink(sink int) {
	if sink != noRegister {
		ctx.release(RegisterValue{Index: sink})
	}
}

// emitCallStack lowers a call through the runtime stack: save the
// caller's live registers the callee clobbers, save ra, push the
// actual parameters left to right, jal, recover the return value and
// restore in reverse.
func (ctx *ExecutionContext) emitCallStack(m *sbil.Method, nargs, npop int, standalone *ExecutionContext) error {
	vals, err := ctx.popN(npop)
	if err != nil {
		return err
	}
	args := make([]StackValue, nargs)
	for i := 0; i < nargs; i++ {
		args[i] = vals[nargs-1-i]
	}

	ctx.deps[m] = true

	clobbered := ctx.registers
	if standalone != nil {
		clobbered = standalone.AllUsedRegisters().Intersect(ctx.registers)
	}
	clobbered = clobbered.Intersect(ctx.reserved.Complement())
	saved := clobbered.Indices()

	for _, reg := range saved {
		ctx.emitf("push %s", ic10.Register(reg).String())
	}
	ctx.emitf("push ra")
	for _, a := range args {
		a, text, err := ctx.render(a)
		if err != nil {
			return err
		}
		ctx.emitf("push %s", text)
		ctx.release(a)
	}
	ctx.emitf("jal %s", ctx.comp.labelFor(m))

	if !m.ReturnType.IsVoid() {
		sink, err := ctx.allocTemp()
		if err != nil {
			return err
		}
		ctx.emitf("pop %s", ic10.Register(sink).String())
		ctx.emitf("pop ra")
		for i := len(saved) - 1; i >= 0; i-- {
			ctx.emitf("pop %s", ic10.Register(saved[i]).String())
		}
		ctx.push(RegisterValue{Index: sink})
		return nil
	}
	ctx.emitf("pop ra")
	for i := len(saved) - 1; i >= 0; i-- {
		ctx.emitf("pop %s", ic10.Register(saved[i]).String())
	}
	return nil
}

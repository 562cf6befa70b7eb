package compiler

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/thomasfn/CsToMips/ic10"
	"github.com/thomasfn/CsToMips/sbil"
)

// exec dispatches one SBIL instruction to its handler. An opcode with
// no handler is a fatal error carrying the instruction's string form.
func (ctx *ExecutionContext) exec(in sbil.Instruction, idx int) error {
	op := in.Op

	switch {
	case op == sbil.OpNop:
		return nil
	case op == sbil.OpDup:
		return ctx.execDup()
	case op == sbil.OpPop:
		v, err := ctx.pop()
		if err != nil {
			return err
		}
		ctx.release(v)
		return nil
	case op == sbil.OpLdnull:
		ctx.push(NullValue{})
		return nil
	case op == sbil.OpLdstr:
		ctx.push(StringValue{Text: in.Str})
		return nil
	case op == sbil.OpLdcI4S || op == sbil.OpLdcI4 || op == sbil.OpLdcI8:
		ctx.push(StaticValue{Value: float64(in.Int)})
		return nil
	case op == sbil.OpLdcR4 || op == sbil.OpLdcR8:
		ctx.push(StaticValue{Value: in.Float})
		return nil
	case op == sbil.OpLdargS:
		return ctx.execLdarg(int(in.Int))
	case op == sbil.OpLdlocS:
		return ctx.execLdloc(int(in.Int))
	case op == sbil.OpStlocS:
		return ctx.execStloc(int(in.Int))
	case op == sbil.OpLdlocaS:
		return ctx.execLdloca(int(in.Int))
	case op == sbil.OpLdindRef:
		return ctx.execLdindRef()
	case op == sbil.OpLdfld:
		return ctx.execLdfld(in.Field)
	case op == sbil.OpStfld:
		return ctx.execStfld(in.Field)
	case op == sbil.OpNeg || op == sbil.OpNot:
		return ctx.execUnary(op)
	case op == sbil.OpCall || op == sbil.OpCallvirt:
		return ctx.execCall(in)
	case op == sbil.OpRet:
		return ctx.execRet(idx)
	case op == sbil.OpSwitch:
		return ctx.execSwitch(in)
	}

	if n, ok := op.FixedConst(); ok {
		ctx.push(StaticValue{Value: n})
		return nil
	}
	if n, ok := op.FixedArg(); ok {
		return ctx.execLdarg(n)
	}
	if n, ok := op.FixedLoadLocal(); ok {
		return ctx.execLdloc(n)
	}
	if n, ok := op.FixedStoreLocal(); ok {
		return ctx.execStloc(n)
	}
	if mnemonic, ok := op.Arith(); ok {
		return ctx.execBinary(op, mnemonic)
	}
	if mnemonic, ok := op.Compare(); ok {
		return ctx.execCompare(op, mnemonic)
	}
	if cond, ok := op.Branch(); ok {
		return ctx.execBranch(in, cond)
	}
	if op.IsIntConv() {
		return ctx.execTrunc()
	}
	if op.IsFloatConv() {
		return nil // the machine only has one numeric type
	}

	return &UnsupportedConstructError{
		Instruction: in.String(),
		Reason:      "no handler for opcode",
	}
}

// execDup duplicates the top of stack. Deferred expressions are
// resolved first so that aliasing cannot duplicate side effects.
func (ctx *ExecutionContext) execDup() error {
	top, err := ctx.stack.Peek()
	if err != nil {
		return err
	}
	if d, ok := top.(DeferredValue); ok {
		resolved, err := ctx.resolve(d)
		if err != nil {
			return err
		}
		ctx.stack = ctx.stack.ReplaceTop(resolved)
		top = resolved
	}
	ctx.retain(top)
	ctx.push(top)
	return nil
}

func (ctx *ExecutionContext) execLdarg(index int) error {
	if index < 0 || index >= len(ctx.paramValues) {
		return &UnsupportedConstructError{
			Instruction: ctx.currentInstruction(),
			Reason:      fmt.Sprintf("parameter %d out of range", index),
		}
	}
	v := ctx.paramValues[index]
	ctx.retain(v)
	ctx.push(v)
	return nil
}

func (ctx *ExecutionContext) execLdloc(index int) error {
	if index < 0 || index >= len(ctx.localRegs) {
		return &UnsupportedConstructError{
			Instruction: ctx.currentInstruction(),
			Reason:      fmt.Sprintf("local %d out of range", index),
		}
	}
	if known := ctx.localKnown[index]; known != nil {
		ctx.retain(known)
		ctx.push(known)
		return nil
	}
	if reg := ctx.localRegs[index]; reg != noRegister {
		ctx.push(RegisterValue{Index: reg})
		return nil
	}
	return &UnsupportedConstructError{
		Instruction: ctx.currentInstruction(),
		Reason:      fmt.Sprintf("local %d has no register and no tracked value", index),
	}
}

func (ctx *ExecutionContext) execStloc(index int) error {
	if index < 0 || index >= len(ctx.localRegs) {
		return &UnsupportedConstructError{
			Instruction: ctx.currentInstruction(),
			Reason:      fmt.Sprintf("local %d out of range", index),
		}
	}
	v, err := ctx.pop()
	if err != nil {
		return err
	}
	reg := ctx.localRegs[index]
	if reg == noRegister {
		// Value-tracked local: just record the known state.
		ctx.localKnown[index] = v
		return nil
	}
	dest := ic10.Register(reg).String()
	switch v := v.(type) {
	case DeferredValue:
		// Fuse the compute's sink straight into the local's register.
		ctx.resolveInto(v, dest)
		ctx.localKnown[index] = nil
	case StaticValue:
		ctx.emitf("move %s %s", dest, ic10.FormatNumber(v.Value))
		ctx.localKnown[index] = v
	case RegisterValue:
		if v.Index != reg {
			ctx.emitf("move %s %s", dest, ic10.Register(v.Index).String())
			ctx.release(v)
		}
		ctx.localKnown[index] = nil
	default:
		_, text, err := ctx.render(v)
		if err != nil {
			return err
		}
		ctx.emitf("move %s %s", dest, text)
		ctx.release(v)
		ctx.localKnown[index] = nil
	}
	return nil
}

// execLdloca pushes the tracked value behind a local's address. Only
// slot references survive this; anything else has no meaningful
// address on the target machine.
func (ctx *ExecutionContext) execLdloca(index int) error {
	if index < 0 || index >= len(ctx.localKnown) {
		return &UnsupportedConstructError{
			Instruction: ctx.currentInstruction(),
			Reason:      fmt.Sprintf("local %d out of range", index),
		}
	}
	switch known := ctx.localKnown[index].(type) {
	case DeviceSlotValue, DeviceSlotsValue:
		ctx.push(known)
		return nil
	}
	return &UnsupportedConstructError{
		Instruction: ctx.currentInstruction(),
		Reason:      fmt.Sprintf("address of local %d is not a slot reference", index),
	}
}

func (ctx *ExecutionContext) execLdindRef() error {
	top, err := ctx.stack.Peek()
	if err != nil {
		return err
	}
	if _, ok := top.(DeviceSlotValue); !ok {
		return &UnsupportedConstructError{
			Instruction: ctx.currentInstruction(),
			Reason:      fmt.Sprintf("ldind.ref on %v", top),
		}
	}
	return nil
}

func (ctx *ExecutionContext) execLdfld(field *sbil.Field) error {
	target, err := ctx.pop()
	if err != nil {
		return err
	}
	if _, ok := target.(ThisValue); !ok {
		return &UnsupportedConstructError{
			Instruction: ctx.currentInstruction(),
			Reason:      fmt.Sprintf("field %s accessed on %v, not this", field, target),
		}
	}
	ctx.push(ctx.comp.fieldValue(field))
	return nil
}

func (ctx *ExecutionContext) execStfld(field *sbil.Field) error {
	v, err := ctx.pop()
	if err != nil {
		return err
	}
	target, err := ctx.pop()
	if err != nil {
		return err
	}
	if _, ok := target.(ThisValue); !ok {
		return &UnsupportedConstructError{
			Instruction: ctx.currentInstruction(),
			Reason:      fmt.Sprintf("field %s stored on %v, not this", field, target),
		}
	}
	if field.Device != nil || field.Multicast {
		return &UnsupportedConstructError{
			Instruction: ctx.currentInstruction(),
			Reason:      fmt.Sprintf("device field %s cannot be assigned directly", field),
		}
	}
	alias := field.Name
	if d, ok := v.(DeferredValue); ok {
		ctx.resolveInto(d, alias)
		return nil
	}
	_, text, err := ctx.render(v)
	if err != nil {
		return err
	}
	ctx.emitf("move %s %s", alias, text)
	ctx.release(v)
	return nil
}

// execBinary lowers the two-operand arithmetic group. Two static
// operands fold at compile time; otherwise deferred inputs resolve and
// a new deferred expression is pushed.
func (ctx *ExecutionContext) execBinary(op sbil.Op, mnemonic string) error {
	rhs, lhs, rest, err := ctx.stack.Pop2()
	if err != nil {
		return err
	}
	ctx.stack = rest

	if l, lok := lhs.(StaticValue); lok {
		if r, rok := rhs.(StaticValue); rok {
			ctx.push(StaticValue{Value: foldBinary(op, l.Value, r.Value)})
			return nil
		}
	}

	lhs, lhsText, err := ctx.render(lhs)
	if err != nil {
		return err
	}
	rhs, rhsText, err := ctx.render(rhs)
	if err != nil {
		return err
	}
	ctx.push(DeferredValue{
		Code: fmt.Sprintf("%s %s %s %s", mnemonic, Sink, lhsText, rhsText),
		Free: []StackValue{lhs, rhs},
	})
	return nil
}

// foldBinary evaluates an arithmetic opcode over two static operands
// in the machine's single-precision model; arithmetic results are
// rounded to the seven significant digits a float32 carries, so
// 31·0.95 folds to 29.45 rather than the raw product 29.449999.
// Boolean and/or collapse to 0/1.
func foldBinary(op sbil.Op, l, r float64) float64 {
	l32, r32 := float32(l), float32(r)
	single := func(v float32) float64 {
		f, _ := strconv.ParseFloat(strconv.FormatFloat(float64(v), 'g', 7, 32), 32)
		return f
	}
	switch op {
	case sbil.OpAdd:
		return single(l32 + r32)
	case sbil.OpSub:
		return single(l32 - r32)
	case sbil.OpMul:
		return single(l32 * r32)
	case sbil.OpDiv, sbil.OpDivUn:
		return single(l32 / r32)
	case sbil.OpRem, sbil.OpRemUn:
		return single(float32(math.Mod(l, r)))
	case sbil.OpAnd:
		if l != 0 && r != 0 {
			return 1
		}
		return 0
	case sbil.OpOr:
		if l != 0 || r != 0 {
			return 1
		}
		return 0
	case sbil.OpXor:
		return float64(int64(l) ^ int64(r))
	case sbil.OpShl:
		return float64(int64(l) << uint(int64(r)&63))
	case sbil.OpShr:
		return float64(int64(l) >> uint(int64(r)&63))
	case sbil.OpShrUn:
		return float64(uint64(int64(l)) >> uint(int64(r)&63))
	}
	return 0
}

func (ctx *ExecutionContext) execUnary(op sbil.Op) error {
	v, err := ctx.pop()
	if err != nil {
		return err
	}
	if s, ok := v.(StaticValue); ok {
		if op == sbil.OpNeg {
			ctx.push(StaticValue{Value: -s.Value})
		} else {
			ctx.push(StaticValue{Value: float64(^int64(s.Value))})
		}
		return nil
	}
	v, text, err := ctx.render(v)
	if err != nil {
		return err
	}
	code := fmt.Sprintf("not %s %s", Sink, text)
	if op == sbil.OpNeg {
		code = fmt.Sprintf("sub %s 0 %s", Sink, text)
	}
	ctx.push(DeferredValue{Code: code, Free: []StackValue{v}})
	return nil
}

func (ctx *ExecutionContext) execTrunc() error {
	v, err := ctx.pop()
	if err != nil {
		return err
	}
	if s, ok := v.(StaticValue); ok {
		ctx.push(StaticValue{Value: math.Trunc(s.Value)})
		return nil
	}
	v, text, err := ctx.render(v)
	if err != nil {
		return err
	}
	ctx.push(DeferredValue{
		Code: fmt.Sprintf("trunc %s %s", Sink, text),
		Free: []StackValue{v},
	})
	return nil
}

// execCompare lowers ceq/cgt/clt into deferred set-register
// comparisons. Comparing a device against null with cgt.un becomes the
// device-is-set predicate.
func (ctx *ExecutionContext) execCompare(op sbil.Op, mnemonic string) error {
	rhs, lhs, rest, err := ctx.stack.Pop2()
	if err != nil {
		return err
	}
	ctx.stack = rest

	if op == sbil.OpCgtUn {
		if dev, ok := deviceNullComparison(lhs, rhs); ok {
			if dev.Pin == "" {
				return &UnsupportedConstructError{
					Instruction: ctx.currentInstruction(),
					Reason:      "device-set test needs a pin-bound device",
				}
			}
			ctx.push(DeferredValue{Code: fmt.Sprintf("sdse %s %s", Sink, dev.Pin)})
			return nil
		}
	}

	lhs, lhsText, err := ctx.render(lhs)
	if err != nil {
		return err
	}
	rhs, rhsText, err := ctx.render(rhs)
	if err != nil {
		return err
	}
	ctx.push(DeferredValue{
		Code: fmt.Sprintf("%s %s %s %s", mnemonic, Sink, lhsText, rhsText),
		Free: []StackValue{lhs, rhs},
	})
	return nil
}

func deviceNullComparison(lhs, rhs StackValue) (DeviceValue, bool) {
	if dev, ok := lhs.(DeviceValue); ok {
		if _, isNull := rhs.(NullValue); isNull {
			return dev, true
		}
	}
	if dev, ok := rhs.(DeviceValue); ok {
		if _, isNull := lhs.(NullValue); isNull {
			return dev, true
		}
	}
	return DeviceValue{}, false
}

var branchConds = map[sbil.BranchCond]ic10.Condition{
	sbil.BrEq: ic10.CondEqual,
	sbil.BrGe: ic10.CondGreaterEqual,
	sbil.BrGt: ic10.CondGreater,
	sbil.BrLe: ic10.CondLessEqual,
	sbil.BrLt: ic10.CondLess,
	sbil.BrNe: ic10.CondNotEqual,
}

// execBranch lowers the branch group: unconditional, one-operand truth
// tests (with device rewriting and comparison fusion) and two-operand
// relational branches.
func (ctx *ExecutionContext) execBranch(in sbil.Instruction, cond sbil.BranchCond) error {
	targetIdx, err := ctx.branchTargetIndex(in.Target)
	if err != nil {
		return err
	}

	switch cond {
	case sbil.BrAlways:
		label := ctx.branchLabel(targetIdx)
		ctx.emitf("j %s", label)
		return nil

	case sbil.BrTrue, sbil.BrFalse:
		v, err := ctx.pop()
		if err != nil {
			return err
		}
		if dev, ok := v.(DeviceValue); ok {
			if dev.Pin == "" {
				return &UnsupportedConstructError{
					Instruction: in.String(),
					Reason:      "device truth test needs a pin-bound device",
				}
			}
			op := "bdse"
			if cond == sbil.BrFalse {
				op = "bdns"
			}
			ctx.emitf("%s %s %s", op, dev.Pin, ctx.branchLabel(targetIdx))
			return nil
		}
		// A deferred comparison fuses straight into the branch, so no
		// intermediate register is spent on the predicate.
		if d, ok := v.(DeferredValue); ok {
			if cmpOp, operands, isCmp := d.Comparison(); isCmp {
				c := cmpOp.Condition
				if cond == sbil.BrFalse {
					c = c.Invert()
				}
				branchOp, found := ic10.ByBehaviour(ic10.BehaviourJump, c)
				if !found {
					return &InternalInvariantError{Detail: "no branch form for " + cmpOp.Name}
				}
				for _, f := range d.Free {
					ctx.release(f)
				}
				label := ctx.branchLabel(targetIdx)
				args := append(append([]string{}, operands...), label)
				ctx.emitf("%s %s", branchOp.Name, strings.Join(args, " "))
				return nil
			}
		}
		v, text, err := ctx.render(v)
		if err != nil {
			return err
		}
		op := "bnez"
		if cond == sbil.BrFalse {
			op = "beqz"
		}
		ctx.emitf("%s %s %s", op, text, ctx.branchLabel(targetIdx))
		ctx.release(v)
		return nil

	default:
		rhs, lhs, rest, err := ctx.stack.Pop2()
		if err != nil {
			return err
		}
		ctx.stack = rest
		lhs, lhsText, err := ctx.render(lhs)
		if err != nil {
			return err
		}
		rhs, rhsText, err := ctx.render(rhs)
		if err != nil {
			return err
		}
		branchOp, found := ic10.ByBehaviour(ic10.BehaviourJump, branchConds[cond])
		if !found {
			return &InternalInvariantError{Detail: fmt.Sprintf("no branch opcode for %v", cond)}
		}
		ctx.emitf("%s %s %s %s", branchOp.Name, lhsText, rhsText, ctx.branchLabel(targetIdx))
		ctx.release(lhs)
		ctx.release(rhs)
		return nil
	}
}

// execSwitch emits one equality branch per case.
func (ctx *ExecutionContext) execSwitch(in sbil.Instruction) error {
	v, err := ctx.pop()
	if err != nil {
		return err
	}
	v, text, err := ctx.render(v)
	if err != nil {
		return err
	}
	for i, target := range in.Switch {
		targetIdx, err := ctx.branchTargetIndex(target)
		if err != nil {
			return err
		}
		ctx.emitf("beq %s %d %s", text, i, ctx.branchLabel(targetIdx))
	}
	ctx.release(v)
	return nil
}

// execRet lowers returns. Inline bodies jump to the shared end label,
// binding any return value to the caller-provided sink first;
// standalone bodies pass the value on the runtime stack and jump
// through ra.
func (ctx *ExecutionContext) execRet(idx int) error {
	returnsValue := !ctx.method.ReturnType.IsVoid()
	if ctx.inline {
		if returnsValue {
			v, err := ctx.pop()
			if err != nil {
				return err
			}
			if ctx.returnSink == noRegister {
				return &InternalInvariantError{Detail: "inline return value with no sink"}
			}
			sink := ic10.Register(ctx.returnSink).String()
			if d, ok := v.(DeferredValue); ok {
				ctx.resolveInto(d, sink)
			} else if r, ok := v.(RegisterValue); ok && r.Index == ctx.returnSink {
				// Already in place.
			} else {
				_, text, err := ctx.render(v)
				if err != nil {
					return err
				}
				ctx.emitf("move %s %s", sink, text)
				ctx.release(v)
			}
		}
		ctx.emitf("j %s_end", ctx.labelPrefix)
		return nil
	}

	if returnsValue {
		v, err := ctx.pop()
		if err != nil {
			return err
		}
		v, text, err := ctx.render(v)
		if err != nil {
			return err
		}
		ctx.emitf("push %s", text)
		ctx.release(v)
	}
	ctx.emitf("j ra")
	return nil
}

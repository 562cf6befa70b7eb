package compiler

import (
	"fmt"
	"strings"

	"github.com/thomasfn/CsToMips/ic10"
	"github.com/thomasfn/CsToMips/sbil"
)

// StackValue is a symbolic value flowing through the virtual stack.
// Each variant either renders to IC10 operand text or reports that it
// must be lowered before reaching an emitter.
type StackValue interface {
	// Render returns the IC10 operand text for the value, or false
	// when the variant is not directly renderable.
	Render() (string, bool)
	// Equal is structural equality; branch-consistency checks depend
	// on it.
	Equal(StackValue) bool
	String() string
}

// StaticValue is a compile-time numeric constant.
type StaticValue struct {
	Value float64
}

func (v StaticValue) Render() (string, bool) { return ic10.FormatNumber(v.Value), true }
func (v StaticValue) Equal(o StackValue) bool {
	ov, ok := o.(StaticValue)
	return ok && ov.Value == v.Value
}
func (v StaticValue) String() string { return "static:" + ic10.FormatNumber(v.Value) }

// ThisValue is the receiver of the method being compiled.
type ThisValue struct{}

func (ThisValue) Render() (string, bool) { return "", false }
func (ThisValue) Equal(o StackValue) bool {
	_, ok := o.(ThisValue)
	return ok
}
func (ThisValue) String() string { return "this" }

// NullValue is the null reference.
type NullValue struct{}

func (NullValue) Render() (string, bool) { return "", false }
func (NullValue) Equal(o StackValue) bool {
	_, ok := o.(NullValue)
	return ok
}
func (NullValue) String() string { return "null" }

// DeviceValue is a device field lowered to its pin alias. Multicast
// devices are addressed by type hash instead of (or as well as) a pin.
type DeviceValue struct {
	Pin       string
	Type      *sbil.TypeRef
	Multicast bool
}

func (v DeviceValue) Render() (string, bool) { return v.Pin, true }
func (v DeviceValue) Equal(o StackValue) bool {
	ov, ok := o.(DeviceValue)
	return ok && ov.Pin == v.Pin && ov.Type == v.Type && ov.Multicast == v.Multicast
}
func (v DeviceValue) String() string { return "device:" + v.Pin }

// Interface returns the device-interface descriptor of the value's
// type, if any.
func (v DeviceValue) Interface() *sbil.DeviceInterface {
	if v.Type == nil {
		return nil
	}
	return v.Type.Device
}

// DeviceSlotsValue is the slot table of a device; produced by
// get_Slots, consumed by indexing.
type DeviceSlotsValue struct {
	Pin  string
	Type *sbil.TypeRef
}

func (v DeviceSlotsValue) Render() (string, bool) { return "", false }
func (v DeviceSlotsValue) Equal(o StackValue) bool {
	ov, ok := o.(DeviceSlotsValue)
	return ok && ov.Pin == v.Pin && ov.Type == v.Type
}
func (v DeviceSlotsValue) String() string { return "slots:" + v.Pin }

// DeviceSlotValue is a single indexed slot of a device.
type DeviceSlotValue struct {
	Pin  string
	Type *sbil.TypeRef
	Slot StackValue // slot index, Static or Register
}

func (v DeviceSlotValue) Render() (string, bool) { return "", false }
func (v DeviceSlotValue) Equal(o StackValue) bool {
	ov, ok := o.(DeviceSlotValue)
	return ok && ov.Pin == v.Pin && ov.Type == v.Type && equalValues(ov.Slot, v.Slot)
}
func (v DeviceSlotValue) String() string { return fmt.Sprintf("slot:%s[%v]", v.Pin, v.Slot) }

// RegisterValue is a value held in a general register.
type RegisterValue struct {
	Index int
}

func (v RegisterValue) Render() (string, bool) { return ic10.Register(v.Index).String(), true }
func (v RegisterValue) Equal(o StackValue) bool {
	ov, ok := o.(RegisterValue)
	return ok && ov.Index == v.Index
}
func (v RegisterValue) String() string { return "reg:" + ic10.Register(v.Index).String() }

// FieldValue is a register-backed class field, rendered through its
// alias.
type FieldValue struct {
	Alias string
	Field *sbil.Field
}

func (v FieldValue) Render() (string, bool) { return v.Alias, true }
func (v FieldValue) Equal(o StackValue) bool {
	ov, ok := o.(FieldValue)
	return ok && ov.Alias == v.Alias && ov.Field == v.Field
}
func (v FieldValue) String() string { return "field:" + v.Alias }

// StringValue is a string literal, rendered verbatim.
type StringValue struct {
	Text string
}

func (v StringValue) Render() (string, bool) { return v.Text, true }
func (v StringValue) Equal(o StackValue) bool {
	ov, ok := o.(StringValue)
	return ok && ov.Text == v.Text
}
func (v StringValue) String() string { return fmt.Sprintf("string:%q", v.Text) }

// HashStringValue renders as a HASH("…") constant.
type HashStringValue struct {
	Text string
}

func (v HashStringValue) Render() (string, bool) { return fmt.Sprintf("HASH(%q)", v.Text), true }
func (v HashStringValue) Equal(o StackValue) bool {
	ov, ok := o.(HashStringValue)
	return ok && ov.Text == v.Text
}
func (v HashStringValue) String() string { return fmt.Sprintf("hash:%q", v.Text) }

// DeferredValue is a partially-formed IC10 fragment awaiting a result
// register binding. The Sink token marks where the result goes; Free
// lists the values whose registers are released once the expression is
// materialised.
type DeferredValue struct {
	Code string
	Free []StackValue
}

// Sink is the reserved placeholder for the result register in deferred
// fragments and compile-hint patterns.
const Sink = "$"

func (v DeferredValue) Render() (string, bool) { return "", false }
func (v DeferredValue) Equal(o StackValue) bool {
	ov, ok := o.(DeferredValue)
	if !ok || ov.Code != v.Code || len(ov.Free) != len(v.Free) {
		return false
	}
	for i := range v.Free {
		if !equalValues(ov.Free[i], v.Free[i]) {
			return false
		}
	}
	return true
}
func (v DeferredValue) String() string { return fmt.Sprintf("deferred:%q", v.Code) }

// Bind substitutes the sink and returns the finished code.
func (v DeferredValue) Bind(sink string) string {
	return strings.ReplaceAll(v.Code, Sink, sink)
}

// Comparison decomposes a deferred single set-register instruction
// into its opcode and non-sink operand text, letting branch emitters
// fuse comparisons into conditional jumps.
func (v DeferredValue) Comparison() (*ic10.Opcode, []string, bool) {
	if strings.Contains(v.Code, "\n") {
		return nil, nil, false
	}
	fields := strings.Fields(v.Code)
	if len(fields) < 2 || fields[1] != Sink {
		return nil, nil, false
	}
	op, ok := ic10.Find(fields[0])
	if !ok || op.Behaviour != ic10.BehaviourSetRegister || op.Condition == ic10.CondNone {
		return nil, nil, false
	}
	return op, fields[2:], true
}

func equalValues(a, b StackValue) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(b)
}

// VirtualStack is an immutable ordered sequence of stack values. The
// zero value is the empty stack.
type VirtualStack struct {
	values []StackValue
}

// Len returns the stack depth.
func (s VirtualStack) Len() int { return len(s.values) }

// Push returns a new stack with the value on top.
func (s VirtualStack) Push(v StackValue) VirtualStack {
	return VirtualStack{values: append(append([]StackValue{}, s.values...), v)}
}

// Pop returns the top value and the remaining stack.
func (s VirtualStack) Pop() (StackValue, VirtualStack, error) {
	if len(s.values) == 0 {
		return nil, s, &InternalInvariantError{Detail: "pop on empty virtual stack"}
	}
	n := len(s.values)
	return s.values[n-1], VirtualStack{values: append([]StackValue{}, s.values[:n-1]...)}, nil
}

// Pop2 returns the two topmost values, top of stack first.
func (s VirtualStack) Pop2() (StackValue, StackValue, VirtualStack, error) {
	vals, rest, err := s.PopN(2)
	if err != nil {
		return nil, nil, s, err
	}
	return vals[0], vals[1], rest, nil
}

// PopN returns the n topmost values, top of stack first, and the
// remaining stack. Callers reverse the slice when they need parameter
// order.
func (s VirtualStack) PopN(n int) ([]StackValue, VirtualStack, error) {
	if len(s.values) < n {
		return nil, s, &InternalInvariantError{
			Detail: fmt.Sprintf("pop %d on virtual stack of %d", n, len(s.values)),
		}
	}
	cut := len(s.values) - n
	out := make([]StackValue, n)
	for i := 0; i < n; i++ {
		out[i] = s.values[len(s.values)-1-i]
	}
	return out, VirtualStack{values: append([]StackValue{}, s.values[:cut]...)}, nil
}

// At returns the value at a depth below the top of stack; At(0) is
// the top.
func (s VirtualStack) At(depth int) (StackValue, error) {
	if depth < 0 || depth >= len(s.values) {
		return nil, &InternalInvariantError{
			Detail: fmt.Sprintf("peek at depth %d on virtual stack of %d", depth, len(s.values)),
		}
	}
	return s.values[len(s.values)-1-depth], nil
}

// Peek returns the top value without removing it.
func (s VirtualStack) Peek() (StackValue, error) {
	if len(s.values) == 0 {
		return nil, &InternalInvariantError{Detail: "peek on empty virtual stack"}
	}
	return s.values[len(s.values)-1], nil
}

// ReplaceTop returns a stack with the top value swapped.
func (s VirtualStack) ReplaceTop(v StackValue) VirtualStack {
	vals := append([]StackValue{}, s.values...)
	vals[len(vals)-1] = v
	return VirtualStack{values: vals}
}

// Equal is element-wise structural equality.
func (s VirtualStack) Equal(o VirtualStack) bool {
	if len(s.values) != len(o.values) {
		return false
	}
	for i := range s.values {
		if !equalValues(s.values[i], o.values[i]) {
			return false
		}
	}
	return true
}

func (s VirtualStack) String() string {
	parts := make([]string, len(s.values))
	for i, v := range s.values {
		parts[i] = v.String()
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// Package ic10 models the IC10 assembly language emitted by the compiler:
// opcodes, operands, instruction and program containers, control-flow
// analysis and the program-level optimiser.
package ic10

import "fmt"

// Behaviour classifies an opcode by what it does to machine state,
// independent of its mnemonic.
type Behaviour int

const (
	BehaviourOther Behaviour = iota
	BehaviourJump
	BehaviourJumpAndLink
	BehaviourRelativeJump
	BehaviourSetRegister
	BehaviourArithmetic
	BehaviourMeta
	BehaviourStack
	BehaviourDeviceInterop
	BehaviourTiming
)

func (b Behaviour) String() string {
	switch b {
	case BehaviourJump:
		return "jump"
	case BehaviourJumpAndLink:
		return "jump-and-link"
	case BehaviourRelativeJump:
		return "relative-jump"
	case BehaviourSetRegister:
		return "set-register"
	case BehaviourArithmetic:
		return "arithmetic"
	case BehaviourMeta:
		return "meta"
	case BehaviourStack:
		return "stack"
	case BehaviourDeviceInterop:
		return "device-interop"
	case BehaviourTiming:
		return "timing"
	}
	return "other"
}

// IsJump reports whether the behaviour transfers control.
func (b Behaviour) IsJump() bool {
	return b == BehaviourJump || b == BehaviourJumpAndLink || b == BehaviourRelativeJump
}

// Condition is the predicate attached to a conditional jump or
// set-register opcode.
type Condition int

const (
	CondNone Condition = iota
	CondEqual
	CondGreater
	CondGreaterEqual
	CondLess
	CondLessEqual
	CondNotEqual
	CondApproxEqual
	CondNotApproxEqual
	CondDeviceSet
	CondDeviceNotSet
	CondEqualZero
	CondGreaterZero
	CondGreaterEqualZero
	CondLessZero
	CondLessEqualZero
	CondNotEqualZero
	CondApproxEqualZero
	CondNotApproxEqualZero
)

// Invert returns the logically opposite condition, used when a
// branch-if-false must be synthesised from a comparison.
func (c Condition) Invert() Condition {
	switch c {
	case CondEqual:
		return CondNotEqual
	case CondNotEqual:
		return CondEqual
	case CondGreater:
		return CondLessEqual
	case CondGreaterEqual:
		return CondLess
	case CondLess:
		return CondGreaterEqual
	case CondLessEqual:
		return CondGreater
	case CondApproxEqual:
		return CondNotApproxEqual
	case CondNotApproxEqual:
		return CondApproxEqual
	case CondDeviceSet:
		return CondDeviceNotSet
	case CondDeviceNotSet:
		return CondDeviceSet
	case CondEqualZero:
		return CondNotEqualZero
	case CondNotEqualZero:
		return CondEqualZero
	case CondGreaterZero:
		return CondLessEqualZero
	case CondGreaterEqualZero:
		return CondLessZero
	case CondLessZero:
		return CondGreaterEqualZero
	case CondLessEqualZero:
		return CondGreaterZero
	case CondApproxEqualZero:
		return CondNotApproxEqualZero
	case CondNotApproxEqualZero:
		return CondApproxEqualZero
	}
	return CondNone
}

// ArgKind is the expected operand category at one position of an
// opcode. Used only for validation and pretty printing.
type ArgKind int

const (
	ArgRegister ArgKind = iota // destination register
	ArgDevice                  // device pin
	ArgValue                   // register, number or name
	ArgName                    // bare identifier
)

// Opcode describes a single IC10 mnemonic.
type Opcode struct {
	Name      string
	Args      []ArgKind
	Behaviour Behaviour
	Condition Condition
}

func (op *Opcode) String() string { return op.Name }

// Arity returns the operand count the opcode expects.
func (op *Opcode) Arity() int { return len(op.Args) }

type behKey struct {
	b Behaviour
	c Condition
}

var (
	opsByName      = map[string]*Opcode{}
	opsByBehaviour = map[behKey]*Opcode{}
	allOps         []*Opcode
)

func register(op *Opcode) *Opcode {
	if _, ok := opsByName[op.Name]; ok {
		panic(fmt.Sprintf("ic10: duplicate opcode %q", op.Name))
	}
	opsByName[op.Name] = op
	allOps = append(allOps, op)
	// The algebraic (behaviour, condition) lookup is only defined for the
	// condition-bearing behaviours; arithmetic and the rest all carry
	// CondNone and stay out of it.
	switch op.Behaviour {
	case BehaviourJump, BehaviourJumpAndLink, BehaviourRelativeJump, BehaviourSetRegister:
		key := behKey{op.Behaviour, op.Condition}
		if _, ok := opsByBehaviour[key]; ok {
			panic(fmt.Sprintf("ic10: duplicate (behaviour, condition) for %q", op.Name))
		}
		opsByBehaviour[key] = op
	}
	return op
}

// condSpec drives the generated jump/set families.
type condSpec struct {
	suffix string
	cond   Condition
	args   []ArgKind // operands before the jump target / after the dest register
}

var condSpecs = []condSpec{
	{"eq", CondEqual, []ArgKind{ArgValue, ArgValue}},
	{"ge", CondGreaterEqual, []ArgKind{ArgValue, ArgValue}},
	{"gt", CondGreater, []ArgKind{ArgValue, ArgValue}},
	{"le", CondLessEqual, []ArgKind{ArgValue, ArgValue}},
	{"lt", CondLess, []ArgKind{ArgValue, ArgValue}},
	{"ne", CondNotEqual, []ArgKind{ArgValue, ArgValue}},
	{"ap", CondApproxEqual, []ArgKind{ArgValue, ArgValue, ArgValue}},
	{"na", CondNotApproxEqual, []ArgKind{ArgValue, ArgValue, ArgValue}},
	{"dse", CondDeviceSet, []ArgKind{ArgDevice}},
	{"dns", CondDeviceNotSet, []ArgKind{ArgDevice}},
	{"eqz", CondEqualZero, []ArgKind{ArgValue}},
	{"gez", CondGreaterEqualZero, []ArgKind{ArgValue}},
	{"gtz", CondGreaterZero, []ArgKind{ArgValue}},
	{"lez", CondLessEqualZero, []ArgKind{ArgValue}},
	{"ltz", CondLessZero, []ArgKind{ArgValue}},
	{"nez", CondNotEqualZero, []ArgKind{ArgValue}},
	{"apz", CondApproxEqualZero, []ArgKind{ArgValue, ArgValue}},
	{"naz", CondNotApproxEqualZero, []ArgKind{ArgValue, ArgValue}},
}

func init() {
	// Unconditional control transfer.
	register(&Opcode{Name: "j", Args: []ArgKind{ArgValue}, Behaviour: BehaviourJump})
	register(&Opcode{Name: "jal", Args: []ArgKind{ArgValue}, Behaviour: BehaviourJumpAndLink})
	register(&Opcode{Name: "jr", Args: []ArgKind{ArgValue}, Behaviour: BehaviourRelativeJump})

	// Conditional branch families: absolute, and-link, relative.
	for _, cs := range condSpecs {
		args := append(append([]ArgKind{}, cs.args...), ArgValue)
		register(&Opcode{Name: "b" + cs.suffix, Args: args, Behaviour: BehaviourJump, Condition: cs.cond})
		register(&Opcode{Name: "b" + cs.suffix + "al", Args: args, Behaviour: BehaviourJumpAndLink, Condition: cs.cond})
		register(&Opcode{Name: "br" + cs.suffix, Args: args, Behaviour: BehaviourRelativeJump, Condition: cs.cond})
	}

	// Set-register family.
	register(&Opcode{Name: "move", Args: []ArgKind{ArgRegister, ArgValue}, Behaviour: BehaviourSetRegister})
	for _, cs := range condSpecs {
		args := append([]ArgKind{ArgRegister}, cs.args...)
		register(&Opcode{Name: "s" + cs.suffix, Args: args, Behaviour: BehaviourSetRegister, Condition: cs.cond})
	}

	// Arithmetic.
	for _, name := range []string{"add", "sub", "mul", "div", "mod", "max", "min", "atan2", "and", "or", "xor", "nor", "sla", "sll", "sra", "srl"} {
		register(&Opcode{Name: name, Args: []ArgKind{ArgRegister, ArgValue, ArgValue}, Behaviour: BehaviourArithmetic})
	}
	for _, name := range []string{"abs", "ceil", "floor", "round", "trunc", "sqrt", "exp", "log", "sin", "cos", "tan", "asin", "acos", "atan", "not"} {
		register(&Opcode{Name: name, Args: []ArgKind{ArgRegister, ArgValue}, Behaviour: BehaviourArithmetic})
	}
	register(&Opcode{Name: "rand", Args: []ArgKind{ArgRegister}, Behaviour: BehaviourArithmetic})

	// Conditional move sits outside the (behaviour, condition) algebra:
	// the predicate is an operand, not part of the mnemonic.
	register(&Opcode{Name: "select", Args: []ArgKind{ArgRegister, ArgValue, ArgValue, ArgValue}, Behaviour: BehaviourOther})

	// Stack.
	register(&Opcode{Name: "push", Args: []ArgKind{ArgValue}, Behaviour: BehaviourStack})
	register(&Opcode{Name: "pop", Args: []ArgKind{ArgRegister}, Behaviour: BehaviourStack})
	register(&Opcode{Name: "peek", Args: []ArgKind{ArgRegister}, Behaviour: BehaviourStack})

	// Device interop.
	register(&Opcode{Name: "l", Args: []ArgKind{ArgRegister, ArgDevice, ArgName}, Behaviour: BehaviourDeviceInterop})
	register(&Opcode{Name: "lb", Args: []ArgKind{ArgRegister, ArgValue, ArgDevice, ArgName, ArgValue}, Behaviour: BehaviourDeviceInterop})
	register(&Opcode{Name: "ls", Args: []ArgKind{ArgRegister, ArgDevice, ArgValue, ArgName}, Behaviour: BehaviourDeviceInterop})
	register(&Opcode{Name: "lr", Args: []ArgKind{ArgRegister, ArgDevice, ArgValue, ArgName}, Behaviour: BehaviourDeviceInterop})
	register(&Opcode{Name: "s", Args: []ArgKind{ArgDevice, ArgName, ArgValue}, Behaviour: BehaviourDeviceInterop})
	register(&Opcode{Name: "sb", Args: []ArgKind{ArgValue, ArgName, ArgValue}, Behaviour: BehaviourDeviceInterop})

	// Timing.
	register(&Opcode{Name: "yield", Behaviour: BehaviourTiming})
	register(&Opcode{Name: "sleep", Args: []ArgKind{ArgValue}, Behaviour: BehaviourTiming})

	// Meta.
	register(&Opcode{Name: "alias", Args: []ArgKind{ArgName, ArgValue}, Behaviour: BehaviourMeta})
	register(&Opcode{Name: "define", Args: []ArgKind{ArgName, ArgValue}, Behaviour: BehaviourMeta})

	register(&Opcode{Name: "hcf", Behaviour: BehaviourOther})
}

// Find returns the opcode for a mnemonic.
func Find(name string) (*Opcode, bool) {
	op, ok := opsByName[name]
	return op, ok
}

// ByBehaviour returns the unique opcode with the given behaviour and
// condition. Only the jump families and the set-register family
// participate in this lookup.
func ByBehaviour(b Behaviour, c Condition) (*Opcode, bool) {
	op, ok := opsByBehaviour[behKey{b, c}]
	return op, ok
}

// Opcodes returns every registered opcode, in registration order.
func Opcodes() []*Opcode {
	return allOps
}

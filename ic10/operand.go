package ic10

import (
	"strconv"
	"strings"
)

// OperandKind discriminates the Operand variants.
type OperandKind int

const (
	KindValueRegister OperandKind = iota
	KindValueRegisterIndirect
	KindDeviceRegister
	KindDeviceRegisterIndirect
	KindName
	KindStatic
)

// Register file indices. r0..r15 are the general registers; sp and ra
// alias r16 and r17 in operand position.
const (
	NumRegisters = 16
	SPIndex      = 16
	RAIndex      = 17

	// Device pins. d0..d5 plus the base device db.
	NumDevices = 6
	DBIndex    = 6
)

// Operand is a single decoded instruction operand.
type Operand struct {
	Kind  OperandKind
	Index int     // register or device index
	Name  string  // KindName
	Value float64 // KindStatic
}

// Constructors for the common operand forms.

func Register(i int) Operand   { return Operand{Kind: KindValueRegister, Index: i} }
func RegisterSP() Operand      { return Operand{Kind: KindValueRegister, Index: SPIndex} }
func RegisterRA() Operand      { return Operand{Kind: KindValueRegister, Index: RAIndex} }
func Device(i int) Operand     { return Operand{Kind: KindDeviceRegister, Index: i} }
func DeviceBase() Operand      { return Operand{Kind: KindDeviceRegister, Index: DBIndex} }
func Name(s string) Operand    { return Operand{Kind: KindName, Name: s} }
func Static(v float64) Operand { return Operand{Kind: KindStatic, Value: v} }
func RegisterIndirect(i int) Operand {
	return Operand{Kind: KindValueRegisterIndirect, Index: i}
}
func DeviceIndirect(i int) Operand {
	return Operand{Kind: KindDeviceRegisterIndirect, Index: i}
}

// ParseOperand decodes operand text. The parser is total: text that is
// not a register, device or number is a name.
func ParseOperand(text string) Operand {
	switch text {
	case "sp":
		return RegisterSP()
	case "ra":
		return RegisterRA()
	case "db":
		return DeviceBase()
	}
	if n, ok := parseIndexed(text, "rr", NumRegisters); ok {
		return RegisterIndirect(n)
	}
	if n, ok := parseIndexed(text, "dr", NumRegisters); ok {
		return DeviceIndirect(n)
	}
	if n, ok := parseIndexed(text, "r", NumRegisters); ok {
		return Register(n)
	}
	if n, ok := parseIndexed(text, "d", NumDevices); ok {
		return Device(n)
	}
	// Numerics live in the machine's single-precision domain when they
	// fit; wider values keep full double precision.
	if v, err := strconv.ParseFloat(text, 32); err == nil {
		return Static(v)
	} else if v, err := strconv.ParseFloat(text, 64); err == nil {
		return Static(v)
	}
	return Name(text)
}

func parseIndexed(text, prefix string, limit int) (int, bool) {
	rest, ok := strings.CutPrefix(text, prefix)
	if !ok || rest == "" {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 || n >= limit || (rest[0] == '0' && len(rest) > 1) {
		return 0, false
	}
	return n, true
}

// String renders the canonical operand text. Render followed by
// ParseOperand yields the same operand.
func (o Operand) String() string {
	switch o.Kind {
	case KindValueRegister:
		switch o.Index {
		case SPIndex:
			return "sp"
		case RAIndex:
			return "ra"
		}
		return "r" + strconv.Itoa(o.Index)
	case KindValueRegisterIndirect:
		return "rr" + strconv.Itoa(o.Index)
	case KindDeviceRegister:
		if o.Index == DBIndex {
			return "db"
		}
		return "d" + strconv.Itoa(o.Index)
	case KindDeviceRegisterIndirect:
		return "dr" + strconv.Itoa(o.Index)
	case KindName:
		return o.Name
	case KindStatic:
		return FormatNumber(o.Value)
	}
	return "???"
}

// IsStatic reports whether the operand is a numeric literal.
func (o Operand) IsStatic() bool { return o.Kind == KindStatic }

// IsReturnAddress reports whether the operand is the ra register.
func (o Operand) IsReturnAddress() bool {
	return o.Kind == KindValueRegister && o.Index == RAIndex
}

// FormatNumber renders a numeric value in the canonical decimal form
// used throughout emitted IC10 text: the shortest representation that
// survives the machine's single-precision model, falling back to full
// precision for values outside it.
func FormatNumber(v float64) string {
	if float64(float32(v)) == v {
		return strconv.FormatFloat(v, 'g', -1, 32)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Matches reports whether the operand satisfies an opcode's expected
// argument kind at one position.
func (o Operand) Matches(k ArgKind) bool {
	switch k {
	case ArgRegister:
		// Bare names are register aliases.
		return o.Kind == KindValueRegister || o.Kind == KindValueRegisterIndirect || o.Kind == KindName
	case ArgDevice:
		return o.Kind == KindDeviceRegister || o.Kind == KindDeviceRegisterIndirect || o.Kind == KindName
	case ArgValue:
		return true
	case ArgName:
		return o.Kind == KindName
	}
	return false
}

package sbil

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Assembler builds a method body byte stream, the encoder mirror of
// DecodeBody. Branch targets are symbolic labels fixed up in Bytes.
type Assembler struct {
	buf    []byte
	labels map[string]int
	fixups []fixup
	errs   []error
}

type fixup struct {
	at    int // byte offset of the delta field
	width int // 1 or 4
	next  int // byte offset the delta is relative to
	label string
}

// NewAssembler returns an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{labels: make(map[string]int)}
}

// Label binds a name to the current offset.
func (a *Assembler) Label(name string) *Assembler {
	if _, ok := a.labels[name]; ok {
		a.errs = append(a.errs, fmt.Errorf("sbil: duplicate label %q", name))
		return a
	}
	a.labels[name] = len(a.buf)
	return a
}

// Emit appends a payload-free opcode.
func (a *Assembler) Emit(op Op) *Assembler {
	a.requirePayload(op, PayloadNone)
	a.opcode(op)
	return a
}

// EmitInt appends an opcode with an integer payload: a variable index
// or an inline immediate.
func (a *Assembler) EmitInt(op Op, v int64) *Assembler {
	kind, _ := op.Payload()
	a.opcode(op)
	switch kind {
	case PayloadVarIndex:
		a.buf = append(a.buf, byte(v))
	case PayloadI8:
		a.buf = append(a.buf, byte(int8(v)))
	case PayloadI32:
		a.u32(uint32(int32(v)))
	case PayloadI64:
		a.u64(uint64(v))
	default:
		a.errs = append(a.errs, fmt.Errorf("sbil: %s takes no integer payload", op))
	}
	return a
}

// EmitFloat appends an opcode with a real payload.
func (a *Assembler) EmitFloat(op Op, v float64) *Assembler {
	kind, _ := op.Payload()
	a.opcode(op)
	switch kind {
	case PayloadF32:
		a.u32(math.Float32bits(float32(v)))
	case PayloadF64:
		a.u64(math.Float64bits(v))
	default:
		a.errs = append(a.errs, fmt.Errorf("sbil: %s takes no real payload", op))
	}
	return a
}

// EmitToken appends an opcode with a metadata token payload.
func (a *Assembler) EmitToken(op Op, tok Token) *Assembler {
	kind, _ := op.Payload()
	switch kind {
	case PayloadMethodTok, PayloadFieldTok, PayloadStringTok:
	default:
		a.errs = append(a.errs, fmt.Errorf("sbil: %s takes no token payload", op))
		return a
	}
	a.opcode(op)
	a.u32(uint32(tok))
	return a
}

// EmitBranch appends a branch opcode targeting a label.
func (a *Assembler) EmitBranch(op Op, label string) *Assembler {
	kind, _ := op.Payload()
	a.opcode(op)
	switch kind {
	case PayloadBranch8:
		a.fixups = append(a.fixups, fixup{at: len(a.buf), width: 1, next: len(a.buf) + 1, label: label})
		a.buf = append(a.buf, 0)
	case PayloadBranch32:
		a.fixups = append(a.fixups, fixup{at: len(a.buf), width: 4, next: len(a.buf) + 4, label: label})
		a.u32(0)
	default:
		a.errs = append(a.errs, fmt.Errorf("sbil: %s is not a branch", op))
	}
	return a
}

// EmitSwitch appends a switch opcode over the given case labels.
func (a *Assembler) EmitSwitch(labels []string) *Assembler {
	a.opcode(OpSwitch)
	a.u32(uint32(len(labels)))
	base := len(a.buf) + 4*len(labels)
	for _, l := range labels {
		a.fixups = append(a.fixups, fixup{at: len(a.buf), width: 4, next: base, label: l})
		a.u32(0)
	}
	return a
}

// Bytes resolves all fixups and returns the body.
func (a *Assembler) Bytes() ([]byte, error) {
	if len(a.errs) > 0 {
		return nil, a.errs[0]
	}
	out := append([]byte{}, a.buf...)
	for _, f := range a.fixups {
		target, ok := a.labels[f.label]
		if !ok {
			return nil, fmt.Errorf("sbil: undefined label %q", f.label)
		}
		delta := target - f.next
		switch f.width {
		case 1:
			if delta < math.MinInt8 || delta > math.MaxInt8 {
				return nil, fmt.Errorf("sbil: short branch to %q out of range (%d)", f.label, delta)
			}
			out[f.at] = byte(int8(delta))
		case 4:
			binary.LittleEndian.PutUint32(out[f.at:], uint32(int32(delta)))
		}
	}
	return out, nil
}

// MustBytes is Bytes for test construction; it panics on error.
func (a *Assembler) MustBytes() []byte {
	b, err := a.Bytes()
	if err != nil {
		panic(err)
	}
	return b
}

func (a *Assembler) opcode(op Op) {
	if op > 0xFF {
		a.buf = append(a.buf, byte(op>>8), byte(op))
		return
	}
	a.buf = append(a.buf, byte(op))
}

func (a *Assembler) requirePayload(op Op, want PayloadKind) {
	if kind, ok := op.Payload(); !ok || kind != want {
		a.errs = append(a.errs, fmt.Errorf("sbil: %s payload mismatch", op))
	}
}

func (a *Assembler) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	a.buf = append(a.buf, b[:]...)
}

func (a *Assembler) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	a.buf = append(a.buf, b[:]...)
}

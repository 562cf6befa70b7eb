package sbil

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Instruction is one decoded SBIL instruction with its operand payload
// resolved. Offset and Size are in bytes; branch targets are absolute
// byte offsets into the body.
type Instruction struct {
	Offset int
	Size   int
	Op     Op

	Int    int64 // integer payloads (immediates, variable indices)
	Float  float64
	Target int   // absolute byte offset for branch payloads
	Switch []int // absolute byte offsets for switch payloads
	Str    string
	Method *Method
	Field  *Field
}

func (in Instruction) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "IL_%04X: %s", in.Offset, in.Op)
	kind, _ := in.Op.Payload()
	switch kind {
	case PayloadVarIndex, PayloadI8, PayloadI32, PayloadI64:
		fmt.Fprintf(&sb, " %d", in.Int)
	case PayloadF32, PayloadF64:
		fmt.Fprintf(&sb, " %v", in.Float)
	case PayloadBranch8, PayloadBranch32:
		fmt.Fprintf(&sb, " IL_%04X", in.Target)
	case PayloadSwitch:
		for _, t := range in.Switch {
			fmt.Fprintf(&sb, " IL_%04X", t)
		}
	case PayloadMethodTok:
		fmt.Fprintf(&sb, " %v", in.Method)
	case PayloadFieldTok:
		fmt.Fprintf(&sb, " %v", in.Field)
	case PayloadStringTok:
		fmt.Fprintf(&sb, " %q", in.Str)
	}
	return sb.String()
}

// DecodeBody decodes a raw method body into the typed instruction
// stream, resolving every token payload through the resolver.
func DecodeBody(body []byte, res Resolver) ([]Instruction, error) {
	r := &reader{data: body}
	var out []Instruction
	for r.remaining() > 0 {
		start := r.pos
		op, err := r.opcode()
		if err != nil {
			return nil, err
		}
		kind, ok := op.Payload()
		if !ok {
			return nil, fmt.Errorf("sbil: unknown opcode 0x%04X at offset %d", uint16(op), start)
		}
		in := Instruction{Offset: start, Op: op}
		switch kind {
		case PayloadNone:
		case PayloadVarIndex:
			b, err := r.u8()
			if err != nil {
				return nil, fmt.Errorf("sbil: %s at %d: %w", op, start, err)
			}
			in.Int = int64(b)
		case PayloadI8:
			b, err := r.u8()
			if err != nil {
				return nil, fmt.Errorf("sbil: %s at %d: %w", op, start, err)
			}
			in.Int = int64(int8(b))
		case PayloadI32:
			v, err := r.u32()
			if err != nil {
				return nil, fmt.Errorf("sbil: %s at %d: %w", op, start, err)
			}
			in.Int = int64(int32(v))
		case PayloadI64:
			v, err := r.u64()
			if err != nil {
				return nil, fmt.Errorf("sbil: %s at %d: %w", op, start, err)
			}
			in.Int = int64(v)
		case PayloadF32:
			v, err := r.u32()
			if err != nil {
				return nil, fmt.Errorf("sbil: %s at %d: %w", op, start, err)
			}
			in.Float = float64(math.Float32frombits(v))
		case PayloadF64:
			v, err := r.u64()
			if err != nil {
				return nil, fmt.Errorf("sbil: %s at %d: %w", op, start, err)
			}
			in.Float = math.Float64frombits(v)
		case PayloadBranch8:
			b, err := r.u8()
			if err != nil {
				return nil, fmt.Errorf("sbil: %s at %d: %w", op, start, err)
			}
			in.Target = r.pos + int(int8(b))
		case PayloadBranch32:
			v, err := r.u32()
			if err != nil {
				return nil, fmt.Errorf("sbil: %s at %d: %w", op, start, err)
			}
			in.Target = r.pos + int(int32(v))
		case PayloadSwitch:
			count, err := r.u32()
			if err != nil {
				return nil, fmt.Errorf("sbil: switch at %d: %w", start, err)
			}
			deltas := make([]int32, count)
			for i := range deltas {
				v, err := r.u32()
				if err != nil {
					return nil, fmt.Errorf("sbil: switch case %d at %d: %w", i, start, err)
				}
				deltas[i] = int32(v)
			}
			for _, d := range deltas {
				in.Switch = append(in.Switch, r.pos+int(d))
			}
		case PayloadMethodTok:
			tok, err := r.token()
			if err != nil {
				return nil, fmt.Errorf("sbil: %s at %d: %w", op, start, err)
			}
			if in.Method, err = res.ResolveMethod(tok); err != nil {
				return nil, fmt.Errorf("sbil: %s at %d: %w", op, start, err)
			}
		case PayloadFieldTok:
			tok, err := r.token()
			if err != nil {
				return nil, fmt.Errorf("sbil: %s at %d: %w", op, start, err)
			}
			if in.Field, err = res.ResolveField(tok); err != nil {
				return nil, fmt.Errorf("sbil: %s at %d: %w", op, start, err)
			}
		case PayloadStringTok:
			tok, err := r.token()
			if err != nil {
				return nil, fmt.Errorf("sbil: %s at %d: %w", op, start, err)
			}
			if in.Str, err = res.ResolveString(tok); err != nil {
				return nil, fmt.Errorf("sbil: %s at %d: %w", op, start, err)
			}
		}
		in.Size = r.pos - start
		out = append(out, in)
	}
	return out, nil
}

// reader wraps a byte slice with a position cursor.
type reader struct {
	data []byte
	pos  int
}

func (r *reader) remaining() int { return len(r.data) - r.pos }

func (r *reader) u8() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, fmt.Errorf("unexpected end of body at offset %d", r.pos)
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) u32() (uint32, error) {
	if r.pos+4 > len(r.data) {
		return 0, fmt.Errorf("unexpected end of body at offset %d", r.pos)
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if r.pos+8 > len(r.data) {
		return 0, fmt.Errorf("unexpected end of body at offset %d", r.pos)
	}
	v := binary.LittleEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) opcode() (Op, error) {
	b, err := r.u8()
	if err != nil {
		return 0, err
	}
	if b != extPrefix {
		return Op(b), nil
	}
	b2, err := r.u8()
	if err != nil {
		return 0, err
	}
	return Op(uint16(extPrefix)<<8 | uint16(b2)), nil
}

func (r *reader) token() (Token, error) {
	v, err := r.u32()
	return Token(v), err
}

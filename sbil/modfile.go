package sbil

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"sort"
)

// Magic number for serialised module files.
const ModMagic = 0x53424D31 // "SBM1"

// Encode writes the module in its binary container format: header,
// string heap, type table, field table, method table (with bodies),
// then the class list. Token row order is preserved, so tokens baked
// into method bodies stay valid across a round trip.
func (m *Module) Encode(w io.Writer) error {
	var buf bytes.Buffer

	encodeWord(&buf, ModMagic)
	encodeOperand(&buf, 1) // version

	encodeOperand(&buf, int32(len(m.strs)))
	for _, s := range m.strs {
		writeCString(&buf, s)
	}

	typeIndex := make(map[*TypeRef]int32)
	for i, t := range m.types {
		typeIndex[t] = int32(i)
	}
	encodeOperand(&buf, int32(len(m.types)))
	for _, t := range m.types {
		writeCString(&buf, t.Name)
		encodeOperand(&buf, int32(t.Kind))
		if t.Device != nil {
			buf.WriteByte(1)
			writeCString(&buf, t.Device.TypeName)
			encodeOperand(&buf, int32(t.Device.SlotCount))
		} else {
			buf.WriteByte(0)
		}
		encodeOperand(&buf, int32(len(t.EnumValues)))
		for _, name := range sortedKeys(t.EnumValues) {
			writeCString(&buf, name)
			encodeReal(&buf, t.EnumValues[name])
		}
	}

	ref := func(t *TypeRef) int32 {
		if t == nil {
			return -1
		}
		idx, ok := typeIndex[t]
		if !ok {
			return -1
		}
		return idx
	}

	encodeOperand(&buf, int32(len(m.fields)))
	for _, f := range m.fields {
		writeCString(&buf, f.Name)
		encodeOperand(&buf, ref(f.Type))
		if f.Device != nil {
			buf.WriteByte(1)
			writeCString(&buf, f.Device.Pin)
			encodeOperand(&buf, int32(f.Device.Index))
		} else {
			buf.WriteByte(0)
		}
		writeBool(&buf, f.Multicast)
	}

	encodeOperand(&buf, int32(len(m.methods)))
	for _, mt := range m.methods {
		writeCString(&buf, mt.Name)
		encodeOperand(&buf, ref(mt.Declaring))
		writeBool(&buf, mt.Static)
		encodeOperand(&buf, ref(mt.ReturnType))
		encodeOperand(&buf, ref(mt.GenericArg))
		if mt.Hint != nil {
			buf.WriteByte(1)
			encodeOperand(&buf, int32(mt.Hint.Kind))
			writeCString(&buf, mt.Hint.Pattern)
		} else {
			buf.WriteByte(0)
		}
		encodeVariables(&buf, mt.Params, ref)
		encodeVariables(&buf, mt.Locals, ref)
		encodeOperand(&buf, int32(len(mt.Body)))
		buf.Write(mt.Body)
	}

	fieldIndex := make(map[*Field]int32)
	for i, f := range m.fields {
		fieldIndex[f] = int32(i)
	}
	methodIndex := make(map[*Method]int32)
	for i, mt := range m.methods {
		methodIndex[mt] = int32(i)
	}
	encodeOperand(&buf, int32(len(m.Classes)))
	for _, c := range m.Classes {
		writeCString(&buf, c.Name)
		writeBool(&buf, c.IsProgram)
		encodeOperand(&buf, ref(c.Type))
		encodeOperand(&buf, int32(len(c.Fields)))
		for _, f := range c.Fields {
			encodeOperand(&buf, fieldIndex[f])
		}
		encodeOperand(&buf, int32(len(c.Methods)))
		for _, mt := range c.Methods {
			encodeOperand(&buf, methodIndex[mt])
		}
	}

	_, err := w.Write(buf.Bytes())
	return err
}

// EncodeToBytes is a convenience that encodes the module to a byte
// slice.
func (m *Module) EncodeToBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := m.Encode(&buf); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeVariables(buf *bytes.Buffer, vars []Variable, ref func(*TypeRef) int32) {
	encodeOperand(buf, int32(len(vars)))
	for _, v := range vars {
		writeCString(buf, v.Name)
		encodeOperand(buf, ref(v.Type))
	}
}

// DecodeModule parses a module from its binary container format.
func DecodeModule(data []byte) (*Module, error) {
	r := &modReader{reader: reader{data: data}}
	magic, err := r.word()
	if err != nil {
		return nil, fmt.Errorf("magic: %w", err)
	}
	if magic != ModMagic {
		return nil, fmt.Errorf("bad magic: 0x%08X", magic)
	}
	version, err := r.operand()
	if err != nil {
		return nil, fmt.Errorf("version: %w", err)
	}
	if version != 1 {
		return nil, fmt.Errorf("unsupported version %d", version)
	}

	m := NewModule()

	nstr, err := r.operand()
	if err != nil {
		return nil, fmt.Errorf("string count: %w", err)
	}
	for i := int32(0); i < nstr; i++ {
		s, err := r.cstring()
		if err != nil {
			return nil, fmt.Errorf("string %d: %w", i, err)
		}
		m.strs = append(m.strs, s)
	}

	ntyp, err := r.operand()
	if err != nil {
		return nil, fmt.Errorf("type count: %w", err)
	}
	for i := int32(0); i < ntyp; i++ {
		t, err := r.typeRef()
		if err != nil {
			return nil, fmt.Errorf("type %d: %w", i, err)
		}
		m.types = append(m.types, t)
	}
	byIndex := func(idx int32) (*TypeRef, error) {
		if idx == -1 {
			return nil, nil
		}
		if idx < 0 || int(idx) >= len(m.types) {
			return nil, fmt.Errorf("type index %d out of range", idx)
		}
		return m.types[idx], nil
	}

	nfld, err := r.operand()
	if err != nil {
		return nil, fmt.Errorf("field count: %w", err)
	}
	for i := int32(0); i < nfld; i++ {
		f, err := r.field(byIndex)
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", i, err)
		}
		m.fields = append(m.fields, f)
	}

	nmth, err := r.operand()
	if err != nil {
		return nil, fmt.Errorf("method count: %w", err)
	}
	for i := int32(0); i < nmth; i++ {
		mt, err := r.method(byIndex)
		if err != nil {
			return nil, fmt.Errorf("method %d: %w", i, err)
		}
		m.methods = append(m.methods, mt)
	}

	ncls, err := r.operand()
	if err != nil {
		return nil, fmt.Errorf("class count: %w", err)
	}
	for i := int32(0); i < ncls; i++ {
		c, err := r.class(m, byIndex)
		if err != nil {
			return nil, fmt.Errorf("class %d: %w", i, err)
		}
		m.Classes = append(m.Classes, c)
	}
	return m, nil
}

type modReader struct {
	reader
}

// operand reads the variable-length signed integer encoding:
// 1 byte for [-64, 63], 2 bytes for [-8192, 8191], else 4 bytes.
func (r *modReader) operand() (int32, error) {
	b, err := r.u8()
	if err != nil {
		return 0, err
	}
	switch b & 0xC0 {
	case 0x80:
		b2, err := r.u8()
		if err != nil {
			return 0, err
		}
		v := int32(b&0x3F)<<8 | int32(b2)
		return v << 18 >> 18, nil // sign extend 14 bits
	case 0xC0:
		var v int32 = int32(b & 0x3F)
		for i := 0; i < 3; i++ {
			b2, err := r.u8()
			if err != nil {
				return 0, err
			}
			v = v<<8 | int32(b2)
		}
		return v << 2 >> 2, nil // sign extend 30 bits
	default:
		return int32(b) << 25 >> 25, nil // sign extend 7 bits
	}
}

func (r *modReader) word() (uint32, error) {
	var v uint32
	for i := 0; i < 4; i++ {
		b, err := r.u8()
		if err != nil {
			return 0, err
		}
		v = v<<8 | uint32(b)
	}
	return v, nil
}

func (r *modReader) real() (float64, error) {
	hi, err := r.word()
	if err != nil {
		return 0, err
	}
	lo, err := r.word()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(uint64(hi)<<32 | uint64(lo)), nil
}

func (r *modReader) cstring() (string, error) {
	start := r.pos
	for r.pos < len(r.data) {
		if r.data[r.pos] == 0 {
			s := string(r.data[start:r.pos])
			r.pos++
			return s, nil
		}
		r.pos++
	}
	return "", fmt.Errorf("unterminated string at offset %d", start)
}

func (r *modReader) flag() (bool, error) {
	b, err := r.u8()
	return b != 0, err
}

func (r *modReader) typeRef() (*TypeRef, error) {
	name, err := r.cstring()
	if err != nil {
		return nil, err
	}
	kind, err := r.operand()
	if err != nil {
		return nil, err
	}
	t := &TypeRef{Name: name, Kind: TypeKind(kind)}
	hasDev, err := r.flag()
	if err != nil {
		return nil, err
	}
	if hasDev {
		tn, err := r.cstring()
		if err != nil {
			return nil, err
		}
		slots, err := r.operand()
		if err != nil {
			return nil, err
		}
		t.Device = &DeviceInterface{TypeName: tn, SlotCount: int(slots)}
	}
	nenum, err := r.operand()
	if err != nil {
		return nil, err
	}
	if nenum > 0 {
		t.EnumValues = make(map[string]float64, nenum)
		for i := int32(0); i < nenum; i++ {
			name, err := r.cstring()
			if err != nil {
				return nil, err
			}
			val, err := r.real()
			if err != nil {
				return nil, err
			}
			t.EnumValues[name] = val
		}
	}
	return t, nil
}

func (r *modReader) field(byIndex func(int32) (*TypeRef, error)) (*Field, error) {
	name, err := r.cstring()
	if err != nil {
		return nil, err
	}
	tidx, err := r.operand()
	if err != nil {
		return nil, err
	}
	typ, err := byIndex(tidx)
	if err != nil {
		return nil, err
	}
	f := &Field{Name: name, Type: typ}
	hasDev, err := r.flag()
	if err != nil {
		return nil, err
	}
	if hasDev {
		pin, err := r.cstring()
		if err != nil {
			return nil, err
		}
		idx, err := r.operand()
		if err != nil {
			return nil, err
		}
		f.Device = &DeviceTag{Pin: pin, Index: int(idx)}
	}
	if f.Multicast, err = r.flag(); err != nil {
		return nil, err
	}
	return f, nil
}

func (r *modReader) method(byIndex func(int32) (*TypeRef, error)) (*Method, error) {
	name, err := r.cstring()
	if err != nil {
		return nil, err
	}
	mt := &Method{Name: name}
	var idx int32
	if idx, err = r.operand(); err != nil {
		return nil, err
	}
	if mt.Declaring, err = byIndex(idx); err != nil {
		return nil, err
	}
	if mt.Static, err = r.flag(); err != nil {
		return nil, err
	}
	if idx, err = r.operand(); err != nil {
		return nil, err
	}
	if mt.ReturnType, err = byIndex(idx); err != nil {
		return nil, err
	}
	if idx, err = r.operand(); err != nil {
		return nil, err
	}
	if mt.GenericArg, err = byIndex(idx); err != nil {
		return nil, err
	}
	hasHint, err := r.flag()
	if err != nil {
		return nil, err
	}
	if hasHint {
		kind, err := r.operand()
		if err != nil {
			return nil, err
		}
		pattern, err := r.cstring()
		if err != nil {
			return nil, err
		}
		mt.Hint = &CompileHint{Pattern: pattern, Kind: HintKind(kind)}
	}
	if mt.Params, err = r.variables(byIndex); err != nil {
		return nil, err
	}
	if mt.Locals, err = r.variables(byIndex); err != nil {
		return nil, err
	}
	blen, err := r.operand()
	if err != nil {
		return nil, err
	}
	if blen > 0 {
		body, err := r.bytes(int(blen))
		if err != nil {
			return nil, err
		}
		mt.Body = body
	}
	return mt, nil
}

func (r *modReader) variables(byIndex func(int32) (*TypeRef, error)) ([]Variable, error) {
	n, err := r.operand()
	if err != nil {
		return nil, err
	}
	var out []Variable
	for i := int32(0); i < n; i++ {
		name, err := r.cstring()
		if err != nil {
			return nil, err
		}
		tidx, err := r.operand()
		if err != nil {
			return nil, err
		}
		typ, err := byIndex(tidx)
		if err != nil {
			return nil, err
		}
		out = append(out, Variable{Name: name, Type: typ})
	}
	return out, nil
}

func (r *modReader) class(m *Module, byIndex func(int32) (*TypeRef, error)) (*Class, error) {
	name, err := r.cstring()
	if err != nil {
		return nil, err
	}
	c := &Class{Name: name}
	if c.IsProgram, err = r.flag(); err != nil {
		return nil, err
	}
	tidx, err := r.operand()
	if err != nil {
		return nil, err
	}
	if c.Type, err = byIndex(tidx); err != nil {
		return nil, err
	}
	if c.Type != nil {
		c.Type.Class = c
	}
	nfld, err := r.operand()
	if err != nil {
		return nil, err
	}
	for i := int32(0); i < nfld; i++ {
		idx, err := r.operand()
		if err != nil {
			return nil, err
		}
		if idx < 0 || int(idx) >= len(m.fields) {
			return nil, fmt.Errorf("field index %d out of range", idx)
		}
		c.Fields = append(c.Fields, m.fields[idx])
	}
	nmth, err := r.operand()
	if err != nil {
		return nil, err
	}
	for i := int32(0); i < nmth; i++ {
		idx, err := r.operand()
		if err != nil {
			return nil, err
		}
		if idx < 0 || int(idx) >= len(m.methods) {
			return nil, fmt.Errorf("method index %d out of range", idx)
		}
		c.Methods = append(c.Methods, m.methods[idx])
		m.methods[idx].Declaring = c.Type
	}
	return c, nil
}

func (r *modReader) bytes(n int) ([]byte, error) {
	if r.pos+n > len(r.data) {
		return nil, fmt.Errorf("unexpected EOF: need %d bytes at offset %d", n, r.pos)
	}
	b := append([]byte{}, r.data[r.pos:r.pos+n]...)
	r.pos += n
	return b, nil
}

// encodeOperand writes the variable-length signed integer encoding
// used throughout the container format.
func encodeOperand(buf *bytes.Buffer, val int32) {
	if val >= -64 && val <= 63 {
		buf.WriteByte(byte(val) &^ 0x80)
		return
	}
	if val >= -8192 && val <= 8191 {
		buf.WriteByte(byte(val>>8)&^0xC0 | 0x80)
		buf.WriteByte(byte(val))
		return
	}
	buf.WriteByte(byte(val>>24) | 0xC0)
	buf.WriteByte(byte(val >> 16))
	buf.WriteByte(byte(val >> 8))
	buf.WriteByte(byte(val))
}

// encodeWord writes a 4-byte big-endian unsigned value.
func encodeWord(buf *bytes.Buffer, val uint32) {
	buf.WriteByte(byte(val >> 24))
	buf.WriteByte(byte(val >> 16))
	buf.WriteByte(byte(val >> 8))
	buf.WriteByte(byte(val))
}

// encodeReal writes a float64 as two big-endian words.
func encodeReal(buf *bytes.Buffer, v float64) {
	bits := math.Float64bits(v)
	encodeWord(buf, uint32(bits>>32))
	encodeWord(buf, uint32(bits))
}

func writeCString(buf *bytes.Buffer, s string) {
	buf.WriteString(s)
	buf.WriteByte(0)
}

func writeBool(buf *bytes.Buffer, b bool) {
	if b {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

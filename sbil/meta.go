package sbil

import (
	"fmt"
	"strings"
)

// Token is a metadata token: table tag in the high byte, 1-based row
// index in the low three bytes.
type Token uint32

// Metadata table tags.
const (
	TagType   = 0x02
	TagField  = 0x04
	TagMethod = 0x06
	TagString = 0x70
)

// MakeToken builds a token from a table tag and 1-based row index.
func MakeToken(tag byte, row int) Token {
	return Token(uint32(tag)<<24 | uint32(row)&0x00FFFFFF)
}

// Tag returns the metadata table the token addresses.
func (t Token) Tag() byte { return byte(t >> 24) }

// Row returns the 1-based row index.
func (t Token) Row() int { return int(t & 0x00FFFFFF) }

func (t Token) String() string { return fmt.Sprintf("0x%08X", uint32(t)) }

// TypeKind classifies a surface type by how the compiler treats it.
type TypeKind int

const (
	TypeVoid TypeKind = iota
	TypeNumber
	TypeBool
	TypeEnum
	TypeString
	TypeObject      // reference type, value-tracked only
	TypeDevice      // device interface
	TypeDeviceSlots // slot table of a device interface
	TypeStruct      // wide value type; not lowerable to a register
)

// TypeRef is a resolved surface type.
type TypeRef struct {
	Name       string
	Kind       TypeKind
	Device     *DeviceInterface   // set when Kind is TypeDevice or TypeDeviceSlots
	Class      *Class             // set when Kind is TypeObject and the type is a program class
	EnumValues map[string]float64 // set when Kind is TypeEnum
}

// Width returns the number of registers a value of this type occupies:
// 1 for primitives and enums, 0 for reference and device types (which
// are value-tracked, never register-backed), and more than 1 for wide
// value types, which the compiler rejects.
func (t *TypeRef) Width() int {
	switch t.Kind {
	case TypeNumber, TypeBool, TypeEnum:
		return 1
	case TypeStruct:
		return 2
	}
	return 0
}

func (t *TypeRef) String() string { return t.Name }

// IsVoid reports whether the type is void (or absent).
func (t *TypeRef) IsVoid() bool { return t == nil || t.Kind == TypeVoid }

// DeviceInterface is the device-interface tag: the type name feeding
// HASH("…") at emission time, plus the declared slot table size.
type DeviceInterface struct {
	TypeName  string
	SlotCount int
}

// DeviceTag binds a field to a device pin: `alias Pin dIndex`.
type DeviceTag struct {
	Pin   string
	Index int
}

// HintKind selects how a compile-hint pattern is applied.
type HintKind int

const (
	HintInline HintKind = iota
	HintCallStack
)

// CompileHint is user-supplied lowering for a method, in the pattern
// language ($ result sink, #N parameter, %N temporary).
type CompileHint struct {
	Pattern string
	Kind    HintKind
}

// Field is an instance field of a program class, with its attached
// annotations resolved.
type Field struct {
	Name      string
	Type      *TypeRef
	Device    *DeviceTag // pin binding, nil for plain fields
	Multicast bool       // multicast bus binding, no pin alias
}

func (f *Field) String() string { return f.Name }

// Variable is a parameter or local variable of a method.
type Variable struct {
	Name string
	Type *TypeRef
}

// Method is a resolved method: signature, body bytes and annotations.
// Device-interface property accessors are represented as body-less
// methods whose Declaring type is the device interface.
type Method struct {
	Name       string
	Declaring  *TypeRef
	Static     bool
	Params     []Variable
	Locals     []Variable
	ReturnType *TypeRef
	Body       []byte
	Hint       *CompileHint
	GenericArg *TypeRef // type argument of GetTypeHash<T>
}

func (m *Method) String() string {
	if m.Declaring != nil {
		return m.Declaring.Name + "." + m.Name
	}
	return m.Name
}

// Accessor splits a property accessor name into its kind and property
// name: get_X → ("get", "X"), set_X → ("set", "X").
func (m *Method) Accessor() (kind, property string, ok bool) {
	for _, k := range []string{"get", "set"} {
		if rest, found := strings.CutPrefix(m.Name, k+"_"); found && rest != "" {
			return k, rest, true
		}
	}
	return "", "", false
}

// Class is a compiled surface class.
type Class struct {
	Name      string
	IsProgram bool
	Type      *TypeRef
	Fields    []*Field
	Methods   []*Method
}

// Method returns the class method with the given name.
func (c *Class) Method(name string) (*Method, bool) {
	for _, m := range c.Methods {
		if m.Name == name {
			return m, true
		}
	}
	return nil, false
}

// CtorName is the constructor's method name.
const CtorName = ".ctor"

// EntryName is the method the driver treats as the program entry.
const EntryName = "Run"

// Resolver binds metadata tokens to resolved objects. The decoder uses
// it to attach payloads while reading a method body.
type Resolver interface {
	ResolveMethod(tok Token) (*Method, error)
	ResolveField(tok Token) (*Field, error)
	ResolveString(tok Token) (string, error)
}

// Module is a set of classes plus the metadata tables their bodies
// reference. It is the standard Resolver and the contract an external
// front-end fulfils.
type Module struct {
	Classes []*Class

	types   []*TypeRef
	fields  []*Field
	methods []*Method
	strs    []string
}

// NewModule returns an empty module.
func NewModule() *Module { return &Module{} }

// AddClass registers a class and all of its fields and methods,
// returning the class for chaining.
func (m *Module) AddClass(c *Class) *Class {
	m.Classes = append(m.Classes, c)
	if c.Type != nil {
		m.AddType(c.Type)
	}
	for _, f := range c.Fields {
		m.AddField(f)
	}
	for _, mt := range c.Methods {
		m.AddMethod(mt)
	}
	return c
}

// AddType interns a type and returns its token.
func (m *Module) AddType(t *TypeRef) Token {
	for i, old := range m.types {
		if old == t {
			return MakeToken(TagType, i+1)
		}
	}
	m.types = append(m.types, t)
	return MakeToken(TagType, len(m.types))
}

// AddField interns a field and returns its token.
func (m *Module) AddField(f *Field) Token {
	for i, old := range m.fields {
		if old == f {
			return MakeToken(TagField, i+1)
		}
	}
	m.fields = append(m.fields, f)
	return MakeToken(TagField, len(m.fields))
}

// AddMethod interns a method and returns its token.
func (m *Module) AddMethod(mt *Method) Token {
	for i, old := range m.methods {
		if old == mt {
			return MakeToken(TagMethod, i+1)
		}
	}
	m.methods = append(m.methods, mt)
	return MakeToken(TagMethod, len(m.methods))
}

// AddString interns a string literal and returns its token.
func (m *Module) AddString(s string) Token {
	for i, old := range m.strs {
		if old == s {
			return MakeToken(TagString, i+1)
		}
	}
	m.strs = append(m.strs, s)
	return MakeToken(TagString, len(m.strs))
}

// ProgramClasses returns the classes tagged as entry points.
func (m *Module) ProgramClasses() []*Class {
	var out []*Class
	for _, c := range m.Classes {
		if c.IsProgram {
			out = append(out, c)
		}
	}
	return out
}

func (m *Module) ResolveMethod(tok Token) (*Method, error) {
	if tok.Tag() != TagMethod || tok.Row() < 1 || tok.Row() > len(m.methods) {
		return nil, fmt.Errorf("sbil: bad method token %v", tok)
	}
	return m.methods[tok.Row()-1], nil
}

func (m *Module) ResolveField(tok Token) (*Field, error) {
	if tok.Tag() != TagField || tok.Row() < 1 || tok.Row() > len(m.fields) {
		return nil, fmt.Errorf("sbil: bad field token %v", tok)
	}
	return m.fields[tok.Row()-1], nil
}

func (m *Module) ResolveString(tok Token) (string, error) {
	if tok.Tag() != TagString || tok.Row() < 1 || tok.Row() > len(m.strs) {
		return "", fmt.Errorf("sbil: bad string token %v", tok)
	}
	return m.strs[tok.Row()-1], nil
}

// ResolveType resolves a type token.
func (m *Module) ResolveType(tok Token) (*TypeRef, error) {
	if tok.Tag() != TagType || tok.Row() < 1 || tok.Row() > len(m.types) {
		return nil, fmt.Errorf("sbil: bad type token %v", tok)
	}
	return m.types[tok.Row()-1], nil
}

// Common pre-built types shared by front-ends and tests.
var (
	VoidType   = &TypeRef{Name: "void", Kind: TypeVoid}
	NumberType = &TypeRef{Name: "float", Kind: TypeNumber}
	BoolType   = &TypeRef{Name: "bool", Kind: TypeBool}
	StringType = &TypeRef{Name: "string", Kind: TypeString}
)

package sbil

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestModule(t *testing.T) *Module {
	t.Helper()
	m := NewModule()

	heaterIface := &TypeRef{
		Name:   "IWallHeater",
		Kind:   TypeDevice,
		Device: &DeviceInterface{TypeName: "StructureWallHeater", SlotCount: 2},
	}
	modeEnum := &TypeRef{
		Name:       "BatchMode",
		Kind:       TypeEnum,
		EnumValues: map[string]float64{"Average": 0, "Sum": 1, "Minimum": 2, "Maximum": 3},
	}
	m.AddType(heaterIface)
	m.AddType(modeEnum)
	m.AddType(NumberType)

	classType := &TypeRef{Name: "Controller", Kind: TypeObject}
	heater := &Field{Name: "heater", Type: heaterIface, Device: &DeviceTag{Pin: "dHeater", Index: 0}}
	counter := &Field{Name: "counter", Type: NumberType}

	body := NewAssembler().Emit(OpLdarg0).Emit(OpRet).MustBytes()
	run := &Method{
		Name:       "Run",
		Declaring:  classType,
		ReturnType: VoidType,
		Locals:     []Variable{{Name: "t", Type: NumberType}},
		Body:       body,
	}
	helper := &Method{
		Name:       "Scale",
		Declaring:  classType,
		Static:     false,
		Params:     []Variable{{Name: "x", Type: NumberType}},
		ReturnType: NumberType,
		Hint:       &CompileHint{Pattern: "mul $ #0 2", Kind: HintInline},
		Body:       body,
	}
	m.AddType(VoidType)
	m.AddClass(&Class{
		Name:      "Controller",
		IsProgram: true,
		Type:      classType,
		Fields:    []*Field{heater, counter},
		Methods:   []*Method{run, helper},
	})
	return m
}

func TestModuleRoundTrip(t *testing.T) {
	m := buildTestModule(t)
	encoded, err := m.EncodeToBytes()
	require.NoError(t, err)

	decoded, err := DecodeModule(encoded)
	require.NoError(t, err)

	require.Len(t, decoded.Classes, 1)
	c := decoded.Classes[0]
	assert.Equal(t, "Controller", c.Name)
	assert.True(t, c.IsProgram)
	require.Len(t, c.Fields, 2)
	require.Len(t, c.Methods, 2)

	heater := c.Fields[0]
	require.NotNil(t, heater.Device)
	assert.Equal(t, "dHeater", heater.Device.Pin)
	assert.Equal(t, 0, heater.Device.Index)
	require.NotNil(t, heater.Type.Device)
	assert.Equal(t, "StructureWallHeater", heater.Type.Device.TypeName)
	assert.Equal(t, 2, heater.Type.Device.SlotCount)

	run, ok := c.Method("Run")
	require.True(t, ok)
	assert.Equal(t, c.Type, run.Declaring)
	require.Len(t, run.Locals, 1)
	assert.Equal(t, 1, run.Locals[0].Type.Width())

	scale, ok := c.Method("Scale")
	require.True(t, ok)
	require.NotNil(t, scale.Hint)
	assert.Equal(t, HintInline, scale.Hint.Kind)
	assert.Equal(t, "mul $ #0 2", scale.Hint.Pattern)
	assert.NotEmpty(t, scale.Body)

	// Re-encode and verify byte-identical.
	reencoded, err := decoded.EncodeToBytes()
	require.NoError(t, err)
	assert.True(t, bytes.Equal(encoded, reencoded), "re-encoded bytes differ")
}

func TestModuleRoundTripPreservesTokens(t *testing.T) {
	m := buildTestModule(t)
	wantTok := m.AddString("Charge")

	encoded, err := m.EncodeToBytes()
	require.NoError(t, err)
	decoded, err := DecodeModule(encoded)
	require.NoError(t, err)

	s, err := decoded.ResolveString(wantTok)
	require.NoError(t, err)
	assert.Equal(t, "Charge", s)

	enumTok := MakeToken(TagType, 2)
	enum, err := decoded.ResolveType(enumTok)
	require.NoError(t, err)
	assert.Equal(t, "BatchMode", enum.Name)
	assert.Equal(t, 1.0, enum.EnumValues["Sum"])
}

func TestDecodeModuleBadMagic(t *testing.T) {
	_, err := DecodeModule([]byte{1, 2, 3, 4, 0})
	assert.Error(t, err)
	_, err = DecodeModule(nil)
	assert.Error(t, err)
}

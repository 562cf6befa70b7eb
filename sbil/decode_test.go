package sbil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testModule() (*Module, *Method, Token, Token, Token) {
	m := NewModule()
	classType := &TypeRef{Name: "Controller", Kind: TypeObject}
	method := &Method{Name: "Helper", Declaring: classType, ReturnType: NumberType}
	field := &Field{Name: "state", Type: NumberType}
	mTok := m.AddMethod(method)
	fTok := m.AddField(field)
	sTok := m.AddString("Charge")
	return m, method, mTok, fTok, sTok
}

func TestDecodeSimpleBody(t *testing.T) {
	m, _, _, _, _ := testModule()
	body := NewAssembler().
		Emit(OpLdarg0).
		EmitInt(OpLdcI4, 42).
		EmitFloat(OpLdcR4, 0.5).
		Emit(OpAdd).
		Emit(OpRet).
		MustBytes()

	insts, err := DecodeBody(body, m)
	require.NoError(t, err)
	require.Len(t, insts, 5)

	assert.Equal(t, OpLdarg0, insts[0].Op)
	assert.Equal(t, 0, insts[0].Offset)
	assert.Equal(t, 1, insts[0].Size)

	assert.Equal(t, OpLdcI4, insts[1].Op)
	assert.Equal(t, int64(42), insts[1].Int)
	assert.Equal(t, 5, insts[1].Size)

	assert.Equal(t, OpLdcR4, insts[2].Op)
	assert.Equal(t, float64(float32(0.5)), insts[2].Float)

	assert.Equal(t, OpRet, insts[4].Op)
}

func TestDecodeExtendedOpcodes(t *testing.T) {
	m, _, _, _, _ := testModule()
	body := NewAssembler().
		EmitInt(OpLdcI4S, 7).
		EmitInt(OpLdcI4S, -7).
		Emit(OpCeq).
		Emit(OpCltUn).
		MustBytes()

	insts, err := DecodeBody(body, m)
	require.NoError(t, err)
	require.Len(t, insts, 4)
	assert.Equal(t, int64(-7), insts[1].Int)
	assert.Equal(t, OpCeq, insts[2].Op)
	assert.Equal(t, 2, insts[2].Size)
	assert.Equal(t, OpCltUn, insts[3].Op)
}

func TestDecodeTokens(t *testing.T) {
	m, method, mTok, fTok, sTok := testModule()
	body := NewAssembler().
		Emit(OpLdarg0).
		EmitToken(OpLdfld, fTok).
		EmitToken(OpLdstr, sTok).
		EmitToken(OpCall, mTok).
		Emit(OpRet).
		MustBytes()

	insts, err := DecodeBody(body, m)
	require.NoError(t, err)
	require.Len(t, insts, 5)
	assert.Equal(t, "state", insts[1].Field.Name)
	assert.Equal(t, "Charge", insts[2].Str)
	assert.Same(t, method, insts[3].Method)
}

func TestDecodeBadToken(t *testing.T) {
	m, _, _, _, _ := testModule()
	body := NewAssembler().EmitToken(OpCall, MakeToken(TagMethod, 99)).MustBytes()
	_, err := DecodeBody(body, m)
	assert.Error(t, err)
}

func TestDecodeTruncatedBody(t *testing.T) {
	m, _, _, _, _ := testModule()
	_, err := DecodeBody([]byte{byte(OpLdcI4), 1, 2}, m)
	assert.Error(t, err)
	_, err = DecodeBody([]byte{0xFE}, m)
	assert.Error(t, err)
}

func TestBranchTargets(t *testing.T) {
	m, _, _, _, _ := testModule()
	a := NewAssembler()
	a.Label("top").
		Emit(OpLdarg0).
		EmitBranch(OpBrtrueS, "top").
		EmitBranch(OpBr, "done").
		Emit(OpNop).
		Label("done").
		Emit(OpRet)
	body := a.MustBytes()

	insts, err := DecodeBody(body, m)
	require.NoError(t, err)
	require.Len(t, insts, 5)
	// Backward short branch to offset 0.
	assert.Equal(t, 0, insts[1].Target)
	// Forward long branch over the nop.
	assert.Equal(t, insts[4].Offset, insts[2].Target)
}

func TestSwitchTargets(t *testing.T) {
	m, _, _, _, _ := testModule()
	a := NewAssembler()
	a.EmitInt(OpLdcI4S, 1).
		EmitSwitch([]string{"case0", "case1"}).
		Label("case0").
		Emit(OpNop).
		Label("case1").
		Emit(OpRet)
	body := a.MustBytes()

	insts, err := DecodeBody(body, m)
	require.NoError(t, err)
	require.Len(t, insts, 4)
	require.Len(t, insts[1].Switch, 2)
	assert.Equal(t, insts[2].Offset, insts[1].Switch[0])
	assert.Equal(t, insts[3].Offset, insts[1].Switch[1])
}

func TestAssemblerErrors(t *testing.T) {
	_, err := NewAssembler().EmitBranch(OpBrS, "missing").Bytes()
	assert.Error(t, err)

	a := NewAssembler()
	a.Label("x")
	a.Label("x")
	_, err = a.Bytes()
	assert.Error(t, err)

	_, err = NewAssembler().EmitInt(OpAdd, 3).Bytes()
	assert.Error(t, err)
}

func TestInstructionString(t *testing.T) {
	m, _, _, _, _ := testModule()
	body := NewAssembler().EmitInt(OpLdcI4, 180).MustBytes()
	insts, err := DecodeBody(body, m)
	require.NoError(t, err)
	assert.Equal(t, "IL_0000: ldc.i4 180", insts[0].String())
}

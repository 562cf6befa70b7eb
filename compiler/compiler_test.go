package compiler

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thomasfn/CsToMips/ic10"
	"github.com/thomasfn/CsToMips/sbil"
)

func deviceType(name, typeName string, slots int) *sbil.TypeRef {
	return &sbil.TypeRef{
		Name:   name,
		Kind:   sbil.TypeDevice,
		Device: &sbil.DeviceInterface{TypeName: typeName, SlotCount: slots},
	}
}

// requireLines asserts that the expected lines appear in the text in
// order, ignoring unrelated lines between them.
func requireLines(t *testing.T, text string, expected ...string) {
	t.Helper()
	lines := strings.Split(text, "\n")
	i := 0
	for _, want := range expected {
		found := false
		for ; i < len(lines); i++ {
			if strings.TrimSpace(lines[i]) == want {
				found = true
				i++
				break
			}
		}
		require.True(t, found, "line %q not found in order in:\n%s", want, text)
	}
}

func compile(t *testing.T, class *sbil.Class, module *sbil.Module, opts Options) *CompileResult {
	t.Helper()
	res, err := CompileClass(module, class, opts)
	require.NoError(t, err)
	return res
}

// Read-modify-write of a device property inside an infinite loop.
func TestCompileReadModifyWriteLoop(t *testing.T) {
	m := sbil.NewModule()
	sensorType := deviceType("IDaylightSensor", "StructureDaylightSensor", 0)
	panelType := deviceType("ISolarPanel", "StructureSolarPanel", 0)
	chipType := &sbil.TypeRef{Name: "IC10", Kind: sbil.TypeObject}

	panel := &sbil.Field{Name: "panel", Type: panelType, Device: &sbil.DeviceTag{Pin: "dPanel", Index: 0}}
	sensor := &sbil.Field{Name: "sensor", Type: sensorType, Device: &sbil.DeviceTag{Pin: "dSensor", Index: 1}}

	getHorizontal := &sbil.Method{Name: "get_Horizontal", Declaring: sensorType, ReturnType: sbil.NumberType}
	setHorizontal := &sbil.Method{
		Name: "set_Horizontal", Declaring: panelType, ReturnType: sbil.VoidType,
		Params: []sbil.Variable{{Name: "value", Type: sbil.NumberType}},
	}
	yield := &sbil.Method{Name: "Yield", Declaring: chipType, Static: true, ReturnType: sbil.VoidType}

	asm := sbil.NewAssembler()
	asm.Label("loop").
		Emit(sbil.OpLdarg0).
		EmitToken(sbil.OpLdfld, m.AddField(panel)).
		Emit(sbil.OpLdarg0).
		EmitToken(sbil.OpLdfld, m.AddField(sensor)).
		EmitToken(sbil.OpCallvirt, m.AddMethod(getHorizontal)).
		EmitFloat(sbil.OpLdcR4, 180).
		Emit(sbil.OpAdd).
		EmitToken(sbil.OpCallvirt, m.AddMethod(setHorizontal)).
		EmitToken(sbil.OpCall, m.AddMethod(yield)).
		EmitBranch(sbil.OpBrS, "loop")

	classType := &sbil.TypeRef{Name: "SolarTracker", Kind: sbil.TypeObject}
	run := &sbil.Method{Name: "Run", Declaring: classType, ReturnType: sbil.VoidType, Body: asm.MustBytes()}
	class := m.AddClass(&sbil.Class{
		Name: "SolarTracker", IsProgram: true, Type: classType,
		Fields:  []*sbil.Field{panel, sensor},
		Methods: []*sbil.Method{run},
	})

	res := compile(t, class, m, Options{})
	requireLines(t, res.Text,
		"alias dPanel d0",
		"alias dSensor d1",
		"main:",
		"main_il_0:",
		"l r0 dSensor Horizontal",
		"add r0 r0 180",
		"s dPanel Horizontal r0",
		"yield",
		"j main_il_0",
	)
	assert.NotContains(t, res.Text, "move")
}

// Multicast write: Heaters.On = true.
func TestCompileMulticastSet(t *testing.T) {
	m := sbil.NewModule()
	heaterType := deviceType("IMulticastWallHeater", "StructureWallHeater", 0)
	heaters := &sbil.Field{Name: "Heaters", Type: heaterType, Multicast: true}
	setOn := &sbil.Method{
		Name: "set_On", Declaring: heaterType, ReturnType: sbil.VoidType,
		Params: []sbil.Variable{{Name: "value", Type: sbil.BoolType}},
	}

	asm := sbil.NewAssembler()
	asm.Emit(sbil.OpLdarg0).
		EmitToken(sbil.OpLdfld, m.AddField(heaters)).
		Emit(sbil.OpLdcI41).
		EmitToken(sbil.OpCallvirt, m.AddMethod(setOn)).
		Emit(sbil.OpRet)

	classType := &sbil.TypeRef{Name: "HeaterControl", Kind: sbil.TypeObject}
	run := &sbil.Method{Name: "Run", Declaring: classType, ReturnType: sbil.VoidType, Body: asm.MustBytes()}
	class := m.AddClass(&sbil.Class{
		Name: "HeaterControl", IsProgram: true, Type: classType,
		Fields:  []*sbil.Field{heaters},
		Methods: []*sbil.Method{run},
	})

	res := compile(t, class, m, Options{})
	requireLines(t, res.Text,
		`sb HASH("StructureWallHeater") On 1`,
		"j ra",
	)
	assert.NotContains(t, res.Text, "alias Heaters")
}

// Multicast aggregation read: charge = batteries.GetCharge(Sum).
func TestCompileAggregationRead(t *testing.T) {
	m := sbil.NewModule()
	batteryType := deviceType("IBattery", "StructureBattery", 0)
	batteries := &sbil.Field{Name: "batteries", Type: batteryType, Device: &sbil.DeviceTag{Pin: "dBatteries", Index: 0}}
	getCharge := &sbil.Method{
		Name: "GetCharge", Declaring: batteryType, ReturnType: sbil.NumberType,
		Params: []sbil.Variable{{Name: "mode", Type: sbil.NumberType}},
	}

	asm := sbil.NewAssembler()
	asm.Emit(sbil.OpLdarg0).
		EmitToken(sbil.OpLdfld, m.AddField(batteries)).
		EmitInt(sbil.OpLdcI4S, AggregateSum).
		EmitToken(sbil.OpCallvirt, m.AddMethod(getCharge)).
		Emit(sbil.OpStloc0).
		Emit(sbil.OpRet)

	classType := &sbil.TypeRef{Name: "PowerMonitor", Kind: sbil.TypeObject}
	run := &sbil.Method{
		Name: "Run", Declaring: classType, ReturnType: sbil.VoidType,
		Locals: []sbil.Variable{{Name: "charge", Type: sbil.NumberType}},
		Body:   asm.MustBytes(),
	}
	class := m.AddClass(&sbil.Class{
		Name: "PowerMonitor", IsProgram: true, Type: classType,
		Fields:  []*sbil.Field{batteries},
		Methods: []*sbil.Method{run},
	})

	res := compile(t, class, m, Options{})
	requireLines(t, res.Text,
		"alias dBatteries d0",
		`lb r0 HASH("StructureBattery") dBatteries Charge 1`,
	)
}

// Slot read: q = gen.Slots[0].Quantity.
func TestCompileSlotRead(t *testing.T) {
	m := sbil.NewModule()
	genType := deviceType("ISolidGenerator", "StructureSolidFuelGenerator", 10)
	slotsType := &sbil.TypeRef{Name: "IDeviceSlots", Kind: sbil.TypeDeviceSlots, Device: genType.Device}
	slotType := &sbil.TypeRef{Name: "IDeviceSlot", Kind: sbil.TypeObject}
	gen := &sbil.Field{Name: "gen", Type: genType, Device: &sbil.DeviceTag{Pin: "dGen", Index: 2}}

	getSlots := &sbil.Method{Name: "get_Slots", Declaring: genType, ReturnType: slotsType}
	getItem := &sbil.Method{
		Name: "get_Item", Declaring: slotsType, ReturnType: slotType,
		Params: []sbil.Variable{{Name: "index", Type: sbil.NumberType}},
	}
	getQuantity := &sbil.Method{Name: "get_Quantity", Declaring: slotType, ReturnType: sbil.NumberType}

	asm := sbil.NewAssembler()
	asm.Emit(sbil.OpLdarg0).
		EmitToken(sbil.OpLdfld, m.AddField(gen)).
		EmitToken(sbil.OpCallvirt, m.AddMethod(getSlots)).
		Emit(sbil.OpLdcI40).
		EmitToken(sbil.OpCallvirt, m.AddMethod(getItem)).
		EmitToken(sbil.OpCallvirt, m.AddMethod(getQuantity)).
		Emit(sbil.OpStloc0).
		Emit(sbil.OpRet)

	classType := &sbil.TypeRef{Name: "FuelWatch", Kind: sbil.TypeObject}
	run := &sbil.Method{
		Name: "Run", Declaring: classType, ReturnType: sbil.VoidType,
		Locals: []sbil.Variable{{Name: "q", Type: sbil.NumberType}},
		Body:   asm.MustBytes(),
	}
	class := m.AddClass(&sbil.Class{
		Name: "FuelWatch", IsProgram: true, Type: classType,
		Fields:  []*sbil.Field{gen},
		Methods: []*sbil.Method{run},
	})

	res := compile(t, class, m, Options{})
	requireLines(t, res.Text,
		"alias dGen d2",
		"ls r0 dGen 0 Quantity",
	)
}

// Slot references survive a round trip through a value-tracked local.
func TestCompileSlotThroughLocal(t *testing.T) {
	m := sbil.NewModule()
	genType := deviceType("ISolidGenerator", "StructureSolidFuelGenerator", 10)
	slotsType := &sbil.TypeRef{Name: "IDeviceSlots", Kind: sbil.TypeDeviceSlots, Device: genType.Device}
	slotType := &sbil.TypeRef{Name: "IDeviceSlot", Kind: sbil.TypeObject}
	gen := &sbil.Field{Name: "gen", Type: genType, Device: &sbil.DeviceTag{Pin: "dGen", Index: 0}}

	getSlots := &sbil.Method{Name: "get_Slots", Declaring: genType, ReturnType: slotsType}
	getItem := &sbil.Method{
		Name: "get_Item", Declaring: slotsType, ReturnType: slotType,
		Params: []sbil.Variable{{Name: "index", Type: sbil.NumberType}},
	}
	getQuantity := &sbil.Method{Name: "get_Quantity", Declaring: slotType, ReturnType: sbil.NumberType}

	// var s = gen.Slots[0]; q = s.Quantity — the slot struct lands in a
	// value-tracked local and comes back through ldloca/ldind.ref.
	asm := sbil.NewAssembler()
	asm.Emit(sbil.OpLdarg0).
		EmitToken(sbil.OpLdfld, m.AddField(gen)).
		EmitToken(sbil.OpCallvirt, m.AddMethod(getSlots)).
		Emit(sbil.OpLdcI40).
		EmitToken(sbil.OpCallvirt, m.AddMethod(getItem)).
		Emit(sbil.OpStloc0).
		EmitInt(sbil.OpLdlocaS, 0).
		Emit(sbil.OpLdindRef).
		EmitToken(sbil.OpCallvirt, m.AddMethod(getQuantity)).
		Emit(sbil.OpStloc1).
		Emit(sbil.OpRet)

	classType := &sbil.TypeRef{Name: "SlotLocal", Kind: sbil.TypeObject}
	run := &sbil.Method{
		Name: "Run", Declaring: classType, ReturnType: sbil.VoidType,
		Locals: []sbil.Variable{
			{Name: "s", Type: slotType},
			{Name: "q", Type: sbil.NumberType},
		},
		Body: asm.MustBytes(),
	}
	class := m.AddClass(&sbil.Class{
		Name: "SlotLocal", IsProgram: true, Type: classType,
		Fields: []*sbil.Field{gen}, Methods: []*sbil.Method{run},
	})

	res := compile(t, class, m, Options{})
	requireLines(t, res.Text, "ls r0 dGen 0 Quantity")
}

// Constant folding: float x = 31.0f * 0.95f propagates as a static.
func TestCompileConstantFolding(t *testing.T) {
	m := sbil.NewModule()
	asm := sbil.NewAssembler()
	asm.EmitFloat(sbil.OpLdcR4, 31).
		EmitFloat(sbil.OpLdcR4, 0.95).
		Emit(sbil.OpMul).
		Emit(sbil.OpStloc0).
		Emit(sbil.OpRet)

	classType := &sbil.TypeRef{Name: "Folding", Kind: sbil.TypeObject}
	run := &sbil.Method{
		Name: "Run", Declaring: classType, ReturnType: sbil.VoidType,
		Locals: []sbil.Variable{{Name: "x", Type: sbil.NumberType}},
		Body:   asm.MustBytes(),
	}
	class := m.AddClass(&sbil.Class{
		Name: "Folding", IsProgram: true, Type: classType, Methods: []*sbil.Method{run},
	})

	res := compile(t, class, m, Options{})
	requireLines(t, res.Text, "move r0 29.45")
	assert.NotContains(t, res.Text, "mul")
}

// Comparison fusing: if (t < 29.45) state = 2 emits a blt with no
// intermediate comparison register.
func TestCompileBranchFusion(t *testing.T) {
	m := sbil.NewModule()
	asm := sbil.NewAssembler()
	asm.Emit(sbil.OpLdloc0).
		EmitFloat(sbil.OpLdcR4, 29.45).
		Emit(sbil.OpClt).
		EmitBranch(sbil.OpBrtrueS, "heat").
		Emit(sbil.OpRet).
		Label("heat").
		Emit(sbil.OpLdcI42).
		Emit(sbil.OpStloc1).
		Emit(sbil.OpRet)

	classType := &sbil.TypeRef{Name: "Thermostat", Kind: sbil.TypeObject}
	run := &sbil.Method{
		Name: "Run", Declaring: classType, ReturnType: sbil.VoidType,
		Locals: []sbil.Variable{
			{Name: "t", Type: sbil.NumberType},
			{Name: "state", Type: sbil.NumberType},
		},
		Body: asm.MustBytes(),
	}
	class := m.AddClass(&sbil.Class{
		Name: "Thermostat", IsProgram: true, Type: classType, Methods: []*sbil.Method{run},
	})

	res := compile(t, class, m, Options{})
	requireLines(t, res.Text,
		"blt r0 29.45 main_il_5",
		"j ra",
		"main_il_5:",
		"move r1 2",
	)
	assert.NotContains(t, res.Text, "slt")
}

// Comparing a device field against null becomes the device-set
// predicate and fuses into the branch.
func TestCompileDeviceNullCheck(t *testing.T) {
	m := sbil.NewModule()
	sensorType := deviceType("ISensor", "StructureDaylightSensor", 0)
	sensor := &sbil.Field{Name: "sensor", Type: sensorType, Device: &sbil.DeviceTag{Pin: "dSensor", Index: 0}}

	asm := sbil.NewAssembler()
	asm.Emit(sbil.OpLdarg0).
		EmitToken(sbil.OpLdfld, m.AddField(sensor)).
		Emit(sbil.OpLdnull).
		Emit(sbil.OpCgtUn).
		EmitBranch(sbil.OpBrtrueS, "present").
		Emit(sbil.OpRet).
		Label("present").
		Emit(sbil.OpRet)

	classType := &sbil.TypeRef{Name: "NullCheck", Kind: sbil.TypeObject}
	run := &sbil.Method{Name: "Run", Declaring: classType, ReturnType: sbil.VoidType, Body: asm.MustBytes()}
	class := m.AddClass(&sbil.Class{
		Name: "NullCheck", IsProgram: true, Type: classType,
		Fields: []*sbil.Field{sensor}, Methods: []*sbil.Method{run},
	})

	res := compile(t, class, m, Options{})
	requireLines(t, res.Text, "bdse dSensor main_il_6")
	assert.NotContains(t, res.Text, "sdse")
}

// A switch lowers to one equality branch per case.
func TestCompileSwitch(t *testing.T) {
	m := sbil.NewModule()
	asm := sbil.NewAssembler()
	asm.Emit(sbil.OpLdloc0).
		EmitSwitch([]string{"case0", "case1"}).
		Emit(sbil.OpRet).
		Label("case0").
		Emit(sbil.OpRet).
		Label("case1").
		Emit(sbil.OpRet)

	classType := &sbil.TypeRef{Name: "Switcher", Kind: sbil.TypeObject}
	run := &sbil.Method{
		Name: "Run", Declaring: classType, ReturnType: sbil.VoidType,
		Locals: []sbil.Variable{{Name: "mode", Type: sbil.NumberType}},
		Body:   asm.MustBytes(),
	}
	class := m.AddClass(&sbil.Class{
		Name: "Switcher", IsProgram: true, Type: classType, Methods: []*sbil.Method{run},
	})

	res := compile(t, class, m, Options{})
	requireLines(t, res.Text,
		"beq r0 0 main_il_3",
		"beq r0 1 main_il_4",
	)
}

// A user compile hint expands its pattern at the call site, allocating
// and freeing scratch registers.
func TestCompileHintPattern(t *testing.T) {
	m := sbil.NewModule()
	classType := &sbil.TypeRef{Name: "Clamper", Kind: sbil.TypeObject}
	clamp := &sbil.Method{
		Name: "ClampValue", Declaring: classType, ReturnType: sbil.NumberType,
		Params: []sbil.Variable{
			{Name: "value", Type: sbil.NumberType},
			{Name: "lo", Type: sbil.NumberType},
			{Name: "hi", Type: sbil.NumberType},
		},
		Hint: &sbil.CompileHint{Pattern: "max %1 #1 #0\nmin $ #2 %1", Kind: sbil.HintInline},
	}

	asm := sbil.NewAssembler()
	asm.Emit(sbil.OpLdarg0).
		EmitInt(sbil.OpLdcI4, 50).
		Emit(sbil.OpLdcI40).
		EmitInt(sbil.OpLdcI4S, 10).
		EmitToken(sbil.OpCall, m.AddMethod(clamp)).
		Emit(sbil.OpStloc0).
		Emit(sbil.OpRet)

	run := &sbil.Method{
		Name: "Run", Declaring: classType, ReturnType: sbil.VoidType,
		Locals: []sbil.Variable{{Name: "x", Type: sbil.NumberType}},
		Body:   asm.MustBytes(),
	}
	class := m.AddClass(&sbil.Class{
		Name: "Clamper", IsProgram: true, Type: classType, Methods: []*sbil.Method{run, clamp},
	})

	res := compile(t, class, m, Options{})
	requireLines(t, res.Text,
		"max r1 0 50",
		"min r0 10 r1",
	)
	// The prologue's jal main is the only jal: the hint adds no call.
	assert.Equal(t, 1, strings.Count(res.Text, "jal"))
}

// A helper method small enough to inline is pasted at the call site.
func TestCompileInlineExpansion(t *testing.T) {
	m := sbil.NewModule()
	classType := &sbil.TypeRef{Name: "Inliner", Kind: sbil.TypeObject}

	helperAsm := sbil.NewAssembler()
	helperAsm.EmitInt(sbil.OpLdargS, 1).
		EmitFloat(sbil.OpLdcR4, 2).
		Emit(sbil.OpMul).
		Emit(sbil.OpRet)
	double := &sbil.Method{
		Name: "Double", Declaring: classType, ReturnType: sbil.NumberType,
		Params: []sbil.Variable{{Name: "x", Type: sbil.NumberType}},
		Body:   helperAsm.MustBytes(),
	}

	// x = Double(x): passing the live local keeps the multiply from
	// folding away.
	runAsm := sbil.NewAssembler()
	runAsm.Emit(sbil.OpLdarg0).
		Emit(sbil.OpLdloc0).
		EmitToken(sbil.OpCall, m.AddMethod(double)).
		Emit(sbil.OpStloc0).
		Emit(sbil.OpRet)
	run := &sbil.Method{
		Name: "Run", Declaring: classType, ReturnType: sbil.VoidType,
		Locals: []sbil.Variable{{Name: "x", Type: sbil.NumberType}},
		Body:   runAsm.MustBytes(),
	}
	class := m.AddClass(&sbil.Class{
		Name: "Inliner", IsProgram: true, Type: classType, Methods: []*sbil.Method{run, double},
	})

	res := compile(t, class, m, Options{})
	// The prologue's jal main is the only jal: Double is not called.
	assert.Equal(t, 1, strings.Count(res.Text, "jal"), "small helper should inline")
	assert.Contains(t, res.Text, "_inl")
	requireLines(t, res.Text,
		"mul r1 r0 2",
		"move r0 r1",
	)
}

// A helper whose register demand does not fit next to the caller's
// live set falls back to the call stack even though it is not
// recursive.
func TestCompileInlineFallsBackOnRegisterPressure(t *testing.T) {
	m := sbil.NewModule()
	classType := &sbil.TypeRef{Name: "Pressured", Kind: sbil.TypeObject}

	// The helper burns registers on twelve locals.
	var locals []sbil.Variable
	helperAsm := sbil.NewAssembler()
	for i := 0; i < 12; i++ {
		locals = append(locals, sbil.Variable{Name: "l", Type: sbil.NumberType})
		helperAsm.EmitInt(sbil.OpLdcI4, int64(i)).EmitInt(sbil.OpStlocS, int64(i))
	}
	helperAsm.Emit(sbil.OpRet)
	hog := &sbil.Method{
		Name: "Hog", Declaring: classType, ReturnType: sbil.VoidType,
		Locals: locals, Body: helperAsm.MustBytes(),
	}

	// The caller holds eight locals across the call.
	var runLocals []sbil.Variable
	runAsm := sbil.NewAssembler()
	for i := 0; i < 8; i++ {
		runLocals = append(runLocals, sbil.Variable{Name: "r", Type: sbil.NumberType})
		runAsm.EmitInt(sbil.OpLdcI4, int64(i)).EmitInt(sbil.OpStlocS, int64(i))
	}
	runAsm.Emit(sbil.OpLdarg0).
		EmitToken(sbil.OpCall, m.AddMethod(hog)).
		Emit(sbil.OpRet)
	run := &sbil.Method{
		Name: "Run", Declaring: classType, ReturnType: sbil.VoidType,
		Locals: runLocals, Body: runAsm.MustBytes(),
	}
	class := m.AddClass(&sbil.Class{
		Name: "Pressured", IsProgram: true, Type: classType, Methods: []*sbil.Method{run, hog},
	})

	res := compile(t, class, m, Options{})
	requireLines(t, res.Text, "jal Hog", "Hog:")
	assert.NotContains(t, res.Text, "_inl")
}

// A self-recursive method cannot inline into itself and goes through
// the call stack.
func TestCompileRecursiveCallStack(t *testing.T) {
	m := sbil.NewModule()
	classType := &sbil.TypeRef{Name: "Recur", Kind: sbil.TypeObject}

	countdown := &sbil.Method{
		Name: "Countdown", Declaring: classType, ReturnType: sbil.NumberType,
		Params: []sbil.Variable{{Name: "n", Type: sbil.NumberType}},
	}
	tok := m.AddMethod(countdown)

	recAsm := sbil.NewAssembler()
	recAsm.Emit(sbil.OpLdarg0).
		EmitInt(sbil.OpLdargS, 1).
		EmitFloat(sbil.OpLdcR4, 1).
		Emit(sbil.OpSub).
		EmitToken(sbil.OpCall, tok).
		Emit(sbil.OpPop).
		EmitInt(sbil.OpLdargS, 1).
		Emit(sbil.OpRet)
	countdown.Body = recAsm.MustBytes()

	runAsm := sbil.NewAssembler()
	runAsm.Emit(sbil.OpLdarg0).
		EmitFloat(sbil.OpLdcR4, 5).
		EmitToken(sbil.OpCall, tok).
		Emit(sbil.OpStloc0).
		Emit(sbil.OpRet)
	run := &sbil.Method{
		Name: "Run", Declaring: classType, ReturnType: sbil.VoidType,
		Locals: []sbil.Variable{{Name: "x", Type: sbil.NumberType}},
		Body:   runAsm.MustBytes(),
	}
	class := m.AddClass(&sbil.Class{
		Name: "Recur", IsProgram: true, Type: classType, Methods: []*sbil.Method{run, countdown},
	})

	res := compile(t, class, m, Options{})
	requireLines(t, res.Text,
		"jal Countdown",
		"Countdown:",
		"pop r0",
	)
	assert.Contains(t, res.Text, "push ra")
	assert.Contains(t, res.Text, "pop ra")
	assert.Contains(t, res.Text, "j ra")
}

// Branch consistency: a value left on only one arm of a branch is a
// compile error, not silent miscompilation.
func TestCompileBranchInconsistent(t *testing.T) {
	m := sbil.NewModule()
	asm := sbil.NewAssembler()
	asm.Emit(sbil.OpLdcI40).
		EmitBranch(sbil.OpBrfalseS, "join").
		Emit(sbil.OpLdcI45).
		Label("join").
		Emit(sbil.OpStloc0).
		Emit(sbil.OpRet)

	classType := &sbil.TypeRef{Name: "Bad", Kind: sbil.TypeObject}
	run := &sbil.Method{
		Name: "Run", Declaring: classType, ReturnType: sbil.VoidType,
		Locals: []sbil.Variable{{Name: "x", Type: sbil.NumberType}},
		Body:   asm.MustBytes(),
	}
	class := m.AddClass(&sbil.Class{
		Name: "Bad", IsProgram: true, Type: classType, Methods: []*sbil.Method{run},
	})

	_, err := CompileClass(m, class, Options{})
	var bi *BranchInconsistentError
	require.Error(t, err)
	assert.True(t, errors.As(err, &bi), "got %T: %v", err, err)
}

// Field access on anything but this is rejected.
func TestCompileFieldOnNonThis(t *testing.T) {
	m := sbil.NewModule()
	f := &sbil.Field{Name: "state", Type: sbil.NumberType}
	asm := sbil.NewAssembler()
	asm.Emit(sbil.OpLdnull).
		EmitToken(sbil.OpLdfld, m.AddField(f)).
		Emit(sbil.OpRet)

	classType := &sbil.TypeRef{Name: "BadField", Kind: sbil.TypeObject}
	run := &sbil.Method{Name: "Run", Declaring: classType, ReturnType: sbil.VoidType, Body: asm.MustBytes()}
	class := m.AddClass(&sbil.Class{
		Name: "BadField", IsProgram: true, Type: classType,
		Fields: []*sbil.Field{f}, Methods: []*sbil.Method{run},
	})

	_, err := CompileClass(m, class, Options{})
	var uc *UnsupportedConstructError
	require.Error(t, err)
	assert.True(t, errors.As(err, &uc), "got %T: %v", err, err)
}

// Plain fields get a persistent register alias and assignments fuse
// into it.
func TestCompileFieldStore(t *testing.T) {
	m := sbil.NewModule()
	state := &sbil.Field{Name: "state", Type: sbil.NumberType}
	stateTok := m.AddField(state)
	asm := sbil.NewAssembler()
	asm.Emit(sbil.OpLdarg0).
		Emit(sbil.OpLdarg0).
		EmitToken(sbil.OpLdfld, stateTok).
		EmitFloat(sbil.OpLdcR4, 1).
		Emit(sbil.OpAdd).
		EmitToken(sbil.OpStfld, stateTok).
		Emit(sbil.OpRet)

	classType := &sbil.TypeRef{Name: "Counter", Kind: sbil.TypeObject}
	run := &sbil.Method{Name: "Run", Declaring: classType, ReturnType: sbil.VoidType, Body: asm.MustBytes()}
	class := m.AddClass(&sbil.Class{
		Name: "Counter", IsProgram: true, Type: classType,
		Fields: []*sbil.Field{state}, Methods: []*sbil.Method{run},
	})

	res := compile(t, class, m, Options{})
	requireLines(t, res.Text,
		"alias state r0",
		"add state state 1",
	)
}

// The constructor body is pasted ahead of the main loop.
func TestCompileConstructor(t *testing.T) {
	m := sbil.NewModule()
	state := &sbil.Field{Name: "state", Type: sbil.NumberType}
	stateTok := m.AddField(state)

	ctorAsm := sbil.NewAssembler()
	ctorAsm.Emit(sbil.OpLdarg0).
		EmitFloat(sbil.OpLdcR4, 7).
		EmitToken(sbil.OpStfld, stateTok).
		Emit(sbil.OpRet)

	runAsm := sbil.NewAssembler()
	runAsm.Emit(sbil.OpRet)

	classType := &sbil.TypeRef{Name: "WithCtor", Kind: sbil.TypeObject}
	ctor := &sbil.Method{Name: sbil.CtorName, Declaring: classType, ReturnType: sbil.VoidType, Body: ctorAsm.MustBytes()}
	run := &sbil.Method{Name: "Run", Declaring: classType, ReturnType: sbil.VoidType, Body: runAsm.MustBytes()}
	class := m.AddClass(&sbil.Class{
		Name: "WithCtor", IsProgram: true, Type: classType,
		Fields: []*sbil.Field{state}, Methods: []*sbil.Method{ctor, run},
	})

	res := compile(t, class, m, Options{})
	requireLines(t, res.Text,
		"ctor:",
		"move state 7",
		"jal main",
		"j end",
		"main:",
		"end:",
	)
}

// The optimiser is idempotent over compiled output.
func TestCompileOptimiseIdempotent(t *testing.T) {
	m := sbil.NewModule()
	chipType := &sbil.TypeRef{Name: "IC10", Kind: sbil.TypeObject}
	yield := &sbil.Method{Name: "Yield", Declaring: chipType, Static: true, ReturnType: sbil.VoidType}

	asm := sbil.NewAssembler()
	asm.Label("loop").
		EmitToken(sbil.OpCall, m.AddMethod(yield)).
		EmitBranch(sbil.OpBrS, "loop")

	classType := &sbil.TypeRef{Name: "Idle", Kind: sbil.TypeObject}
	run := &sbil.Method{Name: "Run", Declaring: classType, ReturnType: sbil.VoidType, Body: asm.MustBytes()}
	class := m.AddClass(&sbil.Class{
		Name: "Idle", IsProgram: true, Type: classType, Methods: []*sbil.Method{run},
	})

	res := compile(t, class, m, Options{Optimise: true})
	p, err := ic10.ParseProgram(res.Text)
	require.NoError(t, err)
	again, err := ic10.Optimise(p)
	require.NoError(t, err)
	assert.Equal(t, res.Text, again.String())
	assert.LessOrEqual(t, res.InstructionsAfter, res.InstructionsBefore)
}

// Comments mode annotates fragments with the source instruction.
func TestCompileComments(t *testing.T) {
	m := sbil.NewModule()
	asm := sbil.NewAssembler()
	asm.EmitFloat(sbil.OpLdcR4, 1).
		Emit(sbil.OpStloc0).
		Emit(sbil.OpRet)

	classType := &sbil.TypeRef{Name: "Noted", Kind: sbil.TypeObject}
	run := &sbil.Method{
		Name: "Run", Declaring: classType, ReturnType: sbil.VoidType,
		Locals: []sbil.Variable{{Name: "x", Type: sbil.NumberType}},
		Body:   asm.MustBytes(),
	}
	class := m.AddClass(&sbil.Class{
		Name: "Noted", IsProgram: true, Type: classType, Methods: []*sbil.Method{run},
	})

	res := compile(t, class, m, Options{Comments: true})
	assert.Contains(t, res.Text, "# IL_0000: ldc.r4 1")
}

// CompileModule keeps compiling the remaining classes when one fails.
func TestCompileModuleIsolatesFailures(t *testing.T) {
	m := sbil.NewModule()

	okAsm := sbil.NewAssembler()
	okAsm.Emit(sbil.OpRet)
	okType := &sbil.TypeRef{Name: "Fine", Kind: sbil.TypeObject}
	okRun := &sbil.Method{Name: "Run", Declaring: okType, ReturnType: sbil.VoidType, Body: okAsm.MustBytes()}
	m.AddClass(&sbil.Class{Name: "Fine", IsProgram: true, Type: okType, Methods: []*sbil.Method{okRun}})

	badType := &sbil.TypeRef{Name: "Broken", Kind: sbil.TypeObject}
	m.AddClass(&sbil.Class{Name: "Broken", IsProgram: true, Type: badType})

	results, failures := CompileModule(m, Options{})
	require.Len(t, results, 1)
	assert.Equal(t, "Fine", results[0].ClassName)
	require.Len(t, failures, 1)
	assert.Error(t, failures["Broken"])
}

package ic10

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFind(t *testing.T) {
	for _, name := range []string{"j", "jal", "jr", "beq", "bdse", "breqz", "move", "seq", "add", "l", "lb", "ls", "s", "sb", "push", "pop", "yield", "sleep", "alias", "hcf", "select"} {
		op, ok := Find(name)
		require.True(t, ok, "opcode %q missing", name)
		assert.Equal(t, name, op.Name)
	}
	_, ok := Find("frobnicate")
	assert.False(t, ok)
}

// Every (behaviour, condition) pair in the lookup maps back to exactly
// one opcode; the condition-bearing families are total over the
// condition set.
func TestByBehaviourUniqueness(t *testing.T) {
	seen := make(map[behKey]string)
	for _, op := range Opcodes() {
		switch op.Behaviour {
		case BehaviourJump, BehaviourJumpAndLink, BehaviourRelativeJump, BehaviourSetRegister:
			key := behKey{op.Behaviour, op.Condition}
			prev, dup := seen[key]
			require.False(t, dup, "%s and %s share (behaviour, condition)", prev, op.Name)
			seen[key] = op.Name

			got, ok := ByBehaviour(op.Behaviour, op.Condition)
			require.True(t, ok)
			assert.Equal(t, op, got)
		}
	}
}

func TestByBehaviourFamilies(t *testing.T) {
	conds := []Condition{
		CondNone, CondEqual, CondGreater, CondGreaterEqual, CondLess, CondLessEqual,
		CondNotEqual, CondApproxEqual, CondNotApproxEqual, CondDeviceSet, CondDeviceNotSet,
		CondEqualZero, CondGreaterZero, CondGreaterEqualZero, CondLessZero,
		CondLessEqualZero, CondNotEqualZero, CondApproxEqualZero, CondNotApproxEqualZero,
	}
	for _, b := range []Behaviour{BehaviourJump, BehaviourJumpAndLink, BehaviourRelativeJump, BehaviourSetRegister} {
		for _, c := range conds {
			op, ok := ByBehaviour(b, c)
			require.True(t, ok, "no opcode for (%v, %d)", b, c)
			assert.Equal(t, b, op.Behaviour)
			assert.Equal(t, c, op.Condition)
		}
	}
}

// The relative and absolute branch forms pair up through the lookup:
// breq ↔ beq, brdns ↔ bdns, and so on.
func TestRelativeToAbsolute(t *testing.T) {
	for _, op := range Opcodes() {
		if op.Behaviour != BehaviourRelativeJump {
			continue
		}
		abs, ok := ByBehaviour(BehaviourJump, op.Condition)
		require.True(t, ok, "no absolute form for %s", op.Name)
		assert.Equal(t, len(op.Args), len(abs.Args), "%s vs %s", op.Name, abs.Name)
	}
}

func TestConditionInvert(t *testing.T) {
	tests := map[Condition]Condition{
		CondEqual:        CondNotEqual,
		CondLess:         CondGreaterEqual,
		CondGreater:      CondLessEqual,
		CondDeviceSet:    CondDeviceNotSet,
		CondEqualZero:    CondNotEqualZero,
		CondLessZero:     CondGreaterEqualZero,
		CondApproxEqual:  CondNotApproxEqual,
		CondNotEqualZero: CondEqualZero,
	}
	for c, want := range tests {
		assert.Equal(t, want, c.Invert())
		assert.Equal(t, c, c.Invert().Invert())
	}
	assert.Equal(t, CondNone, CondNone.Invert())
}

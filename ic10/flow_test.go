package ic10

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, text string) Program {
	t.Helper()
	p, err := ParseProgram(text)
	require.NoError(t, err)
	return p
}

func TestFlowStraightLine(t *testing.T) {
	p := mustParse(t, "yield\nyield\nyield")
	fa, err := BuildFlowAnalysis(p)
	require.NoError(t, err)
	require.Len(t, fa.Blocks, 1)
	b := fa.Blocks[0]
	assert.Equal(t, 0, b.Start)
	assert.Equal(t, 3, b.End)
	assert.Empty(t, b.EnterStates)
	assert.Empty(t, b.FollowStates)
}

func TestFlowLoop(t *testing.T) {
	p := mustParse(t, "main:\nyield\nj main")
	fa, err := BuildFlowAnalysis(p)
	require.NoError(t, err)
	require.Len(t, fa.Blocks, 1)
	b := fa.Blocks[0]
	// The back edge enters its own block head.
	require.Len(t, b.EnterStates, 1)
	assert.Equal(t, b, b.EnterStates[0].Block)
	assert.False(t, b.EnterStates[0].Natural)
	require.Len(t, b.FollowStates, 1)
	assert.Equal(t, b, b.FollowStates[0].Block)
}

func TestFlowConditionalSplitsBlocks(t *testing.T) {
	p := mustParse(t, "blt r0 10 skip\nadd r0 r0 1\nskip:\nyield")
	fa, err := BuildFlowAnalysis(p)
	require.NoError(t, err)
	require.Len(t, fa.Blocks, 3)

	branch, mid, join := fa.Blocks[0], fa.Blocks[1], fa.Blocks[2]
	assert.Equal(t, 1, branch.Len())
	require.Len(t, branch.FollowStates, 2)
	assert.Equal(t, 2, len(join.EnterStates))

	var naturals int
	for _, e := range join.EnterStates {
		if e.Natural {
			naturals++
			assert.Equal(t, mid, e.Block)
		}
	}
	assert.Equal(t, 1, naturals)
}

func TestFlowJumpAndLink(t *testing.T) {
	p := mustParse(t, "jal fn\nyield\nj end\nfn:\npush 1\nj ra\nend:")
	fa, err := BuildFlowAnalysis(p)
	require.NoError(t, err)

	// The return jump follows the known return address back to the
	// instruction after the jal.
	retBlock, ok := fa.BlockAt(4)
	require.True(t, ok)
	require.Len(t, retBlock.FollowStates, 1)
	target := retBlock.FollowStates[0].Block
	assert.Equal(t, 1, target.Start)

	// Inside fn the return address is known.
	assert.True(t, retBlock.ExitState.Known)
	assert.Equal(t, 1, retBlock.ExitState.Addr)
}

// With an unknown return address, j ra conservatively targets every
// instruction that follows a jump-and-link.
func TestFlowUnknownReturnAddress(t *testing.T) {
	p := mustParse(t, "j fn\nyield\nfn:\nj ra\njal fn")
	fa, err := BuildFlowAnalysis(p)
	require.NoError(t, err)
	b, ok := fa.BlockAt(2)
	require.True(t, ok)
	assert.NotNil(t, b)
}

func TestFlowRelativeJump(t *testing.T) {
	p := mustParse(t, "yield\njr 2\nyield\nyield")
	fa, err := BuildFlowAnalysis(p)
	require.NoError(t, err)
	jrBlock, ok := fa.BlockAt(1)
	require.True(t, ok)
	require.Len(t, jrBlock.FollowStates, 1)
	assert.Equal(t, 3, jrBlock.FollowStates[0].Block.Start)

	// Instruction 2 is skipped over and unreachable.
	_, ok = fa.BlockAt(2)
	assert.False(t, ok)
}

func TestFlowUnresolvableLabel(t *testing.T) {
	p := mustParse(t, "j nowhere")
	_, err := BuildFlowAnalysis(p)
	assert.Error(t, err)
}

// Every reachable instruction lands in exactly one block, and every
// block's follow edges point at blocks whose enter edges point back.
func TestFlowBlockPartition(t *testing.T) {
	p := mustParse(t, `start:
move r0 0
loop:
add r0 r0 1
blt r0 10 loop
bgt r0 100 start
yield
j loop`)
	fa, err := BuildFlowAnalysis(p)
	require.NoError(t, err)

	seen := make(map[int]*Block)
	for _, b := range fa.Blocks {
		for pc := b.Start; pc < b.End; pc++ {
			_, dup := seen[pc]
			require.False(t, dup, "instruction %d in two blocks", pc)
			seen[pc] = b
		}
	}
	for pc := range p.Instructions {
		assert.Contains(t, seen, pc, "instruction %d unassigned", pc)
	}
	for _, b := range fa.Blocks {
		for _, f := range b.FollowStates {
			found := false
			for _, e := range f.Block.EnterStates {
				if e.Block == b {
					found = true
				}
			}
			assert.True(t, found, "block %d missing enter from %d", f.Block.Index, b.Index)
		}
	}
}

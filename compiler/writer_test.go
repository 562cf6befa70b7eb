package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriterAssemble(t *testing.T) {
	w := NewOutputWriter(3, "main")
	w.SetPreamble("pop r1", "pop r0")
	w.SetCode(0, "add r2 r0 r1")
	w.SetCode(2, "push r2\nj ra")
	w.SetComment(2, "ret")

	// Labels can be required before their slot is written.
	w.RequireLabel(1)
	w.RequireLabel(1)
	w.SetCode(1, "yield")

	assert.Equal(t, "main_il_1", w.LabelName(1))
	assert.Equal(t, `pop r1
pop r0
add r2 r0 r1
main_il_1:
yield
# ret
push r2
j ra`, w.Assemble())
}

func TestWriterEmptySlots(t *testing.T) {
	w := NewOutputWriter(2, "fn")
	w.SetPostamble("fn_end:")
	w.SetCode(1, "j fn_end")
	assert.Equal(t, "j fn_end\nfn_end:", w.Assemble())
}

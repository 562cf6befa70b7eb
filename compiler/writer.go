package compiler

import (
	"fmt"
	"strings"
)

// OutputWriter is the mutable scratchpad for a single method compile:
// one slot per source SBIL instruction, each holding an optional
// comment, the emitted code and a label-required flag. Branch emitters
// may require a slot's label before the slot is written.
type OutputWriter struct {
	labelPrefix string
	preamble    []string
	postamble   []string
	slots       []writerSlot
}

type writerSlot struct {
	comment    string
	code       string
	needsLabel bool
}

// NewOutputWriter creates a writer with one slot per source
// instruction.
func NewOutputWriter(numInstructions int, labelPrefix string) *OutputWriter {
	return &OutputWriter{
		labelPrefix: labelPrefix,
		slots:       make([]writerSlot, numInstructions),
	}
}

// LabelPrefix returns the prefix all slot labels share.
func (w *OutputWriter) LabelPrefix() string { return w.labelPrefix }

// LabelName returns the label text for a slot:
// {labelPrefix}_il_{index}.
func (w *OutputWriter) LabelName(index int) string {
	return fmt.Sprintf("%s_il_%d", w.labelPrefix, index)
}

// RequireLabel marks a slot as needing its label emitted. Idempotent;
// safe to call before the slot's code is written.
func (w *OutputWriter) RequireLabel(index int) {
	w.slots[index].needsLabel = true
}

// SetCode stores the code fragment for a slot.
func (w *OutputWriter) SetCode(index int, code string) {
	w.slots[index].code = code
}

// SetComment stores the comment for a slot.
func (w *OutputWriter) SetComment(index int, comment string) {
	w.slots[index].comment = comment
}

// SetPreamble sets the lines emitted before the first slot.
func (w *OutputWriter) SetPreamble(lines ...string) {
	w.preamble = lines
}

// SetPostamble sets the lines emitted after the last slot.
func (w *OutputWriter) SetPostamble(lines ...string) {
	w.postamble = lines
}

// Assemble walks the slots in order, emitting the optional comment
// line, the optional label, and the code of each, bracketed by the
// preamble and postamble.
func (w *OutputWriter) Assemble() string {
	var lines []string
	lines = append(lines, w.preamble...)
	for i, slot := range w.slots {
		if slot.comment != "" {
			lines = append(lines, "# "+slot.comment)
		}
		if slot.needsLabel {
			lines = append(lines, w.LabelName(i)+":")
		}
		if slot.code != "" {
			lines = append(lines, slot.code)
		}
	}
	lines = append(lines, w.postamble...)
	return strings.Join(lines, "\n")
}

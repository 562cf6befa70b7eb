package compiler

import (
	"math/bits"
	"strings"

	"github.com/thomasfn/CsToMips/ic10"
)

// RegisterAllocations is an immutable bitset over the 16 general
// registers. Bit i set means ri is allocated. All operations return a
// new value.
type RegisterAllocations uint16

// AllRegisters has every register allocated.
const AllRegisters RegisterAllocations = 0xFFFF

// Allocate returns the set with the lowest free register added, plus
// that register's index. Fails when the set is full.
func (r RegisterAllocations) Allocate() (RegisterAllocations, int, error) {
	if r == AllRegisters {
		return r, 0, &RegisterExhaustedError{}
	}
	idx := bits.TrailingZeros16(uint16(^r))
	return r | 1<<idx, idx, nil
}

// AllocateIndex returns the set with an explicit register added.
// Allocating an already-set bit is idempotent.
func (r RegisterAllocations) AllocateIndex(i int) RegisterAllocations {
	return r | 1<<i
}

// Free returns the set with a register removed. Freeing an unset bit
// is a no-op.
func (r RegisterAllocations) Free(i int) RegisterAllocations {
	return r &^ (1 << i)
}

// IsAllocated reports whether register i is in the set.
func (r RegisterAllocations) IsAllocated(i int) bool {
	return r&(1<<i) != 0
}

// Union returns the set of registers allocated in either operand.
func (r RegisterAllocations) Union(o RegisterAllocations) RegisterAllocations {
	return r | o
}

// Intersect returns the set of registers allocated in both operands.
func (r RegisterAllocations) Intersect(o RegisterAllocations) RegisterAllocations {
	return r & o
}

// Complement returns the set of registers not allocated.
func (r RegisterAllocations) Complement() RegisterAllocations {
	return ^r
}

// Diff returns the registers in r but not in o.
func (r RegisterAllocations) Diff(o RegisterAllocations) RegisterAllocations {
	return r &^ o
}

// NumAllocated returns the population count.
func (r RegisterAllocations) NumAllocated() int {
	return bits.OnesCount16(uint16(r))
}

// Indices returns the allocated register indices in ascending order.
func (r RegisterAllocations) Indices() []int {
	var out []int
	for i := 0; i < ic10.NumRegisters; i++ {
		if r.IsAllocated(i) {
			out = append(out, i)
		}
	}
	return out
}

func (r RegisterAllocations) String() string {
	var parts []string
	for _, i := range r.Indices() {
		parts = append(parts, ic10.Register(i).String())
	}
	return "{" + strings.Join(parts, " ") + "}"
}

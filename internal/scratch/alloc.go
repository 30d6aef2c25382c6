// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scratch

import (
	"gate.computer/memcheck/insn"
	"gate.computer/memcheck/internal/pan"
)

// Allocator tracks which of the available registers have been handed out.
type Allocator struct {
	avail insn.RegSet
	freed insn.RegSet
}

func MakeAllocator(avail insn.RegSet) Allocator {
	return Allocator{avail, avail}
}

// Alloc the first free register in order which satisfies the predicate.
func (a *Allocator) Alloc(order []insn.Reg, pred func(insn.Reg) bool) (r insn.Reg, ok bool) {
	for _, r = range order {
		if a.freed.Has(r) && (pred == nil || pred(r)) {
			a.freed = a.freed.Without(r)
			ok = true
			return
		}
	}
	r = insn.NoReg
	return
}

func (a *Allocator) AllocSpecific(r insn.Reg) {
	if !a.freed.Has(r) {
		pan.Panicf("scratch register %s is not free", r)
	}
	a.freed = a.freed.Without(r)
}

// Available registers which have not been allocated.
func (a *Allocator) Available() insn.RegSet {
	return a.freed
}

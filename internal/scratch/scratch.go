// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package scratch picks instrumentation scratch registers and emits their
// preservation code.
package scratch

import (
	"fmt"

	"gate.computer/memcheck/insn"
	"gate.computer/memcheck/shadow"
)

// Info describes how one scratch register is obtained.  A dead register
// needs no preservation; a live one is exchanged with a dead register
// (Xchg) or spilled to Slot.
type Info struct {
	Reg    insn.Reg
	Used   bool // Reserved, so preservation code is emitted around its use.
	Dead   bool
	Global bool // Preserved across the whole block.
	Xchg   insn.Reg
	Slot   shadow.Slot
}

func (si *Info) Valid() bool {
	return si.Reg != insn.NoReg
}

// Preserved reports if emitting a spill or exchange is required.
func (si *Info) Preserved() bool {
	return si.Used && !si.Dead
}

func (si Info) String() string {
	switch {
	case !si.Valid():
		return "none"

	case si.Dead:
		return fmt.Sprintf("%s dead", si.Reg)

	case si.Xchg != insn.NoReg:
		return fmt.Sprintf("%s xchg %s", si.Reg, si.Xchg)

	default:
		return fmt.Sprintf("%s spill %s", si.Reg, si.Slot)
	}
}

// Constraints of a pick.  Registers referenced by the no-overlap operands
// are never picked.
type Constraints struct {
	OnlyABCD      bool // reg2 needs a byte form.
	Need3         bool
	Reg3MustBeECX bool
	NoOverlap1    insn.Opnd
	NoOverlap2    insn.Opnd
}

// Preference order.  EAX is reserved for the flags and ESP is never
// touched.
var order = []insn.Reg{insn.EDX, insn.EBX, insn.ECX, insn.ESI, insn.EDI, insn.EBP}

// Candidates are the registers which may ever serve as scratch.
var Candidates = insn.RegSetOf(order...)

// Pick assigns reg1, reg2 and, if needed, reg3.  Fixed entries (block-wide
// scratch registers) are used as they are.  Reserved registers are never
// picked or used as exchange partners.  Dead reports if a register's
// application value is dead before the instruction.
func Pick(c Constraints, fixed [2]Info, reserved insn.RegSet, dead func(insn.Reg) bool) (regs [3]Info, ok bool) {
	excluded := reserved | c.NoOverlap1.Regs() | c.NoOverlap2.Regs()

	a := MakeAllocator(Candidates &^ excluded)

	for n, f := range fixed {
		if !f.Valid() {
			continue
		}
		if excluded.Has(f.Reg) || !a.Available().Has(f.Reg) {
			return
		}
		if n == 1 && c.OnlyABCD && !f.Reg.ABCD() {
			return
		}
		a.AllocSpecific(f.Reg)
		regs[n] = f
	}

	abcd := func(r insn.Reg) bool { return r.ABCD() }
	deadABCD := func(r insn.Reg) bool { return r.ABCD() && dead(r) }

	if c.Need3 && c.Reg3MustBeECX {
		if !a.Available().Has(insn.ECX) {
			return
		}
		a.AllocSpecific(insn.ECX)
		regs[2].Reg = insn.ECX
	}

	if !regs[1].Valid() {
		var found bool
		if c.OnlyABCD {
			if regs[1].Reg, found = a.Alloc(order, deadABCD); !found {
				regs[1].Reg, found = a.Alloc(order, abcd)
			}
		} else {
			if regs[1].Reg, found = a.Alloc(order, dead); !found {
				regs[1].Reg, found = a.Alloc(order, nil)
			}
		}
		if !found {
			return
		}
	}

	if !regs[0].Valid() {
		var found bool
		if regs[0].Reg, found = a.Alloc(order, dead); !found {
			if regs[0].Reg, found = a.Alloc(order, nil); !found {
				return
			}
		}
	}

	if c.Need3 && !regs[2].Valid() {
		var found bool
		if regs[2].Reg, found = a.Alloc(order, dead); !found {
			if regs[2].Reg, found = a.Alloc(order, nil); !found {
				return
			}
		}
	}

	// Exchange partners come from the remaining dead registers.
	partners := a.Available()

	for n := range regs {
		si := &regs[n]
		if !si.Valid() || si.Global {
			continue
		}

		si.Used = true
		si.Slot = shadow.LocalSlot(n)
		si.Xchg = insn.NoReg

		if dead(si.Reg) {
			si.Dead = true
			continue
		}

		for _, p := range order {
			if partners.Has(p) && dead(p) {
				si.Xchg = p
				partners = partners.Without(p)
				break
			}
		}
	}

	ok = true
	return
}

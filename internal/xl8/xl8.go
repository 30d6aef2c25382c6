// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package xl8 tracks shadow address translations which can be shared
// between consecutive memory accesses.
package xl8

import (
	"fmt"

	"gate.computer/memcheck/insn"
	"gate.computer/memcheck/shadow"
)

// State of the shared translation within a block.  When valid, the block's
// first scratch register holds the shadow address of Memop as it was
// computed with DispReg1.  DispImplicit accumulates the stack pointer
// adjustments of push and pop since then.
type State struct {
	Valid        bool
	Memop        insn.Opnd
	DispReg1     int32
	DispImplicit int32
}

// Set records a new source translation.
func (s *State) Set(memop insn.Opnd) {
	*s = State{
		Valid:    true,
		Memop:    memop,
		DispReg1: memop.Disp,
	}
}

func (s *State) Invalidate() {
	*s = State{}
}

// Delta between the recorded translation's application address and the
// memop's, if the memop can reuse the translation.
func (s *State) Delta(memop insn.Opnd, maxDelta int32) (delta int32, ok bool) {
	if !s.Valid || !s.Memop.SameAddrForm(memop) {
		return
	}

	delta = memop.Disp + s.DispImplicit - s.DispReg1
	if delta > maxDelta || delta < -maxDelta {
		return
	}

	offset := delta & shadow.UnitMask
	if int(offset)+int(memop.Size) > shadow.UnitSize {
		return
	}

	ok = true
	return
}

// Adjust the translation to the memop's unit, returning the shadow address
// increment.  The offset within the unit is static.
func (s *State) Adjust(delta int32) (shadowDelta int32) {
	shadowDelta = delta >> shadow.UnitShift
	s.DispReg1 += shadowDelta << shadow.UnitShift
	return
}

// Update the state after an application instruction.  Writes to the
// address registers or to the register holding the translation invalidate
// it; push and pop adjustments of ESP are tracked instead.
func (s *State) Update(i *insn.Insn, reg1 insn.Reg) {
	if !s.Valid {
		return
	}

	written := i.WrittenRegs()

	if i.Op == insn.OpCall || i.Op == insn.OpOther || written.Has(reg1) {
		s.Invalidate()
		return
	}

	if s.Memop.Base == insn.ESP && s.Memop.Index == insn.NoReg {
		if delta, ok := StackDelta(i); ok {
			s.DispImplicit += delta
			written = written.Without(insn.ESP)
		}
	}

	if written&s.Memop.AddrRegs() != 0 {
		s.Invalidate()
	}
}

// StackDelta is the ESP adjustment made by a push or pop.
func StackDelta(i *insn.Insn) (delta int32, ok bool) {
	switch i.Op {
	case insn.OpPush:
		for _, o := range i.Dsts {
			if o.IsMem() {
				return -int32(o.Size), true
			}
		}

	case insn.OpPop:
		for _, o := range i.Srcs {
			if o.IsMem() {
				return int32(o.Size), true
			}
		}
	}
	return
}

func (s State) String() string {
	if !s.Valid {
		return "invalid"
	}
	return fmt.Sprintf("%s disp %d implicit %d", s.Memop, s.DispReg1, s.DispImplicit)
}

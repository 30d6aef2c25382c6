// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scratch

import (
	"gate.computer/memcheck/insn"
	"gate.computer/memcheck/shadow"
)

func note(si *Info, n insn.Note) insn.Note {
	if si.Global {
		n |= insn.NoteGlobal
	}
	return n
}

// SpillOrRestore emits the preservation (spill) or its inverse (restore) for
// a per-instruction scratch register.  With justXchg only exchanges are
// emitted.  Returns true if something was emitted.
func SpillOrRestore(c insn.Cursor, si *Info, spill, justXchg bool) bool {
	if !si.Preserved() {
		return false
	}

	if si.Xchg != insn.NoReg {
		c.Emit(insn.Xchg(si.Reg, si.Xchg).Noted(note(si, insn.NoteXchg)))
		return true
	}

	if justXchg {
		return false
	}

	slot := si.Slot.Opnd(4)
	if spill {
		c.Emit(insn.Mov(slot, insn.RegOp(si.Reg)).Noted(note(si, insn.NoteSpill)))
	} else {
		c.Emit(insn.Mov(insn.RegOp(si.Reg), slot).Noted(note(si, insn.NoteRestore)))
	}
	return true
}

// SpillGlobal saves or restores a block-wide scratch register through its
// slot.
func SpillGlobal(c insn.Cursor, si *Info, spill bool) {
	slot := si.Slot.Opnd(4)
	if spill {
		c.Emit(insn.Mov(slot, insn.RegOp(si.Reg)).Noted(insn.NoteSpill | insn.NoteGlobal))
	} else {
		c.Emit(insn.Mov(insn.RegOp(si.Reg), slot).Noted(insn.NoteRestore | insn.NoteGlobal))
	}
}

// IsSpill reports if the instruction stores an application register to a
// spill slot.
func IsSpill(i *insn.Insn) bool {
	return i.Meta && i.Op == insn.OpMov && i.Note&insn.NoteSpill != 0 &&
		i.Dst(0).Kind == insn.KindTLS && i.Src(0).Kind == insn.KindReg
}

// IsRestore reports if the instruction loads an application register from a
// spill slot.
func IsRestore(i *insn.Insn) bool {
	return i.Meta && i.Op == insn.OpMov && i.Note&insn.NoteRestore != 0 &&
		i.Dst(0).Kind == insn.KindReg && i.Src(0).Kind == insn.KindTLS
}

// SlotOf a spill or restore.
func SlotOf(i *insn.Insn) shadow.Slot {
	if i.Dst(0).Kind == insn.KindTLS {
		return shadow.Slot(i.Dst(0).Slot())
	}
	return shadow.Slot(i.Src(0).Slot())
}

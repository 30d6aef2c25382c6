// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scratch

import (
	"gate.computer/memcheck/insn"
	"gate.computer/memcheck/shadow"
)

// Arithmetic flags are saved as lahf (sf zf af pf cf into ah) plus seto al,
// and restored with add al, 0x7f (sets of when al is 1) followed by sahf.

// NoFlagsSlot keeps the saved flags in eax.
const NoFlagsSlot = shadow.Slot(-1)

// EAXInfo describes how eax is preserved while it holds the flags.
func EAXInfo(dead bool) Info {
	return Info{
		Reg:  insn.EAX,
		Used: true,
		Dead: dead,
		Xchg: insn.NoReg,
		Slot: shadow.SlotEAX,
	}
}

// SaveAflags emits the flags save.  Without a slot the flags stay in eax;
// with a slot they are stored there and eax is restored.
func SaveAflags(c insn.Cursor, eax *Info, slot shadow.Slot) {
	global := slot != NoFlagsSlot
	n := insn.NoteSaveFlags
	if global {
		n |= insn.NoteGlobal
	}

	SpillOrRestore(c, eax, true, false)
	c.Emit(insn.Lahf().Noted(n))
	c.Emit(insn.Setcc(insn.O, insn.Reg8(insn.EAX)).Noted(n))

	if global {
		c.Emit(insn.Mov(slot.Opnd(4), insn.RegOp(insn.EAX)).Noted(n))
		SpillOrRestore(c, eax, false, false)
	}
}

// RestoreAflags emits the inverse of SaveAflags.
func RestoreAflags(c insn.Cursor, eax *Info, slot shadow.Slot) {
	global := slot != NoFlagsSlot
	n := insn.NoteRestoreFlags
	if global {
		n |= insn.NoteGlobal
		SpillOrRestore(c, eax, true, false)
		c.Emit(insn.Mov(insn.RegOp(insn.EAX), slot.Opnd(4)).Noted(n))
	}

	c.Emit(insn.Add(insn.Reg8(insn.EAX), insn.ImmOp(0x7f, 1)).Noted(n))
	c.Emit(insn.Sahf().Noted(n))
	SpillOrRestore(c, eax, false, false)
}

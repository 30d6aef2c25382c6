// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package shadow

import (
	"fmt"

	"gate.computer/memcheck/insn"
)

// Slot is a per-thread storage location, addressed as insn.KindTLS.
type Slot int

const (
	SlotAflags  = Slot(iota) // Saved arithmetic flags in lahf/seto form.
	SlotEAX                  // EAX while it holds flags.
	SlotReg1                 // Per-instruction scratch spills.
	SlotReg2
	SlotReg3
	SlotGlobal1 // Block-wide scratch spills.
	SlotGlobal2
	SlotRetAddr // Slow-path continuation.

	NumSpillSlots
)

// SlotUnproven is set by a slow path which leaves later elided checks of the
// block without the proof they were elided against.
const SlotUnproven = NumSpillSlots

const (
	slotRegShadow = Slot(16)

	// FlagsShadow holds the shadow byte of the arithmetic flags.
	FlagsShadow = slotRegShadow + insn.NumRegs

	NumSlots = FlagsShadow + 1
)

// RegShadow slot holds the shadow byte of a register.
func RegShadow(r insn.Reg) Slot {
	if !r.Valid() {
		panic(fmt.Errorf("no shadow slot for register %s", r))
	}
	return slotRegShadow + Slot(r.Index())
}

// LocalSlot for the nth per-instruction scratch register.
func LocalSlot(n int) Slot {
	return SlotReg1 + Slot(n)
}

// GlobalSlot for the nth block-wide scratch register.
func GlobalSlot(n int) Slot {
	return SlotGlobal1 + Slot(n)
}

func (s Slot) Opnd(size int) insn.Opnd {
	return insn.TLSOp(int(s), size)
}

// IsSpill reports if the slot holds application values.
func (s Slot) IsSpill() bool {
	return s >= 0 && s < NumSpillSlots
}

var slotStrings = []string{
	SlotAflags:   "aflags",
	SlotEAX:      "eax",
	SlotReg1:     "reg1",
	SlotReg2:     "reg2",
	SlotReg3:     "reg3",
	SlotGlobal1:  "global1",
	SlotGlobal2:  "global2",
	SlotRetAddr:  "retaddr",
	SlotUnproven: "unproven",
}

func (s Slot) String() string {
	switch {
	case s >= 0 && int(s) < len(slotStrings):
		return slotStrings[s]

	case s >= slotRegShadow && s < FlagsShadow:
		return "shadow." + insn.RegFromIndex(int(s-slotRegShadow)).String()

	case s == FlagsShadow:
		return "shadow.flags"

	default:
		return fmt.Sprintf("slot%d", int(s))
	}
}

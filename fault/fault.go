// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fault defines the values exchanged with the host when a fault or
// signal interrupts instrumented code.
package fault

import (
	"fmt"

	"gate.computer/memcheck/insn"
	"gate.computer/memcheck/shadow"
)

// Action tells the host how to proceed.
type Action int

const (
	// PassThrough: the position is not within instrumented code known to the
	// engine.  Nothing was modified.
	PassThrough = Action(iota)

	// Deliver the fault to the application.  The machine state has been
	// rewritten to the application-visible state at AppPC.
	Deliver

	// Redirect execution to ResumePos within the same block.  The fault was
	// caused by instrumentation and the slow path takes over; the machine
	// state is left as it was.
	Redirect
)

func (a Action) String() string {
	switch a {
	case PassThrough:
		return "pass-through"

	case Deliver:
		return "deliver"

	case Redirect:
		return "redirect"

	default:
		return fmt.Sprintf("<invalid action %d>", int(a))
	}
}

// Machine is the interrupted register state.
type Machine struct {
	Regs   [insn.NumRegs]uint32
	Eflags uint32
	PC     uint32
}

func (m *Machine) Reg(r insn.Reg) uint32 {
	return m.Regs[r.Index()]
}

func (m *Machine) SetReg(r insn.Reg, value uint32) {
	m.Regs[r.Index()] = value
}

// TLS gives access to the interrupted thread's slots.
type TLS interface {
	Load(slot shadow.Slot) uint32
}

// Slots is a TLS backed by a slice indexed by slot number.
type Slots []uint32

func (s Slots) Load(slot shadow.Slot) uint32 {
	if int(slot) < len(s) {
		return s[slot]
	}
	return 0
}

// Context of a fault within an instrumented block.
type Context struct {
	Tag     uint32 // Block identity given at instrumentation.
	Pos     int    // Position of the interrupted instruction in the block's output.
	Machine *Machine
	TLS     TLS

	// Set by the engine.
	AppPC     uint32
	ResumePos int
}

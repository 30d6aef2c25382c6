// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package liveness computes register and arithmetic flags liveness across
// the application instructions of a basic block.
package liveness

import (
	"gate.computer/memcheck/insn"
)

type State byte

const (
	Unknown = State(iota) // Not accessed before the end of the block.
	Live
	Dead
)

func (s State) String() string {
	switch s {
	case Live:
		return "live"

	case Dead:
		return "dead"

	default:
		return "unknown"
	}
}

// Info holds the state before each application instruction.  Position n
// (the number of instructions) is the end of the block.
type Info struct {
	regs  [][insn.NumRegs]State
	flags []insn.Flags // Live arithmetic flags.

	reads [insn.NumRegs]int
}

// Analyze the block in a single backward pass.  Control transfers out of
// the block are conservatively treated as reading everything: registers
// which are not written before the end are Unknown, and all flags are live
// at the end.
func Analyze(insns []*insn.Insn) *Info {
	n := len(insns)
	info := &Info{
		regs:  make([][insn.NumRegs]State, n+1),
		flags: make([]insn.Flags, n+1),
	}

	var cur [insn.NumRegs]State
	live := insn.ArithFlags

	info.regs[n] = cur
	info.flags[n] = live

	for pos := n - 1; pos >= 0; pos-- {
		i := insns[pos]

		read := i.ReadRegs()
		killed := i.KilledRegs()

		for x := 0; x < insn.NumRegs; x++ {
			r := insn.RegFromIndex(x)
			switch {
			case read.Has(r):
				cur[x] = Live
				info.reads[x]++

			case killed.Has(r):
				cur[x] = Dead
			}
		}

		if i.Op == insn.OpOther {
			// Unmodeled instructions may read anything.
			for x := range cur {
				cur[x] = Live
			}
			live = insn.ArithFlags
		} else {
			live = (live &^ i.FlagsWritten) | i.FlagsRead
		}

		info.regs[pos] = cur
		info.flags[pos] = live
	}

	return info
}

func (info *Info) Len() int {
	return len(info.regs) - 1
}

// Reg state before the instruction at pos.
func (info *Info) Reg(pos int, r insn.Reg) State {
	return info.regs[pos][r.Index()]
}

// RegDead before the instruction at pos.  Unknown is not dead.
func (info *Info) RegDead(pos int, r insn.Reg) bool {
	return r.Valid() && info.regs[pos][r.Index()] == Dead
}

// DeadThroughout reports if the register is dead before every instruction
// of the block, so its value never needs to be preserved.
func (info *Info) DeadThroughout(r insn.Reg) bool {
	for pos := 0; pos < info.Len(); pos++ {
		if !info.RegDead(pos, r) {
			return false
		}
	}
	return info.Len() > 0
}

// FlagsLive before the instruction at pos.
func (info *Info) FlagsLive(pos int) insn.Flags {
	return info.flags[pos]
}

func (info *Info) FlagsDead(pos int) bool {
	return info.flags[pos] == 0
}

// Reads counts the application instructions depending on the register.
func (info *Info) Reads(r insn.Reg) int {
	return info.reads[r.Index()]
}

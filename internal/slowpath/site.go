// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package slowpath

import (
	"fmt"

	"gate.computer/memcheck/insn"
	"gate.computer/memcheck/internal/xlate"
)

// Site is the slow path of one application instruction.  Out-of-line sites
// have a stub at the end of the block; inline sites call the slow path
// directly before the instruction.
type Site struct {
	Link

	App        insn.Handle
	AppInsn    *insn.Insn
	Reason     Reason
	Inline     bool
	SetsShared bool // Slow path leaves the shadow address of the memory operand in Scratch1.
	Scratch1   insn.Reg
	Redirected bool // Shared shadow probes resume at the stub after a fault.
	Unproves   bool // Later checks were elided against this one.

	// Unaddressable accesses are suppressed by the slow path instead of
	// reported.
	IgnoreUnaddr bool

	// Out-of-line sites.
	Entry     insn.Handle // Stub label.
	Cont      insn.Handle // Continuation label in the fastpath.
	Long      bool        // Compact or near-jump form.
	Routine   int         // Shared routine, or -1.
	Signature xlate.State

	body []insn.Handle
	back insn.Handle
}

// RedirectTo implements xlate.Redirector.
func (s *Site) RedirectTo() insn.Handle {
	return s.Entry
}

// Jump emits a conditional branch to the stub.
func (s *Site) Jump(c insn.Cursor, cond insn.Cond) insn.Handle {
	h := c.Emit(insn.Jcc(cond, s.Entry))
	s.AddSite(h)
	return h
}

// JumpAlways emits an unconditional branch to the stub.
func (s *Site) JumpAlways(c insn.Cursor) insn.Handle {
	h := c.Emit(insn.Jmp(insn.TargetOp(s.Entry)))
	s.AddSite(h)
	return h
}

// SetCont marks the position where the fastpath continues after the slow
// path returns.
func (s *Site) SetCont(c insn.Cursor) insn.Handle {
	s.Cont = c.Emit(insn.Label())
	return s.Cont
}

func (s *Site) String() string {
	form := "inline"
	if !s.Inline {
		form = "short"
		if s.Long {
			form = "long"
		}
	}
	return fmt.Sprintf("%#x %s (%s, %d jumps)", s.AppInsn.AppPC, form, s.Reason, len(s.Sites))
}

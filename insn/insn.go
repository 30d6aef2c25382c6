// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package insn is an abstract IA-32 instruction representation for
// application code and inserted instrumentation.
package insn

import (
	"fmt"
	"strings"
)

// Note tags instrumentation instructions with their role.
type Note uint16

const (
	NoteSpill        = Note(1 << iota) // Saves an application register.
	NoteRestore                        // Restores an application register.
	NoteXchg                           // Preservation exchange with a dead register.
	NoteSaveFlags                      // lahf/seto sequence.
	NoteRestoreFlags                   // add/sahf sequence.
	NoteGlobal                         // Part of block-wide preservation.
	NoteShadowProbe                    // Accesses shadow memory.
	NoteShared                         // Shadow address derived from another instruction.
	NoteStubEntry                      // First instruction of a slow-path stub.
	NoteExit                           // Jump to the fall-through address.
)

var noteStrings = []string{
	"spill",
	"restore",
	"xchg",
	"saveflags",
	"restoreflags",
	"global",
	"probe",
	"shared",
	"stub",
	"exit",
}

func (n Note) String() string {
	var names []string
	for i, s := range noteStrings {
		if n&(1<<uint(i)) != 0 {
			names = append(names, s)
		}
	}
	return strings.Join(names, ",")
}

// Insn is an application or instrumentation instruction.  Srcs and Dsts
// include implicit operands.  Memory operands of ops which don't access
// memory (lea) are listed as sources.
type Insn struct {
	Op   Op
	Cond Cond
	Srcs []Opnd
	Dsts []Opnd

	AppPC uint32 // Application instruction address, also for instrumentation.
	Len   uint8  // Application encoding length.
	Rep   bool

	FlagsRead    Flags
	FlagsWritten Flags

	Meta bool
	Note Note
	Near bool // Branch needs a 32-bit displacement.

	// Aux carries slow-path annotations for the runtime.
	Aux interface{}
}

func (i *Insn) Src(n int) Opnd {
	if n < len(i.Srcs) {
		return i.Srcs[n]
	}
	return Opnd{}
}

func (i *Insn) Dst(n int) Opnd {
	if n < len(i.Dsts) {
		return i.Dsts[n]
	}
	return Opnd{}
}

// ReadRegs are the registers whose values the instruction depends on.  A
// partial register write depends on the rest of the register.
func (i *Insn) ReadRegs() (s RegSet) {
	for _, o := range i.Srcs {
		s |= o.Regs()
	}
	for _, o := range i.Dsts {
		if o.Kind == KindReg {
			if o.Size < 4 {
				s = s.With(o.Reg)
			}
		} else {
			s |= o.AddrRegs()
		}
	}
	return
}

// WrittenRegs are the registers modified by the instruction, fully or
// partially.
func (i *Insn) WrittenRegs() (s RegSet) {
	for _, o := range i.Dsts {
		if o.Kind == KindReg {
			s = s.With(o.Reg)
		}
	}
	return
}

// KilledRegs are the registers fully overwritten by the instruction.
func (i *Insn) KilledRegs() (s RegSet) {
	for _, o := range i.Dsts {
		if o.FullReg() {
			s = s.With(o.Reg)
		}
	}
	return s &^ i.ReadRegs()
}

// MemSrcs lists the indexes of memory sources which are accessed.
func (i *Insn) MemSrcs() (indexes []int) {
	if !i.Op.AccessesMemory() {
		return
	}
	for n, o := range i.Srcs {
		if o.Kind == KindMem {
			indexes = append(indexes, n)
		}
	}
	return
}

func (i *Insn) MemDsts() (indexes []int) {
	for n, o := range i.Dsts {
		if o.Kind == KindMem {
			indexes = append(indexes, n)
		}
	}
	return
}

func (i *Insn) Clone() *Insn {
	c := *i
	c.Srcs = append([]Opnd(nil), i.Srcs...)
	c.Dsts = append([]Opnd(nil), i.Dsts...)
	return &c
}

// EstimatedSize of the encoding, taking branch reach into account.
func (i *Insn) EstimatedSize() int {
	switch i.Op {
	case OpJcc:
		if i.Near {
			return 6
		}
		return 2

	case OpJmp:
		if i.Src(0).Kind == KindTarget && !i.Near {
			return 2
		}
		return 5
	}

	if i.Op == OpOther || !i.Meta {
		if i.Len != 0 {
			return int(i.Len)
		}
	}
	return i.Op.EstimatedSize()
}

func (i *Insn) Mnemonic() string {
	if i.Op.Conditional() {
		return i.Op.String() + i.Cond.String()
	}
	if i.Rep {
		return "rep " + i.Op.String()
	}
	return i.Op.String()
}

func (i *Insn) String() string {
	var b strings.Builder
	b.WriteString(i.Mnemonic())

	// Intel operand order.  Read-modify-write operands are listed once.
	var opnds []string
	for _, o := range i.Dsts {
		opnds = append(opnds, o.String())
	}
srcs:
	for _, o := range i.Srcs {
		for _, d := range i.Dsts {
			if o == d {
				continue srcs
			}
		}
		opnds = append(opnds, o.String())
	}
	if len(opnds) > 0 {
		b.WriteString(" ")
		b.WriteString(strings.Join(opnds, ", "))
	}

	if i.Note != 0 {
		fmt.Fprintf(&b, "  ; %s", i.Note)
	}
	return b.String()
}

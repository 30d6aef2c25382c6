// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package xlate tracks where application register and flags values live at
// every position of an instrumented block.
package xlate

import (
	"fmt"
	"strings"

	"gate.computer/memcheck/fault"
	"gate.computer/memcheck/insn"
	"gate.computer/memcheck/shadow"
)

type LocKind byte

const (
	InReg  = LocKind(iota) // Machine register; NoReg means the flags register.
	InSlot                 // Thread-local slot.
	Biased                 // Flags in eax after add al, 0x7f: of is in the flags register.
	Lost                   // Clobbered while dead.
)

// Loc is the location of an application value.  Flags in a register or a
// slot use the lahf/seto encoding.
type Loc struct {
	Kind LocKind
	Reg  insn.Reg
	Slot shadow.Slot
}

func (loc Loc) String() string {
	switch loc.Kind {
	case InReg:
		if loc.Reg == insn.NoReg {
			return "eflags"
		}
		return loc.Reg.String()

	case InSlot:
		return loc.Slot.String()

	case Biased:
		return loc.Reg.String() + "+of"

	default:
		return "lost"
	}
}

// State is comparable: equal states preserve application values in the same
// way.
type State struct {
	Regs  [insn.NumRegs]Loc
	Flags Loc
}

// Initial state: every value in its own place.
func Initial() (s State) {
	for i := range s.Regs {
		s.Regs[i] = Loc{Kind: InReg, Reg: insn.RegFromIndex(i)}
	}
	s.Flags = Loc{Kind: InReg}
	return
}

func (s *State) RegInPlace(r insn.Reg) bool {
	return s.Regs[r.Index()] == Loc{Kind: InReg, Reg: r}
}

func (s *State) FlagsInPlace() bool {
	return s.Flags == Loc{Kind: InReg}
}

// InPlace reports if the application state is fully materialized.
func (s *State) InPlace() bool {
	return *s == Initial()
}

func (s *State) each(f func(loc *Loc)) {
	for i := range s.Regs {
		f(&s.Regs[i])
	}
	f(&s.Flags)
}

// clobber marks values held in a machine register as lost.
func (s *State) clobber(r insn.Reg) {
	s.each(func(loc *Loc) {
		if (loc.Kind == InReg || loc.Kind == Biased) && loc.Reg == r && r != insn.NoReg {
			*loc = Loc{Kind: Lost}
		}
	})
}

func (s *State) move(from, to Loc) {
	s.each(func(loc *Loc) {
		if *loc == from {
			*loc = to
		}
	})
}

func regLoc(r insn.Reg) Loc          { return Loc{Kind: InReg, Reg: r} }
func slotLoc(slot shadow.Slot) Loc   { return Loc{Kind: InSlot, Slot: slot} }
func slotOf(o insn.Opnd) shadow.Slot { return shadow.Slot(o.Slot()) }

// Step applies the effect of an instruction.
func (s *State) Step(i *insn.Insn) {
	if !i.Meta {
		s.stepApp(i)
		return
	}

	switch i.Op {
	case insn.OpLabel, insn.OpAppClone, insn.OpSlowCall,
		insn.OpJcc, insn.OpJmp, insn.OpJecxz:
		return

	case insn.OpXchg:
		a, b := i.Dsts[0].Reg, i.Dsts[1].Reg
		s.each(func(loc *Loc) {
			if loc.Kind == InReg || loc.Kind == Biased {
				switch loc.Reg {
				case a:
					loc.Reg = b
				case b:
					loc.Reg = a
				}
			}
		})
		return

	case insn.OpMov:
		dst, src := i.Dst(0), i.Src(0)

		if dst.Kind == insn.KindTLS && src.Kind == insn.KindReg && i.Note&(insn.NoteSpill|insn.NoteSaveFlags) != 0 {
			s.move(regLoc(src.Reg), slotLoc(slotOf(dst)))
			return
		}

		if dst.Kind == insn.KindReg && src.Kind == insn.KindTLS && i.Note&(insn.NoteRestore|insn.NoteRestoreFlags) != 0 {
			slot := slotLoc(slotOf(src))
			s.clobber(dst.Reg)
			s.move(slot, regLoc(dst.Reg))
			return
		}

	case insn.OpSetcc:
		if i.Note&insn.NoteSaveFlags != 0 {
			s.clobber(insn.EAX)
			if s.FlagsInPlace() {
				s.Flags = regLoc(insn.EAX)
			}
			return
		}

	case insn.OpAdd:
		if i.Note&insn.NoteRestoreFlags != 0 && s.Flags == regLoc(insn.EAX) {
			s.Flags = Loc{Kind: Biased, Reg: insn.EAX}
			return
		}

	case insn.OpSahf:
		if i.Note&insn.NoteRestoreFlags != 0 && s.Flags == (Loc{Kind: Biased, Reg: insn.EAX}) {
			s.Flags = Loc{Kind: InReg}
			return
		}
	}

	for _, o := range i.Dsts {
		if o.Kind == insn.KindReg {
			s.clobber(o.Reg)
		}
	}
	if i.FlagsWritten != 0 && s.FlagsInPlace() {
		s.Flags = Loc{Kind: Lost}
	}
}

func (s *State) stepApp(i *insn.Insn) {
	for _, o := range i.Dsts {
		if o.FullReg() {
			s.Regs[o.Reg.Index()] = regLoc(o.Reg)
		}
	}
	if i.FlagsWritten == insn.ArithFlags || (i.FlagsWritten != 0 && s.Flags.Kind == Lost) {
		s.Flags = Loc{Kind: InReg}
	}
}

// Join merges the states of two control flow paths.  A lost value stays
// lost; other locations must agree.
func Join(a, b State) (s State, ok bool) {
	join := func(x, y Loc) (Loc, bool) {
		switch {
		case x == y:
			return x, true

		case x.Kind == Lost || y.Kind == Lost:
			return Loc{Kind: Lost}, true

		default:
			return Loc{}, false
		}
	}

	for i := range s.Regs {
		if s.Regs[i], ok = join(a.Regs[i], b.Regs[i]); !ok {
			return
		}
	}
	s.Flags, ok = join(a.Flags, b.Flags)
	return
}

// CheckApp returns an error if the application instruction would observe a
// value which is not in place, or would overwrite a displaced value.
func (s *State) CheckApp(i *insn.Insn) error {
	for _, r := range i.ReadRegs().Regs() {
		if !s.RegInPlace(r) {
			return fmt.Errorf("%s reads %s from %s", i.Mnemonic(), r, s.Regs[r.Index()])
		}
	}
	for _, r := range i.WrittenRegs().Regs() {
		for x, loc := range s.Regs {
			if (loc.Kind == InReg || loc.Kind == Biased) && loc.Reg == r && x != r.Index() {
				return fmt.Errorf("%s overwrites %s which holds %s", i.Mnemonic(), r, insn.RegFromIndex(x))
			}
		}
		if s.Flags.Reg == r && s.Flags.Kind != InSlot && s.Flags.Kind != Lost {
			return fmt.Errorf("%s overwrites %s which holds flags", i.Mnemonic(), r)
		}
	}
	if i.FlagsRead != 0 && !s.FlagsInPlace() {
		return fmt.Errorf("%s reads flags from %s", i.Mnemonic(), s.Flags)
	}
	if i.FlagsWritten != 0 && i.FlagsWritten != insn.ArithFlags && !s.FlagsInPlace() && s.Flags.Kind != Lost {
		return fmt.Errorf("%s partially overwrites flags in %s", i.Mnemonic(), s.Flags)
	}
	return nil
}

// Restore rewrites the machine state to the application-visible state.
// Lost values are cleared so that instrumentation data never leaks.
func (s *State) Restore(m *fault.Machine, tls fault.TLS) {
	old := *m

	load := func(loc Loc) uint32 {
		switch loc.Kind {
		case InReg, Biased:
			return old.Reg(loc.Reg)

		case InSlot:
			return tls.Load(loc.Slot)

		default:
			return 0
		}
	}

	for i, loc := range s.Regs {
		m.Regs[i] = load(loc)
	}

	var arith uint32
	switch s.Flags.Kind {
	case InReg:
		if s.Flags.Reg == insn.NoReg {
			arith = old.Eflags & uint32(insn.ArithFlags)
		} else {
			arith = DecodeFlags(load(s.Flags))
		}

	case InSlot:
		arith = DecodeFlags(load(s.Flags))

	case Biased:
		arith = DecodeFlags(load(s.Flags))&uint32(insn.AhFlags) | old.Eflags&uint32(insn.OF)
	}
	m.Eflags = old.Eflags&^uint32(insn.ArithFlags) | arith
}

// DecodeFlags converts the lahf/seto encoding (ah and al) to EFLAGS bits.
func DecodeFlags(v uint32) (flags uint32) {
	flags = (v >> 8) & uint32(insn.AhFlags)
	if v&0xff != 0 {
		flags |= uint32(insn.OF)
	}
	return
}

// EncodeFlags is the inverse of DecodeFlags.
func EncodeFlags(eflags uint32) (v uint32) {
	v = (eflags & uint32(insn.AhFlags)) << 8
	if eflags&uint32(insn.OF) != 0 {
		v |= 1
	}
	return
}

func (s State) String() string {
	var parts []string
	for i, loc := range s.Regs {
		r := insn.RegFromIndex(i)
		if loc != regLoc(r) {
			parts = append(parts, fmt.Sprintf("%s=%s", r, loc))
		}
	}
	if !s.FlagsInPlace() {
		parts = append(parts, fmt.Sprintf("flags=%s", s.Flags))
	}
	if len(parts) == 0 {
		return "in-place"
	}
	return strings.Join(parts, " ")
}

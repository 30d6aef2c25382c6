// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fastpath

import (
	"math/bits"

	"gate.computer/memcheck/insn"
	"gate.computer/memcheck/internal/debug"
	"gate.computer/memcheck/internal/pan"
	"gate.computer/memcheck/internal/scratch"
	"gate.computer/memcheck/internal/slowpath"
	"gate.computer/memcheck/shadow"
)

// Synthesize is phase 3: it emits the instrumentation before the
// application instruction.
func (b *Block) Synthesize(fi *Info) {
	if fi.phase != adjusted {
		pan.Panicf("%s: synthesized out of order", fi.Insn.Mnemonic())
	}
	fi.phase = synthesized

	if debug.Enabled {
		debug.Printf("%s", fi)
	}

	c := insn.Cursor{List: b.BB.List, At: fi.App, PC: fi.Insn.AppPC}

	switch fi.Pattern {
	case PatternNone:
		return

	case PatternSlow:
		fi.Site = b.Slow.Inline(c, fi.App, fi.SlowReason)
		fi.Site.IgnoreUnaddr = fi.CheckIgnoreUnaddr
		return
	}

	s := &synth{Block: b, fi: fi, c: c}
	s.run()

	b.BB.AddedInstru = true
}

type synth struct {
	*Block
	fi        *Info
	c         insn.Cursor
	clobbered bool // Arithmetic flags.
}

func (s *synth) reg(n int) insn.Reg { return s.fi.Regs[n].Reg }

// memReg holds the address, and later the shadow address, of memop k.
func (s *synth) memReg(k int) insn.Reg {
	if k == 0 {
		return s.reg(0)
	}
	return s.reg(2)
}

func (s *synth) put(c insn.Cursor, i *insn.Insn) insn.Handle {
	if i.FlagsWritten != 0 {
		s.clobbered = true
	}
	return c.Emit(i)
}

func (s *synth) emit(i *insn.Insn) insn.Handle {
	return s.put(s.c, i)
}

func (s *synth) at(h insn.Handle) insn.Cursor {
	return insn.Cursor{List: s.c.List, At: h, PC: s.c.PC}
}

func (s *synth) site() *slowpath.Site {
	fi := s.fi
	if fi.Site == nil {
		fi.Site = s.Slow.Stub(fi.App, slowpath.Check)
		fi.Site.IgnoreUnaddr = fi.CheckIgnoreUnaddr
	}
	return fi.Site
}

// probe notes an instruction which accesses shadow memory through a
// translated address.  A fault at a shared probe resumes at the slow path.
func (s *synth) probe(i *insn.Insn) *insn.Insn {
	i.Noted(insn.NoteShadowProbe)
	if s.fi.Shared {
		site := s.site()
		site.Redirected = true
		i.Noted(insn.NoteShared)
		i.Aux = site
	}
	return i
}

// jecxzSlow branches to the slow path if ecx is nonzero.
func (s *synth) jecxzSlow() {
	ok := s.c.Emit(insn.Label())
	c := s.at(ok)
	s.put(c, insn.Jecxz(ok))
	s.site().JumpAlways(c)
}

// testZero branches to the slow path if the shadow operand is nonzero.
func (s *synth) testZero(o insn.Opnd, probe bool) {
	mark := func(i *insn.Insn) *insn.Insn {
		if probe {
			return s.probe(i)
		}
		return i
	}

	if s.fi.FlagFree {
		s.emit(mark(insn.Movzx(insn.RegOp(insn.ECX), o)))
		s.jecxzSlow()
		return
	}

	s.emit(mark(insn.Cmp(o, insn.ImmOp(0, 1))))
	s.site().Jump(s.c, insn.NE)
}

// uniform branches to the slow path unless v is zero or mask.  If tested is
// set, the zero flag already reflects v.
func (s *synth) uniform(v insn.Reg, mask int64, tested bool) {
	ok := s.c.Emit(insn.Label())
	c := s.at(ok)
	if !tested {
		s.put(c, insn.Cmp(insn.RegOp(v), insn.ImmOp(0, 1)))
	}
	s.put(c, insn.Jcc(insn.E, ok))
	s.put(c, insn.Cmp(insn.RegOp(v), insn.ImmOp(mask, 4)))
	s.site().Jump(c, insn.NE)
}

func (s *synth) align(r insn.Reg, size int) {
	if size <= 1 {
		return
	}

	if s.fi.FlagFree {
		s.emit(insn.Mov(insn.RegOp(insn.ECX), insn.ImmOp(int64(32-bits.TrailingZeros(uint(size))), 4)))
		s.emit(insn.Shlx(insn.ECX, r, insn.ECX))
		s.jecxzSlow()
		return
	}

	s.emit(insn.Test(insn.RegOp(r), insn.ImmOp(int64(size-1), 4)))
	s.site().Jump(s.c, insn.NE)
}

// translate replaces the application address in r with its shadow address.
// reg2 is clobbered.
func (s *synth) translate(r insn.Reg) {
	tmp := s.reg(1)
	l := s.Cfg.Layout

	if s.fi.FlagFree {
		ecx := insn.ECX
		s.emit(insn.Mov(insn.RegOp(ecx), insn.ImmOp(int64(l.ChunkShift), 4)))
		s.emit(insn.Shrx(tmp, r, ecx))
		s.emit(insn.Mov(insn.RegOp(tmp), insn.TableOp(tmp)))
		s.emit(insn.Movzx(insn.RegOp(r), insn.Reg16(r)))
		s.emit(insn.Mov(insn.RegOp(ecx), insn.ImmOp(shadow.UnitShift, 4)))
		s.emit(insn.Shrx(r, r, ecx))
		s.emit(insn.Lea(r, insn.MemOp(insn.SegNone, r, tmp, 1, 0, 0)))
		return
	}

	s.emit(insn.Mov(insn.RegOp(tmp), insn.RegOp(r)))
	s.emit(insn.Shr(insn.RegOp(tmp), int(l.ChunkShift)))
	s.emit(insn.Mov(insn.RegOp(tmp), insn.TableOp(tmp)))
	s.emit(insn.And(insn.RegOp(r), insn.ImmOp(int64(l.ChunkMask()), 4)))
	s.emit(insn.Shr(insn.RegOp(r), shadow.UnitShift))
	s.emit(insn.Add(insn.RegOp(r), insn.RegOp(tmp)))
}

// offs computes twice the unit offset of the address in reg1 into cl.
func (s *synth) offs() {
	r1 := s.reg(0)

	if s.fi.ZeroRestOfOffs {
		ecx := insn.RegOp(insn.ECX)
		s.emit(insn.Mov(ecx, insn.RegOp(r1)))
		s.emit(insn.And(ecx, insn.ImmOp(shadow.UnitMask, 4)))
		s.emit(insn.Add(ecx, ecx))
		return
	}

	cl := insn.Reg8(insn.ECX)
	s.emit(insn.Mov(cl, insn.Reg8(r1)))
	s.emit(insn.And(cl, insn.ImmOp(shadow.UnitMask, 1)))
	s.emit(insn.Add(cl, cl))
}

func unitProbe(r insn.Reg, size uint8) insn.Opnd {
	if size == 8 {
		return insn.BaseDisp(r, 0, 2)
	}
	return insn.BaseDisp(r, 0, 1)
}

func regShadow(r insn.Reg) insn.Opnd {
	return shadow.RegShadow(r).Opnd(1)
}

func (s *synth) run() {
	fi, bi := s.fi, s.BB
	memops := fi.Memops[:fi.NumMemops]

	if fi.Release {
		bi.Release(s.c)
	}
	for n := range bi.Global {
		if fi.Regs[n].Global && fi.Uses[n] {
			bi.MarkUsed(n, fi.Pos)
		}
	}
	for n := range fi.Regs {
		if !fi.Regs[n].Global {
			scratch.SpillOrRestore(s.c, &fi.Regs[n], true, false)
		}
	}

	if fi.Shared {
		if d := bi.Shared.Adjust(fi.SharedDelta); d != 0 {
			s.emit(insn.Lea(s.reg(0), insn.BaseDisp(s.reg(0), d, 0)))
		}
	} else {
		for k, m := range memops {
			s.emit(insn.Lea(s.memReg(k), m))
		}
	}

	// Everything which may branch to the slow path follows the marker.
	marker := s.c.Emit(insn.Label())

	if fi.NeedOffs && fi.Offs < 0 {
		s.offs()
	}

	if !fi.Shared {
		for k, m := range memops {
			r := s.memReg(k)
			if !fi.ElideCheck {
				s.align(r, int(m.Size))
			}
			s.translate(r)
		}
	}

	s.checks()

	for _, r := range fi.CheckRegs.Regs() {
		s.testZero(regShadow(r), false)
	}
	if fi.CheckFlags {
		s.testZero(shadow.FlagsShadow.Opnd(1), false)
	}

	s.updates()

	if fi.Site != nil {
		fi.Site.SetCont(s.c)
	}

	if fi.Regs[0].Global && fi.Uses[0] {
		switch {
		case fi.ShareSource:
			bi.Shared.Set(fi.Memops[0])
			if fi.Site != nil {
				fi.Site.SetsShared = true
				fi.Site.Scratch1 = s.reg(0)
			}

		case fi.Shared:
			// Adjusted in place.

		default:
			bi.Shared.Invalidate()
		}
	}

	fi.FlagsClobbered = s.clobbered
	if s.clobbered {
		switch {
		case bi.GlobalFlags:
			bi.MarkFlagsUsed(fi.Pos)

		case !bi.FlagsDead(fi.Pos):
			eax := scratch.EAXInfo(bi.Live.RegDead(fi.Pos, insn.EAX))
			scratch.SaveAflags(s.at(marker), &eax, scratch.NoFlagsSlot)
			scratch.RestoreAflags(s.c, &eax, scratch.NoFlagsSlot)
			fi.FlagsSaved = true
		}
	}

	for n := len(fi.Regs) - 1; n >= 0; n-- {
		if !fi.Regs[n].Global {
			scratch.SpillOrRestore(s.c, &fi.Regs[n], false, false)
		}
	}

	bi.List.Remove(marker)
}

// checks of the memory operands.
func (s *synth) checks() {
	fi := s.fi
	r1, r2 := s.reg(0), s.reg(1)

	switch fi.Pattern {
	case PatternCheck, PatternStoreSub:
		for k, m := range fi.Memops[:fi.NumMemops] {
			s.testZero(unitProbe(s.memReg(k), m.Size), true)
		}

	case PatternLoadProp:
		s.emit(s.probe(insn.Movzx(insn.RegOp(r2), insn.BaseDisp(r1, 0, 1))))
		s.uniform(r2, shadow.UnitUndefined, false)

	case PatternLoadSub:
		mask := int64(shadow.Mask(0, fi.MemSize))

		s.emit(s.probe(insn.Movzx(insn.RegOp(r2), insn.BaseDisp(r1, 0, 1))))
		switch {
		case fi.Offs < 0:
			s.emit(insn.ShrCL(insn.RegOp(r2)))

		case fi.Offs > 0:
			s.emit(insn.Shr(insn.RegOp(r2), 2*fi.Offs))
		}
		s.emit(insn.And(insn.RegOp(r2), insn.ImmOp(mask, 4)))
		s.uniform(r2, mask, true)

	case PatternStore:
		if fi.ElideCheck {
			s.unproven()
		} else {
			s.emit(s.probe(insn.Movzx(insn.RegOp(r2), insn.BaseDisp(r1, 0, 1))))
			s.uniform(r2, shadow.UnitUndefined, false)
		}
	}
}

// unproven branches to the slow path if the check which proved the unit
// addressable went to its own slow path during this execution of the block.
func (s *synth) unproven() {
	prover := s.provers[s.fi.Memops[0]]
	if prover == nil {
		return
	}
	prover.Unproves = true

	if !s.cleared {
		l := s.BB.List
		top := l.First()
		c := insn.Cursor{List: l, At: top, PC: l.Insn(top).AppPC}
		c.Emit(insn.Mov(shadow.SlotUnproven.Opnd(1), insn.ImmOp(0, 1)))
		s.cleared = true
	}

	s.testZero(shadow.SlotUnproven.Opnd(1), false)
}

// updates of the destination shadows.
func (s *synth) updates() {
	fi, bi := s.fi, s.BB
	r1, r2 := s.reg(0), s.reg(1)
	elide := s.Cfg.ElideChecks

	switch fi.Pattern {
	case PatternCheck, PatternStoreSub:
		s.defines()

	case PatternRegProp:
		s.emit(insn.Movzx(insn.RegOp(r2), regShadow(fi.PropSrc.Reg)))
		s.emit(insn.Mov(regShadow(fi.PropDst.Reg), insn.Reg8(r2)))

	case PatternLoadProp:
		s.emit(insn.Mov(regShadow(fi.PropDst.Reg), insn.Reg8(r2)))

	case PatternLoadSub:
		dst := regShadow(fi.PropDst.Reg)
		if fi.PropDst.FullReg() {
			s.emit(insn.Mov(dst, insn.Reg8(r2)))
		} else {
			s.emit(insn.And(dst, insn.ImmOp(int64(^shadow.Mask(0, fi.MemSize)), 1)))
			s.emit(insn.Or(dst, insn.Reg8(r2)))
		}

	case PatternStore:
		unit := insn.BaseDisp(r1, 0, 1)
		src := fi.PropSrc

		if src.FullReg() && src.Reg != insn.ESP && !(elide && bi.RegDefined.Has(src.Reg)) {
			s.emit(insn.Movzx(insn.RegOp(r2), regShadow(src.Reg)))
			s.emit(s.probe(insn.Mov(unit, insn.Reg8(r2))))
		} else {
			s.emit(s.probe(insn.Mov(unit, insn.ImmOp(shadow.UnitDefined, 1))))
		}
	}
}

func (s *synth) defines() {
	fi, bi := s.fi, s.BB
	if !s.Cfg.CheckDefinedness {
		return
	}
	elide := s.Cfg.ElideChecks

	for _, o := range fi.DefineRegs {
		if o.Reg == insn.ESP || (elide && bi.RegDefined.Has(o.Reg)) {
			continue
		}

		if o.FullReg() {
			s.emit(insn.Mov(regShadow(o.Reg), insn.ImmOp(shadow.UnitDefined, 1)))
		} else {
			offset, size := o.ByteRange()
			s.emit(insn.And(regShadow(o.Reg), insn.ImmOp(int64(^shadow.Mask(offset, size)), 1)))
		}
	}

	if fi.DefineFlags && !(elide && bi.EflagsDefined) {
		s.emit(insn.Mov(shadow.FlagsShadow.Opnd(1), insn.ImmOp(shadow.UnitDefined, 1)))
	}
}

// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fastpath

import (
	"gate.computer/memcheck/insn"
	"gate.computer/memcheck/internal/bb"
	"gate.computer/memcheck/internal/classify"
	"gate.computer/memcheck/internal/pan"
	"gate.computer/memcheck/internal/scratch"
	"gate.computer/memcheck/internal/slowpath"
	"gate.computer/memcheck/shadow"
)

// Adjust is phase 2: it decides the pattern, the operand under test, the
// translation sharing and the scratch registers.
func (b *Block) Adjust(fi *Info, checkIgnoreUnaddr bool) {
	if fi.phase != classified {
		pan.Panicf("%s: adjusted out of order", fi.Insn.Mnemonic())
	}
	fi.phase = adjusted
	fi.CheckIgnoreUnaddr = checkIgnoreUnaddr

	if !fi.Ok() {
		fi.slow(fi.Reason)
		return
	}

	switch fi.Shape {
	case classify.None:
		return

	case classify.RegOnly:
		if b.Cfg.CheckDefinedness {
			b.adjustRegOnly(fi)
		}

	default:
		b.adjustMem(fi)
	}

	if fi.Pattern == PatternNone || fi.Pattern == PatternSlow {
		return
	}

	if b.Cfg.ElideChecks {
		fi.CheckRegs &^= b.BB.RegDefined
		if b.BB.EflagsDefined {
			fi.CheckFlags = false
		}
	}
	fi.CheckRegs = fi.CheckRegs.Without(insn.ESP)

	if fi.Pattern == PatternCheck && fi.NumMemops == 0 && fi.CheckRegs == 0 && !fi.CheckFlags && !b.needDefines(fi) {
		fi.Pattern = PatternNone
		return
	}

	b.adjustSharing(fi)
	b.pickScratch(fi)
}

func isZeroing(i *insn.Insn) bool {
	switch i.Op {
	case insn.OpXor, insn.OpSub:
		return len(i.Srcs) == 2 && i.Srcs[0].IsReg() && i.Srcs[0] == i.Srcs[1]
	}
	return false
}

func (b *Block) adjustRegOnly(fi *Info) {
	i := fi.Insn

	if i.Op == insn.OpMov && fi.NumSrcs == 1 && fi.NumDsts == 1 && fi.Src[0].FullReg() && fi.Dst[0].FullReg() && fi.Src[0].Reg != insn.ESP {
		src, dst := fi.Src[0], fi.Dst[0]

		if src.Reg == dst.Reg || (b.Cfg.ElideChecks && b.BB.RegDefined.Has(src.Reg)) {
			fi.Pattern = PatternCheck
			fi.DefineRegs = []insn.Opnd{dst}
			return
		}

		fi.Pattern = PatternRegProp
		fi.PropSrc = src
		fi.PropDst = dst
		fi.Uses[1] = true
		return
	}

	fi.Pattern = PatternCheck
	if !isZeroing(i) {
		for _, o := range fi.RegSrcs() {
			fi.CheckRegs = fi.CheckRegs.With(o.Reg)
		}
		fi.CheckFlags = i.FlagsRead != 0
	}
	fi.DefineRegs = fi.RegDsts()
	fi.DefineFlags = i.FlagsWritten != 0
}

func (b *Block) needDefines(fi *Info) bool {
	if fi.DefineFlags && !(b.Cfg.ElideChecks && b.BB.EflagsDefined) {
		return true
	}
	for _, o := range fi.DefineRegs {
		if o.Reg != insn.ESP && !(b.Cfg.ElideChecks && b.BB.RegDefined.Has(o.Reg)) {
			return true
		}
	}
	return false
}

func firstNonMem(ops []insn.Opnd) (o insn.Opnd) {
	for _, x := range ops {
		if !x.IsMem() {
			return x
		}
	}
	return
}

func (b *Block) adjustMem(fi *Info) {
	i := fi.Insn

	switch fi.Shape {
	case classify.Load, classify.LoadStore:
		fi.Memops[0] = fi.Src[0]
		fi.NumMemops = 1

	case classify.Store:
		fi.Memops[0] = fi.Dst[0]
		fi.NumMemops = 1

	case classify.Mem2Mem:
		fi.Memops = [2]insn.Opnd{fi.Src[0], fi.Dst[0]}
		fi.NumMemops = 2

	case classify.Load2x:
		fi.Memops = [2]insn.Opnd{fi.Src[0], fi.Src[1]}
		fi.NumMemops = 2
	}
	fi.MemSize = int(fi.Memops[0].Size)
	fi.Uses[0] = true
	fi.Uses[1] = true
	if fi.NumMemops == 2 {
		fi.Uses[2] = true
	}

	fi.Pattern = PatternCheck
	if !b.Cfg.CheckDefinedness {
		return
	}

	for _, m := range fi.Memops[:fi.NumMemops] {
		fi.CheckRegs |= m.AddrRegs()
	}

	generic := func() {
		for _, o := range fi.RegSrcs() {
			fi.CheckRegs = fi.CheckRegs.With(o.Reg)
		}
		fi.CheckFlags = i.FlagsRead != 0
		fi.DefineRegs = fi.RegDsts()
		fi.DefineFlags = i.FlagsWritten != 0
	}

	switch fi.Shape {
	case classify.Load:
		var dst insn.Opnd
		if fi.NumDsts == 1 {
			dst = fi.Dst[0]
		}

		switch {
		case (i.Op == insn.OpMov || i.Op == insn.OpPop || i.Op == insn.OpLeave) && fi.MemSize == 4 && dst.FullReg():
			fi.Pattern = PatternLoadProp
			fi.PropDst = dst

		case fi.MemSize < 4 && dst.IsReg() && !dst.High &&
			((i.Op == insn.OpMov && int(dst.Size) == fi.MemSize) || (i.Op == insn.OpMovzx && dst.FullReg())):
			fi.Pattern = PatternLoadSub
			fi.PropDst = dst

			if m := fi.Memops[0]; m.Base == insn.NoReg && m.Index == insn.NoReg {
				fi.Offs = int(m.Disp & shadow.UnitMask)
			} else {
				fi.NeedOffs = true
			}

		default:
			generic()
		}

	case classify.Store:
		src := firstNonMem(fi.Srcs())
		movLike := i.Op == insn.OpMov || i.Op == insn.OpPush || i.Op == insn.OpStos || i.Op == insn.OpCall

		switch {
		case i.Op == insn.OpCall && fi.MemSize == 4:
			// The return address is defined; the target must be.
			fi.Pattern = PatternStore
			for _, o := range fi.RegSrcs() {
				fi.CheckRegs = fi.CheckRegs.With(o.Reg)
			}
			fi.ElideCheck = b.Cfg.ElideChecks && !fi.CheckIgnoreUnaddr && b.BB.ProvenAddressable(fi.Memops[0])

		case movLike && fi.MemSize == 4 && (src.IsImm() || src.Kind == insn.KindPC || src.FullReg()):
			fi.Pattern = PatternStore
			fi.PropSrc = src
			fi.ElideCheck = b.Cfg.ElideChecks && !fi.CheckIgnoreUnaddr && b.BB.ProvenAddressable(fi.Memops[0])

		case movLike && fi.MemSize < 4:
			fi.Pattern = PatternStoreSub
			if src.IsReg() {
				fi.CheckRegs = fi.CheckRegs.With(src.Reg)
			}

		default:
			generic()
		}

	default:
		generic()
	}
}

// adjustSharing decides whether the instruction reuses or establishes the
// shadow translation held in the block-wide reg1.
func (b *Block) adjustSharing(fi *Info) {
	bi := b.BB

	if !b.Cfg.ShareTranslation || !bi.WholeBlock || fi.NumMemops != 1 || fi.CheckIgnoreUnaddr || b.Table.Disabled(fi.Insn.AppPC) {
		return
	}

	m := fi.Memops[0]
	if !m.Seg.Flat() {
		return
	}

	if delta, ok := bi.Shared.Delta(m, b.Cfg.MaxSharedDelta); ok {
		fi.Shared = true
		fi.SharedDelta = delta
		fi.Offs = int(delta & shadow.UnitMask)
		fi.NeedOffs = false
		return
	}

	if fi.MemSize == shadow.UnitSize {
		fi.ShareSource = true
	}
}

// unshare drops the sharing decisions, which need the block-wide reg1.
func (b *Block) unshare(fi *Info) {
	fi.ShareSource = false
	if !fi.Shared {
		return
	}

	fi.Shared = false
	fi.SharedDelta = 0
	if fi.Pattern == PatternLoadSub {
		fi.Offs = -1
		fi.NeedOffs = true
		fi.Uses[2] = true
	}
}

func (b *Block) flagFreeTranslation() bool {
	return b.Cfg.FlagFreeTranslation && b.Cfg.Layout.ChunkShift == 16
}

// clobbersFlags predicts if the synthesized code writes the arithmetic
// flags when it doesn't use the flag-free forms.
func (b *Block) clobbersFlags(fi *Info) bool {
	switch fi.Pattern {
	case PatternNone, PatternSlow, PatternRegProp:
		return false
	}

	if fi.NumMemops > 0 {
		return true
	}
	if fi.CheckRegs != 0 || fi.CheckFlags {
		return true
	}
	for _, o := range fi.DefineRegs {
		if o.Reg != insn.ESP && !o.FullReg() {
			return true
		}
	}
	return false
}

// canBeFlagFree reports if the checks reduce to tests for zero and the
// translation (if any) has a flag-free form.
func (b *Block) canBeFlagFree(fi *Info, shared bool) bool {
	switch fi.Pattern {
	case PatternCheck, PatternStoreSub:

	case PatternStore:
		if !fi.ElideCheck || fi.CheckRegs != 0 {
			return false
		}

	default:
		return false
	}

	if fi.NumMemops > 1 || (fi.NumMemops == 1 && !shared && !b.flagFreeTranslation()) {
		return false
	}
	for _, o := range fi.DefineRegs {
		if o.Reg != insn.ESP && !o.FullReg() {
			return false
		}
	}
	return true
}

func (b *Block) pickScratch(fi *Info) {
	bi := b.BB

	if fi.NeedOffs {
		fi.Uses[2] = true
	}

	flagsLive := !bi.FlagsDead(fi.Pos) && !(bi.GlobalFlags && bi.Flags != bb.Free)
	wantFlagFree := flagsLive && b.clobbersFlags(fi)

	dead := func(r insn.Reg) bool {
		return bi.Live.RegDead(fi.Pos, r)
	}

	global := bi.WholeBlock && (fi.Uses[0] || fi.Uses[1])

	attempt := func(flagFree, fixed bool) bool {
		if !fi.Uses[0] && !fi.Uses[1] && !fi.Uses[2] && !flagFree {
			fi.Regs = [3]scratch.Info{}
			fi.FlagFree = false
			return true
		}

		c := scratch.Constraints{
			OnlyABCD:      true,
			Need3:         fi.Uses[2] || flagFree,
			Reg3MustBeECX: fi.NeedOffs || flagFree,
			NoOverlap1:    fi.Memops[0],
			NoOverlap2:    fi.Memops[1],
		}

		reserved := insn.RegSetOf(insn.EAX, insn.ESP)

		var regs [2]scratch.Info
		if fixed {
			regs = bi.Scratch()
		} else if bi.WholeBlock && !global {
			// Block-wide registers keep their contents.
			for _, g := range bi.Global {
				reserved = reserved.With(g.Reg)
			}
		}

		picked, ok := scratch.Pick(c, regs, reserved, dead)
		if !ok {
			return false
		}

		for n := range picked {
			if !fi.Uses[n] && !(n == 2 && flagFree) && !picked[n].Global {
				picked[n].Used = false
			}
		}
		fi.Regs = picked
		fi.FlagFree = flagFree
		if flagFree {
			fi.Uses[2] = true
		}
		fi.ZeroRestOfOffs = fi.NeedOffs && !picked[0].Reg.ABCD()
		return true
	}

	type try struct{ flagFree, fixed bool }
	var tries []try
	if global {
		tries = append(tries, try{true, true}, try{false, true})
	}
	tries = append(tries, try{true, false}, try{false, false})

	for _, t := range tries {
		if global && !t.fixed {
			b.unshare(fi)
		}
		if t.flagFree && !(wantFlagFree && b.canBeFlagFree(fi, fi.Shared)) {
			continue
		}
		if attempt(t.flagFree, t.fixed) {
			fi.Release = global && !t.fixed
			return
		}
	}

	if fi.Pattern == PatternLoadSub {
		// The unit offset needs cl.
		fi.Pattern = PatternCheck
		fi.Offs = -1
		fi.NeedOffs = false
		fi.Uses[2] = false
		fi.DefineRegs = []insn.Opnd{fi.PropDst}
		fi.PropDst = insn.Opnd{}
		b.pickScratch(fi)
		return
	}

	fi.slow(slowpath.NoScratch)
}

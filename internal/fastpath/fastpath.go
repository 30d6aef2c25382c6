// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fastpath synthesizes inline shadow memory checks for application
// instructions.
package fastpath

import (
	"fmt"

	"gate.computer/memcheck/insn"
	"gate.computer/memcheck/internal/bb"
	"gate.computer/memcheck/internal/classify"
	"gate.computer/memcheck/internal/pan"
	"gate.computer/memcheck/internal/scratch"
	"gate.computer/memcheck/internal/slowpath"
	"gate.computer/memcheck/internal/xl8"
	"gate.computer/memcheck/shadow"
)

type Config struct {
	CheckDefinedness    bool
	ShareTranslation    bool
	ElideChecks         bool
	FlagFreeTranslation bool
	MaxSharedDelta      int32
	Layout              shadow.Layout
}

// Pattern of the synthesized check.
type Pattern byte

const (
	PatternNone     = Pattern(iota) // Nothing to emit.
	PatternSlow                     // Unconditional slow path.
	PatternCheck                    // Everything checked must be defined (or addressable).
	PatternRegProp                  // Register to register shadow copy.
	PatternLoadProp                 // Uniform unit copied to a register shadow.
	PatternLoadSub                  // Sub-unit bytes merged into a register shadow.
	PatternStore                    // Register or immediate shadow written to a unit.
	PatternStoreSub                 // Defined sub-unit store.
)

var patternStrings = []string{
	PatternNone:     "none",
	PatternSlow:     "slow",
	PatternCheck:    "check",
	PatternRegProp:  "regprop",
	PatternLoadProp: "loadprop",
	PatternLoadSub:  "loadsub",
	PatternStore:    "store",
	PatternStoreSub: "storesub",
}

func (p Pattern) String() string {
	if int(p) < len(patternStrings) {
		return patternStrings[p]
	}
	return fmt.Sprintf("<invalid pattern %d>", byte(p))
}

type phase byte

const (
	classified = phase(iota + 1)
	adjusted
	synthesized
)

// Info is populated in three phases: Classify, Adjust and Synthesize.
type Info struct {
	*classify.Info

	App insn.Handle
	Pos int

	// Adjust.
	Pattern      Pattern
	NeedSlowpath bool
	SlowReason   slowpath.Reason

	Memops    [2]insn.Opnd // Translated into Regs[0] and Regs[2].
	NumMemops int
	MemSize   int

	Offs           int // Static offset within the unit, or -1.
	NeedOffs       bool
	ZeroRestOfOffs bool

	CheckRegs   insn.RegSet
	CheckFlags  bool
	DefineRegs  []insn.Opnd
	DefineFlags bool
	PropDst     insn.Opnd
	PropSrc     insn.Opnd
	ElideCheck  bool

	CheckIgnoreUnaddr bool

	Shared      bool // Reuses the translation in the block-wide reg1.
	SharedDelta int32
	ShareSource bool // Leaves its translation in the block-wide reg1.

	Regs     [3]scratch.Info
	Uses     [3]bool
	Release  bool // Block-wide scratch registers are restored for this instruction.
	FlagFree bool // Checks use jecxz and translation uses shrx.

	// Synthesize.
	Site           *slowpath.Site
	FlagsClobbered bool
	FlagsSaved     bool // Locally around the instruction.

	phase phase
}

func (fi *Info) slow(reason slowpath.Reason) {
	fi.Pattern = PatternSlow
	fi.NeedSlowpath = true
	fi.SlowReason = reason
}

func (fi *Info) String() string {
	s := fmt.Sprintf("%#x %s %s", fi.Insn.AppPC, fi.Insn.Mnemonic(), fi.Pattern)
	if fi.NeedSlowpath {
		s += fmt.Sprintf(" (%s)", fi.SlowReason)
	}
	if fi.Shared {
		s += fmt.Sprintf(" shared %+d", fi.SharedDelta)
	}
	return s
}

// Block synthesizes the instrumentation of one block.
type Block struct {
	Cfg   Config
	BB    *bb.Info
	Slow  *slowpath.Dispatcher
	Table *xl8.Table // Instructions whose translation sharing proved wrong.

	provers map[insn.Opnd]*slowpath.Site // Checks which proved units addressable.
	cleared bool                         // SlotUnproven is reset at the top.
}

// Classify is phase 1.
func (b *Block) Classify(h insn.Handle) *Info {
	return &Info{
		Info:  classify.Classify(b.BB.List.Insn(h)),
		App:   h,
		Pos:   b.BB.Pos(h),
		Offs:  -1,
		phase: classified,
	}
}

// Instrument runs phases 2 and 3.
func (b *Block) Instrument(fi *Info, checkIgnoreUnaddr bool) {
	b.Adjust(fi, checkIgnoreUnaddr)
	b.Synthesize(fi)
}

// After updates the block state once the application instruction has been
// passed.  Called after bb.Info.PreApp.
func (b *Block) After(fi *Info) {
	if fi.phase != synthesized {
		pan.Panicf("%s: state update before synthesis", fi.Insn.Mnemonic())
	}

	bi := b.BB
	i := fi.Insn

	if fi.Pattern == PatternSlow {
		bi.ForgetAll()
		return
	}

	bi.Forget(i)
	if bi.WholeBlock {
		bi.Shared.Update(i, bi.Global[0].Reg)
	}

	written := i.WrittenRegs()
	defined := (bi.RegDefined | fi.CheckRegs) &^ written

	switch fi.Pattern {
	case PatternNone, PatternCheck, PatternStoreSub:
		if b.Cfg.CheckDefinedness {
			for _, o := range fi.DefineRegs {
				if o.FullReg() || bi.RegDefined.Has(o.Reg) {
					defined = defined.With(o.Reg)
				}
			}
			if fi.CheckFlags || fi.DefineFlags {
				bi.EflagsDefined = true
			}
		}

	case PatternRegProp:
		if bi.RegDefined.Has(fi.PropSrc.Reg) {
			defined = defined.With(fi.PropDst.Reg)
		}

	case PatternStore:
		if m := fi.Memops[0]; !written.Has(m.Base) {
			bi.SetAddressable(m)
			if !fi.ElideCheck {
				if b.provers == nil {
					b.provers = make(map[insn.Opnd]*slowpath.Site)
				}
				b.provers[m] = fi.Site
			}
		}
	}

	if i.FlagsWritten != 0 && !fi.DefineFlags {
		bi.EflagsDefined = false
	}

	bi.RegDefined = defined.Without(insn.ESP)
}

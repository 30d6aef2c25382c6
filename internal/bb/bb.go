// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bb holds the per-block instrumentation state and coordinates
// block-wide preservation of scratch registers and arithmetic flags.
package bb

import (
	"fmt"

	"gate.computer/memcheck/insn"
	"gate.computer/memcheck/internal/classify"
	"gate.computer/memcheck/internal/debug"
	"gate.computer/memcheck/internal/liveness"
	"gate.computer/memcheck/internal/pan"
	"gate.computer/memcheck/internal/scratch"
	"gate.computer/memcheck/internal/xl8"
	"gate.computer/memcheck/shadow"
)

type Config struct {
	WholeBlockSpills bool
	MinInstrs        int // Memory-accessing instructions needed for block-wide spilling.
}

// RegState of a block-wide scratch register or the flags.
type RegState byte

const (
	Free          = RegState(iota) // Application value in place.
	Saved                          // Application value in its slot.
	DeadClobbered                  // Application value is dead and may be overwritten.
)

func (s RegState) String() string {
	switch s {
	case Free:
		return "free"

	case Saved:
		return "saved"

	case DeadClobbered:
		return "dead"

	default:
		return fmt.Sprintf("<invalid state %d>", byte(s))
	}
}

type Global struct {
	scratch.Info
	State RegState
}

type Stats struct {
	Spills   int // Block-wide register and flags saves.
	Restores int
}

// Info is the state of one block under instrumentation.  It is owned by a
// single goroutine.
type Info struct {
	List *insn.List
	Apps []insn.Handle
	Live *liveness.Info

	index map[insn.Handle]int

	// Block-wide preservation, decided at the top of the block.
	WholeBlock  bool
	Global      [2]Global
	GlobalFlags bool
	Flags       RegState
	FlagsSaved  bool // Flags were saved at least once.

	// Block-wide spills are inserted after this instruction.
	SpillAfter insn.Handle

	// Conditions proven by earlier checks in the block.
	Addressable   [insn.NumRegs]map[int32]bool
	RegDefined    insn.RegSet
	EflagsDefined bool

	// Shadow translation held in Global[0].
	Shared xl8.State

	CheckIgnoreUnaddr bool
	AddedInstru       bool

	Stats Stats
}

// reg1 candidates in preference order.  ECX is kept for the third scratch
// register when possible.
var (
	reg1Order = []insn.Reg{insn.ESI, insn.EDI, insn.EBP, insn.EDX, insn.EBX, insn.ECX}
	reg2Order = []insn.Reg{insn.EDX, insn.EBX, insn.ECX}
)

// New analyzes the block and decides the block-wide preservation strategy.
func New(l *insn.List, cfg Config) *Info {
	bi := &Info{
		List:       l,
		Apps:       l.AppHandles(),
		index:      make(map[insn.Handle]int),
		SpillAfter: insn.NoHandle,
	}

	insns := make([]*insn.Insn, len(bi.Apps))
	for pos, h := range bi.Apps {
		bi.index[h] = pos
		insns[pos] = l.Insn(h)
	}
	bi.Live = liveness.Analyze(insns)

	bi.Global[0].Reg = insn.NoReg
	bi.Global[1].Reg = insn.NoReg

	var (
		memInstrs int
		other     bool
		conflicts [insn.NumRegs]int
	)

	for _, i := range insns {
		if i.Op == insn.OpOther {
			other = true
		}

		ci := classify.Classify(i)
		if !ci.Ok() || !(ci.Load || ci.Store) {
			continue
		}
		memInstrs++

		used := ci.Implicit
		for _, o := range ci.Srcs() {
			used |= o.Regs()
		}
		for _, o := range ci.Dsts() {
			used |= o.Regs()
		}
		for _, r := range used.Regs() {
			conflicts[r.Index()]++
		}
	}

	if !cfg.WholeBlockSpills || memInstrs < cfg.MinInstrs {
		return bi
	}

	score := func(r insn.Reg) int {
		n := conflicts[r.Index()] * 1000
		if r == insn.ECX {
			n += 500
		}
		if !bi.Live.DeadThroughout(r) {
			n += 100 + bi.Live.Reads(r)
		}
		return n
	}

	best := func(order []insn.Reg, taken insn.Reg) insn.Reg {
		found := insn.NoReg
		for _, r := range order {
			if r != taken && (found == insn.NoReg || score(r) < score(found)) {
				found = r
			}
		}
		return found
	}

	reg2 := best(reg2Order, insn.NoReg)
	reg1 := best(reg1Order, reg2)

	bi.WholeBlock = true
	bi.GlobalFlags = !other

	for n, r := range []insn.Reg{reg1, reg2} {
		bi.Global[n] = Global{
			Info: scratch.Info{
				Reg:    r,
				Used:   true,
				Dead:   bi.Live.DeadThroughout(r),
				Global: true,
				Xchg:   insn.NoReg,
				Slot:   shadow.GlobalSlot(n),
			},
		}
	}

	if debug.Enabled {
		debug.Printf("block-wide scratch %s %s flags %v", bi.Global[0].Info, bi.Global[1].Info, bi.GlobalFlags)
	}
	return bi
}

// Pos of an application instruction for liveness queries.
func (bi *Info) Pos(h insn.Handle) int {
	pos, found := bi.index[h]
	if !found {
		pan.Panicf("instruction %d is not an application instruction of the block", h)
	}
	return pos
}

// Scratch returns the block-wide scratch registers as fixed picks, or
// nothing if the block doesn't use them.
func (bi *Info) Scratch() (fixed [2]scratch.Info) {
	if bi.WholeBlock {
		fixed[0] = bi.Global[0].Info
		fixed[1] = bi.Global[1].Info
	}
	return
}

// spillCursor inserts after SpillAfter.  done must be called after emission.
func (bi *Info) spillCursor(pos int) (c insn.Cursor, done func()) {
	at := bi.List.First()
	if bi.SpillAfter != insn.NoHandle {
		at = bi.List.Next(bi.SpillAfter)
	}

	c = insn.Cursor{List: bi.List, At: at, PC: bi.List.Insn(bi.Apps[pos]).AppPC}
	done = func() {
		if at == insn.NoHandle {
			bi.SpillAfter = bi.List.Last()
		} else {
			bi.SpillAfter = bi.List.Prev(at)
		}
	}
	return
}

// MarkUsed is called before instrumentation of the instruction at pos
// writes to block-wide scratch register n.
func (bi *Info) MarkUsed(n, pos int) {
	g := &bi.Global[n]
	if !bi.WholeBlock {
		pan.Panicf("block-wide scratch register %d used without block-wide spilling", n)
	}
	if g.State != Free {
		return
	}

	if g.Dead || bi.Live.RegDead(pos, g.Reg) {
		g.State = DeadClobbered
		return
	}

	c, done := bi.spillCursor(pos)
	scratch.SpillGlobal(c, &g.Info, true)
	done()

	g.State = Saved
	bi.Stats.Spills++
}

// FlagsDead before the instruction at pos.
func (bi *Info) FlagsDead(pos int) bool {
	return bi.Live.FlagsDead(pos)
}

// MarkFlagsUsed is called before instrumentation of the instruction at pos
// clobbers the arithmetic flags, when flags are preserved block-wide.
func (bi *Info) MarkFlagsUsed(pos int) {
	if !bi.GlobalFlags {
		pan.Panicf("block-wide flags used without block-wide preservation")
	}
	if bi.Flags != Free {
		return
	}

	if bi.Live.FlagsDead(pos) {
		bi.Flags = DeadClobbered
		return
	}

	c, done := bi.spillCursor(pos)
	eax := scratch.EAXInfo(bi.Live.RegDead(pos, insn.EAX))
	scratch.SaveAflags(c, &eax, shadow.SlotAflags)
	done()

	bi.Flags = Saved
	bi.FlagsSaved = true
	bi.Stats.Spills++
}

// Release restores the block-wide scratch registers at the cursor, for an
// instruction which needs their application values.
func (bi *Info) Release(c insn.Cursor) {
	for n := range bi.Global {
		bi.restoreReg(c, n)
	}
	bi.Shared.Invalidate()
}

func (bi *Info) restoreReg(c insn.Cursor, n int) {
	g := &bi.Global[n]
	if g.State == Saved {
		scratch.SpillGlobal(c, &g.Info, false)
		bi.Stats.Restores++
	}
	g.State = Free
	if n == 0 {
		bi.Shared.Invalidate()
	}
}

func (bi *Info) restoreFlags(c insn.Cursor, pos int) {
	if bi.Flags == Saved {
		eax := scratch.EAXInfo(bi.Live.RegDead(pos, insn.EAX))
		scratch.RestoreAflags(c, &eax, shadow.SlotAflags)
		bi.Stats.Restores++
	}
	bi.Flags = Free
}

// PreApp restores what the application instruction needs and updates the
// preservation state for what it overwrites.
func (bi *Info) PreApp(h insn.Handle) {
	pos := bi.Pos(h)
	i := bi.List.Insn(h)
	c := insn.Cursor{List: bi.List, At: h, PC: i.AppPC}

	reads := i.ReadRegs()
	killed := i.KilledRegs()
	other := i.Op == insn.OpOther
	if other {
		reads = insn.AllRegs
		killed = 0
	}

	for n := range bi.Global {
		g := &bi.Global[n]
		if !g.Valid() || g.State == Free {
			continue
		}

		switch {
		case reads.Has(g.Reg):
			if g.State == DeadClobbered {
				pan.Panicf("%s reads dead block-wide scratch register %s", i.Mnemonic(), g.Reg)
			}
			bi.restoreReg(c, n)

		case killed.Has(g.Reg):
			g.State = Free
			if n == 0 {
				bi.Shared.Invalidate()
			}
		}
	}

	if bi.Flags != Free {
		switch {
		case i.FlagsRead != 0 || other:
			if bi.Flags == DeadClobbered {
				pan.Panicf("%s reads dead flags", i.Mnemonic())
			}
			bi.restoreFlags(c, pos)

		case i.FlagsWritten == insn.ArithFlags:
			bi.Flags = Free

		case i.FlagsWritten != 0:
			// Flags left unwritten by a partial write stay dead.
			if bi.Flags == Saved {
				bi.restoreFlags(c, pos)
			}
			bi.Flags = Free
		}
	}

	bi.SpillAfter = h
}

// Bottom restores everything at the end of the block: before the final
// control transfer, or at the tail for a fall-through block.
func (bi *Info) Bottom(tail insn.Handle) {
	if len(bi.Apps) == 0 {
		return
	}

	last := bi.Apps[len(bi.Apps)-1]
	i := bi.List.Insn(last)

	at, pos := tail, len(bi.Apps)
	if i.Op.CTI() {
		at, pos = last, len(bi.Apps)-1
	}
	c := insn.Cursor{List: bi.List, At: at, PC: i.AppPC}

	for n := range bi.Global {
		if bi.Global[n].Valid() {
			bi.restoreReg(c, n)
		}
	}
	bi.restoreFlags(c, pos)
}

// ProvenAddressable reports if an earlier check proved the aligned unit of
// the operand addressable.
func (bi *Info) ProvenAddressable(o insn.Opnd) bool {
	if o.Kind != insn.KindMem || o.Index != insn.NoReg || !o.Base.Valid() || o.Size != shadow.UnitSize {
		return false
	}
	return bi.Addressable[o.Base.Index()][o.Disp]
}

func (bi *Info) SetAddressable(o insn.Opnd) {
	if o.Kind != insn.KindMem || o.Index != insn.NoReg || !o.Base.Valid() || o.Size != shadow.UnitSize {
		return
	}
	m := bi.Addressable[o.Base.Index()]
	if m == nil {
		m = make(map[int32]bool)
		bi.Addressable[o.Base.Index()] = m
	}
	m[o.Disp] = true
}

// Forget proven conditions invalidated by an application instruction.
func (bi *Info) Forget(i *insn.Insn) {
	if i.Op == insn.OpOther || i.Op == insn.OpCall {
		bi.ForgetAll()
		return
	}

	for _, r := range i.WrittenRegs().Regs() {
		bi.Addressable[r.Index()] = nil
	}
}

// ForgetAll drops every proven condition and the shared translation.
func (bi *Info) ForgetAll() {
	for i := range bi.Addressable {
		bi.Addressable[i] = nil
	}
	bi.RegDefined = 0
	bi.EflagsDefined = false
	bi.Shared.Invalidate()
}

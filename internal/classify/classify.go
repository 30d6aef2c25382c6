// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package classify decides whether an application instruction can be
// instrumented inline, and normalizes its operands.
package classify

import (
	"fmt"

	"gate.computer/memcheck/insn"
	"gate.computer/memcheck/internal/slowpath"
)

const (
	MaxSrcs = 3
	MaxDsts = 2
)

type Shape byte

const (
	None      = Shape(iota) // Nothing to check.
	RegOnly                 // Register and flags operands only.
	Load                    // One memory source.
	Store                   // One memory destination.
	LoadStore               // The same memory operand is read and written.
	Mem2Mem                 // Memory source and a different memory destination.
	Load2x                  // Two memory sources.
)

var shapeStrings = []string{
	None:      "none",
	RegOnly:   "regonly",
	Load:      "load",
	Store:     "store",
	LoadStore: "loadstore",
	Mem2Mem:   "mem2mem",
	Load2x:    "load2x",
}

func (s Shape) String() string {
	if i := int(s); i < len(shapeStrings) {
		return shapeStrings[i]
	}
	return fmt.Sprintf("<invalid shape %d>", s)
}

// Info is the read-only classification of one application instruction.
// Memory operands come first in Src and Dst, and the arrays are packed.
type Info struct {
	Insn  *insn.Insn
	Shape Shape

	Src      [MaxSrcs]insn.Opnd
	Dst      [MaxDsts]insn.Opnd
	NumSrcs  int
	NumDsts  int
	SrcOpnum [MaxSrcs]int // Index within Insn.Srcs.
	DstOpnum [MaxDsts]int // Index within Insn.Dsts.

	// Pointer registers updated implicitly (stack and string operations).
	// Their shadows are not affected.
	Implicit insn.RegSet

	Load    bool
	Store   bool
	PushPop bool
	Mem2Mem bool
	Load2x  bool

	// Eligible tells which memory sources can be checked inline.
	Eligible [MaxSrcs]bool

	Reason slowpath.Reason
}

// Ok reports if the instruction can be instrumented inline.
func (ci *Info) Ok() bool {
	return ci.Reason == slowpath.None
}

func (ci *Info) Srcs() []insn.Opnd { return ci.Src[:ci.NumSrcs] }
func (ci *Info) Dsts() []insn.Opnd { return ci.Dst[:ci.NumDsts] }

// NumMemSrcs counts the leading memory sources.
func (ci *Info) NumMemSrcs() (n int) {
	for n < ci.NumSrcs && ci.Src[n].IsMem() {
		n++
	}
	return
}

func (ci *Info) HasMemDst() bool {
	return ci.NumDsts > 0 && ci.Dst[0].IsMem()
}

// RegSrcs are the source registers whose shadows matter.
func (ci *Info) RegSrcs() (regs []insn.Opnd) {
	for _, o := range ci.Srcs() {
		if o.IsReg() {
			regs = append(regs, o)
		}
	}
	return
}

func (ci *Info) RegDsts() (regs []insn.Opnd) {
	for _, o := range ci.Dsts() {
		if o.IsReg() {
			regs = append(regs, o)
		}
	}
	return
}

func (ci *Info) String() string {
	if !ci.Ok() {
		return fmt.Sprintf("%s: %s", ci.Shape, ci.Reason)
	}
	return fmt.Sprintf("%s srcs %v dsts %v", ci.Shape, ci.Srcs(), ci.Dsts())
}

func implicitRegs(op insn.Op) insn.RegSet {
	switch op {
	case insn.OpPush, insn.OpPop, insn.OpCall, insn.OpRet, insn.OpLeave:
		return insn.RegSetOf(insn.ESP)

	case insn.OpMovs, insn.OpCmps, insn.OpStos, insn.OpLods, insn.OpScas:
		return insn.RegSetOf(insn.ESI, insn.EDI)
	}
	return 0
}

func memopOk(o insn.Opnd, store bool) slowpath.Reason {
	if !o.Seg.Flat() {
		return slowpath.Segment
	}

	switch o.Size {
	case 1, 2, 4:
		return slowpath.None

	case 8:
		if !store {
			return slowpath.None
		}
	}
	return slowpath.MemSize
}

// Classify an application instruction.
func Classify(i *insn.Insn) *Info {
	ci := &Info{
		Insn:     i,
		Implicit: implicitRegs(i.Op),
	}
	ci.Reason = ci.classify()
	return ci
}

func (ci *Info) classify() slowpath.Reason {
	i := ci.Insn

	switch i.Op {
	case insn.OpInvalid, insn.OpOther:
		return slowpath.UnsupportedOp

	case insn.OpNop:
		ci.Shape = None
		return slowpath.None
	}

	if i.Meta || i.Op.Pseudo() {
		return slowpath.UnsupportedOp
	}

	if i.Rep {
		return slowpath.Rep
	}

	var srcs, dsts []insn.Opnd
	var srcOpnums, dstOpnums []int

	// Memory operands first.
	for pass := 0; pass < 2; pass++ {
		for n, o := range i.Srcs {
			mem := o.IsMem() && i.Op.AccessesMemory()
			if mem != (pass == 0) {
				continue
			}
			if o.IsReg() && o.FullReg() && ci.Implicit.Has(o.Reg) {
				continue
			}
			if o.IsMem() && !mem {
				// Address computation: the registers are the sources.
				for _, r := range o.AddrRegs().Regs() {
					srcs = append(srcs, insn.RegOp(r))
					srcOpnums = append(srcOpnums, n)
				}
				continue
			}
			srcs = append(srcs, o)
			srcOpnums = append(srcOpnums, n)
		}

		for n, o := range i.Dsts {
			if o.IsMem() != (pass == 0) {
				continue
			}
			if o.IsReg() && o.FullReg() && ci.Implicit.Has(o.Reg) {
				continue
			}
			dsts = append(dsts, o)
			dstOpnums = append(dstOpnums, n)
		}
	}

	if len(srcs) > MaxSrcs || len(dsts) > MaxDsts {
		return slowpath.TooManyOperands
	}

	ci.NumSrcs = copy(ci.Src[:], srcs)
	ci.NumDsts = copy(ci.Dst[:], dsts)
	copy(ci.SrcOpnum[:], srcOpnums)
	copy(ci.DstOpnum[:], dstOpnums)

	numMemSrcs := ci.NumMemSrcs()
	numMemDsts := 0
	for _, o := range ci.Dsts() {
		if o.IsMem() {
			numMemDsts++
		}
	}

	ci.Load = numMemSrcs > 0
	ci.Store = numMemDsts > 0
	ci.PushPop = !ci.Implicit.Has(insn.ESI) && ci.Implicit.Has(insn.ESP) && (ci.Load || ci.Store)

	if numMemDsts > 1 {
		return slowpath.MultipleMemDsts
	}

	switch {
	case numMemSrcs == 0 && numMemDsts == 0:
		if i.Op == insn.OpJmp && ci.NumSrcs > 0 && ci.Src[0].Kind == insn.KindPC {
			ci.Shape = None
		} else {
			ci.Shape = RegOnly
		}
		return slowpath.None

	case numMemSrcs == 2 && numMemDsts == 0:
		ci.Shape = Load2x
		ci.Load2x = true

		r0 := memopOk(ci.Src[0], false)
		r1 := memopOk(ci.Src[1], false)
		if r0 != slowpath.None || r1 != slowpath.None {
			// Both are treated as ineligible.
			if r0 == slowpath.None {
				return slowpath.IneligibleSource
			}
			return r0
		}
		ci.Eligible[0] = true
		ci.Eligible[1] = true
		return slowpath.None

	case numMemSrcs > 1:
		return slowpath.TooManyMemSrcs

	case numMemSrcs == 1 && numMemDsts == 1:
		if ci.Src[0] == ci.Dst[0] {
			ci.Shape = LoadStore
		} else {
			ci.Shape = Mem2Mem
			ci.Mem2Mem = true
		}

		if r := memopOk(ci.Src[0], true); r != slowpath.None {
			return r
		}
		if r := memopOk(ci.Dst[0], true); r != slowpath.None {
			return r
		}
		ci.Eligible[0] = true
		return slowpath.None

	case numMemSrcs == 1:
		ci.Shape = Load
		if r := memopOk(ci.Src[0], false); r != slowpath.None {
			return r
		}
		ci.Eligible[0] = true
		return slowpath.None

	default:
		ci.Shape = Store
		return memopOk(ci.Dst[0], true)
	}
}

// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package insn

import (
	"fmt"
	"strings"
)

type Kind byte

const (
	KindNone = Kind(iota)
	KindReg
	KindMem
	KindImm
	KindTLS     // Thread-local slot; Imm is the slot number.
	KindTable   // Shadow table entry; Reg holds the chunk index.
	KindTarget  // Instruction in the same list; Imm is the handle.
	KindRoutine // Shared slow-path routine; Imm is the routine id.
	KindPC      // Application address; Imm is the address.
)

var kindStrings = []string{
	KindNone:    "none",
	KindReg:     "reg",
	KindMem:     "mem",
	KindImm:     "imm",
	KindTLS:     "tls",
	KindTable:   "table",
	KindTarget:  "target",
	KindRoutine: "routine",
	KindPC:      "pc",
}

func (k Kind) String() string {
	if i := int(k); i < len(kindStrings) {
		return kindStrings[i]
	}
	return fmt.Sprintf("<invalid kind %d>", k)
}

// Seg is a segment override.  Flat segments are all treated alike.
type Seg byte

const (
	SegNone = Seg(iota)
	SegES
	SegCS
	SegSS
	SegDS
	SegFS
	SegGS
)

var segStrings = []string{"", "es", "cs", "ss", "ds", "fs", "gs"}

func (s Seg) String() string {
	if i := int(s); i < len(segStrings) {
		return segStrings[i]
	}
	return "<invalid segment>"
}

// Flat reports if the segment base is zero in the flat memory model.
func (s Seg) Flat() bool {
	return s != SegFS && s != SegGS
}

// Opnd is an instruction operand.  Size is in bytes: the register part, the
// memory access width or the immediate width.
type Opnd struct {
	Kind  Kind
	Size  uint8
	High  bool // ah, ch, dh or bh.
	Reg   Reg
	Seg   Seg
	Base  Reg
	Index Reg
	Scale uint8
	Disp  int32
	Imm   int64
}

func RegOp(r Reg) Opnd             { return Opnd{Kind: KindReg, Size: 4, Reg: r} }
func Reg16(r Reg) Opnd             { return Opnd{Kind: KindReg, Size: 2, Reg: r} }
func Reg8(r Reg) Opnd              { return Opnd{Kind: KindReg, Size: 1, Reg: r} }
func Reg8High(r Reg) Opnd          { return Opnd{Kind: KindReg, Size: 1, Reg: r, High: true} }
func ImmOp(v int64, size int) Opnd { return Opnd{Kind: KindImm, Size: uint8(size), Imm: v} }
func TLSOp(slot int, size int) Opnd {
	return Opnd{Kind: KindTLS, Size: uint8(size), Imm: int64(slot)}
}
func TableOp(index Reg) Opnd { return Opnd{Kind: KindTable, Size: 4, Reg: index} }
func TargetOp(h Handle) Opnd { return Opnd{Kind: KindTarget, Imm: int64(h)} }
func RoutineOp(id int) Opnd  { return Opnd{Kind: KindRoutine, Imm: int64(id)} }
func PCOp(addr uint32) Opnd  { return Opnd{Kind: KindPC, Size: 4, Imm: int64(addr)} }
func BaseDisp(base Reg, disp int32, size int) Opnd {
	return Opnd{Kind: KindMem, Size: uint8(size), Base: base, Disp: disp}
}

func MemOp(seg Seg, base, index Reg, scale uint8, disp int32, size int) Opnd {
	if index == NoReg {
		scale = 0
	} else if scale == 0 {
		scale = 1
	}
	return Opnd{Kind: KindMem, Size: uint8(size), Seg: seg, Base: base, Index: index, Scale: scale, Disp: disp}
}

func (o Opnd) IsReg() bool  { return o.Kind == KindReg }
func (o Opnd) IsMem() bool  { return o.Kind == KindMem }
func (o Opnd) IsImm() bool  { return o.Kind == KindImm }
func (o Opnd) IsNone() bool { return o.Kind == KindNone }

func (o Opnd) Slot() int        { return int(o.Imm) }
func (o Opnd) Target() Handle   { return Handle(o.Imm) }
func (o Opnd) Routine() int     { return int(o.Imm) }
func (o Opnd) PC() uint32       { return uint32(o.Imm) }
func (o Opnd) FullReg() bool    { return o.Kind == KindReg && o.Size == 4 }
func (o Opnd) PartialReg() bool { return o.Kind == KindReg && o.Size < 4 }

// ByteRange locates the register part within the 32-bit register.
func (o Opnd) ByteRange() (offset, size int) {
	if o.High {
		return 1, 1
	}
	return 0, int(o.Size)
}

// AddrRegs are the registers read when computing a memory address.
func (o Opnd) AddrRegs() (s RegSet) {
	switch o.Kind {
	case KindMem:
		s = s.With(o.Base).With(o.Index)

	case KindTable:
		s = s.With(o.Reg)
	}
	return
}

// Regs are all registers referenced by the operand.
func (o Opnd) Regs() RegSet {
	if o.Kind == KindReg {
		return RegSetOf(o.Reg)
	}
	return o.AddrRegs()
}

func (o Opnd) UsesReg(r Reg) bool {
	return o.Regs().Has(r)
}

// SameAddrForm reports if the operands compute addresses from the same
// segment and registers.  Displacements may differ.
func (o Opnd) SameAddrForm(other Opnd) bool {
	return o.Kind == KindMem && other.Kind == KindMem &&
		o.Seg.Flat() == other.Seg.Flat() && (o.Seg.Flat() || o.Seg == other.Seg) &&
		o.Base == other.Base && o.Index == other.Index && o.Scale == other.Scale
}

// Addr computes the effective address of a memory operand.
func (o Opnd) Addr(regs *[NumRegs]uint32) (addr uint32) {
	if o.Base.Valid() {
		addr += regs[o.Base.Index()]
	}
	if o.Index.Valid() {
		addr += regs[o.Index.Index()] * uint32(o.Scale)
	}
	return addr + uint32(o.Disp)
}

var sizePtr = map[uint8]string{
	1: "byte",
	2: "word",
	4: "dword",
	8: "qword",
}

func (o Opnd) String() string {
	switch o.Kind {
	case KindNone:
		return "none"

	case KindReg:
		return o.Reg.Name(int(o.Size), o.High)

	case KindImm:
		if o.Imm < 0 {
			return fmt.Sprintf("-0x%x", -o.Imm)
		}
		return fmt.Sprintf("0x%x", o.Imm)

	case KindMem:
		var b strings.Builder
		if p, ok := sizePtr[o.Size]; ok {
			b.WriteString(p)
			b.WriteString(" ")
		}
		if o.Seg == SegFS || o.Seg == SegGS {
			b.WriteString(o.Seg.String())
			b.WriteString(":")
		}
		b.WriteString("[")
		sep := ""
		if o.Base.Valid() {
			b.WriteString(o.Base.String())
			sep = "+"
		}
		if o.Index.Valid() {
			fmt.Fprintf(&b, "%s%s*%d", sep, o.Index, o.Scale)
			sep = "+"
		}
		switch {
		case o.Disp < 0:
			fmt.Fprintf(&b, "-0x%x", -int64(o.Disp))
		case o.Disp > 0 || sep == "":
			fmt.Fprintf(&b, "%s0x%x", sep, o.Disp)
		}
		b.WriteString("]")
		return b.String()

	case KindTLS:
		return fmt.Sprintf("%s tls[%d]", sizePtr[o.Size], o.Imm)

	case KindTable:
		return fmt.Sprintf("table[%s]", o.Reg)

	case KindTarget:
		return fmt.Sprintf("L%d", o.Imm)

	case KindRoutine:
		return fmt.Sprintf("routine%d", o.Imm)

	case KindPC:
		return fmt.Sprintf("0x%x", uint32(o.Imm))

	default:
		return fmt.Sprintf("<%s operand>", o.Kind)
	}
}

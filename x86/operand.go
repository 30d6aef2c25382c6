// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package x86

import (
	"gate.computer/memcheck/insn"
	"golang.org/x/arch/x86/x86asm"
)

var regs = map[x86asm.Reg]insn.Opnd{
	x86asm.EAX: insn.RegOp(insn.EAX),
	x86asm.ECX: insn.RegOp(insn.ECX),
	x86asm.EDX: insn.RegOp(insn.EDX),
	x86asm.EBX: insn.RegOp(insn.EBX),
	x86asm.ESP: insn.RegOp(insn.ESP),
	x86asm.EBP: insn.RegOp(insn.EBP),
	x86asm.ESI: insn.RegOp(insn.ESI),
	x86asm.EDI: insn.RegOp(insn.EDI),

	x86asm.AX: insn.Reg16(insn.EAX),
	x86asm.CX: insn.Reg16(insn.ECX),
	x86asm.DX: insn.Reg16(insn.EDX),
	x86asm.BX: insn.Reg16(insn.EBX),
	x86asm.SP: insn.Reg16(insn.ESP),
	x86asm.BP: insn.Reg16(insn.EBP),
	x86asm.SI: insn.Reg16(insn.ESI),
	x86asm.DI: insn.Reg16(insn.EDI),

	x86asm.AL: insn.Reg8(insn.EAX),
	x86asm.CL: insn.Reg8(insn.ECX),
	x86asm.DL: insn.Reg8(insn.EDX),
	x86asm.BL: insn.Reg8(insn.EBX),
	x86asm.AH: insn.Reg8High(insn.EAX),
	x86asm.CH: insn.Reg8High(insn.ECX),
	x86asm.DH: insn.Reg8High(insn.EDX),
	x86asm.BH: insn.Reg8High(insn.EBX),
}

var segs = map[x86asm.Reg]insn.Seg{
	x86asm.ES: insn.SegES,
	x86asm.CS: insn.SegCS,
	x86asm.SS: insn.SegSS,
	x86asm.DS: insn.SegDS,
	x86asm.FS: insn.SegFS,
	x86asm.GS: insn.SegGS,
}

// operand converts an argument.  Only general purpose registers are
// supported.
func operand(a x86asm.Arg, x x86asm.Inst, next uint32) (o insn.Opnd, ok bool) {
	switch a := a.(type) {
	case x86asm.Reg:
		o, ok = regs[a]

	case x86asm.Mem:
		return memory(a, x)

	case x86asm.Imm:
		o = insn.ImmOp(int64(int32(a)), x.DataSize/8)
		ok = true

	case x86asm.Rel:
		o = insn.PCOp(next + uint32(int32(a)))
		ok = true
	}
	return
}

func memory(m x86asm.Mem, x x86asm.Inst) (o insn.Opnd, ok bool) {
	seg := insn.SegNone
	if m.Segment != 0 {
		if seg, ok = segs[m.Segment]; !ok {
			return
		}
	}
	if p := segmentPrefix(x); p != insn.SegNone {
		seg = p
	}

	base, ok := addrReg(m.Base)
	if !ok {
		return
	}
	index, ok := addrReg(m.Index)
	if !ok {
		return
	}

	scale := m.Scale
	if index == insn.NoReg {
		scale = 0
	}

	o = insn.MemOp(seg, base, index, scale, int32(m.Disp), x.MemBytes)
	ok = true
	return
}

func addrReg(r x86asm.Reg) (insn.Reg, bool) {
	if r == 0 {
		return insn.NoReg, true
	}
	o, ok := regs[r]
	if !ok || !o.FullReg() {
		return insn.NoReg, false
	}
	return o.Reg, true
}

var extendOps = map[x86asm.Op]insn.Op{
	x86asm.MOVZX: insn.OpMovzx,
	x86asm.MOVSX: insn.OpMovsx,
}

var binaryOps = map[x86asm.Op]insn.Op{
	x86asm.ADD:  insn.OpAdd,
	x86asm.ADC:  insn.OpAdc,
	x86asm.SUB:  insn.OpSub,
	x86asm.SBB:  insn.OpSbb,
	x86asm.AND:  insn.OpAnd,
	x86asm.OR:   insn.OpOr,
	x86asm.XOR:  insn.OpXor,
	x86asm.CMP:  insn.OpCmp,
	x86asm.TEST: insn.OpTest,
}

var unaryOps = map[x86asm.Op]struct {
	op      insn.Op
	written insn.Flags
}{
	x86asm.INC: {insn.OpInc, insn.ArithFlags &^ insn.CF},
	x86asm.DEC: {insn.OpDec, insn.ArithFlags &^ insn.CF},
	x86asm.NEG: {insn.OpNeg, insn.ArithFlags},
	x86asm.NOT: {insn.OpNot, 0},
}

var shiftOps = map[x86asm.Op]insn.Op{
	x86asm.SHL: insn.OpShl,
	x86asm.SHR: insn.OpShr,
	x86asm.SAR: insn.OpSar,
}

var jccConds = map[x86asm.Op]insn.Cond{
	x86asm.JO:  insn.O,
	x86asm.JNO: insn.NO,
	x86asm.JB:  insn.B,
	x86asm.JAE: insn.AE,
	x86asm.JE:  insn.E,
	x86asm.JNE: insn.NE,
	x86asm.JBE: insn.BE,
	x86asm.JA:  insn.A,
	x86asm.JS:  insn.S,
	x86asm.JNS: insn.NS,
	x86asm.JP:  insn.P,
	x86asm.JNP: insn.NP,
	x86asm.JL:  insn.L,
	x86asm.JGE: insn.GE,
	x86asm.JLE: insn.LE,
	x86asm.JG:  insn.G,
}

var setccConds = map[x86asm.Op]insn.Cond{
	x86asm.SETO:  insn.O,
	x86asm.SETNO: insn.NO,
	x86asm.SETB:  insn.B,
	x86asm.SETAE: insn.AE,
	x86asm.SETE:  insn.E,
	x86asm.SETNE: insn.NE,
	x86asm.SETBE: insn.BE,
	x86asm.SETA:  insn.A,
	x86asm.SETS:  insn.S,
	x86asm.SETNS: insn.NS,
	x86asm.SETP:  insn.P,
	x86asm.SETNP: insn.NP,
	x86asm.SETL:  insn.L,
	x86asm.SETGE: insn.GE,
	x86asm.SETLE: insn.LE,
	x86asm.SETG:  insn.G,
}

var cmovccConds = map[x86asm.Op]insn.Cond{
	x86asm.CMOVO:  insn.O,
	x86asm.CMOVNO: insn.NO,
	x86asm.CMOVB:  insn.B,
	x86asm.CMOVAE: insn.AE,
	x86asm.CMOVE:  insn.E,
	x86asm.CMOVNE: insn.NE,
	x86asm.CMOVBE: insn.BE,
	x86asm.CMOVA:  insn.A,
	x86asm.CMOVS:  insn.S,
	x86asm.CMOVNS: insn.NS,
	x86asm.CMOVP:  insn.P,
	x86asm.CMOVNP: insn.NP,
	x86asm.CMOVL:  insn.L,
	x86asm.CMOVGE: insn.GE,
	x86asm.CMOVLE: insn.LE,
	x86asm.CMOVG:  insn.G,
}

var stringOps = map[x86asm.Op]stringOp{
	x86asm.MOVSB: {insn.OpMovs, 1},
	x86asm.MOVSW: {insn.OpMovs, 2},
	x86asm.MOVSD: {insn.OpMovs, 4},
	x86asm.CMPSB: {insn.OpCmps, 1},
	x86asm.CMPSW: {insn.OpCmps, 2},
	x86asm.CMPSD: {insn.OpCmps, 4},
	x86asm.STOSB: {insn.OpStos, 1},
	x86asm.STOSW: {insn.OpStos, 2},
	x86asm.STOSD: {insn.OpStos, 4},
	x86asm.LODSB: {insn.OpLods, 1},
	x86asm.LODSW: {insn.OpLods, 2},
	x86asm.LODSD: {insn.OpLods, 4},
	x86asm.SCASB: {insn.OpScas, 1},
	x86asm.SCASW: {insn.OpScas, 2},
	x86asm.SCASD: {insn.OpScas, 4},
}

// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package x86 translates IA-32 machine code into instruction lists.
package x86

import (
	"gate.computer/memcheck/insn"
	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/xerrors"
)

// MaxBlockInsns limits the length of a decoded block.
const MaxBlockInsns = 256

// ErrTruncated means that the code ended in the middle of an instruction
// before any instruction could be decoded.
var ErrTruncated = xerrors.New("truncated instruction")

// Decode a basic block starting at pc.  Decoding stops after the first
// control transfer instruction, at the end of code, or at an undecodable
// instruction following at least one decoded instruction.  The number of
// bytes consumed is returned.
func Decode(code []byte, pc uint32) (l *insn.List, n int, err error) {
	l = insn.NewList()

	for n < len(code) && l.Len() < MaxBlockInsns {
		var x x86asm.Inst

		x, err = x86asm.Decode(code[n:], 32)
		if err == nil && x.Op == 0 {
			// Incomplete input may decode without an error or an opcode.
			err = x86asm.ErrTruncated
		}
		if err != nil {
			if l.Len() > 0 {
				err = nil
				break
			}
			if err == x86asm.ErrTruncated {
				err = ErrTruncated
			} else {
				err = xerrors.Errorf("decode at %#x: %w", pc, err)
			}
			return
		}

		i := Translate(x, pc+uint32(n))
		l.Append(i)
		n += x.Len

		if i.Op.CTI() || transfers(x.Op) {
			break
		}
	}

	return
}

// Translate one decoded instruction located at pc.  Instructions which
// cannot be described precisely are translated to insn.OpOther.
func Translate(x x86asm.Inst, pc uint32) *insn.Insn {
	i := &insn.Insn{
		AppPC: pc,
		Len:   uint8(x.Len),
	}

	if !translate(i, x) {
		*i = insn.Insn{
			Op:    insn.OpOther,
			AppPC: pc,
			Len:   uint8(x.Len),
		}
	}
	return i
}

func translate(i *insn.Insn, x x86asm.Inst) bool {
	if x.AddrSize != 32 {
		return false
	}

	next := i.AppPC + uint32(x.Len)
	size := x.DataSize / 8

	var args []insn.Opnd
	for _, a := range x.Args {
		if a == nil {
			break
		}
		o, ok := operand(a, x, next)
		if !ok {
			return false
		}
		args = append(args, o)
	}

	// Immediates take the width of the operation.
	for n := 1; n < len(args); n++ {
		if args[n].IsImm() && args[0].Size != 0 {
			args[n].Size = args[0].Size
		}
	}

	i.Rep = rep(x)

	switch x.Op {
	case x86asm.NOP:
		i.Op = insn.OpNop

	case x86asm.MOV:
		if len(args) != 2 || !plain(args...) {
			return false
		}
		mov(i, insn.OpMov, args)

	case x86asm.MOVZX, x86asm.MOVSX:
		if len(args) != 2 {
			return false
		}
		mov(i, extendOps[x.Op], args)

	case x86asm.LEA:
		if len(args) != 2 {
			return false
		}
		args[1].Size = 0
		mov(i, insn.OpLea, args)

	case x86asm.ADD, x86asm.SUB, x86asm.AND, x86asm.OR, x86asm.XOR:
		if len(args) != 2 {
			return false
		}
		arith(i, binaryOps[x.Op], args, insn.ArithFlags)

	case x86asm.ADC, x86asm.SBB:
		if len(args) != 2 {
			return false
		}
		arith(i, binaryOps[x.Op], args, insn.ArithFlags)
		i.FlagsRead = insn.CF

	case x86asm.CMP, x86asm.TEST:
		if len(args) != 2 {
			return false
		}
		i.Op = binaryOps[x.Op]
		i.Srcs = args
		i.FlagsWritten = insn.ArithFlags

	case x86asm.INC, x86asm.DEC, x86asm.NEG, x86asm.NOT:
		if len(args) != 1 {
			return false
		}
		u := unaryOps[x.Op]
		i.Op = u.op
		i.Dsts = args
		i.Srcs = args
		i.FlagsWritten = u.written

	case x86asm.SHL, x86asm.SHR, x86asm.SAR:
		if len(args) == 1 {
			args = append(args, insn.ImmOp(1, 1))
		}
		if len(args) != 2 {
			return false
		}
		args[1].Size = 1
		count := args[1]
		switch {
		case count.IsImm():
			if count.Imm&31 == 0 {
				arith(i, shiftOps[x.Op], args, 0)
			} else {
				arith(i, shiftOps[x.Op], args, insn.ArithFlags)
			}

		case count.IsReg() && count.Reg == insn.ECX && count.Size == 1 && !count.High:
			// Flags are preserved when the count is zero.
			arith(i, shiftOps[x.Op], args, insn.ArithFlags)
			i.FlagsRead = insn.ArithFlags

		default:
			return false
		}

	case x86asm.IMUL:
		switch len(args) {
		case 2:
			arith(i, insn.OpImul, args, insn.ArithFlags)

		case 3:
			i.Op = insn.OpImul
			i.Dsts = args[:1]
			i.Srcs = args[1:]
			i.FlagsWritten = insn.ArithFlags

		default:
			return false
		}

	case x86asm.XCHG:
		if len(args) != 2 {
			return false
		}
		i.Op = insn.OpXchg
		i.Dsts = args
		i.Srcs = []insn.Opnd{args[0], args[1]}

	case x86asm.PUSH:
		if len(args) != 1 || !plain(args[0]) {
			return false
		}
		if args[0].IsImm() {
			args[0].Size = uint8(size)
		}
		esp := insn.RegOp(insn.ESP)
		i.Op = insn.OpPush
		i.Srcs = []insn.Opnd{args[0], esp}
		i.Dsts = []insn.Opnd{insn.BaseDisp(insn.ESP, -int32(size), size), esp}

	case x86asm.POP:
		if len(args) != 1 || !plain(args[0]) {
			return false
		}
		esp := insn.RegOp(insn.ESP)
		i.Op = insn.OpPop
		i.Srcs = []insn.Opnd{insn.BaseDisp(insn.ESP, 0, size), esp}
		i.Dsts = []insn.Opnd{args[0], esp}

	case x86asm.CALL:
		if len(args) != 1 {
			return false
		}
		esp := insn.RegOp(insn.ESP)
		i.Op = insn.OpCall
		i.Srcs = []insn.Opnd{args[0], esp}
		i.Dsts = []insn.Opnd{insn.BaseDisp(insn.ESP, -4, 4), esp}

	case x86asm.RET:
		esp := insn.RegOp(insn.ESP)
		i.Op = insn.OpRet
		i.Srcs = []insn.Opnd{insn.BaseDisp(insn.ESP, 0, 4), esp}
		i.Dsts = []insn.Opnd{esp}

	case x86asm.JMP:
		if len(args) != 1 {
			return false
		}
		i.Op = insn.OpJmp
		i.Srcs = args

	case x86asm.JECXZ:
		if len(args) != 1 {
			return false
		}
		i.Op = insn.OpJecxz
		i.Srcs = []insn.Opnd{insn.RegOp(insn.ECX), args[0]}

	case x86asm.CDQ:
		i.Op = insn.OpCdq
		i.Srcs = []insn.Opnd{insn.RegOp(insn.EAX)}
		i.Dsts = []insn.Opnd{insn.RegOp(insn.EDX)}

	case x86asm.LEAVE:
		ebp := insn.RegOp(insn.EBP)
		i.Op = insn.OpLeave
		i.Srcs = []insn.Opnd{insn.BaseDisp(insn.EBP, 0, 4), ebp}
		i.Dsts = []insn.Opnd{ebp, insn.RegOp(insn.ESP)}

	case x86asm.LAHF:
		i.Op = insn.OpLahf
		i.Dsts = []insn.Opnd{insn.Reg8High(insn.EAX)}
		i.FlagsRead = insn.AhFlags

	case x86asm.SAHF:
		i.Op = insn.OpSahf
		i.Srcs = []insn.Opnd{insn.Reg8High(insn.EAX)}
		i.FlagsWritten = insn.AhFlags

	default:
		if c, ok := jccConds[x.Op]; ok {
			i.Op = insn.OpJcc
			i.Cond = c
			i.Srcs = args
			i.FlagsRead = c.Flags()
			return len(args) == 1
		}

		if c, ok := setccConds[x.Op]; ok {
			i.Op = insn.OpSetcc
			i.Cond = c
			i.Dsts = args
			i.FlagsRead = c.Flags()
			return len(args) == 1
		}

		if c, ok := cmovccConds[x.Op]; ok {
			if len(args) != 2 {
				return false
			}
			i.Op = insn.OpCmovcc
			i.Cond = c
			i.Dsts = args[:1]
			i.Srcs = []insn.Opnd{args[1], args[0]}
			i.FlagsRead = c.Flags()
			return true
		}

		if s, ok := stringOps[x.Op]; ok {
			return str(i, s, x)
		}

		return false
	}

	return true
}

func mov(i *insn.Insn, op insn.Op, args []insn.Opnd) {
	i.Op = op
	i.Dsts = args[:1]
	i.Srcs = args[1:]
}

func arith(i *insn.Insn, op insn.Op, args []insn.Opnd, written insn.Flags) {
	i.Op = op
	i.Dsts = args[:1]
	i.Srcs = args
	i.FlagsWritten = written
}

// plain reports if the operands are general purpose registers, memory or
// immediates.
func plain(args ...insn.Opnd) bool {
	for _, o := range args {
		switch o.Kind {
		case insn.KindReg, insn.KindMem, insn.KindImm:
		default:
			return false
		}
	}
	return true
}

type stringOp struct {
	op   insn.Op
	size int
}

func str(i *insn.Insn, s stringOp, x x86asm.Inst) bool {
	seg := insn.SegDS
	if p := segmentPrefix(x); p != insn.SegNone {
		seg = p
	}

	esi := insn.RegOp(insn.ESI)
	edi := insn.RegOp(insn.EDI)
	src := insn.MemOp(seg, insn.ESI, insn.NoReg, 0, 0, s.size)
	dst := insn.MemOp(insn.SegES, insn.EDI, insn.NoReg, 0, 0, s.size)

	var acc insn.Opnd
	switch s.size {
	case 1:
		acc = insn.Reg8(insn.EAX)
	case 2:
		acc = insn.Reg16(insn.EAX)
	default:
		acc = insn.RegOp(insn.EAX)
	}

	i.Op = s.op

	switch s.op {
	case insn.OpMovs:
		i.Srcs = []insn.Opnd{src, esi, edi}
		i.Dsts = []insn.Opnd{dst, esi, edi}

	case insn.OpCmps:
		i.Srcs = []insn.Opnd{src, dst, esi, edi}
		i.Dsts = []insn.Opnd{esi, edi}
		i.FlagsWritten = insn.ArithFlags

	case insn.OpStos:
		i.Srcs = []insn.Opnd{acc, edi}
		i.Dsts = []insn.Opnd{dst, edi}

	case insn.OpLods:
		i.Srcs = []insn.Opnd{src, esi}
		i.Dsts = []insn.Opnd{acc, esi}

	case insn.OpScas:
		i.Srcs = []insn.Opnd{dst, acc, edi}
		i.Dsts = []insn.Opnd{edi}
		i.FlagsWritten = insn.ArithFlags
	}

	if i.Rep {
		ecx := insn.RegOp(insn.ECX)
		i.Srcs = append(i.Srcs, ecx)
		i.Dsts = append(i.Dsts, ecx)
	}
	return true
}

func rep(x x86asm.Inst) bool {
	for _, p := range x.Prefix {
		if p == 0 {
			break
		}
		if p&x86asm.PrefixIgnored != 0 {
			continue
		}
		switch p &^ x86asm.PrefixImplicit {
		case x86asm.PrefixREP, x86asm.PrefixREPN:
			return true
		}
	}
	return false
}

func segmentPrefix(x x86asm.Inst) insn.Seg {
	for _, p := range x.Prefix {
		if p == 0 {
			break
		}
		if p&x86asm.PrefixIgnored != 0 {
			continue
		}
		switch p &^ x86asm.PrefixImplicit {
		case x86asm.PrefixES:
			return insn.SegES
		case x86asm.PrefixCS:
			return insn.SegCS
		case x86asm.PrefixSS:
			return insn.SegSS
		case x86asm.PrefixDS:
			return insn.SegDS
		case x86asm.PrefixFS:
			return insn.SegFS
		case x86asm.PrefixGS:
			return insn.SegGS
		}
	}
	return insn.SegNone
}

// transfers reports if the instruction ends a block even though it is not
// modeled as a control transfer.
func transfers(op x86asm.Op) bool {
	switch op {
	case x86asm.JCXZ, x86asm.JRCXZ, x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE,
		x86asm.LCALL, x86asm.LJMP, x86asm.LRET, x86asm.IRET, x86asm.IRETD,
		x86asm.INT, x86asm.INTO, x86asm.SYSENTER, x86asm.SYSCALL, x86asm.HLT, x86asm.UD2:
		return true
	}
	return false
}

// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package liveness

import (
	"testing"

	"gate.computer/memcheck/insn"
)

func mov(dst, src insn.Opnd) *insn.Insn {
	return &insn.Insn{Op: insn.OpMov, Dsts: []insn.Opnd{dst}, Srcs: []insn.Opnd{src}}
}

func TestRegisterLiveness(t *testing.T) {
	block := []*insn.Insn{
		mov(insn.BaseDisp(insn.ESP, 4, 4), insn.RegOp(insn.ECX)), // mov [esp+4], ecx
		mov(insn.RegOp(insn.EDX), insn.ImmOp(1, 4)),              // mov edx, 1
		mov(insn.Reg8(insn.EBX), insn.ImmOp(2, 1)),               // mov bl, 2
	}

	info := Analyze(block)

	if info.Reg(0, insn.ECX) != Live {
		t.Fatal("#1")
	}
	if !info.RegDead(0, insn.EDX) || !info.RegDead(1, insn.EDX) {
		t.Fatal("#2")
	}
	if info.Reg(2, insn.EDX) != Unknown {
		t.Fatal("#3")
	}
	if info.Reg(2, insn.EBX) != Live {
		t.Fatal("partial write must keep the register live")
	}
	if info.Reg(0, insn.ESP) != Live {
		t.Fatal("#4")
	}
	if info.Reg(1, insn.ECX) != Unknown {
		t.Fatal("#5")
	}
}

func TestFlagsLiveness(t *testing.T) {
	block := []*insn.Insn{
		{Op: insn.OpInc, Dsts: []insn.Opnd{insn.RegOp(insn.EAX)}, Srcs: []insn.Opnd{insn.RegOp(insn.EAX)}, FlagsWritten: insn.ArithFlags &^ insn.CF},
		{Op: insn.OpCmp, Srcs: []insn.Opnd{insn.RegOp(insn.EAX), insn.ImmOp(3, 4)}, FlagsWritten: insn.ArithFlags},
		{Op: insn.OpJcc, Cond: insn.E, FlagsRead: insn.ZF, Srcs: []insn.Opnd{insn.PCOp(0x1000)}},
	}

	info := Analyze(block)

	if info.FlagsLive(3) != insn.ArithFlags {
		t.Fatal("#1")
	}
	if info.FlagsLive(2)&insn.ZF == 0 {
		t.Fatal("#2")
	}
	if !info.FlagsDead(1) {
		t.Fatal("#3")
	}
	if !info.FlagsDead(0) {
		t.Fatal("#4")
	}
}

func TestUnmodeledInstructionKeepsEverythingLive(t *testing.T) {
	block := []*insn.Insn{
		mov(insn.RegOp(insn.EDX), insn.ImmOp(1, 4)),
		{Op: insn.OpOther},
		mov(insn.RegOp(insn.ESI), insn.ImmOp(1, 4)),
	}

	info := Analyze(block)

	if info.Reg(1, insn.ESI) != Live || info.FlagsLive(1) != insn.ArithFlags {
		t.Fatal("#1")
	}
	if !info.RegDead(0, insn.EDX) {
		t.Fatal("#2")
	}
}

func TestDeadThroughout(t *testing.T) {
	block := []*insn.Insn{
		mov(insn.RegOp(insn.EDI), insn.ImmOp(1, 4)),
		mov(insn.RegOp(insn.EDI), insn.ImmOp(2, 4)),
		mov(insn.RegOp(insn.EDI), insn.ImmOp(3, 4)),
	}

	info := Analyze(block)

	// The last write leaves edi Unknown at the end of the block, but before
	// each instruction it is dead.
	if !info.DeadThroughout(insn.EDI) {
		t.Fatal("#1")
	}
	if info.DeadThroughout(insn.ESI) {
		t.Fatal("#2")
	}
}

// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package insn

import (
	"testing"
)

func TestRegisterSets(t *testing.T) {
	i := &Insn{
		Op:   OpMov,
		Dsts: []Opnd{Reg8(EAX)},
		Srcs: []Opnd{MemOp(SegNone, EBX, ESI, 4, 8, 1)},
	}

	if r := i.ReadRegs(); r != RegSetOf(EAX, EBX, ESI) {
		t.Fatal(r)
	}
	if k := i.KilledRegs(); k != 0 {
		t.Fatal(k)
	}

	i = &Insn{
		Op:   OpMov,
		Dsts: []Opnd{RegOp(EAX)},
		Srcs: []Opnd{BaseDisp(EAX, 4, 4)},
	}
	if k := i.KilledRegs(); k != 0 {
		t.Fatal(k)
	}

	i.Srcs[0] = BaseDisp(EBP, 4, 4)
	if k := i.KilledRegs(); k != RegSetOf(EAX) {
		t.Fatal(k)
	}
}

func TestLeaDoesNotAccessMemory(t *testing.T) {
	i := &Insn{
		Op:   OpLea,
		Dsts: []Opnd{RegOp(EAX)},
		Srcs: []Opnd{BaseDisp(EBX, 4, 0)},
	}
	if len(i.MemSrcs()) != 0 {
		t.Fatal("#1")
	}
	if !i.ReadRegs().Has(EBX) {
		t.Fatal("#2")
	}
}

func TestCondInverted(t *testing.T) {
	for c := Cond(0); c < NumConds; c++ {
		for _, f := range []Flags{0, CF, ZF, SF | OF, ZF | SF, OF, PF} {
			if c.Eval(f) == Inverted[c].Eval(f) {
				t.Errorf("%s and %s agree on %s", c, Inverted[c], f)
			}
		}
	}
}

func TestOperandString(t *testing.T) {
	for s, o := range map[string]Opnd{
		"dword [ebx+esi*4+0x8]": MemOp(SegNone, EBX, ESI, 4, 8, 4),
		"byte [esp-0x4]":        BaseDisp(ESP, -4, 1),
		"fs:[0x0]":              MemOp(SegFS, NoReg, NoReg, 0, 0, 0),
		"ah":                    Reg8High(EAX),
		"dx":                    Reg16(EDX),
		"table[ecx]":            TableOp(ECX),
	} {
		if o.String() != s {
			t.Errorf("%q != %q", o.String(), s)
		}
	}
}

func TestString(t *testing.T) {
	if s := And(RegOp(ECX), ImmOp(3, 4)).String(); s != "and ecx, 0x3" {
		t.Fatal(s)
	}
	if s := Jcc(NE, 7).String(); s != "jne L7" {
		t.Fatal(s)
	}
}

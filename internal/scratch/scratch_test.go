// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scratch

import (
	"testing"

	"gate.computer/memcheck/insn"
	"gate.computer/memcheck/shadow"
)

func deadSet(s insn.RegSet) func(insn.Reg) bool {
	return func(r insn.Reg) bool { return s.Has(r) }
}

func TestPickPrefersDead(t *testing.T) {
	c := Constraints{
		OnlyABCD:   true,
		NoOverlap1: insn.BaseDisp(insn.EBX, 4, 4),
	}

	regs, ok := Pick(c, [2]Info{}, insn.RegSetOf(insn.EAX, insn.ESP), deadSet(insn.RegSetOf(insn.ESI, insn.ECX)))
	if !ok {
		t.Fatal("#1")
	}

	if regs[1].Reg != insn.ECX || !regs[1].Dead {
		t.Fatal(regs[1])
	}
	if regs[0].Reg != insn.ESI || !regs[0].Dead {
		t.Fatal(regs[0])
	}
	if regs[2].Valid() {
		t.Fatal(regs[2])
	}
}

func TestPickExchangesLiveRegister(t *testing.T) {
	c := Constraints{OnlyABCD: true}

	regs, ok := Pick(c, [2]Info{}, insn.RegSetOf(insn.EAX, insn.ESP), deadSet(insn.RegSetOf(insn.EDI)))
	if !ok {
		t.Fatal("#1")
	}

	// EDI is dead but has no byte form, so reg2 is live and exchanged.
	if regs[1].Reg != insn.EDX || regs[1].Dead {
		t.Fatal(regs[1])
	}
	if regs[0].Reg != insn.EDI || !regs[0].Dead {
		t.Fatal(regs[0])
	}
	if regs[1].Xchg != insn.NoReg {
		t.Fatal("dead register can't be both scratch and exchange partner")
	}
	if regs[1].Slot != shadow.SlotReg2 {
		t.Fatal(regs[1].Slot)
	}
}

func TestPickReg3MustBeECX(t *testing.T) {
	c := Constraints{
		Need3:         true,
		Reg3MustBeECX: true,
		NoOverlap1:    insn.RegOp(insn.ECX),
	}

	if _, ok := Pick(c, [2]Info{}, insn.RegSetOf(insn.EAX, insn.ESP), deadSet(0)); ok {
		t.Fatal("ecx overlaps an operand")
	}

	c.NoOverlap1 = insn.Opnd{}
	regs, ok := Pick(c, [2]Info{}, insn.RegSetOf(insn.EAX, insn.ESP), deadSet(0))
	if !ok || regs[2].Reg != insn.ECX {
		t.Fatal(regs)
	}
}

func TestPickFixedConflict(t *testing.T) {
	fixed := [2]Info{
		{Reg: insn.ESI, Used: true, Global: true, Slot: shadow.SlotGlobal1},
		{Reg: insn.EDX, Used: true, Global: true, Slot: shadow.SlotGlobal2},
	}

	c := Constraints{OnlyABCD: true, NoOverlap1: insn.BaseDisp(insn.ESI, 0, 4)}
	if _, ok := Pick(c, fixed, insn.RegSetOf(insn.EAX, insn.ESP), deadSet(0)); ok {
		t.Fatal("#1")
	}

	c.NoOverlap1 = insn.BaseDisp(insn.EBP, 0, 4)
	regs, ok := Pick(c, fixed, insn.RegSetOf(insn.EAX, insn.ESP), deadSet(0))
	if !ok || regs[0] != fixed[0] || regs[1] != fixed[1] {
		t.Fatal(regs)
	}
}

func TestSpillRestoreMirror(t *testing.T) {
	l := insn.NewList()
	app := l.Append(&insn.Insn{Op: insn.OpNop})
	c := insn.Cursor{List: l, At: app}

	spilled := Info{Reg: insn.EDX, Used: true, Slot: shadow.SlotReg1, Xchg: insn.NoReg}
	xchged := Info{Reg: insn.EBX, Used: true, Slot: shadow.SlotReg2, Xchg: insn.ESI}
	dead := Info{Reg: insn.ECX, Used: true, Dead: true, Slot: shadow.SlotReg3}

	for _, si := range []*Info{&spilled, &xchged, &dead} {
		SpillOrRestore(c, si, true, false)
	}
	for _, si := range []*Info{&dead, &xchged, &spilled} {
		SpillOrRestore(c, si, false, false)
	}

	hs := l.Handles()
	if len(hs) != 5 {
		t.Fatal(l)
	}
	if !IsSpill(l.Insn(hs[0])) || SlotOf(l.Insn(hs[0])) != shadow.SlotReg1 {
		t.Fatal("#1")
	}
	if l.Insn(hs[1]).Op != insn.OpXchg || l.Insn(hs[2]).Op != insn.OpXchg {
		t.Fatal("#2")
	}
	if !IsRestore(l.Insn(hs[3])) || IsSpill(l.Insn(hs[3])) {
		t.Fatal("#3")
	}
}

func TestAflagsSequences(t *testing.T) {
	l := insn.NewList()
	app := l.Append(&insn.Insn{Op: insn.OpNop})
	c := insn.Cursor{List: l, At: app}

	eax := EAXInfo(false)
	SaveAflags(c, &eax, shadow.SlotAflags)
	RestoreAflags(c, &eax, shadow.SlotAflags)

	var ops []insn.Op
	for _, h := range l.Handles() {
		ops = append(ops, l.Insn(h).Op)
	}

	expect := []insn.Op{
		insn.OpMov, insn.OpLahf, insn.OpSetcc, insn.OpMov, insn.OpMov, // save
		insn.OpMov, insn.OpMov, insn.OpAdd, insn.OpSahf, insn.OpMov, // restore
		insn.OpNop,
	}
	if len(ops) != len(expect) {
		t.Fatal(l)
	}
	for i := range ops {
		if ops[i] != expect[i] {
			t.Fatal(l)
		}
	}
}

func TestAllocatorMisusePanics(t *testing.T) {
	a := MakeAllocator(insn.RegSetOf(insn.EDX))
	a.AllocSpecific(insn.EDX)

	defer func() {
		if recover() == nil {
			t.Fatal("no panic")
		}
	}()
	a.AllocSpecific(insn.EDX)
}

// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xl8

import (
	"testing"

	"gate.computer/memcheck/insn"
)

func TestDelta(t *testing.T) {
	var s State
	s.Set(insn.BaseDisp(insn.EBX, 0, 4))

	if d, ok := s.Delta(insn.BaseDisp(insn.EBX, 1, 1), 4096); !ok || d != 1 {
		t.Fatal("#1", d, ok)
	}
	if _, ok := s.Delta(insn.BaseDisp(insn.EBX, 3, 2), 4096); ok {
		t.Fatal("straddling access")
	}
	if _, ok := s.Delta(insn.BaseDisp(insn.ECX, 0, 4), 4096); ok {
		t.Fatal("different base")
	}
	if _, ok := s.Delta(insn.BaseDisp(insn.EBX, 8192, 4), 4096); ok {
		t.Fatal("too far")
	}
	if d, ok := s.Delta(insn.BaseDisp(insn.EBX, -4, 4), 4096); !ok || d != -4 {
		t.Fatal("#2", d, ok)
	}
}

func TestAdjust(t *testing.T) {
	var s State
	s.Set(insn.BaseDisp(insn.EBX, 4, 4))

	d, _ := s.Delta(insn.BaseDisp(insn.EBX, 13, 1), 4096)
	if d != 9 {
		t.Fatal(d)
	}
	if s.Adjust(d) != 2 {
		t.Fatal("#1")
	}
	if s.DispReg1 != 12 {
		t.Fatal(s.DispReg1)
	}
	if d, _ := s.Delta(insn.BaseDisp(insn.EBX, 13, 1), 4096); d != 1 {
		t.Fatal(d)
	}
}

func TestUpdate(t *testing.T) {
	var s State
	s.Set(insn.BaseDisp(insn.ESP, 0, 4))

	push := &insn.Insn{
		Op:   insn.OpPush,
		Srcs: []insn.Opnd{insn.RegOp(insn.EAX), insn.RegOp(insn.ESP)},
		Dsts: []insn.Opnd{insn.BaseDisp(insn.ESP, -4, 4), insn.RegOp(insn.ESP)},
	}
	s.Update(push, insn.ESI)
	if !s.Valid || s.DispImplicit != -4 {
		t.Fatal(s)
	}

	// [esp+4] after the push is the original [esp].
	if d, ok := s.Delta(insn.BaseDisp(insn.ESP, 4, 4), 4096); !ok || d != 0 {
		t.Fatal(d, ok)
	}

	s.Update(&insn.Insn{Op: insn.OpMov, Dsts: []insn.Opnd{insn.RegOp(insn.ESI)}}, insn.ESI)
	if s.Valid {
		t.Fatal("reg1 overwritten")
	}

	s.Set(insn.BaseDisp(insn.EBX, 0, 4))
	s.Update(&insn.Insn{Op: insn.OpMov, Dsts: []insn.Opnd{insn.RegOp(insn.EAX)}}, insn.ESI)
	if !s.Valid {
		t.Fatal("unrelated write")
	}
	s.Update(&insn.Insn{Op: insn.OpInc, Dsts: []insn.Opnd{insn.RegOp(insn.EBX)}}, insn.ESI)
	if s.Valid {
		t.Fatal("base overwritten")
	}
}

func TestTable(t *testing.T) {
	var tab Table
	if tab.Disabled(0x1000) {
		t.Fatal("#1")
	}
	tab.Record(0x1000)
	if !tab.Disabled(0x1000) || tab.Len() != 1 {
		t.Fatal("#2")
	}
}

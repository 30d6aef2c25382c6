// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package slowpath

import (
	"testing"

	"gate.computer/memcheck/insn"
)

func appMov(pc uint32, size uint8) *insn.Insn {
	return &insn.Insn{
		Op:    insn.OpMov,
		Dsts:  []insn.Opnd{insn.RegOp(insn.EDX)},
		Srcs:  []insn.Opnd{insn.RegOp(insn.ECX)},
		AppPC: pc,
		Len:   size,
	}
}

// checkedBlock emits "jecxz ok; jmp stub; ok: cont:" before a single
// application instruction.
func checkedBlock(t *testing.T, cfg Config, routines *Routines, appLen uint8) (*insn.List, *Site, insn.Handle) {
	t.Helper()

	l := insn.NewList()
	app := l.Append(appMov(0x1000, appLen))
	d := NewDispatcher(l, cfg, routines)
	s := d.Stub(app, Check)

	c := insn.Cursor{List: l, At: app, PC: 0x1000}
	ok := c.Emit(insn.Label())
	l.InsertBefore(ok, insn.Jecxz(ok))
	jmp := s.JumpAlways(insn.Cursor{List: l, At: ok, PC: 0x1000})
	s.SetCont(c)

	res := d.Finish()
	if st := res.StateAt(app); !st.InPlace() {
		t.Errorf("state at application instruction: %s", st)
	}
	return l, s, jmp
}

func count(l *insn.List, op insn.Op) (n int) {
	for _, h := range l.Handles() {
		if l.Insn(h).Op == op {
			n++
		}
	}
	return
}

func TestShortStub(t *testing.T) {
	routines := NewRoutines()
	l, s, jmp := checkedBlock(t, Config{ShortReach: 127, JumpOptimized: true}, routines, 2)

	if s.Long || s.Routine >= 0 {
		t.Errorf("site: %s", s)
	}
	if l.Insn(jmp).Near {
		t.Error("jump to stub is near")
	}
	if n := count(l, insn.OpSlowCall); n != 1 {
		t.Errorf("%d slow calls", n)
	}
	if routines.Len() != 0 {
		t.Errorf("%d routines", routines.Len())
	}

	last := l.Insn(l.Last())
	if last.Op != insn.OpJmp || last.Src(0).Target() != s.Cont {
		t.Errorf("stub does not return to continuation: %s", last)
	}

	var exits int
	for _, h := range l.Handles() {
		if l.Insn(h).Note&insn.NoteExit != 0 {
			exits++
			if pc := l.Insn(h).Src(0).PC(); pc != 0x1002 {
				t.Errorf("exit to %#x", pc)
			}
		}
	}
	if exits != 1 {
		t.Errorf("%d exits", exits)
	}
}

func TestLongStubRoutine(t *testing.T) {
	routines := NewRoutines()
	l, s, jmp := checkedBlock(t, Config{ShortReach: 127, JumpOptimized: true}, routines, 200)

	if !s.Long || s.Routine != 0 {
		t.Fatalf("site: %s, routine %d", s, s.Routine)
	}
	if routines.Len() != 1 || routines.Signature(0) != s.Signature {
		t.Errorf("routines: %d", routines.Len())
	}
	if !l.Insn(jmp).Near {
		t.Error("distant jump is short")
	}
	if n := count(l, insn.OpSlowCall); n != 0 {
		t.Errorf("%d slow calls in block", n)
	}

	body := routines.Body(0)
	if body[0].Op != insn.OpSlowCall || body[1].Op != insn.OpJmp {
		t.Errorf("routine body: %v", body)
	}

	// Another block with the same signature shares the routine.
	_, s2, _ := checkedBlock(t, Config{ShortReach: 127, JumpOptimized: true}, routines, 200)
	if s2.Routine != 0 || routines.Len() != 1 {
		t.Errorf("second site routine %d, %d routines", s2.Routine, routines.Len())
	}
}

func TestLongStubTranslating(t *testing.T) {
	routines := NewRoutines()
	l, s, jmp := checkedBlock(t, Config{ShortReach: 127, JumpOptimized: true, Translating: true}, routines, 200)

	if !s.Long || s.Routine >= 0 {
		t.Fatalf("site: %s, routine %d", s, s.Routine)
	}
	if routines.Len() != 0 {
		t.Error("routine created while translating")
	}
	if !l.Insn(jmp).Near || !l.Insn(s.back).Near {
		t.Error("long stub branches are short")
	}
	if n := count(l, insn.OpSlowCall); n != 1 {
		t.Errorf("%d slow calls", n)
	}
}

func TestInline(t *testing.T) {
	l := insn.NewList()
	app := l.Append(appMov(0x1000, 2))
	d := NewDispatcher(l, Config{ShortReach: 127}, NewRoutines())

	s := d.Inline(insn.Cursor{List: l, At: app, PC: 0x1000}, app, UnsupportedOp)
	d.Finish()

	if !s.Signature.InPlace() {
		t.Errorf("signature: %s", s.Signature)
	}
	if l.Insn(l.First()).Op != insn.OpAppClone {
		t.Errorf("first instruction: %s", l.Insn(l.First()))
	}
	if l.Insn(l.Prev(app)).Op != insn.OpSlowCall {
		t.Errorf("instruction before application: %s", l.Insn(l.Prev(app)))
	}
}

func TestUnusedStub(t *testing.T) {
	l := insn.NewList()
	app := l.Append(appMov(0x1000, 2))
	d := NewDispatcher(l, Config{ShortReach: 127}, NewRoutines())
	d.Stub(app, Check)
	d.Finish()

	if len(d.Sites()) != 0 {
		t.Errorf("sites: %v", d.Sites())
	}
	if n := count(l, insn.OpLabel); n != 0 {
		t.Errorf("%d labels", n)
	}
	if d.Tail() != insn.NoHandle {
		t.Errorf("tail: %d", d.Tail())
	}
}

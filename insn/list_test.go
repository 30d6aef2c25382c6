// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package insn

import (
	"testing"
)

func TestListHandlesStable(t *testing.T) {
	l := NewList()
	a := l.Append(Label())
	c := l.Append(Label())
	b := l.InsertBefore(c, Label())
	z := l.InsertAfter(NoHandle, Label())

	hs := l.Handles()
	if len(hs) != 4 || hs[0] != z || hs[1] != a || hs[2] != b || hs[3] != c {
		t.Fatal(hs)
	}

	l.Remove(a)
	if l.Len() != 3 {
		t.Fatal(l.Len())
	}
	if l.Next(z) != b || l.Prev(b) != z {
		t.Fatal("#1")
	}

	l.Remove(c)
	if l.Last() != b {
		t.Fatal("#2")
	}

	d := l.InsertAfter(b, Label())
	if l.Last() != d || l.Insn(d).Op != OpLabel {
		t.Fatal("#3")
	}
}

func TestListRemovedHandlePanics(t *testing.T) {
	l := NewList()
	h := l.Append(Label())
	l.Remove(h)

	defer func() {
		if recover() == nil {
			t.Fatal("no panic")
		}
	}()
	l.Insn(h)
}

func TestAppHandles(t *testing.T) {
	l := NewList()
	app := &Insn{Op: OpNop}
	h := l.Append(app)
	l.InsertBefore(h, Label())
	l.Append(Label())

	if hs := l.AppHandles(); len(hs) != 1 || hs[0] != h {
		t.Fatal(hs)
	}
}

func TestLinearize(t *testing.T) {
	l := NewList()
	app := &Insn{Op: OpNop}
	h := l.Append(app)
	lab := Label()
	l.InsertBefore(h, lab)

	insns := l.Linearize()
	if len(insns) != 2 || insns[0] != lab || insns[1] != app {
		t.Fatal(insns)
	}
}

// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xlate

import (
	"gate.computer/memcheck/insn"
	"gate.computer/memcheck/internal/pan"
)

// Redirector is implemented by the auxiliary value of a shared shadow probe.
// A fault at the probe resumes at the returned instruction.
type Redirector interface {
	RedirectTo() insn.Handle
}

// Result of a walk over an instrumented block.
type Result struct {
	Map    Map
	States map[insn.Handle]State // Before each instruction.
	Pos    map[insn.Handle]int
	Len    int // Output positions.
}

// StateAt returns the translation state before an instruction.
func (r *Result) StateAt(h insn.Handle) State {
	s, found := r.States[h]
	if !found {
		pan.Panicf("no translation state for instruction %d", h)
	}
	return s
}

// Walk simulates the translation state over the whole block in output order.
// Inconsistencies panic: an application instruction observing a displaced
// value, control flow merging different states, or a block exit with a
// displaced value.
func Walk(l *insn.List) *Result {
	r := &Result{
		States: make(map[insn.Handle]State, l.Len()),
		Pos:    make(map[insn.Handle]int, l.Len()),
	}

	var (
		labels    = make(map[insn.Handle]State)
		visited   = make(map[insn.Handle]bool)
		redirects = make(map[int]insn.Handle)
		s         = Initial()
		reachable = true
		inStub    = false
		pos       = 0
	)

	// Forward edges join into the target's state.  Backward edges must not
	// lose anything the target assumes.
	jump := func(target insn.Handle, from *insn.Insn) {
		prev, found := labels[target]
		if !found {
			labels[target] = s
			return
		}

		joined, ok := Join(prev, s)
		if ok && (joined == prev || !visited[target]) {
			labels[target] = joined
			return
		}
		pan.Panicf("%s reaches %d with state %s, expected %s", from.Mnemonic(), target, s, prev)
	}

	exit := func(i *insn.Insn) {
		if !s.InPlace() {
			pan.Panicf("%s leaves the block with state %s", i.Mnemonic(), s)
		}
	}

	for h := l.First(); h != insn.NoHandle; h = l.Next(h) {
		i := l.Insn(h)

		if i.Op == insn.OpLabel {
			if reachable {
				jump(h, i)
			}
			if prev, found := labels[h]; found {
				s = prev
				reachable = true
			}
			if i.Note&insn.NoteStubEntry != 0 {
				inStub = true
			}
		}
		visited[h] = true

		r.States[h] = s
		r.Pos[h] = pos

		e := Entry{
			Pos:      pos,
			AppPC:    i.AppPC,
			State:    s,
			Redirect: -1,
		}

		switch {
		case !i.Meta:
			e.Kind = KindApp
			pan.Check(s.CheckApp(i))
			inStub = false

		case inStub:
			e.Kind = KindStub

		case i.Note&insn.NoteShared != 0:
			e.Kind = KindShared

		case i.Note&insn.NoteShadowProbe != 0:
			e.Kind = KindProbe
		}

		if !i.Op.Pseudo() {
			r.Map.put(e)
			pos++

			if rd, ok := i.Aux.(Redirector); ok && e.Kind == KindShared {
				redirects[len(r.Map.Entries)-1] = rd.RedirectTo()
				jump(rd.RedirectTo(), i)
			}
		}

		if i.Meta {
			for _, o := range i.Srcs {
				if o.Kind == insn.KindTarget {
					jump(o.Target(), i)
				}
			}
		}

		s.Step(i)

		switch {
		case i.Note&insn.NoteExit != 0:
			exit(i)
			reachable = false

		case !i.Meta && i.Op.CTI():
			exit(i)
			if i.Op.Unconditional() {
				reachable = false
			}

		case i.Meta && i.Op == insn.OpJmp:
			reachable = false
		}
	}

	if reachable {
		exit(&insn.Insn{Op: insn.OpNop})
	}
	r.Len = pos

	for index, target := range redirects {
		e := &r.Map.Entries[index]
		pos, found := r.Pos[target]
		if !found {
			pan.Panicf("shared probe at %d redirects to missing instruction %d", e.Pos, target)
		}
		e.Redirect = pos
	}

	return r
}

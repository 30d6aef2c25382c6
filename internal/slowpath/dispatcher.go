// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package slowpath places slow-path invocations and lays out their stubs.
package slowpath

import (
	"gate.computer/memcheck/insn"
	"gate.computer/memcheck/internal/debug"
	"gate.computer/memcheck/internal/pan"
	"gate.computer/memcheck/internal/xlate"
	"gate.computer/memcheck/shadow"
)

type Config struct {
	ShortReach    int  // Maximum displacement of a short branch.
	JumpOptimized bool // Lengthened stubs jump to shared routines.
	Translating   bool // Reproducing an existing block: routines are not created.
}

// Dispatcher manages the slow-path sites of a block.  Stub labels are
// appended to the instruction list when sites are created, so everything
// inserted before Tail stays in the block body.
type Dispatcher struct {
	cfg      Config
	list     *insn.List
	routines *Routines
	sites    []*Site
	tail     insn.Handle
}

func NewDispatcher(l *insn.List, cfg Config, routines *Routines) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		list:     l,
		routines: routines,
		tail:     insn.NoHandle,
	}
}

// Tail is the insertion point for code at the end of the block body.
func (d *Dispatcher) Tail() insn.Handle {
	return d.tail
}

func (d *Dispatcher) Sites() []*Site {
	return d.sites
}

func (d *Dispatcher) newSite(app insn.Handle, reason Reason) *Site {
	return &Site{
		Link:    Link{Addr: -1},
		App:     app,
		AppInsn: d.list.Insn(app),
		Reason:  reason,
		Entry:   insn.NoHandle,
		Cont:    insn.NoHandle,
		Routine: -1,
		back:    insn.NoHandle,
	}
}

// Stub creates an out-of-line site.  The caller emits the jumps and the
// continuation label.
func (d *Dispatcher) Stub(app insn.Handle, reason Reason) *Site {
	s := d.newSite(app, reason)
	s.Entry = d.list.Append(insn.Label().Noted(insn.NoteStubEntry).At(s.AppInsn.AppPC))
	if d.tail == insn.NoHandle {
		d.tail = s.Entry
	}
	d.sites = append(d.sites, s)
	return s
}

// Inline emits an unconditional slow-path call before the application
// instruction.
func (d *Dispatcher) Inline(c insn.Cursor, app insn.Handle, reason Reason) *Site {
	s := d.newSite(app, reason)
	s.Inline = true
	s.body = []insn.Handle{
		c.Emit(insn.AppClone(s.AppInsn)),
		c.Emit(insn.SlowCall(s.AppInsn.AppPC, s)),
	}
	d.sites = append(d.sites, s)
	return s
}

// Finish terminates the block body, emits the stubs and lays them out.  The
// returned walk describes the final instruction sequence.
func (d *Dispatcher) Finish() *xlate.Result {
	d.dropUnused()
	d.addExit()

	for _, s := range d.sites {
		if !s.Inline {
			if s.Cont == insn.NoHandle {
				pan.Panicf("slow path of %s has no continuation", s.AppInsn.Mnemonic())
			}
			d.emitBody(s)
		}
	}

	res := xlate.Walk(d.list)
	for _, s := range d.sites {
		if s.Inline {
			s.Signature = res.StateAt(s.body[1])
		} else {
			s.Signature = res.StateAt(s.Entry)
		}
	}

	if d.relax() {
		res = xlate.Walk(d.list)
	}

	if debug.Enabled {
		for _, s := range d.sites {
			debug.Printf("slow path %s", s)
		}
	}
	return res
}

func (d *Dispatcher) dropUnused() {
	kept := d.sites[:0]
	for _, s := range d.sites {
		if !s.Inline && len(s.Sites) == 0 && !s.Redirected {
			if s.Cont != insn.NoHandle {
				d.list.Remove(s.Cont)
			}
			d.list.Remove(s.Entry)
			continue
		}
		kept = append(kept, s)
	}
	d.sites = kept

	d.tail = insn.NoHandle
	for _, s := range d.sites {
		if !s.Inline {
			d.tail = s.Entry
			break
		}
	}
}

// addExit makes the fall-through edge explicit so that stubs can follow the
// body.
func (d *Dispatcher) addExit() {
	var last *insn.Insn
	for h := d.list.Last(); h != insn.NoHandle; h = d.list.Prev(h) {
		if i := d.list.Insn(h); !i.Meta {
			last = i
			break
		}
	}
	if last == nil || last.Op.Unconditional() {
		return
	}

	c := insn.Cursor{List: d.list, At: d.tail, PC: last.AppPC}
	c.Emit(insn.Jmp(insn.PCOp(last.AppPC + uint32(last.Len))).Noted(insn.NoteExit))
}

func (d *Dispatcher) emitBody(s *Site) {
	for _, h := range s.body {
		d.list.Remove(h)
	}
	s.body = s.body[:0]
	s.back = insn.NoHandle

	c := insn.Cursor{List: d.list, At: d.list.Next(s.Entry), PC: s.AppInsn.AppPC}
	emit := func(i *insn.Insn) insn.Handle {
		h := c.Emit(i)
		s.body = append(s.body, h)
		return h
	}

	emit(insn.AppClone(s.AppInsn))

	if s.Unproves {
		emit(insn.Mov(shadow.SlotUnproven.Opnd(1), insn.ImmOp(1, 1)))
	}

	if s.Routine >= 0 {
		emit(insn.Mov(shadow.SlotRetAddr.Opnd(4), insn.TargetOp(s.Cont)))
		emit(insn.Jmp(insn.RoutineOp(s.Routine)))
		return
	}

	emit(insn.SlowCall(s.AppInsn.AppPC, s))
	back := insn.Jmp(insn.TargetOp(s.Cont))
	back.Near = s.Long
	s.back = emit(back)
}

// lengthen switches a stub to its long form.  Long is sticky.
func (d *Dispatcher) lengthen(s *Site) {
	s.Long = true

	if d.cfg.JumpOptimized {
		if d.cfg.Translating {
			if id, found := d.routines.Lookup(s.Signature); found {
				s.Routine = id
			}
		} else {
			s.Routine = d.routines.Get(s.Signature)
		}
	}

	if s.Routine < 0 {
		for _, j := range s.Sites {
			d.list.Insn(j).Near = true
		}
	}

	d.emitBody(s)
}

func (d *Dispatcher) offsets() map[insn.Handle]int {
	off := make(map[insn.Handle]int, d.list.Len())
	pos := 0
	for h := d.list.First(); h != insn.NoHandle; h = d.list.Next(h) {
		off[h] = pos
		pos += d.list.Insn(h).EstimatedSize()
	}
	for _, s := range d.sites {
		if !s.Inline {
			s.Addr = off[s.Entry]
		}
	}
	return off
}

func (d *Dispatcher) reaches(off map[insn.Handle]int, from insn.Handle, target int) bool {
	rel := target - (off[from] + d.list.Insn(from).EstimatedSize())
	return rel >= -d.cfg.ShortReach-1 && rel <= d.cfg.ShortReach
}

// relax lengthens branches until every short branch reaches its target.
// Returns true if anything changed.
func (d *Dispatcher) relax() (changed bool) {
	for d.relaxStep(d.offsets()) {
		changed = true
	}
	return
}

// relaxStep fixes the first branch which doesn't reach.
func (d *Dispatcher) relaxStep(off map[insn.Handle]int) bool {
	for _, s := range d.sites {
		if s.Inline {
			continue
		}

		for _, j := range s.Sites {
			if d.list.Insn(j).Near || d.reaches(off, j, s.FinalAddr()) {
				continue
			}
			if !s.Long {
				d.lengthen(s)
			} else {
				d.list.Insn(j).Near = true
			}
			return true
		}

		if s.back != insn.NoHandle {
			if i := d.list.Insn(s.back); !i.Near && !d.reaches(off, s.back, off[s.Cont]) {
				i.Near = true
				return true
			}
		}
	}

	return false
}

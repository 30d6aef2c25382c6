// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memcheck

import (
	"gate.computer/memcheck/insn"
	"gate.computer/memcheck/internal/bb"
	"gate.computer/memcheck/internal/classify"
	"gate.computer/memcheck/internal/debug"
	"gate.computer/memcheck/internal/fastpath"
	"gate.computer/memcheck/internal/pan"
	"gate.computer/memcheck/internal/slowpath"
	"gate.computer/memcheck/internal/xlate"
)

type BlockOptions struct {
	// CheckIgnoreUnaddr routes unaddressable accesses to the slow path,
	// which decides whether to suppress them.
	CheckIgnoreUnaddr bool

	// Translating reproduces a block which has already been instrumented,
	// for state translation by the host.  Engine tables are not modified.
	Translating bool
}

// Eligible reports why an instruction can't be handled by the fast path.  The
// error is nil if it can.
func Eligible(i *insn.Insn) error {
	ci := classify.Classify(i)
	if ci.Ok() {
		return nil
	}
	return ci.Reason
}

// Block is an instrumentation in progress.  It must be used by one
// goroutine at a time.
type Block struct {
	e    *Engine
	tag  uint32
	opts BlockOptions
	fb   *fastpath.Block

	next int // Index of the next application instruction.
	cur  *fastpath.Info
	fis  []*fastpath.Info
	done bool
}

// Begin instrumentation of a block.  The list must contain the application
// instructions of a basic block: a control transfer may appear only at the
// end.
func (e *Engine) Begin(tag uint32, l *insn.List, opts BlockOptions) (b *Block, err error) {
	apps := l.AppHandles()
	if len(apps) == 0 {
		err = blockError(tag, ErrEmptyBlock)
		return
	}
	for _, h := range apps[:len(apps)-1] {
		if l.Insn(h).Op.CTI() {
			err = blockError(tag, ErrMidBlockTransfer)
			return
		}
	}

	if pan.DontPanic() {
		defer func() { err = pan.Error(recover()) }()
	}

	b = e.begin(tag, l, opts)
	return
}

func (e *Engine) begin(tag uint32, l *insn.List, opts BlockOptions) *Block {
	if debug.Enabled {
		debug.Enter("block %#x translating=%v", tag, opts.Translating)
	}

	bi := bb.New(l, e.cfg.bb())
	bi.CheckIgnoreUnaddr = opts.CheckIgnoreUnaddr

	return &Block{
		e:    e,
		tag:  tag,
		opts: opts,
		fb: &fastpath.Block{
			Cfg:   e.cfg.fastpath(),
			BB:    bi,
			Slow:  slowpath.NewDispatcher(l, e.cfg.slowpath(opts.Translating), e.routines),
			Table: &e.sharing,
		},
	}
}

// Instrument inserts the fast path of the next application instruction
// before it.
func (b *Block) Instrument(h insn.Handle) (err error) {
	if pan.DontPanic() {
		defer func() { err = pan.Error(recover()) }()
	}

	b.instrument(h)
	return
}

func (b *Block) instrument(h insn.Handle) {
	apps := b.fb.BB.Apps

	switch {
	case b.done:
		pan.Panicf("block %#x: instrumentation after the bottom of the block", b.tag)

	case b.cur != nil:
		pan.Panicf("block %#x: instruction %d instrumented before %d was passed", b.tag, h, b.cur.App)

	case b.next >= len(apps) || apps[b.next] != h:
		pan.Panicf("block %#x: instruction %d instrumented out of order", b.tag, h)
	}

	fi := b.fb.Classify(h)
	b.fb.Instrument(fi, b.opts.CheckIgnoreUnaddr)
	b.cur = fi
}

// PreApp is invoked immediately before the application instruction, after
// its fast path.  Block-wide scratch registers and flags which it needs are
// restored here.
func (b *Block) PreApp(h insn.Handle) (err error) {
	if pan.DontPanic() {
		defer func() { err = pan.Error(recover()) }()
	}

	b.preApp(h)
	return
}

func (b *Block) preApp(h insn.Handle) {
	fi := b.cur
	if fi == nil || fi.App != h {
		pan.Panicf("block %#x: instruction %d passed without instrumentation", b.tag, h)
	}

	b.fb.BB.PreApp(h)
	b.fb.After(fi)

	b.fis = append(b.fis, fi)
	b.cur = nil
	b.next++
}

// End is the bottom of the block.  Block-wide preservation is undone before
// the final control transfer (or at the end of a fall-through block), and
// the slow-path stubs are laid out after the body.
func (b *Block) End() (res *Result, err error) {
	if pan.DontPanic() {
		defer func() { err = pan.Error(recover()) }()
	}

	res = b.end()
	return
}

func (b *Block) end() *Result {
	bi := b.fb.BB

	if b.done || b.cur != nil || b.next != len(bi.Apps) {
		pan.Panicf("block %#x: bottom reached after %d of %d instructions", b.tag, b.next, len(bi.Apps))
	}
	b.done = true

	bi.Bottom(b.fb.Slow.Tail())
	walk := b.fb.Slow.Finish()

	if debug.Enabled {
		debug.Leave()
	}

	last := bi.List.Insn(bi.Apps[len(bi.Apps)-1])

	r := &record{
		saved: SavedInfo{
			Scratch1:          insn.NoReg,
			Scratch2:          insn.NoReg,
			FlagsSaved:        bi.FlagsSaved,
			CheckIgnoreUnaddr: b.opts.CheckIgnoreUnaddr,
			LastInsn:          last.AppPC,
		},
		walk:    walk,
		lastPos: walk.Pos[bi.Apps[len(bi.Apps)-1]],
		first:   bi.List.Insn(bi.Apps[0]).AppPC,
		next:    last.AppPC + uint32(last.Len),
		sources: make(map[uint32][]uint32),
		users:   make(map[uint32]int32),
	}
	if bi.WholeBlock {
		r.saved.Scratch1 = bi.Global[0].Reg
		r.saved.Scratch2 = bi.Global[1].Reg
	}

	res := &Result{
		Tag:   b.tag,
		Saved: r.saved,
		walk:  walk,
	}
	res.Stats.Spills = bi.Stats.Spills
	res.Stats.Restores = bi.Stats.Restores

	var source uint32
	var sharing bool

	for _, fi := range b.fis {
		pc := fi.Insn.AppPC

		switch fi.Pattern {
		case fastpath.PatternNone:

		case fastpath.PatternSlow:
			res.Stats.Slow++

		default:
			res.Stats.Fast++
		}

		switch {
		case fi.ShareSource:
			source, sharing = pc, true

		case fi.Shared && sharing:
			r.sources[source] = append(r.sources[source], pc)
			r.users[pc] = fi.SharedDelta
			res.Stats.Shared++
		}
	}

	if bi.AddedInstru && !b.opts.Translating {
		b.e.store(b.tag, r)
	}

	return res
}

// InstrumentBlock runs the whole lifecycle over a block.
func (e *Engine) InstrumentBlock(tag uint32, l *insn.List, opts BlockOptions) (*Result, error) {
	b, err := e.Begin(tag, l, opts)
	if err != nil {
		return nil, err
	}

	for _, h := range b.fb.BB.Apps {
		if err := b.Instrument(h); err != nil {
			return nil, err
		}
		if err := b.PreApp(h); err != nil {
			return nil, err
		}
	}

	return b.End()
}

type Stats struct {
	Fast     int // Instructions with a fast path.
	Slow     int // Instructions which always take the slow path.
	Shared   int // Fast paths reusing a shadow translation.
	Spills   int // Block-wide saves.
	Restores int // Block-wide restores.
}

// Result of a block instrumentation.
type Result struct {
	Tag   uint32
	Saved SavedInfo
	Stats Stats

	walk *xlate.Result
}

// Pos returns the output position of an instruction, as expected in a fault
// context.  Pseudo instructions share the position of the next instruction.
func (res *Result) Pos(h insn.Handle) (pos int, found bool) {
	pos, found = res.walk.Pos[h]
	return
}

// Len is the number of output positions.
func (res *Result) Len() int {
	return res.walk.Len
}

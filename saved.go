// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memcheck

import (
	"gate.computer/memcheck/fault"
	"gate.computer/memcheck/insn"
	"gate.computer/memcheck/internal/debug"
	"gate.computer/memcheck/internal/xlate"
	"gate.computer/memcheck/shadow"
)

// SavedInfo is kept per instrumented block for restoring application state.
type SavedInfo struct {
	Scratch1          insn.Reg // Block-wide scratch registers, or NoReg.
	Scratch2          insn.Reg
	FlagsSaved        bool
	CheckIgnoreUnaddr bool
	IgnoreNextDelete  int    // Deletions of replaced copies of the block.
	LastInsn          uint32 // Address of the last application instruction.
}

type record struct {
	saved   SavedInfo
	walk    *xlate.Result
	lastPos int    // Output position of the last application instruction.
	first   uint32 // Address of the first application instruction.
	next    uint32 // Fall-through address.

	sources map[uint32][]uint32 // Sharing source to the instructions reusing its translation.
	users   map[uint32]int32    // Shared instruction to its delta from the previous access.
}

func (e *Engine) store(tag uint32, r *record) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if old := e.blocks[tag]; old != nil {
		r.saved.IgnoreNextDelete = old.saved.IgnoreNextDelete
	}
	e.blocks[tag] = r
}

func (e *Engine) SavedInfo(tag uint32) (info SavedInfo, found bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if r := e.blocks[tag]; r != nil {
		info, found = r.saved, true
	}
	return
}

// DeleteBlock is invoked when the host discards an instrumented block.  The
// deletion of a copy which was replaced by re-instrumentation is ignored.
func (e *Engine) DeleteBlock(tag uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r := e.blocks[tag]
	if r == nil {
		return
	}
	if r.saved.IgnoreNextDelete > 0 {
		r.saved.IgnoreNextDelete--
		return
	}
	delete(e.blocks, tag)
}

// SlowPathXl8Sharing is invoked by the slow path of an instruction which
// takes part in translation sharing.  If the shared translation can't be
// right for the access, sharing is disabled for the affected instructions
// and the host must flush the block so that it gets instrumented again.
//
// A misaligned sharing source leaves an unusable translation for the
// instructions which reuse it.  A shared access in another shadow chunk than
// the previous access faults on the guard page and ends up here too.
func (e *Engine) SlowPathXl8Sharing(tag, pc uint32, instSize int, memop insn.Opnd, mc *fault.Machine) (flush bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r := e.blocks[tag]
	if r == nil {
		err = blockError(tag, ErrUnknownBlock)
		return
	}
	if pc < r.first || pc+uint32(instSize) > r.next {
		err = blockError(tag, ErrUnknownPosition)
		return
	}

	addr := memop.Addr(&mc.Regs)

	var disable []uint32
	if users, found := r.sources[pc]; found && addr&shadow.UnitMask != 0 {
		disable = append(disable, users...)
	}
	if delta, found := r.users[pc]; found {
		l := e.cfg.Layout
		if l.Chunk(addr) != l.Chunk(addr-uint32(delta)) {
			disable = append(disable, pc)
		}
	}

	for _, x := range disable {
		if e.sharing.Record(x) == 1 {
			flush = true
		}
	}

	if flush {
		r.saved.IgnoreNextDelete++

		if debug.Enabled {
			debug.Printf("block %#x: sharing disabled for %#x", tag, disable)
		}
	}
	return
}

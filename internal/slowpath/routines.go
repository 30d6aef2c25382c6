// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package slowpath

import (
	"sync"

	"gate.computer/memcheck/insn"
	"gate.computer/memcheck/internal/xlate"
	"gate.computer/memcheck/shadow"
)

// Routines are shared slow-path entry sequences, one per translation state.
// A compact stub stores its continuation address and jumps to the routine,
// which calls the slow path and returns through the stored address.
type Routines struct {
	mu   sync.Mutex
	ids  map[xlate.State]int
	sigs []xlate.State
}

func NewRoutines() *Routines {
	return &Routines{ids: make(map[xlate.State]int)}
}

// Get the routine for a signature, creating it if needed.
func (r *Routines) Get(sig xlate.State) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, found := r.ids[sig]
	if !found {
		id = len(r.sigs)
		r.ids[sig] = id
		r.sigs = append(r.sigs, sig)
	}
	return id
}

// Lookup an existing routine.
func (r *Routines) Lookup(sig xlate.State) (id int, found bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, found = r.ids[sig]
	return
}

func (r *Routines) Signature(id int) xlate.State {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.sigs[id]
}

func (r *Routines) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.sigs)
}

// Body of a routine.
func (r *Routines) Body(id int) []*insn.Insn {
	return []*insn.Insn{
		insn.SlowCall(0, r.Signature(id)),
		insn.Jmp(shadow.SlotRetAddr.Opnd(4)),
	}
}

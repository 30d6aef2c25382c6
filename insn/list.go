// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package insn

import (
	"fmt"
	"strings"
)

// Handle identifies an instruction in a List.  Handles stay valid across
// insertions and removals of other instructions.
type Handle int32

const NoHandle = Handle(-1)

type node struct {
	insn    *Insn
	prev    Handle
	next    Handle
	removed bool
}

// List is a doubly-linked instruction sequence stored in an arena.
type List struct {
	nodes []node
	first Handle
	last  Handle
	count int
}

func NewList() *List {
	return &List{first: NoHandle, last: NoHandle}
}

func (l *List) alloc(i *Insn) Handle {
	h := Handle(len(l.nodes))
	l.nodes = append(l.nodes, node{insn: i, prev: NoHandle, next: NoHandle})
	l.count++
	return h
}

func (l *List) check(h Handle) {
	if h < 0 || int(h) >= len(l.nodes) || l.nodes[h].removed {
		panic(fmt.Errorf("invalid instruction handle %d", h))
	}
}

func (l *List) Append(i *Insn) Handle {
	return l.InsertBefore(NoHandle, i)
}

// InsertBefore the given instruction, or append if at is NoHandle.
func (l *List) InsertBefore(at Handle, i *Insn) Handle {
	h := l.alloc(i)
	if at == NoHandle {
		l.nodes[h].prev = l.last
		if l.last != NoHandle {
			l.nodes[l.last].next = h
		} else {
			l.first = h
		}
		l.last = h
		return h
	}

	l.check(at)
	prev := l.nodes[at].prev
	l.nodes[h].prev = prev
	l.nodes[h].next = at
	l.nodes[at].prev = h
	if prev != NoHandle {
		l.nodes[prev].next = h
	} else {
		l.first = h
	}
	return h
}

// InsertAfter the given instruction, or prepend if at is NoHandle.
func (l *List) InsertAfter(at Handle, i *Insn) Handle {
	if at == NoHandle {
		return l.InsertBefore(l.first, i)
	}

	l.check(at)
	return l.InsertBefore(l.nodes[at].next, i)
}

func (l *List) Remove(h Handle) {
	l.check(h)
	n := &l.nodes[h]
	if n.prev != NoHandle {
		l.nodes[n.prev].next = n.next
	} else {
		l.first = n.next
	}
	if n.next != NoHandle {
		l.nodes[n.next].prev = n.prev
	} else {
		l.last = n.prev
	}
	n.removed = true
	n.prev = NoHandle
	n.next = NoHandle
	l.count--
}

func (l *List) Insn(h Handle) *Insn {
	l.check(h)
	return l.nodes[h].insn
}

func (l *List) First() Handle { return l.first }
func (l *List) Last() Handle  { return l.last }
func (l *List) Len() int      { return l.count }

func (l *List) Next(h Handle) Handle {
	l.check(h)
	return l.nodes[h].next
}

func (l *List) Prev(h Handle) Handle {
	l.check(h)
	return l.nodes[h].prev
}

// Handles in list order.
func (l *List) Handles() []Handle {
	hs := make([]Handle, 0, l.count)
	for h := l.first; h != NoHandle; h = l.nodes[h].next {
		hs = append(hs, h)
	}
	return hs
}

// Linearize returns the instructions in final order.
func (l *List) Linearize() []*Insn {
	insns := make([]*Insn, 0, l.count)
	for h := l.first; h != NoHandle; h = l.nodes[h].next {
		insns = append(insns, l.nodes[h].insn)
	}
	return insns
}

// AppHandles lists the application instructions in order.
func (l *List) AppHandles() (hs []Handle) {
	for h := l.first; h != NoHandle; h = l.nodes[h].next {
		if !l.nodes[h].insn.Meta {
			hs = append(hs, h)
		}
	}
	return
}

func (l *List) String() string {
	var b strings.Builder
	for h := l.first; h != NoHandle; h = l.nodes[h].next {
		i := l.nodes[h].insn
		marker := " "
		if !i.Meta {
			marker = "*"
		}
		fmt.Fprintf(&b, "L%-4d %s %s\n", h, marker, i)
	}
	return b.String()
}

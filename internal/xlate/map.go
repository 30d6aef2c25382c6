// Copyright (c) 2018 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xlate

import (
	"fmt"
	"sort"
)

type Kind byte

const (
	KindMeta   = Kind(iota) // Instrumentation.
	KindApp                 // Application instruction.
	KindProbe               // Shadow memory access with its own translation.
	KindShared              // Shadow memory access with a shared translation.
	KindStub                // Slow-path stub body.
)

var kindStrings = []string{
	KindMeta:   "meta",
	KindApp:    "app",
	KindProbe:  "probe",
	KindShared: "shared",
	KindStub:   "stub",
}

func (k Kind) String() string {
	if int(k) < len(kindStrings) {
		return kindStrings[k]
	}
	return fmt.Sprintf("kind%d", byte(k))
}

// Entry describes the output positions from Pos up to the next entry.
type Entry struct {
	Pos      int
	AppPC    uint32
	Kind     Kind
	State    State
	Redirect int // Stub entry position for KindShared, or -1.
}

// Map from output positions to translation state.  Entries are sorted by
// position.
type Map struct {
	Entries []Entry
}

func (m *Map) put(e Entry) {
	if n := len(m.Entries); n > 0 && e.Kind != KindApp {
		prev := &m.Entries[n-1]
		if prev.Pos == e.Pos {
			// Replace previous mapping because no instruction was generated.
			*prev = e
			return
		}
		if prev.Kind == e.Kind && prev.AppPC == e.AppPC && prev.State == e.State && prev.Redirect == e.Redirect {
			return
		}
	}
	m.Entries = append(m.Entries, e)
}

// Find the entry covering an output position.
func (m *Map) Find(pos int) (e Entry, ok bool) {
	i := sort.Search(len(m.Entries), func(i int) bool {
		return m.Entries[i].Pos > pos
	})
	if i == 0 {
		return
	}
	return m.Entries[i-1], true
}

func (m *Map) Len() int { return len(m.Entries) }

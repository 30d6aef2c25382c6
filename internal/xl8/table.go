// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xl8

import (
	"sync"
)

// Table records application instructions whose shared translation proved
// wrong at run time.  Sharing is not used for them when their block is
// instrumented again.
type Table struct {
	mu       sync.RWMutex
	failures map[uint32]int
}

func (t *Table) Record(pc uint32) (count int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.failures == nil {
		t.failures = make(map[uint32]int)
	}
	t.failures[pc]++
	return t.failures[pc]
}

func (t *Table) Disabled(pc uint32) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.failures[pc] > 0
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.failures)
}

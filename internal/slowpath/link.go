// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package slowpath

import (
	"github.com/pkg/errors"

	"gate.computer/memcheck/insn"
	"gate.computer/memcheck/internal/pan"
)

// Link is a stub entry and the fast-path branches which reach it.
type Link struct {
	Sites []insn.Handle
	Addr  int // Estimated offset; -1 until laid out.
}

func (l *Link) AddSite(h insn.Handle) {
	l.Sites = append(l.Sites, h)
}

// FinalAddr is valid after the stub has been laid out.
func (l *Link) FinalAddr() int {
	if l.Addr < 0 {
		pan.Panic(errors.Errorf("stub with %d branch sites not laid out while estimating reach", len(l.Sites)))
	}
	return l.Addr
}

// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package insn

import (
	"strings"
)

// Flags is a set of arithmetic flags, using EFLAGS bit positions.
type Flags uint16

const (
	CF = Flags(1 << 0)
	PF = Flags(1 << 2)
	AF = Flags(1 << 4)
	ZF = Flags(1 << 6)
	SF = Flags(1 << 7)
	OF = Flags(1 << 11)

	// ArithFlags are the flags preserved by the lahf/seto sequence.
	ArithFlags = CF | PF | AF | ZF | SF | OF

	// AhFlags are the flags transferred by lahf and sahf.
	AhFlags = CF | PF | AF | ZF | SF
)

var flagNames = []struct {
	f    Flags
	name string
}{
	{CF, "cf"},
	{PF, "pf"},
	{AF, "af"},
	{ZF, "zf"},
	{SF, "sf"},
	{OF, "of"},
}

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}

	var names []string
	for _, x := range flagNames {
		if f&x.f != 0 {
			names = append(names, x.name)
		}
	}
	return strings.Join(names, "|")
}

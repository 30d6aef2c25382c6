// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package shadow

import (
	"testing"

	"gate.computer/memcheck/insn"
)

func TestMask(t *testing.T) {
	if Mask(0, 4) != 0xff {
		t.Fatal("#1")
	}
	if Mask(0, 1) != 0x03 {
		t.Fatal("#2")
	}
	if Mask(1, 1) != 0x0c {
		t.Fatal("#3")
	}
	if Mask(2, 2) != 0xf0 {
		t.Fatal("#4")
	}
}

func TestUnitConstants(t *testing.T) {
	for n, c := range map[int]uint8{
		ByteDefined:       UnitDefined,
		ByteUndefined:     UnitUndefined,
		ByteUnaddressable: UnitUnaddressable,
		ByteBitlevel:      UnitBitlevel,
	} {
		if uint8(n*0x55) != c {
			t.Errorf("byte state %d does not replicate to %#x", n, c)
		}
	}
}

func TestLayout(t *testing.T) {
	l := DefaultLayout()
	if err := l.Validate(); err != nil {
		t.Fatal(err)
	}

	addr := uint32(0x0804abcd)
	if l.Chunk(addr) != 0x0804 {
		t.Fatal(l.Chunk(addr))
	}
	if l.Offset(addr) != 0xabcd>>2 {
		t.Fatal(l.Offset(addr))
	}
	if l.BlockSize() != 0x4000 {
		t.Fatal(l.BlockSize())
	}
}

func TestSlots(t *testing.T) {
	if RegShadow(insn.EAX) == RegShadow(insn.EDI) {
		t.Fatal("#1")
	}
	if RegShadow(insn.EDI) >= FlagsShadow {
		t.Fatal("#2")
	}
	if !SlotRetAddr.IsSpill() || FlagsShadow.IsSpill() {
		t.Fatal("#3")
	}
	if s := RegShadow(insn.ESI).String(); s != "shadow.esi" {
		t.Fatal(s)
	}
}

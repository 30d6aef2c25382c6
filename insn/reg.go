// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package insn

import (
	"fmt"
	"math/bits"
)

// Reg is an IA-32 general-purpose register.  The zero value means no
// register.
type Reg byte

const (
	NoReg = Reg(iota)
	EAX
	ECX
	EDX
	EBX
	ESP
	EBP
	ESI
	EDI
)

const NumRegs = 8

// Index maps EAX..EDI to 0..7 in hardware encoding order.
func (r Reg) Index() int {
	return int(r) - 1
}

func RegFromIndex(i int) Reg {
	return Reg(i + 1)
}

func (r Reg) Valid() bool {
	return r >= EAX && r <= EDI
}

// ABCD reports if the low and high byte parts of the register are
// addressable.
func (r Reg) ABCD() bool {
	return r >= EAX && r <= EBX
}

var regNames = [...][3]string{
	EAX: {"al", "ax", "eax"},
	ECX: {"cl", "cx", "ecx"},
	EDX: {"dl", "dx", "edx"},
	EBX: {"bl", "bx", "ebx"},
	ESP: {"spl", "sp", "esp"},
	EBP: {"bpl", "bp", "ebp"},
	ESI: {"sil", "si", "esi"},
	EDI: {"dil", "di", "edi"},
}

var highNames = [...]string{
	EAX: "ah",
	ECX: "ch",
	EDX: "dh",
	EBX: "bh",
}

func (r Reg) String() string {
	if r.Valid() {
		return regNames[r][2]
	}
	if r == NoReg {
		return "noreg"
	}
	return fmt.Sprintf("reg%d", r)
}

// Name of the register part with the given size in bytes.
func (r Reg) Name(size int, high bool) string {
	if !r.Valid() {
		return r.String()
	}
	switch {
	case high && r.ABCD():
		return highNames[r]
	case size == 1:
		return regNames[r][0]
	case size == 2:
		return regNames[r][1]
	default:
		return regNames[r][2]
	}
}

// RegSet is a bitmap indexed by Reg.Index.
type RegSet uint8

const AllRegs = RegSet(0xff)

func RegSetOf(regs ...Reg) (s RegSet) {
	for _, r := range regs {
		s = s.With(r)
	}
	return
}

func (s RegSet) With(r Reg) RegSet {
	if !r.Valid() {
		return s
	}
	return s | 1<<uint(r.Index())
}

func (s RegSet) Without(r Reg) RegSet {
	if !r.Valid() {
		return s
	}
	return s &^ (1 << uint(r.Index()))
}

func (s RegSet) Has(r Reg) bool {
	return r.Valid() && s&(1<<uint(r.Index())) != 0
}

func (s RegSet) Len() int {
	return bits.OnesCount8(uint8(s))
}

// Regs lists the members in index order.
func (s RegSet) Regs() (regs []Reg) {
	for i := 0; i < NumRegs; i++ {
		if s&(1<<uint(i)) != 0 {
			regs = append(regs, RegFromIndex(i))
		}
	}
	return
}

func (s RegSet) String() string {
	return fmt.Sprint(s.Regs())
}

// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package emu

import (
	"math/bits"

	"gate.computer/memcheck/insn"
)

func sizeMask(size uint8) uint32 {
	if size >= 4 {
		return 0xffffffff
	}
	return 1<<(uint(size)*8) - 1
}

func signBit(size uint8) uint32 {
	if size >= 4 {
		return 0x80000000
	}
	return 1 << (uint(size)*8 - 1)
}

func flag(f insn.Flags, set bool) uint32 {
	if set {
		return uint32(f)
	}
	return 0
}

func resultFlags(res uint32, size uint8) uint32 {
	res &= sizeMask(size)
	return flag(insn.ZF, res == 0) |
		flag(insn.SF, res&signBit(size) != 0) |
		flag(insn.PF, bits.OnesCount8(uint8(res))%2 == 0)
}

// alu computes a two-operand arithmetic or logic op.  write is false for
// cmp and test.
func alu(op insn.Op, a, b uint32, size uint8, eflags uint32) (res, flags uint32, write bool) {
	mask := sizeMask(size)
	sign := signBit(size)
	a &= mask
	b &= mask
	write = true
	flags = eflags &^ uint32(insn.ArithFlags)

	switch op {
	case insn.OpAdd:
		res = (a + b) & mask
		flags |= flag(insn.CF, uint64(a)+uint64(b) > uint64(mask)) |
			flag(insn.OF, (a^res)&(b^res)&sign != 0) |
			flag(insn.AF, (a^b^res)&0x10 != 0)

	case insn.OpSub, insn.OpCmp:
		res = (a - b) & mask
		flags |= flag(insn.CF, a < b) |
			flag(insn.OF, (a^b)&(a^res)&sign != 0) |
			flag(insn.AF, (a^b^res)&0x10 != 0)
		write = op == insn.OpSub

	case insn.OpAnd, insn.OpTest:
		res = a & b
		write = op == insn.OpAnd

	case insn.OpOr:
		res = a | b

	case insn.OpXor:
		res = a ^ b

	case insn.OpShr, insn.OpShl:
		n := uint(b & 31)
		if n == 0 {
			return a, eflags, true
		}
		var cf bool
		if op == insn.OpShr {
			res = a >> n
			cf = (a>>(n-1))&1 != 0
		} else {
			res = (a << n) & mask
			cf = n <= uint(size)*8 && (a<<(n-1))&sign != 0
		}
		flags |= flag(insn.CF, cf) | flag(insn.OF, (res^a)&sign != 0)

	default:
		return 0, eflags, false
	}

	flags |= resultFlags(res, size)
	return
}

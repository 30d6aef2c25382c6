// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package insn

import (
	"fmt"
)

type Op byte

const (
	OpInvalid = Op(iota)
	OpOther   // Decoded but not modeled.

	OpNop
	OpMov
	OpMovzx
	OpMovsx
	OpLea
	OpAdd
	OpAdc
	OpSub
	OpSbb
	OpAnd
	OpOr
	OpXor
	OpCmp
	OpTest
	OpInc
	OpDec
	OpNeg
	OpNot
	OpShl
	OpShr
	OpSar
	OpImul
	OpXchg
	OpPush
	OpPop
	OpCall
	OpRet
	OpJmp
	OpJcc
	OpJecxz
	OpSetcc
	OpCmovcc
	OpCdq
	OpLeave
	OpMovs
	OpCmps
	OpStos
	OpLods
	OpScas
	OpLahf
	OpSahf
	OpShrx
	OpShlx

	// Pseudo instructions which only appear in instrumentation.
	OpLabel
	OpAppClone
	OpSlowCall

	NumOps
)

type opInfo struct {
	name string
	size int // Estimated encoding length in bytes.
	cti  bool
}

var ops = [NumOps]opInfo{
	OpInvalid:  {"invalid", 0, false},
	OpOther:    {"other", 8, false},
	OpNop:      {"nop", 1, false},
	OpMov:      {"mov", 7, false},
	OpMovzx:    {"movzx", 7, false},
	OpMovsx:    {"movsx", 7, false},
	OpLea:      {"lea", 7, false},
	OpAdd:      {"add", 7, false},
	OpAdc:      {"adc", 7, false},
	OpSub:      {"sub", 7, false},
	OpSbb:      {"sbb", 7, false},
	OpAnd:      {"and", 7, false},
	OpOr:       {"or", 7, false},
	OpXor:      {"xor", 7, false},
	OpCmp:      {"cmp", 8, false},
	OpTest:     {"test", 7, false},
	OpInc:      {"inc", 2, false},
	OpDec:      {"dec", 2, false},
	OpNeg:      {"neg", 2, false},
	OpNot:      {"not", 2, false},
	OpShl:      {"shl", 3, false},
	OpShr:      {"shr", 3, false},
	OpSar:      {"sar", 3, false},
	OpImul:     {"imul", 7, false},
	OpXchg:     {"xchg", 2, false},
	OpPush:     {"push", 5, false},
	OpPop:      {"pop", 2, false},
	OpCall:     {"call", 5, true},
	OpRet:      {"ret", 3, true},
	OpJmp:      {"jmp", 5, true},
	OpJcc:      {"j", 6, true},
	OpJecxz:    {"jecxz", 2, true},
	OpSetcc:    {"set", 3, false},
	OpCmovcc:   {"cmov", 3, false},
	OpCdq:      {"cdq", 1, false},
	OpLeave:    {"leave", 1, false},
	OpMovs:     {"movs", 1, false},
	OpCmps:     {"cmps", 1, false},
	OpStos:     {"stos", 1, false},
	OpLods:     {"lods", 1, false},
	OpScas:     {"scas", 1, false},
	OpLahf:     {"lahf", 1, false},
	OpSahf:     {"sahf", 1, false},
	OpShrx:     {"shrx", 5, false},
	OpShlx:     {"shlx", 5, false},
	OpLabel:    {"label", 0, false},
	OpAppClone: {"appclone", 0, false},
	OpSlowCall: {"slowcall", 48, false},
}

func (op Op) String() string {
	if op < NumOps {
		return ops[op].name
	}
	return fmt.Sprintf("<invalid op %d>", op)
}

// CTI reports if the op transfers control.
func (op Op) CTI() bool {
	return op < NumOps && ops[op].cti
}

// Unconditional reports if control never falls through the op.
func (op Op) Unconditional() bool {
	return op == OpJmp || op == OpRet
}

// Conditional ops take a condition code.
func (op Op) Conditional() bool {
	return op == OpJcc || op == OpSetcc || op == OpCmovcc
}

// IsString reports if the op uses implicit esi and edi operands.
func (op Op) IsString() bool {
	switch op {
	case OpMovs, OpCmps, OpStos, OpLods, OpScas:
		return true
	}
	return false
}

// AccessesMemory is false for ops with a memory operand syntax but no
// memory access.
func (op Op) AccessesMemory() bool {
	return op != OpLea && op != OpNop
}

// Pseudo ops are not encoded.
func (op Op) Pseudo() bool {
	return op == OpLabel || op == OpAppClone
}

// EstimatedSize of the encoding.  Branch sizes depend on layout.
func (op Op) EstimatedSize() int {
	if op < NumOps {
		return ops[op].size
	}
	return 0
}

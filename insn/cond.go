// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package insn

// Cond is a condition code in hardware encoding order.
type Cond byte

const (
	O = Cond(iota)
	NO
	B
	AE
	E
	NE
	BE
	A
	S
	NS
	P
	NP
	L
	GE
	LE
	G
)

const NumConds = 16

var Inverted = [NumConds]Cond{
	O:  NO,
	NO: O,
	B:  AE,
	AE: B,
	E:  NE,
	NE: E,
	BE: A,
	A:  BE,
	S:  NS,
	NS: S,
	P:  NP,
	NP: P,
	L:  GE,
	GE: L,
	LE: G,
	G:  LE,
}

var condFlags = [NumConds]Flags{
	O:  OF,
	NO: OF,
	B:  CF,
	AE: CF,
	E:  ZF,
	NE: ZF,
	BE: CF | ZF,
	A:  CF | ZF,
	S:  SF,
	NS: SF,
	P:  PF,
	NP: PF,
	L:  SF | OF,
	GE: SF | OF,
	LE: ZF | SF | OF,
	G:  ZF | SF | OF,
}

var condStrings = [NumConds]string{
	O:  "o",
	NO: "no",
	B:  "b",
	AE: "ae",
	E:  "e",
	NE: "ne",
	BE: "be",
	A:  "a",
	S:  "s",
	NS: "ns",
	P:  "p",
	NP: "np",
	L:  "l",
	GE: "ge",
	LE: "le",
	G:  "g",
}

// Flags read when evaluating the condition.
func (c Cond) Flags() Flags {
	if c < NumConds {
		return condFlags[c]
	}
	return ArithFlags
}

// Eval the condition against a flags value.
func (c Cond) Eval(f Flags) (result bool) {
	set := func(x Flags) bool { return f&x != 0 }

	switch c &^ 1 {
	case O:
		result = set(OF)
	case B:
		result = set(CF)
	case E:
		result = set(ZF)
	case BE:
		result = set(CF) || set(ZF)
	case S:
		result = set(SF)
	case P:
		result = set(PF)
	case L:
		result = set(SF) != set(OF)
	case LE:
		result = set(ZF) || set(SF) != set(OF)
	}

	if c&1 != 0 {
		result = !result
	}
	return
}

func (c Cond) String() string {
	if c < NumConds {
		return condStrings[c]
	}
	return "<invalid condition>"
}

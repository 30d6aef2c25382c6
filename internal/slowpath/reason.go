// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package slowpath

import (
	"fmt"
)

// Reason why an instruction takes the slow path.
type Reason int

const (
	None          = Reason(iota)
	Check         // Fast check was inconclusive at run time.
	UnsupportedOp // Instruction semantics are not modeled.
	Rep
	Segment // FS or GS relative access.
	MemSize
	MultipleMemDsts
	TooManyMemSrcs
	TooManyOperands
	IneligibleSource // Other memory source of a two-source load is ineligible.
	NoScratch        // No legal scratch register assignment.
	ScratchConflict  // Block-wide scratch register is an operand.
	Disabled         // Fastpath disabled for the block.

	NumReasons
)

func (r Reason) String() string {
	switch r {
	case None:
		return "none"

	case Check:
		return "inconclusive check"

	case UnsupportedOp:
		return "unsupported instruction"

	case Rep:
		return "repeated string instruction"

	case Segment:
		return "segment override"

	case MemSize:
		return "unsupported memory access size"

	case MultipleMemDsts:
		return "multiple memory destinations"

	case TooManyMemSrcs:
		return "too many memory sources"

	case TooManyOperands:
		return "too many operands"

	case IneligibleSource:
		return "ineligible memory source"

	case NoScratch:
		return "no scratch registers"

	case ScratchConflict:
		return "scratch register conflict"

	case Disabled:
		return "fastpath disabled"

	default:
		return fmt.Sprintf("unknown slow path reason %d", int(r))
	}
}

func (r Reason) Error() string {
	return "slow path: " + r.String()
}

// Copyright (c) 2018 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Errors
//
// Some errors returned by memcheck wrap an error implementing the
// errors.HostError interface:
//
//     interface {
//         error
//         HostError() bool
//     }
//
// Presence of the HostError method indicates that the host broke the
// instrumentation contract: it passed a malformed block, or a fault context
// which doesn't belong to an instrumented block.  The other errors wrap
// ErrInternal; the block must be discarded.
//
// Instructions which can't be handled by the fast path are not errors: they
// are instrumented with an unconditional slow path.

package memcheck

import (
	"golang.org/x/xerrors"

	"gate.computer/memcheck/internal/pan"
)

// ErrInternal is wrapped by errors caused by internal inconsistencies.
var ErrInternal = pan.ErrInternal

var (
	ErrEmptyBlock       = hostError("block has no application instructions")
	ErrMidBlockTransfer = hostError("control transfer before the end of the block")
	ErrUnknownPosition  = hostError("position is outside the instrumented block")
	ErrUnknownBlock     = hostError("block has not been instrumented")
	ErrProbeFault       = hostError("shadow probe with its own translation faulted")
)

type hostError string

func (s hostError) Error() string   { return string(s) }
func (s hostError) HostError() bool { return true }

func blockError(tag uint32, err error) error {
	return xerrors.Errorf("block %#x: %w", tag, err)
}

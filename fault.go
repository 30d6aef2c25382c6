// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memcheck

import (
	"gate.computer/memcheck/fault"
	"gate.computer/memcheck/internal/debug"
	"gate.computer/memcheck/internal/pan"
	"gate.computer/memcheck/internal/xlate"
)

// HandleFault is invoked when a memory access faults in instrumented code.
// Machine and TLS of the context must describe the interrupted thread.
//
// A fault at a shared shadow probe is redirected to the slow path of its
// instruction.  Otherwise the machine state is rewritten to the application
// state and the fault should be delivered; values which instrumentation
// clobbered while they were dead read as zero.
func (e *Engine) HandleFault(ctx *fault.Context) (fault.Action, error) {
	return e.handle(ctx, true)
}

// HandleException is the Windows variant of HandleFault, for any exception
// code.
func (e *Engine) HandleException(ctx *fault.Context, code uint32) (fault.Action, error) {
	return e.handle(ctx, fault.MemoryException(code))
}

func (e *Engine) handle(ctx *fault.Context, memory bool) (action fault.Action, err error) {
	if pan.DontPanic() {
		defer func() {
			if x := pan.Error(recover()); x != nil {
				action = fault.PassThrough
				err = blockError(ctx.Tag, x)
			}
		}()
	}

	return e.translateFault(ctx, memory)
}

func (e *Engine) translateFault(ctx *fault.Context, memory bool) (fault.Action, error) {
	e.mu.RLock()
	r := e.blocks[ctx.Tag]
	e.mu.RUnlock()

	if r == nil {
		return fault.PassThrough, nil
	}

	entry, found := r.walk.Map.Find(ctx.Pos)
	if !found || ctx.Pos >= r.walk.Len {
		return fault.PassThrough, blockError(ctx.Tag, ErrUnknownPosition)
	}

	ctx.AppPC = entry.AppPC
	ctx.ResumePos = -1

	if memory {
		switch entry.Kind {
		case xlate.KindShared:
			if entry.Redirect >= 0 {
				ctx.ResumePos = entry.Redirect

				if debug.Enabled {
					debug.Printf("block %#x: shared probe fault at %d redirected to %d", ctx.Tag, ctx.Pos, ctx.ResumePos)
				}
				return fault.Redirect, nil
			}

		case xlate.KindProbe:
			return fault.PassThrough, blockError(ctx.Tag, ErrProbeFault)
		}
	}

	// Instrumentation after the last application instruction.
	if entry.Kind == xlate.KindMeta && ctx.Pos > r.lastPos {
		ctx.AppPC = r.next
	}

	state := entry.State
	state.Restore(ctx.Machine, ctx.TLS)
	ctx.Machine.PC = ctx.AppPC

	if debug.Enabled {
		debug.Printf("block %#x: fault at %d restored %s at %#x", ctx.Tag, ctx.Pos, entry.State, ctx.AppPC)
	}
	return fault.Deliver, nil
}

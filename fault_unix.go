// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package memcheck

import (
	"golang.org/x/sys/unix"

	"gate.computer/memcheck/fault"
)

// HandleSignal is the Unix variant of HandleFault, for any signal.  Only
// SIGSEGV and SIGBUS can be redirected; other signals get the application
// state restored.
func (e *Engine) HandleSignal(ctx *fault.Context, sig unix.Signal) (fault.Action, error) {
	return e.handle(ctx, fault.MemorySignal(sig))
}

// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package fault

import (
	"golang.org/x/sys/unix"
)

// MemorySignal reports if the signal may be caused by a shadow memory access.
func MemorySignal(sig unix.Signal) bool {
	return sig == unix.SIGSEGV || sig == unix.SIGBUS
}

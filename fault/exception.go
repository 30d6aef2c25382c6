// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fault

// Windows exception codes.
const (
	ExceptionAccessViolation = 0xc0000005
	ExceptionGuardPage       = 0x80000001
	ExceptionInPageError     = 0xc0000006
)

// MemoryException reports if the exception code may be caused by a shadow
// memory access.
func MemoryException(code uint32) bool {
	switch code {
	case ExceptionAccessViolation, ExceptionGuardPage, ExceptionInPageError:
		return true
	}
	return false
}

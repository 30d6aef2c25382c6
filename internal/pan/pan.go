// Copyright (c) 2025 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pan is the panic zone for internal inconsistencies detected during
// instrumentation.
package pan

import (
	"errors"
	"fmt"

	"import.name/pan"
)

// ErrInternal is wrapped by every error recovered from the zone.  The block
// being processed must be discarded.
var ErrInternal = errors.New("internal instrumentation inconsistency")

type inconsistency struct {
	err error
}

func (e inconsistency) Error() string        { return "memcheck: " + e.err.Error() }
func (e inconsistency) Is(target error) bool { return target == ErrInternal }
func (e inconsistency) Unwrap() error        { return e.err }

// PanicMode configures public memcheck API behavior.  If this is set to a
// non-empty value during linking, API functions propagate internal panics
// instead of returning errors:
//
//	go build -ldflags="-X gate.computer/memcheck/internal/pan.PanicMode=1"
var PanicMode string

// DontPanic reports if API functions should recover the zone's panics.
func DontPanic() bool {
	return PanicMode == ""
}

var z = new(pan.Zone)

var Check = z.Check
var Panic = z.Panic

// Panicf panics with a formatted inconsistency.
func Panicf(format string, args ...any) {
	z.Panic(fmt.Errorf(format, args...))
}

// Error converts a recovered zone panic into an error.  Foreign panics are
// propagated.
func Error(x any) error {
	err := z.Error(x)
	if err == nil {
		return nil
	}
	return inconsistency{err}
}

// Copyright (c) 2019 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package errors exports common error types without unnecessary dependencies.
package errors

import (
	"golang.org/x/xerrors"
)

// HostError indicates that the host broke the instrumentation contract.  It
// may wrap an underlying error.
type HostError interface {
	error
	HostError() bool
}

// AsHostError finds the first HostError in the chain.
func AsHostError(err error) HostError {
	var h HostError
	if xerrors.As(err, &h) && h.HostError() {
		return h
	}
	return nil
}

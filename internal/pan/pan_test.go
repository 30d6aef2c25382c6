// Copyright (c) 2025 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pan

import (
	"errors"
	"testing"
)

func recoverCheck(err error) (result error) {
	defer func() { result = Error(recover()) }()
	Check(err)
	return nil
}

func TestDontPanicByDefault(t *testing.T) {
	if PanicMode != "" {
		t.Skip("linked with PanicMode")
	}
	if !DontPanic() {
		t.Error("internal panics propagate without PanicMode")
	}
}

func TestCheck(t *testing.T) {
	if err := recoverCheck(nil); err != nil {
		t.Errorf("nil error: %v", err)
	}

	cause := errors.New("displaced register")

	err := recoverCheck(cause)
	if !errors.Is(err, ErrInternal) {
		t.Errorf("not internal: %v", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("cause lost: %v", err)
	}
}

func TestPanicf(t *testing.T) {
	err := func() (err error) {
		defer func() { err = Error(recover()) }()
		Panicf("block %#x", 0x1000)
		return nil
	}()

	if err == nil || err.Error() != "memcheck: block 0x1000" {
		t.Errorf("error: %v", err)
	}
}

// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package x86_test

import (
	"testing"

	"gate.computer/memcheck"
	"gate.computer/memcheck/x86"
	"github.com/stretchr/testify/require"
)

func FuzzInstrument(f *testing.F) {
	f.Add([]byte{0x8b, 0x46, 0x04, 0x89, 0x43, 0x08, 0xc3})
	f.Add([]byte{0x50, 0x6a, 0x05, 0x5b, 0x0f, 0xb6, 0x06, 0x74, 0x10})
	f.Add([]byte{0x83, 0xc0, 0x01, 0x0f, 0x94, 0xc0, 0x0f, 0x4c, 0x03, 0xff, 0xe0})
	f.Add([]byte{0xf3, 0xa5, 0x64, 0x8b, 0x03, 0xd3, 0xe0, 0x0f, 0xa2, 0xe8, 0, 0, 0, 0})

	e, err := memcheck.NewEngine(memcheck.DefaultConfig())
	require.NoError(f, err)

	f.Fuzz(func(t *testing.T, code []byte) {
		l, _, err := x86.Decode(code, 0x08048000)
		if err != nil {
			return
		}

		n := l.Len()

		res, err := e.InstrumentBlock(0x08048000, l, memcheck.BlockOptions{})
		require.NoError(t, err)
		require.LessOrEqual(t, res.Stats.Fast+res.Stats.Slow, n)
		require.GreaterOrEqual(t, res.Len(), n)
	})
}

// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package shadow describes the shadow memory encoding and the thread-local
// slot map which instrumentation relies on.  The shadow store itself is
// provided by the host.
package shadow

import (
	"fmt"
)

// Per-byte states, two bits each.
const (
	ByteDefined       = 0
	ByteUnaddressable = 1
	ByteBitlevel      = 2
	ByteUndefined     = 3
)

// Whole-unit shadow values.
const (
	UnitDefined       = 0x00
	UnitUndefined     = 0xff
	UnitUnaddressable = 0x55
	UnitBitlevel      = 0xaa
)

const (
	UnitSize  = 4 // Application bytes per shadow byte.
	UnitShift = 2
	UnitMask  = UnitSize - 1
)

// Mask selects the shadow bits of size bytes starting at offset within a
// unit or a register.
func Mask(offset, size int) uint8 {
	if offset < 0 || size <= 0 || offset+size > UnitSize {
		panic(fmt.Errorf("shadow mask out of range: offset %d size %d", offset, size))
	}
	m := uint32(1)<<(uint(size)*2) - 1
	return uint8(m << (uint(offset) * 2))
}

// Uniform reports if all bytes of the unit are either defined or undefined.
func Uniform(unit uint8) bool {
	return unit == UnitDefined || unit == UnitUndefined
}

// Layout of the two-level shadow table.
type Layout struct {
	ChunkShift uint `yaml:"chunk_shift"` // Application bytes per table entry, log2.
}

func DefaultLayout() Layout {
	return Layout{ChunkShift: 16}
}

func (l Layout) Chunk(addr uint32) uint32 {
	return addr >> l.ChunkShift
}

func (l Layout) ChunkMask() uint32 {
	return 1<<l.ChunkShift - 1
}

// Offset of the shadow byte within the chunk's shadow block.
func (l Layout) Offset(addr uint32) uint32 {
	return (addr & l.ChunkMask()) >> UnitShift
}

// BlockSize is the number of shadow bytes per chunk.
func (l Layout) BlockSize() uint32 {
	return 1 << (l.ChunkShift - UnitShift)
}

func (l Layout) Validate() error {
	if l.ChunkShift < 12 || l.ChunkShift > 24 {
		return fmt.Errorf("shadow chunk shift %d out of range", l.ChunkShift)
	}
	return nil
}

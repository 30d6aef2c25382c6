// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package emu

import (
	"sort"

	"gate.computer/memcheck/shadow"
)

const shadowBase = 0x80000000

// Shadow is a sparse two-level shadow store.  Blocks are allocated on first
// use and separated by unmapped gaps of one block, so a shadow address
// derived across a chunk boundary faults.
type Shadow struct {
	Layout  shadow.Layout
	Default byte // Unit value of fresh blocks.

	bases  map[uint32]uint32 // Chunk to block base.
	blocks map[uint32][]byte // Block base to contents.
	sorted []uint32
}

func NewShadow(l shadow.Layout, fill byte) *Shadow {
	return &Shadow{
		Layout:  l,
		Default: fill,
		bases:   make(map[uint32]uint32),
		blocks:  make(map[uint32][]byte),
	}
}

// Base is the table entry of a chunk.
func (sh *Shadow) Base(chunk uint32) uint32 {
	if base, found := sh.bases[chunk]; found {
		return base
	}

	size := sh.Layout.BlockSize()
	base := shadowBase + uint32(len(sh.bases))*size*2

	block := make([]byte, size)
	for i := range block {
		block[i] = sh.Default
	}

	sh.bases[chunk] = base
	sh.blocks[base] = block
	sh.sorted = append(sh.sorted, base)
	sort.Slice(sh.sorted, func(i, j int) bool { return sh.sorted[i] < sh.sorted[j] })
	return base
}

// Addr translates an application address to its shadow byte address.
func (sh *Shadow) Addr(addr uint32) uint32 {
	return sh.Base(sh.Layout.Chunk(addr)) + sh.Layout.Offset(addr)
}

func (sh *Shadow) byteAt(shadowAddr uint32) *byte {
	i := sort.Search(len(sh.sorted), func(i int) bool { return sh.sorted[i] > shadowAddr })
	if i == 0 {
		return nil
	}
	base := sh.sorted[i-1]
	block := sh.blocks[base]
	if off := shadowAddr - base; off < uint32(len(block)) {
		return &block[off]
	}
	return nil
}

// Load a shadow byte by its shadow address.
func (sh *Shadow) Load(shadowAddr uint32) (value byte, ok bool) {
	if p := sh.byteAt(shadowAddr); p != nil {
		return *p, true
	}
	return
}

func (sh *Shadow) Store(shadowAddr uint32, value byte) (ok bool) {
	if p := sh.byteAt(shadowAddr); p != nil {
		*p = value
		return true
	}
	return false
}

// Unit value of the aligned unit containing an application address.
func (sh *Shadow) Unit(addr uint32) byte {
	v, _ := sh.Load(sh.Addr(addr))
	return v
}

// SetUnits of the application address range.
func (sh *Shadow) SetUnits(addr, size uint32, unit byte) {
	for a := addr &^ shadow.UnitMask; a < addr+size; a += shadow.UnitSize {
		sh.Store(sh.Addr(a), unit)
	}
}

// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package memcheck instruments IA-32 basic blocks with inline shadow memory
checks.

The host walks each block and invokes the lifecycle hooks at the
corresponding points:

	Begin       top of block: liveness and block-wide preservation
	Instrument  before each application instruction: the fast path
	PreApp      immediately before the application instruction itself
	End         bottom of block: restores, slow-path stubs and layout

InstrumentBlock does the whole walk.  Instrumentation of a block is
sequential, but an Engine may be used by multiple goroutines for different
blocks.

Shadow memory

Every aligned 4-byte unit of application memory has a shadow byte with two
bits per application byte (see package shadow).  The shadow table, the slow
path runtime and error reporting are provided by the host.

Faults

Instrumented code keeps application values in spill slots and in scratch
registers.  When a fault or a signal interrupts it, HandleFault (and its
signal and exception variants) rewrites the machine state to what the
application would observe, or redirects a faulting shared shadow probe to its
slow path.
*/
package memcheck

import (
	"sync"

	"golang.org/x/sys/cpu"
	"golang.org/x/xerrors"

	"gate.computer/memcheck/insn"
	"gate.computer/memcheck/internal/bb"
	"gate.computer/memcheck/internal/fastpath"
	"gate.computer/memcheck/internal/slowpath"
	"gate.computer/memcheck/internal/xl8"
	"gate.computer/memcheck/shadow"
)

// Config is fixed before any block is instrumented.
type Config struct {
	WholeBlockSpills      bool          `yaml:"whole_block_spills"`
	WholeBlockMinInstrs   int           `yaml:"whole_block_min_instrs"` // Memory accesses needed for block-wide spilling.
	CheckDefinedness      bool          `yaml:"check_definedness"`      // False means addressability only.
	ShareTranslation      bool          `yaml:"share_translation"`
	ElideChecks           bool          `yaml:"elide_checks"`
	JumpOptimizedSlowpath bool          `yaml:"jump_optimized_slowpath"`
	ShortReach            int           `yaml:"short_reach"` // Bytes.
	FlagFreeTranslation   bool          `yaml:"flag_free_translation"`
	MaxSharedDelta        int32         `yaml:"max_shared_delta"`
	Layout                shadow.Layout `yaml:"layout"`
}

func DefaultConfig() Config {
	return Config{
		WholeBlockSpills:      true,
		WholeBlockMinInstrs:   2,
		CheckDefinedness:      true,
		ShareTranslation:      true,
		ElideChecks:           true,
		JumpOptimizedSlowpath: true,
		ShortReach:            127,
		FlagFreeTranslation:   cpu.X86.HasBMI2,
		MaxSharedDelta:        4096,
		Layout:                shadow.DefaultLayout(),
	}
}

func (cfg *Config) Validate() error {
	if err := cfg.Layout.Validate(); err != nil {
		return xerrors.Errorf("memcheck config: %w", err)
	}
	if cfg.ShortReach < 0 || cfg.ShortReach > 127 {
		return xerrors.Errorf("memcheck config: short reach %d out of range", cfg.ShortReach)
	}
	if cfg.MaxSharedDelta < 0 {
		return xerrors.Errorf("memcheck config: negative max shared delta %d", cfg.MaxSharedDelta)
	}
	if cfg.WholeBlockMinInstrs < 1 && cfg.WholeBlockSpills {
		return xerrors.Errorf("memcheck config: whole block min instrs %d", cfg.WholeBlockMinInstrs)
	}
	return nil
}

func (cfg *Config) fastpath() fastpath.Config {
	return fastpath.Config{
		CheckDefinedness:    cfg.CheckDefinedness,
		ShareTranslation:    cfg.ShareTranslation,
		ElideChecks:         cfg.ElideChecks,
		FlagFreeTranslation: cfg.FlagFreeTranslation,
		MaxSharedDelta:      cfg.MaxSharedDelta,
		Layout:              cfg.Layout,
	}
}

func (cfg *Config) bb() bb.Config {
	return bb.Config{
		WholeBlockSpills: cfg.WholeBlockSpills,
		MinInstrs:        cfg.WholeBlockMinInstrs,
	}
}

func (cfg *Config) slowpath(translating bool) slowpath.Config {
	return slowpath.Config{
		ShortReach:    cfg.ShortReach,
		JumpOptimized: cfg.JumpOptimizedSlowpath,
		Translating:   translating,
	}
}

// Engine holds the state shared by the blocks of one process: saved block
// info for the fault hook, shared slow-path routines and the translation
// sharing table.
type Engine struct {
	cfg      Config
	routines *slowpath.Routines
	sharing  xl8.Table

	mu     sync.RWMutex
	blocks map[uint32]*record
}

func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Engine{
		cfg:      cfg,
		routines: slowpath.NewRoutines(),
		blocks:   make(map[uint32]*record),
	}, nil
}

func (e *Engine) Config() Config {
	return e.cfg
}

// NumRoutines is the number of shared slow-path routines created so far.
func (e *Engine) NumRoutines() int {
	return e.routines.Len()
}

// Routine returns the body of a shared slow-path routine for the host to
// emit once.  Compact stubs jump to it with insn.KindRoutine operands.
func (e *Engine) Routine(id int) []*insn.Insn {
	return e.routines.Body(id)
}

// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package emu interprets instrumented blocks for tests.  Instrumentation is
// executed; application instructions are not, but every register and flag
// they observe is compared with the application state.
package emu

import (
	"golang.org/x/xerrors"

	"gate.computer/memcheck/fault"
	"gate.computer/memcheck/insn"
	"gate.computer/memcheck/shadow"
)

// SlowPath is invoked for slow calls.  Aux is the slow call's auxiliary
// value, or the routine id for shared routines.
type SlowPath func(m *Machine, pc uint32, aux interface{})

type Machine struct {
	Regs   [insn.NumRegs]uint32
	Eflags uint32
	TLS    [shadow.NumSlots]uint32
	Shadow *Shadow

	// Application-visible state.
	AppRegs   [insn.NumRegs]uint32
	AppEflags uint32

	SlowPath  SlowPath
	SlowCalls []uint32 // Application addresses.

	MaxSteps int
}

func New(regs [insn.NumRegs]uint32, eflags uint32, sh *Shadow) *Machine {
	return &Machine{
		Regs:      regs,
		Eflags:    eflags,
		Shadow:    sh,
		AppRegs:   regs,
		AppEflags: eflags,
		MaxSteps:  100000,
	}
}

type Outcome byte

const (
	Exited  = Outcome(iota) // Left the block with the application state in place.
	Faulted                 // Shadow memory access outside the store.
	Stopped                 // Reached the stop instruction.
)

type Result struct {
	Outcome Outcome
	At      insn.Handle // Exit, faulting or stop instruction.
	PC      uint32      // Exit target, or AppPC of the instruction.
}

// Fault returns the interrupted machine state.
func (m *Machine) Fault(pc uint32) *fault.Machine {
	return &fault.Machine{Regs: m.Regs, Eflags: m.Eflags, PC: pc}
}

func (m *Machine) Slots() fault.Slots {
	return append(fault.Slots(nil), m.TLS[:]...)
}

func (m *Machine) reg(o insn.Opnd) uint32 {
	v := m.Regs[o.Reg.Index()]
	if o.High {
		return (v >> 8) & 0xff
	}
	return v & sizeMask(o.Size)
}

func (m *Machine) setReg(o insn.Opnd, value uint32) {
	p := &m.Regs[o.Reg.Index()]
	switch {
	case o.High:
		*p = *p&^0xff00 | (value&0xff)<<8

	case o.Size >= 4:
		*p = value

	default:
		mask := sizeMask(o.Size)
		*p = *p&^mask | value&mask
	}
}

type faultError struct{}

func (faultError) Error() string { return "shadow memory fault" }

func (m *Machine) load(o insn.Opnd) (uint32, error) {
	switch o.Kind {
	case insn.KindReg:
		return m.reg(o), nil

	case insn.KindImm:
		return uint32(o.Imm) & sizeMask(o.Size), nil

	case insn.KindTarget, insn.KindPC:
		return uint32(o.Imm), nil

	case insn.KindTLS:
		return m.TLS[o.Slot()] & sizeMask(o.Size), nil

	case insn.KindTable:
		return m.Shadow.Base(m.Regs[o.Reg.Index()]), nil

	case insn.KindMem:
		addr := o.Addr(&m.Regs)
		var v uint32
		for i := uint32(0); i < uint32(o.Size); i++ {
			b, ok := m.Shadow.Load(addr + i)
			if !ok {
				return 0, faultError{}
			}
			v |= uint32(b) << (i * 8)
		}
		return v, nil
	}
	return 0, xerrors.Errorf("unsupported source operand %s", o)
}

func (m *Machine) store(o insn.Opnd, value uint32) error {
	switch o.Kind {
	case insn.KindReg:
		m.setReg(o, value)
		return nil

	case insn.KindTLS:
		p := &m.TLS[o.Slot()]
		mask := sizeMask(o.Size)
		*p = *p&^mask | value&mask
		return nil

	case insn.KindMem:
		addr := o.Addr(&m.Regs)
		for i := uint32(0); i < uint32(o.Size); i++ {
			if !m.Shadow.Store(addr+i, byte(value>>(i*8))) {
				return faultError{}
			}
		}
		return nil
	}
	return xerrors.Errorf("unsupported destination operand %s", o)
}

// observe checks what an application instruction would read, and applies
// its register and flags writes as the application values.
func (m *Machine) observe(i *insn.Insn) error {
	reads := i.ReadRegs()
	if i.Op == insn.OpOther {
		reads = insn.AllRegs
	}
	for _, r := range reads.Regs() {
		if m.Regs[r.Index()] != m.AppRegs[r.Index()] {
			return xerrors.Errorf("%#x %s reads %s = %#x, application value is %#x", i.AppPC, i.Mnemonic(), r, m.Regs[r.Index()], m.AppRegs[r.Index()])
		}
	}

	arith := uint32(insn.ArithFlags)
	if i.FlagsRead != 0 || i.Op == insn.OpOther {
		read := uint32(i.FlagsRead)
		if i.Op == insn.OpOther {
			read = arith
		}
		if m.Eflags&read != m.AppEflags&read {
			return xerrors.Errorf("%#x %s reads flags %#x, application flags are %#x", i.AppPC, i.Mnemonic(), m.Eflags&read, m.AppEflags&read)
		}
	}

	for _, r := range i.WrittenRegs().Regs() {
		m.Regs[r.Index()] = m.AppRegs[r.Index()]
	}
	if w := uint32(i.FlagsWritten); w != 0 {
		m.Eflags = m.Eflags&^w | m.AppEflags&w
	}
	return nil
}

func (m *Machine) inPlace(what string) error {
	for i, v := range m.Regs {
		if v != m.AppRegs[i] {
			return xerrors.Errorf("%s with %s = %#x, application value is %#x", what, insn.RegFromIndex(i), v, m.AppRegs[i])
		}
	}
	arith := uint32(insn.ArithFlags)
	if m.Eflags&arith != m.AppEflags&arith {
		return xerrors.Errorf("%s with flags %#x, application flags are %#x", what, m.Eflags&arith, m.AppEflags&arith)
	}
	return nil
}

func (m *Machine) slowCall(pc uint32, aux interface{}) {
	m.SlowCalls = append(m.SlowCalls, pc)
	if m.SlowPath != nil {
		m.SlowPath(m, pc, aux)
	}
}

// Run the list from the start instruction until the block is left.
// Execution stops before the stop instruction, if it is reached.
func (m *Machine) Run(l *insn.List, start, stop insn.Handle) (res Result, err error) {
	h := start
	steps := 0

	for h != insn.NoHandle {
		if steps++; steps > m.MaxSteps {
			err = xerrors.New("step limit exceeded")
			return
		}

		i := l.Insn(h)
		res.At = h
		res.PC = i.AppPC

		if h == stop {
			res.Outcome = Stopped
			return
		}

		if !i.Meta {
			if err = m.observe(i); err != nil {
				return
			}
			if i.Op.CTI() {
				err = m.inPlace(i.Mnemonic())
				res.Outcome = Exited
				return
			}
			h = l.Next(h)
			continue
		}

		next, exit, e := m.step(i)
		switch {
		case e == nil:

		case xerrors.Is(e, faultError{}):
			res.Outcome = Faulted
			return

		default:
			err = xerrors.Errorf("%s: %w", i, e)
			return
		}

		if exit {
			res.Outcome = Exited
			res.PC = i.Src(0).PC()
			err = m.inPlace("exit")
			return
		}

		if next != insn.NoHandle {
			h = next
		} else {
			h = l.Next(h)
		}
	}

	res.At = insn.NoHandle
	res.Outcome = Exited
	err = m.inPlace("fall-through")
	return
}

// step executes a meta instruction.  next is set for taken branches.
func (m *Machine) step(i *insn.Insn) (next insn.Handle, exit bool, err error) {
	next = insn.NoHandle

	switch i.Op {
	case insn.OpLabel, insn.OpAppClone:

	case insn.OpSlowCall:
		m.slowCall(i.AppPC, i.Aux)

	case insn.OpMov, insn.OpMovzx:
		var v uint32
		if v, err = m.load(i.Src(0)); err == nil {
			err = m.store(i.Dst(0), v)
		}

	case insn.OpLea:
		m.Regs[i.Dst(0).Reg.Index()] = i.Src(0).Addr(&m.Regs)

	case insn.OpXchg:
		a, b := i.Dst(0).Reg.Index(), i.Dst(1).Reg.Index()
		m.Regs[a], m.Regs[b] = m.Regs[b], m.Regs[a]

	case insn.OpAdd, insn.OpSub, insn.OpCmp, insn.OpAnd, insn.OpTest, insn.OpOr, insn.OpXor, insn.OpShr, insn.OpShl:
		a, b := i.Src(0), i.Src(1)
		var x, y uint32
		if x, err = m.load(a); err != nil {
			return
		}
		if y, err = m.load(b); err != nil {
			return
		}
		res, flags, write := alu(i.Op, x, y, a.Size, m.Eflags)
		if write {
			if err = m.store(i.Dst(0), res); err != nil {
				return
			}
		}
		m.Eflags = flags

	case insn.OpShrx, insn.OpShlx:
		v := m.Regs[i.Src(0).Reg.Index()]
		n := m.Regs[i.Src(1).Reg.Index()] & 31
		if i.Op == insn.OpShrx {
			v >>= n
		} else {
			v <<= n
		}
		m.Regs[i.Dst(0).Reg.Index()] = v

	case insn.OpLahf:
		ah := m.Eflags&uint32(insn.AhFlags) | 2
		m.setReg(insn.Reg8High(insn.EAX), ah)

	case insn.OpSahf:
		ah := m.reg(insn.Reg8High(insn.EAX))
		m.Eflags = m.Eflags&^uint32(insn.AhFlags) | ah&uint32(insn.AhFlags)

	case insn.OpSetcc:
		var v uint32
		if i.Cond.Eval(insn.Flags(m.Eflags)) {
			v = 1
		}
		err = m.store(i.Dst(0), v)

	case insn.OpJcc:
		if i.Cond.Eval(insn.Flags(m.Eflags)) {
			next = i.Src(0).Target()
		}

	case insn.OpJecxz:
		if m.Regs[insn.ECX.Index()] == 0 {
			next = i.Src(1).Target()
		}

	case insn.OpJmp:
		switch t := i.Src(0); t.Kind {
		case insn.KindTarget:
			next = t.Target()

		case insn.KindPC:
			exit = true

		case insn.KindRoutine:
			m.slowCall(i.AppPC, t.Routine())
			next = insn.Handle(m.TLS[shadow.SlotRetAddr])

		default:
			err = xerrors.Errorf("unsupported jump target %s", t)
		}

	default:
		err = xerrors.Errorf("unsupported instrumentation op %s", i.Op)
	}
	return
}

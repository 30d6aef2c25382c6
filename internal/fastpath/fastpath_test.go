// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fastpath

import (
	"testing"

	"github.com/stretchr/testify/require"

	"gate.computer/memcheck/insn"
	"gate.computer/memcheck/internal/bb"
	"gate.computer/memcheck/internal/slowpath"
	"gate.computer/memcheck/internal/test/emu"
	"gate.computer/memcheck/internal/xl8"
	"gate.computer/memcheck/internal/xlate"
	"gate.computer/memcheck/shadow"
)

var (
	eax = insn.RegOp(insn.EAX)
	ecx = insn.RegOp(insn.ECX)
	edx = insn.RegOp(insn.EDX)
	ebx = insn.RegOp(insn.EBX)
	esp = insn.RegOp(insn.ESP)
)

const (
	ebxValue = 0x10000
	esiValue = 0x20000
	appFlags = 0x2 | uint32(insn.CF|insn.ZF|insn.OF)
)

func defaultConfig() Config {
	return Config{
		CheckDefinedness: true,
		ShareTranslation: true,
		ElideChecks:      true,
		MaxSharedDelta:   4096,
		Layout:           shadow.DefaultLayout(),
	}
}

type block struct {
	list *insn.List
	bi   *bb.Info
	fis  []*Info
	res  *xlate.Result
}

func instrument(t *testing.T, cfg Config, bbcfg bb.Config, insns ...*insn.Insn) *block {
	t.Helper()

	l := insn.NewList()
	pc := uint32(0x1000)
	for _, i := range insns {
		i.AppPC = pc
		if i.Len == 0 {
			i.Len = 3
		}
		pc += uint32(i.Len)
		l.Append(i)
	}

	bi := bb.New(l, bbcfg)
	b := &Block{
		Cfg:   cfg,
		BB:    bi,
		Slow:  slowpath.NewDispatcher(l, slowpath.Config{ShortReach: 127}, slowpath.NewRoutines()),
		Table: new(xl8.Table),
	}

	var fis []*Info
	for _, h := range bi.Apps {
		fi := b.Classify(h)
		b.Instrument(fi, false)
		bi.PreApp(h)
		b.After(fi)
		fis = append(fis, fi)
	}
	bi.Bottom(b.Slow.Tail())

	return &block{
		list: l,
		bi:   bi,
		fis:  fis,
		res:  b.Slow.Finish(),
	}
}

func machine(sh *emu.Shadow) *emu.Machine {
	var regs [insn.NumRegs]uint32
	for i := range regs {
		regs[i] = 0x1111 * uint32(i+1)
	}
	regs[insn.EBX.Index()] = ebxValue
	regs[insn.ESI.Index()] = esiValue
	regs[insn.ESP.Index()] = 0x7ff0
	return emu.New(regs, appFlags, sh)
}

func run(t *testing.T, b *block, m *emu.Machine) {
	t.Helper()

	res, err := m.Run(b.list, b.list.First(), insn.NoHandle)
	require.NoError(t, err, b.list.String())
	require.Equal(t, emu.Exited, res.Outcome)
}

func count(l *insn.List, pred func(*insn.Insn) bool) (n int) {
	for _, h := range l.Handles() {
		if pred(l.Insn(h)) {
			n++
		}
	}
	return
}

func movLoad(dst insn.Opnd, m insn.Opnd) *insn.Insn {
	return &insn.Insn{Op: insn.OpMov, Dsts: []insn.Opnd{dst}, Srcs: []insn.Opnd{m}}
}

func movStore(m insn.Opnd, src insn.Opnd) *insn.Insn {
	return &insn.Insn{Op: insn.OpMov, Dsts: []insn.Opnd{m}, Srcs: []insn.Opnd{src}}
}

func addRegs(dst, src insn.Opnd) *insn.Insn {
	return &insn.Insn{
		Op:           insn.OpAdd,
		Dsts:         []insn.Opnd{dst},
		Srcs:         []insn.Opnd{dst, src},
		FlagsWritten: insn.ArithFlags,
	}
}

func TestLoadPropagation(t *testing.T) {
	for _, unit := range []byte{shadow.UnitDefined, shadow.UnitUndefined} {
		b := instrument(t, defaultConfig(), bb.Config{}, movLoad(eax, insn.BaseDisp(insn.EBX, 4, 4)))
		require.Equal(t, PatternLoadProp, b.fis[0].Pattern)

		sh := emu.NewShadow(shadow.DefaultLayout(), shadow.UnitUnaddressable)
		sh.SetUnits(ebxValue+4, 4, unit)

		m := machine(sh)
		m.TLS[shadow.RegShadow(insn.EAX)] = shadow.UnitBitlevel
		run(t, b, m)

		require.Empty(t, m.SlowCalls)
		require.Equal(t, uint32(unit), m.TLS[shadow.RegShadow(insn.EAX)])
	}
}

func TestLoadUnaddressable(t *testing.T) {
	b := instrument(t, defaultConfig(), bb.Config{}, movLoad(eax, insn.BaseDisp(insn.EBX, 4, 4)))

	sh := emu.NewShadow(shadow.DefaultLayout(), shadow.UnitUnaddressable)
	m := machine(sh)
	m.TLS[shadow.RegShadow(insn.EAX)] = shadow.UnitBitlevel
	run(t, b, m)

	require.Len(t, m.SlowCalls, 1)
	require.Equal(t, uint32(shadow.UnitBitlevel), m.TLS[shadow.RegShadow(insn.EAX)])
}

func TestMisalignedLoad(t *testing.T) {
	b := instrument(t, defaultConfig(), bb.Config{}, movLoad(eax, insn.BaseDisp(insn.EBX, 2, 4)))

	sh := emu.NewShadow(shadow.DefaultLayout(), shadow.UnitDefined)
	m := machine(sh)
	run(t, b, m)

	require.Len(t, m.SlowCalls, 1)
}

func TestUndefinedAddressRegister(t *testing.T) {
	b := instrument(t, defaultConfig(), bb.Config{}, movLoad(eax, insn.BaseDisp(insn.EBX, 0, 4)))
	require.Equal(t, insn.RegSetOf(insn.EBX), b.fis[0].CheckRegs)

	sh := emu.NewShadow(shadow.DefaultLayout(), shadow.UnitDefined)
	m := machine(sh)
	m.TLS[shadow.RegShadow(insn.EBX)] = shadow.UnitUndefined
	run(t, b, m)

	require.Len(t, m.SlowCalls, 1)
}

func TestStorePropagation(t *testing.T) {
	b := instrument(t, defaultConfig(), bb.Config{}, movStore(insn.BaseDisp(insn.EBX, 8, 4), eax))
	require.Equal(t, PatternStore, b.fis[0].Pattern)
	require.True(t, b.fis[0].FlagsSaved)

	sh := emu.NewShadow(shadow.DefaultLayout(), shadow.UnitUnaddressable)
	sh.SetUnits(ebxValue+8, 4, shadow.UnitDefined)

	m := machine(sh)
	m.TLS[shadow.RegShadow(insn.EAX)] = shadow.UnitUndefined
	run(t, b, m)

	require.Empty(t, m.SlowCalls)
	require.Equal(t, byte(shadow.UnitUndefined), sh.Unit(ebxValue+8))
}

func TestPushImmediateDefines(t *testing.T) {
	push := &insn.Insn{
		Op:   insn.OpPush,
		Srcs: []insn.Opnd{insn.ImmOp(5, 4), esp},
		Dsts: []insn.Opnd{insn.BaseDisp(insn.ESP, -4, 4), esp},
	}
	b := instrument(t, defaultConfig(), bb.Config{}, push)
	require.Equal(t, PatternStore, b.fis[0].Pattern)

	sh := emu.NewShadow(shadow.DefaultLayout(), shadow.UnitUnaddressable)
	sh.SetUnits(0x7ff0-4, 4, shadow.UnitUndefined)

	m := machine(sh)
	run(t, b, m)

	require.Empty(t, m.SlowCalls)
	require.Equal(t, byte(shadow.UnitDefined), sh.Unit(0x7ff0-4))
}

func TestRegisterOnly(t *testing.T) {
	for _, undefined := range []bool{false, true} {
		b := instrument(t, defaultConfig(), bb.Config{}, addRegs(eax, ebx))
		fi := b.fis[0]
		require.Equal(t, PatternCheck, fi.Pattern)
		require.Equal(t, insn.RegSetOf(insn.EAX, insn.EBX), fi.CheckRegs)
		require.False(t, fi.FlagsSaved)

		m := machine(emu.NewShadow(shadow.DefaultLayout(), shadow.UnitDefined))
		m.TLS[shadow.RegShadow(insn.EAX)] = shadow.UnitDefined
		m.TLS[shadow.FlagsShadow] = shadow.UnitUndefined
		if undefined {
			m.TLS[shadow.RegShadow(insn.EBX)] = shadow.UnitUndefined
		}
		run(t, b, m)

		if undefined {
			require.Len(t, m.SlowCalls, 1)
		} else {
			require.Empty(t, m.SlowCalls)
			require.Equal(t, uint32(shadow.UnitDefined), m.TLS[shadow.FlagsShadow])
		}
	}
}

func TestFlagsReaderSavesFlags(t *testing.T) {
	setcc := &insn.Insn{
		Op:        insn.OpSetcc,
		Cond:      insn.B,
		Dsts:      []insn.Opnd{insn.Reg8(insn.EAX)},
		FlagsRead: insn.CF,
	}
	b := instrument(t, defaultConfig(), bb.Config{}, setcc)
	fi := b.fis[0]
	require.True(t, fi.CheckFlags)
	require.True(t, fi.FlagsSaved)

	m := machine(emu.NewShadow(shadow.DefaultLayout(), shadow.UnitDefined))
	run(t, b, m)
	require.Empty(t, m.SlowCalls)
}

func TestElision(t *testing.T) {
	b := instrument(t, defaultConfig(), bb.Config{},
		addRegs(eax, ebx),
		addRegs(eax, ebx),
		movStore(insn.BaseDisp(insn.EBX, 8, 4), eax),
		movStore(insn.BaseDisp(insn.EBX, 8, 4), ecx),
	)

	require.Equal(t, PatternCheck, b.fis[0].Pattern)
	require.Equal(t, PatternNone, b.fis[1].Pattern)
	require.False(t, b.fis[2].ElideCheck)
	require.True(t, b.fis[3].ElideCheck)

	uniformChecks := count(b.list, func(i *insn.Insn) bool {
		return i.Meta && i.Op == insn.OpCmp && i.Src(1) == insn.ImmOp(shadow.UnitUndefined, 4)
	})
	require.Equal(t, 1, uniformChecks)

	sh := emu.NewShadow(shadow.DefaultLayout(), shadow.UnitUnaddressable)
	sh.SetUnits(ebxValue+8, 4, shadow.UnitDefined)

	m := machine(sh)
	m.TLS[shadow.RegShadow(insn.ECX)] = shadow.UnitUndefined
	run(t, b, m)

	require.Empty(t, m.SlowCalls)
	require.Equal(t, byte(shadow.UnitUndefined), sh.Unit(ebxValue+8))
}

func TestElisionAfterFailedCheck(t *testing.T) {
	for _, c := range []struct {
		disp int32
		fill byte
	}{
		{8, shadow.UnitUnaddressable},
		{1, shadow.UnitDefined}, // Misaligned.
	} {
		b := instrument(t, defaultConfig(), bb.Config{},
			movStore(insn.BaseDisp(insn.EBX, c.disp, 4), eax),
			movStore(insn.BaseDisp(insn.EBX, c.disp, 4), ecx),
		)
		require.False(t, b.fis[0].ElideCheck)
		require.True(t, b.fis[1].ElideCheck)
		require.True(t, b.fis[0].Site.Unproves)

		sh := emu.NewShadow(shadow.DefaultLayout(), c.fill)

		m := machine(sh)
		m.TLS[shadow.RegShadow(insn.ECX)] = shadow.UnitUndefined
		run(t, b, m)

		require.Equal(t, []uint32{0x1000, 0x1003}, m.SlowCalls, "disp %d", c.disp)
		require.Equal(t, c.fill, sh.Unit(ebxValue))
		require.Equal(t, c.fill, sh.Unit(ebxValue+4))
		require.Equal(t, c.fill, sh.Unit(ebxValue+8))
	}
}

func TestElisionProofReset(t *testing.T) {
	b := instrument(t, defaultConfig(), bb.Config{},
		movStore(insn.BaseDisp(insn.EBX, 8, 4), eax),
		movStore(insn.BaseDisp(insn.EBX, 8, 4), ecx),
	)

	sh := emu.NewShadow(shadow.DefaultLayout(), shadow.UnitUnaddressable)
	sh.SetUnits(ebxValue+8, 4, shadow.UnitDefined)

	m := machine(sh)
	m.TLS[shadow.RegShadow(insn.ECX)] = shadow.UnitUndefined
	m.TLS[shadow.SlotUnproven] = 1 // Left over from an earlier execution.
	run(t, b, m)

	require.Empty(t, m.SlowCalls)
	require.Zero(t, m.TLS[shadow.SlotUnproven])
	require.Equal(t, byte(shadow.UnitUndefined), sh.Unit(ebxValue+8))
}

func TestSharedTranslation(t *testing.T) {
	b := instrument(t, defaultConfig(), bb.Config{WholeBlockSpills: true, MinInstrs: 2},
		movLoad(eax, insn.BaseDisp(insn.ESI, 0, 4)),
		movLoad(edx, insn.BaseDisp(insn.ESI, 4, 4)),
	)

	require.True(t, b.bi.WholeBlock)
	require.True(t, b.fis[0].ShareSource)
	require.True(t, b.fis[1].Shared)
	require.Equal(t, int32(4), b.fis[1].SharedDelta)
	require.Equal(t, 1, count(b.list, func(i *insn.Insn) bool {
		return i.Op == insn.OpMov && i.Src(0).Kind == insn.KindTable
	}))

	site := b.fis[1].Site
	require.NotNil(t, site)
	require.True(t, site.Redirected)

	var shared int
	for _, e := range b.res.Map.Entries {
		if e.Kind == xlate.KindShared {
			shared++
			require.Equal(t, b.res.Pos[site.Entry], e.Redirect)
		}
	}
	require.Equal(t, 1, shared)

	sh := emu.NewShadow(shadow.DefaultLayout(), shadow.UnitUnaddressable)
	sh.SetUnits(esiValue, 4, shadow.UnitDefined)
	sh.SetUnits(esiValue+4, 4, shadow.UnitUndefined)

	m := machine(sh)
	m.TLS[shadow.RegShadow(insn.EAX)] = shadow.UnitBitlevel
	m.TLS[shadow.RegShadow(insn.EDX)] = shadow.UnitBitlevel
	run(t, b, m)

	require.Empty(t, m.SlowCalls)
	require.Equal(t, uint32(shadow.UnitDefined), m.TLS[shadow.RegShadow(insn.EAX)])
	require.Equal(t, uint32(shadow.UnitUndefined), m.TLS[shadow.RegShadow(insn.EDX)])
}

func TestSharedSubwordTranslation(t *testing.T) {
	b := instrument(t, defaultConfig(), bb.Config{WholeBlockSpills: true, MinInstrs: 2},
		movLoad(eax, insn.BaseDisp(insn.ESI, 0, 4)),
		movLoad(insn.Reg8(insn.EDX), insn.BaseDisp(insn.ESI, 1, 1)),
	)

	fi := b.fis[1]
	require.True(t, b.fis[0].ShareSource)
	require.Equal(t, PatternLoadSub, fi.Pattern)
	require.True(t, fi.Shared)
	require.Equal(t, int32(1), fi.SharedDelta)
	require.Equal(t, 1, fi.Offs)
	require.False(t, fi.NeedOffs)
	require.Equal(t, 1, count(b.list, func(i *insn.Insn) bool {
		return i.Op == insn.OpMov && i.Src(0).Kind == insn.KindTable
	}))

	sh := emu.NewShadow(shadow.DefaultLayout(), shadow.UnitUnaddressable)
	sh.SetUnits(esiValue, 4, shadow.UnitUndefined)

	m := machine(sh)
	m.TLS[shadow.RegShadow(insn.EDX)] = 0xf0
	run(t, b, m)

	require.Empty(t, m.SlowCalls)
	require.Equal(t, uint32(shadow.UnitUndefined), m.TLS[shadow.RegShadow(insn.EAX)])
	require.Equal(t, uint32(0xf3), m.TLS[shadow.RegShadow(insn.EDX)])
}

func TestSharingInvalidatedByWrite(t *testing.T) {
	b := instrument(t, defaultConfig(), bb.Config{WholeBlockSpills: true, MinInstrs: 2},
		movLoad(eax, insn.BaseDisp(insn.ESI, 0, 4)),
		addRegs(insn.RegOp(insn.ESI), ebx),
		movLoad(edx, insn.BaseDisp(insn.ESI, 4, 4)),
	)

	require.False(t, b.fis[2].Shared)
	require.Equal(t, 2, count(b.list, func(i *insn.Insn) bool {
		return i.Op == insn.OpMov && i.Src(0).Kind == insn.KindTable
	}))
}

func TestSharingDisabledByTable(t *testing.T) {
	l := insn.NewList()
	for pc, i := range []*insn.Insn{
		movLoad(eax, insn.BaseDisp(insn.ESI, 0, 4)),
		movLoad(edx, insn.BaseDisp(insn.ESI, 4, 4)),
	} {
		i.AppPC = uint32(0x1000 + pc*3)
		i.Len = 3
		l.Append(i)
	}

	table := new(xl8.Table)
	table.Record(0x1003)

	bi := bb.New(l, bb.Config{WholeBlockSpills: true, MinInstrs: 2})
	b := &Block{
		Cfg:   defaultConfig(),
		BB:    bi,
		Slow:  slowpath.NewDispatcher(l, slowpath.Config{ShortReach: 127}, slowpath.NewRoutines()),
		Table: table,
	}

	var shared bool
	for _, h := range bi.Apps {
		fi := b.Classify(h)
		b.Instrument(fi, false)
		shared = shared || fi.Shared
		bi.PreApp(h)
		b.After(fi)
	}
	require.False(t, shared)
}

func TestFlagFree(t *testing.T) {
	cfg := defaultConfig()
	cfg.FlagFreeTranslation = true

	for _, unit := range []byte{shadow.UnitDefined, shadow.UnitUnaddressable} {
		b := instrument(t, cfg, bb.Config{}, movStore(insn.BaseDisp(insn.EBX, 1, 1), insn.Reg8(insn.EAX)))
		fi := b.fis[0]
		require.Equal(t, PatternStoreSub, fi.Pattern)
		require.True(t, fi.FlagFree)
		require.False(t, fi.FlagsClobbered)
		require.Zero(t, count(b.list, func(i *insn.Insn) bool { return i.Meta && i.FlagsWritten != 0 }))

		sh := emu.NewShadow(shadow.DefaultLayout(), shadow.UnitUnaddressable)
		sh.SetUnits(ebxValue, 4, unit)

		m := machine(sh)
		run(t, b, m)

		if unit == shadow.UnitDefined {
			require.Empty(t, m.SlowCalls)
		} else {
			require.Len(t, m.SlowCalls, 1)
		}
	}
}

func TestSubwordLoad(t *testing.T) {
	b := instrument(t, defaultConfig(), bb.Config{}, movLoad(insn.Reg8(insn.EAX), insn.BaseDisp(insn.EBX, 1, 1)))
	fi := b.fis[0]
	require.Equal(t, PatternLoadSub, fi.Pattern)
	require.Equal(t, insn.ECX, fi.Regs[2].Reg)
	require.True(t, fi.NeedOffs)

	for _, c := range []struct {
		unit   byte
		shadow uint32
		slow   bool
	}{
		{0x0c, 0x03, false}, // Byte 1 undefined.
		{0xf3, 0x00, false}, // Byte 1 defined.
		{0x04, 0x00, true},  // Byte 1 unaddressable.
	} {
		sh := emu.NewShadow(shadow.DefaultLayout(), shadow.UnitUnaddressable)
		sh.SetUnits(ebxValue, 4, c.unit)

		m := machine(sh)
		m.TLS[shadow.RegShadow(insn.EAX)] = 0xf0
		run(t, b, m)

		if c.slow {
			require.Len(t, m.SlowCalls, 1)
			require.Equal(t, uint32(0xf0), m.TLS[shadow.RegShadow(insn.EAX)])
		} else {
			require.Empty(t, m.SlowCalls)
			require.Equal(t, 0xf0|c.shadow, m.TLS[shadow.RegShadow(insn.EAX)])
		}
	}
}

func TestAddressabilityOnly(t *testing.T) {
	cfg := defaultConfig()
	cfg.CheckDefinedness = false

	b := instrument(t, cfg, bb.Config{},
		movLoad(eax, insn.BaseDisp(insn.EBX, 0, 4)),
		addRegs(eax, edx),
	)
	require.Equal(t, PatternCheck, b.fis[0].Pattern)
	require.Zero(t, b.fis[0].CheckRegs)
	require.Equal(t, PatternNone, b.fis[1].Pattern)

	sh := emu.NewShadow(shadow.DefaultLayout(), shadow.UnitUnaddressable)
	sh.SetUnits(ebxValue, 4, shadow.UnitDefined)

	m := machine(sh)
	m.TLS[shadow.RegShadow(insn.EBX)] = shadow.UnitUndefined
	run(t, b, m)
	require.Empty(t, m.SlowCalls)
}

func TestUnsupportedIsSlow(t *testing.T) {
	b := instrument(t, defaultConfig(), bb.Config{},
		&insn.Insn{Op: insn.OpOther},
		movLoad(eax, insn.BaseDisp(insn.EBX, 0, 4)),
	)

	fi := b.fis[0]
	require.Equal(t, PatternSlow, fi.Pattern)
	require.Equal(t, slowpath.UnsupportedOp, fi.SlowReason)
	require.True(t, fi.Site.Inline)

	sh := emu.NewShadow(shadow.DefaultLayout(), shadow.UnitDefined)
	m := machine(sh)
	run(t, b, m)
	require.Equal(t, []uint32{0x1000}, m.SlowCalls)
}

func TestPhaseOrder(t *testing.T) {
	l := insn.NewList()
	h := l.Append(movLoad(eax, insn.BaseDisp(insn.EBX, 0, 4)))

	b := &Block{
		Cfg:   defaultConfig(),
		BB:    bb.New(l, bb.Config{}),
		Slow:  slowpath.NewDispatcher(l, slowpath.Config{ShortReach: 127}, slowpath.NewRoutines()),
		Table: new(xl8.Table),
	}

	fi := b.Classify(h)
	require.Panics(t, func() { b.Synthesize(fi) })
	require.Panics(t, func() { b.After(fi) })

	b.Adjust(fi, false)
	require.Panics(t, func() { b.Adjust(fi, false) })
}

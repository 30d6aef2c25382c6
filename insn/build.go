// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package insn

// Constructors for instrumentation instructions.  Read-modify-write
// destinations are also listed as sources.

func meta(op Op, dsts, srcs []Opnd, written Flags) *Insn {
	return &Insn{
		Op:           op,
		Dsts:         dsts,
		Srcs:         srcs,
		FlagsWritten: written,
		Meta:         true,
	}
}

func Mov(dst, src Opnd) *Insn {
	return meta(OpMov, []Opnd{dst}, []Opnd{src}, 0)
}

func Movzx(dst, src Opnd) *Insn {
	return meta(OpMovzx, []Opnd{dst}, []Opnd{src}, 0)
}

// Lea computes the address of a memory operand.
func Lea(dst Reg, addr Opnd) *Insn {
	addr.Size = 0
	return meta(OpLea, []Opnd{RegOp(dst)}, []Opnd{addr}, 0)
}

func Shr(dst Opnd, count int) *Insn {
	return meta(OpShr, []Opnd{dst}, []Opnd{dst, ImmOp(int64(count), 1)}, ArithFlags)
}

func Shl(dst Opnd, count int) *Insn {
	return meta(OpShl, []Opnd{dst}, []Opnd{dst, ImmOp(int64(count), 1)}, ArithFlags)
}

// ShrCL shifts by the cl register.
func ShrCL(dst Opnd) *Insn {
	return meta(OpShr, []Opnd{dst}, []Opnd{dst, Reg8(ECX)}, ArithFlags)
}

func And(dst, src Opnd) *Insn {
	return meta(OpAnd, []Opnd{dst}, []Opnd{dst, src}, ArithFlags)
}

func Or(dst, src Opnd) *Insn {
	return meta(OpOr, []Opnd{dst}, []Opnd{dst, src}, ArithFlags)
}

func Add(dst, src Opnd) *Insn {
	return meta(OpAdd, []Opnd{dst}, []Opnd{dst, src}, ArithFlags)
}

func Cmp(a, b Opnd) *Insn {
	return meta(OpCmp, nil, []Opnd{a, b}, ArithFlags)
}

func Test(a, b Opnd) *Insn {
	return meta(OpTest, nil, []Opnd{a, b}, ArithFlags)
}

func Xchg(a, b Reg) *Insn {
	x, y := RegOp(a), RegOp(b)
	return meta(OpXchg, []Opnd{x, y}, []Opnd{x, y}, 0)
}

// Shrx is the flag-preserving BMI2 shift with the count in a register.
func Shrx(dst, src, count Reg) *Insn {
	return meta(OpShrx, []Opnd{RegOp(dst)}, []Opnd{RegOp(src), RegOp(count)}, 0)
}

func Shlx(dst, src, count Reg) *Insn {
	return meta(OpShlx, []Opnd{RegOp(dst)}, []Opnd{RegOp(src), RegOp(count)}, 0)
}

func Lahf() *Insn {
	i := meta(OpLahf, []Opnd{Reg8High(EAX)}, nil, 0)
	i.FlagsRead = AhFlags
	return i
}

func Sahf() *Insn {
	return meta(OpSahf, nil, []Opnd{Reg8High(EAX)}, AhFlags)
}

func Setcc(c Cond, dst Opnd) *Insn {
	i := meta(OpSetcc, []Opnd{dst}, nil, 0)
	i.Cond = c
	i.FlagsRead = c.Flags()
	return i
}

func Jcc(c Cond, target Handle) *Insn {
	i := meta(OpJcc, nil, []Opnd{TargetOp(target)}, 0)
	i.Cond = c
	i.FlagsRead = c.Flags()
	return i
}

func Jmp(target Opnd) *Insn {
	return meta(OpJmp, nil, []Opnd{target}, 0)
}

// Jecxz branches if ecx is zero without reading flags.
func Jecxz(target Handle) *Insn {
	return meta(OpJecxz, nil, []Opnd{RegOp(ECX), TargetOp(target)}, 0)
}

func Label() *Insn {
	return meta(OpLabel, nil, nil, 0)
}

// AppClone is a non-executed copy of an application instruction which
// describes it to the slow path.
func AppClone(app *Insn) *Insn {
	i := app.Clone()
	i.Op = OpAppClone
	i.Meta = true
	i.Note = 0
	i.Aux = app
	i.FlagsRead = 0
	i.FlagsWritten = 0
	i.Srcs = nil
	i.Dsts = nil
	return i
}

// SlowCall invokes the slow path.  The runtime saves and restores all
// machine state around it.
func SlowCall(appPC uint32, aux interface{}) *Insn {
	i := meta(OpSlowCall, nil, []Opnd{PCOp(appPC)}, 0)
	i.Aux = aux
	return i
}

// Noted sets note bits.
func (i *Insn) Noted(n Note) *Insn {
	i.Note |= n
	return i
}

// At sets the application address.
func (i *Insn) At(pc uint32) *Insn {
	i.AppPC = pc
	return i
}

// Cursor inserts instructions before a fixed position, tagging them with an
// application address.
type Cursor struct {
	List *List
	At   Handle
	PC   uint32
}

func (c Cursor) Emit(i *Insn) Handle {
	i.AppPC = c.PC
	return c.List.InsertBefore(c.At, i)
}

package interp

import (
	"context"
	"fmt"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/pkg/errors"

	"github.com/norlen/symex/bitvector"
	"github.com/norlen/symex/pathstate"
)

// execInst dispatches one non-terminator instruction. Binary arithmetic
// and bitwise ops, comparisons, conversions, and
// aggregate ops are width-checked exclusively by package bitvector; this
// switch only resolves operands and routes to the right BEL call.
func (in *Interp) execInst(ctx context.Context, st *pathstate.State, f *pathstate.Frame, instr ir.Instruction, nextID IDAllocator) ([]*pathstate.State, error) {
	name := identOf(instr)

	switch ii := instr.(type) {
	case *ir.InstAdd:
		return in.binaryOf(ctx, st, f, name, ii.X, ii.Y, false, bitvector.Add)
	case *ir.InstSub:
		return in.binaryOf(ctx, st, f, name, ii.X, ii.Y, false, bitvector.Sub)
	case *ir.InstMul:
		return in.binaryOf(ctx, st, f, name, ii.X, ii.Y, false, bitvector.Mul)
	case *ir.InstUDiv:
		return in.binaryOf(ctx, st, f, name, ii.X, ii.Y, true, bitvector.UDiv)
	case *ir.InstSDiv:
		return in.binaryOf(ctx, st, f, name, ii.X, ii.Y, true, bitvector.SDiv)
	case *ir.InstURem:
		return in.binaryOf(ctx, st, f, name, ii.X, ii.Y, true, bitvector.URem)
	case *ir.InstSRem:
		return in.binaryOf(ctx, st, f, name, ii.X, ii.Y, true, bitvector.SRem)
	case *ir.InstAnd:
		return in.binaryOf(ctx, st, f, name, ii.X, ii.Y, false, bitvector.And)
	case *ir.InstOr:
		return in.binaryOf(ctx, st, f, name, ii.X, ii.Y, false, bitvector.Or)
	case *ir.InstXor:
		return in.binaryOf(ctx, st, f, name, ii.X, ii.Y, false, bitvector.Xor)
	case *ir.InstShl:
		return in.binaryOf(ctx, st, f, name, ii.X, ii.Y, false, bitvector.Shl)
	case *ir.InstLShr:
		return in.binaryOf(ctx, st, f, name, ii.X, ii.Y, false, bitvector.LShr)
	case *ir.InstAShr:
		return in.binaryOf(ctx, st, f, name, ii.X, ii.Y, false, bitvector.AShr)

	case *ir.InstICmp:
		return in.execICmp(st, f, name, ii)

	case *ir.InstTrunc:
		return in.execWiden(st, f, name, ii.From, ii.To, bitvector.Trunc)
	case *ir.InstZExt:
		return in.execWiden(st, f, name, ii.From, ii.To, bitvector.ZExt)
	case *ir.InstSExt:
		return in.execWiden(st, f, name, ii.From, ii.To, bitvector.SExt)
	case *ir.InstPtrToInt:
		return in.execResize(st, f, name, ii.From, ii.To)
	case *ir.InstIntToPtr:
		return in.execResize(st, f, name, ii.From, ii.To)
	case *ir.InstBitCast:
		return in.execIdentity(st, f, name, ii.From)
	case *ir.InstAddrSpaceCast:
		return in.execIdentity(st, f, name, ii.From)

	case *ir.InstExtractValue:
		return in.execExtractValue(st, f, name, ii)
	case *ir.InstInsertValue:
		return in.execInsertValue(st, f, name, ii)

	case *ir.InstAlloca:
		return in.execAlloca(ctx, st, f, name, ii)
	case *ir.InstLoad:
		return in.execLoad(ctx, st, f, name, ii, nextID)
	case *ir.InstStore:
		return in.execStore(ctx, st, f, ii, nextID)
	case *ir.InstGetElementPtr:
		return in.execGEP(st, f, name, ii)

	case *ir.InstPhi:
		return in.execPhi(st, f, name, ii)
	case *ir.InstSelect:
		return in.execSelect(st, f, name, ii)
	case *ir.InstCall:
		return in.execCall(ctx, st, f, name, ii, nextID)

	default:
		return unsupported(st, instrOpcode(instr))
	}
}

func (in *Interp) binaryOf(ctx context.Context, st *pathstate.State, f *pathstate.Frame, name string, xv, yv value.Value, isDiv bool, fn func(x, y *bitvector.BV) (*bitvector.BV, error)) ([]*pathstate.State, error) {
	x, err := in.resolveOperand(st, f, xv)
	if err != nil {
		return nil, err
	}
	y, err := in.resolveOperand(st, f, yv)
	if err != nil {
		return nil, err
	}
	if elemWidth, n, ok := vectorElemWidth(xv.Type()); ok {
		// Division-by-zero guards apply per-lane, not to the flattened
		// vector, so each lane runs through guardedBinOp independently
		// rather than the one-shot vectorBinOp helper.
		xs, err := splitLanes(x, elemWidth, n)
		if err != nil {
			return nil, err
		}
		ys, err := splitLanes(y, elemWidth, n)
		if err != nil {
			return nil, err
		}
		results := make([]*bitvector.BV, n)
		for i := uint64(0); i < n; i++ {
			r, err := in.guardedBinOp(ctx, st, xs[i], ys[i], isDiv, fn)
			if err != nil {
				return nil, err
			}
			if st.Status != pathstate.Running {
				return nil, nil
			}
			results[i] = r
		}
		joined, err := joinLanes(results)
		if err != nil {
			return nil, err
		}
		setReg(f, name, joined)
		return nil, nil
	}
	return in.binOp(ctx, st, f, name, x, y, isDiv, fn)
}

func (in *Interp) execICmp(st *pathstate.State, f *pathstate.Frame, name string, ii *ir.InstICmp) ([]*pathstate.State, error) {
	x, err := in.resolveOperand(st, f, ii.X)
	if err != nil {
		return nil, err
	}
	y, err := in.resolveOperand(st, f, ii.Y)
	if err != nil {
		return nil, err
	}
	cmp, err := icmpFunc(ii.Pred)
	if err != nil {
		return unsupported(st, "icmp "+ii.Pred.String())
	}

	var result *bitvector.BV
	if elemWidth, n, ok := vectorElemWidth(ii.X.Type()); ok {
		// Vector icmp concatenates per lane, each lane producing its own
		// width-1 result.
		result, err = vectorBinOp(x, y, elemWidth, n, cmp)
	} else {
		result, err = cmp(x, y)
	}
	if err != nil {
		return nil, err
	}
	setReg(f, name, result)
	return nil, nil
}

// icmpFunc maps an icmp predicate to the BEL comparison it dispatches to.
func icmpFunc(pred enum.IPred) (func(x, y *bitvector.BV) (*bitvector.BV, error), error) {
	switch pred {
	case enum.IPredEQ:
		return bitvector.Eq, nil
	case enum.IPredNE:
		return bitvector.Ne, nil
	case enum.IPredUGT:
		return bitvector.Ugt, nil
	case enum.IPredUGE:
		return bitvector.Uge, nil
	case enum.IPredULT:
		return bitvector.Ult, nil
	case enum.IPredULE:
		return bitvector.Ule, nil
	case enum.IPredSGT:
		return bitvector.Sgt, nil
	case enum.IPredSGE:
		return bitvector.Sge, nil
	case enum.IPredSLT:
		return bitvector.Slt, nil
	case enum.IPredSLE:
		return bitvector.Sle, nil
	default:
		return nil, errors.Errorf("interp: unsupported icmp predicate %s", pred)
	}
}

// execWiden handles trunc/zext/sext, whose `To` is always an integer type.
func (in *Interp) execWiden(st *pathstate.State, f *pathstate.Frame, name string, from value.Value, to types.Type, fn func(*bitvector.BV, uint32) (*bitvector.BV, error)) ([]*pathstate.State, error) {
	x, err := in.resolveOperand(st, f, from)
	if err != nil {
		return nil, err
	}
	it, ok := to.(*types.IntType)
	if !ok {
		return unsupported(st, "conversion to non-integer type "+to.String())
	}
	result, err := fn(x, uint32(it.BitSize))
	if err != nil {
		return nil, err
	}
	setReg(f, name, result)
	return nil, nil
}

// execResize handles ptrtoint/inttoptr, which widen, narrow, or preserve
// rather than requiring the target be strictly wider or narrower than the
// source.
func (in *Interp) execResize(st *pathstate.State, f *pathstate.Frame, name string, from value.Value, to types.Type) ([]*pathstate.State, error) {
	x, err := in.resolveOperand(st, f, from)
	if err != nil {
		return nil, err
	}
	w, err := targetWidth(to)
	if err != nil {
		return nil, err
	}
	var result *bitvector.BV
	switch {
	case x.Width() == w:
		result = x
	case x.Width() < w:
		result, err = bitvector.ZExt(x, w)
	default:
		result, err = bitvector.Trunc(x, w)
	}
	if err != nil {
		return nil, err
	}
	setReg(f, name, result)
	return nil, nil
}

func targetWidth(t types.Type) (uint32, error) {
	switch tt := t.(type) {
	case *types.IntType:
		return uint32(tt.BitSize), nil
	case *types.PointerType:
		return 64, nil
	default:
		return 0, errors.Errorf("interp: unexpected conversion target type %T", t)
	}
}

// execIdentity handles bitcast/addrspacecast: a same-width reinterpretation
// of bits (addrspacecast is a plain bitcast here since address spaces are
// unmodeled).
func (in *Interp) execIdentity(st *pathstate.State, f *pathstate.Frame, name string, from value.Value) ([]*pathstate.State, error) {
	x, err := in.resolveOperand(st, f, from)
	if err != nil {
		return nil, err
	}
	setReg(f, name, x)
	return nil, nil
}

func instrOpcode(instr any) string {
	return fmt.Sprintf("%T", instr)
}

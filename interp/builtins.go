package interp

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/types"

	"github.com/norlen/symex/bitvector"
	"github.com/norlen/symex/pathstate"
	"github.com/norlen/symex/symmem"
)

// callBuiltin implements the registered intrinsic/builtin table. handled is
// false when callee's name matched none of them, so the
// caller falls back to looking callee up as a defined IR function (lets a
// program define its own ordinary function named, say, "memset" without
// this table shadowing it, except for the two engine hooks which always win).
func (in *Interp) callBuiltin(ctx context.Context, st *pathstate.State, f *pathstate.Frame, name, callee string, args []*bitvector.BV, ii *ir.InstCall, nextID IDAllocator) ([]*pathstate.State, bool, error) {
	switch {
	case strings.HasPrefix(callee, "llvm.memcpy.") || strings.HasPrefix(callee, "llvm.memmove."):
		children, err := in.builtinMemcpy(ctx, st, f, args, nextID)
		return children, true, err

	case strings.HasPrefix(callee, "llvm.memset."):
		children, err := in.builtinMemset(ctx, st, f, args, nextID)
		return children, true, err

	case strings.Contains(callee, ".with.overflow."):
		err := in.builtinWithOverflow(st, f, name, callee, args, ii)
		return nil, true, err

	case strings.Contains(callee, ".sat."):
		err := in.builtinSat(st, f, name, callee, args)
		return nil, true, err

	case strings.HasPrefix(callee, "llvm.umax."):
		return nil, true, in.builtinMinMax(st, f, name, args, bitvector.Ugt)
	case strings.HasPrefix(callee, "llvm.umin."):
		return nil, true, in.builtinMinMax(st, f, name, args, bitvector.Ult)
	case strings.HasPrefix(callee, "llvm.smax."):
		return nil, true, in.builtinMinMax(st, f, name, args, bitvector.Sgt)
	case strings.HasPrefix(callee, "llvm.smin."):
		return nil, true, in.builtinMinMax(st, f, name, args, bitvector.Slt)

	case strings.HasPrefix(callee, "llvm.expect."):
		setReg(f, name, args[0])
		return nil, true, nil

	case callee == "llvm.assume" || callee == "assume":
		in.builtinAssume(st, args[0])
		return nil, true, nil

	case callee == "symbolic":
		children, err := in.builtinSymbolic(ctx, st, f, args, nextID)
		return children, true, err

	default:
		return nil, false, nil
	}
}

// builtinMinMax emits ite(cmp(a,b), a, b), where cmp is one of the four
// ordered comparisons.
func (in *Interp) builtinMinMax(st *pathstate.State, f *pathstate.Frame, name string, args []*bitvector.BV, cmp func(x, y *bitvector.BV) (*bitvector.BV, error)) error {
	a, b := args[0], args[1]
	c, err := cmp(a, b)
	if err != nil {
		return err
	}
	result, err := bitvector.Ite(c, a, b)
	if err != nil {
		return err
	}
	setReg(f, name, result)
	return nil
}

func (in *Interp) builtinAssume(st *pathstate.State, cond *bitvector.BV) {
	st.PushScope(cond)
}

// maxValueForWidth returns the largest unsigned value an n-bit bitvector can
// hold, saturating at ^uint64(0) once w reaches 64 so the shift never
// overflows.
func maxValueForWidth(w uint32) uint64 {
	if w >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << w) - 1
}

// feasibleLengths resolves a possibly-symbolic byte count to every concrete
// length the solver still considers feasible alongside st's current path
// constraint, bounded by st.Mem's configured symbolic-offset threshold — a
// length constrained to a finite range by the path is enumerated at its
// satisfying bounds, one fork per feasible concrete length. When n is
// already
// constant, returns that single length paired with a nil condition (no fork
// needed — the caller must not assert a nil condition). Otherwise walks
// every candidate v in [0, maxLen] and keeps the ones for which n == v is
// satisfiable, pairing each survivor with that equality so the caller can
// either assert it directly (one survivor) or fork one child per survivor
// asserting its own equality (more than one). If the bitvector's width
// allows values above maxLen, st.Warn records that the scan did not cover them.
func (in *Interp) feasibleLengths(ctx context.Context, st *pathstate.State, n *bitvector.BV) ([]uint64, []*bitvector.BV, error) {
	if c, ok := n.IsConst(); ok {
		return []uint64{c.Uint64()}, []*bitvector.BV{nil}, nil
	}

	maxLen := uint64(st.Mem.Threshold())
	widthMax := maxValueForWidth(n.Width())
	cappedByThreshold := maxLen < widthMax
	if !cappedByThreshold {
		maxLen = widthMax
	}

	var lens []uint64
	var conds []*bitvector.BV
	for v := uint64(0); v <= maxLen; v++ {
		concrete, err := bitvector.ConstU64(v, n.Width())
		if err != nil {
			return nil, nil, err
		}
		eq, err := bitvector.Eq(n, concrete)
		if err != nil {
			return nil, nil, err
		}
		ok, err := in.feasible(ctx, st, eq)
		if err != nil || st.Status != pathstate.Running {
			return nil, nil, err
		}
		if ok {
			lens = append(lens, v)
			conds = append(conds, eq)
		}
		if v == maxLen {
			break // avoid wrapping past ^uint64(0)
		}
	}
	if cappedByThreshold {
		st.Warn("symbolic length enumeration at %s capped at %d bytes; lengths beyond the cap were not explored", st.CurrentSite(), maxLen)
	}
	return lens, conds, nil
}

// builtinMemcpy implements llvm.memcpy/llvm.memmove as a Symbolic Memory
// primitive: enumerate every feasible concrete length
// for a symbolic byte count, forking one child per length, then within each
// length resolve both pointers to the allocations they might address and
// fork again once per feasible (dst, src) pairing.
func (in *Interp) builtinMemcpy(ctx context.Context, st *pathstate.State, f *pathstate.Frame, args []*bitvector.BV, nextID IDAllocator) ([]*pathstate.State, error) {
	dstPtr, srcPtr, lenBV := args[0], args[1], args[2]
	lens, conds, err := in.feasibleLengths(ctx, st, lenBV)
	if err != nil || st.Status != pathstate.Running {
		return nil, err
	}
	if len(lens) == 0 {
		st.Fail(pathstate.UnsupportedSymbolicOffset, st.CurrentSite(), "memcpy/memmove: no feasible length within the symbolic-length bound")
		return nil, nil
	}
	if len(lens) == 1 {
		if conds[0] != nil {
			st.PushScope(conds[0])
		}
		return in.memcpyAtLength(ctx, st, dstPtr, srcPtr, lens[0], nextID)
	}

	ids := make([]uint64, len(lens))
	for i := range lens {
		ids[i] = nextID()
	}
	children := st.ForkMany(ids, conds)
	var out []*pathstate.State
	for i, child := range children {
		grandchildren, err := in.memcpyAtLength(ctx, child, dstPtr, srcPtr, lens[i], nextID)
		if err != nil {
			return nil, err
		}
		if grandchildren != nil {
			out = append(out, grandchildren...)
		} else {
			out = append(out, child)
		}
	}
	return out, nil
}

// memcpyAtLength copies n bytes from srcPtr to dstPtr under st, forking once
// per feasible (dst, src) allocation pairing.
func (in *Interp) memcpyAtLength(ctx context.Context, st *pathstate.State, dstPtr, srcPtr *bitvector.BV, n uint64, nextID IDAllocator) ([]*pathstate.State, error) {
	if n == 0 {
		return nil, nil
	}

	dstCands, err := in.resolvePointer(ctx, st, dstPtr)
	if err != nil {
		return nil, err
	}
	srcCands, err := in.resolvePointer(ctx, st, srcPtr)
	if err != nil {
		return nil, err
	}
	if len(dstCands) == 0 || len(srcCands) == 0 {
		st.Fail(pathstate.OutOfBounds, st.CurrentSite(), "memcpy/memmove through a pointer with no feasible target")
		return nil, nil
	}

	type pairing struct {
		dst, src symmem.Candidate
		cond     *bitvector.BV
	}
	var pairings []pairing
	for _, d := range dstCands {
		for _, s := range srcCands {
			cond, err := bitvector.And(d.PinCond, s.PinCond)
			if err != nil {
				return nil, err
			}
			ok, err := in.feasible(ctx, st, cond)
			if err != nil || st.Status != pathstate.Running {
				return nil, err
			}
			if ok {
				pairings = append(pairings, pairing{dst: d, src: s, cond: cond})
			}
		}
	}
	if len(pairings) == 0 {
		st.Fail(pathstate.OutOfBounds, st.CurrentSite(), "memcpy/memmove: no feasible (dst, src) pairing")
		return nil, nil
	}
	if len(pairings) == 1 {
		p := pairings[0]
		if err := st.Mem.Memcpy(p.dst.AllocID, p.dst.Offset, p.src.AllocID, p.src.Offset, n); err != nil {
			return memFail(st, err)
		}
		return nil, nil
	}

	ids := make([]uint64, len(pairings))
	conds := make([]*bitvector.BV, len(pairings))
	for i, p := range pairings {
		ids[i] = nextID()
		conds[i] = p.cond
	}
	children := st.ForkMany(ids, conds)
	for i, p := range pairings {
		if err := children[i].Mem.Memcpy(p.dst.AllocID, p.dst.Offset, p.src.AllocID, p.src.Offset, n); err != nil {
			if _, rerr := memFail(children[i], err); rerr != nil {
				return nil, rerr
			}
		}
	}
	return children, nil
}

// builtinMemset implements llvm.memset as a Symbolic Memory primitive,
// enumerating feasible lengths the same way builtinMemcpy does.
func (in *Interp) builtinMemset(ctx context.Context, st *pathstate.State, f *pathstate.Frame, args []*bitvector.BV, nextID IDAllocator) ([]*pathstate.State, error) {
	dstPtr, val, lenBV := args[0], args[1], args[2]
	lens, conds, err := in.feasibleLengths(ctx, st, lenBV)
	if err != nil || st.Status != pathstate.Running {
		return nil, err
	}
	if len(lens) == 0 {
		st.Fail(pathstate.UnsupportedSymbolicOffset, st.CurrentSite(), "memset: no feasible length within the symbolic-length bound")
		return nil, nil
	}
	if len(lens) == 1 {
		if conds[0] != nil {
			st.PushScope(conds[0])
		}
		return in.memsetAtLength(ctx, st, dstPtr, val, lens[0], nextID)
	}

	ids := make([]uint64, len(lens))
	for i := range lens {
		ids[i] = nextID()
	}
	children := st.ForkMany(ids, conds)
	var out []*pathstate.State
	for i, child := range children {
		grandchildren, err := in.memsetAtLength(ctx, child, dstPtr, val, lens[i], nextID)
		if err != nil {
			return nil, err
		}
		if grandchildren != nil {
			out = append(out, grandchildren...)
		} else {
			out = append(out, child)
		}
	}
	return out, nil
}

// memsetAtLength fills n bytes at dstPtr with val under st, forking once per
// feasible target allocation.
func (in *Interp) memsetAtLength(ctx context.Context, st *pathstate.State, dstPtr, val *bitvector.BV, n uint64, nextID IDAllocator) ([]*pathstate.State, error) {
	if n == 0 {
		return nil, nil
	}

	candidates, err := in.resolvePointer(ctx, st, dstPtr)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		st.Fail(pathstate.OutOfBounds, st.CurrentSite(), "memset through a pointer with no feasible target")
		return nil, nil
	}
	if len(candidates) == 1 {
		if err := st.Mem.Memset(candidates[0].AllocID, candidates[0].Offset, val, n); err != nil {
			return memFail(st, err)
		}
		return nil, nil
	}

	ids := make([]uint64, len(candidates))
	conds := make([]*bitvector.BV, len(candidates))
	for i, c := range candidates {
		ids[i] = nextID()
		conds[i] = c.PinCond
	}
	children := st.ForkMany(ids, conds)
	for i, c := range candidates {
		if err := children[i].Mem.Memset(c.AllocID, c.Offset, val, n); err != nil {
			if _, rerr := memFail(children[i], err); rerr != nil {
				return nil, rerr
			}
		}
	}
	return children, nil
}

// builtinWithOverflow implements llvm.{u,s}{add,sub,mul}.with.overflow.* as
// a two-element struct {result, overflow-bit}, laid out by package project
// exactly like any other struct constant.
func (in *Interp) builtinWithOverflow(st *pathstate.State, f *pathstate.Frame, name, callee string, args []*bitvector.BV, ii *ir.InstCall) error {
	x, y := args[0], args[1]
	op := overflowOp(callee)

	var result, ovf *bitvector.BV
	var err error
	switch op {
	case "uadd":
		result, ovf, err = addOverflowU(x, y)
	case "sadd":
		result, ovf, err = addOverflowS(x, y)
	case "usub":
		result, ovf, err = subOverflowU(x, y)
	case "ssub":
		result, ovf, err = subOverflowS(x, y)
	case "umul":
		result, ovf, err = mulOverflowU(x, y)
	case "smul":
		result, ovf, err = mulOverflowS(x, y)
	default:
		return errUnsupportedIntrinsic(st, callee)
	}
	if err != nil {
		return err
	}

	structTy, ok := ii.Type().(*types.StructType)
	if !ok {
		return errUnsupportedIntrinsic(st, callee)
	}
	resultSize := result.Width() / 8
	off1, err := in.Proj.OffsetOf(structTy, 1)
	if err != nil {
		return err
	}
	total, err := in.Proj.SizeOf(structTy)
	if err != nil {
		return err
	}

	bytes := make([]*bitvector.BV, total)
	for b := uint64(0); b < uint64(resultSize); b++ {
		piece, err := bitvector.Extract(result, uint32(b*8), uint32(b*8+7))
		if err != nil {
			return err
		}
		bytes[b] = piece
	}
	ovfByte, err := bitvector.ZExt(ovf, 8)
	if err != nil {
		return err
	}
	bytes[off1] = ovfByte
	zero, err := bitvector.ConstU64(0, 8)
	if err != nil {
		return err
	}
	for i := range bytes {
		if bytes[i] == nil {
			bytes[i] = zero
		}
	}

	packed := bytes[len(bytes)-1]
	for i := len(bytes) - 2; i >= 0; i-- {
		packed, err = bitvector.Concat(packed, bytes[i])
		if err != nil {
			return err
		}
	}
	setReg(f, name, packed)
	return nil
}

// builtinSat implements llvm.{u,s}{add,sub}.sat.*: the overflow-augmented
// result, clamped to width w's unsigned or signed bound when it overflows.
func (in *Interp) builtinSat(st *pathstate.State, f *pathstate.Frame, name, callee string, args []*bitvector.BV) error {
	x, y := args[0], args[1]
	op := overflowOp(strings.Replace(callee, ".sat.", ".with.overflow.", 1))
	w := x.Width()

	var result, ovf *bitvector.BV
	var err error
	var clampVal *bitvector.BV
	switch op {
	case "uadd":
		result, ovf, err = addOverflowU(x, y)
		if err == nil {
			clampVal, err = allOnes(w)
		}
	case "usub":
		result, ovf, err = subOverflowU(x, y)
		if err == nil {
			clampVal, err = bitvector.ConstU64(0, w)
		}
	case "sadd":
		result, ovf, err = addOverflowS(x, y)
		if err == nil {
			clampVal, err = signClamp(x, w)
		}
	case "ssub":
		result, ovf, err = subOverflowS(x, y)
		if err == nil {
			clampVal, err = signClamp(x, w)
		}
	default:
		return errUnsupportedIntrinsic(st, callee)
	}
	if err != nil {
		return err
	}

	saturated, err := bitvector.Ite(ovf, clampVal, result)
	if err != nil {
		return err
	}
	setReg(f, name, saturated)
	return nil
}

// signClamp picks INT_MIN or INT_MAX of x's width depending on x's sign bit
// — the saturated bound a signed add/sub overflow clamps to matches the
// sign of the (pre-overflow) first operand.
func signClamp(x *bitvector.BV, w uint32) (*bitvector.BV, error) {
	signBit, err := bitvector.Extract(x, w-1, w-1)
	if err != nil {
		return nil, err
	}
	isNeg, err := bitvector.ConstU64(1, 1)
	if err != nil {
		return nil, err
	}
	isNegCond, err := bitvector.Eq(signBit, isNeg)
	if err != nil {
		return nil, err
	}
	minVal, err := bitvector.Const(new(big.Int).Lsh(big.NewInt(1), uint(w-1)), w)
	if err != nil {
		return nil, err
	}
	maxVal, err := bitvector.Const(new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), uint(w-1)), big.NewInt(1)), w)
	if err != nil {
		return nil, err
	}
	return bitvector.Ite(isNegCond, minVal, maxVal)
}

func allOnes(w uint32) (*bitvector.BV, error) {
	zero, err := bitvector.ConstU64(0, w)
	if err != nil {
		return nil, err
	}
	return bitvector.Not(zero)
}

func addOverflowU(x, y *bitvector.BV) (*bitvector.BV, *bitvector.BV, error) {
	sum, err := bitvector.Add(x, y)
	if err != nil {
		return nil, nil, err
	}
	ovf, err := bitvector.Ult(sum, x)
	if err != nil {
		return nil, nil, err
	}
	return sum, ovf, nil
}

func subOverflowU(x, y *bitvector.BV) (*bitvector.BV, *bitvector.BV, error) {
	diff, err := bitvector.Sub(x, y)
	if err != nil {
		return nil, nil, err
	}
	ovf, err := bitvector.Ult(x, y)
	if err != nil {
		return nil, nil, err
	}
	return diff, ovf, nil
}

func mulOverflowU(x, y *bitvector.BV) (*bitvector.BV, *bitvector.BV, error) {
	w := x.Width()
	xe, err := bitvector.ZExt(x, w*2)
	if err != nil {
		return nil, nil, err
	}
	ye, err := bitvector.ZExt(y, w*2)
	if err != nil {
		return nil, nil, err
	}
	prod, err := bitvector.Mul(xe, ye)
	if err != nil {
		return nil, nil, err
	}
	trunc, err := bitvector.Trunc(prod, w)
	if err != nil {
		return nil, nil, err
	}
	top, err := bitvector.Extract(prod, w, w*2-1)
	if err != nil {
		return nil, nil, err
	}
	zero, err := bitvector.ConstU64(0, w)
	if err != nil {
		return nil, nil, err
	}
	ovf, err := bitvector.Ne(top, zero)
	if err != nil {
		return nil, nil, err
	}
	return trunc, ovf, nil
}

func addOverflowS(x, y *bitvector.BV) (*bitvector.BV, *bitvector.BV, error) {
	sum, err := bitvector.Add(x, y)
	if err != nil {
		return nil, nil, err
	}
	w := x.Width()
	signX, err := bitvector.Extract(x, w-1, w-1)
	if err != nil {
		return nil, nil, err
	}
	signY, err := bitvector.Extract(y, w-1, w-1)
	if err != nil {
		return nil, nil, err
	}
	signR, err := bitvector.Extract(sum, w-1, w-1)
	if err != nil {
		return nil, nil, err
	}
	sameIn, err := bitvector.Eq(signX, signY)
	if err != nil {
		return nil, nil, err
	}
	diffOut, err := bitvector.Ne(signR, signX)
	if err != nil {
		return nil, nil, err
	}
	ovf, err := bitvector.And(sameIn, diffOut)
	if err != nil {
		return nil, nil, err
	}
	return sum, ovf, nil
}

func subOverflowS(x, y *bitvector.BV) (*bitvector.BV, *bitvector.BV, error) {
	diff, err := bitvector.Sub(x, y)
	if err != nil {
		return nil, nil, err
	}
	w := x.Width()
	signX, err := bitvector.Extract(x, w-1, w-1)
	if err != nil {
		return nil, nil, err
	}
	signY, err := bitvector.Extract(y, w-1, w-1)
	if err != nil {
		return nil, nil, err
	}
	signR, err := bitvector.Extract(diff, w-1, w-1)
	if err != nil {
		return nil, nil, err
	}
	diffIn, err := bitvector.Ne(signX, signY)
	if err != nil {
		return nil, nil, err
	}
	diffOut, err := bitvector.Ne(signR, signX)
	if err != nil {
		return nil, nil, err
	}
	ovf, err := bitvector.And(diffIn, diffOut)
	if err != nil {
		return nil, nil, err
	}
	return diff, ovf, nil
}

func mulOverflowS(x, y *bitvector.BV) (*bitvector.BV, *bitvector.BV, error) {
	w := x.Width()
	xe, err := bitvector.SExt(x, w*2)
	if err != nil {
		return nil, nil, err
	}
	ye, err := bitvector.SExt(y, w*2)
	if err != nil {
		return nil, nil, err
	}
	prod, err := bitvector.Mul(xe, ye)
	if err != nil {
		return nil, nil, err
	}
	trunc, err := bitvector.Trunc(prod, w)
	if err != nil {
		return nil, nil, err
	}
	back, err := bitvector.SExt(trunc, w*2)
	if err != nil {
		return nil, nil, err
	}
	ovf, err := bitvector.Ne(prod, back)
	if err != nil {
		return nil, nil, err
	}
	return trunc, ovf, nil
}

// overflowOp extracts the "uadd"/"sadd"/"usub"/"ssub"/"umul"/"smul" tag
// from an intrinsic name like "llvm.sadd.with.overflow.i8".
func overflowOp(callee string) string {
	parts := strings.Split(callee, ".")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func errUnsupportedIntrinsic(st *pathstate.State, callee string) error {
	st.Fail(pathstate.UnsupportedIntrinsic, st.CurrentSite(), "unsupported intrinsic: %s", callee)
	return nil
}

// builtinSymbolic implements the "symbolic(ptr, size_bytes)" engine hook:
// every byte in [ptr, ptr+size_bytes) is overwritten with a fresh,
// unconstrained symbol. size_bytes is enumerated over
// its feasible concrete lengths the same way builtinMemcpy/builtinMemset
// enumerate a symbolic copy length, forking one child per length.
func (in *Interp) builtinSymbolic(ctx context.Context, st *pathstate.State, f *pathstate.Frame, args []*bitvector.BV, nextID IDAllocator) ([]*pathstate.State, error) {
	ptr, sizeBV := args[0], args[1]
	lens, conds, err := in.feasibleLengths(ctx, st, sizeBV)
	if err != nil || st.Status != pathstate.Running {
		return nil, err
	}
	if len(lens) == 0 {
		st.Fail(pathstate.UnsupportedSymbolicOffset, st.CurrentSite(), "symbolic(): no feasible size within the symbolic-length bound")
		return nil, nil
	}
	if len(lens) == 1 {
		if conds[0] != nil {
			st.PushScope(conds[0])
		}
		return in.symbolicAtLength(ctx, st, ptr, lens[0], nextID)
	}

	ids := make([]uint64, len(lens))
	for i := range lens {
		ids[i] = nextID()
	}
	children := st.ForkMany(ids, conds)
	var out []*pathstate.State
	for i, child := range children {
		grandchildren, err := in.symbolicAtLength(ctx, child, ptr, lens[i], nextID)
		if err != nil {
			return nil, err
		}
		if grandchildren != nil {
			out = append(out, grandchildren...)
		} else {
			out = append(out, child)
		}
	}
	return out, nil
}

// symbolicAtLength overwrites size bytes at ptr under st with fresh symbols,
// forking once per feasible target allocation.
func (in *Interp) symbolicAtLength(ctx context.Context, st *pathstate.State, ptr *bitvector.BV, size uint64, nextID IDAllocator) ([]*pathstate.State, error) {
	candidates, err := in.resolvePointer(ctx, st, ptr)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		st.Fail(pathstate.OutOfBounds, st.CurrentSite(), "symbolic() through a pointer with no feasible target")
		return nil, nil
	}

	markFresh := func(target *pathstate.State, alloc symmem.Candidate) error {
		for i := uint64(0); i < size; i++ {
			off, err := addOffsetConst(alloc.Offset, i)
			if err != nil {
				return err
			}
			sym, err := bitvector.Symbol(symbolicHookName(target.ID, alloc.AllocID, i), 8)
			if err != nil {
				return err
			}
			if err := target.Mem.Store(alloc.AllocID, off, sym); err != nil {
				return err
			}
		}
		return nil
	}

	if len(candidates) == 1 {
		if err := markFresh(st, candidates[0]); err != nil {
			return memFail(st, err)
		}
		return nil, nil
	}

	ids := make([]uint64, len(candidates))
	conds := make([]*bitvector.BV, len(candidates))
	for i, c := range candidates {
		ids[i] = nextID()
		conds[i] = c.PinCond
	}
	children := st.ForkMany(ids, conds)
	for i, c := range candidates {
		if err := markFresh(children[i], c); err != nil {
			if _, rerr := memFail(children[i], err); rerr != nil {
				return nil, rerr
			}
		}
	}
	return children, nil
}

// heapAlign matches the max_align_t guarantee malloc'd storage carries on
// the 64-bit targets this engine accepts.
const heapAlign = 16

// heapBuiltin dispatches the libc-style heap hooks. Unlike symbolic/assume,
// these never shadow user code: callDirect tries them only after
// LookupFunction failed to find a defined IR function of the same name.
func (in *Interp) heapBuiltin(ctx context.Context, st *pathstate.State, f *pathstate.Frame, name, callee string, args []*bitvector.BV) (bool, error) {
	switch {
	case callee == "malloc" && len(args) == 1:
		return true, in.builtinMalloc(ctx, st, f, name, args[0])
	case callee == "calloc" && len(args) == 2:
		return true, in.builtinCalloc(ctx, st, f, name, args[0], args[1])
	case callee == "free" && len(args) == 1:
		return true, in.builtinFree(ctx, st, args[0])
	default:
		return false, nil
	}
}

// builtinMalloc reserves a fresh Heap allocation. A symbolic size is pinned
// to one solver model the same way a symbolic alloca element count is.
func (in *Interp) builtinMalloc(ctx context.Context, st *pathstate.State, f *pathstate.Frame, name string, sizeBV *bitvector.BV) error {
	size, err := in.concretizeU64(ctx, st, sizeBV)
	if err != nil {
		return err
	}
	cs, err := bitvector.ConstU64(size, symmem.PointerWidth)
	if err != nil {
		return err
	}
	ptr, _, err := st.Mem.Allocate(cs, heapAlign, symmem.Heap, 0)
	if err != nil {
		return err
	}
	setReg(f, name, ptr)
	return nil
}

// builtinCalloc is malloc(n*size) with every byte initialized to zero.
func (in *Interp) builtinCalloc(ctx context.Context, st *pathstate.State, f *pathstate.Frame, name string, nBV, sizeBV *bitvector.BV) error {
	n, err := in.concretizeU64(ctx, st, nBV)
	if err != nil {
		return err
	}
	size, err := in.concretizeU64(ctx, st, sizeBV)
	if err != nil {
		return err
	}
	total := n * size
	cs, err := bitvector.ConstU64(total, symmem.PointerWidth)
	if err != nil {
		return err
	}
	ptr, id, err := st.Mem.Allocate(cs, heapAlign, symmem.Heap, 0)
	if err != nil {
		return err
	}
	zeroOff, err := bitvector.ConstU64(0, symmem.PointerWidth)
	if err != nil {
		return err
	}
	zeroByte, err := bitvector.ConstU64(0, 8)
	if err != nil {
		return err
	}
	if err := st.Mem.Memset(id, zeroOff, zeroByte, total); err != nil {
		_, rerr := memFail(st, err)
		return rerr
	}
	setReg(f, name, ptr)
	return nil
}

// builtinFree releases a Heap allocation. free(NULL) is a no-op; freeing an
// address that is not an allocation base, or non-heap storage, terminates
// the path OutOfBounds; freeing twice terminates it DoubleFree.
func (in *Interp) builtinFree(ctx context.Context, st *pathstate.State, ptr *bitvector.BV) error {
	addr, err := in.concretizeU64(ctx, st, ptr)
	if err != nil {
		return err
	}
	if addr == 0 {
		return nil
	}
	alloc, freed, ok := st.Mem.AllocationAt(addr)
	if !ok {
		st.Fail(pathstate.OutOfBounds, st.CurrentSite(), "free of %#x, which is not an allocation base", addr)
		return nil
	}
	if freed {
		st.Fail(pathstate.DoubleFree, st.CurrentSite(), "double free of %#x", addr)
		return nil
	}
	if alloc.Kind != symmem.Heap {
		st.Fail(pathstate.OutOfBounds, st.CurrentSite(), "free of %s storage at %#x", alloc.Kind, addr)
		return nil
	}
	if err := st.Mem.Free(alloc.ID); err != nil {
		_, rerr := memFail(st, err)
		return rerr
	}
	return nil
}

func addOffsetConst(off *bitvector.BV, delta uint64) (*bitvector.BV, error) {
	if v, ok := off.IsConst(); ok {
		return bitvector.ConstU64(v.Uint64()+delta, off.Width())
	}
	d, err := bitvector.ConstU64(delta, off.Width())
	if err != nil {
		return nil, err
	}
	return bitvector.Add(off, d)
}

func symbolicHookName(pathID, allocID, i uint64) string {
	return fmt.Sprintf("symbolic_p%d_a%d_%d", pathID, allocID, i)
}

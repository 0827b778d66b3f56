package interp

import (
	"context"
	"testing"

	"github.com/llir/llvm/asm"
	"github.com/llir/llvm/ir"
	"github.com/stretchr/testify/require"

	"github.com/norlen/symex/bitvector"
	"github.com/norlen/symex/pathstate"
	"github.com/norlen/symex/project"
	"github.com/norlen/symex/solver"
)

const oneFuncSrc = `
define i32 @f(i32 %x) {
entry:
  ret i32 %x
}
`

func newTestInterp(t *testing.T) (*Interp, *pathstate.State) {
	t.Helper()
	m, err := asm.ParseString("test.ll", oneFuncSrc)
	require.NoError(t, err)
	proj, err := project.Load([]*ir.Module{m})
	require.NoError(t, err)
	fn, err := proj.LookupFunction("f")
	require.NoError(t, err)

	st, _, err := pathstate.New(1, proj, fn, pathstate.AllSymbolic, nil, 0)
	require.NoError(t, err)

	in := New(proj, solver.NewSerialized(solver.New()))
	return in, st
}

func TestFeasibleTrueAndFalse(t *testing.T) {
	in, st := newTestInterp(t)

	one, err := bitvector.ConstU64(1, 1)
	require.NoError(t, err)
	zero, err := bitvector.ConstU64(0, 1)
	require.NoError(t, err)

	ok, err := in.feasible(context.Background(), st, one)
	require.NoError(t, err)
	require.True(t, ok)

	notOne, err := bitvector.Eq(one, zero)
	require.NoError(t, err)
	ok, err = in.feasible(context.Background(), st, notOne)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestProvableHoldsOnConstantTrue(t *testing.T) {
	in, st := newTestInterp(t)

	one, err := bitvector.ConstU64(1, 1)
	require.NoError(t, err)
	eqSelf, err := bitvector.Eq(one, one)
	require.NoError(t, err)

	ok, err := in.provable(context.Background(), st, eqSelf)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestProvableFailsWhenNegationFeasible(t *testing.T) {
	in, st := newTestInterp(t)

	sym, err := bitvector.Symbol("y", 1)
	require.NoError(t, err)
	one, err := bitvector.ConstU64(1, 1)
	require.NoError(t, err)
	eqOne, err := bitvector.Eq(sym, one)
	require.NoError(t, err)

	ok, err := in.provable(context.Background(), st, eqOne)
	require.NoError(t, err)
	require.False(t, ok) // y could also be 0
}

func TestBinOpDivByZeroProvenFailsPath(t *testing.T) {
	in, st := newTestInterp(t)
	f := st.Frame()

	ten, err := bitvector.ConstU64(10, 32)
	require.NoError(t, err)
	zero, err := bitvector.ConstU64(0, 32)
	require.NoError(t, err)

	_, err = in.binOp(context.Background(), st, f, "%r", ten, zero, true, bitvector.UDiv)
	require.NoError(t, err)
	require.Equal(t, pathstate.Errored, st.Status)
	require.Equal(t, pathstate.DivByZero, st.ErrKind)
}

func TestBinOpDivBySymbolicPushesNonZeroScope(t *testing.T) {
	in, st := newTestInterp(t)
	f := st.Frame()

	ten, err := bitvector.ConstU64(10, 32)
	require.NoError(t, err)
	sym, err := bitvector.Symbol("divisor", 32)
	require.NoError(t, err)

	depthBefore := st.Depth()
	_, err = in.binOp(context.Background(), st, f, "%r", ten, sym, true, bitvector.UDiv)
	require.NoError(t, err)
	require.Equal(t, pathstate.Running, st.Status)
	require.Equal(t, depthBefore+1, st.Depth())
	require.Contains(t, f.Regs, "%r")
}

func TestBinOpAddSetsRegister(t *testing.T) {
	in, st := newTestInterp(t)
	f := st.Frame()

	a, err := bitvector.ConstU64(3, 32)
	require.NoError(t, err)
	b, err := bitvector.ConstU64(4, 32)
	require.NoError(t, err)

	_, err = in.binOp(context.Background(), st, f, "%r", a, b, false, bitvector.Add)
	require.NoError(t, err)
	got, ok := f.Regs["%r"]
	require.True(t, ok)
	require.Equal(t, uint32(32), got.Width())
}

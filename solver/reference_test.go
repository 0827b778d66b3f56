package solver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/norlen/symex/bitvector"
)

func TestEmptyScopeIsSat(t *testing.T) {
	s := New()
	res, err := s.CheckSat(context.Background())
	require.NoError(t, err)
	require.Equal(t, Sat, res)
}

func TestContradictionIsUnsat(t *testing.T) {
	s := New()
	sym, _ := bitvector.Symbol("x", 1)
	one, _ := bitvector.ConstU64(1, 1)
	zero, _ := bitvector.ConstU64(0, 1)

	eqOne, _ := bitvector.Eq(sym, one)
	eqZero, _ := bitvector.Eq(sym, zero)

	require.NoError(t, s.Assert(eqOne))
	require.NoError(t, s.Assert(eqZero))

	res, err := s.CheckSat(context.Background())
	require.NoError(t, err)
	require.Equal(t, Unsat, res)
}

func TestBranchBothFeasible(t *testing.T) {
	sym, _ := bitvector.Symbol("cond", 1)

	// True branch: cond != 0
	zero, _ := bitvector.ConstU64(0, 1)
	isTrue, _ := bitvector.Ne(sym, zero)
	sTrue := New()
	require.NoError(t, sTrue.Assert(isTrue))
	res, err := sTrue.CheckSat(context.Background())
	require.NoError(t, err)
	require.Equal(t, Sat, res)
	v, err := sTrue.GetValue(context.Background(), sym)
	require.NoError(t, err)
	require.Equal(t, int64(1), v.Int64())

	// False branch: cond == 0
	isFalse, _ := bitvector.Eq(sym, zero)
	sFalse := New()
	require.NoError(t, sFalse.Assert(isFalse))
	res, err = sFalse.CheckSat(context.Background())
	require.NoError(t, err)
	require.Equal(t, Sat, res)
	v, err = sFalse.GetValue(context.Background(), sym)
	require.NoError(t, err)
	require.Equal(t, int64(0), v.Int64())
}

func TestPushPopRestoresScope(t *testing.T) {
	s := New()
	require.Equal(t, 0, s.Depth())
	s.Push()
	require.Equal(t, 1, s.Depth())

	sym, _ := bitvector.Symbol("x", 4)
	five, _ := bitvector.ConstU64(5, 4)
	eq, _ := bitvector.Eq(sym, five)
	require.NoError(t, s.Assert(eq))

	s.Pop()
	require.Equal(t, 0, s.Depth())

	res, err := s.CheckSat(context.Background())
	require.NoError(t, err)
	require.Equal(t, Sat, res) // constraint was popped, scope is empty again
}

// TestRestoreScopeSwapsSiblingConstraints models the executor switching
// between the two children of a fork: both sit at the same scope depth, but
// with complementary top scopes. RestoreScope must swap the asserted
// constraints, not just match depth.
func TestRestoreScopeSwapsSiblingConstraints(t *testing.T) {
	sym, _ := bitvector.Symbol("cond", 1)
	one, _ := bitvector.ConstU64(1, 1)
	isTrue, _ := bitvector.Eq(sym, one)
	isFalse, _ := bitvector.Not(isTrue)

	root := []*bitvector.BV{}
	trueScopes := [][]*bitvector.BV{root, {isTrue}}
	falseScopes := [][]*bitvector.BV{root, {isFalse}}

	s := NewSerialized(New())
	require.NoError(t, s.RestoreScope(2, trueScopes))
	res, err := s.CheckSat(context.Background())
	require.NoError(t, err)
	require.Equal(t, Sat, res)
	v, err := s.GetValue(context.Background(), sym)
	require.NoError(t, err)
	require.Equal(t, int64(1), v.Int64())

	// Same depth, different sibling: the model must flip.
	require.NoError(t, s.RestoreScope(2, falseScopes))
	res, err = s.CheckSat(context.Background())
	require.NoError(t, err)
	require.Equal(t, Sat, res)
	v, err = s.GetValue(context.Background(), sym)
	require.NoError(t, err)
	require.Equal(t, int64(0), v.Int64())
}

func TestGetValueBeforeCheckSatErrors(t *testing.T) {
	s := New()
	sym, _ := bitvector.Symbol("x", 8)
	_, err := s.GetValue(context.Background(), sym)
	require.ErrorIs(t, err, ErrNoModel)
}

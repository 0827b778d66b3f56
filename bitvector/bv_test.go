package bitvector

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConstWrapsToWidth(t *testing.T) {
	bv, err := Const(big.NewInt(257), 8)
	require.NoError(t, err)
	require.Equal(t, uint32(8), bv.Width())
	v, ok := bv.IsConst()
	require.True(t, ok)
	require.Equal(t, int64(1), v.Int64())
}

func TestWidthMismatchRejected(t *testing.T) {
	x, err := ConstU64(1, 8)
	require.NoError(t, err)
	y, err := ConstU64(1, 16)
	require.NoError(t, err)

	_, err = Add(x, y)
	require.ErrorIs(t, err, ErrWidthMismatch)
}

func TestAddEval(t *testing.T) {
	x, _ := ConstU64(5, 64)
	y, _ := ConstU64(10, 64)
	sum, err := Add(x, y)
	require.NoError(t, err)

	v, err := Eval(sum, nil)
	require.NoError(t, err)
	require.Equal(t, int64(15), v.Int64())
}

func TestUDivSDiv(t *testing.T) {
	x, _ := ConstI64(200, 64)
	y, _ := ConstI64(10, 64)
	u, err := UDiv(x, y)
	require.NoError(t, err)
	uv, err := Eval(u, nil)
	require.NoError(t, err)
	require.Equal(t, int64(20), uv.Int64())

	negy, _ := ConstI64(-10, 64)
	s, err := SDiv(x, negy)
	require.NoError(t, err)
	sv, err := Eval(s, nil)
	require.NoError(t, err)
	require.Equal(t, toSigned(sv, 64).Int64(), int64(-20))
}

func TestTruncZextIdentity(t *testing.T) {
	sym, _ := Symbol("x", 8)
	wide, err := ZExt(sym, 32)
	require.NoError(t, err)
	narrow, err := Trunc(wide, 8)
	require.NoError(t, err)

	env := map[string]*big.Int{"x": big.NewInt(0xAB)}
	orig, _ := Eval(sym, env)
	rt, err := Eval(narrow, env)
	require.NoError(t, err)
	require.Equal(t, orig, rt)
}

func TestSextThenTruncIdentity(t *testing.T) {
	sym, _ := Symbol("x", 8)
	wide, err := SExt(sym, 32)
	require.NoError(t, err)
	narrow, err := Trunc(wide, 8)
	require.NoError(t, err)

	env := map[string]*big.Int{"x": big.NewInt(0xFE)} // -2 as i8
	orig, _ := Eval(sym, env)
	rt, err := Eval(narrow, env)
	require.NoError(t, err)
	require.Equal(t, orig, rt)
}

func TestIcmpEqNeSelf(t *testing.T) {
	sym, _ := Symbol("x", 32)
	eq, err := Eq(sym, sym)
	require.NoError(t, err)
	ne, err := Ne(sym, sym)
	require.NoError(t, err)

	env := map[string]*big.Int{"x": big.NewInt(42)}
	eqv, err := Eval(eq, env)
	require.NoError(t, err)
	require.Equal(t, int64(1), eqv.Int64())
	nev, err := Eval(ne, env)
	require.NoError(t, err)
	require.Equal(t, int64(0), nev.Int64())
}

func TestCommutativity(t *testing.T) {
	a, _ := ConstU64(7, 16)
	b, _ := ConstU64(9, 16)
	ab, _ := Add(a, b)
	ba, _ := Add(b, a)
	av, err := Eval(ab, nil)
	require.NoError(t, err)
	bv, err := Eval(ba, nil)
	require.NoError(t, err)
	require.Equal(t, av, bv)
}

func TestExtractConcatRoundTrip(t *testing.T) {
	sym, _ := Symbol("x", 32)
	lo, err := Extract(sym, 0, 15)
	require.NoError(t, err)
	hi, err := Extract(sym, 16, 31)
	require.NoError(t, err)
	joined, err := Concat(hi, lo)
	require.NoError(t, err)

	env := map[string]*big.Int{"x": big.NewInt(0x1234ABCD)}
	orig, _ := Eval(sym, env)
	rt, err := Eval(joined, env)
	require.NoError(t, err)
	require.Equal(t, orig, rt)
}

func TestIteSelectsBranch(t *testing.T) {
	cond, _ := ConstU64(1, 1)
	then, _ := ConstU64(10, 32)
	els, _ := ConstU64(20, 32)
	ite, err := Ite(cond, then, els)
	require.NoError(t, err)
	v, err := Eval(ite, nil)
	require.NoError(t, err)
	require.Equal(t, int64(10), v.Int64())
}

package pathstate_test

import (
	"testing"

	"github.com/llir/llvm/asm"
	"github.com/llir/llvm/ir"
	"github.com/stretchr/testify/require"

	"github.com/norlen/symex/bitvector"
	"github.com/norlen/symex/pathstate"
	"github.com/norlen/symex/project"
)

const twoFuncsSrc = `
define i32 @callee(i32 %a, i32 %b) {
entry:
  %r = add i32 %a, %b
  ret i32 %r
}

define i32 @caller(i32 %x) {
entry:
  ret i32 %x
}
`

func loadFuncs(t *testing.T, src string) *project.Project {
	t.Helper()
	m, err := asm.ParseString("test.ll", src)
	require.NoError(t, err)
	proj, err := project.Load([]*ir.Module{m})
	require.NoError(t, err)
	return proj
}

func TestNewAllSymbolicBindsOneSymbolPerParam(t *testing.T) {
	proj := loadFuncs(t, twoFuncsSrc)
	fn, err := proj.LookupFunction("callee")
	require.NoError(t, err)

	st, inputs, err := pathstate.New(1, proj, fn, pathstate.AllSymbolic, nil, 0)
	require.NoError(t, err)
	require.Len(t, inputs, 2)
	require.Equal(t, "0", st.Lineage)
	require.Equal(t, 1, st.Depth())
	require.NotNil(t, st.Frame())
}

func TestForkExtendsLineageAndOpensScope(t *testing.T) {
	proj := loadFuncs(t, twoFuncsSrc)
	fn, err := proj.LookupFunction("callee")
	require.NoError(t, err)

	st, _, err := pathstate.New(1, proj, fn, pathstate.AllSymbolic, nil, 0)
	require.NoError(t, err)

	cond, err := bitvector.Symbol("cond", 1)
	require.NoError(t, err)

	trueChild, falseChild, err := st.Fork(2, 3, cond)
	require.NoError(t, err)

	require.Equal(t, uint64(2), trueChild.ID)
	require.Equal(t, uint64(3), falseChild.ID)
	require.Equal(t, "0.0", trueChild.Lineage)
	require.Equal(t, "0.1", falseChild.Lineage)
	require.Equal(t, st.RootID, trueChild.RootID)
	require.Equal(t, st.RootID, falseChild.RootID)

	// Forking opens exactly one new scope on top of the parent's.
	require.Equal(t, st.Depth()+1, trueChild.Depth())
	require.Equal(t, st.Depth()+1, falseChild.Depth())

	// The parent itself is left untouched.
	require.Equal(t, "0", st.Lineage)
}

func TestForkManyAssignsDistinctLineageSuffixes(t *testing.T) {
	proj := loadFuncs(t, twoFuncsSrc)
	fn, err := proj.LookupFunction("callee")
	require.NoError(t, err)
	st, _, err := pathstate.New(1, proj, fn, pathstate.AllSymbolic, nil, 0)
	require.NoError(t, err)

	a, err := bitvector.ConstU64(1, 1)
	require.NoError(t, err)
	b, err := bitvector.ConstU64(1, 1)
	require.NoError(t, err)
	c, err := bitvector.ConstU64(1, 1)
	require.NoError(t, err)

	children := st.ForkMany([]uint64{10, 11, 12}, []*bitvector.BV{a, b, c})
	require.Len(t, children, 3)
	require.Equal(t, []string{"0.0", "0.1", "0.2"}, []string{
		children[0].Lineage, children[1].Lineage, children[2].Lineage,
	})
	for _, c := range children {
		require.Equal(t, st.RootID, c.RootID)
	}
}

func TestCallPushesFrameAndReturnWritesBack(t *testing.T) {
	proj := loadFuncs(t, twoFuncsSrc)
	caller, err := proj.LookupFunction("caller")
	require.NoError(t, err)
	callee, err := proj.LookupFunction("callee")
	require.NoError(t, err)

	st, _, err := pathstate.New(1, proj, caller, pathstate.AllSymbolic, nil, 0)
	require.NoError(t, err)
	require.Len(t, st.Frames, 1)

	a, err := bitvector.ConstU64(3, 32)
	require.NoError(t, err)
	b, err := bitvector.ConstU64(4, 32)
	require.NoError(t, err)

	err = st.Call(callee, []*bitvector.BV{a, b}, "%result")
	require.NoError(t, err)
	require.Len(t, st.Frames, 2)
	require.Equal(t, callee, st.Frame().Func)

	sum, err := bitvector.ConstU64(7, 32)
	require.NoError(t, err)
	err = st.Return(sum)
	require.NoError(t, err)

	require.Len(t, st.Frames, 1)
	require.Equal(t, caller, st.Frame().Func)
	got, ok := st.Frame().Regs["%result"]
	require.True(t, ok)
	require.Equal(t, sum, got)
	require.Equal(t, pathstate.Running, st.Status)
}

func TestReturnFromOutermostFrameTerminatesPath(t *testing.T) {
	proj := loadFuncs(t, twoFuncsSrc)
	fn, err := proj.LookupFunction("callee")
	require.NoError(t, err)
	st, _, err := pathstate.New(1, proj, fn, pathstate.AllSymbolic, nil, 0)
	require.NoError(t, err)

	v, err := bitvector.ConstU64(42, 32)
	require.NoError(t, err)
	require.NoError(t, st.Return(v))
	require.Equal(t, pathstate.Returned, st.Status)
	require.Equal(t, v, st.ReturnValue)
	require.Empty(t, st.Frames)
}

func TestPushScopeAndConstraintsFlatten(t *testing.T) {
	proj := loadFuncs(t, twoFuncsSrc)
	fn, err := proj.LookupFunction("callee")
	require.NoError(t, err)
	st, _, err := pathstate.New(1, proj, fn, pathstate.AllSymbolic, nil, 0)
	require.NoError(t, err)

	c1, err := bitvector.ConstU64(1, 1)
	require.NoError(t, err)
	c2, err := bitvector.ConstU64(0, 1)
	require.NoError(t, err)

	st.PushScope(c1)
	st.PushScope(c2)
	require.Equal(t, 3, st.Depth()) // root scope + 2 pushed
	require.Equal(t, []*bitvector.BV{c1, c2}, st.Constraints())
}

func TestFailAndWarnRecordState(t *testing.T) {
	proj := loadFuncs(t, twoFuncsSrc)
	fn, err := proj.LookupFunction("callee")
	require.NoError(t, err)
	st, _, err := pathstate.New(1, proj, fn, pathstate.AllSymbolic, nil, 0)
	require.NoError(t, err)

	st.Warn("something looked odd at %s", "entry")
	require.Len(t, st.Warnings, 1)

	st.Fail(pathstate.DivByZero, "callee:entry#1", "divide by zero")
	require.Equal(t, pathstate.Errored, st.Status)
	require.Equal(t, pathstate.DivByZero, st.ErrKind)
	require.Equal(t, "divide by zero", st.ErrMsg)
	require.Equal(t, "callee:entry#1", st.ErrSite)
}

package executor_test

import (
	"context"
	"math/big"
	"sort"
	"testing"

	"github.com/llir/llvm/asm"
	"github.com/llir/llvm/ir"
	"github.com/stretchr/testify/require"

	"github.com/norlen/symex/executor"
	"github.com/norlen/symex/pathstate"
	"github.com/norlen/symex/project"
	"github.com/norlen/symex/solver"
)

// buildProject parses src (a small hand-written .ll program) into a
// *project.Project, the way cmd-level callers do via asm.ParseFile —
// asm.ParseString here just avoids a throwaway file on disk.
func buildProject(t *testing.T, src string) *project.Project {
	t.Helper()
	m, err := asm.ParseString("test.ll", src)
	require.NoError(t, err)
	proj, err := project.Load([]*ir.Module{m})
	require.NoError(t, err)
	return proj
}

func run(t *testing.T, src, entry string) []executor.Report {
	t.Helper()
	proj := buildProject(t, src)
	fn, err := proj.LookupFunction(entry)
	require.NoError(t, err)

	exe := executor.New(proj, solver.New(), executor.Options{MaxStepsPerPath: 10000})
	reports, err := exe.Run(context.Background(), fn)
	require.NoError(t, err)
	return reports
}

// asSigned reinterprets an unsigned big.Int as a two's-complement signed
// value of width w bits.
func asSigned(v *big.Int, w uint) int64 {
	signBit := new(big.Int).Lsh(big.NewInt(1), w-1)
	if v.Cmp(signBit) < 0 {
		return v.Int64()
	}
	full := new(big.Int).Lsh(big.NewInt(1), w)
	return new(big.Int).Sub(v, full).Int64()
}

func TestAddConstants(t *testing.T) {
	src := `
define i64 @main() {
entry:
  %r = add i64 5, 10
  ret i64 %r
}
`
	reports := run(t, src, "main")
	require.Len(t, reports, 1)
	require.Equal(t, pathstate.Returned, reports[0].Status)
	require.Equal(t, int64(15), reports[0].ReturnValue.Int64())
}

func TestUDivSDiv(t *testing.T) {
	src := `
define i64 @udiv_test() {
entry:
  %r = udiv i64 200, 10
  ret i64 %r
}

define i64 @sdiv_test() {
entry:
  %r = sdiv i64 200, -10
  ret i64 %r
}
`
	udivReports := run(t, src, "udiv_test")
	require.Len(t, udivReports, 1)
	require.Equal(t, int64(20), udivReports[0].ReturnValue.Int64())

	sdivReports := run(t, src, "sdiv_test")
	require.Len(t, sdivReports, 1)
	require.Equal(t, int64(-20), asSigned(sdivReports[0].ReturnValue, 64))
}

func TestExtractInsertValue(t *testing.T) {
	src := `
define i32 @extract_test() {
entry:
  %r = extractvalue [4 x i32] [i32 1, i32 2, i32 3, i32 4], 2
  ret i32 %r
}

define [4 x i8] @insert_test() {
entry:
  %r = insertvalue [4 x i8] [i8 1, i8 2, i8 3, i8 4], i8 10, 1
  ret [4 x i8] %r
}
`
	extractReports := run(t, src, "extract_test")
	require.Len(t, extractReports, 1)
	require.Equal(t, int64(3), extractReports[0].ReturnValue.Int64())

	insertReports := run(t, src, "insert_test")
	require.Len(t, insertReports, 1)
	require.Equal(t, uint64(0x0403_0a01), insertReports[0].ReturnValue.Uint64())
}

func TestSaddWithOverflow(t *testing.T) {
	src := `
declare {i8, i1} @llvm.sadd.with.overflow.i8(i8, i8)

define {i8, i1} @main() {
entry:
  %r = call {i8, i1} @llvm.sadd.with.overflow.i8(i8 120, i8 10)
  ret {i8, i1} %r
}
`
	reports := run(t, src, "main")
	require.Len(t, reports, 1)
	// {i8, i1} packs to 2 bytes: low byte is the wrapped sum (0x82), high
	// byte is the overflow flag (0x01).
	require.Equal(t, uint64(0x0182), reports[0].ReturnValue.Uint64())
}

func TestUaddSat(t *testing.T) {
	src := `
declare i4 @llvm.uadd.sat.i4(i4, i4)

define i4 @main() {
entry:
  %r = call i4 @llvm.uadd.sat.i4(i4 8, i4 8)
  ret i4 %r
}
`
	reports := run(t, src, "main")
	require.Len(t, reports, 1)
	require.Equal(t, uint64(15), reports[0].ReturnValue.Uint64())
}

// TestSymbolicBranchForks checks that a two-branch function with br on a
// symbolic i1 yields exactly two reports, one per concretization of the
// branch condition.
func TestSymbolicBranchForks(t *testing.T) {
	src := `
define i32 @branch_test(i1 %cond) {
entry:
  br i1 %cond, label %t, label %f
t:
  ret i32 1
f:
  ret i32 0
}
`
	reports := run(t, src, "branch_test")
	require.Len(t, reports, 2)

	var returns []int64
	for _, r := range reports {
		require.Equal(t, pathstate.Returned, r.Status)
		returns = append(returns, r.ReturnValue.Int64())
		cond, ok := r.Inputs["%cond"]
		require.True(t, ok)
		if r.ReturnValue.Int64() == 1 {
			require.Equal(t, uint64(1), cond.Uint64())
		} else {
			require.Equal(t, uint64(0), cond.Uint64())
		}
	}
	sort.Slice(returns, func(i, j int) bool { return returns[i] < returns[j] })
	require.Equal(t, []int64{0, 1}, returns)
}

// TestMemcpyFiveBytes copies five bytes between two stack arrays and reads
// the destination back as one i64.
func TestMemcpyFiveBytes(t *testing.T) {
	src := `
declare void @llvm.memcpy.p0i8.p0i8.i64(i8*, i8*, i64, i1)

define i64 @main() {
entry:
  %dst = alloca [8 x i8]
  %src = alloca [8 x i8]
  store [8 x i8] [i8 6, i8 0, i8 7, i8 0, i8 -53, i8 -2, i8 67, i8 101], [8 x i8]* %dst
  store [8 x i8] [i8 -51, i8 -85, i8 52, i8 18, i8 103, i8 86, i8 -66, i8 -66], [8 x i8]* %src
  %dstp = bitcast [8 x i8]* %dst to i8*
  %srcp = bitcast [8 x i8]* %src to i8*
  call void @llvm.memcpy.p0i8.p0i8.i64(i8* %dstp, i8* %srcp, i64 5, i1 0)
  %rp = bitcast [8 x i8]* %dst to i64*
  %r = load i64, i64* %rp
  ret i64 %r
}
`
	reports := run(t, src, "main")
	require.Len(t, reports, 1)
	require.Equal(t, pathstate.Returned, reports[0].Status)
	require.Equal(t, uint64(0x6543fe671234abcd), reports[0].ReturnValue.Uint64())
}

// TestMemcpySymbolicLengthForksPerFeasibleLength exercises a memcpy whose
// length is symbolic but path-constrained (via llvm.assume) to exactly two
// feasible values, 3 and 5: the engine must fork one child per feasible
// length rather than picking a single satisfying model, so both copy sizes
// are explored and neither is silently dropped.
func TestMemcpySymbolicLengthForksPerFeasibleLength(t *testing.T) {
	src := `
declare void @llvm.memcpy.p0i8.p0i8.i64(i8*, i8*, i64, i1)
declare void @llvm.assume(i1)

define i64 @main(i64 %n) {
entry:
  %dst = alloca [8 x i8]
  %src = alloca [8 x i8]
  store [8 x i8] [i8 0, i8 0, i8 0, i8 0, i8 0, i8 0, i8 0, i8 0], [8 x i8]* %dst
  store [8 x i8] [i8 1, i8 2, i8 3, i8 4, i8 5, i8 6, i8 7, i8 8], [8 x i8]* %src
  %is3 = icmp eq i64 %n, 3
  %is5 = icmp eq i64 %n, 5
  %isvalid = or i1 %is3, %is5
  call void @llvm.assume(i1 %isvalid)
  %dstp = bitcast [8 x i8]* %dst to i8*
  %srcp = bitcast [8 x i8]* %src to i8*
  call void @llvm.memcpy.p0i8.p0i8.i64(i8* %dstp, i8* %srcp, i64 %n, i1 0)
  %rp = bitcast [8 x i8]* %dst to i64*
  %r = load i64, i64* %rp
  ret i64 %r
}
`
	reports := run(t, src, "main")
	require.Len(t, reports, 2)

	var returns []uint64
	for _, r := range reports {
		require.Equal(t, pathstate.Returned, r.Status)
		returns = append(returns, r.ReturnValue.Uint64())
	}
	sort.Slice(returns, func(i, j int) bool { return returns[i] < returns[j] })
	// length 3 copies bytes {1,2,3} into the low 3 bytes, little-endian ->
	// 0x030201; length 5 copies {1,2,3,4,5} -> 0x0504030201.
	require.Equal(t, []uint64{0x030201, 0x0504030201}, returns)
}

// TestSolverUnknownPolicyTerminatesPath drives a branch condition the
// reference solver cannot decide (a 64-bit range constraint outside its
// seeded search domain) under the treat-as-error unknown policy: the path
// must terminate SolverUnknown instead of over-approximating unknown as sat.
func TestSolverUnknownPolicyTerminatesPath(t *testing.T) {
	src := `
define i32 @main(i64 %n) {
entry:
  %lo = icmp ugt i64 %n, 100
  %hi = icmp ult i64 %n, 200
  %both = and i1 %lo, %hi
  br i1 %both, label %t, label %f
t:
  ret i32 1
f:
  ret i32 0
}
`
	proj := buildProject(t, src)
	fn, err := proj.LookupFunction("main")
	require.NoError(t, err)

	exe := executor.New(proj, solver.New(), executor.Options{MaxStepsPerPath: 10000, SolverUnknownIsError: true})
	reports, err := exe.Run(context.Background(), fn)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Equal(t, pathstate.Errored, reports[0].Status)
	require.Equal(t, pathstate.SolverUnknown, reports[0].ErrKind)
}

func TestMallocStoreLoadFree(t *testing.T) {
	src := `
declare i8* @malloc(i64)
declare void @free(i8*)

define i64 @main() {
entry:
  %p = call i8* @malloc(i64 8)
  %ip = bitcast i8* %p to i64*
  store i64 81985529216486895, i64* %ip
  %r = load i64, i64* %ip
  call void @free(i8* %p)
  ret i64 %r
}
`
	reports := run(t, src, "main")
	require.Len(t, reports, 1)
	require.Equal(t, pathstate.Returned, reports[0].Status)
	require.Equal(t, uint64(0x0123456789abcdef), reports[0].ReturnValue.Uint64())
}

func TestCallocZeroFills(t *testing.T) {
	src := `
declare i8* @calloc(i64, i64)

define i64 @main() {
entry:
  %p = call i8* @calloc(i64 4, i64 2)
  %ip = bitcast i8* %p to i64*
  %r = load i64, i64* %ip
  ret i64 %r
}
`
	reports := run(t, src, "main")
	require.Len(t, reports, 1)
	require.Equal(t, pathstate.Returned, reports[0].Status)
	require.Equal(t, uint64(0), reports[0].ReturnValue.Uint64())
}

func TestDoubleFreeTerminatesPath(t *testing.T) {
	src := `
declare i8* @malloc(i64)
declare void @free(i8*)

define i64 @main() {
entry:
  %p = call i8* @malloc(i64 4)
  call void @free(i8* %p)
  call void @free(i8* %p)
  ret i64 0
}
`
	reports := run(t, src, "main")
	require.Len(t, reports, 1)
	require.Equal(t, pathstate.Errored, reports[0].Status)
	require.Equal(t, pathstate.DoubleFree, reports[0].ErrKind)
}

func TestUseAfterFreeTerminatesPath(t *testing.T) {
	src := `
declare i8* @malloc(i64)
declare void @free(i8*)

define i32 @main() {
entry:
  %p = call i8* @malloc(i64 4)
  call void @free(i8* %p)
  %ip = bitcast i8* %p to i32*
  %r = load i32, i32* %ip
  ret i32 %r
}
`
	reports := run(t, src, "main")
	require.Len(t, reports, 1)
	require.Equal(t, pathstate.Errored, reports[0].Status)
	require.Equal(t, pathstate.UseAfterFree, reports[0].ErrKind)
}

func TestFreeOfStackPointerTerminatesPath(t *testing.T) {
	src := `
declare void @free(i8*)

define i64 @main() {
entry:
  %s = alloca i64
  %p = bitcast i64* %s to i8*
  call void @free(i8* %p)
  ret i64 0
}
`
	reports := run(t, src, "main")
	require.Len(t, reports, 1)
	require.Equal(t, pathstate.Errored, reports[0].Status)
	require.Equal(t, pathstate.OutOfBounds, reports[0].ErrKind)
}

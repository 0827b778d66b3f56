package interp

import (
	"context"

	"github.com/norlen/symex/bitvector"
	"github.com/norlen/symex/pathstate"
	"github.com/norlen/symex/solver"
)

// binOp computes fn(x, y), asserting a non-zero divisor first when fn can
// divide by zero and the solver can't prove the divisor is always nonzero.
// A provably-zero divisor raises DivByZero instead of proceeding.
func (in *Interp) binOp(ctx context.Context, st *pathstate.State, f *pathstate.Frame, name string, x, y *bitvector.BV, isDiv bool, fn func(x, y *bitvector.BV) (*bitvector.BV, error)) ([]*pathstate.State, error) {
	result, err := in.guardedBinOp(ctx, st, x, y, isDiv, fn)
	if err != nil || st.Status != pathstate.Running {
		return nil, err
	}
	setReg(f, name, result)
	return nil, nil
}

// guardedBinOp is binOp without the register write-back, so a caller
// splitting a vector operand into lanes (package interp's vector.go) can run
// the same divide-by-zero guard independently per lane.
func (in *Interp) guardedBinOp(ctx context.Context, st *pathstate.State, x, y *bitvector.BV, isDiv bool, fn func(x, y *bitvector.BV) (*bitvector.BV, error)) (*bitvector.BV, error) {
	if isDiv {
		zero, err := bitvector.ConstU64(0, y.Width())
		if err != nil {
			return nil, err
		}
		isZero, err := bitvector.Eq(y, zero)
		if err != nil {
			return nil, err
		}
		provablyZero, err := in.provable(ctx, st, isZero)
		if err != nil {
			return nil, err
		}
		if st.Status != pathstate.Running {
			return nil, nil
		}
		if provablyZero {
			st.Fail(pathstate.DivByZero, st.CurrentSite(), "division by zero")
			return nil, nil
		}
		canBeZero, err := in.feasible(ctx, st, isZero)
		if err != nil {
			return nil, err
		}
		if canBeZero {
			nonZero, err := bitvector.Not(isZero)
			if err != nil {
				return nil, err
			}
			st.PushScope(nonZero)
		}
	}

	return fn(x, y)
}

// provable reports whether cond's negation is unsatisfiable under st's
// current constraints — i.e. cond holds on every feasible model.
func (in *Interp) provable(ctx context.Context, st *pathstate.State, cond *bitvector.BV) (bool, error) {
	notCond, err := bitvector.Not(cond)
	if err != nil {
		return false, err
	}
	feasible, err := in.feasible(ctx, st, notCond)
	if err != nil {
		return false, err
	}
	return !feasible, nil
}

// feasible reports whether cond is satisfiable alongside st's current path
// constraint. Unknown is treated as feasible/sat by default, or terminates
// the path SolverUnknown when Interp.UnknownIsError is set. Callers that
// issue several feasibility checks in a row must stop once st is no longer
// Running, or a later Fail would overwrite the SolverUnknown report.
func (in *Interp) feasible(ctx context.Context, st *pathstate.State, cond *bitvector.BV) (bool, error) {
	if err := in.Solv.RestoreScope(st.Depth(), st.Scopes); err != nil {
		return false, err
	}
	in.Solv.Push()
	defer in.Solv.Pop()
	if err := in.Solv.Assert(cond); err != nil {
		return false, err
	}
	res, err := in.Solv.CheckSat(ctx)
	if in.Obs != nil {
		in.Obs.SolverCheck()
	}
	if err != nil {
		return false, err
	}
	switch res {
	case solver.Sat:
		return true, nil
	case solver.Unsat:
		if in.Obs != nil {
			in.Obs.Prune()
		}
		return false, nil
	default: // Unknown
		if in.UnknownIsError {
			st.Fail(pathstate.SolverUnknown, st.CurrentSite(), "solver returned unknown for a feasibility check")
			return false, nil
		}
		st.Warn("solver returned unknown for a feasibility check at %s; treating as sat", st.CurrentSite())
		return true, nil
	}
}

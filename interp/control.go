package interp

import (
	"context"

	"github.com/llir/llvm/ir"
	"github.com/pkg/errors"

	"github.com/norlen/symex/bitvector"
	"github.com/norlen/symex/pathstate"
)

// execPhi resolves the incoming value whose predecessor matches the block
// execution just arrived from (PrevBlock, set by the terminator that
// jumped here).
func (in *Interp) execPhi(st *pathstate.State, f *pathstate.Frame, name string, ii *ir.InstPhi) ([]*pathstate.State, error) {
	for _, inc := range ii.Incs {
		if inc.Pred == f.PrevBlock {
			val, err := in.resolveOperand(st, f, inc.X)
			if err != nil {
				return nil, err
			}
			setReg(f, name, val)
			return nil, nil
		}
	}
	return nil, errors.Errorf("interp: phi %q has no incoming value for predecessor block %q", name, f.PrevBlock.Name())
}

// execSelect picks between X and Y with an ite expression rather than
// forking — select never branches control flow.
func (in *Interp) execSelect(st *pathstate.State, f *pathstate.Frame, name string, ii *ir.InstSelect) ([]*pathstate.State, error) {
	cond, err := in.resolveOperand(st, f, ii.Cond)
	if err != nil {
		return nil, err
	}
	x, err := in.resolveOperand(st, f, ii.ValueTrue)
	if err != nil {
		return nil, err
	}
	y, err := in.resolveOperand(st, f, ii.ValueFalse)
	if err != nil {
		return nil, err
	}
	result, err := bitvector.Ite(cond, x, y)
	if err != nil {
		return nil, err
	}
	setReg(f, name, result)
	return nil, nil
}

// jump transfers control to target within the current frame, recording the
// block execution is leaving for the next block's phi resolution.
func jump(f *pathstate.Frame, target *ir.Block) {
	f.PrevBlock = f.Block
	f.Block = target
	f.InstIdx = 0
}

// execTerm runs a basic block's terminator: ret pops a frame (and may end
// the path), br/switch move the instruction pointer within the frame
// (forking at each feasible alternative), and unreachable is always an
// error.
func (in *Interp) execTerm(ctx context.Context, st *pathstate.State, f *pathstate.Frame, term ir.Terminator, nextID IDAllocator) ([]*pathstate.State, error) {
	switch tt := term.(type) {
	case *ir.TermRet:
		if tt.X == nil {
			if err := st.Return(nil); err != nil {
				return nil, err
			}
			return nil, nil
		}
		val, err := in.resolveOperand(st, f, tt.X)
		if err != nil {
			return nil, err
		}
		if err := st.Return(val); err != nil {
			return nil, err
		}
		return nil, nil

	case *ir.TermBr:
		jump(f, tt.Target.(*ir.Block))
		return nil, nil

	case *ir.TermCondBr:
		return in.execCondBr(ctx, st, f, tt, nextID)

	case *ir.TermSwitch:
		return in.execSwitch(ctx, st, f, tt, nextID)

	case *ir.TermUnreachable:
		st.Fail(pathstate.UnreachableReached, st.CurrentSite(), "reached an unreachable instruction")
		return nil, nil

	default:
		return unsupported(st, instrOpcode(term))
	}
}

// execCondBr forks into a true and a false child whenever both branches are
// feasible, dropping whichever side the solver proves infeasible; the true
// child is scheduled before the false one for reproducible left-first
// ordering.
func (in *Interp) execCondBr(ctx context.Context, st *pathstate.State, f *pathstate.Frame, tt *ir.TermCondBr, nextID IDAllocator) ([]*pathstate.State, error) {
	cond, err := in.resolveOperand(st, f, tt.Cond)
	if err != nil {
		return nil, err
	}

	trueFeasible, err := in.feasible(ctx, st, cond)
	if err != nil || st.Status != pathstate.Running {
		return nil, err
	}
	notCond, err := bitvector.Not(cond)
	if err != nil {
		return nil, err
	}
	falseFeasible, err := in.feasible(ctx, st, notCond)
	if err != nil || st.Status != pathstate.Running {
		return nil, err
	}

	switch {
	case trueFeasible && falseFeasible:
		trueChild, falseChild, err := st.Fork(nextID(), nextID(), cond)
		if err != nil {
			return nil, err
		}
		jump(trueChild.Frame(), tt.TargetTrue.(*ir.Block))
		jump(falseChild.Frame(), tt.TargetFalse.(*ir.Block))
		return []*pathstate.State{trueChild, falseChild}, nil

	case trueFeasible:
		jump(f, tt.TargetTrue.(*ir.Block))
		return nil, nil

	case falseFeasible:
		jump(f, tt.TargetFalse.(*ir.Block))
		return nil, nil

	default:
		st.Status = pathstate.AssumptionUnsat
		return nil, nil
	}
}

// execSwitch folds switch into a chain of equality tests against X, forking
// once per feasible case, plus the default whenever X can differ from every
// case value (LLVM's switch semantics: the default covers values matching
// no case).
func (in *Interp) execSwitch(ctx context.Context, st *pathstate.State, f *pathstate.Frame, tt *ir.TermSwitch, nextID IDAllocator) ([]*pathstate.State, error) {
	x, err := in.resolveOperand(st, f, tt.X)
	if err != nil {
		return nil, err
	}

	type branch struct {
		cond   *bitvector.BV
		target *ir.Block
	}
	var branches []branch
	var noneMatched *bitvector.BV

	for _, c := range tt.Cases {
		caseVal, err := in.resolveOperand(st, f, c.X)
		if err != nil {
			return nil, err
		}
		eq, err := bitvector.Eq(x, caseVal)
		if err != nil {
			return nil, err
		}
		ok, err := in.feasible(ctx, st, eq)
		if err != nil || st.Status != pathstate.Running {
			return nil, err
		}
		if ok {
			branches = append(branches, branch{cond: eq, target: c.Target.(*ir.Block)})
		}
		ne, err := bitvector.Ne(x, caseVal)
		if err != nil {
			return nil, err
		}
		if noneMatched == nil {
			noneMatched = ne
		} else {
			noneMatched, err = bitvector.And(noneMatched, ne)
			if err != nil {
				return nil, err
			}
		}
	}
	if noneMatched == nil {
		noneMatched, err = bitvector.ConstU64(1, 1)
		if err != nil {
			return nil, err
		}
	}
	if ok, err := in.feasible(ctx, st, noneMatched); err != nil || st.Status != pathstate.Running {
		return nil, err
	} else if ok {
		branches = append(branches, branch{cond: noneMatched, target: tt.TargetDefault.(*ir.Block)})
	}

	if len(branches) == 0 {
		st.Status = pathstate.AssumptionUnsat
		return nil, nil
	}
	if len(branches) == 1 {
		jump(f, branches[0].target)
		return nil, nil
	}

	ids := make([]uint64, len(branches))
	conds := make([]*bitvector.BV, len(branches))
	for i, b := range branches {
		ids[i] = nextID()
		conds[i] = b.cond
	}
	children := st.ForkMany(ids, conds)
	for i, b := range branches {
		jump(children[i].Frame(), b.target)
	}
	return children, nil
}

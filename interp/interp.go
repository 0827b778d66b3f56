// Package interp implements Instruction Semantics (IS): the dispatcher that
// maps each supported LLVM instruction to its bitvector-level effect on a
// Path State. Step advances exactly one instruction
// (or, at a basic block's end, its terminator) and reports what happened —
// continue, fork into children, terminate, or error — leaving the decision
// of what to do with that outcome to package executor.
package interp

import (
	"context"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/value"
	"github.com/pkg/errors"

	"github.com/norlen/symex/bitvector"
	"github.com/norlen/symex/pathstate"
	"github.com/norlen/symex/project"
	"github.com/norlen/symex/solver"
)

// IDAllocator hands out fresh path ids for forks; the executor owns the
// counter so ids stay globally unique across every path it has ever
// scheduled.
type IDAllocator func() uint64

// Observer receives ambient exploration events Step produces, for the
// executor's metrics and logging. A nil Interp.Obs disables all of it at no
// cost.
type Observer interface {
	// SolverCheck is called once per CheckSat query issued while deciding
	// feasibility.
	SolverCheck()
	// Prune is called once per branch alternative dropped as infeasible.
	Prune()
	// Fork is called once per Step call that replaces its path with n
	// children (n >= 2).
	Fork(n int)
}

// Interp binds together the read-only Project and the shared Solver every
// Step call needs.
type Interp struct {
	Proj *project.Project
	Solv *solver.Serialized
	Obs  Observer
	// UnknownIsError makes an Unknown feasibility result terminate the
	// path SolverUnknown instead of over-approximating it as sat.
	UnknownIsError bool
}

// New returns an Interp ready to drive paths over proj using solv as the
// shared, serialized solver.
func New(proj *project.Project, solv *solver.Serialized) *Interp {
	return &Interp{Proj: proj, Solv: solv}
}

// Step advances st by exactly one instruction or terminator. On a plain
// instruction it mutates st in place and returns (nil, nil). On a
// control-flow fork it leaves st untouched and returns the children that
// replace it in the worklist. Any error return is an InternalInvariant —
// everything recoverable at the path level is recorded on st.Status
// instead, so a path error is never fatal to the executor.
func (in *Interp) Step(ctx context.Context, st *pathstate.State, nextID IDAllocator) ([]*pathstate.State, error) {
	f := st.Frame()
	if f == nil {
		return nil, errors.New("interp: step on a path with no active frame")
	}

	st.Steps++

	if f.InstIdx < len(f.Block.Insts) {
		instr := f.Block.Insts[f.InstIdx]
		f.InstIdx++
		children, err := in.execInst(ctx, st, f, instr, nextID)
		if err != nil {
			return nil, err
		}
		in.observeFork(children)
		return children, nil
	}

	children, err := in.execTerm(ctx, st, f, f.Block.Term, nextID)
	if err != nil {
		return nil, err
	}
	in.observeFork(children)
	return children, nil
}

// observeFork reports a multi-child Step outcome to in.Obs, if set.
func (in *Interp) observeFork(children []*pathstate.State) {
	if in.Obs != nil && len(children) > 1 {
		in.Obs.Fork(len(children))
	}
}

// resolveOperand turns an IR operand into a bitvector: constants lower
// through Project & Layout, everything else is a local/parameter register
// read from f's SSA register map.
func (in *Interp) resolveOperand(st *pathstate.State, f *pathstate.Frame, v value.Value) (*bitvector.BV, error) {
	if c, ok := v.(constant.Constant); ok {
		return in.Proj.LowerConstant(c, st.Globals)
	}
	bv, ok := f.Regs[v.Ident()]
	if !ok {
		return nil, errors.Errorf("interp: unbound register %q", v.Ident())
	}
	return bv, nil
}

func (in *Interp) resolveOperands(st *pathstate.State, f *pathstate.Frame, vs []value.Value) ([]*bitvector.BV, error) {
	out := make([]*bitvector.BV, len(vs))
	for i, v := range vs {
		bv, err := in.resolveOperand(st, f, v)
		if err != nil {
			return nil, err
		}
		out[i] = bv
	}
	return out, nil
}

func setReg(f *pathstate.Frame, name string, bv *bitvector.BV) {
	f.Regs[name] = bv
}

// unsupported terminates st with UnsupportedInstruction(opcode) — the
// catch-all for floating point, exception handling, vector element ops,
// and atomics, none of which this engine models.
func unsupported(st *pathstate.State, opcode string) ([]*pathstate.State, error) {
	st.Fail(pathstate.UnsupportedInstruction, st.CurrentSite(), "unsupported instruction: %s", opcode)
	return nil, nil
}

// identOf returns the stable string identity an instruction's result is
// stored under in a frame's register map; every ir.Instruction is also a
// value.Value and so carries an Ident().
func identOf(v ir.Instruction) string {
	if n, ok := v.(value.Value); ok {
		return n.Ident()
	}
	return ""
}

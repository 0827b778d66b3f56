// Package executor implements the worklist-driven path explorer (EX): it
// owns path-id allocation, schedules every runnable path to completion,
// and turns each terminal pathstate.State into a Report the caller can
// inspect or print.
package executor

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/llir/llvm/ir"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/norlen/symex/bitvector"
	"github.com/norlen/symex/interp"
	"github.com/norlen/symex/pathstate"
	"github.com/norlen/symex/project"
	"github.com/norlen/symex/solver"
)

// Options configures one Run's exploration budget and solver policy; Go
// zero values select every documented default.
type Options struct {
	// MaxPaths bounds how many terminal path reports Run produces before it
	// stops scheduling further work. Zero means unbounded.
	MaxPaths int
	// MaxStepsPerPath bounds how many instructions/terminators a single path
	// may execute before it's force-terminated with Status == Bound. Zero
	// means unbounded.
	MaxStepsPerPath int
	// SymbolicOffsetByteThreshold caps how many concrete byte lanes
	// symmem.Memory will materialize for a load/store at a symbolic offset
	// before giving up with ErrUnsupportedSymbolicOffset. Zero selects
	// symmem's own default.
	SymbolicOffsetByteThreshold uint32
	// MaxWallClock bounds how long a single path may run (checked at each
	// instruction boundary) before it's force-terminated with Status ==
	// Bound. Zero means unbounded.
	MaxWallClock time.Duration
	// SolverUnknownIsError makes an Unknown feasibility result terminate
	// its path with SolverUnknown instead of over-approximating Unknown as
	// sat (the default, which records a path warning instead).
	SolverUnknownIsError bool
}

// Report summarizes one terminated path: its outcome, a concrete return
// value when one exists, concrete assignments for every originally-symbolic
// entry argument, and — for an Errored path — the failing instruction's
// site.
type Report struct {
	PathID      uint64
	Status      pathstate.Status
	ReturnValue *big.Int
	ErrKind     pathstate.ErrorKind
	ErrMsg      string
	ErrSite     string
	Inputs      map[string]*big.Int
	Warnings    []string
	Steps       int
}

// String renders a Report the way a command-line driver would print one
// line of exploration output.
func (r Report) String() string {
	switch r.Status {
	case pathstate.Returned:
		return fmt.Sprintf("path %d: returned %s (%d steps)", r.PathID, r.ReturnValue, r.Steps)
	case pathstate.ReturnedVoid:
		return fmt.Sprintf("path %d: returned (%d steps)", r.PathID, r.Steps)
	case pathstate.Errored:
		return fmt.Sprintf("path %d: error %s at %s: %s (%d steps)", r.PathID, r.ErrKind, r.ErrSite, r.ErrMsg, r.Steps)
	case pathstate.AssumptionUnsat:
		return fmt.Sprintf("path %d: assumption unsatisfiable (%d steps)", r.PathID, r.Steps)
	case pathstate.Bound:
		return fmt.Sprintf("path %d: bound reached (%d steps)", r.PathID, r.Steps)
	case pathstate.Cancelled:
		return fmt.Sprintf("path %d: cancelled (%d steps)", r.PathID, r.Steps)
	default:
		return fmt.Sprintf("path %d: %s (%d steps)", r.PathID, r.Status, r.Steps)
	}
}

// Executor drives one or more explorations against a fixed Project over a
// single shared, serialized solver: one solver instance, many paths, each
// path restoring the solver to its own scope before use.
type Executor struct {
	Proj   *project.Project
	Interp *interp.Interp
	Solv   *solver.Serialized
	Opts   Options

	// Log receives Debug-level fork/prune/error/bound events (path id,
	// instruction pointer, event).
	Log *logrus.Logger
	// Metrics is this Executor's own Prometheus registry and collectors;
	// Registry can be scraped or merged into a caller's own registry.
	Metrics  *Metrics
	Registry *prometheus.Registry

	nextID uint64
}

// New builds an Executor over proj, driving slv through a Serialized
// wrapper so every path step is safely ordered.
func New(proj *project.Project, slv solver.Solver, opts Options) *Executor {
	serialized := solver.NewSerialized(slv)
	reg := prometheus.NewRegistry()
	log := logrus.New()
	log.SetLevel(logrus.InfoLevel)

	e := &Executor{
		Proj:     proj,
		Interp:   interp.New(proj, serialized),
		Solv:     serialized,
		Opts:     opts,
		Log:      log,
		Metrics:  newMetrics(reg),
		Registry: reg,
	}
	e.Interp.Obs = executorObserver{e}
	e.Interp.UnknownIsError = opts.SolverUnknownIsError
	return e
}

// executorObserver adapts interp.Observer events onto an Executor's
// Metrics and Log, keeping package interp free of any Prometheus/logrus
// import (it only knows about the narrow Observer interface it declares).
type executorObserver struct{ e *Executor }

func (o executorObserver) SolverCheck() { o.e.Metrics.SolverChecks.Inc() }

func (o executorObserver) Prune() {
	o.e.Metrics.PathsPruned.Inc()
	o.e.Log.Debug("pruned an infeasible branch alternative")
}

func (o executorObserver) Fork(n int) {
	o.e.Metrics.PathsForked.Add(float64(n))
	o.e.Log.WithField("children", n).Debug("forked path")
}

func (e *Executor) allocID() uint64 {
	e.nextID++
	return e.nextID
}

// pending couples a scheduled path with the entry-function symbolic inputs
// its report should resolve a model for — threaded alongside the worklist
// rather than recomputed per path, since every fork of a run shares the same
// entry arguments. deadline is carried from the root path to every
// descendant a fork produces: the per-path wall-clock timeout is a property
// of the whole lineage from entry, not reset at each fork.
type pending struct {
	st       *pathstate.State
	inputs   []pathstate.SymbolicInput
	deadline time.Time
}

// Run explores every path reachable from entry's body, starting with every
// parameter bound to a fresh named symbol (AllSymbolic mode). Children are
// scheduled depth-first with the true/first child of every fork pushed
// last, so it pops — and its entire subtree completes — before any sibling
// runs, giving deterministic, reproducible report ordering.
func (e *Executor) Run(ctx context.Context, entry *ir.Func) ([]Report, error) {
	root, inputs, err := pathstate.New(e.allocID(), e.Proj, entry, pathstate.AllSymbolic, nil, e.Opts.SymbolicOffsetByteThreshold)
	if err != nil {
		return nil, errors.Wrap(err, "executor: building entry path")
	}
	return e.run(ctx, []pending{{root, inputs, e.deadlineFromNow()}})
}

// deadlineFromNow returns the zero time (meaning "no deadline") when
// MaxWallClock is unset, matching Options.MaxWallClock's documented
// zero-means-unbounded default.
func (e *Executor) deadlineFromNow() time.Time {
	if e.Opts.MaxWallClock <= 0 {
		return time.Time{}
	}
	return time.Now().Add(e.Opts.MaxWallClock)
}

// RunWithArgs explores every path reachable from entry's body with args
// bound positionally to its parameters instead of fresh symbols
// (CallerProvided mode) — for driving a known, concrete or
// partially-symbolic test harness rather than a fully symbolic entry point.
func (e *Executor) RunWithArgs(ctx context.Context, entry *ir.Func, args []*bitvector.BV) ([]Report, error) {
	root, inputs, err := pathstate.New(e.allocID(), e.Proj, entry, pathstate.CallerProvided, args, e.Opts.SymbolicOffsetByteThreshold)
	if err != nil {
		return nil, errors.Wrap(err, "executor: building entry path")
	}
	return e.run(ctx, []pending{{root, inputs, e.deadlineFromNow()}})
}

func (e *Executor) run(ctx context.Context, worklist []pending) ([]Report, error) {
	var reports []Report

	for len(worklist) > 0 {
		if e.Opts.MaxPaths > 0 && len(reports) >= e.Opts.MaxPaths {
			break
		}

		cur := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		st := cur.st

		children, err := e.drive(ctx, cur)
		if err != nil {
			return reports, err
		}
		if children != nil {
			for i := len(children) - 1; i >= 0; i-- {
				worklist = append(worklist, pending{children[i], cur.inputs, cur.deadline})
			}
			continue
		}
		rep := e.buildReport(ctx, st, cur.inputs)
		e.Metrics.PathsExplored.Inc()
		e.Metrics.PathSteps.Observe(float64(rep.Steps))
		switch rep.Status {
		case pathstate.Errored:
			e.Log.WithFields(logrus.Fields{"path": rep.PathID, "site": rep.ErrSite, "kind": rep.ErrKind}).Debug("path errored")
		case pathstate.Bound:
			e.Log.WithField("path", rep.PathID).Debug("path hit a bound")
		}
		reports = append(reports, rep)
	}
	return reports, nil
}

// drive steps p.st until it either forks (returning the children that
// replace it in the worklist) or terminates in place (returning nil,nil).
func (e *Executor) drive(ctx context.Context, p pending) ([]*pathstate.State, error) {
	st := p.st

	for st.Status == pathstate.Running {
		if ctx.Err() != nil {
			st.Status = pathstate.Cancelled
			return nil, nil
		}
		if e.Opts.MaxStepsPerPath > 0 && st.Steps >= e.Opts.MaxStepsPerPath {
			st.Status = pathstate.Bound
			return nil, nil
		}
		if !p.deadline.IsZero() && time.Now().After(p.deadline) {
			st.Status = pathstate.Bound
			return nil, nil
		}

		children, err := e.Interp.Step(ctx, st, e.allocID)
		if err != nil {
			return nil, errors.Wrapf(err, "path %d at %s", st.ID, st.CurrentSite())
		}
		if children != nil {
			return children, nil
		}
	}
	return nil, nil
}

// buildReport restores the solver to st's final scope and extracts a
// concrete model for the return value and every originally-symbolic entry
// argument. A model-extraction failure is recorded as a
// warning rather than aborting the whole run — the rest of the report is
// still meaningful.
func (e *Executor) buildReport(ctx context.Context, st *pathstate.State, inputs []pathstate.SymbolicInput) Report {
	rep := Report{
		PathID:   st.ID,
		Status:   st.Status,
		ErrKind:  st.ErrKind,
		ErrMsg:   st.ErrMsg,
		ErrSite:  st.ErrSite,
		Warnings: append([]string{}, st.Warnings...),
		Steps:    st.Steps,
	}

	needsModel := st.Status == pathstate.Returned || len(inputs) > 0
	if !needsModel {
		return rep
	}
	if err := e.Solv.RestoreScope(st.Depth(), st.Scopes); err != nil {
		rep.Warnings = append(rep.Warnings, fmt.Sprintf("could not restore solver scope for report: %v", err))
		return rep
	}
	if res, err := e.Solv.CheckSat(ctx); err != nil || res == solver.Unsat {
		rep.Warnings = append(rep.Warnings, "path constraint unsatisfiable while building report model")
		return rep
	}

	if st.Status == pathstate.Returned && st.ReturnValue != nil {
		if v, err := e.Solv.GetValue(ctx, st.ReturnValue); err != nil {
			rep.Warnings = append(rep.Warnings, fmt.Sprintf("could not extract return value model: %v", err))
		} else {
			rep.ReturnValue = v
		}
	}

	if len(inputs) > 0 {
		rep.Inputs = make(map[string]*big.Int, len(inputs))
		for _, in := range inputs {
			v, err := e.Solv.GetValue(ctx, in.BV)
			if err != nil {
				rep.Warnings = append(rep.Warnings, fmt.Sprintf("could not extract model for input %q: %v", in.Name, err))
				continue
			}
			rep.Inputs[in.Name] = v
		}
	}
	return rep
}

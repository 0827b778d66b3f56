// Package pathstate implements Path State (PS): the replicable unit of
// work the executor schedules. A State bundles a call stack of activation
// frames, a per-path symbolic memory, and the ordered path constraint
// (grouped into solver scopes so Fork and the executor's scope-restore
// logic agree on depth).
package pathstate

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/llir/llvm/ir"
	"github.com/pkg/errors"

	"github.com/norlen/symex/bitvector"
	"github.com/norlen/symex/symmem"
)

// Frame is one activation record.
type Frame struct {
	Func      *ir.Func
	Block     *ir.Block
	PrevBlock *ir.Block // for phi resolution; nil in a function's entry block
	InstIdx   int       // index into Block.Insts; Block.Term runs once InstIdx == len(Insts)
	Regs      map[string]*bitvector.BV
	Allocas   []uint64 // allocation ids released when this frame pops
	RetDest   string   // register name in the (now exposed) caller frame to receive the return value; "" if void or outermost
	Varargs   []*bitvector.BV
}

func newFrame(fn *ir.Func, retDest string) *Frame {
	return &Frame{
		Func:    fn,
		Block:   fn.Blocks[0],
		Regs:    map[string]*bitvector.BV{},
		RetDest: retDest,
	}
}

func (f *Frame) clone() *Frame {
	regs := make(map[string]*bitvector.BV, len(f.Regs))
	for k, v := range f.Regs {
		regs[k] = v
	}
	allocas := make([]uint64, len(f.Allocas))
	copy(allocas, f.Allocas)
	return &Frame{
		Func: f.Func, Block: f.Block, PrevBlock: f.PrevBlock, InstIdx: f.InstIdx,
		Regs: regs, Allocas: allocas, RetDest: f.RetDest, Varargs: f.Varargs,
	}
}

// Status is a path's termination state.
type Status int

const (
	Running Status = iota
	Returned
	ReturnedVoid
	Errored
	AssumptionUnsat
	Cancelled
	Bound
)

func (s Status) String() string {
	switch s {
	case Running:
		return "running"
	case Returned:
		return "returned"
	case ReturnedVoid:
		return "returned-void"
	case Errored:
		return "errored"
	case AssumptionUnsat:
		return "assumption-unsat"
	case Cancelled:
		return "cancelled"
	case Bound:
		return "bound"
	default:
		return "?"
	}
}

// ErrorKind enumerates the per-path error taxonomy.
type ErrorKind int

const (
	NoError ErrorKind = iota
	OutOfBounds
	UseAfterFree
	DoubleFree
	DivByZero
	MisalignedAccess
	UnreachableReached
	UnsupportedInstruction
	UnsupportedSymbolicOffset
	UnsupportedIntrinsic
	SolverUnknown
	InternalInvariant
)

func (k ErrorKind) String() string {
	switch k {
	case OutOfBounds:
		return "OutOfBounds"
	case UseAfterFree:
		return "UseAfterFree"
	case DoubleFree:
		return "DoubleFree"
	case DivByZero:
		return "DivByZero"
	case MisalignedAccess:
		return "MisalignedAccess"
	case UnreachableReached:
		return "UnreachableReached"
	case UnsupportedInstruction:
		return "UnsupportedInstruction"
	case UnsupportedSymbolicOffset:
		return "UnsupportedSymbolicOffset"
	case UnsupportedIntrinsic:
		return "UnsupportedIntrinsic"
	case SolverUnknown:
		return "SolverUnknown"
	case InternalInvariant:
		return "InternalInvariant"
	default:
		return "NoError"
	}
}

// State is one path: its call stack, its memory, and its path constraint,
// whose length always equals the solver scope depth. Scopes[0] is the root
// scope opened implicitly at path creation.
type State struct {
	ID uint64
	// RootID is assigned once when the path tree's root is created
	// (pathstate.New) and shared by every descendant spawned through Fork
	// or ForkMany, so a report can be traced back to its exploration root
	// even once ID values from several runs are mixed together.
	RootID uuid.UUID
	// Lineage is the fork path from the root ("0", "0.1", "0.1.0", ...),
	// extended by one component per Fork/ForkMany call.
	Lineage   string
	Frames    []*Frame
	Mem       *symmem.Memory
	Scopes    [][]*bitvector.BV
	Globals   map[string]*bitvector.BV
	FuncAddrs map[string]*bitvector.BV
	// FuncByAlloc maps a function's synthetic Global-kind allocation id back
	// to the function it identifies, for indirect-call resolution (Memory
	// treats a function address like any other allocation it can Resolve).
	FuncByAlloc map[uint64]*ir.Func

	Status      Status
	ReturnValue *bitvector.BV
	ErrKind     ErrorKind
	ErrMsg      string
	ErrSite     string
	Warnings    []string

	Steps int // instructions executed so far, for max_steps_per_path
}

// ArgMode selects how New populates an entry function's parameters.
type ArgMode int

const (
	AllSymbolic ArgMode = iota
	CallerProvided
)

// SymbolicInput records one originally-symbolic entry-function argument,
// for the executor's path report.
type SymbolicInput struct {
	Name string
	BV   *bitvector.BV
}

// Depth returns the number of open solver scopes, matching the path
// constraint's scope-grouping.
func (s *State) Depth() int { return len(s.Scopes) }

// Frame returns the innermost (currently executing) activation frame, or
// nil if the call stack is empty (path already returned).
func (s *State) Frame() *Frame {
	if len(s.Frames) == 0 {
		return nil
	}
	return s.Frames[len(s.Frames)-1]
}

// PushScope opens a new solver scope and records
// cond as the sole constraint asserted within it. An empty/omitted cond
// list opens a scope with no constraints (used by memory.Resolve-driven
// forks that assert their pin condition separately).
func (s *State) PushScope(conds ...*bitvector.BV) {
	s.Scopes = append(append([][]*bitvector.BV{}, s.Scopes...), append([]*bitvector.BV{}, conds...))
}

// Constraints flattens every scope's conditions into the path's full
// conjunctive precondition, in assertion order.
func (s *State) Constraints() []*bitvector.BV {
	var out []*bitvector.BV
	for _, scope := range s.Scopes {
		out = append(out, scope...)
	}
	return out
}

// fork duplicates the call stack (deep) and scopes (deep, so siblings never
// alias a shared backing array), sharing memory copy-on-write via
// symmem.Memory.Fork, then opens one additional scope per child asserting
// its half of a branch condition.
func (s *State) fork(id uint64, lineageSuffix int, conds []*bitvector.BV) *State {
	frames := make([]*Frame, len(s.Frames))
	for i, f := range s.Frames {
		frames[i] = f.clone()
	}
	scopes := make([][]*bitvector.BV, len(s.Scopes)+1)
	for i, sc := range s.Scopes {
		scopes[i] = append([]*bitvector.BV{}, sc...)
	}
	scopes[len(s.Scopes)] = append([]*bitvector.BV{}, conds...)

	return &State{
		ID:          id,
		RootID:      s.RootID,
		Lineage:     fmt.Sprintf("%s.%d", s.Lineage, lineageSuffix),
		Frames:      frames,
		Mem:         s.Mem.Fork(),
		Scopes:      scopes,
		Globals:     s.Globals, // read-only after setup; safe to share
		FuncAddrs:   s.FuncAddrs,
		FuncByAlloc: s.FuncByAlloc,
		Status:      Running,
		Steps:       s.Steps,
	}
}

// Fork splits s into two children with complementary constraints added —
// condTrue first so left-child-first reproducibility holds. idTrue/idFalse
// are caller-assigned path ids (the executor owns id allocation).
func (s *State) Fork(idTrue, idFalse uint64, cond *bitvector.BV) (trueChild, falseChild *State, err error) {
	notCond, err := bitvector.Not(cond)
	if err != nil {
		return nil, nil, err
	}
	return s.fork(idTrue, 0, []*bitvector.BV{cond}), s.fork(idFalse, 1, []*bitvector.BV{notCond}), nil
}

// ForkMany splits s into len(ids) children, each asserting the matching
// entry of conds — used where a pointer resolves to more than the two
// outcomes a conditional branch produces.
func (s *State) ForkMany(ids []uint64, conds []*bitvector.BV) []*State {
	children := make([]*State, len(ids))
	for i, id := range ids {
		children[i] = s.fork(id, i, []*bitvector.BV{conds[i]})
	}
	return children
}

// String renders a one-line summary of the path (id, lineage, status, frame
// depth, current instruction pointer), used by the executor's debug REPL
// and by ad hoc logging.
func (s *State) String() string {
	depth := len(s.Frames)
	return fmt.Sprintf("path[%d] root=%s lineage=%s status=%s frames=%d site=%s",
		s.ID, s.RootID, s.Lineage, s.Status, depth, s.CurrentSite())
}

// Call pushes a new frame for fn, binding args positionally to fn's
// parameters, with retDest naming the register in the current (caller)
// frame that should receive fn's return value ("" for a void call).
func (s *State) Call(fn *ir.Func, args []*bitvector.BV, retDest string) error {
	if len(fn.Blocks) == 0 {
		return errors.Errorf("pathstate: %q has no definition", fn.Name())
	}
	f := newFrame(fn, retDest)
	for i, p := range fn.Params {
		if i >= len(args) {
			break
		}
		f.Regs[p.Ident()] = args[i]
	}
	if len(args) > len(fn.Params) {
		f.Varargs = append(f.Varargs, args[len(fn.Params):]...)
	}
	s.Frames = append(s.Frames, f)
	return nil
}

// Return pops the innermost frame, releasing its stack allocations, and
// either resumes the caller (writing retVal into its RetDest register, nil
// retVal for a void return) or — if the popped frame was outermost —
// terminates the path as Returned/ReturnedVoid.
func (s *State) Return(retVal *bitvector.BV) error {
	n := len(s.Frames)
	if n == 0 {
		return errors.New("pathstate: return with no active frame")
	}
	popped := s.Frames[n-1]
	s.Frames = s.Frames[:n-1]
	for _, id := range popped.Allocas {
		if err := s.Mem.Free(id); err != nil {
			return err
		}
	}

	if len(s.Frames) == 0 {
		if retVal == nil {
			s.Status = ReturnedVoid
		} else {
			s.Status = Returned
			s.ReturnValue = retVal
		}
		return nil
	}

	if popped.RetDest != "" {
		if retVal == nil {
			return errors.New("pathstate: void return into a value-expecting call site")
		}
		caller := s.Frame()
		caller.Regs[popped.RetDest] = retVal
	}
	return nil
}

// Fail terminates the path with kind, recording msg and the instruction
// pointer's textual site for the path report.
func (s *State) Fail(kind ErrorKind, site, format string, args ...any) {
	s.Status = Errored
	s.ErrKind = kind
	s.ErrMsg = fmt.Sprintf(format, args...)
	s.ErrSite = site
}

// Warn appends a warning surfaced in the path report without terminating
// the path.
func (s *State) Warn(format string, args ...any) {
	s.Warnings = append(s.Warnings, fmt.Sprintf(format, args...))
}

// CurrentSite formats "function+block:index" for error reports.
func (s *State) CurrentSite() string {
	f := s.Frame()
	if f == nil {
		return "<no frame>"
	}
	return fmt.Sprintf("%s:%s#%d", f.Func.Name(), f.Block.Name(), f.InstIdx)
}

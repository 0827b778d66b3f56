package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/kr/pretty"
	"github.com/llir/llvm/asm"
	"github.com/llir/llvm/ir"

	"github.com/norlen/symex/executor"
	"github.com/norlen/symex/interp"
	"github.com/norlen/symex/pathstate"
	"github.com/norlen/symex/project"
	"github.com/norlen/symex/solver"
)

var (
	entryName  = flag.String("entry", "main", "name of the function to explore from")
	maxPaths   = flag.Int("max-paths", 0, "stop after this many terminated paths (0: unbounded)")
	maxSteps   = flag.Int("max-steps", 100000, "stop a single path after this many steps (0: unbounded)")
	symOffset  = flag.Uint("symbolic-offset-threshold", 256, "max concrete byte lanes to enumerate for a symbolic memory offset")
	maxWall    = flag.Duration("max-wall-clock", 0, "stop a single path's lineage after this much wall-clock time (0: unbounded)")
	unknownErr = flag.Bool("unknown-is-error", false, "terminate a path with SolverUnknown when a feasibility check returns unknown, instead of treating unknown as sat")
	debugMode  = flag.Bool("debug", false, "enter single-step debug mode on the entry path")
	showInputs = flag.Bool("show-inputs", true, "print each path's concrete input assignment")
	dumpState  = flag.Bool("dump-state", false, "in debug mode, pretty-print the full path state after each step")
)

// init parses flags up front; flag.Args() (the .ll module paths) is read
// from main once parsing is done.
func init() {
	flag.Parse()
}

func main() {
	paths := flag.Args()
	if len(paths) == 0 {
		fmt.Println("Usage: symex [flags] <file1.ll> [file2.ll] ...")
		flag.PrintDefaults()
		return
	}

	proj, err := loadProject(paths)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	entry, err := proj.LookupFunction(*entryName)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	opts := executor.Options{
		MaxPaths:                    *maxPaths,
		MaxStepsPerPath:             *maxSteps,
		SymbolicOffsetByteThreshold: uint32(*symOffset),
		MaxWallClock:                *maxWall,
		SolverUnknownIsError:        *unknownErr,
	}
	exe := executor.New(proj, solver.New(), opts)

	if *debugMode {
		runDebugMode(exe, entry)
		return
	}

	reports, err := exe.Run(context.Background(), entry)
	if err != nil {
		fmt.Println("internal error:", err)
		os.Exit(1)
	}
	printReports(reports)
}

// loadProject parses every .ll file given on the command line with
// llir/llvm's textual-IR frontend and links them into one project.Project
// sharing a single data layout (project.Load rejects a mismatch outright).
func loadProject(paths []string) (*project.Project, error) {
	modules := make([]*ir.Module, 0, len(paths))
	for _, p := range paths {
		m, err := asm.ParseFile(p)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", p, err)
		}
		modules = append(modules, m)
	}
	return project.Load(modules)
}

func printReports(reports []executor.Report) {
	for _, r := range reports {
		fmt.Println(r.String())
		for _, w := range r.Warnings {
			fmt.Println("  warning:", w)
		}
		if *showInputs {
			for name, v := range r.Inputs {
				fmt.Printf("  %s = %s\n", name, v)
			}
		}
	}
	fmt.Printf("%d path(s) explored\n", len(reports))
}

// runDebugMode single-steps the entry function's root path one instruction
// at a time, printing the current site before each step. A fork prints
// every child's id and continues stepping the first (true/left) child; any
// siblings are queued, and each time the current path terminates the next
// queued path is stepped the same way.
func runDebugMode(exe *executor.Executor, entry *ir.Func) {
	fmt.Printf("Commands:\n\tn or next: execute next instruction\n\tr or run: run to completion\n\tq or quit: stop\n\n")

	st, _, err := pathstate.New(1, exe.Proj, entry, pathstate.AllSymbolic, nil, exe.Opts.SymbolicOffsetByteThreshold)
	if err != nil {
		fmt.Println(err)
		return
	}
	nextID := uint64(1)
	alloc := func() uint64 { nextID++; return nextID }

	reader := bufio.NewReader(os.Stdin)
	var queued []*pathstate.State
	ctx := context.Background()

	for st != nil {
		fmt.Println("->", st.CurrentSite())
		fmt.Print("(symex) ")
		line, _ := reader.ReadString('\n')
		line = strings.ToLower(strings.TrimSpace(line))

		switch {
		case line == "q" || line == "quit":
			return

		case line == "r" || line == "run":
			children, rerr := stepToCompletion(ctx, exe.Interp, st, alloc)
			if rerr != nil {
				fmt.Println("internal error:", rerr)
				return
			}
			queued = append(queued, children...)
			fmt.Println(reportOf(st).String())
			st = popQueued(&queued)

		case line == "n" || line == "next" || line == "":
			children, serr := exe.Interp.Step(ctx, st, alloc)
			if serr != nil {
				fmt.Println("internal error:", serr)
				return
			}
			if len(children) == 0 {
				if st.Status != pathstate.Running {
					fmt.Println(reportOf(st).String())
					st = popQueued(&queued)
				} else if *dumpState {
					pretty.Println(st)
				}
				continue
			}
			fmt.Printf("forked into %d children:", len(children))
			for _, c := range children {
				fmt.Printf(" %d", c.ID)
			}
			fmt.Println()
			queued = append(queued, children[1:]...)
			st = children[0]
			if *dumpState {
				pretty.Println(st)
			}

		default:
			fmt.Println("unknown command:", line)
		}
	}
}

func popQueued(queued *[]*pathstate.State) *pathstate.State {
	if len(*queued) == 0 {
		return nil
	}
	st := (*queued)[0]
	*queued = (*queued)[1:]
	return st
}

// stepToCompletion drives st to a terminal status, returning any sibling
// paths spawned along the way instead of recursing into them — used by the
// debug REPL's "run" command to finish the current path without stepping
// through every instruction interactively.
func stepToCompletion(ctx context.Context, in *interp.Interp, st *pathstate.State, nextID interp.IDAllocator) ([]*pathstate.State, error) {
	var spawned []*pathstate.State
	for st.Status == pathstate.Running {
		children, err := in.Step(ctx, st, nextID)
		if err != nil {
			return spawned, err
		}
		if len(children) == 0 {
			continue
		}
		// children[0] replaces st in place (same slot in the caller's loop);
		// the rest are queued for later exploration.
		*st = *children[0]
		spawned = append(spawned, children[1:]...)
	}
	return spawned, nil
}

// reportOf builds a minimal executor.Report for debug-mode printing without
// going through the solver-backed model extraction the batch executor
// performs — debug mode favors responsiveness over a fully resolved model.
func reportOf(st *pathstate.State) executor.Report {
	return executor.Report{
		PathID:   st.ID,
		Status:   st.Status,
		ErrKind:  st.ErrKind,
		ErrMsg:   st.ErrMsg,
		ErrSite:  st.ErrSite,
		Warnings: st.Warnings,
		Steps:    st.Steps,
	}
}

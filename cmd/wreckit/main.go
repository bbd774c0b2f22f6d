// wreckit drives ideas through research, planning, implementation, critique,
// and PR merge using autonomous coding agents.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/wreckit/wreckit/internal/agent"
	"github.com/wreckit/wreckit/internal/config"
	"github.com/wreckit/wreckit/internal/sprite"
	"github.com/wreckit/wreckit/internal/store"
	"github.com/wreckit/wreckit/internal/workflow"
)

// app carries the resolved root, config, and flag state into every command.
type app struct {
	cwd       string
	sandbox   bool
	agentKind string
	dryRun    bool
	mockAgent bool
	verbose   bool

	cfg *config.Config
}

func (a *app) store() *store.Store { return store.New(a.cwd) }

// loadConfig resolves config once, applying --sandbox and --agent on top.
func (a *app) loadConfig() error {
	if a.cfg != nil {
		return nil
	}
	cfg, err := config.Load(a.cwd)
	if err != nil {
		return err
	}
	if a.sandbox {
		c := config.ApplySandboxMode(*cfg)
		cfg = &c
	}
	if a.agentKind != "" {
		kind, perr := config.ParseAgentKind(a.agentKind)
		if perr != nil {
			return perr
		}
		cfg.Agent.Kind = kind
	}
	a.cfg = cfg
	return nil
}

func (a *app) engine() *workflow.Engine {
	eng := &workflow.Engine{
		Store:     a.store(),
		Config:    a.cfg,
		DryRun:    a.dryRun,
		MockAgent: a.mockAgent,
		Logf: func(format string, args ...any) {
			fmt.Fprintf(os.Stderr, format+"\n", args...)
		},
	}
	if a.verbose {
		eng.OnStdout = func(chunk string) { fmt.Fprint(os.Stdout, chunk) }
		eng.OnStderr = func(chunk string) { fmt.Fprint(os.Stderr, chunk) }
	}
	return eng
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// First signal cancels cooperatively; in-flight agent turns and the owned
	// sandbox VM are torn down as the context unwinds.
	go func() {
		<-ctx.Done()
		agent.Registry.CancelAll()
		sprite.KillOwned()
	}()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "wreckit",
		Short:         "Autonomous software engineering workflow engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.cwd == "" {
				wd, err := os.Getwd()
				if err != nil {
					return err
				}
				a.cwd = wd
			}
			return a.loadConfig()
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.cwd, "cwd", "", "repository root (default: working directory)")
	pf.BoolVar(&a.sandbox, "sandbox", false, "run agents in ephemeral sandbox VMs")
	pf.StringVar(&a.agentKind, "agent", "", "agent kind override (process|claude_sdk|sprite|mock|...)")
	pf.BoolVar(&a.dryRun, "dry-run", false, "log what would run without side effects")
	pf.BoolVar(&a.mockAgent, "mock-agent", false, "substitute a deterministic mock agent")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "stream agent output")

	root.AddCommand(
		newIdeaCmd(a),
		newPhaseCmd(a, workflow.PhaseResearch, "research <item>", "Research a raw item"),
		newPhaseCmd(a, workflow.PhasePlan, "plan <item>", "Plan a researched item"),
		newPhaseCmd(a, workflow.PhaseImplement, "implement <item>", "Implement the next pending story"),
		newPhaseCmd(a, workflow.PhaseCritique, "critique <item>", "Critique the implementation"),
		newPhaseCmd(a, workflow.PhasePR, "pr <item>", "Run checks and merge the item's branch"),
		newRunCmd(a),
		newOrchestrateCmd(a),
		newRoadmapCmd(a),
		newStatusCmd(a),
		newShowCmd(a),
		newDoctorCmd(a),
		newSpriteCmd(a),
	)
	return root
}

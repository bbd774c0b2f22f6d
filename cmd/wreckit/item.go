package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/wreckit/wreckit/internal/store"
	"github.com/wreckit/wreckit/internal/workflow"
)

func newIdeaCmd(a *app) *cobra.Command {
	var in workflow.IdeaInput
	cmd := &cobra.Command{
		Use:   "idea <title>",
		Short: "Capture a new idea as a raw item",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Title = strings.Join(args, " ")
			it, err := workflow.CreateIdea(a.store(), in)
			if err != nil {
				return err
			}
			fmt.Printf("created %s (%s)\n", color.GreenString(it.ID), it.State)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&in.Overview, "overview", "", "one-paragraph overview")
	f.StringVar(&in.Section, "section", "", "grouping section")
	f.StringVar(&in.Campaign, "campaign", "", "campaign label")
	f.StringSliceVar(&in.DependsOn, "depends-on", nil, "item ids this idea depends on")
	return cmd
}

// newPhaseCmd builds one single-phase command (research, plan, ...).
func newPhaseCmd(a *app, phase workflow.Phase, use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := a.store()
			id, err := s.ResolveID(args[0])
			if err != nil {
				return err
			}
			res, err := a.engine().RunPhase(cmd.Context(), id, phase)
			if err != nil {
				return err
			}
			reportPhase(id, res)
			return nil
		},
	}
}

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run <item>",
		Short: "Drive one item through every remaining phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := a.store()
			id, err := s.ResolveID(args[0])
			if err != nil {
				return err
			}
			eng := a.engine()
			for {
				if cmd.Context().Err() != nil {
					return cmd.Context().Err()
				}
				it, rerr := s.ReadItem(id)
				if rerr != nil {
					return rerr
				}
				if it.State == store.StateDone {
					fmt.Printf("%s %s\n", color.GreenString("done"), id)
					return nil
				}
				phase, ok := workflow.PhaseForState(it.State)
				if !ok {
					return fmt.Errorf("no phase advances state %q", it.State)
				}
				res, perr := eng.RunPhase(cmd.Context(), id, phase)
				if perr != nil {
					return perr
				}
				reportPhase(id, res)
			}
		},
	}
}

func reportPhase(id string, res *workflow.PhaseResult) {
	if res == nil || res.Item == nil {
		return
	}
	if res.Transition != nil {
		fmt.Printf("%s: %s -> %s\n", id,
			res.Transition.From, color.CyanString(string(res.Transition.To)))
		return
	}
	fmt.Printf("%s: %s\n", id, res.Item.State)
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List all items and their states",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := a.store().ScanItems()
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Println("no items; start with: wreckit idea \"...\"")
				return nil
			}
			for _, it := range items {
				fmt.Printf("%-32s %-14s %s\n", it.ID, stateColor(it.State), it.Title)
			}
			return nil
		},
	}
}

func stateColor(s store.ItemState) string {
	switch s {
	case store.StateDone:
		return color.GreenString(string(s))
	case store.StateInPR, store.StateCritique:
		return color.CyanString(string(s))
	case store.StateImplementing:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

func newShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <item>",
		Short: "Show one item in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := a.store()
			id, err := s.ResolveID(args[0])
			if err != nil {
				return err
			}
			it, err := s.ReadItem(id)
			if err != nil {
				return err
			}
			fmt.Printf("%s  %s\n", color.New(color.Bold).Sprint(it.ID), stateColor(it.State))
			fmt.Printf("  title:    %s\n", it.Title)
			if it.Overview != "" {
				fmt.Printf("  overview: %s\n", it.Overview)
			}
			if it.Campaign != "" {
				fmt.Printf("  campaign: %s\n", it.Campaign)
			}
			if len(it.DependsOn) > 0 {
				fmt.Printf("  depends:  %s\n", strings.Join(it.DependsOn, ", "))
			}
			if it.Branch != nil {
				fmt.Printf("  branch:   %s\n", *it.Branch)
			}
			if it.PRURL != nil {
				fmt.Printf("  pr:       %s\n", *it.PRURL)
			}
			if it.LastError != nil {
				fmt.Printf("  %s %s\n", color.RedString("last error:"), *it.LastError)
			}
			if prd, perr := s.ReadPRD(id); perr == nil {
				fmt.Println("  stories:")
				for _, st := range prd.UserStories {
					mark := " "
					if st.Status == store.StoryDone {
						mark = color.GreenString("x")
					}
					fmt.Printf("    [%s] %s %s (p%d)\n", mark, st.ID, st.Title, st.Priority)
				}
			}
			if lines, terr := s.TailProgress(id, 5); terr == nil && len(lines) > 0 {
				fmt.Println("  recent progress:")
				for _, l := range lines {
					fmt.Printf("    %s\n", l)
				}
			}
			return nil
		},
	}
}

func warnf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", color.YellowString("warning:"), fmt.Sprintf(format, args...))
}

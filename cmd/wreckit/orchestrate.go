package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/wreckit/wreckit/internal/doctor"
	"github.com/wreckit/wreckit/internal/orchestrator"
)

func newOrchestrateCmd(a *app) *cobra.Command {
	var parallel int
	cmd := &cobra.Command{
		Use:   "orchestrate [item...]",
		Short: "Advance many items concurrently, honoring dependencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			if parallel > 0 {
				a.cfg.Orchestrate.Parallel = parallel
			}
			s := a.store()
			ids := make([]string, 0, len(args))
			for _, ref := range args {
				id, err := s.ResolveID(ref)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}

			o := &orchestrator.Orchestrator{
				Store:  s,
				Config: a.cfg,
				Runner: a.engine(),
				Doctor: doctor.New(s, a.cfg),
				Logf: func(format string, fargs ...any) {
					fmt.Printf(format+"\n", fargs...)
				},
			}
			res, err := o.Run(cmd.Context(), ids)
			if res != nil {
				printBatchResult(res)
			}
			return err
		},
	}
	cmd.Flags().IntVarP(&parallel, "parallel", "p", 0, "worker count (default from config)")
	return cmd
}

func printBatchResult(res *orchestrator.Result) {
	if res.Cancelled {
		warnf("session cancelled; progress kept for resume")
	}
	for _, id := range res.Completed {
		fmt.Printf("%s %s\n", color.GreenString("completed"), id)
	}
	for _, id := range res.Failed {
		fmt.Printf("%s %s\n", color.RedString("failed"), id)
	}
	for _, id := range res.Blocked {
		fmt.Printf("%s %s\n", color.YellowString("blocked"), id)
	}
	for _, id := range res.Skipped {
		fmt.Printf("skipped %s (already done)\n", id)
	}
	if res.HealsApplied > 0 {
		fmt.Printf("heals applied: %d\n", res.HealsApplied)
	}
}

func newRoadmapCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "roadmap <file>",
		Short: "Import ROADMAP milestones as dependency-chained items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			created, err := orchestrator.ImportRoadmap(a.store(), args[0])
			if err != nil {
				return err
			}
			if len(created) == 0 {
				fmt.Println("nothing to import; all objectives already exist")
				return nil
			}
			for _, it := range created {
				fmt.Printf("created %s [%s] %s\n", color.GreenString(it.ID), it.Campaign, it.Title)
			}
			return nil
		},
	}
}

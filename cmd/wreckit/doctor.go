package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/wreckit/wreckit/internal/doctor"
	"github.com/wreckit/wreckit/internal/sprite"
)

func newDoctorCmd(a *app) *cobra.Command {
	var fix bool
	var unsafe bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose and optionally repair store, git, and sandbox state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d := doctor.New(a.store(), a.cfg)
			attachSandbox(d, a)

			if fix {
				res, err := d.Fix(cmd.Context(), !unsafe)
				if err != nil {
					return err
				}
				for _, dg := range res.Applied {
					fmt.Printf("%s %s %s\n", color.GreenString("fixed"), dg.Code, dg.Message)
				}
				for _, dg := range res.Skipped {
					fmt.Printf("%s %s %s\n", color.YellowString("skipped"), dg.Code, dg.Message)
				}
				if len(res.Applied) > 0 {
					fmt.Printf("backups in %s\n", res.BackupDir)
				}
				return nil
			}

			diags, err := d.Diagnose(cmd.Context())
			if err != nil {
				return err
			}
			if len(diags) == 0 {
				fmt.Println(color.GreenString("everything looks healthy"))
				return nil
			}
			for _, dg := range diags {
				fmt.Printf("%s %-26s %s\n", severityTag(dg.Severity), dg.Code, dg.Message)
			}
			fmt.Println("run `wreckit doctor --fix` to repair fixable findings")
			return nil
		},
	}
	cmd.Flags().BoolVar(&fix, "fix", false, "apply repairs (with backups)")
	cmd.Flags().BoolVar(&unsafe, "unsafe", false, "also apply repairs that destroy external state")
	return cmd
}

// attachSandbox wires live VM listing into the doctor when a sprite client
// can be constructed; diagnosis degrades gracefully without one.
func attachSandbox(d *doctor.Doctor, a *app) {
	client, err := sprite.NewClient(a.cfg.ResolveToken("SPRITES_TOKEN"))
	if err != nil {
		return
	}
	d.ListVMs = client.ListVMs
	d.KillVM = func(ctx context.Context, name string) error {
		return client.KillVM(ctx, name)
	}
}

func severityTag(s doctor.Severity) string {
	switch s {
	case doctor.SevError:
		return color.RedString("ERROR")
	case doctor.SevWarning:
		return color.YellowString("WARN ")
	default:
		return "INFO "
	}
}

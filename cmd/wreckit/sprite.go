package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/wreckit/wreckit/internal/sprite"
)

func newSpriteCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sprite",
		Short: "Manage sandbox VMs and their sessions",
	}
	cmd.AddCommand(
		newSpriteStartCmd(a),
		newSpriteListCmd(a),
		newSpriteKillCmd(a),
		newSpriteExecCmd(a),
		newSpritePullCmd(a),
		newSpriteStatusCmd(a),
		newSpriteResumeCmd(a),
		newSpriteDestroyCmd(a),
	)
	return cmd
}

func (a *app) spriteClient() (*sprite.Client, error) {
	return sprite.NewClient(a.cfg.ResolveToken("SPRITES_TOKEN"))
}

func (a *app) sessions() *sprite.SessionStore {
	return sprite.NewSessionStore(a.store().SessionsDir())
}

func newSpriteStartCmd(a *app) *cobra.Command {
	var name string
	var memoryMB, cpus int
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a sandbox VM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.spriteClient()
			if err != nil {
				return err
			}
			if name == "" {
				name = a.cfg.Agent.VMName
			}
			if name == "" {
				name = sprite.EphemeralVMName("manual", time.Now())
			}
			if err := client.StartVM(cmd.Context(), name, memoryMB, cpus); err != nil {
				return err
			}
			fmt.Printf("started %s\n", color.GreenString(name))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "VM name (default: config vm_name, else ephemeral)")
	cmd.Flags().IntVar(&memoryMB, "memory", 2048, "VM memory in MB")
	cmd.Flags().IntVar(&cpus, "cpus", 2, "VM CPU count")
	return cmd
}

func newSpriteListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List running VMs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.spriteClient()
			if err != nil {
				return err
			}
			names, err := client.ListVMs(cmd.Context())
			if err != nil {
				return err
			}
			if len(names) == 0 {
				fmt.Println("no VMs running")
				return nil
			}
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		},
	}
}

func newSpriteKillCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "kill <vm>",
		Short: "Kill one VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.spriteClient()
			if err != nil {
				return err
			}
			if err := client.KillVM(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("killed %s\n", args[0])
			return nil
		},
	}
}

func newSpriteExecCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "exec <vm> -- <command> [args...]",
		Short: "Run a command inside a VM",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.spriteClient()
			if err != nil {
				return err
			}
			res, err := client.ExecInVM(cmd.Context(), args[0], args[1:], nil)
			if err != nil {
				return err
			}
			return writeExecResult(os.Stdout, res)
		},
	}
}

// writeExecResult emits the command's raw output and maps a nonzero exit to
// an error.
func writeExecResult(w io.Writer, res *sprite.ExecResult) error {
	if _, err := w.Write(res.Out); err != nil {
		return err
	}
	if res.Exit != 0 {
		return fmt.Errorf("command exited %d", res.Exit)
	}
	return nil
}

func newSpritePullCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "pull <vm>",
		Short: "Sync the VM project directory back into the local tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.spriteClient()
			if err != nil {
				return err
			}
			if err := client.Pull(cmd.Context(), args[0], a.cwd, a.cfg.SandboxExclude); err != nil {
				return err
			}
			fmt.Printf("pulled %s into %s\n", args[0], a.cwd)
			return nil
		},
	}
}

func newSpriteStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List sandbox sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := a.sessions().List(sprite.ListFilter{})
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("no sandbox sessions recorded")
				return nil
			}
			for _, s := range sessions {
				line := fmt.Sprintf("%-28s %-10s item=%s vm=%s", s.SessionID, s.State, s.ItemID, s.VMName)
				if s.Error != "" {
					line += "  error=" + s.Error
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

func newSpriteResumeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <session>",
		Short: "Mark a paused session running if its VM still exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ss := a.sessions()
			sess, err := ss.Load(args[0])
			if err != nil {
				return err
			}
			if sess == nil {
				return fmt.Errorf("no session %q", args[0])
			}
			if sess.State.Terminal() {
				return fmt.Errorf("session %s already %s", sess.SessionID, sess.State)
			}
			client, err := a.spriteClient()
			if err != nil {
				return err
			}
			alive, err := client.VMExists(cmd.Context(), sess.VMName)
			if err != nil {
				return err
			}
			if !alive {
				_, _ = ss.UpdateState(sess.SessionID, sprite.SessionFailed, func(s *sprite.Session) {
					s.Error = "vm disappeared before resume"
				})
				return fmt.Errorf("vm %s is gone; session marked failed", sess.VMName)
			}
			if _, err := ss.UpdateState(sess.SessionID, sprite.SessionRunning, nil); err != nil {
				return err
			}
			fmt.Printf("resumed %s on %s\n", sess.SessionID, sess.VMName)
			return nil
		},
	}
}

// destroy kills the VM and fails any non-terminal sessions that reference it.
func newSpriteDestroyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "destroy <vm>",
		Short: "Kill a VM and fail its open sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.spriteClient()
			if err != nil {
				return err
			}
			name := args[0]
			if err := client.KillVM(cmd.Context(), name); err != nil {
				return err
			}
			ss := a.sessions()
			sessions, err := ss.List(sprite.ListFilter{})
			if err != nil && !os.IsNotExist(err) {
				return err
			}
			for _, s := range sessions {
				if s.VMName != name || s.State.Terminal() {
					continue
				}
				if _, uerr := ss.UpdateState(s.SessionID, sprite.SessionFailed, func(x *sprite.Session) {
					x.Error = "vm destroyed"
				}); uerr != nil {
					warnf("session %s: %v", s.SessionID, uerr)
				}
			}
			fmt.Printf("destroyed %s\n", name)
			return nil
		},
	}
}

package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/undercity-dev/undercity/internal/daemon"
	"github.com/undercity-dev/undercity/internal/orchestrator"
)

var serveFlags struct {
	port  int
	grind bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP control daemon",
	Long: `Serve starts the control daemon in the foreground. With --grind it
also starts draining the board immediately; otherwise tasks wait
until a grind is triggered.`,
	RunE: runServe,
}

var daemonCmd = &cobra.Command{
	Use:       "daemon {status|stop|pause|resume}",
	Short:     "Control a running daemon",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"status", "stop", "pause", "resume"},
	RunE:      runDaemonCtl,
}

func init() {
	serveCmd.Flags().IntVarP(&serveFlags.port, "port", "p", 0, "listen port (0 = configured)")
	serveCmd.Flags().BoolVar(&serveFlags.grind, "grind", false, "start grinding immediately")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(daemonCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	deps, err := rt.buildGrind(ctx, "", grindOverrides{})
	if err != nil {
		return err
	}
	defer deps.lock.Release()

	cfg := rt.cfg.Daemon
	if serveFlags.port > 0 {
		cfg.Port = serveFlags.port
	}

	grinding := serveFlags.grind || cfg.GrindOnStart
	if grinding {
		go func() {
			if _, err := deps.orch.Run(ctx, orchestrator.Options{}); err != nil {
				rt.logger.Error("grind loop stopped", "error", err.Error())
			}
		}()
	}

	srv := daemon.New(cfg, rt.stateDir, rt.board, deps.orch, deps.rec, rt.tracker, rt.logger)
	return srv.Run(ctx)
}

func runDaemonCtl(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	out := cmd.OutOrStdout()
	client, err := daemon.Connect(rt.stateDir)
	if err != nil {
		if args[0] == "status" {
			fmt.Fprintln(out, "daemon: not running")
			return nil
		}
		return err
	}

	switch args[0] {
	case "status":
		st, err := client.Status()
		if err != nil {
			return err
		}
		state := "running"
		if st.Daemon.Paused {
			state = "paused"
		}
		fmt.Fprintf(out, "daemon: %s (pid %d, port %d, up %s)\n",
			state, st.Daemon.PID, st.Daemon.Port, st.Daemon.Uptime)
		for status, n := range st.Tasks {
			fmt.Fprintf(out, "  %s: %d\n", status, n)
		}
		return nil
	case "stop":
		if err := client.Stop(); err != nil {
			return err
		}
		fmt.Fprintln(out, "daemon stopping")
		return nil
	case "pause":
		if err := client.Pause(); err != nil {
			return err
		}
		fmt.Fprintln(out, "dispatch paused")
		return nil
	case "resume":
		if err := client.Resume(); err != nil {
			return err
		}
		fmt.Fprintln(out, "dispatch resumed")
		return nil
	default:
		return fmt.Errorf("unknown daemon action %q", args[0])
	}
}

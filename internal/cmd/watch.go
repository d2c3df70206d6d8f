package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/undercity-dev/undercity/internal/daemon"
	"github.com/undercity-dev/undercity/internal/tui"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live dashboard for the current session",
	Long: `Watch renders a terminal dashboard of task state and rate-limit
usage. It prefers a running daemon and falls back to reading local
state directly.`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	var source tui.StatusSource
	client, err := daemon.Connect(rt.stateDir)
	switch {
	case err == nil:
		source = tui.NewDaemonSource(client)
	case errors.Is(err, daemon.ErrNotRunning):
		source = tui.NewStoreSource(rt.board, rt.tracker)
	default:
		return err
	}
	return tui.Run(source)
}

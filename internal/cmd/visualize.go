package cmd

import (
	"fmt"
	"os/exec"
	goruntime "runtime"

	"github.com/spf13/cobra"

	"github.com/undercity-dev/undercity/internal/report"
)

var visualizeFlags struct {
	list    bool
	session string
	open    bool
}

var visualizeCmd = &cobra.Command{
	Use:   "visualize",
	Short: "Generate an HTML report for a session",
	RunE:  runVisualize,
}

func init() {
	f := visualizeCmd.Flags()
	f.BoolVar(&visualizeFlags.list, "list", false, "list generated reports")
	f.StringVarP(&visualizeFlags.session, "session", "s", "", "batch id to report on (default: latest)")
	f.BoolVar(&visualizeFlags.open, "open", false, "open the report in a browser")
	rootCmd.AddCommand(visualizeCmd)
}

func runVisualize(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	gen := report.New(rt.db, rt.stateDir, rt.logger)
	out := cmd.OutOrStdout()

	if visualizeFlags.list {
		reports, err := gen.List()
		if err != nil {
			return err
		}
		if len(reports) == 0 {
			fmt.Fprintln(out, "no reports generated")
			return nil
		}
		for _, p := range reports {
			fmt.Fprintln(out, p)
		}
		return nil
	}

	var path string
	if visualizeFlags.session != "" {
		path, err = gen.Generate(cmd.Context(), visualizeFlags.session)
	} else {
		path, err = gen.GenerateLatest(cmd.Context())
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(out, path)

	if visualizeFlags.open {
		if err := openInBrowser(path); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "could not open browser: %v\n", err)
		}
	}
	return nil
}

func openInBrowser(path string) error {
	opener := "xdg-open"
	if goruntime.GOOS == "darwin" {
		opener = "open"
	}
	return exec.Command(opener, path).Start()
}

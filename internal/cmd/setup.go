package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/undercity-dev/undercity/internal/config"
	"github.com/undercity-dev/undercity/internal/store"
)

var initFlags struct {
	dir string
}

var configFlags struct {
	initFile bool
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the state directory and database",
	RunE:  runInit,
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Check the environment for a working session",
	RunE:  runSetup,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	RunE:  runConfigCmd,
}

func init() {
	initCmd.Flags().StringVarP(&initFlags.dir, "dir", "d", "", "state directory (default: .undercity under the repo root)")
	configCmd.Flags().BoolVar(&configFlags.initFile, "init", false, "write a starter .undercityrc to the repo root")
	rootCmd.AddCommand(initCmd, setupCmd, configCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	root := repoRoot()
	if initFlags.dir != "" {
		cfg.Paths.StateDir = initFlags.dir
	}
	stateDir := cfg.Paths.ResolveStateDir(root)

	for _, dir := range []string{stateDir, filepath.Join(stateDir, "logs"), filepath.Join(stateDir, "visualizations")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	db, err := store.Open(filepath.Join(stateDir, "undercity.db"), nil)
	if err != nil {
		return err
	}
	db.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "initialised %s\n", stateDir)
	return nil
}

func runSetup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	ok := true

	if _, err := exec.LookPath("git"); err != nil {
		ok = false
		fmt.Fprintln(out, "[fail] git not found on PATH")
	} else {
		fmt.Fprintln(out, "[ ok ] git available")
	}

	if _, err := exec.LookPath(cfg.Agent.Binary); err != nil {
		ok = false
		fmt.Fprintf(out, "[fail] agent binary %q not found on PATH\n", cfg.Agent.Binary)
	} else {
		fmt.Fprintf(out, "[ ok ] agent binary %q available\n", cfg.Agent.Binary)
	}

	root := repoRoot()
	if _, err := os.Stat(filepath.Join(root, ".git")); err != nil {
		fmt.Fprintln(out, "[warn] not inside a git repository")
	} else {
		fmt.Fprintf(out, "[ ok ] repository root %s\n", root)
	}

	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		fmt.Fprintln(out, "[warn] ANTHROPIC_API_KEY unset, relying on subscription auth")
	} else {
		fmt.Fprintln(out, "[ ok ] ANTHROPIC_API_KEY set")
	}

	if !ok {
		return fmt.Errorf("environment not ready")
	}
	fmt.Fprintln(out, "ready to grind")
	return nil
}

func runConfigCmd(cmd *cobra.Command, args []string) error {
	if _, err := loadConfig(); err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	// AllSettings carries the viper key shape the rc file uses, so the
	// dump round-trips as a valid .undercityrc.
	settings := viper.AllSettings()

	if configFlags.initFile {
		rc := config.RCFile(repoRoot())
		if _, err := os.Stat(rc); err == nil {
			return fmt.Errorf("%s already exists", rc)
		}
		if err := store.SaveJSON(rc, settings); err != nil {
			return err
		}
		fmt.Fprintf(out, "wrote %s\n", rc)
		return nil
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(settings)
}

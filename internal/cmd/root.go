// Package cmd is the undercity command-line interface.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/undercity-dev/undercity/internal/config"
)

// Exit codes. Config problems get their own code so wrappers can tell a
// bad .undercityrc apart from a failed run.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitConfigBad = 2
)

var rootCmd = &cobra.Command{
	Use:   "undercity",
	Short: "Autonomous code-modification orchestrator",
	Long: `Undercity drives an external coding agent through an autonomous
assess/plan/execute/verify/review loop. Tasks live on a persistent
board; a grind session drains the board with parallel workers, merges
finished branches serially, and learns from every attempt.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and maps errors to exit codes.
func Execute() int {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	return exitCode(err)
}

func exitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var verrs config.ValidationErrors
	if errors.As(err, &verrs) {
		return ExitConfigBad
	}
	return ExitFailure
}

func init() {
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	// Defaults first so every key resolves even without an rc file.
	config.SetDefaults()

	root := repoRoot()
	rc := config.RCFile(root)
	if _, err := os.Stat(rc); err == nil {
		viper.SetConfigFile(rc)
		viper.SetConfigType("json")
	}

	viper.SetEnvPrefix("UNDERCITY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Missing rc file is fine; defaults carry the session.
	_ = viper.ReadInConfig()
}

// loadConfig parses the merged viper state into a validated Config.
func loadConfig() (*config.Config, error) {
	return config.Load()
}

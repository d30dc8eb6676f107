// Command lithos-tree is the top-level container supervisor: it loads
// a fleet of sandbox/process configs, forks one knot per instance,
// restarts them on exit, and reaps every descendant on shutdown.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lithos-run/lithos/pkg/binfinder"
	"github.com/lithos-run/lithos/pkg/tree"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "lithos-tree: %v\n", err)
		if errors.Is(err, binfinder.ErrNotFound) {
			os.Exit(127)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "lithos-tree",
	Short: "Lithos tree supervisor",
	Long: `lithos-tree loads the master, sandbox, and process configuration
for a fleet of containers, owns their shared listening sockets, and
supervises one lithos-knot child per configured instance, restarting
them on exit according to each container's restart policy.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().String("config", "", "path to the master config (required)")
	rootCmd.Flags().Bool("log-stderr", false, "log to stderr instead of JSON")
	rootCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.MarkFlagRequired("config")
}

func run(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	logStderr, _ := cmd.Flags().GetBool("log-stderr")
	logLevel, _ := cmd.Flags().GetString("log-level")

	t, err := tree.Bootstrap(configPath, logStderr, logLevel)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	code := t.Run()
	os.Exit(code)
	return nil
}

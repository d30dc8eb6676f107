// Command lithos-knot is the per-container launcher: given a master
// config, a sandbox/process name, and a serialized
// ChildConfig, it assembles a jailed root filesystem inside freshly
// unshared namespaces, execs the workload, and supervises it with
// SIGTERM/restart semantics. It is normally invoked by lithos-tree,
// not by a human.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lithos-run/lithos/pkg/binfinder"
	"github.com/lithos-run/lithos/pkg/config"
	"github.com/lithos-run/lithos/pkg/knot"
	"github.com/lithos-run/lithos/pkg/log"
)

func main() {
	// The hidden re-exec into the container-init role must be
	// dispatched before cobra ever sees argv, since its
	// sole positional argument isn't a flag lithos-knot itself defines.
	if knot.IsInitInvocation(os.Args[1:]) {
		if err := knot.RunInit(); err != nil {
			fmt.Fprintf(os.Stderr, "lithos-knot init: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "lithos-knot: %v\n", err)
		if errors.Is(err, binfinder.ErrNotFound) {
			os.Exit(127)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "lithos-knot",
	Short: "Lithos per-container launcher",
	Long: `lithos-knot builds one container's isolated execution environment
(namespaces, mounts, uid/gid maps, cgroup limits, secrets) and
supervises its workload with kill-timeout and restart semantics.
It is normally launched by lithos-tree, not run directly.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().String("name", "", "full instance name, <sandbox>/<proc>.<i> (required)")
	rootCmd.Flags().String("master", "", "path to the master config (required)")
	rootCmd.Flags().String("config", "", "serialized ChildConfig JSON (required)")
	rootCmd.Flags().Bool("log-stderr", false, "log to stderr instead of JSON")
	rootCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.MarkFlagRequired("name")
	rootCmd.MarkFlagRequired("master")
	rootCmd.MarkFlagRequired("config")
}

func run(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("name")
	masterPath, _ := cmd.Flags().GetString("master")
	configJSON, _ := cmd.Flags().GetString("config")
	logStderr, _ := cmd.Flags().GetBool("log-stderr")
	logLevel, _ := cmd.Flags().GetString("log-level")

	logCfg := log.Config{Level: log.Level(logLevel), JSONOutput: !logStderr}
	if logStderr {
		logCfg.Output = os.Stderr
	}
	log.Init(logCfg)

	child, err := config.UnmarshalCmdline(configJSON)
	if err != nil {
		return fmt.Errorf("parse --config: %w", err)
	}

	sandbox, _, _ := splitName(name)

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate own executable: %w", err)
	}

	bridgeHelper, _ := binfinder.Sibling("lithos-bridge-helper")

	k, err := knot.Launch(knot.Params{
		MasterPath:       masterPath,
		Sandbox:          sandbox,
		Name:             name,
		Child:            child,
		BridgeHelperPath: bridgeHelper,
		SelfExecutable:   self,
	})
	if err != nil {
		return err
	}

	code := k.Supervise()
	k.Close()
	os.Exit(code)
	return nil
}

// splitName extracts the sandbox stem from a full "<sandbox>/<proc>.<i>"
// instance name.
func splitName(name string) (sandbox, rest string, ok bool) {
	for i := 0; i < len(name); i++ {
		if name[i] == '/' {
			return name[:i], name[i+1:], true
		}
	}
	return name, "", false
}

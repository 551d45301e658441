package main

import (
	"github.com/spf13/cobra"
)

type rootFlags struct {
	configPath  string
	pluginDir   string
	logLevel    string
	builtin     bool
	metricsFile string
}

func newRootCommand(a *app) *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:   "testplatform",
		Short: "Discover test plugins and drive them from scripts",
		Long: `testplatform loads test plugins from WebAssembly modules in a plugin
directory, runs their self-tests, and executes Go or Lua scripts that call
plugin commands through the Host API.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd, flags)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.finish()
		},
	}
	cmd.SetOut(a.stdout)
	cmd.SetErr(a.stderr)

	pf := cmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "path to a YAML config file")
	pf.StringVar(&flags.pluginDir, "plugin-dir", "plugins", "directory scanned for *.wasm plugin modules")
	pf.StringVar(&flags.logLevel, "log-level", "info", "structured log level (trace, debug, info, warn, error)")
	pf.BoolVar(&flags.builtin, "builtin", false, "register the built-in sample plugin")
	pf.StringVar(&flags.metricsFile, "metrics-file", "", "write Prometheus metrics to this file on exit")

	cmd.AddCommand(
		newPluginsCommand(a),
		newRunCommand(a),
		newCheckCommand(a),
		newKeysCommand(a),
		newSignCommand(a),
	)
	return cmd
}

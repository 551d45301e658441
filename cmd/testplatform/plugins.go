package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joncooperworks/testplatform/plugin"
)

func newPluginsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "List and test discovered plugins",
	}
	cmd.AddCommand(newPluginsListCommand(a), newPluginsTestCommand(a), newPluginsInspectCommand(a), newPluginsTypesCommand(a))
	return cmd
}

func newPluginsListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Discover plugins and list them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, report, err := a.loadRegistry(cmd.Context())
			if err != nil {
				return err
			}
			defer a.unload(r)

			entries := r.Entries()
			if len(entries) == 0 {
				a.printf("%s\n", warnStyle.Render("No plugins loaded."))
				return nil
			}

			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				commands := dimStyle.Render("-")
				if e.Scriptable {
					commands = strings.Join(e.Commands, ", ")
				}
				rows = append(rows, []string{e.Name, e.State.String(), e.Module, commands, e.Description})
			}
			a.printf("\n%s\n", table([]string{"NAME", "STATE", "MODULE", "COMMANDS", "DESCRIPTION"}, rows))

			if errs := report.Errors(); len(errs) > 0 {
				a.printf("\n%s\n", warnStyle.Render(fmt.Sprintf("%d module problem(s) during discovery.", len(errs))))
			}
			return nil
		},
	}
}

func newPluginsTestCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Run every plugin's self-test",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, _, err := a.loadRegistry(cmd.Context())
			if err != nil {
				return err
			}
			defer a.unload(r)

			report := r.RunPluginTests(cmd.Context(), a.log)

			rows := make([][]string, 0, len(report.Passed)+len(report.Failed))
			for _, name := range report.Passed {
				rows = append(rows, []string{name, status(true), ""})
			}
			for _, ev := range report.Failed {
				rows = append(rows, []string{ev.Plugin, status(false), ev.Err.Error()})
			}
			if len(rows) > 0 {
				a.printf("\n%s\n", table([]string{"PLUGIN", "RESULT", "ERROR"}, rows))
			}

			if len(report.Failed) > 0 {
				return fmt.Errorf("%w: %d plugin test(s) failed", errCommandFailed, len(report.Failed))
			}
			return nil
		},
	}
}

// newPluginsInspectCommand loads modules directly, without a registry, and
// lists the plugin types each one exposes.
func newPluginsInspectCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <module>...",
		Short: "Show the plugin types a module exposes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				m, err := plugin.LoadModuleFile(cmd.Context(), path)
				if err != nil {
					return err
				}
				rows := make([][]string, 0)
				for _, f := range m.Factories() {
					rows = append(rows, []string{f.TypeName})
				}
				if err := m.Close(cmd.Context()); err != nil {
					a.logger.WithError(err).WithField("module", path).Warn("closing module")
				}
				a.printf("\n%s\n%s\n", titleStyle.Render(m.Name()), table([]string{"TYPE"}, rows))
			}
			return nil
		},
	}
}

func newPluginsTypesCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List the module file types that can be loaded",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			types := plugin.ListRegisteredPluginTypes()
			rows := make([][]string, 0, len(types))
			for _, t := range types {
				rows = append(rows, []string{t, "*." + t})
			}
			a.printf("\n%s\n", table([]string{"TYPE", "FILES"}, rows))
			return nil
		},
	}
}

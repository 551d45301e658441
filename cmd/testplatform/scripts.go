package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/joncooperworks/testplatform/executor"
)

type scriptFlags struct {
	language   string
	namespaces []string
	references []string
	parallel   int
}

func (f *scriptFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVarP(&f.language, "language", "l", "", "script language (go, lua); inferred from the file extension when empty")
	fs.StringSliceVar(&f.namespaces, "namespace", nil, "extra import for Go scripts (repeatable)")
	fs.StringSliceVar(&f.references, "reference", nil, "symbol set or source directory for Go scripts (repeatable)")
}

// script is one input file with its resolved language.
type script struct {
	name     string
	source   string
	language executor.Language
}

// loadScripts reads each path ("-" is stdin) and resolves its language from
// the flag, the extension, or the configured default, in that order.
func (a *app) loadScripts(flags *scriptFlags, paths []string, stdin io.Reader) ([]script, error) {
	scripts := make([]script, 0, len(paths))
	for _, path := range paths {
		var data []byte
		var err error
		if path == "-" {
			data, err = io.ReadAll(stdin)
		} else {
			data, err = os.ReadFile(path)
		}
		if err != nil {
			return nil, fmt.Errorf("read script: %w", err)
		}

		name := flags.language
		if name == "" {
			switch strings.ToLower(filepath.Ext(path)) {
			case ".lua":
				name = "lua"
			case ".go":
				name = "go"
			default:
				name = a.cfg.Script.Language
			}
		}
		lang, err := executor.ParseLanguage(name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		scripts = append(scripts, script{name: path, source: string(data), language: lang})
	}
	return scripts, nil
}

func (a *app) namespaces(flags *scriptFlags) []string {
	return append(append([]string(nil), a.cfg.Script.Namespaces...), flags.namespaces...)
}

func (a *app) references(flags *scriptFlags) []string {
	return append(append([]string(nil), a.cfg.Script.References...), flags.references...)
}

func newRunCommand(a *app) *cobra.Command {
	flags := &scriptFlags{}
	cmd := &cobra.Command{
		Use:   "run <script>...",
		Short: "Execute scripts against the discovered plugins",
		Long: `Execute Go or Lua scripts. Scripts reach plugins through Host:

  Host.ListPluginNames()
  Host.ExecutePluginCommand(plugin, command, params)
  Host.Log(message)

Multiple scripts run concurrently, each in its own interpreter.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scripts, err := a.loadScripts(flags, args, cmd.InOrStdin())
			if err != nil {
				return err
			}

			r, _, err := a.loadRegistry(cmd.Context())
			if err != nil {
				return err
			}
			defer a.unload(r)

			engine := a.engine()
			results := make([]*executor.ExecuteResult, len(scripts))
			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(max(flags.parallel, 1))
			for i, s := range scripts {
				log := a.log
				if len(scripts) > 1 {
					log = func(msg string) { a.log(fmt.Sprintf("[%s] %s", s.name, msg)) }
				}
				g.Go(func() error {
					res, err := engine.Execute(ctx, &executor.ExecuteRequest{
						Script:     s.source,
						Language:   s.language,
						Plugins:    r,
						Log:        log,
						Namespaces: a.namespaces(flags),
						References: a.references(flags),
					})
					if err != nil {
						return fmt.Errorf("%s: %w", s.name, err)
					}
					results[i] = res
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			failed := 0
			for i, res := range results {
				a.printResult(scripts[i].name, res)
				if !res.Success {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%w: %d script(s) failed", errCommandFailed, failed)
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVarP(&flags.parallel, "parallel", "p", runtime.NumCPU(), "maximum scripts run at once")
	return cmd
}

func (a *app) printResult(name string, res *executor.ExecuteResult) {
	var b strings.Builder
	fmt.Fprintf(&b, "\n%s %s %s\n", status(res.Success), titleStyle.Render(name), dimStyle.Render(fmt.Sprintf("(%s, %s)", res.ExecutionID, res.Duration.Round(time.Millisecond))))
	if res.HasReturnValue {
		fmt.Fprintf(&b, "  returned: %v\n", res.ReturnValue)
	}
	if res.ErrorMessage != "" {
		fmt.Fprintf(&b, "  %s\n", failStyle.Render(res.ErrorMessage))
	}
	for _, d := range res.CompilationErrors {
		fmt.Fprintf(&b, "    %s\n", d)
	}
	a.printf("%s", b.String())
}

func newCheckCommand(a *app) *cobra.Command {
	flags := &scriptFlags{}
	cmd := &cobra.Command{
		Use:   "check <script>...",
		Short: "Compile scripts without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scripts, err := a.loadScripts(flags, args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return a.check(cmd.Context(), flags, scripts)
		},
	}
	flags.register(cmd)
	return cmd
}

func (a *app) check(ctx context.Context, flags *scriptFlags, scripts []script) error {
	engine := a.engine()
	failed := 0
	for _, s := range scripts {
		res, err := engine.CheckSyntax(ctx, &executor.CheckRequest{
			Script:     s.source,
			Language:   s.language,
			Namespaces: a.namespaces(flags),
			References: a.references(flags),
		})
		if err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
		a.printf("%s %s\n", status(res.Success), s.name)
		for _, d := range res.Diagnostics {
			a.printf("    %s\n", d)
		}
		if !res.Success {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d script(s) have errors", errCommandFailed, failed)
	}
	return nil
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/example/navi/internal/app"
	"github.com/example/navi/internal/config"
	"github.com/example/navi/internal/logging"
	"github.com/example/navi/internal/models"
)

func main() {
	_ = config.LoadDotEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	workspace string
	verbose   bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "navi",
		Short:         "Coding assistant that plans, edits and verifies inside a workspace",
		SilenceUsage: true,
	}
	cwd, _ := os.Getwd()
	cmd.PersistentFlags().StringVarP(&opts.workspace, "workspace", "w", cwd, "workspace directory or identifier")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log to stderr")

	cmd.AddCommand(newRunCmd(opts), newSearchCmd(opts), newIndexCmd(opts), newRoutesCmd(opts))
	return cmd
}

// withStack builds the wired stack for one command invocation.
func withStack(cmd *cobra.Command, opts *rootOptions, fn func(s *app.Stack) error) error {
	logger := zap.NewNop()
	if opts.verbose {
		logger = logging.New("navi")
	}
	defer logger.Sync()

	s, err := app.Build(cmd.Context(), config.Load(), logger)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	}()
	return fn(s)
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		route     string
		verifyCmd string
		maxIter   int
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "run <message>",
		Short: "Run one task and stream its progress",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd, opts, func(s *app.Stack) error {
				ch, err := s.Orchestrator.Run(cmd.Context(), models.Request{
					Message:       strings.Join(args, " "),
					Workspace:     opts.workspace,
					ModelHint:     route,
					Verify:        verifyCmd != "",
					VerifyCommand: verifyCmd,
					MaxIterations: maxIter,
				})
				if err != nil {
					return err
				}
				var last models.Event
				for ev := range ch {
					last = ev
					if asJSON {
						if err := json.NewEncoder(cmd.OutOrStdout()).Encode(ev); err != nil {
							return err
						}
						continue
					}
					printEvent(cmd.OutOrStdout(), ev)
				}
				switch {
				case last.Type == models.EventError:
					return fmt.Errorf("task failed: %s", last.Message)
				case last.Type == models.EventComplete && (last.Success == nil || !*last.Success):
					return fmt.Errorf("task failed")
				case !last.Type.Terminal():
					return cmd.Context().Err()
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&route, "route", "r", "", "route to use (plan, code, chat or any configured route)")
	cmd.Flags().StringVar(&verifyCmd, "verify", "", "command that must pass before the task completes")
	cmd.Flags().IntVar(&maxIter, "max-iterations", 0, "iteration budget for verify/fix cycles")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw frames as JSON lines")
	return cmd
}

func printEvent(w io.Writer, ev models.Event) {
	switch ev.Type {
	case models.EventStatus:
		fmt.Fprintf(w, "[%s]\n", ev.Phase)
	case models.EventText:
		fmt.Fprintln(w, ev.Text)
	case models.EventToolCall:
		in, _ := json.Marshal(ev.Input)
		fmt.Fprintf(w, "-> %s %s\n", ev.Name, in)
	case models.EventToolResult:
		fmt.Fprintf(w, "<- %s: %s\n", ev.Name, ev.Summary)
	case models.EventVerification:
		fmt.Fprintf(w, "verify %s: %s\n", ev.Status, ev.Message)
	case models.EventIteration:
		fmt.Fprintf(w, "iteration %d/%d: %s\n", ev.Current, ev.Max, ev.Reason)
	case models.EventComplete:
		ok := ev.Success != nil && *ev.Success
		fmt.Fprintf(w, "done (success=%t)\n", ok)
	case models.EventError:
		fmt.Fprintf(w, "error: %s\n", ev.Message)
	}
}

func newSearchCmd(opts *rootOptions) *cobra.Command {
	var k int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Index the workspace if needed and print the closest chunks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd, opts, func(s *app.Stack) error {
				if err := s.Engine.EnsureIndexed(opts.workspace); err != nil {
					return err
				}
				if err := s.Engine.Wait(cmd.Context(), opts.workspace); err != nil {
					return err
				}
				chunks, had, err := s.Engine.Search(cmd.Context(), opts.workspace, strings.Join(args, " "), k)
				if err != nil {
					return err
				}
				if !had {
					return fmt.Errorf("workspace could not be indexed")
				}
				for _, c := range chunks {
					fmt.Fprintf(cmd.OutOrStdout(), "%s  %.3f\n", c.Locator(), c.Score)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&k, "limit", "k", 5, "number of chunks")
	return cmd
}

func newIndexCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "Build the workspace index and print its status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd, opts, func(s *app.Stack) error {
				if err := s.Engine.EnsureIndexed(opts.workspace); err != nil {
					return err
				}
				if err := s.Engine.Wait(cmd.Context(), opts.workspace); err != nil {
					return err
				}
				st, err := s.Engine.Status(opts.workspace)
				if err != nil {
					return err
				}
				return yaml.NewEncoder(cmd.OutOrStdout()).Encode(st)
			})
		},
	}
}

func newRoutesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "Print the active route table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd, opts, func(s *app.Stack) error {
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				return enc.Encode(s.Router.Table())
			})
		},
	}
}

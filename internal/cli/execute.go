package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"fleetupdate/internal/version"
)

// Execute runs the CLI with the provided args.
func Execute(args []string, open Opener, out, errOut io.Writer) int {
	return ExecuteContext(context.Background(), args, open, out, errOut)
}

// ExecuteContext runs the CLI until ctx is done.
func ExecuteContext(ctx context.Context, args []string, open Opener, out, errOut io.Writer) int {
	cmd := NewRootCommand(open, out, errOut)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(errOut, "Error: %v\n", err)
		var runtimeErr *runtimeError
		if errors.As(err, &runtimeErr) {
			return ExitRuntimeError
		}
		// Everything else is a usage or flag parsing error.
		return ExitInvalidUsage
	}
	return ExitSuccess
}

// NewRootCommand builds the root CLI command tree.
func NewRootCommand(open Opener, out, errOut io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "fleetupdate",
		Short:         "decide when and from where to install updates",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.SetOut(out)
	root.SetErr(errOut)

	root.PersistentFlags().Bool("json", false, "output JSONL")
	root.PersistentFlags().String("config", "", "path to config.toml")

	root.AddCommand(newRunCommand(open))
	root.AddCommand(newCheckCommand(open))
	root.AddCommand(newStatusCommand(open))
	root.AddCommand(newResetCommand(open))
	root.AddCommand(newVersionCommand())

	return root
}

type usageError struct {
	err error
}

func (u *usageError) Error() string {
	if u.err == nil {
		return "invalid usage"
	}
	return u.err.Error()
}

func noArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return &usageError{err: fmt.Errorf("%s takes no arguments", cmd.Name())}
	}
	return nil
}

// withManager opens the manager configured for cmd, runs fn and closes it.
func withManager(cmd *cobra.Command, open Opener, fn func(Manager) error) error {
	configPath, _ := cmd.Flags().GetString("config")
	manager, err := open(cmd.Context(), configPath)
	if err != nil {
		return writeError(cmd, err)
	}
	defer func() {
		if err := manager.Close(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v\n", err)
		}
	}()
	return fn(manager)
}

func newRunCommand(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "run scheduled update cycles until interrupted",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withManager(cmd, open, func(manager Manager) error {
				if err := writeEvent(cmd, Event{Type: "log", Message: "update scheduler started"}); err != nil {
					return err
				}
				if err := manager.Serve(cmd.Context()); err != nil {
					return writeError(cmd, err)
				}
				return writeEvent(cmd, Event{Type: "success", Message: "update scheduler stopped"})
			})
		},
	}
}

func newCheckCommand(open Opener) *cobra.Command {
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "run a single update cycle now",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			interactive, _ := cmd.Flags().GetBool("interactive")
			return withManager(cmd, open, func(manager Manager) error {
				res, err := manager.RunCycle(cmd.Context(), interactive)
				if err != nil {
					return writeError(cmd, err)
				}
				return writeEvent(cmd, Event{
					Type:    "result",
					Message: formatCycle(res),
					Code:    res.Outcome,
					Data:    res,
				})
			})
		},
	}
	checkCmd.Flags().Bool("interactive", false, "treat the check as user initiated")
	return checkCmd
}

func newStatusCommand(open Opener) *cobra.Command {
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "show the current update candidate",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			decisions, _ := cmd.Flags().GetInt("decisions")
			if decisions < 0 {
				return &usageError{err: fmt.Errorf("--decisions must not be negative")}
			}
			return withManager(cmd, open, func(manager Manager) error {
				status, err := manager.Status(cmd.Context(), decisions)
				if err != nil {
					return writeError(cmd, err)
				}
				return writeEvent(cmd, Event{Type: "result", Message: formatStatus(status), Data: status})
			})
		},
	}
	statusCmd.Flags().Int("decisions", 0, "include this many recent policy decisions")
	return statusCmd
}

func newResetCommand(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "forget the current update candidate and its history",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withManager(cmd, open, func(manager Manager) error {
				if err := manager.Reset(cmd.Context()); err != nil {
					return writeError(cmd, err)
				}
				return writeEvent(cmd, Event{Type: "success", Message: "update state cleared"})
			})
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version information",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.Get()
			return writeEvent(cmd, Event{Type: "result", Message: info.String(), Data: info})
		},
	}
}

func formatCycle(res CycleResult) string {
	var b strings.Builder
	b.WriteString(res.Outcome)
	if res.PayloadID != "" {
		fmt.Fprintf(&b, " (%s %s)", res.Version, res.PayloadID)
	}
	if res.URL != "" {
		fmt.Fprintf(&b, " from %s", res.URL)
	}
	return b.String()
}

func formatStatus(s Status) string {
	if !s.HasCandidate && len(s.Decisions) == 0 {
		return "no update candidate"
	}
	var b strings.Builder
	if s.HasCandidate {
		fmt.Fprintf(&b, "candidate:    %s (%s)\n", s.Version, s.PayloadID)
		fmt.Fprintf(&b, "first seen:   %s\n", s.FirstSeen.Format(time.RFC3339))
		fmt.Fprintf(&b, "checks:       %d\n", s.NumChecks)
		fmt.Fprintf(&b, "failures:     %d\n", s.NumFailures)
		fmt.Fprintf(&b, "errors:       %d\n", s.DownloadErrors)
		if s.LastDownloadURL != "" {
			fmt.Fprintf(&b, "last source:  %s\n", s.LastDownloadURL)
		}
		if !s.BackoffExpiry.IsZero() {
			fmt.Fprintf(&b, "backoff til:  %s\n", s.BackoffExpiry.Format(time.RFC3339))
		}
		if s.ScatterWaitPeriod > 0 || s.ScatterCheckThreshold > 0 {
			fmt.Fprintf(&b, "scatter:      wait %s, %d checks\n", s.ScatterWaitPeriod, s.ScatterCheckThreshold)
		}
	} else {
		b.WriteString("no update candidate\n")
	}
	for _, d := range s.Decisions {
		fmt.Fprintf(&b, "%s  %s  %s %s\n", d.CreatedAt.Format(time.RFC3339), d.Request, d.Status, d.Reason+d.Message)
	}
	return strings.TrimRight(b.String(), "\n")
}

type runtimeError struct {
	err error
}

func (r *runtimeError) Error() string {
	if r.err == nil {
		return "runtime error"
	}
	return r.err.Error()
}

func (r *runtimeError) Unwrap() error { return r.err }

func writeError(cmd *cobra.Command, err error) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	if jsonOutput {
		_ = writeEventWithContext(cmd.Context(), cmd, Event{
			Type:    "error",
			Message: err.Error(),
		}, true)
	}
	return &runtimeError{err: err}
}

func writeEvent(cmd *cobra.Command, event Event) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	return writeEventWithContext(cmd.Context(), cmd, event, jsonOutput)
}

func writeEventWithContext(ctx context.Context, cmd *cobra.Command, event Event, jsonOutput bool) error {
	select {
	case <-ctx.Done():
		// Events reporting a shutdown are still written.
		if event.Type != "success" && event.Type != "error" {
			return ctx.Err()
		}
	default:
	}
	if jsonOutput {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		return encoder.Encode(event)
	}
	if event.Message != "" {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), event.Message)
		return err
	}
	return nil
}

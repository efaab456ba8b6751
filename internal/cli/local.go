package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/matheus3301/chatmerge/internal/job"
	"github.com/matheus3301/chatmerge/internal/lock"
	"github.com/matheus3301/chatmerge/internal/progress"
	"github.com/matheus3301/chatmerge/internal/reconcile"
	"github.com/matheus3301/chatmerge/internal/report"
	"github.com/matheus3301/chatmerge/internal/store"
	"github.com/spf13/cobra"
)

var diffCmd = &cobra.Command{
	Use:   "diff <source> <target>",
	Short: "Show what merging source into target would add",
	Long: `Compare two archives and report, per conversation, the messages and
participants the source holds that the target lacks.

Examples:
  chatmergectl diff old.db main.db                 # Table summary
  chatmergectl diff old.db main.db --format json   # Machine-readable
  chatmergectl diff old.db main.db --show-edits    # Include edited bodies
`,
	Args: cobra.ExactArgs(2),
	RunE: runDiff,
}

var mergeCmd = &cobra.Command{
	Use:   "merge <source> <target>",
	Short: "Merge source into target",
	Long: `Merge every message and participant the target lacks from the
source. The target is created when it does not exist. Runs without the
daemon; the target's lock file keeps other writers out.`,
	Args: cobra.ExactArgs(2),
	RunE: runMerge,
}

var (
	diffFormat    string
	diffShowEdits bool
	localConvs    []string
	mergeQuiet    bool
)

func init() {
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(mergeCmd)

	diffCmd.Flags().StringVar(&diffFormat, "format", "text", "output format: text, json or yaml")
	diffCmd.Flags().BoolVar(&diffShowEdits, "show-edits", false, "print a unified diff for each edited message")
	diffCmd.Flags().StringSliceVarP(&localConvs, "conversation", "c", nil, "limit to these conversation identities")

	mergeCmd.Flags().StringSliceVarP(&localConvs, "conversation", "c", nil, "limit to these conversation identities")
	mergeCmd.Flags().BoolVarP(&mergeQuiet, "quiet", "q", false, "only print the final summary")
}

func runDiff(cmd *cobra.Command, args []string) error {
	format, err := report.ParseFormat(diffFormat)
	if err != nil {
		return err
	}
	if _, err := os.Stat(args[1]); err != nil {
		return fmt.Errorf("target archive: %w", err)
	}
	src, dst, err := openPair(args[0], args[1], true)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()
	defer func() { _ = dst.Close() }()

	done, diffs, err := runLocal(cmd, job.Params{Kind: job.KindDiff, Source: src, Target: dst}, io.Discard)
	if err != nil {
		return err
	}
	if err := report.Render(cmd.OutOrStdout(), format, diffs); err != nil {
		return err
	}
	if diffShowEdits {
		for _, d := range diffs {
			if err := report.Edits(cmdContext(cmd), cmd.OutOrStdout(), src, dst, d); err != nil {
				return err
			}
		}
	}
	return jobError(cmd, done)
}

func runMerge(cmd *cobra.Command, args []string) error {
	src, dst, err := openPair(args[0], args[1], false)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()
	defer func() { _ = dst.Close() }()

	status := cmd.ErrOrStderr()
	if mergeQuiet {
		status = io.Discard
	}
	p := job.Params{Kind: job.KindDiffMerge, Source: src, Target: dst, TargetLock: lock.ForArchive(args[1])}
	done, _, err := runLocal(cmd, p, status)
	if err != nil {
		return err
	}
	if done.Output != "" {
		fmt.Fprintln(cmd.OutOrStdout(), done.Output)
	}
	return jobError(cmd, done)
}

// openPair opens the source read-only and the target for writing, creating
// and migrating it unless diffOnly is set.
func openPair(source, target string, diffOnly bool) (*store.DB, *store.DB, error) {
	src, err := store.OpenReadOnly(source)
	if err != nil {
		return nil, nil, fmt.Errorf("source archive: %w", err)
	}
	var dst *store.DB
	if diffOnly {
		dst, err = store.OpenReadOnly(target)
	} else {
		dst, err = store.Open(target)
		if err == nil {
			if _, err = dst.Migrate(); err != nil {
				_ = dst.Close()
			}
		}
	}
	if err != nil {
		_ = src.Close()
		return nil, nil, fmt.Errorf("target archive: %w", err)
	}
	return src, dst, nil
}

// runLocal runs one job in-process, writing progress lines to status, and
// returns the final event with every diff the job posted. Interrupting the
// command stops the job after the conversation in flight.
func runLocal(cmd *cobra.Command, p job.Params, status io.Writer) (progress.Event, []*reconcile.Diff, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return progress.Event{}, nil, err
	}
	logger, err := newLogger(cmd)
	if err != nil {
		return progress.Event{}, nil, err
	}
	defer func() { _ = logger.Sync() }()

	p.Options = cfg.ReconcileOptions()
	p.Conversations = localConvs

	var diffs []*reconcile.Diff
	finished := make(chan progress.Event, 1)
	runner := job.New(func(evt progress.Event) {
		switch {
		case evt.Done:
			finished <- evt
		case evt.Kind == progress.KindDiff:
			diffs = append(diffs, evt.Diffs...)
		case evt.Output != "":
			fmt.Fprintln(status, evt.Output)
		case evt.Status != "":
			fmt.Fprintln(status, evt.Status)
		}
	}, nil, logger)
	defer func() {
		runner.Stop(true)
		runner.Wait()
	}()

	ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner.Work(p)
	select {
	case done := <-finished:
		return done, diffs, nil
	case <-ctx.Done():
		runner.StopWork(false)
		done := <-finished
		return done, diffs, nil
	}
}

var errJobFailed = errors.New("job did not complete")

// jobError prints per-conversation failures and turns a failed or stopped
// job into an error.
func jobError(cmd *cobra.Command, done progress.Event) error {
	for _, f := range done.Failures {
		fmt.Fprintf(cmd.ErrOrStderr(), "failed: %s [%s] %s\n", f.Conversation, f.Code, f.Error)
	}
	switch {
	case done.Error != "":
		return fmt.Errorf("[%s] %s", done.ErrorCode, done.Error)
	case done.Stopped:
		return fmt.Errorf("%w: stopped", errJobFailed)
	case len(done.Failures) > 0:
		return fmt.Errorf("%w: %d conversations failed", errJobFailed, len(done.Failures))
	}
	return nil
}

// cmdContext returns the command's context, or Background when unset.
func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

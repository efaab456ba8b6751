package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matheus3301/chatmerge/internal/bus"
	"github.com/matheus3301/chatmerge/internal/client"
	"github.com/matheus3301/chatmerge/internal/report"
	"github.com/spf13/cobra"
)

const rpcTimeout = 10 * time.Second

var submitCmd = &cobra.Command{
	Use:   "submit <source> <target>",
	Short: "Queue a job on the daemon",
	Long: `Queue a reconciliation job on the profile's daemon. Jobs run one at a
time; submitting never stops the job already running.

Examples:
  chatmergectl submit old.db main.db                        # diff_merge
  chatmergectl submit old.db main.db --kind diff --follow   # Preview
  chatmergectl submit old.db main.db --kind merge --from-job <id>
`,
	Args: cobra.ExactArgs(2),
	RunE: runSubmit,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Cancel the running job and clear the queue",
	Args:  cobra.NoArgs,
	RunE:  runStop,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the daemon's job state",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream job and live events",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

var (
	submitKind       string
	submitFromJob    string
	submitConvs      []string
	submitTrustDiffs bool
	submitFollow     bool
	stopDrop         bool
	jsonOut          bool
)

func init() {
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)

	submitCmd.Flags().StringVar(&submitKind, "kind", "diff_merge", "job kind: diff, diff_merge or merge")
	submitCmd.Flags().StringVar(&submitFromJob, "from-job", "", "diff job whose diffs a merge applies")
	submitCmd.Flags().StringSliceVarP(&submitConvs, "conversation", "c", nil, "limit to these conversation identities")
	submitCmd.Flags().BoolVar(&submitTrustDiffs, "trust-diffs", false, "apply recorded diffs without recomputing them")
	submitCmd.Flags().BoolVarP(&submitFollow, "follow", "f", false, "stream the job's events until it finishes")

	stopCmd.Flags().BoolVar(&stopDrop, "drop", false, "discard events the cancelled job would still post")

	statusCmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	watchCmd.Flags().BoolVar(&jsonOut, "json", false, "output envelopes as JSON lines")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	c, err := dial(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Subscribe before submitting. The stream may still be connecting when
	// a short job ends, so the runner state is polled as well.
	var events chan client.Envelope
	var watchErr chan error
	if submitFollow {
		events = make(chan client.Envelope, 256)
		watchErr = make(chan error, 1)
		go func() {
			watchErr <- c.Watch(ctx, func(env client.Envelope) error {
				select {
				case events <- env:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
		}()
	}

	callCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	resp, err := c.Submit(callCtx, client.SubmitRequest{
		Kind:          submitKind,
		Source:        args[0],
		Target:        args[1],
		Conversations: submitConvs,
		TrustDiffs:    submitTrustDiffs,
		FromJob:       submitFromJob,
	})
	cancel()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if resp.Queued {
		fmt.Fprintf(out, "Queued job %s behind the running job.\n", resp.JobID)
	} else {
		fmt.Fprintf(out, "Started job %s.\n", resp.JobID)
	}
	if !submitFollow {
		return nil
	}

	poll := time.NewTicker(time.Second)
	defer poll.Stop()
	for {
		select {
		case <-poll.C:
			if resp.Queued {
				continue
			}
			st, err := c.Status(ctx)
			if err == nil && st.JobID != resp.JobID {
				fmt.Fprintf(out, "Job %s finished.\n", resp.JobID)
				return nil
			}
		case env := <-events:
			if env.Kind != bus.JobProgress && env.Kind != bus.JobDone {
				continue
			}
			var evt client.Event
			if err := env.Decode(&evt); err != nil {
				return err
			}
			if evt.JobID != resp.JobID {
				continue
			}
			if len(evt.Diffs) > 0 {
				if err := printRows(out, evt.Diffs); err != nil {
					return err
				}
			}
			if evt.Output != "" {
				fmt.Fprintln(out, evt.Output)
			}
			if evt.Done {
				for _, f := range evt.Failures {
					fmt.Fprintf(cmd.ErrOrStderr(), "failed: %s [%s] %s\n", f.Conversation, f.Code, f.Error)
				}
				if evt.Error != "" {
					return fmt.Errorf("[%s] %s", evt.ErrorCode, evt.Error)
				}
				return nil
			}
		case err := <-watchErr:
			return fmt.Errorf("event stream ended: %w", err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func printRows(w io.Writer, rows []report.Row) error {
	for _, r := range rows {
		where := "new"
		if r.InTarget {
			where = "exists"
		}
		if _, err := fmt.Fprintf(w, "  %s (%s, %s): %d messages, %d participants\n",
			r.Title, r.Conversation, where, r.Messages, r.Participants); err != nil {
			return err
		}
	}
	return nil
}

func runStop(cmd *cobra.Command, _ []string) error {
	c, err := dial(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(cmdContext(cmd), rpcTimeout)
	defer cancel()
	resp, err := c.Stop(ctx, stopDrop)
	if err != nil {
		return err
	}
	if !resp.Stopped {
		fmt.Fprintln(cmd.OutOrStdout(), "No job running.")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stopped job %s.\n", resp.JobID)
	return nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	c, err := dial(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(cmdContext(cmd), rpcTimeout)
	defer cancel()
	st, err := c.Status(ctx)
	if err != nil {
		return err
	}
	live, err := c.LiveStatus(ctx)
	if err != nil {
		return err
	}
	if jsonOut {
		return outputJSON(cmd.OutOrStdout(), map[string]any{"jobs": st, "live": live})
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Profile:  %s\n", st.Profile)
	fmt.Fprintf(out, "Jobs:     %s\n", st.State)
	if st.JobID != "" {
		fmt.Fprintf(out, "Job:      %s\n", st.JobID)
	}
	fmt.Fprintf(out, "Live:     %s\n", live.State)
	if live.Identity != "" {
		fmt.Fprintf(out, "Account:  %s\n", live.Identity)
	}
	if live.LastSync != "" {
		fmt.Fprintf(out, "Synced:   %s\n", live.LastSync)
	}
	return nil
}

func runWatch(cmd *cobra.Command, _ []string) error {
	c, err := dial(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	err = c.Watch(ctx, func(env client.Envelope) error {
		if jsonOut {
			return outputJSON(out, env)
		}
		return printEnvelope(out, env)
	})
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return err
}

func printEnvelope(w io.Writer, env client.Envelope) error {
	at := env.OccurredAt().Format(time.TimeOnly)
	switch env.Kind {
	case bus.JobStateChanged, bus.LiveStateChanged:
		var sc client.StateChange
		if err := env.Decode(&sc); err != nil {
			return err
		}
		_, err := fmt.Fprintf(w, "%s %s %s -> %s\n", at, env.Kind, sc.From, sc.To)
		return err
	case bus.LiveIngested:
		var s client.Summary
		if err := env.Decode(&s); err != nil {
			return err
		}
		_, err := fmt.Fprintf(w, "%s %s %d new, %d updated\n", at, env.Kind, s.Messages, s.Updated)
		return err
	}
	var evt client.Event
	if err := env.Decode(&evt); err != nil {
		return err
	}
	line := evt.Output
	if line == "" {
		line = evt.Status
	}
	if line == "" && evt.Conversation != "" {
		line = fmt.Sprintf("%s %d/%d", evt.Conversation, evt.ConversationIndex, evt.ConversationCount)
	}
	if evt.Error != "" {
		line = fmt.Sprintf("[%s] %s", evt.ErrorCode, evt.Error)
	}
	_, err := fmt.Fprintf(w, "%s %s %s %s\n", at, env.Kind, evt.JobID, line)
	return err
}

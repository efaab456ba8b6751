package cli

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matheus3301/chatmerge/internal/client"
	"github.com/spf13/cobra"
)

var liveCmd = &cobra.Command{
	Use:   "live",
	Short: "Pair with and ingest from the live source",
}

var liveLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Pair the daemon with the live account by QR code",
	Args:  cobra.NoArgs,
	RunE:  runLiveLogin,
}

var liveSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Pull recent history into the profile archive",
	Long: `Pull recent history for every conversation, or only the ones given
with -c, into the profile archive. Messages already archived are skipped.`,
	Args: cobra.NoArgs,
	RunE: runLiveSync,
}

var liveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the live connection state",
	Args:  cobra.NoArgs,
	RunE:  runLiveStatus,
}

var (
	liveConvs   []string
	liveTimeout time.Duration
	liveJSON    bool
)

func init() {
	rootCmd.AddCommand(liveCmd)
	liveCmd.AddCommand(liveLoginCmd)
	liveCmd.AddCommand(liveSyncCmd)
	liveCmd.AddCommand(liveStatusCmd)

	liveSyncCmd.Flags().StringSliceVarP(&liveConvs, "conversation", "c", nil, "limit to these conversation identities")
	liveSyncCmd.Flags().DurationVar(&liveTimeout, "timeout", 10*time.Minute, "give up after this long")
	liveStatusCmd.Flags().BoolVar(&liveJSON, "json", false, "output as JSON")
}

var errAuthFailed = errors.New("pairing failed")

func runLiveLogin(cmd *cobra.Command, _ []string) error {
	c, err := dial(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	var result error
	err = c.Login(ctx, func(evt client.AuthEvent) error {
		switch evt.Type {
		case "qr_code":
			qr, err := renderQR(evt.QRCode)
			if err != nil {
				return fmt.Errorf("render QR code: %w", err)
			}
			fmt.Fprintf(out, "\nScan this QR code with WhatsApp:\n\n%s\nWaiting for authentication...\n", qr)
		case "authenticated":
			fmt.Fprintln(out, cmp.Or(evt.Message, "Authenticated."))
		case "auth_failed", "timeout":
			result = fmt.Errorf("%w: %s", errAuthFailed, cmp.Or(evt.Message, evt.Type))
		}
		return nil
	})
	if err != nil {
		return err
	}
	return result
}

func runLiveSync(cmd *cobra.Command, _ []string) error {
	c, err := dial(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, liveTimeout)
	defer cancel()

	done, err := c.Sync(ctx, liveConvs)
	if err != nil {
		return err
	}
	if done.Output != "" {
		fmt.Fprintln(cmd.OutOrStdout(), done.Output)
	}
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

func runLiveStatus(cmd *cobra.Command, _ []string) error {
	c, err := dial(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(cmdContext(cmd), rpcTimeout)
	defer cancel()
	st, err := c.LiveStatus(ctx)
	if err != nil {
		return err
	}
	if liveJSON {
		return outputJSON(cmd.OutOrStdout(), st)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Profile:   %s\n", st.Profile)
	fmt.Fprintf(out, "State:     %s\n", st.State)
	fmt.Fprintf(out, "Logged in: %t\n", st.LoggedIn)
	if st.Identity != "" {
		fmt.Fprintf(out, "Account:   %s\n", st.Identity)
	}
	if st.LastSync != "" {
		fmt.Fprintf(out, "Synced:    %s\n", st.LastSync)
	}
	return nil
}

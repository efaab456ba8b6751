// Package cli implements chatmergectl.
package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/matheus3301/chatmerge/internal/client"
	"github.com/matheus3301/chatmerge/internal/config"
	"github.com/matheus3301/chatmerge/internal/logging"
	"github.com/matheus3301/chatmerge/internal/profile"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "chatmergectl",
	Short: "Merge chat archives and ingest live messages",
	Long: `chatmergectl compares chat archives and merges what one holds into
another without duplicating messages. Local commands (diff, merge) work on
archive files directly; the rest talk to the profile's chatmerged.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("profile", "", "profile name (overrides config default)")
	rootCmd.PersistentFlags().String("config", "", "path to config.toml")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "log debug output to stderr")
}

func resolveProfile(cmd *cobra.Command) (string, error) {
	name := profile.Resolve(cmd.Flag("profile").Value.String())
	if err := profile.ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}

func configPath(cmd *cobra.Command) string {
	if path := cmd.Flag("config").Value.String(); path != "" {
		return path
	}
	return profile.ConfigPath()
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadWithEnv(configPath(cmd), profile.EnvPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command) (*zap.Logger, error) {
	level := "warn"
	if v, _ := cmd.Flags().GetBool("verbose"); v {
		level = "debug"
	}
	return logging.NewConsole(level)
}

// dial connects to the daemon of the selected profile.
func dial(cmd *cobra.Command) (*client.Client, error) {
	name, err := resolveProfile(cmd)
	if err != nil {
		return nil, err
	}
	c, err := client.Dial(profile.SocketPath(name))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to daemon for profile %q: %w", name, err)
	}
	return c, nil
}

func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

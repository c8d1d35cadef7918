package commands

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	relayURL    string
	accessToken string
	profileFile string
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:   "apsara-live",
	Short: "Terminal client for the Apsara live relay",
	Long: `apsara-live talks to an Apsara relay over websocket: microphone audio
up, assistant audio and text back, with optional camera or screen sharing.

Examples:
  # Voice conversation against a local relay
  apsara-live connect --mic

  # Text-only session with a specific model
  apsara-live connect --model gemini-live-2.5-flash-preview

  # Pick a dropped session back up
  apsara-live saved list
  apsara-live connect --saved-session s_abc123
`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initLogging)

	rootCmd.PersistentFlags().StringVar(&relayURL, "relay", "ws://localhost:9000/v1/live", "relay live endpoint")
	rootCmd.PersistentFlags().StringVar(&accessToken, "token", os.Getenv("APSARA_ACCESS_TOKEN"), "relay access token")
	rootCmd.PersistentFlags().StringVarP(&profileFile, "file", "f", "", "session profile file (YAML or JSON)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(savedCmd)
}

func initLogging() {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

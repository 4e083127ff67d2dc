package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/audiolibrelab/streamcapture/internal/play"
	"github.com/spf13/cobra"
)

var playCmd = &cobra.Command{
	Use:   "play [file]",
	Short: "Play a saved recording",
	Long: `Play a saved recording with the first player found among vlc, mpv,
ffplay and aplay. The file may be a path or a name inside the recordings
directory. Without an argument the most recent recording is played.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var name string
		if len(args) == 1 {
			name = args[0]
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := play.New(cfg.Output.Directory).Play(ctx, name); err != nil {
			return fmt.Errorf("playback failed: %w", err)
		}
		return nil
	},
}

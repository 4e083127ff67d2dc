package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/audiolibrelab/streamcapture/internal/service"
	"github.com/spf13/cobra"
)

var recordTarget tuneTarget

var recordCmd = &cobra.Command{
	Use:   "record [stream-url]",
	Short: "Record a station headlessly until interrupted",
	Long: `Play a station without the API server and record every track it plays.
Press Ctrl+C to stop. Recordings still pending at that point are saved
when auto_save is on and discarded otherwise.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			recordTarget.URL = args[0]
		}
		if recordTarget.empty() {
			return fmt.Errorf("a stream URL, --station or --uuid is required")
		}
		if cmd.Flags().Changed("auto-save") {
			cfg.Recording.AutoSave, _ = cmd.Flags().GetBool("auto-save")
		}

		lock, err := acquireLock()
		if err != nil {
			return err
		}
		defer releaseLock(lock)

		eng, err := service.New(cfg, service.WithLogger(slog.Default()))
		if err != nil {
			return fmt.Errorf("failed to create engine: %w", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go eng.RunSweeper(ctx)

		sub := eng.Subscribe()
		defer eng.Unsubscribe(sub)
		go func() {
			for {
				select {
				case ev := <-sub.C:
					fmt.Println(formatEvent(ev))
				case <-sub.Done():
					return
				}
			}
		}()

		if err := startPlayback(ctx, eng, newStationClient(), recordTarget); err != nil {
			return err
		}
		slog.Info("Recording... Press Ctrl+C to stop", "auto_save", cfg.Recording.AutoSave)

		// Handle interruption
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		<-sigChan
		slog.Info("Stopping recording...")
		cancel()
		closeEngine(eng)
		return nil
	},
}

func init() {
	addTuneFlags(recordCmd, &recordTarget)
	recordCmd.Flags().Bool("auto-save", false, "save recordings without asking (overrides config)")
}

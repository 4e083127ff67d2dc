package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/audiolibrelab/streamcapture/internal/config"
	"github.com/audiolibrelab/streamcapture/internal/server"
	"github.com/audiolibrelab/streamcapture/internal/service"
	"github.com/spf13/cobra"
)

var serveTarget tuneTarget

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the recording engine and its control API",
	Long: `Start the StreamCapture engine together with the HTTP API the other
commands use to control it. The API also serves any device on the same
network, so playback and recordings can be managed from a phone.

With --url, --station or --uuid the engine starts playing immediately.
Changes to auto_record, auto_save and the recordings directory in the
config file are picked up while the server runs.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		if !cmd.Flags().Changed("port") {
			port = cfg.Server.Port
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
		dir := newStationClient()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		go eng.RunSweeper(ctx)
		watchConfig(eng)

		if !serveTarget.empty() {
			if err := startPlayback(ctx, eng, dir, serveTarget); err != nil {
				closeEngine(eng)
				return err
			}
		}

		srv := server.New(eng, dir, strconv.Itoa(port), slog.Default())
		slog.Info("StreamCapture server starting", "port", port, "config", cfgFile, "profile", cfg.Profile)
		err = srv.Start(ctx)

		slog.Info("Shutting down engine")
		closeEngine(eng)
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	},
}

// watchConfig applies the runtime-adjustable settings whenever the config
// file changes.
func watchConfig(eng *service.Engine) {
	if _, err := os.Stat(cfgFile); err != nil {
		slog.Debug("Config file not present, not watching", "config", cfgFile)
		return
	}
	err := config.Watch(cfgFile, profile,
		func(next *config.Config) {
			eng.SetAutoRecord(next.Recording.AutoRecord)
			eng.SetAutoSave(next.Recording.AutoSave)
			eng.SetOutputDirectory(next.Output.Directory)
			slog.Info("Configuration reloaded",
				"auto_record", next.Recording.AutoRecord,
				"auto_save", next.Recording.AutoSave,
				"directory", next.Output.Directory)
		},
		func(err error) {
			slog.Warn("Ignoring invalid config change", "error", err)
		})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Config watching disabled", "error", err)
	}
}

func init() {
	serveCmd.Flags().Int("port", 8089, "port for the API server (default from config)")
	addTuneFlags(serveCmd, &serveTarget)
}

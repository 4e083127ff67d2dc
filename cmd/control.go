package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/audiolibrelab/streamcapture/internal/events"
	"github.com/audiolibrelab/streamcapture/internal/server"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var serverURL string

// apiClient talks to the server given by --server, or the local one.
func apiClient() *server.Client {
	if serverURL != "" {
		return server.NewClient(serverURL)
	}
	return server.NewClient(server.LocalURL(cfg.Server.Port))
}

func addServerFlag(cmd *cobra.Command) {
	cmd.Flags().StringVar(&serverURL, "server", "", "address of a running server (default http://localhost:<server.port>)")
}

func addTuneFlags(cmd *cobra.Command, t *tuneTarget) {
	cmd.Flags().StringVar(&t.URL, "url", "", "stream URL to play")
	cmd.Flags().StringVarP(&t.Name, "station", "s", "", "play the best match of a station search")
	cmd.Flags().StringVar(&t.UUID, "uuid", "", "play a station by its directory UUID")
	cmd.MarkFlagsMutuallyExclusive("url", "station", "uuid")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show what the engine is playing and recording",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := apiClient().Status(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Println(st.Message)
		if st.Playing {
			fmt.Printf("  Station:   %s\n", orDash(st.Station))
			fmt.Printf("  URL:       %s\n", st.URL)
			fmt.Printf("  Since:     %s\n", humanize.Time(st.StartedAt))
			fmt.Printf("  Buffered:  %s (%s)\n", st.Buffered, st.BufferSize)
			if st.Analysis != "" {
				fmt.Printf("  Analysis:  %s\n", st.Analysis)
			}
			if st.Monitor != "" {
				fmt.Printf("  Monitor:   %s\n", st.Monitor)
			}
			if st.Gaps > 0 {
				fmt.Printf("  Gaps:      %d\n", st.Gaps)
			}
		}
		fmt.Printf("  Auto-record: %s, auto-save: %s\n", onOff(st.AutoRecord), onOff(st.AutoSave))
		fmt.Printf("  Pending:   %d\n", st.Pending)
		for _, c := range st.Captures {
			fmt.Printf("  Recording: %s [%s] %s\n", orDash(c.Title), c.Mode, c.State)
		}
		if st.LastError != "" {
			fmt.Printf("  Last error: %s\n", st.LastError)
		}
		return nil
	},
}

var tuneTargetFlags tuneTarget

var tuneCmd = &cobra.Command{
	Use:   "tune [stream-url]",
	Short: "Switch the running engine to another station",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := server.PlayRequest{
			URL:         tuneTargetFlags.URL,
			StationUUID: tuneTargetFlags.UUID,
		}
		if len(args) == 1 {
			req.URL = args[0]
		}
		client := apiClient()

		if tuneTargetFlags.Name != "" {
			list, err := client.Stations(cmd.Context(), tuneTargetFlags.Name, 1)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				return fmt.Errorf("no station matches %q", tuneTargetFlags.Name)
			}
			req.StationUUID = list[0].UUID
		}
		if req.URL == "" && req.StationUUID == "" {
			return fmt.Errorf("a stream URL, --station or --uuid is required")
		}

		if err := client.Play(cmd.Context(), req); err != nil {
			return err
		}
		st, err := client.Status(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println(st.Message)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop playback; tracks in progress are finalized",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().Stop(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Playback stopped")
		return nil
	},
}

var manualCmd = &cobra.Command{
	Use:   "manual",
	Short: "Start or stop a manual recording",
}

var manualStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start recording now, including the buffered pre-roll",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := apiClient().StartRecording(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Manual recording started (%s)\n", shortID(id))
		return nil
	},
}

var manualStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the manual recording after its post-roll",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := apiClient().StopRecording(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Manual recording stopping (%s)\n", shortID(id))
		return nil
	},
}

var settingsCmd = &cobra.Command{
	Use:   "auto <record|save> <on|off>",
	Short: "Turn auto-record or auto-save on or off on the running engine",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		on, err := parseOnOff(args[1])
		if err != nil {
			return err
		}
		var req server.SettingsRequest
		switch args[0] {
		case "record":
			req.AutoRecord = &on
		case "save":
			req.AutoSave = &on
		default:
			return fmt.Errorf("unknown setting %q (use record or save)", args[0])
		}
		st, err := apiClient().Settings(cmd.Context(), req)
		if err != nil {
			return err
		}
		fmt.Printf("Auto-record: %s, auto-save: %s\n", onOff(st.AutoRecord), onOff(st.AutoSave))
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print engine events as they happen",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return apiClient().Events(ctx, func(ev events.Event) {
			fmt.Println(formatEvent(ev))
		})
	},
}

func formatEvent(ev events.Event) string {
	var b strings.Builder
	b.WriteString(ev.At.Local().Format(time.TimeOnly))
	b.WriteString("  ")
	b.WriteString(string(ev.Kind))
	if ev.ID != "" {
		fmt.Fprintf(&b, "  %s", shortID(ev.ID))
	}
	if ev.Title != "" {
		fmt.Fprintf(&b, "  %q", ev.Title)
	}
	if ev.Mode != "" {
		fmt.Fprintf(&b, "  [%s]", ev.Mode)
	}
	if ev.Path != "" {
		fmt.Fprintf(&b, "  -> %s", ev.Path)
	}
	if ev.Error != "" {
		if ev.ErrorKind != "" {
			fmt.Fprintf(&b, "  %s error: %s", ev.ErrorKind, ev.Error)
		} else {
			fmt.Fprintf(&b, "  (%s)", ev.Error)
		}
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	for _, c := range []*cobra.Command{statusCmd, tuneCmd, stopCmd, manualStartCmd, manualStopCmd, settingsCmd, watchCmd} {
		addServerFlag(c)
	}
	addTuneFlags(tuneCmd, &tuneTargetFlags)
	manualCmd.AddCommand(manualStartCmd)
	manualCmd.AddCommand(manualStopCmd)
	rootCmd.AddCommand(settingsCmd)
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/audiolibrelab/streamcapture/internal/server"
	"github.com/spf13/cobra"
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List, save or discard finished recordings",
	Long: `Recordings wait in the pending list until you save or discard them.
When auto_save is on they are saved once their deadline passes, otherwise
they expire and are deleted. IDs may be shortened to any unique prefix.`,
}

var pendingListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List pending recordings",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		items, err := apiClient().Pending(cmd.Context())
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("No pending recordings")
			return nil
		}
		fmt.Println(renderPending(items))
		return nil
	},
}

var pendingSaveCmd = &cobra.Command{
	Use:   "save <id>...",
	Short: "Save pending recordings to the recordings directory",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		if name != "" && len(args) > 1 {
			return errors.New("--name can only be used with a single recording")
		}
		client := apiClient()
		ids, err := resolveIDs(cmd.Context(), client, args)
		if err != nil {
			return err
		}
		for _, id := range ids {
			path, err := client.Save(cmd.Context(), id, name)
			if err != nil {
				return fmt.Errorf("save %s: %w", shortID(id), err)
			}
			fmt.Printf("Saved %s\n", path)
		}
		return nil
	},
}

var pendingDiscardCmd = &cobra.Command{
	Use:     "discard <id>...",
	Aliases: []string{"rm"},
	Short:   "Discard pending recordings",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := apiClient()
		ids, err := resolveIDs(cmd.Context(), client, args)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := client.Discard(cmd.Context(), id); err != nil {
				return fmt.Errorf("discard %s: %w", shortID(id), err)
			}
			fmt.Printf("Discarded %s\n", shortID(id))
		}
		return nil
	},
}

func renderPending(items []server.PendingItem) string {
	headers := []string{"ID", "Title", "Mode", "Length", "Size", "Expires", "File"}
	rows := make([][]string, 0, len(items))
	for _, it := range items {
		rows = append(rows, []string{
			shortID(it.ID),
			orDash(it.Title),
			string(it.Mode),
			it.DurationHuman,
			it.SizeHuman,
			it.ExpiresHuman,
			it.Filename,
		})
	}
	aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft}
	return renderTable(headers, rows, aligns)
}

// resolveIDs expands unique prefixes to full recording IDs; "all" selects
// every pending recording.
func resolveIDs(ctx context.Context, client *server.Client, args []string) ([]string, error) {
	items, err := client.Pending(ctx)
	if err != nil {
		return nil, err
	}
	known := make([]string, 0, len(items))
	for _, it := range items {
		known = append(known, it.ID)
	}
	return matchIDs(known, args)
}

func matchIDs(known, args []string) ([]string, error) {
	if len(args) == 1 && args[0] == "all" {
		return known, nil
	}
	out := make([]string, 0, len(args))
	for _, arg := range args {
		var matches []string
		for _, id := range known {
			if id == arg {
				matches = []string{id}
				break
			}
			if strings.HasPrefix(id, arg) {
				matches = append(matches, id)
			}
		}
		switch len(matches) {
		case 0:
			return nil, fmt.Errorf("no pending recording matches %q", arg)
		case 1:
			out = append(out, matches[0])
		default:
			return nil, fmt.Errorf("%q matches %d recordings, use a longer prefix", arg, len(matches))
		}
	}
	return out, nil
}

func init() {
	pendingSaveCmd.Flags().StringP("name", "n", "", "file name to save under (default is the suggested name)")
	for _, c := range []*cobra.Command{pendingListCmd, pendingSaveCmd, pendingDiscardCmd} {
		addServerFlag(c)
		pendingCmd.AddCommand(c)
	}
}

package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/audiolibrelab/streamcapture/internal/station"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var stationsCmd = &cobra.Command{
	Use:   "stations [name]",
	Short: "Search the radio station directory",
	Long: `Search radio-browser.info by station name, genre tag or country. Without
any query the most played stations are listed. Use the UUID with
'streamcapture tune --uuid' or 'streamcapture record --uuid'.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		tag, _ := cmd.Flags().GetString("tag")
		country, _ := cmd.Flags().GetString("country")

		dir := newStationClient()
		ctx := cmd.Context()

		var (
			list []station.Station
			err  error
		)
		switch {
		case len(args) == 1:
			list, err = dir.Search(ctx, args[0], limit)
		case tag != "":
			list, err = dir.ByTag(ctx, tag, limit)
		case country != "":
			list, err = dir.ByCountry(ctx, country, limit)
		default:
			list, err = dir.Popular(ctx, limit)
		}
		if err != nil {
			if errors.Is(err, station.ErrUnavailable) {
				return fmt.Errorf("%w (set station.api_servers to use a specific server)", err)
			}
			return err
		}
		if len(list) == 0 {
			fmt.Println("No stations found")
			return nil
		}
		fmt.Println(renderStations(list))
		return nil
	},
}

func renderStations(list []station.Station) string {
	headers := []string{"UUID", "Name", "Country", "Codec", "Bitrate", "Tags", "Clicks"}
	rows := make([][]string, 0, len(list))
	for _, s := range list {
		bitrate := "-"
		if s.Bitrate > 0 {
			bitrate = strconv.Itoa(s.Bitrate) + "k"
		}
		tags := s.Tags
		if len(tags) > 3 {
			tags = tags[:3]
		}
		rows = append(rows, []string{
			s.UUID,
			s.Name,
			orDash(s.CountryCode),
			orDash(s.Codec),
			bitrate,
			strings.Join(tags, ", "),
			humanize.Comma(int64(s.ClickCount)),
		})
	}
	aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignRight}
	return renderTable(headers, rows, aligns)
}

func init() {
	stationsCmd.Flags().IntP("limit", "l", 20, "maximum number of stations to list")
	stationsCmd.Flags().StringP("tag", "t", "", "list stations with this genre tag")
	stationsCmd.Flags().StringP("country", "c", "", "list stations from this country")
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/voyagen/loopcaster/internal/models"
	"github.com/voyagen/loopcaster/internal/store"
)

func newChannelsCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "List channels straight from the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			st, err := store.Open(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("db: %w", err)
			}
			defer st.Close()

			channels, err := st.ListChannels(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON || !isTerminal(out) {
				if channels == nil {
					channels = []models.Channel{}
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(channels)
			}
			if len(channels) == 0 {
				fmt.Fprintln(out, "No channels")
				return nil
			}
			fmt.Fprintln(out, renderChannels(channels))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON even on a terminal")
	return cmd
}

func renderChannels(channels []models.Channel) string {
	rows := make([][]string, 0, len(channels))
	for _, ch := range channels {
		rows = append(rows, []string{
			strconv.FormatInt(ch.ID, 10),
			ch.Name,
			string(ch.DownloadStatus),
			yesNo(ch.IsActive),
			scheduleLabel(ch),
			ch.RTMPURL + " (" + ch.MaskedKey() + ")",
		})
	}
	return renderTable(
		[]string{"ID", "Name", "Download", "Active", "Schedule", "Endpoint"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft},
	)
}

func scheduleLabel(ch models.Channel) string {
	if !ch.HasSchedule() {
		return "-"
	}
	return *ch.ScheduleStart + "-" + *ch.ScheduleStop
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

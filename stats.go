package main

import (
	"github.com/spf13/cobra"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show the dashboard headline counters",
		Args:  cobra.NoArgs,
		RunE:  runStats,
	}
}

func runStats(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	s, err := openSession(cmd.Context(), cc)
	if err != nil {
		return err
	}
	defer s.Close()

	stats, err := s.Client.DashboardStats(cmd.Context())
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		return printJSON(cc.Out, stats)
	}

	printTable(cc.Out, []string{"COUNTER", "VALUE"}, [][]string{
		{"live events", formatCount(stats.LiveEvents)},
		{"uploads", formatCount(stats.Uploads)},
		{"files", formatCount(stats.Files)},
	})

	return nil
}

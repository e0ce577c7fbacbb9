package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mrcode/nightscout-advisor/internal/analysis"
	"github.com/mrcode/nightscout-advisor/internal/models"
	"github.com/mrcode/nightscout-advisor/internal/profile"
)

func newChangesCmd(a *app) *cobra.Command {
	var (
		source   sourceFlags
		lookback int
		format   string
	)

	cmd := &cobra.Command{
		Use:   "changes",
		Short: "List recent profile changes",
		Long: `Compares the stored profile snapshots day by day and lists every basal,
carb ratio or sensitivity schedule that changed inside the lookback window.

Example:
  nightscout-advisor changes --profiles profile.json --lookback 14`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.cfg
			source.apply(cmd, cfg)
			if cmd.Flags().Changed("lookback") {
				cfg.Analysis.LookbackDays = lookback
			}
			if cmd.Flags().Changed("format") {
				cfg.Output.Format = format
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			loc, err := cfg.Location()
			if err != nil {
				return err
			}
			src, err := source.build(a)
			if err != nil {
				return err
			}
			history, err := src.GetProfiles(cmd.Context())
			if err != nil {
				return fmt.Errorf("fetching profiles: %w", err)
			}

			window := cfg.Analysis.LookbackDays
			switch {
			case window == 0:
				window = analysis.DefaultLookbackDays
			case window < 0:
				window = 0
			}
			detector := profile.NewChangeDetector(profile.WithLocation(loc), profile.WithLogger(a.log))
			changes := detector.Detect(history, window)
			if changes == nil {
				changes = []models.ProfileChange{}
			}

			return writeChanges(cmd.OutOrStdout(), cfg.Output.Format, models.ProfileChangeAnalysis{
				HasChanges: len(changes) > 0,
				Changes:    changes,
				Strategy:   cfg.Analysis.Segmentation,
			})
		},
	}

	source.register(cmd.Flags())
	cmd.Flags().IntVar(&lookback, "lookback", 0, "days to search, negative for all history")
	cmd.Flags().StringVarP(&format, "format", "o", "", "output format: text, json or yaml")
	return cmd
}

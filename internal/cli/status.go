package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd(a *app) *cobra.Command {
	var source sourceFlags

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check the connection to the Nightscout site",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			source.apply(cmd, a.cfg)
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			client, err := a.client()
			if err != nil {
				return err
			}

			status, err := client.GetStatus(cmd.Context())
			if err != nil {
				return fmt.Errorf("connecting to %s: %w", a.cfg.Nightscout.URL, err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Site:    %s\n", status.Name)
			fmt.Fprintf(out, "Status:  %s\n", status.Status)
			fmt.Fprintf(out, "Version: %s\n", status.Version)
			if status.Settings.Units != "" {
				fmt.Fprintf(out, "Units:   %s\n", status.Settings.Units)
			}
			return nil
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&source.url, "url", "", "Nightscout site URL (overrides nightscout.url)")
	fs.StringVar(&source.apiSecret, "api-secret", "", "Nightscout API secret")
	fs.StringVar(&source.apiToken, "api-token", "", "Nightscout access token")
	return cmd
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mrcode/nightscout-advisor/internal/notifications"
)

func newNotifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "notify",
		Short: "Send a test desktop notification",
		Long: `Sends one notification through the same channel analyze --notify uses,
so you can check the desktop notification daemon before relying on alerts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr := notifications.NewManager(a.cfg.Notifications, a.cfg.Range,
				notifications.WithSender(a.sender),
				notifications.WithLogger(a.log),
			)
			if err := mgr.SendTestNotification(); err != nil {
				return fmt.Errorf("sending test notification: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Test notification sent")
			return nil
		},
	}
}

// Package cli implements the nightscout-advisor command line
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mrcode/nightscout-advisor/internal/config"
	"github.com/mrcode/nightscout-advisor/internal/logger"
	"github.com/mrcode/nightscout-advisor/internal/notifications"
	"github.com/mrcode/nightscout-advisor/internal/version"
)

// app carries state shared by the commands of one invocation
type app struct {
	cfgFile string
	v       *viper.Viper
	cfg     *config.Config
	log     zerolog.Logger
	closer  io.Closer

	// sender replaces desktop notifications when set
	sender notifications.Sender
}

func newApp() *app {
	return &app{v: viper.New(), log: zerolog.Nop()}
}

// NewRootCmd builds the command tree
func NewRootCmd() *cobra.Command {
	return newRootCmd(newApp())
}

func newRootCmd(a *app) *cobra.Command {

	rootCmd := &cobra.Command{
		Use:   version.AppName,
		Short: "Basal, carb ratio and sensitivity suggestions from Nightscout history",
		Long: `nightscout-advisor reads CGM readings, treatments and pump profiles from a
Nightscout site or from JSON exports and suggests per-hour adjustments to
basal rates, carb ratios and insulin sensitivity.

Results are candidates for review with your care team, not instructions.`,
		Version:       version.Current,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.initConfig(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.closer != nil {
				_ = a.closer.Close()
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default is config.yaml in the user config dir)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(newAnalyzeCmd(a))
	rootCmd.AddCommand(newChangesCmd(a))
	rootCmd.AddCommand(newStatusCmd(a))
	rootCmd.AddCommand(newNotifyCmd(a))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// Execute runs the root command
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func (a *app) initConfig(cmd *cobra.Command) error {
	if cmd.Name() == "version" {
		return nil
	}

	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	log, closer, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	a.cfg, a.log, a.closer = cfg, log, closer

	if used := a.v.ConfigFileUsed(); used != "" {
		a.log.Debug().Str("file", used).Msg("config loaded")
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", version.AppName, version.Current)
		},
	}
}

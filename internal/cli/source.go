package cli

import (
	"errors"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mrcode/nightscout-advisor/internal/analysis"
	"github.com/mrcode/nightscout-advisor/internal/config"
	"github.com/mrcode/nightscout-advisor/internal/nightscout"
)

var errNoSource = errors.New("no data source: set nightscout.url, --url or --entries")

// sourceFlags select where history comes from
type sourceFlags struct {
	url        string
	apiSecret  string
	apiToken   string
	entries    string
	treatments string
	profiles   string
}

func (s *sourceFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&s.url, "url", "", "Nightscout site URL (overrides nightscout.url)")
	fs.StringVar(&s.apiSecret, "api-secret", "", "Nightscout API secret")
	fs.StringVar(&s.apiToken, "api-token", "", "Nightscout access token")
	fs.StringVar(&s.entries, "entries", "", "read glucose entries from a JSON export instead of Nightscout")
	fs.StringVar(&s.treatments, "treatments", "", "read treatments from a JSON export")
	fs.StringVar(&s.profiles, "profiles", "", "read profile documents from a JSON export")
}

func (s *sourceFlags) fromFiles() bool {
	return s.entries != "" || s.treatments != "" || s.profiles != ""
}

// apply copies connection flags the user set onto cfg
func (s *sourceFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("url") {
		cfg.Nightscout.URL = s.url
	}
	if flags.Changed("api-secret") {
		cfg.Nightscout.APISecret = s.apiSecret
	}
	if flags.Changed("api-token") {
		cfg.Nightscout.APIToken = s.apiToken
		cfg.Nightscout.UseToken = s.apiToken != ""
	}
}

// build returns the file source when any export is given, the Nightscout
// client otherwise
func (s *sourceFlags) build(a *app) (analysis.DataSource, error) {
	if s.fromFiles() {
		return nightscout.NewFileSource(s.entries, s.treatments, s.profiles, a.log), nil
	}
	client, err := a.client()
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (a *app) client() (*nightscout.Client, error) {
	ns := a.cfg.Nightscout
	if !a.cfg.IsConfigured() {
		return nil, errNoSource
	}
	return nightscout.NewClient(ns.URL, ns.APISecret, ns.APIToken, ns.UseToken,
		nightscout.WithTimeout(ns.Timeout),
		nightscout.WithLogger(a.log),
	), nil
}

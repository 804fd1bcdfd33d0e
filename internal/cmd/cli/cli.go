package cli

import (
	"log/slog"
	"os"
	"time"

	"github.com/clambin/go-common/charmer"
	"github.com/clambin/nabtag/internal/cmd/monitor"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	configFilename string
	RootCmd        = cobra.Command{
		Use:   "nabtag",
		Short: "Tag-triggered action dispatcher for Nabaztag rabbits",
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	RootCmd.PersistentFlags().StringVar(&configFilename, "config", "", "Configuration file")
	RootCmd.PersistentFlags().Bool("debug", false, "Log debug messages")
	_ = viper.BindPFlag("debug", RootCmd.PersistentFlags().Lookup("debug"))

	RootCmd.AddCommand(&monitor.Cmd)
}

var args = charmer.Arguments{
	"debug":                    {Default: false, Help: "Log debug messages"},
	"tags.file":                {Default: "", Help: "Tags file (default: tags.yaml next to the config file)"},
	"server.addr":              {Default: ":8080", Help: "Address of the HTTP API"},
	"exporter.addr":            {Default: ":9090", Help: "Address of the Prometheus exporter"},
	"dispatcher.debounce":      {Default: 2 * time.Second, Help: "Window in which repeated scans of a tag fire once (0 disables)"},
	"dispatcher.maxConcurrent": {Default: 4, Help: "Number of actions that may run concurrently"},
	"executor.command.timeout": {Default: 10 * time.Second, Help: "Timeout for command actions"},
	"executor.webhook.timeout": {Default: 30 * time.Second, Help: "Timeout for webhook actions"},
	"nabweb.timeout":           {Default: 10 * time.Second, Help: "Timeout for rabbit web UI calls"},
	"nabweb.retries":           {Default: 2, Help: "Connection retries for rabbit web UI calls"},
	"relay.timeout":            {Default: 10 * time.Second, Help: "Timeout for relaying a trigger to a peer instance"},
	"relay.secretFile":         {Default: "", Help: "File containing the fleet-wide relay secret"},
	"reader.enabled":           {Default: true, Help: "Listen for tags on the rabbits' nabd event streams"},
	"reader.keepalive":         {Default: 15 * time.Second, Help: "Probe a silent nabd connection after this long"},
	"reader.earWiggle":         {Default: true, Help: "Wiggle the rabbit's ears after connecting"},
	"slack.token":              {Default: "", Help: "Slack token"},
	"slack.channel":            {Default: "", Help: "Slack channel for notifications"},
	"slack.events":             {Default: "failures", Help: "Which results to post on slack: failures or all"},
}

func initConfig() {
	if configFilename != "" {
		viper.SetConfigFile(configFilename)
	} else {
		viper.AddConfigPath("/etc/nabtag/")
		viper.AddConfigPath("$HOME/.nabtag")
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
	}

	if err := charmer.SetDefaults(viper.GetViper(), args); err != nil {
		panic("failed to set viper defaults: " + err.Error())
	}

	viper.SetEnvPrefix("NABTAG")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		slog.Error("failed to read config file", "err", err)
		os.Exit(1)
	}
}

package cli

import (
	"github.com/spf13/cobra"

	"github.com/matzehuels/depdb/internal/config"
)

// applyFlags copies every flag the user set on the command line into cfg.
// Flags are the last layer on top of defaults, the config file and the
// environment. Flags a command does not define are ignored.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	fs := cmd.Flags()
	str := func(name string, dst *string) {
		if fs.Changed(name) {
			*dst, _ = fs.GetString(name)
		}
	}

	str("store", &cfg.Store)
	str("snapshot", &cfg.Snapshot)
	str("redis-addr", &cfg.Redis.Addr)
	str("mongo-uri", &cfg.Mongo.URI)
	str("status-addr", &cfg.StatusAddr)
	str("stale-policy", &cfg.StalePolicy)
	str("download-dir", &cfg.DownloadDir)
	str("scratch-dir", &cfg.ScratchDir)

	if fs.Changed("workers") {
		cfg.Workers, _ = fs.GetInt("workers")
	}
	if fs.Changed("budget") {
		d, _ := fs.GetDuration("budget")
		cfg.Budget = config.Budget{Wheel: d, Sdist: d}
	}
	if fs.Changed("pythons") {
		cfg.Pythons, _ = fs.GetStringSlice("pythons")
	}
}

package stats

import "github.com/relaycore/relaycore/relaycore-srv/config"

// NewCollectorFromConfig builds the Collector named by cfg: a SQLite-backed
// collector when a database path is configured, otherwise a no-op
// collector.
func NewCollectorFromConfig(cfg *config.Config) (Collector, error) {
	if cfg.StatsSQLitePath == "" {
		return NewDummyCollector(), nil
	}
	return NewSQLiteCollector(cfg.StatsSQLitePath)
}

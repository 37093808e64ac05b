package config

import (
	"path/filepath"
	"time"
)

// DefaultConfig returns the built-in configuration: four agents on a file
// store under ./agentteam, running the demo handler for up to a minute.
func DefaultConfig() *Config {
	return &Config{
		BaseDir:    "agentteam",
		Agents:     4,
		Branch:     "main",
		RunTimeout: Duration(60 * time.Second),

		PollInterval:      Duration(100 * time.Millisecond),
		MaxPollInterval:   Duration(2 * time.Second),
		DrainTimeout:      Duration(30 * time.Second),
		PropagateFailures: true,
		BreakerThreshold:  0,
		BreakerCooldown:   Duration(30 * time.Second),

		Store: StoreConfig{Kind: StoreFS},
		Handler: HandlerConfig{
			Kind:        HandlerDemo,
			FailPercent: 10,
		},
		Log: LogConfig{Level: "info", Format: LogText},
	}
}

func joinBase(base, name string) string {
	return filepath.Join(base, name)
}

package config

import (
	"time"

	"github.com/danmuck/meshctl/internal/scheduler"
)

func (s Session) SimulatedLatency() time.Duration {
	return time.Duration(s.SimulatedLatencyMS) * time.Millisecond
}

// Backoff is the NAT retry policy. Jitter stays off so retries line up
// with tick time.
func (s Session) Backoff() scheduler.BackoffConfig {
	return scheduler.BackoffConfig{
		InitialDelay: time.Duration(s.BackoffInitialMS) * time.Millisecond,
		Multiplier:   s.BackoffMultiplier,
		MaxDelay:     time.Duration(s.BackoffMaxMS) * time.Millisecond,
	}
}

func (s Session) Scheduler() scheduler.Config {
	return scheduler.Config{FPS: s.UpdateFPS, MaxCatchUp: s.MaxCatchUpUpdates}
}

// Package kernel provides background cleanup of finished case sessions.
package kernel

import (
	"sync"
	"time"
)

// CleanupConfig holds configurable cleanup parameters.
type CleanupConfig struct {
	// Interval is how often to run cleanup (default: 5 minutes).
	Interval time.Duration
	// SessionRetention is how long to keep finished sessions (default: 1 hour).
	SessionRetention time.Duration
	// AfterCycle, if set, runs after each cycle with the number of sessions
	// removed.
	AfterCycle func(removed int)
}

// DefaultCleanupConfig returns default cleanup configuration.
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Interval:         5 * time.Minute,
		SessionRetention: 1 * time.Hour,
	}
}

// StartCleanupLoop starts a background goroutine that periodically drops
// finished sessions. Returns a stop function; calling it more than once is
// safe.
func (k *Kernel) StartCleanupLoop(cfg CleanupConfig) func() {
	defaults := DefaultCleanupConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.SessionRetention <= 0 {
		cfg.SessionRetention = defaults.SessionRetention
	}

	ticker := time.NewTicker(cfg.Interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				k.runCleanupCycle(cfg)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// runCleanupCycle performs a single cleanup cycle with panic recovery.
func (k *Kernel) runCleanupCycle(cfg CleanupConfig) {
	defer func() {
		if r := recover(); r != nil {
			k.logger.Error("cleanup_panic_recovered", "error", r)
		}
	}()

	removed := k.sessions.CleanupFinished(cfg.SessionRetention)
	if cfg.AfterCycle != nil {
		cfg.AfterCycle(removed)
	}

	k.logger.Debug("cleanup_cycle_completed",
		"sessions_cleaned", removed,
		"sessions_tracked", k.sessions.Len(),
	)
}

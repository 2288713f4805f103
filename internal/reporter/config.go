package reporter

import "time"

// Config tunes the reporter loop's batching, polling, and retention.
type Config struct {
	// BatchSize bounds how many unreported events one cycle fetches.
	BatchSize int
	// FallbackInterval is the wait between cycles when idle and no wake
	// fires. A value <= 0 means wait forever (test-mode).
	FallbackInterval time.Duration
	// DefaultSyncPath is used when a tenant has no ClientSyncPath set.
	DefaultSyncPath string
	// CallbackTimeout bounds one tenant HTTP POST.
	CallbackTimeout time.Duration
	// RetentionPeriod: messages whose every event has been reported for
	// longer than this are deleted. <= 0 disables retention.
	RetentionPeriod time.Duration
	// ReportDeferred controls whether `deferred` events are included in
	// tenant-facing payloads (open question (a) resolved: excluded by
	// default).
	ReportDeferred bool
	// GlobalSyncURL is POSTed empty-batch pings when a tenant has none of
	// its own, and is included in the "ping everyone" sweep.
	GlobalSyncURL string
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:        200,
		FallbackInterval: 5 * time.Minute,
		DefaultSyncPath:  "/mail-proxy/sync",
		CallbackTimeout:  15 * time.Second,
		RetentionPeriod:  7 * 24 * time.Hour,
		ReportDeferred:   false,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.DefaultSyncPath == "" {
		c.DefaultSyncPath = d.DefaultSyncPath
	}
	if c.CallbackTimeout <= 0 {
		c.CallbackTimeout = d.CallbackTimeout
	}
	return c
}

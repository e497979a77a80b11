package config

import "time"

// System-wide defaults applied when config entries omit a value.
const (
	// DefaultTTLMinutes bounds a handler execution when neither the handler
	// config nor the request supplies a TTL.
	DefaultTTLMinutes = 30

	// DefaultBackpressureDepth is the subscriber queue bound.
	DefaultBackpressureDepth = 10000

	// DefaultReconnectInterval seeds the reconnect backoff schedule.
	DefaultReconnectInterval = 5 * time.Second

	// MaxReconnectInterval caps the reconnect backoff.
	MaxReconnectInterval = 60 * time.Second

	// DefaultReloadInterval is the auto-reload fingerprint scan period.
	DefaultReloadInterval = 300 * time.Second

	// DefaultStopGracePeriod bounds how long a cancelled handler may keep
	// running before its execution unit is torn down.
	DefaultStopGracePeriod = 5 * time.Second

	// DefaultRecentStatesSize bounds the recent execution states ring.
	DefaultRecentStatesSize = 500

	// DefaultHandlerFile is the fallback handler config file name.
	DefaultHandlerFile = "default"
)

// EngineConfig tunes the execution engine.
type EngineConfig struct {
	RecentStatesSize int           `json:"recent_states_size,omitempty"`
	StopGracePeriod  time.Duration `json:"-"`
}

// DefaultEngineConfig returns the built-in engine defaults.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		RecentStatesSize: DefaultRecentStatesSize,
		StopGracePeriod:  DefaultStopGracePeriod,
	}
}

package connection

import "time"

// Config tunes reconnection, heartbeat and acknowledgement timing.
type Config struct {
	Reconnect         bool
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	HeartbeatInterval time.Duration // zero disables the heartbeat
	AckTimeout        time.Duration
}

// DefaultConfig returns the client defaults.
// FUNCTIONAL DISCOVERY: 5 attempts between 1s and 30s covers a classroom Wi-Fi
// roaming between access points without hammering a restarting server
func DefaultConfig() Config {
	return Config{
		Reconnect:         true,
		MaxAttempts:       5,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		HeartbeatInterval: 25 * time.Second,
		AckTimeout:        10 * time.Second,
	}
}

// Package middleware provides HTTP middleware components for the CrossBridge API.
package middleware

import (
	"time"

	"github.com/crossbridge-io/crossbridge/internal/config"
)

// Config holds rate limiter configuration.
//
// Rate limits specify requests per second (RPS) for three tiers:
//   - Global: Applied to all requests
//   - Per-emitter: Applied to authenticated requests
//   - Unauthenticated: Applied to requests without emitter ID
//
// Burst capacity allows temporary bursts above sustained rate.
// If burst fields are 0, they are computed automatically as 2 × rate.
type Config struct {
	// Rate limits (requests per second)
	GlobalRPS  int // Default: 100
	EmitterRPS int // Default: 50
	UnAuthRPS  int // Default: 10

	// Optional burst capacity overrides (0 = compute automatically as 2 × rate) using computeBurstCapacity()
	GlobalBurst  int // Default: 0 (computed as 2 × GlobalRPS = 200)
	EmitterBurst int // Default: 0 (computed as 2 × EmitterRPS = 100)
	UnAuthBurst  int // Default: 0 (computed as 2 × UnAuthRPS = 20)

	// Memory cleanup configuration
	CleanupInterval time.Duration // Default: 5 minutes
	IdleTimeout     time.Duration // Default: 1 hour
	MaxEmitters     int           // Default: 100
}

// LoadConfig loads middleware config from environment variables with fallback to defaults.
//
// Default burst capacity: 2 × rate (allows 2-second burst)
// Default cleanup: every 5 minutes, removes emitters idle >1 hour.
func LoadConfig() *Config {
	return &Config{
		// Rate limits
		GlobalRPS:  config.GetEnvInt("CROSSBRIDGE_GLOBAL_RPS", defaultGlobalRPS),
		EmitterRPS: config.GetEnvInt("CROSSBRIDGE_EMITTER_RPS", defaultEmitterRPS),
		UnAuthRPS:  config.GetEnvInt("CROSSBRIDGE_UNAUTH_RPS", defaultUnAuthRPS),

		// Burst overrides (0 = auto-compute)
		GlobalBurst:  config.GetEnvInt("CROSSBRIDGE_GLOBAL_BURST", 0),
		EmitterBurst: config.GetEnvInt("CROSSBRIDGE_EMITTER_BURST", 0),
		UnAuthBurst:  config.GetEnvInt("CROSSBRIDGE_UNAUTH_BURST", 0),

		// Cleanup configuration
		CleanupInterval: config.GetEnvDuration(
			"CROSSBRIDGE_RATE_LIMIT_CLEANUP_INTERVAL", rateLimiterCleanupInterval,
		),
		IdleTimeout: config.GetEnvDuration("CROSSBRIDGE_RATE_LIMIT_IDLE_TIMEOUT", rateLimiterIdleTimeout),
		MaxEmitters: config.GetEnvInt("CROSSBRIDGE_RATE_LIMIT_MAX_EMITTERS", maxEmitters),
	}
}

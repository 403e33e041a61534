package config

import "time"

// RateLimitConfig configures the Redis token bucket placed in front of the
// booking and payment endpoints.
type RateLimitConfig struct {
	Enabled        bool
	Capacity       int
	RefillTokens   int
	RefillInterval time.Duration
	TTL            time.Duration
	KeyStrategy    string // ip, user, route or combinations joined by "_"
	Prefix         string
	Debug          bool
}

func LoadRateLimitConfig() RateLimitConfig {
	def := RateLimitConfig{
		Enabled:        envBool("RATE_LIMIT_ENABLED", true),
		Capacity:       envInt("RATE_LIMIT_CAPACITY", 20),
		RefillTokens:   envInt("RATE_LIMIT_REFILL_TOKENS", 1),
		RefillInterval: envDur("RATE_LIMIT_REFILL_INTERVAL", 3*time.Second),
		TTL:            envDur("RATE_LIMIT_TTL", 10*time.Minute),
		KeyStrategy:    envStr("RATE_LIMIT_KEY_STRATEGY", "user_route"),
		Prefix:         envStr("RATE_LIMIT_PREFIX", "cyl:rl"),
		Debug:          envBool("RATE_LIMIT_DEBUG", false),
	}
	if b := envInt("RATE_LIMIT_BURST", -1); b > 0 {
		def.Capacity = b
	}
	if every := envDur("RATE_LIMIT_REFILL_EVERY", 0); every > 0 {
		def.RefillTokens = 1
		def.RefillInterval = every
	}
	return def.normalised()
}

func (c RateLimitConfig) normalised() RateLimitConfig {
	if c.Capacity < 1 {
		c.Capacity = 1
	}
	if c.RefillTokens < 1 {
		c.RefillTokens = 1
	}
	if c.RefillInterval <= 0 {
		c.RefillInterval = time.Second
	}
	if minTTL := 5 * c.RefillInterval; c.TTL < minTTL {
		c.TTL = minTTL
	}
	return c
}

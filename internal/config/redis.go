package config

import (
	"context"
	"crypto/tls"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig locates the Redis server used by the rate limiter.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TLS      bool
}

// LoadRedisConfig reads REDIS_ADDR, or REDIS_HOST and REDIS_PORT, plus
// REDIS_PASSWORD, REDIS_DB and REDIS_TLS.
func LoadRedisConfig() RedisConfig {
	addr := os.Getenv("REDIS_ADDR")
	if host, port := os.Getenv("REDIS_HOST"), os.Getenv("REDIS_PORT"); host != "" && port != "" {
		addr = host + ":" + port
	}
	if addr == "" {
		addr = "localhost:6379"
	}
	tlsEnv := os.Getenv("REDIS_TLS")
	return RedisConfig{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       envInt("REDIS_DB", 0),
		TLS:      strings.EqualFold(tlsEnv, "true") || tlsEnv == "1",
	}
}

// NewRedisClient connects and pings Redis.  It returns nil when the server
// cannot be reached so that callers run without rate limiting.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	var tlsConf *tls.Config
	if cfg.TLS {
		tlsConf = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(&redis.Options{
		Addr:      cfg.Addr,
		Password:  cfg.Password,
		DB:        cfg.DB,
		TLSConfig: tlsConf,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil
	}
	return client
}

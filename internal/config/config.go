// Package config reads the client configuration from the environment. It is
// loaded once at startup and treated as immutable.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every setting of the terminal client.
type Config struct {
	// Endpoints
	APIURL string
	WSURL  string

	// Realtime session
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
	PingInterval      time.Duration
	PongTimeout       time.Duration

	// HTTP client throttle
	APIRate  float64
	APIBurst int

	// Optional infrastructure; empty disables it
	RedisAddr   string
	CacheTTL    time.Duration
	NATSURL     string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads Config from the environment. Unset or unparsable optional values
// fall back to defaults; malformed endpoint URLs are an error.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.APIURL = getEnvString("CHAT_API_URL", "http://localhost:5001/api")
	cfg.WSURL = getEnvString("CHAT_WS_URL", "")
	if cfg.WSURL == "" {
		cfg.WSURL = deriveWSURL(cfg.APIURL)
	}

	var invalid []string
	for name, raw := range map[string]string{"CHAT_API_URL": cfg.APIURL, "CHAT_WS_URL": cfg.WSURL} {
		if u, err := url.Parse(raw); err != nil || u.Host == "" {
			invalid = append(invalid, name)
		}
	}
	if len(invalid) > 0 {
		return nil, fmt.Errorf("config: invalid URL in environment variables: %v", invalid)
	}

	cfg.ReconnectAttempts = getEnvInt("RECONNECT_ATTEMPTS", 5)
	cfg.ReconnectDelay = getEnvDuration("RECONNECT_DELAY", time.Second)
	cfg.ReconnectMaxDelay = getEnvDuration("RECONNECT_MAX_DELAY", 5*time.Second)
	cfg.PingInterval = getEnvDuration("PING_INTERVAL", 25*time.Second)
	cfg.PongTimeout = getEnvDuration("PONG_TIMEOUT", 20*time.Second)

	cfg.APIRate = getEnvFloat("API_RATE", 10)
	cfg.APIBurst = getEnvInt("API_BURST", 20)

	cfg.RedisAddr = getEnvString("REDIS_ADDR", "")
	cfg.CacheTTL = getEnvDuration("CACHE_TTL", 24*time.Hour)
	cfg.NATSURL = getEnvString("NATS_URL", "")
	cfg.MetricsAddr = getEnvString("METRICS_ADDR", "")

	cfg.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", "info"))
	cfg.LogFormat = strings.ToLower(getEnvString("LOG_FORMAT", "text"))

	return cfg, nil
}

// deriveWSURL maps http://host/api to ws://host/ws.
func deriveWSURL(apiURL string) string {
	u, err := url.Parse(apiURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	u.RawQuery = ""
	return u.String()
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

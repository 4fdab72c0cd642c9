package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the realtime service listens on.
	DefaultAddr = ":43180"
	// DefaultPingInterval controls the keepalive cadence for WebSocket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 1 << 20
	// DefaultMaxConnections bounds concurrent WebSocket connections. Zero disables the limit.
	DefaultMaxConnections = 4096

	// DefaultRoomIdleTTL controls when the janitor reclaims rooms with no traffic.
	DefaultRoomIdleTTL = 30 * time.Minute

	// DefaultChatBurst and DefaultChatWindow bound chat messages per identity.
	DefaultChatBurst  = 20
	DefaultChatWindow = 10 * time.Second
	// DefaultActionBurst and DefaultActionWindow bound queue and room mutations per identity.
	DefaultActionBurst  = 30
	DefaultActionWindow = time.Minute
	// DefaultRelayBurst and DefaultRelayWindow bound in-match relay frames per identity.
	DefaultRelayBurst  = 120
	DefaultRelayWindow = 10 * time.Second

	// DefaultAuthLeeway tolerates clock skew when verifying token expiry.
	DefaultAuthLeeway = 2 * time.Second

	// DefaultDispatchChannel is the Redis pub/sub channel carrying backend notifications.
	DefaultDispatchChannel = "realtime:dispatch"

	// DefaultLogLevel controls verbosity for service logs.
	DefaultLogLevel = "info"
)

// Config captures all runtime tunables for the realtime service.
type Config struct {
	Address         string
	AllowedOrigins  []string
	MaxPayloadBytes int64
	PingInterval    time.Duration
	MaxConnections  int
	TLSCertPath     string
	TLSKeyPath      string

	AuthSecret string
	AuthLeeway time.Duration
	// InsecureAllowAnonymous disables token verification entirely; local development only.
	InsecureAllowAnonymous bool

	RedisURL        string
	DispatchChannel string

	RoomIdleTTL time.Duration
	JournalDir  string

	Chat   RateConfig
	Action RateConfig
	Relay  RateConfig

	Logging LoggingConfig
}

// RateConfig bounds how many events one identity may perform per window.
type RateConfig struct {
	Burst  int
	Window time.Duration
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level string
	Path  string
}

// Load reads the service configuration from environment variables, applying sane defaults
// and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:         getString("REALTIME_ADDR", DefaultAddr),
		AllowedOrigins:  parseList(os.Getenv("REALTIME_ALLOWED_ORIGINS")),
		MaxPayloadBytes: DefaultMaxPayloadBytes,
		PingInterval:    DefaultPingInterval,
		MaxConnections:  DefaultMaxConnections,
		TLSCertPath:     strings.TrimSpace(os.Getenv("REALTIME_TLS_CERT")),
		TLSKeyPath:      strings.TrimSpace(os.Getenv("REALTIME_TLS_KEY")),
		AuthSecret:      strings.TrimSpace(os.Getenv("REALTIME_AUTH_SECRET")),
		AuthLeeway:      DefaultAuthLeeway,
		RedisURL:        strings.TrimSpace(os.Getenv("REALTIME_REDIS_URL")),
		DispatchChannel: getString("REALTIME_DISPATCH_CHANNEL", DefaultDispatchChannel),
		RoomIdleTTL:     DefaultRoomIdleTTL,
		JournalDir:      strings.TrimSpace(os.Getenv("REALTIME_JOURNAL_DIR")),
		Chat:            RateConfig{Burst: DefaultChatBurst, Window: DefaultChatWindow},
		Action:          RateConfig{Burst: DefaultActionBurst, Window: DefaultActionWindow},
		Relay:           RateConfig{Burst: DefaultRelayBurst, Window: DefaultRelayWindow},
		Logging: LoggingConfig{
			Level: strings.TrimSpace(getString("REALTIME_LOG_LEVEL", DefaultLogLevel)),
			Path:  strings.TrimSpace(os.Getenv("REALTIME_LOG_PATH")),
		},
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("REALTIME_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("REALTIME_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("REALTIME_PING_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("REALTIME_PING_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.PingInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("REALTIME_MAX_CONNECTIONS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("REALTIME_MAX_CONNECTIONS must be a non-negative integer, got %q", raw))
		} else {
			cfg.MaxConnections = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("REALTIME_AUTH_LEEWAY")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration < 0 {
			problems = append(problems, fmt.Sprintf("REALTIME_AUTH_LEEWAY must be a non-negative duration, got %q", raw))
		} else {
			cfg.AuthLeeway = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("REALTIME_ALLOW_ANONYMOUS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("REALTIME_ALLOW_ANONYMOUS must be a boolean value, got %q", raw))
		} else {
			cfg.InsecureAllowAnonymous = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("REALTIME_ROOM_IDLE_TTL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("REALTIME_ROOM_IDLE_TTL must be a positive duration, got %q", raw))
		} else {
			cfg.RoomIdleTTL = duration
		}
	}

	applyRate(&cfg.Chat, "REALTIME_CHAT_BURST", "REALTIME_CHAT_WINDOW", &problems)
	applyRate(&cfg.Action, "REALTIME_ACTION_BURST", "REALTIME_ACTION_WINDOW", &problems)
	applyRate(&cfg.Relay, "REALTIME_RELAY_BURST", "REALTIME_RELAY_WINDOW", &problems)

	if cfg.AuthSecret == "" && !cfg.InsecureAllowAnonymous {
		problems = append(problems, "REALTIME_AUTH_SECRET must be set unless REALTIME_ALLOW_ANONYMOUS=true")
	}

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "REALTIME_TLS_CERT and REALTIME_TLS_KEY must be provided together")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

func applyRate(rate *RateConfig, burstKey, windowKey string, problems *[]string) {
	if raw := strings.TrimSpace(os.Getenv(burstKey)); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			*problems = append(*problems, fmt.Sprintf("%s must be a positive integer, got %q", burstKey, raw))
		} else {
			rate.Burst = value
		}
	}
	if raw := strings.TrimSpace(os.Getenv(windowKey)); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			*problems = append(*problems, fmt.Sprintf("%s must be a positive duration, got %q", windowKey, raw))
		} else {
			rate.Window = duration
		}
	}
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// GRPCAuthMode enumerates the supported authentication strategies for the
// control-plane gRPC listener.
type GRPCAuthMode string

const (
	// GRPCAuthModeMTLS requires mutual TLS with a configured client CA.
	GRPCAuthModeMTLS GRPCAuthMode = "mtls"
	// GRPCAuthModeSharedSecret requires a shared-secret bearer credential.
	GRPCAuthModeSharedSecret GRPCAuthMode = "shared-secret"
)

const (
	// DefaultAddr is the default TCP address the HTTP transport listens on.
	DefaultAddr = ":43127"
	// DefaultSocketAddr is the default TCP address the raw-socket transport listens on.
	DefaultSocketAddr = ":43128"
	// DefaultGRPCAddr is the default control-plane gRPC listen address.
	DefaultGRPCAddr = ":43129"

	// DefaultMaxPayloadBytes limits a single inbound frame batch, matching the
	// wire framing's MAX_LENGTH default (spec.md §4.1).
	DefaultMaxPayloadBytes int64 = 1 << 20
	// DefaultMaxClients is the default for MaxClients (zero means no limit). The
	// value is loaded and validated, but no listener reads it, so the number of
	// attached transports is not limited.
	DefaultMaxClients = 4096

	// DefaultReceiveMaxEntries bounds the receive buffer's pending entry count (spec.md §4.2).
	DefaultReceiveMaxEntries = 5000
	// DefaultReceiveMaxBytes bounds the receive buffer's pending byte total (spec.md §4.2).
	DefaultReceiveMaxBytes = 4 * 1024 * 1024

	// DefaultStreamIdleTimeout is the default for StreamIdleTimeout. The value is
	// loaded and validated, but nothing reads it: streams are not timed out for
	// inactivity.
	DefaultStreamIdleTimeout = 30 * time.Second

	// DefaultBandwidthBytesPerSecond is the refill rate of the broker's bandwidth
	// regulator, whose usage /metrics reports. No transport write is charged
	// against the regulator, so outbound throughput is not capped.
	DefaultBandwidthBytesPerSecond = 48000.0 / 8.0

	// DefaultLogLevel controls verbosity for Minerva logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "minerva.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the Minerva broker.
type Config struct {
	Address        string
	SocketAddress  string
	AllowedOrigins []string

	MaxPayloadBytes int64
	MaxClients      int

	ReceiveMaxEntries int
	ReceiveMaxBytes   int
	StreamIdleTimeout time.Duration

	BandwidthBytesPerSecond float64

	PolicyFilePath string

	TLSCertPath string
	TLSKeyPath  string
	AdminToken  string

	GRPCAddress        string
	GRPCAuthMode       GRPCAuthMode
	GRPCServerCertPath string
	GRPCServerKeyPath  string
	GRPCClientCAPath   string
	GRPCSharedSecret   string

	HelloAuthSecret string

	Logging LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the Minerva configuration from environment variables, applying
// sane defaults and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:                 getString("MINERVA_ADDR", DefaultAddr),
		SocketAddress:           getString("MINERVA_SOCKET_ADDR", DefaultSocketAddr),
		AllowedOrigins:          parseList(os.Getenv("MINERVA_ALLOWED_ORIGINS")),
		MaxPayloadBytes:         DefaultMaxPayloadBytes,
		MaxClients:              DefaultMaxClients,
		ReceiveMaxEntries:       DefaultReceiveMaxEntries,
		ReceiveMaxBytes:         DefaultReceiveMaxBytes,
		StreamIdleTimeout:       DefaultStreamIdleTimeout,
		BandwidthBytesPerSecond: DefaultBandwidthBytesPerSecond,
		PolicyFilePath:          strings.TrimSpace(os.Getenv("MINERVA_POLICY_FILE")),
		TLSCertPath:             strings.TrimSpace(os.Getenv("MINERVA_TLS_CERT")),
		TLSKeyPath:              strings.TrimSpace(os.Getenv("MINERVA_TLS_KEY")),
		AdminToken:              strings.TrimSpace(os.Getenv("MINERVA_ADMIN_TOKEN")),
		GRPCAddress:             getString("MINERVA_GRPC_ADDR", DefaultGRPCAddr),
		GRPCAuthMode:            GRPCAuthMode(getString("MINERVA_GRPC_AUTH_MODE", string(GRPCAuthModeSharedSecret))),
		GRPCServerCertPath:      strings.TrimSpace(os.Getenv("MINERVA_GRPC_CERT")),
		GRPCServerKeyPath:       strings.TrimSpace(os.Getenv("MINERVA_GRPC_KEY")),
		GRPCClientCAPath:        strings.TrimSpace(os.Getenv("MINERVA_GRPC_CLIENT_CA")),
		GRPCSharedSecret:        strings.TrimSpace(os.Getenv("MINERVA_GRPC_SHARED_SECRET")),
		HelloAuthSecret:         strings.TrimSpace(os.Getenv("MINERVA_HELLO_AUTH_SECRET")),
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("MINERVA_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("MINERVA_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("MINERVA_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("MINERVA_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MINERVA_MAX_CLIENTS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("MINERVA_MAX_CLIENTS must be a non-negative integer, got %q", raw))
		} else {
			cfg.MaxClients = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MINERVA_RECEIVE_MAX_ENTRIES")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("MINERVA_RECEIVE_MAX_ENTRIES must be a positive integer, got %q", raw))
		} else {
			cfg.ReceiveMaxEntries = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MINERVA_RECEIVE_MAX_BYTES")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("MINERVA_RECEIVE_MAX_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.ReceiveMaxBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MINERVA_STREAM_IDLE_TIMEOUT")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("MINERVA_STREAM_IDLE_TIMEOUT must be a positive duration, got %q", raw))
		} else {
			cfg.StreamIdleTimeout = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MINERVA_BANDWIDTH_BYTES_PER_SECOND")); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("MINERVA_BANDWIDTH_BYTES_PER_SECOND must be a positive number, got %q", raw))
		} else {
			cfg.BandwidthBytesPerSecond = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MINERVA_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("MINERVA_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MINERVA_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("MINERVA_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MINERVA_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("MINERVA_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MINERVA_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("MINERVA_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	switch cfg.GRPCAuthMode {
	case GRPCAuthModeMTLS, GRPCAuthModeSharedSecret:
	default:
		problems = append(problems, fmt.Sprintf("MINERVA_GRPC_AUTH_MODE must be %q or %q, got %q", GRPCAuthModeMTLS, GRPCAuthModeSharedSecret, cfg.GRPCAuthMode))
	}

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "MINERVA_TLS_CERT and MINERVA_TLS_KEY must be provided together")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf(strings.Join(problems, "; "))
	}

	return cfg, nil
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

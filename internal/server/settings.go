package server

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kingrea/lattice-compliance/internal/config"
)

// EnvEnabled switches the server on or off regardless of config.yaml.
const EnvEnabled = "COMPLIANCE_SERVER_ENABLED"

const (
	DefaultHost               = "127.0.0.1"
	DefaultPort               = 8088
	DefaultMaxBodyBytes int64 = 64 << 10
	DefaultReadTimeout        = 15 * time.Second
	// DefaultWriteTimeout does not apply to hijacked event streams.
	DefaultWriteTimeout = 30 * time.Second
	DefaultIdleTimeout  = 60 * time.Second
)

// Settings is the listener and request limits of the run server. A zero
// Port in hand-built Settings binds an ephemeral port.
type Settings struct {
	Enabled      bool
	Host         string
	Port         int
	MaxBodyBytes int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultSettings listens on loopback with the default limits.
func DefaultSettings() Settings {
	return Settings{
		Enabled:      true,
		Host:         DefaultHost,
		Port:         DefaultPort,
		MaxBodyBytes: DefaultMaxBodyBytes,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
		IdleTimeout:  DefaultIdleTimeout,
	}
}

// SettingsFromConfig layers the server section of cfg, then EnvEnabled, on
// top of DefaultSettings. Unset or out of range values keep their default.
// Host and port environment overrides are resolved by config.
func SettingsFromConfig(cfg *config.Config) Settings {
	s := DefaultSettings()
	if cfg != nil {
		section := cfg.Project.Server
		if section.Enabled != nil {
			s.Enabled = *section.Enabled
		}
		if host := strings.TrimSpace(section.Host); host != "" {
			s.Host = host
		}
		if section.Port > 0 && section.Port <= 65535 {
			s.Port = section.Port
		}
		s.ReadTimeout = positiveOr(section.ReadTimeout, s.ReadTimeout)
		s.WriteTimeout = positiveOr(section.WriteTimeout, s.WriteTimeout)
		s.IdleTimeout = positiveOr(section.IdleTimeout, s.IdleTimeout)
	}
	if enabled, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(EnvEnabled))); err == nil {
		s.Enabled = enabled
	}
	return s
}

// Address is host:port.
func (s Settings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// URL is the http base URL clients should use.
func (s Settings) URL() string {
	return "http://" + s.Address()
}

func positiveOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

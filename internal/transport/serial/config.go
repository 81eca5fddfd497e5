package serial

import (
	"strings"
	"time"

	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/infrastructure/config"
)

// FromConfig builds a transport Config from the serial section of
// config.yaml.
func FromConfig(cfg config.SerialConfig) Config {
	return Config{
		Port:          cfg.Port,
		BaudRate:      cfg.BaudRate,
		ReadTimeout:   time.Duration(cfg.ReadTimeoutMS) * time.Millisecond,
		MaxFrameBytes: cfg.MaxFrameBytes,
		Backoff:       BackoffFromConfig(cfg.Reconnect),
		MaxAttempts:   cfg.Reconnect.MaxAttempts,
	}
}

// BackoffFromConfig maps a reconnect policy name to a Backoff. Unknown or
// empty policies retry immediately.
func BackoffFromConfig(cfg config.SerialReconnectConfig) Backoff {
	initial := time.Duration(cfg.InitialDelayMS) * time.Millisecond
	switch strings.ToLower(strings.TrimSpace(cfg.Policy)) {
	case "constant":
		return Constant{Delay: initial}
	case "exponential":
		return Exponential{
			Initial:    initial,
			Max:        time.Duration(cfg.MaxDelayMS) * time.Millisecond,
			Multiplier: cfg.Multiplier,
			Jitter:     cfg.Jitter,
		}
	default:
		return Immediate{}
	}
}

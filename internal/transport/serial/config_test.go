package serial

import (
	"testing"
	"time"

	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/infrastructure/config"
)

func TestBackoffFromConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.SerialReconnectConfig
		want Backoff
	}{
		{"empty", config.SerialReconnectConfig{}, Immediate{}},
		{"immediate", config.SerialReconnectConfig{Policy: "immediate"}, Immediate{}},
		{"unknown", config.SerialReconnectConfig{Policy: "fibonacci"}, Immediate{}},
		{"constant", config.SerialReconnectConfig{Policy: "constant", InitialDelayMS: 250}, Constant{Delay: 250 * time.Millisecond}},
		{
			"exponential",
			config.SerialReconnectConfig{Policy: " Exponential ", InitialDelayMS: 500, MaxDelayMS: 30000, Multiplier: 2, Jitter: true},
			Exponential{Initial: 500 * time.Millisecond, Max: 30 * time.Second, Multiplier: 2, Jitter: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BackoffFromConfig(tt.cfg); got != tt.want {
				t.Errorf("BackoffFromConfig() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.SerialConfig{
		Port:          "/dev/ttyACM0",
		BaudRate:      9600,
		ReadTimeoutMS: 200,
		MaxFrameBytes: 4096,
		Reconnect:     config.SerialReconnectConfig{Policy: "constant", InitialDelayMS: 10, MaxAttempts: 3},
	})

	if cfg.Port != "/dev/ttyACM0" || cfg.BaudRate != 9600 {
		t.Errorf("endpoint = %s@%d", cfg.Port, cfg.BaudRate)
	}
	if cfg.ReadTimeout != 200*time.Millisecond {
		t.Errorf("ReadTimeout = %v", cfg.ReadTimeout)
	}
	if cfg.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d", cfg.MaxAttempts)
	}
	if _, ok := cfg.Backoff.(Constant); !ok {
		t.Errorf("Backoff = %T, want Constant", cfg.Backoff)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

package config

import (
	"testing"
	"time"
)

func TestLoadTabAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("api.session_token", "session-token")

	cfg, err := LoadTab(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.ElectionTimeout != 150*time.Millisecond {
		t.Fatalf("unexpected election timeout %s", cfg.ElectionTimeout)
	}
	if cfg.BusDriver != BusDriverNATS {
		t.Fatalf("unexpected bus driver %q", cfg.BusDriver)
	}
	if cfg.Reconnect.MaxRetries != defaultReconnectRetries {
		t.Fatalf("unexpected max retries %d", cfg.Reconnect.MaxRetries)
	}
}

func TestLoadTabRejectsUnknownBusDriver(t *testing.T) {
	configViper := NewViper()
	configViper.Set("api.session_token", "session-token")
	configViper.Set("bus.driver", "carrier-pigeon")

	if _, err := LoadTab(configViper); err == nil {
		t.Fatalf("expected error for unsupported bus driver")
	}
}

func TestLoadTabRejectsInvertedReconnectDelays(t *testing.T) {
	configViper := NewViper()
	configViper.Set("api.session_token", "session-token")
	configViper.Set("reconnect.min_delay", 10*time.Second)
	configViper.Set("reconnect.max_delay", time.Second)

	if _, err := LoadTab(configViper); err == nil {
		t.Fatalf("expected error for min delay above max delay")
	}
}

func TestLoadRequiresSecrets(t *testing.T) {
	configViper := NewViper()
	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error for missing signing secret")
	}

	configViper.Set("auth.signing_secret", "signing")
	configViper.Set("auth.session_secret", "session")
	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.TokenTTL != 15*time.Minute {
		t.Fatalf("unexpected token ttl %s", cfg.TokenTTL)
	}
}

func TestLoadReadsAllowedOrigins(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "signing")
	configViper.Set("auth.session_secret", "session")
	configViper.Set("http.allowed_origins", []string{"https://tickets.example.com", "https://app.example.com"})

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "https://tickets.example.com" {
		t.Fatalf("unexpected allowed origins %v", cfg.AllowedOrigins)
	}
}

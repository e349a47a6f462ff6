package config

import (
	"strings"
	"testing"
	"time"
)

func envFrom(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadFrom(envFrom(nil))
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}

	if cfg.ServiceName != "libris" || cfg.SQLiteDSN != "file:libris.db" {
		t.Errorf("unexpected identity defaults: %+v", cfg)
	}
	if cfg.NATSURL != "" || cfg.RedisURL != "" || cfg.CredentialsURL != "" {
		t.Errorf("expected empty URLs by default: %+v", cfg)
	}
	if cfg.PaginationDefaultLimit != 10 || cfg.PaginationMaxLimit != 100 {
		t.Errorf("unexpected pagination defaults: %+v", cfg)
	}
	if cfg.MaxReservationsPerUser != 3 || cfg.ReturnDueDays != 14 || cfg.MaxRetryAttempts != 3 {
		t.Errorf("unexpected saga defaults: %+v", cfg)
	}
	if cfg.ReservationFee != 300 {
		t.Errorf("expected 3.00 as 300 minor units, got %d", cfg.ReservationFee)
	}
	if cfg.LateFeePerDay != 20 {
		t.Errorf("expected 0.20 as 20 minor units, got %d", cfg.LateFeePerDay)
	}
	if cfg.CacheDefaultTTL != 60*time.Second {
		t.Errorf("expected 60s cache ttl, got %s", cfg.CacheDefaultTTL)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := loadFrom(envFrom(map[string]string{
		"SERVICE_NAME":             "libris-reservations",
		"NATS_URL":                 "nats://broker:4222",
		"SQLITE_DSN":               ":memory:",
		"REDIS_URL":                "redis://cache:6379/0",
		"PAGINATION_DEFAULT_LIMIT": "25",
		"PAGINATION_MAX_LIMIT":     "200",
		"BOOK_RESERVATION_FEE":     "4.50",
		"LATE_FEE_PER_DAY":         "0.35",
		"CACHE_DEFAULT_TTL":        "120",
	}))
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}

	if cfg.ServiceName != "libris-reservations" || cfg.NATSURL != "nats://broker:4222" {
		t.Errorf("unexpected identity: %+v", cfg)
	}
	if cfg.PaginationDefaultLimit != 25 || cfg.PaginationMaxLimit != 200 {
		t.Errorf("unexpected pagination: %+v", cfg)
	}
	if cfg.ReservationFee != 450 || cfg.LateFeePerDay != 35 {
		t.Errorf("unexpected fees: %d %d", cfg.ReservationFee, cfg.LateFeePerDay)
	}
	if cfg.CacheDefaultTTL != 2*time.Minute {
		t.Errorf("expected 2m ttl, got %s", cfg.CacheDefaultTTL)
	}
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	_, err := loadFrom(envFrom(map[string]string{"PAGINATION_DEFAULT_LIMIT": "lots"}))
	if err == nil || !strings.Contains(err.Error(), "PAGINATION_DEFAULT_LIMIT") {
		t.Errorf("expected error naming the key, got: %v", err)
	}

	_, err = loadFrom(envFrom(map[string]string{"BOOK_RESERVATION_FEE": "three"}))
	if err == nil || !strings.Contains(err.Error(), "BOOK_RESERVATION_FEE") {
		t.Errorf("expected error naming the key, got: %v", err)
	}
}

func TestLoadValidatesConsistency(t *testing.T) {
	_, err := loadFrom(envFrom(map[string]string{
		"PAGINATION_DEFAULT_LIMIT": "50",
		"PAGINATION_MAX_LIMIT":     "20",
	}))
	if err == nil {
		t.Error("expected default limit above max to fail")
	}

	_, err = loadFrom(envFrom(map[string]string{"BOOK_RESERVATION_FEE": "-1.00"}))
	if err == nil {
		t.Error("expected negative fee to fail")
	}

	_, err = loadFrom(envFrom(map[string]string{"EVENT_STORE_MAX_RETRY_ATTEMPTS": "0"}))
	if err == nil {
		t.Error("expected zero retries to fail")
	}
}

func TestMinorUnits(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"3.00", 300},
		{"0.20", 20},
		{"0", 0},
		{"12", 1200},
		{"3.005", 300},
		{"3.015", 302},
		{"-1.00", -100},
	}
	for _, tc := range cases {
		got, err := MinorUnits(tc.in)
		if err != nil {
			t.Errorf("MinorUnits(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("MinorUnits(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}

	if _, err := MinorUnits("three"); err == nil {
		t.Error("expected parse error")
	}
}

func TestFormatMinorUnits(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{300, "3.00"},
		{25, "0.25"},
		{0, "0.00"},
		{-150, "-1.50"},
	}
	for _, tc := range cases {
		if got := FormatMinorUnits(tc.in); got != tc.want {
			t.Errorf("FormatMinorUnits(%d) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

package config

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var settingKeys = []string{
	"CONFIG_FILE", "USER_NAME", "EMERGENCY_CONTACTS", "SPEED_LIMIT_KMH",
	"MIN_SPEED_BEFORE_KMH", "MAX_SPEED_AFTER_KMH", "MIN_DECELERATION_KMH",
	"CORRELATION_WINDOW_MS", "BACKEND_URL", "RELAY_PROVIDER", "RELAY_TIMEOUT_MS",
	"IMPACT_POLL_INTERVAL_MS", "CHECK_INTERVAL_MS", "LOCATION_FIX_TIMEOUT_MS",
	"GPS_SOURCE", "NATS_URL", "DB_CONN_STR", "REDIS_ADDR", "HTTP_ADDR",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range settingKeys {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func validSettings() Settings {
	s := DefaultSettings()
	s.UserName = "Juan"
	s.Contacts = "09171234567, +639181234567"
	s.SpeedLimitKmh = 60
	s.BackendURL = "https://relay.example.com"
	return s
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.NATSURL != "nats://nats:4222" {
		t.Errorf("Expected default NATS URL, got %s", cfg.NATSURL)
	}
	if cfg.RedisAddr != "redis:6379" {
		t.Errorf("Expected default Redis address, got %s", cfg.RedisAddr)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("Expected default HTTP address, got %s", cfg.HTTPAddr)
	}
	if cfg.Settings.CorrelationWindow() != 2*time.Second {
		t.Errorf("Expected default correlation window of 2s, got %s", cfg.Settings.CorrelationWindow())
	}
	if cfg.Settings.MinSpeedBeforeKmh != 30 || cfg.Settings.MaxSpeedAfterKmh != 5 || cfg.Settings.MinDecelerationKmh != 25 {
		t.Errorf("Unexpected default thresholds: %+v", cfg.Settings)
	}
	if cfg.Settings.RelayProvider != "philsms" {
		t.Errorf("Expected default relay provider philsms, got %s", cfg.Settings.RelayProvider)
	}
}

func TestLoad_FromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("USER_NAME", " Maria ")
	t.Setenv("EMERGENCY_CONTACTS", "09171234567")
	t.Setenv("SPEED_LIMIT_KMH", "80.5")
	t.Setenv("CORRELATION_WINDOW_MS", "3000")
	t.Setenv("IMPACT_POLL_INTERVAL_MS", "500")
	t.Setenv("BACKEND_URL", "http://localhost:3000")
	t.Setenv("GPS_SOURCE", "tcp://gps.local:10110")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	s := cfg.Settings
	if s.UserName != "Maria" {
		t.Errorf("Expected trimmed user name, got %q", s.UserName)
	}
	if s.SpeedLimitKmh != 80.5 {
		t.Errorf("Expected speed limit 80.5, got %v", s.SpeedLimitKmh)
	}
	if s.CorrelationWindow() != 3*time.Second {
		t.Errorf("Expected window 3s, got %s", s.CorrelationWindow())
	}
	if s.ImpactPollInterval() != 500*time.Millisecond {
		t.Errorf("Expected poll interval 500ms, got %s", s.ImpactPollInterval())
	}
	if cfg.GPSSource != "tcp://gps.local:10110" {
		t.Errorf("Unexpected GPS source %q", cfg.GPSSource)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("Expected valid settings, got %v", err)
	}
}

func TestLoad_InvalidNumber(t *testing.T) {
	clearEnv(t)
	t.Setenv("SPEED_LIMIT_KMH", "fast")

	cfg, err := Load()
	if err == nil {
		t.Fatal("Load() should have failed with a non-numeric speed limit")
	}
	if cfg != nil {
		t.Fatal("Load() should have returned nil config")
	}
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("Expected ErrInvalid, got %v", err)
	}
}

func TestLoad_NonFiniteNumberFailsValidation(t *testing.T) {
	for _, raw := range []string{"NaN", "+Inf", "-Inf"} {
		t.Run(raw, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("EMERGENCY_CONTACTS", "09171234567")
			t.Setenv("BACKEND_URL", "https://relay.example.com")
			t.Setenv("SPEED_LIMIT_KMH", raw)

			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load() failed: %v", err)
			}
			err = cfg.Settings.Validate()
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("Expected ErrInvalid, got %v", err)
			}
			if !strings.Contains(err.Error(), "speed limit must be a positive number") {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestLoad_SettingsFileWithEnvOverride(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "settings.yml")
	content := `user_name: Ana
emergency_contacts: "09171234567"
speed_limit_kmh: 60
correlation_window_ms: 1500
backend_url: https://relay.example.com
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write settings file: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("SPEED_LIMIT_KMH", "70")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Settings.UserName != "Ana" {
		t.Errorf("Expected user name from file, got %q", cfg.Settings.UserName)
	}
	if cfg.Settings.SpeedLimitKmh != 70 {
		t.Errorf("Expected env override 70, got %v", cfg.Settings.SpeedLimitKmh)
	}
	if cfg.Settings.CorrelationWindowMs != 1500 {
		t.Errorf("Expected window from file, got %d", cfg.Settings.CorrelationWindowMs)
	}
	// Defaults survive when the file omits a field
	if cfg.Settings.MinDecelerationKmh != DefaultMinDecelerationKmh {
		t.Errorf("Expected default deceleration, got %v", cfg.Settings.MinDecelerationKmh)
	}
}

func TestLoad_MissingSettingsFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yml"))

	if _, err := Load(); err == nil {
		t.Fatal("Load() should fail when the settings file is missing")
	}
}

func TestSaveFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yml")
	want := validSettings()

	if err := SaveFile(path, want); err != nil {
		t.Fatalf("SaveFile() failed: %v", err)
	}

	var got Settings
	if err := LoadFile(path, &got); err != nil {
		t.Fatalf("LoadFile() failed: %v", err)
	}
	if got != want {
		t.Errorf("Settings mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestSettings_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr string
	}{
		{name: "valid", mutate: func(*Settings) {}},
		{
			name:    "missing contacts",
			mutate:  func(s *Settings) { s.Contacts = "" },
			wantErr: "emergency contacts are required",
		},
		{
			name:    "no valid contacts",
			mutate:  func(s *Settings) { s.Contacts = "12345, 555" },
			wantErr: "no valid emergency contacts",
		},
		{
			name:    "missing speed limit",
			mutate:  func(s *Settings) { s.SpeedLimitKmh = 0 },
			wantErr: "speed limit must be a positive number",
		},
		{
			name:    "zero correlation window",
			mutate:  func(s *Settings) { s.CorrelationWindowMs = 0 },
			wantErr: "correlation window must be a positive number",
		},
		{
			name:    "negative correlation window",
			mutate:  func(s *Settings) { s.CorrelationWindowMs = -5 },
			wantErr: "correlation window must be a positive number",
		},
		{
			name:    "negative deceleration",
			mutate:  func(s *Settings) { s.MinDecelerationKmh = -1 },
			wantErr: "minimum deceleration must be a positive number",
		},
		{
			name:    "NaN speed limit",
			mutate:  func(s *Settings) { s.SpeedLimitKmh = math.NaN() },
			wantErr: "speed limit must be a positive number",
		},
		{
			name:    "infinite speed limit",
			mutate:  func(s *Settings) { s.SpeedLimitKmh = math.Inf(1) },
			wantErr: "speed limit must be a positive number",
		},
		{
			name:    "NaN deceleration",
			mutate:  func(s *Settings) { s.MinDecelerationKmh = math.NaN() },
			wantErr: "minimum deceleration must be a positive number",
		},
		{
			name:    "infinite speed before braking",
			mutate:  func(s *Settings) { s.MinSpeedBeforeKmh = math.Inf(1) },
			wantErr: "minimum speed before braking must be a positive number",
		},
		{
			name:    "missing backend URL",
			mutate:  func(s *Settings) { s.BackendURL = "" },
			wantErr: "backend URL is required",
		},
		{
			name:    "relative backend URL",
			mutate:  func(s *Settings) { s.BackendURL = "/api" },
			wantErr: "must be an absolute http(s) URL",
		},
		{
			name:    "bad provider",
			mutate:  func(s *Settings) { s.RelayProvider = "phil sms" },
			wantErr: "relay provider",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSettings()
			tt.mutate(&s)

			err := s.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected error containing %q, got none", tt.wantErr)
			}
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("Expected ErrInvalid, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestSettings_Validate_ReportsAllProblems(t *testing.T) {
	s := Settings{}
	err := s.Validate()
	if err == nil {
		t.Fatal("Expected error for empty settings")
	}
	for _, want := range []string{"emergency contacts", "speed limit", "backend URL"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected error to mention %q, got %q", want, err.Error())
		}
	}
}

func TestSettings_NameAndRecipients(t *testing.T) {
	s := validSettings()
	s.UserName = "   "
	if s.Name() != "User" {
		t.Errorf("Expected default name, got %q", s.Name())
	}

	recipients := s.Recipients()
	if len(recipients) != 2 || recipients[0] != "639171234567" || recipients[1] != "639181234567" {
		t.Errorf("Unexpected recipients: %v", recipients)
	}
}

func TestLoadBackend(t *testing.T) {
	t.Setenv("PHIL_SMS_API_TOKEN", "token")
	t.Setenv("PHIL_SMS_SENDER_ID", "SENDER")
	t.Setenv("PORT", "")
	t.Setenv("PHIL_SMS_ENDPOINT", "")
	t.Setenv("REDIS_ADDR", "")

	cfg, err := LoadBackend()
	if err != nil {
		t.Fatalf("LoadBackend() failed: %v", err)
	}
	if cfg.Port != "3000" {
		t.Errorf("Expected default port 3000, got %s", cfg.Port)
	}
	if cfg.PhilSMSURL != "https://app.philsms.com/api/v3/sms/send" {
		t.Errorf("Unexpected default endpoint %s", cfg.PhilSMSURL)
	}
}

func TestLoadBackend_MissingCredentials(t *testing.T) {
	t.Setenv("PHIL_SMS_API_TOKEN", "")
	t.Setenv("PHIL_SMS_SENDER_ID", "SENDER")

	cfg, err := LoadBackend()
	if err == nil {
		t.Fatal("LoadBackend() should fail without an API token")
	}
	if cfg != nil {
		t.Fatal("LoadBackend() should have returned nil config")
	}
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("Expected ErrInvalid, got %v", err)
	}
}

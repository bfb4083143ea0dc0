package infra

import (
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("CALLBACK_SIGNING_SECRET", "cb-secret")
	t.Setenv("RENDER_PROVIDER_ENDPOINT", "https://provider.example.com/render")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PORT", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.ProviderName != "renderforge" || cfg.ProviderModel != "interior-v2" {
		t.Fatalf("provider defaults mismatch: %q %q", cfg.ProviderName, cfg.ProviderModel)
	}
	if cfg.CallbackMaxSkew != 5*time.Minute {
		t.Fatalf("CallbackMaxSkew = %v, want 5m", cfg.CallbackMaxSkew)
	}
	if cfg.DispatchMaxAttempts != 6 {
		t.Fatalf("DispatchMaxAttempts = %d, want 6", cfg.DispatchMaxAttempts)
	}
	if cfg.MaxMegapixels != 48 {
		t.Fatalf("MaxMegapixels = %v, want 48", cfg.MaxMegapixels)
	}
	if cfg.MaxUploadBytes != 30*1024*1024 {
		t.Fatalf("MaxUploadBytes = %d, want 30MiB", cfg.MaxUploadBytes)
	}
}

func TestLoadConfigRequiredVariables(t *testing.T) {
	cases := []string{"DATABASE_URL", "JWT_SECRET", "CALLBACK_SIGNING_SECRET", "RENDER_PROVIDER_ENDPOINT"}
	for _, missing := range cases {
		t.Run(missing, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(missing, "")
			if _, err := LoadConfig(); err == nil {
				t.Fatalf("LoadConfig succeeded without %s", missing)
			}
		})
	}
}

func TestCallbackURLJoinsCleanly(t *testing.T) {
	cfg := &Config{CallbackBaseURL: "https://api.example.com/"}
	got := cfg.CallbackURL("job-1")
	want := "https://api.example.com/v1/callbacks/enhancements/job-1"
	if got != want {
		t.Fatalf("CallbackURL = %q, want %q", got, want)
	}
}

func TestLoadConfigParsesAllowedOrigins(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ALLOWED_ORIGINS", "https://app.example.com, https://staging.example.com ,")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	want := []string{"https://app.example.com", "https://staging.example.com"}
	if len(cfg.AllowedOrigins) != len(want) {
		t.Fatalf("AllowedOrigins = %#v, want %#v", cfg.AllowedOrigins, want)
	}
	for i := range want {
		if cfg.AllowedOrigins[i] != want[i] {
			t.Fatalf("AllowedOrigins[%d] = %q, want %q", i, cfg.AllowedOrigins[i], want[i])
		}
	}
}

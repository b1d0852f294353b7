package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(
		WithEnvFile(""),
		WithoutSystemEnv(),
		WithEnvMap(map[string]string{
			"API_FIREBASE_PROJECT_ID": "meridian-test",
		}),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Fatalf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Firestore.ProjectID != "meridian-test" {
		t.Fatalf("expected firestore project to inherit firebase project, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.PubSub.ProjectID != "meridian-test" {
		t.Fatalf("expected pubsub project to inherit firestore project, got %s", cfg.PubSub.ProjectID)
	}
	if cfg.Platform.DefaultPlatformFeeBps != DefaultFeeBps {
		t.Fatalf("expected default platform fee %d, got %d", DefaultFeeBps, cfg.Platform.DefaultPlatformFeeBps)
	}
	if cfg.Platform.DefaultPartnerFeeBps != DefaultFeeBps {
		t.Fatalf("expected default partner fee %d, got %d", DefaultFeeBps, cfg.Platform.DefaultPartnerFeeBps)
	}
	if cfg.Idempotency.Header != "Idempotency-Key" {
		t.Fatalf("unexpected idempotency header: %s", cfg.Idempotency.Header)
	}
	if cfg.Idempotency.TTL != 24*time.Hour {
		t.Fatalf("unexpected idempotency TTL: %v", cfg.Idempotency.TTL)
	}
}

func TestLoadMissingFirebaseProject(t *testing.T) {
	_, err := Load(WithEnvFile(""), WithoutSystemEnv())
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}

	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}

	found := false
	for _, field := range validationErr.Fields() {
		if field == "Firebase.ProjectID" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected Firebase.ProjectID in missing fields, got %v", validationErr.Fields())
	}
}

func TestLoadFeeClamping(t *testing.T) {
	cases := []struct {
		name  string
		raw   string
		wantP int
	}{
		{name: "negative clamps to zero", raw: "-25", wantP: 0},
		{name: "above total clamps to 10000", raw: "15000", wantP: 10000},
		{name: "fractional truncates", raw: "125.9", wantP: 125},
		{name: "garbage falls back", raw: "abc", wantP: DefaultFeeBps},
		{name: "plain integer", raw: "300", wantP: 300},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(
				WithEnvFile(""),
				WithoutSystemEnv(),
				WithEnvMap(map[string]string{
					"API_FIREBASE_PROJECT_ID": "meridian-test",
					"API_PLATFORM_FEE_BPS":    tc.raw,
				}),
			)
			if err != nil {
				t.Fatalf("Load returned error: %v", err)
			}
			if cfg.Platform.DefaultPlatformFeeBps != tc.wantP {
				t.Fatalf("expected platform fee %d, got %d", tc.wantP, cfg.Platform.DefaultPlatformFeeBps)
			}
		})
	}
}

func TestLoadEnvMapPrecedence(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	content := "API_SERVER_PORT=9000\nAPI_FIREBASE_PROJECT_ID=from-dotenv\n# comment\nexport API_PLATFORM_TREASURY_WALLET=\"0x000000000000000000000000000000000000dEaD\"\n"
	if err := os.WriteFile(envFile, []byte(content), 0o600); err != nil {
		t.Fatalf("failed writing env file: %v", err)
	}

	cfg, err := Load(
		WithEnvFile(envFile),
		WithoutSystemEnv(),
		WithEnvMap(map[string]string{
			"API_SERVER_PORT": "7777",
		}),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "7777" {
		t.Fatalf("expected env map to win over dotenv, got port %s", cfg.Server.Port)
	}
	if cfg.Firebase.ProjectID != "from-dotenv" {
		t.Fatalf("expected dotenv firebase project, got %s", cfg.Firebase.ProjectID)
	}
	if cfg.Platform.TreasuryWallet != "0x000000000000000000000000000000000000dEaD" {
		t.Fatalf("expected quoted dotenv value unwrapped, got %s", cfg.Platform.TreasuryWallet)
	}
}

func TestLoadMissingEnvFileIgnored(t *testing.T) {
	_, err := Load(
		WithEnvFile(filepath.Join(t.TempDir(), "nope.env")),
		WithoutSystemEnv(),
		WithEnvMap(map[string]string{"API_FIREBASE_PROJECT_ID": "meridian-test"}),
	)
	if err != nil {
		t.Fatalf("expected missing env file to be ignored, got %v", err)
	}
}

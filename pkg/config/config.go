// Package config loads server configuration from the environment, with a
// .env file honored when present.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds server configuration.
type Config struct {
	Port              string
	LogLevel          string
	SdkURL            string
	FcHmacKey         string
	Ed25519KeyPath    string
	AuditRoot         string
	TenantID          string
	ActorID           string
	IssuerID          string
	Destinations      []string
	OTLPEndpoint      string
	TracingEnabled    bool
	TracingSampleRate float64
}

// Load loads configuration from environment variables. A local .env file
// is applied first without overriding the real environment.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Port:           envOr("MARKETOPS_PORT", "8090"),
		LogLevel:       envOr("LOG_LEVEL", "INFO"),
		SdkURL:         envOr("OMEGA_SDK_URL", "http://localhost:8091"),
		FcHmacKey:      os.Getenv("MARKETOPS_FC_HMAC_KEY"),
		Ed25519KeyPath: envOr("MARKETOPS_ED25519_PRIVATE_KEY_PATH", ".keys/proofpack_signing.seed"),
		AuditRoot:      envOr("MARKETOPS_AUDIT_ROOT", "audit"),
		TenantID:       envOr("MARKETOPS_TENANT_ID", "keon-public"),
		ActorID:        envOr("MARKETOPS_ACTOR_ID", "marketops"),
		IssuerID:       envOr("MARKETOPS_ISSUER_ID", "keon-judge"),
		OTLPEndpoint:   envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		TracingEnabled: os.Getenv("MARKETOPS_TRACING") == "true",
	}

	cfg.TracingSampleRate = 1.0
	if raw := os.Getenv("MARKETOPS_TRACING_SAMPLE_RATE"); raw != "" {
		if rate, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.TracingSampleRate = rate
		}
	}

	if raw := os.Getenv("MARKETOPS_DESTINATIONS"); raw != "" {
		cfg.Destinations = splitAndTrim(raw)
	} else {
		cfg.Destinations = []string{"github-releases", "blog"}
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitAndTrim(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	return &Config{
		Port:          "8460",
		Env:           "test",
		JWTSecret:     "test-secret",
		ContentSecret: "test-content-secret",
		DBDriver:      "sqlite",
		SQLitePath:    ":memory:",
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate_MissingRequired(t *testing.T) {
	cfg := validConfig()
	cfg.JWTSecret = ""
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.ContentSecret = ""
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Port = ""
	assert.Error(t, cfg.Validate())
}

func TestConfigValidate_BadDriver(t *testing.T) {
	cfg := validConfig()
	cfg.DBDriver = "oracle"
	assert.Error(t, cfg.Validate())
}

func TestConfigValidate_ProductionStrictness(t *testing.T) {
	cfg := validConfig()
	cfg.Env = "production"
	cfg.JWTSecret = "your-secret-key-change-in-production"
	assert.Error(t, cfg.Validate(), "default JWT secret must be rejected in production")

	cfg = validConfig()
	cfg.Env = "production"
	cfg.JWTSecret = "short"
	assert.Error(t, cfg.Validate(), "short JWT secret must be rejected in production")

	cfg = validConfig()
	cfg.Env = "production"
	cfg.JWTSecret = "0123456789abcdef0123456789abcdef"
	cfg.ContentSecret = "dev-content-key-change-in-production"
	assert.Error(t, cfg.Validate(), "default content secret must be rejected in production")

	cfg = validConfig()
	cfg.Env = "production"
	cfg.JWTSecret = "0123456789abcdef0123456789abcdef"
	cfg.ContentSecret = "fedcba9876543210fedcba9876543210"
	assert.NoError(t, cfg.Validate())
}

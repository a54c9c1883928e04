package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSNPrefersURL(t *testing.T) {
	cfg := Config{
		URL:  "postgres://u:p@db.example:5432/app?sslmode=require",
		Host: "ignored",
	}
	assert.Equal(t, cfg.URL, cfg.DSN())
}

func TestDSNFromDiscreteFields(t *testing.T) {
	cfg := Config{
		Host:     "localhost",
		Port:     5433,
		User:     "lvlup",
		Password: "secret",
		Database: "lvlup",
		SSLMode:  "disable",
	}
	assert.Equal(t,
		"host=localhost port=5433 user=lvlup password=secret dbname=lvlup sslmode=disable",
		cfg.DSN())
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/app")
	t.Setenv("DB_PORT", "5433")
	t.Setenv("DB_MAX_OPEN_CONNS", "20")

	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@db:5432/app", cfg.URL)
	assert.Equal(t, 5433, cfg.Port)
	assert.Equal(t, 20, cfg.MaxOpenConns)
	assert.Equal(t, "postgres://u:p@db:5432/app", cfg.DSN())
}

func TestLoadConfigFromEnvRejectsBadPort(t *testing.T) {
	t.Setenv("DB_PORT", "not-a-port")
	_, err := LoadConfigFromEnv()
	assert.Error(t, err)
}

func TestLoadConfigFromEnvDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_PORT", "")
	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 5432, cfg.Port)
	assert.Equal(t, "disable", cfg.SSLMode)
}

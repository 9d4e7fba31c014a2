package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDatabaseConfigDSN(t *testing.T) {
	cfg := DatabaseConfig{
		Host:     "db.internal",
		Port:     5432,
		User:     "orchestrator",
		Password: "secret",
		Name:     "orchestrator",
		SSLMode:  "require",
	}

	require.Equal(t,
		"host=db.internal port=5432 user=orchestrator password=secret dbname=orchestrator sslmode=require",
		cfg.DSN(),
	)
}

func TestServerConfigAddress(t *testing.T) {
	cfg := ServerConfig{Port: 9090}
	require.Equal(t, "0.0.0.0:9090", cfg.Address())
}

func TestFormatIndex(t *testing.T) {
	cfg := ElasticConfig{Prefix: "orchestrator"}
	require.Equal(t, "orchestrator-notification-events-2026-08", FormatIndex(cfg, "notification-events-2026-08"))
}

package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ntt-orchestrator/internal/config"
)

// testContext bounds every storage call made by a test
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testPostgresConfig() *config.PostgresConfig {
	cfg := &config.PostgresConfig{
		Host:           "localhost",
		Port:           "5432",
		Database:       "ntt_orchestrator",
		User:           "orchestrator",
		Password:       "orchestrator_dev_password",
		MaxConnections: 10,
	}
	if v := os.Getenv("POSTGRES_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("POSTGRES_PASSWORD"); v != "" {
		cfg.Password = v
	}
	return cfg
}

// openTestDB connects and migrates, skipping when Postgres is not reachable
func openTestDB(t *testing.T) *PostgresDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := testPostgresConfig()
	db, err := NewPostgresDB(cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)

	require.NoError(t, RunMigrations(cfg.ConnectionString(), "../../"+DefaultMigrationsPath))
	return db
}

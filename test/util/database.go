// Package util provides shared database helpers for Postgres-backed
// tests. Each test gets its own schema inside a container (or the CI
// database) so tests isolate and parallelize cleanly.
package util

import (
	"context"
	"crypto/rand"
	stdsql "database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/CTG813819/lvl-up-sub003/pkg/database"
)

var (
	// Shared connection string for all tests in local dev.
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// SetupTestPool creates a migrated per-test schema and returns a pgx
// pool bound to it. Skips the test when neither Docker nor a CI
// database is available.
func SetupTestPool(t *testing.T) *pgxpool.Pool {
	ctx := context.Background()
	connStr := getOrCreateSharedDatabase(t)
	schemaName := generateSchemaName(t)

	db, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA %s", schemaName))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// search_path rides the connection string so every pooled connection
	// lands in the test schema, migrations included.
	connStrWithSchema := addSearchPath(connStr, schemaName)
	require.NoError(t, database.RunMigrations(connStrWithSchema, "test"))

	poolCfg, err := pgxpool.ParseConfig(connStrWithSchema)
	require.NoError(t, err)
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		_, err := pool.Exec(context.Background(), fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schemaName))
		if err != nil {
			t.Logf("dropping schema %s: %v", schemaName, err)
		}
		pool.Close()
	})
	return pool
}

// getOrCreateSharedDatabase returns a connection string to the shared
// database: CI_DATABASE_URL when set, otherwise a testcontainer started
// once per package.
func getOrCreateSharedDatabase(t *testing.T) string {
	if ciDatabaseURL := os.Getenv("CI_DATABASE_URL"); ciDatabaseURL != "" {
		return ciDatabaseURL
	}

	containerOnce.Do(func() {
		// testcontainers panics (rather than returning an error) when no
		// Docker host can be detected; convert that into containerErr so
		// the documented skip path below still works.
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("starting postgres container: %v", r)
			}
		}()
		ctx := context.Background()
		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("starting postgres container: %w", err)
			return
		}
		connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = fmt.Errorf("reading connection string: %w", err)
			return
		}
		sharedConnStr = connStr
	})
	if containerErr != nil {
		t.Skipf("postgres unavailable (no Docker and no CI_DATABASE_URL): %v", containerErr)
	}
	return sharedConnStr
}

// generateSchemaName derives a unique, identifier-safe schema name from
// the test name.
func generateSchemaName(t *testing.T) string {
	name := strings.ToLower(t.Name())
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
	if len(name) > 40 {
		name = name[:40]
	}
	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		t.Fatalf("generating schema suffix: %v", err)
	}
	return fmt.Sprintf("test_%s_%s", name, hex.EncodeToString(randomBytes))
}

func addSearchPath(connStr, schemaName string) string {
	separator := "?"
	if strings.Contains(connStr, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%ssearch_path=%s", connStr, separator, schemaName)
}

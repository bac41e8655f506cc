//go:build integration_pg

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T) string {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	req := tc.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "postgres",
			"POSTGRES_PASSWORD": "postgres",
			"POSTGRES_DB":       "marginalia",
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("5432/tcp"),
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		).WithDeadline(2 * time.Minute),
	}
	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}
	mapped, err := c.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("failed to get mapped port: %v", err)
	}
	return fmt.Sprintf("postgres://postgres:postgres@%s:%s/marginalia?sslmode=disable", host, mapped.Port())
}

func TestPostgresStore_Integration(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	db, err := Open(ctx, DialectPostgres, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer db.Close()

	if err := ApplyMigrations(ctx, db, DialectPostgres, migrationsRoot); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	runStoreContract(t, NewSQLStore(db, DialectPostgres))
}

func TestPostgresMigrationsRoundTrip_Integration(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	db, err := Open(ctx, DialectPostgres, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer db.Close()

	if err := ApplyMigrations(ctx, db, DialectPostgres, migrationsRoot); err != nil {
		t.Fatalf("apply up migrations (pass 1): %v", err)
	}
	if err := RollbackMigrations(ctx, db, DialectPostgres, migrationsRoot); err != nil {
		t.Fatalf("apply down migrations: %v", err)
	}
	if err := ApplyMigrations(ctx, db, DialectPostgres, migrationsRoot); err != nil {
		t.Fatalf("apply up migrations (pass 2): %v", err)
	}
}

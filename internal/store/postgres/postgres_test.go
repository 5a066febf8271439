package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/loykin/sentryd/internal/store"
)

// startPostgresContainer starts a PostgreSQL container for tests
// and returns a DSN suitable for pgx stdlib. It skips the test if Docker is unavailable.
func startPostgresContainer(t *testing.T) (dsn string, terminate func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
	)
	if err != nil {
		cancel()
		t.Skipf("Failed to start PostgreSQL container: %v", err)
		return "", nil
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		t.Skipf("Failed to get host info: %v", err)
		return "", nil
	}

	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		t.Skipf("Failed to get mapped port: %v", err)
		return "", nil
	}

	dsn = fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())

	terminate = func() {
		_ = container.Terminate(ctx)
		cancel()
	}

	return dsn, terminate
}

func waitForPostgres(t *testing.T, dsn string) {
	deadline := time.Now().Add(45 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		db, err := sql.Open("pgx", dsn)
		if err == nil {
			if err = db.PingContext(ctx); err == nil {
				_ = db.Close()
				cancel()
				return
			}
			_ = db.Close()
		}
		cancel()
		if time.Now().After(deadline) {
			t.Fatalf("postgres not ready in time: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func TestPostgresCatalogRoundtrip(t *testing.T) {
	dsn, terminate := startPostgresContainer(t)
	waitForPostgres(t, dsn)
	defer func() {
		if terminate != nil {
			terminate()
		}
	}()

	db, err := New(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	require.NoError(t, db.EnsureSchema(ctx))

	descriptor := store.DescriptorRecord{
		Name:      "pgsvc",
		Command:   "/usr/bin/pgsvc",
		Args:      []string{"-v"},
		Env:       map[string]string{"X": "1"},
		State:     "Running",
		PID:       4321,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, db.SaveDescriptor(ctx, descriptor))

	pol := store.PolicyRecord{
		Name:             "default",
		MaxRetries:       3,
		BaseDelaySeconds: 1,
		BackoffMultiplier: 2,
		MaxDelaySeconds:  30,
		RestartOnCodes:   []int{1},
		BoundTo:          "pgsvc",
	}
	require.NoError(t, db.SavePolicy(ctx, pol))

	sched := store.ScheduleRecord{
		Name:       "nightly",
		Kind:       "cron",
		Expression: "0 3 * * *",
		TargetJSON: []byte(`{"process":"pgsvc"}`),
		Enabled:    true,
	}
	require.NoError(t, db.SaveSchedule(ctx, sched))

	cat, err := db.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, cat.Descriptors, 1)
	require.Len(t, cat.Policies, 1)
	require.Len(t, cat.Schedules, 1)
	require.Equal(t, "pgsvc", cat.Policies[0].BoundTo)

	require.NoError(t, db.DeleteDescriptor(ctx, "pgsvc"))
	require.NoError(t, db.DeletePolicy(ctx, "default"))
	require.NoError(t, db.DeleteSchedule(ctx, "nightly"))

	cat2, err := db.LoadAll(ctx)
	require.NoError(t, err)
	require.Empty(t, cat2.Descriptors)
	require.Empty(t, cat2.Policies)
	require.Empty(t, cat2.Schedules)
}

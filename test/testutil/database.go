// Package testutil spins up an isolated Postgres testcontainer per test
// and returns a ready *store.Store against it: the testcontainers-go
// postgres module with a wait.ForLog startup strategy, built on
// golang-migrate (store.NewStore applies
// migrations itself) with one container per test — the Pipeline Engine
// always owns a single Store, so there's no shared-container/multi-replica
// scenario to set up here.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/vardasoft/antfarm/pkg/store"
)

// NewStore starts a fresh Postgres container, applies migrations, and
// returns a *store.Store. The container is terminated via t.Cleanup.
func NewStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("antfarm"),
		postgres.WithUsername("antfarm"),
		postgres.WithPassword("antfarm"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("testutil: failed to terminate container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	cfg := store.Config{
		Host:     host,
		Port:     port.Int(),
		User:     "antfarm",
		Password: "antfarm",
		Database: "antfarm",
		SSLMode:  "disable",
		MaxConns: 10,
		MinConns: 2,
	}

	st, err := store.NewStore(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return st
}

//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const schemaDDL = `
CREATE TABLE knowledge_base_status (
	id SERIAL PRIMARY KEY,
	path TEXT UNIQUE NOT NULL,
	data TEXT NOT NULL
);

CREATE TABLE knowledge_base_stream (
	id SERIAL PRIMARY KEY,
	path TEXT NOT NULL,
	data TEXT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	valid BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE knowledge_base_job (
	id SERIAL PRIMARY KEY,
	path TEXT NOT NULL,
	data TEXT NOT NULL DEFAULT '{}',
	schedule_at TIMESTAMPTZ,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	is_active BOOLEAN NOT NULL DEFAULT FALSE,
	valid BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE knowledge_base_rpc_server (
	id SERIAL PRIMARY KEY,
	server_path TEXT NOT NULL,
	request_id UUID NOT NULL DEFAULT gen_random_uuid(),
	rpc_action TEXT NOT NULL DEFAULT '',
	request_payload TEXT NOT NULL DEFAULT '{}',
	request_timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	transaction_tag TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT 'empty',
	priority INT NOT NULL DEFAULT 0,
	processing_timestamp TIMESTAMPTZ,
	completed_timestamp TIMESTAMPTZ,
	rpc_client_queue TEXT
);

CREATE TABLE knowledge_base_rpc_client (
	id SERIAL PRIMARY KEY,
	request_id UUID NOT NULL DEFAULT gen_random_uuid(),
	client_path TEXT NOT NULL,
	server_path TEXT NOT NULL DEFAULT '',
	transaction_tag TEXT NOT NULL DEFAULT '',
	rpc_action TEXT NOT NULL DEFAULT '',
	response_payload TEXT NOT NULL DEFAULT '{}',
	response_timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	is_new_result BOOLEAN NOT NULL DEFAULT FALSE
);
`

// startPostgres boots a disposable Postgres container, waits for it to
// accept connections, applies the fixture schema above, and returns a
// ready pool.
func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image: "postgres:16",
		Env: map[string]string{
			"POSTGRES_PASSWORD": "postgres",
			"POSTGRES_USER":     "postgres",
			"POSTGRES_DB":       "kb_coordinator_test",
		},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithStartupTimeout(90 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "5432")
	require.NoError(t, err)
	dsn := "postgres://postgres:postgres@" + host + ":" + port.Port() + "/kb_coordinator_test?sslmode=disable"

	var pool *pgxpool.Pool
	require.Eventually(t, func() bool {
		p, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return false
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return false
		}
		pool = p
		return true
	}, 30*time.Second, time.Second)
	require.NotNil(t, pool)

	_, err = pool.Exec(ctx, schemaDDL)
	require.NoError(t, err)

	t.Cleanup(pool.Close)
	return pool
}

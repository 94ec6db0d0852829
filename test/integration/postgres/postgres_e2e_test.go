package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/arelbir/quado-lite-sub003/internal/config"
	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow"
	"github.com/arelbir/quado-lite-sub003/test/integration"
	"github.com/arelbir/quado-lite-sub003/test/integration/common"
)

func setupPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_USER":     "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "starting postgres container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	return "postgres://test:test@" + host + ":" + port.Port() + "/testdb?sslmode=disable"
}

func setupApp(t *testing.T) (*quadoflow.App, *common.Client, *integration.FakeClock) {
	t.Helper()
	t.Setenv(config.DATABASE_TYPE, config.DATABASE_TYPE_POSTGRES)
	t.Setenv(config.DATABASE_URL, setupPostgres(t))
	t.Setenv(config.ESCALATION_ROLE, common.EscalationRole)
	t.Setenv(config.REDIS_ADDR, "")

	clock := integration.NewFakeClock(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))
	app, err := quadoflow.SetupWithClock(clock, common.FastWorkers())
	require.NoError(t, err)
	return app, common.StartApp(t, app), clock
}

func TestPostgres_ExpenseApproval(t *testing.T) {
	app, client, clock := setupApp(t)
	common.ExpenseApproval(t, app, client, clock)
}

func TestPostgres_UserImport(t *testing.T) {
	app, client, _ := setupApp(t)
	common.UserImport(t, app, client)
}

package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func start(t *testing.T, req testcontainers.ContainerRequest) (string, func(port string) string) {
	t.Helper()
	if testing.Short() {
		t.Skip("container tests skipped in -short mode")
	}
	ctx := context.Background()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("cannot start %s: %v", req.Image, err)
	}
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	return host, func(port string) string {
		p, err := c.MappedPort(ctx, nat.Port(port))
		if err != nil {
			t.Fatal(err)
		}
		return p.Port()
	}
}

// StartCockroach runs a single insecure node and returns a pool connected to
// a fresh "tro" database.
func StartCockroach(t *testing.T) *pgxpool.Pool {
	t.Helper()
	host, port := start(t, testcontainers.ContainerRequest{
		Image:        "cockroachdb/cockroach:v24.1.1",
		Cmd:          []string{"start-single-node", "--insecure"},
		ExposedPorts: []string{"26257/tcp", "8080/tcp"},
		WaitingFor:   wait.ForHTTP("/health?ready=1").WithPort("8080").WithStartupTimeout(2 * time.Minute),
	})
	ctx := context.Background()
	base := fmt.Sprintf("postgresql://root@%s:%s", host, port("26257"))

	admin, err := pgxpool.New(ctx, base+"/defaultdb?sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}
	defer admin.Close()
	if _, err := admin.Exec(ctx, `CREATE DATABASE IF NOT EXISTS tro`); err != nil {
		t.Fatal(err)
	}

	pool, err := pgxpool.New(ctx, base+"/tro?sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)
	return pool
}

// StartRedis returns the host:port of a redis 7 server.
func StartRedis(t *testing.T) string {
	t.Helper()
	host, port := start(t, testcontainers.ContainerRequest{
		Image:        "redis:7",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForExec([]string{"redis-cli", "ping"}),
	})
	return host + ":" + port("6379")
}

// StartMongo returns a connection URI.
func StartMongo(t *testing.T) string {
	t.Helper()
	host, port := start(t, testcontainers.ContainerRequest{
		Image:        "mongo:7",
		ExposedPorts: []string{"27017/tcp"},
		WaitingFor:   wait.ForListeningPort("27017/tcp"),
	})
	return "mongodb://" + host + ":" + port("27017")
}

// StartRabbit returns an AMQP URL for the guest user.
func StartRabbit(t *testing.T) string {
	t.Helper()
	host, port := start(t, testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.13-management",
		ExposedPorts: []string{"5672/tcp", "15672/tcp"},
		WaitingFor:   wait.ForHTTP("/api/health/checks/alarms").WithPort("15672").WithBasicAuth("guest", "guest").WithStartupTimeout(2 * time.Minute),
	})
	return "amqp://guest:guest@" + host + ":" + port("5672") + "/"
}

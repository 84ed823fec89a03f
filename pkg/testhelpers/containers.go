package testhelpers

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/ekaya-inc/superset-importer/pkg/database"
)

const (
	// PostgresImage backs the import ledger integration tests.
	PostgresImage = "postgres:16-alpine"
	// RedisImage backs the shared import lock integration tests.
	RedisImage = "redis:7-alpine"
)

// LedgerDB holds a shared PostgreSQL container with migrations applied.
type LedgerDB struct {
	Container testcontainers.Container
	DB        *database.DB
	ConnStr   string
}

var (
	sharedLedgerDB     *LedgerDB
	sharedLedgerDBOnce sync.Once
	sharedLedgerDBErr  error

	sharedRedis     *redis.Client
	sharedRedisOnce sync.Once
	sharedRedisErr  error
)

// GetLedgerDB returns a shared PostgreSQL database for integration tests.
// The container is created once and reused across all tests in the run.
func GetLedgerDB(t *testing.T) *LedgerDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedLedgerDBOnce.Do(func() {
		sharedLedgerDB, sharedLedgerDBErr = setupLedgerDB()
	})

	if sharedLedgerDBErr != nil {
		t.Fatalf("Failed to setup test database: %v", sharedLedgerDBErr)
	}

	return sharedLedgerDB
}

func setupLedgerDB() (*LedgerDB, error) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        PostgresImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "importer_test",
			"POSTGRES_USER":     "importer",
			"POSTGRES_PASSWORD": "test_password",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start test container: %w", err)
	}

	addr, err := containerAddr(ctx, container, "5432")
	if err != nil {
		return nil, err
	}

	connStr := fmt.Sprintf("postgres://importer:test_password@%s/importer_test?sslmode=disable", addr)

	db, err := database.Connect(ctx, &database.Config{URL: connStr, MaxConnections: 5}, zap.NewNop())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to test database: %w", err)
	}

	if err := db.Migrate(zap.NewNop()); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &LedgerDB{
		Container: container,
		DB:        db,
		ConnStr:   connStr,
	}, nil
}

// GetRedis returns a client for a shared Redis container.
func GetRedis(t *testing.T) *redis.Client {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedRedisOnce.Do(func() {
		sharedRedis, sharedRedisErr = setupRedis()
	})

	if sharedRedisErr != nil {
		t.Fatalf("Failed to setup redis: %v", sharedRedisErr)
	}

	return sharedRedis
}

func setupRedis() (*redis.Client, error) {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        RedisImage,
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start redis container: %w", err)
	}

	addr, err := containerAddr(ctx, container, "6379")
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

func containerAddr(ctx context.Context, container testcontainers.Container, port string) (string, error) {
	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get container host: %w", err)
	}

	mapped, err := container.MappedPort(ctx, port)
	if err != nil {
		return "", fmt.Errorf("failed to get container port: %w", err)
	}

	return net.JoinHostPort(host, mapped.Port()), nil
}

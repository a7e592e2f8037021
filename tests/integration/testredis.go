// Package integration runs the sync engine against real backends. The Redis
// tests start a container through testcontainers and are skipped with -short.
package integration

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const redisImage = "redis:7-alpine"

var (
	// Shared container for all tests in the package
	sharedRedis     testcontainers.Container
	sharedRedisAddr string
	sharedRedisMu   sync.Mutex
	sharedRedisDB   int
)

// TestRedis is a connection to the shared Redis container. Each TestRedis
// gets its own logical database so tests do not see each other's keys.
type TestRedis struct {
	Client *redis.Client
	Addr   string
	DB     int
}

// NewTestRedis returns a client on a fresh logical database of the shared
// container, starting the container on first use
func NewTestRedis(t *testing.T) *TestRedis {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Redis integration test in short mode")
	}

	sharedRedisMu.Lock()
	defer sharedRedisMu.Unlock()

	ctx := context.Background()
	if sharedRedis == nil {
		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        redisImage,
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor: wait.ForLog("Ready to accept connections").
					WithStartupTimeout(60 * time.Second),
			},
			Started: true,
		})
		require.NoError(t, err, "Failed to start Redis container")

		host, err := container.Host(ctx)
		require.NoError(t, err, "Failed to get container host")
		port, err := container.MappedPort(ctx, "6379/tcp")
		require.NoError(t, err, "Failed to get mapped port")

		sharedRedis = container
		sharedRedisAddr = fmt.Sprintf("%s:%s", host, port.Port())
	}

	// redis ships with 16 databases
	db := sharedRedisDB % 16
	sharedRedisDB++

	client := redis.NewClient(&redis.Options{Addr: sharedRedisAddr, DB: db})
	require.NoError(t, client.FlushDB(ctx).Err(), "Failed to flush Redis database")

	t.Cleanup(func() {
		_ = client.Close()
	})
	return &TestRedis{Client: client, Addr: sharedRedisAddr, DB: db}
}

// NewClient opens another client on the same database, as a second process
// would
func (r *TestRedis) NewClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: r.Addr, DB: r.DB})
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

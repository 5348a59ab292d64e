//go:build integration

package cookiestore

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const redisTestTimeout = 2 * time.Minute

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), redisTestTimeout)
	t.Cleanup(cancel)

	container, err := testcontainers.Run(ctx,
		"redis:7-alpine",
		testcontainers.WithExposedPorts("6379/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	testcontainers.CleanupContainer(t, container)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func TestRedisStore_RoundTrip(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	s, err := NewRedisStore(RedisOptions{Client: client, Prefix: "test"}, Options{})
	require.NoError(t, err)

	s.AddCookie(testCookie("a", "a.com", true))
	s.AddCookie(testCookie("b", "www.b.com", true))
	s.AddCookie(testCookie("s", "www.b.com", false))
	s.AddCookie(testCookie("gone", "a.com", true))
	s.DeleteCookie(testCookie("gone", "a.com", true))
	flush(t, s)

	fields, err := client.HKeys(ctx, "test:cookie:b.com").Result()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{`["b","www.b.com","/"]`, `["s","www.b.com","/"]`}, fields)

	// An undecodable value is skipped and removed.
	require.NoError(t, client.HSet(ctx, "test:cookie:a.com", `["junk","a.com","/"]`, "not snappy").Err())
	assert.Equal(t, []string{"a"}, cookieNames(loadKey(t, s, "a.com")))
	exists, err := client.HExists(ctx, "test:cookie:a.com", `["junk","a.com","/"]`).Result()
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, s.Close())

	reopened, err := NewRedisStore(RedisOptions{Client: client, ClientCloser: client, Prefix: "test"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, cookieNames(load(t, reopened)))
	require.NoError(t, reopened.Close())
}

package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// GoRedisClient wraps the go-redis client to implement RedisClient.
type GoRedisClient struct {
	client *redis.Client
}

// NewGoRedisClient creates a new Redis client from configuration.
func NewGoRedisClient(cfg RedisConfig) (*GoRedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &GoRedisClient{client: client}, nil
}

// SetNX stores value under key if the key does not exist.
func (g *GoRedisClient) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return g.client.SetNX(ctx, key, value, ttl).Result()
}

// DeleteIfEqual deletes key if it holds value.
func (g *GoRedisClient) DeleteIfEqual(ctx context.Context, key string, value string) (bool, error) {
	n, err := releaseScript.Run(ctx, g.client, []string{key}, value).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, err
	}
	return n == 1, nil
}

// Close closes the Redis connection.
func (g *GoRedisClient) Close() error {
	return g.client.Close()
}

// MockRedisClient is an in-memory RedisClient for tests.
type MockRedisClient struct {
	data   map[string]string
	expiry map[string]time.Time
	mu     sync.Mutex
	closed bool
	now    func() time.Time
}

// NewMockRedisClient creates a new mock Redis client for testing.
func NewMockRedisClient() *MockRedisClient {
	return &MockRedisClient{
		data:   make(map[string]string),
		expiry: make(map[string]time.Time),
		now:    time.Now,
	}
}

func (m *MockRedisClient) expireLocked(key string) {
	if exp, ok := m.expiry[key]; ok && !m.now().Before(exp) {
		delete(m.data, key)
		delete(m.expiry, key)
	}
}

// SetNX stores value under key if the key does not exist.
func (m *MockRedisClient) SetNX(_ context.Context, key string, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, errors.New("client closed")
	}

	m.expireLocked(key)
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = value
	if ttl > 0 {
		m.expiry[key] = m.now().Add(ttl)
	}
	return true, nil
}

// DeleteIfEqual deletes key if it holds value.
func (m *MockRedisClient) DeleteIfEqual(_ context.Context, key string, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, errors.New("client closed")
	}

	m.expireLocked(key)
	if m.data[key] != value {
		return false, nil
	}
	delete(m.data, key)
	delete(m.expiry, key)
	return true, nil
}

// Close marks the client closed.
func (m *MockRedisClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Prometheus metrics for Redis store operations
var (
	redisStoreOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_store_operations_total",
			Help: "Total number of shared store operations",
		},
		[]string{"operation", "status"},
	)

	redisStoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_store_operation_duration_seconds",
			Help:    "Duration of shared store operations in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)
)

// Ensure RedisStore implements Store.
var _ Store = (*RedisStore)(nil)

// RedisStore implements Store using Redis.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
	closed bool
	mu     sync.Mutex
}

// RedisConfig holds configuration for the Redis store.
type RedisConfig struct {
	Address  string
	Password string
	DB       int

	// Connection pool settings
	PoolSize     int
	MinIdleConns int
	MaxRetries   int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Logger for the Redis store.
	Logger *zap.Logger
}

// DefaultRedisConfig returns a RedisConfig with default values.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Address:      "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisStore creates a new Redis store and verifies connectivity.
func NewRedisStore(config *RedisConfig) (*RedisStore, error) {
	if config == nil {
		config = DefaultRedisConfig()
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Address,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		MaxRetries:   config.MaxRetries,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.Address, err)
	}

	logger.Info("connected to shared store",
		zap.String("address", config.Address),
		zap.Int("db", config.DB),
	)

	return &RedisStore{
		client: client,
		logger: logger,
	}, nil
}

// NewRedisStoreFromClient wraps an existing Redis client. Used by tests.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		logger: zap.NewNop(),
	}
}

// Client returns the underlying Redis client for script execution.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	start := time.Now()

	value, err := s.client.Get(ctx, key).Result()
	s.record("get", start, err)

	if errors.Is(err, redis.Nil) {
		return "", &ErrKeyNotFound{Key: key}
	}
	if err != nil {
		return "", fmt.Errorf("redis get failed: %w", err)
	}

	return value, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	start := time.Now()

	err := s.client.Set(ctx, key, value, expiration).Err()
	s.record("set", start, err)

	if err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

// GetDel implements Store.
func (s *RedisStore) GetDel(ctx context.Context, key string) (string, error) {
	start := time.Now()

	value, err := s.client.GetDel(ctx, key).Result()
	s.record("getdel", start, err)

	if errors.Is(err, redis.Nil) {
		return "", &ErrKeyNotFound{Key: key}
	}
	if err != nil {
		return "", fmt.Errorf("redis getdel failed: %w", err)
	}

	return value, nil
}

// HGet implements Store.
func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, error) {
	start := time.Now()

	value, err := s.client.HGet(ctx, key, field).Result()
	s.record("hget", start, err)

	if errors.Is(err, redis.Nil) {
		return "", &ErrKeyNotFound{Key: key + "#" + field}
	}
	if err != nil {
		return "", fmt.Errorf("redis hget failed: %w", err)
	}

	return value, nil
}

// TTL implements Store.
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	start := time.Now()

	ttl, err := s.client.TTL(ctx, key).Result()
	s.record("ttl", start, err)

	if err != nil {
		return 0, fmt.Errorf("redis ttl failed: %w", err)
	}

	// Redis reports -2 for a missing key and -1 for a key without TTL.
	if ttl < 0 {
		return 0, &ErrKeyNotFound{Key: key}
	}

	return ttl, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	start := time.Now()

	err := s.client.Del(ctx, key).Err()
	s.record("delete", start, err)

	if err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}

	return nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.client.Close()
}

// record updates operation metrics. Misses count as success: absence is a
// normal result for this store, not a failure.
func (s *RedisStore) record(operation string, start time.Time, err error) {
	status := "success"
	if err != nil && !errors.Is(err, redis.Nil) {
		status = "error"
	}

	redisStoreOperationsTotal.WithLabelValues(operation, status).Inc()
	redisStoreOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// Package remote implements the networked cache tier on top of Redis.
//
// Every command runs under a per-command deadline, inside a retrier for
// transient connection errors and behind global and per-shard circuit
// breakers. Callers treat any returned error as a degraded tier.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"goflare.io/strata/internal/config"
	"goflare.io/strata/internal/models"
	"goflare.io/strata/internal/retrier"
	"goflare.io/strata/internal/utils"
)

var (
	ErrNotFound = errors.New("key not found")
	ErrDisabled = errors.New("networked tier disabled")
)

// Store is the networked tier client.
type Store struct {
	client         redis.Cmdable
	prefix         string
	commandTimeout time.Duration
	retrier        *retrier.Retrier
	globalCB       *gobreaker.CircuitBreaker
	cbMap          map[uint64]*gobreaker.CircuitBreaker
	shardCount     uint64
	logger         *zap.Logger
}

// NewClient builds a pooled Redis client from the tier configuration.
func NewClient(cfg config.RemoteConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        cfg.PoolSize,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.CommandTimeout,
		WriteTimeout:    cfg.CommandTimeout,
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: cfg.MinRetryBackoff,
		MaxRetryBackoff: cfg.MaxRetryBackoff,
	})
}

// New creates a new Store over an existing client.
func New(client redis.Cmdable, cfg *config.Config) (*Store, error) {
	rc := cfg.ResilienceConfig
	maxAttempts := rc.MaxRetries + 1
	r, err := retrier.NewRetrier(
		maxAttempts,
		rc.InitialInterval,
		rc.MaxInterval,
		rc.Multiplier,
		rc.RandomizationFactor,
		retrier.ExponentialBackoff,
		isTransient,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retrier: %w", err)
	}

	s := &Store{
		client:         client,
		prefix:         cfg.Tier2.KeyPrefix,
		commandTimeout: cfg.Tier2.CommandTimeout,
		retrier:        r,
		globalCB:       gobreaker.NewCircuitBreaker(withLogging(rc.GlobalCircuitBreaker, cfg.Logger)),
		cbMap:          make(map[uint64]*gobreaker.CircuitBreaker, rc.ShardCount),
		shardCount:     rc.ShardCount,
		logger:         cfg.Logger,
	}
	for i := uint64(0); i < rc.ShardCount; i++ {
		s.cbMap[i] = gobreaker.NewCircuitBreaker(rc.KeyCircuitBreaker)
	}
	return s, nil
}

func withLogging(st gobreaker.Settings, logger *zap.Logger) gobreaker.Settings {
	next := st.OnStateChange
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		logger.Warn("Circuit breaker state changed",
			zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		if next != nil {
			next(name, from, to)
		}
	}
	return st
}

// isTransient reports whether a failed command is worth retrying.
func isTransient(err error) bool {
	if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return retrier.IsTemporary(err)
}

// Key returns the namespaced Redis key.
func (s *Store) Key(key string) string {
	return s.prefix + key
}

// execute runs fn under the command deadline, the retrier and the breakers
// for the key's shard.
func (s *Store) execute(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.commandTimeout)
	defer cancel()

	cb := s.cbMap[utils.ShardIndex(s.shardCount, key)]
	_, err := s.globalCB.Execute(func() (any, error) {
		return cb.Execute(func() (any, error) {
			return nil, s.retrier.Run(ctx, func() error {
				return fn(ctx)
			})
		})
	})
	return err
}

// Get fetches an envelope. A missing key is reported as ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (*models.Envelope, error) {
	var (
		env   models.Envelope
		found bool
	)
	err := s.execute(ctx, key, func(ctx context.Context) error {
		err := s.client.Get(ctx, s.Key(key)).Scan(&env)
		if errors.Is(err, redis.Nil) {
			// a miss is a healthy answer for the breakers
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	if !found {
		return nil, ErrNotFound
	}
	return &env, nil
}

// SetEx stores an envelope with a TTL.
func (s *Store) SetEx(ctx context.Context, key string, env *models.Envelope, ttl time.Duration) error {
	if err := s.execute(ctx, key, func(ctx context.Context) error {
		return s.client.Set(ctx, s.Key(key), env, ttl).Err()
	}); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Incr increments a counter and refreshes its TTL in one transaction.
func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var value int64
	if err := s.execute(ctx, key, func(ctx context.Context) error {
		var incr *redis.IntCmd
		if _, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			incr = pipe.Incr(ctx, s.Key(key))
			pipe.Expire(ctx, s.Key(key), ttl)
			return nil
		}); err != nil {
			return err
		}
		value = incr.Val()
		return nil
	}); err != nil {
		return 0, fmt.Errorf("redis incr failed: %w", err)
	}
	return value, nil
}

// Delete removes keys.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.Key(k)
	}
	if err := s.execute(ctx, keys[0], func(ctx context.Context) error {
		return s.client.Del(ctx, full...).Err()
	}); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

// GetRaw fetches a raw value stored with SetRaw.
func (s *Store) GetRaw(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.execute(ctx, key, func(ctx context.Context) error {
		var err error
		data, err = s.client.Get(ctx, s.Key(key)).Bytes()
		if errors.Is(err, redis.Nil) {
			data = nil
			return nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	if data == nil {
		return nil, ErrNotFound
	}
	return data, nil
}

// SetRaw stores raw bytes with a TTL.
func (s *Store) SetRaw(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if err := s.execute(ctx, key, func(ctx context.Context) error {
		return s.client.Set(ctx, s.Key(key), data, ttl).Err()
	}); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Scan walks every key under the store prefix, with the prefix stripped.
func (s *Store) Scan(ctx context.Context, fn func(key string)) error {
	var cursor uint64
	for {
		var (
			keys []string
			err  error
		)
		scanCtx, cancel := context.WithTimeout(ctx, s.commandTimeout)
		keys, cursor, err = s.client.Scan(scanCtx, cursor, s.prefix+"*", 1000).Result()
		cancel()
		if err != nil {
			return fmt.Errorf("failed to scan keys from remote cache: %w", err)
		}
		for _, key := range keys {
			fn(key[len(s.prefix):])
		}
		if cursor == 0 {
			return nil
		}
	}
}

// Clear removes every key under the store prefix.
func (s *Store) Clear(ctx context.Context) error {
	var keys []string
	if err := s.Scan(ctx, func(key string) { keys = append(keys, key) }); err != nil {
		return err
	}
	for start := 0; start < len(keys); start += 500 {
		end := min(start+500, len(keys))
		if err := s.Delete(ctx, keys[start:end]...); err != nil {
			return err
		}
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.commandTimeout)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// Close releases pooled connections when the client owns any.
func (s *Store) Close() error {
	if closer, ok := s.client.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("failed to close remote cache connection: %w", err)
		}
	}
	return nil
}

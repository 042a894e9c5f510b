// Package kv is a small key-value layer over Redis: raw get/set/delete and an
// optimistic read-modify-write built on WATCH/MULTI.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPingTimeout = 5 * time.Second
	maxTxAttempts      = 5
)

// ErrConflict is returned when Update keeps losing the WATCH race.
var ErrConflict = errors.New("kv: too many concurrent updates")

type Options struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
}

// Connect creates a redis.Client and runs one PING to verify the connection.
func Connect(opts Options) (*redis.Client, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultPingTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

type Store struct {
	client *redis.Client
}

func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// Get returns the raw value and whether the key exists.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return val, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete %v: %w", keys, err)
	}
	return nil
}

// UpdateFunc receives the current value (nil when absent) and returns the
// value to store. Returning a nil slice deletes the key.
type UpdateFunc func(current []byte, exists bool) ([]byte, error)

// Update applies fn atomically with respect to other writers of key. When
// another client modifies the key between the read and the write, the read is
// repeated. Errors returned by fn abort the update and are returned as is.
func (s *Store) Update(ctx context.Context, key string, fn UpdateFunc) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := tx.Get(ctx, key).Bytes()
			exists := true
			if errors.Is(err, redis.Nil) {
				current, exists, err = nil, false, nil
			}
			if err != nil {
				return fmt.Errorf("get %s: %w", key, err)
			}

			next, err := fn(current, exists)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if next == nil {
					pipe.Del(ctx, key)
				} else {
					pipe.Set(ctx, key, next, 0)
				}
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrConflict
}

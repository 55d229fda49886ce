// Package redisstorage keeps sources in Redis as gzip JSON strings under
// bbox:source:<name>, with the set of names in bbox:sources.
package redisstorage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/nameshigawa/bboxviewer/internal/config"
	"github.com/nameshigawa/bboxviewer/internal/source"
	"github.com/nameshigawa/bboxviewer/pkg/core"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "bbox:source:"
	indexKey  = "bbox:sources"
)

// Client is the subset of *redis.Client the backend uses.
type Client interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	SAdd(ctx context.Context, key string, members ...any) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...any) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	Close() error
}

// Backend implements storage.Backend with Redis.
type Backend struct {
	client Client
	addr   string
}

// New creates a backend connected to cfg.Addr.
func New(cfg config.RedisConfig) *Backend {
	return NewWithClient(redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}), cfg.Addr)
}

// NewWithClient wraps an existing client.
func NewWithClient(client Client, addr string) *Backend {
	return &Backend{client: client, addr: addr}
}

// Init checks the connection.
func (b *Backend) Init() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis at %s: %w", b.addr, err)
	}
	return nil
}

// Close closes the client.
func (b *Backend) Close() error {
	return b.client.Close()
}

// Location returns the key holding name.
func (b *Backend) Location(name string) string {
	return fmt.Sprintf("redis://%s/%s%s", b.addr, keyPrefix, name)
}

func (b *Backend) Get(ctx context.Context, name string) (*core.Sequence, error) {
	data, err := b.client.Get(ctx, keyPrefix+name).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", source.ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", name, err)
	}
	return source.Decode(data)
}

func (b *Backend) Put(ctx context.Context, name string, seq *core.Sequence) error {
	if err := source.ValidateName(name); err != nil {
		return err
	}
	data, err := source.EncodeGzip(seq)
	if err != nil {
		return err
	}
	if err := b.client.Set(ctx, keyPrefix+name, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", name, err)
	}
	if err := b.client.SAdd(ctx, indexKey, name).Err(); err != nil {
		return fmt.Errorf("redis index %s: %w", name, err)
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, name string) error {
	n, err := b.client.Del(ctx, keyPrefix+name).Result()
	if err != nil {
		return fmt.Errorf("redis del %s: %w", name, err)
	}
	if err := b.client.SRem(ctx, indexKey, name).Err(); err != nil {
		return fmt.Errorf("redis unindex %s: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", source.ErrNotFound, name)
	}
	return nil
}

func (b *Backend) List(ctx context.Context) ([]string, error) {
	names, err := b.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis members: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

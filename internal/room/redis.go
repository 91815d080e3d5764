package room

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisKeyPrefix = "inkrelay:room:"
	redisOperationTimeout = 5 * time.Second
)

// RedisStateBackend keeps each room snapshot under {prefix}{roomID}. The
// prefix comes from the dsn's "prefix" query parameter.
type RedisStateBackend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStateBackend(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	query := parsed.Query()
	prefix := query.Get("prefix")
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	var ttl time.Duration
	if raw := query.Get("ttl"); raw != "" {
		ttl, err = time.ParseDuration(raw)
		if err != nil {
			return nil, err
		}
	}
	query.Del("prefix")
	query.Del("ttl")
	parsed.RawQuery = query.Encode()

	opts, err := redis.ParseURL(parsed.String())
	if err != nil {
		return nil, err
	}
	return &RedisStateBackend{client: redis.NewClient(opts), prefix: prefix, ttl: ttl}, nil
}

func NewRedisStateBackendWithClient(client *redis.Client, prefix string) *RedisStateBackend {
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	return &RedisStateBackend{client: client, prefix: prefix}
}

func (b *RedisStateBackend) key(roomID string) string {
	return b.prefix + roomID
}

func (b *RedisStateBackend) Load(roomID string) (*RoomState, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	payload, err := b.client.Get(ctx, b.key(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeRoomState(payload)
}

func (b *RedisStateBackend) Save(roomID string, state *RoomState) error {
	if state == nil {
		return nil
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	return b.client.Set(ctx, b.key(roomID), payload, b.ttl).Err()
}

func (b *RedisStateBackend) Delete(roomID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	return b.client.Del(ctx, b.key(roomID)).Err()
}

func (b *RedisStateBackend) Close() error {
	return b.client.Close()
}

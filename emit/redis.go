package emit

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisBackend appends each line to the Redis stream <prefix>:<stream> with XADD
type RedisBackend struct {
	Prefix string
	ctx    context.Context
	client *redis.Client
}

// CreateRedisBackend connects and pings the server
func CreateRedisBackend(ctx context.Context, addr, password string, db int, prefix string) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisBackend{Prefix: prefix, ctx: ctx, client: client}, nil
}

// Location is the key of the Redis stream
func (rb *RedisBackend) Location(stream string) string {
	return rb.Prefix + ":" + stream
}

func (rb *RedisBackend) Open(stream string) (Sink, error) {
	return &redisSink{backend: rb, key: rb.Location(stream)}, nil
}

func (rb *RedisBackend) Close() error {
	return rb.client.Close()
}

type redisSink struct {
	backend *RedisBackend
	key     string
}

func (rs *redisSink) WriteLine(cols []string) error {
	line, err := csvLine(cols)
	if err != nil {
		return err
	}
	return rs.backend.client.XAdd(rs.backend.ctx, &redis.XAddArgs{
		Stream: rs.key,
		Values: map[string]any{"line": string(line)},
	}).Err()
}

func (rs *redisSink) Close() error { return nil }

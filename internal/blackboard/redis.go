package blackboard

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const defaultStream = "swarm:blackboard"

// RedisBoard posts findings to a Redis stream so other agents can tail
// them with XREAD.
type RedisBoard struct {
	client *redis.Client
	stream string
}

// NewRedisBoard connects to addr (host:port). Stream defaults to
// "swarm:blackboard" when empty.
func NewRedisBoard(addr, stream string) *RedisBoard {
	if stream == "" {
		stream = defaultStream
	}
	return &RedisBoard{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		stream: stream,
	}
}

// Post implements Board.
func (b *RedisBoard) Post(ctx context.Context, author string, f Finding) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal finding: %w", err)
	}
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		Values: map[string]interface{}{
			"author":  author,
			"finding": string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("post finding: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (b *RedisBoard) Close() error {
	return b.client.Close()
}

package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// DefaultQueueName is the Redis list environment ids are pushed onto.
const DefaultQueueName = "lyra:provision"

// Queue is a Redis list used as a FIFO of environment ids awaiting provisioning.
type Queue struct {
	client *redis.Client
	name   string
}

// NewQueue wraps an existing Redis client.
func NewQueue(client *redis.Client, name string) *Queue {
	if strings.TrimSpace(name) == "" {
		name = DefaultQueueName
	}
	return &Queue{client: client, name: name}
}

// DialQueue connects to Redis and verifies the connection before returning.
func DialQueue(ctx context.Context, addr, password string, db int, name string) (*Queue, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("queue redis address cannot be empty")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping queue redis: %w", err)
	}
	return NewQueue(client, name), nil
}

// Enqueue schedules an environment for provisioning.
func (q *Queue) Enqueue(ctx context.Context, environmentID string) error {
	if q == nil || q.client == nil {
		return fmt.Errorf("provision queue not configured")
	}
	if strings.TrimSpace(environmentID) == "" {
		return fmt.Errorf("environment id cannot be empty")
	}
	if err := q.client.LPush(ctx, q.name, environmentID).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", environmentID, err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next id. It returns "" with a nil error
// when nothing arrived in time.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := q.client.BRPop(ctx, timeout, q.name).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", err
	}
	// BRPOP replies with [list, value].
	if len(res) != 2 {
		return "", fmt.Errorf("unexpected dequeue reply of %d elements", len(res))
	}
	return res[1], nil
}

// Ping verifies the queue backend is reachable.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close releases the Redis connection pool.
func (q *Queue) Close() error {
	return q.client.Close()
}

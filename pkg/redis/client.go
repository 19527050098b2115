// Package redis wraps go-redis for the mount telemetry mirror and external
// command queue (pkg/telemetry): hash writes with a paired publish and a
// blocking list pop for the command queue. Trimmed from the teacher's
// vehicle-state Redis client down to the primitives pkg/telemetry actually
// drives; the scooter-state getters, subscribe, and the other hash/list
// helpers it carried had no mount caller and were dropped rather than kept
// as dead weight.
package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client represents a Redis client with publish capabilities
type Client struct {
	client *redis.Client
	ctx    context.Context
}

// New creates a new Redis client
func New(addr string, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &Client{
		client: client,
		ctx:    ctx,
	}, nil
}

// WriteString writes a string value to Redis
func (c *Client) WriteString(key, field, value string) error {
	return c.client.HSet(c.ctx, key, field, value).Err()
}

// WriteAndPublishString writes a string value to Redis and publishes it
func (c *Client) WriteAndPublishString(key, field, value string) error {
	pipe := c.client.Pipeline()
	pipe.HSet(c.ctx, key, field, value)
	pipe.Publish(c.ctx, key, fmt.Sprintf("%s:%s", field, value))
	_, err := pipe.Exec(c.ctx)
	return err
}

// WriteInt writes an integer value to Redis
func (c *Client) WriteInt(key, field string, value int) error {
	return c.client.HSet(c.ctx, key, field, value).Err()
}

// WriteAndPublishInt writes an integer value to Redis and publishes it
func (c *Client) WriteAndPublishInt(key, field string, value int) error {
	pipe := c.client.Pipeline()
	pipe.HSet(c.ctx, key, field, value)
	pipe.Publish(c.ctx, key, fmt.Sprintf("%s:%d", field, value))
	_, err := pipe.Exec(c.ctx)
	return err
}

// Publish publishes a message to a Redis channel
func (c *Client) Publish(channel string, message string) error {
	return c.client.Publish(c.ctx, channel, message).Err()
}

// Close closes the Redis client connection
func (c *Client) Close() error {
	return c.client.Close()
}

// BRPop performs a blocking right pop (BRPOP) on a Redis list.
// It waits for 'timeout' seconds. If timeout is 0, it blocks indefinitely.
func (c *Client) BRPop(timeout time.Duration, key string) ([]string, error) {
	result, err := c.client.BRPop(c.ctx, timeout, key).Result()
	if err != nil {
		// redis.Nil indicates a timeout occurred, which is not necessarily an error in blocking operations
		if err == redis.Nil {
			return nil, nil // Return nil slice and nil error for timeout
		}
		log.Printf("Error during BRPOP on key %s: %v", key, err)
		return nil, err
	}
	// result is []string{key, value}
	if len(result) != 2 {
		log.Printf("Unexpected result length from BRPOP on key %s: %d", key, len(result))
		return nil, fmt.Errorf("unexpected result from BRPOP: %v", result)
	}
	return result, nil
}

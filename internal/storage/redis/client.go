package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Префикс ключей узла чата, чтобы не пересекаться с чужими данными в общем Redis.
const keyPrefix = "clubchat:"

// Client — KV поверх Redis для установок на общем хосте (несколько узлов,
// один стор). TTL не используется: все ключи узла долгоживущие.
type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.cli.Get(ctx, keyPrefix+key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

func (c *Client) Set(ctx context.Context, key, value string) error {
	return c.cli.Set(ctx, keyPrefix+key, value, 0).Err()
}

func (c *Client) Delete(ctx context.Context, key string) error {
	return c.cli.Del(ctx, keyPrefix+key).Err()
}

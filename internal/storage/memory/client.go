package memory

import (
	"context"
	"sync"
)

// Client — KV в памяти, для тестов и запуска без диска.
type Client struct {
	mu   sync.RWMutex
	data map[string]string
}

func New() *Client {
	return &Client{data: make(map[string]string)}
}

func (c *Client) Close() error { return nil }

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data[key], nil
}

func (c *Client) Set(ctx context.Context, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

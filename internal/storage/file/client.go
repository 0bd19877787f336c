package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Client — KV в одном JSON-файле на устройстве. Запись атомарна
// (временный файл + rename), чтобы убитый процесс не оставил битый стор.
type Client struct {
	mu   sync.Mutex
	path string
	data map[string]string
}

// New загружает стор из dir/store.json (отсутствующий файл — пустой стор).
func New(dir string) (*Client, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fileStore.New mkdir: %w", err)
	}
	c := &Client{
		path: filepath.Join(dir, "store.json"),
		data: make(map[string]string),
	}
	raw, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("fileStore.New read: %w", err)
	}
	if err := json.Unmarshal(raw, &c.data); err != nil {
		// Битый файл не фатален: начинаем с пустого стора, старый уносим в сторону.
		_ = os.Rename(c.path, c.path+".corrupt")
		c.data = make(map[string]string)
	}
	return c, nil
}

func (c *Client) Close() error { return nil }

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data[key], nil
}

func (c *Client) Set(ctx context.Context, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return c.flushLocked()
}

func (c *Client) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return c.flushLocked()
}

func (c *Client) flushLocked() error {
	raw, err := json.Marshal(c.data)
	if err != nil {
		return fmt.Errorf("fileStore.flush marshal: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("fileStore.flush write: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("fileStore.flush rename: %w", err)
	}
	return nil
}

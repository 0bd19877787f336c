// Package profile — кеш публичных профилей участников, наполняемый
// profile-рассылками. Слияние по полям монотонно: пустое значение не затирает
// известное. Переживает перезапуски через локальное KV-хранилище.
package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/clubchat/internal/logger"
	"github.com/clubchat/internal/model"
	"github.com/clubchat/internal/storage"
)

// flushDebounce — пауза перед записью на диск. При бэкфиле истории приходит
// много обновлений подряд; пишем одним батчем, а не на каждый вызов.
const flushDebounce = 2 * time.Second

type Cache struct {
	mu      sync.Mutex
	records map[string]*model.ProfileRecord
	kv      storage.KV
	timer   *time.Timer
}

func NewCache(kv storage.KV) *Cache {
	return &Cache{
		records: make(map[string]*model.ProfileRecord),
		kv:      kv,
	}
}

// Load восстанавливает кеш из хранилища. Отсутствующий блоб — пустой кеш.
func (c *Cache) Load(ctx context.Context) error {
	raw, err := c.kv.Get(ctx, storage.KeyProfileCache)
	if err != nil {
		return fmt.Errorf("profileCache.Load: %w", err)
	}
	if raw == "" {
		return nil
	}
	records := make(map[string]*model.ProfileRecord)
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		return fmt.Errorf("profileCache.Load unmarshal: %w", err)
	}
	c.mu.Lock()
	c.records = records
	c.mu.Unlock()
	return nil
}

// Put вливает частичное обновление в запись senderID и планирует отложенную запись.
func (c *Cache) Put(senderID string, partial model.ProfileRecord) {
	if senderID == "" {
		return
	}
	c.mu.Lock()
	rec, ok := c.records[senderID]
	if !ok {
		rec = &model.ProfileRecord{SenderID: senderID}
		c.records[senderID] = rec
	}
	changed := rec.Merge(partial)
	if changed {
		c.scheduleFlushLocked()
	}
	c.mu.Unlock()
}

// Get возвращает копию записи или nil, если профиль неизвестен.
func (c *Cache) Get(senderID string) *model.ProfileRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[senderID]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

// scheduleFlushLocked сбрасывает дебаунс-таймер. Вызывается под c.mu.
func (c *Cache) scheduleFlushLocked() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(flushDebounce, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Flush(ctx); err != nil {
			logger.Errorf("profile cache flush: %v", err)
		}
	})
}

// Flush немедленно пишет кеш в хранилище (используется и при остановке узла).
func (c *Cache) Flush(ctx context.Context) error {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	raw, err := json.Marshal(c.records)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("profileCache.Flush marshal: %w", err)
	}
	if err := c.kv.Set(ctx, storage.KeyProfileCache, string(raw)); err != nil {
		return fmt.Errorf("profileCache.Flush: %w", err)
	}
	return nil
}

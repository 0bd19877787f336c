// Package directory читает и публикует публичную запись каталога:
// { globalGroupId, adminInboxId }. Чтение анонимно и никогда не возвращает
// ошибку наверх; запись требует локального write-токена.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/clubchat/internal/logger"
	"github.com/clubchat/internal/model"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Fetch возвращает текущую запись каталога. Любой сбой (сеть, статус, парсинг)
// даёт пустую запись «чата ещё нет» — решение о бутстрапе принимает вызывающий.
func (c *Client) Fetch(ctx context.Context) model.DirectoryRecord {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/directory", nil)
	if err != nil {
		return model.DirectoryRecord{}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Debugf("directory fetch: %v", err)
		return model.DirectoryRecord{}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		logger.Debugf("directory fetch: status %d", resp.StatusCode)
		return model.DirectoryRecord{}
	}
	var rec model.DirectoryRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		logger.Debugf("directory fetch decode: %v", err)
		return model.DirectoryRecord{}
	}
	return rec
}

// Publish записывает запись каталога. Редкая, осознанная операция админа:
// ошибки возвращаются с нижележащим статусом, а не гасятся.
func (c *Client) Publish(ctx context.Context, rec model.DirectoryRecord, credential string) error {
	if credential == "" {
		return fmt.Errorf("directory.Publish: missing write credential")
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("directory.Publish marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/api/directory", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("directory.Publish: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+credential)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("directory.Publish: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("directory.Publish: status %d", resp.StatusCode)
	}
	return nil
}

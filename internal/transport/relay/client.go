// Package relay — продакшен-реализация transport.Client поверх relay-сервиса:
// REST для отправки/истории/членства и WebSocket для живого потока.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/clubchat/internal/transport"
)

type Client struct {
	baseURL    string
	inboxID    string
	httpClient *http.Client
}

// New создаёт клиент relay для устройства inboxID.
func New(baseURL, inboxID string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		inboxID: inboxID,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (c *Client) InboxID() string { return c.inboxID }
func (c *Client) Close() error    { return nil }

// rawMessageDTO — wire-форма сообщения журнала relay.
type rawMessageDTO struct {
	ID       string `json:"id"`
	SenderID string `json:"sender_id"`
	SentAtMs int64  `json:"sent_at_ms"`
	Payload  string `json:"payload"`
}

func (d rawMessageDTO) toRaw() transport.RawMessage {
	return transport.RawMessage{
		ID:       d.ID,
		SenderID: d.SenderID,
		SentAt:   time.UnixMilli(d.SentAtMs).UTC(),
		Payload:  d.Payload,
	}
}

type conversationDTO struct {
	ID string `json:"id"`
}

func (c *Client) getJSON(ctx context.Context, path string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK && out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) (int, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 300 && out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) FindConversation(ctx context.Context, id string) (transport.Conversation, error) {
	var dto conversationDTO
	status, err := c.getJSON(ctx, "/api/conversations/"+url.PathEscape(id)+"?inbox="+url.QueryEscape(c.inboxID), &dto)
	if err != nil {
		return nil, fmt.Errorf("relay.FindConversation: %w", err)
	}
	// 404 — разговора нет или это устройство не участник.
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("relay.FindConversation: status %d", status)
	}
	return &Handle{client: c, id: dto.ID}, nil
}

func (c *Client) CreateConversation(ctx context.Context) (transport.Conversation, error) {
	var dto conversationDTO
	status, err := c.postJSON(ctx, "/api/conversations", map[string]string{"creator": c.inboxID}, &dto)
	if err != nil {
		return nil, fmt.Errorf("relay.CreateConversation: %w", err)
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return nil, fmt.Errorf("relay.CreateConversation: status %d", status)
	}
	return &Handle{client: c, id: dto.ID}, nil
}

func (c *Client) OpenDirect(ctx context.Context, peerID string) (transport.Conversation, error) {
	var dto conversationDTO
	status, err := c.postJSON(ctx, "/api/directs", map[string]string{"inbox": c.inboxID, "peer": peerID}, &dto)
	if err != nil {
		return nil, fmt.Errorf("relay.OpenDirect: %w", err)
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return nil, fmt.Errorf("relay.OpenDirect: status %d", status)
	}
	return &Handle{client: c, id: dto.ID}, nil
}

func (c *Client) DirectConversations(ctx context.Context) ([]transport.Conversation, error) {
	var dtos []conversationDTO
	status, err := c.getJSON(ctx, "/api/directs?inbox="+url.QueryEscape(c.inboxID), &dtos)
	if err != nil {
		return nil, fmt.Errorf("relay.DirectConversations: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("relay.DirectConversations: status %d", status)
	}
	out := make([]transport.Conversation, 0, len(dtos))
	for _, d := range dtos {
		out = append(out, &Handle{client: c, id: d.ID})
	}
	return out, nil
}

// Handle реализует transport.Conversation для одного разговора relay.
type Handle struct {
	client *Client
	id     string
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) Send(ctx context.Context, payload string) (string, error) {
	var dto struct {
		ID string `json:"id"`
	}
	in := map[string]string{"sender": h.client.inboxID, "payload": payload}
	status, err := h.client.postJSON(ctx, h.path("/messages"), in, &dto)
	if err != nil {
		return "", fmt.Errorf("relay.Send: %w", err)
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return "", fmt.Errorf("relay.Send: status %d", status)
	}
	return dto.ID, nil
}

func (h *Handle) History(ctx context.Context, limit int) ([]transport.RawMessage, error) {
	var dtos []rawMessageDTO
	status, err := h.client.getJSON(ctx, h.path("/messages")+"?limit="+strconv.Itoa(limit), &dtos)
	if err != nil {
		return nil, fmt.Errorf("relay.History: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("relay.History: status %d", status)
	}
	out := make([]transport.RawMessage, 0, len(dtos))
	for _, d := range dtos {
		out = append(out, d.toRaw())
	}
	return out, nil
}

func (h *Handle) AddMember(ctx context.Context, inboxID string) error {
	status, err := h.client.postJSON(ctx, h.path("/members"), map[string]string{"inbox": inboxID}, nil)
	if err != nil {
		return fmt.Errorf("relay.AddMember: %w", err)
	}
	// 409 — уже участник; для идемпотентного добавления это успех.
	if status != http.StatusNoContent && status != http.StatusOK && status != http.StatusConflict {
		return fmt.Errorf("relay.AddMember: status %d", status)
	}
	return nil
}

func (h *Handle) Members(ctx context.Context) ([]string, error) {
	var dto struct {
		Members []string `json:"members"`
	}
	status, err := h.client.getJSON(ctx, h.path("/members"), &dto)
	if err != nil {
		return nil, fmt.Errorf("relay.Members: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("relay.Members: status %d", status)
	}
	return dto.Members, nil
}

func (h *Handle) path(suffix string) string {
	return "/api/conversations/" + url.PathEscape(h.id) + suffix
}

// Package memory — транспорт в памяти процесса: журнал на разговор, живая
// рассылка подписчикам, членство и личные сообщения. Используется тестами и
// режимом -dev (несколько узлов в одном процессе).
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/clubchat/internal/transport"
)

// Network — общий «эфир», через который соединяются все клиенты процесса.
type Network struct {
	mu    sync.Mutex
	convs map[string]*conversation
	seq   int
}

type conversation struct {
	id      string
	direct  bool
	members map[string]struct{}
	log     []transport.RawMessage
	subs    map[int]func(transport.RawMessage)
	nextSub int
}

func NewNetwork() *Network {
	return &Network{convs: make(map[string]*conversation)}
}

// Client возвращает вход в сеть для устройства inboxID.
func (n *Network) Client(inboxID string) *Client {
	return &Client{net: n, inboxID: inboxID}
}

func (n *Network) nextID(prefix string) string {
	n.seq++
	return fmt.Sprintf("%s-%d", prefix, n.seq)
}

// Client реализует transport.Client поверх Network.
type Client struct {
	net     *Network
	inboxID string
}

func (c *Client) InboxID() string { return c.inboxID }
func (c *Client) Close() error    { return nil }

func (c *Client) FindConversation(ctx context.Context, id string) (transport.Conversation, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	conv, ok := c.net.convs[id]
	if !ok {
		return nil, nil
	}
	if _, member := conv.members[c.inboxID]; !member {
		return nil, nil
	}
	return &Handle{net: c.net, conv: conv, self: c.inboxID}, nil
}

func (c *Client) CreateConversation(ctx context.Context) (transport.Conversation, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	conv := &conversation{
		id:      c.net.nextID("grp"),
		members: map[string]struct{}{c.inboxID: {}},
		subs:    make(map[int]func(transport.RawMessage)),
	}
	c.net.convs[conv.id] = conv
	return &Handle{net: c.net, conv: conv, self: c.inboxID}, nil
}

// OpenDirect находит или создаёт личный разговор с peer. Пара упорядочивается,
// чтобы обе стороны открывали один и тот же разговор.
func (c *Client) OpenDirect(ctx context.Context, peerID string) (transport.Conversation, error) {
	a, b := c.inboxID, peerID
	if a > b {
		a, b = b, a
	}
	id := "dm:" + a + ":" + b
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	conv, ok := c.net.convs[id]
	if !ok {
		conv = &conversation{
			id:      id,
			direct:  true,
			members: map[string]struct{}{c.inboxID: {}, peerID: {}},
			subs:    make(map[int]func(transport.RawMessage)),
		}
		c.net.convs[id] = conv
	}
	return &Handle{net: c.net, conv: conv, self: c.inboxID}, nil
}

func (c *Client) DirectConversations(ctx context.Context) ([]transport.Conversation, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	var out []transport.Conversation
	for _, conv := range c.net.convs {
		if !conv.direct {
			continue
		}
		if _, member := conv.members[c.inboxID]; member {
			out = append(out, &Handle{net: c.net, conv: conv, self: c.inboxID})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}

// Handle — привязка разговора к отправителю.
type Handle struct {
	net  *Network
	conv *conversation
	self string
}

func (h *Handle) ID() string { return h.conv.id }

// Send добавляет сообщение в журнал и синхронно рассылает его всем подписчикам,
// включая отправителя: живой поток реального транспорта эхом возвращает и
// собственные отправления.
func (h *Handle) Send(ctx context.Context, payload string) (string, error) {
	h.net.mu.Lock()
	msg := transport.RawMessage{
		ID:       h.net.nextID("msg"),
		SenderID: h.self,
		SentAt:   time.Now().UTC(),
		Payload:  payload,
	}
	h.conv.log = append(h.conv.log, msg)
	subs := make([]func(transport.RawMessage), 0, len(h.conv.subs))
	for _, fn := range h.conv.subs {
		subs = append(subs, fn)
	}
	h.net.mu.Unlock()

	// Доставка вне мьютекса: подписчик мутирует своё состояние.
	for _, fn := range subs {
		fn(msg)
	}
	return msg.ID, nil
}

func (h *Handle) History(ctx context.Context, limit int) ([]transport.RawMessage, error) {
	h.net.mu.Lock()
	defer h.net.mu.Unlock()
	n := len(h.conv.log)
	if limit <= 0 || limit > n {
		limit = n
	}
	// Новые первыми, как отдаёт транспорт.
	out := make([]transport.RawMessage, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, h.conv.log[i])
	}
	return out, nil
}

func (h *Handle) SubscribeLive(ctx context.Context, onMessage func(transport.RawMessage)) (func(), error) {
	h.net.mu.Lock()
	id := h.conv.nextSub
	h.conv.nextSub++
	h.conv.subs[id] = onMessage
	h.net.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.net.mu.Lock()
			delete(h.conv.subs, id)
			h.net.mu.Unlock()
		})
	}, nil
}

func (h *Handle) AddMember(ctx context.Context, inboxID string) error {
	h.net.mu.Lock()
	defer h.net.mu.Unlock()
	// Повторное добавление — no-op, как и у реального транспорта.
	h.conv.members[inboxID] = struct{}{}
	return nil
}

func (h *Handle) Members(ctx context.Context) ([]string, error) {
	h.net.mu.Lock()
	defer h.net.mu.Unlock()
	out := make([]string, 0, len(h.conv.members))
	for id := range h.conv.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

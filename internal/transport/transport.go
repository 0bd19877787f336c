// Package transport описывает узкий контракт внешнего шифрующего
// группового транспорта: непрозрачные строковые payload'ы, журнал сообщений
// на разговор (eventually consistent), примитивы членства и личные сообщения.
// Транспорт ничего не знает о видах сообщений и о том, кому можно вступать.
package transport

import (
	"context"
	"time"
)

// RawMessage — одно сообщение журнала транспорта. Payload непрозрачен.
type RawMessage struct {
	ID       string    `json:"id"`
	SenderID string    `json:"sender_id"`
	SentAt   time.Time `json:"sent_at"`
	Payload  string    `json:"payload"`
}

// Conversation — хэндл одного разговора, привязанный к локальной identity.
type Conversation interface {
	ID() string
	// Send публикует payload и возвращает присвоенный транспортом id.
	Send(ctx context.Context, payload string) (string, error)
	// History возвращает последние limit сообщений, новые первыми.
	History(ctx context.Context, limit int) ([]RawMessage, error)
	// SubscribeLive подписывает на живую доставку. Поток может эхом вернуть
	// собственные отправления с другим id. Возвращённая функция снимает подписку
	// и идемпотентна.
	SubscribeLive(ctx context.Context, onMessage func(RawMessage)) (func(), error)
	AddMember(ctx context.Context, inboxID string) error
	Members(ctx context.Context) ([]string, error)
}

// Client — вход в транспорт для одного устройства.
type Client interface {
	// InboxID — стабильный идентификатор этого устройства в транспорте.
	InboxID() string
	// FindConversation возвращает (nil, nil), если разговора нет среди
	// членств этого устройства.
	FindConversation(ctx context.Context, id string) (Conversation, error)
	CreateConversation(ctx context.Context) (Conversation, error)
	// OpenDirect открывает (или находит) личный разговор с peer.
	OpenDirect(ctx context.Context, peerID string) (Conversation, error)
	// DirectConversations — все личные разговоры устройства (вход админской
	// проверки join-запросов).
	DirectConversations(ctx context.Context) ([]Conversation, error)
	Close() error
}

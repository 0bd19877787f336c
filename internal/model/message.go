package model

import "time"

type MessageStatus string

const (
	MessageStatusSending MessageStatus = "sending"
	MessageStatusSent    MessageStatus = "sent"
	MessageStatusFailed  MessageStatus = "failed"
)

type MediaKind string

const (
	MediaKindImage MediaKind = "image"
	MediaKindGif   MediaKind = "gif"
)

// LocalIDPrefix помечает оптимистичные id, сгенерированные до подтверждения транспортом.
const LocalIDPrefix = "local-"

// ReplyPreview — цитата исходного сообщения внутри ответа.
// Для legacy-формата ответа Body пустой (исходный текст утерян при кодировании).
type ReplyPreview struct {
	TargetID          string `json:"target_id"`
	TargetSenderID    string `json:"target_sender_id"`
	TargetDisplayName string `json:"target_display_name,omitempty"`
	Body              string `json:"body"`
}

// ReactionState — агрегированное состояние одной эмодзи-реакции на сообщение.
// Инвариант: Count == len(ReactorIDs).
type ReactionState struct {
	Emoji         string              `json:"emoji"`
	Count         int                 `json:"count"`
	ReactedBySelf bool                `json:"reacted_by_self"`
	ReactorIDs    map[string]struct{} `json:"-"`
}

// StickerReactionState — стикер-реакция, ключ (targetId, stickerUrl); на одно
// сообщение допустимо несколько разных стикеров.
type StickerReactionState struct {
	StickerURL    string              `json:"sticker_url"`
	Count         int                 `json:"count"`
	ReactedBySelf bool                `json:"reacted_by_self"`
	ReactorIDs    map[string]struct{} `json:"-"`
}

// Message — согласованное сообщение, отдаваемое наверх (UI).
// В списке не бывает двух записей одного логического отправления: оптимистичная
// и подтверждённая транспортом версия схлопываются в одну.
type Message struct {
	ID               string                  `json:"id"`
	LocalID          string                  `json:"local_id,omitempty"`
	SenderID         string                  `json:"sender_id"`
	DisplayName      string                  `json:"display_name,omitempty"`
	AvatarRef        string                  `json:"avatar_ref,omitempty"`
	Body             string                  `json:"body"`
	SentAt           time.Time               `json:"sent_at"`
	ReplyTo          *ReplyPreview           `json:"reply_to,omitempty"`
	MediaKind        MediaKind               `json:"media_kind,omitempty"`
	MediaURI         string                  `json:"media_uri,omitempty"`
	Reactions        map[string]*ReactionState `json:"reactions,omitempty"`
	StickerReactions []*StickerReactionState `json:"sticker_reactions,omitempty"`
	Status           MessageStatus           `json:"status"`
}

// IsLocal сообщает, что запись ещё оптимистичная (id присвоен локально).
func (m *Message) IsLocal() bool {
	return len(m.ID) > len(LocalIDPrefix) && m.ID[:len(LocalIDPrefix)] == LocalIDPrefix
}

// Clone возвращает глубокую копию сообщения. Наверх отдаются только копии:
// оригиналы продолжают мутироваться под мьютексом владельца списка.
func (m *Message) Clone() *Message {
	cp := *m
	if m.ReplyTo != nil {
		rt := *m.ReplyTo
		cp.ReplyTo = &rt
	}
	if m.Reactions != nil {
		cp.Reactions = make(map[string]*ReactionState, len(m.Reactions))
		for emoji, st := range m.Reactions {
			cp.Reactions[emoji] = st.clone()
		}
	}
	if m.StickerReactions != nil {
		cp.StickerReactions = make([]*StickerReactionState, len(m.StickerReactions))
		for i, st := range m.StickerReactions {
			cp.StickerReactions[i] = st.clone()
		}
	}
	return &cp
}

func (s *ReactionState) clone() *ReactionState {
	cp := *s
	cp.ReactorIDs = make(map[string]struct{}, len(s.ReactorIDs))
	for id := range s.ReactorIDs {
		cp.ReactorIDs[id] = struct{}{}
	}
	return &cp
}

func (s *StickerReactionState) clone() *StickerReactionState {
	cp := *s
	cp.ReactorIDs = make(map[string]struct{}, len(s.ReactorIDs))
	for id := range s.ReactorIDs {
		cp.ReactorIDs[id] = struct{}{}
	}
	return &cp
}

// Package chat — слой согласования: один упорядоченный список сообщений из
// трёх несогласованных источников (оптимистичные отправки, бэкфил истории,
// живой поток) плюс сессия с интерфейсом наверх.
package chat

import (
	"sync"
	"time"

	"github.com/clubchat/internal/envelope"
	"github.com/clubchat/internal/model"
	"github.com/clubchat/internal/profile"
	"github.com/clubchat/internal/reactions"
	"github.com/clubchat/internal/transport"
	"github.com/google/uuid"
)

// Reconciler владеет списком сообщений. Все мутации — под одним мьютексом:
// живой поток и периодический ресинк приходят из разных горутин.
type Reconciler struct {
	mu       sync.Mutex
	selfID   string
	emojiSet *reactions.Set
	profiles *profile.Cache

	messages []*model.Message
	// seen — transport-id всех обработанных сообщений журнала, включая
	// реакции и профили: ресинк не должен переигрывать уже применённый конверт.
	seen map[string]struct{}

	// OnEvent вызывается для Event-конвертов (опционально, вне мьютекса не гарантируется).
	OnEvent func(senderID, eventJSON string)
}

func NewReconciler(selfID string, emojiSet *reactions.Set, profiles *profile.Cache) *Reconciler {
	return &Reconciler{
		selfID:   selfID,
		emojiSet: emojiSet,
		profiles: profiles,
		seen:     make(map[string]struct{}),
	}
}

// Messages возвращает снимок списка: глубокие копии каждого сообщения.
// Живые указатели наружу не выходят — их продолжают мутировать живой поток и
// ресинк под r.mu, и читатель снимка гонки бы не избежал.
func (r *Reconciler) Messages() []*model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.Message, len(r.messages))
	for i, m := range r.messages {
		out[i] = m.Clone()
	}
	return out
}

// AppendLocal синхронно добавляет оптимистичную запись в хвост со статусом
// sending и локальным id; вызывающему возвращается её копия. Подтверждение или
// ошибка отправки меняют эту же запись, второй записи того же отправления не бывает.
func (r *Reconciler) AppendLocal(body, displayName string, replyTo *model.ReplyPreview) *model.Message {
	m := &model.Message{
		ID:          model.LocalIDPrefix + uuid.New().String(),
		SenderID:    r.selfID,
		DisplayName: displayName,
		Body:        body,
		SentAt:      time.Now().UTC(),
		ReplyTo:     replyTo,
		Status:      model.MessageStatusSending,
	}
	m.LocalID = m.ID
	if rec := r.profiles.Get(r.selfID); rec != nil {
		m.AvatarRef = rec.AvatarRef
	}
	r.mu.Lock()
	r.messages = append(r.messages, m)
	cp := m.Clone()
	r.mu.Unlock()
	return cp
}

// MarkSent помечает оптимистичную запись подтверждённой транспортом.
// Если живой поток уже схлопнул её с эхом — no-op.
func (r *Reconciler) MarkSent(localID, transportID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.messages {
		if m.LocalID != localID {
			continue
		}
		if m.Status == model.MessageStatusSending {
			m.Status = model.MessageStatusSent
		}
		if m.IsLocal() && transportID != "" {
			m.ID = transportID
			r.seen[transportID] = struct{}{}
		}
		return
	}
}

// MarkFailed помечает запись неуспешной; запись остаётся в списке, чтобы
// пользователь видел сбой и мог отправить заново.
func (r *Reconciler) MarkFailed(localID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.messages {
		if m.LocalID == localID {
			if m.Status == model.MessageStatusSending {
				m.Status = model.MessageStatusFailed
			}
			return
		}
	}
}

// IngestHistory — полный ресинк: декодирует журнал (новые первыми, как отдаёт
// транспорт) и заменяет весь список. Реакции применяются строго вторым
// проходом после того, как все сообщения построены: иначе реакция на ещё не
// декодированное сообщение терялась бы в зависимости от порядка прихода.
func (r *Reconciler) IngestHistory(raws []transport.RawMessage) {
	type sideEnvelope struct {
		raw transport.RawMessage
		env envelope.Envelope
	}

	msgs := make([]*model.Message, 0, len(raws))
	seen := make(map[string]struct{}, len(raws))
	var side []sideEnvelope

	// Первый проход, от старых к новым: сообщения и профили.
	for i := len(raws) - 1; i >= 0; i-- {
		raw := raws[i]
		env := envelope.Decode(raw.Payload)
		if env == nil {
			continue
		}
		seen[raw.ID] = struct{}{}
		switch v := env.(type) {
		case *envelope.ProfileUpdate:
			r.profiles.Put(v.SenderID, model.ProfileRecord{
				Name: v.Name, Bio: v.Bio, Social: v.Social,
				WalletAddr: v.WalletAddr, TipAddr: v.TipAddr, AvatarRef: v.AvatarRef,
			})
		case *envelope.Event:
			if r.OnEvent != nil {
				r.OnEvent(raw.SenderID, v.JSON)
			}
		default:
			if envelope.Displayable(env) {
				msgs = append(msgs, buildMessage(raw, env))
			} else {
				side = append(side, sideEnvelope{raw: raw, env: env})
			}
		}
	}

	// Второй проход: реакции поверх полного, стабильного набора сообщений.
	for _, s := range side {
		switch v := s.env.(type) {
		case *envelope.Reaction:
			reactions.Apply(msgs, v.TargetID, v.Emoji, s.raw.SenderID, r.selfID, r.emojiSet)
		case *envelope.StickerReaction:
			reactions.ApplySticker(msgs, v.TargetID, v.StickerURL, s.raw.SenderID, r.selfID)
		}
	}

	for _, m := range msgs {
		r.enrich(m)
	}

	r.mu.Lock()
	r.messages = msgs
	r.seen = seen
	r.mu.Unlock()
}

// IngestLive применяет одно сообщение живого потока.
// Порядок правил слияния:
//  1. такой transport-id уже есть — дубликат доставки, no-op;
//  2. есть оптимистичная запись sending того же отправителя с тем же телом —
//     заменить её на месте (эхо собственной отправки), сохранив локально
//     известный аватар;
//  3. иначе — добавить в хвост.
func (r *Reconciler) IngestLive(raw transport.RawMessage) {
	env := envelope.Decode(raw.Payload)
	if env == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.seen[raw.ID]; dup {
		return
	}
	r.seen[raw.ID] = struct{}{}

	if !envelope.Displayable(env) {
		r.applySideLocked(raw, env)
		return
	}

	incoming := buildMessage(raw, env)
	if r.upgradeOptimisticLocked(incoming) {
		return
	}
	r.enrich(incoming)
	r.messages = append(r.messages, incoming)
}

// SyncMissed применяет окно последних сообщений журнала (heartbeat/foreground).
// Для чужих отправителей — обычное слияние. Для собственных — только
// схлопывание с оптимистичной записью, никогда не добавление: единственные
// пути появления своих сообщений — AppendLocal и живой поток, иначе гонка
// ресинка могла бы продублировать собственную отправку.
func (r *Reconciler) SyncMissed(raws []transport.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// От старых к новым.
	for i := len(raws) - 1; i >= 0; i-- {
		raw := raws[i]
		if _, dup := r.seen[raw.ID]; dup {
			continue
		}
		env := envelope.Decode(raw.Payload)
		if env == nil {
			continue
		}
		r.seen[raw.ID] = struct{}{}

		if !envelope.Displayable(env) {
			r.applySideLocked(raw, env)
			continue
		}
		incoming := buildMessage(raw, env)
		if r.upgradeOptimisticLocked(incoming) {
			continue
		}
		if raw.SenderID == r.selfID {
			// Своё сообщение без оптимистичной пары: уже есть или придёт
			// живым потоком. Из ресинка не добавляем.
			continue
		}
		r.enrich(incoming)
		r.messages = append(r.messages, incoming)
	}
}

// upgradeOptimisticLocked ищет оптимистичную запись под эхо собственной
// отправки и заменяет её на месте. Вызывается под r.mu.
func (r *Reconciler) upgradeOptimisticLocked(incoming *model.Message) bool {
	if incoming.SenderID != r.selfID {
		return false
	}
	for _, m := range r.messages {
		if m.Status != model.MessageStatusSending || m.SenderID != incoming.SenderID {
			continue
		}
		if m.Body != incoming.Body || m.MediaURI != incoming.MediaURI {
			continue
		}
		// Подтверждённый декод может не знать аватар — локальный сохраняем.
		if incoming.AvatarRef == "" {
			incoming.AvatarRef = m.AvatarRef
		}
		incoming.LocalID = m.LocalID
		incoming.Status = model.MessageStatusSent
		incoming.Reactions = m.Reactions
		incoming.StickerReactions = m.StickerReactions
		*m = *incoming
		return true
	}
	return false
}

// applySideLocked маршрутизирует недисплейные конверты. Вызывается под r.mu.
func (r *Reconciler) applySideLocked(raw transport.RawMessage, env envelope.Envelope) {
	switch v := env.(type) {
	case *envelope.Reaction:
		reactions.Apply(r.messages, v.TargetID, v.Emoji, raw.SenderID, r.selfID, r.emojiSet)
	case *envelope.StickerReaction:
		reactions.ApplySticker(r.messages, v.TargetID, v.StickerURL, raw.SenderID, r.selfID)
	case *envelope.ProfileUpdate:
		r.profiles.Put(v.SenderID, model.ProfileRecord{
			Name: v.Name, Bio: v.Bio, Social: v.Social,
			WalletAddr: v.WalletAddr, TipAddr: v.TipAddr, AvatarRef: v.AvatarRef,
		})
	case *envelope.Event:
		if r.OnEvent != nil {
			r.OnEvent(raw.SenderID, v.JSON)
		}
	}
}

// enrich дополняет сообщение данными из кеша профилей.
func (r *Reconciler) enrich(m *model.Message) {
	rec := r.profiles.Get(m.SenderID)
	if rec == nil {
		return
	}
	if m.AvatarRef == "" {
		m.AvatarRef = rec.AvatarRef
	}
	if m.DisplayName == "" {
		m.DisplayName = rec.Name
	}
}

// buildMessage строит сообщение из декодированного дисплейного конверта.
func buildMessage(raw transport.RawMessage, env envelope.Envelope) *model.Message {
	m := &model.Message{
		ID:       raw.ID,
		SenderID: raw.SenderID,
		SentAt:   raw.SentAt,
		Status:   model.MessageStatusSent,
	}
	switch v := env.(type) {
	case *envelope.Text:
		m.DisplayName = v.DisplayName
		m.Body = v.Body
	case *envelope.Reply:
		m.DisplayName = v.DisplayName
		m.Body = v.Body
		m.ReplyTo = &model.ReplyPreview{
			TargetID:          v.TargetID,
			TargetSenderID:    v.TargetSenderID,
			TargetDisplayName: v.TargetDisplayName,
			Body:              v.QuotedBody,
		}
	case *envelope.Media:
		m.MediaKind = v.MediaKind
		m.MediaURI = v.URI
	}
	return m
}

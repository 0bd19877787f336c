// Package reactions — чистый редьюсер реакций поверх списка сообщений в памяти.
// Переключение идемпотентно: повторная реакция того же отправителя снимает её.
package reactions

import "github.com/clubchat/internal/model"

// Set — допустимый набор эмодзи. Реакции вне набора отбрасываются молча:
// это ограничивает размер состояния и защищает от флуда произвольными эмодзи.
type Set struct {
	allowed map[string]struct{}
}

// NewSet строит набор из списка эмодзи конфигурации.
func NewSet(emojis []string) *Set {
	s := &Set{allowed: make(map[string]struct{}, len(emojis))}
	for _, e := range emojis {
		if e != "" {
			s.allowed[e] = struct{}{}
		}
	}
	return s
}

// Allowed сообщает, входит ли эмодзи в набор.
func (s *Set) Allowed(emoji string) bool {
	_, ok := s.allowed[emoji]
	return ok
}

func find(msgs []*model.Message, targetID string) *model.Message {
	for _, m := range msgs {
		if m.ID == targetID {
			return m
		}
	}
	return nil
}

// Apply переключает эмодзи-реакцию reactorID на сообщении targetID.
// Если цель не загружена — no-op: сообщение может быть вне окна истории,
// полный повтор истории переприменит реакцию вторым проходом.
func Apply(msgs []*model.Message, targetID, emoji, reactorID, selfID string, set *Set) {
	if set != nil && !set.Allowed(emoji) {
		return
	}
	m := find(msgs, targetID)
	if m == nil {
		return
	}
	st, ok := m.Reactions[emoji]
	if !ok {
		st = &model.ReactionState{Emoji: emoji, ReactorIDs: make(map[string]struct{})}
	}
	if _, reacted := st.ReactorIDs[reactorID]; reacted {
		delete(st.ReactorIDs, reactorID)
		st.Count--
		if reactorID == selfID {
			st.ReactedBySelf = false
		}
		if st.Count == 0 {
			if m.Reactions != nil {
				delete(m.Reactions, emoji)
			}
			return
		}
	} else {
		st.ReactorIDs[reactorID] = struct{}{}
		st.Count++
		if reactorID == selfID {
			st.ReactedBySelf = true
		}
	}
	if m.Reactions == nil {
		m.Reactions = make(map[string]*model.ReactionState)
	}
	m.Reactions[emoji] = st
}

// ApplySticker переключает стикер-реакцию; ключ — (targetID, stickerURL),
// набор не ограничен, на одном сообщении допустимо несколько разных стикеров.
func ApplySticker(msgs []*model.Message, targetID, stickerURL, reactorID, selfID string) {
	if stickerURL == "" {
		return
	}
	m := find(msgs, targetID)
	if m == nil {
		return
	}
	for i, st := range m.StickerReactions {
		if st.StickerURL != stickerURL {
			continue
		}
		if _, reacted := st.ReactorIDs[reactorID]; reacted {
			delete(st.ReactorIDs, reactorID)
			st.Count--
			if reactorID == selfID {
				st.ReactedBySelf = false
			}
			if st.Count == 0 {
				m.StickerReactions = append(m.StickerReactions[:i], m.StickerReactions[i+1:]...)
			}
		} else {
			st.ReactorIDs[reactorID] = struct{}{}
			st.Count++
			if reactorID == selfID {
				st.ReactedBySelf = true
			}
		}
		return
	}
	st := &model.StickerReactionState{
		StickerURL: stickerURL,
		Count:      1,
		ReactorIDs: map[string]struct{}{reactorID: {}},
	}
	if reactorID == selfID {
		st.ReactedBySelf = true
	}
	m.StickerReactions = append(m.StickerReactions, st)
}

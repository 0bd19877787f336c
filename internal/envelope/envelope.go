// Package envelope кодирует типизированные сообщения приложения в единственное
// строковое payload-поле транспорта и обратно. Неизвестные payload'ы декодер
// молча пропускает: транспорт может нести конверты более новой версии протокола.
package envelope

import "github.com/clubchat/internal/model"

type Kind string

const (
	KindText            Kind = "text"
	KindReply           Kind = "reply"
	KindReaction        Kind = "reaction"
	KindStickerReaction Kind = "sticker_reaction"
	KindProfileUpdate   Kind = "profile_update"
	KindEvent           Kind = "event"
	KindMedia           Kind = "media"
)

// Envelope — размеченное объединение всех видов конвертов. Конкретные типы
// ниже; ветвление по виду — type switch, строковые теги остаются только на
// границе сериализации.
type Envelope interface {
	Kind() Kind
}

// named реализуют конверты, допускающие внешнюю обёртку с display name.
type named interface {
	setDisplayName(string)
}

// Text — обычное текстовое сообщение.
type Text struct {
	DisplayName string
	Body        string
}

func (Text) Kind() Kind                { return KindText }
func (t *Text) setDisplayName(n string) { t.DisplayName = n }

// Reply — ответ на сообщение. Legacy=true помечает старый wire-формат, в
// котором текст цитаты не переносится (QuotedBody пустой).
type Reply struct {
	DisplayName       string
	TargetID          string
	TargetSenderID    string
	TargetDisplayName string
	QuotedBody        string
	Body              string
	Legacy            bool
}

func (Reply) Kind() Kind                 { return KindReply }
func (r *Reply) setDisplayName(n string) { r.DisplayName = n }

// Reaction — эмодзи-реакция на сообщение.
type Reaction struct {
	DisplayName string
	Emoji       string
	TargetID    string
}

func (Reaction) Kind() Kind                 { return KindReaction }
func (r *Reaction) setDisplayName(n string) { r.DisplayName = n }

// StickerReaction — стикер-реакция; URL стикера идёт последним неразбиваемым полем.
type StickerReaction struct {
	DisplayName string
	TargetID    string
	StickerURL  string
}

func (StickerReaction) Kind() Kind                 { return KindStickerReaction }
func (s *StickerReaction) setDisplayName(n string) { s.DisplayName = n }

// ProfileUpdate — частичное обновление профиля отправителя.
type ProfileUpdate struct {
	SenderID   string `json:"sender_id"`
	Name       string `json:"name,omitempty"`
	Bio        string `json:"bio,omitempty"`
	Social     string `json:"social,omitempty"`
	WalletAddr string `json:"wallet_addr,omitempty"`
	TipAddr    string `json:"tip_addr,omitempty"`
	AvatarRef  string `json:"avatar_ref,omitempty"`
}

func (ProfileUpdate) Kind() Kind { return KindProfileUpdate }

// Event — произвольное событие приложения; JSON непрозрачен для этого слоя.
type Event struct {
	JSON string
}

func (Event) Kind() Kind { return KindEvent }

// Media — картинка или GIF по внешнему URI.
type Media struct {
	MediaKind model.MediaKind
	URI       string
}

func (Media) Kind() Kind { return KindMedia }

// Displayable сообщает, попадает ли конверт в список сообщений чата.
// Reaction/StickerReaction/ProfileUpdate/Event маршрутизируются отдельно.
func Displayable(e Envelope) bool {
	switch e.Kind() {
	case KindText, KindReply, KindMedia:
		return true
	default:
		return false
	}
}

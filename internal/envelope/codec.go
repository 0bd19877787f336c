package envelope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/clubchat/internal/model"
)

// Wire-формат: <тег>|<поля...>. Свободный текст либо идёт последним
// неразбиваемым полем, либо кодируется base64, если стоит раньше конца.
// Теги менять нельзя: в логе транспорта живут сообщения всех прошлых версий.
const (
	sep = "|"

	tagNamed       = "NAM"  // NAM|b64(name)|<вложенный конверт>
	tagText        = "TXT"  // TXT|<body>
	tagReply       = "RPLB" // RPLB|target|sender|b64(name)|b64(quoted)|<body>
	tagReplyLegacy = "RPL"  // RPL|target|sender|<body> — цитата утеряна
	tagReaction    = "RCT"  // RCT|emoji|<targetId>
	tagSticker     = "STK"  // STK|targetId|<stickerUrl>
	tagProfile     = "PRF"  // PRF|<json>
	tagEvent       = "EVT"  // EVT|<json>
	tagImage       = "IMG"  // IMG|<uri>
	tagGif         = "GIF"  // GIF|<uri>
)

var b64 = base64.StdEncoding

// Encode сериализует конверт в payload-строку транспорта. Детерминирован;
// для всех видов, кроме legacy-ответа, Decode(Encode(e)) == e.
func Encode(e Envelope) (string, error) {
	var inner, name string
	switch v := e.(type) {
	case *Text:
		name = v.DisplayName
		inner = tagText + sep + v.Body
	case *Reply:
		if v.TargetID == "" {
			return "", fmt.Errorf("envelope.Encode: reply without target id")
		}
		name = v.DisplayName
		inner = strings.Join([]string{
			tagReply,
			v.TargetID,
			v.TargetSenderID,
			b64.EncodeToString([]byte(v.TargetDisplayName)),
			b64.EncodeToString([]byte(v.QuotedBody)),
			v.Body,
		}, sep)
	case *Reaction:
		if v.TargetID == "" {
			return "", fmt.Errorf("envelope.Encode: reaction without target id")
		}
		name = v.DisplayName
		inner = tagReaction + sep + v.Emoji + sep + v.TargetID
	case *StickerReaction:
		if v.TargetID == "" {
			return "", fmt.Errorf("envelope.Encode: sticker reaction without target id")
		}
		name = v.DisplayName
		// URL стикера последним: может содержать разделитель.
		inner = tagSticker + sep + v.TargetID + sep + v.StickerURL
	case *ProfileUpdate:
		if v.SenderID == "" {
			return "", fmt.Errorf("envelope.Encode: profile update without sender id")
		}
		data, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("envelope.Encode profile: %w", err)
		}
		return tagProfile + sep + string(data), nil
	case *Event:
		return tagEvent + sep + v.JSON, nil
	case *Media:
		switch v.MediaKind {
		case model.MediaKindGif:
			return tagGif + sep + v.URI, nil
		default:
			return tagImage + sep + v.URI, nil
		}
	default:
		return "", fmt.Errorf("envelope.Encode: unsupported envelope %T", e)
	}
	if name == "" {
		return inner, nil
	}
	return tagNamed + sep + b64.EncodeToString([]byte(name)) + sep + inner, nil
}

// Decode разбирает payload транспорта. Возвращает nil для неизвестных и
// битых payload'ов — это контракт совместимости вперёд, не ошибка.
// Внешняя NAM-обёртка снимается не более одного раза.
func Decode(raw string) Envelope {
	tag, rest, ok := strings.Cut(raw, sep)
	if !ok {
		return nil
	}
	if tag == tagNamed {
		encName, inner, ok := strings.Cut(rest, sep)
		if !ok {
			return nil
		}
		nameBytes, err := b64.DecodeString(encName)
		if err != nil {
			return nil
		}
		e := decodeInner(inner)
		if e == nil {
			return nil
		}
		if n, ok := e.(named); ok {
			n.setDisplayName(string(nameBytes))
		}
		return e
	}
	return decodeInner(raw)
}

func decodeInner(raw string) Envelope {
	tag, rest, ok := strings.Cut(raw, sep)
	if !ok {
		return nil
	}
	switch tag {
	case tagText:
		return &Text{Body: rest}
	case tagReply:
		parts := strings.SplitN(rest, sep, 5)
		if len(parts) != 5 {
			return nil
		}
		nameBytes, err := b64.DecodeString(parts[2])
		if err != nil {
			return nil
		}
		quotedBytes, err := b64.DecodeString(parts[3])
		if err != nil {
			return nil
		}
		return &Reply{
			TargetID:          parts[0],
			TargetSenderID:    parts[1],
			TargetDisplayName: string(nameBytes),
			QuotedBody:        string(quotedBytes),
			Body:              parts[4],
		}
	case tagReplyLegacy:
		// Старый формат: текст цитаты не переносился. QuotedBody остаётся
		// пустым — сообщения в логе транспорта задним числом не починить.
		parts := strings.SplitN(rest, sep, 3)
		if len(parts) != 3 {
			return nil
		}
		return &Reply{
			TargetID:       parts[0],
			TargetSenderID: parts[1],
			Body:           parts[2],
			Legacy:         true,
		}
	case tagReaction:
		emoji, target, ok := strings.Cut(rest, sep)
		if !ok || target == "" {
			return nil
		}
		return &Reaction{Emoji: emoji, TargetID: target}
	case tagSticker:
		target, url, ok := strings.Cut(rest, sep)
		if !ok || target == "" {
			return nil
		}
		return &StickerReaction{TargetID: target, StickerURL: url}
	case tagProfile:
		var p ProfileUpdate
		if err := json.Unmarshal([]byte(rest), &p); err != nil || p.SenderID == "" {
			return nil
		}
		return &p
	case tagEvent:
		return &Event{JSON: rest}
	case tagImage:
		return &Media{MediaKind: model.MediaKindImage, URI: rest}
	case tagGif:
		return &Media{MediaKind: model.MediaKindGif, URI: rest}
	default:
		return nil
	}
}

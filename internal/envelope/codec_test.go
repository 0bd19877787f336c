package envelope

import (
	"reflect"
	"testing"

	"github.com/clubchat/internal/model"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		env  Envelope
	}{
		{"text", &Text{DisplayName: "alice", Body: "gm"}},
		{"text_no_name", &Text{Body: "gm"}},
		{"text_with_separator", &Text{DisplayName: "alice", Body: "a|b|c"}},
		{"reply", &Reply{
			DisplayName:       "bob",
			TargetID:          "m-1",
			TargetSenderID:    "inbox-a",
			TargetDisplayName: "alice",
			QuotedBody:        "original|with|separators",
			Body:              "reply body | with separator",
		}},
		{"reply_empty_quote", &Reply{
			TargetID:       "m-2",
			TargetSenderID: "inbox-a",
			Body:           "ok",
		}},
		{"reaction", &Reaction{Emoji: "🔥", TargetID: "m-3"}},
		{"reaction_named", &Reaction{DisplayName: "carol", Emoji: "👍", TargetID: "m-3"}},
		{"sticker_url_with_separator", &StickerReaction{
			DisplayName: "dave",
			TargetID:    "m-4",
			StickerURL:  "https://cdn.example/st?id=1|variant=2",
		}},
		{"profile", &ProfileUpdate{SenderID: "inbox-b", Name: "Bob", Bio: "hi", TipAddr: "0xabc"}},
		{"event", &Event{JSON: `{"type":"poll","q":"gm?"}`}},
		{"image", &Media{MediaKind: model.MediaKindImage, URI: "https://cdn.example/a.png"}},
		{"gif", &Media{MediaKind: model.MediaKindGif, URI: "https://g.example/x.gif?a=1|b=2"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := Encode(tc.env)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got := Decode(raw)
			if got == nil {
				t.Fatalf("Decode returned nil for %q", raw)
			}
			if !reflect.DeepEqual(got, tc.env) {
				t.Fatalf("round trip mismatch:\n got %#v\nwant %#v", got, tc.env)
			}
		})
	}
}

func TestDecodeLegacyReplyLosesQuote(t *testing.T) {
	e := Decode("RPL|m-1|inbox-a|still|has|separators")
	r, ok := e.(*Reply)
	if !ok {
		t.Fatalf("expected *Reply, got %#v", e)
	}
	if !r.Legacy {
		t.Fatal("legacy form not flagged")
	}
	if r.QuotedBody != "" {
		t.Fatalf("legacy reply must decode with empty quote, got %q", r.QuotedBody)
	}
	if r.TargetID != "m-1" || r.TargetSenderID != "inbox-a" || r.Body != "still|has|separators" {
		t.Fatalf("legacy fields mismatch: %#v", r)
	}
}

func TestDecodeUnknownPayloads(t *testing.T) {
	for _, raw := range []string{
		"",
		"gm without any tag",
		"FUTURE_KIND:xyz",
		"FUTURE|xyz",
		"TXT",                // тег без разделителя
		"RPLB|only|three|f",  // не хватает полей
		"RPLB|a|b|@@@|@@@|x", // битый base64
		"NAM|@@@|TXT|hi",     // битое имя
		"NAM|YWxpY2U=|FUTURE|x",
		"RCT|👍|", // реакция без цели
	} {
		if e := Decode(raw); e != nil {
			t.Fatalf("Decode(%q) = %#v, want nil", raw, e)
		}
	}
}

func TestDecodeUnwrapsAtMostOneNameLayer(t *testing.T) {
	inner, err := Encode(&Text{Body: "hello"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	named, err := Encode(&Text{DisplayName: "alice", Body: "hello"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if named == inner {
		t.Fatal("display name did not change the wire form")
	}
	// Двойная обёртка не является валидным payload.
	double := "NAM|Ym9i|" + named
	if e := Decode(double); e != nil {
		t.Fatalf("double wrap decoded to %#v, want nil", e)
	}
}

func TestDecodeEmptyDisplayNameWrapper(t *testing.T) {
	// NAM с пустым именем допустим на входе, даже если Encode его не порождает.
	e := Decode("NAM||TXT|hi")
	txt, ok := e.(*Text)
	if !ok {
		t.Fatalf("expected *Text, got %#v", e)
	}
	if txt.DisplayName != "" || txt.Body != "hi" {
		t.Fatalf("unexpected decode: %#v", txt)
	}
}

func TestDisplayable(t *testing.T) {
	if !Displayable(&Text{Body: "x"}) || !Displayable(&Reply{TargetID: "m"}) || !Displayable(&Media{URI: "u"}) {
		t.Fatal("chat kinds must be displayable")
	}
	if Displayable(&Reaction{Emoji: "👍", TargetID: "m"}) ||
		Displayable(&StickerReaction{TargetID: "m"}) ||
		Displayable(&ProfileUpdate{SenderID: "a"}) ||
		Displayable(&Event{}) {
		t.Fatal("side-channel kinds must not be displayable")
	}
}

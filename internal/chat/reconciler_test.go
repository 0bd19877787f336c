package chat

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/clubchat/internal/envelope"
	"github.com/clubchat/internal/model"
	"github.com/clubchat/internal/profile"
	"github.com/clubchat/internal/reactions"
	storagemem "github.com/clubchat/internal/storage/memory"
	"github.com/clubchat/internal/transport"
	transportmem "github.com/clubchat/internal/transport/memory"
)

func newTestReconciler(selfID string) *Reconciler {
	set := reactions.NewSet([]string{"👍", "❤️", "😂"})
	return NewReconciler(selfID, set, profile.NewCache(storagemem.New()))
}

func mustEncode(t *testing.T, env envelope.Envelope) string {
	t.Helper()
	raw, err := envelope.Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return raw
}

func rawMsg(id, sender, payload string) transport.RawMessage {
	return transport.RawMessage{ID: id, SenderID: sender, SentAt: time.Now().UTC(), Payload: payload}
}

func TestOptimisticSendEchoCollapses(t *testing.T) {
	ctx := context.Background()
	net := transportmem.NewNetwork()
	conv, err := net.Client("alice").CreateConversation(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rec := newTestReconciler("alice")
	unsub, err := conv.SubscribeLive(ctx, rec.IngestLive)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	m := rec.AppendLocal("gm", "Alice", nil)
	if !m.IsLocal() || m.Status != model.MessageStatusSending {
		t.Fatalf("optimistic entry: id=%q status=%q", m.ID, m.Status)
	}

	// Эхо памяти приходит синхронно внутри Send, до MarkSent.
	id, err := conv.Send(ctx, mustEncode(t, &envelope.Text{DisplayName: "Alice", Body: "gm"}))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	rec.MarkSent(m.LocalID, id)

	msgs := rec.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message after echo, got %d", len(msgs))
	}
	got := msgs[0]
	if got.ID != id {
		t.Fatalf("expected transport id %q, got %q", id, got.ID)
	}
	if got.Status != model.MessageStatusSent {
		t.Fatalf("expected status sent, got %q", got.Status)
	}
	if got.LocalID != m.LocalID {
		t.Fatalf("local id lost: %q != %q", got.LocalID, m.LocalID)
	}
	if got.DisplayName != "Alice" || got.Body != "gm" {
		t.Fatalf("unexpected content: %+v", got)
	}
}

func TestMessagesSnapshotIsolatedFromLaterMutations(t *testing.T) {
	rec := newTestReconciler("alice")
	local := rec.AppendLocal("gm", "Alice", nil)
	snap := rec.Messages()

	// Эхо и реакция мутируют запись под мьютексом reconciler'а.
	rec.IngestLive(rawMsg("m1", "alice", mustEncode(t, &envelope.Text{DisplayName: "Alice", Body: "gm"})))
	rec.IngestLive(rawMsg("m2", "bob", mustEncode(t, &envelope.Reaction{Emoji: "👍", TargetID: "m1"})))

	if snap[0].Status != model.MessageStatusSending || snap[0].ID != local.ID {
		t.Fatalf("snapshot mutated behind the reader: %+v", snap[0])
	}
	if len(snap[0].Reactions) != 0 {
		t.Fatalf("reaction leaked into earlier snapshot: %+v", snap[0].Reactions)
	}

	// И наоборот: правка снимка не трогает список reconciler'а.
	snap = rec.Messages()
	snap[0].Body = "edited"
	snap[0].Reactions["👍"].Count = 99
	fresh := rec.Messages()
	if fresh[0].Body != "gm" || fresh[0].Reactions["👍"].Count != 1 {
		t.Fatalf("snapshot edit reached the reconciler: %+v", fresh[0])
	}
}

func TestMessagesConcurrentWithLiveStream(t *testing.T) {
	rec := newTestReconciler("alice")
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			id := "m" + strconv.Itoa(i)
			rec.IngestLive(rawMsg(id, "bob", mustEncode(t, &envelope.Text{Body: "post"})))
			rec.IngestLive(rawMsg(id+"-r", "carol", mustEncode(t, &envelope.Reaction{Emoji: "👍", TargetID: id})))
		}
	}()
	// Читатель наблюдаемого списка идёт параллельно живому потоку.
	for {
		select {
		case <-done:
			return
		default:
		}
		for _, m := range rec.Messages() {
			_ = m.Body
			for _, st := range m.Reactions {
				_ = st.Count
			}
		}
	}
}

func TestSyncMissedNeverAppendsOwnMessages(t *testing.T) {
	rec := newTestReconciler("alice")

	// Своё сообщение без оптимистичной пары не добавляется из ресинка.
	rec.SyncMissed([]transport.RawMessage{
		rawMsg("m1", "alice", mustEncode(t, &envelope.Text{Body: "hello"})),
	})
	if n := len(rec.Messages()); n != 0 {
		t.Fatalf("own message appended from resync: %d entries", n)
	}

	// Чужое — добавляется.
	rec.SyncMissed([]transport.RawMessage{
		rawMsg("m2", "bob", mustEncode(t, &envelope.Text{Body: "hi"})),
	})
	msgs := rec.Messages()
	if len(msgs) != 1 || msgs[0].SenderID != "bob" {
		t.Fatalf("peer message not appended: %+v", msgs)
	}
}

func TestSyncMissedCollapsesPendingSend(t *testing.T) {
	rec := newTestReconciler("alice")
	m := rec.AppendLocal("ship it", "Alice", nil)

	rec.SyncMissed([]transport.RawMessage{
		rawMsg("m9", "alice", mustEncode(t, &envelope.Text{DisplayName: "Alice", Body: "ship it"})),
	})
	msgs := rec.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected collapse into 1 entry, got %d", len(msgs))
	}
	if msgs[0].ID != "m9" || msgs[0].Status != model.MessageStatusSent || msgs[0].LocalID != m.LocalID {
		t.Fatalf("optimistic entry not upgraded: %+v", msgs[0])
	}
}

func TestLiveDuplicateDeliveryIgnored(t *testing.T) {
	rec := newTestReconciler("alice")
	raw := rawMsg("m1", "bob", mustEncode(t, &envelope.Text{Body: "once"}))
	rec.IngestLive(raw)
	rec.IngestLive(raw)
	if n := len(rec.Messages()); n != 1 {
		t.Fatalf("duplicate delivery produced %d entries", n)
	}
}

func TestResyncDoesNotReplayReactions(t *testing.T) {
	rec := newTestReconciler("alice")
	msg := rawMsg("m1", "bob", mustEncode(t, &envelope.Text{Body: "post"}))
	rct := rawMsg("m2", "carol", mustEncode(t, &envelope.Reaction{Emoji: "👍", TargetID: "m1"}))
	rec.IngestLive(msg)
	rec.IngestLive(rct)

	if got := rec.Messages()[0].Reactions["👍"]; got == nil || got.Count != 1 {
		t.Fatalf("reaction not applied: %+v", rec.Messages()[0].Reactions)
	}

	// Окно ресинка содержит те же конверты (новые первыми): реакция не
	// должна переключиться обратно.
	rec.SyncMissed([]transport.RawMessage{rct, msg})
	if got := rec.Messages()[0].Reactions["👍"]; got == nil || got.Count != 1 {
		t.Fatalf("resync replayed reaction toggle: %+v", rec.Messages()[0].Reactions)
	}
}

func TestHistorySecondPassAppliesEarlyReaction(t *testing.T) {
	rec := newTestReconciler("alice")
	// Новые первыми: реакция старше своего сообщения, то есть в порядке
	// декодирования встречается раньше цели.
	raws := []transport.RawMessage{
		rawMsg("m2", "bob", mustEncode(t, &envelope.Text{Body: "target"})),
		rawMsg("m1", "carol", mustEncode(t, &envelope.Reaction{Emoji: "❤️", TargetID: "m2"})),
	}
	rec.IngestHistory(raws)
	msgs := rec.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	st := msgs[0].Reactions["❤️"]
	if st == nil || st.Count != 1 {
		t.Fatalf("early reaction lost on backfill: %+v", msgs[0].Reactions)
	}
}

func TestIngestHistoryReplacesList(t *testing.T) {
	rec := newTestReconciler("alice")
	rec.IngestLive(rawMsg("m1", "bob", mustEncode(t, &envelope.Text{Body: "stale"})))

	rec.IngestHistory([]transport.RawMessage{
		rawMsg("m3", "carol", mustEncode(t, &envelope.Text{Body: "two"})),
		rawMsg("m2", "carol", mustEncode(t, &envelope.Text{Body: "one"})),
	})
	msgs := rec.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected full replace with 2 entries, got %d", len(msgs))
	}
	if msgs[0].Body != "one" || msgs[1].Body != "two" {
		t.Fatalf("backfill order wrong: %q, %q", msgs[0].Body, msgs[1].Body)
	}
}

func TestUnknownPayloadSkipped(t *testing.T) {
	rec := newTestReconciler("alice")
	rec.IngestLive(rawMsg("m1", "bob", "FUTURE_KIND:payload"))
	rec.IngestHistory([]transport.RawMessage{
		rawMsg("m3", "bob", mustEncode(t, &envelope.Text{Body: "kept"})),
		rawMsg("m2", "bob", "TXT"),
	})
	msgs := rec.Messages()
	if len(msgs) != 1 || msgs[0].Body != "kept" {
		t.Fatalf("unknown payloads leaked into list: %+v", msgs)
	}
}

func TestMarkFailedRetainsMessage(t *testing.T) {
	rec := newTestReconciler("alice")
	m := rec.AppendLocal("oops", "Alice", nil)
	rec.MarkFailed(m.LocalID)
	msgs := rec.Messages()
	if len(msgs) != 1 || msgs[0].Status != model.MessageStatusFailed {
		t.Fatalf("failed send not retained: %+v", msgs)
	}
}

func TestHistoryProfileUpdateEnrichesMessages(t *testing.T) {
	rec := newTestReconciler("alice")
	prf := mustEncode(t, &envelope.ProfileUpdate{SenderID: "bob", Name: "Bob", AvatarRef: "ipfs://ava"})
	rec.IngestHistory([]transport.RawMessage{
		rawMsg("m2", "bob", mustEncode(t, &envelope.Text{Body: "no name on wire"})),
		rawMsg("m1", "bob", prf),
	})
	msgs := rec.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].DisplayName != "Bob" || msgs[0].AvatarRef != "ipfs://ava" {
		t.Fatalf("profile enrichment missing: %+v", msgs[0])
	}
}

func TestLiveEventRoutedToHandler(t *testing.T) {
	rec := newTestReconciler("alice")
	var gotSender, gotJSON string
	rec.OnEvent = func(senderID, eventJSON string) {
		gotSender, gotJSON = senderID, eventJSON
	}
	rec.IngestLive(rawMsg("m1", "bob", mustEncode(t, &envelope.Event{JSON: `{"kind":"raid"}`})))
	if gotSender != "bob" || gotJSON != `{"kind":"raid"}` {
		t.Fatalf("event not routed: sender=%q json=%q", gotSender, gotJSON)
	}
	if n := len(rec.Messages()); n != 0 {
		t.Fatalf("event leaked into message list: %d entries", n)
	}
}

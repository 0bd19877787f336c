package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/clubchat/internal/config"
	"github.com/clubchat/internal/directory"
	"github.com/clubchat/internal/envelope"
	"github.com/clubchat/internal/membership"
	"github.com/clubchat/internal/model"
	"github.com/clubchat/internal/profile"
	storagemem "github.com/clubchat/internal/storage/memory"
	transportmem "github.com/clubchat/internal/transport/memory"
)

// newDirectoryServer — каталог в памяти теста: GET до первой публикации
// отвечает 404, PUT требует Bearer-токен.
func newDirectoryServer(t *testing.T, token string) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	var rec model.DirectoryRecord
	var published bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/directory" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch r.Method {
		case http.MethodGet:
			mu.Lock()
			defer mu.Unlock()
			if !published {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(rec)
		case http.MethodPut:
			if r.Header.Get("Authorization") != "Bearer "+token {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			var in model.DirectoryRecord
			if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			mu.Lock()
			rec, published = in, true
			mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestSession(net *transportmem.Network, dirURL, inboxID, name, writeToken string) *Session {
	client := net.Client(inboxID)
	flow := membership.New(client, directory.New(dirURL), storagemem.New(), writeToken, name)
	return NewSession(client, flow, profile.NewCache(storagemem.New()), Options{
		DisplayName: name,
		JoinRetry:   20 * time.Millisecond,
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSessionBootstrapJoinAndChat(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	net := transportmem.NewNetwork()
	srv := newDirectoryServer(t, "write-secret")

	admin := newTestSession(net, srv.URL, "alice", "Alice", "write-secret")
	if err := admin.Initialize(ctx); err != nil {
		t.Fatalf("admin initialize: %v", err)
	}
	defer admin.Disconnect()
	if !admin.IsAdmin() {
		t.Fatalf("cold bootstrap: expected admin, got %s", admin.MembershipState())
	}

	// Второе устройство: каталог уже заполнен, доступ через заявку.
	joiner := newTestSession(net, srv.URL, "bob", "Bob", "")
	joinDone := make(chan error, 1)
	go func() { joinDone <- joiner.Initialize(ctx) }()
	defer joiner.Disconnect()

	// Заявка видна админу и несёт имя запрашивающего.
	var reqs []model.JoinRequest
	waitFor(t, "join request", func() bool {
		var err error
		reqs, err = admin.LoadJoinRequests(ctx)
		return err == nil && len(reqs) == 1
	})
	if reqs[0].RequesterID != "bob" || reqs[0].DisplayName != "Bob" {
		t.Fatalf("unexpected join request: %+v", reqs[0])
	}

	if err := admin.ApproveJoinRequest(ctx, "bob"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if n := len(admin.PendingJoinRequests()); n != 0 {
		t.Fatalf("approved request still pending: %d", n)
	}

	select {
	case err := <-joinDone:
		if err != nil {
			t.Fatalf("joiner initialize: %v", err)
		}
	case <-ctx.Done():
		t.Fatalf("joiner never resolved after approval")
	}
	if joiner.MembershipState() != model.MembershipMember {
		t.Fatalf("expected member, got %s", joiner.MembershipState())
	}

	// Обычный обмен: оптимистичная отправка у автора, доставка у второго.
	sent, err := admin.SendText(ctx, "welcome bob")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "send confirmation", func() bool {
		for _, m := range admin.Messages() {
			if m.LocalID == sent.LocalID && m.Status == model.MessageStatusSent {
				return true
			}
		}
		return false
	})
	if n := len(admin.Messages()); n != 1 {
		t.Fatalf("author sees %d entries, expected 1", n)
	}
	waitFor(t, "delivery to joiner", func() bool {
		msgs := joiner.Messages()
		return len(msgs) == 1 && msgs[0].Body == "welcome bob"
	})

	// Реакция применяется только эхом, у обеих сторон count==1.
	target := joiner.Messages()[0]
	if err := joiner.React(ctx, "👍", target.ID); err != nil {
		t.Fatalf("react: %v", err)
	}
	waitFor(t, "reaction on both sides", func() bool {
		a := admin.Messages()[0].Reactions["👍"]
		b := joiner.Messages()[0].Reactions["👍"]
		return a != nil && a.Count == 1 && b != nil && b.Count == 1 && b.ReactedBySelf
	})
	if admin.Messages()[0].Reactions["👍"].ReactedBySelf {
		t.Fatalf("reactedBySelf leaked to non-reactor")
	}
}

func TestSessionProfileBroadcast(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	net := transportmem.NewNetwork()
	srv := newDirectoryServer(t, "write-secret")

	admin := newTestSession(net, srv.URL, "alice", "Alice", "write-secret")
	if err := admin.Initialize(ctx); err != nil {
		t.Fatalf("admin initialize: %v", err)
	}
	defer admin.Disconnect()

	joiner := newTestSession(net, srv.URL, "bob", "Bob", "")
	joinDone := make(chan error, 1)
	go func() { joinDone <- joiner.Initialize(ctx) }()
	defer joiner.Disconnect()
	waitFor(t, "join request", func() bool {
		reqs, err := admin.LoadJoinRequests(ctx)
		return err == nil && len(reqs) == 1
	})
	if err := admin.ApproveJoinRequest(ctx, "bob"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := <-joinDone; err != nil {
		t.Fatalf("joiner initialize: %v", err)
	}

	err := joiner.BroadcastProfile(ctx, model.ProfileRecord{Name: "Bob0x", AvatarRef: "ipfs://bob"})
	if err != nil {
		t.Fatalf("broadcast profile: %v", err)
	}
	if _, err := joiner.SendText(ctx, "new look"); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "profile applied to delivery", func() bool {
		for _, m := range admin.Messages() {
			if m.Body == "new look" && m.AvatarRef == "ipfs://bob" {
				return true
			}
		}
		return false
	})
}

func TestSessionSyncMessagesBackfillsMissedWindow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	net := transportmem.NewNetwork()
	srv := newDirectoryServer(t, "write-secret")

	admin := newTestSession(net, srv.URL, "alice", "Alice", "write-secret")
	if err := admin.Initialize(ctx); err != nil {
		t.Fatalf("admin initialize: %v", err)
	}
	defer admin.Disconnect()

	// Пока подписка снята, пишет другой участник напрямую через транспорт.
	// Disconnect не рвёт привязку к разговору, операции админа работают.
	admin.Disconnect()
	if err := admin.AddMember(ctx, "bob"); err != nil {
		t.Fatalf("add member after disconnect: %v", err)
	}
	bobConv, err := net.Client("bob").FindConversation(ctx, adminConversationID(t, admin))
	if err != nil || bobConv == nil {
		t.Fatalf("bob lookup: conv=%v err=%v", bobConv, err)
	}
	if _, err := bobConv.Send(ctx, mustEncode(t, &envelope.Text{Body: "missed while away"})); err != nil {
		t.Fatalf("bob send: %v", err)
	}

	if err := admin.SyncMessages(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	msgs := admin.Messages()
	if len(msgs) != 1 || msgs[0].Body != "missed while away" {
		t.Fatalf("missed window not backfilled: %+v", msgs)
	}
}

func TestSessionDefaultEmojiSetFromConfig(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	net := transportmem.NewNetwork()
	srv := newDirectoryServer(t, "write-secret")

	// ReactionEmojis не задан: сессия берёт набор из конфигурации.
	admin := newTestSession(net, srv.URL, "alice", "Alice", "write-secret")
	if err := admin.Initialize(ctx); err != nil {
		t.Fatalf("admin initialize: %v", err)
	}
	defer admin.Disconnect()

	if _, err := admin.SendText(ctx, "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "send echo", func() bool {
		msgs := admin.Messages()
		return len(msgs) == 1 && msgs[0].Status == model.MessageStatusSent
	})
	target := admin.Messages()[0]

	for _, emoji := range config.DefaultReactionEmojis {
		if err := admin.React(ctx, emoji, target.ID); err != nil {
			t.Fatalf("react %s: %v", emoji, err)
		}
	}
	waitFor(t, "default reactions applied", func() bool {
		return len(admin.Messages()[0].Reactions) == len(config.DefaultReactionEmojis)
	})

	// Эмодзи вне набора отбрасывается при применении эха.
	if err := admin.React(ctx, "🤖", target.ID); err != nil {
		t.Fatalf("react outside set: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := len(admin.Messages()[0].Reactions); got != len(config.DefaultReactionEmojis) {
		t.Fatalf("out-of-set emoji applied, reactions=%d", got)
	}
}

func adminConversationID(t *testing.T, s *Session) string {
	t.Helper()
	conv, err := s.conversation()
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	return conv.ID()
}

package profile

import (
	"context"
	"testing"

	"github.com/clubchat/internal/model"
	"github.com/clubchat/internal/storage"
	"github.com/clubchat/internal/storage/memory"
)

func TestPutMergesFieldMonotonically(t *testing.T) {
	c := NewCache(memory.New())

	c.Put("inbox-a", model.ProfileRecord{Name: "Alice", Bio: "gm"})
	c.Put("inbox-a", model.ProfileRecord{Bio: "", TipAddr: "0xabc"})

	rec := c.Get("inbox-a")
	if rec == nil {
		t.Fatal("record missing")
	}
	if rec.Name != "Alice" {
		t.Fatalf("name lost: %q", rec.Name)
	}
	if rec.Bio != "gm" {
		t.Fatalf("empty update erased bio: %q", rec.Bio)
	}
	if rec.TipAddr != "0xabc" {
		t.Fatalf("new field not merged: %q", rec.TipAddr)
	}
}

func TestGetUnknownSender(t *testing.T) {
	c := NewCache(memory.New())
	if rec := c.Get("nobody"); rec != nil {
		t.Fatalf("want nil, got %#v", rec)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	c := NewCache(memory.New())
	c.Put("inbox-a", model.ProfileRecord{Name: "Alice"})
	rec := c.Get("inbox-a")
	rec.Name = "Mallory"
	if c.Get("inbox-a").Name != "Alice" {
		t.Fatal("Get must not expose internal record")
	}
}

func TestFlushAndLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	kv := memory.New()

	c := NewCache(kv)
	c.Put("inbox-a", model.ProfileRecord{Name: "Alice", AvatarRef: "ipfs://av"})
	c.Put("inbox-b", model.ProfileRecord{Name: "Bob"})
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if raw, _ := kv.Get(ctx, storage.KeyProfileCache); raw == "" {
		t.Fatal("flush wrote nothing")
	}

	restored := NewCache(kv)
	if err := restored.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	rec := restored.Get("inbox-a")
	if rec == nil || rec.Name != "Alice" || rec.AvatarRef != "ipfs://av" {
		t.Fatalf("restored record: %#v", rec)
	}
	if restored.Get("inbox-b") == nil {
		t.Fatal("second record lost")
	}
}

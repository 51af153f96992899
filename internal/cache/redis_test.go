package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	r, err := New("redis://" + mr.Addr() + "/0")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	if err := r.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	return r, mr
}

type row struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func TestLookupStoreEvict(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	if _, ok, err := Lookup[row](ctx, r, "channel:1"); ok || err != nil {
		t.Fatalf("empty cache: ok=%v err=%v", ok, err)
	}
	if err := Store(ctx, r, "channel:1", row{ID: 1, Name: "Lobby"}, time.Minute); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if !mr.Exists(KeyPrefix + "channel:1") {
		t.Fatalf("keys = %v, want the prefixed key", mr.Keys())
	}
	if mr.Exists("channel:1") {
		t.Fatal("unprefixed key written")
	}
	if ttl := mr.TTL(KeyPrefix + "channel:1"); ttl != time.Minute {
		t.Fatalf("ttl = %v", ttl)
	}

	got, ok, err := Lookup[row](ctx, r, "channel:1")
	if err != nil || !ok || got.Name != "Lobby" {
		t.Fatalf("Lookup = %+v, %v, %v", got, ok, err)
	}

	if err := Evict(ctx, r, "channel:1", "channel:404"); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if _, ok, _ := Lookup[row](ctx, r, "channel:1"); ok {
		t.Fatal("hit after Evict")
	}
	if err := Evict(ctx, r); err != nil {
		t.Fatalf("Evict with no keys: %v", err)
	}
}

func TestLookupUndecodable(t *testing.T) {
	r, mr := newTestRedis(t)
	if err := mr.Set(KeyPrefix+"channel:1", "{not json"); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := Lookup[row](context.Background(), r, "channel:1"); ok || err == nil {
		t.Fatalf("ok=%v err=%v, want a decode error", ok, err)
	}
}

func TestEvictMatching(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		gone    []string
		kept    []string
	}{
		{
			name:    "single rows",
			pattern: "channel:*",
			gone:    []string{KeyPrefix + "channel:1", KeyPrefix + "channel:22"},
			kept:    []string{KeyPrefix + "channels:all", "other:channel:1"},
		},
		{
			name:    "exact key",
			pattern: "channels:all",
			gone:    []string{KeyPrefix + "channels:all"},
			kept:    []string{KeyPrefix + "channel:1", KeyPrefix + "channel:22", "other:channel:1"},
		},
		{
			name:    "no match",
			pattern: "nothing:*",
			kept:    []string{KeyPrefix + "channel:1", KeyPrefix + "channels:all", "other:channel:1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, mr := newTestRedis(t)
			for _, k := range []string{"channel:1", "channel:22", "channels:all"} {
				if err := Store(context.Background(), r, k, row{}, time.Minute); err != nil {
					t.Fatal(err)
				}
			}
			if err := mr.Set("other:channel:1", "x"); err != nil {
				t.Fatal(err)
			}

			if err := EvictMatching(context.Background(), r, tt.pattern); err != nil {
				t.Fatalf("EvictMatching: %v", err)
			}
			for _, k := range tt.gone {
				if mr.Exists(k) {
					t.Errorf("%s survived", k)
				}
			}
			for _, k := range tt.kept {
				if !mr.Exists(k) {
					t.Errorf("%s evicted", k)
				}
			}
		})
	}
}

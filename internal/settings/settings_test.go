package settings

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	dest, err := String(ctx, s, KeyMiningDestination, "")
	if err != nil {
		t.Fatalf("String: %v", err)
	}
	if dest != DestinationVideo {
		t.Fatalf("default destination = %q; want %q", dest, DestinationVideo)
	}

	if err := s.Set(ctx, map[string]any{KeyMiningDestination: DestinationPlayer, "autoPause": true}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	dest, _ = String(ctx, s, KeyMiningDestination, "")
	if dest != DestinationPlayer {
		t.Fatalf("destination = %q; want %q", dest, DestinationPlayer)
	}
	pause, err := Bool(ctx, s, "autoPause", false)
	if err != nil || !pause {
		t.Fatalf("autoPause = %v, %v; want true", pause, err)
	}
	if v, _ := Bool(ctx, s, "missing", true); !v {
		t.Fatalf("missing bool did not fall back to default")
	}

	got, err := s.Get(ctx, KeyMiningDestination, "missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Get returned %v; want only the known key", got)
	}

	all, err := s.Get(ctx)
	if err != nil {
		t.Fatalf("Get all: %v", err)
	}
	if len(all) != len(Defaults())+1 {
		t.Fatalf("Get all returned %d keys; want %d", len(all), len(Defaults())+1)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory(Defaults()))
}

func TestRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	ctx := context.Background()
	rs, err := NewRedis(ctx, mr.Addr(), Defaults())
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer func() { _ = rs.Close() }()
	exerciseStore(t, rs)

	// Seeding a second store must not overwrite persisted values.
	rs2, err := NewRedis(ctx, "redis://"+mr.Addr()+"/0", Defaults())
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer func() { _ = rs2.Close() }()
	dest, _ := String(ctx, rs2, KeyMiningDestination, "")
	if dest != DestinationPlayer {
		t.Fatalf("persisted destination = %q; want %q", dest, DestinationPlayer)
	}
}

func TestParseRedisURL(t *testing.T) {
	tests := []struct {
		url    string
		addrs  int
		master string
		db     int
		tls    bool
	}{
		{"localhost:6379", 1, "", 0, false},
		{"redis://:pass@localhost:6379/1", 1, "", 1, false},
		{"rediss://host1:6379,host2:6379?db=3", 2, "", 3, true},
		{"redis-sentinel://localhost:26379/mymaster?db=2", 1, "mymaster", 2, false},
	}
	for _, tt := range tests {
		opts, err := parseRedisURL(tt.url)
		if err != nil {
			t.Fatalf("parseRedisURL(%q): %v", tt.url, err)
		}
		if len(opts.Addrs) != tt.addrs {
			t.Fatalf("%q addrs = %d; want %d", tt.url, len(opts.Addrs), tt.addrs)
		}
		if opts.MasterName != tt.master {
			t.Fatalf("%q master = %q; want %q", tt.url, opts.MasterName, tt.master)
		}
		if opts.DB != tt.db {
			t.Fatalf("%q db = %d; want %d", tt.url, opts.DB, tt.db)
		}
		if (opts.TLSConfig != nil) != tt.tls {
			t.Fatalf("%q tls = %v; want %v", tt.url, opts.TLSConfig != nil, tt.tls)
		}
	}
	if _, err := parseRedisURL("http://x"); err == nil {
		t.Fatalf("expected error for unknown scheme")
	}
	if _, err := parseRedisURL("redis://x/abc"); err == nil {
		t.Fatalf("expected error for bad db")
	}
}

package tabsync

import (
	"context"
	"testing"
	"time"
)

func presenceStatus(t *testing.T, store *MemoryStore, uid string) string {
	t.Helper()
	v, _ := store.Client().Get(context.Background(), presencePath(uid))
	m, _ := v.(map[string]any)
	s, _ := m["status"].(string)
	return s
}

func TestPresenceStartMarksOnline(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	tab := newTestTab(t, NewMemoryBroker(), store, true)

	p := NewPresenceTracker(tab.gw)
	p.Start("u1")
	defer p.Stop()

	waitFor(t, 2*time.Second, "online marker", func() bool {
		return presenceStatus(t, store, "u1") == StatusOnline
	})
}

func TestPresenceCrashResolvesOffline(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	tab := newTestTab(t, NewMemoryBroker(), store, true)

	p := NewPresenceTracker(tab.gw)
	p.Start("u1")
	defer p.Stop()
	waitFor(t, 2*time.Second, "online marker", func() bool {
		return presenceStatus(t, store, "u1") == StatusOnline
	})

	// Ungraceful end: no ForceOffline, only the disconnect hook.
	store.FailConnection()
	waitFor(t, 2*time.Second, "offline after crash", func() bool {
		return presenceStatus(t, store, "u1") == StatusOffline
	})
}

func TestForceOfflineCancelsHook(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	tab := newTestTab(t, NewMemoryBroker(), store, true)
	ctx := context.Background()

	p := NewPresenceTracker(tab.gw)
	p.Start("u1")
	waitFor(t, 2*time.Second, "online marker", func() bool {
		return presenceStatus(t, store, "u1") == StatusOnline
	})

	p.ForceOffline(ctx)
	p.Stop()
	if got := presenceStatus(t, store, "u1"); got != StatusOffline {
		t.Fatalf("after ForceOffline: got %q, want %q", got, StatusOffline)
	}

	// The cancelled hook must not fire later. Plant a sentinel value and
	// drop the connection: a live hook would overwrite it.
	store.Client().Set(ctx, presencePath("u1"), map[string]any{"status": "sentinel"})
	store.FailConnection()
	time.Sleep(50 * time.Millisecond)
	if got := presenceStatus(t, store, "u1"); got != "sentinel" {
		t.Errorf("cancelled hook fired: got %q", got)
	}
}

func TestPresenceStartIdempotent(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	tab := newTestTab(t, NewMemoryBroker(), store, true)

	p := NewPresenceTracker(tab.gw)
	p.Start("u1")
	defer p.Stop()
	waitFor(t, 2*time.Second, "online marker", func() bool {
		return presenceStatus(t, store, "u1") == StatusOnline
	})

	store.mu.Lock()
	before := len(store.connSubs)
	store.mu.Unlock()

	p.Start("u1")
	time.Sleep(20 * time.Millisecond)

	store.mu.Lock()
	after := len(store.connSubs)
	store.mu.Unlock()
	if after != before {
		t.Errorf("connectivity subscriptions: got %d, want %d", after, before)
	}
}

func TestPresenceReconnectGoesOnlineAgain(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	tab := newTestTab(t, NewMemoryBroker(), store, true)

	p := NewPresenceTracker(tab.gw)
	p.Start("u1")
	defer p.Stop()
	waitFor(t, 2*time.Second, "online marker", func() bool {
		return presenceStatus(t, store, "u1") == StatusOnline
	})

	store.FailConnection()
	waitFor(t, 2*time.Second, "offline after drop", func() bool {
		return presenceStatus(t, store, "u1") == StatusOffline
	})

	store.SetConnected(true)
	waitFor(t, 2*time.Second, "online after reconnect", func() bool {
		return presenceStatus(t, store, "u1") == StatusOnline
	})
}

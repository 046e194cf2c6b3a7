package tabsync

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

var tabSeq int64

func testTabsConfig() TabsConfig {
	return TabsConfig{
		MasterCheckDelay:  20 * time.Millisecond,
		HeartbeatInterval: 25 * time.Millisecond,
		SyncFallbackDelay: 60 * time.Millisecond,
	}
}

type testTab struct {
	id    string
	vis   *VisibilityTracker
	coord *TabCoordinator
	gw    *SyncGateway
}

// newTestTab wires one tab: visibility, coordinator and gateway on the
// shared broker and store.
func newTestTab(t *testing.T, broker *MemoryBroker, store *MemoryStore, visible bool) *testTab {
	t.Helper()
	id := fmt.Sprintf("tab-%d", atomic.AddInt64(&tabSeq, 1))
	vis := NewVisibilityTracker(visible)
	coord := NewTabCoordinator(broker.Open(ChannelTabSync, id), vis, testTabsConfig())
	gw := NewSyncGateway(store.Client(), broker.Open(ChannelRealtime, id), coord, vis, testTabsConfig())
	coord.Start()
	gw.Start()
	t.Cleanup(func() {
		gw.Close()
		coord.Close()
	})
	return &testTab{id: id, vis: vis, coord: coord, gw: gw}
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func masterCount(tabs ...*testTab) int {
	n := 0
	for _, tb := range tabs {
		if tb.coord.IsMaster() {
			n++
		}
	}
	return n
}

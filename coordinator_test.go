package tabsync

import (
	"testing"
	"time"
)

func TestSingleVisibleTabBecomesMaster(t *testing.T) {
	t.Parallel()
	broker := NewMemoryBroker()
	store := NewMemoryStore()

	tab := newTestTab(t, broker, store, true)

	waitFor(t, 2*time.Second, "master claim", tab.coord.IsMaster)
}

func TestHiddenTabStaysIdle(t *testing.T) {
	t.Parallel()
	broker := NewMemoryBroker()
	store := NewMemoryStore()

	tab := newTestTab(t, broker, store, false)

	time.Sleep(4 * testTabsConfig().MasterCheckDelay)
	if tab.coord.IsMaster() {
		t.Error("hidden tab became master")
	}
}

func TestSecondTabDoesNotContest(t *testing.T) {
	t.Parallel()
	broker := NewMemoryBroker()
	store := NewMemoryStore()

	tab1 := newTestTab(t, broker, store, true)
	waitFor(t, 2*time.Second, "first master", tab1.coord.IsMaster)

	tab2 := newTestTab(t, broker, store, true)
	time.Sleep(4 * testTabsConfig().MasterCheckDelay)

	if !tab1.coord.IsMaster() {
		t.Error("first tab lost mastership")
	}
	if tab2.coord.IsMaster() {
		t.Error("second tab claimed while a master was alive")
	}
}

func TestMasterReleasesOnHide(t *testing.T) {
	t.Parallel()
	broker := NewMemoryBroker()
	store := NewMemoryStore()

	tab1 := newTestTab(t, broker, store, true)
	waitFor(t, 2*time.Second, "first master", tab1.coord.IsMaster)
	tab2 := newTestTab(t, broker, store, true)
	time.Sleep(2 * testTabsConfig().MasterCheckDelay)

	tab1.vis.Set(false)

	waitFor(t, 2*time.Second, "handover", tab2.coord.IsMaster)
	if tab1.coord.IsMaster() {
		t.Error("hidden tab still master")
	}
}

func TestMasterReleasesOnClose(t *testing.T) {
	t.Parallel()
	broker := NewMemoryBroker()
	store := NewMemoryStore()

	tab1 := newTestTab(t, broker, store, true)
	waitFor(t, 2*time.Second, "first master", tab1.coord.IsMaster)
	tab2 := newTestTab(t, broker, store, true)
	time.Sleep(2 * testTabsConfig().MasterCheckDelay)

	tab1.coord.Close()

	waitFor(t, 2*time.Second, "handover after close", tab2.coord.IsMaster)
}

func TestElectionConvergence(t *testing.T) {
	t.Parallel()
	broker := NewMemoryBroker()
	store := NewMemoryStore()

	tabs := []*testTab{}
	for i := 0; i < 4; i++ {
		tabs = append(tabs, newTestTab(t, broker, store, true))
	}

	waitFor(t, 3*time.Second, "exactly one master", func() bool {
		return masterCount(tabs...) == 1
	})
	// Nothing changes afterwards, so the single master must be stable.
	time.Sleep(100 * time.Millisecond)
	if got := masterCount(tabs...); got != 1 {
		t.Errorf("master count after settling: got %d, want 1", got)
	}
}

func TestNoBroadcastMeansNoMaster(t *testing.T) {
	t.Parallel()
	vis := NewVisibilityTracker(true)
	coord := NewTabCoordinator(nil, vis, testTabsConfig())
	coord.Start()
	defer coord.Close()

	time.Sleep(4 * testTabsConfig().MasterCheckDelay)
	if coord.IsMaster() {
		t.Error("tab became master without a broadcast channel")
	}
}

func TestMastershipStreamReplaysAndNotifies(t *testing.T) {
	t.Parallel()
	broker := NewMemoryBroker()
	store := NewMemoryStore()

	tab := newTestTab(t, broker, store, true)
	waitFor(t, 2*time.Second, "master claim", tab.coord.IsMaster)

	ch, cancel := tab.coord.Subscribe()
	defer cancel()
	select {
	case got := <-ch:
		if !got {
			t.Errorf("replayed mastership: got %v, want true", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no replayed mastership value")
	}

	tab.vis.Set(false)
	waitFor(t, 2*time.Second, "release notification", func() bool {
		select {
		case got := <-ch:
			return !got
		default:
			return false
		}
	})
}

package tabsync

import "testing"

func TestMemoryLocalStorageRoundTrip(t *testing.T) {
	t.Parallel()
	s := NewMemoryLocalStorage()

	if v, _ := s.Get(KeySessionID); v != "" {
		t.Errorf("empty store: got %q", v)
	}

	s.Set(KeySessionID, "abc")
	if v, _ := s.Get(KeySessionID); v != "abc" {
		t.Errorf("after set: got %q, want abc", v)
	}

	s.Set(KeySessionID, "def")
	if v, _ := s.Get(KeySessionID); v != "def" {
		t.Errorf("after overwrite: got %q, want def", v)
	}

	s.Delete(KeySessionID)
	if v, _ := s.Get(KeySessionID); v != "" {
		t.Errorf("after delete: got %q", v)
	}
}

func TestMemoryLocalStorageSharedBetweenTabs(t *testing.T) {
	t.Parallel()
	s := NewMemoryLocalStorage()

	// Two tabs of one origin see each other's writes.
	var tabA, tabB LocalStorage = s, s
	tabA.Set(KeyLogoutEvent, "TIMEOUT|n1")
	if v, _ := tabB.Get(KeyLogoutEvent); v != "TIMEOUT|n1" {
		t.Errorf("sibling read: got %q", v)
	}
}

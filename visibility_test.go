package tabsync

import (
	"testing"
	"time"
)

func TestVisibilityReplaysLastValue(t *testing.T) {
	t.Parallel()
	v := NewVisibilityTracker(true)

	ch, cancel := v.Subscribe()
	defer cancel()

	select {
	case got := <-ch:
		if !got {
			t.Errorf("initial value: got %v, want true", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no replayed value")
	}
}

func TestVisibilityChangeStream(t *testing.T) {
	t.Parallel()
	v := NewVisibilityTracker(true)

	ch, cancel := v.Subscribe()
	defer cancel()
	<-ch // replayed value

	v.Set(false)
	select {
	case got := <-ch:
		if got {
			t.Errorf("after Set(false): got %v, want false", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no change delivered")
	}

	if v.Visible() {
		t.Error("Visible: got true, want false")
	}
}

func TestVisibilitySetSameValueIsSilent(t *testing.T) {
	t.Parallel()
	v := NewVisibilityTracker(true)

	ch, cancel := v.Subscribe()
	defer cancel()
	<-ch

	v.Set(true)
	select {
	case got := <-ch:
		t.Errorf("unexpected delivery %v for unchanged value", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestVisibilityCancelClosesStream(t *testing.T) {
	t.Parallel()
	v := NewVisibilityTracker(false)

	ch, cancel := v.Subscribe()
	<-ch
	cancel()

	if _, ok := <-ch; ok {
		t.Error("stream still open after cancel")
	}
}

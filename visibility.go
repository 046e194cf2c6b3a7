package tabsync

import "sync"

// VisibilityTracker holds the tab's foreground flag. The host shell feeds
// it via Set; subscribers get the last known value on subscribe so a late
// joiner never waits for the next transition.
type VisibilityTracker struct {
	mu      sync.Mutex
	visible bool
	subs    map[int]chan bool
	next    int
}

func NewVisibilityTracker(visible bool) *VisibilityTracker {
	return &VisibilityTracker{
		visible: visible,
		subs:    map[int]chan bool{},
	}
}

func (v *VisibilityTracker) Visible() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.visible
}

func (v *VisibilityTracker) Set(visible bool) {
	v.mu.Lock()
	if v.visible == visible {
		v.mu.Unlock()
		return
	}
	v.visible = visible
	for _, ch := range v.subs {
		push(ch, visible)
	}
	v.mu.Unlock()
}

// Subscribe returns a change stream primed with the current value.
func (v *VisibilityTracker) Subscribe() (<-chan bool, func()) {
	v.mu.Lock()
	id := v.next
	v.next++
	ch := make(chan bool, 8)
	v.subs[id] = ch
	ch <- v.visible
	v.mu.Unlock()
	return ch, func() {
		v.mu.Lock()
		if _, ok := v.subs[id]; ok {
			delete(v.subs, id)
			close(ch)
		}
		v.mu.Unlock()
	}
}

// push delivers without blocking; a stalled subscriber drops its oldest
// pending value rather than stalling the tracker.
func push(ch chan bool, v bool) {
	for {
		select {
		case ch <- v:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}

package tabsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process realtime store backend shared by any number
// of clients. It backs tests and single-machine development; each tab takes
// its own client handle via Client(). The contract matches the websocket
// store, including prompt initial snapshot delivery and disconnect hooks
// fired by FailConnection.
type MemoryStore struct {
	mu        sync.Mutex
	root      map[string]any
	subs      map[int]*memSub
	hooks     []*memHook
	connected bool
	connSubs  map[int]func(bool)
	next      int
}

type memSub struct {
	path string
	fn   func(any)
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		root:      map[string]any{},
		subs:      map[int]*memSub{},
		connected: true,
		connSubs:  map[int]func(bool){},
	}
}

// Client returns one tab's view of the store.
func (s *MemoryStore) Client() *MemoryClient {
	return &MemoryClient{store: s, subIDs: map[string]int{}}
}

type memHook struct {
	store  *MemoryStore
	path   string
	fields map[string]any
	done   bool
}

func (h *memHook) Cancel(ctx context.Context) error {
	h.store.mu.Lock()
	h.done = true
	h.store.mu.Unlock()
	return nil
}

func splitPath(path string) []string {
	parts := []string{}
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// valueAt returns a deep copy so callers cannot mutate the tree.
func (s *MemoryStore) valueAt(path string) any {
	var cur any = s.root
	for _, p := range splitPath(path) {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[p]
		if !ok {
			return nil
		}
	}
	return deepCopy(cur)
}

func deepCopy(v any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

func (s *MemoryStore) setAt(path string, value any) {
	parts := splitPath(path)
	if len(parts) == 0 {
		if m, ok := deepCopy(value).(map[string]any); ok {
			s.root = m
		}
		return
	}
	cur := s.root
	for _, p := range parts[:len(parts)-1] {
		child, ok := cur[p].(map[string]any)
		if !ok {
			child = map[string]any{}
			cur[p] = child
		}
		cur = child
	}
	last := parts[len(parts)-1]
	if value == nil {
		delete(cur, last)
		return
	}
	cur[last] = resolveTimestamps(deepCopy(value))
}

func resolveTimestamps(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	if len(m) == 1 {
		if _, ok := m[serverTimestampMarker]; ok {
			return time.Now().UnixMilli()
		}
	}
	for k, child := range m {
		m[k] = resolveTimestamps(child)
	}
	return m
}

// fire notifies every subscription whose path overlaps the written path.
func (s *MemoryStore) fire(path string) {
	type hit struct {
		fn func(any)
		v  any
	}
	hits := []hit{}
	wp := splitPath(path)
	for _, sub := range s.subs {
		if pathsOverlap(splitPath(sub.path), wp) {
			hits = append(hits, hit{sub.fn, s.valueAt(sub.path)})
		}
	}
	go func() {
		for _, h := range hits {
			h.fn(h.v)
		}
	}()
}

func pathsOverlap(a, b []string) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// FailConnection simulates a dropped connection: pending disconnect hooks
// run and connectivity flips off.
func (s *MemoryStore) FailConnection() {
	s.mu.Lock()
	hooks := s.hooks
	s.hooks = nil
	for _, h := range hooks {
		if h.done {
			continue
		}
		for k, v := range h.fields {
			s.setAt(h.path+"/"+k, v)
		}
		s.fire(h.path)
		h.done = true
	}
	s.setConnectedLocked(false)
	s.mu.Unlock()
}

// SetConnected drives the connectivity signal in tests.
func (s *MemoryStore) SetConnected(connected bool) {
	s.mu.Lock()
	s.setConnectedLocked(connected)
	s.mu.Unlock()
}

func (s *MemoryStore) setConnectedLocked(connected bool) {
	if s.connected == connected {
		return
	}
	s.connected = connected
	fns := make([]func(bool), 0, len(s.connSubs))
	for _, fn := range s.connSubs {
		fns = append(fns, fn)
	}
	go func() {
		for _, fn := range fns {
			fn(connected)
		}
	}()
}

func (s *MemoryStore) liveListeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// MemoryClient is one tab's Store handle on a shared MemoryStore.
type MemoryClient struct {
	store *MemoryStore

	mu     sync.Mutex
	subIDs map[string]int
}

func (c *MemoryClient) Get(ctx context.Context, path string) (any, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	return c.store.valueAt(path), nil
}

func (c *MemoryClient) Set(ctx context.Context, path string, value any) error {
	c.store.mu.Lock()
	c.store.setAt(path, value)
	c.store.fire(path)
	c.store.mu.Unlock()
	return nil
}

func (c *MemoryClient) Update(ctx context.Context, path string, fields map[string]any) error {
	c.store.mu.Lock()
	for k, v := range fields {
		c.store.setAt(path+"/"+k, v)
	}
	c.store.fire(path)
	c.store.mu.Unlock()
	return nil
}

func (c *MemoryClient) Push(ctx context.Context, path string, value any) (string, error) {
	c.store.mu.Lock()
	c.store.next++
	key := fmt.Sprintf("k%d-%d", time.Now().UnixNano(), c.store.next)
	c.store.setAt(path+"/"+key, value)
	c.store.fire(path)
	c.store.mu.Unlock()
	return key, nil
}

func (c *MemoryClient) Delete(ctx context.Context, path string) error {
	c.store.mu.Lock()
	c.store.setAt(path, nil)
	c.store.fire(path)
	c.store.mu.Unlock()
	return nil
}

func (c *MemoryClient) Subscribe(ctx context.Context, path string, fn func(any)) error {
	s := c.store
	s.mu.Lock()
	s.next++
	id := s.next
	s.subs[id] = &memSub{path: path, fn: fn}
	v := s.valueAt(path)
	s.mu.Unlock()
	c.mu.Lock()
	c.subIDs[path] = id
	c.mu.Unlock()
	// Initial snapshot, delivered off the caller's stack.
	go fn(v)
	return nil
}

func (c *MemoryClient) Unsubscribe(ctx context.Context, path string) error {
	c.mu.Lock()
	id, ok := c.subIDs[path]
	delete(c.subIDs, path)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	c.store.mu.Lock()
	delete(c.store.subs, id)
	c.store.mu.Unlock()
	return nil
}

func (c *MemoryClient) OnDisconnectUpdate(ctx context.Context, path string, fields map[string]any) (DisconnectHook, error) {
	h := &memHook{store: c.store, path: path, fields: fields}
	c.store.mu.Lock()
	c.store.hooks = append(c.store.hooks, h)
	c.store.mu.Unlock()
	return h, nil
}

func (c *MemoryClient) Connected(fn func(bool)) func() {
	s := c.store
	s.mu.Lock()
	s.next++
	id := s.next
	s.connSubs[id] = fn
	cur := s.connected
	s.mu.Unlock()
	go fn(cur)
	return func() {
		s.mu.Lock()
		delete(s.connSubs, id)
		s.mu.Unlock()
	}
}

func (c *MemoryClient) ServerTimestamp() any {
	return map[string]any{serverTimestampMarker: true}
}

func (c *MemoryClient) Transaction(ctx context.Context, path string, fn func(any) (any, error)) error {
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := fn(s.valueAt(path))
	if err != nil {
		return err
	}
	s.setAt(path, v)
	s.fire(path)
	return nil
}

package tabsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

type SubscriptionFunc func(any)

type subscription struct {
	path     string
	fn       SubscriptionFunc
	live     bool
	fallback *time.Timer
}

// SyncGateway is the single point for reads, writes and live subscriptions
// against the remote store. Only the master+visible tab holds live
// listeners; every other tab rides on REALTIME_UPDATE relays, with a
// fallback listener if the relay stays silent past the fallback delay.
type SyncGateway struct {
	store         Store
	bus           Bus // realtime relay channel; nil disables relay
	coord         *TabCoordinator
	vis           *VisibilityTracker
	fallbackDelay time.Duration
	log           *zap.SugaredLogger

	mu     sync.Mutex
	subs   map[string]*subscription
	cache  map[string]any
	cached map[string]struct{}
	active bool
	closed bool

	cancels []func()
}

func NewSyncGateway(store Store, bus Bus, coord *TabCoordinator, vis *VisibilityTracker, cfg TabsConfig) *SyncGateway {
	return &SyncGateway{
		store:         store,
		bus:           bus,
		coord:         coord,
		vis:           vis,
		fallbackDelay: cfg.SyncFallbackDelay,
		log:           zap.S().With("method", "gateway"),
		subs:          map[string]*subscription{},
		cache:         map[string]any{},
		cached:        map[string]struct{}{},
	}
}

func (g *SyncGateway) Start() {
	if g.bus != nil {
		g.cancels = append(g.cancels, g.bus.Listen(g.onMessage))
	}
	mch, mcancel := g.coord.Subscribe()
	vch, vcancel := g.vis.Subscribe()
	g.cancels = append(g.cancels, mcancel, vcancel)
	go func() {
		for {
			select {
			case _, ok := <-mch:
				if !ok {
					return
				}
			case _, ok := <-vch:
				if !ok {
					return
				}
			}
			g.reevaluate()
		}
	}()
	// Late joiner: ask the master for everything it has.
	if g.bus != nil {
		g.bus.Post(Message{Type: MsgRequestSync})
	}
	g.reevaluate()
}

func (g *SyncGateway) Close() {
	g.mu.Lock()
	g.closed = true
	live := []string{}
	for p, s := range g.subs {
		if s.fallback != nil {
			s.fallback.Stop()
			s.fallback = nil
		}
		if s.live {
			s.live = false
			live = append(live, p)
		}
	}
	g.mu.Unlock()
	for _, c := range g.cancels {
		c()
	}
	ctx := context.Background()
	for _, p := range live {
		g.store.Unsubscribe(ctx, p)
	}
}

// reevaluate recomputes master+visible and resumes or tears down live
// listeners accordingly. Registry entries survive teardown so relayed
// updates keep reaching their callbacks.
func (g *SyncGateway) reevaluate() {
	active := g.coord.IsMaster() && g.vis.Visible()
	g.mu.Lock()
	if g.closed || active == g.active {
		g.mu.Unlock()
		return
	}
	g.active = active
	resume := []string{}
	teardown := []string{}
	for p, s := range g.subs {
		if active {
			if s.fallback != nil {
				s.fallback.Stop()
				s.fallback = nil
			}
			if !s.live {
				s.live = true
				resume = append(resume, p)
			}
		} else if s.live {
			s.live = false
			teardown = append(teardown, p)
		}
	}
	g.mu.Unlock()
	g.log.Info("active:", active)
	ctx := context.Background()
	for _, p := range resume {
		g.activate(ctx, p)
	}
	for _, p := range teardown {
		g.store.Unsubscribe(ctx, p)
	}
}

func (g *SyncGateway) activate(ctx context.Context, path string) {
	if err := g.store.Subscribe(ctx, path, func(v any) { g.onStoreUpdate(path, v) }); err != nil {
		g.log.Error("subscribe ", path, ": ", err)
	}
}

// onStoreUpdate handles one snapshot from this tab's own live listener.
func (g *SyncGateway) onStoreUpdate(path string, v any) {
	norm := normalizeSnapshot(v)
	g.mu.Lock()
	s := g.subs[path]
	if s == nil {
		g.mu.Unlock()
		return
	}
	g.cache[path] = norm
	g.cached[path] = struct{}{}
	fn := s.fn
	relay := g.active
	g.mu.Unlock()
	fn(norm)
	if relay && g.bus != nil {
		g.bus.Post(Message{Type: MsgRealtimeUpdate, Path: path, Data: norm})
	}
}

func (g *SyncGateway) onMessage(m Message) {
	switch m.Type {
	case MsgRealtimeUpdate:
		data := normalizeRelayed(m.Data)
		g.mu.Lock()
		if g.active {
			// Masters trust their own listener.
			g.mu.Unlock()
			return
		}
		g.cache[m.Path] = data
		g.cached[m.Path] = struct{}{}
		s := g.subs[m.Path]
		if s == nil {
			g.mu.Unlock()
			return
		}
		if s.fallback != nil {
			s.fallback.Stop()
			s.fallback = nil
		}
		wasLive := s.live
		s.live = false
		fn := s.fn
		g.mu.Unlock()
		if wasLive {
			// Relay resumed; drop the redundant fallback listener.
			g.store.Unsubscribe(context.Background(), m.Path)
		}
		fn(data)
	case MsgRequestPathSync:
		g.replyCached(m.Path)
	case MsgRequestSync:
		g.mu.Lock()
		paths := make([]string, 0, len(g.cached))
		if g.active {
			for p := range g.cached {
				paths = append(paths, p)
			}
		}
		g.mu.Unlock()
		for _, p := range paths {
			g.replyCached(p)
		}
	}
}

func (g *SyncGateway) replyCached(path string) {
	g.mu.Lock()
	_, ok := g.cached[path]
	v := g.cache[path]
	active := g.active
	g.mu.Unlock()
	if active && ok && g.bus != nil {
		g.bus.Post(Message{Type: MsgRealtimeUpdate, Path: path, Data: v})
	}
}

// Subscribe registers a callback for a path. The master tab opens a live
// listener; others request a relay sync and arm the fallback timer.
// Re-subscribing a path swaps the callback onto the existing listener.
func (g *SyncGateway) Subscribe(path string, fn SubscriptionFunc) {
	g.mu.Lock()
	s := &subscription{path: path, fn: fn}
	if old := g.subs[path]; old != nil {
		if old.fallback != nil {
			old.fallback.Stop()
		}
		s.live = old.live
	}
	g.subs[path] = s
	active := g.active
	cachedVal, hasCache := g.cache[path], false
	if _, ok := g.cached[path]; ok {
		hasCache = true
	}
	if s.live {
		// The prior listener stays up; updates route to the new callback.
		g.mu.Unlock()
		if hasCache {
			fn(cachedVal)
		}
		return
	}
	if active || g.bus == nil {
		// Master, or degraded single-tab mode: own listener right away.
		s.live = true
		g.mu.Unlock()
		g.activate(context.Background(), path)
		return
	}
	if !hasCache {
		s.fallback = time.AfterFunc(g.fallbackDelay, func() { g.fallbackActivate(path) })
	}
	g.mu.Unlock()
	if hasCache {
		fn(cachedVal)
	}
	g.bus.Post(Message{Type: MsgRequestPathSync, Path: path})
}

// fallbackActivate fires when no relayed value arrived in time. A redundant
// listener beats no data.
func (g *SyncGateway) fallbackActivate(path string) {
	g.mu.Lock()
	s := g.subs[path]
	if s == nil || s.live || g.closed {
		g.mu.Unlock()
		return
	}
	if _, ok := g.cached[path]; ok {
		g.mu.Unlock()
		return
	}
	s.fallback = nil
	s.live = true
	g.mu.Unlock()
	g.log.Info("relay silent, fallback listener for ", path)
	g.activate(context.Background(), path)
}

func (g *SyncGateway) Unsubscribe(path string) {
	g.mu.Lock()
	s := g.subs[path]
	if s == nil {
		g.mu.Unlock()
		return
	}
	if s.fallback != nil {
		s.fallback.Stop()
	}
	live := s.live
	delete(g.subs, path)
	g.mu.Unlock()
	if live {
		g.store.Unsubscribe(context.Background(), path)
	}
}

// Write passes through to the store; writes are never cached locally.
func (g *SyncGateway) Write(ctx context.Context, path string, data any, mode WriteMode) error {
	switch mode {
	case WriteSet:
		return g.store.Set(ctx, path, data)
	case WriteUpdate:
		fields, ok := data.(map[string]any)
		if !ok {
			return fmt.Errorf("gateway: update needs a field map, got %T", data)
		}
		return g.store.Update(ctx, path, fields)
	case WritePush:
		_, err := g.store.Push(ctx, path, data)
		return err
	}
	return fmt.Errorf("gateway: unknown write mode %d", mode)
}

func (g *SyncGateway) Delete(ctx context.Context, path string) error {
	return g.store.Delete(ctx, path)
}

// GetList reads a path once and returns it as a keyed list.
func (g *SyncGateway) GetList(ctx context.Context, path string) ([]Record, error) {
	v, err := g.store.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	norm := normalizeSnapshot(v)
	list, ok := norm.([]Record)
	if !ok {
		return nil, fmt.Errorf("gateway: %s is not a list", path)
	}
	return list, nil
}

// GetByID reads a path once, normalized.
func (g *SyncGateway) GetByID(ctx context.Context, path string) (any, error) {
	v, err := g.store.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	return normalizeSnapshot(v), nil
}

// GetByField reads a list and keeps records whose field matches value.
func (g *SyncGateway) GetByField(ctx context.Context, path, field string, value any) ([]Record, error) {
	list, err := g.GetList(ctx, path)
	if err != nil {
		return nil, err
	}
	out := []Record{}
	for _, rec := range list {
		if rec[field] == value {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (g *SyncGateway) OnDisconnectUpdate(ctx context.Context, path string, fields map[string]any) (DisconnectHook, error) {
	return g.store.OnDisconnectUpdate(ctx, path, fields)
}

func (g *SyncGateway) Connected(fn func(bool)) func() {
	return g.store.Connected(fn)
}

func (g *SyncGateway) ServerTimestamp() any {
	return g.store.ServerTimestamp()
}

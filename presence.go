package tabsync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

func presencePath(uid string) string {
	return "presence/" + uid
}

// PresenceTracker marks the logged-in user online while the store
// connection is up and guarantees an offline marker even on a crash: the
// on-disconnect hook is registered before the online write, so a crash
// between the two still resolves to offline.
type PresenceTracker struct {
	gw  *SyncGateway
	log *zap.SugaredLogger

	mu         sync.Mutex
	uid        string
	hook       DisconnectHook
	cancelConn func()
}

func NewPresenceTracker(gw *SyncGateway) *PresenceTracker {
	return &PresenceTracker{
		gw:  gw,
		log: zap.S().With("method", "presence"),
	}
}

// Start begins tracking uid. Idempotent for the same uid; a different uid
// restarts tracking.
func (p *PresenceTracker) Start(uid string) {
	p.mu.Lock()
	if p.uid == uid && p.cancelConn != nil {
		p.mu.Unlock()
		return
	}
	if p.cancelConn != nil {
		p.cancelConn()
		p.cancelConn = nil
	}
	p.uid = uid
	p.mu.Unlock()

	cancel := p.gw.Connected(func(connected bool) {
		if connected {
			p.onConnected(uid)
		}
	})

	p.mu.Lock()
	p.cancelConn = cancel
	p.mu.Unlock()
}

func (p *PresenceTracker) onConnected(uid string) {
	ctx := context.Background()
	// Hook first, online second. Never the other way around.
	hook, err := p.gw.OnDisconnectUpdate(ctx, presencePath(uid), offlinePayload())
	if err != nil {
		p.log.Error("register disconnect hook:", err)
		return
	}
	p.mu.Lock()
	if p.uid != uid {
		p.mu.Unlock()
		hook.Cancel(ctx)
		return
	}
	p.hook = hook
	p.mu.Unlock()
	if err := p.gw.Write(ctx, presencePath(uid), onlinePayload(), WriteSet); err != nil {
		// Momentary blips must not escalate; the hook covers us.
		p.log.Error("online write:", err)
	}
}

// ForceOffline writes the offline marker now and cancels the pending
// disconnect hook so it cannot double-write later. Used on graceful logout.
func (p *PresenceTracker) ForceOffline(ctx context.Context) {
	p.mu.Lock()
	uid := p.uid
	hook := p.hook
	p.hook = nil
	p.mu.Unlock()
	if uid == "" {
		return
	}
	if err := p.gw.Write(ctx, presencePath(uid), offlinePayload(), WriteSet); err != nil {
		p.log.Error("offline write:", err)
	}
	if hook != nil {
		if err := hook.Cancel(ctx); err != nil {
			p.log.Error("cancel hook:", err)
		}
	}
}

// Stop detaches from the connectivity signal. It writes nothing: graceful
// offline is ForceOffline's job, ungraceful offline is the hook's.
func (p *PresenceTracker) Stop() {
	p.mu.Lock()
	cancel := p.cancelConn
	p.cancelConn = nil
	p.uid = ""
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func onlinePayload() map[string]any {
	return map[string]any{
		"status":      StatusOnline,
		"lastSession": time.Now().Format("2006-01-02 15:04:05"),
	}
}

func offlinePayload() map[string]any {
	return map[string]any{
		"status":      StatusOffline,
		"lastSession": time.Now().Format("2006-01-02 15:04:05"),
	}
}

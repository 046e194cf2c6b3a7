package tabsync

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const onlineRosterPath = "online"

// OnlineLimitGuard caps distinct concurrent sessions system-wide. The
// check-then-add sequence is not atomic; the roster is a soft cap, not a
// distributed lock.
type OnlineLimitGuard struct {
	gw  *SyncGateway
	max int
	log *zap.SugaredLogger
}

func NewOnlineLimitGuard(gw *SyncGateway, max int) *OnlineLimitGuard {
	return &OnlineLimitGuard{
		gw:  gw,
		max: max,
		log: zap.S().With("method", "onlinelimit"),
	}
}

// CanEnter reports whether sessionID may take a slot: re-entry is always
// allowed, otherwise the roster must be below the cap.
func (o *OnlineLimitGuard) CanEnter(ctx context.Context, sessionID string) (bool, error) {
	roster, err := o.gw.GetList(ctx, onlineRosterPath)
	if err != nil {
		return false, err
	}
	for _, rec := range roster {
		if rec["sessionId"] == sessionID {
			return true, nil
		}
	}
	o.log.Info("roster ", len(roster), "/", o.max)
	return len(roster) < o.max, nil
}

// Add upserts this user's roster entry with a fresh heartbeat.
func (o *OnlineLimitGuard) Add(ctx context.Context, uid, sessionID string) error {
	return o.gw.Write(ctx, onlineRosterPath+"/"+uid, map[string]any{
		"sessionId":     sessionID,
		"lastHeartbeat": time.Now().UnixMilli(),
	}, WriteSet)
}

// Remove frees this user's slot on logout.
func (o *OnlineLimitGuard) Remove(ctx context.Context, uid string) error {
	return o.gw.Delete(ctx, onlineRosterPath+"/"+uid)
}

package tabsync

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func userPath(uid string) string {
	return "users/" + uid
}

func groupPath(id string) string {
	return "groups/" + id
}

type loadResult struct {
	user *User
	err  error
}

// SessionManager answers one question for this tab: is there a valid,
// exclusive, non-expired session for this user here. It owns the login
// lifecycle: ownership arbitration against other logins of the same
// account, idle/max-duration expiry, permission resolution and logout.
type SessionManager struct {
	gw       *SyncGateway
	guard    *OnlineLimitGuard
	presence *PresenceTracker
	auth     AuthProvider
	local    LocalStorage
	cfg      SessionConfig
	device   string
	log      *zap.SugaredLogger

	events chan SessionEvent

	mu           sync.Mutex
	uid          string
	sessionID    string
	resolving    bool
	loggedOut    bool
	result       chan loadResult
	resultSent   bool
	groupPerms   map[string][]string
	lastActWrite time.Time
	flagSeen     string
	watcherStop  chan struct{}
}

func NewSessionManager(gw *SyncGateway, guard *OnlineLimitGuard, presence *PresenceTracker, auth AuthProvider, local LocalStorage, cfg SessionConfig, device string) *SessionManager {
	return &SessionManager{
		gw:         gw,
		guard:      guard,
		presence:   presence,
		auth:       auth,
		local:      local,
		cfg:        cfg,
		device:     device,
		log:        zap.S().With("method", "session"),
		events:     make(chan SessionEvent, 16),
		groupPerms: map[string][]string{},
	}
}

// Events is the discriminated stream for the presentation layer.
func (m *SessionManager) Events() <-chan SessionEvent {
	return m.events
}

// Login authenticates against the provider and runs the session protocol
// for the resulting identity.
func (m *SessionManager) Login(ctx context.Context, email, password string) (*User, error) {
	uid, err := m.auth.SignIn(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return m.LoadAndSetUser(ctx, uid)
}

// LoadAndSetUser runs the session protocol for uid and returns the resolved
// user on the first successful validation. Later record emissions update or
// terminate the session via the event stream; they never re-resolve.
func (m *SessionManager) LoadAndSetUser(ctx context.Context, uid string) (*User, error) {
	m.mu.Lock()
	if m.uid != "" {
		m.mu.Unlock()
		return nil, fmt.Errorf("session: already loading %s", m.uid)
	}
	m.uid = uid
	m.result = make(chan loadResult, 1)
	m.mu.Unlock()

	sid, err := m.local.Get(KeySessionID)
	if err != nil {
		return nil, err
	}
	if sid == "" {
		sid = uuid.NewString()
		if err := m.local.Set(KeySessionID, sid); err != nil {
			return nil, err
		}
	}
	// The expiry watcher is blind without these markers, so a failed write
	// fails the login rather than producing a session that never expires.
	now := fmt.Sprint(time.Now().UnixMilli())
	if err := m.local.Set(KeyLastLogin, now); err != nil {
		return nil, err
	}
	if err := m.local.Set(KeyLastActivity, now); err != nil {
		return nil, err
	}
	flag, _ := m.local.Get(KeyLogoutEvent)

	m.mu.Lock()
	m.sessionID = sid
	m.flagSeen = flag
	m.watcherStop = make(chan struct{})
	m.mu.Unlock()
	go m.watch(m.watcherStop)

	m.gw.Subscribe(userPath(uid), m.onUserRecord)

	select {
	case r := <-m.result:
		return r.user, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// onUserRecord handles every emission of the user record. The first-emission
// flag is claimed synchronously before any asynchronous sub-step, so a fast
// second emission arriving mid-resolution is classified correctly.
func (m *SessionManager) onUserRecord(v any) {
	m.mu.Lock()
	if m.loggedOut {
		m.mu.Unlock()
		return
	}
	first := !m.resolving
	m.resolving = true
	m.mu.Unlock()

	if first {
		m.resolveOwnership(v)
	} else {
		m.revalidate(v)
	}
}

func (m *SessionManager) resolveOwnership(v any) {
	ctx := context.Background()
	if v == nil {
		m.fail(ctx, ReasonUserNotFound, "")
		return
	}
	user := &User{}
	if err := decodeRecord(v, user); err != nil {
		m.fail(ctx, "", err.Error())
		return
	}
	user.UID = m.uid
	if user.Session != nil && user.Session.Blocked {
		m.fail(ctx, ReasonBlocked, "")
		return
	}

	if user.Session == nil || user.Session.ID != m.sessionID {
		ok, err := m.guard.CanEnter(ctx, m.sessionID)
		if err != nil {
			m.fail(ctx, "", err.Error())
			return
		}
		if !ok {
			m.fail(ctx, ReasonMaxOnline, "")
			return
		}
		// Take the session over; whoever held it sees the mismatch on
		// their next emission.
		session := UserSession{
			ID:        m.sessionID,
			LastLogin: time.Now().Format("2006-01-02 15:04:05"),
			Device:    m.device,
		}
		if err := m.gw.Write(ctx, userPath(m.uid)+"/session", map[string]any{
			"id":        session.ID,
			"lastLogin": session.LastLogin,
			"device":    session.Device,
		}, WriteSet); err != nil {
			m.fail(ctx, "", err.Error())
			return
		}
		user.Session = &session
	}

	if err := m.guard.Add(ctx, m.uid, m.sessionID); err != nil {
		m.log.Error("roster add:", err)
	}
	m.presence.Start(m.uid)

	resolved := m.resolvePermissions(ctx, user)
	m.publish(SessionEvent{Type: EventSuccess, User: resolved})
	m.deliver(loadResult{user: resolved})
	m.log.Info("session established for ", m.uid)
}

// revalidate handles emissions after ownership was resolved.
func (m *SessionManager) revalidate(v any) {
	ctx := context.Background()
	if v == nil {
		m.Logout(ctx, ReasonUserNotFound)
		return
	}
	user := &User{}
	if err := decodeRecord(v, user); err != nil {
		m.log.Error("decode user record:", err)
		return
	}
	user.UID = m.uid
	if user.Session == nil || user.Session.ID != m.sessionID {
		m.Logout(ctx, ReasonOtherSession)
		return
	}
	if user.Session.Revoked {
		m.Logout(ctx, ReasonRevoked)
		return
	}
	m.publish(SessionEvent{Type: EventSuccess, User: m.resolvePermissions(ctx, user)})
}

// resolvePermissions merges the user's own permissions with those inherited
// from group memberships. Group reads are cached for the manager lifetime.
func (m *SessionManager) resolvePermissions(ctx context.Context, user *User) *User {
	merged := map[string]struct{}{}
	for _, p := range user.Permissions {
		merged[p] = struct{}{}
	}
	for _, gid := range user.Groups {
		for _, p := range m.groupPermissions(ctx, gid) {
			merged[p] = struct{}{}
		}
	}
	perms := make([]string, 0, len(merged))
	for p := range merged {
		perms = append(perms, p)
	}
	sort.Strings(perms)
	out := *user
	out.Permissions = perms
	return &out
}

func (m *SessionManager) groupPermissions(ctx context.Context, gid string) []string {
	m.mu.Lock()
	if perms, ok := m.groupPerms[gid]; ok {
		m.mu.Unlock()
		return perms
	}
	m.mu.Unlock()
	v, err := m.gw.GetByID(ctx, groupPath(gid))
	if err != nil {
		m.log.Error("group read ", gid, ": ", err)
		return nil
	}
	g := Group{}
	if v != nil {
		if err := decodeRecord(v, &g); err != nil {
			m.log.Error("decode group ", gid, ": ", err)
			return nil
		}
	}
	m.mu.Lock()
	m.groupPerms[gid] = g.Permissions
	m.mu.Unlock()
	return g.Permissions
}

// RecordActivity refreshes the idle marker, throttled so input storms do
// not turn into write storms.
func (m *SessionManager) RecordActivity() {
	m.mu.Lock()
	if time.Since(m.lastActWrite) < m.cfg.ActivityThrottle {
		m.mu.Unlock()
		return
	}
	m.lastActWrite = time.Now()
	m.mu.Unlock()
	m.local.Set(KeyLastActivity, fmt.Sprint(time.Now().UnixMilli()))
}

// IsSessionExpired reports why the local session is expired, or nil. Max
// session age wins over idleness.
func (m *SessionManager) IsSessionExpired() *LogoutReason {
	lastLogin := m.localTime(KeyLastLogin)
	if lastLogin.IsZero() {
		return nil
	}
	if time.Since(lastLogin) > m.cfg.MaxSessionTime {
		r := ReasonMaxSession
		return &r
	}
	lastActivity := m.localTime(KeyLastActivity)
	if !lastActivity.IsZero() && time.Since(lastActivity) > m.cfg.IdleTimeout {
		r := ReasonTimeout
		return &r
	}
	return nil
}

func (m *SessionManager) localTime(key string) time.Time {
	s, err := m.local.Get(key)
	if err != nil || s == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// watch enforces expiry and picks up logouts performed by sibling tabs via
// the local logout flag.
func (m *SessionManager) watch(stop chan struct{}) {
	t := time.NewTicker(m.cfg.CheckInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if reason := m.IsSessionExpired(); reason != nil {
				m.Logout(context.Background(), *reason)
				return
			}
			flag, _ := m.local.Get(KeyLogoutEvent)
			m.mu.Lock()
			seen := m.flagSeen
			m.mu.Unlock()
			if flag != "" && flag != seen {
				reason, _, _ := strings.Cut(flag, "|")
				m.logout(context.Background(), LogoutReason(reason), false)
				return
			}
		}
	}
}

// Logout tears the session down and fans the event out to sibling tabs.
func (m *SessionManager) Logout(ctx context.Context, reason LogoutReason) {
	m.logout(ctx, reason, true)
}

func (m *SessionManager) logout(ctx context.Context, reason LogoutReason, raiseFlag bool) {
	m.mu.Lock()
	if m.loggedOut {
		m.mu.Unlock()
		return
	}
	m.loggedOut = true
	uid := m.uid
	stop := m.watcherStop
	m.watcherStop = nil
	m.mu.Unlock()

	// Remote teardown is best effort; local cleanup always runs.
	defer func() {
		if stop != nil {
			close(stop)
		}
		m.local.Delete(KeyLastLogin)
		m.local.Delete(KeyLastActivity)
		m.local.Delete(KeySessionID)
		if raiseFlag {
			m.local.Set(KeyLogoutEvent, string(reason)+"|"+uuid.NewString())
		}
		if uid != "" {
			m.gw.Unsubscribe(userPath(uid))
		}
		m.publish(SessionEvent{Type: EventLogout, Reason: reason})
		m.log.Info("logged out: ", reason)
	}()

	if uid != "" {
		if err := m.guard.Remove(ctx, uid); err != nil {
			m.log.Error("roster remove:", err)
		}
	}
	if err := m.auth.SignOut(ctx); err != nil {
		m.log.Error("auth signout:", err)
	}
	m.presence.ForceOffline(ctx)
	m.presence.Stop()
}

// fail terminates a session attempt before it was established.
func (m *SessionManager) fail(ctx context.Context, reason LogoutReason, errstr string) {
	if errstr != "" {
		m.publish(SessionEvent{Type: EventError, Err: errstr})
	}
	if reason != "" {
		m.Logout(ctx, reason)
	} else {
		m.logout(ctx, "", true)
	}
	err := fmt.Errorf("session: %s", string(reason))
	if errstr != "" {
		err = fmt.Errorf("session: %s", errstr)
	}
	m.deliver(loadResult{err: err})
}

func (m *SessionManager) deliver(r loadResult) {
	m.mu.Lock()
	if m.resultSent || m.result == nil {
		m.mu.Unlock()
		return
	}
	m.resultSent = true
	ch := m.result
	m.mu.Unlock()
	ch <- r
}

func (m *SessionManager) publish(e SessionEvent) {
	select {
	case m.events <- e:
	default:
		m.log.Error("event stream full, dropping ", e.Type)
	}
}

package tabsync

import "encoding/json"

// UserSession is the authoritative session record persisted under the user.
// At most one session id is authoritative per user; a mismatch with the
// locally held id means this client has been superseded.
type UserSession struct {
	ID        string `json:"id"`
	LastLogin string `json:"lastLogin"`
	Device    string `json:"device"`
	Blocked   bool   `json:"blocked,omitempty"`
	Revoked   bool   `json:"revoked,omitempty"`
}

type User struct {
	UID         string       `json:"uid"`
	Name        string       `json:"name"`
	Email       string       `json:"email"`
	Groups      []string     `json:"groups"`
	Permissions []string     `json:"permissions"`
	Session     *UserSession `json:"session,omitempty"`
}

type Group struct {
	ID          string   `json:"uid"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

// decodeRecord shapes an arbitrary store value into a typed record at the
// normalization boundary; downstream code never touches raw maps.
func decodeRecord(v any, out any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

type LogoutReason string

const (
	ReasonUserNotFound LogoutReason = "USER_NOT_FOUND"
	ReasonBlocked      LogoutReason = "BLOCKED"
	ReasonMaxOnline    LogoutReason = "MAX_ONLINE_REACHED"
	ReasonOtherSession LogoutReason = "OTHER_SESSION"
	ReasonRevoked      LogoutReason = "REVOKED"
	ReasonTimeout      LogoutReason = "TIMEOUT"
	ReasonMaxSession   LogoutReason = "MAX_SESSION_TIME"
)

type EventType string

const (
	EventSuccess EventType = "success"
	EventError   EventType = "error"
	EventLogout  EventType = "logout"
)

// SessionEvent is the discriminated stream the presentation layer consumes:
// resolved user updates, establishment errors, and logouts with a reason.
type SessionEvent struct {
	Type   EventType
	User   *User
	Reason LogoutReason
	Err    string
}

package tabsync

import "context"

// AuthProvider is the external credential authority. Only the session
// lifecycle built on top of it is this core's business.
type AuthProvider interface {
	SignIn(ctx context.Context, email, password string) (uid string, err error)
	SignOut(ctx context.Context) error
	SendPasswordReset(ctx context.Context, email string) error

	// OnAuthStateChanged streams the current identity; uid is empty when
	// signed out. The last known state is replayed to new subscribers.
	OnAuthStateChanged(fn func(uid string)) (cancel func())
}

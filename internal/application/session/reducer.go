package session

import (
	"github.com/alem-hub/study-companion/internal/domain/learning"
)

// ══════════════════════════════════════════════════════════════════════════════
// EVENTS
// ══════════════════════════════════════════════════════════════════════════════

// Event is an input to Reduce.
type Event interface {
	reason() string
}

type (
	LoginStarted   struct{}
	LoginSucceeded struct{ Tokens learning.TokenPair }
	LoginFailed    struct{}
	IdentityLoaded struct{ User learning.User }
	// ProfileLoaded with a nil Profile records that none exists yet.
	ProfileLoaded  struct{ Profile *learning.StudentProfile }
	// TokenRefreshed applies only while Previous, when set, is still the
	// current refresh token.
	TokenRefreshed struct{ Access, Refresh, Previous string }
	LoggedOut      struct{}
	SessionExpired struct{}
	Restored       struct{ Snapshot Snapshot }
)

func (LoginStarted) reason() string   { return "login_started" }
func (LoginSucceeded) reason() string { return "login" }
func (LoginFailed) reason() string    { return "login_failed" }
func (IdentityLoaded) reason() string { return "identity_loaded" }
func (ProfileLoaded) reason() string  { return "profile_loaded" }
func (TokenRefreshed) reason() string { return "token_refreshed" }
func (LoggedOut) reason() string      { return "logout" }
func (SessionExpired) reason() string { return "session_expired" }
func (Restored) reason() string       { return "rehydrate" }

// ══════════════════════════════════════════════════════════════════════════════
// REDUCER
// Чистая функция: никакого I/O, только переходы состояния.
// ══════════════════════════════════════════════════════════════════════════════

// Reduce applies ev to s. It never performs I/O.
//
//	Anonymous -> Authenticating -> Authenticated{noProfile} -> Authenticated{hasProfile} -> Anonymous
func Reduce(s State, ev Event) State {
	switch ev := ev.(type) {
	case LoginStarted:
		next := Initial()
		next.Phase = PhaseAuthenticating
		next.Loading = true
		return next

	case LoginSucceeded:
		if ev.Tokens.Access == "" {
			return Initial()
		}
		return State{
			AccessToken:     ev.Tokens.Access,
			RefreshToken:    ev.Tokens.Refresh,
			IsAuthenticated: true,
			Loading:         true,
			Phase:           PhaseAuthenticated,
		}

	case LoginFailed:
		return Initial()

	case IdentityLoaded:
		if !s.IsAuthenticated {
			return s
		}
		u := ev.User
		s.Identity = &u
		return s

	case ProfileLoaded:
		if !s.IsAuthenticated {
			return s
		}
		if ev.Profile != nil {
			p := *ev.Profile
			s.Profile = &p
		} else {
			s.Profile = nil
		}
		s.Loading = false
		return s

	case TokenRefreshed:
		if !s.IsAuthenticated || ev.Access == "" {
			return s
		}
		if ev.Previous != "" && ev.Previous != s.RefreshToken {
			return s
		}
		s.AccessToken = ev.Access
		if ev.Refresh != "" {
			s.RefreshToken = ev.Refresh
		}
		return s

	case LoggedOut:
		return Initial()

	case SessionExpired:
		next := Initial()
		next.ExpiredNotice = ExpiredMessage
		return next

	case Restored:
		return ev.Snapshot.State()
	}
	return s
}

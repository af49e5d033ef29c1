// Package session owns the signed-in identity: a pure reducer over session
// events plus a Store that persists, publishes and talks to the backend.
package session

import (
	"github.com/alem-hub/study-companion/internal/domain/learning"
)

// Phase is the coarse authentication state.
type Phase int

const (
	PhaseAnonymous Phase = iota
	PhaseAuthenticating
	PhaseAuthenticated
)

func (p Phase) String() string {
	switch p {
	case PhaseAuthenticating:
		return "authenticating"
	case PhaseAuthenticated:
		return "authenticated"
	default:
		return "anonymous"
	}
}

// ExpiredMessage is shown on the sign-in screen after a forced logout.
const ExpiredMessage = "Your session has expired. Please sign in again."

// State is the client-side session. IsAuthenticated implies AccessToken is set.
type State struct {
	Identity        *learning.User           `json:"user"`
	Profile         *learning.StudentProfile `json:"profile"`
	AccessToken     string                   `json:"-"`
	RefreshToken    string                   `json:"-"`
	IsAuthenticated bool                     `json:"isAuthenticated"`
	Loading         bool                     `json:"loading"`
	Phase           Phase                    `json:"phase"`

	// ExpiredNotice is set when the session ended because it expired rather
	// than because the user signed out.
	ExpiredNotice string `json:"expiredNotice,omitempty"`
}

// Initial returns the empty, signed-out state.
func Initial() State {
	return State{}
}

// HasProfile reports whether profile setup is complete.
func (s State) HasProfile() bool {
	return s.Profile != nil
}

// UserID returns the identity's id, 0 when unknown.
func (s State) UserID() int64 {
	if s.Identity == nil {
		return 0
	}
	return s.Identity.ID
}

// clone copies the pointed-to identity and profile so callers cannot reach
// into the store.
func (s State) clone() State {
	if s.Identity != nil {
		u := *s.Identity
		s.Identity = &u
	}
	if s.Profile != nil {
		p := *s.Profile
		s.Profile = &p
	}
	return s
}

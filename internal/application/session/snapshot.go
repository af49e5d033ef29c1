package session

import (
	"encoding/json"
	"fmt"

	"github.com/alem-hub/study-companion/internal/domain/learning"
)

// StorageKey is the namespaced key the snapshot lives under.
const StorageKey = "study-companion/auth"

const snapshotVersion = 1

// Snapshot is the persisted subset of State.
type Snapshot struct {
	Version         int                      `json:"version"`
	User            *learning.User           `json:"user"`
	Profile         *learning.StudentProfile `json:"profile"`
	IsAuthenticated bool                     `json:"isAuthenticated"`
	AccessToken     string                   `json:"accessToken,omitempty"`
	RefreshToken    string                   `json:"refreshToken,omitempty"`
}

// Snapshot returns the persisted form of s.
func (s State) Snapshot() Snapshot {
	c := s.clone()
	return Snapshot{
		Version:         snapshotVersion,
		User:            c.Identity,
		Profile:         c.Profile,
		IsAuthenticated: c.IsAuthenticated,
		AccessToken:     c.AccessToken,
		RefreshToken:    c.RefreshToken,
	}
}

// State rebuilds a session from a snapshot. A snapshot that claims to be
// authenticated without an access token restores as signed out.
func (s Snapshot) State() State {
	if !s.IsAuthenticated || s.AccessToken == "" {
		return Initial()
	}
	st := State{
		Identity:        s.User,
		Profile:         s.Profile,
		AccessToken:     s.AccessToken,
		RefreshToken:    s.RefreshToken,
		IsAuthenticated: true,
		Phase:           PhaseAuthenticated,
	}
	return st.clone()
}

// Encode marshals the snapshot.
func (s Snapshot) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSnapshot parses a stored snapshot.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("decode session snapshot: %w", err)
	}
	if s.Version > snapshotVersion {
		return Snapshot{}, fmt.Errorf("decode session snapshot: unsupported version %d", s.Version)
	}
	return s, nil
}

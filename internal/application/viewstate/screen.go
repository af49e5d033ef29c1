// Package viewstate decides which screen the presentation layer shows.
package viewstate

// Screen is the top-level view.
type Screen int

const (
	ScreenAuth Screen = iota
	ScreenProfileSetup
	ScreenDashboard
	ScreenSubjectDetail
	ScreenLessonDetail
)

func (s Screen) String() string {
	switch s {
	case ScreenAuth:
		return "auth"
	case ScreenProfileSetup:
		return "profile_setup"
	case ScreenDashboard:
		return "dashboard"
	case ScreenSubjectDetail:
		return "subject_detail"
	case ScreenLessonDetail:
		return "lesson_detail"
	default:
		return "unknown"
	}
}

// SessionView is the part of the session the screen depends on.
type SessionView struct {
	IsAuthenticated bool
	HasProfile      bool
}

// Selection is the navigation state. Zero ids mean nothing is selected.
type Selection struct {
	SubjectID int64 `json:"subject_id,omitempty"`
	LessonID  int64 `json:"lesson_id,omitempty"`
}

// DeriveScreen maps session and selection to a screen. It is pure and must
// be re-evaluated whenever either input changes.
func DeriveScreen(s SessionView, sel Selection) Screen {
	switch {
	case !s.IsAuthenticated:
		return ScreenAuth
	case !s.HasProfile:
		return ScreenProfileSetup
	case sel.LessonID != 0:
		return ScreenLessonDetail
	case sel.SubjectID != 0:
		return ScreenSubjectDetail
	default:
		return ScreenDashboard
	}
}

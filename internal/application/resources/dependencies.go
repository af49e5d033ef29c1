package resources

import (
	"github.com/alem-hub/study-companion/internal/application/query"
)

// MutationKind names a write against the backend.
type MutationKind string

const (
	CreateProfile MutationKind = "create_profile"
	UpdateProfile MutationKind = "update_profile"
	SubmitQuiz    MutationKind = "submit_quiz"
	CreateLesson  MutationKind = "create_lesson"
	Assist        MutationKind = "assist"
)

// Dependency lists the resources a successful mutation touches. Sets are
// overwritten with the mutation result; Invalidates are marked stale and
// refetched when observed.
type Dependency struct {
	Sets        []string
	Invalidates []string
	// Scoped resources are matched with the mutation's parameters
	// (CreateLesson invalidates lessons/<subject> and subject/<subject>).
	Scoped bool
}

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCY TABLE
// Единственный источник правды для инвалидации.
// ══════════════════════════════════════════════════════════════════════════════

var dependencies = map[MutationKind]Dependency{
	CreateProfile: {
		Sets:        []string{ResStudentProfile},
		Invalidates: []string{ResStudentDashboard, ResEnrollments},
	},
	UpdateProfile: {
		Sets:        []string{ResStudentProfile},
		Invalidates: []string{ResStudentDashboard},
	},
	SubmitQuiz: {
		Invalidates: []string{ResStudentDashboard, ResEnrollments, ResQuizAttempts},
	},
	CreateLesson: {
		Invalidates: []string{ResLessons, ResSubject},
		Scoped:      true,
	},
	Assist: {},
}

// Kinds returns every declared mutation.
func Kinds() []MutationKind {
	return []MutationKind{CreateProfile, UpdateProfile, SubmitQuiz, CreateLesson, Assist}
}

// Dependencies returns the declared effects of kind.
func Dependencies(kind MutationKind) (Dependency, bool) {
	d, ok := dependencies[kind]
	return d, ok
}

// patterns turns the invalidation list of kind into cache patterns.
func patterns(kind MutationKind, params ...any) []query.Pattern {
	d := dependencies[kind]
	out := make([]query.Pattern, 0, len(d.Invalidates))
	for _, res := range d.Invalidates {
		if d.Scoped {
			out = append(out, query.Match(res, params...))
		} else {
			out = append(out, query.Match(res))
		}
	}
	return out
}

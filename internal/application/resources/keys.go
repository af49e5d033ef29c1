// Package resources names every cached backend resource, exposes typed
// queries over the query cache and declares the cache effects of each write.
package resources

import (
	"github.com/alem-hub/study-companion/internal/application/query"
	"github.com/alem-hub/study-companion/internal/domain/learning"
)

// Resource names. A key's resource decides which patterns reach it.
const (
	ResSubjects         = "subjects"
	ResSubject          = "subject"
	ResLessons          = "lessons"
	ResLesson           = "lesson"
	ResQuizzes          = "quizzes"
	ResPracticeTasks    = "practice-tasks"
	ResStudentDashboard = "student-dashboard"
	ResAdminDashboard   = "admin-dashboard"
	ResStudentProfile   = "student-profile"
	ResEnrollments      = "enrollments"
	ResQuizAttempts     = "quiz-attempts"
	ResLanguages        = "languages"
)

func SubjectsKey(filter learning.SubjectFilter) query.Key {
	params := filter.Params()
	args := make([]any, len(params))
	for i, p := range params {
		args[i] = p
	}
	return query.NewKey(ResSubjects, args...)
}

func SubjectKey(subjectID int64) query.Key { return query.NewKey(ResSubject, subjectID) }

func LessonsKey(subjectID int64) query.Key { return query.NewKey(ResLessons, subjectID) }

func LessonKey(subjectID, lessonID int64) query.Key {
	return query.NewKey(ResLesson, subjectID, lessonID)
}

func QuizzesKey(subjectID, lessonID int64) query.Key {
	return query.NewKey(ResQuizzes, subjectID, lessonID)
}

func PracticeTasksKey(subjectID, lessonID int64) query.Key {
	return query.NewKey(ResPracticeTasks, subjectID, lessonID)
}

func StudentDashboardKey() query.Key { return query.NewKey(ResStudentDashboard) }
func AdminDashboardKey() query.Key   { return query.NewKey(ResAdminDashboard) }
func StudentProfileKey() query.Key   { return query.NewKey(ResStudentProfile) }
func EnrollmentsKey() query.Key      { return query.NewKey(ResEnrollments) }
func QuizAttemptsKey() query.Key     { return query.NewKey(ResQuizAttempts) }

// LanguagesKey is public: the language list does not depend on who is
// signed in and survives logout.
func LanguagesKey() query.Key { return query.PublicKey(ResLanguages) }

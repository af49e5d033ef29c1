// Package learning contains the entities exchanged with the learning backend:
// users, student profiles, subjects, lessons, quizzes and dashboards.
package learning

import (
	"strconv"
	"strings"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// IDENTITY
// ══════════════════════════════════════════════════════════════════════════════

// User is the authenticated account.
type User struct {
	ID             int64   `json:"id"`
	Username       string  `json:"username"`
	Email          string  `json:"email"`
	IsStaff        bool    `json:"is_staff"`
	FirstName      string  `json:"first_name"`
	LastName       string  `json:"last_name"`
	DisplayPicture *string `json:"dp"`
}

// DisplayName returns "First Last", falling back to the username.
func (u User) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Username
	}
	return name
}

// StudentProfile is the learner record; the app cannot be used without one.
type StudentProfile struct {
	ID           int64  `json:"id"`
	Username     string `json:"username"`
	Email        string `json:"email"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Language     string `json:"language"`
	CurrentGrade string `json:"current_grade"`
}

// TokenPair is the result of a credential exchange.
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// Credentials are exchanged for a TokenPair.
type Credentials struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Registration creates a new account.
type Registration struct {
	Username   string `json:"username" validate:"required,min=3,max=150"`
	Email      string `json:"email" validate:"required,email"`
	Password   string `json:"password" validate:"required,min=8"`
	RePassword string `json:"re_password" validate:"required,eqfield=Password"`
	FirstName  string `json:"first_name,omitempty" validate:"omitempty,max=150"`
	LastName   string `json:"last_name,omitempty" validate:"omitempty,max=150"`
}

// ProfileInput creates or updates the student profile.
type ProfileInput struct {
	Language     string `json:"language" validate:"required,min=2,max=10"`
	CurrentGrade string `json:"current_grade" validate:"required"`
}

// UserUpdate changes the account's editable fields.
type UserUpdate struct {
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// ══════════════════════════════════════════════════════════════════════════════
// CATALOGUE
// ══════════════════════════════════════════════════════════════════════════════

type Subject struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	GradeLevel  int    `json:"grade_level"`
	Language    string `json:"language"`
}

// SubjectInput creates a subject.
type SubjectInput struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
	GradeLevel  int    `json:"grade_level" validate:"gte=0"`
	Language    string `json:"language" validate:"required"`
}

// SubjectFilter narrows the subject list. Zero values are omitted.
type SubjectFilter struct {
	GradeLevel int
	Language   string
	Search     string
}

// Params renders the filter as ordered key/value pairs for cache keys and
// query strings.
func (f SubjectFilter) Params() []string {
	var out []string
	if f.GradeLevel > 0 {
		out = append(out, "grade_level="+strconv.Itoa(f.GradeLevel))
	}
	if f.Language != "" {
		out = append(out, "language="+f.Language)
	}
	if f.Search != "" {
		out = append(out, "search="+f.Search)
	}
	return out
}

// LessonStatus is the publication state of a lesson.
type LessonStatus string

const (
	LessonPublished LessonStatus = "PU"
	LessonDraft     LessonStatus = "DR"
	LessonArchived  LessonStatus = "AR"
)

func (s LessonStatus) String() string {
	switch s {
	case LessonPublished:
		return "published"
	case LessonDraft:
		return "draft"
	case LessonArchived:
		return "archived"
	default:
		return "unknown"
	}
}

type Lesson struct {
	ID         int64        `json:"id"`
	Instructor string       `json:"instructor"`
	Subject    string       `json:"subject"`
	Title      string       `json:"title"`
	Content    string       `json:"content"`
	Status     LessonStatus `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
	VerifiedAt *time.Time   `json:"verified_at"`
}

// Verified reports whether an instructor verified the lesson.
func (l Lesson) Verified() bool { return l.VerifiedAt != nil }

type Question struct {
	ID            int64  `json:"id"`
	QuestionText  string `json:"question_text"`
	CorrectAnswer string `json:"correct_answer"`
}

type Quiz struct {
	ID          int64      `json:"id"`
	Lesson      int64      `json:"lesson"`
	LessonTitle string     `json:"lesson_title"`
	Version     int        `json:"version"`
	Questions   []Question `json:"questions"`
	AIGenerated bool       `json:"ai_generated"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Difficulty of a practice task.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "EA"
	DifficultyMedium Difficulty = "ME"
	DifficultyHard   Difficulty = "HA"
)

type PracticeTask struct {
	ID          int64      `json:"id"`
	Lesson      int64      `json:"lesson"`
	LessonTitle string     `json:"lesson_title"`
	Content     string     `json:"content"`
	Difficulty  Difficulty `json:"difficulty"`
	AIGenerated bool       `json:"ai_generated"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS
// ══════════════════════════════════════════════════════════════════════════════

type Enrollment struct {
	ID         int64     `json:"id"`
	Student    string    `json:"student"`
	Subject    string    `json:"subject"`
	EnrolledAt time.Time `json:"enrolled_at"`
}

type QuizAttempt struct {
	ID               int64     `json:"id"`
	Student          User      `json:"student"`
	Quiz             Quiz      `json:"quiz"`
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time"`
	Score            float64   `json:"score"`
	Passed           bool      `json:"passed"`
	CheatingDetected bool      `json:"cheating_detected"`
}

// Duration is how long the attempt took.
func (a QuizAttempt) Duration() time.Duration {
	if a.EndTime.Before(a.StartTime) {
		return 0
	}
	return a.EndTime.Sub(a.StartTime)
}

type QuizResponse struct {
	QuestionID int64  `json:"question_id"`
	Answer     string `json:"answer"`
}

type QuizSubmission struct {
	QuizID    int64          `json:"quiz_id" validate:"required,gt=0"`
	Responses []QuizResponse `json:"responses" validate:"required,min=1,dive"`
}

// QuizResult is returned after grading. RegeneratedQuiz is set when the
// backend produced a new version after a failed attempt.
type QuizResult struct {
	Attempt         QuizAttempt `json:"attempt"`
	AIFeedback      string      `json:"ai_feedback"`
	RegeneratedQuiz *Quiz       `json:"regenerated_quiz,omitempty"`
}

type StudentDashboard struct {
	Student        StudentProfile `json:"student"`
	Enrollments    []Enrollment   `json:"enrollments"`
	RecentAttempts []QuizAttempt  `json:"recent_attempts"`
	PracticeTasks  []PracticeTask `json:"practice_tasks"`
}

// AverageScore over the recent attempts; 0 when there are none.
func (d StudentDashboard) AverageScore() float64 {
	if len(d.RecentAttempts) == 0 {
		return 0
	}
	var sum float64
	for _, a := range d.RecentAttempts {
		sum += a.Score
	}
	return sum / float64(len(d.RecentAttempts))
}

type AdminDashboard struct {
	TotalStudents  int           `json:"total_students"`
	TotalLessons   int           `json:"total_lessons"`
	TotalSubjects  int           `json:"total_subjects"`
	TotalQuizzes   int           `json:"total_quizzes"`
	RecentLessons  []Lesson      `json:"recent_lessons"`
	RecentAttempts []QuizAttempt `json:"recent_attempts"`
}

// ══════════════════════════════════════════════════════════════════════════════
// MISC
// ══════════════════════════════════════════════════════════════════════════════

type Language struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

type AssistRequest struct {
	Message string `json:"message" validate:"required"`
	Context string `json:"context"`
}

type AssistResponse struct {
	Response string `json:"response"`
}

package eduapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/alem-hub/study-companion/internal/domain/learning"
)

// ══════════════════════════════════════════════════════════════════════════════
// AUTHENTICATION OPERATIONS
// ══════════════════════════════════════════════════════════════════════════════

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

type refreshResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
}

// CreateToken exchanges credentials for an access/refresh pair.
func (c *Client) CreateToken(ctx context.Context, creds learning.Credentials) (*learning.TokenPair, error) {
	var pair learning.TokenPair
	err := c.do(ctx, request{
		op:                 "CreateToken",
		method:             http.MethodPost,
		path:               "/auth/jwt/create/",
		body:               creds,
		auth:               authNone,
		credentialExchange: true,
	}, &pair)
	if err != nil {
		return nil, fmt.Errorf("create token: %w", err)
	}
	return &pair, nil
}

// RefreshToken exchanges a refresh token for a new access token. When the
// backend rotates refresh tokens the new one is returned too; otherwise
// Refresh is the token that was sent.
func (c *Client) RefreshToken(ctx context.Context, refresh string) (*learning.TokenPair, error) {
	var resp refreshResponse
	err := c.do(ctx, request{
		op:                 "RefreshToken",
		method:             http.MethodPost,
		path:               "/auth/jwt/refresh/",
		body:               refreshRequest{Refresh: refresh},
		auth:               authNone,
		credentialExchange: true,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	if resp.Refresh == "" {
		resp.Refresh = refresh
	}
	return &learning.TokenPair{Access: resp.Access, Refresh: resp.Refresh}, nil
}

// RegisterUser creates an account.
func (c *Client) RegisterUser(ctx context.Context, reg learning.Registration) (*learning.User, error) {
	var user learning.User
	if err := c.do(ctx, request{op: "RegisterUser", method: http.MethodPost, path: "/auth/users/", body: reg, auth: authNone}, &user); err != nil {
		return nil, fmt.Errorf("register user: %w", err)
	}
	return &user, nil
}

// CurrentUser fetches the identity behind the access token.
func (c *Client) CurrentUser(ctx context.Context) (*learning.User, error) {
	var user learning.User
	if err := c.do(ctx, request{op: "CurrentUser", method: http.MethodGet, path: "/auth/users/me/", auth: authBearer}, &user); err != nil {
		return nil, fmt.Errorf("current user: %w", err)
	}
	return &user, nil
}

// UpdateUser changes the signed-in account.
func (c *Client) UpdateUser(ctx context.Context, update learning.UserUpdate) (*learning.User, error) {
	var user learning.User
	if err := c.do(ctx, request{op: "UpdateUser", method: http.MethodPut, path: "/auth/users/me/", body: update, auth: authBearer}, &user); err != nil {
		return nil, fmt.Errorf("update user: %w", err)
	}
	return &user, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// SUBJECT AND LESSON OPERATIONS
// ══════════════════════════════════════════════════════════════════════════════

// Subjects lists subjects matching the filter.
func (c *Client) Subjects(ctx context.Context, filter learning.SubjectFilter) ([]learning.Subject, error) {
	params := url.Values{}
	if filter.GradeLevel > 0 {
		params.Set("grade_level", strconv.Itoa(filter.GradeLevel))
	}
	if filter.Language != "" {
		params.Set("language", filter.Language)
	}
	if filter.Search != "" {
		params.Set("search", filter.Search)
	}

	var subjects []learning.Subject
	if err := c.do(ctx, request{op: "Subjects", method: http.MethodGet, path: "/subjects/", query: params, auth: authBearer}, &subjects); err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	return subjects, nil
}

// Subject fetches one subject.
func (c *Client) Subject(ctx context.Context, subjectID int64) (*learning.Subject, error) {
	var subject learning.Subject
	path := fmt.Sprintf("/subjects/%d/", subjectID)
	if err := c.do(ctx, request{op: "Subject", method: http.MethodGet, path: path, auth: authBearer}, &subject); err != nil {
		return nil, fmt.Errorf("get subject %d: %w", subjectID, err)
	}
	return &subject, nil
}

// CreateSubject creates a subject (staff only).
func (c *Client) CreateSubject(ctx context.Context, input learning.SubjectInput) (*learning.Subject, error) {
	var subject learning.Subject
	if err := c.do(ctx, request{op: "CreateSubject", method: http.MethodPost, path: "/subjects/", body: input, auth: authBearer}, &subject); err != nil {
		return nil, fmt.Errorf("create subject: %w", err)
	}
	return &subject, nil
}

// Lessons lists the lessons of a subject.
func (c *Client) Lessons(ctx context.Context, subjectID int64) ([]learning.Lesson, error) {
	var lessons []learning.Lesson
	path := fmt.Sprintf("/subjects/%d/lessons/", subjectID)
	if err := c.do(ctx, request{op: "Lessons", method: http.MethodGet, path: path, auth: authBearer}, &lessons); err != nil {
		return nil, fmt.Errorf("list lessons of subject %d: %w", subjectID, err)
	}
	return lessons, nil
}

// Lesson fetches one lesson.
func (c *Client) Lesson(ctx context.Context, subjectID, lessonID int64) (*learning.Lesson, error) {
	var lesson learning.Lesson
	path := fmt.Sprintf("/subjects/%d/lessons/%d/", subjectID, lessonID)
	if err := c.do(ctx, request{op: "Lesson", method: http.MethodGet, path: path, auth: authBearer}, &lesson); err != nil {
		return nil, fmt.Errorf("get lesson %d/%d: %w", subjectID, lessonID, err)
	}
	return &lesson, nil
}

type createLessonRequest struct {
	Title string `json:"title"`
}

// CreateLesson asks the backend to generate a lesson with the given title.
func (c *Client) CreateLesson(ctx context.Context, subjectID int64, title string) (*learning.Lesson, error) {
	var lesson learning.Lesson
	path := fmt.Sprintf("/subjects/%d/lessons/", subjectID)
	err := c.do(ctx, request{
		op:     "CreateLesson",
		method: http.MethodPost,
		path:   path,
		body:   createLessonRequest{Title: title},
		auth:   authBearer,
	}, &lesson)
	if err != nil {
		return nil, fmt.Errorf("create lesson in subject %d: %w", subjectID, err)
	}
	return &lesson, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// QUIZ AND PRACTICE OPERATIONS
// ══════════════════════════════════════════════════════════════════════════════

// Quizzes lists quizzes of a lesson.
func (c *Client) Quizzes(ctx context.Context, subjectID, lessonID int64) ([]learning.Quiz, error) {
	var quizzes []learning.Quiz
	path := fmt.Sprintf("/subjects/%d/lessons/%d/quizzes/", subjectID, lessonID)
	if err := c.do(ctx, request{op: "Quizzes", method: http.MethodGet, path: path, auth: authBearer}, &quizzes); err != nil {
		return nil, fmt.Errorf("list quizzes of lesson %d/%d: %w", subjectID, lessonID, err)
	}
	return quizzes, nil
}

// Quiz fetches one quiz.
func (c *Client) Quiz(ctx context.Context, subjectID, lessonID, quizID int64) (*learning.Quiz, error) {
	var quiz learning.Quiz
	path := fmt.Sprintf("/subjects/%d/lessons/%d/quizzes/%d/", subjectID, lessonID, quizID)
	if err := c.do(ctx, request{op: "Quiz", method: http.MethodGet, path: path, auth: authBearer}, &quiz); err != nil {
		return nil, fmt.Errorf("get quiz %d: %w", quizID, err)
	}
	return &quiz, nil
}

// PracticeTasks lists practice tasks of a lesson.
func (c *Client) PracticeTasks(ctx context.Context, subjectID, lessonID int64) ([]learning.PracticeTask, error) {
	var tasks []learning.PracticeTask
	path := fmt.Sprintf("/subjects/%d/lessons/%d/tasks/", subjectID, lessonID)
	if err := c.do(ctx, request{op: "PracticeTasks", method: http.MethodGet, path: path, auth: authBearer}, &tasks); err != nil {
		return nil, fmt.Errorf("list practice tasks of lesson %d/%d: %w", subjectID, lessonID, err)
	}
	return tasks, nil
}

// SubmitQuiz sends answers for grading.
func (c *Client) SubmitQuiz(ctx context.Context, submission learning.QuizSubmission) (*learning.QuizResult, error) {
	var result learning.QuizResult
	if err := c.do(ctx, request{op: "SubmitQuiz", method: http.MethodPost, path: "/quizzes/submit/", body: submission, auth: authBearer}, &result); err != nil {
		return nil, fmt.Errorf("submit quiz %d: %w", submission.QuizID, err)
	}
	return &result, nil
}

// QuizAttempts lists the student's attempts.
func (c *Client) QuizAttempts(ctx context.Context) ([]learning.QuizAttempt, error) {
	var attempts []learning.QuizAttempt
	if err := c.do(ctx, request{op: "QuizAttempts", method: http.MethodGet, path: "/quiz-attempts/", auth: authBearer}, &attempts); err != nil {
		return nil, fmt.Errorf("list quiz attempts: %w", err)
	}
	return attempts, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// STUDENT OPERATIONS
// ══════════════════════════════════════════════════════════════════════════════

// StudentProfile fetches the profile. A NotFoundError means it has not been
// created yet.
func (c *Client) StudentProfile(ctx context.Context) (*learning.StudentProfile, error) {
	var profile learning.StudentProfile
	if err := c.do(ctx, request{op: "StudentProfile", method: http.MethodGet, path: "/student/profile/", auth: authBearer}, &profile); err != nil {
		return nil, fmt.Errorf("get student profile: %w", err)
	}
	return &profile, nil
}

// CreateStudentProfile creates the profile for the signed-in user.
func (c *Client) CreateStudentProfile(ctx context.Context, input learning.ProfileInput) (*learning.StudentProfile, error) {
	var profile learning.StudentProfile
	if err := c.do(ctx, request{op: "CreateStudentProfile", method: http.MethodPost, path: "/student/profile/create/", body: input, auth: authBearer}, &profile); err != nil {
		return nil, fmt.Errorf("create student profile: %w", err)
	}
	return &profile, nil
}

// UpdateStudentProfile replaces the editable profile fields.
func (c *Client) UpdateStudentProfile(ctx context.Context, input learning.ProfileInput) (*learning.StudentProfile, error) {
	var profile learning.StudentProfile
	if err := c.do(ctx, request{op: "UpdateStudentProfile", method: http.MethodPut, path: "/student/profile/", body: input, auth: authBearer}, &profile); err != nil {
		return nil, fmt.Errorf("update student profile: %w", err)
	}
	return &profile, nil
}

// Enrollments lists the student's enrollments.
func (c *Client) Enrollments(ctx context.Context) ([]learning.Enrollment, error) {
	var enrollments []learning.Enrollment
	if err := c.do(ctx, request{op: "Enrollments", method: http.MethodGet, path: "/student/enrollments/", auth: authBearer}, &enrollments); err != nil {
		return nil, fmt.Errorf("list enrollments: %w", err)
	}
	return enrollments, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// DASHBOARDS, LANGUAGES AND ASSISTANCE
// ══════════════════════════════════════════════════════════════════════════════

// StudentDashboard fetches the aggregated student view.
func (c *Client) StudentDashboard(ctx context.Context) (*learning.StudentDashboard, error) {
	var dashboard learning.StudentDashboard
	if err := c.do(ctx, request{op: "StudentDashboard", method: http.MethodGet, path: "/dashboard/student/", auth: authBearer}, &dashboard); err != nil {
		return nil, fmt.Errorf("get student dashboard: %w", err)
	}
	return &dashboard, nil
}

// AdminDashboard fetches platform totals (staff only).
func (c *Client) AdminDashboard(ctx context.Context) (*learning.AdminDashboard, error) {
	var dashboard learning.AdminDashboard
	if err := c.do(ctx, request{op: "AdminDashboard", method: http.MethodGet, path: "/dashboard/admin/", auth: authBearer}, &dashboard); err != nil {
		return nil, fmt.Errorf("get admin dashboard: %w", err)
	}
	return &dashboard, nil
}

// Languages lists supported languages. The endpoint is public.
func (c *Client) Languages(ctx context.Context) ([]learning.Language, error) {
	var languages []learning.Language
	if err := c.do(ctx, request{op: "Languages", method: http.MethodGet, path: "/languages/", auth: authNone}, &languages); err != nil {
		return nil, fmt.Errorf("list languages: %w", err)
	}
	return languages, nil
}

// Assist asks the AI assistant a question.
func (c *Client) Assist(ctx context.Context, req learning.AssistRequest) (*learning.AssistResponse, error) {
	var resp learning.AssistResponse
	if err := c.do(ctx, request{op: "Assist", method: http.MethodPost, path: "/ai/assist/", body: req, auth: authBearer}, &resp); err != nil {
		return nil, fmt.Errorf("assist: %w", err)
	}
	return &resp, nil
}

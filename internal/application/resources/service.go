package resources

import (
	"context"

	"github.com/alem-hub/study-companion/internal/application/query"
	"github.com/alem-hub/study-companion/internal/domain/learning"
	"github.com/alem-hub/study-companion/pkg/logger"
)

// API is the part of the backend client behind the cached resources.
type API interface {
	Subjects(ctx context.Context, filter learning.SubjectFilter) ([]learning.Subject, error)
	Subject(ctx context.Context, subjectID int64) (*learning.Subject, error)
	Lessons(ctx context.Context, subjectID int64) ([]learning.Lesson, error)
	Lesson(ctx context.Context, subjectID, lessonID int64) (*learning.Lesson, error)
	CreateLesson(ctx context.Context, subjectID int64, title string) (*learning.Lesson, error)
	Quizzes(ctx context.Context, subjectID, lessonID int64) ([]learning.Quiz, error)
	PracticeTasks(ctx context.Context, subjectID, lessonID int64) ([]learning.PracticeTask, error)
	SubmitQuiz(ctx context.Context, submission learning.QuizSubmission) (*learning.QuizResult, error)
	QuizAttempts(ctx context.Context) ([]learning.QuizAttempt, error)
	StudentProfile(ctx context.Context) (*learning.StudentProfile, error)
	CreateStudentProfile(ctx context.Context, input learning.ProfileInput) (*learning.StudentProfile, error)
	UpdateStudentProfile(ctx context.Context, input learning.ProfileInput) (*learning.StudentProfile, error)
	Enrollments(ctx context.Context) ([]learning.Enrollment, error)
	StudentDashboard(ctx context.Context) (*learning.StudentDashboard, error)
	AdminDashboard(ctx context.Context) (*learning.AdminDashboard, error)
	Languages(ctx context.Context) ([]learning.Language, error)
	Assist(ctx context.Context, req learning.AssistRequest) (*learning.AssistResponse, error)
}

// ProfileSink receives a newly created or updated student profile. The
// session store implements it.
type ProfileSink interface {
	SetProfile(ctx context.Context, profile learning.StudentProfile)
}

// Service binds the API to the cache.
type Service struct {
	api     API
	cache   *query.Cache
	session ProfileSink
	log     *logger.Logger
}

// NewService creates a Service. session may be nil.
func NewService(api API, cache *query.Cache, session ProfileSink, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{api: api, cache: cache, session: session, log: log.Named("resources")}
}

// Cache returns the underlying cache.
func (s *Service) Cache() *query.Cache { return s.cache }

// ══════════════════════════════════════════════════════════════════════════════
// WATCHERS
// ══════════════════════════════════════════════════════════════════════════════

// Subscriptions for ids that are not chosen yet (zero) are disabled and
// never fetch.

func (s *Service) WatchSubjects(filter learning.SubjectFilter, opts ...query.Option) *query.Subscription[[]learning.Subject] {
	return query.Subscribe(s.cache, SubjectsKey(filter), func(ctx context.Context) ([]learning.Subject, error) {
		return s.api.Subjects(ctx, filter)
	}, opts...)
}

func (s *Service) WatchSubject(subjectID int64, opts ...query.Option) *query.Subscription[*learning.Subject] {
	return query.Subscribe(s.cache, SubjectKey(subjectID), func(ctx context.Context) (*learning.Subject, error) {
		return s.api.Subject(ctx, subjectID)
	}, enabled(opts, subjectID > 0)...)
}

func (s *Service) WatchLessons(subjectID int64, opts ...query.Option) *query.Subscription[[]learning.Lesson] {
	return query.Subscribe(s.cache, LessonsKey(subjectID), func(ctx context.Context) ([]learning.Lesson, error) {
		return s.api.Lessons(ctx, subjectID)
	}, enabled(opts, subjectID > 0)...)
}

func (s *Service) WatchLesson(subjectID, lessonID int64, opts ...query.Option) *query.Subscription[*learning.Lesson] {
	return query.Subscribe(s.cache, LessonKey(subjectID, lessonID), func(ctx context.Context) (*learning.Lesson, error) {
		return s.api.Lesson(ctx, subjectID, lessonID)
	}, enabled(opts, subjectID > 0 && lessonID > 0)...)
}

func (s *Service) WatchQuizzes(subjectID, lessonID int64, opts ...query.Option) *query.Subscription[[]learning.Quiz] {
	return query.Subscribe(s.cache, QuizzesKey(subjectID, lessonID), func(ctx context.Context) ([]learning.Quiz, error) {
		return s.api.Quizzes(ctx, subjectID, lessonID)
	}, enabled(opts, subjectID > 0 && lessonID > 0)...)
}

func (s *Service) WatchPracticeTasks(subjectID, lessonID int64, opts ...query.Option) *query.Subscription[[]learning.PracticeTask] {
	return query.Subscribe(s.cache, PracticeTasksKey(subjectID, lessonID), func(ctx context.Context) ([]learning.PracticeTask, error) {
		return s.api.PracticeTasks(ctx, subjectID, lessonID)
	}, enabled(opts, subjectID > 0 && lessonID > 0)...)
}

func (s *Service) WatchStudentDashboard(opts ...query.Option) *query.Subscription[*learning.StudentDashboard] {
	return query.Subscribe(s.cache, StudentDashboardKey(), s.api.StudentDashboard, opts...)
}

func (s *Service) WatchAdminDashboard(opts ...query.Option) *query.Subscription[*learning.AdminDashboard] {
	return query.Subscribe(s.cache, AdminDashboardKey(), s.api.AdminDashboard, opts...)
}

func (s *Service) WatchStudentProfile(opts ...query.Option) *query.Subscription[*learning.StudentProfile] {
	return query.Subscribe(s.cache, StudentProfileKey(), s.api.StudentProfile, opts...)
}

func (s *Service) WatchEnrollments(opts ...query.Option) *query.Subscription[[]learning.Enrollment] {
	return query.Subscribe(s.cache, EnrollmentsKey(), s.api.Enrollments, opts...)
}

func (s *Service) WatchQuizAttempts(opts ...query.Option) *query.Subscription[[]learning.QuizAttempt] {
	return query.Subscribe(s.cache, QuizAttemptsKey(), s.api.QuizAttempts, opts...)
}

func (s *Service) WatchLanguages(opts ...query.Option) *query.Subscription[[]learning.Language] {
	return query.Subscribe(s.cache, LanguagesKey(), s.api.Languages, opts...)
}

func enabled(opts []query.Option, ok bool) []query.Option {
	if ok {
		return opts
	}
	return append(opts, query.WithEnabled(false))
}

// ══════════════════════════════════════════════════════════════════════════════
// QUERIES
// ══════════════════════════════════════════════════════════════════════════════

func (s *Service) Subjects(ctx context.Context, filter learning.SubjectFilter) ([]learning.Subject, error) {
	return await(ctx, s.WatchSubjects(filter))
}

func (s *Service) Subject(ctx context.Context, subjectID int64) (*learning.Subject, error) {
	return await(ctx, s.WatchSubject(subjectID))
}

func (s *Service) Lessons(ctx context.Context, subjectID int64) ([]learning.Lesson, error) {
	return await(ctx, s.WatchLessons(subjectID))
}

func (s *Service) Lesson(ctx context.Context, subjectID, lessonID int64) (*learning.Lesson, error) {
	return await(ctx, s.WatchLesson(subjectID, lessonID))
}

func (s *Service) Quizzes(ctx context.Context, subjectID, lessonID int64) ([]learning.Quiz, error) {
	return await(ctx, s.WatchQuizzes(subjectID, lessonID))
}

func (s *Service) PracticeTasks(ctx context.Context, subjectID, lessonID int64) ([]learning.PracticeTask, error) {
	return await(ctx, s.WatchPracticeTasks(subjectID, lessonID))
}

func (s *Service) StudentDashboard(ctx context.Context) (*learning.StudentDashboard, error) {
	return await(ctx, s.WatchStudentDashboard())
}

func (s *Service) AdminDashboard(ctx context.Context) (*learning.AdminDashboard, error) {
	return await(ctx, s.WatchAdminDashboard())
}

func (s *Service) StudentProfile(ctx context.Context) (*learning.StudentProfile, error) {
	return await(ctx, s.WatchStudentProfile())
}

func (s *Service) Enrollments(ctx context.Context) ([]learning.Enrollment, error) {
	return await(ctx, s.WatchEnrollments())
}

func (s *Service) QuizAttempts(ctx context.Context) ([]learning.QuizAttempt, error) {
	return await(ctx, s.WatchQuizAttempts())
}

func (s *Service) Languages(ctx context.Context) ([]learning.Language, error) {
	return await(ctx, s.WatchLanguages())
}

// await waits for sub to settle and releases it.
func await[T any](ctx context.Context, sub *query.Subscription[T]) (T, error) {
	defer sub.Unsubscribe()

	var zero T
	e, err := sub.Wait(ctx)
	if err != nil {
		return zero, err
	}
	if e.Status == query.StatusIdle {
		return zero, query.ErrDisabled
	}
	if e.Status == query.StatusError {
		return zero, e.Err
	}
	return e.Data, nil
}

// Prefetch warms the entries the dashboard shows first. Failures are logged.
func (s *Service) Prefetch(ctx context.Context) {
	if _, err := s.StudentDashboard(ctx); err != nil {
		s.log.Warn("prefetch student dashboard", logger.Err(err))
	}
	if _, err := s.Languages(ctx); err != nil {
		s.log.Warn("prefetch languages", logger.Err(err))
	}
}

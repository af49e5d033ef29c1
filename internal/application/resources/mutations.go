package resources

import (
	"context"

	"github.com/alem-hub/study-companion/internal/application/query"
	"github.com/alem-hub/study-companion/internal/domain/learning"
	"github.com/alem-hub/study-companion/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// MUTATIONS
// ══════════════════════════════════════════════════════════════════════════════

// setProfile writes the profile into the cache as the studentProfile result.
func setProfile(c *query.Cache, _ learning.ProfileInput, out *learning.StudentProfile) {
	c.SetData(StudentProfileKey(), out)
}

// CreateProfile completes the student profile. On success the cached profile
// is replaced, dependent entries are invalidated and the session learns that
// a profile now exists.
func (s *Service) CreateProfile(ctx context.Context, input learning.ProfileInput) (*learning.StudentProfile, error) {
	if err := learning.Validate("CreateProfile", input); err != nil {
		return nil, err
	}
	profile, err := query.Mutate(ctx, s.cache, query.Mutation[learning.ProfileInput, *learning.StudentProfile]{
		Name:   string(CreateProfile),
		Run:    s.api.CreateStudentProfile,
		Update: setProfile,
		Invalidates: func(learning.ProfileInput, *learning.StudentProfile) []query.Pattern {
			return patterns(CreateProfile)
		},
	}, input)
	if err != nil {
		return nil, err
	}
	if s.session != nil {
		s.session.SetProfile(ctx, *profile)
	}
	s.log.Info("student profile created", logger.String("language", profile.Language))
	return profile, nil
}

// UpdateProfile changes language or grade.
func (s *Service) UpdateProfile(ctx context.Context, input learning.ProfileInput) (*learning.StudentProfile, error) {
	if err := learning.Validate("UpdateProfile", input); err != nil {
		return nil, err
	}
	profile, err := query.Mutate(ctx, s.cache, query.Mutation[learning.ProfileInput, *learning.StudentProfile]{
		Name:   string(UpdateProfile),
		Run:    s.api.UpdateStudentProfile,
		Update: setProfile,
		Invalidates: func(learning.ProfileInput, *learning.StudentProfile) []query.Pattern {
			return patterns(UpdateProfile)
		},
	}, input)
	if err != nil {
		return nil, err
	}
	if s.session != nil {
		s.session.SetProfile(ctx, *profile)
	}
	return profile, nil
}

// SubmitQuiz grades a quiz attempt.
func (s *Service) SubmitQuiz(ctx context.Context, submission learning.QuizSubmission) (*learning.QuizResult, error) {
	if err := learning.Validate("SubmitQuiz", submission); err != nil {
		return nil, err
	}
	result, err := query.Mutate(ctx, s.cache, query.Mutation[learning.QuizSubmission, *learning.QuizResult]{
		Name: string(SubmitQuiz),
		Run:  s.api.SubmitQuiz,
		Invalidates: func(learning.QuizSubmission, *learning.QuizResult) []query.Pattern {
			return patterns(SubmitQuiz)
		},
	}, submission)
	if err != nil {
		return nil, err
	}
	s.log.Info("quiz submitted",
		logger.Int64("quiz_id", submission.QuizID),
		logger.Bool("passed", result.Attempt.Passed),
		logger.Bool("regenerated", result.RegeneratedQuiz != nil),
	)
	return result, nil
}

type lessonInput struct {
	SubjectID int64
	Title     string
}

// CreateLesson asks the backend to generate a lesson under subjectID.
func (s *Service) CreateLesson(ctx context.Context, subjectID int64, title string) (*learning.Lesson, error) {
	return query.Mutate(ctx, s.cache, query.Mutation[lessonInput, *learning.Lesson]{
		Name: string(CreateLesson),
		Run: func(ctx context.Context, in lessonInput) (*learning.Lesson, error) {
			return s.api.CreateLesson(ctx, in.SubjectID, in.Title)
		},
		Invalidates: func(in lessonInput, _ *learning.Lesson) []query.Pattern {
			return patterns(CreateLesson, in.SubjectID)
		},
	}, lessonInput{SubjectID: subjectID, Title: title})
}

// Assist sends one message to the study assistant. Nothing cached depends on
// it.
func (s *Service) Assist(ctx context.Context, req learning.AssistRequest) (*learning.AssistResponse, error) {
	if err := learning.Validate("Assist", req); err != nil {
		return nil, err
	}
	return query.Mutate(ctx, s.cache, query.Mutation[learning.AssistRequest, *learning.AssistResponse]{
		Name: string(Assist),
		Run:  s.api.Assist,
	}, req)
}

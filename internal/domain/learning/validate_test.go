package learning

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/study-companion/internal/domain/shared"
)

func TestValidate_RegistrationUsesWireNames(t *testing.T) {
	err := Validate("Register", Registration{
		Username:   "am",
		Email:      "not-an-email",
		Password:   "longenough",
		RePassword: "different1",
	})
	require.Error(t, err)
	assert.True(t, shared.IsValidation(err))

	ve, ok := shared.AsValidation(err)
	require.True(t, ok)
	assert.Equal(t, "Ensure this field has at least 3 characters.", ve.Field("username"))
	assert.Equal(t, "Enter a valid email address.", ve.Field("email"))
	assert.Equal(t, "The two password fields didn't match.", ve.Field("re_password"))
	assert.Empty(t, ve.Field("password"))
}

func TestValidate_Valid(t *testing.T) {
	assert.NoError(t, Validate("CreateProfile", ProfileInput{Language: "en", CurrentGrade: "7"}))
	assert.NoError(t, Validate("SubmitQuiz", QuizSubmission{
		QuizID:    1,
		Responses: []QuizResponse{{QuestionID: 1, Answer: "4"}},
	}))
}

func TestValidate_NestedSliceFields(t *testing.T) {
	err := Validate("SubmitQuiz", QuizSubmission{QuizID: 0})
	ve, ok := shared.AsValidation(err)
	require.True(t, ok)
	assert.NotEmpty(t, ve.Field("quiz_id"))
	assert.NotEmpty(t, ve.Field("responses"))
}

func TestSubjectFilter_Params(t *testing.T) {
	assert.Empty(t, SubjectFilter{}.Params())
	assert.Equal(t, []string{"grade_level=7", "language=en", "search=alg"},
		SubjectFilter{GradeLevel: 7, Language: "en", Search: "alg"}.Params())
}

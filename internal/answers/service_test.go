// internal/answers/service_test.go
package answers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/civiform/formflow/internal/common/errors"
	"github.com/civiform/formflow/internal/common/logger"
	"github.com/civiform/formflow/internal/models"
)

// ==========================
// Test Helper Functions
// ==========================

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(NewMemStore(), logger.NewTestLogger(t))
}

func testKey() models.AnswerSetKey {
	return models.AnswerSetKey{ApplicantID: "applicant-1", ProgramSlug: "food-assistance", VersionID: "v1"}
}

func textValue(s string) models.AnswerValue {
	return models.AnswerValue{Type: models.QuestionText, Text: s}
}

func deletion() models.AnswerValue {
	return models.AnswerValue{Type: models.QuestionText}
}

// ==========================
// Answer Set Tests
// ==========================

func TestGetOrCreate_Idempotent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	set, err := svc.GetOrCreate(ctx, testKey())
	require.NoError(t, err)
	assert.Equal(t, int64(0), set.Token)
	assert.Empty(t, set.Answers)

	again, err := svc.GetOrCreate(ctx, testKey())
	require.NoError(t, err)
	assert.Equal(t, set.Key(), again.Key())
	assert.Equal(t, set.Token, again.Token)
}

func TestSaveBlockAnswers_TokenIncrementsAndSeenSet(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	key := testKey()

	_, err := svc.GetOrCreate(ctx, key)
	require.NoError(t, err)

	set, err := svc.SaveBlockAnswers(ctx, key, "b1", 0,
		map[string]models.AnswerValue{"applicant-name": textValue("Ada")},
		[]string{"applicant-name"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), set.Token)
	assert.Equal(t, "Ada", set.Answers["applicant-name"].Text)
	assert.True(t, set.Blocks["b1"].Seen)
	assert.False(t, set.Blocks["b1"].LastAttemptHadErrors)
}

func TestSaveBlockAnswers_StaleToken(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	key := testKey()

	_, err := svc.GetOrCreate(ctx, key)
	require.NoError(t, err)
	_, err = svc.SaveBlockAnswers(ctx, key, "b1", 0,
		map[string]models.AnswerValue{"applicant-name": textValue("Ada")},
		nil)
	require.NoError(t, err)

	// A second tab still presenting token 0.
	_, err = svc.SaveBlockAnswers(ctx, key, "b1", 0,
		map[string]models.AnswerValue{"applicant-name": textValue("Grace")},
		nil)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeStaleApplication))

	set, err := svc.GetOrCreate(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "Ada", set.Answers["applicant-name"].Text, "losing save must not merge")
}

func TestSaveBlockAnswers_RequiredDeletionRejected(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	key := testKey()

	_, err := svc.GetOrCreate(ctx, key)
	require.NoError(t, err)
	_, err = svc.SaveBlockAnswers(ctx, key, "b1", 0,
		map[string]models.AnswerValue{"applicant-name": textValue("Ada")},
		[]string{"applicant-name"})
	require.NoError(t, err)

	_, err = svc.SaveBlockAnswers(ctx, key, "b1", 1,
		map[string]models.AnswerValue{"applicant-name": deletion()},
		[]string{"applicant-name"})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeIncompleteRequiredAnswers))

	set, err := svc.GetOrCreate(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "Ada", set.Answers["applicant-name"].Text)
	assert.Equal(t, int64(1), set.Token, "rejected save must not consume the token")
}

func TestSaveBlockAnswers_OptionalDeletionAccepted(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	key := testKey()

	_, err := svc.GetOrCreate(ctx, key)
	require.NoError(t, err)
	_, err = svc.SaveBlockAnswers(ctx, key, "b1", 0,
		map[string]models.AnswerValue{"applicant-nickname": textValue("Lovelace")},
		nil)
	require.NoError(t, err)

	set, err := svc.SaveBlockAnswers(ctx, key, "b1", 1,
		map[string]models.AnswerValue{"applicant-nickname": deletion()},
		nil)
	require.NoError(t, err)
	_, present := set.Answers["applicant-nickname"]
	assert.False(t, present)
	assert.Equal(t, int64(2), set.Token)
}

func TestMarkSeen_NoTokenBump(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	key := testKey()

	_, err := svc.GetOrCreate(ctx, key)
	require.NoError(t, err)

	require.NoError(t, svc.MarkSeen(ctx, key, "b1"))
	require.NoError(t, svc.MarkSeen(ctx, key, "b1"))

	set, err := svc.GetOrCreate(ctx, key)
	require.NoError(t, err)
	assert.True(t, set.Blocks["b1"].Seen)
	assert.Equal(t, int64(0), set.Token)
}

func TestSetBlockErrorState(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	key := testKey()

	_, err := svc.GetOrCreate(ctx, key)
	require.NoError(t, err)
	require.NoError(t, svc.SetBlockErrorState(ctx, key, "b1", true))

	set, err := svc.GetOrCreate(ctx, key)
	require.NoError(t, err)
	assert.False(t, set.Blocks["b1"].Seen, "an errored attempt does not complete the block")
	assert.True(t, set.Blocks["b1"].LastAttemptHadErrors)

	require.NoError(t, svc.SetBlockErrorState(ctx, key, "b1", false))
	set, err = svc.GetOrCreate(ctx, key)
	require.NoError(t, err)
	assert.False(t, set.Blocks["b1"].LastAttemptHadErrors)
}

func TestSetBlockErrorState_SeenSurvivesLaterError(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	key := testKey()

	_, err := svc.GetOrCreate(ctx, key)
	require.NoError(t, err)
	_, err = svc.SaveBlockAnswers(ctx, key, "b1", 0,
		map[string]models.AnswerValue{"applicant-name": textValue("Ada")},
		[]string{"applicant-name"})
	require.NoError(t, err)

	// A later failed edit keeps the block seen.
	require.NoError(t, svc.SetBlockErrorState(ctx, key, "b1", true))
	set, err := svc.GetOrCreate(ctx, key)
	require.NoError(t, err)
	assert.True(t, set.Blocks["b1"].Seen)
	assert.True(t, set.Blocks["b1"].LastAttemptHadErrors)
}

// ==========================
// Submission Tests
// ==========================

func TestSubmit_ArchivesAndKeepsAnswerSet(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	key := testKey()

	_, err := svc.GetOrCreate(ctx, key)
	require.NoError(t, err)
	_, err = svc.SaveBlockAnswers(ctx, key, "b1", 0,
		map[string]models.AnswerValue{"applicant-name": textValue("Ada")},
		nil)
	require.NoError(t, err)

	app, err := svc.Submit(ctx, key, 1)
	require.NoError(t, err)
	assert.NotEmpty(t, app.ID)
	assert.Equal(t, "Ada", app.Answers["applicant-name"].Text)

	latest, err := svc.LatestApplication(ctx, key.ApplicantID, key.ProgramSlug)
	require.NoError(t, err)
	assert.Equal(t, app.ID, latest.ID)

	// The working set survives submission for later edits.
	set, err := svc.GetOrCreate(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "Ada", set.Answers["applicant-name"].Text)
}

func TestSubmit_DuplicateRejected(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	key := testKey()

	_, err := svc.GetOrCreate(ctx, key)
	require.NoError(t, err)
	_, err = svc.SaveBlockAnswers(ctx, key, "b1", 0,
		map[string]models.AnswerValue{"applicant-name": textValue("Ada")},
		nil)
	require.NoError(t, err)

	first, err := svc.Submit(ctx, key, 1)
	require.NoError(t, err)

	// Unchanged answers: rejected, nothing new archived.
	_, err = svc.Submit(ctx, key, 1)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDuplicateSubmission))
	latest, err := svc.LatestApplication(ctx, key.ApplicantID, key.ProgramSlug)
	require.NoError(t, err)
	assert.Equal(t, first.ID, latest.ID)

	// Any changed answer makes resubmission legitimate.
	_, err = svc.SaveBlockAnswers(ctx, key, "b1", 1,
		map[string]models.AnswerValue{"applicant-name": textValue("Grace")},
		nil)
	require.NoError(t, err)
	second, err := svc.Submit(ctx, key, 2)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	latest, err = svc.LatestApplication(ctx, key.ApplicantID, key.ProgramSlug)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
}

func TestSubmit_StaleToken(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	key := testKey()

	_, err := svc.GetOrCreate(ctx, key)
	require.NoError(t, err)
	_, err = svc.SaveBlockAnswers(ctx, key, "b1", 0,
		map[string]models.AnswerValue{"applicant-name": textValue("Ada")},
		nil)
	require.NoError(t, err)

	// A tab that never saw the save presents token 0.
	_, err = svc.Submit(ctx, key, 0)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeStaleApplication))

	latest, err := svc.LatestApplication(ctx, key.ApplicantID, key.ProgramSlug)
	require.NoError(t, err)
	assert.Nil(t, latest, "a stale submit must not archive anything")
}

func TestSubmit_NoAnswerSet(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Submit(context.Background(), testKey(), 0)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
}

func TestInProgress_CrossesVersions(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	key := testKey()

	_, err := svc.GetOrCreate(ctx, key)
	require.NoError(t, err)
	_, err = svc.SaveBlockAnswers(ctx, key, "b1", 0,
		map[string]models.AnswerValue{"applicant-name": textValue("Ada")},
		nil)
	require.NoError(t, err)

	// Lookup ignores the version the caller happens to know about.
	set, err := svc.InProgress(ctx, key.ApplicantID, key.ProgramSlug)
	require.NoError(t, err)
	require.NotNil(t, set)
	assert.Equal(t, key, set.Key())
	assert.Equal(t, "Ada", set.Answers["applicant-name"].Text)
}

func TestInProgress_NoneYet(t *testing.T) {
	svc := newTestService(t)
	set, err := svc.InProgress(context.Background(), "applicant-1", "food-assistance")
	require.NoError(t, err)
	assert.Nil(t, set)
}

func TestLatestApplication_NoneYet(t *testing.T) {
	svc := newTestService(t)
	latest, err := svc.LatestApplication(context.Background(), "applicant-1", "food-assistance")
	require.NoError(t, err)
	assert.Nil(t, latest)
}

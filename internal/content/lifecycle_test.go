// internal/content/lifecycle_test.go
package content

import (
	"context"
	"fmt"
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

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(NewMemStore(), nil, logger.NewTestLogger(t))
	seq := 0
	m.newID = func() string {
		seq++
		return fmt.Sprintf("v%d", seq)
	}
	require.NoError(t, m.EnsureInitialized(context.Background()))
	return m
}

func textQuestion(name string) models.QuestionRevision {
	return models.QuestionRevision{
		Name: name,
		Type: models.QuestionText,
		Text: "What is your " + name + "?",
	}
}

func simpleProgram(slug string, questionNames ...string) models.ProgramRevision {
	var refs []models.QuestionRef
	for _, name := range questionNames {
		refs = append(refs, models.QuestionRef{QuestionName: name})
	}
	return models.ProgramRevision{
		Slug:        slug,
		Name:        slug,
		DisplayMode: models.DisplayPublic,
		Blocks: []models.BlockDefinition{
			{ID: "b1", Name: "Block 1", Questions: refs},
		},
	}
}

// ==========================
// Editing Tests
// ==========================

func TestCreateQuestion_NameNeverReused(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateQuestion(ctx, textQuestion("applicant-name"))
	require.NoError(t, err)

	_, err = m.CreateQuestion(ctx, textQuestion("applicant-name"))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeVersionConflict))

	// Publish, tombstone, publish again: the name stays burned.
	_, err = m.Publish(ctx)
	require.NoError(t, err)
	require.NoError(t, m.TombstoneQuestion(ctx, "applicant-name"))
	_, err = m.Publish(ctx)
	require.NoError(t, err)

	_, err = m.CreateQuestion(ctx, textQuestion("applicant-name"))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeVersionConflict))
}

func TestCreateQuestion_UnknownType(t *testing.T) {
	m := newTestManager(t)
	q := textQuestion("q")
	q.Type = models.QuestionType("checkbox")
	_, err := m.CreateQuestion(context.Background(), q)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeVersionConflict))
}

func TestGetDraftQuestion_CopyOnWrite(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateQuestion(ctx, textQuestion("applicant-name"))
	require.NoError(t, err)
	_, err = m.Publish(ctx)
	require.NoError(t, err)

	ptr, err := m.store.Pointer(ctx)
	require.NoError(t, err)

	// No draft revision yet.
	rev, err := m.store.QuestionRevision(ctx, ptr.DraftVersionID, "applicant-name")
	require.NoError(t, err)
	assert.Nil(t, rev)

	// First write-intent clones the active revision into the draft.
	draft, err := m.GetDraftQuestion(ctx, "applicant-name")
	require.NoError(t, err)
	assert.Equal(t, ptr.DraftVersionID, draft.VersionID)

	rev, err = m.store.QuestionRevision(ctx, ptr.DraftVersionID, "applicant-name")
	require.NoError(t, err)
	require.NotNil(t, rev)
}

func TestUpdateDraftQuestion_ActiveUnaffected(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateQuestion(ctx, textQuestion("applicant-name"))
	require.NoError(t, err)
	_, err = m.Publish(ctx)
	require.NoError(t, err)

	_, err = m.UpdateDraftQuestion(ctx, "applicant-name", func(q *models.QuestionRevision) error {
		q.Text = "updated text"
		return nil
	})
	require.NoError(t, err)

	active, err := m.ActiveQuestion(ctx, "applicant-name")
	require.NoError(t, err)
	assert.Equal(t, "What is your applicant-name?", active.Text)

	draft, err := m.GetDraftQuestion(ctx, "applicant-name")
	require.NoError(t, err)
	assert.Equal(t, "updated text", draft.Text)
}

func TestUpdateDraftQuestion_NotFound(t *testing.T) {
	m := newTestManager(t)
	_, err := m.UpdateDraftQuestion(context.Background(), "no-such-question", func(q *models.QuestionRevision) error {
		return nil
	})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
}

func TestCreateProgram_SlugConflictAndPredicateValidation(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateProgram(ctx, simpleProgram("food-assistance"))
	require.NoError(t, err)
	_, err = m.CreateProgram(ctx, simpleProgram("food-assistance"))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeVersionConflict))

	// A predicate against a question absent from the draft is rejected at
	// authoring time.
	bad := simpleProgram("housing")
	bad.Blocks[0].Visibility = &models.PredicateNode{Leaf: &models.LeafNode{
		QuestionName: "no-such-question",
		Scalar:       models.ScalarText,
		Operator:     models.OpEqualTo,
		Values:       []string{"x"},
	}}
	_, err = m.CreateProgram(ctx, bad)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidPredicate))
}

func TestStore_ActiveVersionIsImmutable(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	rev, err := m.CreateQuestion(ctx, textQuestion("applicant-name"))
	require.NoError(t, err)
	_, err = m.Publish(ctx)
	require.NoError(t, err)

	// rev is still bound to the now-active version; direct writes to it
	// must be rejected.
	rev.Text = "tampered"
	err = m.store.PutQuestionRevision(ctx, rev)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeImmutableRevision))
}

// ==========================
// Publish Tests
// ==========================

func TestPublish_ReportAndCarryForward(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateQuestion(ctx, textQuestion("applicant-name"))
	require.NoError(t, err)
	_, err = m.CreateQuestion(ctx, textQuestion("applicant-city"))
	require.NoError(t, err)
	_, err = m.CreateProgram(ctx, simpleProgram("food-assistance", "applicant-name"))
	require.NoError(t, err)

	report, err := m.Publish(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"food-assistance"}, report.ChangedPrograms)
	assert.Equal(t, []string{"applicant-city", "applicant-name"}, report.ChangedQuestions)
	assert.NotEmpty(t, report.NewDraftVersionID)

	// Second publish: only the edited question is in the report, the rest
	// carries forward untouched.
	_, err = m.UpdateDraftQuestion(ctx, "applicant-city", func(q *models.QuestionRevision) error {
		q.Text = "Which city do you live in?"
		return nil
	})
	require.NoError(t, err)

	report, err = m.Publish(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.ChangedPrograms)
	assert.Equal(t, []string{"applicant-city"}, report.ChangedQuestions)

	// Carried-forward content is fully readable in the new active version.
	active, err := m.ActiveQuestion(ctx, "applicant-name")
	require.NoError(t, err)
	assert.Equal(t, "What is your applicant-name?", active.Text)
	program, err := m.ActiveProgram(ctx, "food-assistance")
	require.NoError(t, err)
	assert.Equal(t, active.VersionID, program.VersionID)
}

func TestPublish_EmptyDraft(t *testing.T) {
	m := newTestManager(t)
	report, err := m.Publish(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.ChangedPrograms)
	assert.Empty(t, report.ChangedQuestions)
}

func TestPublish_DanglingReferenceLeavesActiveUntouched(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateProgram(ctx, simpleProgram("food-assistance"))
	require.NoError(t, err)
	_, err = m.Publish(ctx)
	require.NoError(t, err)

	before, err := m.store.Pointer(ctx)
	require.NoError(t, err)

	// Reference a question that does not exist in the draft.
	_, err = m.UpdateDraftProgram(ctx, "food-assistance", func(p *models.ProgramRevision) error {
		p.Blocks[0].Questions = []models.QuestionRef{{QuestionName: "missing-question"}}
		return nil
	})
	require.NoError(t, err)

	_, err = m.Publish(ctx)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDanglingReference))

	after, err := m.store.Pointer(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after, "a failed publish must not move the pointer")

	// Fixing the draft makes the same publish retryable.
	_, err = m.CreateQuestion(ctx, textQuestion("missing-question"))
	require.NoError(t, err)
	_, err = m.Publish(ctx)
	assert.NoError(t, err)
}

func TestPublish_TombstonedQuestionStillReferenced(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateQuestion(ctx, textQuestion("applicant-name"))
	require.NoError(t, err)
	_, err = m.CreateProgram(ctx, simpleProgram("food-assistance", "applicant-name"))
	require.NoError(t, err)
	_, err = m.Publish(ctx)
	require.NoError(t, err)

	require.NoError(t, m.TombstoneQuestion(ctx, "applicant-name"))
	_, err = m.Publish(ctx)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDanglingReference))

	// Dropping the reference unblocks the deletion.
	_, err = m.UpdateDraftProgram(ctx, "food-assistance", func(p *models.ProgramRevision) error {
		p.Blocks[0].Questions = nil
		return nil
	})
	require.NoError(t, err)
	_, err = m.Publish(ctx)
	require.NoError(t, err)

	_, err = m.ActiveQuestion(ctx, "applicant-name")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
}

func TestPreviewPublish_DoesNotSwap(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateQuestion(ctx, textQuestion("applicant-name"))
	require.NoError(t, err)

	before, err := m.store.Pointer(ctx)
	require.NoError(t, err)

	report, err := m.PreviewPublish(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"applicant-name"}, report.ChangedQuestions)
	assert.Empty(t, report.PublishedAt)

	after, err := m.store.Pointer(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestPublish_ObsoleteVersionStaysReadable(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateQuestion(ctx, textQuestion("applicant-name"))
	require.NoError(t, err)
	_, err = m.CreateProgram(ctx, simpleProgram("food-assistance", "applicant-name"))
	require.NoError(t, err)
	_, err = m.Publish(ctx)
	require.NoError(t, err)

	oldProgram, err := m.ActiveProgram(ctx, "food-assistance")
	require.NoError(t, err)
	oldVersion := oldProgram.VersionID

	_, err = m.UpdateDraftProgram(ctx, "food-assistance", func(p *models.ProgramRevision) error {
		p.Name = "Food Assistance v2"
		return nil
	})
	require.NoError(t, err)
	_, err = m.Publish(ctx)
	require.NoError(t, err)

	// An applicant mid-application keeps reading the version they started
	// with, now obsolete.
	pinned, err := m.ProgramForVersion(ctx, oldVersion, "food-assistance")
	require.NoError(t, err)
	assert.Equal(t, "food-assistance", pinned.Name)

	current, err := m.ActiveProgram(ctx, "food-assistance")
	require.NoError(t, err)
	assert.Equal(t, "Food Assistance v2", current.Name)
}

func TestStorePublish_StalePointerRejected(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	ptr, err := m.store.Pointer(ctx)
	require.NoError(t, err)

	_, err = m.Publish(ctx)
	require.NoError(t, err)

	// A second publisher still holding the old pointer loses the race.
	_, err = m.store.Publish(ctx, ptr, PublishSet{
		NewDraft: models.Version{ID: "stale-draft", Stage: models.StageDraft},
	})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodePublishInProgress))
}

// ==========================
// Reader Tests
// ==========================

func TestDraftListings_OverlayActive(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateQuestion(ctx, textQuestion("applicant-name"))
	require.NoError(t, err)
	_, err = m.Publish(ctx)
	require.NoError(t, err)

	_, err = m.CreateQuestion(ctx, textQuestion("applicant-city"))
	require.NoError(t, err)
	_, err = m.UpdateDraftQuestion(ctx, "applicant-name", func(q *models.QuestionRevision) error {
		q.Text = "edited"
		return nil
	})
	require.NoError(t, err)

	list, err := m.DraftQuestions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "applicant-city", list[0].Name)
	assert.Equal(t, "applicant-name", list[1].Name)
	assert.Equal(t, "edited", list[1].Text)
}

func TestQuestionsForProgram_ResolvesPredicateReferences(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateQuestion(ctx, textQuestion("applicant-name"))
	require.NoError(t, err)
	income := textQuestion("household-income")
	income.Type = models.QuestionNumber
	_, err = m.CreateQuestion(ctx, income)
	require.NoError(t, err)

	p := simpleProgram("food-assistance", "applicant-name")
	p.Blocks[0].Visibility = &models.PredicateNode{Leaf: &models.LeafNode{
		QuestionName: "household-income",
		Scalar:       models.ScalarNumber,
		Operator:     models.OpLessThan,
		Values:       []string{"2000"},
	}}
	_, err = m.CreateProgram(ctx, p)
	require.NoError(t, err)
	_, err = m.Publish(ctx)
	require.NoError(t, err)

	program, err := m.ActiveProgram(ctx, "food-assistance")
	require.NoError(t, err)
	questions, err := m.QuestionsForProgram(ctx, program)
	require.NoError(t, err)
	assert.Len(t, questions, 2)
	assert.Contains(t, questions, "household-income")
}

func TestPublish_ReadersSeeOldOrNewGraph(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateProgram(ctx, simpleProgram("food-assistance"))
	require.NoError(t, err)
	_, err = m.Publish(ctx)
	require.NoError(t, err)

	_, err = m.UpdateDraftProgram(ctx, "food-assistance", func(p *models.ProgramRevision) error {
		p.Name = "Food Assistance v2"
		return nil
	})
	require.NoError(t, err)

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			p, err := m.ActiveProgram(ctx, "food-assistance")
			if err != nil {
				done <- err
				return
			}
			if p.Name != "food-assistance" && p.Name != "Food Assistance v2" {
				done <- fmt.Errorf("reader saw torn state %q", p.Name)
				return
			}
		}
	}()

	_, err = m.Publish(ctx)
	require.NoError(t, err)
	close(stop)
	require.NoError(t, <-done)
}

// Package content owns the versioned Question and Program entities: durable
// storage of immutable revisions grouped by version, and the lifecycle
// manager that edits drafts and performs the atomic publish.
package content

import (
	"context"

	"github.com/civiform/formflow/internal/models"
)

// Store is the durable revision arena. Revisions are keyed by
// (entity name, version id); a missing revision is returned as nil with no
// error. Implementations must make Publish atomic: a concurrent reader
// observes either the full pre-publish or full post-publish graph.
type Store interface {
	// Pointer returns the single active/draft version pointer record.
	Pointer(ctx context.Context) (models.VersionPointer, error)

	Version(ctx context.Context, id string) (*models.Version, error)
	CreateVersion(ctx context.Context, v models.Version) error

	QuestionRevision(ctx context.Context, versionID, name string) (*models.QuestionRevision, error)
	QuestionRevisions(ctx context.Context, versionID string) ([]*models.QuestionRevision, error)
	PutQuestionRevision(ctx context.Context, rev *models.QuestionRevision) error
	// QuestionNameUsed reports whether the name has ever existed in any
	// version. Names are never reused.
	QuestionNameUsed(ctx context.Context, name string) (bool, error)

	ProgramRevision(ctx context.Context, versionID, slug string) (*models.ProgramRevision, error)
	ProgramRevisions(ctx context.Context, versionID string) ([]*models.ProgramRevision, error)
	PutProgramRevision(ctx context.Context, rev *models.ProgramRevision) error

	// Publish performs the pointer swap in one transaction: carry-forward
	// revisions are inserted into the outgoing draft version, the active
	// version becomes obsolete, the draft becomes active, the new empty
	// draft is created, and the pointer row is updated, all or nothing.
	// The expected pointer guards against concurrent publishers.
	Publish(ctx context.Context, expected models.VersionPointer, set PublishSet) (models.VersionPointer, error)
}

// PublishSet is everything Publish writes besides the stage changes.
type PublishSet struct {
	// Carry revisions are active-version entities untouched in the draft,
	// re-bound to the draft version so the promoted version is complete.
	CarryQuestions []*models.QuestionRevision
	CarryPrograms  []*models.ProgramRevision
	NewDraft       models.Version
}

// Package answers owns applicant state: the mutable per-program answer
// sets with their optimistic concurrency tokens, and the immutable
// archived applications produced by submission.
package answers

import (
	"context"

	"github.com/civiform/formflow/internal/models"
)

// Store is the durable applicant-state arena. A missing answer set or
// application is returned as nil with no error.
type Store interface {
	AnswerSet(ctx context.Context, key models.AnswerSetKey) (*models.ApplicationAnswerSet, error)
	CreateAnswerSet(ctx context.Context, set *models.ApplicationAnswerSet) error
	// UpdateAnswerSet replaces the stored set only when its current token
	// equals expectedToken, failing with STALE_APPLICATION otherwise. This
	// is the last line of defense against two tabs racing a save.
	UpdateAnswerSet(ctx context.Context, set *models.ApplicationAnswerSet, expectedToken int64) error

	// LatestAnswerSet returns the most recently updated answer set of an
	// applicant for a program, across all versions, or nil when the
	// applicant never started the program. Lets navigation resume an
	// in-progress application on the version it was started on after a
	// publish moved the active pointer.
	LatestAnswerSet(ctx context.Context, applicantID, programSlug string) (*models.ApplicationAnswerSet, error)

	// LatestApplication returns the most recently submitted application of
	// an applicant for a program, across all versions.
	LatestApplication(ctx context.Context, applicantID, programSlug string) (*models.Application, error)
	CreateApplication(ctx context.Context, app *models.Application) error
}

// internal/answers/service.go
package answers

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/civiform/formflow/internal/common/errors"
	"github.com/civiform/formflow/internal/common/logger"
	"github.com/civiform/formflow/internal/common/metrics"
	"github.com/civiform/formflow/internal/models"
)

// Service implements the answer-set operations: block saves with token
// checks, block progress marks, and submission with duplicate detection.
type Service struct {
	store  Store
	logger logger.Logger
	now    func() time.Time
	newID  func() string
}

// NewService returns a Service over the given store.
func NewService(store Store, log logger.Logger) *Service {
	return &Service{
		store:  store,
		logger: log.WithFields(map[string]interface{}{"component": "answers"}),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.New().String() },
	}
}

// GetOrCreate returns the answer set for a key, creating an empty one with
// token zero on first touch.
func (s *Service) GetOrCreate(ctx context.Context, key models.AnswerSetKey) (*models.ApplicationAnswerSet, error) {
	set, err := s.store.AnswerSet(ctx, key)
	if err != nil {
		return nil, err
	}
	if set != nil {
		return set, nil
	}
	set = &models.ApplicationAnswerSet{
		ApplicantID: key.ApplicantID,
		ProgramSlug: key.ProgramSlug,
		VersionID:   key.VersionID,
		Answers:     make(map[string]models.AnswerValue),
		Blocks:      make(map[string]models.BlockState),
		Token:       0,
		CreatedAt:   s.now(),
		UpdatedAt:   s.now(),
	}
	if err := s.store.CreateAnswerSet(ctx, set); err != nil {
		return nil, err
	}
	return set, nil
}

// SaveBlockAnswers merges one block's submitted answers into the answer
// set. A zero AnswerValue in updates deletes the stored answer. The save
// presents the token the caller last read; a mismatch means another save
// landed in between and nothing is merged. Deleting an answer to a
// required question in the block is rejected; deleting optional answers is
// accepted silently.
func (s *Service) SaveBlockAnswers(ctx context.Context, key models.AnswerSetKey, blockID string, token int64, updates map[string]models.AnswerValue, required []string) (*models.ApplicationAnswerSet, error) {
	set, err := s.requireSet(ctx, key)
	if err != nil {
		return nil, err
	}
	if set.Token != token {
		metrics.BlockSaves.WithLabelValues("stale").Inc()
		return nil, apperrors.NewStaleApplicationError(token, set.Token)
	}

	next := set.Clone()
	for name, value := range updates {
		if value.IsZero() {
			delete(next.Answers, name)
			continue
		}
		next.Answers[name] = value
	}

	var missing []string
	for _, name := range required {
		if _, ok := next.Answers[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		metrics.BlockSaves.WithLabelValues("incomplete").Inc()
		return nil, apperrors.NewIncompleteRequiredAnswersError(blockID, missing)
	}

	next.Blocks[blockID] = models.BlockState{Seen: true, LastAttemptHadErrors: false}
	next.Token = set.Token + 1
	next.UpdatedAt = s.now()
	if err := s.store.UpdateAnswerSet(ctx, next, set.Token); err != nil {
		metrics.BlockSaves.WithLabelValues("stale").Inc()
		return nil, err
	}
	metrics.BlockSaves.WithLabelValues("saved").Inc()
	return next, nil
}

// MarkSeen records that a block was shown to the applicant. Monotonic, so
// it carries no token and leaves the token unchanged.
func (s *Service) MarkSeen(ctx context.Context, key models.AnswerSetKey, blockID string) error {
	set, err := s.requireSet(ctx, key)
	if err != nil {
		return err
	}
	state := set.Blocks[blockID]
	if state.Seen {
		return nil
	}
	state.Seen = true
	next := set.Clone()
	next.Blocks[blockID] = state
	next.UpdatedAt = s.now()
	return s.store.UpdateAnswerSet(ctx, next, set.Token)
}

// SetBlockErrorState records that the last save attempt for a block failed
// validation. The attempted answers are not persisted; only the flag is,
// so navigation can distinguish an errored block from an untouched one.
// Seen is left alone: an errored attempt does not complete a block, and
// marking it seen would let forward navigation skip past it.
func (s *Service) SetBlockErrorState(ctx context.Context, key models.AnswerSetKey, blockID string, hadErrors bool) error {
	set, err := s.requireSet(ctx, key)
	if err != nil {
		return err
	}
	next := set.Clone()
	state := next.Blocks[blockID]
	state.LastAttemptHadErrors = hadErrors
	next.Blocks[blockID] = state
	next.UpdatedAt = s.now()
	return s.store.UpdateAnswerSet(ctx, next, set.Token)
}

// Submit archives the answer set as an immutable Application. The caller's
// expectedToken must match the stored token so a stale tab cannot archive
// answers it has never seen. If the answers are value-equal to the
// applicant's latest archived application for the program, the submission
// is rejected as a duplicate and nothing is written. The answer set itself
// is retained either way.
func (s *Service) Submit(ctx context.Context, key models.AnswerSetKey, expectedToken int64) (*models.Application, error) {
	set, err := s.requireSet(ctx, key)
	if err != nil {
		return nil, err
	}
	if set.Token != expectedToken {
		metrics.Submissions.WithLabelValues("stale").Inc()
		return nil, apperrors.NewStaleApplicationError(expectedToken, set.Token)
	}

	latest, err := s.store.LatestApplication(ctx, key.ApplicantID, key.ProgramSlug)
	if err != nil {
		return nil, err
	}
	if latest != nil && models.AnswersEqual(set.Answers, latest.Answers) {
		metrics.Submissions.WithLabelValues("duplicate").Inc()
		return nil, apperrors.NewDuplicateSubmissionError(latest.ID)
	}

	app := &models.Application{
		ID:          s.newID(),
		ApplicantID: key.ApplicantID,
		ProgramSlug: key.ProgramSlug,
		VersionID:   key.VersionID,
		Answers:     set.Clone().Answers,
		SubmittedAt: s.now(),
	}
	if err := s.store.CreateApplication(ctx, app); err != nil {
		return nil, err
	}
	metrics.Submissions.WithLabelValues("submitted").Inc()
	s.logger.Info("application submitted", map[string]interface{}{
		"applicationId": app.ID,
		"program":       app.ProgramSlug,
	})
	return app, nil
}

// InProgress returns the applicant's most recently updated answer set for
// a program regardless of version, or nil when none exists. Callers use it
// to keep an applicant on the version they started on after a publish.
func (s *Service) InProgress(ctx context.Context, applicantID, programSlug string) (*models.ApplicationAnswerSet, error) {
	return s.store.LatestAnswerSet(ctx, applicantID, programSlug)
}

// LatestApplication exposes the most recent archived submission.
func (s *Service) LatestApplication(ctx context.Context, applicantID, programSlug string) (*models.Application, error) {
	return s.store.LatestApplication(ctx, applicantID, programSlug)
}

func (s *Service) requireSet(ctx context.Context, key models.AnswerSetKey) (*models.ApplicationAnswerSet, error) {
	set, err := s.store.AnswerSet(ctx, key)
	if err != nil {
		return nil, err
	}
	if set == nil {
		return nil, apperrors.NewNotFoundError("answer set", key.ApplicantID+"/"+key.ProgramSlug)
	}
	return set, nil
}

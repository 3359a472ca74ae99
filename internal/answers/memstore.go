// internal/answers/memstore.go
package answers

import (
	"context"
	"sync"

	apperrors "github.com/civiform/formflow/internal/common/errors"
	"github.com/civiform/formflow/internal/models"
)

// MemStore is the in-memory Store used by tests and single-node
// deployments.
type MemStore struct {
	mu           sync.RWMutex
	sets         map[models.AnswerSetKey]*models.ApplicationAnswerSet
	applications []*models.Application
}

func NewMemStore() *MemStore {
	return &MemStore{
		sets: make(map[models.AnswerSetKey]*models.ApplicationAnswerSet),
	}
}

func (s *MemStore) AnswerSet(ctx context.Context, key models.AnswerSetKey) (*models.ApplicationAnswerSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.sets[key]
	if !ok {
		return nil, nil
	}
	return set.Clone(), nil
}

func (s *MemStore) CreateAnswerSet(ctx context.Context, set *models.ApplicationAnswerSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sets[set.Key()]; exists {
		return apperrors.NewVersionConflictError("answer set already exists")
	}
	s.sets[set.Key()] = set.Clone()
	return nil
}

func (s *MemStore) UpdateAnswerSet(ctx context.Context, set *models.ApplicationAnswerSet, expectedToken int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.sets[set.Key()]
	if !ok {
		return apperrors.NewNotFoundError("answer set", set.ApplicantID+"/"+set.ProgramSlug)
	}
	if current.Token != expectedToken {
		return apperrors.NewStaleApplicationError(expectedToken, current.Token)
	}
	s.sets[set.Key()] = set.Clone()
	return nil
}

func (s *MemStore) LatestAnswerSet(ctx context.Context, applicantID, programSlug string) (*models.ApplicationAnswerSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *models.ApplicationAnswerSet
	for _, set := range s.sets {
		if set.ApplicantID != applicantID || set.ProgramSlug != programSlug {
			continue
		}
		if latest == nil || set.UpdatedAt.After(latest.UpdatedAt) {
			latest = set
		}
	}
	if latest == nil {
		return nil, nil
	}
	return latest.Clone(), nil
}

func (s *MemStore) LatestApplication(ctx context.Context, applicantID, programSlug string) (*models.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *models.Application
	for _, app := range s.applications {
		if app.ApplicantID != applicantID || app.ProgramSlug != programSlug {
			continue
		}
		if latest == nil || app.SubmittedAt.After(latest.SubmittedAt) {
			latest = app
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	cp.Answers = make(map[string]models.AnswerValue, len(latest.Answers))
	for k, v := range latest.Answers {
		cp.Answers[k] = v
	}
	return &cp, nil
}

func (s *MemStore) CreateApplication(ctx context.Context, app *models.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *app
	cp.Answers = make(map[string]models.AnswerValue, len(app.Answers))
	for k, v := range app.Answers {
		cp.Answers[k] = v
	}
	s.applications = append(s.applications, &cp)
	return nil
}

// internal/content/memstore.go
package content

import (
	"context"
	"sync"

	apperrors "github.com/civiform/formflow/internal/common/errors"
	"github.com/civiform/formflow/internal/models"
)

// MemStore is the in-memory Store used by tests and single-node
// deployments. All operations run under one mutex, so a publish is atomic
// by construction.
type MemStore struct {
	mu        sync.RWMutex
	pointer   models.VersionPointer
	versions  map[string]models.Version
	questions map[string]map[string]*models.QuestionRevision // versionID -> name -> rev
	programs  map[string]map[string]*models.ProgramRevision  // versionID -> slug -> rev
	usedNames map[string]bool
}

func NewMemStore() *MemStore {
	return &MemStore{
		versions:  make(map[string]models.Version),
		questions: make(map[string]map[string]*models.QuestionRevision),
		programs:  make(map[string]map[string]*models.ProgramRevision),
		usedNames: make(map[string]bool),
	}
}

func (s *MemStore) Pointer(ctx context.Context) (models.VersionPointer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pointer, nil
}

func (s *MemStore) Version(ctx context.Context, id string) (*models.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.versions[id]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (s *MemStore) CreateVersion(ctx context.Context, v models.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[v.ID] = v
	if s.questions[v.ID] == nil {
		s.questions[v.ID] = make(map[string]*models.QuestionRevision)
	}
	if s.programs[v.ID] == nil {
		s.programs[v.ID] = make(map[string]*models.ProgramRevision)
	}
	// First version pair ever: install the pointer.
	switch v.Stage {
	case models.StageActive:
		if s.pointer.ActiveVersionID == "" {
			s.pointer.ActiveVersionID = v.ID
		}
	case models.StageDraft:
		if s.pointer.DraftVersionID == "" {
			s.pointer.DraftVersionID = v.ID
		}
	}
	return nil
}

func (s *MemStore) QuestionRevision(ctx context.Context, versionID, name string) (*models.QuestionRevision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rev, ok := s.questions[versionID][name]
	if !ok {
		return nil, nil
	}
	return rev.Clone(rev.VersionID), nil
}

func (s *MemStore) QuestionRevisions(ctx context.Context, versionID string) ([]*models.QuestionRevision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.QuestionRevision, 0, len(s.questions[versionID]))
	for _, rev := range s.questions[versionID] {
		out = append(out, rev.Clone(rev.VersionID))
	}
	return out, nil
}

func (s *MemStore) PutQuestionRevision(ctx context.Context, rev *models.QuestionRevision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkWritable(rev.VersionID); err != nil {
		return err
	}
	s.questions[rev.VersionID][rev.Name] = rev.Clone(rev.VersionID)
	s.usedNames[rev.Name] = true
	return nil
}

func (s *MemStore) QuestionNameUsed(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usedNames[name], nil
}

func (s *MemStore) ProgramRevision(ctx context.Context, versionID, slug string) (*models.ProgramRevision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rev, ok := s.programs[versionID][slug]
	if !ok {
		return nil, nil
	}
	return rev.Clone(rev.VersionID), nil
}

func (s *MemStore) ProgramRevisions(ctx context.Context, versionID string) ([]*models.ProgramRevision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.ProgramRevision, 0, len(s.programs[versionID]))
	for _, rev := range s.programs[versionID] {
		out = append(out, rev.Clone(rev.VersionID))
	}
	return out, nil
}

func (s *MemStore) PutProgramRevision(ctx context.Context, rev *models.ProgramRevision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkWritable(rev.VersionID); err != nil {
		return err
	}
	s.programs[rev.VersionID][rev.Slug] = rev.Clone(rev.VersionID)
	return nil
}

// checkWritable rejects writes to any version except the current draft.
// Callers hold s.mu.
func (s *MemStore) checkWritable(versionID string) error {
	if versionID != s.pointer.DraftVersionID {
		return apperrors.NewImmutableRevisionError("version " + versionID + " is not the draft")
	}
	return nil
}

func (s *MemStore) Publish(ctx context.Context, expected models.VersionPointer, set PublishSet) (models.VersionPointer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pointer.Revision != expected.Revision {
		return models.VersionPointer{}, apperrors.NewPublishInProgressError()
	}

	draftID := s.pointer.DraftVersionID
	activeID := s.pointer.ActiveVersionID

	for _, q := range set.CarryQuestions {
		s.questions[draftID][q.Name] = q.Clone(draftID)
	}
	for _, p := range set.CarryPrograms {
		s.programs[draftID][p.Slug] = p.Clone(draftID)
	}

	if v, ok := s.versions[activeID]; ok {
		v.Stage = models.StageObsolete
		s.versions[activeID] = v
	}
	draft := s.versions[draftID]
	draft.Stage = models.StageActive
	s.versions[draftID] = draft

	s.versions[set.NewDraft.ID] = set.NewDraft
	s.questions[set.NewDraft.ID] = make(map[string]*models.QuestionRevision)
	s.programs[set.NewDraft.ID] = make(map[string]*models.ProgramRevision)

	s.pointer = models.VersionPointer{
		ActiveVersionID: draftID,
		DraftVersionID:  set.NewDraft.ID,
		Revision:        s.pointer.Revision + 1,
	}
	return s.pointer, nil
}

// internal/content/lifecycle.go
package content

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/civiform/formflow/internal/common/errors"
	"github.com/civiform/formflow/internal/common/logger"
	"github.com/civiform/formflow/internal/common/metrics"
	"github.com/civiform/formflow/internal/models"
	"github.com/civiform/formflow/internal/questiontypes"
)

// Manager is the version lifecycle manager. Edits go to the draft version
// only, cloning published content on first write-intent; Publish promotes
// the draft atomically. A single Manager is the single writer for content.
type Manager struct {
	store  Store
	cache  *RevisionCache
	logger logger.Logger

	// publishMu serializes publishes in-process; the pointer revision guard
	// in the store covers other writers.
	publishMu sync.Mutex

	now   func() time.Time
	newID func() string
}

// NewManager returns a Manager. The cache may be nil.
func NewManager(store Store, cache *RevisionCache, log logger.Logger) *Manager {
	return &Manager{
		store:  store,
		cache:  cache,
		logger: log.WithFields(map[string]interface{}{"component": "content"}),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.New().String() },
	}
}

// EnsureInitialized creates the initial empty active/draft version pair if
// the store has none, so a draft version always exists once any content
// does.
func (m *Manager) EnsureInitialized(ctx context.Context) error {
	ptr, err := m.store.Pointer(ctx)
	if err != nil {
		return err
	}
	if ptr.ActiveVersionID != "" && ptr.DraftVersionID != "" {
		return nil
	}
	active := models.Version{ID: m.newID(), Stage: models.StageActive, CreatedAt: m.now()}
	draft := models.Version{ID: m.newID(), Stage: models.StageDraft, CreatedAt: m.now()}
	if err := m.store.CreateVersion(ctx, active); err != nil {
		return err
	}
	if err := m.store.CreateVersion(ctx, draft); err != nil {
		return err
	}
	m.logger.Info("initialized version pair", map[string]interface{}{
		"activeVersionId": active.ID,
		"draftVersionId":  draft.ID,
	})
	return nil
}

// ==========================
// Question editing
// ==========================

// CreateQuestion adds a new question to the draft version. Question names
// are globally unique and never reused, even across deletions.
func (m *Manager) CreateQuestion(ctx context.Context, q models.QuestionRevision) (*models.QuestionRevision, error) {
	if q.Name == "" {
		return nil, apperrors.NewVersionConflictError("question name is required")
	}
	if _, ok := questiontypes.ForType(q.Type); !ok {
		return nil, apperrors.NewVersionConflictError("unknown question type " + string(q.Type))
	}
	used, err := m.store.QuestionNameUsed(ctx, q.Name)
	if err != nil {
		return nil, err
	}
	if used {
		return nil, apperrors.NewVersionConflictError("question name " + q.Name + " already used")
	}
	ptr, err := m.requireDraft(ctx)
	if err != nil {
		return nil, err
	}
	rev := q.Clone(ptr.DraftVersionID)
	if err := m.store.PutQuestionRevision(ctx, rev); err != nil {
		return nil, err
	}
	m.logger.Info("question created", map[string]interface{}{"question": q.Name})
	return rev, nil
}

// GetDraftQuestion returns the draft revision of a question, cloning the
// active revision into the draft on first write-intent.
func (m *Manager) GetDraftQuestion(ctx context.Context, name string) (*models.QuestionRevision, error) {
	ptr, err := m.requireDraft(ctx)
	if err != nil {
		return nil, err
	}
	rev, err := m.store.QuestionRevision(ctx, ptr.DraftVersionID, name)
	if err != nil {
		return nil, err
	}
	if rev != nil {
		return rev, nil
	}
	active, err := m.store.QuestionRevision(ctx, ptr.ActiveVersionID, name)
	if err != nil {
		return nil, err
	}
	if active == nil {
		return nil, apperrors.NewNotFoundError("question", name)
	}
	clone := active.Clone(ptr.DraftVersionID)
	if err := m.store.PutQuestionRevision(ctx, clone); err != nil {
		return nil, err
	}
	return clone, nil
}

// UpdateDraftQuestion applies a mutation to the draft revision. Identity
// and version binding cannot be mutated.
func (m *Manager) UpdateDraftQuestion(ctx context.Context, name string, mutate func(*models.QuestionRevision) error) (*models.QuestionRevision, error) {
	rev, err := m.GetDraftQuestion(ctx, name)
	if err != nil {
		return nil, err
	}
	origName, origVersion, origType := rev.Name, rev.VersionID, rev.Type
	if err := mutate(rev); err != nil {
		return nil, err
	}
	rev.Name, rev.VersionID, rev.Type = origName, origVersion, origType
	if err := m.store.PutQuestionRevision(ctx, rev); err != nil {
		return nil, err
	}
	return rev, nil
}

// TombstoneQuestion marks a question deleted in the draft. Publish fails
// with DANGLING_REFERENCE while any program still references it.
func (m *Manager) TombstoneQuestion(ctx context.Context, name string) error {
	_, err := m.UpdateDraftQuestion(ctx, name, func(q *models.QuestionRevision) error {
		q.Tombstoned = true
		return nil
	})
	return err
}

// ==========================
// Program editing
// ==========================

// CreateProgram adds a new program to the draft version.
func (m *Manager) CreateProgram(ctx context.Context, p models.ProgramRevision) (*models.ProgramRevision, error) {
	if p.Slug == "" {
		return nil, apperrors.NewVersionConflictError("program slug is required")
	}
	ptr, err := m.requireDraft(ctx)
	if err != nil {
		return nil, err
	}
	existing, err := m.effectiveProgram(ctx, ptr, p.Slug)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, apperrors.NewVersionConflictError("program slug " + p.Slug + " already exists")
	}
	if p.DisplayMode == "" {
		p.DisplayMode = models.DisplayPublic
	}
	rev := p.Clone(ptr.DraftVersionID)
	if err := m.validateProgram(ctx, ptr, rev); err != nil {
		return nil, err
	}
	if err := m.store.PutProgramRevision(ctx, rev); err != nil {
		return nil, err
	}
	m.logger.Info("program created", map[string]interface{}{"program": p.Slug})
	return rev, nil
}

// GetDraftProgram returns the draft revision of a program, cloning the
// active revision into the draft on first write-intent.
func (m *Manager) GetDraftProgram(ctx context.Context, slug string) (*models.ProgramRevision, error) {
	ptr, err := m.requireDraft(ctx)
	if err != nil {
		return nil, err
	}
	rev, err := m.store.ProgramRevision(ctx, ptr.DraftVersionID, slug)
	if err != nil {
		return nil, err
	}
	if rev != nil {
		return rev, nil
	}
	active, err := m.store.ProgramRevision(ctx, ptr.ActiveVersionID, slug)
	if err != nil {
		return nil, err
	}
	if active == nil {
		return nil, apperrors.NewNotFoundError("program", slug)
	}
	clone := active.Clone(ptr.DraftVersionID)
	if err := m.store.PutProgramRevision(ctx, clone); err != nil {
		return nil, err
	}
	return clone, nil
}

// UpdateDraftProgram applies a mutation to the draft revision and
// re-validates question references and predicates against the draft
// question set.
func (m *Manager) UpdateDraftProgram(ctx context.Context, slug string, mutate func(*models.ProgramRevision) error) (*models.ProgramRevision, error) {
	ptr, err := m.requireDraft(ctx)
	if err != nil {
		return nil, err
	}
	rev, err := m.GetDraftProgram(ctx, slug)
	if err != nil {
		return nil, err
	}
	origSlug, origVersion := rev.Slug, rev.VersionID
	if err := mutate(rev); err != nil {
		return nil, err
	}
	rev.Slug, rev.VersionID = origSlug, origVersion
	if err := m.validateProgram(ctx, ptr, rev); err != nil {
		return nil, err
	}
	if err := m.store.PutProgramRevision(ctx, rev); err != nil {
		return nil, err
	}
	return rev, nil
}

// validateProgram checks predicates at authoring time against the
// effective draft question set. Question references may point at questions
// that do not exist yet; only publish hard-fails on those.
func (m *Manager) validateProgram(ctx context.Context, ptr models.VersionPointer, p *models.ProgramRevision) error {
	questions, err := m.effectiveQuestions(ctx, ptr)
	if err != nil {
		return err
	}
	for i := range p.Blocks {
		block := &p.Blocks[i]
		for _, pred := range []*models.PredicateNode{block.Visibility, block.Eligibility} {
			if pred == nil {
				continue
			}
			if err := questiontypes.ValidatePredicate(*pred, questions); err != nil {
				return err
			}
		}
	}
	return nil
}

// ==========================
// Readers
// ==========================

// ActiveProgram returns the published revision of a program.
func (m *Manager) ActiveProgram(ctx context.Context, slug string) (*models.ProgramRevision, error) {
	ptr, err := m.store.Pointer(ctx)
	if err != nil {
		return nil, err
	}
	return m.ProgramForVersion(ctx, ptr.ActiveVersionID, slug)
}

// ActivePrograms lists every published program, sorted by slug. Hidden
// programs are included; the rendering layer filters by display mode.
func (m *Manager) ActivePrograms(ctx context.Context) ([]*models.ProgramRevision, error) {
	ptr, err := m.store.Pointer(ctx)
	if err != nil {
		return nil, err
	}
	revs, err := m.store.ProgramRevisions(ctx, ptr.ActiveVersionID)
	if err != nil {
		return nil, err
	}
	sort.Slice(revs, func(i, j int) bool { return revs[i].Slug < revs[j].Slug })
	return revs, nil
}

// ActiveQuestion returns the published revision of a question.
func (m *Manager) ActiveQuestion(ctx context.Context, name string) (*models.QuestionRevision, error) {
	ptr, err := m.store.Pointer(ctx)
	if err != nil {
		return nil, err
	}
	return m.QuestionForVersion(ctx, ptr.ActiveVersionID, name)
}

// ProgramForVersion returns a program revision from any version, active or
// obsolete. Applicants mid-application keep reading the version they
// started on.
func (m *Manager) ProgramForVersion(ctx context.Context, versionID, slug string) (*models.ProgramRevision, error) {
	if m.cache != nil {
		if rev, ok := m.cache.GetProgram(ctx, versionID, slug); ok {
			return rev, nil
		}
	}
	rev, err := m.store.ProgramRevision(ctx, versionID, slug)
	if err != nil {
		return nil, err
	}
	if rev == nil {
		return nil, apperrors.NewNotFoundError("program", slug)
	}
	if m.cache != nil {
		m.cache.SetProgram(ctx, rev)
	}
	return rev, nil
}

// QuestionForVersion returns a question revision from any version.
// Tombstoned questions read as not found.
func (m *Manager) QuestionForVersion(ctx context.Context, versionID, name string) (*models.QuestionRevision, error) {
	if m.cache != nil {
		if rev, ok := m.cache.GetQuestion(ctx, versionID, name); ok && !rev.Tombstoned {
			return rev, nil
		}
	}
	rev, err := m.store.QuestionRevision(ctx, versionID, name)
	if err != nil {
		return nil, err
	}
	if rev == nil || rev.Tombstoned {
		return nil, apperrors.NewNotFoundError("question", name)
	}
	if m.cache != nil {
		m.cache.SetQuestion(ctx, rev)
	}
	return rev, nil
}

// QuestionsForProgram resolves every question a program references, keyed
// by name, from the program's own version.
func (m *Manager) QuestionsForProgram(ctx context.Context, p *models.ProgramRevision) (map[string]*models.QuestionRevision, error) {
	out := make(map[string]*models.QuestionRevision)
	for _, name := range p.ReferencedQuestionNames() {
		rev, err := m.QuestionForVersion(ctx, p.VersionID, name)
		if err != nil {
			return nil, err
		}
		out[name] = rev
	}
	return out, nil
}

// DraftQuestions lists the effective draft question set: draft revisions
// overlaid on the active ones. Used by the admin edit surface.
func (m *Manager) DraftQuestions(ctx context.Context) ([]*models.QuestionRevision, error) {
	ptr, err := m.requireDraft(ctx)
	if err != nil {
		return nil, err
	}
	questions, err := m.effectiveQuestions(ctx, ptr)
	if err != nil {
		return nil, err
	}
	out := make([]*models.QuestionRevision, 0, len(questions))
	for _, rev := range questions {
		out = append(out, rev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DraftPrograms lists the effective draft program set.
func (m *Manager) DraftPrograms(ctx context.Context) ([]*models.ProgramRevision, error) {
	ptr, err := m.requireDraft(ctx)
	if err != nil {
		return nil, err
	}
	programs, err := m.effectivePrograms(ctx, ptr)
	if err != nil {
		return nil, err
	}
	out := make([]*models.ProgramRevision, 0, len(programs))
	for _, rev := range programs {
		out = append(out, rev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

// ==========================
// Publish
// ==========================

// PreviewPublish computes the publish report without performing the swap.
// Consumed by the admin confirmation step.
func (m *Manager) PreviewPublish(ctx context.Context) (*models.PublishReport, error) {
	ptr, err := m.requireDraft(ctx)
	if err != nil {
		return nil, err
	}
	report, _, _, err := m.buildPublishPlan(ctx, ptr)
	if err != nil {
		return nil, err
	}
	return report, nil
}

// Publish atomically promotes the draft version: active becomes obsolete,
// draft becomes active, a new empty draft opens. On any failure the draft
// is left unchanged and the publish is fully retryable.
func (m *Manager) Publish(ctx context.Context) (*models.PublishReport, error) {
	if !m.publishMu.TryLock() {
		return nil, apperrors.NewPublishInProgressError()
	}
	defer m.publishMu.Unlock()

	start := m.now()
	ptr, err := m.requireDraft(ctx)
	if err != nil {
		return nil, err
	}

	report, carryQuestions, carryPrograms, err := m.buildPublishPlan(ctx, ptr)
	if err != nil {
		metrics.PublishFailures.WithLabelValues(string(apperrors.CodeOf(err))).Inc()
		return nil, err
	}

	newDraft := models.Version{ID: m.newID(), Stage: models.StageDraft, CreatedAt: m.now()}
	if _, err := m.store.Publish(ctx, ptr, PublishSet{
		CarryQuestions: carryQuestions,
		CarryPrograms:  carryPrograms,
		NewDraft:       newDraft,
	}); err != nil {
		metrics.PublishFailures.WithLabelValues(string(apperrors.CodeOf(err))).Inc()
		return nil, err
	}

	if m.cache != nil {
		m.cache.InvalidateVersion(ctx, ptr.ActiveVersionID)
	}

	report.NewDraftVersionID = newDraft.ID
	report.PublishedAt = m.now()
	metrics.PublishesTotal.Inc()
	metrics.PublishDuration.Observe(m.now().Sub(start).Seconds())
	m.logger.Info("published version", map[string]interface{}{
		"versionId":        report.PublishedVersionID,
		"changedPrograms":  len(report.ChangedPrograms),
		"changedQuestions": len(report.ChangedQuestions),
	})
	return report, nil
}

// buildPublishPlan computes the changed-entity report, the carry-forward
// set, and runs the referential integrity check over the effective draft
// graph.
func (m *Manager) buildPublishPlan(ctx context.Context, ptr models.VersionPointer) (*models.PublishReport, []*models.QuestionRevision, []*models.ProgramRevision, error) {
	draftQuestions, err := m.store.QuestionRevisions(ctx, ptr.DraftVersionID)
	if err != nil {
		return nil, nil, nil, err
	}
	draftPrograms, err := m.store.ProgramRevisions(ctx, ptr.DraftVersionID)
	if err != nil {
		return nil, nil, nil, err
	}
	activeQuestions, err := m.store.QuestionRevisions(ctx, ptr.ActiveVersionID)
	if err != nil {
		return nil, nil, nil, err
	}
	activePrograms, err := m.store.ProgramRevisions(ctx, ptr.ActiveVersionID)
	if err != nil {
		return nil, nil, nil, err
	}

	draftQuestionNames := make(map[string]*models.QuestionRevision, len(draftQuestions))
	for _, q := range draftQuestions {
		draftQuestionNames[q.Name] = q
	}
	draftProgramSlugs := make(map[string]*models.ProgramRevision, len(draftPrograms))
	for _, p := range draftPrograms {
		draftProgramSlugs[p.Slug] = p
	}

	// Effective promoted graph: draft revisions win over carried-forward
	// active ones.
	effectiveQuestions := make(map[string]*models.QuestionRevision)
	var carryQuestions []*models.QuestionRevision
	for _, q := range activeQuestions {
		if _, edited := draftQuestionNames[q.Name]; edited {
			continue
		}
		effectiveQuestions[q.Name] = q
		carryQuestions = append(carryQuestions, q)
	}
	for name, q := range draftQuestionNames {
		effectiveQuestions[name] = q
	}

	effectivePrograms := make(map[string]*models.ProgramRevision)
	var carryPrograms []*models.ProgramRevision
	for _, p := range activePrograms {
		if _, edited := draftProgramSlugs[p.Slug]; edited {
			continue
		}
		effectivePrograms[p.Slug] = p
		carryPrograms = append(carryPrograms, p)
	}
	for slug, p := range draftProgramSlugs {
		effectivePrograms[slug] = p
	}

	// Referential integrity: every reference in the promoted graph must
	// resolve to a live question in the same version.
	for _, p := range effectivePrograms {
		for _, name := range p.ReferencedQuestionNames() {
			q, ok := effectiveQuestions[name]
			if !ok || q.Tombstoned {
				return nil, nil, nil, apperrors.NewDanglingReferenceError(p.Slug, name)
			}
		}
	}

	report := &models.PublishReport{
		PublishedVersionID: ptr.DraftVersionID,
		ChangedPrograms:    sortedKeysP(draftProgramSlugs),
		ChangedQuestions:   sortedKeysQ(draftQuestionNames),
	}
	return report, carryQuestions, carryPrograms, nil
}

// requireDraft returns the pointer, failing if no draft version is open.
// After EnsureInitialized this cannot happen.
func (m *Manager) requireDraft(ctx context.Context) (models.VersionPointer, error) {
	ptr, err := m.store.Pointer(ctx)
	if err != nil {
		return ptr, err
	}
	if ptr.DraftVersionID == "" {
		return ptr, apperrors.NewVersionConflictError("no draft version open")
	}
	return ptr, nil
}

func (m *Manager) effectiveQuestions(ctx context.Context, ptr models.VersionPointer) (map[string]*models.QuestionRevision, error) {
	out := make(map[string]*models.QuestionRevision)
	active, err := m.store.QuestionRevisions(ctx, ptr.ActiveVersionID)
	if err != nil {
		return nil, err
	}
	for _, q := range active {
		out[q.Name] = q
	}
	draft, err := m.store.QuestionRevisions(ctx, ptr.DraftVersionID)
	if err != nil {
		return nil, err
	}
	for _, q := range draft {
		out[q.Name] = q
	}
	return out, nil
}

func (m *Manager) effectivePrograms(ctx context.Context, ptr models.VersionPointer) (map[string]*models.ProgramRevision, error) {
	out := make(map[string]*models.ProgramRevision)
	active, err := m.store.ProgramRevisions(ctx, ptr.ActiveVersionID)
	if err != nil {
		return nil, err
	}
	for _, p := range active {
		out[p.Slug] = p
	}
	draft, err := m.store.ProgramRevisions(ctx, ptr.DraftVersionID)
	if err != nil {
		return nil, err
	}
	for _, p := range draft {
		out[p.Slug] = p
	}
	return out, nil
}

func (m *Manager) effectiveProgram(ctx context.Context, ptr models.VersionPointer, slug string) (*models.ProgramRevision, error) {
	rev, err := m.store.ProgramRevision(ctx, ptr.DraftVersionID, slug)
	if err != nil || rev != nil {
		return rev, err
	}
	return m.store.ProgramRevision(ctx, ptr.ActiveVersionID, slug)
}

func sortedKeysQ(m map[string]*models.QuestionRevision) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedKeysP(m map[string]*models.ProgramRevision) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

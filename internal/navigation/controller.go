// internal/navigation/controller.go
package navigation

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/civiform/formflow/internal/answers"
	apperrors "github.com/civiform/formflow/internal/common/errors"
	"github.com/civiform/formflow/internal/common/logger"
	"github.com/civiform/formflow/internal/content"
	"github.com/civiform/formflow/internal/models"
	"github.com/civiform/formflow/internal/predicate"
)

// State is the navigation state of one in-progress application.
type State string

const (
	StateAnswering  State = "ANSWERING_BLOCK"
	StateReview     State = "REVIEW"
	StateIneligible State = "INELIGIBLE"
	StateSubmitted  State = "SUBMITTED"
	StateDuplicate  State = "DUPLICATE"
)

// Position is the controller's answer to a navigation request: where the
// applicant is now and what the rendering layer should show there.
type Position struct {
	State   State
	BlockID string
	// Token is the answer-set token the applicant must present with the
	// next save.
	Token int64
	// FieldErrors is set when the applicant stays on a block after a
	// failed save attempt. Empty on an untouched incomplete block.
	FieldErrors FieldErrors
	// NeedsConfirmation is set when a backward move deleted previously
	// saved required answers: the applicant chooses between staying to fix
	// them and leaving without saving.
	NeedsConfirmation bool
	// MayQualify carries the advisory eligibility signal. Nil until every
	// question an eligibility predicate references has been answered.
	MayQualify *bool
	// Application is set when State is StateSubmitted.
	Application *models.Application
	// DuplicateOf names the archived application a duplicate submission
	// matched.
	DuplicateOf string
}

// Controller orchestrates content, answers and the predicate engine into
// the per-application state machine.
type Controller struct {
	content *content.Manager
	answers *answers.Service
	engine  *predicate.Engine
	logger  logger.Logger
}

// NewController returns a Controller.
func NewController(cm *content.Manager, as *answers.Service, engine *predicate.Engine, log logger.Logger) *Controller {
	return &Controller{
		content: cm,
		answers: as,
		engine:  engine,
		logger:  log.WithFields(map[string]interface{}{"component": "navigation"}),
	}
}

// session is everything one navigation request needs: the program revision
// the applicant started on, its questions, and the current answer set.
type session struct {
	program   *models.ProgramRevision
	questions map[string]*models.QuestionRevision
	types     map[string]models.QuestionType
	set       *models.ApplicationAnswerSet
}

func (c *Controller) load(ctx context.Context, key models.AnswerSetKey) (*session, error) {
	program, err := c.content.ProgramForVersion(ctx, key.VersionID, key.ProgramSlug)
	if err != nil {
		return nil, err
	}
	questions, err := c.content.QuestionsForProgram(ctx, program)
	if err != nil {
		return nil, err
	}
	types := make(map[string]models.QuestionType, len(questions))
	for name, q := range questions {
		types[name] = q.Type
	}
	set, err := c.answers.GetOrCreate(ctx, key)
	if err != nil {
		return nil, err
	}
	return &session{program: program, questions: questions, types: types, set: set}, nil
}

// Start returns the applicant's entry position: the first not-yet-seen
// visible block, or Review when every visible block is already seen.
func (c *Controller) Start(ctx context.Context, key models.AnswerSetKey) (*Position, error) {
	s, err := c.load(ctx, key)
	if err != nil {
		return nil, err
	}
	return c.forwardFrom(ctx, s, ""), nil
}

// VisibleBlocks computes the navigable sequence: the program's blocks in
// order, filtered to those whose visibility predicate evaluates true over
// the current answers. Recomputed on every call because any save can
// change it.
func (c *Controller) VisibleBlocks(ctx context.Context, key models.AnswerSetKey) ([]models.BlockDefinition, error) {
	s, err := c.load(ctx, key)
	if err != nil {
		return nil, err
	}
	return c.visibleBlocks(ctx, s), nil
}

func (c *Controller) visibleBlocks(ctx context.Context, s *session) []models.BlockDefinition {
	view := predicate.MapView(s.set.Answers)
	var out []models.BlockDefinition
	for _, block := range s.program.Blocks {
		if block.Visibility == nil {
			out = append(out, block)
			continue
		}
		visible, diags := c.engine.EvaluateDiag(ctx, *block.Visibility, view)
		c.logDiags(block.ID, diags)
		if visible {
			out = append(out, block)
		}
	}
	return out
}

// MarkSeen records a visit to a block the applicant is leaving untouched,
// typically one holding only optional or static questions.
func (c *Controller) MarkSeen(ctx context.Context, key models.AnswerSetKey, blockID string) error {
	return c.answers.MarkSeen(ctx, key, blockID)
}

// Next saves the block's submitted answers and advances to the first
// not-yet-seen visible block after it, or to Review when none remain. An
// incomplete block holds the position: with field errors when the
// applicant attempted it, silently when they never touched it.
func (c *Controller) Next(ctx context.Context, key models.AnswerSetKey, blockID string, raw map[string]json.RawMessage, token int64) (*Position, error) {
	s, err := c.load(ctx, key)
	if err != nil {
		return nil, err
	}
	block, ok := s.program.Block(blockID)
	if !ok {
		return nil, apperrors.NewNotFoundError("block", blockID)
	}

	pos, saved, err := c.saveBlock(ctx, s, key, block, raw, token)
	if err != nil || !saved {
		return pos, err
	}
	return c.forwardFrom(ctx, s, blockID), nil
}

// Previous moves to the prior visible block, saving first. A save that
// fails only because previously-saved required answers were deleted turns
// into a confirmation prompt; Confirmed-discard backward moves skip the
// save entirely.
func (c *Controller) Previous(ctx context.Context, key models.AnswerSetKey, blockID string, raw map[string]json.RawMessage, token int64, discardEdits bool) (*Position, error) {
	s, err := c.load(ctx, key)
	if err != nil {
		return nil, err
	}
	block, ok := s.program.Block(blockID)
	if !ok {
		return nil, apperrors.NewNotFoundError("block", blockID)
	}

	if !discardEdits {
		pos, proceed, err := c.saveOrConfirm(ctx, s, key, block, raw, token)
		if err != nil || !proceed {
			return pos, err
		}
	}
	return c.backwardFrom(ctx, s, blockID), nil
}

// Review moves to the review screen, with the same save-or-confirm
// discipline as Previous.
func (c *Controller) Review(ctx context.Context, key models.AnswerSetKey, blockID string, raw map[string]json.RawMessage, token int64, discardEdits bool) (*Position, error) {
	s, err := c.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if blockID != "" && !discardEdits {
		block, ok := s.program.Block(blockID)
		if !ok {
			return nil, apperrors.NewNotFoundError("block", blockID)
		}
		pos, proceed, err := c.saveOrConfirm(ctx, s, key, block, raw, token)
		if err != nil || !proceed {
			return pos, err
		}
	}
	return c.reviewPosition(ctx, s), nil
}

// ResumeBlock re-enters a block from Review. Forward navigation from there
// visits only other not-yet-seen blocks, converging back to Review.
func (c *Controller) ResumeBlock(ctx context.Context, key models.AnswerSetKey, blockID string) (*Position, error) {
	s, err := c.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if _, ok := s.program.Block(blockID); !ok {
		return nil, apperrors.NewNotFoundError("block", blockID)
	}
	return &Position{State: StateAnswering, BlockID: blockID, Token: s.set.Token}, nil
}

// Submit finalizes the application. The token must match the stored answer
// set so a stale tab cannot submit over answers it has never seen. Every
// visible block's required questions must be answered; a gating eligibility
// predicate evaluating false over the final answers rejects the submission
// without recording it; answers identical to the latest archived
// application surface the duplicate page.
func (c *Controller) Submit(ctx context.Context, key models.AnswerSetKey, token int64) (*Position, error) {
	s, err := c.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if s.set.Token != token {
		return nil, apperrors.NewStaleApplicationError(token, s.set.Token)
	}

	visible := c.visibleBlocks(ctx, s)
	for i := range visible {
		block := &visible[i]
		missing := c.missingRequired(block, s)
		if len(missing) > 0 {
			errs := make(FieldErrors)
			for _, name := range missing {
				errs[name] = "this question needs an answer"
			}
			return &Position{
				State:       StateAnswering,
				BlockID:     block.ID,
				Token:       s.set.Token,
				FieldErrors: errs,
			}, nil
		}
	}

	view := predicate.MapView(s.set.Answers)
	for i := range visible {
		block := &visible[i]
		if block.Eligibility == nil || !block.Gating {
			continue
		}
		eligible, diags := c.engine.EvaluateDiag(ctx, *block.Eligibility, view)
		c.logDiags(block.ID, diags)
		if !eligible {
			c.logger.Info("submission blocked by eligibility", map[string]interface{}{
				"program": key.ProgramSlug,
				"block":   block.ID,
			})
			return &Position{State: StateIneligible, BlockID: block.ID, Token: s.set.Token}, nil
		}
	}

	app, err := c.answers.Submit(ctx, key, token)
	if err != nil {
		if std, ok := apperrors.AsStandard(err); ok && std.Code == apperrors.ErrCodeDuplicateSubmission {
			latest, lerr := c.answers.LatestApplication(ctx, key.ApplicantID, key.ProgramSlug)
			if lerr != nil {
				return nil, lerr
			}
			pos := &Position{State: StateDuplicate, Token: s.set.Token}
			if latest != nil {
				pos.DuplicateOf = latest.ID
			}
			return pos, nil
		}
		return nil, err
	}
	return &Position{
		State:       StateSubmitted,
		Token:       s.set.Token,
		Application: app,
		MayQualify:  c.advisorySignal(ctx, s, visible),
	}, nil
}

// ==========================
// Internals
// ==========================

// saveBlock persists a block submission for forward navigation. Returns
// the hold position when the applicant must stay on the block.
func (c *Controller) saveBlock(ctx context.Context, s *session, key models.AnswerSetKey, block *models.BlockDefinition, raw map[string]json.RawMessage, token int64) (*Position, bool, error) {
	updates, fieldErrs := ParseBlockForm(block, s.questions, raw)
	if len(fieldErrs) > 0 {
		if err := c.answers.SetBlockErrorState(ctx, key, block.ID, true); err != nil {
			return nil, false, err
		}
		return &Position{State: StateAnswering, BlockID: block.ID, Token: s.set.Token, FieldErrors: fieldErrs}, false, nil
	}

	required := block.RequiredQuestions(s.types)
	next, err := c.answers.SaveBlockAnswers(ctx, key, block.ID, token, updates, required)
	if err == nil {
		s.set = next
		return nil, true, nil
	}
	std, ok := apperrors.AsStandard(err)
	if !ok || std.Code != apperrors.ErrCodeIncompleteRequiredAnswers {
		return nil, false, err
	}

	// Incomplete block. Show errors only when the applicant engaged with
	// it: a non-empty value on some required field this attempt, a
	// completed visit, or an earlier errored attempt.
	if !c.attempted(block, s, updates) {
		return &Position{State: StateAnswering, BlockID: block.ID, Token: s.set.Token}, false, nil
	}
	if err := c.answers.SetBlockErrorState(ctx, key, block.ID, true); err != nil {
		return nil, false, err
	}
	errs := make(FieldErrors)
	for _, name := range c.missingAfter(block, s, updates) {
		errs[name] = "this question needs an answer"
	}
	return &Position{State: StateAnswering, BlockID: block.ID, Token: s.set.Token, FieldErrors: errs}, false, nil
}

// saveOrConfirm persists a block submission for backward navigation.
// Returns proceed=false with a confirmation position when the save
// deleted previously-saved required answers; first-time non-entry lets
// the move through without saving.
func (c *Controller) saveOrConfirm(ctx context.Context, s *session, key models.AnswerSetKey, block *models.BlockDefinition, raw map[string]json.RawMessage, token int64) (*Position, bool, error) {
	updates, fieldErrs := ParseBlockForm(block, s.questions, raw)
	if len(fieldErrs) > 0 {
		return &Position{State: StateAnswering, BlockID: block.ID, Token: s.set.Token, FieldErrors: fieldErrs}, false, nil
	}

	required := block.RequiredQuestions(s.types)
	next, err := c.answers.SaveBlockAnswers(ctx, key, block.ID, token, updates, required)
	if err == nil {
		s.set = next
		return nil, true, nil
	}
	std, ok := apperrors.AsStandard(err)
	if !ok || std.Code != apperrors.ErrCodeIncompleteRequiredAnswers {
		return nil, false, err
	}

	if c.deletesSavedRequired(block, s, updates) {
		errs := make(FieldErrors)
		for _, name := range c.missingAfter(block, s, updates) {
			errs[name] = "this question needs an answer"
		}
		return &Position{
			State:             StateAnswering,
			BlockID:           block.ID,
			Token:             s.set.Token,
			FieldErrors:       errs,
			NeedsConfirmation: true,
		}, false, nil
	}
	// Never-answered required questions left blank: move without saving.
	return nil, true, nil
}

// forwardFrom advances to the first not-yet-seen visible block after the
// given one, or Review. An empty afterBlockID starts from the beginning.
func (c *Controller) forwardFrom(ctx context.Context, s *session, afterBlockID string) *Position {
	visible := c.visibleBlocks(ctx, s)
	past := afterBlockID == ""
	for i := range visible {
		block := &visible[i]
		if !past {
			if block.ID == afterBlockID {
				past = true
			}
			continue
		}
		if !s.set.Blocks[block.ID].Seen {
			return &Position{State: StateAnswering, BlockID: block.ID, Token: s.set.Token}
		}
	}
	// The current block may have been hidden by its own save; fall back to
	// any unseen visible block before it.
	for i := range visible {
		if !s.set.Blocks[visible[i].ID].Seen {
			return &Position{State: StateAnswering, BlockID: visible[i].ID, Token: s.set.Token}
		}
	}
	return c.reviewPosition(ctx, s)
}

// backwardFrom moves to the last visible block before the given one,
// staying put when there is none.
func (c *Controller) backwardFrom(ctx context.Context, s *session, blockID string) *Position {
	visible := c.visibleBlocks(ctx, s)
	prev := ""
	for i := range visible {
		if visible[i].ID == blockID {
			break
		}
		prev = visible[i].ID
	}
	if prev == "" {
		return &Position{State: StateAnswering, BlockID: blockID, Token: s.set.Token}
	}
	return &Position{State: StateAnswering, BlockID: prev, Token: s.set.Token}
}

func (c *Controller) reviewPosition(ctx context.Context, s *session) *Position {
	visible := c.visibleBlocks(ctx, s)
	return &Position{
		State:      StateReview,
		Token:      s.set.Token,
		MayQualify: c.advisorySignal(ctx, s, visible),
	}
}

// advisorySignal computes the may/may-not-qualify signal over the visible
// blocks' eligibility predicates. It stays nil until every question those
// predicates reference is answered, so an unanswered question never reads
// as "may not qualify."
func (c *Controller) advisorySignal(ctx context.Context, s *session, visible []models.BlockDefinition) *bool {
	view := predicate.MapView(s.set.Answers)
	evaluated := false
	result := true
	for i := range visible {
		block := &visible[i]
		if block.Eligibility == nil {
			continue
		}
		if !c.leavesAnswered(*block.Eligibility, s) {
			return nil
		}
		eligible, diags := c.engine.EvaluateDiag(ctx, *block.Eligibility, view)
		c.logDiags(block.ID, diags)
		evaluated = true
		result = result && eligible
	}
	if !evaluated {
		return nil
	}
	return &result
}

func (c *Controller) leavesAnswered(node models.PredicateNode, s *session) bool {
	for _, leaf := range node.Leaves() {
		if _, ok := s.set.Answers[leaf.QuestionName]; !ok {
			return false
		}
	}
	return true
}

// missingRequired returns the block's required questions with no stored
// answer, sorted for stable rendering.
func (c *Controller) missingRequired(block *models.BlockDefinition, s *session) []string {
	var missing []string
	for _, name := range block.RequiredQuestions(s.types) {
		if _, ok := s.set.Answers[name]; !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

// missingAfter returns the required questions that would be unanswered
// after applying the updates.
func (c *Controller) missingAfter(block *models.BlockDefinition, s *session, updates map[string]models.AnswerValue) []string {
	var missing []string
	for _, name := range block.RequiredQuestions(s.types) {
		if v, ok := updates[name]; ok {
			if v.IsZero() {
				missing = append(missing, name)
			}
			continue
		}
		if _, ok := s.set.Answers[name]; !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

// attempted reports whether the applicant engaged with the block: a
// non-empty value on some required field this attempt, a completed visit,
// or an earlier errored attempt.
func (c *Controller) attempted(block *models.BlockDefinition, s *session, updates map[string]models.AnswerValue) bool {
	state := s.set.Blocks[block.ID]
	if state.Seen || state.LastAttemptHadErrors {
		return true
	}
	for _, name := range block.RequiredQuestions(s.types) {
		if v, ok := updates[name]; ok && !v.IsZero() {
			return true
		}
	}
	return false
}

// deletesSavedRequired reports whether the updates remove a required
// answer that was previously saved.
func (c *Controller) deletesSavedRequired(block *models.BlockDefinition, s *session, updates map[string]models.AnswerValue) bool {
	for _, name := range block.RequiredQuestions(s.types) {
		v, ok := updates[name]
		if !ok || !v.IsZero() {
			continue
		}
		if _, saved := s.set.Answers[name]; saved {
			return true
		}
	}
	return false
}

func (c *Controller) logDiags(blockID string, diags []error) {
	for _, err := range diags {
		c.logger.Warn("service area lookup failed during evaluation", map[string]interface{}{
			"block": blockID,
			"error": err.Error(),
		})
	}
}

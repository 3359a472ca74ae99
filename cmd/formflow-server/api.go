// cmd/formflow-server/api.go
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/civiform/formflow/internal/answers"
	"github.com/civiform/formflow/internal/common/database"
	apperrors "github.com/civiform/formflow/internal/common/errors"
	"github.com/civiform/formflow/internal/common/logger"
	"github.com/civiform/formflow/internal/content"
	"github.com/civiform/formflow/internal/models"
	"github.com/civiform/formflow/internal/navigation"
)

// api is the HTTP surface: admin content editing and publish on one side,
// applicant navigation on the other.
type api struct {
	content        *content.Manager
	controller     *navigation.Controller
	answers        *answers.Service
	publishTimeout time.Duration
	logger         logger.Logger
}

func newAPI(cm *content.Manager, ctrl *navigation.Controller, as *answers.Service, publishTimeout time.Duration, log logger.Logger) *api {
	return &api{
		content:        cm,
		controller:     ctrl,
		answers:        as,
		publishTimeout: publishTimeout,
		logger:         log.WithFields(map[string]interface{}{"component": "api"}),
	}
}

func (a *api) routes(pg *database.PostgresClient, rdb *database.RedisClient) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})
	mux.HandleFunc("GET /ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pg.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "postgres unavailable"})
			return
		}
		if err := rdb.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "redis unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	// Admin content surface.
	mux.HandleFunc("POST /api/admin/questions", a.createQuestion)
	mux.HandleFunc("PUT /api/admin/questions/{name}", a.updateQuestion)
	mux.HandleFunc("DELETE /api/admin/questions/{name}", a.tombstoneQuestion)
	mux.HandleFunc("GET /api/admin/draft/questions", a.draftQuestions)
	mux.HandleFunc("POST /api/admin/programs", a.createProgram)
	mux.HandleFunc("PUT /api/admin/programs/{slug}", a.updateProgram)
	mux.HandleFunc("GET /api/admin/draft/programs", a.draftPrograms)
	mux.HandleFunc("GET /api/admin/publish/preview", a.previewPublish)
	mux.HandleFunc("POST /api/admin/publish", a.publish)

	// Applicant surface.
	mux.HandleFunc("GET /api/programs", a.listPrograms)
	mux.HandleFunc("POST /api/applicants/{applicant}/programs/{slug}/start", a.start)
	mux.HandleFunc("GET /api/applicants/{applicant}/programs/{slug}/blocks", a.visibleBlocks)
	mux.HandleFunc("POST /api/applicants/{applicant}/programs/{slug}/blocks/{block}/next", a.next)
	mux.HandleFunc("POST /api/applicants/{applicant}/programs/{slug}/blocks/{block}/previous", a.previous)
	mux.HandleFunc("POST /api/applicants/{applicant}/programs/{slug}/blocks/{block}/seen", a.markSeen)
	mux.HandleFunc("POST /api/applicants/{applicant}/programs/{slug}/review", a.review)
	mux.HandleFunc("POST /api/applicants/{applicant}/programs/{slug}/submit", a.submit)

	return mux
}

// ==========================
// Admin handlers
// ==========================

func (a *api) createQuestion(w http.ResponseWriter, r *http.Request) {
	var q models.QuestionRevision
	if !a.decode(w, r, &q) {
		return
	}
	rev, err := a.content.CreateQuestion(r.Context(), q)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rev)
}

func (a *api) updateQuestion(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text     string   `json:"text"`
		HelpText string   `json:"helpText"`
		Options  []string `json:"options"`
		Hidden   bool     `json:"hidden"`
	}
	if !a.decode(w, r, &body) {
		return
	}
	rev, err := a.content.UpdateDraftQuestion(r.Context(), r.PathValue("name"), func(q *models.QuestionRevision) error {
		q.Text = body.Text
		q.HelpText = body.HelpText
		q.Options = body.Options
		q.Hidden = body.Hidden
		return nil
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

func (a *api) tombstoneQuestion(w http.ResponseWriter, r *http.Request) {
	if err := a.content.TombstoneQuestion(r.Context(), r.PathValue("name")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) draftQuestions(w http.ResponseWriter, r *http.Request) {
	revs, err := a.content.DraftQuestions(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, revs)
}

func (a *api) createProgram(w http.ResponseWriter, r *http.Request) {
	var p models.ProgramRevision
	if !a.decode(w, r, &p) {
		return
	}
	rev, err := a.content.CreateProgram(r.Context(), p)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rev)
}

func (a *api) updateProgram(w http.ResponseWriter, r *http.Request) {
	var body models.ProgramRevision
	if !a.decode(w, r, &body) {
		return
	}
	rev, err := a.content.UpdateDraftProgram(r.Context(), r.PathValue("slug"), func(p *models.ProgramRevision) error {
		p.Name = body.Name
		p.Description = body.Description
		p.DisplayMode = body.DisplayMode
		p.ExternalLink = body.ExternalLink
		p.IsCommonIntake = body.IsCommonIntake
		p.Blocks = body.Blocks
		return nil
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

func (a *api) draftPrograms(w http.ResponseWriter, r *http.Request) {
	revs, err := a.content.DraftPrograms(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, revs)
}

func (a *api) previewPublish(w http.ResponseWriter, r *http.Request) {
	report, err := a.content.PreviewPublish(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *api) publish(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), a.publishTimeout)
	defer cancel()
	report, err := a.content.Publish(ctx)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ==========================
// Applicant handlers
// ==========================

// navigationRequest is the body of every block navigation call.
type navigationRequest struct {
	Token int64 `json:"token"`
	// Answers maps question name to that question's raw form document.
	Answers map[string]json.RawMessage `json:"answers"`
	// DiscardEdits confirms a backward move that abandons unsaved edits.
	DiscardEdits bool `json:"discardEdits"`
}

// listPrograms returns every active program with its display mode. Which
// modes an index page shows is a rendering decision, so nothing is
// filtered out here.
func (a *api) listPrograms(w http.ResponseWriter, r *http.Request) {
	revs, err := a.content.ActivePrograms(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, revs)
}

// key resolves the applicant's answer-set key. An in-progress application
// stays on the version it was started on, even after a publish moved the
// active pointer; only a first touch pins to the current active version.
func (a *api) key(r *http.Request) (models.AnswerSetKey, error) {
	applicantID := r.PathValue("applicant")
	slug := r.PathValue("slug")
	existing, err := a.answers.InProgress(r.Context(), applicantID, slug)
	if err != nil {
		return models.AnswerSetKey{}, err
	}
	if existing != nil {
		return existing.Key(), nil
	}
	program, err := a.content.ActiveProgram(r.Context(), slug)
	if err != nil {
		return models.AnswerSetKey{}, err
	}
	return models.AnswerSetKey{
		ApplicantID: applicantID,
		ProgramSlug: slug,
		VersionID:   program.VersionID,
	}, nil
}

func (a *api) start(w http.ResponseWriter, r *http.Request) {
	key, err := a.key(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	pos, err := a.controller.Start(r.Context(), key)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (a *api) visibleBlocks(w http.ResponseWriter, r *http.Request) {
	key, err := a.key(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	blocks, err := a.controller.VisibleBlocks(r.Context(), key)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, blocks)
}

func (a *api) next(w http.ResponseWriter, r *http.Request) {
	var body navigationRequest
	if !a.decode(w, r, &body) {
		return
	}
	key, err := a.key(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	pos, err := a.controller.Next(r.Context(), key, r.PathValue("block"), body.Answers, body.Token)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (a *api) previous(w http.ResponseWriter, r *http.Request) {
	var body navigationRequest
	if !a.decode(w, r, &body) {
		return
	}
	key, err := a.key(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	pos, err := a.controller.Previous(r.Context(), key, r.PathValue("block"), body.Answers, body.Token, body.DiscardEdits)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (a *api) markSeen(w http.ResponseWriter, r *http.Request) {
	key, err := a.key(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if err := a.controller.MarkSeen(r.Context(), key, r.PathValue("block")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) review(w http.ResponseWriter, r *http.Request) {
	var body navigationRequest
	if !a.decode(w, r, &body) {
		return
	}
	key, err := a.key(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	blockID := r.URL.Query().Get("from")
	pos, err := a.controller.Review(r.Context(), key, blockID, body.Answers, body.Token, body.DiscardEdits)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (a *api) submit(w http.ResponseWriter, r *http.Request) {
	var body navigationRequest
	if !a.decode(w, r, &body) {
		return
	}
	key, err := a.key(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	pos, err := a.controller.Submit(r.Context(), key, body.Token)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// ==========================
// Helpers
// ==========================

func (a *api) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return false
	}
	return true
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	std, ok := apperrors.AsStandard(err)
	if !ok {
		a.logger.Error("unclassified error", map[string]interface{}{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, statusOf(std.Code), std)
}

func statusOf(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeImmutableRevision, apperrors.ErrCodeVersionConflict,
		apperrors.ErrCodeStaleApplication, apperrors.ErrCodeDuplicateSubmission,
		apperrors.ErrCodePublishInProgress:
		return http.StatusConflict
	case apperrors.ErrCodeDanglingReference, apperrors.ErrCodeIncompleteRequiredAnswers,
		apperrors.ErrCodeInvalidPredicate, apperrors.ErrCodeInvalidAnswer:
		return http.StatusUnprocessableEntity
	case apperrors.ErrCodeIneligible:
		return http.StatusForbidden
	case apperrors.ErrCodeServiceAreaLookupFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

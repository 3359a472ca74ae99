// internal/models/version.go
package models

import "time"

// LifecycleStage is the publication state of a Version.
type LifecycleStage string

const (
	StageDraft    LifecycleStage = "draft"
	StageActive   LifecycleStage = "active"
	StageObsolete LifecycleStage = "obsolete"
)

// Version is a generation tag grouping a consistent snapshot of program and
// question revisions. At most one ACTIVE and one DRAFT version exist at a
// time; every revision belongs to exactly one version.
type Version struct {
	ID        string         `json:"id"`
	Stage     LifecycleStage `json:"stage"`
	CreatedAt time.Time      `json:"createdAt"`
}

// VersionPointer is the single record holding the current active/draft
// version pair. Publish swaps both fields in one transaction so concurrent
// readers never observe a half-promoted content graph.
type VersionPointer struct {
	ActiveVersionID string `json:"activeVersionId"`
	DraftVersionID  string `json:"draftVersionId"`
	// Revision increments on every publish and guards the swap.
	Revision int64 `json:"revision"`
}

// PublishReport lists what changed between the outgoing and incoming active
// versions. Consumed by the admin confirmation step before (or after) a
// publish.
type PublishReport struct {
	PublishedVersionID string    `json:"publishedVersionId"`
	NewDraftVersionID  string    `json:"newDraftVersionId,omitempty"`
	ChangedPrograms    []string  `json:"changedPrograms"`
	ChangedQuestions   []string  `json:"changedQuestions"`
	PublishedAt        time.Time `json:"publishedAt"`
}

// internal/content/postgres.go
package content

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/civiform/formflow/internal/common/database"
	apperrors "github.com/civiform/formflow/internal/common/errors"
	"github.com/civiform/formflow/internal/models"
)

// PostgresStore is the durable Store implementation. Revisions are stored
// as JSONB documents keyed by (version_id, name); the single version
// pointer row carries a revision counter that guards the publish swap.
//
// Schema:
//
//	CREATE TABLE versions (
//	    id         TEXT PRIMARY KEY,
//	    stage      TEXT NOT NULL,
//	    created_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE TABLE version_pointer (
//	    id                SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
//	    active_version_id TEXT NOT NULL REFERENCES versions (id),
//	    draft_version_id  TEXT NOT NULL REFERENCES versions (id),
//	    revision          BIGINT NOT NULL
//	);
//	CREATE TABLE question_revisions (
//	    version_id TEXT NOT NULL REFERENCES versions (id),
//	    name       TEXT NOT NULL,
//	    doc        JSONB NOT NULL,
//	    PRIMARY KEY (version_id, name)
//	);
//	CREATE TABLE program_revisions (
//	    version_id TEXT NOT NULL REFERENCES versions (id),
//	    slug       TEXT NOT NULL,
//	    doc        JSONB NOT NULL,
//	    PRIMARY KEY (version_id, slug)
//	);
type PostgresStore struct {
	db *database.PostgresClient
}

// NewPostgresStore creates a Store backed by PostgreSQL.
func NewPostgresStore(db *database.PostgresClient) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Pointer(ctx context.Context) (models.VersionPointer, error) {
	var ptr models.VersionPointer
	err := s.db.QueryRow(ctx,
		`SELECT active_version_id, draft_version_id, revision FROM version_pointer WHERE id = 1`,
	).Scan(&ptr.ActiveVersionID, &ptr.DraftVersionID, &ptr.Revision)
	if err == sql.ErrNoRows {
		return models.VersionPointer{}, nil
	}
	if err != nil {
		return models.VersionPointer{}, apperrors.NewStorageFailedError("read version pointer", err)
	}
	return ptr, nil
}

func (s *PostgresStore) Version(ctx context.Context, id string) (*models.Version, error) {
	var v models.Version
	err := s.db.QueryRow(ctx,
		`SELECT id, stage, created_at FROM versions WHERE id = $1`, id,
	).Scan(&v.ID, &v.Stage, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewStorageFailedError("read version", err)
	}
	return &v, nil
}

func (s *PostgresStore) CreateVersion(ctx context.Context, v models.Version) error {
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return apperrors.NewStorageFailedError("begin create version", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO versions (id, stage, created_at) VALUES ($1, $2, $3)`,
		v.ID, v.Stage, v.CreatedAt,
	); err != nil {
		return apperrors.NewStorageFailedError("insert version", err)
	}

	// First version pair ever: install the pointer row.
	switch v.Stage {
	case models.StageActive:
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO version_pointer (id, active_version_id, draft_version_id, revision)
			 VALUES (1, $1, '', 0)
			 ON CONFLICT (id) DO UPDATE SET active_version_id = $1
			 WHERE version_pointer.active_version_id = ''`,
			v.ID,
		); err != nil {
			return apperrors.NewStorageFailedError("install pointer", err)
		}
	case models.StageDraft:
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO version_pointer (id, active_version_id, draft_version_id, revision)
			 VALUES (1, '', $1, 0)
			 ON CONFLICT (id) DO UPDATE SET draft_version_id = $1
			 WHERE version_pointer.draft_version_id = ''`,
			v.ID,
		); err != nil {
			return apperrors.NewStorageFailedError("install pointer", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.NewStorageFailedError("commit create version", err)
	}
	return nil
}

func (s *PostgresStore) QuestionRevision(ctx context.Context, versionID, name string) (*models.QuestionRevision, error) {
	var raw []byte
	err := s.db.QueryRow(ctx,
		`SELECT doc FROM question_revisions WHERE version_id = $1 AND name = $2`,
		versionID, name,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewStorageFailedError("read question revision", err)
	}
	var rev models.QuestionRevision
	if err := json.Unmarshal(raw, &rev); err != nil {
		return nil, apperrors.NewStorageFailedError("decode question revision", err)
	}
	return &rev, nil
}

func (s *PostgresStore) QuestionRevisions(ctx context.Context, versionID string) ([]*models.QuestionRevision, error) {
	rows, err := s.db.Query(ctx,
		`SELECT doc FROM question_revisions WHERE version_id = $1 ORDER BY name`,
		versionID,
	)
	if err != nil {
		return nil, apperrors.NewStorageFailedError("list question revisions", err)
	}
	defer rows.Close()

	var out []*models.QuestionRevision
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, apperrors.NewStorageFailedError("scan question revision", err)
		}
		var rev models.QuestionRevision
		if err := json.Unmarshal(raw, &rev); err != nil {
			return nil, apperrors.NewStorageFailedError("decode question revision", err)
		}
		out = append(out, &rev)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewStorageFailedError("list question revisions", err)
	}
	return out, nil
}

func (s *PostgresStore) PutQuestionRevision(ctx context.Context, rev *models.QuestionRevision) error {
	if err := s.checkWritable(ctx, rev.VersionID); err != nil {
		return err
	}
	raw, err := json.Marshal(rev)
	if err != nil {
		return apperrors.NewStorageFailedError("encode question revision", err)
	}
	if _, err := s.db.Exec(ctx,
		`INSERT INTO question_revisions (version_id, name, doc) VALUES ($1, $2, $3)
		 ON CONFLICT (version_id, name) DO UPDATE SET doc = $3`,
		rev.VersionID, rev.Name, raw,
	); err != nil {
		return apperrors.NewStorageFailedError("write question revision", err)
	}
	return nil
}

func (s *PostgresStore) QuestionNameUsed(ctx context.Context, name string) (bool, error) {
	var used bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM question_revisions WHERE name = $1)`, name,
	).Scan(&used)
	if err != nil {
		return false, apperrors.NewStorageFailedError("check question name", err)
	}
	return used, nil
}

func (s *PostgresStore) ProgramRevision(ctx context.Context, versionID, slug string) (*models.ProgramRevision, error) {
	var raw []byte
	err := s.db.QueryRow(ctx,
		`SELECT doc FROM program_revisions WHERE version_id = $1 AND slug = $2`,
		versionID, slug,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewStorageFailedError("read program revision", err)
	}
	var rev models.ProgramRevision
	if err := json.Unmarshal(raw, &rev); err != nil {
		return nil, apperrors.NewStorageFailedError("decode program revision", err)
	}
	return &rev, nil
}

func (s *PostgresStore) ProgramRevisions(ctx context.Context, versionID string) ([]*models.ProgramRevision, error) {
	rows, err := s.db.Query(ctx,
		`SELECT doc FROM program_revisions WHERE version_id = $1 ORDER BY slug`,
		versionID,
	)
	if err != nil {
		return nil, apperrors.NewStorageFailedError("list program revisions", err)
	}
	defer rows.Close()

	var out []*models.ProgramRevision
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, apperrors.NewStorageFailedError("scan program revision", err)
		}
		var rev models.ProgramRevision
		if err := json.Unmarshal(raw, &rev); err != nil {
			return nil, apperrors.NewStorageFailedError("decode program revision", err)
		}
		out = append(out, &rev)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewStorageFailedError("list program revisions", err)
	}
	return out, nil
}

func (s *PostgresStore) PutProgramRevision(ctx context.Context, rev *models.ProgramRevision) error {
	if err := s.checkWritable(ctx, rev.VersionID); err != nil {
		return err
	}
	raw, err := json.Marshal(rev)
	if err != nil {
		return apperrors.NewStorageFailedError("encode program revision", err)
	}
	if _, err := s.db.Exec(ctx,
		`INSERT INTO program_revisions (version_id, slug, doc) VALUES ($1, $2, $3)
		 ON CONFLICT (version_id, slug) DO UPDATE SET doc = $3`,
		rev.VersionID, rev.Slug, raw,
	); err != nil {
		return apperrors.NewStorageFailedError("write program revision", err)
	}
	return nil
}

// checkWritable rejects writes to any version except the current draft.
func (s *PostgresStore) checkWritable(ctx context.Context, versionID string) error {
	ptr, err := s.Pointer(ctx)
	if err != nil {
		return err
	}
	if versionID != ptr.DraftVersionID {
		return apperrors.NewImmutableRevisionError("version " + versionID + " is not the draft")
	}
	return nil
}

// Publish performs the whole swap in a single serializable transaction.
// The guarded pointer UPDATE fails the transaction when another publisher
// got there first.
func (s *PostgresStore) Publish(ctx context.Context, expected models.VersionPointer, set PublishSet) (models.VersionPointer, error) {
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return models.VersionPointer{}, apperrors.NewStorageFailedError("begin publish", err)
	}
	defer tx.Rollback()

	draftID := expected.DraftVersionID
	activeID := expected.ActiveVersionID

	for _, q := range set.CarryQuestions {
		carried := q.Clone(draftID)
		raw, err := json.Marshal(carried)
		if err != nil {
			return models.VersionPointer{}, apperrors.NewStorageFailedError("encode carried question", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO question_revisions (version_id, name, doc) VALUES ($1, $2, $3)`,
			draftID, carried.Name, raw,
		); err != nil {
			return models.VersionPointer{}, apperrors.NewStorageFailedError("carry question forward", err)
		}
	}
	for _, p := range set.CarryPrograms {
		carried := p.Clone(draftID)
		raw, err := json.Marshal(carried)
		if err != nil {
			return models.VersionPointer{}, apperrors.NewStorageFailedError("encode carried program", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO program_revisions (version_id, slug, doc) VALUES ($1, $2, $3)`,
			draftID, carried.Slug, raw,
		); err != nil {
			return models.VersionPointer{}, apperrors.NewStorageFailedError("carry program forward", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE versions SET stage = $1 WHERE id = $2`,
		models.StageObsolete, activeID,
	); err != nil {
		return models.VersionPointer{}, apperrors.NewStorageFailedError("obsolete active version", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE versions SET stage = $1 WHERE id = $2`,
		models.StageActive, draftID,
	); err != nil {
		return models.VersionPointer{}, apperrors.NewStorageFailedError("activate draft version", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO versions (id, stage, created_at) VALUES ($1, $2, $3)`,
		set.NewDraft.ID, set.NewDraft.Stage, set.NewDraft.CreatedAt,
	); err != nil {
		return models.VersionPointer{}, apperrors.NewStorageFailedError("create new draft version", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE version_pointer
		 SET active_version_id = $1, draft_version_id = $2, revision = revision + 1
		 WHERE id = 1 AND revision = $3`,
		draftID, set.NewDraft.ID, expected.Revision,
	)
	if err != nil {
		return models.VersionPointer{}, apperrors.NewStorageFailedError("swap version pointer", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return models.VersionPointer{}, apperrors.NewStorageFailedError("swap version pointer", err)
	}
	if affected == 0 {
		return models.VersionPointer{}, apperrors.NewPublishInProgressError()
	}

	if err := tx.Commit(); err != nil {
		return models.VersionPointer{}, apperrors.NewStorageFailedError("commit publish", err)
	}
	return models.VersionPointer{
		ActiveVersionID: draftID,
		DraftVersionID:  set.NewDraft.ID,
		Revision:        expected.Revision + 1,
	}, nil
}

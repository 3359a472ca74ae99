// internal/answers/postgres.go
package answers

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/civiform/formflow/internal/common/database"
	apperrors "github.com/civiform/formflow/internal/common/errors"
	"github.com/civiform/formflow/internal/models"
)

// PostgresStore is the durable Store implementation. The optimistic token
// lives in its own column so the stale check is a guarded UPDATE, not a
// read-compare-write.
//
// Schema:
//
//	CREATE TABLE answer_sets (
//	    applicant_id TEXT NOT NULL,
//	    program_slug TEXT NOT NULL,
//	    version_id   TEXT NOT NULL,
//	    token        BIGINT NOT NULL,
//	    doc          JSONB NOT NULL,
//	    updated_at   TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (applicant_id, program_slug, version_id)
//	);
//	CREATE TABLE applications (
//	    id           TEXT PRIMARY KEY,
//	    applicant_id TEXT NOT NULL,
//	    program_slug TEXT NOT NULL,
//	    doc          JSONB NOT NULL,
//	    submitted_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX applications_by_applicant
//	    ON applications (applicant_id, program_slug, submitted_at DESC);
type PostgresStore struct {
	db *database.PostgresClient
}

// NewPostgresStore creates a Store backed by PostgreSQL.
func NewPostgresStore(db *database.PostgresClient) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) AnswerSet(ctx context.Context, key models.AnswerSetKey) (*models.ApplicationAnswerSet, error) {
	var raw []byte
	err := s.db.QueryRow(ctx,
		`SELECT doc FROM answer_sets WHERE applicant_id = $1 AND program_slug = $2 AND version_id = $3`,
		key.ApplicantID, key.ProgramSlug, key.VersionID,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewStorageFailedError("read answer set", err)
	}
	var set models.ApplicationAnswerSet
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, apperrors.NewStorageFailedError("decode answer set", err)
	}
	return &set, nil
}

func (s *PostgresStore) CreateAnswerSet(ctx context.Context, set *models.ApplicationAnswerSet) error {
	raw, err := json.Marshal(set)
	if err != nil {
		return apperrors.NewStorageFailedError("encode answer set", err)
	}
	if _, err := s.db.Exec(ctx,
		`INSERT INTO answer_sets (applicant_id, program_slug, version_id, token, doc, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		set.ApplicantID, set.ProgramSlug, set.VersionID, set.Token, raw, set.UpdatedAt,
	); err != nil {
		return apperrors.NewStorageFailedError("create answer set", err)
	}
	return nil
}

func (s *PostgresStore) UpdateAnswerSet(ctx context.Context, set *models.ApplicationAnswerSet, expectedToken int64) error {
	raw, err := json.Marshal(set)
	if err != nil {
		return apperrors.NewStorageFailedError("encode answer set", err)
	}
	res, err := s.db.Exec(ctx,
		`UPDATE answer_sets SET token = $1, doc = $2, updated_at = $3
		 WHERE applicant_id = $4 AND program_slug = $5 AND version_id = $6 AND token = $7`,
		set.Token, raw, set.UpdatedAt,
		set.ApplicantID, set.ProgramSlug, set.VersionID, expectedToken,
	)
	if err != nil {
		return apperrors.NewStorageFailedError("update answer set", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperrors.NewStorageFailedError("update answer set", err)
	}
	if affected == 0 {
		// Either the row vanished or another writer bumped the token.
		current, err := s.AnswerSet(ctx, set.Key())
		if err != nil {
			return err
		}
		if current == nil {
			return apperrors.NewNotFoundError("answer set", set.ApplicantID+"/"+set.ProgramSlug)
		}
		return apperrors.NewStaleApplicationError(expectedToken, current.Token)
	}
	return nil
}

func (s *PostgresStore) LatestAnswerSet(ctx context.Context, applicantID, programSlug string) (*models.ApplicationAnswerSet, error) {
	var raw []byte
	err := s.db.QueryRow(ctx,
		`SELECT doc FROM answer_sets
		 WHERE applicant_id = $1 AND program_slug = $2
		 ORDER BY updated_at DESC LIMIT 1`,
		applicantID, programSlug,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewStorageFailedError("read latest answer set", err)
	}
	var set models.ApplicationAnswerSet
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, apperrors.NewStorageFailedError("decode answer set", err)
	}
	return &set, nil
}

func (s *PostgresStore) LatestApplication(ctx context.Context, applicantID, programSlug string) (*models.Application, error) {
	var (
		raw         []byte
		submittedAt time.Time
	)
	err := s.db.QueryRow(ctx,
		`SELECT doc, submitted_at FROM applications
		 WHERE applicant_id = $1 AND program_slug = $2
		 ORDER BY submitted_at DESC LIMIT 1`,
		applicantID, programSlug,
	).Scan(&raw, &submittedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewStorageFailedError("read latest application", err)
	}
	var app models.Application
	if err := json.Unmarshal(raw, &app); err != nil {
		return nil, apperrors.NewStorageFailedError("decode application", err)
	}
	return &app, nil
}

func (s *PostgresStore) CreateApplication(ctx context.Context, app *models.Application) error {
	raw, err := json.Marshal(app)
	if err != nil {
		return apperrors.NewStorageFailedError("encode application", err)
	}
	if _, err := s.db.Exec(ctx,
		`INSERT INTO applications (id, applicant_id, program_slug, doc, submitted_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		app.ID, app.ApplicantID, app.ProgramSlug, raw, app.SubmittedAt,
	); err != nil {
		return apperrors.NewStorageFailedError("create application", err)
	}
	return nil
}

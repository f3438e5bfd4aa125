package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/braidhq/braid/internal/model"
)

// CreateResearchJob inserts a job in the pending state.
func (db *DB) CreateResearchJob(ctx context.Context, job model.ResearchJob) (model.ResearchJob, error) {
	if job.UserID == uuid.Nil {
		return model.ResearchJob{}, ErrScopeViolation
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.CitationStyle == "" {
		job.CitationStyle = "inline"
	}
	job.Status = model.ResearchPending
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	_, err := db.pool.Exec(ctx,
		`INSERT INTO research_jobs (id, user_id, topic, depth, citation_style, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.UserID, job.Topic, job.Depth, job.CitationStyle, job.Status, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return model.ResearchJob{}, fmt.Errorf("storage: create research job: %w", err)
	}
	return job, nil
}

// GetResearchJob retrieves a job owned by the user.
func (db *DB) GetResearchJob(ctx context.Context, userID, id uuid.UUID) (model.ResearchJob, error) {
	if userID == uuid.Nil {
		return model.ResearchJob{}, ErrScopeViolation
	}
	row := db.pool.QueryRow(ctx,
		`SELECT id, user_id, topic, depth, citation_style, status, progress_percent,
		        plan_outline, sections, warnings, word_count, final_document_id, error,
		        created_at, updated_at
		 FROM research_jobs WHERE user_id = $1 AND id = $2`,
		userID, id,
	)
	job, err := scanResearchJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.ResearchJob{}, ErrNotFound
		}
		return model.ResearchJob{}, fmt.Errorf("storage: get research job: %w", err)
	}
	return job, nil
}

// ListResearchJobs returns a user's jobs, newest first.
func (db *DB) ListResearchJobs(ctx context.Context, userID uuid.UUID, limit int) ([]model.ResearchJob, error) {
	if userID == uuid.Nil {
		return nil, ErrScopeViolation
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, topic, depth, citation_style, status, progress_percent,
		        plan_outline, sections, warnings, word_count, final_document_id, error,
		        created_at, updated_at
		 FROM research_jobs WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list research jobs: %w", err)
	}
	defer rows.Close()

	var out []model.ResearchJob
	for rows.Next() {
		job, err := scanResearchJob(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan research job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list research jobs: %w", err)
	}
	return out, nil
}

// StartResearchJob flips a pending job to running and stores the plan
// outline. Returns ErrConflict if the job already left the pending state.
func (db *DB) StartResearchJob(ctx context.Context, userID, id uuid.UUID, outline []string) error {
	if userID == uuid.Nil {
		return ErrScopeViolation
	}
	raw, err := json.Marshal(outline)
	if err != nil {
		return fmt.Errorf("storage: encode plan outline: %w", err)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE research_jobs
		 SET status = 'running', plan_outline = $3, updated_at = now()
		 WHERE user_id = $1 AND id = $2 AND status = 'pending'`,
		userID, id, raw,
	)
	if err != nil {
		return fmt.Errorf("storage: start research job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// UpdateResearchProgress advances the progress percentage. Progress is
// monotone: the stored value never decreases.
func (db *DB) UpdateResearchProgress(ctx context.Context, userID, id uuid.UUID, percent int) error {
	if userID == uuid.Nil {
		return ErrScopeViolation
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	_, err := db.pool.Exec(ctx,
		`UPDATE research_jobs
		 SET progress_percent = GREATEST(progress_percent, $3), updated_at = now()
		 WHERE user_id = $1 AND id = $2 AND status = 'running'`,
		userID, id, percent,
	)
	if err != nil {
		return fmt.Errorf("storage: update research progress: %w", err)
	}
	return nil
}

// AppendResearchSection appends one drafted section to a running job.
// Sections persist even if the job later fails.
func (db *DB) AppendResearchSection(ctx context.Context, userID, id uuid.UUID, section model.ResearchSection) error {
	if userID == uuid.Nil {
		return ErrScopeViolation
	}
	raw, err := json.Marshal(section)
	if err != nil {
		return fmt.Errorf("storage: encode research section: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`UPDATE research_jobs
		 SET sections = sections || $3::jsonb, updated_at = now()
		 WHERE user_id = $1 AND id = $2`,
		userID, id, raw,
	)
	if err != nil {
		return fmt.Errorf("storage: append research section: %w", err)
	}
	return nil
}

// AppendResearchWarning attaches a non-fatal warning to a job.
func (db *DB) AppendResearchWarning(ctx context.Context, userID, id uuid.UUID, warning string) error {
	if userID == uuid.Nil {
		return ErrScopeViolation
	}
	raw, err := json.Marshal(warning)
	if err != nil {
		return fmt.Errorf("storage: encode research warning: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`UPDATE research_jobs
		 SET warnings = warnings || $3::jsonb, updated_at = now()
		 WHERE user_id = $1 AND id = $2`,
		userID, id, raw,
	)
	if err != nil {
		return fmt.Errorf("storage: append research warning: %w", err)
	}
	return nil
}

// CompleteResearchJob marks a running job complete with its final word
// count and the document the report was ingested into.
func (db *DB) CompleteResearchJob(ctx context.Context, userID, id uuid.UUID, wordCount int, finalDocumentID *uuid.UUID) error {
	if userID == uuid.Nil {
		return ErrScopeViolation
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE research_jobs
		 SET status = 'complete', progress_percent = 100, word_count = $3,
		     final_document_id = $4, updated_at = now()
		 WHERE user_id = $1 AND id = $2 AND status = 'running'`,
		userID, id, wordCount, finalDocumentID,
	)
	if err != nil {
		return fmt.Errorf("storage: complete research job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// FailResearchJob marks a job failed with a reason. Sections and sources
// captured before the failure are retained. Cancellation lands here with
// reason "cancelled".
func (db *DB) FailResearchJob(ctx context.Context, userID, id uuid.UUID, reason string) error {
	if userID == uuid.Nil {
		return ErrScopeViolation
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE research_jobs
		 SET status = 'failed', error = $3, updated_at = now()
		 WHERE user_id = $1 AND id = $2 AND status IN ('pending', 'running')`,
		userID, id, reason,
	)
	if err != nil {
		return fmt.Errorf("storage: fail research job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// InsertSourceRef records one collected source. Sources attach to a job,
// a message, or both.
func (db *DB) InsertSourceRef(ctx context.Context, ref model.SourceRef) (model.SourceRef, error) {
	if ref.UserID == uuid.Nil {
		return model.SourceRef{}, ErrScopeViolation
	}
	if ref.ID == uuid.Nil {
		ref.ID = uuid.New()
	}
	if ref.RetrievedAt.IsZero() {
		ref.RetrievedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO research_sources (id, job_id, message_id, user_id, url, title, snippet, credibility_score, publisher_tag, retrieved_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ref.ID, ref.JobID, ref.MessageID, ref.UserID, ref.URL, ref.Title, ref.Snippet, ref.CredibilityScore, ref.PublisherTag, ref.RetrievedAt,
	)
	if err != nil {
		return model.SourceRef{}, fmt.Errorf("storage: insert source ref: %w", err)
	}
	return ref, nil
}

// ListSourceRefs returns sources collected for one job, best first.
func (db *DB) ListSourceRefs(ctx context.Context, userID, jobID uuid.UUID) ([]model.SourceRef, error) {
	if userID == uuid.Nil {
		return nil, ErrScopeViolation
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, job_id, message_id, user_id, url, title, snippet, credibility_score, publisher_tag, retrieved_at
		 FROM research_sources
		 WHERE user_id = $1 AND job_id = $2
		 ORDER BY credibility_score DESC, retrieved_at ASC`,
		userID, jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list source refs: %w", err)
	}
	defer rows.Close()

	var out []model.SourceRef
	for rows.Next() {
		var ref model.SourceRef
		if err := rows.Scan(&ref.ID, &ref.JobID, &ref.MessageID, &ref.UserID, &ref.URL, &ref.Title, &ref.Snippet, &ref.CredibilityScore, &ref.PublisherTag, &ref.RetrievedAt); err != nil {
			return nil, fmt.Errorf("storage: scan source ref: %w", err)
		}
		out = append(out, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list source refs: %w", err)
	}
	return out, nil
}

// CleanupOrphanSourceRefs removes sources that have lost both referrers
// (job and message deleted). Returns the number removed.
func (db *DB) CleanupOrphanSourceRefs(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM research_sources WHERE job_id IS NULL AND message_id IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup orphan sources: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanResearchJob(row bindingScanner) (model.ResearchJob, error) {
	var (
		job      model.ResearchJob
		outline  []byte
		sections []byte
		warnings []byte
	)
	err := row.Scan(
		&job.ID, &job.UserID, &job.Topic, &job.Depth, &job.CitationStyle, &job.Status,
		&job.ProgressPercent, &outline, &sections, &warnings, &job.WordCount,
		&job.FinalDocumentID, &job.Error, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return model.ResearchJob{}, err
	}
	if len(outline) > 0 {
		if err := json.Unmarshal(outline, &job.PlanOutline); err != nil {
			return model.ResearchJob{}, fmt.Errorf("decode plan outline: %w", err)
		}
	}
	if len(sections) > 0 {
		if err := json.Unmarshal(sections, &job.Sections); err != nil {
			return model.ResearchJob{}, fmt.Errorf("decode sections: %w", err)
		}
	}
	if len(warnings) > 0 {
		if err := json.Unmarshal(warnings, &job.Warnings); err != nil {
			return model.ResearchJob{}, fmt.Errorf("decode warnings: %w", err)
		}
	}
	return job, nil
}

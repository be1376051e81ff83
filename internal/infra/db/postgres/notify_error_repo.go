package postgres

import (
	"context"
	"database/sql"
	"strings"
	"time"

	domain "github.com/tsgfulfillment/questionnaire-api/internal/domain/notifyerrors"
)

type NotifyErrorRepository struct{ db *sql.DB }

func NewNotifyErrorRepository(db *sql.DB) *NotifyErrorRepository {
	return &NotifyErrorRepository{db: db}
}

func (r *NotifyErrorRepository) Save(ctx context.Context, e *domain.NotifyError) error {
	const q = `
INSERT INTO notification_errors (submission_id, stage, message, created_at)
VALUES ($1,$2,$3,$4);`
	stage := e.Stage
	if strings.TrimSpace(stage) == "" {
		stage = "-"
	}
	msg := e.Message
	if strings.TrimSpace(msg) == "" {
		msg = "-"
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, q, e.SubmissionID, stage, msg, created)
	return err
}

func (r *NotifyErrorRepository) ListBySubmission(ctx context.Context, submissionID int64, limit int) ([]*domain.NotifyError, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `
SELECT id, submission_id, stage, message, created_at
FROM notification_errors
WHERE submission_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2;`
	rows, err := r.db.QueryContext(ctx, q, submissionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.NotifyError
	for rows.Next() {
		var e domain.NotifyError
		if err := rows.Scan(&e.ID, &e.SubmissionID, &e.Stage, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

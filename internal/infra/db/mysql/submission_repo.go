package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	domain "github.com/tsgfulfillment/questionnaire-api/internal/domain/submissions"
)

type SubmissionRepository struct {
	db *sql.DB
}

func NewSubmissionRepository(db *sql.DB) *SubmissionRepository {
	return &SubmissionRepository{db: db}
}

// Save inserts one submission and assigns the auto-increment id and the
// submission date back onto the entity. Records are never updated.
func (r *SubmissionRepository) Save(ctx context.Context, s *domain.Submission) error {
	const q = `
INSERT INTO questionnaire_submissions (email, submission_date, data, file_path)
VALUES (?,?,?,?);
`
	email := stringOrDefault(s.Email, domain.DefaultEmail)
	submitted := s.SubmissionDate
	if submitted.IsZero() {
		submitted = time.Now().UTC()
	}

	data, err := marshalData(s.Data)
	if err != nil {
		return fmt.Errorf("encoding data: %w", err)
	}

	res, err := r.db.ExecContext(ctx, q, email, submitted, data, nullString(s.FilePath))
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	s.ID = domain.SubmissionID(id)
	s.Email = email
	s.SubmissionDate = submitted
	return nil
}

// Get by ID
func (r *SubmissionRepository) Get(ctx context.Context, id domain.SubmissionID) (*domain.Submission, error) {
	const q = `
SELECT id, email, submission_date, data, file_path
FROM questionnaire_submissions
WHERE id=? LIMIT 1;
`
	return scanSubmission(r.db.QueryRowContext(ctx, q, id))
}

// Latest submissions, most recent first
func (r *SubmissionRepository) Latest(ctx context.Context, limit int) ([]*domain.Submission, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `
SELECT id, email, submission_date, data, file_path
FROM questionnaire_submissions
ORDER BY submission_date DESC, id DESC LIMIT ?;
`
	rows, err := r.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSubmissions(rows)
}

// Paginate with offset + limit (classic pagination), default order is
// most-recent-first by submission date.
func (r *SubmissionRepository) Paginate(ctx context.Context, page, pageSize int, filters map[string]interface{}) (domain.PaginatedResult, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	query := `
SELECT id, email, submission_date, data, file_path
FROM questionnaire_submissions
WHERE 1=1`
	where, args := buildFilters(filters)
	query += where
	query += "\nORDER BY submission_date DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, pageSize, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return domain.PaginatedResult{}, fmt.Errorf("querying submissions: %w", err)
	}
	defer rows.Close()

	subs, err := collectSubmissions(rows)
	if err != nil {
		return domain.PaginatedResult{}, fmt.Errorf("scanning rows: %w", err)
	}

	total, err := r.Count(ctx, filters)
	if err != nil {
		return domain.PaginatedResult{}, fmt.Errorf("getting total count: %w", err)
	}

	return domain.PaginatedResult{
		Data:       subs,
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: int(math.Ceil(float64(total) / float64(pageSize))),
	}, nil
}

// Count returns the total number of records matching the given filters
func (r *SubmissionRepository) Count(ctx context.Context, filters map[string]interface{}) (int64, error) {
	query := "SELECT COUNT(*) FROM questionnaire_submissions WHERE 1=1"
	where, args := buildFilters(filters)
	query += where

	var count int64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func buildFilters(filters map[string]interface{}) (string, []interface{}) {
	var clause string
	var args []interface{}
	if filters == nil {
		return clause, args
	}
	for key, value := range filters {
		switch key {
		case domain.FilterEmail:
			clause += " AND email = ?"
			args = append(args, value)
		case domain.FilterSearch:
			// free-text over email and the stored JSON payload
			term := escapeLikePattern(value.(string))
			clause += " AND (email LIKE ? OR CAST(data AS CHAR) LIKE ?)"
			args = append(args, "%"+term+"%", "%"+term+"%")
		case domain.FilterSince:
			clause += " AND submission_date >= ?"
			args = append(args, value)
		case domain.FilterUntil:
			clause += " AND submission_date < ?"
			args = append(args, value)
		}
	}
	return clause, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (*domain.Submission, error) {
	var s domain.Submission
	var data, filePath sql.NullString
	if err := row.Scan(&s.ID, &s.Email, &s.SubmissionDate, &data, &filePath); err != nil {
		return nil, err
	}
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &s.Data); err != nil {
			return nil, fmt.Errorf("decoding data for submission %d: %w", s.ID, err)
		}
	}
	s.FilePath = filePath.String
	return &s, nil
}

func collectSubmissions(rows *sql.Rows) ([]*domain.Submission, error) {
	var out []*domain.Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func marshalData(data any) (any, error) {
	if data == nil {
		return nil, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

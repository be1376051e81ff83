package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	domain "github.com/tsgfulfillment/questionnaire-api/internal/domain/submissions"
)

type SubmissionRepository struct{ db *sql.DB }

func NewSubmissionRepository(db *sql.DB) *SubmissionRepository { return &SubmissionRepository{db: db} }

// Save inserts one submission; RETURNING delivers the assigned id.
func (r *SubmissionRepository) Save(ctx context.Context, s *domain.Submission) error {
	const q = `
INSERT INTO questionnaire_submissions (email, submission_date, data, file_path)
VALUES ($1,$2,$3,$4)
RETURNING id;`

	email := s.Email
	if strings.TrimSpace(email) == "" {
		email = domain.DefaultEmail
	}
	submitted := s.SubmissionDate
	if submitted.IsZero() {
		submitted = time.Now().UTC()
	}

	var data any
	if s.Data != nil {
		b, err := json.Marshal(s.Data)
		if err != nil {
			return fmt.Errorf("encoding data: %w", err)
		}
		data = string(b)
	}

	var id int64
	if err := r.db.QueryRowContext(ctx, q, email, submitted, data, nullString(s.FilePath)).Scan(&id); err != nil {
		return err
	}
	s.ID = domain.SubmissionID(id)
	s.Email = email
	s.SubmissionDate = submitted
	return nil
}

func (r *SubmissionRepository) Get(ctx context.Context, id domain.SubmissionID) (*domain.Submission, error) {
	const q = `
SELECT id, email, submission_date, data, file_path
FROM questionnaire_submissions
WHERE id=$1 LIMIT 1;`
	return scanSubmission(r.db.QueryRowContext(ctx, q, id))
}

func (r *SubmissionRepository) Latest(ctx context.Context, limit int) ([]*domain.Submission, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `
SELECT id, email, submission_date, data, file_path
FROM questionnaire_submissions
ORDER BY submission_date DESC, id DESC LIMIT $1;`
	rows, err := r.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSubmissions(rows)
}

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
	where, args := buildFilters(filters, 1)
	query += where
	query += fmt.Sprintf("\nORDER BY submission_date DESC, id DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
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

func (r *SubmissionRepository) Count(ctx context.Context, filters map[string]interface{}) (int64, error) {
	query := "SELECT COUNT(*) FROM questionnaire_submissions WHERE 1=1"
	where, args := buildFilters(filters, 1)
	query += where

	var count int64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func buildFilters(filters map[string]interface{}, next int) (string, []interface{}) {
	var clause string
	var args []interface{}
	if filters == nil {
		return clause, args
	}
	for key, value := range filters {
		switch key {
		case domain.FilterEmail:
			clause += fmt.Sprintf(" AND email = $%d", next)
			args = append(args, value)
			next++
		case domain.FilterSearch:
			term := escapeLikePattern(value.(string))
			clause += fmt.Sprintf(" AND (email ILIKE $%d OR data::text ILIKE $%d)", next, next+1)
			args = append(args, "%"+term+"%", "%"+term+"%")
			next += 2
		case domain.FilterSince:
			clause += fmt.Sprintf(" AND submission_date >= $%d", next)
			args = append(args, value)
			next++
		case domain.FilterUntil:
			clause += fmt.Sprintf(" AND submission_date < $%d", next)
			args = append(args, value)
			next++
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

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func escapeLikePattern(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "%", "\\%")
	s = strings.ReplaceAll(s, "_", "\\_")
	return s
}

package submissions

import (
	"context"
	"io"
	"time"
)

// Repository port (interface for persistence)
type Repository interface {
	Save(ctx context.Context, s *Submission) error
	Get(ctx context.Context, id SubmissionID) (*Submission, error)
	Latest(ctx context.Context, limit int) ([]*Submission, error)
	Paginate(ctx context.Context, page, pageSize int, filters map[string]interface{}) (PaginatedResult, error)
	Count(ctx context.Context, filters map[string]interface{}) (int64, error)
}

// BlobStore port (interface for uploaded-file storage)
type BlobStore interface {
	Save(ctx context.Context, filename, contentType string, r io.Reader, size int64) (string, error)
	Read(ctx context.Context, path string) ([]byte, error)
}

// Attachment is binary content attached to a notification message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Message is one outbound notification.
type Message struct {
	Subject    string
	Body       string
	To         []string
	ReplyTo    string
	Attachment *Attachment
}

// Mailer port (interface for notification delivery)
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// Filter keys accepted by Paginate/Count.
const (
	FilterEmail  = "email"
	FilterSearch = "search"
	FilterSince  = "since"
	FilterUntil  = "until"
)

// SinceUntil builds a date-window filter pair; zero times are skipped.
func SinceUntil(filters map[string]interface{}, since, until time.Time) map[string]interface{} {
	if filters == nil {
		filters = map[string]interface{}{}
	}
	if !since.IsZero() {
		filters[FilterSince] = since
	}
	if !until.IsZero() {
		filters[FilterUntil] = until
	}
	return filters
}

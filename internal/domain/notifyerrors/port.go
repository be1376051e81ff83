package notifyerrors

import (
	"context"
)

// Repository defines persistence for notification failures
type Repository interface {
	Save(ctx context.Context, e *NotifyError) error
	ListBySubmission(ctx context.Context, submissionID int64, limit int) ([]*NotifyError, error)
}

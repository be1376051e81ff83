package notifyerrors

import "time"

// NotifyError represents a persisted notification failure entry
type NotifyError struct {
	ID           int64     `json:"id"`
	SubmissionID int64     `json:"submission_id"`
	Stage        string    `json:"stage,omitempty"` // attachment | send | summary
	Message      string    `json:"message"`
	CreatedAt    time.Time `json:"created_at"`
}

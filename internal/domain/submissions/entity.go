package submissions

import (
	"time"
)

// ID type for Submission
type SubmissionID int64

// DefaultEmail is recorded when the submitter did not provide an address.
const DefaultEmail = "anonymous@submission.com"

// Aggregate Root: Submission
// One questionnaire intake event. ID and SubmissionDate are assigned by the
// store on insert and never change afterwards; records are append-only.
type Submission struct {
	ID             SubmissionID `json:"id"`
	Email          string       `json:"email"`
	SubmissionDate time.Time    `json:"submission_date"`
	Data           any          `json:"data,omitempty"`
	FilePath       string       `json:"file_path,omitempty"`
}

// HasFile reports whether the original uploaded spreadsheet was stored.
func (s *Submission) HasFile() bool { return s.FilePath != "" }

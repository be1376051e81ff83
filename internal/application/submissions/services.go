package submissions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/tsgfulfillment/questionnaire-api/internal/application"
	domai "github.com/tsgfulfillment/questionnaire-api/internal/domain/ai"
	notifydom "github.com/tsgfulfillment/questionnaire-api/internal/domain/notifyerrors"
	domain "github.com/tsgfulfillment/questionnaire-api/internal/domain/submissions"
)

// Service implements the intake and admin use-cases for submissions.
// Safe for concurrent use; every call is a single synchronous pass.
type Service struct {
	Repo       domain.Repository
	Blobs      domain.BlobStore
	Mailer     domain.Mailer
	Summarizer domai.Client // optional, nil disables summaries
	NotifyLog  notifydom.Repository
	Clock      application.Clock
	Log        *zap.SugaredLogger

	// Recipients is the fixed operational list; never derived from input.
	Recipients       []string
	ReplyToSubmitter bool

	// NotifyFailed is an optional hook invoked once per failed notification.
	NotifyFailed func()
}

//
// ==== USE CASES ====
//

// SubmitCommand carries one parsed intake request.
type SubmitCommand struct {
	Email string
	Data  any

	// File* fields describe the uploaded spreadsheet, File == nil when absent.
	File     io.Reader
	FileName string
	FileType string
	FileSize int64
}

type SubmitResult struct {
	Message string              `json:"message"`
	ID      domain.SubmissionID `json:"id"`
}

// Submit stores the uploaded file (if any), persists the submission, then
// sends the notification. Persistence always precedes notification. A failed
// notification does not fail the request; it is logged and recorded so the
// stored record is never conflated with delivery success.
func (s *Service) Submit(ctx context.Context, cmd SubmitCommand) (SubmitResult, error) {
	email := cmd.Email
	if email == "" {
		email = domain.DefaultEmail
	}

	var filePath string
	if cmd.File != nil {
		contentType := cmd.FileType
		if contentType == "" {
			contentType = mime.TypeByExtension(filepath.Ext(cmd.FileName))
		}
		path, err := s.Blobs.Save(ctx, cmd.FileName, contentType, cmd.File, cmd.FileSize)
		if err != nil {
			return SubmitResult{}, fmt.Errorf("%w: %v", domain.ErrBlob, err)
		}
		filePath = path
	}

	sub := &domain.Submission{
		Email:          email,
		SubmissionDate: s.Clock.Now().UTC(),
		Data:           cmd.Data,
		FilePath:       filePath,
	}
	if err := s.Repo.Save(ctx, sub); err != nil {
		return SubmitResult{}, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}

	if err := s.notify(ctx, sub); err != nil {
		if s.NotifyFailed != nil {
			s.NotifyFailed()
		}
		s.Log.Errorw("notification failed", "submission_id", sub.ID, "error", err)
	}

	return SubmitResult{Message: "Submission successful", ID: sub.ID}, nil
}

// notify composes and sends the notification email for a stored submission.
// Every failure is recorded in the notify log with the stage that produced it
// ("attachment" for blob reads, "send" for delivery) and wrapped in
// domain.ErrNotification.
func (s *Service) notify(ctx context.Context, sub *domain.Submission) error {
	subject := fmt.Sprintf("New Questionnaire Submission from %s (#%d)", sub.Email, sub.ID)

	body := fmt.Sprintf("A new questionnaire has been submitted.\n\n"+
		"From: %s\nSubmission ID: %d\nDate: %s\n\n",
		sub.Email, sub.ID, sub.SubmissionDate.Format("2006-01-02 15:04:05 MST"))

	msg := domain.Message{
		Subject: subject,
		To:      s.Recipients,
	}
	if s.ReplyToSubmitter {
		msg.ReplyTo = sub.Email
	}

	if sub.HasFile() {
		content, err := s.Blobs.Read(ctx, sub.FilePath)
		if err != nil {
			err = fmt.Errorf("%w: reading attachment %s: %v", domain.ErrNotification, sub.FilePath, err)
			s.recordNotifyError(ctx, sub.ID, "attachment", err)
			return err
		}
		body += "Please find the original questionnaire attached."
		msg.Attachment = &domain.Attachment{
			Filename:    filepath.Base(sub.FilePath),
			ContentType: "application/octet-stream",
			Content:     content,
		}
	} else {
		rendered, err := json.MarshalIndent(sub.Data, "", "  ")
		if err != nil {
			rendered = []byte(fmt.Sprintf("%v", sub.Data))
		}
		body += "The submitted data is:\n\n" + string(rendered)

		if summary := s.summarize(ctx, sub, string(rendered)); summary != "" {
			body += "\n\nSummary:\n" + summary
		}
	}
	msg.Body = body

	if err := s.Mailer.Send(ctx, msg); err != nil {
		err = fmt.Errorf("%w: %v", domain.ErrNotification, err)
		s.recordNotifyError(ctx, sub.ID, "send", err)
		return err
	}
	return nil
}

// summarize asks the configured AI client for a short rendering of the
// answers. Best-effort: any failure is recorded and an empty string returned.
func (s *Service) summarize(ctx context.Context, sub *domain.Submission, answers string) string {
	if s.Summarizer == nil || sub.Data == nil {
		return ""
	}
	summary, err := s.Summarizer.Summarize(ctx, answers)
	if err != nil {
		s.Log.Warnw("answer summary failed", "submission_id", sub.ID, "error", err)
		s.recordNotifyError(ctx, sub.ID, "summary", err)
		return ""
	}
	return summary
}

func (s *Service) recordNotifyError(ctx context.Context, id domain.SubmissionID, stage string, cause error) {
	if s.NotifyLog == nil {
		return
	}
	entry := &notifydom.NotifyError{
		SubmissionID: int64(id),
		Stage:        stage,
		Message:      cause.Error(),
		CreatedAt:    s.Clock.Now().UTC(),
	}
	if err := s.NotifyLog.Save(ctx, entry); err != nil {
		s.Log.Errorw("recording notification failure", "submission_id", id, "error", err)
	}
}

//
// ==== ADMIN QUERIES ====
//

func (s *Service) Get(ctx context.Context, id domain.SubmissionID) (*domain.Submission, error) {
	return s.Repo.Get(ctx, id)
}

func (s *Service) Latest(ctx context.Context, limit int) ([]*domain.Submission, error) {
	return s.Repo.Latest(ctx, limit)
}

func (s *Service) List(ctx context.Context, page, pageSize int, filters map[string]interface{}) (domain.PaginatedResult, error) {
	return s.Repo.Paginate(ctx, page, pageSize, filters)
}

func (s *Service) NotifyErrors(ctx context.Context, id domain.SubmissionID, limit int) ([]*notifydom.NotifyError, error) {
	if s.NotifyLog == nil {
		return nil, nil
	}
	return s.NotifyLog.ListBySubmission(ctx, int64(id), limit)
}

package httpserver

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	appsubs "github.com/tsgfulfillment/questionnaire-api/internal/application/submissions"
	notifydom "github.com/tsgfulfillment/questionnaire-api/internal/domain/notifyerrors"
	domain "github.com/tsgfulfillment/questionnaire-api/internal/domain/submissions"
)

type fakeRepo struct {
	mu          sync.Mutex
	nextID      int64
	saved       []*domain.Submission
	failed      bool
	lastFilters map[string]interface{}
}

func (f *fakeRepo) Save(ctx context.Context, s *domain.Submission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed {
		return errors.New("connection refused")
	}
	f.nextID++
	s.ID = domain.SubmissionID(f.nextID)
	cp := *s
	f.saved = append(f.saved, &cp)
	return nil
}

func (f *fakeRepo) Get(ctx context.Context, id domain.SubmissionID) (*domain.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.saved {
		if s.ID == id {
			cp := *s
			return &cp, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (f *fakeRepo) Latest(ctx context.Context, limit int) ([]*domain.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Submission
	for i := len(f.saved) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *f.saved[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeRepo) Paginate(ctx context.Context, page, pageSize int, filters map[string]interface{}) (domain.PaginatedResult, error) {
	f.mu.Lock()
	f.lastFilters = filters
	f.mu.Unlock()
	subs, _ := f.Latest(ctx, math.MaxInt32)
	return domain.PaginatedResult{
		Data:       subs,
		Page:       page,
		PageSize:   pageSize,
		Total:      int64(len(subs)),
		TotalPages: 1,
	}, nil
}

func (f *fakeRepo) Count(ctx context.Context, filters map[string]interface{}) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.saved)), nil
}

type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	seq     int
}

func (f *fakeBlobs) Save(ctx context.Context, filename, contentType string, r io.Reader, size int64) (string, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.seq++
	key := fmt.Sprintf("questionnaires/%08d/%s", f.seq, filename)
	f.objects[key] = content
	return key, nil
}

func (f *fakeBlobs) Read(ctx context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.objects[path]
	if !ok {
		return nil, fmt.Errorf("object %s not found", path)
	}
	return content, nil
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []domain.Message
	err  error
}

func (f *fakeMailer) Send(ctx context.Context, msg domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

type fakeNotifyLog struct {
	mu      sync.Mutex
	entries []*notifydom.NotifyError
}

func (f *fakeNotifyLog) Save(ctx context.Context, e *notifydom.NotifyError) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeNotifyLog) ListBySubmission(ctx context.Context, submissionID int64, limit int) ([]*notifydom.NotifyError, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*notifydom.NotifyError
	for _, e := range f.entries {
		if e.SubmissionID == submissionID {
			out = append(out, e)
		}
	}
	return out, nil
}

type staticClock struct{ t time.Time }

func (c staticClock) Now() time.Time { return c.t }

type env struct {
	repo    *fakeRepo
	blobs   *fakeBlobs
	mailer  *fakeMailer
	nlog    *fakeNotifyLog
	handler http.Handler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWithLogger(t, zap.NewNop().Sugar())
}

func newEnvWithLogger(t *testing.T, log *zap.SugaredLogger) *env {
	t.Helper()
	e := &env{
		repo:   &fakeRepo{},
		blobs:  &fakeBlobs{},
		mailer: &fakeMailer{},
		nlog:   &fakeNotifyLog{},
	}
	svc := &appsubs.Service{
		Repo:             e.repo,
		Blobs:            e.blobs,
		Mailer:           e.mailer,
		NotifyLog:        e.nlog,
		Clock:            staticClock{t: time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)},
		Log:              log,
		Recipients:       []string{"ops@tsgfulfillment.com"},
		ReplyToSubmitter: true,
	}
	e.handler = NewRouter(svc, log, nil, map[string]string{"ops": "test-admin-key"}, nil)
	return e
}

func postJSON(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/submit/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSubmitJSONCreatesRecordAndNotifies(t *testing.T) {
	e := newEnv(t)

	rec := postJSON(t, e.handler, `{"email":"a@b.com","questionnaire_data":"{\"q1\":\"yes\"}"}`)

	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status: got=%d want=%d body=%s", rec.Code, http.StatusCreated, rec.Body.String())
	}
	var resp struct {
		Message string `json:"message"`
		ID      int64  `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Message != "Submission successful" {
		t.Fatalf("unexpected message: got=%q", resp.Message)
	}
	if resp.ID != 1 {
		t.Fatalf("unexpected id: got=%d want=1", resp.ID)
	}

	if len(e.repo.saved) != 1 {
		t.Fatalf("unexpected record count: got=%d want=1", len(e.repo.saved))
	}
	saved := e.repo.saved[0]
	if saved.Email != "a@b.com" {
		t.Fatalf("unexpected email: got=%q", saved.Email)
	}
	data, ok := saved.Data.(map[string]any)
	if !ok || data["q1"] != "yes" {
		t.Fatalf("unexpected data: got=%#v", saved.Data)
	}

	if len(e.mailer.sent) != 1 {
		t.Fatalf("unexpected mail count: got=%d want=1", len(e.mailer.sent))
	}
	msg := e.mailer.sent[0]
	if !strings.Contains(msg.Subject, "a@b.com") || !strings.Contains(msg.Subject, "#1") {
		t.Fatalf("subject missing email or id: %q", msg.Subject)
	}
	if !strings.Contains(msg.Body, `"q1": "yes"`) {
		t.Fatalf("body missing pretty-printed data: %q", msg.Body)
	}
	if msg.ReplyTo != "a@b.com" {
		t.Fatalf("unexpected reply-to: got=%q", msg.ReplyTo)
	}
	if len(msg.To) != 1 || msg.To[0] != "ops@tsgfulfillment.com" {
		t.Fatalf("unexpected recipients: %v", msg.To)
	}
}

func TestSubmitQuestionnaireDataAsObject(t *testing.T) {
	e := newEnv(t)

	rec := postJSON(t, e.handler, `{"email":"a@b.com","questionnaire_data":{"q2":42}}`)

	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status: got=%d body=%s", rec.Code, rec.Body.String())
	}
	data, ok := e.repo.saved[0].Data.(map[string]any)
	if !ok || data["q2"] != float64(42) {
		t.Fatalf("unexpected data: got=%#v", e.repo.saved[0].Data)
	}
}

func TestSubmitInvalidJSONStringHasNoSideEffects(t *testing.T) {
	e := newEnv(t)

	rec := postJSON(t, e.handler, `{"email":"a@b.com","questionnaire_data":"not-json"}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: got=%d want=%d", rec.Code, http.StatusBadRequest)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp["error"] != "Invalid JSON data" {
		t.Fatalf("unexpected error message: got=%q", resp["error"])
	}
	if len(e.repo.saved) != 0 {
		t.Fatalf("record persisted despite invalid data")
	}
	if len(e.mailer.sent) != 0 {
		t.Fatalf("notification sent despite invalid data")
	}
}

func TestSubmitMissingEmailUsesPlaceholder(t *testing.T) {
	e := newEnv(t)

	rec := postJSON(t, e.handler, `{"questionnaire_data":{"q1":"yes"}}`)

	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status: got=%d body=%s", rec.Code, rec.Body.String())
	}
	if got := e.repo.saved[0].Email; got != domain.DefaultEmail {
		t.Fatalf("unexpected email: got=%q want=%q", got, domain.DefaultEmail)
	}
}

func TestSubmitIsNotIdempotent(t *testing.T) {
	e := newEnv(t)

	body := `{"email":"a@b.com","questionnaire_data":{"q1":"yes"}}`
	first := postJSON(t, e.handler, body)
	second := postJSON(t, e.handler, body)

	if first.Code != http.StatusCreated || second.Code != http.StatusCreated {
		t.Fatalf("unexpected statuses: %d, %d", first.Code, second.Code)
	}
	if len(e.repo.saved) != 2 {
		t.Fatalf("unexpected record count: got=%d want=2", len(e.repo.saved))
	}
	if e.repo.saved[0].ID == e.repo.saved[1].ID {
		t.Fatalf("duplicate ids for distinct submissions: %d", e.repo.saved[0].ID)
	}
}

func multipartBody(t *testing.T, fields map[string]string, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("writing field %s: %v", k, err)
		}
	}
	if filename != "" {
		part, err := w.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("creating file part: %v", err)
		}
		if _, err := part.Write(content); err != nil {
			t.Fatalf("writing file part: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("closing writer: %v", err)
	}
	return &buf, w.FormDataContentType()
}

func TestSubmitMultipartWithFileAttachesOriginal(t *testing.T) {
	e := newEnv(t)

	content := []byte("PK\x03\x04 fake xlsx bytes")
	buf, contentType := multipartBody(t, map[string]string{"email": "c@d.com"}, "spreadsheet.xlsx", content)

	req := httptest.NewRequest(http.MethodPost, "/submit/", buf)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status: got=%d body=%s", rec.Code, rec.Body.String())
	}
	saved := e.repo.saved[0]
	if saved.FilePath == "" {
		t.Fatalf("file path not recorded")
	}
	stored, err := e.blobs.Read(context.Background(), saved.FilePath)
	if err != nil {
		t.Fatalf("blob not stored: %v", err)
	}
	if !bytes.Equal(stored, content) {
		t.Fatalf("stored bytes differ from upload")
	}

	msg := e.mailer.sent[0]
	if msg.Attachment == nil {
		t.Fatalf("notification missing attachment")
	}
	if msg.Attachment.Filename != "spreadsheet.xlsx" {
		t.Fatalf("unexpected attachment name: got=%q", msg.Attachment.Filename)
	}
	if !bytes.Equal(msg.Attachment.Content, content) {
		t.Fatalf("attachment bytes differ from upload")
	}
	if !strings.Contains(msg.Body, "attached") {
		t.Fatalf("body missing attachment note: %q", msg.Body)
	}
	if strings.Contains(msg.Body, "The submitted data is") {
		t.Fatalf("body should not render data when file attached")
	}
}

func TestSubmitFormURLEncoded(t *testing.T) {
	e := newEnv(t)

	form := "email=a%40b.com&questionnaire_data=%7B%22q1%22%3A%22yes%22%7D"
	req := httptest.NewRequest(http.MethodPost, "/submit/", strings.NewReader(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status: got=%d body=%s", rec.Code, rec.Body.String())
	}
	data, ok := e.repo.saved[0].Data.(map[string]any)
	if !ok || data["q1"] != "yes" {
		t.Fatalf("unexpected data: got=%#v", e.repo.saved[0].Data)
	}
}

func TestSubmitPersistenceFailureReturnsSanitized500(t *testing.T) {
	e := newEnv(t)
	e.repo.failed = true

	rec := postJSON(t, e.handler, `{"email":"a@b.com","questionnaire_data":{"q1":"yes"}}`)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("unexpected status: got=%d want=%d", rec.Code, http.StatusInternalServerError)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp["error"] != "failed to store submission" {
		t.Fatalf("unexpected error message: got=%q", resp["error"])
	}
	if strings.Contains(rec.Body.String(), "connection refused") {
		t.Fatalf("internal error text leaked to client")
	}
}

func TestSubmitNotifyFailureStillCreated(t *testing.T) {
	e := newEnv(t)
	e.mailer.err = errors.New("relay unreachable")

	rec := postJSON(t, e.handler, `{"email":"a@b.com","questionnaire_data":{"q1":"yes"}}`)

	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status: got=%d body=%s", rec.Code, rec.Body.String())
	}
	if len(e.repo.saved) != 1 {
		t.Fatalf("record not persisted")
	}
	if len(e.nlog.entries) != 1 {
		t.Fatalf("notification failure not recorded: got=%d entries", len(e.nlog.entries))
	}
	if e.nlog.entries[0].Stage != "send" {
		t.Fatalf("unexpected stage: got=%q", e.nlog.entries[0].Stage)
	}
}

func adminGet(t *testing.T, h http.Handler, path, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAdminRequiresAPIKey(t *testing.T) {
	e := newEnv(t)

	if rec := adminGet(t, e.handler, "/admin/submissions", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status without key: got=%d", rec.Code)
	}
	if rec := adminGet(t, e.handler, "/admin/submissions", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status with bad key: got=%d", rec.Code)
	}
	if rec := adminGet(t, e.handler, "/admin/submissions", "test-admin-key"); rec.Code != http.StatusOK {
		t.Fatalf("unexpected status with valid key: got=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestAdminListNewestFirst(t *testing.T) {
	e := newEnv(t)

	postJSON(t, e.handler, `{"email":"first@x.com","questionnaire_data":{"n":1}}`)
	postJSON(t, e.handler, `{"email":"second@x.com","questionnaire_data":{"n":2}}`)

	rec := adminGet(t, e.handler, "/admin/submissions?page=1&page_size=10", "test-admin-key")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got=%d", rec.Code)
	}
	var list domain.PaginatedResult
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if list.Total != 2 || len(list.Data) != 2 {
		t.Fatalf("unexpected list size: total=%d len=%d", list.Total, len(list.Data))
	}
	if list.Data[0].Email != "second@x.com" {
		t.Fatalf("expected newest first, got %q", list.Data[0].Email)
	}
}

func TestAdminListForwardsFilters(t *testing.T) {
	e := newEnv(t)

	rec := adminGet(t, e.handler,
		"/admin/submissions?email=a%40b.com&search=allergy&since=2025-03-01&until=2025-04-01T12:00:00Z",
		"test-admin-key")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got=%d body=%s", rec.Code, rec.Body.String())
	}

	f := e.repo.lastFilters
	if f == nil {
		t.Fatalf("filters not forwarded to repository")
	}
	if f[domain.FilterEmail] != "a@b.com" {
		t.Fatalf("unexpected email filter: got=%v", f[domain.FilterEmail])
	}
	if f[domain.FilterSearch] != "allergy" {
		t.Fatalf("unexpected search filter: got=%v", f[domain.FilterSearch])
	}
	since, ok := f[domain.FilterSince].(time.Time)
	if !ok || !since.Equal(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected since filter: got=%v", f[domain.FilterSince])
	}
	until, ok := f[domain.FilterUntil].(time.Time)
	if !ok || !until.Equal(time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected until filter: got=%v", f[domain.FilterUntil])
	}
}

func TestAdminListOmitsEmptyFilters(t *testing.T) {
	e := newEnv(t)

	rec := adminGet(t, e.handler, "/admin/submissions?email=&search=&since=&until=", "test-admin-key")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got=%d", rec.Code)
	}
	if len(e.repo.lastFilters) != 0 {
		t.Fatalf("blank params produced filters: %#v", e.repo.lastFilters)
	}
}

func TestAdminListBadDateReturns400(t *testing.T) {
	e := newEnv(t)

	for _, path := range []string{
		"/admin/submissions?since=14%2F03%2F2025",
		"/admin/submissions?until=not-a-date",
	} {
		rec := adminGet(t, e.handler, path, "test-admin-key")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("unexpected status for %s: got=%d body=%s", path, rec.Code, rec.Body.String())
		}
		var resp map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decoding response: %v", err)
		}
		if !strings.Contains(resp["error"], "invalid date") {
			t.Fatalf("unexpected error message: got=%q", resp["error"])
		}
	}
	if e.repo.lastFilters != nil {
		t.Fatalf("repository queried despite invalid date")
	}
}

func TestLivenessEndpoint(t *testing.T) {
	e := newEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got=%d", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Fatalf("unexpected body: got=%q", rec.Body.String())
	}
}

func TestAdminAccessLogsOperator(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	e := newEnvWithLogger(t, zap.New(core).Sugar())

	if rec := adminGet(t, e.handler, "/admin/submissions", "test-admin-key"); rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got=%d", rec.Code)
	}

	entries := logs.FilterMessage("admin access").All()
	if len(entries) != 1 {
		t.Fatalf("unexpected admin access entries: got=%d want=1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["operator"] != "ops" {
		t.Fatalf("unexpected operator: got=%v", fields["operator"])
	}
	if fields["path"] != "/admin/submissions" {
		t.Fatalf("unexpected path: got=%v", fields["path"])
	}
}

func TestAdminGetUnknownIDReturns404(t *testing.T) {
	e := newEnv(t)

	rec := adminGet(t, e.handler, "/admin/submissions/999", "test-admin-key")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status: got=%d want=%d", rec.Code, http.StatusNotFound)
	}
}

func TestAdminNotifyErrorsListsFailures(t *testing.T) {
	e := newEnv(t)
	e.mailer.err = errors.New("relay unreachable")

	postJSON(t, e.handler, `{"email":"a@b.com","questionnaire_data":{"q1":"yes"}}`)

	rec := adminGet(t, e.handler, "/admin/submissions/1/errors", "test-admin-key")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got=%d", rec.Code)
	}
	var list []*notifydom.NotifyError
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("unexpected entries: got=%d want=1", len(list))
	}
	if !strings.Contains(list[0].Message, "relay unreachable") {
		t.Fatalf("unexpected message: %q", list[0].Message)
	}
}

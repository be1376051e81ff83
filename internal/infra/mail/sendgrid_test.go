package mail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	domain "github.com/tsgfulfillment/questionnaire-api/internal/domain/submissions"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cli, err := New(Config{
		APIKey:    "sg-test-key",
		BaseURL:   srv.URL,
		FromEmail: "noreply@tsgfulfillment.com",
		FromName:  "Questionnaire Intake",
	})
	if err != nil {
		t.Fatalf("creating client: %v", err)
	}
	return cli, srv
}

func TestSendBuildsMailSendRequest(t *testing.T) {
	var captured struct {
		path    string
		auth    string
		payload map[string]any
	}
	cli, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		captured.path = r.URL.Path
		captured.auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &captured.payload); err != nil {
			t.Errorf("invalid request payload: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	})

	err := cli.Send(context.Background(), domain.Message{
		Subject: "New Questionnaire Submission from a@b.com (#7)",
		Body:    "A new questionnaire has been submitted.",
		To:      []string{"ops@tsgfulfillment.com", "backup@tsgfulfillment.com"},
		ReplyTo: "a@b.com",
	})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	if captured.path != "/v3/mail/send" {
		t.Fatalf("unexpected path: %q", captured.path)
	}
	if captured.auth != "Bearer sg-test-key" {
		t.Fatalf("unexpected auth header: %q", captured.auth)
	}

	pers := captured.payload["personalizations"].([]any)[0].(map[string]any)
	to := pers["to"].([]any)
	if len(to) != 2 {
		t.Fatalf("unexpected recipient count: %d", len(to))
	}
	if email := to[0].(map[string]any)["email"]; email != "ops@tsgfulfillment.com" {
		t.Fatalf("unexpected first recipient: %v", email)
	}

	replyTo := captured.payload["reply_to"].(map[string]any)
	if replyTo["email"] != "a@b.com" {
		t.Fatalf("unexpected reply_to: %v", replyTo)
	}

	from := captured.payload["from"].(map[string]any)
	if from["email"] != "noreply@tsgfulfillment.com" {
		t.Fatalf("unexpected from: %v", from)
	}

	content := captured.payload["content"].([]any)[0].(map[string]any)
	if content["type"] != "text/plain" {
		t.Fatalf("unexpected content type: %v", content["type"])
	}
	if _, ok := captured.payload["attachments"]; ok {
		t.Fatalf("attachments present on plain message")
	}
}

func TestSendEncodesAttachment(t *testing.T) {
	fileContent := []byte("PK\x03\x04 spreadsheet bytes")

	var payload map[string]any
	cli, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &payload)
		w.WriteHeader(http.StatusAccepted)
	})

	err := cli.Send(context.Background(), domain.Message{
		Subject: "subject",
		Body:    "body",
		To:      []string{"ops@tsgfulfillment.com"},
		Attachment: &domain.Attachment{
			Filename:    "spreadsheet.xlsx",
			ContentType: "application/octet-stream",
			Content:     fileContent,
		},
	})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	atts := payload["attachments"].([]any)
	if len(atts) != 1 {
		t.Fatalf("unexpected attachment count: %d", len(atts))
	}
	att := atts[0].(map[string]any)
	if att["filename"] != "spreadsheet.xlsx" {
		t.Fatalf("unexpected filename: %v", att["filename"])
	}
	if att["disposition"] != "attachment" {
		t.Fatalf("unexpected disposition: %v", att["disposition"])
	}
	decoded, err := base64.StdEncoding.DecodeString(att["content"].(string))
	if err != nil {
		t.Fatalf("attachment content not base64: %v", err)
	}
	if string(decoded) != string(fileContent) {
		t.Fatalf("attachment bytes differ")
	}
}

func TestSendSurfacesTransportFailure(t *testing.T) {
	cli, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"errors":[{"message":"bad key"}]}`))
	})

	err := cli.Send(context.Background(), domain.Message{
		Subject: "subject",
		Body:    "body",
		To:      []string{"ops@tsgfulfillment.com"},
	})
	if err == nil {
		t.Fatalf("expected error on 401 response")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Fatalf("error missing status: %v", err)
	}
}

func TestSendRejectsEmptyRecipients(t *testing.T) {
	cli, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("request should not reach the API")
	})

	if err := cli.Send(context.Background(), domain.Message{Subject: "s", Body: "b"}); err == nil {
		t.Fatalf("expected error with no recipients")
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{FromEmail: "x@y.com"}); err == nil {
		t.Fatalf("expected error without API key")
	}
	if _, err := New(Config{APIKey: "k"}); err == nil {
		t.Fatalf("expected error without from address")
	}
}

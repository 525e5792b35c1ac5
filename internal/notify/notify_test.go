package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

type stubNotifier struct {
	name string
	err  error
	sent []Event
}

func (s *stubNotifier) Send(_ context.Context, e Event) error {
	s.sent = append(s.sent, e)
	return s.err
}

func (s *stubNotifier) Name() string { return s.name }

func TestMultiNotifiesAll(t *testing.T) {
	a := &stubNotifier{name: "a"}
	b := &stubNotifier{name: "b"}
	m := NewMulti(nopLogger{}, a, b)

	ok := m.Notify(context.Background(), Event{Type: EventRotationStarted, PlanID: "p1"})
	if !ok {
		t.Error("expected success")
	}
	if len(a.sent) != 1 || len(b.sent) != 1 {
		t.Errorf("fan-out incomplete: a=%d b=%d", len(a.sent), len(b.sent))
	}
}

func TestMultiPartialFailureStillSucceeds(t *testing.T) {
	broken := &stubNotifier{name: "broken", err: errors.New("boom")}
	working := &stubNotifier{name: "working"}
	m := NewMulti(nopLogger{}, broken, working)

	if !m.Notify(context.Background(), Event{Type: EventRotationFailed}) {
		t.Error("one working notifier should be enough")
	}
}

func TestMultiAllFailed(t *testing.T) {
	broken := &stubNotifier{name: "broken", err: errors.New("boom")}
	m := NewMulti(nopLogger{}, broken)

	if m.Notify(context.Background(), Event{Type: EventRotationFailed}) {
		t.Error("expected failure when every notifier errors")
	}
}

func TestMultiEmptyIsSuccess(t *testing.T) {
	m := NewMulti(nopLogger{})
	if !m.Notify(context.Background(), Event{Type: EventRotationStarted}) {
		t.Error("no notifiers configured should count as success")
	}
}

func TestWebhookSendsEnvelopedJSON(t *testing.T) {
	var got webhookEnvelope
	var auth, contentType, userAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		contentType = r.Header.Get("Content-Type")
		userAgent = r.Header.Get("User-Agent")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("bad payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, map[string]string{"Authorization": "Bearer tok"})
	event := Event{
		Type:           EventRotationCompleted,
		PlanID:         "p1",
		NewFingerprint: "SHA256:abc",
		Timestamp:      time.Now().UTC(),
	}
	if err := wh.Send(context.Background(), event); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if auth != "Bearer tok" {
		t.Errorf("Authorization = %q", auth)
	}
	if contentType != "application/json" {
		t.Errorf("Content-Type = %q", contentType)
	}
	if userAgent != "key-sentinel" {
		t.Errorf("User-Agent = %q", userAgent)
	}
	// Routing fields are lifted to the top level alongside the full event.
	if got.Service != "key-sentinel" || got.EventType != EventRotationCompleted || got.PlanID != "p1" {
		t.Errorf("envelope mismatch: %+v", got)
	}
	if got.Event.NewFingerprint != "SHA256:abc" {
		t.Errorf("event not carried in envelope: %+v", got.Event)
	}
}

func TestWebhookRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, nil)
	if err := wh.Send(context.Background(), Event{Type: EventRotationStarted}); err == nil {
		t.Error("expected error for 502 response")
	}
}

func TestLogNotifierNeverFails(t *testing.T) {
	n := NewLogNotifier(nopLogger{})
	if err := n.Send(context.Background(), Event{Type: EventRetirementWarning}); err != nil {
		t.Errorf("Send: %v", err)
	}
	if n.Name() != "log" {
		t.Errorf("Name = %q", n.Name())
	}
}

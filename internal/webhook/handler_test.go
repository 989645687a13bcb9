package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ealebed/anubis/internal/prid"
)

func signSHA256(secret, body []byte) string {
	m := hmac.New(sha256.New, secret)
	m.Write(body)
	return "sha256=" + hex.EncodeToString(m.Sum(nil))
}

func signSHA1(secret, body []byte) string {
	m := hmac.New(sha1.New, secret)
	m.Write(body)
	return "sha1=" + hex.EncodeToString(m.Sum(nil))
}

// fakeRunner records every Run call so tests can assert on dispatched
// identities without a real scheduler loop.
type fakeRunner struct {
	mu    sync.Mutex
	calls [][]prid.Identity
	done  chan struct{}
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{done: make(chan struct{}, 8)}
}

func (f *fakeRunner) Run(ctx context.Context, newPrIDs []prid.Identity) {
	f.mu.Lock()
	f.calls = append(f.calls, newPrIDs)
	f.mu.Unlock()
	f.done <- struct{}{}
}

func (f *fakeRunner) waitForCall(t *testing.T) {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(time.Second):
		t.Fatalf("Runner.Run was never called")
	}
}

func newTestServer(secret []byte, runner Runner) *Server {
	return &Server{
		Owner:         "acme",
		Repo:          "widgets",
		StagingBranch: "staging",
		WebhookSecret: secret,
		Scheduler:     runner,
	}
}

func TestServeHTTP_UnauthorizedOnSignatureMismatch(t *testing.T) {
	s := newTestServer([]byte("secret"), newFakeRunner())
	body := []byte(`{"action":"opened"}`)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	w := httptest.NewRecorder()

	s.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("got status %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestServeHTTP_AcceptsLegacySHA1Signature(t *testing.T) {
	runner := newFakeRunner()
	s := newTestServer([]byte("secret"), runner)
	body := []byte(`{"action":"opened","number":7,"pull_request":{"number":7,"head":{"sha":"abc"}}}`)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-Hub-Signature", signSHA1(s.WebhookSecret, body))
	w := httptest.NewRecorder()

	s.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("got status %d, want %d", w.Code, http.StatusAccepted)
	}
	runner.waitForCall(t)
}

func TestServeHTTP_NoSignatureHeaders_Unauthorized(t *testing.T) {
	s := newTestServer([]byte("secret"), newFakeRunner())
	body := []byte(`{}`)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "pull_request")
	w := httptest.NewRecorder()

	s.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("got status %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestServeHTTP_PullRequestEventDispatchesToScheduler(t *testing.T) {
	runner := newFakeRunner()
	s := newTestServer([]byte("secret"), runner)
	body := []byte(`{"action":"synchronize","number":42,"pull_request":{"number":42,"head":{"sha":"deadbeef"}}}`)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-Hub-Signature-256", signSHA256(s.WebhookSecret, body))
	w := httptest.NewRecorder()

	s.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("got status %d, want %d", w.Code, http.StatusAccepted)
	}
	runner.waitForCall(t)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.calls) != 1 {
		t.Fatalf("got %d Run calls, want 1", len(runner.calls))
	}
	ids := runner.calls[0]
	if len(ids) != 1 || ids[0].Kind != prid.Num || ids[0].Num != 42 {
		t.Fatalf("got ids %+v, want one Num(42) identity", ids)
	}
}

func TestServeHTTP_IgnoresUnlistedEvents(t *testing.T) {
	s := newTestServer([]byte("secret"), newFakeRunner())
	body := []byte(`{}`)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "issues")
	req.Header.Set("X-Hub-Signature-256", signSHA256(s.WebhookSecret, body))
	w := httptest.NewRecorder()

	s.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("got status %d, want %d", w.Code, http.StatusNoContent)
	}
}

func TestServeHTTP_PingIsAcknowledgedWithoutDispatch(t *testing.T) {
	runner := newFakeRunner()
	s := newTestServer([]byte("secret"), runner)
	body := []byte(`{"zen":"hello"}`)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "ping")
	req.Header.Set("X-Hub-Signature-256", signSHA256(s.WebhookSecret, body))
	w := httptest.NewRecorder()

	s.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("got status %d, want %d", w.Code, http.StatusNoContent)
	}
	select {
	case <-runner.done:
		t.Fatalf("ping event must not dispatch to the scheduler")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestServeHTTP_BadPayloadIsRejected(t *testing.T) {
	s := newTestServer([]byte("secret"), newFakeRunner())
	body := []byte(`not json`)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-Hub-Signature-256", signSHA256(s.WebhookSecret, body))
	w := httptest.NewRecorder()

	s.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestServeHTTP_EnqueueSeamBypassesScheduler(t *testing.T) {
	runner := newFakeRunner()
	s := newTestServer([]byte("secret"), runner)

	var enqueued struct {
		eventType, deliveryID string
		body                  []byte
	}
	s.Enqueue = func(ctx context.Context, eventType, deliveryID string, body []byte) error {
		enqueued.eventType = eventType
		enqueued.deliveryID = deliveryID
		enqueued.body = body
		return nil
	}

	body := []byte(`{"action":"opened","number":1,"pull_request":{"number":1}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-GitHub-Delivery", "d-1")
	req.Header.Set("X-Hub-Signature-256", signSHA256(s.WebhookSecret, body))
	w := httptest.NewRecorder()

	s.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("got status %d, want %d", w.Code, http.StatusAccepted)
	}
	if enqueued.eventType != "pull_request" || enqueued.deliveryID != "d-1" {
		t.Fatalf("enqueue not invoked with expected args: %+v", enqueued)
	}
	select {
	case <-runner.done:
		t.Fatalf("scheduler must not be invoked when Enqueue is set")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestServeHTTP_EnqueueErrorStillAccepted(t *testing.T) {
	s := newTestServer([]byte("secret"), newFakeRunner())
	s.Enqueue = func(ctx context.Context, eventType, deliveryID string, body []byte) error {
		return context.DeadlineExceeded
	}

	body := []byte(`{}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "status")
	req.Header.Set("X-Hub-Signature-256", signSHA256(s.WebhookSecret, body))
	w := httptest.NewRecorder()

	s.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("got status %d, want %d even when the transport fails", w.Code, http.StatusAccepted)
	}
}

func TestServeHTTP_PausedReturnsServiceUnavailable(t *testing.T) {
	runner := newFakeRunner()
	s := newTestServer([]byte("secret"), runner)
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	body := []byte(`{"number":1,"pull_request":{"number":1}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-Hub-Signature-256", signSHA256(s.WebhookSecret, body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("got status %d, want %d while paused", w.Code, http.StatusServiceUnavailable)
	}

	if err := s.Reopen(); err != nil {
		t.Fatalf("Reopen() error = %v", err)
	}
	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req2.Header.Set("X-GitHub-Event", "pull_request")
	req2.Header.Set("X-Hub-Signature-256", signSHA256(s.WebhookSecret, body))
	s.ServeHTTP(w2, req2)
	if w2.Code != http.StatusAccepted {
		t.Fatalf("got status %d, want %d after Reopen", w2.Code, http.StatusAccepted)
	}
	runner.waitForCall(t)
}

func TestVerifySig(t *testing.T) {
	secret := []byte("sekret")
	body := []byte(`{"hello":"world"}`)

	s := &Server{WebhookSecret: secret}

	req, _ := http.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", signSHA256(secret, body))
	if !s.verifySig(req, body) {
		t.Fatalf("verifySig = false, want true for a valid sha256 signature")
	}

	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	if s.verifySig(req, body) {
		t.Fatalf("verifySig = true, want false for a mismatched signature")
	}

	req2, _ := http.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req2.Header.Set("X-Hub-Signature", signSHA1(secret, body))
	if !s.verifySig(req2, body) {
		t.Fatalf("verifySig = false, want true for a valid legacy sha1 signature")
	}
}

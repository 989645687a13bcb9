// Package webhook is the HTTP receiver, an external-collaborator role per
// the data flow: it only verifies the delivery and decodes it into PR
// identities, then hands off to the Scheduler. Grounded directly on the
// teacher's webhook.Server/ServeHTTP/verifySig shape.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/ealebed/anubis/internal/events"
	"github.com/ealebed/anubis/internal/prid"
)

// acceptedEvents is the event set spec.md §6.2 names; anything else is
// acknowledged and discarded.
var acceptedEvents = map[string]bool{
	"pull_request":        true,
	"pull_request_review": true,
	"status":              true,
	"push":                true,
	"check_run":           true,
	"workflow_run":        true,
	"ping":                true,
}

// Runner is the subset of scheduler.Scheduler the webhook server depends
// on, so handler tests never need a real scan engine.
type Runner interface {
	Run(ctx context.Context, newPrIDs []prid.Identity)
}

// Server is the bot's webhook HTTP receiver.
type Server struct {
	Owner, Repo   string
	StagingBranch string
	WebhookSecret []byte
	Scheduler     Runner

	// Enqueue, when set, hands the raw delivery to the optional durable
	// transport (internal/ingest/sqs) instead of calling the scheduler
	// in-process. Errors are logged; they never fail the HTTP response,
	// since the forge's retry behavior on non-2xx would just redeliver a
	// signature-verified payload we've already accepted.
	Enqueue func(ctx context.Context, eventType, deliveryID string, body []byte) error

	paused atomic.Bool
}

// Close implements scheduler.Listener: the scheduler calls it when a scan
// fails, so the server stops accepting new deliveries during the backoff
// window instead of queuing work behind a bot that's already retrying.
func (s *Server) Close() error {
	s.paused.Store(true)
	return nil
}

// Reopen implements scheduler.Listener, resuming delivery acceptance once
// the scheduler's backoff window elapses.
func (s *Server) Reopen() error {
	s.paused.Store(false)
	return nil
}

func (s *Server) verifySig(r *http.Request, body []byte) bool {
	if sig := r.Header.Get("X-Hub-Signature-256"); sig != "" {
		mac := hmac.New(sha256.New, s.WebhookSecret)
		mac.Write(body)
		want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
		return hmac.Equal([]byte(strings.ToLower(sig)), []byte(strings.ToLower(want)))
	}
	if sig := r.Header.Get("X-Hub-Signature"); sig != "" {
		mac := hmac.New(sha1.New, s.WebhookSecret)
		mac.Write(body)
		want := "sha1=" + hex.EncodeToString(mac.Sum(nil))
		return hmac.Equal([]byte(strings.ToLower(sig)), []byte(strings.ToLower(want)))
	}
	return false
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if cerr := r.Body.Close(); cerr != nil {
			slog.Warn("http.body_close_error", "err", cerr)
		}
	}()

	deliveryID := r.Header.Get("X-GitHub-Delivery")
	event := r.Header.Get("X-GitHub-Event")

	body, _ := io.ReadAll(r.Body)
	if !s.verifySig(r, body) {
		slog.Error("webhook.sig_mismatch", "delivery", deliveryID, "event", event)
		http.Error(w, "signature mismatch", http.StatusUnauthorized)
		return
	}

	if !acceptedEvents[event] {
		slog.Debug("webhook.ignore_event", "delivery", deliveryID, "event", event)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if s.paused.Load() {
		slog.Warn("webhook.paused", "delivery", deliveryID, "event", event)
		http.Error(w, "bot is backing off after a scan failure", http.StatusServiceUnavailable)
		return
	}

	slog.Debug("webhook.received", "delivery", deliveryID, "event", event)

	if event == "ping" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if s.Enqueue != nil {
		if err := s.Enqueue(r.Context(), event, deliveryID, body); err != nil {
			slog.Error("webhook.enqueue_error", "delivery", deliveryID, "err", err)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	ids, err := events.Decode(event, body, s.Owner, s.Repo, s.StagingBranch)
	if err != nil {
		slog.Error("webhook.bad_payload", "delivery", deliveryID, "event", event, "err", err)
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	// Dispatch asynchronously and respond fast, matching the teacher's
	// fire-and-forget per-delivery goroutine; the scheduler itself
	// serializes scans, so concurrent webhook deliveries never race a
	// scan in progress.
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("webhook.panic", "delivery", deliveryID, "panic", r)
			}
		}()
		s.Scheduler.Run(context.Background(), ids)
	}()
	w.WriteHeader(http.StatusAccepted)
}

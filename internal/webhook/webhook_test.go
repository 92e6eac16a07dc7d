package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mediaforge/mediaforge/internal/job"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func terminalJob(status job.Status, wh *job.Webhook) *job.Job {
	started := time.Now().UTC().Add(-time.Minute)
	completed := time.Now().UTC()
	j := &job.Job{
		ID:                  "job-1",
		Type:                "text_transform",
		Status:              status,
		Webhook:             wh,
		ProcessingStartedAt: &started,
		CompletedAt:         &completed,
	}
	if status == job.StatusCompleted {
		j.Results = map[string]any{"text": "HI"}
	} else {
		j.Error = &job.Error{Code: job.CodeHandlerError, Message: "boom"}
	}
	return j
}

func TestNewEnvelope_Completed(t *testing.T) {
	j := terminalJob(job.StatusCompleted, &job.Webhook{URL: "https://example.com/cb"})
	env := NewEnvelope(j)

	if env.JobID != "job-1" {
		t.Errorf("JobID = %q, want job-1", env.JobID)
	}
	if env.Process.Processor != "text_transform" {
		t.Errorf("Processor = %q", env.Process.Processor)
	}
	if env.Data["text"] != "HI" {
		t.Errorf("Data = %v, want handler results", env.Data)
	}
	if env.Error != nil {
		t.Errorf("Error = %+v, want nil on success", env.Error)
	}
}

func TestNewEnvelope_Failed(t *testing.T) {
	j := terminalJob(job.StatusFailed, &job.Webhook{URL: "https://example.com/cb"})
	env := NewEnvelope(j)

	if env.Data != nil {
		t.Errorf("Data = %v, want nil on failure", env.Data)
	}
	if env.Error == nil || env.Error.Code != job.CodeHandlerError {
		t.Errorf("Error = %+v, want HANDLER_ERROR", env.Error)
	}
}

func TestNewEnvelope_ExternalID(t *testing.T) {
	j := terminalJob(job.StatusCompleted, &job.Webhook{URL: "https://example.com/cb", ExternalID: "caller-42"})
	env := NewEnvelope(j)

	if env.JobID != "caller-42" {
		t.Errorf("JobID = %q, want external id echoed", env.JobID)
	}
	if env.Process.ID != "job-1" {
		t.Errorf("Process.ID = %q, want internal id", env.Process.ID)
	}
}

func TestDeliver_SignedRequest(t *testing.T) {
	var gotBody []byte
	var gotHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeader = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	j := terminalJob(job.StatusCompleted, &job.Webhook{URL: srv.URL, Secret: "s3cret"})
	s := NewSender(5*time.Second, 1, true, quietLogger())
	if err := s.Deliver(context.Background(), j.Webhook, NewEnvelope(j)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	if ct := gotHeader.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if tok := gotHeader.Get("X-Callback-Token"); tok != "s3cret" {
		t.Errorf("X-Callback-Token = %q", tok)
	}
	if ts := gotHeader.Get("X-Timestamp"); ts == "" {
		t.Error("X-Timestamp missing")
	}
	if sig := gotHeader.Get("X-Signature"); sig != Sign(gotBody, "s3cret") {
		t.Errorf("X-Signature = %q, does not verify against raw body", sig)
	}

	var env Envelope
	if err := json.Unmarshal(gotBody, &env); err != nil {
		t.Fatalf("body is not an envelope: %v", err)
	}
	if env.JobID != "job-1" || env.Data["text"] != "HI" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestDeliver_NoSecretNoSignature(t *testing.T) {
	var gotHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	j := terminalJob(job.StatusCompleted, &job.Webhook{URL: srv.URL})
	s := NewSender(5*time.Second, 1, true, quietLogger())
	if err := s.Deliver(context.Background(), j.Webhook, NewEnvelope(j)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	if gotHeader.Get("X-Signature") != "" || gotHeader.Get("X-Callback-Token") != "" {
		t.Error("auth headers present without a secret")
	}
}

func TestDeliver_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	j := terminalJob(job.StatusCompleted, &job.Webhook{URL: srv.URL})
	s := NewSender(5*time.Second, 1, true, quietLogger())
	if err := s.Deliver(context.Background(), j.Webhook, NewEnvelope(j)); err == nil {
		t.Error("Deliver succeeded on a 500 response")
	}
}

func TestDeliver_RetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "try again", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	j := terminalJob(job.StatusCompleted, &job.Webhook{URL: srv.URL})
	s := NewSender(5*time.Second, 5, true, quietLogger())
	if err := s.Deliver(context.Background(), j.Webhook, NewEnvelope(j)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("attempts = %d, want 3", calls.Load())
	}
}

func TestSign(t *testing.T) {
	sig := Sign([]byte(`{"jobId":"x"}`), "key")
	if len(sig) != 64 {
		t.Errorf("len(sig) = %d, want 64 hex chars", len(sig))
	}
	if sig != Sign([]byte(`{"jobId":"x"}`), "key") {
		t.Error("signature not deterministic")
	}
	if sig == Sign([]byte(`{"jobId":"x"}`), "other") {
		t.Error("different secrets produced the same signature")
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name         string
		url          string
		allowPrivate bool
		wantErr      bool
	}{
		{"https allowed", "https://example.com/cb", true, false},
		{"http allowed", "http://example.com/cb", true, false},
		{"ftp scheme", "ftp://example.com/cb", false, true},
		{"file scheme", "file:///etc/passwd", false, true},
		{"loopback blocked", "http://127.0.0.1:9000/cb", false, true},
		{"localhost blocked", "http://localhost:9000/cb", false, true},
		{"private blocked", "http://10.0.0.5/cb", false, true},
		{"loopback allowed when private ok", "http://127.0.0.1:9000/cb", true, false},
		{"scheme still checked with private ok", "gopher://127.0.0.1/cb", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateURL(tt.url, tt.allowPrivate)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateURL(%q, %v) error = %v, wantErr %v", tt.url, tt.allowPrivate, err, tt.wantErr)
			}
		})
	}
}

func TestJitter_Bounded(t *testing.T) {
	for attempt := 1; attempt <= 12; attempt++ {
		d := jitter(attempt)
		if d < 0 || d > retryCap {
			t.Errorf("jitter(%d) = %v, out of [0, %v]", attempt, d, retryCap)
		}
	}
}

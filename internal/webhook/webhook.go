package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mediaforge/mediaforge/internal/job"
)

const (
	retryBase = time.Second
	retryCap  = 5 * time.Minute

	// Response bodies are logged truncated; bulk content never belongs in
	// webhook traffic in either direction.
	maxLoggedBody = 512
)

// ProcessInfo identifies the run that produced the notification.
type ProcessInfo struct {
	ID          string     `json:"id"`
	Processor   string     `json:"processor"`
	StartedAt   *time.Time `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt"`
}

// Envelope is the terminal-state notification body. Data carries handler
// results on success and is null on failure; Error is the inverse. Large
// artifacts are carried by reference only.
type Envelope struct {
	JobID   string         `json:"jobId"`
	Process ProcessInfo    `json:"process"`
	Data    map[string]any `json:"data"`
	Error   *job.Error     `json:"error"`
}

// NewEnvelope builds the notification for a terminal job. JobID echoes the
// caller-supplied external id when one was given.
func NewEnvelope(j *job.Job) Envelope {
	env := Envelope{
		JobID: j.ID,
		Process: ProcessInfo{
			ID:          j.ID,
			Processor:   j.Type,
			StartedAt:   j.ProcessingStartedAt,
			CompletedAt: j.CompletedAt,
		},
	}
	if j.Webhook != nil && j.Webhook.ExternalID != "" {
		env.JobID = j.Webhook.ExternalID
	}
	if j.Status == job.StatusCompleted {
		env.Data = j.Results
	} else {
		env.Error = j.Error
	}
	return env
}

// Sender delivers terminal-state notifications. Delivery failure is
// observability data, never job state: callers log and move on.
type Sender struct {
	client       *http.Client
	maxAttempts  int
	allowPrivate bool
	log          *logrus.Entry
}

// NewSender builds a Sender. maxAttempts of 1 means a single synchronous
// attempt; higher values retry with full-jitter exponential backoff.
// allowPrivate disables the private/loopback IP guard for deployments whose
// callback receivers live on an internal network.
func NewSender(timeout time.Duration, maxAttempts int, allowPrivate bool, logger *logrus.Logger) *Sender {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Sender{
		client:       &http.Client{Timeout: timeout},
		maxAttempts:  maxAttempts,
		allowPrivate: allowPrivate,
		log:          logger.WithField("component", "webhook"),
	}
}

// Deliver posts the envelope to the job's callback URL, signing the raw body
// with the per-job secret. Returns the last delivery error after all
// attempts are exhausted.
func (s *Sender) Deliver(ctx context.Context, cfg *job.Webhook, env Envelope) error {
	if err := validateURL(cfg.URL, s.allowPrivate); err != nil {
		return fmt.Errorf("callback URL rejected: %w", err)
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = s.post(ctx, cfg, payload)
		if lastErr == nil {
			return nil
		}
		s.log.WithFields(logrus.Fields{
			"attempt": attempt,
			"url":     cfg.URL,
			"error":   lastErr,
		}).Warn("webhook attempt failed")
		if attempt < s.maxAttempts {
			time.Sleep(jitter(attempt))
		}
	}
	return lastErr
}

func (s *Sender) post(ctx context.Context, cfg *job.Webhook, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if cfg.Secret != "" {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set("X-Callback-Token", cfg.Secret)
		req.Header.Set("X-Timestamp", ts)
		req.Header.Set("X-Signature", Sign(payload, cfg.Secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body := make([]byte, maxLoggedBody)
	n, _ := resp.Body.Read(body)
	s.log.WithFields(logrus.Fields{
		"url":    cfg.URL,
		"status": resp.StatusCode,
		"body":   string(body[:n]),
	}).Info("webhook delivered")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body keyed by secret. Receivers verify
// it against the raw request body and check X-Timestamp against a replay
// window.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// validateURL blocks non-HTTP schemes and, unless allowPrivate is set,
// private/internal IP ranges.
func validateURL(rawURL string, allowPrivate bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if allowPrivate {
		return nil
	}

	host := u.Hostname()
	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("DNS lookup failed: %w", err)
	}

	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP blocked: %s", ipStr)
		}
	}

	return nil
}

// jitter returns a random duration between 0 and min(retryCap, retryBase * 2^attempt).
// Full jitter prevents synchronized retries when multiple webhooks fail at
// the same time.
func jitter(attempt int) time.Duration {
	exp := retryBase * (1 << attempt)
	if exp > retryCap {
		exp = retryCap
	}
	return time.Duration(rand.Int63n(int64(exp)))
}

package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/orrn/runq/internal/config"
	"github.com/orrn/runq/internal/core"
)

type capture struct {
	mu      sync.Mutex
	bodies  [][]byte
	headers []http.Header
}

func (c *capture) add(h http.Header, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headers = append(c.headers, h.Clone())
	c.bodies = append(c.bodies, body)
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func (c *capture) at(i int) (http.Header, []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headers[i], c.bodies[i]
}

func captureServer(t *testing.T, status int) (*httptest.Server, *capture) {
	t.Helper()
	c := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.add(r.Header, body)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func startSender(t *testing.T, cfg *config.WebhooksConfig) *Sender {
	t.Helper()
	s := NewSender(cfg, zerolog.Nop())
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

func waitForCount(t *testing.T, what string, want int, count func() int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for count() < want {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s: have %d, want %d", what, count(), want)
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func sampleSnapshot() core.JobSnapshot {
	started := time.Now().Add(-1500 * time.Millisecond)
	completed := started.Add(1500 * time.Millisecond)
	exit := 0
	return core.JobSnapshot{
		ID:          "job-123",
		Name:        "backup",
		Status:      core.JobStatusCompleted,
		Priority:    4,
		RetryCount:  1,
		ExitCode:    &exit,
		CreatedAt:   started.Add(-time.Second),
		StartedAt:   &started,
		CompletedAt: &completed,
	}
}

func TestSender_DeliversWithSignature(t *testing.T) {
	t.Parallel()
	srv, got := captureServer(t, http.StatusOK)

	secret := "s3cret"
	s := startSender(t, &config.WebhooksConfig{
		Endpoints: []config.WebhookEndpoint{{
			Name:   "audit",
			URL:    srv.URL,
			Secret: secret,
			Events: []string{core.EventJobCompleted},
		}},
		Workers:    1,
		QueueSize:  10,
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
		RatePerSec: 100,
	})

	s.JobEvent(core.EventJobCompleted, sampleSnapshot())
	waitForCount(t, "delivery", 1, got.count)

	header, body := got.at(0)
	if header.Get("Content-Type") != "application/json" {
		t.Errorf("content type = %q", header.Get("Content-Type"))
	}
	if header.Get("X-Webhook-Event") != core.EventJobCompleted {
		t.Errorf("event header = %q", header.Get("X-Webhook-Event"))
	}

	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Event != core.EventJobCompleted {
		t.Errorf("event = %q", payload.Event)
	}
	if payload.Data.JobID != "job-123" || payload.Data.Status != "completed" {
		t.Errorf("data = %+v", payload.Data)
	}
	if payload.Data.DurationMS == nil || *payload.Data.DurationMS != 1500 {
		t.Error("expected duration_ms 1500")
	}
	if payload.Data.ExitCode == nil || *payload.Data.ExitCode != 0 {
		t.Error("expected exit_code 0")
	}

	// The signature covers the data object and must be reproducible by the
	// receiver from the body it was handed.
	dataBytes, err := json.Marshal(payload.Data)
	if err != nil {
		t.Fatalf("marshal data: %v", err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(dataBytes)
	want := hex.EncodeToString(mac.Sum(nil))
	if payload.Signature != want {
		t.Errorf("signature = %q, want %q", payload.Signature, want)
	}
	if header.Get("X-Webhook-Signature") != want {
		t.Errorf("signature header = %q, want %q", header.Get("X-Webhook-Signature"), want)
	}
}

func TestSender_EventFilter(t *testing.T) {
	t.Parallel()
	srv, got := captureServer(t, http.StatusOK)

	s := startSender(t, &config.WebhooksConfig{
		Endpoints: []config.WebhookEndpoint{{
			Name:   "failures-only",
			URL:    srv.URL,
			Events: []string{core.EventJobFailed},
		}},
		Workers:    1,
		QueueSize:  10,
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
		RatePerSec: 100,
	})

	s.JobEvent(core.EventJobSubmitted, sampleSnapshot())
	s.JobEvent(core.EventJobCompleted, sampleSnapshot())
	s.JobEvent(core.EventJobFailed, sampleSnapshot())

	waitForCount(t, "filtered delivery", 1, got.count)
	time.Sleep(50 * time.Millisecond)
	if got.count() != 1 {
		t.Fatalf("deliveries = %d, want 1 (only the subscribed event)", got.count())
	}

	_, body := got.at(0)
	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Event != core.EventJobFailed {
		t.Errorf("delivered event = %q, want %q", payload.Event, core.EventJobFailed)
	}
	if payload.Signature != "" {
		t.Errorf("signature = %q, want empty without a secret", payload.Signature)
	}
}

func TestSender_NoFilterReceivesEverything(t *testing.T) {
	t.Parallel()
	srv, got := captureServer(t, http.StatusOK)

	s := startSender(t, &config.WebhooksConfig{
		Endpoints:  []config.WebhookEndpoint{{Name: "firehose", URL: srv.URL}},
		Workers:    1,
		QueueSize:  10,
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
		RatePerSec: 100,
	})

	for _, event := range []string{core.EventJobSubmitted, core.EventJobStarted, core.EventJobCompleted} {
		s.JobEvent(event, sampleSnapshot())
	}
	waitForCount(t, "all deliveries", 3, got.count)
}

func TestSender_RetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	s := startSender(t, &config.WebhooksConfig{
		Endpoints:  []config.WebhookEndpoint{{Name: "flaky", URL: srv.URL}},
		Workers:    1,
		QueueSize:  10,
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
		RatePerSec: 100,
	})

	s.JobEvent(core.EventJobCompleted, sampleSnapshot())

	deadline := time.After(2 * time.Second)
	for calls.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("attempts = %d, want 3 (two failures then success)", calls.Load())
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestSender_ClientErrorsAreNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	s := startSender(t, &config.WebhooksConfig{
		Endpoints:  []config.WebhookEndpoint{{Name: "rejecting", URL: srv.URL}},
		Workers:    1,
		QueueSize:  10,
		MaxRetries: 5,
		RetryDelay: time.Millisecond,
		RatePerSec: 100,
	})

	s.JobEvent(core.EventJobCompleted, sampleSnapshot())

	deadline := time.After(2 * time.Second)
	for calls.Load() < 1 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the first attempt")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("attempts = %d, want 1 (4xx is permanent)", calls.Load())
	}
}

func TestSender_NoEndpointsIsNoop(t *testing.T) {
	t.Parallel()
	s := startSender(t, &config.WebhooksConfig{Workers: 1, QueueSize: 1, MaxRetries: 1, RetryDelay: time.Millisecond, RatePerSec: 100})

	// Must not block or panic with nothing configured.
	s.JobEvent(core.EventJobCompleted, sampleSnapshot())
}

package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/orrn/runq/internal/config"
	"github.com/orrn/runq/internal/core"
)

type Payload struct {
	Event     string       `json:"event"`
	Timestamp time.Time    `json:"timestamp"`
	Data      JobEventData `json:"data"`
	Signature string       `json:"signature,omitempty"`
}

type JobEventData struct {
	JobID      string `json:"job_id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	Priority   int    `json:"priority"`
	RetryCount int    `json:"retry_count"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS *int64 `json:"duration_ms,omitempty"`
}

type task struct {
	endpoint config.WebhookEndpoint
	payload  *Payload
	attempt  int
}

// Sender fans job lifecycle events out to the configured endpoints. It
// implements core.Notifier: JobEvent only enqueues, delivery happens on the
// worker goroutines, and a full queue drops rather than blocks the
// scheduler.
type Sender struct {
	endpoints  []config.WebhookEndpoint
	httpClient *http.Client
	maxRetries int
	retryDelay time.Duration
	workers    int
	limiter    *rate.Limiter
	queue      chan *task
	stopCh     chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	log        zerolog.Logger
}

func NewSender(cfg *config.WebhooksConfig, log zerolog.Logger) *Sender {
	if cfg == nil {
		cfg = &config.WebhooksConfig{}
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 100
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}
	ratePerSec := cfg.RatePerSec
	if ratePerSec <= 0 {
		ratePerSec = 10
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Sender{
		endpoints:  cfg.Endpoints,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		workers:    workers,
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
		queue:      make(chan *task, queueSize),
		stopCh:     make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		log:        log,
	}
}

func (s *Sender) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

func (s *Sender) Stop() {
	close(s.stopCh)
	s.cancel()
	s.wg.Wait()
}

// JobEvent queues one delivery per endpoint subscribed to the event.
func (s *Sender) JobEvent(event string, job core.JobSnapshot) {
	if len(s.endpoints) == 0 {
		return
	}
	data := JobEventData{
		JobID:      job.ID,
		Name:       job.Name,
		Status:     string(job.Status),
		Priority:   job.Priority,
		RetryCount: job.RetryCount,
		Error:      job.Error,
	}
	if job.ExitCode != nil {
		c := *job.ExitCode
		data.ExitCode = &c
	}
	if job.StartedAt != nil && job.CompletedAt != nil {
		d := job.CompletedAt.Sub(*job.StartedAt).Milliseconds()
		data.DurationMS = &d
	}

	for _, ep := range s.endpoints {
		if !subscribed(ep, event) {
			continue
		}
		t := &task{
			endpoint: ep,
			payload: &Payload{
				Event:     event,
				Timestamp: time.Now(),
				Data:      data,
			},
		}
		select {
		case s.queue <- t:
		default:
			s.log.Warn().Str("endpoint", ep.Name).Str("event", event).Msg("webhook queue full, dropping event")
		}
	}
}

func subscribed(ep config.WebhookEndpoint, event string) bool {
	if len(ep.Events) == 0 {
		return true
	}
	for _, e := range ep.Events {
		if e == event {
			return true
		}
	}
	return false
}

func (s *Sender) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case t := <-s.queue:
			if err := s.limiter.Wait(s.ctx); err != nil {
				return
			}
			if err := s.sendWithRetry(t); err != nil {
				s.log.Error().Int("worker", id).Str("endpoint", t.endpoint.Name).Str("event", t.payload.Event).Int("attempts", t.attempt).Err(err).Msg("webhook delivery failed")
			}
		}
	}
}

func (s *Sender) sendWithRetry(t *task) error {
	var lastErr error
	for t.attempt < s.maxRetries {
		t.attempt++

		err := s.sendRequest(t.endpoint, t.payload)
		if err == nil {
			return nil
		}

		lastErr = err

		if isClientError(err) {
			return err
		}

		if t.attempt < s.maxRetries {
			backoff := s.retryDelay * time.Duration(1<<(t.attempt-1))
			select {
			case <-s.stopCh:
				return fmt.Errorf("shutdown requested")
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (s *Sender) sendRequest(ep config.WebhookEndpoint, payload *Payload) error {
	dataBytes, err := json.Marshal(payload.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	if ep.Secret != "" {
		payload.Signature = signPayload(dataBytes, ep.Secret)
	}

	fullPayload, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequest("POST", ep.URL, bytes.NewReader(fullPayload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", payload.Signature)
	req.Header.Set("X-Webhook-Event", payload.Event)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("http error: %d", resp.StatusCode)
	}

	return nil
}

func signPayload(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func isClientError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "http error: 4")
}

package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/jon4hz/jellynouncer/internal/config"
	"github.com/jon4hz/jellynouncer/internal/models"
)

var (
	// ErrQueueFull is returned when the outbound queue cannot take another
	// message.
	ErrQueueFull = errors.New("dispatch queue full")
	// ErrStopped is returned when messages arrive after shutdown began.
	ErrStopped = errors.New("dispatcher stopped")
)

const (
	defaultWindow            = time.Minute
	defaultBaseRetryDelay    = time.Minute
	defaultInterMessageDelay = 500 * time.Millisecond
	defaultTimeout           = 10 * time.Second
)

// message is one queue entry. notBefore delays delivery of scheduled retries.
type message struct {
	key       string
	payload   Message
	retry     int
	notBefore time.Time
}

// target is one configured webhook with its rate limiter.
type target struct {
	cfg     *config.WebhookConfig
	limiter *limiter
}

// Dispatcher owns the outbound message queue. A single worker delivers
// messages in arrival order, honoring per-webhook rate limits and retrying
// transient failures with exponential backoff.
type Dispatcher struct {
	client     *http.Client
	targets    map[string]*target
	maxRetries int

	queue chan message
	quit  chan struct{}
	abort chan struct{}
	done  chan struct{}

	stopOnce sync.Once

	mu            sync.Mutex
	stopping      bool
	queuedTotal   int64
	sentTotal     int64
	failedTotal   int64
	retriedTotal  int64
	rateLimitHits int64

	// Lowered in tests to keep them fast.
	baseRetryDelay    time.Duration
	interMessageDelay time.Duration
}

// New builds a dispatcher over the enabled webhooks. A nil client gets a
// default one with the send timeout applied.
func New(cfg *config.DiscordConfig, client *http.Client) *Dispatcher {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}

	targets := make(map[string]*target)
	for key, webhook := range cfg.Webhooks {
		if webhook == nil || !webhook.Enabled || webhook.URL == "" {
			continue
		}
		targets[key] = &target{
			cfg:     webhook,
			limiter: newLimiter(cfg.RequestsPerMinute, defaultWindow),
		}
	}

	return &Dispatcher{
		client:            client,
		targets:           targets,
		maxRetries:        cfg.MaxRetries,
		queue:             make(chan message, cfg.QueueSize),
		quit:              make(chan struct{}),
		abort:             make(chan struct{}),
		done:              make(chan struct{}),
		baseRetryDelay:    defaultBaseRetryDelay,
		interMessageDelay: defaultInterMessageDelay,
	}
}

// Start launches the queue worker.
func (d *Dispatcher) Start() {
	go d.worker()
}

// Stop drains the queue for as long as the context allows, then abandons
// whatever is left and reports the residual depth.
func (d *Dispatcher) Stop(ctx context.Context) error {
	var err error
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopping = true
		d.mu.Unlock()

		close(d.quit)
		select {
		case <-d.done:
		case <-ctx.Done():
			close(d.abort)
			<-d.done
			err = ctx.Err()
		}

		if residual := len(d.queue); residual > 0 {
			log.Warn("Dispatcher stopped with messages still queued", "count", residual)
		}
	})
	return err
}

// Resolve returns the webhook key and config a media kind routes to,
// following the fallback to the default webhook. ok is false when no usable
// webhook exists for the kind.
func (d *Dispatcher) Resolve(itemType string) (string, *config.WebhookConfig, bool) {
	key := routeKey(itemType)
	if t, ok := d.targets[key]; ok {
		return key, t.cfg, true
	}
	if t, ok := d.targets[config.WebhookDefault]; ok {
		return config.WebhookDefault, t.cfg, true
	}
	return "", nil, false
}

// Announce enqueues a service status message on the default webhook, or the
// first configured one when no default exists.
func (d *Dispatcher) Announce(msg Message) error {
	if _, ok := d.targets[config.WebhookDefault]; ok {
		return d.Enqueue(config.WebhookDefault, msg)
	}
	keys := d.keys()
	if len(keys) == 0 {
		return nil
	}
	return d.Enqueue(keys[0], msg)
}

// Enqueue places a message on the outbound queue for the given webhook key.
func (d *Dispatcher) Enqueue(key string, msg Message) error {
	if _, ok := d.targets[key]; !ok {
		return fmt.Errorf("no webhook configured under key %q", key)
	}

	d.mu.Lock()
	if d.stopping {
		d.mu.Unlock()
		return ErrStopped
	}
	d.mu.Unlock()

	select {
	case d.queue <- message{key: key, payload: msg}:
		d.mu.Lock()
		d.queuedTotal++
		d.mu.Unlock()
		return nil
	default:
		d.mu.Lock()
		d.failedTotal++
		d.mu.Unlock()
		return ErrQueueFull
	}
}

// WebhookNames returns the display names of the configured webhooks, sorted.
func (d *Dispatcher) WebhookNames() []string {
	names := make([]string, 0, len(d.targets))
	for _, t := range d.targets {
		names = append(names, t.cfg.Name)
	}
	sort.Strings(names)
	return names
}

func (d *Dispatcher) keys() []string {
	keys := make([]string, 0, len(d.targets))
	for key := range d.targets {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Stats is a point-in-time snapshot of the dispatcher counters.
type Stats struct {
	Queued        int64   `json:"queued"`
	Sent          int64   `json:"sent"`
	Failed        int64   `json:"failed"`
	Retried       int64   `json:"retried"`
	RateLimitHits int64   `json:"rate_limit_hits"`
	CurrentSize   int     `json:"current_size"`
	QueueCapacity int     `json:"queue_capacity"`
	Utilization   float64 `json:"utilization_percent"`
	SuccessRate   float64 `json:"success_rate_percent"`
}

// Stats returns the current counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Stats{
		Queued:        d.queuedTotal,
		Sent:          d.sentTotal,
		Failed:        d.failedTotal,
		Retried:       d.retriedTotal,
		RateLimitHits: d.rateLimitHits,
		CurrentSize:   len(d.queue),
		QueueCapacity: cap(d.queue),
	}
	if s.QueueCapacity > 0 {
		s.Utilization = float64(s.CurrentSize) / float64(s.QueueCapacity) * 100
	}
	if completed := s.Sent + s.Failed; completed > 0 {
		s.SuccessRate = float64(s.Sent) / float64(completed) * 100
	} else {
		s.SuccessRate = 100
	}
	return s
}

func (d *Dispatcher) worker() {
	defer close(d.done)
	for {
		select {
		case m := <-d.queue:
			if !d.deliver(m) {
				return
			}
		case <-d.quit:
			for {
				select {
				case m := <-d.queue:
					if !d.deliver(m) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// deliver sends one message, waiting out retry schedules and rate limits.
// Returns false only when shutdown aborted the wait.
func (d *Dispatcher) deliver(m message) bool {
	if !d.sleepUntil(m.notBefore) {
		return false
	}

	t, ok := d.targets[m.key]
	if !ok {
		return true
	}

	for {
		ok, until, blocked := t.limiter.reserve()
		if ok {
			break
		}
		if !blocked {
			d.mu.Lock()
			d.rateLimitHits++
			d.mu.Unlock()
			log.Debug("Webhook window full, waiting for a free slot", "webhook", t.cfg.Name, "until", until)
		}
		if !d.sleepUntil(until) {
			return false
		}
	}

	status, retryAfter, err := d.post(t.cfg.URL, m.payload)
	t.limiter.record()

	switch {
	case err != nil:
		d.retryOrFail(m, t, err.Error())

	case status == http.StatusTooManyRequests:
		until := time.Now().Add(retryAfter)
		t.limiter.block(until)
		d.mu.Lock()
		d.rateLimitHits++
		d.retriedTotal++
		d.mu.Unlock()
		log.Warn("Webhook rate limited by Discord", "webhook", t.cfg.Name, "retryAfter", retryAfter)
		d.requeue(m)

	case status >= 200 && status < 300:
		d.mu.Lock()
		d.sentTotal++
		d.mu.Unlock()
		log.Debug("Message delivered", "webhook", t.cfg.Name)

	case status >= 500:
		d.retryOrFail(m, t, fmt.Sprintf("status %d", status))

	default:
		// Non-429 4xx means the payload or the webhook itself is bad.
		// Retrying cannot fix either.
		d.mu.Lock()
		d.failedTotal++
		d.mu.Unlock()
		log.Error("Webhook rejected message", "webhook", t.cfg.Name, "status", status)
	}

	return d.sleep(d.interMessageDelay)
}

// retryOrFail schedules an exponential-backoff retry, or gives up once the
// retry budget is spent.
func (d *Dispatcher) retryOrFail(m message, t *target, reason string) {
	m.retry++
	if m.retry > d.maxRetries {
		d.mu.Lock()
		d.failedTotal++
		d.mu.Unlock()
		log.Error("Giving up on message", "webhook", t.cfg.Name, "retries", d.maxRetries, "reason", reason)
		return
	}

	delay := d.baseRetryDelay << (m.retry - 1)
	m.notBefore = time.Now().Add(delay)
	d.mu.Lock()
	d.retriedTotal++
	d.mu.Unlock()
	log.Warn("Message send failed, scheduling retry",
		"webhook", t.cfg.Name,
		"attempt", m.retry,
		"delay", delay,
		"reason", reason,
	)
	d.requeue(m)
}

// requeue puts a retried message back without counting it as newly queued.
func (d *Dispatcher) requeue(m message) {
	select {
	case d.queue <- m:
	default:
		d.mu.Lock()
		d.failedTotal++
		d.mu.Unlock()
		log.Warn("Queue full, dropping retry", "webhook", d.webhookName(m.key))
	}
}

func (d *Dispatcher) webhookName(key string) string {
	if t, ok := d.targets[key]; ok {
		return t.cfg.Name
	}
	return key
}

// post performs the HTTP send and extracts the Retry-After hint on 429.
func (d *Dispatcher) post(url string, msg Message) (int, time.Duration, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to send webhook request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	var retryAfter time.Duration
	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return resp.StatusCode, retryAfter, nil
}

// parseRetryAfter reads Discord's Retry-After header, which may carry
// fractional seconds. Falls back to a minute when missing or unreadable.
func parseRetryAfter(value string) time.Duration {
	seconds, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || seconds <= 0 {
		return time.Minute
	}
	return time.Duration(seconds * float64(time.Second))
}

// sleepUntil waits until the given time, or returns immediately for the zero
// time. Returns false when shutdown aborted the wait.
func (d *Dispatcher) sleepUntil(t time.Time) bool {
	if t.IsZero() {
		return true
	}
	return d.sleep(time.Until(t))
}

func (d *Dispatcher) sleep(dur time.Duration) bool {
	if dur <= 0 {
		return true
	}
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-d.abort:
		return false
	}
}

// routeKey maps a media kind to its webhook key.
func routeKey(itemType string) string {
	switch itemType {
	case models.KindMovie:
		return config.WebhookMovies
	case models.KindSeries, models.KindSeason, models.KindEpisode:
		return config.WebhookTV
	case models.KindAudio, models.KindMusicAlbum, models.KindMusicArtist:
		return config.WebhookMusic
	default:
		return config.WebhookDefault
	}
}

package discord

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/jon4hz/jellynouncer/internal/config"
	"github.com/jon4hz/jellynouncer/internal/models"
)

// webhookRecorder captures the messages a test webhook receives and lets each
// test script the responses.
type webhookRecorder struct {
	mu       sync.Mutex
	received []Message
	times    []time.Time
	respond  func(n int, w http.ResponseWriter)
}

func newWebhookRecorder() *webhookRecorder {
	return &webhookRecorder{
		respond: func(int, http.ResponseWriter) {},
	}
}

func (r *webhookRecorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var msg Message
	_ = json.NewDecoder(req.Body).Decode(&msg)

	r.mu.Lock()
	r.received = append(r.received, msg)
	r.times = append(r.times, time.Now())
	n := len(r.received)
	respond := r.respond
	r.mu.Unlock()

	// When respond writes nothing the server answers 200, which the
	// dispatcher counts as success just like Discord's 204.
	respond(n, w)
}

func (r *webhookRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

func (r *webhookRecorder) contents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.received))
	for _, msg := range r.received {
		out = append(out, msg.Content)
	}
	return out
}

type DispatcherSuite struct {
	suite.Suite

	recorder *webhookRecorder
	server   *httptest.Server
}

func TestDispatcherSuite(t *testing.T) {
	suite.Run(t, new(DispatcherSuite))
}

func (s *DispatcherSuite) SetupTest() {
	s.recorder = newWebhookRecorder()
	s.server = httptest.NewServer(s.recorder)
}

func (s *DispatcherSuite) TearDownTest() {
	s.server.Close()
}

// newDispatcher builds a dispatcher against the test webhook with tunables
// small enough for fast tests.
func (s *DispatcherSuite) newDispatcher(queueSize, maxRetries int) *Dispatcher {
	cfg := &config.DiscordConfig{
		Webhooks: map[string]*config.WebhookConfig{
			config.WebhookDefault: {Name: "general", URL: s.server.URL, Enabled: true},
		},
		RequestsPerMinute: 30,
		QueueSize:         queueSize,
		MaxRetries:        maxRetries,
	}
	d := New(cfg, s.server.Client())
	d.interMessageDelay = time.Millisecond
	d.baseRetryDelay = 20 * time.Millisecond
	return d
}

func (s *DispatcherSuite) stop(d *Dispatcher) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Require().NoError(d.Stop(ctx))
}

func (s *DispatcherSuite) TestDeliveryPreservesEnqueueOrder() {
	d := s.newDispatcher(100, 3)
	// Tiny window so the rate limit actually bites during the test.
	d.targets[config.WebhookDefault].limiter = newLimiter(3, 150*time.Millisecond)

	contents := []string{"m0", "m1", "m2", "m3", "m4", "m5", "m6", "m7", "m8", "m9"}
	for _, c := range contents {
		s.Require().NoError(d.Enqueue(config.WebhookDefault, Message{Content: c}))
	}

	d.Start()
	s.Require().Eventually(func() bool {
		return d.Stats().Sent == int64(len(contents))
	}, 5*time.Second, 10*time.Millisecond)
	s.stop(d)

	s.Equal(contents, s.recorder.contents())

	stats := d.Stats()
	s.Zero(stats.Failed)
	s.Positive(stats.RateLimitHits)
	s.Equal(int64(len(contents)), stats.Queued)
}

func (s *DispatcherSuite) TestQueueBound() {
	d := s.newDispatcher(5, 3)

	for i := 0; i < 5; i++ {
		s.Require().NoError(d.Enqueue(config.WebhookDefault, Message{Content: "x"}))
	}
	err := d.Enqueue(config.WebhookDefault, Message{Content: "overflow"})
	s.Require().ErrorIs(err, ErrQueueFull)

	stats := d.Stats()
	s.Equal(5, stats.CurrentSize)
	s.Equal(5, stats.QueueCapacity)
	s.Equal(int64(1), stats.Failed)
	s.InDelta(100.0, stats.Utilization, 0.01)
}

func (s *DispatcherSuite) TestRateLimitedByDiscord() {
	s.recorder.respond = func(n int, w http.ResponseWriter) {
		if n == 1 {
			w.Header().Set("Retry-After", "0.2")
			w.WriteHeader(http.StatusTooManyRequests)
		}
	}

	d := s.newDispatcher(10, 3)
	s.Require().NoError(d.Enqueue(config.WebhookDefault, Message{Content: "hello"}))

	d.Start()
	s.Require().Eventually(func() bool {
		return d.Stats().Sent == 1
	}, 5*time.Second, 10*time.Millisecond)
	s.stop(d)

	s.Require().Equal(2, s.recorder.count())
	gap := s.recorder.times[1].Sub(s.recorder.times[0])
	s.GreaterOrEqual(gap, 200*time.Millisecond, "resend happened before Retry-After elapsed")

	stats := d.Stats()
	s.Equal(int64(1), stats.Sent)
	s.GreaterOrEqual(stats.Retried, int64(1))
	s.GreaterOrEqual(stats.RateLimitHits, int64(1))
	s.Zero(stats.Failed)
}

func (s *DispatcherSuite) TestTerminalClientError() {
	s.recorder.respond = func(n int, w http.ResponseWriter) {
		w.WriteHeader(http.StatusBadRequest)
	}

	d := s.newDispatcher(10, 3)
	s.Require().NoError(d.Enqueue(config.WebhookDefault, Message{Content: "bad"}))

	d.Start()
	s.Require().Eventually(func() bool {
		return d.Stats().Failed == 1
	}, 5*time.Second, 10*time.Millisecond)
	s.stop(d)

	s.Equal(1, s.recorder.count(), "4xx must not be retried")
	stats := d.Stats()
	s.Zero(stats.Sent)
	s.Zero(stats.Retried)
}

func (s *DispatcherSuite) TestTransientErrorRetries() {
	s.recorder.respond = func(n int, w http.ResponseWriter) {
		if n <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}

	d := s.newDispatcher(10, 3)
	s.Require().NoError(d.Enqueue(config.WebhookDefault, Message{Content: "flaky"}))

	d.Start()
	s.Require().Eventually(func() bool {
		return d.Stats().Sent == 1
	}, 5*time.Second, 10*time.Millisecond)
	s.stop(d)

	s.Equal(3, s.recorder.count())
	stats := d.Stats()
	s.Equal(int64(2), stats.Retried)
	s.Zero(stats.Failed)
}

func (s *DispatcherSuite) TestRetriesExhaust() {
	s.recorder.respond = func(n int, w http.ResponseWriter) {
		w.WriteHeader(http.StatusInternalServerError)
	}

	d := s.newDispatcher(10, 2)
	s.Require().NoError(d.Enqueue(config.WebhookDefault, Message{Content: "doomed"}))

	d.Start()
	s.Require().Eventually(func() bool {
		return d.Stats().Failed == 1
	}, 5*time.Second, 10*time.Millisecond)
	s.stop(d)

	s.Equal(3, s.recorder.count(), "initial attempt plus two retries")
	stats := d.Stats()
	s.Zero(stats.Sent)
	s.Equal(int64(2), stats.Retried)
}

func (s *DispatcherSuite) TestStopDrainsQueue() {
	d := s.newDispatcher(10, 3)
	for i := 0; i < 3; i++ {
		s.Require().NoError(d.Enqueue(config.WebhookDefault, Message{Content: "drain"}))
	}

	d.Start()
	s.stop(d)

	s.Equal(int64(3), d.Stats().Sent)
	s.ErrorIs(d.Enqueue(config.WebhookDefault, Message{Content: "late"}), ErrStopped)
}

func (s *DispatcherSuite) TestStopAbandonsBlockedWebhook() {
	d := s.newDispatcher(10, 3)
	d.targets[config.WebhookDefault].limiter.block(time.Now().Add(time.Hour))
	s.Require().NoError(d.Enqueue(config.WebhookDefault, Message{Content: "stuck"}))

	d.Start()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := d.Stop(ctx)
	s.Require().ErrorIs(err, context.DeadlineExceeded)

	s.Zero(s.recorder.count())
	s.Zero(d.Stats().Sent)
}

func TestRouting(t *testing.T) {
	cfg := &config.DiscordConfig{
		Webhooks: map[string]*config.WebhookConfig{
			config.WebhookDefault: {Name: "general", URL: "https://example.com/1", Enabled: true},
			config.WebhookMovies:  {Name: "movies", URL: "https://example.com/2", Enabled: true},
			config.WebhookMusic:   {Name: "music", URL: "https://example.com/3", Enabled: false},
		},
		RequestsPerMinute: 30,
		QueueSize:         10,
		MaxRetries:        3,
	}
	d := New(cfg, nil)

	key, webhook, ok := d.Resolve(models.KindMovie)
	if !ok || key != config.WebhookMovies || webhook.Name != "movies" {
		t.Fatalf("movie routed to %q, want movies", key)
	}

	// No tv webhook, falls back to default.
	key, _, ok = d.Resolve(models.KindEpisode)
	if !ok || key != config.WebhookDefault {
		t.Fatalf("episode routed to %q, want default", key)
	}

	// Music webhook exists but is disabled, falls back to default.
	key, _, ok = d.Resolve(models.KindAudio)
	if !ok || key != config.WebhookDefault {
		t.Fatalf("audio routed to %q, want default", key)
	}
}

func TestRouting_noUsableWebhook(t *testing.T) {
	cfg := &config.DiscordConfig{
		Webhooks: map[string]*config.WebhookConfig{
			config.WebhookMovies: {Name: "movies", URL: "https://example.com/2", Enabled: true},
		},
		RequestsPerMinute: 30,
		QueueSize:         10,
		MaxRetries:        3,
	}
	d := New(cfg, nil)

	if _, _, ok := d.Resolve(models.KindEpisode); ok {
		t.Fatal("episode should have no webhook without tv or default")
	}

	if err := d.Enqueue(config.WebhookTV, Message{Content: "x"}); err == nil {
		t.Fatal("enqueue to a missing webhook should error")
	}
}

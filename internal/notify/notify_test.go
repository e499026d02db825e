package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jon4hz/jellynouncer/internal/changes"
	"github.com/jon4hz/jellynouncer/internal/config"
	"github.com/jon4hz/jellynouncer/internal/discord"
	"github.com/jon4hz/jellynouncer/internal/metadata"
	"github.com/jon4hz/jellynouncer/internal/models"
	"github.com/jon4hz/jellynouncer/internal/render"
	"github.com/jon4hz/jellynouncer/internal/thumbnail"
)

type delivery struct {
	path string
	msg  discord.Message
}

// newPipeline wires a notifier whose dispatcher posts to a local webhook
// receiver. Webhook URLs are the receiver URL plus the channel key as path,
// so deliveries can be told apart.
func newPipeline(t *testing.T, webhooks map[string]*config.WebhookConfig) (*Notifier, <-chan delivery) {
	t.Helper()

	received := make(chan delivery, 8)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg discord.Message
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		received <- delivery{path: r.URL.Path, msg: msg}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(hook.Close)

	for key, webhook := range webhooks {
		webhook.URL = hook.URL + "/" + key
	}

	dispatcher := discord.New(&config.DiscordConfig{
		Webhooks:          webhooks,
		RequestsPerMinute: 30,
		QueueSize:         16,
		MaxRetries:        1,
	}, nil)
	dispatcher.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = dispatcher.Stop(ctx)
	})

	// An image endpoint that knows nothing keeps thumbnails empty.
	images := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(images.Close)

	renderer, err := render.New(nil, nil)
	require.NoError(t, err)

	notifier := New(
		metadata.New(nil, nil, nil, nil),
		thumbnail.New(images.URL, nil, images.Client()),
		renderer,
		dispatcher,
		"http://jellyfin.local",
	)
	return notifier, received
}

func enabledWebhook(name string, mode config.GroupingMode) *config.WebhookConfig {
	return &config.WebhookConfig{Name: name, Enabled: true, GroupingMode: mode}
}

func movieEvent() Event {
	return Event{
		Item: &models.MediaItem{
			ItemID:       "movie-1",
			Name:         "The Matrix",
			ItemType:     models.KindMovie,
			Year:         lo.ToPtr(1999),
			UTCTimestamp: "2025-06-01T12:00:00Z",
		},
		Action: models.ActionNewItem,
	}
}

func waitForDelivery(t *testing.T, ch <-chan delivery) delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for webhook delivery")
		return delivery{}
	}
}

func TestNotify_deliversRenderedMessage(t *testing.T) {
	notifier, received := newPipeline(t, map[string]*config.WebhookConfig{
		config.WebhookDefault: enabledWebhook("general", config.GroupingNone),
	})

	require.NoError(t, notifier.Notify(context.Background(), movieEvent()))

	got := waitForDelivery(t, received)
	assert.Equal(t, "/default", got.path)
	require.Len(t, got.msg.Embeds, 1)

	embed := got.msg.Embeds[0]
	assert.Equal(t, "The Matrix (1999)", embed.Title)
	assert.Equal(t, "2025-06-01T12:00:00Z", embed.Timestamp)
	assert.Nil(t, embed.Thumbnail)
	require.NotNil(t, embed.Footer)
	assert.Contains(t, embed.Footer.Text, "New in library")
	// The configured server URL backfills the details link.
	assert.Contains(t, embed.URL, "http://jellyfin.local")
}

func TestNotify_routesByKind(t *testing.T) {
	notifier, received := newPipeline(t, map[string]*config.WebhookConfig{
		config.WebhookDefault: enabledWebhook("general", config.GroupingNone),
		config.WebhookMovies:  enabledWebhook("movies", config.GroupingNone),
		config.WebhookTV:      enabledWebhook("tv", config.GroupingNone),
		config.WebhookMusic:   enabledWebhook("music", config.GroupingNone),
	})

	tests := []struct {
		itemType string
		wantPath string
	}{
		{models.KindMovie, "/movies"},
		{models.KindEpisode, "/tv"},
		{models.KindSeries, "/tv"},
		{models.KindAudio, "/music"},
		{models.KindPhoto, "/default"},
	}
	for _, tt := range tests {
		event := movieEvent()
		event.Item.ItemType = tt.itemType
		require.NoError(t, notifier.Notify(context.Background(), event))
		assert.Equal(t, tt.wantPath, waitForDelivery(t, received).path, tt.itemType)
	}
}

func TestNotify_fallsBackToDefaultWebhook(t *testing.T) {
	notifier, received := newPipeline(t, map[string]*config.WebhookConfig{
		config.WebhookDefault: enabledWebhook("general", config.GroupingNone),
	})

	event := movieEvent()
	event.Item.ItemType = models.KindEpisode
	require.NoError(t, notifier.Notify(context.Background(), event))
	assert.Equal(t, "/default", waitForDelivery(t, received).path)
}

func TestNotify_skipsUnroutableKind(t *testing.T) {
	notifier, received := newPipeline(t, map[string]*config.WebhookConfig{})

	require.NoError(t, notifier.Notify(context.Background(), movieEvent()))
	assert.Empty(t, received)
}

func TestNotify_ignoresNilItem(t *testing.T) {
	notifier, received := newPipeline(t, map[string]*config.WebhookConfig{
		config.WebhookDefault: enabledWebhook("general", config.GroupingNone),
	})

	require.NoError(t, notifier.Notify(context.Background(), Event{Action: models.ActionNewItem}))
	assert.Empty(t, received)
}

func TestNotify_groupingModeSelectsTemplate(t *testing.T) {
	notifier, received := newPipeline(t, map[string]*config.WebhookConfig{
		config.WebhookMovies: enabledWebhook("movies", config.GroupingByEvent),
	})

	require.NoError(t, notifier.Notify(context.Background(), movieEvent()))

	got := waitForDelivery(t, received)
	require.Len(t, got.msg.Embeds, 1)
	assert.Equal(t, "New in library", got.msg.Embeds[0].Title)
	assert.Contains(t, got.msg.Embeds[0].Description, "**The Matrix (1999)**")
}

func TestNotify_upgradeCarriesChanges(t *testing.T) {
	notifier, received := newPipeline(t, map[string]*config.WebhookConfig{
		config.WebhookDefault: enabledWebhook("general", config.GroupingNone),
	})

	event := movieEvent()
	event.Action = models.ActionUpgradedItem
	event.Changes = []changes.Change{
		{Type: changes.TypeResolution, Description: "Resolution changed from 1080p to 2160p"},
	}
	require.NoError(t, notifier.Notify(context.Background(), event))

	got := waitForDelivery(t, received)
	require.Len(t, got.msg.Embeds, 1)

	embed := got.msg.Embeds[0]
	assert.Equal(t, 0x3498DB, embed.Color)

	var changeField string
	for _, field := range embed.Fields {
		if field.Name == "What changed" {
			changeField = field.Value
		}
	}
	assert.Contains(t, changeField, "1080p to 2160p")
}

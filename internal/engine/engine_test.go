package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jon4hz/jellynouncer/internal/changes"
	"github.com/jon4hz/jellynouncer/internal/config"
	"github.com/jon4hz/jellynouncer/internal/database"
	"github.com/jon4hz/jellynouncer/internal/discord"
	"github.com/jon4hz/jellynouncer/internal/syncer"
)

type engineHarness struct {
	engine   *Engine
	received chan discord.Message
	jfDown   atomic.Bool
}

func newEngineHarness(t *testing.T) *engineHarness {
	t.Helper()

	h := &engineHarness{received: make(chan discord.Message, 16)}

	mux := http.NewServeMux()
	mux.HandleFunc("/System/Info/Public", func(w http.ResponseWriter, r *http.Request) {
		if h.jfDown.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		respondJSON(w, map[string]any{"Id": "srv-1", "ServerName": "Test Jellyfin", "Version": "10.9.11"})
	})
	mux.HandleFunc("/Items", func(w http.ResponseWriter, r *http.Request) {
		if h.jfDown.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		respondJSON(w, map[string]any{"Items": []any{}, "TotalRecordCount": 0, "StartIndex": 0})
	})
	jf := httptest.NewServer(mux)
	t.Cleanup(jf.Close)

	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg discord.Message
		_ = json.NewDecoder(r.Body).Decode(&msg)
		h.received <- msg
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(hook.Close)

	dataDir := t.TempDir()
	cfg := &config.Config{
		Listen:   "127.0.0.1:0",
		DataDir:  dataDir,
		Jellyfin: &config.JellyfinConfig{URL: jf.URL, APIKey: "test-key"},
		Database: &config.DatabaseConfig{Path: filepath.Join(dataDir, "test.db")},
		Cache:    &config.CacheConfig{Type: config.CacheTypeMemory},
		Discord: &config.DiscordConfig{
			Webhooks: map[string]*config.WebhookConfig{
				config.WebhookDefault: {Name: "general", Enabled: true, URL: hook.URL},
			},
			RequestsPerMinute: 30,
			QueueSize:         16,
			MaxRetries:        1,
		},
		Sync: &config.SyncConfig{BatchSize: 50, Interval: 24 * time.Hour, VacuumInterval: 24 * time.Hour},
	}

	db, err := database.New(cfg.Database.Path)
	require.NoError(t, err)

	eng, err := New(cfg, db)
	require.NoError(t, err)
	h.engine = eng

	// The tests drive the job funcs directly, only the dispatcher runs.
	eng.dispatcher.Start()
	t.Cleanup(func() {
		require.NoError(t, eng.Close())
	})
	return h
}

func respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func waitForMessage(t *testing.T, ch <-chan discord.Message) discord.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for webhook delivery")
		return discord.Message{}
	}
}

func assertNoMessage(t *testing.T, ch <-chan discord.Message) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected delivery: %+v", msg)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestWatchPolicy(t *testing.T) {
	assert.Equal(t, changes.DefaultPolicy(), watchPolicy(nil))

	p := watchPolicy(&config.WatchConfig{Resolution: true, FileSize: true})
	assert.True(t, p[changes.TypeResolution])
	assert.True(t, p[changes.TypeFileSize])
	assert.False(t, p[changes.TypeCodec])
	assert.False(t, p[changes.TypeAudioCodec])
	assert.False(t, p[changes.TypeHDRStatus])
	assert.False(t, p[changes.TypeProviderIDs])
}

func TestConnectivity_announcesEdges(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	// The first observation is the baseline and stays quiet.
	require.NoError(t, h.engine.watchConnectivity(ctx))
	assertNoMessage(t, h.received)

	h.jfDown.Store(true)
	require.NoError(t, h.engine.watchConnectivity(ctx))
	msg := waitForMessage(t, h.received)
	require.NotEmpty(t, msg.Embeds)
	assert.Equal(t, "Jellyfin server offline", msg.Embeds[0].Title)
	assert.Contains(t, msg.Embeds[0].Description, "Test Jellyfin")

	// Staying down is not an edge.
	require.NoError(t, h.engine.watchConnectivity(ctx))
	assertNoMessage(t, h.received)

	h.jfDown.Store(false)
	require.NoError(t, h.engine.watchConnectivity(ctx))
	msg = waitForMessage(t, h.received)
	require.NotEmpty(t, msg.Embeds)
	assert.Equal(t, "Jellyfin server online", msg.Embeds[0].Title)

	// Coming back also launches a recovery sync in the background.
	assert.Eventually(t, func() bool {
		run, err := h.engine.db.LastSyncRun(ctx)
		return err == nil && run.Mode == string(syncer.ModeRecovery) && run.Status == database.SyncRunCompleted
	}, 5*time.Second, 50*time.Millisecond)
}

func TestPeriodicSync_runsOnlyWhenStale(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	// Never synced counts as stale.
	require.NoError(t, h.engine.runPeriodicSync(ctx))
	first, err := h.engine.db.LastSyncRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, string(syncer.ModePeriodic), first.Mode)
	assert.Equal(t, database.SyncRunCompleted, first.Status)

	// A fresh sync leaves nothing to do.
	require.NoError(t, h.engine.runPeriodicSync(ctx))
	second, err := h.engine.db.LastSyncRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestMaintenance(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	require.NoError(t, h.engine.runMaintenance(ctx))

	stats, err := h.engine.db.GetStats(ctx)
	require.NoError(t, err)
	assert.NotNil(t, stats.LastVacuum)
	assert.NotNil(t, stats.LastMaintenance)
}

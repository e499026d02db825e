package thumbnail

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jon4hz/jellynouncer/internal/config"
	"github.com/jon4hz/jellynouncer/internal/models"
)

type requestLog struct {
	mu       sync.Mutex
	requests []string
}

func (l *requestLog) add(r *http.Request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requests = append(l.requests, r.Method+" "+r.URL.Path)
}

func (l *requestLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.requests...)
}

func (l *requestLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.requests)
}

// newTestResolver spins up an image endpoint that answers per imageType. A
// missing entry in responses means 404.
func newTestResolver(t *testing.T, responses map[string]string) (*Resolver, *requestLog) {
	t.Helper()

	reqLog := &requestLog{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqLog.add(r)
		imageType := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		contentType, ok := responses[imageType]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	return New(srv.URL, nil, srv.Client()), reqLog
}

func movieItem() *models.MediaItem {
	return &models.MediaItem{
		ItemID:           "movie-1",
		Name:             "The Matrix",
		ItemType:         models.KindMovie,
		PrimaryImageTag:  lo.ToPtr("prim-tag"),
		BackdropImageTag: lo.ToPtr("back-tag"),
	}
}

func TestResolve_firstCandidateWins(t *testing.T) {
	r, reqLog := newTestResolver(t, map[string]string{"Primary": "image/jpeg"})

	got := r.Resolve(context.Background(), movieItem())
	require.NotEmpty(t, got)

	parsed, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "/Items/movie-1/Images/Primary", parsed.Path)
	assert.Equal(t, "90", parsed.Query().Get("quality"))
	assert.Equal(t, "500", parsed.Query().Get("maxWidth"))
	assert.Equal(t, "400", parsed.Query().Get("maxHeight"))
	assert.Equal(t, "prim-tag", parsed.Query().Get("tag"))
	assert.Equal(t, []string{"HEAD /Items/movie-1/Images/Primary"}, reqLog.all())
}

func TestResolve_fallsThroughCandidates(t *testing.T) {
	r, reqLog := newTestResolver(t, map[string]string{"Backdrop": "image/jpeg"})

	got := r.Resolve(context.Background(), movieItem())
	require.NotEmpty(t, got)
	assert.Contains(t, got, "/Images/Backdrop")
	assert.Equal(t, []string{
		"HEAD /Items/movie-1/Images/Primary",
		"HEAD /Items/movie-1/Images/Backdrop",
	}, reqLog.all())
}

func TestResolve_rejectsNonImageResponses(t *testing.T) {
	r, _ := newTestResolver(t, map[string]string{
		"Primary":  "text/html",
		"Backdrop": "application/json",
	})

	assert.Empty(t, r.Resolve(context.Background(), movieItem()))
}

func TestResolve_cachesPositiveOutcome(t *testing.T) {
	r, reqLog := newTestResolver(t, map[string]string{"Primary": "image/png"})

	first := r.Resolve(context.Background(), movieItem())
	second := r.Resolve(context.Background(), movieItem())

	assert.Equal(t, first, second)
	assert.Equal(t, 1, reqLog.count())
}

func TestResolve_cachesNegativeOutcome(t *testing.T) {
	r, reqLog := newTestResolver(t, nil)

	assert.Empty(t, r.Resolve(context.Background(), movieItem()))
	probed := reqLog.count()
	require.Positive(t, probed)

	assert.Empty(t, r.Resolve(context.Background(), movieItem()))
	assert.Equal(t, probed, reqLog.count())
}

func TestResolve_expiredEntriesAreReprobed(t *testing.T) {
	r, reqLog := newTestResolver(t, map[string]string{"Primary": "image/jpeg"})

	base := time.Now()
	r.cache.now = func() time.Time { return base }

	require.NotEmpty(t, r.Resolve(context.Background(), movieItem()))
	require.Equal(t, 1, reqLog.count())

	r.cache.now = func() time.Time { return base.Add(defaultCacheTTL + time.Minute) }

	require.NotEmpty(t, r.Resolve(context.Background(), movieItem()))
	assert.Equal(t, 2, reqLog.count())
}

func TestResolve_ignoresEmptyItems(t *testing.T) {
	r, reqLog := newTestResolver(t, map[string]string{"Primary": "image/jpeg"})

	assert.Empty(t, r.Resolve(context.Background(), nil))
	assert.Empty(t, r.Resolve(context.Background(), &models.MediaItem{}))
	assert.Zero(t, reqLog.count())
}

func TestCandidates_order(t *testing.T) {
	r := New("http://jellyfin.local", nil, nil)

	tests := []struct {
		name string
		item *models.MediaItem
		want []string
	}{
		{
			name: "episode climbs to season and series",
			item: &models.MediaItem{
				ItemID:                "ep-1",
				ItemType:              models.KindEpisode,
				SeasonID:              lo.ToPtr("season-1"),
				SeriesID:              lo.ToPtr("series-1"),
				PrimaryImageTag:       lo.ToPtr("a"),
				ParentPrimaryImageTag: lo.ToPtr("b"),
				SeriesPrimaryImageTag: lo.ToPtr("c"),
				SeriesLogoImageTag:    lo.ToPtr("d"),
			},
			want: []string{
				"/Items/ep-1/Images/Primary",
				"/Items/season-1/Images/Primary",
				"/Items/series-1/Images/Primary",
				"/Items/series-1/Images/Logo",
			},
		},
		{
			name: "season climbs to series",
			item: &models.MediaItem{
				ItemID:   "season-1",
				ItemType: models.KindSeason,
				SeriesID: lo.ToPtr("series-1"),
			},
			want: []string{
				"/Items/season-1/Images/Primary",
				"/Items/series-1/Images/Primary",
				"/Items/series-1/Images/Logo",
			},
		},
		{
			name: "series tries logo then backdrop",
			item: &models.MediaItem{ItemID: "series-1", ItemType: models.KindSeries},
			want: []string{
				"/Items/series-1/Images/Primary",
				"/Items/series-1/Images/Logo",
				"/Items/series-1/Images/Backdrop",
			},
		},
		{
			name: "movie tries backdrop",
			item: &models.MediaItem{ItemID: "movie-1", ItemType: models.KindMovie},
			want: []string{
				"/Items/movie-1/Images/Primary",
				"/Items/movie-1/Images/Backdrop",
			},
		},
		{
			name: "audio climbs to album",
			item: &models.MediaItem{
				ItemID:   "track-1",
				ItemType: models.KindAudio,
				ParentID: lo.ToPtr("album-1"),
			},
			want: []string{
				"/Items/track-1/Images/Primary",
				"/Items/album-1/Images/Primary",
			},
		},
		{
			name: "unknown kinds try thumb",
			item: &models.MediaItem{ItemID: "photo-1", ItemType: models.KindPhoto},
			want: []string{
				"/Items/photo-1/Images/Primary",
				"/Items/photo-1/Images/Thumb",
			},
		},
		{
			name: "episode without hierarchy stays local",
			item: &models.MediaItem{ItemID: "ep-1", ItemType: models.KindEpisode},
			want: []string{"/Items/ep-1/Images/Primary"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var paths []string
			for _, candidate := range r.candidates(tt.item) {
				parsed, err := url.Parse(candidate)
				require.NoError(t, err)
				paths = append(paths, parsed.Path)
			}
			assert.Equal(t, tt.want, paths)
		})
	}
}

func TestImageURL_omitsEmptyTag(t *testing.T) {
	r := New("http://jellyfin.local/", nil, nil)

	parsed, err := url.Parse(r.imageURL("movie-1", "Primary", nil))
	require.NoError(t, err)
	assert.Equal(t, "/Items/movie-1/Images/Primary", parsed.Path)
	assert.False(t, parsed.Query().Has("tag"))
}

func TestCanonicalID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1f4d6fcb9cb84df0a5b20f5ad5a8a9f0", "1f4d6fcb-9cb8-4df0-a5b2-0f5ad5a8a9f0"},
		{"1f4d6fcb-9cb8-4df0-a5b2-0f5ad5a8a9f0", "1f4d6fcb-9cb8-4df0-a5b2-0f5ad5a8a9f0"},
		{"not-a-uuid", "not-a-uuid"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, canonicalID(tt.in))
	}
}

func TestResolver_appliesConfig(t *testing.T) {
	r := New("http://jellyfin.local", &config.ThumbnailConfig{
		Quality:   70,
		MaxWidth:  300,
		MaxHeight: 200,
		CacheTTL:  time.Minute,
		CacheSize: 10,
	}, nil)

	parsed, err := url.Parse(r.imageURL("movie-1", "Primary", lo.ToPtr("tag")))
	require.NoError(t, err)
	assert.Equal(t, "70", parsed.Query().Get("quality"))
	assert.Equal(t, "300", parsed.Query().Get("maxWidth"))
	assert.Equal(t, "200", parsed.Query().Get("maxHeight"))
	assert.Equal(t, time.Minute, r.cache.ttl)
	assert.Equal(t, 10, r.cache.capacity)
}

func TestLRUCache_evictsLeastRecentlyUsed(t *testing.T) {
	c := newLRUCache(2, time.Hour)

	c.add("a", Result{URL: "a", Found: true})
	c.add("b", Result{URL: "b", Found: true})

	// Touch a so b becomes the eviction candidate.
	_, ok := c.get("a")
	require.True(t, ok)

	c.add("c", Result{URL: "c", Found: true})

	_, ok = c.get("b")
	assert.False(t, ok)
	_, ok = c.get("a")
	assert.True(t, ok)
	_, ok = c.get("c")
	assert.True(t, ok)
	assert.Equal(t, 2, c.len())
}

func TestLRUCache_cleanupExpired(t *testing.T) {
	c := newLRUCache(10, time.Hour)
	base := time.Now()
	c.now = func() time.Time { return base }

	c.add("a", Result{URL: "a", Found: true})
	c.add("b", Result{})
	require.Zero(t, c.cleanupExpired())

	c.now = func() time.Time { return base.Add(2 * time.Hour) }
	assert.Equal(t, 2, c.cleanupExpired())
	assert.Zero(t, c.len())
}

func TestLRUCache_stats(t *testing.T) {
	c := newLRUCache(10, time.Hour)
	c.add("a", Result{URL: "a", Found: true})

	_, _ = c.get("a")
	_, _ = c.get("missing")

	hits, misses, size := c.stats()
	assert.EqualValues(t, 1, hits)
	assert.EqualValues(t, 1, misses)
	assert.Equal(t, 1, size)
}

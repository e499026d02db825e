package render

import (
	"os"
	"path/filepath"
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
)

func newTestRenderer(t *testing.T) *Renderer {
	t.Helper()
	r, err := New(nil, nil)
	require.NoError(t, err)
	return r
}

func matrixItem() *models.MediaItem {
	return &models.MediaItem{
		ItemID:        "movie-1",
		Name:          "The Matrix",
		ItemType:      models.KindMovie,
		Year:          lo.ToPtr(1999),
		Overview:      lo.ToPtr("A computer hacker learns about the true nature of reality."),
		Genres:        []string{"Action", "Science Fiction"},
		RunTimeTicks:  lo.ToPtr(int64(81_600_000_000)),
		VideoHeight:   lo.ToPtr(2160),
		VideoRange:    lo.ToPtr("HDR10"),
		VideoCodec:    lo.ToPtr("hevc"),
		AudioCodec:    lo.ToPtr("eac3"),
		AudioChannels: lo.ToPtr(6),
		FileSize:      lo.ToPtr(int64(4_500_000_000)),
		IMDbID:        lo.ToPtr("tt0133093"),
		TMDbID:        lo.ToPtr("603"),
	}
}

func newItemContext() Context {
	return Context{
		Item:      matrixItem(),
		Action:    models.ActionNewItem,
		Thumbnail: "http://jellyfin.local/Items/movie-1/Images/Primary?tag=abc",
		Timestamp: "2025-06-01T12:00:00Z",
		ServerURL: "http://jellyfin.local",
		Metadata: &metadata.Bundle{
			Ratings: map[string]float64{"imdb": 8.7, "tmdb": 8.2},
		},
	}
}

func findField(t *testing.T, embed discord.Embed, name string) string {
	t.Helper()
	for _, field := range embed.Fields {
		if field.Name == name {
			return field.Value
		}
	}
	t.Fatalf("embed has no field %q", name)
	return ""
}

func TestRender_newItem(t *testing.T) {
	r := newTestRenderer(t)

	msg := r.Render(newItemContext(), config.GroupingNone)
	require.Len(t, msg.Embeds, 1)

	embed := msg.Embeds[0]
	assert.Equal(t, "The Matrix (1999)", embed.Title)
	assert.Equal(t, "http://jellyfin.local/web/index.html#!/details?id=movie-1", embed.URL)
	assert.Equal(t, "A computer hacker learns about the true nature of reality.", embed.Description)
	assert.Equal(t, 0x2ECC71, embed.Color)
	assert.Equal(t, "2025-06-01T12:00:00Z", embed.Timestamp)
	require.NotNil(t, embed.Thumbnail)
	assert.Equal(t, "http://jellyfin.local/Items/movie-1/Images/Primary?tag=abc", embed.Thumbnail.URL)

	assert.Equal(t, "IMDb: 8.7/10 • TMDb: 8.2/10", findField(t, embed, "Ratings"))
	assert.Equal(t, "Action, Science Fiction", findField(t, embed, "Genres"))
	assert.Equal(t, "4K HDR10", findField(t, embed, "Quality"))
	assert.Equal(t, "EAC3 5.1", findField(t, embed, "Audio"))
	assert.Equal(t, "02:16:00", findField(t, embed, "Runtime"))
	assert.Equal(t, "4.5 GB", findField(t, embed, "Size"))
	assert.Contains(t, findField(t, embed, "Links"), "https://www.imdb.com/title/tt0133093/")
}

func TestRender_upgradedItem(t *testing.T) {
	r := newTestRenderer(t)

	ctx := newItemContext()
	ctx.Action = models.ActionUpgradedItem
	ctx.Changes = []changes.Change{
		{Type: changes.TypeResolution, Description: "Resolution changed from 1080p to 2160p"},
		{Type: changes.TypeCodec, Description: "Video codec changed from h264 to hevc"},
	}

	msg := r.Render(ctx, config.GroupingNone)
	require.Len(t, msg.Embeds, 1)

	embed := msg.Embeds[0]
	assert.Equal(t, 0x3498DB, embed.Color)
	assert.Equal(t,
		"• Resolution changed from 1080p to 2160p\n• Video codec changed from h264 to hevc",
		findField(t, embed, "What changed"))
	require.NotNil(t, embed.Footer)
	assert.Contains(t, embed.Footer.Text, "upgrade")
}

func TestRender_minimalItem(t *testing.T) {
	r := newTestRenderer(t)

	msg := r.Render(Context{
		Item:   &models.MediaItem{ItemID: "x", Name: "Bare", ItemType: models.KindMovie},
		Action: models.ActionNewItem,
	}, config.GroupingNone)
	require.Len(t, msg.Embeds, 1)

	embed := msg.Embeds[0]
	assert.Equal(t, "Bare", embed.Title)
	assert.Empty(t, embed.URL)
	assert.Nil(t, embed.Thumbnail)
	assert.Equal(t, "Unknown", findField(t, embed, "Quality"))
	assert.Equal(t, "Unknown", findField(t, embed, "Audio"))
	assert.NotEmpty(t, embed.Timestamp)

	parsed, err := time.Parse(time.RFC3339, embed.Timestamp)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), parsed, time.Minute)
}

func TestRender_groupingModes(t *testing.T) {
	r := newTestRenderer(t)
	ctx := newItemContext()

	byEvent := r.Render(ctx, config.GroupingByEvent)
	require.Len(t, byEvent.Embeds, 1)
	assert.Equal(t, "New in library", byEvent.Embeds[0].Title)
	assert.Contains(t, byEvent.Embeds[0].Description, "**The Matrix (1999)**")

	byType := r.Render(ctx, config.GroupingByType)
	require.Len(t, byType.Embeds, 1)
	assert.Equal(t, "New Movie", byType.Embeds[0].Title)

	grouped := r.Render(ctx, config.GroupingGrouped)
	require.Len(t, grouped.Embeds, 1)
	assert.Contains(t, grouped.Embeds[0].Description, "is now available")
}

func TestCandidates(t *testing.T) {
	tests := []struct {
		action string
		mode   config.GroupingMode
		want   []string
	}{
		{models.ActionNewItem, config.GroupingNone, []string{"new_item"}},
		{models.ActionNewItem, config.GroupingByEvent, []string{"new_items_by_event", "new_item"}},
		{models.ActionNewItem, config.GroupingByType, []string{"new_items_by_type", "new_item"}},
		{models.ActionNewItem, config.GroupingGrouped, []string{"new_items_grouped", "new_item"}},
		{models.ActionUpgradedItem, config.GroupingNone, []string{"upgraded_item"}},
		{models.ActionUpgradedItem, config.GroupingByEvent, []string{"upgraded_items_by_event", "upgraded_item"}},
		{models.ActionUpgradedItem, config.GroupingByType, []string{"upgraded_items_by_type", "upgraded_item"}},
		{models.ActionUpgradedItem, config.GroupingGrouped, []string{"upgraded_items_grouped", "upgraded_item"}},
		{"bogus", config.GroupingByEvent, []string{"bogus"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, candidates(tt.action, tt.mode), "%s/%s", tt.action, tt.mode)
	}
}

func writeTemplate(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+templateExt), []byte(body), 0o644))
}

func TestRender_overridesShadowEmbedded(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "new_item", `{"content": "OVERRIDE {{ .Item.Name }}"}`)

	r, err := New(&config.TemplateConfig{Directory: dir}, nil)
	require.NoError(t, err)

	msg := r.Render(newItemContext(), config.GroupingNone)
	assert.Equal(t, "OVERRIDE The Matrix", msg.Content)
	assert.Empty(t, msg.Embeds)
}

func TestRender_brokenCandidateFallsThrough(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "new_items_by_event", `this is not json`)

	r, err := New(&config.TemplateConfig{Directory: dir}, nil)
	require.NoError(t, err)

	msg := r.Render(newItemContext(), config.GroupingByEvent)
	require.Len(t, msg.Embeds, 1)
	require.NotNil(t, msg.Embeds[0].Footer)
	assert.Contains(t, msg.Embeds[0].Footer.Text, "New in library")
}

func TestRender_fallbackEmbedWhenAllCandidatesFail(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "new_items_grouped", `broken`)
	writeTemplate(t, dir, "new_item", `also broken`)

	r, err := New(&config.TemplateConfig{Directory: dir}, nil)
	require.NoError(t, err)

	ctx := newItemContext()
	msg := r.Render(ctx, config.GroupingGrouped)
	require.Len(t, msg.Embeds, 1)

	embed := msg.Embeds[0]
	assert.Equal(t, "The Matrix (1999)", embed.Title)
	assert.Equal(t, "Now available", embed.Description)
	assert.Equal(t, 0x2ECC71, embed.Color)
	require.NotNil(t, embed.Thumbnail)
	assert.Equal(t, ctx.Thumbnail, embed.Thumbnail.URL)
	require.NoError(t, msg.Validate())
}

func TestRender_invalidOutputFallsBack(t *testing.T) {
	dir := t.TempDir()
	// Valid json, but over the embed limit.
	writeTemplate(t, dir, "upgraded_item", `{"embeds": [{"title": "{{ printf "%0256d" 0 }}overflow"}]}`)

	r, err := New(&config.TemplateConfig{Directory: dir}, nil)
	require.NoError(t, err)

	ctx := newItemContext()
	ctx.Action = models.ActionUpgradedItem
	msg := r.Render(ctx, config.GroupingNone)
	require.Len(t, msg.Embeds, 1)
	assert.Equal(t, "Quality upgraded", msg.Embeds[0].Description)
}

func TestColorPolicy(t *testing.T) {
	r := newTestRenderer(t)

	tests := []struct {
		name       string
		action     string
		changeList []changes.Change
		want       int
	}{
		{"new item", models.ActionNewItem, nil, 0x2ECC71},
		{"upgrade leads with resolution", models.ActionUpgradedItem, []changes.Change{{Type: changes.TypeResolution}}, 0x3498DB},
		{"upgrade leads with codec", models.ActionUpgradedItem, []changes.Change{{Type: changes.TypeCodec}, {Type: changes.TypeResolution}}, 0x9B59B6},
		{"upgrade leads with hdr", models.ActionUpgradedItem, []changes.Change{{Type: changes.TypeHDRStatus}}, 0xE74C3C},
		{"file size has no color", models.ActionUpgradedItem, []changes.Change{{Type: changes.TypeFileSize}}, 0x7289DA},
		{"upgrade without changes", models.ActionUpgradedItem, nil, 0x7289DA},
		{"unknown action", "bogus", nil, 0x7289DA},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Color(tt.action, tt.changeList))
		})
	}
}

func TestBuildPalette_overrides(t *testing.T) {
	r, err := New(nil, &config.ColorConfig{NewItem: "#FF0000", Resolution: "garbage"})
	require.NoError(t, err)

	assert.Equal(t, 0xFF0000, r.Color(models.ActionNewItem, nil))
	// The invalid override is ignored in favor of the default.
	assert.Equal(t, 0x3498DB, r.Color(models.ActionUpgradedItem, []changes.Change{{Type: changes.TypeResolution}}))
}

func TestStats(t *testing.T) {
	r := newTestRenderer(t)

	ctx := newItemContext()
	r.Render(ctx, config.GroupingNone)
	r.Render(ctx, config.GroupingNone)

	stats := r.Stats()
	assert.EqualValues(t, 2, stats.Renders)
	assert.Equal(t, "new_item", stats.SlowestTemplate)
	assert.EqualValues(t, 2, stats.Templates["new_item"].Count)
}

// Package models holds the canonical media record shared by every component.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/samber/lo"
)

// Media kinds as reported by Jellyfin.
const (
	KindMovie       = "Movie"
	KindSeries      = "Series"
	KindSeason      = "Season"
	KindEpisode     = "Episode"
	KindAudio       = "Audio"
	KindMusicAlbum  = "MusicAlbum"
	KindMusicArtist = "MusicArtist"
	KindPhoto       = "Photo"
)

// Actions describing what a sighting did to the store. NewItem and
// UpgradedItem produce notifications, the other two are store-only outcomes.
const (
	ActionNewItem      = "new_item"
	ActionUpgradedItem = "upgraded_item"
	ActionNoChanges    = "no_changes"
	ActionHashUpdated  = "hash_updated"
)

// MediaItem is the canonical representation of one library item. It is
// persisted keyed by ItemID and updated in place whenever a sighting with a
// different content hash arrives. Stream fields are nil when the item has no
// stream of that type.
type MediaItem struct {
	ItemID   string `gorm:"primaryKey" json:"item_id"`
	Name     string `json:"name"`
	ItemType string `gorm:"index:idx_media_items_item_type" json:"item_type"`

	// Hierarchy
	SeriesName    *string `gorm:"index:idx_media_items_episode,priority:1" json:"series_name,omitempty"`
	SeriesID      *string `gorm:"index:idx_media_items_series_id" json:"series_id,omitempty"`
	SeasonID      *string `gorm:"index:idx_media_items_season_id" json:"season_id,omitempty"`
	ParentID      *string `json:"parent_id,omitempty"`
	SeasonNumber  *int    `gorm:"index:idx_media_items_episode,priority:2" json:"season_number,omitempty"`
	EpisodeNumber *int    `gorm:"index:idx_media_items_episode,priority:3" json:"episode_number,omitempty"`

	// Descriptive
	Year            *int     `json:"year,omitempty"`
	Overview        *string  `json:"overview,omitempty"`
	Tagline         *string  `json:"tagline,omitempty"`
	OfficialRating  *string  `json:"official_rating,omitempty"`
	CommunityRating *float64 `json:"community_rating,omitempty"`
	RunTimeTicks    *int64   `json:"runtime_ticks,omitempty"`
	AirTime         *string  `json:"air_time,omitempty"`
	Genres          []string `gorm:"serializer:json" json:"genres,omitempty"`
	Studios         []string `gorm:"serializer:json" json:"studios,omitempty"`
	Tags            []string `gorm:"serializer:json" json:"tags,omitempty"`

	// Music
	Album       *string  `json:"album,omitempty"`
	AlbumArtist *string  `json:"album_artist,omitempty"`
	Artists     []string `gorm:"serializer:json" json:"artists,omitempty"`

	// Video stream (first video stream only)
	VideoTitle          *string  `json:"video_title,omitempty"`
	VideoCodec          *string  `json:"video_codec,omitempty"`
	VideoProfile        *string  `json:"video_profile,omitempty"`
	VideoLevel          *float64 `json:"video_level,omitempty"`
	VideoHeight         *int     `json:"video_height,omitempty"`
	VideoWidth          *int     `json:"video_width,omitempty"`
	VideoRange          *string  `json:"video_range,omitempty"`
	VideoFramerate      *float64 `json:"video_framerate,omitempty"`
	VideoBitrate        *int     `json:"video_bitrate,omitempty"`
	VideoBitDepth       *int     `json:"video_bitdepth,omitempty"`
	VideoColorSpace     *string  `json:"video_colorspace,omitempty"`
	VideoColorTransfer  *string  `json:"video_colortransfer,omitempty"`
	VideoColorPrimaries *string  `json:"video_colorprimaries,omitempty"`
	VideoPixelFormat    *string  `json:"video_pixelformat,omitempty"`
	VideoRefFrames      *int     `json:"video_refframes,omitempty"`
	VideoInterlaced     *bool    `json:"video_interlaced,omitempty"`
	VideoLanguage       *string  `json:"video_language,omitempty"`
	AspectRatio         *string  `json:"aspect_ratio,omitempty"`

	// Audio stream (first audio stream only)
	AudioTitle      *string `json:"audio_title,omitempty"`
	AudioCodec      *string `json:"audio_codec,omitempty"`
	AudioChannels   *int    `json:"audio_channels,omitempty"`
	AudioLanguage   *string `json:"audio_language,omitempty"`
	AudioBitrate    *int    `json:"audio_bitrate,omitempty"`
	AudioSampleRate *int    `json:"audio_samplerate,omitempty"`
	AudioDefault    *bool   `json:"audio_default,omitempty"`

	// Subtitle stream (first subtitle stream only)
	SubtitleTitle    *string `json:"subtitle_title,omitempty"`
	SubtitleCodec    *string `json:"subtitle_codec,omitempty"`
	SubtitleLanguage *string `json:"subtitle_language,omitempty"`
	SubtitleDefault  *bool   `json:"subtitle_default,omitempty"`
	SubtitleForced   *bool   `json:"subtitle_forced,omitempty"`
	SubtitleExternal *bool   `json:"subtitle_external,omitempty"`

	// Provider ids
	IMDbID   *string `gorm:"column:imdb_id;index:idx_media_items_imdb_id" json:"imdb_id,omitempty"`
	TMDbID   *string `gorm:"column:tmdb_id;index:idx_media_items_tmdb_id" json:"tmdb_id,omitempty"`
	TVDbID   *string `gorm:"column:tvdb_id;index:idx_media_items_tvdb_id" json:"tvdb_id,omitempty"`
	TVDbSlug *string `gorm:"column:tvdb_slug" json:"tvdb_slug,omitempty"`

	// File
	Path        *string `json:"path,omitempty"`
	FileSize    *int64  `json:"file_size,omitempty"`
	LibraryName *string `json:"library_name,omitempty"`

	// Image tags, including the parent/series fallbacks used when the item
	// itself has no artwork.
	PrimaryImageTag        *string `json:"primary_image_tag,omitempty"`
	BackdropImageTag       *string `json:"backdrop_image_tag,omitempty"`
	LogoImageTag           *string `json:"logo_image_tag,omitempty"`
	ThumbImageTag          *string `json:"thumb_image_tag,omitempty"`
	BannerImageTag         *string `json:"banner_image_tag,omitempty"`
	SeriesPrimaryImageTag  *string `json:"series_primary_image_tag,omitempty"`
	SeriesLogoImageTag     *string `json:"series_logo_image_tag,omitempty"`
	ParentPrimaryImageTag  *string `json:"parent_primary_image_tag,omitempty"`
	ParentBackdropImageTag *string `json:"parent_backdrop_image_tag,omitempty"`
	ParentThumbImageTag    *string `json:"parent_thumb_image_tag,omitempty"`

	// Server context
	ServerID      *string `json:"server_id,omitempty"`
	ServerName    *string `json:"server_name,omitempty"`
	ServerVersion *string `json:"server_version,omitempty"`
	ServerURL     *string `json:"server_url,omitempty"`

	// Event context
	NotificationType *string `json:"notification_type,omitempty"`

	// Timestamps. DateCreated/DateModified/PremiereDate come from the server
	// (RFC 3339, UTC where known); Timestamp/UTCTimestamp record the ingest.
	PremiereDate *string   `json:"premiere_date,omitempty"`
	DateCreated  *string   `json:"date_created,omitempty"`
	DateModified *string   `json:"date_modified,omitempty"`
	Timestamp    string    `json:"timestamp,omitempty"`
	UTCTimestamp string    `json:"utc_timestamp,omitempty"`
	LastUpdated  time.Time `gorm:"index:idx_media_items_last_updated" json:"last_updated"`

	// ContentHash is the cached fingerprint over the quality-identity fields.
	ContentHash string `gorm:"index:idx_media_items_content_hash" json:"content_hash"`
}

// TableName implements the gorm table naming convention.
func (MediaItem) TableName() string { return "media_items" }

// fingerprintFields is the exact subset of a MediaItem that defines its
// quality identity. Serialized through JSON so string values cannot collide
// across field boundaries.
type fingerprintFields struct {
	ItemID          string  `json:"item_id"`
	Name            string  `json:"name"`
	ItemType        string  `json:"item_type"`
	VideoHeight     int     `json:"video_height"`
	VideoWidth      int     `json:"video_width"`
	VideoCodec      string  `json:"video_codec"`
	VideoProfile    string  `json:"video_profile"`
	VideoRange      string  `json:"video_range"`
	VideoFramerate  float64 `json:"video_framerate"`
	VideoBitrate    int     `json:"video_bitrate"`
	VideoBitDepth   int     `json:"video_bitdepth"`
	AudioCodec      string  `json:"audio_codec"`
	AudioChannels   int     `json:"audio_channels"`
	AudioBitrate    int     `json:"audio_bitrate"`
	AudioSampleRate int     `json:"audio_samplerate"`
	Path            string  `json:"path"`
}

// ComputeFingerprint hashes the quality-identity fields of the item. Volatile
// fields (ingest timestamps, server context, image tags) do not contribute.
func (m *MediaItem) ComputeFingerprint() string {
	fields := fingerprintFields{
		ItemID:          m.ItemID,
		Name:            m.Name,
		ItemType:        m.ItemType,
		VideoHeight:     lo.FromPtr(m.VideoHeight),
		VideoWidth:      lo.FromPtr(m.VideoWidth),
		VideoCodec:      lo.FromPtr(m.VideoCodec),
		VideoProfile:    lo.FromPtr(m.VideoProfile),
		VideoRange:      lo.FromPtr(m.VideoRange),
		VideoFramerate:  lo.FromPtr(m.VideoFramerate),
		VideoBitrate:    lo.FromPtr(m.VideoBitrate),
		VideoBitDepth:   lo.FromPtr(m.VideoBitDepth),
		AudioCodec:      lo.FromPtr(m.AudioCodec),
		AudioChannels:   lo.FromPtr(m.AudioChannels),
		AudioBitrate:    lo.FromPtr(m.AudioBitrate),
		AudioSampleRate: lo.FromPtr(m.AudioSampleRate),
		Path:            lo.FromPtr(m.Path),
	}
	data, err := json.Marshal(fields)
	if err != nil {
		// Marshaling a struct of scalars cannot fail.
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Fingerprint returns the cached content hash, computing it on first access.
func (m *MediaItem) Fingerprint() string {
	if m.ContentHash == "" {
		m.ContentHash = m.ComputeFingerprint()
	}
	return m.ContentHash
}

// RefreshFingerprint recomputes the content hash, discarding the cached value.
func (m *MediaItem) RefreshFingerprint() string {
	m.ContentHash = m.ComputeFingerprint()
	return m.ContentHash
}

// Equal reports whether both items share the same quality identity, using the
// fingerprint as a fast path.
func (m *MediaItem) Equal(other *MediaItem) bool {
	if other == nil {
		return false
	}
	return m.Fingerprint() == other.Fingerprint()
}

// RuntimeMillis converts the server runtime ticks (10,000 ticks per
// millisecond) into milliseconds.
func (m *MediaItem) RuntimeMillis() int64 {
	return lo.FromPtr(m.RunTimeTicks) / 10_000
}

// RuntimeString renders the runtime as HH:MM:SS.
func (m *MediaItem) RuntimeString() string {
	seconds := m.RuntimeMillis() / 1000
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, (seconds%3600)/60, seconds%60)
}

// SeasonNumber00 returns the season number zero-padded to two digits.
func (m *MediaItem) SeasonNumber00() string {
	return fmt.Sprintf("%02d", lo.FromPtr(m.SeasonNumber))
}

// EpisodeNumber00 returns the episode number zero-padded to two digits.
func (m *MediaItem) EpisodeNumber00() string {
	return fmt.Sprintf("%02d", lo.FromPtr(m.EpisodeNumber))
}

// EpisodeNumber000 returns the episode number zero-padded to three digits.
func (m *MediaItem) EpisodeNumber000() string {
	return fmt.Sprintf("%03d", lo.FromPtr(m.EpisodeNumber))
}

// FullTitle builds a display title: episodes render as
// "Series S01E05 - Name", everything else as "Name (Year)" when the year is
// known.
func (m *MediaItem) FullTitle() string {
	if m.ItemType == KindEpisode && m.SeriesName != nil {
		return fmt.Sprintf("%s S%sE%s - %s", *m.SeriesName, m.SeasonNumber00(), m.EpisodeNumber00(), m.Name)
	}
	if m.Year != nil {
		return fmt.Sprintf("%s (%d)", m.Name, *m.Year)
	}
	return m.Name
}

// ServerInfo carries the identity of the upstream server a record came from.
type ServerInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`
	URL     string `json:"url"`
}

// RatingKeys are the provider ids a cached rating lookup may be keyed by.
// Any non-empty member matches.
type RatingKeys struct {
	IMDb string
	TMDb string
	TVDb string
}

// CachedProviderResult is one provider lookup outcome as held in the cache
// tiers. Found false records a definitive miss so dead lookups stay off the
// network until the entry expires.
type CachedProviderResult struct {
	Found   bool            `json:"found"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Empty reports whether no key is set.
func (k RatingKeys) Empty() bool {
	return k.IMDb == "" && k.TMDb == "" && k.TVDb == ""
}

// Keys returns the rating-cache lookup keys for this item.
func (m *MediaItem) Keys() RatingKeys {
	return RatingKeys{
		IMDb: lo.FromPtr(m.IMDbID),
		TMDb: lo.FromPtr(m.TMDbID),
		TVDb: lo.FromPtr(m.TVDbID),
	}
}

// Touch stamps the ingest timestamps (local and UTC ISO-8601) and refreshes
// the fingerprint. Called on every sighting before the record is persisted.
func (m *MediaItem) Touch(now time.Time) {
	m.Timestamp = now.Format(time.RFC3339)
	m.UTCTimestamp = now.UTC().Format(time.RFC3339)
	m.LastUpdated = now.UTC()
	m.RefreshFingerprint()
}

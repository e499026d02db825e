package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
)

// WebhookPayload is the flattened notification body the Jellyfin webhook
// plugin posts. Only the first stream of each type is recognized; higher
// indexed tracks and unknown fields are ignored.
type WebhookPayload struct {
	ItemID   string `json:"ItemId"`
	Name     string `json:"Name"`
	ItemType string `json:"ItemType"`

	// Server context
	ServerID         string `json:"ServerId"`
	ServerName       string `json:"ServerName"`
	ServerVersion    string `json:"ServerVersion"`
	ServerURL        string `json:"ServerUrl"`
	NotificationType string `json:"NotificationType"`
	Timestamp        string `json:"Timestamp"`
	UTCTimestamp     string `json:"UtcTimestamp"`

	// Content
	Year             *int    `json:"Year"`
	Overview         string  `json:"Overview"`
	Tagline          string  `json:"Tagline"`
	PremiereDate     string  `json:"PremiereDate"`
	RunTimeTicks     *int64  `json:"RunTimeTicks"`
	SeriesName       string  `json:"SeriesName"`
	SeriesID         string  `json:"SeriesId"`
	SeasonID         string  `json:"SeasonId"`
	SeasonNumber     *int    `json:"SeasonNumber"`
	SeasonNumber00   string  `json:"SeasonNumber00"`
	SeasonNumber000  string  `json:"SeasonNumber000"`
	EpisodeNumber    *int    `json:"EpisodeNumber"`
	EpisodeNumber00  string  `json:"EpisodeNumber00"`
	EpisodeNumber000 string  `json:"EpisodeNumber000"`
	AirTime          string  `json:"AirTime"`
	LibraryName      string  `json:"LibraryName"`
	Path             string  `json:"Path"`
	Genres           string  `json:"Genres"`
	FileSize         *int64  `json:"FileSize"`
	Album            string  `json:"Album"`
	AlbumArtist      string  `json:"AlbumArtist"`
	Artist           string  `json:"Artist"`
	OfficialRating   string  `json:"OfficialRating"`
	CommunityRating  *float64 `json:"CommunityRating"`

	// First video stream
	VideoTitle          string   `json:"Video_0_Title"`
	VideoType           string   `json:"Video_0_Type"`
	VideoLanguage       string   `json:"Video_0_Language"`
	VideoCodec          string   `json:"Video_0_Codec"`
	VideoProfile        string   `json:"Video_0_Profile"`
	VideoLevel          *float64 `json:"Video_0_Level"`
	VideoHeight         *int     `json:"Video_0_Height"`
	VideoWidth          *int     `json:"Video_0_Width"`
	VideoAspectRatio    string   `json:"Video_0_AspectRatio"`
	VideoInterlaced     *bool    `json:"Video_0_Interlaced"`
	VideoFrameRate      *float64 `json:"Video_0_FrameRate"`
	VideoRange          string   `json:"Video_0_VideoRange"`
	VideoColorSpace     string   `json:"Video_0_ColorSpace"`
	VideoColorTransfer  string   `json:"Video_0_ColorTransfer"`
	VideoColorPrimaries string   `json:"Video_0_ColorPrimaries"`
	VideoPixelFormat    string   `json:"Video_0_PixelFormat"`
	VideoRefFrames      *int     `json:"Video_0_RefFrames"`
	VideoBitrate        *int     `json:"Video_0_Bitrate"`
	VideoBitDepth       *int     `json:"Video_0_BitDepth"`

	// First audio stream
	AudioTitle      string `json:"Audio_0_Title"`
	AudioType       string `json:"Audio_0_Type"`
	AudioLanguage   string `json:"Audio_0_Language"`
	AudioCodec      string `json:"Audio_0_Codec"`
	AudioChannels   *int   `json:"Audio_0_Channels"`
	AudioBitrate    *int   `json:"Audio_0_Bitrate"`
	AudioSampleRate *int   `json:"Audio_0_SampleRate"`
	AudioDefault    *bool  `json:"Audio_0_Default"`

	// First subtitle stream
	SubtitleTitle    string `json:"Subtitle_0_Title"`
	SubtitleType     string `json:"Subtitle_0_Type"`
	SubtitleLanguage string `json:"Subtitle_0_Language"`
	SubtitleCodec    string `json:"Subtitle_0_Codec"`
	SubtitleDefault  *bool  `json:"Subtitle_0_Default"`
	SubtitleForced   *bool  `json:"Subtitle_0_Forced"`
	SubtitleExternal *bool  `json:"Subtitle_0_External"`

	// Provider ids
	ProviderIMDb     string `json:"Provider_imdb"`
	ProviderTMDb     string `json:"Provider_tmdb"`
	ProviderTVDb     string `json:"Provider_tvdb"`
	ProviderTVDbSlug string `json:"Provider_tvdbslug"`

	// Image tags
	PrimaryImageTag        string `json:"PrimaryImageTag"`
	BackdropImageTag       string `json:"BackdropImageTag"`
	LogoImageTag           string `json:"LogoImageTag"`
	ThumbImageTag          string `json:"ThumbImageTag"`
	BannerImageTag         string `json:"BannerImageTag"`
	SeriesPrimaryImageTag  string `json:"SeriesPrimaryImageTag"`
	SeriesLogoImageTag     string `json:"SeriesLogoImageTag"`
	ParentPrimaryImageTag  string `json:"ParentPrimaryImageTag"`
	ParentBackdropImageTag string `json:"ParentBackdropImageTag"`
	ParentThumbImageTag    string `json:"ParentThumbImageTag"`
}

// Validate checks the required fields.
func (p *WebhookPayload) Validate() error {
	var missing []string
	if p.ItemID == "" {
		missing = append(missing, "ItemId")
	}
	if p.Name == "" {
		missing = append(missing, "Name")
	}
	if p.ItemType == "" {
		missing = append(missing, "ItemType")
	}
	if len(missing) > 0 {
		return fmt.Errorf("payload is missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ToMediaItem normalizes the payload into a canonical record. The payload has
// already been validated; conversion itself cannot fail.
func (p *WebhookPayload) ToMediaItem(now time.Time) *MediaItem {
	item := &MediaItem{
		ItemID:   p.ItemID,
		Name:     p.Name,
		ItemType: p.ItemType,

		SeriesName:    lo.EmptyableToPtr(p.SeriesName),
		SeriesID:      lo.EmptyableToPtr(p.SeriesID),
		SeasonID:      lo.EmptyableToPtr(p.SeasonID),
		SeasonNumber:  p.SeasonNumber,
		EpisodeNumber: p.EpisodeNumber,

		Year:            p.Year,
		Overview:        lo.EmptyableToPtr(p.Overview),
		Tagline:         lo.EmptyableToPtr(p.Tagline),
		OfficialRating:  lo.EmptyableToPtr(p.OfficialRating),
		CommunityRating: p.CommunityRating,
		RunTimeTicks:    p.RunTimeTicks,
		AirTime:         lo.EmptyableToPtr(p.AirTime),
		Genres:          splitGenres(p.Genres),

		Album:       lo.EmptyableToPtr(p.Album),
		AlbumArtist: lo.EmptyableToPtr(p.AlbumArtist),

		VideoTitle:          lo.EmptyableToPtr(p.VideoTitle),
		VideoCodec:          lo.EmptyableToPtr(p.VideoCodec),
		VideoProfile:        lo.EmptyableToPtr(p.VideoProfile),
		VideoLevel:          p.VideoLevel,
		VideoHeight:         p.VideoHeight,
		VideoWidth:          p.VideoWidth,
		VideoRange:          lo.EmptyableToPtr(p.VideoRange),
		VideoFramerate:      p.VideoFrameRate,
		VideoBitrate:        p.VideoBitrate,
		VideoBitDepth:       p.VideoBitDepth,
		VideoColorSpace:     lo.EmptyableToPtr(p.VideoColorSpace),
		VideoColorTransfer:  lo.EmptyableToPtr(p.VideoColorTransfer),
		VideoColorPrimaries: lo.EmptyableToPtr(p.VideoColorPrimaries),
		VideoPixelFormat:    lo.EmptyableToPtr(p.VideoPixelFormat),
		VideoRefFrames:      p.VideoRefFrames,
		VideoInterlaced:     p.VideoInterlaced,
		VideoLanguage:       lo.EmptyableToPtr(p.VideoLanguage),
		AspectRatio:         lo.EmptyableToPtr(p.VideoAspectRatio),

		AudioTitle:      lo.EmptyableToPtr(p.AudioTitle),
		AudioCodec:      lo.EmptyableToPtr(p.AudioCodec),
		AudioChannels:   p.AudioChannels,
		AudioLanguage:   lo.EmptyableToPtr(p.AudioLanguage),
		AudioBitrate:    p.AudioBitrate,
		AudioSampleRate: p.AudioSampleRate,
		AudioDefault:    p.AudioDefault,

		SubtitleTitle:    lo.EmptyableToPtr(p.SubtitleTitle),
		SubtitleCodec:    lo.EmptyableToPtr(p.SubtitleCodec),
		SubtitleLanguage: lo.EmptyableToPtr(p.SubtitleLanguage),
		SubtitleDefault:  p.SubtitleDefault,
		SubtitleForced:   p.SubtitleForced,
		SubtitleExternal: p.SubtitleExternal,

		IMDbID:   lo.EmptyableToPtr(p.ProviderIMDb),
		TMDbID:   lo.EmptyableToPtr(p.ProviderTMDb),
		TVDbID:   lo.EmptyableToPtr(p.ProviderTVDb),
		TVDbSlug: lo.EmptyableToPtr(p.ProviderTVDbSlug),

		Path:        lo.EmptyableToPtr(p.Path),
		FileSize:    p.FileSize,
		LibraryName: lo.EmptyableToPtr(p.LibraryName),

		PrimaryImageTag:        lo.EmptyableToPtr(p.PrimaryImageTag),
		BackdropImageTag:       lo.EmptyableToPtr(p.BackdropImageTag),
		LogoImageTag:           lo.EmptyableToPtr(p.LogoImageTag),
		ThumbImageTag:          lo.EmptyableToPtr(p.ThumbImageTag),
		BannerImageTag:         lo.EmptyableToPtr(p.BannerImageTag),
		SeriesPrimaryImageTag:  lo.EmptyableToPtr(p.SeriesPrimaryImageTag),
		SeriesLogoImageTag:     lo.EmptyableToPtr(p.SeriesLogoImageTag),
		ParentPrimaryImageTag:  lo.EmptyableToPtr(p.ParentPrimaryImageTag),
		ParentBackdropImageTag: lo.EmptyableToPtr(p.ParentBackdropImageTag),
		ParentThumbImageTag:    lo.EmptyableToPtr(p.ParentThumbImageTag),

		ServerID:      lo.EmptyableToPtr(p.ServerID),
		ServerName:    lo.EmptyableToPtr(p.ServerName),
		ServerVersion: lo.EmptyableToPtr(p.ServerVersion),
		ServerURL:     lo.EmptyableToPtr(strings.TrimSuffix(p.ServerURL, "/")),

		NotificationType: lo.EmptyableToPtr(p.NotificationType),
		PremiereDate:     lo.EmptyableToPtr(p.PremiereDate),
	}

	// The webhook carries the artist list in a single comma separated field.
	if len(p.Artist) > 0 {
		item.Artists = splitGenres(p.Artist)
	}

	// A video stream without an explicit range is SDR.
	if p.VideoRange == "" && hasVideoStream(item) {
		item.VideoRange = lo.ToPtr("SDR")
	}

	item.Timestamp = p.Timestamp
	item.UTCTimestamp = p.UTCTimestamp
	if item.Timestamp == "" {
		item.Timestamp = now.Format(time.RFC3339)
	}
	if item.UTCTimestamp == "" {
		item.UTCTimestamp = now.UTC().Format(time.RFC3339)
	}
	item.LastUpdated = now.UTC()
	item.RefreshFingerprint()

	return item
}

func hasVideoStream(item *MediaItem) bool {
	return item.VideoCodec != nil || item.VideoHeight != nil || item.VideoWidth != nil
}

// splitGenres turns the webhook's comma separated list into trimmed strings.
func splitGenres(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

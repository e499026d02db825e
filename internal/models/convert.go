package models

import (
	"strings"
	"time"

	"github.com/samber/lo"
	jellyfin "github.com/sj14/jellyfin-go/api"
)

// FromBaseItem normalizes a Jellyfin item DTO into a canonical record. It
// never fails: a DTO without an id yields a minimal record carrying identity
// fields only.
func FromBaseItem(dto jellyfin.BaseItemDto, server ServerInfo, now time.Time) *MediaItem {
	item := &MediaItem{
		ItemID:   dto.GetId(),
		Name:     dto.GetName(),
		ItemType: string(dto.GetType()),
	}
	if item.ItemID == "" {
		item.Touch(now)
		return item
	}

	item.SeriesName = lo.EmptyableToPtr(dto.GetSeriesName())
	item.SeriesID = lo.EmptyableToPtr(dto.GetSeriesId())
	item.SeasonID = lo.EmptyableToPtr(dto.GetSeasonId())
	item.ParentID = lo.EmptyableToPtr(dto.GetParentId())

	// Season items carry their own number in IndexNumber; episodes carry the
	// season in ParentIndexNumber and their own number in IndexNumber.
	switch item.ItemType {
	case KindSeason:
		if v, ok := dto.GetIndexNumberOk(); ok && v != nil {
			item.SeasonNumber = lo.ToPtr(int(*v))
		}
	case KindEpisode:
		if v, ok := dto.GetParentIndexNumberOk(); ok && v != nil {
			item.SeasonNumber = lo.ToPtr(int(*v))
		}
		if v, ok := dto.GetIndexNumberOk(); ok && v != nil {
			item.EpisodeNumber = lo.ToPtr(int(*v))
		}
	}

	if v, ok := dto.GetProductionYearOk(); ok && v != nil {
		item.Year = lo.ToPtr(int(*v))
	}
	item.Overview = lo.EmptyableToPtr(dto.GetOverview())
	if taglines := dto.GetTaglines(); len(taglines) > 0 {
		item.Tagline = lo.EmptyableToPtr(taglines[0])
	}
	item.OfficialRating = lo.EmptyableToPtr(dto.GetOfficialRating())
	if v, ok := dto.GetCommunityRatingOk(); ok && v != nil {
		item.CommunityRating = lo.ToPtr(float64(*v))
	}
	if v, ok := dto.GetRunTimeTicksOk(); ok && v != nil {
		item.RunTimeTicks = v
	}
	item.AirTime = lo.EmptyableToPtr(dto.GetAirTime())

	item.Genres = dto.GetGenres()
	item.Studios = lo.Map(dto.GetStudios(), func(s jellyfin.NameGuidPair, _ int) string {
		return s.GetName()
	})
	item.Tags = dto.GetTags()

	item.Album = lo.EmptyableToPtr(dto.GetAlbum())
	item.AlbumArtist = lo.EmptyableToPtr(dto.GetAlbumArtist())
	item.Artists = dto.GetArtists()

	applyStreams(item, dto.GetMediaStreams())

	item.Path = lo.EmptyableToPtr(dto.GetPath())
	if sources := dto.GetMediaSources(); len(sources) > 0 {
		if v, ok := sources[0].GetSizeOk(); ok && v != nil {
			item.FileSize = v
		}
		if item.Path == nil {
			item.Path = lo.EmptyableToPtr(sources[0].GetPath())
		}
	}

	item.IMDbID = providerID(dto.GetProviderIds(), "imdb")
	item.TMDbID = providerID(dto.GetProviderIds(), "tmdb")
	item.TVDbID = providerID(dto.GetProviderIds(), "tvdb")
	item.TVDbSlug = providerID(dto.GetProviderIds(), "tvdbslug")

	tags := dto.GetImageTags()
	item.PrimaryImageTag = lo.EmptyableToPtr(tags["Primary"])
	item.LogoImageTag = lo.EmptyableToPtr(tags["Logo"])
	item.ThumbImageTag = lo.EmptyableToPtr(tags["Thumb"])
	item.BannerImageTag = lo.EmptyableToPtr(tags["Banner"])
	if backdrops := dto.GetBackdropImageTags(); len(backdrops) > 0 {
		item.BackdropImageTag = lo.EmptyableToPtr(backdrops[0])
	}
	item.SeriesPrimaryImageTag = lo.EmptyableToPtr(dto.GetSeriesPrimaryImageTag())
	item.SeriesLogoImageTag = lo.EmptyableToPtr(dto.GetParentLogoImageTag())
	item.ParentPrimaryImageTag = lo.EmptyableToPtr(dto.GetParentPrimaryImageTag())
	if backdrops := dto.GetParentBackdropImageTags(); len(backdrops) > 0 {
		item.ParentBackdropImageTag = lo.EmptyableToPtr(backdrops[0])
	}
	item.ParentThumbImageTag = lo.EmptyableToPtr(dto.GetParentThumbImageTag())

	item.ServerID = lo.EmptyableToPtr(server.ID)
	item.ServerName = lo.EmptyableToPtr(server.Name)
	item.ServerVersion = lo.EmptyableToPtr(server.Version)
	item.ServerURL = lo.EmptyableToPtr(strings.TrimSuffix(server.URL, "/"))

	if v, ok := dto.GetPremiereDateOk(); ok && v != nil {
		item.PremiereDate = lo.ToPtr(v.UTC().Format(time.RFC3339))
	}
	if v, ok := dto.GetDateCreatedOk(); ok && v != nil {
		item.DateCreated = lo.ToPtr(v.UTC().Format(time.RFC3339))
	}

	item.Touch(now)
	return item
}

// applyStreams copies the first stream of each type onto the record.
func applyStreams(item *MediaItem, streams []jellyfin.MediaStream) {
	var video, audio, subtitle *jellyfin.MediaStream
	for i := range streams {
		switch streams[i].GetType() {
		case jellyfin.MEDIASTREAMTYPE_VIDEO:
			if video == nil {
				video = &streams[i]
			}
		case jellyfin.MEDIASTREAMTYPE_AUDIO:
			if audio == nil {
				audio = &streams[i]
			}
		case jellyfin.MEDIASTREAMTYPE_SUBTITLE:
			if subtitle == nil {
				subtitle = &streams[i]
			}
		}
	}

	if video != nil {
		item.VideoTitle = lo.EmptyableToPtr(video.GetTitle())
		item.VideoCodec = lo.EmptyableToPtr(video.GetCodec())
		item.VideoProfile = lo.EmptyableToPtr(video.GetProfile())
		if v, ok := video.GetLevelOk(); ok && v != nil {
			item.VideoLevel = v
		}
		if v, ok := video.GetHeightOk(); ok && v != nil {
			item.VideoHeight = lo.ToPtr(int(*v))
		}
		if v, ok := video.GetWidthOk(); ok && v != nil {
			item.VideoWidth = lo.ToPtr(int(*v))
		}
		if v, ok := video.GetVideoRangeOk(); ok && v != nil && *v != jellyfin.VIDEORANGE_UNKNOWN {
			item.VideoRange = lo.ToPtr(string(*v))
		} else {
			item.VideoRange = lo.ToPtr("SDR")
		}
		if v, ok := video.GetAverageFrameRateOk(); ok && v != nil {
			item.VideoFramerate = lo.ToPtr(float64(*v))
		}
		if v, ok := video.GetBitRateOk(); ok && v != nil {
			item.VideoBitrate = lo.ToPtr(int(*v))
		}
		if v, ok := video.GetBitDepthOk(); ok && v != nil {
			item.VideoBitDepth = lo.ToPtr(int(*v))
		}
		item.VideoColorSpace = lo.EmptyableToPtr(video.GetColorSpace())
		item.VideoColorTransfer = lo.EmptyableToPtr(video.GetColorTransfer())
		item.VideoColorPrimaries = lo.EmptyableToPtr(video.GetColorPrimaries())
		item.VideoPixelFormat = lo.EmptyableToPtr(video.GetPixelFormat())
		if v, ok := video.GetRefFramesOk(); ok && v != nil {
			item.VideoRefFrames = lo.ToPtr(int(*v))
		}
		item.VideoInterlaced = lo.ToPtr(video.GetIsInterlaced())
		item.VideoLanguage = lo.EmptyableToPtr(video.GetLanguage())
		item.AspectRatio = lo.EmptyableToPtr(video.GetAspectRatio())
	}

	if audio != nil {
		item.AudioTitle = lo.EmptyableToPtr(audio.GetTitle())
		item.AudioCodec = lo.EmptyableToPtr(audio.GetCodec())
		if v, ok := audio.GetChannelsOk(); ok && v != nil {
			item.AudioChannels = lo.ToPtr(int(*v))
		}
		item.AudioLanguage = lo.EmptyableToPtr(audio.GetLanguage())
		if v, ok := audio.GetBitRateOk(); ok && v != nil {
			item.AudioBitrate = lo.ToPtr(int(*v))
		}
		if v, ok := audio.GetSampleRateOk(); ok && v != nil {
			item.AudioSampleRate = lo.ToPtr(int(*v))
		}
		item.AudioDefault = lo.ToPtr(audio.GetIsDefault())
	}

	if subtitle != nil {
		item.SubtitleTitle = lo.EmptyableToPtr(subtitle.GetTitle())
		item.SubtitleCodec = lo.EmptyableToPtr(subtitle.GetCodec())
		item.SubtitleLanguage = lo.EmptyableToPtr(subtitle.GetLanguage())
		item.SubtitleDefault = lo.ToPtr(subtitle.GetIsDefault())
		item.SubtitleForced = lo.ToPtr(subtitle.GetIsForced())
		item.SubtitleExternal = lo.ToPtr(subtitle.GetIsExternal())
	}
}

// providerID extracts a provider id from the DTO provider map by its
// canonical key, tolerating case differences.
func providerID(providers map[string]string, key string) *string {
	for k, v := range providers {
		if strings.EqualFold(k, key) && v != "" {
			return &v
		}
	}
	return nil
}

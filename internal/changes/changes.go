// Package changes compares two media records and describes how the quality
// of the underlying file changed. Detection is pure: no I/O, no side effects.
package changes

import (
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
	"github.com/jon4hz/jellynouncer/internal/models"
	"github.com/samber/lo"
)

// Type identifies a kind of quality change.
type Type string

const (
	TypeResolution    Type = "resolution"
	TypeCodec         Type = "codec"
	TypeAudioCodec    Type = "audio_codec"
	TypeAudioChannels Type = "audio_channels"
	TypeHDRStatus     Type = "hdr_status"
	TypeFileSize      Type = "file_size"
	TypeProviderIDs   Type = "provider_ids"
)

// fileSizeThreshold is the relative delta below which file size changes are
// considered noise and suppressed.
const fileSizeThreshold = 0.10

// Change describes a single detected difference between two records.
type Change struct {
	Type        Type   `json:"type"`
	Field       string `json:"field"`
	OldValue    string `json:"old_value"`
	NewValue    string `json:"new_value"`
	Description string `json:"description"`
}

// Policy maps a change type to whether it should be reported.
// Types missing from the map are not reported.
type Policy map[Type]bool

// DefaultPolicy reports every change type.
func DefaultPolicy() Policy {
	return Policy{
		TypeResolution:    true,
		TypeCodec:         true,
		TypeAudioCodec:    true,
		TypeAudioChannels: true,
		TypeHDRStatus:     true,
		TypeFileSize:      true,
		TypeProviderIDs:   true,
	}
}

// Enabled reports whether the given change type should be reported.
func (p Policy) Enabled(t Type) bool {
	return p[t]
}

// Detect compares two records and returns the changes allowed by the policy.
// The order of checks is fixed: resolution, codec, audio codec, audio
// channels, HDR status, file size, provider ids.
func Detect(oldItem, newItem *models.MediaItem, policy Policy) []Change {
	if oldItem == nil || newItem == nil {
		return nil
	}

	changes := make([]Change, 0)

	if policy.Enabled(TypeResolution) && !ptrEqual(oldItem.VideoHeight, newItem.VideoHeight) {
		oldVal, newVal := intLabel(oldItem.VideoHeight), intLabel(newItem.VideoHeight)
		changes = append(changes, Change{
			Type:        TypeResolution,
			Field:       "video_height",
			OldValue:    oldVal,
			NewValue:    newVal,
			Description: fmt.Sprintf("Resolution changed from %sp to %sp", oldVal, newVal),
		})
	}

	if policy.Enabled(TypeCodec) && !ptrEqual(oldItem.VideoCodec, newItem.VideoCodec) {
		oldVal, newVal := stringLabel(oldItem.VideoCodec), stringLabel(newItem.VideoCodec)
		changes = append(changes, Change{
			Type:        TypeCodec,
			Field:       "video_codec",
			OldValue:    oldVal,
			NewValue:    newVal,
			Description: fmt.Sprintf("Video codec changed from %s to %s", oldVal, newVal),
		})
	}

	if policy.Enabled(TypeAudioCodec) && !ptrEqual(oldItem.AudioCodec, newItem.AudioCodec) {
		oldVal, newVal := stringLabel(oldItem.AudioCodec), stringLabel(newItem.AudioCodec)
		changes = append(changes, Change{
			Type:        TypeAudioCodec,
			Field:       "audio_codec",
			OldValue:    oldVal,
			NewValue:    newVal,
			Description: fmt.Sprintf("Audio codec changed from %s to %s", oldVal, newVal),
		})
	}

	if policy.Enabled(TypeAudioChannels) && !ptrEqual(oldItem.AudioChannels, newItem.AudioChannels) {
		oldVal, newVal := intLabel(oldItem.AudioChannels), intLabel(newItem.AudioChannels)
		changes = append(changes, Change{
			Type:        TypeAudioChannels,
			Field:       "audio_channels",
			OldValue:    oldVal,
			NewValue:    newVal,
			Description: fmt.Sprintf("Audio channels changed from %s to %s", oldVal, newVal),
		})
	}

	if policy.Enabled(TypeHDRStatus) {
		// A record without an explicit range is SDR.
		oldRange := lo.FromPtrOr(oldItem.VideoRange, "SDR")
		newRange := lo.FromPtrOr(newItem.VideoRange, "SDR")
		if oldRange != newRange {
			changes = append(changes, Change{
				Type:        TypeHDRStatus,
				Field:       "video_range",
				OldValue:    oldRange,
				NewValue:    newRange,
				Description: fmt.Sprintf("HDR status changed from %s to %s", oldRange, newRange),
			})
		}
	}

	if policy.Enabled(TypeFileSize) {
		oldSize := lo.FromPtr(oldItem.FileSize)
		newSize := lo.FromPtr(newItem.FileSize)
		if significantSizeChange(oldSize, newSize) {
			changes = append(changes, Change{
				Type:        TypeFileSize,
				Field:       "file_size",
				OldValue:    humanize.Bytes(uint64(max(oldSize, 0))),
				NewValue:    humanize.Bytes(uint64(max(newSize, 0))),
				Description: fmt.Sprintf("File size changed from %s to %s", humanize.Bytes(uint64(max(oldSize, 0))), humanize.Bytes(uint64(max(newSize, 0)))),
			})
		}
	}

	if policy.Enabled(TypeProviderIDs) {
		providers := []struct {
			name     string
			old, new *string
		}{
			{"imdb", oldItem.IMDbID, newItem.IMDbID},
			{"tmdb", oldItem.TMDbID, newItem.TMDbID},
			{"tvdb", oldItem.TVDbID, newItem.TVDbID},
		}
		for _, p := range providers {
			// A provider missing on both sides is not a change.
			if p.old == nil && p.new == nil {
				continue
			}
			if ptrEqual(p.old, p.new) {
				continue
			}
			oldVal := lo.FromPtrOr(p.old, "None")
			newVal := lo.FromPtrOr(p.new, "None")
			changes = append(changes, Change{
				Type:        TypeProviderIDs,
				Field:       "provider_" + p.name,
				OldValue:    oldVal,
				NewValue:    newVal,
				Description: fmt.Sprintf("%s id changed from %s to %s", p.name, oldVal, newVal),
			})
		}
	}

	return changes
}

// significantSizeChange reports whether the relative size delta exceeds the
// noise threshold.
func significantSizeChange(oldSize, newSize int64) bool {
	if oldSize == newSize {
		return false
	}
	delta := math.Abs(float64(newSize - oldSize))
	return delta/float64(max(oldSize, 1)) > fileSizeThreshold
}

func ptrEqual[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func stringLabel(s *string) string {
	return lo.FromPtrOr(s, "Unknown")
}

func intLabel(i *int) string {
	if i == nil {
		return "Unknown"
	}
	return fmt.Sprintf("%d", *i)
}

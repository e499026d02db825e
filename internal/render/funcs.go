package render

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/samber/lo"

	"github.com/jon4hz/jellynouncer/internal/changes"
	"github.com/jon4hz/jellynouncer/internal/metadata"
	"github.com/jon4hz/jellynouncer/internal/models"
)

// ratingOrder fixes the display order of rating sources. Sources not listed
// here render after these, alphabetically.
var ratingOrder = []string{"imdb", "rotten_tomatoes", "metacritic", "tmdb", "tvdb"}

var ratingLabels = map[string]string{
	"imdb":            "IMDb",
	"rotten_tomatoes": "Rotten Tomatoes",
	"metacritic":      "Metacritic",
	"tmdb":            "TMDb",
	"tvdb":            "TVDb",
}

func funcMap() template.FuncMap {
	return template.FuncMap{
		"json":        toJSON,
		"trunc":       trunc,
		"join":        join,
		"humanSize":   humanSize,
		"overview":    overviewOf,
		"quality":     qualityLabel,
		"audio":       audioLabel,
		"ratings":     ratingsLine,
		"changeLines": changeLines,
		"links":       linksLine,
		"detailsURL":  detailsURL,
	}
}

// toJSON marshals v for direct embedding into the JSON output. Pointers
// marshal their pointee, nil pointers marshal to null, and strings come out
// quoted and escaped.
func toJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// trunc shortens s to at most n runes, marking the cut with an ellipsis.
func trunc(n int, s string) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-1]) + "…"
}

func join(sep string, parts []string) string {
	return strings.Join(parts, sep)
}

// humanSize renders a byte count like "4.2 GB".
func humanSize(n *int64) string {
	v := lo.FromPtr(n)
	if v <= 0 {
		return "Unknown"
	}
	return humanize.Bytes(uint64(v))
}

func overviewOf(item *models.MediaItem) string {
	return lo.FromPtr(item.Overview)
}

// qualityLabel summarizes the video stream, like "4K HDR10" or "1080p".
func qualityLabel(item *models.MediaItem) string {
	height := lo.FromPtr(item.VideoHeight)
	if height <= 0 {
		return "Unknown"
	}

	var label string
	switch {
	case height >= 2160:
		label = "4K"
	case height >= 1440:
		label = "1440p"
	case height >= 1080:
		label = "1080p"
	case height >= 720:
		label = "720p"
	default:
		label = fmt.Sprintf("%dp", height)
	}

	if videoRange := lo.FromPtr(item.VideoRange); videoRange != "" && videoRange != "SDR" {
		label += " " + videoRange
	}
	return label
}

// audioLabel summarizes the audio stream, like "EAC3 5.1".
func audioLabel(item *models.MediaItem) string {
	codec := lo.FromPtr(item.AudioCodec)
	if codec == "" {
		return "Unknown"
	}

	label := strings.ToUpper(codec)
	if ch := lo.FromPtr(item.AudioChannels); ch > 0 {
		label += " " + channelLayout(ch)
	}
	return label
}

func channelLayout(channels int) string {
	switch channels {
	case 1:
		return "1.0"
	case 2:
		return "2.0"
	case 6:
		return "5.1"
	case 8:
		return "7.1"
	default:
		return fmt.Sprintf("%d.0", channels)
	}
}

// ratingsLine renders the unified ratings map in a fixed source order, like
// "IMDb: 8.7/10 • TMDb: 8.2/10". Empty bundles render as an empty string.
func ratingsLine(bundle *metadata.Bundle) string {
	if bundle == nil || len(bundle.Ratings) == 0 {
		return ""
	}

	seen := make(map[string]bool, len(bundle.Ratings))
	order := make([]string, 0, len(bundle.Ratings))
	for _, source := range ratingOrder {
		if _, ok := bundle.Ratings[source]; ok {
			order = append(order, source)
			seen[source] = true
		}
	}
	var rest []string
	for source := range bundle.Ratings {
		if !seen[source] {
			rest = append(rest, source)
		}
	}
	sort.Strings(rest)
	order = append(order, rest...)

	parts := make([]string, 0, len(order))
	for _, source := range order {
		label, ok := ratingLabels[source]
		if !ok {
			label = source
		}
		parts = append(parts, fmt.Sprintf("%s: %.1f/10", label, bundle.Ratings[source]))
	}
	return strings.Join(parts, " • ")
}

// changeLines renders the change list as bullet lines.
func changeLines(changeList []changes.Change) string {
	lines := make([]string, 0, len(changeList))
	for _, change := range changeList {
		lines = append(lines, "• "+change.Description)
	}
	return strings.Join(lines, "\n")
}

// linksLine builds markdown links to the item's provider pages.
func linksLine(item *models.MediaItem) string {
	var parts []string
	if id := lo.FromPtr(item.IMDbID); id != "" {
		parts = append(parts, fmt.Sprintf("[IMDb](https://www.imdb.com/title/%s/)", id))
	}
	if id := lo.FromPtr(item.TMDbID); id != "" {
		kind := "movie"
		if item.ItemType != models.KindMovie {
			kind = "tv"
		}
		parts = append(parts, fmt.Sprintf("[TMDb](https://www.themoviedb.org/%s/%s)", kind, id))
	}
	if slug := lo.FromPtr(item.TVDbSlug); slug != "" {
		parts = append(parts, fmt.Sprintf("[TVDb](https://thetvdb.com/series/%s)", slug))
	}
	return strings.Join(parts, " • ")
}

// detailsURL links to the item's detail page on the server.
func detailsURL(serverURL, itemID string) string {
	if serverURL == "" || itemID == "" {
		return ""
	}
	return fmt.Sprintf("%s/web/index.html#!/details?id=%s", strings.TrimRight(serverURL, "/"), itemID)
}

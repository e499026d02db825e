// Package render binds media records and their enrichment into Discord
// messages through a registry of named templates. Templates emit JSON that
// must unmarshal into a valid message; broken candidates fall through until
// a deterministic minimal embed catches everything.
package render

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"text/template"
	"time"

	"github.com/charmbracelet/log"

	"github.com/jon4hz/jellynouncer/internal/changes"
	"github.com/jon4hz/jellynouncer/internal/config"
	"github.com/jon4hz/jellynouncer/internal/discord"
	"github.com/jon4hz/jellynouncer/internal/metadata"
	"github.com/jon4hz/jellynouncer/internal/models"
)

//go:embed templates/*.json.tmpl
var templatesFS embed.FS

const templateExt = ".json.tmpl"

// Context is the data every template renders against.
type Context struct {
	Item      *models.MediaItem
	Action    string
	Thumbnail string
	Changes   []changes.Change
	Timestamp string
	ServerURL string
	Color     int
	Metadata  *metadata.Bundle
}

// Renderer holds the compiled template registry and the color palette.
type Renderer struct {
	templates *template.Template
	colors    map[string]int

	statsMu     sync.Mutex
	timings     map[string]*timing
	slowest     time.Duration
	slowestName string
}

type timing struct {
	count int64
	total time.Duration
}

// Stats summarizes template render timings.
type Stats struct {
	Renders         int64                    `json:"renders"`
	TotalMs         float64                  `json:"total_ms"`
	SlowestMs       float64                  `json:"slowest_ms"`
	SlowestTemplate string                   `json:"slowest_template,omitempty"`
	Templates       map[string]TemplateStats `json:"templates,omitempty"`
}

// TemplateStats is the aggregate timing of a single template.
type TemplateStats struct {
	Count   int64   `json:"count"`
	TotalMs float64 `json:"total_ms"`
}

// defaultColors is the palette used when the configuration carries none.
var defaultColors = map[string]int{
	"new_item":       0x2ECC71,
	"resolution":     0x3498DB,
	"codec":          0x9B59B6,
	"audio_codec":    0xE67E22,
	"audio_channels": 0xF1C40F,
	"hdr_status":     0xE74C3C,
	"provider_ids":   0x95A5A6,
	"fallback":       0x7289DA,
}

// New compiles the embedded templates and, when a template directory is
// configured, parses *.json.tmpl overrides on top so same-named files shadow
// the embedded defaults.
func New(cfg *config.TemplateConfig, palette *config.ColorConfig) (*Renderer, error) {
	t, err := template.New("").Funcs(funcMap()).ParseFS(templatesFS, "templates/*"+templateExt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse embedded templates: %w", err)
	}

	if cfg != nil && cfg.Directory != "" {
		pattern := filepath.Join(cfg.Directory, "*"+templateExt)
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("failed to scan template directory: %w", err)
		}
		if len(matches) > 0 {
			if t, err = t.ParseGlob(pattern); err != nil {
				return nil, fmt.Errorf("failed to parse template overrides: %w", err)
			}
			log.Info("Loaded template overrides", "directory", cfg.Directory, "count", len(matches))
		}
	}

	return &Renderer{
		templates: t,
		colors:    buildPalette(palette),
		timings:   make(map[string]*timing),
	}, nil
}

func buildPalette(palette *config.ColorConfig) map[string]int {
	colors := make(map[string]int, len(defaultColors))
	for key, value := range defaultColors {
		colors[key] = value
	}
	if palette == nil {
		return colors
	}

	for key, value := range map[string]string{
		"new_item":       palette.NewItem,
		"resolution":     palette.Resolution,
		"codec":          palette.Codec,
		"audio_codec":    palette.AudioCodec,
		"audio_channels": palette.AudioChannels,
		"hdr_status":     palette.HDRStatus,
		"provider_ids":   palette.ProviderIDs,
		"fallback":       palette.Fallback,
	} {
		if value == "" {
			continue
		}
		parsed, err := config.ParseColor(value)
		if err != nil {
			log.Warn("Ignoring invalid embed color", "key", key, "value", value)
			continue
		}
		colors[key] = parsed
	}
	return colors
}

// Render produces the message for one event. Candidates selected by action
// and grouping mode are tried in order; the first template yielding a
// structurally valid message wins. When every candidate fails the minimal
// embed is built directly from the record, so rendering itself never fails.
func (r *Renderer) Render(ctx Context, mode config.GroupingMode) discord.Message {
	if ctx.Color == 0 {
		ctx.Color = r.Color(ctx.Action, ctx.Changes)
	}
	if ctx.Timestamp == "" {
		ctx.Timestamp = discord.NewTimestamp(time.Now())
	}

	for _, name := range candidates(ctx.Action, mode) {
		msg, err := r.renderTemplate(name, ctx)
		if err != nil {
			log.Warn("Template failed, trying next candidate", "template", name, "error", err)
			continue
		}
		return msg
	}

	log.Warn("All template candidates failed, using fallback embed", "action", ctx.Action, "item", ctx.Item.Name)
	return r.fallback(ctx)
}

// Color picks the embed color: new items get the new-item color, upgrades
// the color of their first change type, everything else the fallback.
func (r *Renderer) Color(action string, changeList []changes.Change) int {
	if action == models.ActionNewItem {
		return r.colors["new_item"]
	}
	if action == models.ActionUpgradedItem && len(changeList) > 0 {
		if color, ok := r.colors[string(changeList[0].Type)]; ok {
			return color
		}
	}
	return r.colors["fallback"]
}

// Stats returns the accumulated render timings.
func (r *Renderer) Stats() Stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()

	stats := Stats{
		SlowestMs:       float64(r.slowest.Microseconds()) / 1000,
		SlowestTemplate: r.slowestName,
		Templates:       make(map[string]TemplateStats, len(r.timings)),
	}
	var total time.Duration
	for name, t := range r.timings {
		stats.Renders += t.count
		total += t.total
		stats.Templates[name] = TemplateStats{
			Count:   t.count,
			TotalMs: float64(t.total.Microseconds()) / 1000,
		}
	}
	stats.TotalMs = float64(total.Microseconds()) / 1000
	return stats
}

// candidates returns the template names to try, most specific first.
func candidates(action string, mode config.GroupingMode) []string {
	var family string
	switch action {
	case models.ActionNewItem:
		family = "new_items"
	case models.ActionUpgradedItem:
		family = "upgraded_items"
	default:
		return []string{action}
	}

	switch mode {
	case config.GroupingByEvent:
		return []string{family + "_by_event", action}
	case config.GroupingByType:
		return []string{family + "_by_type", action}
	case config.GroupingGrouped:
		return []string{family + "_grouped", action}
	default:
		return []string{action}
	}
}

func (r *Renderer) renderTemplate(name string, ctx Context) (discord.Message, error) {
	start := time.Now()
	defer func() { r.record(name, time.Since(start)) }()

	var msg discord.Message
	tmpl := r.templates.Lookup(name + templateExt)
	if tmpl == nil {
		return msg, fmt.Errorf("template %q not found", name)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return msg, fmt.Errorf("failed to execute template %q: %w", name, err)
	}
	if err := json.Unmarshal(buf.Bytes(), &msg); err != nil {
		return msg, fmt.Errorf("template %q produced invalid json: %w", name, err)
	}
	if err := msg.Validate(); err != nil {
		return msg, fmt.Errorf("template %q: %w", name, err)
	}
	return msg, nil
}

func (r *Renderer) record(name string, d time.Duration) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()

	t, ok := r.timings[name]
	if !ok {
		t = &timing{}
		r.timings[name] = t
	}
	t.count++
	t.total += d
	if d > r.slowest {
		r.slowest = d
		r.slowestName = name
	}
}

// fallback is the embed of last resort, built from record and action alone.
func (r *Renderer) fallback(ctx Context) discord.Message {
	description := "Now available"
	if ctx.Action == models.ActionUpgradedItem {
		description = "Quality upgraded"
	}

	embed := discord.Embed{
		Title:       trunc(discord.MaxTitleLength, ctx.Item.FullTitle()),
		Description: description,
		Color:       ctx.Color,
		Timestamp:   ctx.Timestamp,
	}
	if ctx.Thumbnail != "" {
		embed.Thumbnail = &discord.Thumbnail{URL: ctx.Thumbnail}
	}
	return discord.Message{Embeds: []discord.Embed{embed}}
}

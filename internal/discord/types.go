// Package discord delivers rendered messages to Discord webhooks through a
// single bounded queue with per-webhook rate limiting.
package discord

import (
	"fmt"
	"strings"
	"time"
)

// Discord hard limits on webhook payloads.
const (
	MaxEmbeds           = 10
	MaxTitleLength      = 256
	MaxDescriptionLen   = 4096
	MaxFields           = 25
	MaxFieldNameLength  = 256
	MaxFieldValueLength = 1024
	MaxFooterTextLength = 2048
	MaxAuthorNameLength = 256
	MaxTotalChars       = 6000
	MaxColor            = 0xFFFFFF
)

// Message is the webhook payload posted to Discord.
type Message struct {
	Username  string  `json:"username,omitempty"`
	AvatarURL string  `json:"avatar_url,omitempty"`
	Content   string  `json:"content,omitempty"`
	Embeds    []Embed `json:"embeds,omitempty"`
}

// Embed is a single Discord embed object.
type Embed struct {
	Title       string     `json:"title,omitempty"`
	Description string     `json:"description,omitempty"`
	URL         string     `json:"url,omitempty"`
	Color       int        `json:"color,omitempty"`
	Timestamp   string     `json:"timestamp,omitempty"`
	Footer      *Footer    `json:"footer,omitempty"`
	Author      *Author    `json:"author,omitempty"`
	Thumbnail   *Thumbnail `json:"thumbnail,omitempty"`
	Image       *Image     `json:"image,omitempty"`
	Fields      []Field    `json:"fields,omitempty"`
}

// Footer is the footer of an embed.
type Footer struct {
	Text    string `json:"text,omitempty"`
	IconURL string `json:"icon_url,omitempty"`
}

// Author is the author block of an embed.
type Author struct {
	Name    string `json:"name,omitempty"`
	URL     string `json:"url,omitempty"`
	IconURL string `json:"icon_url,omitempty"`
}

// Thumbnail is the small image shown beside an embed.
type Thumbnail struct {
	URL string `json:"url,omitempty"`
}

// Image is the large image shown below an embed.
type Image struct {
	URL string `json:"url,omitempty"`
}

// Field is a name/value pair inside an embed.
type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// NewTimestamp renders a time the way Discord expects embed timestamps.
func NewTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Validate checks the message against the Discord webhook limits. All
// violations are reported at once so a broken template can be fixed in one
// pass.
func (m *Message) Validate() error {
	var problems []string

	if len(m.Embeds) == 0 && m.Content == "" {
		problems = append(problems, "message has no content and no embeds")
	}
	if len(m.Embeds) > MaxEmbeds {
		problems = append(problems, fmt.Sprintf("message has %d embeds, at most %d allowed", len(m.Embeds), MaxEmbeds))
	}

	var total int
	for i, embed := range m.Embeds {
		total += len(embed.Title) + len(embed.Description)
		if len(embed.Title) > MaxTitleLength {
			problems = append(problems, fmt.Sprintf("embed %d title exceeds %d chars", i, MaxTitleLength))
		}
		if len(embed.Description) > MaxDescriptionLen {
			problems = append(problems, fmt.Sprintf("embed %d description exceeds %d chars", i, MaxDescriptionLen))
		}
		if embed.Color < 0 || embed.Color > MaxColor {
			problems = append(problems, fmt.Sprintf("embed %d color %d out of range", i, embed.Color))
		}
		if len(embed.Fields) > MaxFields {
			problems = append(problems, fmt.Sprintf("embed %d has %d fields, at most %d allowed", i, len(embed.Fields), MaxFields))
		}
		for j, field := range embed.Fields {
			total += len(field.Name) + len(field.Value)
			if len(field.Name) > MaxFieldNameLength {
				problems = append(problems, fmt.Sprintf("embed %d field %d name exceeds %d chars", i, j, MaxFieldNameLength))
			}
			if len(field.Value) > MaxFieldValueLength {
				problems = append(problems, fmt.Sprintf("embed %d field %d value exceeds %d chars", i, j, MaxFieldValueLength))
			}
		}
		if embed.Footer != nil {
			total += len(embed.Footer.Text)
			if len(embed.Footer.Text) > MaxFooterTextLength {
				problems = append(problems, fmt.Sprintf("embed %d footer exceeds %d chars", i, MaxFooterTextLength))
			}
		}
		if embed.Author != nil {
			total += len(embed.Author.Name)
			if len(embed.Author.Name) > MaxAuthorNameLength {
				problems = append(problems, fmt.Sprintf("embed %d author name exceeds %d chars", i, MaxAuthorNameLength))
			}
		}
	}
	if total > MaxTotalChars {
		problems = append(problems, fmt.Sprintf("message totals %d chars, at most %d allowed", total, MaxTotalChars))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid discord message: %s", strings.Join(problems, "; "))
	}
	return nil
}

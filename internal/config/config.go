package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/viper"
)

type CacheType string

const (
	CacheTypeMemory CacheType = "memory"
	CacheTypeRedis  CacheType = "redis"
)

// GroupingMode selects which template family a webhook prefers.
type GroupingMode string

const (
	GroupingNone    GroupingMode = "none"
	GroupingByEvent GroupingMode = "by_event"
	GroupingByType  GroupingMode = "by_type"
	GroupingGrouped GroupingMode = "grouped"
)

// Well-known webhook keys. The dispatcher routes media kinds to these.
const (
	WebhookDefault = "default"
	WebhookMovies  = "movies"
	WebhookTV      = "tv"
	WebhookMusic   = "music"
)

// Config holds the configuration for the Jellynouncer server and its dependencies.
type Config struct {
	// Listen is the address the Jellynouncer server will listen on.
	Listen string `yaml:"listen" mapstructure:"listen"`
	// LogLevel sets the log verbosity (debug, info, warn, error).
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
	// DataDir is where the database and the init-complete marker live.
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`
	// Jellyfin holds the configuration for the Jellyfin server.
	Jellyfin *JellyfinConfig `yaml:"jellyfin" mapstructure:"jellyfin"`
	// Database holds the database configuration.
	Database *DatabaseConfig `yaml:"database" mapstructure:"database"`
	// Cache holds the cache backend configuration.
	Cache *CacheConfig `yaml:"cache" mapstructure:"cache"`
	// Discord holds the webhook targets and dispatcher tuning.
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord"`
	// Watch selects which upgrade change types trigger notifications.
	Watch *WatchConfig `yaml:"watch" mapstructure:"watch"`
	// Colors is the embed color palette, one hex color per change type.
	Colors *ColorConfig `yaml:"colors" mapstructure:"colors"`
	// Sync holds the library sync configuration.
	Sync *SyncConfig `yaml:"sync" mapstructure:"sync"`
	// Metadata holds the external rating provider configuration.
	Metadata *MetadataConfig `yaml:"metadata" mapstructure:"metadata"`
	// Thumbnails holds the thumbnail resolver configuration.
	Thumbnails *ThumbnailConfig `yaml:"thumbnails" mapstructure:"thumbnails"`
	// Templates holds the message template configuration.
	Templates *TemplateConfig `yaml:"templates" mapstructure:"templates"`
}

// JellyfinConfig holds the configuration for the Jellyfin server.
type JellyfinConfig struct {
	// URL is the base URL of the Jellyfin server.
	URL string `yaml:"url" mapstructure:"url"`
	// APIKey is the Jellyfin API key.
	APIKey string `yaml:"api_key" mapstructure:"api_key"`
}

// DatabaseConfig holds the database configuration.
type DatabaseConfig struct {
	// Path is the sqlite database file. Defaults to <data_dir>/jellynouncer.db.
	Path string `yaml:"path" mapstructure:"path"`
}

// CacheConfig holds the cache backend configuration.
type CacheConfig struct {
	// Type is the cache backend type ("memory" or "redis").
	Type CacheType `yaml:"type" mapstructure:"type"`
	// RedisURL is the redis connection URL, required for the redis backend.
	RedisURL string `yaml:"redis_url" mapstructure:"redis_url"`
}

// DiscordConfig holds the webhook targets and dispatcher tuning.
type DiscordConfig struct {
	// Webhooks maps a channel key (default, movies, tv, music) to its webhook.
	Webhooks map[string]*WebhookConfig `yaml:"webhooks" mapstructure:"webhooks"`
	// RequestsPerMinute caps sends per webhook inside the sliding window.
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	// QueueSize bounds the outbound message queue.
	QueueSize int `yaml:"queue_size" mapstructure:"queue_size"`
	// MaxRetries is how often a transient send failure is retried.
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries"`
}

// WebhookConfig holds a single Discord webhook target.
type WebhookConfig struct {
	// Name is the display name used in logs instead of the URL.
	Name string `yaml:"name" mapstructure:"name"`
	// URL is the Discord webhook URL. Never logged.
	URL string `yaml:"url" mapstructure:"url"`
	// Enabled indicates whether this webhook receives messages.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// GroupingMode selects the template family (none, by_event, by_type, grouped).
	GroupingMode GroupingMode `yaml:"grouping_mode" mapstructure:"grouping_mode"`
}

// WatchConfig selects which upgrade change types trigger notifications.
type WatchConfig struct {
	Resolution    bool `yaml:"resolution" mapstructure:"resolution"`
	Codec         bool `yaml:"codec" mapstructure:"codec"`
	AudioCodec    bool `yaml:"audio_codec" mapstructure:"audio_codec"`
	AudioChannels bool `yaml:"audio_channels" mapstructure:"audio_channels"`
	HDRStatus     bool `yaml:"hdr_status" mapstructure:"hdr_status"`
	FileSize      bool `yaml:"file_size" mapstructure:"file_size"`
	ProviderIDs   bool `yaml:"provider_ids" mapstructure:"provider_ids"`
}

// ColorConfig is the embed color palette as "#RRGGBB" strings.
type ColorConfig struct {
	NewItem       string `yaml:"new_item" mapstructure:"new_item"`
	Resolution    string `yaml:"resolution" mapstructure:"resolution"`
	Codec         string `yaml:"codec" mapstructure:"codec"`
	AudioCodec    string `yaml:"audio_codec" mapstructure:"audio_codec"`
	AudioChannels string `yaml:"audio_channels" mapstructure:"audio_channels"`
	HDRStatus     string `yaml:"hdr_status" mapstructure:"hdr_status"`
	ProviderIDs   string `yaml:"provider_ids" mapstructure:"provider_ids"`
	Fallback      string `yaml:"fallback" mapstructure:"fallback"`
}

// SyncConfig holds the library sync configuration.
type SyncConfig struct {
	// BatchSize is the page size used when streaming the library.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size"`
	// Interval is how old the last successful sync may get before a
	// background sync is launched.
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
	// VacuumInterval is how often database maintenance runs.
	VacuumInterval time.Duration `yaml:"vacuum_interval" mapstructure:"vacuum_interval"`
}

// MetadataConfig holds the external rating provider configuration.
// A nil provider means that provider is disabled.
type MetadataConfig struct {
	OMDb *ProviderConfig `yaml:"omdb" mapstructure:"omdb"`
	TMDb *ProviderConfig `yaml:"tmdb" mapstructure:"tmdb"`
	TVDb *ProviderConfig `yaml:"tvdb" mapstructure:"tvdb"`
	// CacheTTL is how long provider results (and misses) are cached.
	CacheTTL time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
}

// ProviderConfig holds a single metadata provider.
type ProviderConfig struct {
	// Enabled indicates whether this provider is queried.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// APIKey is the provider API key. Never logged.
	APIKey string `yaml:"api_key" mapstructure:"api_key"`
}

// ThumbnailConfig holds the thumbnail resolver configuration.
type ThumbnailConfig struct {
	// Quality is the jpeg quality requested from Jellyfin (1-100).
	Quality int `yaml:"quality" mapstructure:"quality"`
	// MaxWidth and MaxHeight bound the requested image dimensions.
	MaxWidth  int `yaml:"max_width" mapstructure:"max_width"`
	MaxHeight int `yaml:"max_height" mapstructure:"max_height"`
	// CacheTTL is how long verification outcomes are cached.
	CacheTTL time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
	// CacheSize bounds the verification cache entry count.
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size"`
}

// TemplateConfig holds the message template configuration.
type TemplateConfig struct {
	// Directory overrides the embedded templates. Files named
	// <template>.json.tmpl shadow the embedded template of the same name.
	Directory string `yaml:"directory" mapstructure:"directory"`
}

// Load reads the configuration from the specified path and returns a Config struct.
// If path is empty, it will use default search paths for config files.
func Load(path string) (*Config, error) {
	v := viper.New()

	// bind some weirdly unsupported nested env vars
	bindNestedEnv(v)

	// Set default values
	setDefaults(v)

	// Configure Viper
	v.SetConfigType("yaml")
	v.SetEnvPrefix("JELLYNOUNCER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var configFileFound bool
	if path != "" {
		// Use specific config file
		v.SetConfigFile(path)
	} else {
		// Search for config in common locations
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.jellynouncer")
		v.AddConfigPath("/etc/jellynouncer")
	}

	// Read the config file
	if err := v.ReadInConfig(); err != nil {
		// If no config file is found, use defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		configFileFound = true
	}

	if configFileFound {
		log.Debug("Using config file", "file", v.ConfigFileUsed())
		log.Debug("Some environment variables can be set with the JELLYNOUNCER_ prefix to override config file values")
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Sanitize config values
	sanitizeConfig(&c)

	// Validate required configs
	if err := validateConfig(&c); err != nil {
		return nil, err
	}

	return &c, nil
}

// setDefaults sets default values for the configuration.
func setDefaults(v *viper.Viper) {
	// Jellynouncer defaults
	v.SetDefault("listen", "0.0.0.0:1984")
	v.SetDefault("log_level", "info")
	v.SetDefault("data_dir", "./data")

	// Database defaults
	v.SetDefault("database.path", "")

	// Cache defaults
	v.SetDefault("cache.type", CacheTypeMemory) // Default to in-memory
	v.SetDefault("cache.redis_url", "")

	// Discord dispatcher defaults
	v.SetDefault("discord.requests_per_minute", 30)
	v.SetDefault("discord.queue_size", 1000)
	v.SetDefault("discord.max_retries", 3)

	// Watch defaults: notify on every change type except file size
	v.SetDefault("watch.resolution", true)
	v.SetDefault("watch.codec", true)
	v.SetDefault("watch.audio_codec", true)
	v.SetDefault("watch.audio_channels", true)
	v.SetDefault("watch.hdr_status", true)
	v.SetDefault("watch.file_size", false)
	v.SetDefault("watch.provider_ids", true)

	// Color palette defaults
	v.SetDefault("colors.new_item", "#2ECC71")
	v.SetDefault("colors.resolution", "#3498DB")
	v.SetDefault("colors.codec", "#9B59B6")
	v.SetDefault("colors.audio_codec", "#E67E22")
	v.SetDefault("colors.audio_channels", "#F1C40F")
	v.SetDefault("colors.hdr_status", "#E74C3C")
	v.SetDefault("colors.provider_ids", "#95A5A6")
	v.SetDefault("colors.fallback", "#7289DA")

	// Sync defaults
	v.SetDefault("sync.batch_size", 100)
	v.SetDefault("sync.interval", 24*time.Hour)
	v.SetDefault("sync.vacuum_interval", 24*time.Hour)

	// Thumbnail defaults
	v.SetDefault("thumbnails.quality", 90)
	v.SetDefault("thumbnails.max_width", 500)
	v.SetDefault("thumbnails.max_height", 400)
	v.SetDefault("thumbnails.cache_ttl", time.Hour)
	v.SetDefault("thumbnails.cache_size", 500)

	// Template defaults
	v.SetDefault("templates.directory", "")
}

// the auto env function from viper only works for nested structs, if the struct to which a value binds isn't nil.
// If we explicitly don't want a default value (e.g. because a struct value should be nil on purpose)
// we have to bind the env var manually.
func bindNestedEnv(v *viper.Viper) {
	// Jellyfin
	v.MustBindEnv("jellyfin.url", "JELLYNOUNCER_JELLYFIN_URL")
	v.MustBindEnv("jellyfin.api_key", "JELLYNOUNCER_JELLYFIN_API_KEY")

	// Metadata providers
	v.MustBindEnv("metadata.omdb.enabled", "JELLYNOUNCER_METADATA_OMDB_ENABLED")
	v.MustBindEnv("metadata.omdb.api_key", "JELLYNOUNCER_METADATA_OMDB_API_KEY")
	v.MustBindEnv("metadata.tmdb.enabled", "JELLYNOUNCER_METADATA_TMDB_ENABLED")
	v.MustBindEnv("metadata.tmdb.api_key", "JELLYNOUNCER_METADATA_TMDB_API_KEY")
	v.MustBindEnv("metadata.tvdb.enabled", "JELLYNOUNCER_METADATA_TVDB_ENABLED")
	v.MustBindEnv("metadata.tvdb.api_key", "JELLYNOUNCER_METADATA_TVDB_API_KEY")

	// Discord webhooks
	v.MustBindEnv("discord.webhooks.default.url", "JELLYNOUNCER_DISCORD_WEBHOOKS_DEFAULT_URL")
	v.MustBindEnv("discord.webhooks.movies.url", "JELLYNOUNCER_DISCORD_WEBHOOKS_MOVIES_URL")
	v.MustBindEnv("discord.webhooks.tv.url", "JELLYNOUNCER_DISCORD_WEBHOOKS_TV_URL")
	v.MustBindEnv("discord.webhooks.music.url", "JELLYNOUNCER_DISCORD_WEBHOOKS_MUSIC_URL")
}

// validateConfig validates the configuration.
func validateConfig(c *Config) error {
	if c == nil {
		return fmt.Errorf("missing jellynouncer config")
	}

	if c.Jellyfin == nil {
		return fmt.Errorf("missing jellyfin config")
	}
	if c.Jellyfin.URL == "" {
		return fmt.Errorf("jellyfin URL is required")
	}
	if c.Jellyfin.APIKey == "" {
		return fmt.Errorf("jellyfin API key is required")
	}

	if c.Cache != nil {
		if c.Cache.Type == "" {
			return fmt.Errorf("cache type is required when cache is enabled")
		}
		if c.Cache.Type == CacheTypeRedis && c.Cache.RedisURL == "" {
			return fmt.Errorf("Redis URL is required when Redis cache is enabled") //nolint:staticcheck
		}
	} else {
		c.Cache = &CacheConfig{
			Type: CacheTypeMemory, // Default to in-memory cache if not enabled
		}
	}

	if c.Discord == nil || len(c.Discord.Webhooks) == 0 {
		return fmt.Errorf("at least one discord webhook must be configured")
	}
	var enabled int
	for key, webhook := range c.Discord.Webhooks {
		if webhook == nil {
			continue
		}
		if webhook.Name == "" {
			webhook.Name = key
		}
		if webhook.GroupingMode == "" {
			webhook.GroupingMode = GroupingNone
		}
		switch webhook.GroupingMode {
		case GroupingNone, GroupingByEvent, GroupingByType, GroupingGrouped:
		default:
			return fmt.Errorf("webhook %q has invalid grouping mode %q", key, webhook.GroupingMode)
		}
		if !webhook.Enabled {
			continue
		}
		if webhook.URL == "" {
			return fmt.Errorf("webhook %q is enabled but has no URL", key)
		}
		enabled++
	}
	if enabled == 0 {
		return fmt.Errorf("at least one discord webhook must be enabled")
	}
	if c.Discord.RequestsPerMinute <= 0 {
		return fmt.Errorf("discord requests per minute must be greater than 0")
	}
	if c.Discord.QueueSize <= 0 {
		return fmt.Errorf("discord queue size must be greater than 0")
	}
	if c.Discord.MaxRetries < 0 {
		return fmt.Errorf("discord max retries must not be negative")
	}

	if c.Sync == nil || c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync batch size must be greater than 0")
	}

	if c.Metadata != nil {
		for name, provider := range map[string]*ProviderConfig{
			"omdb": c.Metadata.OMDb,
			"tmdb": c.Metadata.TMDb,
			"tvdb": c.Metadata.TVDb,
		} {
			if provider != nil && provider.Enabled && provider.APIKey == "" {
				return fmt.Errorf("%s API key is required when %s is enabled", name, name)
			}
		}
		if c.Metadata.CacheTTL == 0 {
			c.Metadata.CacheTTL = 168 * time.Hour
		}
	}

	if c.Colors != nil {
		for name, value := range map[string]string{
			"new_item":       c.Colors.NewItem,
			"resolution":     c.Colors.Resolution,
			"codec":          c.Colors.Codec,
			"audio_codec":    c.Colors.AudioCodec,
			"audio_channels": c.Colors.AudioChannels,
			"hdr_status":     c.Colors.HDRStatus,
			"provider_ids":   c.Colors.ProviderIDs,
			"fallback":       c.Colors.Fallback,
		} {
			if value == "" {
				continue
			}
			if _, err := ParseColor(value); err != nil {
				return fmt.Errorf("invalid color for %s: %w", name, err)
			}
		}
	}

	return nil
}

// sanitizeConfig sanitizes the configuration values.
func sanitizeConfig(c *Config) {
	if c == nil {
		return
	}

	c.Listen = urlSanitize(c.Listen)

	if c.Jellyfin != nil {
		c.Jellyfin.URL = urlSanitize(c.Jellyfin.URL)
	}

	if c.DataDir == "" {
		c.DataDir = "./data"
	}

	if c.Database == nil {
		c.Database = &DatabaseConfig{}
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.DataDir, "jellynouncer.db")
	}

	if c.Watch == nil {
		log.Warn("No watch config found, notifying on every change type")
		c.Watch = &WatchConfig{
			Resolution:    true,
			Codec:         true,
			AudioCodec:    true,
			AudioChannels: true,
			HDRStatus:     true,
			FileSize:      true,
			ProviderIDs:   true,
		}
	}

	if c.Discord != nil {
		for _, webhook := range c.Discord.Webhooks {
			if webhook != nil {
				webhook.URL = strings.TrimSpace(webhook.URL)
			}
		}
	}
}

func urlSanitize(url string) string {
	return strings.TrimSuffix(strings.TrimSpace(url), "/")
}

// ParseColor converts a "#RRGGBB" (or "RRGGBB") string into its integer value.
func ParseColor(s string) (int, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(hex) != 6 {
		return 0, fmt.Errorf("color %q must be 6 hex digits", s)
	}
	value, err := strconv.ParseInt(hex, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("color %q is not valid hex: %w", s, err)
	}
	return int(value), nil
}

// Webhook returns the webhook configured under the given key, or nil.
func (c *DiscordConfig) Webhook(key string) *WebhookConfig {
	if c == nil {
		return nil
	}
	return c.Webhooks[key]
}

// Package config loads the daemon's environment-variable configuration
// surface.
package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sethvargo/go-envconfig"

	"github.com/ripforge/ripforge/internal/cmdguard"
)

// APIKey is one entry from API_KEYS: a key plus its role.
type APIKey struct {
	Key  string
	Role string // "admin" or "readonly"
}

// Config is the full environment-variable surface from spec.md §6.
type Config struct {
	// Paths
	RawPath       string `env:"RAW_PATH,required"`
	CompletedPath string `env:"COMPLETED_PATH,required"`
	WorkPath      string `env:"WORK_PATH,required"`
	DBPath        string `env:"DB_PATH,default=/config/ripforge.db"`

	// Subdirs
	MoviesSubdir string `env:"MOVIES_SUBDIR,default=movies"`
	TVSubdir     string `env:"TV_SUBDIR,default=tv"`
	AudioSubdir  string `env:"AUDIO_SUBDIR,default=audio"`

	// Encoding
	VideoEncoder      string `env:"VIDEO_ENCODER,default=x265"`
	VideoQuality      int    `env:"VIDEO_QUALITY,default=23"`
	AudioEncoder      string `env:"AUDIO_ENCODER,default=copy"`
	SubtitleMode      string `env:"SUBTITLE_MODE,default=all"`
	HandbrakePreset   string `env:"HANDBRAKE_PRESET,default=Fast 1080p30"`
	HandbrakePreset4K string `env:"HANDBRAKE_PRESET_4K,default=Fast 2160p60 4K HEVC"`
	VAAPIDevice       string `env:"VAAPI_DEVICE,default=/dev/dri/renderD128"`

	// Runtime
	MaxConcurrent      int  `env:"MAX_CONCURRENT,default=1"`
	StabilizeSeconds   int  `env:"STABILIZE_SECONDS,default=60"`
	MaxRetryCount      int  `env:"MAX_RETRY_COUNT,default=3"`
	MinimumFreeSpaceGB int  `env:"MINIMUM_FREE_SPACE_GB,default=10"`
	DeleteSource       bool `env:"DELETE_SOURCE,default=true"`

	// Auth
	RequireAPIAuth bool   `env:"REQUIRE_API_AUTH,default=true"`
	APIKeysRaw     string `env:"API_KEYS"`
	WebhookSecret  string `env:"WEBHOOK_SECRET"`

	// Tool paths
	FFmpegPath  string `env:"FFMPEG_PATH,default=ffmpeg"`
	FFprobePath string `env:"FFPROBE_PATH,default=ffprobe"`
	HandbrakeCLIPath string `env:"HANDBRAKE_CLI_PATH,default=HandBrakeCLI"`

	LogLevel   string `env:"LOG_LEVEL,default=info"`
	ListenAddr string `env:"LISTEN_ADDR,default=:8080"`

	APIKeys []APIKey `env:"-"`
}

// Load reads and validates configuration from the process environment.
func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg.MaxConcurrent = 1 // spec fixes single-GPU serialization regardless of override

	if cfg.MaxRetryCount < 0 {
		cfg.MaxRetryCount = 0
	}
	if cfg.MaxRetryCount > 10 {
		cfg.MaxRetryCount = 10
	}

	cfg.APIKeys = parseAPIKeys(cfg.APIKeysRaw)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if _, err := cmdguard.ValidateQuality(c.VideoQuality); err != nil {
		return fmt.Errorf("config: VIDEO_QUALITY: %w", err)
	}
	if _, err := cmdguard.NormalizeVideoEncoder(c.VideoEncoder); err != nil {
		return fmt.Errorf("config: VIDEO_ENCODER: %w", err)
	}
	if _, err := cmdguard.ValidateAudioEncoder(c.AudioEncoder); err != nil {
		return fmt.Errorf("config: AUDIO_ENCODER: %w", err)
	}
	if _, err := cmdguard.ValidateSubtitleMode(c.SubtitleMode); err != nil {
		return fmt.Errorf("config: SUBTITLE_MODE: %w", err)
	}
	if c.RawPath == c.CompletedPath {
		return fmt.Errorf("config: RAW_PATH and COMPLETED_PATH must differ")
	}
	return nil
}

// parseAPIKeys parses the comma-separated API_KEYS value, where each entry
// is either "keyvalue" (implicit readonly) or "role:keyvalue".
func parseAPIKeys(raw string) []APIKey {
	if raw == "" {
		return nil
	}
	var keys []APIKey
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		role := "readonly"
		key := entry
		if idx := strings.Index(entry, ":"); idx >= 0 {
			candidate := strings.ToLower(entry[:idx])
			if candidate == "admin" || candidate == "readonly" {
				role = candidate
				key = entry[idx+1:]
			}
		}
		keys = append(keys, APIKey{Key: key, Role: role})
	}
	return keys
}

// WorkDirFor returns the scratch directory for a job, partitioned by id so
// concurrent jobs (should MAX_CONCURRENT ever be raised) cannot collide.
func (c *Config) WorkDirFor(jobID int64) string {
	return filepath.Join(c.WorkPath, fmt.Sprintf("job-%d", jobID))
}

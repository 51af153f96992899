package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrMissingDatabaseURL is returned when no database URL is configured.
var ErrMissingDatabaseURL = errors.New("DATABASE_URL is required (set it in the environment or in .env / .env.local)")

// Fetcher modes.
const (
	FetcherHTTP    = "http"
	FetcherCommand = "command"
)

// DefaultDownloadURL is the public Drive download endpoint.
const DefaultDownloadURL = "https://drive.google.com/uc"

// Config holds application configuration.
type Config struct {
	DatabaseURL string `yaml:"database_url" env:"DATABASE_URL"`
	RedisURL    string `yaml:"redis_url" env:"REDIS_URL"`
	ServerPort  string `yaml:"server_port" env:"SERVER_PORT"`
	StorageDir  string `yaml:"storage_dir" env:"STORAGE_DIR"`

	UserAgent      string        `yaml:"user_agent" env:"FETCHER_USER_AGENT"`
	Timeout        time.Duration `yaml:"timeout" env:"FETCHER_TIMEOUT"`
	FetcherMode    string        `yaml:"fetcher_mode" env:"FETCHER_MODE"`
	FetcherCommand []string      `yaml:"fetcher_command" env:"FETCHER_COMMAND"`
	DownloadURL    string        `yaml:"download_url" env:"FETCHER_DOWNLOAD_URL"`

	FFmpegPath       string        `yaml:"ffmpeg_path" env:"FFMPEG_PATH"`
	Relay            RelayProfile  `yaml:"relay"`
	ScheduleInterval time.Duration `yaml:"schedule_interval" env:"SCHEDULE_INTERVAL"`

	Log LogConfig `yaml:"log"`
}

// RelayProfile holds the ffmpeg encoding settings applied to every relay.
type RelayProfile struct {
	VideoCodec   string `yaml:"video_codec"`
	Preset       string `yaml:"preset"`
	VideoBitrate string `yaml:"video_bitrate"`
	MaxRate      string `yaml:"maxrate"`
	BufSize      string `yaml:"bufsize"`
	PixelFormat  string `yaml:"pix_fmt"`
	GOP          int    `yaml:"gop"`
	AudioCodec   string `yaml:"audio_codec"`
	AudioBitrate string `yaml:"audio_bitrate"`
	AudioRate    int    `yaml:"audio_rate"`
	Format       string `yaml:"format"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level             string `yaml:"level"`
	Encoding          string `yaml:"encoding"`
	Development       bool   `yaml:"development"`
	Sampling          bool   `yaml:"sampling"`
	DisableCaller     bool   `yaml:"disable_caller"`
	DisableStacktrace bool   `yaml:"disable_stacktrace"`
}

// DefaultRelayProfile returns the stock libx264/aac FLV profile.
func DefaultRelayProfile() RelayProfile {
	return RelayProfile{
		VideoCodec:   "libx264",
		Preset:       "veryfast",
		VideoBitrate: "3000k",
		MaxRate:      "3000k",
		BufSize:      "6000k",
		PixelFormat:  "yuv420p",
		GOP:          60,
		AudioCodec:   "aac",
		AudioBitrate: "128k",
		AudioRate:    44100,
		Format:       "flv",
	}
}

// Defaults returns a Config with every optional field populated.
func Defaults() *Config {
	return &Config{
		ServerPort:       "8080",
		StorageDir:       "storage",
		UserAgent:        "Loopcaster/1.0",
		Timeout:          30 * time.Minute,
		FetcherMode:      FetcherHTTP,
		DownloadURL:      DefaultDownloadURL,
		FFmpegPath:       "ffmpeg",
		Relay:            DefaultRelayProfile(),
		ScheduleInterval: 60 * time.Second,
		Log: LogConfig{
			Level:    "info",
			Encoding: "json",
		},
	}
}

// Load builds config from environment variables.
// If DATABASE_URL is not set, Load tries to load .env.local and .env from the current directory.
// DATABASE_URL is required; everything else falls back to Defaults.
func Load() (*Config, error) {
	if os.Getenv("DATABASE_URL") == "" {
		loadEnvFiles()
	}
	c := Defaults()
	c.DatabaseURL = os.Getenv("DATABASE_URL")
	c.RedisURL = os.Getenv("REDIS_URL")
	setString(&c.ServerPort, "SERVER_PORT")
	setString(&c.StorageDir, "STORAGE_DIR")
	setString(&c.UserAgent, "FETCHER_USER_AGENT")
	setDuration(&c.Timeout, "FETCHER_TIMEOUT")
	setString(&c.FetcherMode, "FETCHER_MODE")
	if s := os.Getenv("FETCHER_COMMAND"); s != "" {
		c.FetcherCommand = strings.Fields(s)
	}
	setString(&c.DownloadURL, "FETCHER_DOWNLOAD_URL")
	setString(&c.FFmpegPath, "FFMPEG_PATH")
	setDuration(&c.ScheduleInterval, "SCHEDULE_INTERVAL")

	setString(&c.Relay.VideoCodec, "RELAY_VIDEO_CODEC")
	setString(&c.Relay.Preset, "RELAY_PRESET")
	setString(&c.Relay.VideoBitrate, "RELAY_VIDEO_BITRATE")
	setString(&c.Relay.MaxRate, "RELAY_MAXRATE")
	setString(&c.Relay.BufSize, "RELAY_BUFSIZE")
	setString(&c.Relay.PixelFormat, "RELAY_PIX_FMT")
	setInt(&c.Relay.GOP, "RELAY_GOP")
	setString(&c.Relay.AudioCodec, "RELAY_AUDIO_CODEC")
	setString(&c.Relay.AudioBitrate, "RELAY_AUDIO_BITRATE")
	setInt(&c.Relay.AudioRate, "RELAY_AUDIO_RATE")
	setString(&c.Relay.Format, "RELAY_FORMAT")

	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Encoding, "LOG_ENCODING")
	setBool(&c.Log.Development, "LOG_DEVELOPMENT")

	if c.DatabaseURL == "" {
		return nil, ErrMissingDatabaseURL
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	switch c.FetcherMode {
	case FetcherHTTP:
	case FetcherCommand:
		if len(c.FetcherCommand) == 0 {
			return fmt.Errorf("fetcher_mode %q requires fetcher_command", FetcherCommand)
		}
	default:
		return fmt.Errorf("unknown fetcher_mode %q (want %q or %q)", c.FetcherMode, FetcherHTTP, FetcherCommand)
	}
	if c.ScheduleInterval <= 0 {
		return fmt.Errorf("schedule_interval must be positive, got %s", c.ScheduleInterval)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.StorageDir == "" {
		return errors.New("storage_dir must not be empty")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			*dst = d
		}
	}
}

func setInt(dst *int, key string) {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if s := os.Getenv(key); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			*dst = b
		}
	}
}

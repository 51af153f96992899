package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type fileConfig struct {
	DatabaseURL      string       `yaml:"database_url"`
	RedisURL         string       `yaml:"redis_url"`
	ServerPort       string       `yaml:"server_port"`
	StorageDir       string       `yaml:"storage_dir"`
	UserAgent        string       `yaml:"user_agent"`
	Timeout          string       `yaml:"timeout"`
	FetcherMode      string       `yaml:"fetcher_mode"`
	FetcherCommand   []string     `yaml:"fetcher_command"`
	DownloadURL      string       `yaml:"download_url"`
	FFmpegPath       string       `yaml:"ffmpeg_path"`
	Relay            RelayProfile `yaml:"relay"`
	ScheduleInterval string       `yaml:"schedule_interval"`
	Log              LogConfig    `yaml:"log"`
}

// LoadFromFile loads config from a YAML file. database_url is required;
// omitted keys keep their Defaults value.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if f.DatabaseURL == "" {
		return nil, ErrMissingDatabaseURL
	}
	c := Defaults()
	c.DatabaseURL = f.DatabaseURL
	c.RedisURL = f.RedisURL
	override(&c.ServerPort, f.ServerPort)
	override(&c.StorageDir, f.StorageDir)
	override(&c.UserAgent, f.UserAgent)
	override(&c.FetcherMode, f.FetcherMode)
	override(&c.DownloadURL, f.DownloadURL)
	override(&c.FFmpegPath, f.FFmpegPath)
	if len(f.FetcherCommand) > 0 {
		c.FetcherCommand = f.FetcherCommand
	}
	if err := overrideDuration(&c.Timeout, "timeout", f.Timeout); err != nil {
		return nil, err
	}
	if err := overrideDuration(&c.ScheduleInterval, "schedule_interval", f.ScheduleInterval); err != nil {
		return nil, err
	}
	mergeRelay(&c.Relay, f.Relay)

	override(&c.Log.Level, f.Log.Level)
	override(&c.Log.Encoding, f.Log.Encoding)
	c.Log.Development = f.Log.Development
	c.Log.Sampling = f.Log.Sampling
	c.Log.DisableCaller = f.Log.DisableCaller
	c.Log.DisableStacktrace = f.Log.DisableStacktrace

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func overrideDuration(dst *time.Duration, key, v string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func mergeRelay(dst *RelayProfile, src RelayProfile) {
	override(&dst.VideoCodec, src.VideoCodec)
	override(&dst.Preset, src.Preset)
	override(&dst.VideoBitrate, src.VideoBitrate)
	override(&dst.MaxRate, src.MaxRate)
	override(&dst.BufSize, src.BufSize)
	override(&dst.PixelFormat, src.PixelFormat)
	override(&dst.AudioCodec, src.AudioCodec)
	override(&dst.AudioBitrate, src.AudioBitrate)
	override(&dst.Format, src.Format)
	if src.GOP > 0 {
		dst.GOP = src.GOP
	}
	if src.AudioRate > 0 {
		dst.AudioRate = src.AudioRate
	}
}

package models

import (
	"strings"
	"time"
)

// Channel is a configured relay from a local video file to an RTMP endpoint.
type Channel struct {
	ID              int64          `json:"id"`
	Name            string         `json:"name"`
	RTMPURL         string         `json:"rtmp_url"`
	RTMPKey         string         `json:"rtmp_key"`
	VideoSourcePath *string        `json:"video_source_path"`
	LoopingEnabled  bool           `json:"looping_enabled"`
	ScheduleStart   *string        `json:"schedule_start_time"` // HH:MM
	ScheduleStop    *string        `json:"schedule_stop_time"`  // HH:MM
	DownloadStatus  DownloadStatus `json:"download_status"`
	LastError       *string        `json:"last_error"`
	IsActive        bool           `json:"is_active"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Endpoint returns the full publish address (base URL joined with the stream key).
func (c Channel) Endpoint() string {
	return strings.TrimRight(c.RTMPURL, "/") + "/" + c.RTMPKey
}

// MaskedKey returns the stream key with everything after the first four
// characters hidden. Use it wherever the key would otherwise be logged.
func (c Channel) MaskedKey() string {
	return MaskKey(c.RTMPKey)
}

// HasSchedule reports whether both schedule bounds are set.
func (c Channel) HasSchedule() bool {
	return c.ScheduleStart != nil && *c.ScheduleStart != "" &&
		c.ScheduleStop != nil && *c.ScheduleStop != ""
}

// SourcePath returns the video source path or "" when unset.
func (c Channel) SourcePath() string {
	if c.VideoSourcePath == nil {
		return ""
	}
	return *c.VideoSourcePath
}

// MaskKey hides all but the first four characters of a stream key.
func MaskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 4 {
		return "****"
	}
	return key[:4] + "****"
}

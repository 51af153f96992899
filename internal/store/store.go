package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/voyagen/loopcaster/internal/models"
)

// ErrNotFound is returned when a channel row does not exist (0 rows affected
// on update/delete, no row on read).
var ErrNotFound = errors.New("not found")

// Store defines persistence for channels.
type Store interface {
	// ListChannels returns all channels, newest first.
	ListChannels(ctx context.Context) ([]models.Channel, error)
	// GetChannel returns a single channel by id.
	GetChannel(ctx context.Context, channelID int64) (*models.Channel, error)
	// CreateChannel inserts a channel (IDLE, inactive) and returns the stored row.
	CreateChannel(ctx context.Context, ch *models.Channel) (*models.Channel, error)
	// UpdateChannel applies a partial update; unsupplied fields keep their value.
	UpdateChannel(ctx context.Context, channelID int64, fields ChannelUpdate) error
	// DeleteChannel removes a channel.
	DeleteChannel(ctx context.Context, channelID int64) error

	// ListScheduledChannels returns READY channels that have both schedule bounds set.
	ListScheduledChannels(ctx context.Context) ([]models.Channel, error)
	// ResetActive clears is_active on every channel and returns how many rows changed.
	ResetActive(ctx context.Context) (int64, error)

	Close()
}

// FreshReader is implemented by stores that front the database with a cache.
// GetChannelFresh always reads the database.
type FreshReader interface {
	GetChannelFresh(ctx context.Context, channelID int64) (*models.Channel, error)
}

// GetFresh reads channelID past any cache in front of st. Use it for checks
// that gate an action, such as whether a channel is READY.
func GetFresh(ctx context.Context, st Store, channelID int64) (*models.Channel, error) {
	if fr, ok := st.(FreshReader); ok {
		return fr.GetChannelFresh(ctx, channelID)
	}
	return st.GetChannel(ctx, channelID)
}

// ChannelUpdate holds mutable fields for a channel.
// Pointer fields: nil = don't change, non-nil = set.
// For nullable text columns an empty string stores NULL.
type ChannelUpdate struct {
	Name            *string
	RTMPURL         *string
	RTMPKey         *string
	VideoSourcePath *string
	LoopingEnabled  *bool
	ScheduleStart   *string
	ScheduleStop    *string
	DownloadStatus  *models.DownloadStatus
	LastError       *string
	IsActive        *bool
}

// Empty reports whether no field is set.
func (u ChannelUpdate) Empty() bool {
	return u.Name == nil && u.RTMPURL == nil && u.RTMPKey == nil &&
		u.VideoSourcePath == nil && u.LoopingEnabled == nil &&
		u.ScheduleStart == nil && u.ScheduleStop == nil &&
		u.DownloadStatus == nil && u.LastError == nil && u.IsActive == nil
}

// String, Bool and Status return pointers for building a ChannelUpdate.
func String(s string) *string { return &s }
func Bool(b bool) *bool       { return &b }
func Status(s models.DownloadStatus) *models.DownloadStatus {
	return &s
}

// setClauses renders the SET list for an update. placeholder(n) returns the
// driver's n-th (1-based) bind marker.
func (u ChannelUpdate) setClauses(placeholder func(n int) string) (string, []any) {
	var sets []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = %s", col, placeholder(len(args))))
	}
	if u.Name != nil {
		add("name", *u.Name)
	}
	if u.RTMPURL != nil {
		add("rtmp_url", *u.RTMPURL)
	}
	if u.RTMPKey != nil {
		add("rtmp_key", *u.RTMPKey)
	}
	if u.VideoSourcePath != nil {
		add("video_source_path", nullable(*u.VideoSourcePath))
	}
	if u.LoopingEnabled != nil {
		add("looping_enabled", *u.LoopingEnabled)
	}
	if u.ScheduleStart != nil {
		add("schedule_start_time", nullable(*u.ScheduleStart))
	}
	if u.ScheduleStop != nil {
		add("schedule_stop_time", nullable(*u.ScheduleStop))
	}
	if u.DownloadStatus != nil {
		add("download_status", string(*u.DownloadStatus))
	}
	if u.LastError != nil {
		add("last_error", nullable(*u.LastError))
	}
	if u.IsActive != nil {
		add("is_active", *u.IsActive)
	}
	return strings.Join(sets, ", "), args
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// channelColumns is the select list shared by both SQL backends.
const channelColumns = `id, name, rtmp_url, rtmp_key, video_source_path, looping_enabled,
	schedule_start_time, schedule_stop_time, download_status, last_error, is_active, created_at`

// rowScanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(row rowScanner) (models.Channel, error) {
	var ch models.Channel
	var status string
	err := row.Scan(&ch.ID, &ch.Name, &ch.RTMPURL, &ch.RTMPKey, &ch.VideoSourcePath, &ch.LoopingEnabled,
		&ch.ScheduleStart, &ch.ScheduleStop, &status, &ch.LastError, &ch.IsActive, timeValue{&ch.CreatedAt})
	if err != nil {
		return models.Channel{}, err
	}
	ch.DownloadStatus = models.DownloadStatus(status)
	return ch, nil
}

// timeValue scans timestamps from drivers that return either time.Time
// (pgx, typed SQLite columns) or text (SQLite CURRENT_TIMESTAMP).
type timeValue struct {
	dst *time.Time
}

var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

func (t timeValue) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		*t.dst = v
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	case nil:
		*t.dst = time.Time{}
		return nil
	}
	return fmt.Errorf("unsupported timestamp type %T", src)
}

func (t timeValue) parse(s string) error {
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			*t.dst = ts
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}

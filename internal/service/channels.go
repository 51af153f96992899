package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voyagen/loopcaster/internal/events"
	"github.com/voyagen/loopcaster/internal/fetcher"
	"github.com/voyagen/loopcaster/internal/models"
	"github.com/voyagen/loopcaster/internal/schedule"
	"github.com/voyagen/loopcaster/internal/store"
)

// recordTimeout bounds the store write that closes out a background import.
const recordTimeout = 10 * time.Second

// ValidationError reports rejected caller input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

// Relay is the part of the relay supervisor the service delegates to.
type Relay interface {
	Start(ctx context.Context, channelID int64) error
	Stop(ctx context.Context, channelID int64) error
	RecentLog(channelID int64) []string
	Forget(channelID int64)
}

// CreateInput holds the fields for a new channel.
type CreateInput struct {
	Name           string `json:"name"`
	RTMPURL        string `json:"rtmp_url"`
	RTMPKey        string `json:"rtmp_key"`
	LoopingEnabled *bool  `json:"looping_enabled"`
}

// UpdateInput is a partial update; nil fields are left unchanged.
// ScheduleStart and ScheduleStop travel together; two empty strings clear
// the schedule.
type UpdateInput struct {
	Name           *string `json:"name"`
	RTMPURL        *string `json:"rtmp_url"`
	RTMPKey        *string `json:"rtmp_key"`
	LoopingEnabled *bool   `json:"looping_enabled"`
	ScheduleStart  *string `json:"schedule_start_time"`
	ScheduleStop   *string `json:"schedule_stop_time"`
}

// ImportTicket acknowledges an accepted import.
type ImportTicket struct {
	Filename string `json:"filename"`
}

// Deps wires a Channels service.
type Deps struct {
	Store     store.Store
	Relay     Relay
	Fetcher   fetcher.Fetcher
	Publisher events.Publisher
	Logger    *zap.Logger
	Now       func() time.Time
}

// Channels is the command surface shared by the HTTP API and the CLI.
type Channels struct {
	store     store.Store
	relay     Relay
	fetcher   fetcher.Fetcher
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time

	// imports outlive the request that started them.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[int64]string
}

// NewChannels returns a Channels service.
func NewChannels(d Deps) *Channels {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Publisher == nil {
		d.Publisher = events.Nop{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Channels{
		store:     d.Store,
		relay:     d.Relay,
		fetcher:   d.Fetcher,
		publisher: d.Publisher,
		logger:    d.Logger.Named("channels"),
		now:       d.Now,
		ctx:       ctx,
		cancel:    cancel,
		inflight:  make(map[int64]string),
	}
}

// List returns every channel, newest first.
func (c *Channels) List(ctx context.Context) ([]models.Channel, error) {
	channels, err := c.store.ListChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	if channels == nil {
		channels = []models.Channel{}
	}
	return channels, nil
}

// Get returns one channel.
func (c *Channels) Get(ctx context.Context, id int64) (*models.Channel, error) {
	return c.store.GetChannel(ctx, id)
}

// Create validates in and stores a new IDLE channel.
func (c *Channels) Create(ctx context.Context, in CreateInput) (*models.Channel, error) {
	name := strings.TrimSpace(in.Name)
	rtmpURL := strings.TrimSpace(in.RTMPURL)
	key := strings.TrimSpace(in.RTMPKey)
	switch {
	case name == "":
		return nil, invalid("name", "is required")
	case rtmpURL == "":
		return nil, invalid("rtmp_url", "is required")
	case key == "":
		return nil, invalid("rtmp_key", "is required")
	}
	if err := validateRTMPURL(rtmpURL); err != nil {
		return nil, err
	}
	looping := true
	if in.LoopingEnabled != nil {
		looping = *in.LoopingEnabled
	}

	ch, err := c.store.CreateChannel(ctx, &models.Channel{
		Name:           name,
		RTMPURL:        rtmpURL,
		RTMPKey:        key,
		LoopingEnabled: looping,
	})
	if err != nil {
		return nil, fmt.Errorf("create channel: %w", err)
	}
	c.logger.Info("channel created", zap.Int64("channel_id", ch.ID), zap.String("name", ch.Name), zap.String("key", ch.MaskedKey()))
	c.emit(ctx, events.ChannelCreated, ch.ID, ch, "")
	return ch, nil
}

// Update applies in to channel id and returns the stored result. Changes to
// the endpoint or looping take effect on the next start.
func (c *Channels) Update(ctx context.Context, id int64, in UpdateInput) (*models.Channel, error) {
	var fields store.ChannelUpdate
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, invalid("name", "must not be empty")
		}
		fields.Name = &name
	}
	if in.RTMPURL != nil {
		u := strings.TrimSpace(*in.RTMPURL)
		if err := validateRTMPURL(u); err != nil {
			return nil, err
		}
		fields.RTMPURL = &u
	}
	if in.RTMPKey != nil {
		key := strings.TrimSpace(*in.RTMPKey)
		if key == "" {
			return nil, invalid("rtmp_key", "must not be empty")
		}
		fields.RTMPKey = &key
	}
	fields.LoopingEnabled = in.LoopingEnabled

	if (in.ScheduleStart == nil) != (in.ScheduleStop == nil) {
		return nil, invalid("schedule", "schedule_start_time and schedule_stop_time must be supplied together")
	}
	if in.ScheduleStart != nil {
		w, ok, err := schedule.ParseWindow(*in.ScheduleStart, *in.ScheduleStop)
		if err != nil {
			return nil, invalid("schedule", err.Error())
		}
		start, stop := "", ""
		if ok {
			start, stop = schedule.FormatClock(w.Start), schedule.FormatClock(w.Stop)
		}
		fields.ScheduleStart, fields.ScheduleStop = &start, &stop
	}

	if !fields.Empty() {
		if err := c.store.UpdateChannel(ctx, id, fields); err != nil {
			return nil, fmt.Errorf("update channel %d: %w", id, err)
		}
	}
	ch, err := store.GetFresh(ctx, c.store, id)
	if err != nil {
		return nil, err
	}
	c.emit(ctx, events.ChannelUpdated, id, ch, "")
	return ch, nil
}

// Delete stops any relay for id and removes the channel. The downloaded file
// stays on disk.
func (c *Channels) Delete(ctx context.Context, id int64) error {
	if err := c.relay.Stop(ctx, id); err != nil {
		return err
	}
	if err := c.store.DeleteChannel(ctx, id); err != nil {
		return fmt.Errorf("delete channel %d: %w", id, err)
	}
	c.relay.Forget(id)
	c.logger.Info("channel deleted", zap.Int64("channel_id", id))
	c.emit(ctx, events.ChannelDeleted, id, nil, "")
	return nil
}

// Import marks channel id DOWNLOADING and acquires ref in the background.
// The outcome lands in the store as READY with the new source path, or ERROR
// with the failure message.
func (c *Channels) Import(ctx context.Context, id int64, ref string) (ImportTicket, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ImportTicket{}, invalid("url", "is required")
	}
	if _, err := store.GetFresh(ctx, c.store, id); err != nil {
		return ImportTicket{}, err
	}

	filename := fmt.Sprintf("video_%d_%d.mp4", id, c.now().UnixMilli())
	c.mu.Lock()
	if _, busy := c.inflight[id]; busy {
		c.mu.Unlock()
		return ImportTicket{}, invalid("", "download already in progress")
	}
	c.inflight[id] = filename
	c.mu.Unlock()

	if err := c.store.UpdateChannel(ctx, id, store.ChannelUpdate{
		DownloadStatus:  store.Status(models.DownloadDownloading),
		LastError:       store.String(""),
		VideoSourcePath: store.String(""),
	}); err != nil {
		c.release(id)
		return ImportTicket{}, fmt.Errorf("mark downloading: %w", err)
	}
	c.logger.Info("import started", zap.Int64("channel_id", id), zap.String("file", filename))
	c.emit(ctx, events.DownloadStatus, id, nil, string(models.DownloadDownloading))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.release(id)
		c.runImport(id, ref, filename)
	}()
	return ImportTicket{Filename: filename}, nil
}

func (c *Channels) runImport(id int64, ref, filename string) {
	log := c.logger.With(zap.Int64("channel_id", id))
	path, err := c.fetcher.Acquire(c.ctx, ref, filename)

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	fields := store.ChannelUpdate{
		DownloadStatus:  store.Status(models.DownloadReady),
		VideoSourcePath: store.String(path),
	}
	status, msg := models.DownloadReady, path
	if err != nil {
		status, msg = models.DownloadError, err.Error()
		fields = store.ChannelUpdate{
			DownloadStatus: store.Status(models.DownloadError),
			LastError:      store.String(msg),
		}
		log.Warn("import failed", zap.Error(err))
	} else {
		log.Info("import complete", zap.String("path", path))
	}

	if uerr := c.store.UpdateChannel(ctx, id, fields); uerr != nil {
		if errors.Is(uerr, store.ErrNotFound) && path != "" {
			// Channel deleted mid-download; nothing references the file.
			_ = os.Remove(path)
		}
		log.Error("record import result", zap.Error(uerr))
		return
	}
	c.emit(ctx, events.DownloadStatus, id, nil, joinStatus(status, msg))
}

func (c *Channels) release(id int64) {
	c.mu.Lock()
	delete(c.inflight, id)
	c.mu.Unlock()
}

// Importing reports whether an import is in flight for id.
func (c *Channels) Importing(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[id]
	return ok
}

// Start asks the supervisor to begin relaying channel id.
func (c *Channels) Start(ctx context.Context, id int64) error {
	return c.relay.Start(ctx, id)
}

// Stop terminates the relay for channel id.
func (c *Channels) Stop(ctx context.Context, id int64) error {
	return c.relay.Stop(ctx, id)
}

// Logs returns the recent relay output for channel id.
func (c *Channels) Logs(ctx context.Context, id int64) ([]string, error) {
	if _, err := c.store.GetChannel(ctx, id); err != nil {
		return nil, err
	}
	return c.relay.RecentLog(id), nil
}

// Wait blocks until every in-flight import has finished.
func (c *Channels) Wait() {
	c.wg.Wait()
}

// Shutdown waits for in-flight imports until ctx is done, then cancels the
// rest and waits for them to record their failure.
func (c *Channels) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		<-done
		return ctx.Err()
	}
}

// emit publishes an event. The embedded channel carries only the masked
// stream key; events leave the process through Redis and websockets.
func (c *Channels) emit(ctx context.Context, typ events.Type, id int64, ch *models.Channel, msg string) {
	if ch != nil {
		masked := *ch
		masked.RTMPKey = ch.MaskedKey()
		ch = &masked
	}
	c.publisher.Publish(ctx, events.Event{
		Type:      typ,
		ChannelID: id,
		Channel:   ch,
		Message:   msg,
		At:        c.now(),
	})
}

func validateRTMPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return invalid("rtmp_url", "must be an rtmp:// or rtmps:// URL")
	}
	switch strings.ToLower(u.Scheme) {
	case "rtmp", "rtmps":
		return nil
	}
	return invalid("rtmp_url", "must be an rtmp:// or rtmps:// URL")
}

func joinStatus(status models.DownloadStatus, msg string) string {
	if msg == "" {
		return string(status)
	}
	return string(status) + ": " + msg
}

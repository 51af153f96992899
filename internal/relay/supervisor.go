package relay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voyagen/loopcaster/internal/config"
	"github.com/voyagen/loopcaster/internal/events"
	"github.com/voyagen/loopcaster/internal/models"
	"github.com/voyagen/loopcaster/internal/store"
)

var (
	// ErrAlreadyRunning is returned by Start when a relay is already supervised.
	ErrAlreadyRunning = errors.New("relay already running")
	// ErrNotReady is returned by Start when the channel has no usable source file.
	ErrNotReady = errors.New("channel not ready")
)

// ProcessFailure describes a relay that could not be spawned or exited with an error.
type ProcessFailure struct {
	ChannelID int64
	Err       error
	LastLine  string
}

func (e *ProcessFailure) Error() string {
	msg := fmt.Sprintf("relay process failed: %v", e.Err)
	if e.LastLine != "" {
		msg += ": " + e.LastLine
	}
	return msg
}

func (e *ProcessFailure) Unwrap() error { return e.Err }

// State is the supervision state of one channel.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	default:
		return "stopped"
	}
}

type eventKind int

const (
	evLine eventKind = iota
	evExit
)

// processEvent is sent by a session goroutine and applied by Run.
type processEvent struct {
	kind eventKind
	sess *session
	line string
	err  error
}

type session struct {
	channelID int64
	key       string
	state     State
	proc      Process
	lastLine  string
	lastProg  string
}

// Options configures a Supervisor.
type Options struct {
	FFmpegPath string
	Profile    config.RelayProfile
	Runner     Runner
	Publisher  events.Publisher
	Logger     *zap.Logger
	// Now is the clock used for log timestamps.
	Now func() time.Time
}

// Supervisor owns every relay process. Start and Stop may be called from any
// goroutine; asynchronous process events are applied by Run.
type Supervisor struct {
	store     store.Store
	runner    Runner
	ffmpeg    string
	profile   config.RelayProfile
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.Mutex
	sessions map[int64]*session
	logs     map[int64]*LogBuffer

	events chan processEvent
	done   chan struct{}
	once   sync.Once
}

// NewSupervisor returns a Supervisor. Run must be started for process
// events to be applied.
func NewSupervisor(st store.Store, opts Options) *Supervisor {
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Supervisor{
		store:     st,
		runner:    opts.Runner,
		ffmpeg:    opts.FFmpegPath,
		profile:   opts.Profile,
		publisher: opts.Publisher,
		logger:    opts.Logger.Named("relay"),
		now:       opts.Now,
		sessions:  make(map[int64]*session),
		logs:      make(map[int64]*LogBuffer),
		events:    make(chan processEvent, 256),
		done:      make(chan struct{}),
	}
}

// Run applies process events until ctx is done.
func (s *Supervisor) Run(ctx context.Context) {
	defer s.once.Do(func() { close(s.done) })
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			s.apply(ctx, ev)
		}
	}
}

// Start spawns a relay for channelID and returns without waiting for it to
// begin encoding.
func (s *Supervisor) Start(ctx context.Context, channelID int64) error {
	if s.Running(channelID) {
		return ErrAlreadyRunning
	}
	ch, err := store.GetFresh(ctx, s.store, channelID)
	if err != nil {
		return err
	}
	if err := checkReady(ch); err != nil {
		return err
	}
	cmd := BuildCommand(s.ffmpeg, s.profile, ch)
	log := s.logger.With(zap.Int64("channel_id", channelID), zap.String("key", ch.MaskedKey()))

	s.mu.Lock()
	if _, ok := s.sessions[channelID]; ok {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	sess := &session{channelID: channelID, key: ch.RTMPKey, state: StateStarting}
	s.sessions[channelID] = sess
	buf := NewLogBuffer()
	s.logs[channelID] = buf
	buf.Add(s.stamp("starting relay: " + cmd.Display))

	proc, err := s.runner.Start(context.WithoutCancel(ctx), cmd, func(line string) {
		s.send(processEvent{kind: evLine, sess: sess, line: line})
	})
	if err != nil {
		delete(s.sessions, channelID)
		failure := &ProcessFailure{ChannelID: channelID, Err: err}
		buf.Add(s.stamp("ERROR: " + redact(failure.Error(), ch.RTMPKey)))
		s.mu.Unlock()

		log.Error("spawn relay", zap.Error(err))
		msg := redact(failure.Error(), ch.RTMPKey)
		if uerr := s.store.UpdateChannel(ctx, channelID, store.ChannelUpdate{
			IsActive:  store.Bool(false),
			LastError: store.String(msg),
		}); uerr != nil {
			log.Error("record spawn failure", zap.Error(uerr))
		}
		s.publish(ctx, channelID, StateStopped, msg)
		return failure
	}
	sess.proc = proc
	s.mu.Unlock()

	go func() {
		err := proc.Wait()
		s.send(processEvent{kind: evExit, sess: sess, err: err})
	}()

	log.Info("relay spawned", zap.String("cmd", cmd.Display))
	s.publish(ctx, channelID, StateStarting, "")
	return nil
}

// Stop terminates the supervised relay for channelID, if any, and clears
// is_active. It is idempotent; store.ErrNotFound is returned for unknown ids.
func (s *Supervisor) Stop(ctx context.Context, channelID int64) error {
	s.mu.Lock()
	sess, ok := s.sessions[channelID]
	if ok {
		delete(s.sessions, channelID)
		if sess.proc != nil {
			if err := sess.proc.Kill(); err != nil {
				s.logger.Warn("kill relay", zap.Int64("channel_id", channelID), zap.Error(err))
			}
		}
		s.appendLocked(channelID, s.stamp("relay stopped by request"))
	}
	s.mu.Unlock()

	if err := s.store.UpdateChannel(ctx, channelID, store.ChannelUpdate{IsActive: store.Bool(false)}); err != nil {
		return err
	}
	if ok {
		s.logger.Info("relay stopped", zap.Int64("channel_id", channelID))
		s.publish(ctx, channelID, StateStopped, "stopped")
	}
	return nil
}

// StopAll stops every supervised relay.
func (s *Supervisor) StopAll(ctx context.Context) {
	for _, id := range s.Active() {
		if err := s.Stop(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("stop relay", zap.Int64("channel_id", id), zap.Error(err))
		}
	}
}

// RecentLog returns a copy of the last LogCapacity lines for channelID.
func (s *Supervisor) RecentLog(channelID int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if buf, ok := s.logs[channelID]; ok {
		return buf.Lines()
	}
	return []string{}
}

// Forget drops the log buffer for a deleted channel.
func (s *Supervisor) Forget(channelID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[channelID]; !ok {
		delete(s.logs, channelID)
	}
}

// Running reports whether a relay is supervised for channelID, whether or
// not it has begun encoding.
func (s *Supervisor) Running(channelID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[channelID]
	return ok
}

// State returns the supervision state of channelID.
func (s *Supervisor) State(channelID int64) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[channelID]; ok {
		return sess.state
	}
	return StateStopped
}

// Active returns the supervised channel ids in ascending order.
func (s *Supervisor) Active() []int64 {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Supervisor) send(ev processEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Supervisor) apply(ctx context.Context, ev processEvent) {
	switch ev.kind {
	case evLine:
		s.applyLine(ctx, ev)
	case evExit:
		s.applyExit(ctx, ev)
	}
}

func (s *Supervisor) applyLine(ctx context.Context, ev processEvent) {
	sess := ev.sess
	s.mu.Lock()
	if s.sessions[sess.channelID] != sess {
		s.mu.Unlock()
		return
	}
	line := redact(ev.line, sess.key)
	progress := isProgress(line)
	if progress {
		sess.lastProg = line
	} else {
		sess.lastLine = line
		s.appendLocked(sess.channelID, s.stamp(line))
	}
	if !progress || sess.state != StateStarting {
		s.mu.Unlock()
		return
	}

	sess.state = StateRunning
	s.appendLocked(sess.channelID, s.stamp("relay running"))
	// The store write stays under the lock so a concurrent Stop cannot be
	// overtaken by a stale is_active=true.
	err := s.store.UpdateChannel(ctx, sess.channelID, store.ChannelUpdate{
		IsActive:  store.Bool(true),
		LastError: store.String(""),
	})
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("mark relay active", zap.Int64("channel_id", sess.channelID), zap.Error(err))
	}
	s.logger.Info("relay running", zap.Int64("channel_id", sess.channelID))
	s.publish(ctx, sess.channelID, StateRunning, "")
}

func (s *Supervisor) applyExit(ctx context.Context, ev processEvent) {
	sess := ev.sess
	s.mu.Lock()
	if s.sessions[sess.channelID] != sess {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, sess.channelID)

	update := store.ChannelUpdate{IsActive: store.Bool(false)}
	var msg string
	if ev.err != nil {
		last := sess.lastLine
		if last == "" {
			last = sess.lastProg
		}
		msg = (&ProcessFailure{ChannelID: sess.channelID, Err: ev.err, LastLine: last}).Error()
		update.LastError = store.String(msg)
		s.appendLocked(sess.channelID, s.stamp("ERROR: "+msg))
	} else {
		s.appendLocked(sess.channelID, s.stamp("relay exited: input finished"))
	}
	err := s.store.UpdateChannel(ctx, sess.channelID, update)
	s.mu.Unlock()

	log := s.logger.With(zap.Int64("channel_id", sess.channelID))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Error("record relay exit", zap.Error(err))
	}
	if ev.err != nil {
		log.Warn("relay failed", zap.String("error", msg))
	} else {
		log.Info("relay exited")
	}
	s.publish(ctx, sess.channelID, StateStopped, msg)
}

func (s *Supervisor) appendLocked(channelID int64, line string) {
	buf, ok := s.logs[channelID]
	if !ok {
		buf = NewLogBuffer()
		s.logs[channelID] = buf
	}
	buf.Add(line)
}

func (s *Supervisor) stamp(msg string) string {
	return "[" + s.now().Format("15:04:05") + "] " + msg
}

func (s *Supervisor) publish(ctx context.Context, channelID int64, state State, msg string) {
	s.publisher.Publish(ctx, events.Event{
		Type:      events.StreamStatus,
		ChannelID: channelID,
		Message:   joinMsg(state.String(), msg),
		At:        s.now(),
	})
}

func joinMsg(state, msg string) string {
	if msg == "" {
		return state
	}
	return state + ": " + msg
}

func checkReady(ch *models.Channel) error {
	if ch.DownloadStatus != models.DownloadReady {
		return fmt.Errorf("%w: download status is %s", ErrNotReady, ch.DownloadStatus)
	}
	path := ch.SourcePath()
	if path == "" {
		return fmt.Errorf("%w: no video source", ErrNotReady)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: video file not found", ErrNotReady)
	}
	if !fi.Mode().IsRegular() || fi.Size() == 0 {
		return fmt.Errorf("%w: video file is empty", ErrNotReady)
	}
	return nil
}

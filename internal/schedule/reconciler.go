package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/voyagen/loopcaster/internal/logger"
	"github.com/voyagen/loopcaster/internal/relay"
	"github.com/voyagen/loopcaster/internal/store"
)

// DefaultInterval is the tick period.
const DefaultInterval = 60 * time.Second

// Relay is the subset of the supervisor the reconciler drives.
type Relay interface {
	Start(ctx context.Context, channelID int64) error
	Stop(ctx context.Context, channelID int64) error
	Running(channelID int64) bool
}

// TickResult summarises one reconciliation pass.
type TickResult struct {
	Checked int
	Started int
	Stopped int
	Failed  int
}

// Reconciler converges relay state to each channel's daily schedule.
type Reconciler struct {
	store    store.Store
	relay    Relay
	logger   *zap.Logger
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last TickResult
	at   time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithInterval overrides DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.interval = d
		}
	}
}

// New returns a Reconciler.
func New(st store.Store, rl Relay, log *zap.Logger, opts ...Option) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Reconciler{
		store:    st,
		relay:    rl,
		logger:   log.Named("schedule"),
		interval: DefaultInterval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Tick runs one reconciliation pass. Per-channel failures are logged and
// counted; they never abort the pass.
func (r *Reconciler) Tick(ctx context.Context) TickResult {
	var res TickResult
	channels, err := r.store.ListScheduledChannels(ctx)
	if err != nil {
		r.logger.Error("load scheduled channels", zap.Error(err))
		return res
	}
	minute := MinuteOfDay(r.now())

	for _, ch := range channels {
		res.Checked++
		log := r.logger.With(zap.Int64("channel_id", ch.ID))
		w, ok, err := ParseWindow(deref(ch.ScheduleStart), deref(ch.ScheduleStop))
		if err != nil || !ok {
			log.Warn("skip channel with invalid schedule", zap.Error(err))
			res.Failed++
			continue
		}
		shouldRun := w.Contains(minute)
		active := ch.IsActive || r.relay.Running(ch.ID)

		switch {
		case shouldRun && !active:
			err := r.relay.Start(ctx, ch.ID)
			switch {
			case err == nil:
				res.Started++
				log.Info("scheduled start", zap.Stringer("window", w))
			case errors.Is(err, relay.ErrAlreadyRunning):
				log.Debug("relay already starting")
			default:
				res.Failed++
				log.Error("scheduled start failed", zap.Error(err))
			}
		case !shouldRun && active:
			if err := r.relay.Stop(ctx, ch.ID); err != nil {
				res.Failed++
				log.Error("scheduled stop failed", zap.Error(err))
				continue
			}
			res.Stopped++
			log.Info("scheduled stop", zap.Stringer("window", w))
		}
	}

	r.mu.Lock()
	r.last, r.at = res, r.now()
	r.mu.Unlock()
	return res
}

// Last returns the most recent tick result and when it completed.
func (r *Reconciler) Last() (TickResult, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.at
}

// Run ticks once immediately and then on every interval until ctx is done.
// A tick still running when the next one is due causes that one to be skipped.
func (r *Reconciler) Run(ctx context.Context) error {
	r.tick(ctx)

	cl := logger.CronLogger(r.logger)
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", r.interval), func() { r.tick(ctx) }); err != nil {
		return fmt.Errorf("schedule tick: %w", err)
	}
	c.Start()
	r.logger.Info("reconciler started", zap.Duration("interval", r.interval))

	<-ctx.Done()
	<-c.Stop().Done()
	r.logger.Info("reconciler stopped")
	return nil
}

func (r *Reconciler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	tctx, cancel := context.WithTimeout(ctx, r.interval)
	defer cancel()
	res := r.Tick(tctx)
	if res.Started+res.Stopped+res.Failed > 0 {
		r.logger.Info("tick",
			zap.Int("checked", res.Checked),
			zap.Int("started", res.Started),
			zap.Int("stopped", res.Stopped),
			zap.Int("failed", res.Failed))
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

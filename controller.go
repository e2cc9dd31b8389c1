package ytloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// BroadcastService is the narrow contract the controller consumes from the
// platform API client.
type BroadcastService interface {
	Authenticate(ctx context.Context) error
	CreateBroadcast(ctx context.Context, title string, scheduledStart time.Time) (string, error)
	BindStream(ctx context.Context, broadcastID string) (string, error)
	Transition(ctx context.Context, broadcastID string, state LifecycleState) error
	StreamHealth(ctx context.Context, broadcastID string) (StreamHealth, error)
	EnsurePlaylist(ctx context.Context, title string) (string, error)
	AddToPlaylist(ctx context.Context, playlistID, broadcastID string) error
	CleanupStale(ctx context.Context) error
}

// OutputService is the narrow contract the controller consumes from the
// broadcaster control client.
type OutputService interface {
	SetStreamSettings(server, key string) error
	StartOutput() error
	StopOutput() error
	OutputHealth() (bool, error)
	WaitForOutputActive(ctx context.Context, timeout time.Duration) error
	ReloadSource(name string) error
	SetSourceVisible(source string, visible bool) error
}

// StopConditions bound the run as a whole; zero values mean unbounded.
type StopConditions struct {
	MaxCycles  int
	MaxRunTime time.Duration
	Expiration time.Time
}

// Controller owns the repeating create -> start -> monitor -> stop -> end ->
// file cycle. It runs one cycle at a time and owns the Session record
// exclusively; no two sessions are ever live at once.
type Controller struct {
	broadcast BroadcastService
	output    OutputService

	schedule ScheduleConfig
	stop     StopConditions

	titleTemplate       string
	playlistTitleLayout string
	rtmpURL             string
	cleanupStale        bool
	loopSource          string

	retry   RetryPolicy
	clock   Clock
	log     *slog.Logger
	metrics *Metrics

	completedCycles int
	current         *Session
}

type ControllerOption func(*Controller) error

func WithClock(clock Clock) ControllerOption {
	return func(c *Controller) error {
		if clock == nil {
			return errors.New("clock cannot be nil")
		}
		c.clock = clock
		return nil
	}
}

func WithLogger(log *slog.Logger) ControllerOption {
	return func(c *Controller) error {
		if log == nil {
			return errors.New("logger cannot be nil")
		}
		c.log = log
		return nil
	}
}

func WithMetrics(m *Metrics) ControllerOption {
	return func(c *Controller) error {
		if m == nil {
			return errors.New("metrics cannot be nil")
		}
		c.metrics = m
		return nil
	}
}

func WithRetryPolicy(p RetryPolicy) ControllerOption {
	return func(c *Controller) error {
		c.retry = p
		return nil
	}
}

func NewController(broadcast BroadcastService, output OutputService, cfg *Config, options ...ControllerOption) (*Controller, error) {
	c := &Controller{
		broadcast:           broadcast,
		output:              output,
		schedule:            cfg.Schedule,
		titleTemplate:       cfg.YouTube.Broadcast.TitleTemplate,
		playlistTitleLayout: cfg.YouTube.Playlist.TitleLayout,
		rtmpURL:             cfg.YouTube.RTMPURL,
		cleanupStale:        cfg.YouTube.CleanupStale,
		loopSource:          cfg.OBS.LoopSource,
		clock:               realClock{},
		log:                 slog.Default(),
		metrics:             NewMetrics(),
		stop: StopConditions{
			MaxCycles:  cfg.Loop.MaxCycles,
			MaxRunTime: cfg.Loop.MaxRunTime,
			Expiration: cfg.ExpirationTime(),
		},
	}
	c.retry = RetryPolicy{
		MaxAttempts:     uint64(max(cfg.Schedule.RetryAttempts, 1)),
		InitialInterval: cfg.Schedule.RetryInitialBackoff,
		MaxInterval:     cfg.Schedule.RetryMaxBackoff,
		Retryable:       IsRetryable,
	}

	var errs error
	for _, option := range options {
		if err := option(c); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	if errs != nil {
		return nil, errs
	}

	onRetry := c.retry.OnRetry
	c.retry.OnRetry = func(op string, attempt int, err error) {
		c.metrics.RetryAttempts.Inc()
		c.log.Warn("call failed, will retry", "op", op, "attempt", attempt, "error", err)
		if onRetry != nil {
			onRetry(op, attempt, err)
		}
	}
	return c, nil
}

// Run authenticates once and then loops broadcast cycles until ctx is
// cancelled or a stop condition is reached. A single cycle's failure never
// terminates the run; only startup authentication errors are returned.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.broadcast.Authenticate(ctx); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	c.log.Info("authenticated, starting broadcast cycles")

	runStart := c.clock.Now()
	for {
		if ctx.Err() != nil {
			return nil
		}
		if reason := c.stopReason(runStart); reason != "" {
			c.log.Info("stop condition reached", "reason", reason, "cycles", c.completedCycles)
			return nil
		}

		sess, err := c.startCycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.abandon(sess)
				return nil
			}
			c.log.Error("cycle failed to start, cooling down",
				"error", err, "cooldown", c.schedule.CycleCooldown)
			if serr := c.clock.Sleep(ctx, c.schedule.CycleCooldown); serr != nil {
				return nil
			}
			continue
		}

		c.monitor(ctx, sess)
		endCtx, cancelEnd := c.endContext(ctx)
		c.endCycle(endCtx, sess)
		cancelEnd()

		if ctx.Err() != nil {
			return nil
		}
		c.completedCycles++
		if err := c.clock.Sleep(ctx, c.schedule.CyclePause); err != nil {
			return nil
		}
	}
}

// endContext returns ctx while it is alive, or a short fresh context when it
// has been cancelled, so interruption still gets a best-effort attempt to
// stop the output and end the live broadcast.
func (c *Controller) endContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func (c *Controller) stopReason(runStart time.Time) string {
	if c.stop.MaxCycles > 0 && c.completedCycles >= c.stop.MaxCycles {
		return fmt.Sprintf("completed %d cycles", c.completedCycles)
	}
	now := c.clock.Now()
	if c.stop.MaxRunTime > 0 && now.Sub(runStart) >= c.stop.MaxRunTime {
		return fmt.Sprintf("total run time reached %s", c.stop.MaxRunTime)
	}
	if !c.stop.Expiration.IsZero() && !now.Before(c.stop.Expiration) {
		return fmt.Sprintf("expiration %s reached", c.stop.Expiration.Format(time.RFC3339))
	}
	return ""
}

// startCycle opens a new broadcast window and brings the broadcaster output
// up against it. The session reaches the live state only once the output is
// confirmed active; any failure leaves it failed and the cycle is abandoned.
func (c *Controller) startCycle(ctx context.Context) (*Session, error) {
	if c.current != nil && c.current.State() == StateLive {
		return nil, ErrSessionLive
	}

	sess := newSession(c.clock.Now(), c.schedule.SessionDuration, c.titleTemplate, c.completedCycles+1)
	c.current = sess
	c.metrics.CyclesStarted.Inc()
	log := c.log.With("session", sess.Title, "phase", "start")
	log.Info("starting cycle", "planned_end", sess.PlannedEnd)

	if c.cleanupStale {
		if err := c.retry.Do(ctx, "CleanupStale", func() error {
			return c.broadcast.CleanupStale(ctx)
		}); err != nil {
			// Stale leftovers are cosmetic, the new window matters more.
			log.Warn("cleanup of stale broadcasts failed", "error", err)
		}
	}

	err := c.retry.Do(ctx, "CreateBroadcast", func() error {
		id, err := c.broadcast.CreateBroadcast(ctx, sess.Title, sess.StartedAt)
		if err != nil {
			return err
		}
		sess.assignBroadcast(id)
		return nil
	})
	if err != nil {
		return c.failCycle(sess, log, fmt.Errorf("create broadcast: %w", err))
	}

	err = c.retry.Do(ctx, "BindStream", func() error {
		key, err := c.broadcast.BindStream(ctx, sess.BroadcastID)
		if err != nil {
			return err
		}
		sess.StreamKey = key
		return nil
	})
	if err != nil {
		return c.failCycle(sess, log, fmt.Errorf("bind stream: %w", err))
	}

	err = c.retry.Do(ctx, "SetStreamSettings", func() error {
		return c.output.SetStreamSettings(c.rtmpURL, sess.StreamKey)
	})
	if err != nil {
		return c.failCycle(sess, log, fmt.Errorf("set stream settings: %w", err))
	}

	if c.loopSource != "" {
		if err := c.output.SetSourceVisible(c.loopSource, true); err != nil {
			log.Warn("could not ensure loop source visibility", "source", c.loopSource, "error", err)
		}
	}

	err = c.retry.Do(ctx, "StartOutput", func() error {
		return c.output.StartOutput()
	})
	if err != nil {
		return c.failCycle(sess, log, fmt.Errorf("start output: %w", err))
	}

	if err := c.output.WaitForOutputActive(ctx, c.schedule.OutputStartTimeout); err != nil {
		return c.failCycle(sess, log, fmt.Errorf("wait for output: %w", err))
	}

	sess.markLive()
	c.metrics.LiveSessions.Set(1)
	log.Info("session is live", "broadcast", sess.BroadcastID)
	return sess, nil
}

func (c *Controller) failCycle(sess *Session, log *slog.Logger, err error) (*Session, error) {
	sess.fail()
	c.metrics.CyclesFailed.Inc()
	log.Error("cycle failed", "error", err)
	return sess, err
}

// abandon handles interruption between creation and live: there is nothing
// to monitor, but a started output or created broadcast should not be left
// dangling.
func (c *Controller) abandon(sess *Session) {
	if sess == nil || sess.BroadcastID == "" {
		return
	}
	if err := c.output.StopOutput(); err != nil {
		c.log.Debug("could not stop output for abandoned cycle", "error", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.broadcast.Transition(ctx, sess.BroadcastID, LifecycleComplete); err != nil {
		c.log.Warn("could not end abandoned broadcast", "broadcast", sess.BroadcastID, "error", err)
	}
}

// monitor waits out the session in poll-interval steps. A stalled platform
// stream or inactive broadcaster output before the planned end is an
// early-termination signal: the session is abandoned and a fresh one started
// rather than attempting in-place reconnection. On a separate interval the
// configured sources are reloaded.
func (c *Controller) monitor(ctx context.Context, sess *Session) {
	log := c.log.With("session", sess.Title, "phase", "monitor")
	lastReload := c.clock.Now()

	for {
		now := c.clock.Now()
		if !now.Before(sess.PlannedEnd) {
			log.Info("planned end reached")
			return
		}

		wait := c.schedule.PollInterval
		if remaining := sess.PlannedEnd.Sub(now); remaining < wait {
			wait = remaining
		}
		if err := c.clock.Sleep(ctx, wait); err != nil {
			log.Info("monitoring interrupted")
			return
		}
		if !c.clock.Now().Before(sess.PlannedEnd) {
			log.Info("planned end reached")
			return
		}

		if c.healthFailed(ctx, sess, log) {
			c.metrics.EarlyTerminations.Inc()
			log.Warn("stream is not live, ending session early",
				"planned_end", sess.PlannedEnd, "now", c.clock.Now())
			return
		}

		if c.schedule.EnableSourceReload &&
			c.clock.Now().Sub(lastReload) >= c.schedule.SourceReloadInterval {
			for _, name := range c.schedule.SourceNames {
				if err := c.output.ReloadSource(name); err != nil {
					log.Warn("source reload failed", "source", name, "error", err)
					continue
				}
				c.metrics.SourceReloads.Inc()
			}
			lastReload = c.clock.Now()
		}
	}
}

// healthFailed is true only on a positive signal that the stream is down. A
// failed health query alone must not kill a good session.
func (c *Controller) healthFailed(ctx context.Context, sess *Session, log *slog.Logger) bool {
	active, err := c.output.OutputHealth()
	if err != nil {
		log.Warn("could not query output health", "error", err)
	} else if !active {
		log.Warn("broadcaster output is inactive")
		return true
	}

	health, err := c.broadcast.StreamHealth(ctx, sess.BroadcastID)
	if err != nil {
		log.Warn("could not query stream health", "error", err)
		return false
	}
	if health == HealthStalled {
		log.Warn("platform reports stream stalled")
		return true
	}
	return false
}

// endCycle stops the output, transitions the broadcast to its terminal state
// and files it into the monthly playlist. The session is considered ended
// even when filing fails; losing the video would be worse than mis-filing
// it. Calling endCycle on an already-ended session is a no-op.
func (c *Controller) endCycle(ctx context.Context, sess *Session) {
	if sess.State() == StateEnded {
		return
	}
	sess.beginEnding()
	log := c.log.With("session", sess.Title, "phase", "end")

	if err := c.retry.Do(ctx, "StopOutput", func() error {
		return c.output.StopOutput()
	}); err != nil {
		log.Error("could not stop broadcaster output", "error", err)
	}

	if err := c.retry.Do(ctx, "Transition", func() error {
		return c.broadcast.Transition(ctx, sess.BroadcastID, LifecycleComplete)
	}); err != nil {
		log.Error("could not end broadcast", "broadcast", sess.BroadcastID, "error", err)
	}

	sess.markEnded(c.clock.Now())
	c.metrics.LiveSessions.Set(0)

	c.filePlaylist(ctx, sess, log)

	c.metrics.CyclesCompleted.Inc()
	log.Info("session ended", "broadcast", sess.BroadcastID, "ended_at", sess.EndedAt)
}

func (c *Controller) filePlaylist(ctx context.Context, sess *Session, log *slog.Logger) {
	if sess.BroadcastID == "" {
		return
	}
	key := sess.PlaylistKey(c.playlistTitleLayout)

	var playlistID string
	err := c.retry.Do(ctx, "EnsurePlaylist", func() error {
		id, err := c.broadcast.EnsurePlaylist(ctx, key)
		if err != nil {
			return err
		}
		playlistID = id
		return nil
	})
	if err == nil {
		err = c.retry.Do(ctx, "AddToPlaylist", func() error {
			return c.broadcast.AddToPlaylist(ctx, playlistID, sess.BroadcastID)
		})
	}
	if err != nil {
		log.Error("could not file session into playlist", "playlist", key, "error", err)
		return
	}
	log.Info("filed session into playlist", "playlist", key)
}

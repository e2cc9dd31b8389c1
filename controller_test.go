package ytloop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// fakeClock advances instantly on Sleep so scenarios covering hours run in
// microseconds. It can cancel a context after a given number of sleeps to
// simulate interruption mid-monitor.
type fakeClock struct {
	now         time.Time
	sleeps      int
	cancelAfter int
	cancel      context.CancelFunc
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.sleeps++
	if c.cancelAfter > 0 && c.sleeps == c.cancelAfter && c.cancel != nil {
		c.cancel()
		return ctx.Err()
	}
	c.now = c.now.Add(d)
	return nil
}

type transitionRecord struct {
	id    string
	state LifecycleState
	at    time.Time
}

type fakeBroadcast struct {
	t     *testing.T
	clock *fakeClock
	out   *fakeOutput

	failCreates int
	createCalls int
	authCalls   int
	nextID      int

	created     []string
	completed   map[string]bool
	transitions []transitionRecord
	health      func(now time.Time) StreamHealth
	playlists   map[string]string
	added       [][2]string
}

func newFakeBroadcast(t *testing.T, clock *fakeClock, out *fakeOutput) *fakeBroadcast {
	return &fakeBroadcast{
		t:         t,
		clock:     clock,
		out:       out,
		completed: make(map[string]bool),
		playlists: make(map[string]string),
	}
}

func (f *fakeBroadcast) Authenticate(context.Context) error {
	f.authCalls++
	return nil
}

func (f *fakeBroadcast) CreateBroadcast(_ context.Context, title string, _ time.Time) (string, error) {
	f.createCalls++
	if f.out != nil && f.out.active {
		f.t.Errorf("CreateBroadcast(%q) while output is still active", title)
	}
	for _, id := range f.created {
		if !f.completed[id] {
			f.t.Errorf("CreateBroadcast(%q) while broadcast %s is still open", title, id)
		}
	}
	if f.createCalls <= f.failCreates {
		return "", errors.New("backend hiccup")
	}
	f.nextID++
	id := fmt.Sprintf("bcast-%d", f.nextID)
	f.created = append(f.created, id)
	return id, nil
}

func (f *fakeBroadcast) BindStream(_ context.Context, broadcastID string) (string, error) {
	return "key-" + broadcastID, nil
}

func (f *fakeBroadcast) Transition(_ context.Context, broadcastID string, state LifecycleState) error {
	f.transitions = append(f.transitions, transitionRecord{id: broadcastID, state: state, at: f.clock.now})
	if state == LifecycleComplete {
		f.completed[broadcastID] = true
	}
	return nil
}

func (f *fakeBroadcast) StreamHealth(_ context.Context, _ string) (StreamHealth, error) {
	if f.health != nil {
		return f.health(f.clock.now), nil
	}
	return HealthLive, nil
}

func (f *fakeBroadcast) EnsurePlaylist(_ context.Context, title string) (string, error) {
	id, ok := f.playlists[title]
	if !ok {
		id = "pl-" + title
		f.playlists[title] = id
	}
	return id, nil
}

func (f *fakeBroadcast) AddToPlaylist(_ context.Context, playlistID, broadcastID string) error {
	f.added = append(f.added, [2]string{playlistID, broadcastID})
	return nil
}

func (f *fakeBroadcast) CleanupStale(context.Context) error { return nil }

func (f *fakeBroadcast) completions() []transitionRecord {
	var out []transitionRecord
	for _, tr := range f.transitions {
		if tr.state == LifecycleComplete {
			out = append(out, tr)
		}
	}
	return out
}

type fakeOutput struct {
	active     bool
	startCalls int
	stopCalls  int
	reloads    []string
	visible    map[string]bool
}

func (f *fakeOutput) SetStreamSettings(string, string) error { return nil }

func (f *fakeOutput) StartOutput() error {
	f.startCalls++
	f.active = true
	return nil
}

func (f *fakeOutput) StopOutput() error {
	f.stopCalls++
	f.active = false
	return nil
}

func (f *fakeOutput) OutputHealth() (bool, error) { return f.active, nil }

func (f *fakeOutput) WaitForOutputActive(context.Context, time.Duration) error {
	if !f.active {
		return ErrOutputNotActive
	}
	return nil
}

func (f *fakeOutput) ReloadSource(name string) error {
	f.reloads = append(f.reloads, name)
	return nil
}

func (f *fakeOutput) SetSourceVisible(source string, visible bool) error {
	if f.visible == nil {
		f.visible = make(map[string]bool)
	}
	f.visible[source] = visible
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *Config {
	cfg := &Config{}
	cfg.YouTube.RTMPURL = "rtmp://a.rtmp.youtube.com/live2"
	cfg.YouTube.Broadcast.TitleTemplate = "24/7 Loop {date} {time} #{count}"
	cfg.YouTube.Playlist.TitleLayout = "Live Archive 2006-01"
	cfg.Schedule = ScheduleConfig{
		SessionDuration:      time.Hour,
		PollInterval:         5 * time.Minute,
		SourceReloadInterval: 5 * time.Minute,
		OutputStartTimeout:   time.Minute,
		CycleCooldown:        time.Minute,
		RetryAttempts:        4,
		RetryInitialBackoff:  time.Nanosecond,
		RetryMaxBackoff:      time.Nanosecond,
	}
	return cfg
}

func newTestController(t *testing.T, cfg *Config, clock *fakeClock, fb *fakeBroadcast, out *fakeOutput, extra ...ControllerOption) *Controller {
	t.Helper()
	options := append([]ControllerOption{
		WithClock(clock),
		WithLogger(discardLogger()),
		WithRetryPolicy(fastPolicy(uint64(cfg.Schedule.RetryAttempts))),
	}, extra...)
	ctrl, err := NewController(fb, out, cfg, options...)
	require.NoError(t, err)
	return ctrl
}

func TestRunRotatesOnSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.Loop.MaxCycles = 2

	clock := &fakeClock{now: testStart}
	out := &fakeOutput{}
	fb := newFakeBroadcast(t, clock, out)
	ctrl := newTestController(t, cfg, clock, fb, out)

	require.NoError(t, ctrl.Run(context.Background()))

	assert.Equal(t, 1, fb.authCalls)
	require.Len(t, fb.created, 2)

	// Health stays live, so each window ends at exactly start + duration and
	// the next one begins immediately.
	completions := fb.completions()
	require.Len(t, completions, 2)
	assert.Equal(t, testStart.Add(time.Hour), completions[0].at)
	assert.Equal(t, testStart.Add(2*time.Hour), completions[1].at)

	// Both windows are filed into the same monthly playlist.
	require.Len(t, fb.added, 2)
	assert.Contains(t, fb.playlists, "Live Archive 2026-03")
	assert.Equal(t, "pl-Live Archive 2026-03", fb.added[0][0])
	assert.False(t, out.active)
}

func TestRunEndsStalledSessionEarly(t *testing.T) {
	cfg := testConfig()
	cfg.Loop.MaxCycles = 1

	clock := &fakeClock{now: testStart}
	out := &fakeOutput{}
	fb := newFakeBroadcast(t, clock, out)
	stallAt := testStart.Add(10 * time.Minute)
	fb.health = func(now time.Time) StreamHealth {
		if !now.Before(stallAt) {
			return HealthStalled
		}
		return HealthLive
	}
	metrics := NewMetrics()
	ctrl := newTestController(t, cfg, clock, fb, out, WithMetrics(metrics))

	require.NoError(t, ctrl.Run(context.Background()))

	completions := fb.completions()
	require.Len(t, completions, 1)
	// Ended within one poll interval of the stall and well before the
	// planned one-hour mark.
	assert.True(t, completions[0].at.Before(testStart.Add(time.Hour)),
		"ended at %s, should be before planned end", completions[0].at)
	assert.False(t, completions[0].at.After(stallAt.Add(cfg.Schedule.PollInterval)),
		"ended at %s, more than one poll interval after the stall", completions[0].at)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.EarlyTerminations))
}

func TestRunGoesLiveOnlyAfterCreateSucceeds(t *testing.T) {
	cfg := testConfig()
	cfg.Loop.MaxCycles = 1

	clock := &fakeClock{now: testStart}
	out := &fakeOutput{}
	fb := newFakeBroadcast(t, clock, out)
	fb.failCreates = 3
	ctrl := newTestController(t, cfg, clock, fb, out)

	require.NoError(t, ctrl.Run(context.Background()))

	// Three failing attempts, then success within the same cycle. The fake
	// asserts no live output existed during the failing attempts.
	assert.Equal(t, 4, fb.createCalls)
	require.Len(t, fb.created, 1)
	assert.Equal(t, 1, out.startCalls)
	require.Len(t, fb.completions(), 1)
}

func TestRunAbandonsFailedCycleAndStartsFresh(t *testing.T) {
	cfg := testConfig()
	cfg.Loop.MaxCycles = 1

	clock := &fakeClock{now: testStart}
	out := &fakeOutput{}
	fb := newFakeBroadcast(t, clock, out)
	// Exhaust the whole attempt budget of the first cycle.
	fb.failCreates = cfg.Schedule.RetryAttempts
	metrics := NewMetrics()
	ctrl := newTestController(t, cfg, clock, fb, out, WithMetrics(metrics))

	require.NoError(t, ctrl.Run(context.Background()))

	assert.Equal(t, cfg.Schedule.RetryAttempts+1, fb.createCalls)
	require.Len(t, fb.created, 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.CyclesFailed))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.CyclesCompleted))
}

func TestEndCycleIsIdempotent(t *testing.T) {
	cfg := testConfig()
	clock := &fakeClock{now: testStart}
	out := &fakeOutput{}
	fb := newFakeBroadcast(t, clock, out)
	ctrl := newTestController(t, cfg, clock, fb, out)

	sess := newSession(clock.now, time.Hour, cfg.YouTube.Broadcast.TitleTemplate, 1)
	sess.assignBroadcast("bcast-1")
	sess.markLive()

	ctrl.endCycle(context.Background(), sess)
	assert.Equal(t, StateEnded, sess.State())
	stops, transitions, added := out.stopCalls, len(fb.transitions), len(fb.added)

	ctrl.endCycle(context.Background(), sess)
	assert.Equal(t, stops, out.stopCalls)
	assert.Equal(t, transitions, len(fb.transitions))
	assert.Equal(t, added, len(fb.added))
}

func TestRunEndsLiveSessionOnInterrupt(t *testing.T) {
	cfg := testConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := &fakeClock{now: testStart, cancelAfter: 3, cancel: cancel}
	out := &fakeOutput{}
	fb := newFakeBroadcast(t, clock, out)
	ctrl := newTestController(t, cfg, clock, fb, out)

	require.NoError(t, ctrl.Run(ctx))

	// Best-effort shutdown: output stopped and the broadcast ended even
	// though the run context was already cancelled.
	assert.Equal(t, 1, out.stopCalls)
	assert.False(t, out.active)
	completions := fb.completions()
	require.Len(t, completions, 1)
	assert.Equal(t, fb.created[0], completions[0].id)
}

func TestRunStopsAtExpiration(t *testing.T) {
	cfg := testConfig()
	clock := &fakeClock{now: testStart}
	out := &fakeOutput{}
	fb := newFakeBroadcast(t, clock, out)
	ctrl := newTestController(t, cfg, clock, fb, out)
	ctrl.stop.Expiration = testStart.Add(30 * time.Minute)

	require.NoError(t, ctrl.Run(context.Background()))

	// The running session finishes its hour; no new one starts past the
	// expiration.
	assert.Equal(t, 1, fb.createCalls)
	require.Len(t, fb.completions(), 1)
}

func TestMonitorReloadsSourcesOnInterval(t *testing.T) {
	cfg := testConfig()
	cfg.Loop.MaxCycles = 1
	cfg.Schedule.SessionDuration = 30 * time.Minute
	cfg.Schedule.EnableSourceReload = true
	cfg.Schedule.SourceReloadInterval = 10 * time.Minute
	cfg.Schedule.SourceNames = []string{"loop-video"}

	clock := &fakeClock{now: testStart}
	out := &fakeOutput{}
	fb := newFakeBroadcast(t, clock, out)
	ctrl := newTestController(t, cfg, clock, fb, out)

	require.NoError(t, ctrl.Run(context.Background()))

	// Polls at 5m steps over 30 minutes, reloads at the 10m and 20m marks.
	assert.Equal(t, []string{"loop-video", "loop-video"}, out.reloads)
}

func TestStartCycleForcesLoopSourceVisible(t *testing.T) {
	cfg := testConfig()
	cfg.Loop.MaxCycles = 1
	cfg.OBS.LoopSource = "loop-video"

	clock := &fakeClock{now: testStart}
	out := &fakeOutput{}
	fb := newFakeBroadcast(t, clock, out)
	ctrl := newTestController(t, cfg, clock, fb, out)

	require.NoError(t, ctrl.Run(context.Background()))
	assert.True(t, out.visible["loop-video"])
}

package stream

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeEngine struct {
	mu         sync.Mutex
	cfg        EngineConfig
	sources    []string
	startLoads int
	recovers   int
	plays      int
	destroyed  bool
}

func (e *fakeEngine) LoadSource(url string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sources = append(e.sources, e.cfg.Rewrite(url))
}

func (e *fakeEngine) StartLoad() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startLoads++
}

func (e *fakeEngine) RecoverMediaError() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recovers++
}

func (e *fakeEngine) Play() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.plays++
}

func (e *fakeEngine) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.destroyed = true
}

func (e *fakeEngine) emit(ev Event) { e.cfg.Events(ev) }

func (e *fakeEngine) snapshot() fakeEngine {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fakeEngine{
		sources:    append([]string(nil), e.sources...),
		startLoads: e.startLoads,
		recovers:   e.recovers,
		plays:      e.plays,
		destroyed:  e.destroyed,
	}
}

type fakeFactory struct {
	mu       sync.Mutex
	engines  []*fakeEngine
	overlaps int
}

func (f *fakeFactory) New(cfg EngineConfig) Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.engines {
		if !e.snapshot().destroyed {
			f.overlaps++
		}
	}
	e := &fakeEngine{cfg: cfg}
	f.engines = append(f.engines, e)
	return e
}

func (f *fakeFactory) engine(t *testing.T, i int) *fakeEngine {
	t.Helper()
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.engines) > i
	}, waitFor, tick)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.engines[i]
}

func newTestController(t *testing.T) (*Controller, *fakeFactory, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	factory := &fakeFactory{}
	c := NewController(Options{
		Factory: factory.New,
		Clock:   mock,
		Rewrite: func(u string) string { return "http://relay.local/proxy?url=" + u },
	})
	t.Cleanup(c.Stop)
	return c, factory, mock
}

func waitState(t *testing.T, c *Controller, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Session().State == want }, waitFor, tick,
		"want %s, have %s", want, c.Session().State)
}

func TestControllerPlays(t *testing.T) {
	c, factory, _ := newTestController(t)

	require.NoError(t, c.Start("http://cdn.example/live.m3u8"))
	eng := factory.engine(t, 0)
	waitState(t, c, Loading)
	assert.Equal(t, []string{"http://relay.local/proxy?url=http://cdn.example/live.m3u8"}, eng.snapshot().sources)
	assert.Equal(t, "loading", c.Status().Status)

	eng.emit(ManifestParsed{Levels: 2})
	waitState(t, c, Playing)
	assert.Equal(t, 1, eng.snapshot().plays)
}

func TestControllerRetriesThenFails(t *testing.T) {
	c, factory, mock := newTestController(t)

	require.NoError(t, c.Start("http://cdn.example/live.m3u8"))
	eng := factory.engine(t, 0)
	eng.emit(ManifestParsed{Levels: 1})
	waitState(t, c, Playing)

	for attempt := 1; attempt <= DefaultPolicy.MaxRetries; attempt++ {
		eng.emit(fatalNetwork)
		require.Eventually(t, func() bool { return c.Session().Retries == attempt }, waitFor, tick)
		assert.Equal(t, "recovering", c.Status().Status)

		mock.Add(DefaultPolicy.Delay(attempt) - time.Millisecond)
		assert.Equal(t, attempt-1, eng.snapshot().startLoads, "reload %d fired early", attempt)

		mock.Add(time.Millisecond)
		require.Eventually(t, func() bool { return eng.snapshot().startLoads == attempt }, waitFor, tick)
	}

	eng.emit(fatalNetwork)
	waitState(t, c, Failed)

	status := c.Status()
	assert.Equal(t, "error", status.Status)
	assert.Equal(t, MsgNetworkExhausted, status.Message)
	assert.True(t, eng.snapshot().destroyed)
	assert.Equal(t, DefaultPolicy.MaxRetries, eng.snapshot().startLoads)
}

func TestControllerFragmentResetsRetries(t *testing.T) {
	c, factory, mock := newTestController(t)

	require.NoError(t, c.Start("http://cdn.example/live.m3u8"))
	eng := factory.engine(t, 0)
	eng.emit(ManifestParsed{})

	for attempt := 1; attempt <= 2; attempt++ {
		eng.emit(fatalNetwork)
		require.Eventually(t, func() bool { return c.Session().Retries == attempt }, waitFor, tick)
		mock.Add(DefaultPolicy.Delay(attempt))
		require.Eventually(t, func() bool { return eng.snapshot().startLoads == attempt }, waitFor, tick)
	}

	eng.emit(FragmentLoaded{URI: "seg9.ts"})
	waitState(t, c, Playing)
	assert.Equal(t, 0, c.Session().Retries)

	eng.emit(fatalNetwork)
	require.Eventually(t, func() bool { return c.Session().Retries == 1 }, waitFor, tick)
}

func TestControllerStopCancelsPendingRetry(t *testing.T) {
	c, factory, mock := newTestController(t)

	require.NoError(t, c.Start("http://cdn.example/live.m3u8"))
	eng := factory.engine(t, 0)
	eng.emit(ManifestParsed{})
	eng.emit(fatalNetwork)
	require.Eventually(t, func() bool { return c.Session().Retries == 1 }, waitFor, tick)

	c.Stop()
	assert.True(t, eng.snapshot().destroyed)
	assert.Equal(t, "idle", c.Status().Status)

	mock.Add(time.Minute)
	assert.Never(t, func() bool { return eng.snapshot().startLoads > 0 }, 100*time.Millisecond, tick)

	assert.ErrorIs(t, c.Start("http://cdn.example/other.m3u8"), ErrStopped)
}

func TestControllerSwitchDestroysFirst(t *testing.T) {
	c, factory, _ := newTestController(t)

	require.NoError(t, c.Start("http://cdn.example/one.m3u8"))
	first := factory.engine(t, 0)
	require.NoError(t, c.Start("http://cdn.example/two.m3u8"))
	second := factory.engine(t, 1)

	assert.True(t, first.snapshot().destroyed)
	assert.False(t, second.snapshot().destroyed)
	assert.Zero(t, factory.overlaps)

	// the old engine is detached, its events go nowhere
	first.emit(ManifestParsed{})
	assert.Never(t, func() bool { return c.Session().State == Playing }, 50*time.Millisecond, tick)
	assert.Equal(t, "http://cdn.example/two.m3u8", c.Session().URL)
}

func TestControllerMediaRecovery(t *testing.T) {
	c, factory, _ := newTestController(t)

	require.NoError(t, c.Start("http://cdn.example/live.m3u8"))
	eng := factory.engine(t, 0)
	eng.emit(ManifestParsed{})
	eng.emit(Error{Class: MediaError, Fatal: true, Detail: "fragParsingError"})

	waitState(t, c, Recovering)
	assert.Equal(t, 1, eng.snapshot().recovers)
	assert.Equal(t, MsgMediaRecovering, c.Status().Message)

	eng.emit(FragmentLoaded{})
	waitState(t, c, Playing)
}

func TestControllerTransientHint(t *testing.T) {
	c, factory, _ := newTestController(t)

	require.NoError(t, c.Start("http://cdn.example/live.m3u8"))
	eng := factory.engine(t, 0)
	eng.emit(ManifestParsed{})
	eng.emit(Error{Class: NetworkError, Detail: "fragLoadError"})

	require.Eventually(t, func() bool { return c.Status().Hint == MsgLoadingIssue }, waitFor, tick)
	assert.Equal(t, "playing", c.Status().Status)
	assert.Zero(t, c.Status().Retries)
}

func TestControllerOnChange(t *testing.T) {
	var mu sync.Mutex
	var seen []State

	factory := &fakeFactory{}
	c := NewController(Options{
		Factory: factory.New,
		Clock:   clock.NewMock(),
		OnChange: func(s Session) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, s.State)
		},
	})
	defer c.Stop()

	require.NoError(t, c.Start("http://cdn.example/live.m3u8"))
	eng := factory.engine(t, 0)
	eng.emit(Error{Class: OtherError, Fatal: true, Detail: "manifestParsingError"})
	waitState(t, c, Failed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{Loading, Failed}, seen)
}

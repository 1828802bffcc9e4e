package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fatalNetwork = Error{Class: NetworkError, Fatal: true, Detail: "fragLoadError"}

func step(t *testing.T, s Session, ev Event) (Session, []Command) {
	t.Helper()
	return Transition(s, ev, DefaultPolicy)
}

func playingSession(t *testing.T) Session {
	t.Helper()
	s, cmds := step(t, Session{}, Select{URL: "http://cdn.example/live.m3u8"})
	require.Equal(t, []Command{StartEngine{URL: "http://cdn.example/live.m3u8"}}, cmds)
	require.Equal(t, Loading, s.State)

	s, cmds = step(t, s, ManifestParsed{Levels: 3})
	require.Equal(t, []Command{StartPlayback{}}, cmds)
	require.Equal(t, Playing, s.State)
	return s
}

func findRetry(cmds []Command) (ScheduleRetry, bool) {
	for _, c := range cmds {
		if r, ok := c.(ScheduleRetry); ok {
			return r, true
		}
	}
	return ScheduleRetry{}, false
}

func TestSustainedNetworkFailure(t *testing.T) {
	s := playingSession(t)

	var last time.Duration
	for attempt := 1; attempt <= DefaultPolicy.MaxRetries; attempt++ {
		var cmds []Command
		s, cmds = step(t, s, fatalNetwork)
		require.Equal(t, Recovering, s.State)
		require.Equal(t, attempt, s.Retries)
		assert.Equal(t, MsgNetworkRecovering, s.Message)

		retry, ok := findRetry(cmds)
		require.True(t, ok, "attempt %d scheduled no retry", attempt)
		assert.Equal(t, attempt, retry.Attempt)
		assert.Greater(t, retry.Delay, last)
		last = retry.Delay

		s, cmds = step(t, s, RetryDue{Attempt: attempt})
		assert.Equal(t, []Command{Reload{}}, cmds)
	}
	assert.Equal(t, 5*time.Second, last)

	s, cmds := step(t, s, fatalNetwork)
	assert.Equal(t, Failed, s.State)
	assert.Equal(t, MsgNetworkExhausted, s.Message)
	assert.Contains(t, cmds, DestroyEngine{})
	_, ok := findRetry(cmds)
	assert.False(t, ok)
}

func TestFragmentResetsRetryBudget(t *testing.T) {
	s := playingSession(t)

	s, _ = step(t, s, fatalNetwork)
	s, _ = step(t, s, RetryDue{Attempt: 1})
	s, _ = step(t, s, fatalNetwork)
	require.Equal(t, 2, s.Retries)

	s, cmds := step(t, s, FragmentLoaded{URI: "seg42.ts"})
	assert.Empty(t, cmds)
	assert.Equal(t, 0, s.Retries)
	assert.Equal(t, Playing, s.State)

	// a later failure gets the whole budget again
	for attempt := 1; attempt <= DefaultPolicy.MaxRetries; attempt++ {
		s, cmds = step(t, s, fatalNetwork)
		retry, ok := findRetry(cmds)
		require.True(t, ok)
		assert.Equal(t, attempt, retry.Attempt)
	}
	s, _ = step(t, s, fatalNetwork)
	assert.Equal(t, Failed, s.State)
}

func TestStaleRetryIgnored(t *testing.T) {
	s := playingSession(t)
	s, _ = step(t, s, fatalNetwork)
	s, _ = step(t, s, FragmentLoaded{})

	_, cmds := step(t, s, RetryDue{Attempt: 1})
	assert.Empty(t, cmds)
}

func TestNonFatalErrorChangesNothing(t *testing.T) {
	s := playingSession(t)
	s.Retries = 2

	next, cmds := step(t, s, Error{Class: NetworkError, Detail: "fragLoadError"})
	assert.Equal(t, s, next)
	assert.Equal(t, []Command{Surface{Message: MsgLoadingIssue, Transient: true}}, cmds)
}

func TestMediaErrorRecoversInPlace(t *testing.T) {
	s := playingSession(t)

	s, cmds := step(t, s, Error{Class: MediaError, Fatal: true, Detail: "fragParsingError"})
	assert.Equal(t, Recovering, s.State)
	assert.Contains(t, cmds, RecoverMedia{})
	assert.NotContains(t, cmds, DestroyEngine{})

	// a second fatal media error is handled the same way
	s, cmds = step(t, s, Error{Class: MediaError, Fatal: true})
	assert.Equal(t, []Command{Surface{Message: MsgMediaRecovering}, RecoverMedia{}}, cmds)

	s, _ = step(t, s, FragmentLoaded{})
	assert.Equal(t, Playing, s.State)
	assert.Empty(t, s.Message)
}

func TestOtherFatalErrorFails(t *testing.T) {
	s := playingSession(t)

	s, cmds := step(t, s, Error{Class: OtherError, Fatal: true, Detail: "manifestParsingError"})
	assert.Equal(t, Failed, s.State)
	assert.Equal(t, MsgFatal, s.Message)
	assert.Contains(t, cmds, DestroyEngine{})

	// failed sessions ignore late engine events and stay failed on teardown
	after, cmds := step(t, s, FragmentLoaded{})
	assert.Equal(t, s, after)
	assert.Empty(t, cmds)

	after, cmds = step(t, s, Teardown{})
	assert.Equal(t, Failed, after.State)
	assert.Equal(t, []Command{CancelTimer{}, DestroyEngine{}}, cmds)
}

func TestTeardownAndReselect(t *testing.T) {
	s := playingSession(t)
	s, _ = step(t, s, fatalNetwork)

	idle, cmds := step(t, s, Teardown{})
	assert.Equal(t, Session{State: Idle}, idle)
	assert.Equal(t, []Command{CancelTimer{}, DestroyEngine{}}, cmds)

	next, cmds := step(t, s, Select{URL: "http://other.example/b.m3u8"})
	assert.Equal(t, Session{State: Loading, URL: "http://other.example/b.m3u8"}, next)
	assert.Equal(t, []Command{CancelTimer{}, DestroyEngine{}, StartEngine{URL: "http://other.example/b.m3u8"}}, cmds)
}

func TestStatusStrings(t *testing.T) {
	assert.Equal(t, "idle", Idle.Status())
	assert.Equal(t, "loading", Loading.Status())
	assert.Equal(t, "playing", Playing.Status())
	assert.Equal(t, "recovering", Recovering.Status())
	assert.Equal(t, "error", Failed.Status())
}

package engine

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/grafov/m3u8"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/ratelimit"

	"ultrastream/work/client"
	"ultrastream/work/config"
	"ultrastream/work/logger"
	"ultrastream/work/metrics"
	"ultrastream/work/stream"
	"ultrastream/work/utils"
)

const (
	tsSyncByte       = 0x47
	liveEdgeSegments = 3 // how far behind the live edge a fresh session starts
)

// Error details reported with stream.Error events.
const (
	DetailManifestLoad  = "manifestLoadError"
	DetailManifestParse = "manifestParsingError"
	DetailLevelLoad     = "levelLoadError"
	DetailLevelParse    = "levelParsingError"
	DetailFragLoad      = "fragLoadError"
	DetailFragParse     = "fragParsingError"
	DetailBufferAppend  = "bufferAppendError"
)

/**
 * HLS is a server-side segmented streaming engine.
 *
 * It loads a master or media playlist, follows the highest bandwidth variant,
 * fetches segments over a bounded worker pool and writes them to the sink in
 * playlist order. Live playlists are refreshed at half the target duration.
 * Every request goes through the injected rewrite function, which in practice
 * addresses it to the relay.
 *
 * Events are delivered from a dispatcher goroutine, never from inside a
 * method call.
 */
type HLS struct {
	cfg     *config.Config
	client  *client.BrowserClient
	rewrite func(string) string
	events  func(stream.Event)
	sink    io.Writer
	clock   clock.Clock
	pool    *ants.Pool
	limiter ratelimit.Limiter
	tracker *SegmentTracker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	queue  chan stream.Event

	playCh      chan struct{}
	playOnce    sync.Once
	recoverCh   chan struct{}
	destroyOnce sync.Once

	mu         sync.Mutex
	destroyed  bool
	source     string
	loadCancel context.CancelFunc
	loadDone   chan struct{}
}

type segment struct {
	uri string
	seq uint64
}

type segmentResult struct {
	data    []byte
	corrupt bool
	err     error
}

// NewFactory returns a stream.EngineFactory producing HLS engines.
func NewFactory(cfg *config.Config, httpClient *client.BrowserClient) stream.EngineFactory {
	return func(ec stream.EngineConfig) stream.Engine {
		return New(cfg, httpClient, ec)
	}
}

// New builds an idle engine. Nothing is fetched until LoadSource.
func New(cfg *config.Config, httpClient *client.BrowserClient, ec stream.EngineConfig) *HLS {
	ctx, cancel := context.WithCancel(context.Background())

	e := &HLS{
		cfg:       cfg,
		client:    httpClient,
		rewrite:   ec.Rewrite,
		events:    ec.Events,
		sink:      ec.Sink,
		clock:     clock.New(),
		tracker:   NewSegmentTracker(),
		ctx:       ctx,
		cancel:    cancel,
		queue:     make(chan stream.Event, 32),
		playCh:    make(chan struct{}),
		recoverCh: make(chan struct{}, 1),
	}
	if e.rewrite == nil {
		e.rewrite = func(u string) string { return u }
	}
	if e.events == nil {
		e.events = func(stream.Event) {}
	}
	if e.sink == nil {
		e.sink = io.Discard
	}

	workers := cfg.SegmentWorkers
	if workers < 1 {
		workers = 1
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		logger.Warn("{engine/hls - New} Worker pool unavailable, fetching segments on plain goroutines: %v", err)
	} else {
		e.pool = pool
	}

	if cfg.RelayRateLimit > 0 {
		e.limiter = ratelimit.New(cfg.RelayRateLimit)
	}

	e.wg.Add(1)
	go e.dispatch()

	return e
}

// LoadSource starts loading the manifest at url.
func (e *HLS) LoadSource(url string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return
	}
	fresh := url != e.source
	e.source = url
	logger.Debug("{engine/hls - LoadSource} Loading %s", utils.LogURL(e.cfg, url))
	e.startLoadLocked(fresh)
}

// StartLoad restarts loading from the manifest. Segments already delivered
// are not delivered again.
func (e *HLS) StartLoad() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed || e.source == "" {
		return
	}
	logger.Debug("{engine/hls - StartLoad} Restarting load of %s", utils.LogURL(e.cfg, e.source))
	e.startLoadLocked(false)
}

// RecoverMediaError releases a load loop parked on a corrupt segment.
func (e *HLS) RecoverMediaError() {
	select {
	case e.recoverCh <- struct{}{}:
	default:
	}
}

// Play lets segment delivery begin.
func (e *HLS) Play() {
	e.playOnce.Do(func() { close(e.playCh) })
}

// Destroy cancels every request and waits for all engine goroutines.
func (e *HLS) Destroy() {
	e.destroyOnce.Do(func() {
		e.mu.Lock()
		e.destroyed = true
		e.mu.Unlock()

		e.cancel()
		e.wg.Wait()

		if e.pool != nil {
			e.pool.Release()
		}
		e.tracker.Reset()
		logger.Debug("{engine/hls - Destroy} Engine destroyed")
	})
}

// startLoadLocked replaces the running load loop. The new loop waits for the
// old one to exit so only one loop ever writes to the sink. A fresh load
// forgets what the previous source delivered.
func (e *HLS) startLoadLocked(fresh bool) {
	if e.loadCancel != nil {
		e.loadCancel()
	}
	prev := e.loadDone

	ctx, cancel := context.WithCancel(e.ctx)
	done := make(chan struct{})
	e.loadCancel = cancel
	e.loadDone = done
	source := e.source

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(done)
		defer cancel()
		if prev != nil {
			<-prev
		}
		if fresh {
			e.tracker.Reset()
		}
		e.load(ctx, source)
	}()
}

func (e *HLS) dispatch() {
	defer e.wg.Done()
	for {
		select {
		case ev := <-e.queue:
			e.events(ev)
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *HLS) emit(ev stream.Event) {
	select {
	case e.queue <- ev:
	case <-e.ctx.Done():
	}
}

func (e *HLS) fail(class stream.ErrorClass, fatal bool, detail string) {
	e.emit(stream.Error{Class: class, Fatal: fatal, Detail: detail})
}

// load runs one manifest-to-end pass.
func (e *HLS) load(ctx context.Context, source string) {
	mediaURL, media, levels, ok := e.loadManifest(ctx, source)
	if !ok {
		return
	}
	e.emit(stream.ManifestParsed{Levels: levels})

	select {
	case <-e.playCh:
	case <-ctx.Done():
		return
	}

	e.play(ctx, mediaURL, media)
}

// loadManifest resolves source to a media playlist, following the best
// variant when source is a master playlist.
func (e *HLS) loadManifest(ctx context.Context, source string) (string, *m3u8.MediaPlaylist, int, bool) {
	pl, listType, ok := e.fetchPlaylist(ctx, source, DetailManifestLoad, DetailManifestParse)
	if !ok {
		return "", nil, 0, false
	}

	if listType == m3u8.MEDIA {
		media, isMedia := pl.(*m3u8.MediaPlaylist)
		if !isMedia {
			e.fail(stream.OtherError, true, DetailManifestParse)
			return "", nil, 0, false
		}
		return source, media, 1, true
	}

	master, isMaster := pl.(*m3u8.MasterPlaylist)
	if !isMaster {
		e.fail(stream.OtherError, true, DetailManifestParse)
		return "", nil, 0, false
	}

	variant := bestVariant(master)
	if variant == nil {
		logger.Error("{engine/hls - loadManifest} No playable variant in %s", utils.LogURL(e.cfg, source))
		e.fail(stream.OtherError, true, DetailManifestParse)
		return "", nil, 0, false
	}

	mediaURL, err := resolve(source, variant.URI)
	if err != nil {
		logger.Error("{engine/hls - loadManifest} Bad variant URI %q: %v", variant.URI, err)
		e.fail(stream.OtherError, true, DetailManifestParse)
		return "", nil, 0, false
	}

	levels := 0
	for _, v := range master.Variants {
		if v != nil {
			levels++
		}
	}
	logger.Debug("{engine/hls - loadManifest} Master playlist with %d levels, using %d bps", levels, variant.Bandwidth)

	media, ok := e.fetchMedia(ctx, mediaURL)
	if !ok {
		return "", nil, 0, false
	}
	return mediaURL, media, levels, true
}

func (e *HLS) fetchMedia(ctx context.Context, mediaURL string) (*m3u8.MediaPlaylist, bool) {
	pl, listType, ok := e.fetchPlaylist(ctx, mediaURL, DetailLevelLoad, DetailLevelParse)
	if !ok {
		return nil, false
	}
	media, isMedia := pl.(*m3u8.MediaPlaylist)
	if listType != m3u8.MEDIA || !isMedia {
		logger.Error("{engine/hls - fetchMedia} Expected a media playlist at %s", utils.LogURL(e.cfg, mediaURL))
		e.fail(stream.OtherError, true, DetailLevelParse)
		return nil, false
	}
	return media, true
}

// fetchPlaylist retries load failures up to manifestMaxRetry attempts, then
// reports a fatal network error. A body that does not decode is fatal at once.
func (e *HLS) fetchPlaylist(ctx context.Context, u, loadDetail, parseDetail string) (m3u8.Playlist, m3u8.ListType, bool) {
	maxAttempts := max(e.cfg.ManifestMaxRetry, 1)

	for attempt := 1; ; attempt++ {
		f, err := e.get(ctx, u, maxManifestSize)
		if ctx.Err() != nil {
			return nil, 0, false
		}

		if err == nil {
			pl, listType, derr := decodePlaylist(f.body)
			if derr != nil {
				logger.Error("{engine/hls - fetchPlaylist} Cannot parse playlist %s: %v", utils.LogURL(e.cfg, u), derr)
				e.fail(stream.OtherError, true, parseDetail)
				return nil, 0, false
			}
			return pl, listType, true
		}

		if attempt >= maxAttempts {
			logger.Error("{engine/hls - fetchPlaylist} Giving up on %s after %d attempts: %v", utils.LogURL(e.cfg, u), attempt, err)
			e.fail(stream.NetworkError, true, loadDetail)
			return nil, 0, false
		}

		logger.Warn("{engine/hls - fetchPlaylist} Playlist attempt %d/%d failed for %s: %v", attempt, maxAttempts, utils.LogURL(e.cfg, u), err)
		e.fail(stream.NetworkError, false, loadDetail)
		if !e.sleep(ctx, e.cfg.FragRetryDelay) {
			return nil, 0, false
		}
	}
}

// play delivers segments until a VOD playlist ends or ctx is cancelled.
func (e *HLS) play(ctx context.Context, mediaURL string, media *m3u8.MediaPlaylist) {
	for {
		if !e.deliver(ctx, e.pending(mediaURL, media)) {
			return
		}

		if media.Closed {
			logger.Debug("{engine/hls - play} End of playlist %s", utils.LogURL(e.cfg, mediaURL))
			return
		}

		if !e.sleep(ctx, e.refreshInterval(media)) {
			return
		}

		next, ok := e.fetchMedia(ctx, mediaURL)
		if !ok {
			return
		}
		media = next
	}
}

// pending lists the segments of media numbered after the last delivered one.
// A live session that has delivered nothing starts a few segments behind the
// live edge. A live playlist whose numbering went backwards was restarted
// upstream and is joined at its edge again.
func (e *HLS) pending(mediaURL string, media *m3u8.MediaPlaylist) []segment {
	var all []segment
	for _, s := range media.Segments {
		if s == nil {
			continue
		}
		abs, err := resolve(mediaURL, s.URI)
		if err != nil {
			logger.Warn("{engine/hls - pending} Skipping segment with bad URI %q: %v", s.URI, err)
			continue
		}
		all = append(all, segment{uri: abs, seq: s.SeqId})
	}
	if len(all) == 0 {
		return nil
	}

	last, started := e.tracker.Last()
	if started && !media.Closed && all[len(all)-1].seq < last {
		logger.Warn("{engine/hls - pending} Media sequence fell from %d to %d, rejoining live edge of %s", last, all[len(all)-1].seq, utils.LogURL(e.cfg, mediaURL))
		e.tracker.Reset()
		started = false
	}

	if !started {
		if !media.Closed && len(all) > liveEdgeSegments {
			all = all[len(all)-liveEdgeSegments:]
		}
		return all
	}

	out := all[:0]
	for _, seg := range all {
		if !e.tracker.Seen(seg.seq) {
			out = append(out, seg)
		}
	}
	return out
}

// deliver fetches segs in windows over the worker pool and writes them to the
// sink in order. It returns false once the load loop must stop.
func (e *HLS) deliver(ctx context.Context, segs []segment) bool {
	window := 2 * max(e.cfg.SegmentWorkers, 1)
	for start := 0; start < len(segs); start += window {
		end := min(start+window, len(segs))
		if !e.deliverWindow(ctx, segs[start:end]) {
			return false
		}
	}
	return true
}

func (e *HLS) deliverWindow(ctx context.Context, segs []segment) bool {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]chan segmentResult, len(segs))
	for i, seg := range segs {
		results[i] = e.submit(wctx, seg)
	}

	for i, seg := range segs {
		var res segmentResult
		select {
		case res = <-results[i]:
		case <-ctx.Done():
			return false
		}

		switch {
		case res.err != nil:
			if ctx.Err() != nil {
				return false
			}
			e.fail(stream.NetworkError, true, DetailFragLoad)
			return false

		case res.corrupt:
			logger.Warn("{engine/hls - deliverWindow} Segment %d is not a transport stream: %s", seg.seq, utils.LogURL(e.cfg, seg.uri))
			e.tracker.Mark(seg.seq)
			e.fail(stream.MediaError, true, DetailFragParse)
			if !e.awaitRecovery(ctx) {
				return false
			}
			continue
		}

		if _, err := e.sink.Write(res.data); err != nil {
			logger.Error("{engine/hls - deliverWindow} Sink rejected segment %d: %v", seg.seq, err)
			e.fail(stream.MediaError, true, DetailBufferAppend)
			if !e.awaitRecovery(ctx) {
				return false
			}
			continue
		}

		e.tracker.Mark(seg.seq)
		logger.Debug("{engine/hls - deliverWindow} Segment %d delivered: %s", seg.seq, utils.FormatBytes(int64(len(res.data))))
		e.emit(stream.FragmentLoaded{URI: seg.uri})
	}
	return true
}

func (e *HLS) submit(ctx context.Context, seg segment) chan segmentResult {
	ch := make(chan segmentResult, 1)
	task := func() {
		defer e.wg.Done()
		ch <- e.fetchSegment(ctx, seg)
	}

	e.wg.Add(1)
	if e.pool == nil {
		go task()
		return ch
	}
	if err := e.pool.Submit(task); err != nil {
		e.wg.Done()
		ch <- segmentResult{err: err}
	}
	return ch
}

// fetchSegment retries up to fragMaxRetry attempts. Each failed attempt but
// the last is reported as a non fatal error.
func (e *HLS) fetchSegment(ctx context.Context, seg segment) segmentResult {
	maxAttempts := max(e.cfg.FragMaxRetry, 1)

	for attempt := 1; ; attempt++ {
		f, err := e.get(ctx, seg.uri, 0)
		if err == nil {
			if isTransportStream(seg.uri, f.contentType) && len(f.body) > 0 && f.body[0] != tsSyncByte {
				metrics.EngineSegments.WithLabelValues("corrupt").Inc()
				return segmentResult{corrupt: true}
			}
			metrics.EngineSegments.WithLabelValues("ok").Inc()
			return segmentResult{data: f.body}
		}

		if ctx.Err() != nil {
			return segmentResult{err: ctx.Err()}
		}

		if attempt >= maxAttempts {
			metrics.EngineSegments.WithLabelValues("failed").Inc()
			logger.Error("{engine/hls - fetchSegment} Segment %d failed after %d attempts: %v", seg.seq, attempt, err)
			return segmentResult{err: err}
		}

		metrics.EngineSegments.WithLabelValues("retry").Inc()
		logger.Warn("{engine/hls - fetchSegment} Segment %d attempt %d/%d failed: %v", seg.seq, attempt, maxAttempts, err)
		e.fail(stream.NetworkError, false, DetailFragLoad)
		if !e.sleep(ctx, e.cfg.FragRetryDelay) {
			return segmentResult{err: ctx.Err()}
		}
	}
}

func (e *HLS) awaitRecovery(ctx context.Context) bool {
	select {
	case <-e.recoverCh:
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *HLS) refreshInterval(media *m3u8.MediaPlaylist) time.Duration {
	d := time.Duration(media.TargetDuration * float64(time.Second) / 2)
	if d < e.cfg.LiveRefreshFloor {
		d = e.cfg.LiveRefreshFloor
	}
	return d
}

func (e *HLS) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := e.clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

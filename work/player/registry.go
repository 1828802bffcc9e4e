package player

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter/v2"

	"ultrastream/work/logger"
	"ultrastream/work/metrics"
)

// Registry holds players by id. Players without viewers that nobody touched
// for the idle timeout are torn down, as are the least used ones beyond the
// size cap.
type Registry struct {
	deps  Deps
	idle  time.Duration
	cache *otter.Cache[string, *Player]
	stop  context.CancelFunc
	done  chan struct{}
}

// NewRegistry builds a registry and starts its cleanup loop.
func NewRegistry(deps Deps) (*Registry, error) {
	if deps.Config == nil || deps.Factory == nil {
		return nil, errors.New("player registry needs a config and an engine factory")
	}

	idle := deps.Config.PlayerIdleTimeout
	if idle <= 0 {
		idle = 10 * time.Minute
	}

	cache, err := otter.New(&otter.Options[string, *Player]{
		MaximumSize: max(deps.Config.MaxPlayers, 1),
		OnDeletion: func(e otter.DeletionEvent[string, *Player]) {
			if e.Cause == otter.CauseReplacement {
				return
			}
			metrics.ActivePlayers.Dec()
			if e.WasEvicted() {
				logger.Info("{player/registry - OnDeletion} Player %s evicted (%v)", e.Key, e.Cause)
				go e.Value.Close()
			}
		},
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{deps: deps, idle: idle, cache: cache, stop: cancel, done: make(chan struct{})}
	go r.janitor(ctx, min(idle/2, 30*time.Second))
	return r, nil
}

// Create registers a new idle player.
func (r *Registry) Create() *Player {
	p := New(uuid.NewString(), r.deps)
	r.cache.Set(p.ID, p)
	metrics.ActivePlayers.Inc()
	logger.Debug("{player/registry - Create} Created player %s", p.ID)
	return p
}

// Get returns a player and refreshes its idle deadline.
func (r *Registry) Get(id string) (*Player, bool) {
	p, ok := r.cache.GetIfPresent(id)
	if ok {
		p.Touch()
	}
	return p, ok
}

// Remove closes and forgets a player.
func (r *Registry) Remove(id string) bool {
	p, ok := r.cache.Invalidate(id)
	if !ok {
		return false
	}
	p.Close()
	return true
}

// Len is an estimate of the number of players.
func (r *Registry) Len() int {
	return r.cache.EstimatedSize()
}

// Close stops every player.
func (r *Registry) Close() {
	r.stop()
	<-r.done

	for id, p := range r.cache.All() {
		r.cache.Invalidate(id)
		p.Close()
	}
}

// expireIdle tears down every player that is idle at now.
func (r *Registry) expireIdle(now time.Time) int {
	expired := 0
	for id, p := range r.cache.All() {
		if !p.Idle(now, r.idle) {
			continue
		}
		if _, ok := r.cache.Invalidate(id); !ok {
			continue
		}
		logger.Info("{player/registry - expireIdle} Player %s idle since %s, closing", id, p.LastSeen().Format(time.RFC3339))
		p.Close()
		expired++
	}
	return expired
}

// janitor expires idle players even when the registry sees no traffic.
func (r *Registry) janitor(ctx context.Context, every time.Duration) {
	defer close(r.done)
	ticker := time.NewTicker(max(every, 10*time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.expireIdle(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

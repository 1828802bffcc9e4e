package cache

import (
	"context"
	"time"

	"github.com/maypok86/otter/v2"

	"ultrastream/work/types"
)

// Playlist is a parsed and grouped playlist kept between requests.
type Playlist struct {
	URL         string
	Fingerprint string
	Groups      *types.GroupMapping
	Fetched     time.Time
}

// Loader produces the playlist for url on a miss.
type Loader func(ctx context.Context, url string) (*Playlist, error)

// Cache holds parsed playlists by source URL. Entries expire a fixed time
// after they were written, matching the playlist Cache-Control lifetime, so
// an upstream edit shows up no later than a browser refetch would see it.
type Cache struct {
	entries     *otter.Cache[string, *Playlist]
	loadTimeout time.Duration
}

// New builds a cache of at most size playlists living maxAge each. A load
// runs for at most loadTimeout, zero leaves it unbounded.
func New(maxAge time.Duration, size int, loadTimeout time.Duration) (*Cache, error) {
	entries, err := otter.New(&otter.Options[string, *Playlist]{
		MaximumSize:      max(size, 1),
		ExpiryCalculator: otter.ExpiryWriting[string, *Playlist](maxAge),
	})
	if err != nil {
		return nil, err
	}
	return &Cache{entries: entries, loadTimeout: loadTimeout}, nil
}

// Get returns the playlist for url, calling load on a miss. Concurrent misses
// for the same url share one load. Failed loads are not cached. The load is
// detached from ctx so the caller that triggered it can leave without
// failing the others waiting on it.
func (c *Cache) Get(ctx context.Context, url string, load Loader) (*Playlist, error) {
	return c.entries.Get(ctx, url, otter.LoaderFunc[string, *Playlist](func(ctx context.Context, url string) (*Playlist, error) {
		loadCtx := context.WithoutCancel(ctx)
		if c.loadTimeout > 0 {
			var cancel context.CancelFunc
			loadCtx, cancel = context.WithTimeout(loadCtx, c.loadTimeout)
			defer cancel()
		}
		return load(loadCtx, url)
	}))
}

// Invalidate drops url so the next Get refetches it.
func (c *Cache) Invalidate(url string) {
	c.entries.Invalidate(url)
}

// Len is an estimate of the number of cached playlists.
func (c *Cache) Len() int {
	return c.entries.EstimatedSize()
}

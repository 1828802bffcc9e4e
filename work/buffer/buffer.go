package buffer

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// ErrDestroyed is returned by writes to a destroyed buffer.
var ErrDestroyed = errors.New("ring buffer destroyed")

// RingBuffer is a circular byte buffer with one writer and any number of
// readers. Each reader keeps its own position, so a slow client never holds
// back a fast one. Old data is overwritten once the buffer wraps and readers
// that fell that far behind skip ahead to the oldest byte still held.
type RingBuffer struct {
	data      []byte
	size      int64
	writePos  atomic.Int64
	readPos   *xsync.MapOf[string, int64]
	destroyed atomic.Bool
	mu        sync.RWMutex
	notify    chan struct{} // closed and replaced on every write
}

// NewRingBuffer creates a buffer holding size bytes.
func NewRingBuffer(size int64) *RingBuffer {
	if size < 1 {
		size = 1
	}
	return &RingBuffer{
		data:    make([]byte, size),
		size:    size,
		readPos: xsync.NewMapOf[string, int64](),
		notify:  make(chan struct{}),
	}
}

// Write appends data, waking every blocked reader. Implements io.Writer.
func (rb *RingBuffer) Write(data []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.destroyed.Load() {
		return 0, ErrDestroyed
	}

	n := int64(len(data))
	if n == 0 {
		return 0, nil
	}

	writePos := rb.writePos.Load()
	chunk := data
	start := writePos
	if n > rb.size {
		// only the tail survives
		chunk = data[n-rb.size:]
		start = writePos + n - rb.size
	}

	offset := start % rb.size
	copied := int64(copy(rb.data[offset:], chunk))
	if copied < int64(len(chunk)) {
		copy(rb.data, chunk[copied:])
	}

	rb.writePos.Store(writePos + n)

	close(rb.notify)
	rb.notify = make(chan struct{})

	return len(data), nil
}

// Subscribe registers a reader starting at the oldest byte still held.
func (rb *RingBuffer) Subscribe(clientID string) int64 {
	start := rb.oldest()
	pos, _ := rb.readPos.LoadOrStore(clientID, start)
	return pos
}

// RemoveClient forgets clientID.
func (rb *RingBuffer) RemoveClient(clientID string) {
	rb.readPos.Delete(clientID)
}

// Clients is the number of registered readers.
func (rb *RingBuffer) Clients() int {
	return rb.readPos.Size()
}

// Read copies bytes for clientID into p, blocking until data is available.
// It returns io.EOF once the buffer is destroyed and ctx.Err() if ctx ends first.
func (rb *RingBuffer) Read(ctx context.Context, clientID string, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	for {
		rb.mu.RLock()
		if rb.destroyed.Load() {
			rb.mu.RUnlock()
			return 0, io.EOF
		}

		pos := rb.Subscribe(clientID)
		writePos := rb.writePos.Load()
		if oldest := writePos - rb.size; pos < oldest {
			pos = max(oldest, 0)
		}

		if pos < writePos {
			n := min(int64(len(p)), writePos-pos)
			offset := pos % rb.size
			copied := int64(copy(p[:n], rb.data[offset:]))
			if copied < n {
				copy(p[copied:n], rb.data)
			}
			rb.readPos.Store(clientID, pos+n)
			rb.mu.RUnlock()
			return int(n), nil
		}

		wait := rb.notify
		rb.mu.RUnlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// NewReader returns an io.Reader view for one client bound to ctx.
func (rb *RingBuffer) NewReader(ctx context.Context, clientID string) *Reader {
	rb.Subscribe(clientID)
	return &Reader{rb: rb, ctx: ctx, id: clientID}
}

// Reader adapts a client position to io.ReadCloser.
type Reader struct {
	rb  *RingBuffer
	ctx context.Context
	id  string
}

func (r *Reader) Read(p []byte) (int, error) {
	return r.rb.Read(r.ctx, r.id, p)
}

// Close unregisters the client.
func (r *Reader) Close() error {
	r.rb.RemoveClient(r.id)
	return nil
}

// Reset clears the content and every client position.
func (rb *RingBuffer) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.destroyed.Load() {
		return
	}

	rb.writePos.Store(0)
	rb.readPos.Clear()
}

// Destroy zeroes the data and wakes all readers, which then see io.EOF.
// Irreversible.
func (rb *RingBuffer) Destroy() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if !rb.destroyed.CompareAndSwap(false, true) {
		return
	}

	rb.readPos.Clear()
	clear(rb.data)
	rb.data = nil
	rb.writePos.Store(0)
	close(rb.notify)
}

// IsDestroyed reports whether Destroy has run.
func (rb *RingBuffer) IsDestroyed() bool {
	return rb.destroyed.Load()
}

// GetWritePosition is the total number of bytes ever written.
func (rb *RingBuffer) GetWritePosition() int64 {
	return rb.writePos.Load()
}

func (rb *RingBuffer) oldest() int64 {
	return max(rb.writePos.Load()-rb.size, 0)
}

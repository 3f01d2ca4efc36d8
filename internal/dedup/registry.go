// Package dedup coalesces concurrent identical requests onto one upstream
// send and replays completed responses for a short TTL. Identity is a
// content-addressed fingerprint of the canonical request.
package dedup

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultCapacity = 256
	defaultTTL      = 30 * time.Second

	// Subscribers joining mid-flight replay this much buffered prefix at
	// most. Past the cap the stream is live-only and the entry cannot be
	// replayed or joined late.
	maxPrefixBytes = 1 << 20

	subscriberBuffer = 256
)

// ErrPrefixDropped is returned by Subscribe when the in-flight response has
// outgrown the prefix buffer, so a late joiner could not see identical bytes.
var ErrPrefixDropped = errors.New("dedup: buffered prefix exceeded, cannot attach")

// ErrSubscriberLagged is the terminal chunk error for a subscriber that
// stopped draining its channel and was cut off mid-stream.
var ErrSubscriberLagged = errors.New("dedup: subscriber fell behind the live stream")

// Role says how the caller relates to the entry returned by Begin.
type Role int

const (
	// RoleOrigin owns the upstream send and must end the entry with exactly
	// one Finish or Fail.
	RoleOrigin Role = iota
	// RoleSubscriber attaches to an in-flight send via Subscribe.
	RoleSubscriber
	// RoleReplay reads a completed response via Replay.
	RoleReplay
)

// Chunk is one unit of relayed output: a full buffered body, or one SSE
// event. A terminal failure arrives as the last chunk with Err set.
type Chunk struct {
	Data []byte
	Err  error
}

type subscriber struct {
	ch   chan Chunk
	dead bool
}

// Entry is one fingerprint's lifecycle: in-flight with subscribers, then
// completed and replayable until TTL.
type Entry struct {
	fp Fingerprint

	mu          sync.Mutex
	status      int
	contentType string
	metaReady   chan struct{}
	metaSet     bool

	prefix   []byte
	overflow bool
	subs     []*subscriber

	done        bool
	failed      error
	body        []byte
	completedAt time.Time

	clients        int
	cancelUpstream context.CancelFunc
}

// SetMeta records the upstream status and content type. Subscribers block on
// AwaitMeta until the origin calls this, once, before the first Publish.
func (e *Entry) SetMeta(status int, contentType string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.metaSet {
		return
	}
	e.status = status
	e.contentType = contentType
	e.metaSet = true
	close(e.metaReady)
}

// AwaitMeta blocks until the origin has seen upstream headers.
func (e *Entry) AwaitMeta(ctx context.Context) (status int, contentType string, err error) {
	select {
	case <-ctx.Done():
		return 0, "", ctx.Err()
	case <-e.metaReady:
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failed != nil {
		return 0, "", e.failed
	}
	return e.status, e.contentType, nil
}

// SetCancel hands the entry the origin's upstream cancel function, invoked
// when the last attached client goes away before completion.
func (e *Entry) SetCancel(cancel context.CancelFunc) {
	e.mu.Lock()
	e.cancelUpstream = cancel
	e.mu.Unlock()
}

// Publish relays one chunk to every live subscriber and appends it to the
// replay prefix. A subscriber that cannot keep up is dropped with an error
// chunk rather than stalling the origin.
func (e *Entry) Publish(data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return
	}
	if !e.overflow {
		if len(e.prefix)+len(data) > maxPrefixBytes {
			e.overflow = true
			e.prefix = nil
		} else {
			e.prefix = append(e.prefix, data...)
		}
	}
	for _, s := range e.subs {
		if s.dead {
			continue
		}
		// The channel keeps one slot beyond subscriberBuffer in reserve so a
		// dropped subscriber always receives ErrSubscriberLagged as its
		// terminal chunk instead of a silent truncation.
		if len(s.ch) >= subscriberBuffer {
			s.dead = true
			s.ch <- Chunk{Err: ErrSubscriberLagged}
			close(s.ch)
			continue
		}
		s.ch <- Chunk{Data: data}
	}
}

// Finish completes the entry successfully. The accumulated prefix becomes the
// replay body; subscriber channels are closed.
func (e *Entry) Finish(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return
	}
	e.done = true
	e.completedAt = now
	if !e.overflow {
		e.body = e.prefix
	}
	e.prefix = nil
	if !e.metaSet {
		e.metaSet = true
		close(e.metaReady)
	}
	for _, s := range e.subs {
		if !s.dead {
			close(s.ch)
		}
	}
	e.subs = nil
}

// Fail completes the entry with an error. Subscribers receive the error as
// their final chunk; the entry is never replayable.
func (e *Entry) Fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return
	}
	e.done = true
	e.failed = err
	e.prefix = nil
	if !e.metaSet {
		e.metaSet = true
		close(e.metaReady)
	}
	for _, s := range e.subs {
		if s.dead {
			continue
		}
		select {
		case s.ch <- Chunk{Err: err}:
		default:
		}
		close(s.ch)
	}
	e.subs = nil
}

// Subscribe attaches to an in-flight entry. The returned channel first yields
// the buffered prefix, then live chunks in upstream order, and is closed on
// completion.
func (e *Entry) Subscribe() (<-chan Chunk, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failed != nil {
		return nil, e.failed
	}
	if e.overflow {
		return nil, ErrPrefixDropped
	}
	ch := make(chan Chunk, subscriberBuffer+1)
	if e.done {
		// Finish won the race after this caller's Begin: the prefix has
		// already moved to the replay body.
		if len(e.body) > 0 {
			body := make([]byte, len(e.body))
			copy(body, e.body)
			ch <- Chunk{Data: body}
		}
		close(ch)
		return ch, nil
	}
	if len(e.prefix) > 0 {
		prefix := make([]byte, len(e.prefix))
		copy(prefix, e.prefix)
		ch <- Chunk{Data: prefix}
	}
	e.subs = append(e.subs, &subscriber{ch: ch})
	return ch, nil
}

// Replay returns the recorded response of a completed entry.
func (e *Entry) Replay() (status int, contentType string, body []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status, e.contentType, e.body
}

// Registry is the fingerprint index: a mutex-guarded LRU with in-flight
// pinning. Critical sections are O(1) except eviction scans, which stop at
// the first completed entry.
type Registry struct {
	mu      sync.Mutex
	entries map[Fingerprint]*list.Element
	lru     *list.List // front is most recently used
	cap     int
	ttl     time.Duration
	now     func() time.Time
	log     *slog.Logger
}

type lruItem struct {
	fp    Fingerprint
	entry *Entry
}

// Config tunes the registry; zero values take the defaults.
type Config struct {
	Capacity int
	TTL      time.Duration
}

// NewRegistry builds an empty registry.
func NewRegistry(cfg Config, log *slog.Logger) *Registry {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		entries: make(map[Fingerprint]*list.Element),
		lru:     list.New(),
		cap:     cfg.Capacity,
		ttl:     cfg.TTL,
		now:     time.Now,
		log:     log,
	}
}

// Begin resolves a fingerprint to an entry and the caller's role. Exactly one
// concurrent caller per fingerprint gets RoleOrigin; the rest subscribe or
// replay. The returned entry's client count is already incremented; callers
// must pair Begin with Detach.
func (r *Registry) Begin(fp Fingerprint) (*Entry, Role) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if el, ok := r.entries[fp]; ok {
		item := el.Value.(*lruItem)
		e := item.entry
		e.mu.Lock()
		done, failed := e.done, e.failed
		fresh := done && failed == nil && e.body != nil && now.Sub(e.completedAt) <= r.ttl
		if !done || fresh {
			e.clients++
			e.mu.Unlock()
			r.lru.MoveToFront(el)
			if !done {
				return e, RoleSubscriber
			}
			return e, RoleReplay
		}
		e.mu.Unlock()
		// Completed but stale, failed, or overflowed: replace it.
		r.lru.Remove(el)
		delete(r.entries, fp)
	}

	if len(r.entries) >= r.cap {
		r.evictLocked()
	}

	e := &Entry{
		fp:        fp,
		metaReady: make(chan struct{}),
		clients:   1,
	}
	el := r.lru.PushFront(&lruItem{fp: fp, entry: e})
	r.entries[fp] = el
	return e, RoleOrigin
}

// Detach releases one client from an entry. When the last client of an
// in-flight entry detaches, the upstream send is cancelled and the entry
// removed: nobody is left to receive or replay the bytes.
func (r *Registry) Detach(e *Entry) {
	e.mu.Lock()
	e.clients--
	abandon := e.clients <= 0 && !e.done
	cancel := e.cancelUpstream
	e.mu.Unlock()

	if !abandon {
		return
	}
	if cancel != nil {
		cancel()
	}
	e.Fail(context.Canceled)
	r.remove(e.fp)
	r.log.Debug("abandoned in-flight request", slog.String("fingerprint", e.fp.String()))
}

// Remove drops a failed entry so the next identical request starts fresh.
func (r *Registry) Remove(e *Entry) {
	r.remove(e.fp)
}

func (r *Registry) remove(fp Fingerprint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if el, ok := r.entries[fp]; ok {
		r.lru.Remove(el)
		delete(r.entries, fp)
	}
}

// evictLocked drops the least recently used completed entry. In-flight
// entries are pinned, so the cache may temporarily exceed its cap when
// everything in it is still running.
func (r *Registry) evictLocked() {
	for el := r.lru.Back(); el != nil; el = el.Prev() {
		item := el.Value.(*lruItem)
		item.entry.mu.Lock()
		done := item.entry.done
		item.entry.mu.Unlock()
		if done {
			r.lru.Remove(el)
			delete(r.entries, item.fp)
			return
		}
	}
}

// Len reports the current entry count, for tests and metrics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

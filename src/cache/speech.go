package cache

import (
	"context"
	"strings"
	"sync"

	"github.com/bme-official/withu-mirai/src/logger"
	"github.com/bme-official/withu-mirai/src/playback"
)

// DefaultMaxEntries bounds the synthesized-speech cache.
const DefaultMaxEntries = 20

// FetchFunc performs the underlying synthesis call on a cache miss.
type FetchFunc func(ctx context.Context) (playback.Clip, error)

type pending struct {
	done    chan struct{}
	payload playback.Clip
	err     error
}

// SpeechCache maps normalized utterance text to synthesized audio payloads.
// It is bounded with FIFO eviction and deduplicates concurrent fetches for
// the same key: late callers join the in-flight request instead of issuing
// a second synthesis call.
type SpeechCache struct {
	max int

	mu       sync.Mutex
	entries  map[string]playback.Clip
	order    []string
	inflight map[string]*pending
}

// New creates a SpeechCache; maxEntries <= 0 uses DefaultMaxEntries.
func New(maxEntries int) *SpeechCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &SpeechCache{
		max:      maxEntries,
		entries:  make(map[string]playback.Clip),
		inflight: make(map[string]*pending),
	}
}

// Normalize canonicalizes utterance text into a cache key.
func Normalize(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// Get returns the payload for text, fetching it at most once per key even
// under concurrent callers. Fetch errors are not cached.
func (c *SpeechCache) Get(ctx context.Context, text string, fetch FetchFunc) (playback.Clip, error) {
	key := Normalize(text)

	c.mu.Lock()
	if payload, ok := c.entries[key]; ok {
		c.mu.Unlock()
		logger.Debug("[SpeechCache] Hit for %q", key)
		return payload, nil
	}
	if p, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		logger.Debug("[SpeechCache] Joining in-flight fetch for %q", key)
		select {
		case <-ctx.Done():
			return playback.Clip{}, ctx.Err()
		case <-p.done:
			return p.payload, p.err
		}
	}
	p := &pending{done: make(chan struct{})}
	c.inflight[key] = p
	c.mu.Unlock()

	payload, err := fetch(ctx)

	c.mu.Lock()
	delete(c.inflight, key)
	if err == nil {
		c.store(key, payload)
	}
	c.mu.Unlock()

	p.payload = payload
	p.err = err
	close(p.done)
	return payload, err
}

// Len returns the number of cached entries.
func (c *SpeechCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Contains reports whether a normalized key is cached.
func (c *SpeechCache) Contains(text string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[Normalize(text)]
	return ok
}

// store inserts under the lock, evicting the oldest key past the bound.
func (c *SpeechCache) store(key string, payload playback.Clip) {
	if _, ok := c.entries[key]; ok {
		return
	}
	c.entries[key] = payload
	c.order = append(c.order, key)
	if len(c.order) > c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
		logger.Debug("[SpeechCache] Evicted %q", oldest)
	}
}

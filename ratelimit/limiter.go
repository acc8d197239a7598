package ratelimit

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sparksocial/spark-rtm/config"
	"golang.org/x/time/rate"
)

// Event kinds with their own admission thresholds. Room switches are a
// legitimate high-frequency UI action, so they get a deliberately shorter
// interval than a cold join.
const (
	KindAuth     = "auth"
	KindJoin     = "join"
	KindSwitch   = "switch"
	KindLeave    = "leave"
	KindSend     = "send"
	KindReact    = "react"
	KindMarkRead = "mark-read"
	KindTyping   = "typing"
)

type threshold struct {
	interval time.Duration
	burst    int
}

var defaults = map[string]threshold{
	KindAuth:     {interval: time.Second, burst: 3},
	KindJoin:     {interval: time.Second, burst: 1},
	KindSwitch:   {interval: 250 * time.Millisecond, burst: 1},
	KindLeave:    {interval: 500 * time.Millisecond, burst: 1},
	KindSend:     {interval: 50 * time.Millisecond, burst: 1},
	KindReact:    {interval: 100 * time.Millisecond, burst: 2},
	KindMarkRead: {interval: 100 * time.Millisecond, burst: 2},
	// typing is advisory and dropped silently on denial, so it must stay at
	// least as permissive as send or a fast typist sends without ever typing
	KindTyping: {interval: 50 * time.Millisecond, burst: 2},
}

type bucketKey struct {
	conn uuid.UUID
	kind string
}

// Limiter is the per-connection, per-event-kind admission gate. Admit never
// blocks; denial is instantaneous and the caller decides what to do with it.
type Limiter struct {
	mu      sync.Mutex
	table   map[string]threshold
	buckets map[bucketKey]*rate.Limiter
}

// NewLimiter builds the limiter from the configured table; kinds not
// mentioned in the configuration keep their defaults.
func NewLimiter(cfgs []config.RateLimitConfig) *Limiter {
	table := make(map[string]threshold, len(defaults))
	for kind, th := range defaults {
		table[kind] = th
	}
	for _, c := range cfgs {
		if c.Kind == "" || c.Interval <= 0 {
			continue
		}
		burst := c.Burst
		if burst <= 0 {
			burst = 1
		}
		table[c.Kind] = threshold{interval: c.Interval, burst: burst}
	}
	return &Limiter{
		table:   table,
		buckets: make(map[bucketKey]*rate.Limiter),
	}
}

// Admit reports whether an event of the given kind from the given connection
// is within its threshold, recording the admission as a side effect.
// Unconfigured kinds are always admitted.
func (l *Limiter) Admit(connId uuid.UUID, kind string) bool {
	th, ok := l.table[kind]
	if !ok {
		return true
	}
	l.mu.Lock()
	key := bucketKey{conn: connId, kind: kind}
	bucket, ok := l.buckets[key]
	if !ok {
		bucket = rate.NewLimiter(rate.Every(th.interval), th.burst)
		l.buckets[key] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow()
}

// Forget drops all buckets of a connection. Called on disconnect so the
// bucket map is bounded by the number of live connections.
func (l *Limiter) Forget(connId uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.buckets {
		if key.conn == connId {
			delete(l.buckets, key)
		}
	}
}

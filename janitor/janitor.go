// Package janitor runs the single periodic task that evicts idle or
// dead Sessions from the Session Manager's cache.
package janitor

import (
	"context"
	"time"

	"github.com/nexusmcp/gateway/session"
)

// DefaultIdleTimeout is the default idle-eviction threshold.
const DefaultIdleTimeout = 30 * time.Minute

// DefaultCleanupInterval is the default tick period.
const DefaultCleanupInterval = 5 * time.Minute

// DefaultDrainGrace bounds how long a single eviction's Drain waits for
// inflight_count to reach zero before forcing the transport down.
const DefaultDrainGrace = 5 * time.Second

// Janitor periodically scans the Session Manager for idle or dead
// sessions and evicts them. Eviction never holds the Manager's lock
// across a Drain call, so one slow backend cannot head-of-line block
// the rest of the scan.
type Janitor struct {
	sessions        *session.Manager
	idleTimeout     time.Duration
	cleanupInterval time.Duration
	drainGrace      time.Duration

	stop chan struct{}
	done chan struct{}
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithIdleTimeout overrides DefaultIdleTimeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(j *Janitor) { j.idleTimeout = d }
}

// WithCleanupInterval overrides DefaultCleanupInterval.
func WithCleanupInterval(d time.Duration) Option {
	return func(j *Janitor) { j.cleanupInterval = d }
}

// WithDrainGrace overrides DefaultDrainGrace.
func WithDrainGrace(d time.Duration) Option {
	return func(j *Janitor) { j.drainGrace = d }
}

// New constructs a Janitor over sessions, applying opts over the
// documented defaults.
func New(sessions *session.Manager, opts ...Option) *Janitor {
	j := &Janitor{
		sessions:        sessions,
		idleTimeout:     DefaultIdleTimeout,
		cleanupInterval: DefaultCleanupInterval,
		drainGrace:      DefaultDrainGrace,
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Run ticks every cleanupInterval, evicting every eligible session,
// until Stop is called or ctx is cancelled. It returns once the loop has
// exited and every tracked session has been drained a final time.
func (j *Janitor) Run(ctx context.Context) {
	defer close(j.done)
	ticker := time.NewTicker(j.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.tick(ctx)
		case <-j.stop:
			j.sessions.DrainAll(context.Background(), j.drainGrace)
			return
		case <-ctx.Done():
			j.sessions.DrainAll(context.Background(), j.drainGrace)
			return
		}
	}
}

// tick snapshots the current keys, computes eligibility, and evicts
// every eligible key. The snapshot is taken without holding the lock
// during eviction, so I/O on one key never blocks another.
func (j *Janitor) tick(ctx context.Context) {
	for _, key := range j.sessions.Snapshot() {
		if !j.sessions.Eligible(key, j.idleTimeout) {
			continue
		}
		_ = j.sessions.Evict(ctx, key, j.drainGrace)
	}
}

// Stop requests the Run loop to exit and perform its final drain, then
// blocks until it has.
func (j *Janitor) Stop() {
	close(j.stop)
	<-j.done
}

package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dmrduck/coordinator/pkg/media"
)

// reconnector monitors a single talkgroup's media session and automatically
// reconnects it on disconnect, using the retry shape spec.md §4.3/§5
// specifies for connect: exponential backoff starting at 1s, doubling, capped
// at 5s, up to 3 attempts.
//
// Adapted from the teacher's session.Reconnector, generalized from one
// Discord voice channel to one DMR talkgroup session.
type reconnector struct {
	platform    media.Platform
	talkgroupID string
	maxAttempts int
	backoff     time.Duration
	maxBackoff  time.Duration
	onReconnect func(media.Connection)

	mu           sync.Mutex
	conn         media.Connection
	done         chan struct{}
	stopOnce     sync.Once
	disconnected chan struct{}
}

func newReconnector(platform media.Platform, talkgroupID string, backoff, maxBackoff time.Duration, onReconnect func(media.Connection)) *reconnector {
	return &reconnector{
		platform:     platform,
		talkgroupID:  talkgroupID,
		maxAttempts:  connectMaxAttempts,
		backoff:      backoff,
		maxBackoff:   maxBackoff,
		onReconnect:  onReconnect,
		done:         make(chan struct{}),
		disconnected: make(chan struct{}, 1),
	}
}

// connect performs the initial connection attempt sequence with retry and a
// per-session timeout, per spec.md §4.3.
func (r *reconnector) connect(ctx context.Context) (media.Connection, error) {
	conn, err := r.connectWithRetry(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
	return conn, nil
}

func (r *reconnector) connectWithRetry(ctx context.Context) (media.Connection, error) {
	backoff := r.backoff
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, connectPerSessionTimeout)
		conn, err := r.platform.Connect(attemptCtx, r.talkgroupID)
		cancel()
		if err == nil {
			return conn, nil
		}
		lastErr = err
		slog.Warn("controller: session connect attempt failed",
			"talkgroup_id", r.talkgroupID, "attempt", attempt, "max_attempts", r.maxAttempts, "error", err)

		if attempt == r.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > r.maxBackoff {
			backoff = r.maxBackoff
		}
	}
	slog.Error("controller: session connect exhausted retries", "talkgroup_id", r.talkgroupID, "error", lastErr)
	return nil, fmt.Errorf("%w: talkgroup %q: %v", ErrConnectFailed, r.talkgroupID, lastErr)
}

// monitor starts a background goroutine that watches for disconnect
// notifications and attempts reconnection with the same retry shape as the
// initial connect.
func (r *reconnector) monitor(ctx context.Context) {
	go r.monitorLoop(ctx)
}

// notifyDisconnect signals that the session transport has dropped and a
// reconnect should be attempted. Safe to call more than once.
func (r *reconnector) notifyDisconnect() {
	select {
	case r.disconnected <- struct{}{}:
	default:
	}
}

// stop halts monitoring and closes the current connection.
func (r *reconnector) stop() error {
	r.stopOnce.Do(func() { close(r.done) })
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()
	if conn != nil {
		return conn.Disconnect()
	}
	return nil
}

func (r *reconnector) connection() media.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

func (r *reconnector) monitorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.disconnected:
			conn, err := r.connectWithRetry(ctx)
			if err != nil {
				slog.Error("controller: reconnect failed permanently", "talkgroup_id", r.talkgroupID, "error", err)
				continue
			}
			r.mu.Lock()
			r.conn = conn
			r.mu.Unlock()
			if r.onReconnect != nil {
				r.onReconnect(conn)
			}
		}
	}
}

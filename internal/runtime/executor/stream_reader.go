package executor

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/phamanh/gemini-bridge/internal/logging"
)

// StreamReader wraps a backend response body with context-aware close and an
// idle watchdog. Cancelling the context closes the body, unblocking any
// pending Read; the watchdog closes truly stalled upstream connections so a
// client is never left hanging on a dead stream.
type StreamReader struct {
	body         io.ReadCloser
	ctx          context.Context
	closed       atomic.Bool
	closeOnce    sync.Once
	closeErr     error
	lastActivity atomic.Int64
	idleTimeout  time.Duration
	stopWatchdog chan struct{}
	source       string
}

// NewStreamReader starts the watchers. idleTimeout 0 disables idle
// detection.
func NewStreamReader(ctx context.Context, body io.ReadCloser, idleTimeout time.Duration, source string) *StreamReader {
	sr := &StreamReader{
		body:         body,
		ctx:          ctx,
		idleTimeout:  idleTimeout,
		stopWatchdog: make(chan struct{}),
		source:       source,
	}
	sr.touch()

	go sr.watchContext()
	if idleTimeout > 0 {
		go sr.watchIdle()
	}
	return sr
}

func (sr *StreamReader) touch() {
	sr.lastActivity.Store(time.Now().UnixNano())
}

func (sr *StreamReader) watchContext() {
	select {
	case <-sr.ctx.Done():
		sr.closeWithReason("context cancelled")
	case <-sr.stopWatchdog:
	}
}

func (sr *StreamReader) watchIdle() {
	// Check at a quarter of the timeout, clamped to a sane tick rate.
	checkInterval := sr.idleTimeout / 4
	if checkInterval < 10*time.Second {
		checkInterval = 10 * time.Second
	}
	if checkInterval > 30*time.Second {
		checkInterval = 30 * time.Second
	}

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sr.ctx.Done():
			return
		case <-sr.stopWatchdog:
			return
		case <-ticker.C:
			if sr.closed.Load() {
				return
			}
			idle := time.Since(time.Unix(0, sr.lastActivity.Load()))
			if idle > sr.idleTimeout {
				log.Warnf("%s: stream stalled for %v (limit %v), closing",
					sr.source, idle.Round(time.Second), sr.idleTimeout)
				sr.closeWithReason("idle timeout")
				return
			}
		}
	}
}

func (sr *StreamReader) Read(p []byte) (int, error) {
	if sr.closed.Load() {
		return 0, io.EOF
	}
	n, err := sr.body.Read(p)
	if n > 0 {
		sr.touch()
	}
	return n, err
}

func (sr *StreamReader) closeWithReason(reason string) {
	sr.closeOnce.Do(func() {
		sr.closed.Store(true)
		sr.closeErr = sr.body.Close()
		log.Debugf("%s: stream closed: %s", sr.source, reason)
	})
}

// Close is safe to call multiple times.
func (sr *StreamReader) Close() error {
	sr.closeWithReason("explicit close")
	select {
	case <-sr.stopWatchdog:
	default:
		close(sr.stopWatchdog)
	}
	return sr.closeErr
}

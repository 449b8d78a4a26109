package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capturepipe/capturepipe/internal/capture"
	"github.com/capturepipe/capturepipe/internal/metrics"
)

// PoolConfig bounds the session pool.
type PoolConfig struct {
	MaxSessions int
	AcquireWait time.Duration
}

// Pool hands out isolated browsing contexts from a bounded set of warm
// engine sessions. At most MaxSessions contexts are leased at once; further
// callers wait up to AcquireWait and then fail with PoolExhausted.
type Pool struct {
	cfg     PoolConfig
	factory SessionFactory
	logger  *zap.Logger

	sem chan struct{}

	mu     sync.Mutex
	idle   []engineSession
	seq    int
	closed bool
}

// NewPool creates the pool. Sessions are spawned lazily on first acquire.
func NewPool(cfg PoolConfig, factory SessionFactory, logger *zap.Logger) (*Pool, error) {
	if cfg.MaxSessions <= 0 {
		return nil, fmt.Errorf("max sessions must be > 0")
	}
	if cfg.AcquireWait <= 0 {
		cfg.AcquireWait = 10 * time.Second
	}
	return &Pool{
		cfg:     cfg,
		factory: factory,
		logger:  logger,
		sem:     make(chan struct{}, cfg.MaxSessions),
	}, nil
}

// Warm eagerly spawns n sessions (capped at MaxSessions) so first jobs do
// not pay engine startup latency.
func (p *Pool) Warm(ctx context.Context, n int) error {
	if n > p.cfg.MaxSessions {
		n = p.cfg.MaxSessions
	}
	for i := 0; i < n; i++ {
		s, err := p.spawn(ctx)
		if err != nil {
			return fmt.Errorf("warm pool: %w", err)
		}
		p.mu.Lock()
		p.idle = append(p.idle, s)
		p.mu.Unlock()
	}
	return nil
}

// Acquire leases an isolated browsing context. It blocks up to the
// configured wait, then fails with a PoolExhausted error.
func (p *Pool) Acquire(ctx context.Context) (capture.PageContext, error) {
	start := time.Now()
	timer := time.NewTimer(p.cfg.AcquireWait)
	defer timer.Stop()

	select {
	case p.sem <- struct{}{}:
	case <-timer.C:
		return nil, capture.Errorf(capture.KindPoolExhausted,
			"no browsing context available within %s", p.cfg.AcquireWait)
	case <-ctx.Done():
		// A job that ran out its wall-clock deadline while queued timed
		// out; it did not observe pool exhaustion.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, capture.NewError(capture.KindCaptureTimeout,
				"job deadline expired waiting for a browsing context", ctx.Err())
		}
		return nil, capture.NewError(capture.KindPoolExhausted,
			"context acquisition aborted", ctx.Err())
	}
	metrics.ObserveAcquireWait(time.Since(start))

	s, err := p.session(ctx)
	if err != nil {
		<-p.sem
		return nil, capture.NewError(capture.KindInternalEngine,
			"spawn browser session", err)
	}

	lease, teardown, err := s.NewPageContext(ctx)
	if err != nil {
		// The session is presumed dead; a replacement is spawned lazily on
		// the next acquire.
		p.discard(s)
		<-p.sem
		return nil, capture.NewError(capture.KindSessionCrashed,
			"create browsing context", err)
	}
	lease.teardown = teardown
	metrics.PoolLeased(1)
	return lease, nil
}

// Release tears the browsing context down unconditionally and returns the
// session to the idle set when it is still healthy.
func (p *Pool) Release(pc capture.PageContext) {
	lease, ok := pc.(*Lease)
	if !ok || lease == nil {
		return
	}
	if lease.teardown != nil {
		lease.teardown()
		lease.teardown = nil
	}

	s := lease.session
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		s.Close()
		metrics.PoolLeased(-1)
		<-p.sem
		return
	}
	if s.Healthy() {
		p.idle = append(p.idle, s)
		p.mu.Unlock()
	} else {
		p.mu.Unlock()
		p.logger.Warn("discarding crashed browser session",
			zap.String("session_id", s.ID()))
		s.Close()
	}
	metrics.PoolLeased(-1)
	<-p.sem
}

// IdleSessions reports the number of idle warm sessions.
func (p *Pool) IdleSessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Close terminates all idle sessions. Outstanding leases are torn down by
// their jobs via Release.
func (p *Pool) Close() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	p.mu.Unlock()
	for _, s := range idle {
		s.Close()
	}
}

// session pops an idle healthy session or spawns a new one. Crashed idle
// sessions found along the way are dropped.
func (p *Pool) session(ctx context.Context) (engineSession, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("pool is closed")
		}
		if len(p.idle) == 0 {
			p.mu.Unlock()
			return p.spawn(ctx)
		}
		s := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.mu.Unlock()
		if s.Healthy() {
			return s, nil
		}
		p.logger.Warn("dropping dead idle session", zap.String("session_id", s.ID()))
		s.Close()
	}
}

func (p *Pool) spawn(ctx context.Context) (engineSession, error) {
	p.mu.Lock()
	p.seq++
	id := fmt.Sprintf("session-%d", p.seq)
	p.mu.Unlock()
	return p.factory(ctx, id)
}

func (p *Pool) discard(s engineSession) {
	s.Close()
}

package browser

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/capturepipe/capturepipe/internal/capture"
)

type fakeSession struct {
	id string

	mu       sync.Mutex
	healthy  bool
	closed   bool
	contexts int
	ctxErr   error
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{id: id, healthy: true}
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) NewPageContext(ctx context.Context) (*Lease, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctxErr != nil {
		return nil, nil, s.ctxErr
	}
	s.contexts++
	lease := &Lease{
		sessionID: s.id,
		tabCtx:    context.Background(),
		session:   s,
	}
	return lease, func() {}, nil
}

func (s *fakeSession) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

func (s *fakeSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSession) crash() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = false
}

type fakeFactory struct {
	mu       sync.Mutex
	sessions []*fakeSession
	err      error
}

func (f *fakeFactory) factory(_ context.Context, id string) (engineSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := newFakeSession(id)
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeFactory) spawned() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func newTestPool(t *testing.T, cfg PoolConfig) (*Pool, *fakeFactory) {
	t.Helper()
	f := &fakeFactory{}
	p, err := NewPool(cfg, f.factory, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p, f
}

func TestPoolAcquireRelease(t *testing.T) {
	t.Parallel()
	p, f := newTestPool(t, PoolConfig{MaxSessions: 2, AcquireWait: time.Second})

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, "session-1", pc.SessionID())
	require.Equal(t, 1, f.spawned())

	p.Release(pc)
	require.Equal(t, 1, p.IdleSessions())

	// The warm session is reused rather than spawning a second one.
	pc2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, "session-1", pc2.SessionID())
	require.Equal(t, 1, f.spawned())
	p.Release(pc2)
}

func TestPoolExhaustion(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t, PoolConfig{MaxSessions: 1, AcquireWait: 50 * time.Millisecond})

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(pc)

	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	require.Equal(t, capture.KindPoolExhausted, capture.KindOf(err))
}

func TestPoolAcquireDeadlineExpiryIsTimeout(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t, PoolConfig{MaxSessions: 1, AcquireWait: time.Second})

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(pc)

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()

	_, err = p.Acquire(ctx)
	require.Error(t, err)
	require.Equal(t, capture.KindCaptureTimeout, capture.KindOf(err))
}

func TestPoolAcquireCancellationStaysExhausted(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t, PoolConfig{MaxSessions: 1, AcquireWait: time.Second})

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(pc)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = p.Acquire(ctx)
	require.Error(t, err)
	require.Equal(t, capture.KindPoolExhausted, capture.KindOf(err))
}

func TestPoolWaiterGetsFreedSlot(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t, PoolConfig{MaxSessions: 1, AcquireWait: 2 * time.Second})

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)

	got := make(chan capture.PageContext, 1)
	go func() {
		pc2, err := p.Acquire(context.Background())
		if err == nil {
			got <- pc2
		}
		close(got)
	}()

	time.Sleep(20 * time.Millisecond)
	p.Release(pc)

	select {
	case pc2, ok := <-got:
		require.True(t, ok)
		p.Release(pc2)
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the freed slot")
	}
}

func TestPoolCrashedSessionDiscarded(t *testing.T) {
	t.Parallel()
	p, f := newTestPool(t, PoolConfig{MaxSessions: 1, AcquireWait: time.Second})

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)
	f.sessions[0].crash()
	p.Release(pc)

	require.Equal(t, 0, p.IdleSessions())
	require.True(t, f.sessions[0].closed)

	// Next acquire spawns a replacement.
	pc2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, "session-2", pc2.SessionID())
	p.Release(pc2)
}

func TestPoolContextCreationFailureFreesSlot(t *testing.T) {
	t.Parallel()
	f := &fakeFactory{}
	p, err := NewPool(PoolConfig{MaxSessions: 1, AcquireWait: time.Second}, f.factory, zap.NewNop())
	require.NoError(t, err)
	defer p.Close()

	boom := errors.New("target gone")
	f.err = nil
	s := newFakeSession("seed")
	s.ctxErr = boom
	p.mu.Lock()
	p.idle = append(p.idle, s)
	p.mu.Unlock()

	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	require.Equal(t, capture.KindSessionCrashed, capture.KindOf(err))

	// The slot was returned; a fresh session serves the next acquire.
	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(pc)
}

func TestPoolWarm(t *testing.T) {
	t.Parallel()
	p, f := newTestPool(t, PoolConfig{MaxSessions: 3, AcquireWait: time.Second})

	require.NoError(t, p.Warm(context.Background(), 5))
	require.Equal(t, 3, f.spawned())
	require.Equal(t, 3, p.IdleSessions())
}

func TestPoolCloseTerminatesIdle(t *testing.T) {
	t.Parallel()
	p, f := newTestPool(t, PoolConfig{MaxSessions: 2, AcquireWait: time.Second})
	require.NoError(t, p.Warm(context.Background(), 2))

	p.Close()
	for _, s := range f.sessions {
		require.True(t, s.closed)
	}
	_, err := p.Acquire(context.Background())
	require.Error(t, err)
}

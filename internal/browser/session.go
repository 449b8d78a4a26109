package browser

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// engineSession is one browser engine process capable of hosting isolated
// browsing contexts. Abstracted so the pool can be exercised without Chrome.
type engineSession interface {
	ID() string
	// NewPageContext creates an isolated browsing context and returns the
	// lease plus its teardown. Teardown destroys the context unconditionally.
	NewPageContext(ctx context.Context) (*Lease, func(), error)
	Healthy() bool
	Close()
}

// SessionFactory spawns a new engine session.
type SessionFactory func(ctx context.Context, id string) (engineSession, error)

// Lease is a per-job isolated browsing context handed out by the pool. It
// implements capture.PageContext.
type Lease struct {
	sessionID string
	tabCtx    context.Context

	session  engineSession
	teardown func()
}

// Context returns the chromedp tab context to run browser actions against.
func (l *Lease) Context() context.Context {
	return l.tabCtx
}

// SessionID identifies the underlying engine process.
func (l *Lease) SessionID() string {
	return l.sessionID
}

// chromeSession wraps one headless Chrome process started via chromedp.
type chromeSession struct {
	id         string
	browserCtx context.Context
	cancel     context.CancelFunc
	logger     *zap.Logger
}

// NewChromeSessionFactory returns a SessionFactory backed by the shared exec
// allocator. Each session is a separate Chrome process warmed at creation.
func NewChromeSessionFactory(allocator context.Context, logger *zap.Logger) SessionFactory {
	return func(_ context.Context, id string) (engineSession, error) {
		browserCtx, cancel := chromedp.NewContext(allocator)
		if err := chromedp.Run(browserCtx); err != nil {
			cancel()
			return nil, fmt.Errorf("chrome warmup: %w", err)
		}
		logger.Debug("browser session started", zap.String("session_id", id))
		return &chromeSession{
			id:         id,
			browserCtx: browserCtx,
			cancel:     cancel,
			logger:     logger,
		}, nil
	}
}

func (s *chromeSession) ID() string { return s.id }

// Healthy reports whether the engine process is still reachable.
func (s *chromeSession) Healthy() bool {
	return s.browserCtx.Err() == nil
}

// NewPageContext creates an incognito CDP browser context with its own
// cookies, cache and storage, opens a blank target inside it and attaches a
// chromedp tab context to that target. Disposing the browser context wipes
// all per-job state, which is what guarantees no leakage across leases.
func (s *chromeSession) NewPageContext(ctx context.Context) (*Lease, func(), error) {
	var (
		bctxID   cdp.BrowserContextID
		targetID target.ID
	)
	err := chromedp.Run(s.browserCtx, chromedp.ActionFunc(func(cctx context.Context) error {
		id, err := target.CreateBrowserContext().
			WithDisposeOnDetach(true).
			Do(cctx)
		if err != nil {
			return fmt.Errorf("create browser context: %w", err)
		}
		bctxID = id
		tid, err := target.CreateTarget("about:blank").
			WithBrowserContextID(id).
			Do(cctx)
		if err != nil {
			return fmt.Errorf("create target: %w", err)
		}
		targetID = tid
		return nil
	}))
	if err != nil {
		return nil, nil, err
	}

	tabCtx, tabCancel := chromedp.NewContext(s.browserCtx, chromedp.WithTargetID(targetID))

	teardown := func() {
		tabCancel()
		if s.browserCtx.Err() != nil {
			return
		}
		err := chromedp.Run(s.browserCtx, chromedp.ActionFunc(func(cctx context.Context) error {
			return target.DisposeBrowserContext(bctxID).Do(cctx)
		}))
		if err != nil {
			s.logger.Warn("dispose browser context failed",
				zap.String("session_id", s.id), zap.Error(err))
		}
	}

	lease := &Lease{
		sessionID: s.id,
		tabCtx:    tabCtx,
		session:   s,
	}
	return lease, teardown, nil
}

// Close terminates the engine process.
func (s *chromeSession) Close() {
	s.cancel()
}

// NewAllocator builds the shared Chrome exec allocator used by all sessions.
func NewAllocator(userAgent string) (context.Context, context.CancelFunc) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.UserAgent(userAgent),
	)
	return chromedp.NewExecAllocator(context.Background(), opts...)
}

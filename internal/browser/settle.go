// Package browser manages headless Chrome sessions and the capture stage.
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// SettleStrategy decides when a navigated page is ready to capture. Which
// heuristic is right depends on the target, so the strategy is a
// configuration choice rather than a fixed algorithm.
type SettleStrategy interface {
	Name() string
	// Wait blocks on the tab context until the page is considered settled
	// or the context expires.
	Wait(tabCtx context.Context) error
}

// SettleConfig selects and parameterizes a strategy.
type SettleConfig struct {
	Strategy    string
	FixedDelay  time.Duration
	QuietWindow time.Duration
}

// NewSettleStrategy builds the configured strategy.
func NewSettleStrategy(cfg SettleConfig) (SettleStrategy, error) {
	if cfg.FixedDelay <= 0 {
		cfg.FixedDelay = 500 * time.Millisecond
	}
	if cfg.QuietWindow <= 0 {
		cfg.QuietWindow = 500 * time.Millisecond
	}
	switch cfg.Strategy {
	case "fixed_delay":
		return &fixedDelaySettle{delay: cfg.FixedDelay}, nil
	case "wait_ready":
		return &waitReadySettle{delay: cfg.FixedDelay}, nil
	case "network_idle":
		return &networkIdleSettle{quiet: cfg.QuietWindow}, nil
	default:
		return nil, fmt.Errorf("unknown settle strategy %q", cfg.Strategy)
	}
}

// fixedDelaySettle sleeps for a constant window after navigation.
type fixedDelaySettle struct {
	delay time.Duration
}

func (s *fixedDelaySettle) Name() string { return "fixed_delay" }

func (s *fixedDelaySettle) Wait(tabCtx context.Context) error {
	timer := time.NewTimer(s.delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-tabCtx.Done():
		return tabCtx.Err()
	}
}

// waitReadySettle waits for the document body, then a short grace delay for
// late layout work.
type waitReadySettle struct {
	delay time.Duration
}

func (s *waitReadySettle) Name() string { return "wait_ready" }

func (s *waitReadySettle) Wait(tabCtx context.Context) error {
	if err := chromedp.Run(tabCtx,
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(s.delay),
	); err != nil {
		return fmt.Errorf("wait ready: %w", err)
	}
	return nil
}

// networkIdleSettle watches CDP network events and declares the page settled
// once no request activity has been seen for the quiet window. The network
// domain must already be enabled on the tab.
type networkIdleSettle struct {
	quiet time.Duration
}

func (s *networkIdleSettle) Name() string { return "network_idle" }

func (s *networkIdleSettle) Wait(tabCtx context.Context) error {
	tracker := newActivityTracker()
	chromedp.ListenTarget(tabCtx, tracker.onEvent)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-tabCtx.Done():
			return tabCtx.Err()
		case <-ticker.C:
			if tracker.quietFor(s.quiet) {
				return nil
			}
		}
	}
}

// activityTracker records in-flight requests and the last network event time.
type activityTracker struct {
	mu       sync.Mutex
	inFlight int
	last     time.Time
}

func newActivityTracker() *activityTracker {
	return &activityTracker{last: time.Now()}
}

func (t *activityTracker) onEvent(ev interface{}) {
	switch ev.(type) {
	case *network.EventRequestWillBeSent:
		t.mu.Lock()
		t.inFlight++
		t.last = time.Now()
		t.mu.Unlock()
	case *network.EventLoadingFinished, *network.EventLoadingFailed:
		t.mu.Lock()
		if t.inFlight > 0 {
			t.inFlight--
		}
		t.last = time.Now()
		t.mu.Unlock()
	}
}

func (t *activityTracker) quietFor(window time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inFlight == 0 && time.Since(t.last) >= window
}

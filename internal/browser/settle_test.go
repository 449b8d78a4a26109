package browser

import (
	"context"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"
)

func TestNewSettleStrategy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		strategy string
		name     string
		wantErr  bool
	}{
		{strategy: "fixed_delay", name: "fixed_delay"},
		{strategy: "wait_ready", name: "wait_ready"},
		{strategy: "network_idle", name: "network_idle"},
		{strategy: "load_event", wantErr: true},
		{strategy: "", wantErr: true},
	}
	for _, tt := range tests {
		s, err := NewSettleStrategy(SettleConfig{Strategy: tt.strategy})
		if tt.wantErr {
			require.Error(t, err, tt.strategy)
			continue
		}
		require.NoError(t, err, tt.strategy)
		require.Equal(t, tt.name, s.Name())
	}
}

func TestFixedDelaySettle(t *testing.T) {
	t.Parallel()
	s := &fixedDelaySettle{delay: 10 * time.Millisecond}

	start := time.Now()
	require.NoError(t, s.Wait(context.Background()))
	require.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestFixedDelaySettleHonorsCancellation(t *testing.T) {
	t.Parallel()
	s := &fixedDelaySettle{delay: time.Minute}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := s.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestActivityTrackerQuietFor(t *testing.T) {
	t.Parallel()
	tr := newActivityTracker()

	// Fresh tracker is not yet quiet for any meaningful window.
	require.False(t, tr.quietFor(time.Second))

	tr.onEvent(&network.EventRequestWillBeSent{})
	require.False(t, tr.quietFor(0), "in-flight request blocks idleness")

	tr.onEvent(&network.EventLoadingFinished{})
	require.True(t, tr.quietFor(0))
	require.False(t, tr.quietFor(time.Minute), "recent activity blocks long windows")
}

func TestActivityTrackerFailedLoadCounts(t *testing.T) {
	t.Parallel()
	tr := newActivityTracker()

	tr.onEvent(&network.EventRequestWillBeSent{})
	tr.onEvent(&network.EventRequestWillBeSent{})
	tr.onEvent(&network.EventLoadingFailed{})
	require.False(t, tr.quietFor(0))
	tr.onEvent(&network.EventLoadingFinished{})
	require.True(t, tr.quietFor(0))
}

func TestActivityTrackerIgnoresUnrelatedEvents(t *testing.T) {
	t.Parallel()
	tr := newActivityTracker()

	tr.onEvent(&network.EventLoadingFinished{})
	tr.onEvent("not an event")
	require.True(t, tr.quietFor(0))
}

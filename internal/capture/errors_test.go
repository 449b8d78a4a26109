package capture

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorRetryability(t *testing.T) {
	t.Parallel()

	require.True(t, Errorf(KindNavigationError, "dns failure").Retryable())
	require.True(t, Errorf(KindSessionCrashed, "engine gone").Retryable())
	require.False(t, Errorf(KindCaptureTimeout, "deadline").Retryable())
	require.False(t, Errorf(KindUnsupportedContent, "octet-stream").Retryable())
	require.False(t, Errorf(KindPoolExhausted, "busy").Retryable())
}

func TestKindOfWrappedError(t *testing.T) {
	t.Parallel()

	inner := NewError(KindTranscodeTimeout, "ffmpeg overran", errors.New("signal: killed"))
	wrapped := fmt.Errorf("transcode stage: %w", inner)
	require.Equal(t, KindTranscodeTimeout, KindOf(wrapped))
	require.False(t, IsRetryable(wrapped))
}

func TestKindOfPlainError(t *testing.T) {
	t.Parallel()

	require.Equal(t, KindInternalEngine, KindOf(errors.New("boom")))
}

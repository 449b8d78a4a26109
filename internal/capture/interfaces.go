package capture

import (
	"context"
	"time"
)

// PageContext is an isolated browsing context leased to exactly one job.
// Implementations guarantee cookies, cache and viewport state never leak
// between leases.
type PageContext interface {
	// Context returns the automation context to run browser actions against.
	Context() context.Context
	// SessionID identifies the underlying engine process, for diagnostics.
	SessionID() string
}

// ContextPool hands out isolated browsing contexts from a bounded set of
// warm browser engine processes.
type ContextPool interface {
	// Acquire blocks up to the pool's configured wait timeout for a free
	// context and fails with a PoolExhausted error afterwards.
	Acquire(ctx context.Context) (PageContext, error)
	// Release tears the context down unconditionally and returns the
	// underlying session to the idle set.
	Release(pc PageContext)
	// Close terminates all sessions. Outstanding leases become invalid.
	Close()
}

// Capturer drives one browsing context to produce an artifact for a target.
type Capturer interface {
	Capture(ctx context.Context, pc PageContext, jobID string, spec JobSpec) (Artifact, error)
}

// OCREngine converts a raster artifact into positioned text spans.
type OCREngine interface {
	Extract(ctx context.Context, artifact Artifact) (OCRResult, error)
}

// Transcoder converts a media artifact into the requested target format.
type Transcoder interface {
	Transcode(ctx context.Context, artifact Artifact, target TranscodeTarget) (Artifact, error)
}

// ArtifactStore owns immutable, content-addressed binary artifacts with
// reference counting.
type ArtifactStore interface {
	Put(ctx context.Context, jobID string, kind MediaKind, data []byte) (Artifact, error)
	Get(ctx context.Context, id string) (Artifact, error)
	Open(ctx context.Context, id string) ([]byte, error)
	Retain(id string)
	Release(id string)
}

// ResultCache maps fingerprints to completed results with LRU eviction.
type ResultCache interface {
	Get(fingerprint string) (JobResult, bool)
	Put(fingerprint string, result JobResult)
}

// Prober performs a cheap preflight against the target before a browser
// context is spent on it.
type Prober interface {
	// Probe returns an UnsupportedContent or NavigationError pipeline error
	// when the target should not reach the capture stage.
	Probe(ctx context.Context, targetURL string) error
}

// Publisher pushes terminal job results to an external topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests for artifact addressing.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (injectable for tests).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}

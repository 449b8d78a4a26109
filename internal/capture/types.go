// Package capture defines core types shared across pipeline subsystems.
package capture

import (
	"time"
)

// Mode selects what kind of artifact a capture produces.
type Mode string

// Capture modes accepted in a JobSpec.
const (
	ModeScreenshot Mode = "screenshot"
	ModeFullPage   Mode = "full-page"
	ModePDF        Mode = "pdf"
	ModeVideo      Mode = "video"
)

// ValidMode reports whether m is one of the supported capture modes.
func ValidMode(m Mode) bool {
	switch m {
	case ModeScreenshot, ModeFullPage, ModePDF, ModeVideo:
		return true
	}
	return false
}

// TranscodeTarget describes the container/codec a media artifact should be
// converted into.
type TranscodeTarget struct {
	Container  string `json:"container"`
	VideoCodec string `json:"video_codec,omitempty"`
	AudioCodec string `json:"audio_codec,omitempty"`
	AudioOnly  bool   `json:"audio_only,omitempty"`
}

// Empty reports whether no transcode was requested.
func (t TranscodeTarget) Empty() bool {
	return t.Container == "" && t.VideoCodec == "" && t.AudioCodec == "" && !t.AudioOnly
}

// JobSpec captures everything needed to run one capture job. It is immutable
// once accepted by the orchestrator.
type JobSpec struct {
	TargetURL string          `json:"target_url"`
	Mode      Mode            `json:"mode"`
	OCR       bool            `json:"ocr"`
	Transcode TranscodeTarget `json:"transcode,omitempty"`
	Timeout   time.Duration   `json:"timeout"`
}

// MediaKind classifies an artifact payload.
type MediaKind string

// Media kinds produced by pipeline stages.
const (
	MediaImagePNG  MediaKind = "image/png"
	MediaPDF       MediaKind = "application/pdf"
	MediaVideoWebM MediaKind = "video/webm"
	MediaVideoMP4  MediaKind = "video/mp4"
	MediaAudioMP3  MediaKind = "audio/mpeg"
	MediaAudioWAV  MediaKind = "audio/wav"
	MediaOctet     MediaKind = "application/octet-stream"
)

// Artifact is the immutable binary output of a pipeline stage. ID is the hex
// SHA-256 of the payload, so equal content has equal identity. Exactly one of
// Data or Path is set; large payloads are spilled to disk by the store.
type Artifact struct {
	ID    string    `json:"id"`
	Kind  MediaKind `json:"kind"`
	Size  int64     `json:"size"`
	JobID string    `json:"job_id"`
	Data  []byte    `json:"-"`
	Path  string    `json:"-"`
}

// OCRSpan is one recognized text span with its bounding region and the
// engine-reported confidence.
type OCRSpan struct {
	Text       string  `json:"text"`
	Left       int     `json:"left"`
	Top        int     `json:"top"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Confidence float64 `json:"confidence"`
}

// OCRResult holds the spans extracted from one raster artifact. Span order is
// the engine's reading order, passed through unchanged.
type OCRResult struct {
	ArtifactID string    `json:"artifact_id"`
	Spans      []OCRSpan `json:"spans"`
	PlainText  string    `json:"plain_text"`
}

// Status is the terminal state of a job.
type Status string

// Job statuses. A job reaches exactly one terminal status and the JobResult
// is immutable afterwards.
const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed-out"
)

// JobResult is the assembled outcome of one job, shared verbatim with every
// caller that deduplicated onto the same fingerprint.
type JobResult struct {
	JobID       string     `json:"job_id"`
	Fingerprint string     `json:"fingerprint"`
	Status      Status     `json:"status"`
	Artifacts   []Artifact `json:"artifacts"`
	OCR         *OCRResult `json:"ocr,omitempty"`
	Transcoded  *Artifact  `json:"transcoded,omitempty"`
	ErrorKind   string     `json:"error_kind,omitempty"`
	ErrorText   string     `json:"error_text,omitempty"`
	Submitted   time.Time  `json:"submitted_at"`
	Finished    time.Time  `json:"finished_at"`
}

// ArtifactIDs lists every artifact referenced by the result, including the
// transcoded one. The cache uses this to manage store references.
func (r JobResult) ArtifactIDs() []string {
	ids := make([]string, 0, len(r.Artifacts)+1)
	for _, a := range r.Artifacts {
		ids = append(ids, a.ID)
	}
	if r.Transcoded != nil {
		ids = append(ids, r.Transcoded.ID)
	}
	return ids
}

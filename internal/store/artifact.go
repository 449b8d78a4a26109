// Package store implements the ephemeral content-addressed artifact store.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/capturepipe/capturepipe/internal/capture"
)

// Config captures the parameters for the artifact store.
type Config struct {
	// SpillThreshold is the payload size in bytes above which artifacts are
	// written to the scratch directory instead of kept in memory.
	SpillThreshold int64 `mapstructure:"spill_threshold"`
	// ScratchDir is the directory for spilled payloads. Created on demand.
	ScratchDir string `mapstructure:"scratch_dir"`
}

// ArtifactStore holds immutable artifacts addressed by content hash, with
// reference counting. An artifact is dropped when its count reaches zero.
type ArtifactStore struct {
	cfg    Config
	hasher capture.Hasher
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	artifact capture.Artifact
	refs     int
}

// New creates an ArtifactStore.
func New(cfg Config, hasher capture.Hasher, logger *zap.Logger) (*ArtifactStore, error) {
	if cfg.SpillThreshold <= 0 {
		cfg.SpillThreshold = 8 << 20
	}
	if strings.TrimSpace(cfg.ScratchDir) == "" {
		dir, err := os.MkdirTemp("", "capturepipe-artifacts-")
		if err != nil {
			return nil, fmt.Errorf("create scratch dir: %w", err)
		}
		cfg.ScratchDir = dir
	} else if err := os.MkdirAll(cfg.ScratchDir, 0o750); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	return &ArtifactStore{
		cfg:     cfg,
		hasher:  hasher,
		logger:  logger,
		entries: make(map[string]*entry),
	}, nil
}

// Put stores the payload and returns its artifact. Storing identical bytes
// again returns the existing artifact with its reference count bumped.
func (s *ArtifactStore) Put(_ context.Context, jobID string, kind capture.MediaKind, data []byte) (capture.Artifact, error) {
	id, err := s.hasher.Hash(data)
	if err != nil {
		return capture.Artifact{}, fmt.Errorf("hash artifact: %w", err)
	}

	s.mu.Lock()
	if e, ok := s.entries[id]; ok {
		e.refs++
		art := e.artifact
		s.mu.Unlock()
		return art, nil
	}
	s.mu.Unlock()

	art := capture.Artifact{
		ID:    id,
		Kind:  kind,
		Size:  int64(len(data)),
		JobID: jobID,
	}
	if int64(len(data)) > s.cfg.SpillThreshold {
		path := filepath.Join(s.cfg.ScratchDir, id)
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return capture.Artifact{}, fmt.Errorf("spill artifact: %w", err)
		}
		art.Path = path
	} else {
		art.Data = append([]byte(nil), data...)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		// Lost a race with an identical payload; keep the winner.
		e.refs++
		if art.Path != "" {
			_ = os.Remove(art.Path)
		}
		return e.artifact, nil
	}
	s.entries[id] = &entry{artifact: art, refs: 1}
	return art, nil
}

// Get returns the artifact metadata for id.
func (s *ArtifactStore) Get(_ context.Context, id string) (capture.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return capture.Artifact{}, fmt.Errorf("artifact %s not found", id)
	}
	return e.artifact, nil
}

// Open returns the full payload bytes for id, reading spilled artifacts back
// from disk.
func (s *ArtifactStore) Open(ctx context.Context, id string) ([]byte, error) {
	art, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if art.Path != "" {
		data, err := os.ReadFile(art.Path)
		if err != nil {
			return nil, fmt.Errorf("read spilled artifact %s: %w", id, err)
		}
		return data, nil
	}
	return append([]byte(nil), art.Data...), nil
}

// Retain increments the reference count for id. Unknown ids are ignored.
func (s *ArtifactStore) Retain(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		e.refs++
	}
}

// Release decrements the reference count for id and drops the artifact when
// it reaches zero.
func (s *ArtifactStore) Release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return
	}
	e.refs--
	if e.refs > 0 {
		return
	}
	delete(s.entries, id)
	if e.artifact.Path != "" {
		if err := os.Remove(e.artifact.Path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("remove spilled artifact failed",
				zap.String("artifact_id", id), zap.Error(err))
		}
	}
}

// Refs returns the current reference count for id, zero when absent.
func (s *ArtifactStore) Refs(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		return e.refs
	}
	return 0
}

// Close removes the scratch directory and all spilled payloads.
func (s *ArtifactStore) Close() error {
	s.mu.Lock()
	s.entries = make(map[string]*entry)
	dir := s.cfg.ScratchDir
	s.mu.Unlock()
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove scratch dir: %w", err)
	}
	return nil
}

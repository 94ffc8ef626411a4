package service

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	storageerrors "github.com/devrev/pairdb/internal/errors"
	"github.com/devrev/pairdb/internal/model"
	"github.com/devrev/pairdb/internal/util"
	"go.uber.org/zap"
)

// SnapshotFileName is the snapshot file inside a runtime root
const SnapshotFileName = "snapshot.json"

// SnapshotService reads and atomically replaces the snapshot of one root
type SnapshotService struct {
	path   string
	logger *zap.Logger
}

// NewSnapshotService creates a snapshot service for dir
func NewSnapshotService(dir string, logger *zap.Logger) *SnapshotService {
	return &SnapshotService{
		path:   filepath.Join(dir, SnapshotFileName),
		logger: logger,
	}
}

// Path returns the snapshot file path
func (s *SnapshotService) Path() string {
	return s.path
}

// Load returns the snapshot, or nil if none exists yet.
// A format version other than model.SnapshotFormatVersion is rejected.
func (s *SnapshotService) Load() (*model.SnapshotFile, error) {
	snap, err := ReadSnapshot(s.path)
	if err != nil || snap == nil {
		return snap, err
	}
	s.logger.Info("Loaded snapshot",
		zap.String("path", s.path),
		zap.Uint64("last_seq", snap.LastSeq),
		zap.Int("entities", len(snap.Entities)),
		zap.Int("tombstones", len(snap.Tombstones)))
	return snap, nil
}

// Write replaces the snapshot through a temp file and an atomic rename
func (s *SnapshotService) Write(snap *model.SnapshotFile) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return storageerrors.SnapshotFailed("failed to marshal snapshot", err)
	}
	if err := util.WriteFileAtomic(s.path, data, 0644); err != nil {
		return storageerrors.SnapshotFailed("failed to write snapshot", err)
	}
	s.logger.Info("Wrote snapshot",
		zap.String("path", s.path),
		zap.Uint64("last_seq", snap.LastSeq),
		zap.Int("bytes", len(data)))
	return nil
}

// ReadSnapshot decodes a snapshot file. A missing file yields (nil, nil).
func ReadSnapshot(path string) (*model.SnapshotFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, storageerrors.SnapshotFailed("failed to read snapshot", err)
	}

	var snap model.SnapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, storageerrors.CorruptedData("malformed snapshot", err)
	}
	if snap.FormatVersion != model.SnapshotFormatVersion {
		return nil, storageerrors.CorruptedData(
			fmt.Sprintf("snapshot format version %d, expected %d", snap.FormatVersion, model.SnapshotFormatVersion), nil).
			WithDetail("format_version", snap.FormatVersion)
	}
	return &snap, nil
}

package service

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	storageerrors "github.com/devrev/pairdb/internal/errors"
	"github.com/devrev/pairdb/internal/metrics"
	"github.com/devrev/pairdb/internal/model"
	"github.com/devrev/pairdb/internal/util"
	"go.uber.org/zap"
)

// JournalFileName is the journal file inside a runtime root
const JournalFileName = "journal.log"

const maxJournalLine = 64 << 20

// DurabilityMode controls when journal appends reach stable storage
type DurabilityMode int

const (
	// DurabilityStrict fsyncs every append before it is acknowledged
	DurabilityStrict DurabilityMode = iota
	// DurabilityEventual fsyncs at most once per SyncInterval
	DurabilityEventual
)

// ParseDurability maps a config string to a DurabilityMode
func ParseDurability(s string) (DurabilityMode, error) {
	switch s {
	case "", "strict":
		return DurabilityStrict, nil
	case "eventual":
		return DurabilityEventual, nil
	default:
		return DurabilityStrict, fmt.Errorf("unknown durability mode %q", s)
	}
}

func (m DurabilityMode) String() string {
	if m == DurabilityEventual {
		return "eventual"
	}
	return "strict"
}

// JournalConfig holds journal configuration
type JournalConfig struct {
	Durability   DurabilityMode
	SyncInterval time.Duration
	Now          func() time.Time
}

// journalLine is the on-disk form of a record. The checksum covers the raw op bytes.
type journalLine struct {
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Op        json.RawMessage `json:"op"`
	Checksum  uint32          `json:"checksum"`
}

// JournalService is the append-only write-ahead log of one runtime root
type JournalService struct {
	config  *JournalConfig
	path    string
	file    *os.File
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	lastSeq uint64
	size    int64
	dirty   bool
	closed  bool

	stopChan chan struct{}
	doneChan chan struct{}
}

// NewJournalService opens (or creates) the journal in dir
func NewJournalService(dir string, cfg *JournalConfig, logger *zap.Logger, m *metrics.Metrics) (*JournalService, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Durability == DurabilityEventual && cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 100 * time.Millisecond
	}

	js := &JournalService{
		config:   cfg,
		path:     filepath.Join(dir, JournalFileName),
		logger:   logger,
		metrics:  m,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
	if err := js.openFile(); err != nil {
		return nil, err
	}

	if cfg.Durability == DurabilityEventual {
		go js.flusher()
	} else {
		close(js.doneChan)
	}

	logger.Info("Opened journal",
		zap.String("path", js.path),
		zap.String("durability", cfg.Durability.String()),
		zap.Int64("size", js.size))

	return js, nil
}

func (s *JournalService) openFile() error {
	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return storageerrors.JournalFailed("failed to open journal file", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return storageerrors.JournalFailed("failed to stat journal file", err)
	}
	s.file = file
	s.size = info.Size()
	s.metrics.JournalSizeBytes.Set(float64(s.size))
	return nil
}

// Path returns the journal file path
func (s *JournalService) Path() string {
	return s.path
}

// Size returns the current journal size in bytes
func (s *JournalService) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// LastSeq returns the sequence number of the last appended or replayed record
func (s *JournalService) LastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// Append assigns the next sequence number to op and writes it.
// Under strict durability the record is fsynced before Append returns.
func (s *JournalService) Append(op model.JournalOp) (model.JournalRecord, error) {
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return model.JournalRecord{}, storageerrors.Closed()
	}

	opBytes, err := json.Marshal(op)
	if err != nil {
		return model.JournalRecord{}, storageerrors.JournalFailed("failed to marshal journal op", err)
	}

	rec := model.JournalRecord{
		Seq:       s.lastSeq + 1,
		Timestamp: s.config.Now().UTC(),
		Op:        op,
		Checksum:  util.ComputeChecksum(opBytes),
	}
	data, err := json.Marshal(journalLine{
		Seq:       rec.Seq,
		Timestamp: rec.Timestamp,
		Op:        opBytes,
		Checksum:  rec.Checksum,
	})
	if err != nil {
		return model.JournalRecord{}, storageerrors.JournalFailed("failed to marshal journal record", err)
	}
	data = append(data, '\n')

	if _, err := s.file.Write(data); err != nil {
		return model.JournalRecord{}, storageerrors.JournalFailed("failed to write to journal", err)
	}

	if s.config.Durability == DurabilityStrict {
		if err := s.syncLocked(); err != nil {
			return model.JournalRecord{}, err
		}
	} else {
		s.dirty = true
	}

	s.lastSeq = rec.Seq
	s.size += int64(len(data))
	s.metrics.JournalAppendsTotal.Inc()
	s.metrics.JournalAppendDuration.Observe(time.Since(start).Seconds())
	s.metrics.JournalSizeBytes.Set(float64(s.size))

	return rec, nil
}

// Sync forces buffered appends to stable storage
func (s *JournalService) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.syncLocked()
}

func (s *JournalService) syncLocked() error {
	if err := s.file.Sync(); err != nil {
		return storageerrors.JournalFailed("failed to sync journal", err)
	}
	s.dirty = false
	s.metrics.JournalSyncsTotal.Inc()
	return nil
}

// flusher bounds the durability window under eventual durability
func (s *JournalService) flusher() {
	defer close(s.doneChan)

	ticker := time.NewTicker(s.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			if s.dirty && !s.closed {
				if err := s.syncLocked(); err != nil {
					s.logger.Error("Background journal sync failed", zap.Error(err))
				}
			}
			s.mu.Unlock()
		case <-s.stopChan:
			return
		}
	}
}

// Replay reads the whole journal, verifying order and checksums, and calls fn
// for every record with seq > afterSeq in file order.
// Any malformed or out-of-order line fails the replay.
func (s *JournalService) Replay(afterSeq uint64, fn func(model.JournalRecord) error) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, storageerrors.JournalFailed("failed to open journal for replay", err)
	}
	defer f.Close()

	applied := 0
	var prev uint64
	err = scanJournal(f, func(lineNo int, rec model.JournalRecord) error {
		if prev != 0 && rec.Seq <= prev {
			return storageerrors.CorruptedData(
				fmt.Sprintf("journal line %d: seq %d does not follow %d", lineNo, rec.Seq, prev), nil)
		}
		prev = rec.Seq
		if rec.Seq <= afterSeq {
			return nil
		}
		if err := fn(rec); err != nil {
			return err
		}
		applied++
		return nil
	})
	if err != nil {
		return applied, err
	}

	last := afterSeq
	if prev > last {
		last = prev
	}
	if last > s.lastSeq {
		s.lastSeq = last
	}

	s.logger.Info("Replayed journal",
		zap.String("path", s.path),
		zap.Uint64("after_seq", afterSeq),
		zap.Int("applied", applied),
		zap.Uint64("last_seq", s.lastSeq))

	return applied, nil
}

// SetLastSeq raises the sequence floor, e.g. after loading a snapshot
func (s *JournalService) SetLastSeq(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.lastSeq {
		s.lastSeq = seq
	}
}

// Rewrite drops every record with seq <= afterSeq using a temp file and an
// atomic rename, then reopens the journal for appends.
func (s *JournalService) Rewrite(afterSeq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storageerrors.Closed()
	}
	if err := s.syncLocked(); err != nil {
		return err
	}

	f, err := os.Open(s.path)
	if err != nil {
		return storageerrors.JournalFailed("failed to open journal for rewrite", err)
	}
	var kept bytes.Buffer
	dropped := 0
	err = scanJournalLines(f, func(lineNo int, raw []byte, rec model.JournalRecord) error {
		if rec.Seq <= afterSeq {
			dropped++
			return nil
		}
		kept.Write(raw)
		kept.WriteByte('\n')
		return nil
	})
	f.Close()
	if err != nil {
		return err
	}

	if err := util.WriteFileAtomic(s.path, kept.Bytes(), 0644); err != nil {
		return storageerrors.JournalFailed("failed to replace journal", err)
	}
	if err := s.file.Close(); err != nil {
		s.logger.Warn("Failed to close old journal handle", zap.Error(err))
	}
	if err := s.openFile(); err != nil {
		return err
	}

	s.logger.Info("Rewrote journal",
		zap.Uint64("after_seq", afterSeq),
		zap.Int("dropped", dropped),
		zap.Int64("size", s.size))

	return nil
}

// Close stops the background flusher, syncs and closes the journal
func (s *JournalService) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stopChan)
	err := s.file.Sync()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	s.mu.Unlock()

	<-s.doneChan

	if err != nil {
		return storageerrors.JournalFailed("failed to close journal", err)
	}
	return nil
}

// ReadJournal decodes every record of a journal file without opening it for writes.
// Used by offline inspection.
func ReadJournal(path string) ([]model.JournalRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []model.JournalRecord
	err = scanJournal(f, func(_ int, rec model.JournalRecord) error {
		out = append(out, rec)
		return nil
	})
	return out, err
}

func scanJournal(r io.Reader, fn func(lineNo int, rec model.JournalRecord) error) error {
	return scanJournalLines(r, func(lineNo int, _ []byte, rec model.JournalRecord) error {
		return fn(lineNo, rec)
	})
}

func scanJournalLines(r io.Reader, fn func(lineNo int, raw []byte, rec model.JournalRecord) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxJournalLine)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		rec, err := decodeJournalLine(raw)
		if err != nil {
			return storageerrors.CorruptedData(fmt.Sprintf("journal line %d", lineNo), err)
		}
		if err := fn(lineNo, raw, rec); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return storageerrors.CorruptedData("failed to scan journal", err)
	}
	return nil
}

func decodeJournalLine(raw []byte) (model.JournalRecord, error) {
	var line journalLine
	if err := json.Unmarshal(raw, &line); err != nil {
		return model.JournalRecord{}, fmt.Errorf("malformed record: %w", err)
	}
	if line.Seq == 0 {
		return model.JournalRecord{}, fmt.Errorf("missing seq")
	}
	if !util.ValidateChecksum(line.Op, line.Checksum) {
		return model.JournalRecord{}, fmt.Errorf("checksum mismatch at seq %d", line.Seq)
	}

	var op model.JournalOp
	if err := json.Unmarshal(line.Op, &op); err != nil {
		return model.JournalRecord{}, fmt.Errorf("malformed op at seq %d: %w", line.Seq, err)
	}
	if err := validateOp(op); err != nil {
		return model.JournalRecord{}, fmt.Errorf("seq %d: %w", line.Seq, err)
	}

	return model.JournalRecord{
		Seq:       line.Seq,
		Timestamp: line.Timestamp,
		Op:        op,
		Checksum:  line.Checksum,
	}, nil
}

func validateOp(op model.JournalOp) error {
	switch op.Kind {
	case model.JournalOpUpsert:
		if op.Upsert == nil {
			return fmt.Errorf("upsert op without payload")
		}
	case model.JournalOpDelete:
		if op.Delete == nil {
			return fmt.Errorf("delete op without payload")
		}
	case model.JournalOpOutboxUpsert:
		if op.Outbox == nil {
			return fmt.Errorf("outbox op without payload")
		}
	case model.JournalOpTouch:
		if op.Touch == nil {
			return fmt.Errorf("touch op without payload")
		}
	default:
		return fmt.Errorf("unknown op kind %q", op.Kind)
	}
	return nil
}

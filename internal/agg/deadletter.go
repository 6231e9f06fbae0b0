package agg

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"fnostream/pkg/types"
)

// DeadLetterRecord is one entry in the dead-letter file: the bar that could
// not be persisted and the final error that exhausted the retries.
type DeadLetterRecord struct {
	Bar   types.Bar `json:"bar"`
	Cause string    `json:"cause"`
	At    time.Time `json:"at"`
}

// FileSink is a JSON dead-letter file for unpersistable closed bars. Writes
// go through a temp file and an atomic rename, so the file on disk is always
// a complete, parseable document — operators replay it into the database
// after an outage. Dead letters are rare by construction; rewriting the
// whole file per entry is fine.
type FileSink struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	records []DeadLetterRecord
}

// NewFileSink opens (or creates) the dead-letter file at path. An existing
// file is loaded so records survive restarts until replayed and truncated.
func NewFileSink(path string, logger *slog.Logger) (*FileSink, error) {
	s := &FileSink{
		path:   path,
		logger: logger.With("component", "deadletter"),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.records); err != nil {
			return nil, err
		}
		s.logger.Warn("dead-letter file has unreplayed bars", "count", len(s.records))
	}
	return s, nil
}

// Write appends the bar to the dead-letter file. Best effort: a write
// failure is logged, never propagated, so a broken disk cannot stall the
// persister.
func (s *FileSink) Write(bar types.Bar, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, DeadLetterRecord{
		Bar:   bar,
		Cause: msg,
		At:    time.Now().UTC(),
	})
	if err := s.flushLocked(); err != nil {
		s.logger.Error("dead-letter write failed",
			"instrument", bar.Instrument, "timeframe", bar.Timeframe, "error", err)
		return
	}
	s.logger.Error("bar dead-lettered",
		"instrument", bar.Instrument, "timeframe", bar.Timeframe,
		"bucket", bar.BucketStart, "cause", msg)
}

// Records returns a copy of the sink's current contents.
func (s *FileSink) Records() []DeadLetterRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeadLetterRecord, len(s.records))
	copy(out, s.records)
	return out
}

func (s *FileSink) flushLocked() error {
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Package filestore implements storage.Store as an append-structured log on the
// local filesystem.
//
// The directory holds three files:
//
//	events.log  framed records, appended and fsynced on every write
//	meta.yaml   instance id and high-water mark, replaced atomically
//	LOCK        exclusive lock held while the store is open
//
// Replay stops at the first torn or corrupt frame and truncates the log there,
// so the last fsynced offset is always the end of the last valid frame.
package filestore

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/overtonx/edgebox/storage"
)

const (
	logFileName  = "events.log"
	metaFileName = "meta.yaml"
	lockFileName = "LOCK"

	defaultCompactionThreshold = 1024
)

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithCompactionThreshold sets how many superseded frames must accumulate
// before Compact rewrites the log.
func WithCompactionThreshold(n int) Option {
	return func(s *Store) {
		s.compactionThreshold = n
	}
}

// Store is a file-backed storage.Store.
type Store struct {
	dir                 string
	logger              *zap.Logger
	compactionThreshold int

	mu        sync.Mutex
	lock      *os.File
	log       *os.File
	size      int64
	meta      meta
	highWater int64
	garbage   int
	loaded    bool
	broken    error
	closed    bool
}

// Open opens or creates a store in dir.
func Open(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		dir:                 dir,
		logger:              zap.NewNop(),
		compactionThreshold: defaultCompactionThreshold,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	lock, err := lockDir(filepath.Join(dir, lockFileName))
	if err != nil {
		return nil, err
	}
	s.lock = lock

	f, err := os.OpenFile(s.logPath(), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		_ = unlockDir(lock)
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	s.log = f

	return s, nil
}

// Load replays the log and returns every live record.
func (s *Store) Load(ctx context.Context) (storage.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return storage.Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.Snapshot{}, storage.ErrClosed
	}

	m, ok, err := readMeta(s.metaPath())
	if err != nil {
		return storage.Snapshot{}, err
	}
	if !ok {
		m = meta{InstanceID: uuid.NewString()}
		if err := writeMeta(s.metaPath(), m); err != nil {
			return storage.Snapshot{}, fmt.Errorf("failed to initialise meta: %w", err)
		}
		s.logger.Info("Created new queue store", zap.String("dir", s.dir), zap.String("instance_id", m.InstanceID))
	}
	s.meta = m

	state, err := s.replay()
	if err != nil {
		return storage.Snapshot{}, err
	}

	s.highWater = max(m.HighWater, state.highWater)
	s.garbage = state.garbage
	s.loaded = true

	s.logger.Info("Replayed queue log",
		zap.String("dir", s.dir),
		zap.Int("records", len(state.records)),
		zap.Int64("high_water", s.highWater),
		zap.Int64("log_bytes", s.size),
	)

	return storage.Snapshot{
		InstanceID: m.InstanceID,
		HighWater:  s.highWater,
		Records:    state.sorted(),
	}, nil
}

// Append persists rec and removes evict in one fsynced frame.
func (s *Store) Append(ctx context.Context, rec storage.Record, evict ...int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.write(func() error {
		if rec.ID <= s.highWater {
			return storage.ErrRecordExists
		}
		return nil
	}, []entry{{op: opPut, record: rec, ids: evict}}, func() {
		s.highWater = rec.ID
		s.garbage += len(evict)
	})
}

// Update persists the attempts, status and last error of recs with a single fsync.
func (s *Store) Update(ctx context.Context, recs ...storage.Record) error {
	if len(recs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	entries := make([]entry, len(recs))
	for i, rec := range recs {
		entries[i] = entry{op: opUpdate, record: rec}
	}
	return s.write(nil, entries, func() {
		s.garbage += len(recs)
	})
}

// Delete persists the removal of ids.
func (s *Store) Delete(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.write(nil, []entry{{op: opDelete, ids: ids}}, func() {
		s.garbage += len(ids) + 1
	})
}

// write appends entries as consecutive frames and fsyncs once. A frame larger
// than replay accepts is refused before anything reaches the log.
func (s *Store) write(check func() error, entries []entry, commit func()) error {
	var frame []byte
	for _, e := range entries {
		body := encodeEntry(e)
		if len(body) > maxFrameSize {
			return fmt.Errorf("%w: frame of %d bytes exceeds %d", storage.ErrRecordTooLarge, len(body), maxFrameSize)
		}
		frame = appendFrame(frame, body)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}
	if !s.loaded {
		return errors.New("store must be loaded before it is written")
	}
	if s.broken != nil {
		return fmt.Errorf("log is unusable after an earlier failure: %w", s.broken)
	}
	if check != nil {
		if err := check(); err != nil {
			return err
		}
	}

	if _, err := s.log.Write(frame); err != nil {
		s.rewind()
		return fmt.Errorf("failed to write log: %w", err)
	}
	if err := s.log.Sync(); err != nil {
		s.rewind()
		return fmt.Errorf("failed to sync log: %w", err)
	}

	s.size += int64(len(frame))
	commit()
	return nil
}

// rewind cuts a partially written frame off the end of the log. A torn frame
// in the middle of the log would hide every frame written after it.
func (s *Store) rewind() {
	if err := s.log.Truncate(s.size); err != nil {
		s.broken = err
		s.logger.Error("Failed to rewind log after write error", zap.Error(err))
	}
}

// Compact rewrites the log keeping only live records.
func (s *Store) Compact(ctx context.Context) (storage.CompactResult, error) {
	if err := ctx.Err(); err != nil {
		return storage.CompactResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.CompactResult{}, storage.ErrClosed
	}
	if !s.loaded || s.garbage < s.compactionThreshold {
		return storage.CompactResult{Skipped: true}, nil
	}

	state, err := s.replay()
	if err != nil {
		return storage.CompactResult{}, err
	}
	records := state.sorted()

	// The high-water mark goes to meta first: once the log is rewritten the
	// ids of deleted records are gone from it.
	m := s.meta
	m.HighWater = s.highWater
	m.CompactedAt = time.Now().UTC()
	if err := writeMeta(s.metaPath(), m); err != nil {
		return storage.CompactResult{}, fmt.Errorf("failed to write meta: %w", err)
	}
	s.meta = m

	var buf []byte
	for _, rec := range records {
		buf = appendFrame(buf, encodeEntry(entry{op: opPut, record: rec}))
	}

	tmpPath := s.logPath() + ".compact"
	if err := writeFileSync(tmpPath, buf); err != nil {
		return storage.CompactResult{}, err
	}
	if err := os.Rename(tmpPath, s.logPath()); err != nil {
		_ = os.Remove(tmpPath)
		return storage.CompactResult{}, fmt.Errorf("failed to swap compacted log: %w", err)
	}
	if err := syncDir(s.dir); err != nil {
		return storage.CompactResult{}, err
	}

	old := s.size
	_ = s.log.Close()

	f, err := os.OpenFile(s.logPath(), os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		s.broken = err
		return storage.CompactResult{}, fmt.Errorf("failed to reopen compacted log: %w", err)
	}
	s.log = f
	s.size = int64(len(buf))
	s.garbage = 0

	result := storage.CompactResult{
		LiveRecords:    len(records),
		ReclaimedBytes: old - s.size,
	}
	s.logger.Info("Compacted queue log",
		zap.Int("live_records", result.LiveRecords),
		zap.Int64("reclaimed_bytes", result.ReclaimedBytes),
	)
	return result, nil
}

// Close releases the log and the directory lock.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	err := s.log.Close()
	if lerr := unlockDir(s.lock); err == nil {
		err = lerr
	}
	return err
}

// Dir returns the directory the store lives in.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) logPath() string  { return filepath.Join(s.dir, logFileName) }
func (s *Store) metaPath() string { return filepath.Join(s.dir, metaFileName) }

type replayState struct {
	records   map[int64]storage.Record
	highWater int64
	garbage   int
}

func (r replayState) sorted() []storage.Record {
	out := make([]storage.Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// replay reads the log from the start. Damage at the tail is truncated away.
// The caller holds s.mu.
func (s *Store) replay() (replayState, error) {
	info, err := s.log.Stat()
	if err != nil {
		return replayState{}, fmt.Errorf("failed to stat log: %w", err)
	}

	state := replayState{records: make(map[int64]storage.Record)}
	r := bufio.NewReader(io.NewSectionReader(s.log, 0, info.Size()))

	var offset int64
	for {
		body, err := readFrame(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err == nil {
			var e entry
			e, err = decodeEntry(body)
			if err == nil {
				state.apply(e)
				offset += int64(frameHeaderSize + len(body))
				continue
			}
		}

		s.logger.Warn("Truncating damaged log tail",
			zap.Int64("offset", offset),
			zap.Int64("discarded_bytes", info.Size()-offset),
			zap.Error(err),
		)
		if err := s.log.Truncate(offset); err != nil {
			return replayState{}, fmt.Errorf("failed to truncate damaged log: %w", err)
		}
		if err := s.log.Sync(); err != nil {
			return replayState{}, fmt.Errorf("failed to sync truncated log: %w", err)
		}
		break
	}

	s.size = offset
	return state, nil
}

func (r *replayState) apply(e entry) {
	switch e.op {
	case opPut:
		r.records[e.record.ID] = e.record
		r.highWater = max(r.highWater, e.record.ID)
	case opUpdate:
		rec, ok := r.records[e.record.ID]
		if ok {
			rec.Attempts = e.record.Attempts
			rec.Status = e.record.Status
			rec.LastError = e.record.LastError
			r.records[rec.ID] = rec
		}
		r.garbage++
	case opDelete:
		r.garbage++
	}

	for _, id := range e.ids {
		if _, ok := r.records[id]; ok {
			delete(r.records, id)
			r.garbage++
		}
		r.highWater = max(r.highWater, id)
	}
}

func writeFileSync(path string, content []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create compacted log: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return fmt.Errorf("failed to write compacted log: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync compacted log: %w", err)
	}
	return f.Close()
}

// Package boltstore implements storage.Store on top of a BoltDB file.
package boltstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/overtonx/edgebox/storage"
	"github.com/overtonx/edgebox/storage/codec"
)

var (
	// eventsBucketKey holds one value per live record. Keys are record ids
	// encoded as 8-byte big-endian packets so that cursor order is id order.
	eventsBucketKey = []byte("events")

	// metaBucketKey holds the instance id and the high-water mark.
	metaBucketKey = []byte("meta")

	instanceIDKey = []byte("instance_id")
	highWaterKey  = []byte("high_water")
)

var _ storage.Store = (*Store)(nil)

// Store is a BoltDB-backed storage.Store.
//
// BoltDB fsyncs on every committed write transaction, so each mutating call
// is durable when it returns.
type Store struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// Open opens or creates the database file at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Load returns the stored records, creating the buckets on first use.
func (s *Store) Load(ctx context.Context) (storage.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return storage.Snapshot{}, err
	}

	var snap storage.Snapshot

	err := s.db.Update(func(tx *bbolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(metaBucketKey)
		if err != nil {
			return err
		}
		events, err := tx.CreateBucketIfNotExists(eventsBucketKey)
		if err != nil {
			return err
		}

		if id := meta.Get(instanceIDKey); id != nil {
			snap.InstanceID = string(id)
		} else {
			snap.InstanceID = uuid.NewString()
			if err := meta.Put(instanceIDKey, []byte(snap.InstanceID)); err != nil {
				return err
			}
			s.logger.Info("Created new queue store",
				zap.String("path", s.db.Path()),
				zap.String("instance_id", snap.InstanceID),
			)
		}
		snap.HighWater = unmarshalID(meta.Get(highWaterKey))

		return events.ForEach(func(k, v []byte) error {
			rec, err := codec.UnmarshalRecord(v)
			if err != nil {
				return fmt.Errorf("record %d: %w", unmarshalID(k), err)
			}
			snap.Records = append(snap.Records, rec)
			return nil
		})
	})
	if err != nil {
		return storage.Snapshot{}, fmt.Errorf("failed to load bolt database: %w", err)
	}

	return snap, nil
}

// Append stores rec and removes evict in one transaction.
func (s *Store) Append(ctx context.Context, rec storage.Record, evict ...int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.update(func(meta, events *bbolt.Bucket) error {
		if rec.ID <= unmarshalID(meta.Get(highWaterKey)) {
			return storage.ErrRecordExists
		}
		for _, id := range evict {
			if err := events.Delete(marshalID(id)); err != nil {
				return err
			}
		}
		if err := events.Put(marshalID(rec.ID), codec.MarshalRecord(rec)); err != nil {
			return err
		}
		return meta.Put(highWaterKey, marshalID(rec.ID))
	})
}

// Update rewrites the delivery state of existing records in one transaction.
func (s *Store) Update(ctx context.Context, recs ...storage.Record) error {
	if len(recs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.update(func(_, events *bbolt.Bucket) error {
		for _, rec := range recs {
			k := marshalID(rec.ID)
			v := events.Get(k)
			if v == nil {
				continue
			}

			stored, err := codec.UnmarshalRecord(v)
			if err != nil {
				return err
			}
			stored.Attempts = rec.Attempts
			stored.Status = rec.Status
			stored.LastError = rec.LastError

			if err := events.Put(k, codec.MarshalRecord(stored)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete removes the records with the given ids.
func (s *Store) Delete(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.update(func(_, events *bbolt.Bucket) error {
		for _, id := range ids {
			if err := events.Delete(marshalID(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Compact is a no-op. BoltDB reuses freed pages itself.
func (s *Store) Compact(ctx context.Context) (storage.CompactResult, error) {
	return storage.CompactResult{Skipped: true}, ctx.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) update(fn func(meta, events *bbolt.Bucket) error) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metaBucketKey)
		events := tx.Bucket(eventsBucketKey)
		if meta == nil || events == nil {
			return errors.New("store must be loaded before it is written")
		}
		return fn(meta, events)
	})
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return storage.ErrClosed
	}
	return err
}

func marshalID(id int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	return b[:]
}

func unmarshalID(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

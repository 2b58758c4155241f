// Package sqlstore implements storage.Store on a MySQL database.
//
// It suits gateways that already run a local MySQL instance. Every mutating
// call runs in its own transaction managed by go-transaction-manager, so the
// append of a record and the eviction it causes commit together.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	trmsql "github.com/avito-tech/go-transaction-manager/drivers/sql/v2"
	"github.com/avito-tech/go-transaction-manager/trm/v2/manager"
	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/overtonx/edgebox/storage"
)

const (
	tableEvents = "edgebox_events"
	tableMeta   = "edgebox_meta"

	metaInstanceID = "instance_id"
	metaHighWater  = "high_water"
)

// SQL queries
const (
	selectMetaQuery = `SELECT value FROM %s WHERE name = ?`

	insertMetaQuery = `INSERT INTO %s (name, value) VALUES (?, ?)`

	raiseHighWaterQuery = `
		INSERT INTO %s (name, value) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE value = GREATEST(CAST(value AS SIGNED), CAST(VALUES(value) AS SIGNED))`

	selectEventsQuery = `
		SELECT id, created_at, payload, headers, attempts, status, last_error
		FROM %s
		ORDER BY id`

	insertEventQuery = `
		INSERT INTO %s (id, created_at, payload, headers, attempts, status, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	updateEventQuery = `UPDATE %s SET attempts = ?, status = ?, last_error = ? WHERE id = ?`

	deleteEventsQuery = `DELETE FROM %s WHERE id IN (%s)`
)

var _ storage.Store = (*SQLStore)(nil)

// SQLStore is a MySQL-backed storage.Store.
type SQLStore struct {
	db        *sql.DB
	trManager *manager.Manager
	getter    *trmsql.CtxGetter
	logger    *zap.Logger
}

// NewSQLStore returns a store that uses db. The caller owns db.
func NewSQLStore(db *sql.DB, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{
		db:        db,
		trManager: manager.Must(trmsql.NewDefaultFactory(db)),
		getter:    trmsql.DefaultCtxGetter,
		logger:    logger,
	}
}

func (s *SQLStore) conn(ctx context.Context) trmsql.Tr {
	return s.getter.DefaultTrOrDB(ctx, s.db)
}

// Load reads the meta rows and every stored record.
func (s *SQLStore) Load(ctx context.Context) (storage.Snapshot, error) {
	var snap storage.Snapshot

	err := s.trManager.Do(ctx, func(ctx context.Context) error {
		id, ok, err := s.readMeta(ctx, metaInstanceID)
		if err != nil {
			return err
		}
		if !ok {
			id = uuid.NewString()
			query := fmt.Sprintf(insertMetaQuery, tableMeta)
			if _, err := s.conn(ctx).ExecContext(ctx, query, metaInstanceID, id); err != nil {
				return fmt.Errorf("failed to save instance id: %w", err)
			}
			s.logger.Info("Created new queue store", zap.String("instance_id", id))
		}
		snap.InstanceID = id

		hw, ok, err := s.readMeta(ctx, metaHighWater)
		if err != nil {
			return err
		}
		if ok {
			if _, err := fmt.Sscan(hw, &snap.HighWater); err != nil {
				return fmt.Errorf("failed to parse high-water mark %q: %w", hw, err)
			}
		}

		rows, err := s.conn(ctx).QueryContext(ctx, fmt.Sprintf(selectEventsQuery, tableEvents))
		if err != nil {
			return fmt.Errorf("failed to query events: %w", err)
		}
		defer rows.Close()

		snap.Records, err = scanRecords(rows)
		return err
	})
	if err != nil {
		return storage.Snapshot{}, err
	}

	for _, rec := range snap.Records {
		snap.HighWater = max(snap.HighWater, rec.ID)
	}
	return snap, nil
}

// Append inserts rec, deletes evict and raises the high-water mark in one transaction.
func (s *SQLStore) Append(ctx context.Context, rec storage.Record, evict ...int64) error {
	var headersJSON []byte
	if len(rec.Headers) > 0 {
		var err error
		headersJSON, err = json.Marshal(rec.Headers)
		if err != nil {
			return fmt.Errorf("failed to marshal headers: %w", err)
		}
	}

	return s.trManager.Do(ctx, func(ctx context.Context) error {
		if err := s.deleteIDs(ctx, evict); err != nil {
			return err
		}

		query := fmt.Sprintf(insertEventQuery, tableEvents)
		_, err := s.conn(ctx).ExecContext(ctx, query,
			rec.ID,
			rec.Timestamp.UTC(),
			rec.Payload,
			headersJSON,
			rec.Attempts,
			rec.Status,
			nullString(rec.LastError),
		)
		if err != nil {
			return fmt.Errorf("failed to save event: %w", convertFromDBError(err))
		}

		query = fmt.Sprintf(raiseHighWaterQuery, tableMeta)
		if _, err := s.conn(ctx).ExecContext(ctx, query, metaHighWater, fmt.Sprint(rec.ID)); err != nil {
			return fmt.Errorf("failed to raise high-water mark: %w", err)
		}
		return nil
	})
}

// Update rewrites the attempts, status and last error of recs in one transaction.
func (s *SQLStore) Update(ctx context.Context, recs ...storage.Record) error {
	if len(recs) == 0 {
		return nil
	}

	query := fmt.Sprintf(updateEventQuery, tableEvents)
	return s.trManager.Do(ctx, func(ctx context.Context) error {
		for _, rec := range recs {
			_, err := s.conn(ctx).ExecContext(ctx, query, rec.Attempts, rec.Status, nullString(rec.LastError), rec.ID)
			if err != nil {
				return fmt.Errorf("failed to update event %d: %w", rec.ID, err)
			}
		}
		return nil
	})
}

// Delete removes the records with the given ids.
func (s *SQLStore) Delete(ctx context.Context, ids ...int64) error {
	return s.deleteIDs(ctx, ids)
}

// Compact is a no-op. InnoDB reclaims deleted rows through purge.
func (s *SQLStore) Compact(ctx context.Context) (storage.CompactResult, error) {
	return storage.CompactResult{Skipped: true}, ctx.Err()
}

// Close is a no-op. The caller owns the *sql.DB.
func (s *SQLStore) Close() error {
	return nil
}

func (s *SQLStore) deleteIDs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(ids)-1) + "?"
	query := fmt.Sprintf(deleteEventsQuery, tableEvents, placeholders)

	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	if _, err := s.conn(ctx).ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}
	return nil
}

func (s *SQLStore) readMeta(ctx context.Context, name string) (string, bool, error) {
	var value string
	query := fmt.Sprintf(selectMetaQuery, tableMeta)
	err := s.conn(ctx).QueryRowContext(ctx, query, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return value, true, nil
}

func scanRecords(rows *sql.Rows) ([]storage.Record, error) {
	var records []storage.Record
	for rows.Next() {
		var (
			rec       storage.Record
			headers   []byte
			lastError sql.NullString
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.Timestamp,
			&rec.Payload,
			&headers,
			&rec.Attempts,
			&rec.Status,
			&lastError,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &rec.Headers); err != nil {
				return nil, fmt.Errorf("failed to unmarshal headers of event %d: %w", rec.ID, err)
			}
		}
		rec.Timestamp = rec.Timestamp.UTC()
		rec.LastError = lastError.String
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading event rows: %w", err)
	}
	return records, nil
}

// convertFromDBError maps driver errors to storage errors.
func convertFromDBError(err error) error {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 { // Duplicate entry
		return storage.ErrRecordExists
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// EnsureTables creates the tables if they do not exist.
func (s *SQLStore) EnsureTables(ctx context.Context) error {
	if err := s.createEventsTable(ctx); err != nil {
		return err
	}
	return s.createMetaTable(ctx)
}

func (s *SQLStore) createEventsTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS edgebox_events (
			id          BIGINT       NOT NULL PRIMARY KEY,
			created_at  DATETIME(6)  NOT NULL,
			payload     LONGBLOB     NOT NULL,
			headers     JSON         NULL,
			attempts    INT          NOT NULL DEFAULT 0,
			status      TINYINT      NOT NULL DEFAULT 0 COMMENT '0 - pending, 1 - in flight, 2 - delivered, 3 - failed',
			last_error  TEXT         NULL,
			INDEX idx_status (status)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create edgebox_events table: %w", err)
	}
	return nil
}

func (s *SQLStore) createMetaTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS edgebox_meta (
			name   VARCHAR(64)  NOT NULL PRIMARY KEY,
			value  VARCHAR(255) NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create edgebox_meta table: %w", err)
	}
	return nil
}

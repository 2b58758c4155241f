package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/overtonx/edgebox/config"
	"github.com/overtonx/edgebox/storage"
	"github.com/overtonx/edgebox/storage/boltstore"
	"github.com/overtonx/edgebox/storage/filestore"
	"github.com/overtonx/edgebox/storage/sqlstore"
)

// mysqlStore closes the connection pool it was opened with.
type mysqlStore struct {
	*sqlstore.SQLStore
	db *sql.DB
}

func (s *mysqlStore) Close() error {
	return multierr.Append(s.SQLStore.Close(), s.db.Close())
}

func openStore(ctx context.Context, opts config.StorageOptions, logger *zap.Logger) (storage.Store, error) {
	logger = logger.Named("storage").With(zap.String("driver", opts.Driver))

	switch opts.Driver {
	case config.StorageFile:
		fopts := []filestore.Option{filestore.WithLogger(logger)}
		if opts.CompactionThreshold > 0 {
			fopts = append(fopts, filestore.WithCompactionThreshold(opts.CompactionThreshold))
		}
		return filestore.Open(opts.Path, fopts...)

	case config.StorageBolt:
		return boltstore.Open(opts.Path, logger)

	case config.StorageMySQL:
		db, err := openMySQL(ctx, opts.DSN)
		if err != nil {
			return nil, err
		}
		store := &mysqlStore{SQLStore: sqlstore.NewSQLStore(db, logger), db: db}
		if err := store.EnsureTables(ctx); err != nil {
			return nil, multierr.Append(err, store.Close())
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}
}

// openMySQL connects with parseTime forced on and times in UTC, which the
// event rows rely on.
func openMySQL(ctx context.Context, dsn string) (*sql.DB, error) {
	cfg, err := mysqlConfig(dsn)
	if err != nil {
		return nil, err
	}
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create mysql connector: %w", err)
	}

	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to ping database: %w", err), db.Close())
	}
	return db, nil
}

func mysqlConfig(dsn string) (*mysql.Config, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg, nil
}

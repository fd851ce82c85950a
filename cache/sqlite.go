package cache

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

type SQLiteConfig struct {
	Path string `json:"path"`
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_partitions (
	name TEXT PRIMARY KEY,
	created_seq INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS cache_entries (
	partition_name TEXT NOT NULL,
	cache_key TEXT NOT NULL,
	seq INTEGER NOT NULL,
	payload BLOB NOT NULL,
	PRIMARY KEY (partition_name, cache_key)
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_order ON cache_entries (partition_name, seq);
CREATE TABLE IF NOT EXISTS cache_sequence (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	value INTEGER NOT NULL
);
INSERT OR IGNORE INTO cache_sequence (id, value) VALUES (1, 0);
`

// SQLiteStorage keeps all partitions in two tables of one database file.
// Entry order comes from a persisted counter bumped inside each write.
type SQLiteStorage struct {
	logger types.Logger
	codec  *Codec
	config *SQLiteConfig
	db     *sql.DB
	state  atomic.Value
}

func NewSQLiteStorage(ctx context.Context, logger types.Logger, codec *Codec, rawConfig interface{}) (*SQLiteStorage, error) {
	var sqliteConfig = &SQLiteConfig{
		Path: "./data/cache.db",
	}

	if rawConfig != nil {
		if err := utils.UnmarshalConfig(rawConfig, sqliteConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal sqlite storage config")
		}
	}

	if err := os.MkdirAll(filepath.Dir(sqliteConfig.Path), 0755); err != nil {
		return nil, types.StorageError("create sqlite directory", err)
	}

	db, err := sql.Open("sqlite3", sqliteConfig.Path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, types.StorageError("open sqlite", err)
	}

	db.SetMaxOpenConns(1)

	storage := &SQLiteStorage{
		logger: logger,
		codec:  codec,
		config: sqliteConfig,
		db:     db,
	}

	storage.state.Store(StateStopped)

	if err = storage.initDatabase(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logger.Error("Failed to close database during cleanup", zap.Error(closeErr))
		}
		return nil, err
	}

	return storage, nil
}

func (s *SQLiteStorage) Start() error {
	if !s.state.CompareAndSwap(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	s.state.Store(StateRunning)
	s.logger.Info("SQLite cache storage started", zap.String("path", s.config.Path))

	return nil
}

func (s *SQLiteStorage) Stop() error {
	if !s.state.CompareAndSwap(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer s.state.Store(StateStopped)

	if err := s.db.Close(); err != nil {
		return types.WrapError(err, "failed to close sqlite database")
	}

	s.logger.Info("SQLite cache storage stopped")

	return nil
}

func (s *SQLiteStorage) IsRunning() bool {
	return s.state.Load().(State) == StateRunning
}

func (s *SQLiteStorage) Open(ctx context.Context, name string) (types.Partition, error) {
	if name == "" {
		return nil, types.ErrPartitionNameEmpty
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return s.register(ctx, tx, name)
	})
	if err != nil {
		return nil, types.StorageError("open partition", err)
	}

	return &sqlitePartition{storage: s, name: name}, nil
}

func (s *SQLiteStorage) Has(ctx context.Context, name string) (bool, error) {
	var exists int

	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM cache_partitions WHERE name = ?)`, name,
	).Scan(&exists)
	if err != nil {
		return false, types.StorageError("has partition", err)
	}

	return exists == 1, nil
}

func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	var deleted bool

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM cache_partitions WHERE name = ?`, name)
		if err != nil {
			return err
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		deleted = affected > 0

		_, err = tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE partition_name = ?`, name)
		return err
	})
	if err != nil {
		return false, types.StorageError("delete partition", err)
	}

	return deleted, nil
}

func (s *SQLiteStorage) Names(ctx context.Context) ([]string, error) {
	names, err := s.queryStrings(ctx, `SELECT name FROM cache_partitions ORDER BY created_seq`)
	if err != nil {
		return nil, types.StorageError("list partitions", err)
	}

	return names, nil
}

func (s *SQLiteStorage) initDatabase(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return types.StorageError("init sqlite schema", err)
	}

	return nil
}

func (s *SQLiteStorage) register(ctx context.Context, tx *sql.Tx, name string) error {
	seq, err := s.nextSeq(ctx, tx)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO cache_partitions (name, created_seq) VALUES (?, ?)`, name, seq)

	return err
}

func (s *SQLiteStorage) nextSeq(ctx context.Context, tx *sql.Tx) (int64, error) {
	if _, err := tx.ExecContext(ctx, `UPDATE cache_sequence SET value = value + 1 WHERE id = 1`); err != nil {
		return 0, err
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT value FROM cache_sequence WHERE id = 1`).Scan(&seq); err != nil {
		return 0, err
	}

	return seq, nil
}

func (s *SQLiteStorage) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err = fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Failed to rollback sqlite transaction", zap.Error(rbErr))
		}
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStorage) queryStrings(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]string, 0)
	for rows.Next() {
		var value string
		if err = rows.Scan(&value); err != nil {
			return nil, err
		}
		result = append(result, value)
	}

	return result, rows.Err()
}

type sqlitePartition struct {
	storage *SQLiteStorage
	name    string
}

func (p *sqlitePartition) Name() string {
	return p.name
}

func (p *sqlitePartition) Match(ctx context.Context, key string) (*types.CacheEntry, error) {
	var payload []byte

	err := p.storage.db.QueryRowContext(ctx,
		`SELECT payload FROM cache_entries WHERE partition_name = ? AND cache_key = ?`, p.name, key,
	).Scan(&payload)
	if err != nil {
		if types.IsError(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, types.StorageError("match", err)
	}

	entry, err := p.storage.codec.Unmarshal(payload)
	if err != nil {
		return nil, types.StorageError("match", err)
	}

	return entry, nil
}

// Put upserts the row with a new sequence value, moving the key to the
// newest position.
func (p *sqlitePartition) Put(ctx context.Context, entry *types.CacheEntry) error {
	if entry == nil || entry.Key == "" {
		return types.ErrCacheKeyEmpty
	}

	data, err := p.storage.codec.Marshal(entry)
	if err != nil {
		return err
	}

	err = p.storage.withTx(ctx, func(tx *sql.Tx) error {
		if err := p.storage.register(ctx, tx, p.name); err != nil {
			return err
		}

		seq, err := p.storage.nextSeq(ctx, tx)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO cache_entries (partition_name, cache_key, seq, payload) VALUES (?, ?, ?, ?)
			ON CONFLICT (partition_name, cache_key) DO UPDATE SET seq = excluded.seq, payload = excluded.payload`,
			p.name, entry.Key, seq, data)

		return err
	})
	if err != nil {
		return types.StorageError("put", err)
	}

	return nil
}

func (p *sqlitePartition) Delete(ctx context.Context, key string) (bool, error) {
	result, err := p.storage.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE partition_name = ? AND cache_key = ?`, p.name, key)
	if err != nil {
		return false, types.StorageError("delete", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, types.StorageError("delete", err)
	}

	return affected > 0, nil
}

func (p *sqlitePartition) Keys(ctx context.Context) ([]string, error) {
	keys, err := p.storage.queryStrings(ctx,
		`SELECT cache_key FROM cache_entries WHERE partition_name = ? ORDER BY seq`, p.name)
	if err != nil {
		return nil, types.StorageError("keys", err)
	}

	return keys, nil
}

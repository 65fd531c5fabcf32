package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kjstillabower/city-weather-service/internal/models"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS weather_cache (
	city_key  TEXT PRIMARY KEY,
	data      BLOB NOT NULL,
	cached_at INTEGER NOT NULL
);`

// cached_at only moves forward; an older write matches no row and is dropped.
const sqliteUpsert = `INSERT INTO weather_cache(city_key, data, cached_at) VALUES(?, ?, ?)
ON CONFLICT(city_key) DO UPDATE SET data = excluded.data, cached_at = excluded.cached_at
WHERE excluded.cached_at >= weather_cache.cached_at`

// SQLiteStore implements Store on a local sqlite file (pure Go driver modernc.org/sqlite).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; avoids SQLITE_BUSY under concurrent upserts.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (models.CacheRecord, bool, error) {
	var (
		data   []byte
		micros int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT data, cached_at FROM weather_cache WHERE city_key = ?`, key,
	).Scan(&data, &micros)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CacheRecord{}, false, nil
	}
	if err != nil {
		return models.CacheRecord{}, false, storeErr("get", key, err)
	}
	return models.CacheRecord{
		CityKey:  key,
		Data:     data,
		CachedAt: time.UnixMicro(micros).UTC(),
	}, true, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, rec models.CacheRecord) error {
	if rec.CityKey == "" {
		return storeErr("upsert", rec.CityKey, ErrEmptyKey)
	}
	_, err := s.db.ExecContext(ctx, sqliteUpsert, rec.CityKey, []byte(rec.Data), rec.CachedAt.UnixMicro())
	return storeErr("upsert", rec.CityKey, err)
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

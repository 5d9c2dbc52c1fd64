package meta

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/openclinic/chartsync/internal/dbx"
	"github.com/openclinic/chartsync/internal/device/models"
)

const (
	keyDeviceID     = "device_id"
	keyLastFullSync = "last_full_sync"
	cursorKeyPrefix = "cursor/"
)

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := r.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get metadata[%s]: %w", key, err)
	}
	return value, nil
}

func (r *SQLiteRepository) Set(ctx context.Context, key string, value []byte) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set metadata[%s]: %w", key, err)
	}
	return nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM metadata WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete metadata[%s]: %w", key, err)
	}
	return nil
}

func (r *SQLiteRepository) List(ctx context.Context) (map[string][]byte, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT key, value FROM metadata`)
	if err != nil {
		return nil, fmt.Errorf("failed to list metadata: %w", err)
	}
	defer rows.Close()

	result := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan metadata row: %w", err)
		}
		result[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate metadata rows: %w", err)
	}

	return result, nil
}

func (r *SQLiteRepository) Cursor(ctx context.Context, t models.EntityType) (int64, error) {
	raw, err := r.Get(ctx, cursorKeyPrefix+string(t))
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return 0, nil
	}
	cursor, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt cursor for %s: %w", t, err)
	}
	return cursor, nil
}

func (r *SQLiteRepository) SetCursor(ctx context.Context, t models.EntityType, cursor int64) error {
	// The cursor never moves backward. A lower value would make the next
	// pull replay changes that are already applied locally.
	current, err := r.Cursor(ctx, t)
	if err != nil {
		return err
	}
	if cursor <= current {
		return nil
	}
	return r.Set(ctx, cursorKeyPrefix+string(t), []byte(strconv.FormatInt(cursor, 10)))
}

func (r *SQLiteRepository) DeviceID(ctx context.Context) (string, error) {
	raw, err := r.Get(ctx, keyDeviceID)
	if err != nil {
		return "", err
	}
	if raw != nil {
		return string(raw), nil
	}
	id := uuid.NewString()
	if err := r.Set(ctx, keyDeviceID, []byte(id)); err != nil {
		return "", err
	}
	return id, nil
}

func (r *SQLiteRepository) LastFullSync(ctx context.Context) (time.Time, error) {
	raw, err := r.Get(ctx, keyLastFullSync)
	if err != nil {
		return time.Time{}, err
	}
	if raw == nil {
		return time.Time{}, nil
	}
	at, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt last_full_sync timestamp: %w", err)
	}
	return at, nil
}

func (r *SQLiteRepository) SetLastFullSync(ctx context.Context, at time.Time) error {
	return r.Set(ctx, keyLastFullSync, []byte(at.UTC().Format(time.RFC3339Nano)))
}

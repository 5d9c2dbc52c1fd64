package conflicts

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/openclinic/chartsync/internal/dbx"
	"github.com/openclinic/chartsync/internal/device/models"
)

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Insert(ctx context.Context, c *models.ConflictRecord) error {
	if c.LoggedAt.IsZero() {
		c.LoggedAt = time.Now().UTC()
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO conflict_log
			(entity_type, entity_id, winner_source, reason, loser_payload, loser_updated_at, logged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		string(c.EntityType), c.EntityID, c.WinnerSource, c.Reason,
		string(c.LoserPayload),
		c.LoserUpdatedAt.UTC().Format(time.RFC3339Nano),
		c.LoggedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert conflict record: %w", err)
	}
	c.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read conflict record id: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) List(ctx context.Context, limit int) ([]*models.ConflictRecord, error) {
	q := `
		SELECT id, entity_type, entity_id, winner_source, reason,
		       loser_payload, loser_updated_at, logged_at
		FROM conflict_log
		ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()
	return scanConflicts(rows)
}

func (r *SQLiteRepository) ListForEntity(ctx context.Context, t models.EntityType, id string) ([]*models.ConflictRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, winner_source, reason,
		       loser_payload, loser_updated_at, logged_at
		FROM conflict_log
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY id DESC
	`, string(t), id)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts for %s/%s: %w", t, id, err)
	}
	defer rows.Close()
	return scanConflicts(rows)
}

func scanConflicts(rows *sql.Rows) ([]*models.ConflictRecord, error) {
	var result []*models.ConflictRecord
	for rows.Next() {
		var (
			c                        models.ConflictRecord
			entityType               string
			payload                  string
			loserUpdatedAt, loggedAt string
		)
		err := rows.Scan(&c.ID, &entityType, &c.EntityID, &c.WinnerSource, &c.Reason,
			&payload, &loserUpdatedAt, &loggedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict row: %w", err)
		}
		c.EntityType = models.EntityType(entityType)
		c.LoserPayload = []byte(payload)
		if c.LoserUpdatedAt, err = time.Parse(time.RFC3339Nano, loserUpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to parse loser_updated_at: %w", err)
		}
		if c.LoggedAt, err = time.Parse(time.RFC3339Nano, loggedAt); err != nil {
			return nil, fmt.Errorf("failed to parse logged_at: %w", err)
		}
		result = append(result, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conflict rows: %w", err)
	}
	return result, nil
}

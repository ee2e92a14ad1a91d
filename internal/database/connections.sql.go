// internal/database/connections.sql.go
package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	custom_errors "repo-pulse/internal/errors"
	"repo-pulse/internal/model"
)

const connectionColumns = `id, provider, external_login, access_token_enc,
       COALESCE(last_sync_status, ''), last_sync_at, COALESCE(last_sync_error, '')`

func scanConnection(row pgx.Row) (model.Connection, error) {
	var (
		c      model.Connection
		status string
		at     pgtype.Timestamptz
	)
	if err := row.Scan(&c.ID, &c.Provider, &c.ExternalLogin, &c.AccessTokenEnc, &status, &at, &c.LastSyncError); err != nil {
		return model.Connection{}, err
	}
	c.LastSyncStatus = model.SyncStatus(status)
	if at.Valid {
		t := at.Time
		c.LastSyncAt = &t
	}
	return c, nil
}

const createConnection = `
INSERT INTO scm_connections (provider, external_login, access_token_enc)
VALUES ($1, $2, $3)
RETURNING ` + connectionColumns

func (q *Queries) CreateConnection(ctx context.Context, arg CreateConnectionParams) (model.Connection, error) {
	return scanConnection(q.db.QueryRow(ctx, createConnection, arg.Provider, arg.ExternalLogin, arg.AccessTokenEnc))
}

const getConnection = `SELECT ` + connectionColumns + ` FROM scm_connections WHERE id = $1`

func (q *Queries) GetConnection(ctx context.Context, id uuid.UUID) (model.Connection, error) {
	c, err := scanConnection(q.db.QueryRow(ctx, getConnection, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Connection{}, fmt.Errorf("%w: %s", custom_errors.ErrConnectionNotFound, id)
	}
	return c, err
}

const listConnections = `SELECT ` + connectionColumns + ` FROM scm_connections ORDER BY created_at, id`

func (q *Queries) ListConnections(ctx context.Context) ([]model.Connection, error) {
	rows, err := q.db.Query(ctx, listConnections)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const updateConnectionSyncStatus = `
UPDATE scm_connections
SET last_sync_status = $2, last_sync_at = $3, last_sync_error = NULLIF($4, '')
WHERE id = $1`

func (q *Queries) UpdateConnectionSyncStatus(ctx context.Context, arg UpdateConnectionSyncStatusParams) error {
	tag, err := q.db.Exec(ctx, updateConnectionSyncStatus, arg.ID, string(arg.Status), arg.At, arg.Error)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", custom_errors.ErrConnectionNotFound, arg.ID)
	}
	return nil
}

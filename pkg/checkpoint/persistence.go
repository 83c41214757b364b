package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/cuemby/repograph/pkg/kgerrors"
	"github.com/cuemby/repograph/pkg/types"
	_ "modernc.org/sqlite"
)

// SQLitePersistence implements Persistence over a single-table sqlite
// database, matching the abstract job schema:
//
//	job(id PK, payload JSON, attempts INT, status TEXT, last_error TEXT
//	    NULL, queued_at TIMESTAMPTZ, updated_at TIMESTAMPTZ)
type SQLitePersistence struct {
	db *sql.DB
}

// NewSQLitePersistence opens (creating if absent) the sqlite database at path.
func NewSQLitePersistence(path string) (*SQLitePersistence, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, kgerrors.Durable(err, "open checkpoint db at %s", path)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single writer avoids SQLITE_BUSY
	return &SQLitePersistence{db: db}, nil
}

// Initialize creates the job table if it does not already exist.
func (p *SQLitePersistence) Initialize(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS job (
	id            TEXT PRIMARY KEY,
	payload       TEXT NOT NULL,
	attempts      INTEGER NOT NULL DEFAULT 0,
	status        TEXT NOT NULL,
	last_error    TEXT,
	queued_at     TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL,
	checkpoint_id TEXT
);`
	if _, err := p.db.ExecContext(ctx, ddl); err != nil {
		return kgerrors.Durable(err, "create job table")
	}
	return nil
}

// Upsert inserts or replaces a job row by id.
func (p *SQLitePersistence) Upsert(ctx context.Context, snap *types.CheckpointJobSnapshot) error {
	const q = `
INSERT INTO job (id, payload, attempts, status, last_error, queued_at, updated_at, checkpoint_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	payload = excluded.payload,
	attempts = excluded.attempts,
	status = excluded.status,
	last_error = excluded.last_error,
	updated_at = excluded.updated_at,
	checkpoint_id = excluded.checkpoint_id;`
	_, err := p.db.ExecContext(ctx, q,
		snap.ID, string(snap.PayloadJSON), snap.Attempts, string(snap.Status),
		snap.LastError, snap.QueuedAt, snap.UpdatedAt, snap.CheckpointID)
	if err != nil {
		return kgerrors.Durable(err, "upsert checkpoint job %s", snap.ID)
	}
	return nil
}

// Delete removes a job row (called once a job reaches JobCompleted).
func (p *SQLitePersistence) Delete(ctx context.Context, id string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM job WHERE id = ?`, id); err != nil {
		return kgerrors.Durable(err, "delete checkpoint job %s", id)
	}
	return nil
}

// LoadPending returns every row not in a terminal or dead-lettered state.
func (p *SQLitePersistence) LoadPending(ctx context.Context) ([]*types.CheckpointJobSnapshot, error) {
	return p.loadByStatuses(ctx, string(types.JobQueued), string(types.JobRunning), string(types.JobPending))
}

// LoadDeadLetters returns every row parked in manual_intervention.
func (p *SQLitePersistence) LoadDeadLetters(ctx context.Context) ([]*types.CheckpointJobSnapshot, error) {
	return p.loadByStatuses(ctx, string(types.JobManualIntervention))
}

func (p *SQLitePersistence) loadByStatuses(ctx context.Context, statuses ...string) ([]*types.CheckpointJobSnapshot, error) {
	placeholders := make([]byte, 0, len(statuses)*2)
	args := make([]any, 0, len(statuses))
	for i, s := range statuses {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args = append(args, s)
	}
	// queued_at order keeps per-session FIFO intact across a restart.
	q := fmt.Sprintf(`SELECT id, payload, attempts, status, last_error, queued_at, updated_at, checkpoint_id FROM job WHERE status IN (%s) ORDER BY queued_at`, placeholders)

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, kgerrors.Durable(err, "query checkpoint jobs by status")
	}
	defer rows.Close()

	var out []*types.CheckpointJobSnapshot
	for rows.Next() {
		var snap types.CheckpointJobSnapshot
		var payload, status string
		var lastError, checkpointID sql.NullString
		if err := rows.Scan(&snap.ID, &payload, &snap.Attempts, &status, &lastError, &snap.QueuedAt, &snap.UpdatedAt, &checkpointID); err != nil {
			return nil, kgerrors.Durable(err, "scan checkpoint job row")
		}
		snap.PayloadJSON = []byte(payload)
		snap.Status = types.CheckpointJobStatus(status)
		snap.LastError = lastError.String
		snap.CheckpointID = checkpointID.String
		out = append(out, &snap)
	}
	return out, rows.Err()
}

// Ping verifies the database handle is still usable, for health probes.
func (p *SQLitePersistence) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the underlying database handle.
func (p *SQLitePersistence) Close() error {
	return p.db.Close()
}

func jobToSnapshot(job *types.CheckpointJob) (*types.CheckpointJobSnapshot, error) {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return nil, kgerrors.Programmer(kgerrors.CodeValidation, "marshal checkpoint payload: %v", err)
	}
	return &types.CheckpointJobSnapshot{
		ID:           job.ID,
		PayloadJSON:  payload,
		Attempts:     job.Attempts,
		Status:       job.Status,
		LastError:    job.LastError,
		QueuedAt:     job.QueuedAt,
		UpdatedAt:    job.UpdatedAt,
		CheckpointID: job.CheckpointID,
	}, nil
}

func snapshotToJob(snap *types.CheckpointJobSnapshot) (*types.CheckpointJob, error) {
	var payload types.CheckpointPayload
	if err := json.Unmarshal(snap.PayloadJSON, &payload); err != nil {
		return nil, kgerrors.Programmer(kgerrors.CodeValidation, "unmarshal checkpoint payload: %v", err)
	}
	return &types.CheckpointJob{
		ID:           snap.ID,
		Payload:      payload,
		Attempts:     snap.Attempts,
		Status:       snap.Status,
		QueuedAt:     snap.QueuedAt,
		UpdatedAt:    snap.UpdatedAt,
		LastError:    snap.LastError,
		CheckpointID: snap.CheckpointID,
	}, nil
}

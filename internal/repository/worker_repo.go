package repository

import (
	"context"
	"fmt"
	"time"

	"mediaindex/internal/dbtypes"
	"mediaindex/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// WorkerRepository stores one row per known worker, grounded
// on original_source/src/repository/worker_repo.py's upsert-style
// register/heartbeat/command methods, with the stale-worker pruning and
// local-contention counting methods added since the Python original
// doesn't define them (referenced by core/maintenance.py but absent from
// worker_repo.py as retrieved).
type WorkerRepository interface {
	RegisterWorker(ctx context.Context, workerID, hostname string, state dbtypes.WorkerState) error
	UpdateHeartbeat(ctx context.Context, workerID string, stats dbtypes.StatsDocument) error
	GetCommand(ctx context.Context, workerID string) (dbtypes.WorkerCommand, error)
	ClearCommand(ctx context.Context, workerID string) error
	SetState(ctx context.Context, workerID string, state dbtypes.WorkerState) error
	PruneStaleWorkers(ctx context.Context, maxAge time.Duration) (int, error)
	CountStaleWorkers(ctx context.Context, maxAge time.Duration) (int, error)
	GetActiveLocalWorkerCount(ctx context.Context, hostname, excludeID string, freshFor time.Duration) (int, error)
	HasActiveLocalTranscodes(ctx context.Context, hostname string, freshFor time.Duration) (bool, error)
	GetWorker(ctx context.Context, workerID string) (models.WorkerStatus, error)
}

type pgWorkerRepo struct {
	pool *pgxpool.Pool
}

func NewWorkerRepository(pool *pgxpool.Pool) WorkerRepository {
	return &pgWorkerRepo{pool: pool}
}

func (r *pgWorkerRepo) RegisterWorker(ctx context.Context, workerID, hostname string, state dbtypes.WorkerState) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO worker_status (worker_id, hostname, state, last_seen_at, pending_command)
VALUES ($1, $2, $3, now(), 'none')
ON CONFLICT (worker_id) DO UPDATE SET
	hostname = EXCLUDED.hostname,
	state = EXCLUDED.state,
	last_seen_at = now()`, workerID, hostname, string(state))
	if err != nil {
		return fmt.Errorf("register_worker: %w", err)
	}
	return nil
}

func (r *pgWorkerRepo) UpdateHeartbeat(ctx context.Context, workerID string, stats dbtypes.StatsDocument) error {
	_, err := r.pool.Exec(ctx, `
UPDATE worker_status SET last_seen_at = now(), stats = COALESCE($2, stats) WHERE worker_id = $1`,
		workerID, stats)
	if err != nil {
		return fmt.Errorf("update_heartbeat: %w", err)
	}
	return nil
}

func (r *pgWorkerRepo) GetCommand(ctx context.Context, workerID string) (dbtypes.WorkerCommand, error) {
	var cmd string
	err := r.pool.QueryRow(ctx, `SELECT pending_command FROM worker_status WHERE worker_id = $1`, workerID).Scan(&cmd)
	if err != nil {
		if err == pgx.ErrNoRows {
			return dbtypes.CommandNone, nil
		}
		return dbtypes.CommandNone, fmt.Errorf("get_command: %w", err)
	}
	return dbtypes.WorkerCommand(cmd), nil
}

func (r *pgWorkerRepo) ClearCommand(ctx context.Context, workerID string) error {
	_, err := r.pool.Exec(ctx, `UPDATE worker_status SET pending_command = 'none' WHERE worker_id = $1`, workerID)
	if err != nil {
		return fmt.Errorf("clear_command: %w", err)
	}
	return nil
}

func (r *pgWorkerRepo) SetState(ctx context.Context, workerID string, state dbtypes.WorkerState) error {
	_, err := r.pool.Exec(ctx, `UPDATE worker_status SET state = $2 WHERE worker_id = $1`, workerID, string(state))
	if err != nil {
		return fmt.Errorf("set_state: %w", err)
	}
	return nil
}

func (r *pgWorkerRepo) PruneStaleWorkers(ctx context.Context, maxAge time.Duration) (int, error) {
	tag, err := r.pool.Exec(ctx, `
DELETE FROM worker_status WHERE last_seen_at < now() - ($1 || ' seconds')::interval`,
		int(maxAge.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("prune_stale_workers: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *pgWorkerRepo) CountStaleWorkers(ctx context.Context, maxAge time.Duration) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
SELECT count(*) FROM worker_status WHERE last_seen_at < now() - ($1 || ' seconds')::interval`,
		int(maxAge.Seconds())).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count_stale_workers: %w", err)
	}
	return n, nil
}

func (r *pgWorkerRepo) GetActiveLocalWorkerCount(ctx context.Context, hostname, excludeID string, freshFor time.Duration) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
SELECT count(*) FROM worker_status
WHERE hostname = $1 AND worker_id != $2 AND state != 'offline'
  AND last_seen_at > now() - ($3 || ' seconds')::interval`,
		hostname, excludeID, int(freshFor.Seconds())).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("get_active_local_worker_count: %w", err)
	}
	return n, nil
}

func (r *pgWorkerRepo) HasActiveLocalTranscodes(ctx context.Context, hostname string, freshFor time.Duration) (bool, error) {
	n, err := r.GetActiveLocalWorkerCount(ctx, hostname, "", freshFor)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *pgWorkerRepo) GetWorker(ctx context.Context, workerID string) (models.WorkerStatus, error) {
	var w models.WorkerStatus
	var state, cmd string
	err := r.pool.QueryRow(ctx, `
SELECT worker_id, hostname, last_seen_at, state, pending_command, stats
FROM worker_status WHERE worker_id = $1`, workerID).Scan(
		&w.WorkerID, &w.Hostname, &w.LastSeenAt, &state, &cmd, &w.Stats)
	if err != nil {
		if err == pgx.ErrNoRows {
			return models.WorkerStatus{}, ErrNotFound
		}
		return models.WorkerStatus{}, fmt.Errorf("get_worker: %w", err)
	}
	w.State = dbtypes.WorkerState(state)
	w.PendingCommand = dbtypes.WorkerCommand(cmd)
	return w, nil
}

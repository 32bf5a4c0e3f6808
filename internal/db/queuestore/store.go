// Package queuestore implements the persistent queue store (spec C2 /
// §4.1.4): durable recording of queued/active downloads and crash
// recovery on startup.
package queuestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/forgeserve/forge/internal/domain"
	"github.com/forgeserve/forge/internal/forgeerr"
)

// Store persists domain.QueuedDownload rows. The download manager is the
// only writer; it writes through on every state transition rather than
// holding the source of truth in memory.
type Store struct {
	db *sql.DB
}

// New wraps an already-migrated *sql.DB.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Upsert inserts or replaces one queue row by its id.
func (s *Store) Upsert(ctx context.Context, q domain.QueuedDownload) error {
	var shardJSON string
	if q.Shard != nil {
		b, _ := json.Marshal(q.Shard)
		shardJSON = string(b)
	}
	var startedAt, completedAt sql.NullInt64
	if q.StartedAt != nil {
		startedAt = sql.NullInt64{Int64: q.StartedAt.Unix(), Valid: true}
	}
	if q.IsComplete() {
		completedAt = sql.NullInt64{Int64: domain.Now().Unix(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO download_queue (
			id, model_id, quantization, display_name, status, position,
			downloaded_bytes, total_bytes, queued_at, started_at, completed_at,
			group_id, shard_info_json, error_message
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			model_id=excluded.model_id, quantization=excluded.quantization,
			display_name=excluded.display_name, status=excluded.status,
			position=excluded.position, downloaded_bytes=excluded.downloaded_bytes,
			total_bytes=excluded.total_bytes, started_at=excluded.started_at,
			completed_at=excluded.completed_at, group_id=excluded.group_id,
			shard_info_json=excluded.shard_info_json, error_message=excluded.error_message`,
		string(q.ID), q.ModelID, q.Quantization, q.DisplayName, string(q.Status), q.Position,
		q.DownloadedBytes, q.TotalBytes, q.QueuedAt.Unix(), startedAt, completedAt,
		q.GroupID, shardJSON, q.LastError,
	)
	if err != nil {
		return forgeerr.Wrap(forgeerr.KindInternal, "DB_UPSERT_FAILED", "upsert queue item", err)
	}
	return nil
}

// Get loads one queue item by id.
func (s *Store) Get(ctx context.Context, id domain.DownloadID) (domain.QueuedDownload, error) {
	row := s.db.QueryRowContext(ctx, queueSelectColumns+` WHERE id = ?`, string(id))
	q, err := scanQueueItem(row)
	if err == sql.ErrNoRows {
		return domain.QueuedDownload{}, forgeerr.NotFound("DOWNLOAD_NOT_FOUND", string(id)+" not found")
	}
	if err != nil {
		return domain.QueuedDownload{}, forgeerr.Wrap(forgeerr.KindInternal, "DB_QUERY_FAILED", "get queue item", err)
	}
	return q, nil
}

// List returns every queue row ordered by position.
func (s *Store) List(ctx context.Context) ([]domain.QueuedDownload, error) {
	rows, err := s.db.QueryContext(ctx, queueSelectColumns+` ORDER BY position ASC`)
	if err != nil {
		return nil, forgeerr.Wrap(forgeerr.KindInternal, "DB_QUERY_FAILED", "list queue", err)
	}
	defer rows.Close()

	var out []domain.QueuedDownload
	for rows.Next() {
		q, err := scanQueueItem(rows)
		if err != nil {
			return nil, forgeerr.Wrap(forgeerr.KindInternal, "DB_SCAN_FAILED", "scan queue row", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// ListByStatus returns rows matching one of the given statuses.
func (s *Store) ListByStatus(ctx context.Context, statuses ...domain.DownloadStatus) ([]domain.QueuedDownload, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	want := make(map[domain.DownloadStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []domain.QueuedDownload
	for _, q := range all {
		if want[q.Status] {
			out = append(out, q)
		}
	}
	return out, nil
}

// Delete removes one queue row.
func (s *Store) Delete(ctx context.Context, id domain.DownloadID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM download_queue WHERE id = ?`, string(id))
	if err != nil {
		return forgeerr.Wrap(forgeerr.KindInternal, "DB_DELETE_FAILED", "delete queue item", err)
	}
	return nil
}

// RecoverCrashed transitions every Downloading row back to Queued. Called
// once at startup: a row left Downloading means the process exited
// mid-transfer.
func (s *Store) RecoverCrashed(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE download_queue SET status = ? WHERE status = ?`,
		string(domain.StatusQueued), string(domain.StatusDownloading))
	if err != nil {
		return 0, forgeerr.Wrap(forgeerr.KindInternal, "DB_UPDATE_FAILED", "recover crashed downloads", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PruneCompletedOlderThan opportunistically deletes Completed rows whose
// completed_at predates cutoff.
func (s *Store) PruneCompletedOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM download_queue WHERE status = ? AND completed_at IS NOT NULL AND completed_at < ?`,
		string(domain.StatusCompleted), cutoff.Unix())
	if err != nil {
		return 0, forgeerr.Wrap(forgeerr.KindInternal, "DB_DELETE_FAILED", "prune completed downloads", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

const queueSelectColumns = `
	SELECT id, model_id, quantization, display_name, status, position,
	       downloaded_bytes, total_bytes, queued_at, started_at, completed_at,
	       group_id, shard_info_json, error_message
	FROM download_queue`

type scanner interface {
	Scan(dest ...any) error
}

func scanQueueItem(row scanner) (domain.QueuedDownload, error) {
	var q domain.QueuedDownload
	var id, status string
	var queuedAt int64
	var startedAt, completedAt sql.NullInt64
	var shardJSON string

	err := row.Scan(
		&id, &q.ModelID, &q.Quantization, &q.DisplayName, &status, &q.Position,
		&q.DownloadedBytes, &q.TotalBytes, &queuedAt, &startedAt, &completedAt,
		&q.GroupID, &shardJSON, &q.LastError,
	)
	if err != nil {
		return domain.QueuedDownload{}, err
	}

	q.ID = domain.DownloadID(id)
	q.Status = domain.DownloadStatus(status)
	q.QueuedAt = time.Unix(queuedAt, 0)
	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0)
		q.StartedAt = &t
	}
	if shardJSON != "" {
		var si domain.ShardInfo
		if json.Unmarshal([]byte(shardJSON), &si) == nil {
			q.Shard = &si
		}
	}
	return q, nil
}

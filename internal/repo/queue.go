package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"siteorder/internal/domain"
)

// AbandonedOrder is a queued order that ran out of retries.
type AbandonedOrder struct {
	Order       domain.QueuedOrder `json:"order"`
	AbandonedAt string             `json:"abandonedAt"`
}

// QueuedOrders returns the worker's pending submissions in enqueue order.
func (r Repo) QueuedOrders(ctx context.Context, workerID string) ([]domain.QueuedOrder, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT payload_json,retry_count,COALESCE(last_error,'') FROM queued_orders WHERE worker_id=? ORDER BY position`, workerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.QueuedOrder
	for rows.Next() {
		var raw, lastErr string
		var retries int
		if err := rows.Scan(&raw, &retries, &lastErr); err != nil {
			return nil, err
		}
		var o domain.QueuedOrder
		if err := json.Unmarshal([]byte(raw), &o); err != nil {
			return nil, fmt.Errorf("decode queued order: %w", err)
		}
		o.RetryCount = retries
		o.LastError = lastErr
		res = append(res, o)
	}
	return res, rows.Err()
}

// InsertQueuedOrder appends o to the end of its worker's queue. An order that
// is already queued is left as it is.
func (r Repo) InsertQueuedOrder(ctx context.Context, o domain.QueuedOrder) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode queued order: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO queued_orders(id,worker_id,project_id,payload_json,retry_count,queued_at,last_error,position)
		VALUES (?,?,?,?,?,?,?,(SELECT COALESCE(MAX(position)+1,0) FROM queued_orders WHERE worker_id=?))`,
		o.ID, o.WorkerID, o.ProjectID, string(data), o.RetryCount, o.QueuedAt, nullable(o.LastError), o.WorkerID)
	return err
}

// UpdateQueuedOrder records a failed attempt. A row another process already
// delivered or archived is not brought back.
func (r Repo) UpdateQueuedOrder(ctx context.Context, o domain.QueuedOrder) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode queued order: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `UPDATE queued_orders SET payload_json=?,retry_count=?,last_error=? WHERE id=?`,
		string(data), o.RetryCount, nullable(o.LastError), o.ID)
	return err
}

func (r Repo) DeleteQueuedOrder(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM queued_orders WHERE id=?`, id)
	return err
}

// RecordAbandoned moves an order that exceeded its retry budget from the queue
// to the archive. Nothing is archived when the order already left the queue.
func (r Repo) RecordAbandoned(ctx context.Context, o domain.QueuedOrder, now string) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode abandoned order: %w", err)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `DELETE FROM queued_orders WHERE id=?`, o.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return tx.Commit()
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO abandoned_orders(id,worker_id,project_id,payload_json,retry_count,last_error,queued_at,abandoned_at) VALUES (?,?,?,?,?,?,?,?)`,
		o.ID, o.WorkerID, o.ProjectID, string(data), o.RetryCount, nullable(o.LastError), o.QueuedAt, now); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) AbandonedOrders(ctx context.Context, workerID string) ([]AbandonedOrder, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT payload_json,abandoned_at FROM abandoned_orders WHERE worker_id=? ORDER BY abandoned_at DESC`, workerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []AbandonedOrder
	for rows.Next() {
		var raw string
		var a AbandonedOrder
		if err := rows.Scan(&raw, &a.AbandonedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &a.Order); err != nil {
			return nil, fmt.Errorf("decode abandoned order: %w", err)
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

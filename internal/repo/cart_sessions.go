package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"siteorder/internal/domain"
)

// LoadCart returns the persisted cart for a worker, ErrNotFound if none.
func (r Repo) LoadCart(ctx context.Context, workerID string) (domain.CartState, error) {
	var raw string
	err := r.DB.QueryRowContext(ctx, `SELECT state_json FROM cart_sessions WHERE worker_id=?`, workerID).Scan(&raw)
	if err == sql.ErrNoRows {
		return domain.CartState{}, ErrNotFound
	}
	if err != nil {
		return domain.CartState{}, err
	}
	var st domain.CartState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return domain.CartState{}, fmt.Errorf("decode cart for %s: %w", workerID, err)
	}
	return st, nil
}

// SaveCart overwrites the worker's cart snapshot.
func (r Repo) SaveCart(ctx context.Context, workerID string, st domain.CartState, now string) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode cart: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO cart_sessions(worker_id,project_id,state_json,updated_at) VALUES (?,?,?,?)
ON CONFLICT(worker_id) DO UPDATE SET project_id=excluded.project_id,state_json=excluded.state_json,updated_at=excluded.updated_at`,
		workerID, nullable(st.ProjectID), string(data), now)
	return err
}

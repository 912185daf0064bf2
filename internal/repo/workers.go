package repo

import (
	"context"
	"database/sql"
)

func (r Repo) EnsureWorker(ctx context.Context, tx *sql.Tx, workerID, name, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO workers(id,name,created_at) VALUES (?,?,?)`, workerID, nullable(name), now)
	return err
}

// AssignWorker puts a worker on a project, creating the worker if needed.
func (r Repo) AssignWorker(ctx context.Context, tx *sql.Tx, projectID, workerID, now string) error {
	if err := r.EnsureWorker(ctx, tx, workerID, "", now); err != nil {
		return err
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO project_workers(project_id,worker_id) VALUES (?,?)`, projectID, workerID)
	return err
}

func (r Repo) UnassignWorker(ctx context.Context, tx *sql.Tx, projectID, workerID string) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM project_workers WHERE project_id=? AND worker_id=?`, projectID, workerID)
	return err
}

func (r Repo) WorkerAssigned(ctx context.Context, tx *sql.Tx, projectID, workerID string) (bool, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT 1 FROM project_workers WHERE project_id=? AND worker_id=? LIMIT 1`, projectID, workerID).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) WorkerProjects(ctx context.Context, workerID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id FROM project_workers WHERE worker_id=? ORDER BY project_id`, workerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

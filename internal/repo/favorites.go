package repo

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"siteorder/internal/domain"
)

// UsualQuantity summarises a worker's ordering history for one product.
type UsualQuantity struct {
	Quantity   int
	OrderCount int
}

// Favorites returns the worker's most used products still assigned to the project.
func (r Repo) Favorites(ctx context.Context, workerID, projectID string, limit int) ([]domain.Favorite, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT f.id,f.product_id,p.name,p.sku,p.price_per_unit,p.unit,f.usage_count,f.default_quantity
FROM user_favorites f
JOIN products p ON p.id=f.product_id
JOIN project_products pp ON pp.product_id=p.id AND pp.project_id=f.project_id
WHERE f.worker_id=? AND f.project_id=?
ORDER BY f.usage_count DESC, f.last_used_at DESC
LIMIT ?`, workerID, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Favorite
	for rows.Next() {
		var f domain.Favorite
		if err := rows.Scan(&f.ID, &f.ProductID, &f.ProductName, &f.SKU, &f.PricePerUnit, &f.Unit, &f.UsageCount, &f.DefaultQuantity); err != nil {
			return nil, err
		}
		if f.DefaultQuantity < 1 {
			f.DefaultQuantity = 1
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

// RecordFavorite bumps usage for a product. A positive quantity becomes the
// new default quantity. Reports whether a new record was created.
func (r Repo) RecordFavorite(ctx context.Context, tx *sql.Tx, workerID, projectID, productID string, quantity int, now string) (bool, error) {
	q := r.q(tx)
	var id string
	var defaultQty int
	err := q.QueryRowContext(ctx, `SELECT id,default_quantity FROM user_favorites WHERE worker_id=? AND project_id=? AND product_id=?`,
		workerID, projectID, productID).Scan(&id, &defaultQty)
	if err == sql.ErrNoRows {
		if quantity < 1 {
			quantity = 1
		}
		_, err = q.ExecContext(ctx, `INSERT INTO user_favorites(id,worker_id,project_id,product_id,usage_count,default_quantity,last_used_at) VALUES (?,?,?,?,1,?,?)`,
			uuid.NewString(), workerID, projectID, productID, quantity, now)
		return err == nil, err
	}
	if err != nil {
		return false, err
	}
	if quantity < 1 {
		quantity = defaultQty
	}
	_, err = q.ExecContext(ctx, `UPDATE user_favorites SET usage_count=usage_count+1,last_used_at=?,default_quantity=? WHERE id=?`, now, quantity, id)
	return false, err
}

// UsualQuantities returns per-product history for smart quantity hints.
func (r Repo) UsualQuantities(ctx context.Context, workerID, projectID string) (map[string]UsualQuantity, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT product_id,default_quantity,usage_count FROM user_favorites WHERE worker_id=? AND project_id=?`, workerID, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]UsualQuantity{}
	for rows.Next() {
		var id string
		var u UsualQuantity
		if err := rows.Scan(&id, &u.Quantity, &u.OrderCount); err != nil {
			return nil, err
		}
		res[id] = u
	}
	return res, rows.Err()
}

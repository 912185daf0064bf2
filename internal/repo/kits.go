package repo

import (
	"context"
	"database/sql"
	"fmt"

	"siteorder/internal/domain"
)

func (r Repo) InsertKit(ctx context.Context, k domain.Kit) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO kits(id,project_id,name,description,created_at) VALUES (?,?,?,?,?)`,
		k.ID, k.ProjectID, k.Name, nullable(k.Description), k.CreatedAt); err != nil {
		return err
	}
	for _, it := range k.Items {
		if it.Quantity < 1 {
			return fmt.Errorf("kit %s: invalid quantity %d for %s", k.Name, it.Quantity, it.ProductID)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO kit_items(kit_id,product_id,quantity) VALUES (?,?,?)`, k.ID, it.ProductID, it.Quantity); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r Repo) GetKit(ctx context.Context, id string) (domain.Kit, error) {
	var k domain.Kit
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,name,COALESCE(description,''),created_at FROM kits WHERE id=?`, id).
		Scan(&k.ID, &k.ProjectID, &k.Name, &k.Description, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return k, ErrNotFound
	}
	if err != nil {
		return k, err
	}
	k.Items, err = r.kitItems(ctx, k.ID)
	return k, err
}

func (r Repo) ListKits(ctx context.Context, projectID string) ([]domain.Kit, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,name,COALESCE(description,''),created_at FROM kits WHERE project_id=? ORDER BY name`, projectID)
	if err != nil {
		return nil, err
	}
	var res []domain.Kit
	for rows.Next() {
		var k domain.Kit
		if err := rows.Scan(&k.ID, &k.ProjectID, &k.Name, &k.Description, &k.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].Items, err = r.kitItems(ctx, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r Repo) kitItems(ctx context.Context, kitID string) ([]domain.KitItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT product_id,quantity FROM kit_items WHERE kit_id=? ORDER BY product_id`, kitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.KitItem
	for rows.Next() {
		var it domain.KitItem
		if err := rows.Scan(&it.ProductID, &it.Quantity); err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

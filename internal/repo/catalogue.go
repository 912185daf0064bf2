package repo

import (
	"context"

	"siteorder/internal/domain"
)

// ProjectProducts returns the project's assigned catalogue in assignment
// order. limit <= 0 means no limit.
func (r Repo) ProjectProducts(ctx context.Context, projectID string, limit int) ([]domain.Product, error) {
	query := `SELECT ` + productColumns + ` FROM project_products pp
JOIN products p ON p.id=pp.product_id
LEFT JOIN categories c ON c.id=p.category_id
LEFT JOIN categories sc ON sc.id=p.subcategory_id
WHERE pp.project_id=?
ORDER BY pp.position, p.id`
	args := []any{projectID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// SupplierRanks maps supplier id to the project's preference rank.
func (r Repo) SupplierRanks(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT supplier_id,preference_rank FROM project_suppliers WHERE project_id=?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ranks := map[string]int{}
	for rows.Next() {
		var id string
		var rank int
		if err := rows.Scan(&id, &rank); err != nil {
			return nil, err
		}
		ranks[id] = rank
	}
	return ranks, rows.Err()
}

// SuppliersWithCatalogue lists suppliers that expose an external shop and a
// description to match against.
func (r Repo) SuppliersWithCatalogue(ctx context.Context) ([]domain.Supplier, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,COALESCE(email,''),shop_url,description,created_at FROM suppliers
WHERE COALESCE(shop_url,'')<>'' AND COALESCE(description,'')<>''
ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Supplier
	for rows.Next() {
		var s domain.Supplier
		if err := rows.Scan(&s.ID, &s.Name, &s.Email, &s.ShopURL, &s.Description, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

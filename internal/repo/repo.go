package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"siteorder/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func scanProject(row *sql.Row) (domain.Project, error) {
	var p domain.Project
	err := row.Scan(&p.ID, &p.Name, &p.Address, &p.AutoApprovalThreshold, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO projects(id,name,address,auto_approval_threshold,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Name, nullable(p.Address), p.AutoApprovalThreshold, p.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("project %s already exists: %w", p.ID, ErrConflict)
	}
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT id,name,COALESCE(address,''),auto_approval_threshold,created_at FROM projects WHERE id=?`, id))
}

func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,COALESCE(address,''),auto_approval_threshold,created_at FROM projects ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Address, &p.AutoApprovalThreshold, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdateProjectThreshold(ctx context.Context, id string, cents int64) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE projects SET auto_approval_threshold=? WHERE id=?`, cents, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertSupplier(ctx context.Context, s domain.Supplier) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO suppliers(id,name,email,shop_url,description,created_at) VALUES (?,?,?,?,?,?)`,
		s.ID, s.Name, nullable(s.Email), nullable(s.ShopURL), nullable(s.Description), s.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("supplier %s already exists: %w", s.ID, ErrConflict)
	}
	return err
}

func (r Repo) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,COALESCE(email,''),COALESCE(shop_url,''),COALESCE(description,''),created_at FROM suppliers ORDER BY name`)
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

// SetSupplierRank records a project's preference for a supplier; 1 is most preferred.
func (r Repo) SetSupplierRank(ctx context.Context, projectID, supplierID string, rank int) error {
	if rank < 1 {
		return fmt.Errorf("preference rank must be at least 1")
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO project_suppliers(project_id,supplier_id,preference_rank) VALUES (?,?,?)
ON CONFLICT(project_id,supplier_id) DO UPDATE SET preference_rank=excluded.preference_rank`, projectID, supplierID, rank)
	return err
}

func (r Repo) InsertCategory(ctx context.Context, c domain.Category) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO categories(id,name,parent_id) VALUES (?,?,?)`, c.ID, c.Name, nullable(c.ParentID))
	return err
}

func (r Repo) InsertProduct(ctx context.Context, p domain.Product) error {
	if p.PricePerUnit < 0 {
		return fmt.Errorf("invalid price %d for %s", p.PricePerUnit, p.SKU)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO products(id,sku,name,description,unit,price_per_unit,category_id,subcategory_id,supplier_id,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.SKU, p.Name, nullable(p.Description), p.Unit, p.PricePerUnit, nullable(p.CategoryID), nullable(p.SubcategoryID), nullable(p.SupplierID), p.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("product %s already exists: %w", p.ID, ErrConflict)
	}
	return err
}

const productColumns = `p.id,p.sku,p.name,COALESCE(p.description,''),p.unit,p.price_per_unit,COALESCE(p.category_id,''),COALESCE(p.subcategory_id,''),COALESCE(c.name,''),COALESCE(sc.name,''),COALESCE(p.supplier_id,''),p.created_at`

func scanProduct(sc interface{ Scan(...any) error }) (domain.Product, error) {
	var p domain.Product
	err := sc.Scan(&p.ID, &p.SKU, &p.Name, &p.Description, &p.Unit, &p.PricePerUnit, &p.CategoryID, &p.SubcategoryID,
		&p.CategoryName, &p.SubcategoryName, &p.SupplierID, &p.CreatedAt)
	return p, err
}

func (r Repo) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products p
LEFT JOIN categories c ON c.id=p.category_id
LEFT JOIN categories sc ON sc.id=p.subcategory_id
WHERE p.id=?`, id)
	p, err := scanProduct(row)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

// GetProducts loads the given products keyed by id; unknown ids are absent.
func (r Repo) GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	res := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return res, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+productColumns+` FROM products p
LEFT JOIN categories c ON c.id=p.category_id
LEFT JOIN categories sc ON sc.id=p.subcategory_id
WHERE p.id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		res[p.ID] = p
	}
	return res, rows.Err()
}

// AssignProduct adds a product to a project's catalogue.
func (r Repo) AssignProduct(ctx context.Context, projectID, productID string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO project_products(project_id,product_id,position)
VALUES (?,?,(SELECT COALESCE(MAX(position),0)+1 FROM project_products WHERE project_id=?))`, projectID, productID, projectID)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

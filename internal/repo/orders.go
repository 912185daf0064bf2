package repo

import (
	"context"
	"database/sql"
	"fmt"

	"siteorder/internal/domain"
)

// OrderFilter narrows order history. Empty bounds are open.
type OrderFilter struct {
	WorkerID  string
	ProjectID string
	From      string
	To        string
	Limit     int
}

func (r Repo) InsertOrder(ctx context.Context, tx *sql.Tx, o domain.Order) error {
	q := r.q(tx)
	_, err := q.ExecContext(ctx, `INSERT INTO orders(id,order_number,client_ref,project_id,worker_id,status,priority,total_cents,notes,approved_at,approved_by,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.OrderNumber, nullable(o.ClientRef), o.ProjectID, o.WorkerID, o.Status, string(o.Priority), o.TotalCents,
		nullable(o.Notes), nullable(o.ApprovedAt), nullable(o.ApprovedBy), o.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("order %s: %w", o.ClientRef, ErrConflict)
	}
	if err != nil {
		return err
	}
	for i, item := range o.Items {
		if _, err := q.ExecContext(ctx, `INSERT INTO order_items(id,order_id,product_id,name,sku,unit,quantity,price_per_unit,total_cents,position) VALUES (?,?,?,?,?,?,?,?,?,?)`,
			item.ID, o.ID, nullable(item.ProductID), item.Name, item.SKU, item.Unit, item.Quantity, item.PricePerUnit, item.TotalCents, i); err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}
	return nil
}

const orderColumns = `id,order_number,COALESCE(client_ref,''),project_id,worker_id,status,priority,total_cents,COALESCE(notes,''),COALESCE(approved_at,''),COALESCE(approved_by,''),created_at`

func scanOrder(sc interface{ Scan(...any) error }) (domain.Order, error) {
	var o domain.Order
	var priority string
	err := sc.Scan(&o.ID, &o.OrderNumber, &o.ClientRef, &o.ProjectID, &o.WorkerID, &o.Status, &priority, &o.TotalCents,
		&o.Notes, &o.ApprovedAt, &o.ApprovedBy, &o.CreatedAt)
	o.Priority = domain.Priority(priority)
	return o, err
}

// OrderByClientRef finds an order previously created with the given idempotency key.
func (r Repo) OrderByClientRef(ctx context.Context, tx *sql.Tx, ref string) (domain.Order, error) {
	o, err := scanOrder(r.q(tx).QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE client_ref=?`, ref))
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	return o, err
}

func (r Repo) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	o, err := scanOrder(r.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	o.Items, err = r.OrderItems(ctx, o.ID)
	return o, err
}

// CountOrdersInYear counts orders whose creation timestamp falls in year.
func (r Repo) CountOrdersInYear(ctx context.Context, tx *sql.Tx, year int) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM orders WHERE substr(created_at,1,4)=?`, fmt.Sprintf("%04d", year)).Scan(&n)
	return n, err
}

// ListOrders returns orders newest first with their items.
func (r Repo) ListOrders(ctx context.Context, f OrderFilter) ([]domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE worker_id=? AND project_id=?`
	args := []any{f.WorkerID, f.ProjectID}
	if f.From != "" {
		query += ` AND created_at>=?`
		args = append(args, f.From)
	}
	if f.To != "" {
		query += ` AND created_at<=?`
		args = append(args, f.To)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		items, err := r.OrderItems(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].Items = items
	}
	return res, nil
}

func (r Repo) OrderItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,COALESCE(product_id,''),name,sku,unit,quantity,price_per_unit,total_cents FROM order_items WHERE order_id=? ORDER BY position`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OrderItem
	for rows.Next() {
		var it domain.OrderItem
		if err := rows.Scan(&it.ID, &it.ProductID, &it.Name, &it.SKU, &it.Unit, &it.Quantity, &it.PricePerUnit, &it.TotalCents); err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"siteorder/internal/domain"
	"siteorder/internal/events"
	"siteorder/internal/repo"
)

// ValidationError is a rejected order request.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type OrderItemRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// OrderRequest is a submission from a device. ClientRef is the idempotency
// key; a repeated ref returns the first receipt.
type OrderRequest struct {
	WorkerID  string
	ProjectID string
	Items     []OrderItemRequest
	Notes     string
	Priority  domain.Priority
	ClientRef string
}

// PlaceOrder prices the items from the catalogue, numbers the order and
// approves it when the total stays within the project's threshold.
func (e Engine) PlaceOrder(ctx context.Context, req OrderRequest) (domain.OrderReceipt, error) {
	if len(req.Items) == 0 {
		return domain.OrderReceipt{}, ValidationError{Field: "items", Message: "at least one item is required"}
	}
	if req.Priority == "" {
		req.Priority = domain.PriorityNormal
	}
	if !req.Priority.Valid() {
		return domain.OrderReceipt{}, ValidationError{Field: "priority", Message: "must be normal or urgent"}
	}
	if err := e.Access().RequireAssignment(ctx, nil, req.ProjectID, req.WorkerID); err != nil {
		return domain.OrderReceipt{}, err
	}
	if req.ClientRef != "" {
		if prev, err := e.Repo.OrderByClientRef(ctx, nil, req.ClientRef); err == nil {
			return receipt(prev), nil
		} else if !errors.Is(err, repo.ErrNotFound) {
			return domain.OrderReceipt{}, err
		}
	}
	project, err := e.Repo.GetProject(ctx, req.ProjectID)
	if err != nil {
		return domain.OrderReceipt{}, err
	}
	ids := make([]string, 0, len(req.Items))
	for i, it := range req.Items {
		if it.ProductID == "" {
			return domain.OrderReceipt{}, ValidationError{Field: fmt.Sprintf("items[%d].productId", i), Message: "is required"}
		}
		if it.Quantity < 1 {
			return domain.OrderReceipt{}, ValidationError{Field: fmt.Sprintf("items[%d].quantity", i), Message: "must be at least 1"}
		}
		ids = append(ids, it.ProductID)
	}
	products, err := e.Repo.GetProducts(ctx, ids)
	if err != nil {
		return domain.OrderReceipt{}, err
	}

	now := e.now()
	stamp := e.stamp()
	order := domain.Order{
		ID:        uuid.NewString(),
		ClientRef: req.ClientRef,
		ProjectID: req.ProjectID,
		WorkerID:  req.WorkerID,
		Priority:  req.Priority,
		Notes:     strings.TrimSpace(req.Notes),
		CreatedAt: stamp,
	}
	for i, it := range req.Items {
		p, ok := products[it.ProductID]
		if !ok {
			return domain.OrderReceipt{}, ValidationError{Field: fmt.Sprintf("items[%d].productId", i), Message: fmt.Sprintf("unknown product %s", it.ProductID)}
		}
		line := domain.OrderItem{
			ID:           uuid.NewString(),
			ProductID:    p.ID,
			Name:         p.Name,
			SKU:          p.SKU,
			Unit:         p.Unit,
			Quantity:     it.Quantity,
			PricePerUnit: p.PricePerUnit,
			TotalCents:   p.PricePerUnit * int64(it.Quantity),
		}
		order.TotalCents += line.TotalCents
		order.Items = append(order.Items, line)
	}
	threshold := project.AutoApprovalThreshold
	autoApproved := order.TotalCents <= threshold
	order.Status = "pending"
	if autoApproved {
		order.Status = "approved"
		order.ApprovedAt = stamp
		order.ApprovedBy = "auto"
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.OrderReceipt{}, err
	}
	defer tx.Rollback()
	if req.ClientRef != "" {
		// Another submission with the same key may have won the race.
		if prev, err := e.Repo.OrderByClientRef(ctx, tx, req.ClientRef); err == nil {
			return receipt(prev), nil
		}
	}
	count, err := e.Repo.CountOrdersInYear(ctx, tx, now.UTC().Year())
	if err != nil {
		return domain.OrderReceipt{}, err
	}
	order.OrderNumber = OrderNumber(now.UTC().Year(), count+1)
	if err := e.Repo.InsertOrder(ctx, tx, order); err != nil {
		return domain.OrderReceipt{}, fmt.Errorf("insert order: %w", err)
	}
	for _, line := range order.Items {
		if _, err := e.Repo.RecordFavorite(ctx, tx, req.WorkerID, req.ProjectID, line.ProductID, line.Quantity, stamp); err != nil {
			return domain.OrderReceipt{}, fmt.Errorf("record favorite: %w", err)
		}
	}
	if err := e.Events.Append(ctx, tx, events.OrderCreated, order.ProjectID, "order", order.ID, req.WorkerID, events.EventPayload{
		"orderNumber":    order.OrderNumber,
		"totalCents":     order.TotalCents,
		"status":         order.Status,
		"priority":       string(order.Priority),
		"isAutoApproved": autoApproved,
		"items":          len(order.Items),
	}); err != nil {
		return domain.OrderReceipt{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.OrderReceipt{}, err
	}
	e.log().WithField("order_id", order.ID).WithField("order_number", order.OrderNumber).
		WithField("total_cents", order.TotalCents).Info("order placed")
	return receipt(order), nil
}

// OrderNumber formats "#ORD-2026-007".
func OrderNumber(year, seq int) string {
	return fmt.Sprintf("#ORD-%d-%03d", year, seq)
}

func receipt(o domain.Order) domain.OrderReceipt {
	return domain.OrderReceipt{
		OrderID:        o.ID,
		OrderNumber:    o.OrderNumber,
		IsAutoApproved: o.Status == "approved" && o.ApprovedBy == "auto",
		TotalCents:     o.TotalCents,
	}
}

// CartOrder turns a cart into an order request for the offline queue.
func CartOrder(st domain.CartState, workerID string) domain.QueuedOrder {
	o := domain.QueuedOrder{
		WorkerID:  workerID,
		ProjectID: st.ProjectID,
		Priority:  st.Priority,
	}
	if st.Note != nil {
		o.Notes = *st.Note
	}
	for _, it := range st.Items {
		o.Items = append(o.Items, domain.QueuedOrderItem{
			ProductID:    it.ProductID,
			Name:         it.Name,
			SKU:          it.SKU,
			Unit:         it.Unit,
			Quantity:     it.Quantity,
			PricePerUnit: it.PricePerUnit,
		})
	}
	return o
}

// Submit places a queued order locally; it satisfies offline.Submitter for
// devices that share the database with the server.
func (e Engine) Submit(ctx context.Context, o domain.QueuedOrder) (domain.OrderReceipt, error) {
	items := make([]OrderItemRequest, len(o.Items))
	for i, it := range o.Items {
		items[i] = OrderItemRequest{ProductID: it.ProductID, Quantity: it.Quantity}
	}
	return e.PlaceOrder(ctx, OrderRequest{
		WorkerID:  o.WorkerID,
		ProjectID: o.ProjectID,
		Items:     items,
		Notes:     o.SubmissionNotes(),
		Priority:  o.Priority,
		ClientRef: o.ID,
	})
}

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

type ProjectOptions struct {
	ID      string
	Name    string
	Address string
	// ThresholdCents overrides the configured auto-approval threshold when
	// positive.
	ThresholdCents int64
	// Workers are assigned to the new project.
	Workers []string
	ActorID string
}

func (e Engine) CreateProject(ctx context.Context, opts ProjectOptions) (domain.Project, error) {
	if strings.TrimSpace(opts.ID) == "" {
		return domain.Project{}, errors.New("project id is required")
	}
	if opts.Name == "" {
		opts.Name = opts.ID
	}
	threshold := opts.ThresholdCents
	if threshold <= 0 {
		threshold = e.config().Orders.AutoApprovalThresholdCents
	}
	p := domain.Project{
		ID:                    opts.ID,
		Name:                  opts.Name,
		Address:               opts.Address,
		AutoApprovalThreshold: threshold,
		CreatedAt:             e.stamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, err
	}
	for _, w := range opts.Workers {
		if err := e.Repo.AssignWorker(ctx, tx, p.ID, w, p.CreatedAt); err != nil {
			return domain.Project{}, fmt.Errorf("assign worker %s: %w", w, err)
		}
	}
	if err := e.Events.Append(ctx, tx, events.CatalogueChange, p.ID, "project", p.ID, opts.ActorID, events.EventPayload{"action": "create", "threshold": threshold}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// AssignWorker puts a worker on a project.
func (e Engine) AssignWorker(ctx context.Context, projectID, workerID, actorID string) error {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return fmt.Errorf("project %s: %w", projectID, err)
	}
	if err := e.Repo.AssignWorker(ctx, nil, projectID, workerID, e.stamp()); err != nil {
		return err
	}
	return e.Events.Append(ctx, nil, events.CatalogueChange, projectID, "worker", workerID, actorID, events.EventPayload{"action": "assign"})
}

type SupplierOptions struct {
	ID          string
	Name        string
	Email       string
	ShopURL     string
	Description string
	ActorID     string
}

func (e Engine) AddSupplier(ctx context.Context, opts SupplierOptions) (domain.Supplier, error) {
	if opts.Name == "" {
		return domain.Supplier{}, errors.New("supplier name is required")
	}
	s := domain.Supplier{
		ID:          opts.ID,
		Name:        opts.Name,
		Email:       opts.Email,
		ShopURL:     opts.ShopURL,
		Description: opts.Description,
		CreatedAt:   e.stamp(),
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if err := e.Repo.InsertSupplier(ctx, s); err != nil {
		return domain.Supplier{}, err
	}
	_ = e.Events.Append(ctx, nil, events.CatalogueChange, "", "supplier", s.ID, opts.ActorID, events.EventPayload{"action": "create", "name": s.Name})
	return s, nil
}

// RankSupplier sets how strongly a project prefers a supplier; 1 is best.
func (e Engine) RankSupplier(ctx context.Context, projectID, supplierID string, rank int) error {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return fmt.Errorf("project %s: %w", projectID, err)
	}
	return e.Repo.SetSupplierRank(ctx, projectID, supplierID, rank)
}

type ProductOptions struct {
	ID          string
	SKU         string
	Name        string
	Description string
	Unit        string
	PriceCents  int64
	Category    string
	Subcategory string
	SupplierID  string
	// Projects get the product assigned to their catalogue.
	Projects []string
	ActorID  string
}

func (e Engine) AddProduct(ctx context.Context, opts ProductOptions) (domain.Product, error) {
	if opts.Name == "" || opts.SKU == "" {
		return domain.Product{}, errors.New("product name and sku are required")
	}
	if opts.PriceCents < 0 {
		return domain.Product{}, ValidationError{Field: "price", Message: "must not be negative"}
	}
	if opts.Unit == "" {
		opts.Unit = "piece"
	}
	p := domain.Product{
		ID:           opts.ID,
		SKU:          opts.SKU,
		Name:         opts.Name,
		Description:  opts.Description,
		Unit:         opts.Unit,
		PricePerUnit: opts.PriceCents,
		SupplierID:   opts.SupplierID,
		CreatedAt:    e.stamp(),
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	var err error
	if p.CategoryID, err = e.ensureCategory(ctx, opts.Category, ""); err != nil {
		return domain.Product{}, err
	}
	if p.SubcategoryID, err = e.ensureCategory(ctx, opts.Subcategory, p.CategoryID); err != nil {
		return domain.Product{}, err
	}
	if err := e.Repo.InsertProduct(ctx, p); err != nil {
		return domain.Product{}, err
	}
	for _, projectID := range opts.Projects {
		if err := e.Repo.AssignProduct(ctx, projectID, p.ID); err != nil {
			return domain.Product{}, fmt.Errorf("assign to %s: %w", projectID, err)
		}
		_ = e.Events.Append(ctx, nil, events.CatalogueChange, projectID, "product", p.ID, opts.ActorID, events.EventPayload{"action": "assign", "sku": p.SKU})
	}
	return e.Repo.GetProduct(ctx, p.ID)
}

// AssignProduct adds an existing product to a project's catalogue.
func (e Engine) AssignProduct(ctx context.Context, projectID, productID, actorID string) error {
	if _, err := e.Repo.GetProduct(ctx, productID); err != nil {
		return fmt.Errorf("product %s: %w", productID, err)
	}
	if err := e.Repo.AssignProduct(ctx, projectID, productID); err != nil {
		return err
	}
	return e.Events.Append(ctx, nil, events.CatalogueChange, projectID, "product", productID, actorID, events.EventPayload{"action": "assign"})
}

func (e Engine) ensureCategory(ctx context.Context, name, parentID string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil
	}
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(parentID+"|"+strings.ToLower(name))).String()
	if err := e.Repo.InsertCategory(ctx, domain.Category{ID: id, Name: name, ParentID: parentID}); err != nil {
		return "", fmt.Errorf("category %s: %w", name, err)
	}
	return id, nil
}

type KitOptions struct {
	ProjectID   string
	Name        string
	Description string
	Items       []domain.KitItem
}

func (e Engine) CreateKit(ctx context.Context, opts KitOptions) (domain.Kit, error) {
	if opts.Name == "" {
		return domain.Kit{}, errors.New("kit name is required")
	}
	if len(opts.Items) == 0 {
		return domain.Kit{}, ValidationError{Field: "items", Message: "a kit needs at least one product"}
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Kit{}, fmt.Errorf("project %s: %w", opts.ProjectID, err)
	}
	k := domain.Kit{
		ID:          uuid.NewString(),
		ProjectID:   opts.ProjectID,
		Name:        opts.Name,
		Description: opts.Description,
		Items:       opts.Items,
		CreatedAt:   e.stamp(),
	}
	if err := e.Repo.InsertKit(ctx, k); err != nil {
		return domain.Kit{}, err
	}
	return k, nil
}

// KitOrder builds the queued order for a kit. The kit name is carried so it
// ends up in the order notes.
func (e Engine) KitOrder(ctx context.Context, kitID, workerID, notes string, priority domain.Priority) (domain.QueuedOrder, error) {
	k, err := e.Repo.GetKit(ctx, kitID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.QueuedOrder{}, fmt.Errorf("kit %s: %w", kitID, err)
		}
		return domain.QueuedOrder{}, err
	}
	if priority == "" {
		priority = domain.PriorityNormal
	}
	ids := make([]string, len(k.Items))
	for i, it := range k.Items {
		ids[i] = it.ProductID
	}
	products, err := e.Repo.GetProducts(ctx, ids)
	if err != nil {
		return domain.QueuedOrder{}, err
	}
	o := domain.QueuedOrder{
		WorkerID:  workerID,
		ProjectID: k.ProjectID,
		Notes:     strings.TrimSpace(notes),
		Priority:  priority,
		KitName:   k.Name,
	}
	for _, it := range k.Items {
		p := products[it.ProductID]
		o.Items = append(o.Items, domain.QueuedOrderItem{
			ProductID:    it.ProductID,
			Name:         p.Name,
			SKU:          p.SKU,
			Unit:         p.Unit,
			Quantity:     it.Quantity,
			PricePerUnit: p.PricePerUnit,
		})
	}
	return o, nil
}

package domain

// Priority of an order.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p == PriorityNormal || p == PriorityUrgent
}

type Project struct {
	ID                    string `json:"id"`
	Name                  string `json:"name"`
	Address               string `json:"address,omitempty"`
	AutoApprovalThreshold int64  `json:"autoApprovalThreshold"`
	CreatedAt             string `json:"createdAt" format:"date-time"`
}

type Supplier struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Email       string `json:"email,omitempty"`
	ShopURL     string `json:"shopUrl,omitempty"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"createdAt" format:"date-time"`
}

type Category struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ParentID string `json:"parentId,omitempty"`
}

// Product is a catalogue entry. Prices are integer cents.
type Product struct {
	ID              string `json:"id"`
	SKU             string `json:"sku"`
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	Unit            string `json:"unit"`
	PricePerUnit    int64  `json:"pricePerUnit"`
	CategoryID      string `json:"categoryId,omitempty"`
	SubcategoryID   string `json:"subcategoryId,omitempty"`
	CategoryName    string `json:"categoryName,omitempty"`
	SubcategoryName string `json:"subcategoryName,omitempty"`
	SupplierID      string `json:"supplierId,omitempty"`
	CreatedAt       string `json:"createdAt,omitempty" format:"date-time"`
}

// ProductMatch is a ranked search result for one requested item.
type ProductMatch struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	SKU             string  `json:"sku"`
	Description     string  `json:"description,omitempty"`
	Unit            string  `json:"unit"`
	PricePerUnit    int64   `json:"pricePerUnit"`
	CategoryName    string  `json:"categoryName,omitempty"`
	SubcategoryName string  `json:"subcategoryName,omitempty"`
	SupplierID      string  `json:"supplierId,omitempty"`
	MatchScore      float64 `json:"matchScore"`
	MatchReason     string  `json:"matchReason"`
	UsualQuantity   *int    `json:"usualQuantity,omitempty"`
	OrderCount      *int    `json:"orderCount,omitempty"`
}

// SupplierSuggestion points the worker to an external shop when the project
// catalogue has nothing suitable.
type SupplierSuggestion struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	ShopURL     string  `json:"shopUrl"`
	Description string  `json:"description,omitempty"`
	MatchScore  float64 `json:"matchScore"`
	MatchReason string  `json:"matchReason"`
}

// ContextProduct is one product shown to the worker in the previous turn.
type ContextProduct struct {
	Index        int    `json:"index"`
	ProductID    string `json:"productId"`
	ProductName  string `json:"productName"`
	SKU          string `json:"sku"`
	PricePerUnit int64  `json:"pricePerUnit"`
	Unit         string `json:"unit"`
}

// ConversationContext lists the products currently on screen, 1-based.
type ConversationContext struct {
	Products []ContextProduct `json:"products"`
}

// Empty reports whether there is nothing to reference by index.
func (c *ConversationContext) Empty() bool {
	return c == nil || len(c.Products) == 0
}

// MaxIndex returns the highest displayed index.
func (c *ConversationContext) MaxIndex() int {
	max := 0
	if c == nil {
		return 0
	}
	for _, p := range c.Products {
		if p.Index > max {
			max = p.Index
		}
	}
	return max
}

// ByIndex looks up a displayed product.
func (c *ConversationContext) ByIndex(idx int) (ContextProduct, bool) {
	if c == nil {
		return ContextProduct{}, false
	}
	for _, p := range c.Products {
		if p.Index == idx {
			return p, true
		}
	}
	return ContextProduct{}, false
}

type CartContextItem struct {
	Name         string `json:"name"`
	Quantity     int    `json:"quantity"`
	PricePerUnit int64  `json:"pricePerUnit"`
}

// CartContext is a read-only snapshot of the cart passed into intent resolution.
type CartContext struct {
	Items      []CartContextItem `json:"items"`
	TotalCents int64             `json:"totalCents"`
}

func (c *CartContext) Empty() bool {
	return c == nil || len(c.Items) == 0
}

type CartItem struct {
	ProductID    string `json:"productId"`
	Name         string `json:"name"`
	SKU          string `json:"sku"`
	Quantity     int    `json:"quantity"`
	PricePerUnit int64  `json:"pricePerUnit"`
	Unit         string `json:"unit"`
}

// LineTotal is quantity times unit price in cents.
func (i CartItem) LineTotal() int64 {
	return int64(i.Quantity) * i.PricePerUnit
}

type CartState struct {
	ProjectID string     `json:"projectId,omitempty"`
	Items     []CartItem `json:"items"`
	Note      *string    `json:"note,omitempty"`
	Priority  Priority   `json:"priority"`
}

type QueuedOrderItem struct {
	ProductID    string `json:"productId"`
	Name         string `json:"name,omitempty"`
	SKU          string `json:"sku,omitempty"`
	Unit         string `json:"unit,omitempty"`
	Quantity     int    `json:"quantity"`
	PricePerUnit int64  `json:"pricePerUnit,omitempty"`
}

// QueuedOrder is an order submission awaiting delivery. ID doubles as the
// idempotency key on the order endpoint.
type QueuedOrder struct {
	ID         string            `json:"id"`
	WorkerID   string            `json:"workerId"`
	ProjectID  string            `json:"projectId"`
	Items      []QueuedOrderItem `json:"items"`
	Notes      string            `json:"notes,omitempty"`
	Priority   Priority          `json:"priority"`
	QueuedAt   string            `json:"queuedAt" format:"date-time"`
	RetryCount int               `json:"retryCount"`
	KitName    string            `json:"kitName,omitempty"`
	LastError  string            `json:"lastError,omitempty"`
}

// SubmissionNotes folds the kit name into the notes sent with the order.
func (o QueuedOrder) SubmissionNotes() string {
	if o.KitName == "" {
		return o.Notes
	}
	if o.Notes == "" {
		return o.KitName
	}
	return o.KitName + " - " + o.Notes
}

type OrderItem struct {
	ID           string `json:"id"`
	ProductID    string `json:"productId,omitempty"`
	Name         string `json:"productName"`
	SKU          string `json:"sku"`
	Unit         string `json:"unit"`
	Quantity     int    `json:"quantity"`
	PricePerUnit int64  `json:"pricePerUnit"`
	TotalCents   int64  `json:"totalCents"`
}

type Order struct {
	ID          string      `json:"orderId"`
	OrderNumber string      `json:"orderNumber"`
	ClientRef   string      `json:"clientRef,omitempty"`
	ProjectID   string      `json:"projectId"`
	WorkerID    string      `json:"workerId"`
	Status      string      `json:"status" enum:"pending,approved,rejected"`
	Priority    Priority    `json:"priority"`
	TotalCents  int64       `json:"totalCents"`
	Notes       string      `json:"notes,omitempty"`
	ApprovedAt  string      `json:"approvedAt,omitempty"`
	ApprovedBy  string      `json:"approvedBy,omitempty"`
	CreatedAt   string      `json:"createdAt" format:"date-time"`
	Items       []OrderItem `json:"items"`
}

// OrderReceipt is what the order endpoint returns.
type OrderReceipt struct {
	OrderID        string `json:"orderId"`
	OrderNumber    string `json:"orderNumber"`
	IsAutoApproved bool   `json:"isAutoApproved"`
	TotalCents     int64  `json:"totalCents"`
}

type Favorite struct {
	ID              string `json:"id"`
	ProductID       string `json:"productId"`
	ProductName     string `json:"productName"`
	SKU             string `json:"sku"`
	PricePerUnit    int64  `json:"pricePerUnit"`
	Unit            string `json:"unit"`
	UsageCount      int    `json:"usageCount"`
	DefaultQuantity int    `json:"defaultQuantity"`
}

type Kit struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"projectId"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Items       []KitItem `json:"items"`
	CreatedAt   string    `json:"createdAt" format:"date-time"`
}

type KitItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type APIKey struct {
	ID        string `json:"id"`
	WorkerID  string `json:"workerId"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"createdAt" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"projectId"`
	EntityKind string `json:"entityKind"`
	EntityID   string `json:"entityId,omitempty"`
	ActorID    string `json:"actorId"`
	Payload    string `json:"payload"`
}

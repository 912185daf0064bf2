// Package intent turns one worker utterance into exactly one intent from a
// closed taxonomy.
package intent

import "siteorder/internal/domain"

type Type string

const (
	NewSearch        Type = "new_search"
	SelectProduct    Type = "select_product"
	AddAll           Type = "add_all"
	Clear            Type = "clear"
	CartQuery        Type = "cart_query"
	CartTotal        Type = "cart_total"
	CartRemove       Type = "cart_remove"
	CartUpdate       Type = "cart_update"
	CartClear        Type = "cart_clear"
	ReorderFavorites Type = "reorder_favorites"
	ReorderPast      Type = "reorder_past"
	OrderHistory     Type = "order_history"
	AddNote          Type = "add_note"
	SetPriority      Type = "set_priority"
)

var known = map[Type]bool{
	NewSearch: true, SelectProduct: true, AddAll: true, Clear: true,
	CartQuery: true, CartTotal: true, CartRemove: true, CartUpdate: true, CartClear: true,
	ReorderFavorites: true, ReorderPast: true, OrderHistory: true, AddNote: true, SetPriority: true,
}

// Known reports whether t is part of the taxonomy.
func Known(t Type) bool { return known[t] }

// Source records which path produced a Result.
type Source string

const (
	SourceRule     Source = "rule"
	SourceGateway  Source = "gateway"
	SourceFallback Source = "fallback"
)

// Payload is implemented by one struct per intent.
type Payload interface {
	Kind() Type
}

// Item is one product request inside a search.
type Item struct {
	Description string   `json:"description"`
	Quantity    int      `json:"quantity"`
	Confidence  float64  `json:"confidence"`
	SearchTerms []string `json:"searchTerms,omitempty"`
}

type Search struct{ Items []Item }

// Selection references a displayed product. Index 0 means the utterance was
// recognised as a selection but no index could be read from it.
type Selection struct {
	Index    int
	Quantity int
}

func (s Selection) Resolved() bool { return s.Index > 0 }

type Remove struct{ ItemName string }

// Update changes a cart line. NewQuantity is nil when no number was heard.
type Update struct {
	ItemName    string
	NewQuantity *int
}

type Note struct{ Text string }

type PriorityChange struct{ Priority domain.Priority }

type PastReorder struct{ DateReference string }

type (
	AddAllPayload    struct{}
	ClearPayload     struct{}
	CartQueryPayload struct{}
	CartTotalPayload struct{}
	CartClearPayload struct{}
	FavoritesPayload struct{}
	HistoryPayload   struct{}
)

func (Search) Kind() Type           { return NewSearch }
func (Selection) Kind() Type        { return SelectProduct }
func (Remove) Kind() Type           { return CartRemove }
func (Update) Kind() Type           { return CartUpdate }
func (Note) Kind() Type             { return AddNote }
func (PriorityChange) Kind() Type   { return SetPriority }
func (PastReorder) Kind() Type      { return ReorderPast }
func (AddAllPayload) Kind() Type    { return AddAll }
func (ClearPayload) Kind() Type     { return Clear }
func (CartQueryPayload) Kind() Type { return CartQuery }
func (CartTotalPayload) Kind() Type { return CartTotal }
func (CartClearPayload) Kind() Type { return CartClear }
func (FavoritesPayload) Kind() Type { return ReorderFavorites }
func (HistoryPayload) Kind() Type   { return OrderHistory }

// Result is the resolved intent for one utterance.
type Result struct {
	Payload    Payload
	Raw        string
	Confidence float64
	Source     Source
	// Reason explains a fallback.
	Reason string
}

func (r Result) Type() Type {
	if r.Payload == nil {
		return NewSearch
	}
	return r.Payload.Kind()
}

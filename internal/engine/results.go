package engine

import (
	"siteorder/internal/domain"
	"siteorder/internal/intent"
)

// TurnResult is one of the *Result types in this file. IntentType in the
// JSON encoding tells them apart; "error" marks a reference the worker has to
// repeat.
type TurnResult interface {
	Intent() string
	// Speech is the sentence read back to the worker.
	Speech() string
}

// Turn carries the fields every result shares.
type Turn struct {
	Transcription string  `json:"transcription"`
	IntentType    string  `json:"intentType"`
	Source        string  `json:"source,omitempty"`
	Confidence    float64 `json:"confidence"`
}

func (t Turn) Intent() string { return t.IntentType }

const IntentError = "error"

// AddedProduct is a cart line produced by a turn.
type AddedProduct struct {
	ProductID           string `json:"productId"`
	ProductName         string `json:"productName"`
	SKU                 string `json:"sku"`
	PricePerUnit        int64  `json:"pricePerUnit"`
	Unit                string `json:"unit"`
	Quantity            int    `json:"quantity"`
	ConfirmationMessage string `json:"confirmationMessage,omitempty"`
}

type Recommendation struct {
	ForItem  string                `json:"forItem"`
	Quantity int                   `json:"quantity"`
	Products []domain.ProductMatch `json:"products"`
}

// SearchIntent echoes what was heard.
type SearchIntent struct {
	Items []intent.Item `json:"items"`
}

type SearchResult struct {
	Turn
	Request             SearchIntent                `json:"intent"`
	Recommendations     []Recommendation            `json:"recommendations"`
	NoMatchMessage      *string                     `json:"noMatchMessage"`
	SupplierSuggestions []domain.SupplierSuggestion `json:"supplierSuggestions,omitempty"`
	// Context numbers every recommended product for the next turn.
	Context domain.ConversationContext `json:"conversationContext"`
	Message string                     `json:"message"`
}

func (r SearchResult) Speech() string { return r.Message }

type SelectResult struct {
	Turn
	AddedToCart AddedProduct `json:"addedToCart"`
	Applied     bool         `json:"applied"`
}

func (r SelectResult) Speech() string { return r.AddedToCart.ConfirmationMessage }

type AddAllResult struct {
	Turn
	AddedProducts       []AddedProduct `json:"addedProducts"`
	ConfirmationMessage string         `json:"confirmationMessage"`
	Applied             bool           `json:"applied"`
}

func (r AddAllResult) Speech() string { return r.ConfirmationMessage }

type ClearResult struct {
	Turn
}

func (r ClearResult) Speech() string { return "" }

type CartQueryResult struct {
	Turn
	CartSummary string `json:"cartSummary"`
}

func (r CartQueryResult) Speech() string { return r.CartSummary }

type CartTotalResult struct {
	Turn
	TotalMessage string `json:"totalMessage"`
	TotalCents   int64  `json:"totalCents"`
}

func (r CartTotalResult) Speech() string { return r.TotalMessage }

type CartRemoveResult struct {
	Turn
	ItemName            string `json:"itemName"`
	ConfirmationMessage string `json:"confirmationMessage"`
	Applied             bool   `json:"applied"`
}

func (r CartRemoveResult) Speech() string { return r.ConfirmationMessage }

type CartUpdateResult struct {
	Turn
	ItemName            string `json:"itemName"`
	NewQuantity         int    `json:"newQuantity"`
	ConfirmationMessage string `json:"confirmationMessage"`
	Applied             bool   `json:"applied"`
}

func (r CartUpdateResult) Speech() string { return r.ConfirmationMessage }

type CartClearResult struct {
	Turn
	ConfirmationMessage string `json:"confirmationMessage"`
	Applied             bool   `json:"applied"`
}

func (r CartClearResult) Speech() string { return r.ConfirmationMessage }

type AddNoteResult struct {
	Turn
	Note                string `json:"note"`
	ConfirmationMessage string `json:"confirmationMessage"`
	Applied             bool   `json:"applied"`
}

func (r AddNoteResult) Speech() string { return r.ConfirmationMessage }

type SetPriorityResult struct {
	Turn
	Priority            domain.Priority `json:"priority"`
	ConfirmationMessage string          `json:"confirmationMessage"`
	Applied             bool            `json:"applied"`
}

func (r SetPriorityResult) Speech() string { return r.ConfirmationMessage }

type ReorderFavoritesResult struct {
	Turn
	Message   string            `json:"message"`
	Favorites []domain.Favorite `json:"favorites"`
}

func (r ReorderFavoritesResult) Speech() string { return r.Message }

type ReorderPastResult struct {
	Turn
	DateReference string       `json:"dateReference"`
	Message       string       `json:"message"`
	History       *HistoryPage `json:"history,omitempty"`
}

func (r ReorderPastResult) Speech() string { return r.Message }

type OrderHistoryResult struct {
	Turn
	Message string       `json:"message"`
	History *HistoryPage `json:"history,omitempty"`
}

func (r OrderHistoryResult) Speech() string { return r.Message }

type ErrorResult struct {
	Turn
	ErrorMessage string `json:"errorMessage"`
	// Cause is the intent that could not be carried out.
	Cause string `json:"cause"`
}

func (r ErrorResult) Speech() string { return r.ErrorMessage }

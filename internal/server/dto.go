package server

import (
	"encoding/json"

	"siteorder/internal/domain"
	"siteorder/internal/engine"
)

// Request payloads

type OrderItemRequest struct {
	ProductID string `json:"productId" minLength:"1"`
	Quantity  int    `json:"quantity" minimum:"1"`
}

type CreateOrderRequest struct {
	ProjectID string             `json:"projectId" minLength:"1"`
	Items     []OrderItemRequest `json:"items"`
	Notes     string             `json:"notes,omitempty"`
	Priority  string             `json:"priority,omitempty" enum:"normal,urgent"`
}

type RecordFavoriteRequest struct {
	ProjectID string `json:"projectId,omitempty"`
	ProductID string `json:"productId" minLength:"1"`
	Quantity  int    `json:"quantity,omitempty"`
}

// ProcessTurnRequest is the JSON form of POST /voice/process. When
// cartContext is omitted the turn operates on the worker's server-side cart.
type ProcessTurnRequest struct {
	Transcription       string                      `json:"transcription"`
	ProjectID           string                      `json:"projectId"`
	ConversationContext *domain.ConversationContext `json:"conversationContext,omitempty"`
	CartContext         *domain.CartContext         `json:"cartContext,omitempty"`
}

type SynthesizeRequest struct {
	Text   string `json:"text"`
	Stream bool   `json:"stream,omitempty"`
}

type DevLoginRequest struct {
	WorkerID string `json:"workerId" minLength:"1"`
	TTL      string `json:"ttl,omitempty" example:"12h"`
}

// Response payloads

type HealthResponse struct {
	Status string `json:"status"`
}

type FavoritesResponse struct {
	Favorites []domain.Favorite `json:"favorites"`
}

type RecordFavoriteResponse struct {
	Success bool `json:"success"`
	Created bool `json:"created"`
}

type OrderHistoryResponse struct {
	Orders  []domain.Order    `json:"orders"`
	Summary string            `json:"summary"`
	Range   *engine.DateRange `json:"range,omitempty"`
}

type CartResponse struct {
	WorkerID   string           `json:"workerId"`
	Cart       domain.CartState `json:"cart"`
	TotalCents int64            `json:"totalCents"`
}

type ProductsResponse struct {
	Products []domain.Product `json:"products"`
}

type TranscriptionResponse struct {
	Text string `json:"text"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"projectId"`
	EntityKind string         `json:"entityKind"`
	EntityID   string         `json:"entityId,omitempty"`
	ActorID    string         `json:"actorId"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"nextCursor,omitempty"`
}

type WhoAmIResponse struct {
	WorkerID string   `json:"workerId"`
	Source   string   `json:"source"`
	Projects []string `json:"projects"`
}

type DevLoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
}

func historyResponse(p engine.HistoryPage) OrderHistoryResponse {
	return OrderHistoryResponse{Orders: nonNilSlice(p.Orders), Summary: p.Summary, Range: p.Range}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

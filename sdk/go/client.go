package siteordersdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal siteorder HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	// WorkerID is sent as X-Worker-Id when no credentials are set; servers
	// accept it only in development.
	WorkerID   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

type OrderItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// OrderRequest is the body of POST /orders.
type OrderRequest struct {
	ProjectID string      `json:"projectId"`
	Items     []OrderItem `json:"items"`
	Notes     string      `json:"notes,omitempty"`
	Priority  string      `json:"priority,omitempty"`
}

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

type HistoryOrder struct {
	OrderID     string `json:"orderId"`
	OrderNumber string `json:"orderNumber"`
	Status      string `json:"status"`
	TotalCents  int64  `json:"totalCents"`
	CreatedAt   string `json:"createdAt"`
	Items       []struct {
		ProductID   string `json:"productId"`
		ProductName string `json:"productName"`
		Quantity    int    `json:"quantity"`
	} `json:"items"`
}

type OrderHistory struct {
	Orders  []HistoryOrder `json:"orders"`
	Summary string         `json:"summary"`
}

// TurnRequest is one voice turn sent to the orchestrator.
type TurnRequest struct {
	Transcription       string          `json:"transcription"`
	ProjectID           string          `json:"projectId,omitempty"`
	ConversationContext json.RawMessage `json:"conversationContext,omitempty"`
	CartContext         json.RawMessage `json:"cartContext,omitempty"`
}

type CartItem struct {
	ProductID    string `json:"productId"`
	Name         string `json:"name"`
	SKU          string `json:"sku"`
	Unit         string `json:"unit"`
	Quantity     int    `json:"quantity"`
	PricePerUnit int64  `json:"pricePerUnit"`
}

type Cart struct {
	WorkerID string `json:"workerId"`
	Cart     struct {
		ProjectID string     `json:"projectId"`
		Items     []CartItem `json:"items"`
		Note      *string    `json:"note"`
		Priority  string     `json:"priority"`
	} `json:"cart"`
	TotalCents int64 `json:"totalCents"`
}

// TurnResult is left mostly raw; its shape depends on intentType.
type TurnResult struct {
	IntentType string          `json:"intentType"`
	Message    string          `json:"message"`
	Raw        json.RawMessage `json:"-"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Retryable reports whether resubmitting the same request may succeed.
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

// IsRetryable is true for transport failures and retryable API errors.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return err != nil
}

// SubmitOrder posts an order. key is sent as Idempotency-Key so a resubmitted
// order is created only once.
func (c *Client) SubmitOrder(ctx context.Context, req OrderRequest, key string) (OrderReceipt, error) {
	if req.ProjectID == "" {
		req.ProjectID = c.ProjectID
	}
	headers := map[string]string{}
	if key != "" {
		headers["Idempotency-Key"] = key
	}
	var resp OrderReceipt
	err := c.do(ctx, http.MethodPost, "v0/orders", headers, req, &resp)
	return resp, err
}

// Favorites returns the worker's most used products for the project.
func (c *Client) Favorites(ctx context.Context) ([]Favorite, error) {
	var resp struct {
		Favorites []Favorite `json:"favorites"`
	}
	err := c.do(ctx, http.MethodGet, "v0/voice/favorites?"+c.projectQuery(nil), nil, nil, &resp)
	return resp.Favorites, err
}

// RecordFavorite bumps usage of a product and remembers the quantity.
func (c *Client) RecordFavorite(ctx context.Context, productID string, quantity int) error {
	body := map[string]any{"projectId": c.ProjectID, "productId": productID, "quantity": quantity}
	return c.do(ctx, http.MethodPost, "v0/voice/favorites", nil, body, nil)
}

// OrderHistory lists past orders, optionally narrowed by a spoken date
// reference such as "last tuesday".
func (c *Client) OrderHistory(ctx context.Context, dateReference string, limit int) (OrderHistory, error) {
	q := url.Values{}
	if dateReference != "" {
		q.Set("dateRef", dateReference)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp OrderHistory
	err := c.do(ctx, http.MethodGet, "v0/voice/order-history?"+c.projectQuery(q), nil, nil, &resp)
	return resp, err
}

// ProcessTurn sends a transcript through the voice pipeline. Without
// CartContext the server edits the worker's stored cart.
func (c *Client) ProcessTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	if req.ProjectID == "" {
		req.ProjectID = c.ProjectID
	}
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "v0/voice/process", nil, req, &raw); err != nil {
		return TurnResult{}, err
	}
	var res TurnResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return TurnResult{}, err
	}
	res.Raw = raw
	return res, nil
}

// Cart returns the worker's stored cart.
func (c *Client) Cart(ctx context.Context) (Cart, error) {
	var resp Cart
	err := c.do(ctx, http.MethodGet, "v0/voice/cart?"+c.projectQuery(nil), nil, nil, &resp)
	return resp, err
}

// ClearCart empties the stored cart and resets its note and priority.
func (c *Client) ClearCart(ctx context.Context) (Cart, error) {
	var resp Cart
	err := c.do(ctx, http.MethodDelete, "v0/voice/cart?"+c.projectQuery(nil), nil, nil, &resp)
	return resp, err
}

// Health pings the server without credentials.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "v0/health", nil, nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, headers map[string]string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.WorkerID != "":
		req.Header.Set("X-Worker-Id", c.WorkerID)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectQuery(q url.Values) string {
	if q == nil {
		q = url.Values{}
	}
	if c.ProjectID != "" {
		q.Set("projectId", c.ProjectID)
	}
	return q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

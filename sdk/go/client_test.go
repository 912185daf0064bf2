package siteordersdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSubmitOrderSendsKeyAndCredentials(t *testing.T) {
	var got struct {
		path, key, apiKey string
		body              OrderRequest
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.path = r.URL.Path
		got.key = r.Header.Get("Idempotency-Key")
		got.apiKey = r.Header.Get("X-Api-Key")
		if err := json.NewDecoder(r.Body).Decode(&got.body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(OrderReceipt{OrderID: "o1", OrderNumber: "#ORD-2026-001", IsAutoApproved: true, TotalCents: 1000})
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "proj-1")
	c.APIKey = "so_secret"
	c.WorkerID = "w1"
	r, err := c.SubmitOrder(context.Background(), OrderRequest{Items: []OrderItem{{ProductID: "p-gloves", Quantity: 2}}}, "queued-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if r.OrderNumber != "#ORD-2026-001" || !r.IsAutoApproved {
		t.Fatalf("unexpected receipt %+v", r)
	}
	if got.path != "/v0/orders" || got.key != "queued-1" || got.apiKey != "so_secret" {
		t.Fatalf("unexpected request %+v", got)
	}
	if got.body.ProjectID != "proj-1" || len(got.body.Items) != 1 {
		t.Fatalf("unexpected body %+v", got.body)
	}
}

func TestWorkerHeaderWithoutCredentials(t *testing.T) {
	var worker, project string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		worker = r.Header.Get("X-Worker-Id")
		project = r.URL.Query().Get("projectId")
		_, _ = w.Write([]byte(`{"favorites":[{"productId":"p-tape","usageCount":3}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "proj-1")
	c.WorkerID = "w1"
	favs, err := c.Favorites(context.Background())
	if err != nil {
		t.Fatalf("favorites: %v", err)
	}
	if worker != "w1" || project != "proj-1" {
		t.Fatalf("expected worker w1 and project proj-1, got %q %q", worker, project)
	}
	if len(favs) != 1 || favs[0].ProductID != "p-tape" {
		t.Fatalf("unexpected favorites %+v", favs)
	}
}

func TestAPIErrorRetryable(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":{"code":"forbidden","message":"Not assigned to this project"}}`))
	}))
	defer srv.Close()
	c := New(srv.URL, "proj-1")

	_, err := c.SubmitOrder(context.Background(), OrderRequest{}, "k")
	if !IsRetryable(err) {
		t.Fatalf("expected 503 to be retryable, got %v", err)
	}

	status = http.StatusForbidden
	_, err = c.SubmitOrder(context.Background(), OrderRequest{}, "k")
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != "forbidden" || apiErr.Retryable() || IsRetryable(err) {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

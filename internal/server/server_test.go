package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"siteorder/internal/config"
	"siteorder/internal/db"
	"siteorder/internal/domain"
	"siteorder/internal/engine"
	"siteorder/internal/migrate"
	"siteorder/internal/repo"
	"siteorder/internal/speech"
)

const testSecret = "test-secret"

var testNow = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
}

func (s *testServer) Client() *http.Client { return s.client }

type serverOption func(*Config)

func withSpeech(t speech.Transcriber, s speech.Synthesizer) serverOption {
	return func(c *Config) {
		c.Transcriber = t
		c.Synthesizer = s
	}
}

func withAuth(a AuthConfig) serverOption {
	return func(c *Config) { c.Auth = a }
}

func quiet() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default("proj-1"))
	e.Now = func() time.Time { return testNow }
	e.Log = quiet()
	ctx := context.Background()
	if _, err := e.CreateProject(ctx, engine.ProjectOptions{ID: "proj-1", Name: "Dorfstrasse 12", Workers: []string{"w1"}, ActorID: "tester"}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	if _, err := e.AddSupplier(ctx, engine.SupplierOptions{ID: "s-bau", Name: "Bau Depot"}); err != nil {
		t.Fatalf("add supplier: %v", err)
	}
	for _, p := range []engine.ProductOptions{
		{ID: "p-gloves", SKU: "GLV-01", Name: "Safety gloves", Unit: "pair", PriceCents: 500, Category: "Safety"},
		{ID: "p-screws", SKU: "SCR-440", Name: "Wood screws 4x40", Unit: "box", PriceCents: 1290, Category: "Fasteners"},
		{ID: "p-tape", SKU: "TAP-50", Name: "Duct tape", Unit: "roll", PriceCents: 350, Category: "Consumables"},
	} {
		p.SupplierID = "s-bau"
		p.Projects = []string{"proj-1"}
		p.ActorID = "tester"
		if _, err := e.AddProduct(ctx, p); err != nil {
			t.Fatalf("add product %s: %v", p.ID, err)
		}
	}

	cfg := Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowWorkerHeader: true},
		Log:      quiet(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	handler, err := New(cfg)
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{URL: srv.URL, Engine: e, client: srv.Client()}
}

func asWorker(id string) map[string]string {
	return map[string]string{"X-Worker-Id": id}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return send(t, client, req)
}

func send(t *testing.T, client *http.Client, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decode(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	decode(t, data, &env)
	return env.Error.Code
}

type fakeTranscriber struct {
	text     string
	gotBytes int
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio io.Reader, filename, language string) (string, error) {
	b, err := io.ReadAll(audio)
	if err != nil {
		return "", err
	}
	f.gotBytes = len(b)
	return f.text, nil
}

type fakeSynthesizer struct {
	audio []byte
}

func (f fakeSynthesizer) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	if text == "" {
		return nil, errors.New("empty")
	}
	return io.NopCloser(bytes.NewReader(f.audio)), nil
}

func TestHealthIsOpen(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	var body HealthResponse
	decode(t, data, &body)
	if body.Status != "ok" {
		t.Fatalf("unexpected health %+v", body)
	}
}

func TestRequestsNeedCredentials(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("unexpected error code %q", code)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d: %s", res.StatusCode, string(data))
	}
}

func TestWorkerHeaderNeedsOptIn(t *testing.T) {
	srv := newTestServer(t, withAuth(AuthConfig{JWTSecret: testSecret}))
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, asWorker("w1"))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
}

func TestJWTAndAPIKeyAuth(t *testing.T) {
	srv := newTestServer(t, withAuth(AuthConfig{JWTSecret: testSecret}))
	token, _, err := SignToken(testSecret, "w1", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	decode(t, data, &me)
	if me.WorkerID != "w1" || me.Source != "jwt" || len(me.Projects) != 1 || me.Projects[0] != "proj-1" {
		t.Fatalf("unexpected principal %+v", me)
	}

	key := domain.APIKey{ID: "k1", WorkerID: "w1", Name: "tablet", KeyHash: repo.HashAPIKey("device-key")}
	if err := srv.Engine.Repo.InsertAPIKey(context.Background(), nil, key); err != nil {
		t.Fatalf("insert api key: %v", err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": "device-key"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	decode(t, data, &me)
	if me.WorkerID != "w1" || me.Source != "api_key" {
		t.Fatalf("unexpected principal %+v", me)
	}
}

func TestDevLogin(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"workerId": "w1"}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected dev login disabled, got %d: %s", res.StatusCode, string(data))
	}

	srv = newTestServer(t, withAuth(AuthConfig{JWTSecret: testSecret, AllowDevLogin: true}))
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"workerId": "w1", "ttl": "1h"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	decode(t, data, &login)
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me with dev token status %d: %s", res.StatusCode, string(data))
	}
}

func TestCreateOrderIsIdempotent(t *testing.T) {
	srv := newTestServer(t)
	body := map[string]any{
		"projectId": "proj-1",
		"items":     []map[string]any{{"productId": "p-gloves", "quantity": 2}},
		"priority":  "urgent",
	}
	headers := map[string]string{"X-Worker-Id": "w1", "Idempotency-Key": "tablet-1"}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/orders", body, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create order status %d: %s", res.StatusCode, string(data))
	}
	var first domain.OrderReceipt
	decode(t, data, &first)
	if first.OrderNumber != "#ORD-2026-001" || !first.IsAutoApproved || first.TotalCents != 1000 {
		t.Fatalf("unexpected receipt %+v", first)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/orders", body, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("replay status %d: %s", res.StatusCode, string(data))
	}
	var replay domain.OrderReceipt
	decode(t, data, &replay)
	if replay.OrderID != first.OrderID {
		t.Fatalf("replay created a new order: %s vs %s", replay.OrderID, first.OrderID)
	}
}

func TestCreateOrderErrors(t *testing.T) {
	srv := newTestServer(t)
	body := map[string]any{
		"projectId": "proj-1",
		"items":     []map[string]any{{"productId": "p-gloves", "quantity": 1}},
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/orders", body, asWorker("w2"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "forbidden" {
		t.Fatalf("unexpected error code %q", code)
	}

	empty := map[string]any{"projectId": "proj-1", "items": []map[string]any{}}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/orders", empty, asWorker("w1"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty order, got %d: %s", res.StatusCode, string(data))
	}
}

func TestProcessSearchTurn(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/voice/process", map[string]any{
		"transcription": "duct tape",
		"projectId":     "proj-1",
	}, asWorker("w1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("process status %d: %s", res.StatusCode, string(data))
	}
	var out engine.SearchResult
	decode(t, data, &out)
	if out.IntentType != "new_search" {
		t.Fatalf("unexpected intent %q", out.IntentType)
	}
	if len(out.Recommendations) != 1 || len(out.Recommendations[0].Products) == 0 || out.Recommendations[0].Products[0].ID != "p-tape" {
		t.Fatalf("unexpected recommendations %+v", out.Recommendations)
	}
	if len(out.Context.Products) == 0 || out.Context.Products[0].Index != 1 {
		t.Fatalf("expected numbered context, got %+v", out.Context)
	}
}

func TestProcessRejectsEmptyTranscript(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/voice/process", map[string]any{
		"transcription": "   ",
		"projectId":     "proj-1",
	}, asWorker("w1"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
}

func TestServerCartFollowsTurns(t *testing.T) {
	srv := newTestServer(t)
	shown := domain.ConversationContext{Products: []domain.ContextProduct{
		{Index: 1, ProductID: "p-gloves", ProductName: "Safety gloves", SKU: "GLV-01", PricePerUnit: 500, Unit: "pair"},
		{Index: 2, ProductID: "p-screws", ProductName: "Wood screws 4x40", SKU: "SCR-440", PricePerUnit: 1290, Unit: "box"},
	}}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/voice/process", map[string]any{
		"transcription":       "order 10 of the second one",
		"projectId":           "proj-1",
		"conversationContext": shown,
	}, asWorker("w1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("process status %d: %s", res.StatusCode, string(data))
	}
	var sel engine.SelectResult
	decode(t, data, &sel)
	if sel.AddedToCart.ProductID != "p-screws" || sel.AddedToCart.Quantity != 10 || !sel.Applied {
		t.Fatalf("unexpected selection %+v", sel)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/voice/cart?projectId=proj-1", nil, asWorker("w1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cart status %d: %s", res.StatusCode, string(data))
	}
	var cartRes CartResponse
	decode(t, data, &cartRes)
	if len(cartRes.Cart.Items) != 1 || cartRes.Cart.Items[0].Quantity != 10 || cartRes.TotalCents != 12900 {
		t.Fatalf("unexpected cart %+v", cartRes)
	}

	res, data = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/voice/cart", nil, map[string]string{"X-Worker-Id": "w1", "X-Project-Id": "proj-1"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("clear cart status %d: %s", res.StatusCode, string(data))
	}
	decode(t, data, &cartRes)
	if len(cartRes.Cart.Items) != 0 || cartRes.TotalCents != 0 || cartRes.Cart.Priority != domain.PriorityNormal {
		t.Fatalf("cart not cleared: %+v", cartRes)
	}
}

func TestCartNeedsAssignment(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/voice/cart?projectId=proj-1", nil, asWorker("w2"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
}

func TestFavoritesAndHistory(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/voice/favorites", map[string]any{
		"projectId": "proj-1",
		"productId": "p-gloves",
		"quantity":  3,
	}, asWorker("w1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("record favorite status %d: %s", res.StatusCode, string(data))
	}
	var rec RecordFavoriteResponse
	decode(t, data, &rec)
	if !rec.Success || !rec.Created {
		t.Fatalf("unexpected favorite response %+v", rec)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/voice/favorites?projectId=proj-1", nil, asWorker("w1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("favorites status %d: %s", res.StatusCode, string(data))
	}
	var favs FavoritesResponse
	decode(t, data, &favs)
	if len(favs.Favorites) != 1 || favs.Favorites[0].ProductID != "p-gloves" || favs.Favorites[0].DefaultQuantity != 3 {
		t.Fatalf("unexpected favorites %+v", favs)
	}

	order := map[string]any{
		"projectId": "proj-1",
		"items":     []map[string]any{{"productId": "p-tape", "quantity": 4}},
	}
	if res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/orders", order, asWorker("w1")); res.StatusCode != http.StatusCreated {
		t.Fatalf("create order status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/voice/order-history?projectId=proj-1", nil, asWorker("w1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history status %d: %s", res.StatusCode, string(data))
	}
	var hist OrderHistoryResponse
	decode(t, data, &hist)
	if len(hist.Orders) != 1 || hist.Range != nil || hist.Summary == "" {
		t.Fatalf("unexpected history %+v", hist)
	}
}

func TestCatalogueAndEvents(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/proj-1/products", nil, asWorker("w1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("products status %d: %s", res.StatusCode, string(data))
	}
	var products ProductsResponse
	decode(t, data, &products)
	if len(products.Products) != 3 {
		t.Fatalf("expected 3 products, got %d", len(products.Products))
	}

	order := map[string]any{
		"projectId": "proj-1",
		"items":     []map[string]any{{"productId": "p-screws", "quantity": 1}},
	}
	if res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/orders", order, asWorker("w1")); res.StatusCode != http.StatusCreated {
		t.Fatalf("create order status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/proj-1/events?type=order.created", nil, asWorker("w1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	decode(t, data, &page)
	if len(page.Items) != 1 || page.Items[0].Type != "order.created" || page.Items[0].ActorID != "w1" {
		t.Fatalf("unexpected events %+v", page.Items)
	}
	if page.Items[0].Payload["orderNumber"] != "#ORD-2026-001" {
		t.Fatalf("unexpected payload %+v", page.Items[0].Payload)
	}
}

func multipartAudio(t *testing.T, fields map[string]string, audio []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	part, err := w.CreateFormFile("audio", "turn.webm")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	part.Write(audio)
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &buf, w.FormDataContentType()
}

func TestTranscribe(t *testing.T) {
	stt := &fakeTranscriber{text: "two boxes of screws"}
	srv := newTestServer(t, withSpeech(stt, nil))
	body, contentType := multipartAudio(t, nil, []byte("fake-webm-bytes"))
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v0/voice/stt", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Worker-Id", "w1")
	res, data := send(t, srv.Client(), req)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stt status %d: %s", res.StatusCode, string(data))
	}
	var out TranscriptionResponse
	decode(t, data, &out)
	if out.Text != "two boxes of screws" || stt.gotBytes != len("fake-webm-bytes") {
		t.Fatalf("unexpected transcription %+v (%d bytes)", out, stt.gotBytes)
	}
}

func TestProcessAudioTurn(t *testing.T) {
	srv := newTestServer(t, withSpeech(&fakeTranscriber{text: "duct tape"}, nil))
	body, contentType := multipartAudio(t, map[string]string{"projectId": "proj-1"}, []byte("audio"))
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v0/voice/process", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Worker-Id", "w1")
	res, data := send(t, srv.Client(), req)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("process status %d: %s", res.StatusCode, string(data))
	}
	var out engine.SearchResult
	decode(t, data, &out)
	if out.Transcription != "duct tape" || out.IntentType != "new_search" {
		t.Fatalf("unexpected turn %+v", out.Turn)
	}
}

func TestTranscribeWithoutSpeechService(t *testing.T) {
	srv := newTestServer(t)
	body, contentType := multipartAudio(t, nil, []byte("audio"))
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v0/voice/stt", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Worker-Id", "w1")
	res, data := send(t, srv.Client(), req)
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", res.StatusCode, string(data))
	}
}

func TestSynthesize(t *testing.T) {
	srv := newTestServer(t, withSpeech(nil, fakeSynthesizer{audio: []byte("ID3-mp3-bytes")}))
	for _, stream := range []bool{false, true} {
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/voice/tts", map[string]any{"text": "Adding 10 screws.", "stream": stream}, asWorker("w1"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("tts status %d: %s", res.StatusCode, string(data))
		}
		if ct := res.Header.Get("Content-Type"); ct != "audio/mpeg" {
			t.Fatalf("unexpected content type %q", ct)
		}
		if string(data) != "ID3-mp3-bytes" {
			t.Fatalf("unexpected audio %q", string(data))
		}
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/voice/tts", map[string]any{"text": strings.Repeat("a", 1001)}, asWorker("w1"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "text_too_long" {
		t.Fatalf("unexpected error code %q", code)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/voice/tts", map[string]any{"text": "  "}, asWorker("w1"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty text, got %d: %s", res.StatusCode, string(data))
	}
}

func TestSynthesizeWithoutSpeechService(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/voice/tts", map[string]any{"text": "hello"}, asWorker("w1"))
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "speech_unavailable" {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestWebhookDeliversOrders(t *testing.T) {
	var mu sync.Mutex
	var got []webhookEvent
	var headers []http.Header
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err == nil {
			mu.Lock()
			got = append(got, evt)
			headers = append(headers, r.Header.Clone())
			mu.Unlock()
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	srv := newTestServer(t)
	srv.Engine.Config.Webhooks = []config.WebhookConfig{{URL: hook.URL, Events: []string{"order.created"}, Secret: "s3cret"}}
	d := NewWebhookDispatcher(srv.Engine, quiet())
	if d == nil {
		t.Fatalf("expected dispatcher")
	}
	ctx := context.Background()
	// The first pass only positions the cursor past the seed events.
	d.DispatchOnce(ctx)

	order := map[string]any{
		"projectId": "proj-1",
		"items":     []map[string]any{{"productId": "p-gloves", "quantity": 1}},
	}
	if res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/orders", order, asWorker("w1")); res.StatusCode != http.StatusCreated {
		t.Fatalf("create order status %d: %s", res.StatusCode, string(data))
	}
	d.DispatchOnce(ctx)
	d.DispatchOnce(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected one delivery, got %d", len(got))
	}
	if got[0].Type != "order.created" || got[0].ProjectID != "proj-1" {
		t.Fatalf("unexpected delivery %+v", got[0])
	}
	if headers[0].Get("X-Siteorder-Event") != "order.created" || headers[0].Get("X-Siteorder-Secret") != "s3cret" {
		t.Fatalf("unexpected headers %+v", headers[0])
	}
}

func TestWebhookRetriesFailedDelivery(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	srv := newTestServer(t)
	srv.Engine.Config.Webhooks = []config.WebhookConfig{{URL: hook.URL, Events: []string{"order.created"}}}
	d := NewWebhookDispatcher(srv.Engine, quiet())
	ctx := context.Background()
	d.DispatchOnce(ctx)
	order := map[string]any{
		"projectId": "proj-1",
		"items":     []map[string]any{{"productId": "p-gloves", "quantity": 1}},
	}
	if res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/orders", order, asWorker("w1")); res.StatusCode != http.StatusCreated {
		t.Fatalf("create order status %d: %s", res.StatusCode, string(data))
	}
	d.DispatchOnce(ctx)
	d.DispatchOnce(ctx)
	d.DispatchOnce(ctx)

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("expected a failed attempt and one retry, got %d calls", calls)
	}
}

func TestNoDispatcherWithoutHooks(t *testing.T) {
	srv := newTestServer(t)
	if d := NewWebhookDispatcher(srv.Engine, quiet()); d != nil {
		t.Fatalf("expected nil dispatcher")
	}
}

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/abcretail/order-pipeline/internal/model"
	"github.com/abcretail/order-pipeline/internal/queue"
	"github.com/abcretail/order-pipeline/internal/store"
)

type env struct {
	app     *App
	h       http.Handler
	store   *store.Store
	ordersQ *queue.Queue
	stockQ  *queue.Queue
	assetsQ *queue.Queue
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := store.New()
	ordersQ := queue.New("order-notifications", queue.Options{})
	stockQ := queue.New("stock-updates", queue.Options{})
	assetsQ := queue.New("product-images", queue.Options{})
	app := NewApp(st, ordersQ, stockQ, assetsQ)
	return &env{app: app, h: NewRouter(app), store: st, ordersQ: ordersQ, stockQ: stockQ, assetsQ: assetsQ}
}

func (e *env) post(t *testing.T, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.h.ServeHTTP(w, r)
	return w
}

func TestCreateOrderQueued(t *testing.T) {
	e := newEnv(t)
	w := e.post(t, "/api/orders", `{"customerId":"C1","productId":"P1","quantity":3}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body)
	}
	var a struct {
		Queued  bool   `json:"queued"`
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &a); err != nil {
		t.Fatal(err)
	}
	if !a.Queued || a.OrderID == "" {
		t.Fatalf("unexpected ack: %s", w.Body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m, ok := e.ordersQ.Receive(ctx)
	if !ok {
		t.Fatalf("expected a queued message")
	}
	var cm model.CreationMessage
	if err := json.Unmarshal(m.Body, &cm); err != nil {
		t.Fatal(err)
	}
	if cm.Action != model.ActionCreate || cm.OrderID != a.OrderID || cm.Quantity != 3 {
		t.Fatalf("unexpected message: %+v", cm)
	}
	if _, err := model.ParseOrderDate(cm.OrderDate); err != nil {
		t.Fatalf("queued date not canonical: %v", err)
	}
	// intake must not touch the store
	if e.store.Orders.Len() != 0 {
		t.Fatalf("intake wrote to the store")
	}
}

func TestCreateOrderValidation(t *testing.T) {
	e := newEnv(t)
	cases := []struct {
		name, body string
		want       int
	}{
		{"missing_customer", `{"productId":"P1","quantity":1}`, http.StatusBadRequest},
		{"missing_product", `{"customerId":"C1","quantity":1}`, http.StatusBadRequest},
		{"zero_quantity", `{"customerId":"C1","productId":"P1","quantity":0}`, http.StatusBadRequest},
		{"negative_quantity", `{"customerId":"C1","productId":"P1","quantity":-2}`, http.StatusBadRequest},
		{"bad_date", `{"customerId":"C1","productId":"P1","quantity":1,"orderDate":"17/03/2025"}`, http.StatusBadRequest},
		{"epoch_date", `{"customerId":"C1","productId":"P1","quantity":1,"orderDate":"1709286600000"}`, http.StatusBadRequest},
		{"malformed_json", `{"customerId":`, http.StatusBadRequest},
		{"unknown_field", `{"customerId":"C1","productId":"P1","quantity":1,"price":9}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if w := e.post(t, "/api/orders", tc.body); w.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, w.Code, w.Body)
			}
		})
	}
	if e.ordersQ.BacklogSize() != 0 {
		t.Fatalf("rejected requests must not enqueue")
	}
}

func TestCreateOrderContentType(t *testing.T) {
	e := newEnv(t)
	r := httptest.NewRequest(http.MethodPost, "/api/orders", bytes.NewBufferString(`{}`))
	r.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	e.h.ServeHTTP(w, r)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", w.Code)
	}
}

func TestUpdateStatusQueued(t *testing.T) {
	e := newEnv(t)
	w := e.post(t, "/api/orders/O1/status", `{"newStatus":"Shipped"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m, ok := e.ordersQ.Receive(ctx)
	if !ok {
		t.Fatalf("expected a queued message")
	}
	var sm model.StatusMessage
	if err := json.Unmarshal(m.Body, &sm); err != nil {
		t.Fatal(err)
	}
	if sm.Action != model.ActionStatus || sm.OrderID != "O1" || sm.NewStatus != "Shipped" {
		t.Fatalf("unexpected message: %+v", sm)
	}
}

func TestUpdateStatusValidation(t *testing.T) {
	e := newEnv(t)
	if w := e.post(t, "/api/orders/O1/status", `{"newStatus":"  "}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestAssetEventQueued(t *testing.T) {
	e := newEnv(t)
	w := e.post(t, "/api/assets/events", `{"assetName":"abc.png","assetAddress":"https://x/abc.png"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body)
	}
	if e.assetsQ.BacklogSize() != 1 {
		t.Fatalf("expected asset event queued")
	}
	if w := e.post(t, "/api/assets/events", `{"assetName":"abc.png"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing address, got %d", w.Code)
	}
}

func TestShutdownRejectsIntake(t *testing.T) {
	e := newEnv(t)
	e.app.StartShutdown()
	if w := e.post(t, "/api/orders", `{"customerId":"C1","productId":"P1","quantity":1}`); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if w := e.post(t, "/api/orders/O1/status", `{"newStatus":"Shipped"}`); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if w := e.post(t, "/api/assets/events", `{"assetName":"a","assetAddress":"b"}`); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

// Shutdown races in-flight intake on the production path: the server keeps
// serving while StartShutdown runs. Every request must see either a clean 202
// or a 503, with no shared non-atomic state between the two sides.
func TestShutdownConcurrentWithIntake(t *testing.T) {
	e := newEnv(t)
	body := `{"customerId":"C1","productId":"P1","quantity":1}`

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 50; j++ {
				w := e.post(t, "/api/orders", body)
				if w.Code != http.StatusAccepted && w.Code != http.StatusServiceUnavailable {
					t.Errorf("unexpected status %d: %s", w.Code, w.Body)
					return
				}
			}
		}()
	}
	close(start)
	e.app.StartShutdown()
	wg.Wait()

	if w := e.post(t, "/api/orders", body); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after shutdown, got %d", w.Code)
	}
}

func TestStatsCoversAllQueues(t *testing.T) {
	e := newEnv(t)
	e.ordersQ.Send([]byte(`{}`))
	e.stockQ.Send([]byte(`{}`))
	e.stockQ.Send([]byte(`{}`))
	e.assetsQ.Send([]byte(`{}`))

	r := httptest.NewRequest(http.MethodGet, "/debug/stats", nil)
	w := httptest.NewRecorder()
	e.h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var m map[string]float64
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatal(err)
	}
	for k, want := range map[string]float64{
		"orders_backlog": 1,
		"stock_backlog":  2,
		"assets_backlog": 1,
	} {
		if m[k] != want {
			t.Fatalf("expected %s=%v, got %v (%s)", k, want, m[k], w.Body)
		}
	}
}

func TestReadBoundary(t *testing.T) {
	e := newEnv(t)
	_, _ = e.store.Customers.Create("C1", model.Customer{ID: "C1", Username: "thandi"})

	r := httptest.NewRequest(http.MethodGet, "/api/customers/C1", nil)
	w := httptest.NewRecorder()
	e.h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var c model.Customer
	if err := json.Unmarshal(w.Body.Bytes(), &c); err != nil {
		t.Fatal(err)
	}
	if c.Username != "thandi" {
		t.Fatalf("unexpected customer: %+v", c)
	}

	r = httptest.NewRequest(http.MethodGet, "/api/orders/none", nil)
	w = httptest.NewRecorder()
	e.h.ServeHTTP(w, r)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}

	r = httptest.NewRequest(http.MethodGet, "/api/customers", nil)
	w = httptest.NewRecorder()
	e.h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var all []model.Customer
	if err := json.Unmarshal(w.Body.Bytes(), &all); err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 customer, got %d", len(all))
	}
}

func TestHealthAndRequestID(t *testing.T) {
	e := newEnv(t)
	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	e.h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}
}

package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/abcretail/order-pipeline/internal/model"
	"github.com/abcretail/order-pipeline/internal/obs"
	"github.com/abcretail/order-pipeline/internal/queue"
	"github.com/abcretail/order-pipeline/internal/store"
)

// App bundles the handlers' dependencies: the record store for reads and the
// intake queues for writes. Intake never touches the store. StockQ is held
// only for the stats surface.
type App struct {
	Store   *store.Store
	OrdersQ *queue.Queue
	StockQ  *queue.Queue
	AssetsQ *queue.Queue
	started time.Time
}

// NewApp constructs the HTTP application.
func NewApp(st *store.Store, ordersQ, stockQ, assetsQ *queue.Queue) *App {
	return &App{Store: st, OrdersQ: ordersQ, StockQ: stockQ, AssetsQ: assetsQ, started: time.Now()}
}

// StartShutdown rejects further intake while in-flight messages drain. The
// handlers observe it through the queues' shutdown flag, so no extra state is
// shared with in-flight requests.
func (a *App) StartShutdown() {
	a.OrdersQ.CloseIntake()
	a.AssetsQ.CloseIntake()
}

type createOrderRequest struct {
	CustomerID string `json:"customerId"`
	ProductID  string `json:"productId"`
	Quantity   int    `json:"quantity"`
	OrderDate  string `json:"orderDate,omitempty"`
}

type updateStatusRequest struct {
	NewStatus string `json:"newStatus"`
}

type ack struct {
	Queued     bool   `json:"queued"`
	OrderID    string `json:"orderId,omitempty"`
	RequestID  string `json:"requestId"`
	ReceivedAt string `json:"receivedAt"`
}

func (a *App) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	ct := r.Header.Get("Content-Type")
	if !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		WriteJSONError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "expected application/json")
		return false
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		WriteJSONError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

func (a *App) writeAck(w http.ResponseWriter, r *http.Request, orderID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(ack{
		Queued:     true,
		OrderID:    orderID,
		RequestID:  RequestIDFromContext(r.Context()),
		ReceivedAt: time.Now().UTC().Format(time.RFC3339),
	})
}

// createOrderHandler validates structurally, assigns the order id and
// enqueues. It performs no stock or existence checks: all consistency logic
// lives in the fulfillment worker, and the caller only ever learns "queued".
func (a *App) createOrderHandler(w http.ResponseWriter, r *http.Request) {
	if a.OrdersQ.IsShuttingDown() {
		WriteJSONError(w, http.StatusServiceUnavailable, "shutting_down", "")
		return
	}
	var req createOrderRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}
	if req.CustomerID == "" {
		WriteJSONError(w, http.StatusBadRequest, "validation_error", "customerId is required")
		return
	}
	if req.ProductID == "" {
		WriteJSONError(w, http.StatusBadRequest, "validation_error", "productId is required")
		return
	}
	if req.Quantity <= 0 {
		WriteJSONError(w, http.StatusBadRequest, "validation_error", "quantity must be > 0")
		return
	}
	orderDate := time.Now().UTC()
	if req.OrderDate != "" {
		ts, err := model.ParseOrderDate(req.OrderDate)
		if err != nil {
			WriteJSONError(w, http.StatusBadRequest, "validation_error", "orderDate must be RFC 3339")
			return
		}
		orderDate = ts
	}

	msg := model.CreationMessage{
		Action:     model.ActionCreate,
		OrderID:    uuid.NewString(),
		CustomerID: req.CustomerID,
		ProductID:  req.ProductID,
		Quantity:   req.Quantity,
		OrderDate:  orderDate.Format(time.RFC3339),
	}
	b, err := json.Marshal(msg)
	if err != nil {
		WriteJSONError(w, http.StatusInternalServerError, "encode_error", err.Error())
		return
	}
	if !a.OrdersQ.Send(b) {
		WriteJSONError(w, http.StatusServiceUnavailable, "shutting_down", "")
		return
	}
	a.writeAck(w, r, msg.OrderID)
	obs.Logger.Info("order_queued",
		zap.String("order_id", msg.OrderID),
		zap.String("product_id", msg.ProductID),
		zap.String("request_id", RequestIDFromContext(r.Context())),
	)
}

func (a *App) updateStatusHandler(w http.ResponseWriter, r *http.Request) {
	if a.OrdersQ.IsShuttingDown() {
		WriteJSONError(w, http.StatusServiceUnavailable, "shutting_down", "")
		return
	}
	orderID := chi.URLParam(r, "id")
	var req updateStatusRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.NewStatus) == "" {
		WriteJSONError(w, http.StatusBadRequest, "validation_error", "newStatus is required")
		return
	}
	msg := model.StatusMessage{Action: model.ActionStatus, OrderID: orderID, NewStatus: req.NewStatus}
	b, err := json.Marshal(msg)
	if err != nil {
		WriteJSONError(w, http.StatusInternalServerError, "encode_error", err.Error())
		return
	}
	if !a.OrdersQ.Send(b) {
		WriteJSONError(w, http.StatusServiceUnavailable, "shutting_down", "")
		return
	}
	a.writeAck(w, r, orderID)
}

// assetEventHandler is the ingress of the asset boundary: upload completion
// events are queued for the image-link reconciler.
func (a *App) assetEventHandler(w http.ResponseWriter, r *http.Request) {
	if a.AssetsQ.IsShuttingDown() {
		WriteJSONError(w, http.StatusServiceUnavailable, "shutting_down", "")
		return
	}
	var ev model.AssetEvent
	if !a.decodeJSON(w, r, &ev) {
		return
	}
	if ev.AssetName == "" || ev.AssetAddress == "" {
		WriteJSONError(w, http.StatusBadRequest, "validation_error", "assetName and assetAddress are required")
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		WriteJSONError(w, http.StatusInternalServerError, "encode_error", err.Error())
		return
	}
	if !a.AssetsQ.Send(b) {
		WriteJSONError(w, http.StatusServiceUnavailable, "shutting_down", "")
		return
	}
	a.writeAck(w, r, "")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func getByID[T any](table *store.Table[T]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, _, err := table.Get(chi.URLParam(r, "id"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				WriteJSONError(w, http.StatusNotFound, "not_found", "")
				return
			}
			WriteJSONError(w, http.StatusInternalServerError, "store_error", err.Error())
			return
		}
		writeJSON(w, v)
	}
}

func list[T any](table *store.Table[T]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, table.List())
	}
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (a *App) docsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	html := `<!doctype html>
<html>
  <head>
    <meta charset="utf-8" />
    <title>API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
      window.ui = SwaggerUIBundle({
        url: '/openapi.yaml',
        dom_id: '#swagger-ui'
      });
    </script>
  </body>
</html>`
	_, _ = w.Write([]byte(html))
}

// statsHandler reports queue depths and uptime as plain JSON, next to the
// Prometheus endpoint.
func (a *App) statsHandler(w http.ResponseWriter, r *http.Request) {
	m := map[string]any{
		"uptime_sec": time.Since(a.started).Seconds(),
	}
	for prefix, q := range map[string]*queue.Queue{
		"orders": a.OrdersQ,
		"stock":  a.StockQ,
		"assets": a.AssetsQ,
	} {
		sent, acked, dead, backlog, leased := q.Metrics()
		m[prefix+"_sent"] = sent
		m[prefix+"_acked"] = acked
		m[prefix+"_dead"] = dead
		m[prefix+"_backlog"] = backlog
		m[prefix+"_leased"] = leased
	}
	writeJSON(w, m)
}

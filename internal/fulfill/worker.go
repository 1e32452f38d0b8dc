// Package fulfill implements the order fulfillment worker: the state machine
// that turns queued creation and status messages into durable, stock-consistent
// order records.
package fulfill

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/abcretail/order-pipeline/internal/config"
	"github.com/abcretail/order-pipeline/internal/model"
	"github.com/abcretail/order-pipeline/internal/obs"
	"github.com/abcretail/order-pipeline/internal/pipeline"
	"github.com/abcretail/order-pipeline/internal/queue"
	"github.com/abcretail/order-pipeline/internal/store"
)

// UpdatedBy is stamped on every stock change event this worker emits.
const UpdatedBy = "fulfillment-worker"

// Terminal outcomes recorded on the order metrics counter.
const (
	outcomeCreated           = "created"
	outcomeDuplicate         = "duplicate"
	outcomeMalformed         = "malformed"
	outcomeUnknownAction     = "unknown_action"
	outcomeCustomerNotFound  = "customer_not_found"
	outcomeProductNotFound   = "product_not_found"
	outcomeInsufficientStock = "insufficient_stock"
	outcomeRejectedConflict  = "rejected_after_conflict"
	outcomeStatusUpdated     = "status_updated"
	outcomeStatusNoOrder     = "status_order_missing"
)

// Worker consumes the order queue. It is stateless; any number of instances
// may run concurrently over the same store and queues.
type Worker struct {
	store   *store.Store
	stockQ  *queue.Queue
	archive *queue.Archive
	metrics *obs.PipelineMetrics

	conflictRetries int
	conflictBackoff time.Duration
	maxDeliveries   int
}

// NewWorker wires a Worker against the record store, the stock notification
// queue and the order archive.
func NewWorker(st *store.Store, stockQ *queue.Queue, archive *queue.Archive, m *obs.PipelineMetrics, cfg config.Config) *Worker {
	retries := cfg.StockConflictRetries
	if retries < 1 {
		retries = 1
	}
	backoff := cfg.StockConflictBackoff
	if backoff <= 0 {
		backoff = 10 * time.Millisecond
	}
	maxDeliveries := cfg.QueueMaxDeliveries
	if maxDeliveries < 1 {
		maxDeliveries = 5
	}
	return &Worker{
		store:           st,
		stockQ:          stockQ,
		archive:         archive,
		metrics:         m,
		conflictRetries: retries,
		conflictBackoff: backoff,
		maxDeliveries:   maxDeliveries,
	}
}

// Handle processes one order queue message. Terminal outcomes, business
// rejections included, archive the raw message and ack; transient outcomes
// release the message so the queue redelivers it.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) pipeline.Outcome {
	var env model.Envelope
	if err := json.Unmarshal(msg.Body, &env); err != nil {
		obs.Logger.Warn("unparseable order message", zap.Error(err))
		return w.terminal(msg, outcomeMalformed)
	}
	switch {
	case strings.EqualFold(env.Action, model.ActionCreate):
		return w.handleCreate(ctx, msg)
	case strings.EqualFold(env.Action, model.ActionStatus):
		return w.handleStatus(msg)
	default:
		obs.Logger.Warn("unknown action", zap.String("action", env.Action))
		return w.terminal(msg, outcomeUnknownAction)
	}
}

func (w *Worker) handleCreate(ctx context.Context, msg queue.Message) pipeline.Outcome {
	var m model.CreationMessage
	if err := json.Unmarshal(msg.Body, &m); err != nil {
		obs.Logger.Warn("unparseable creation message", zap.Error(err))
		return w.terminal(msg, outcomeMalformed)
	}
	if m.OrderID == "" || m.CustomerID == "" || m.ProductID == "" || m.Quantity <= 0 {
		obs.Logger.Warn("creation message missing fields", zap.String("order_id", m.OrderID))
		return w.terminal(msg, outcomeMalformed)
	}
	orderDate, err := model.ParseOrderDate(m.OrderDate)
	if err != nil {
		obs.Logger.Warn("creation message with non-canonical date", zap.Error(err))
		return w.terminal(msg, outcomeMalformed)
	}

	cust, _, err := w.store.Customers.Get(m.CustomerID)
	if err != nil {
		obs.Logger.Warn("customer not found", zap.String("customer_id", m.CustomerID))
		return w.terminal(msg, outcomeCustomerNotFound)
	}
	prod, prodToken, err := w.store.Products.Get(m.ProductID)
	if err != nil {
		obs.Logger.Warn("product not found", zap.String("product_id", m.ProductID))
		return w.terminal(msg, outcomeProductNotFound)
	}
	// Advisory only: the token-guarded write below is what keeps the decrement
	// safe under concurrent orders for the same product.
	if prod.StockAvailable < m.Quantity {
		obs.Logger.Warn("insufficient stock",
			zap.String("product_id", m.ProductID),
			zap.Int("stock", prod.StockAvailable),
			zap.Int("requested", m.Quantity),
		)
		return w.terminal(msg, outcomeInsufficientStock)
	}

	order := model.Order{
		ID:          m.OrderID,
		CustomerID:  m.CustomerID,
		Username:    cust.Username,
		ProductID:   m.ProductID,
		ProductName: prod.ProductName,
		OrderDate:   orderDate,
		Quantity:    m.Quantity,
		UnitPrice:   prod.UnitPrice,
		TotalPrice:  prod.UnitPrice.Mul(decimal.NewFromInt(int64(m.Quantity))),
		Status:      model.StatusSubmitted,
	}
	if _, err := w.store.Orders.Create(order.ID, order); err != nil {
		if !errors.Is(err, store.ErrExists) {
			obs.Logger.Error("order create failed", zap.String("order_id", order.ID), zap.Error(err))
			return pipeline.Release
		}
		// Redelivery: the order row already landed. The StockApplied flag on
		// it decides whether the decrement may run again.
		existing, _, gerr := w.store.Orders.Get(order.ID)
		if gerr != nil {
			return pipeline.Release
		}
		if existing.StockApplied {
			obs.Logger.Info("order already fulfilled, skipping decrement",
				zap.String("order_id", order.ID))
			return w.terminal(msg, outcomeDuplicate)
		}
	}

	prev, next, out, ok := w.decrementStock(ctx, msg, order.ID, m.ProductID, m.Quantity, prod, prodToken)
	if !ok {
		return out
	}

	if !w.mutateOrder(order.ID, func(o *model.Order) { o.StockApplied = true }) {
		return pipeline.Release
	}

	w.emitStockEvent(m.ProductID, prod.ProductName, prev, next)
	obs.Logger.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("product_id", m.ProductID),
		zap.Int("previous_stock", prev),
		zap.Int("new_stock", next),
	)
	return w.terminal(msg, outcomeCreated)
}

// decrementStock performs the token-guarded stock write with bounded
// exponential-backoff retry. A conflict is never treated as success: the
// product is re-read and, when the retry budget runs out, the message is
// released for queue redelivery.
func (w *Worker) decrementStock(ctx context.Context, msg queue.Message, orderID, productID string, qty int, prod model.Product, token string) (prev, next int, out pipeline.Outcome, ok bool) {
	p, tok := prod, token
	for attempt := 0; attempt < w.conflictRetries; attempt++ {
		if attempt > 0 {
			var err error
			p, tok, err = w.store.Products.Get(productID)
			if err != nil {
				obs.Logger.Warn("product vanished during decrement", zap.String("product_id", productID))
				return 0, 0, w.terminal(msg, outcomeProductNotFound), false
			}
			if p.StockAvailable < qty {
				// The order row already exists; mark it rejected so the
				// outcome stays observable instead of silently dropped.
				w.mutateOrder(orderID, func(o *model.Order) { o.Status = model.StatusRejected })
				obs.Logger.Warn("stock exhausted by concurrent orders",
					zap.String("order_id", orderID),
					zap.String("product_id", productID),
					zap.Int("stock", p.StockAvailable),
					zap.Int("requested", qty),
				)
				return 0, 0, w.terminal(msg, outcomeRejectedConflict), false
			}
		}
		prev = p.StockAvailable
		p.StockAvailable = prev - qty
		_, err := w.store.Products.Update(productID, tok, p)
		if err == nil {
			return prev, prev - qty, 0, true
		}
		if errors.Is(err, store.ErrConflict) {
			w.metrics.StockConflicts.Inc()
			if !sleepCtx(ctx, backoffFor(w.conflictBackoff, attempt)) {
				return 0, 0, pipeline.Release, false
			}
			continue
		}
		obs.Logger.Warn("stock write failed", zap.String("product_id", productID), zap.Error(err))
		return 0, 0, w.terminal(msg, outcomeProductNotFound), false
	}
	obs.Logger.Warn("stock conflict retries exhausted, releasing for redelivery",
		zap.String("order_id", orderID),
		zap.String("product_id", productID),
	)
	return 0, 0, pipeline.Release, false
}

func (w *Worker) handleStatus(msg queue.Message) pipeline.Outcome {
	var m model.StatusMessage
	if err := json.Unmarshal(msg.Body, &m); err != nil {
		obs.Logger.Warn("unparseable status message", zap.Error(err))
		return w.terminal(msg, outcomeMalformed)
	}
	if m.OrderID == "" || m.NewStatus == "" {
		obs.Logger.Warn("status message missing fields", zap.String("order_id", m.OrderID))
		return w.terminal(msg, outcomeMalformed)
	}
	if _, _, err := w.store.Orders.Get(m.OrderID); err != nil {
		// A status update can race its order's creation. Ride the queue's
		// redelivery until the delivery cap, then archive as terminal.
		if msg.DeliveryCount < w.maxDeliveries {
			obs.Logger.Info("order not yet visible for status update, releasing",
				zap.String("order_id", m.OrderID),
				zap.Int("delivery_count", msg.DeliveryCount),
			)
			return pipeline.Release
		}
		obs.Logger.Warn("order not found for status update", zap.String("order_id", m.OrderID))
		return w.terminal(msg, outcomeStatusNoOrder)
	}
	if !w.mutateOrder(m.OrderID, func(o *model.Order) { o.Status = m.NewStatus }) {
		return pipeline.Release
	}
	obs.Logger.Info("order status updated",
		zap.String("order_id", m.OrderID),
		zap.String("status", m.NewStatus),
	)
	return w.terminal(msg, outcomeStatusUpdated)
}

// mutateOrder applies a token-guarded read-modify-write to an order, retrying
// on conflict with a fresh read each attempt.
func (w *Worker) mutateOrder(id string, mutate func(*model.Order)) bool {
	for attempt := 0; attempt < w.conflictRetries; attempt++ {
		o, tok, err := w.store.Orders.Get(id)
		if err != nil {
			return false
		}
		mutate(&o)
		if _, err := w.store.Orders.Update(id, tok, o); err == nil {
			return true
		} else if !errors.Is(err, store.ErrConflict) {
			return false
		}
	}
	return false
}

// emitStockEvent sends the derived notification. Failure is logged and
// skipped: the event is an audit aid, never a correctness requirement, so it
// must not roll back or retry the order.
func (w *Worker) emitStockEvent(productID, productName string, prev, next int) {
	ev := model.StockChangeEvent{
		ProductID:     productID,
		ProductName:   productName,
		PreviousStock: prev,
		NewStock:      next,
		UpdatedBy:     UpdatedBy,
		UpdateTime:    time.Now().UTC(),
	}
	b, err := json.Marshal(ev)
	if err != nil {
		obs.Logger.Warn("stock event marshal failed", zap.Error(err))
		return
	}
	if !w.stockQ.Send(b) {
		obs.Logger.Warn("stock queue unavailable, skipping notification",
			zap.String("product_id", productID))
	}
}

// terminal archives the raw message as the durable record of the outcome and
// acks it.
func (w *Worker) terminal(msg queue.Message, outcome string) pipeline.Outcome {
	w.archive.Put(msg.Body)
	w.metrics.Orders.WithLabelValues(outcome).Inc()
	return pipeline.Ack
}

// backoffFor doubles the base per attempt, capped at 64x.
func backoffFor(base time.Duration, attempt int) time.Duration {
	if attempt > 6 {
		attempt = 6
	}
	return base << attempt
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

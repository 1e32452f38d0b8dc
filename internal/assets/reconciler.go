// Package assets binds stored product images to their product records.
package assets

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/abcretail/order-pipeline/internal/config"
	"github.com/abcretail/order-pipeline/internal/model"
	"github.com/abcretail/order-pipeline/internal/obs"
	"github.com/abcretail/order-pipeline/internal/pipeline"
	"github.com/abcretail/order-pipeline/internal/queue"
	"github.com/abcretail/order-pipeline/internal/store"
)

// Reconciler consumes asset-stored events and writes the asset's address onto
// the owning product's imageAddress field, under the same token-guarded
// conflict policy as the fulfillment worker.
type Reconciler struct {
	store           *store.Store
	conflictRetries int
	conflictBackoff time.Duration
}

// NewReconciler wires a Reconciler against the record store.
func NewReconciler(st *store.Store, cfg config.Config) *Reconciler {
	retries := cfg.StockConflictRetries
	if retries < 1 {
		retries = 1
	}
	backoff := cfg.StockConflictBackoff
	if backoff <= 0 {
		backoff = 10 * time.Millisecond
	}
	return &Reconciler{store: st, conflictRetries: retries, conflictBackoff: backoff}
}

// productIDFromAssetName extracts the owning product id: the first 36
// characters of the asset name must parse as a UUID.
func productIDFromAssetName(name string) (string, bool) {
	if len(name) < 36 {
		return "", false
	}
	id, err := uuid.Parse(name[:36])
	if err != nil {
		return "", false
	}
	return id.String(), true
}

// Handle processes one asset event. Every terminal path acks: an asset without
// a matching product predates or lacks one and is never retried.
func (r *Reconciler) Handle(ctx context.Context, msg queue.Message) pipeline.Outcome {
	var ev model.AssetEvent
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		obs.Logger.Warn("unparseable asset event", zap.Error(err))
		return pipeline.Ack
	}
	if ev.AssetAddress == "" {
		obs.Logger.Warn("asset event without address", zap.String("asset", ev.AssetName))
		return pipeline.Ack
	}
	productID, ok := productIDFromAssetName(ev.AssetName)
	if !ok {
		obs.Logger.Warn("asset name does not start with a valid product id",
			zap.String("asset", ev.AssetName))
		return pipeline.Ack
	}

	for attempt := 0; attempt < r.conflictRetries; attempt++ {
		p, tok, err := r.store.Products.Get(productID)
		if err != nil {
			obs.Logger.Warn("no product for stored asset",
				zap.String("product_id", productID),
				zap.String("asset", ev.AssetName),
			)
			return pipeline.Ack
		}
		// idempotent under redelivery
		if strings.EqualFold(p.ImageAddress, ev.AssetAddress) {
			return pipeline.Ack
		}
		p.ImageAddress = ev.AssetAddress
		if _, err := r.store.Products.Update(productID, tok, p); err == nil {
			obs.Logger.Info("product image bound",
				zap.String("product_id", productID),
				zap.String("address", ev.AssetAddress),
			)
			return pipeline.Ack
		} else if !errors.Is(err, store.ErrConflict) {
			return pipeline.Ack
		}
		select {
		case <-ctx.Done():
			return pipeline.Release
		case <-time.After(r.conflictBackoff << min(attempt, 6)):
		}
	}
	obs.Logger.Warn("image bind conflict retries exhausted, releasing",
		zap.String("product_id", productID))
	return pipeline.Release
}

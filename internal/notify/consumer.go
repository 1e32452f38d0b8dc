// Package notify drains the stock notification queue into its audit archive.
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/abcretail/order-pipeline/internal/obs"
	"github.com/abcretail/order-pipeline/internal/pipeline"
	"github.com/abcretail/order-pipeline/internal/queue"
)

// Consumer is a pure audit sink: it copies every stock change event's raw
// bytes into the archive and acks. No business logic, no store interaction.
type Consumer struct {
	archive *queue.Archive
}

// NewConsumer wires a Consumer against the stock archive.
func NewConsumer(a *queue.Archive) *Consumer {
	return &Consumer{archive: a}
}

// Handle archives one stock change event.
func (c *Consumer) Handle(ctx context.Context, msg queue.Message) pipeline.Outcome {
	c.archive.Put(msg.Body)
	obs.Logger.Debug("stock update archived",
		zap.String("message_id", msg.ID),
		zap.Int("bytes", len(msg.Body)),
	)
	return pipeline.Ack
}

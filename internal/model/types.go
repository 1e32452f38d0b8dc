// Package model defines the entities and queue message shapes of the pipeline.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Collection names within the record store.
const (
	CollectionCustomers = "customers"
	CollectionProducts  = "products"
	CollectionOrders    = "orders"
)

// Actions carried by order queue messages.
const (
	ActionCreate = "create"
	ActionStatus = "status"
)

// Order statuses assigned by the pipeline itself. Operators may set further
// statuses through status messages.
const (
	StatusSubmitted = "Submitted"
	StatusRejected  = "Rejected"
)

// Customer is a registered buyer.
type Customer struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Surname         string `json:"surname"`
	Username        string `json:"username"`
	Email           string `json:"email"`
	ShippingAddress string `json:"shippingAddress"`
}

// Product is a sellable item. StockAvailable never goes negative; it is
// decremented only by the fulfillment worker.
type Product struct {
	ID             string          `json:"id"`
	ProductName    string          `json:"productName"`
	Description    string          `json:"description"`
	UnitPrice      decimal.Decimal `json:"unitPrice"`
	StockAvailable int             `json:"stockAvailable"`
	ImageAddress   string          `json:"imageAddress,omitempty"`
}

// Order is the durable outcome of a fulfilled creation message. Username,
// ProductName and UnitPrice are denormalized at creation time; the price never
// changes afterward. StockApplied records that the stock decrement for this
// order has been durably applied, so a redelivered creation message must not
// decrement again.
type Order struct {
	ID           string          `json:"id"`
	CustomerID   string          `json:"customerId"`
	Username     string          `json:"username"`
	ProductID    string          `json:"productId"`
	ProductName  string          `json:"productName"`
	OrderDate    time.Time       `json:"orderDate"`
	Quantity     int             `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unitPrice"`
	TotalPrice   decimal.Decimal `json:"totalPrice"`
	Status       string          `json:"status"`
	StockApplied bool            `json:"stockApplied"`
}

// Envelope exposes only the action discriminator of a queue message.
type Envelope struct {
	Action string `json:"action"`
}

// CreationMessage asks the worker to create an order. OrderID is assigned at
// intake and doubles as the dedup key for the store's create step.
type CreationMessage struct {
	Action     string `json:"action"`
	OrderID    string `json:"orderId"`
	CustomerID string `json:"customerId"`
	ProductID  string `json:"productId"`
	Quantity   int    `json:"quantity"`
	OrderDate  string `json:"orderDate"`
}

// StatusMessage asks the worker to overwrite an order's status.
type StatusMessage struct {
	Action    string `json:"action"`
	OrderID   string `json:"orderId"`
	NewStatus string `json:"newStatus"`
}

// StockChangeEvent is emitted after a stock decrement. It is a notification
// kept for audit, never a command; nothing consumes it to mutate state.
type StockChangeEvent struct {
	ProductID     string    `json:"productId"`
	ProductName   string    `json:"productName"`
	PreviousStock int       `json:"previousStock"`
	NewStock      int       `json:"newStock"`
	UpdatedBy     string    `json:"updatedBy"`
	UpdateTime    time.Time `json:"updateTime"`
}

// AssetEvent announces a stored asset. The first 36 characters of AssetName
// identify the owning product.
type AssetEvent struct {
	AssetName    string `json:"assetName"`
	AssetAddress string `json:"assetAddress"`
}

// ParseOrderDate parses the canonical wire encoding of an order date, RFC 3339,
// and normalizes it to UTC. Every other encoding is rejected.
func ParseOrderDate(s string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("order date %q is not RFC 3339: %w", s, err)
	}
	return ts.UTC(), nil
}

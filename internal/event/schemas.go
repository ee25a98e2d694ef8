package event

import (
	"encoding/json"
	"fmt"
)

// OrderItem is one line item of an order_created payload.
type OrderItem struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

// OrderCreatedPayloadV1 is the payload shape for event_type=order_created,
// schema_version=1.
type OrderCreatedPayloadV1 struct {
	Items            []OrderItem `json:"items"`
	TotalMinorUnits  int64       `json:"total_minor_units"`
	Currency         string      `json:"currency"`
}

func validateOrderCreatedV1(payload json.RawMessage) error {
	var p OrderCreatedPayloadV1
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("order_created v1: %w", err)
	}
	if len(p.Items) == 0 {
		return fmt.Errorf("order_created v1: items must not be empty")
	}
	for _, item := range p.Items {
		if item.SKU == "" {
			return fmt.Errorf("order_created v1: item missing sku")
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("order_created v1: item quantity must be positive")
		}
	}
	if p.Currency == "" {
		return fmt.Errorf("order_created v1: currency is required")
	}
	if p.TotalMinorUnits < 0 {
		return fmt.Errorf("order_created v1: total_minor_units must be non-negative")
	}
	return nil
}

// OrderUpdatedPayloadV1 covers the order_updated event type: a partial set
// of changed fields, all optional so a consumer can apply whichever it
// understands.
type OrderUpdatedPayloadV1 struct {
	Status          string `json:"status,omitempty"`
	TotalMinorUnits *int64 `json:"total_minor_units,omitempty"`
}

func validateOrderUpdatedV1(payload json.RawMessage) error {
	var p OrderUpdatedPayloadV1
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("order_updated v1: %w", err)
	}
	return nil
}

// OrderCancelledPayloadV1 covers the order_cancelled event type.
type OrderCancelledPayloadV1 struct {
	Reason string `json:"reason,omitempty"`
}

func validateOrderCancelledV1(payload json.RawMessage) error {
	var p OrderCancelledPayloadV1
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("order_cancelled v1: %w", err)
	}
	return nil
}

// NotificationPayloadV1 covers generic tenant notifications routed to the
// "notifications" topic.
type NotificationPayloadV1 struct {
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
}

func validateNotificationV1(payload json.RawMessage) error {
	var p NotificationPayloadV1
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("notification v1: %w", err)
	}
	if p.Title == "" {
		return fmt.Errorf("notification v1: title is required")
	}
	return nil
}

// RegisterDefaults populates r with the event types this system ships
// known schemas for. Called once at startup (see internal/app); additional
// deployments can register more via the same Register call.
func RegisterDefaults(r *SchemaRegistry) {
	r.Register(Schema{EventType: "order_created", SchemaVersion: 1, Topic: "orders", Validate: validateOrderCreatedV1})
	r.Register(Schema{EventType: "order_updated", SchemaVersion: 1, Topic: "orders", Validate: validateOrderUpdatedV1})
	r.Register(Schema{EventType: "order_cancelled", SchemaVersion: 1, Topic: "orders", Validate: validateOrderCancelledV1})
	r.Register(Schema{EventType: "notification", SchemaVersion: 1, Topic: "notifications", Validate: validateNotificationV1})
}

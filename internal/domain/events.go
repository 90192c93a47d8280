package domain

import "time"

// OrderCreatedEvent is the wire contract consumed by downstream
// notification services. Field names and types are stable; CreatedAt
// marshals as RFC 3339.
type OrderCreatedEvent struct {
	OrderID     int64       `json:"orderId"`
	UserID      int64       `json:"userId"`
	OrderNumber string      `json:"orderNumber"`
	Status      OrderStatus `json:"status"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// NewOrderCreatedEvent snapshots a persisted order into its event.
func NewOrderCreatedEvent(order *Order) OrderCreatedEvent {
	return OrderCreatedEvent{
		OrderID:     order.ID,
		UserID:      order.UserID,
		OrderNumber: order.OrderNumber,
		Status:      order.Status,
		CreatedAt:   order.CreatedAt,
	}
}

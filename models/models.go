// Package models holds the relational schema: user accounts, orders with
// their items, and the append-only audit log.
package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// OrderStatus tracks the dual-write lifecycle of an order row.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusFailed    OrderStatus = "failed"
)

// Audit event types appended by the engine.
const (
	EventReserve = "reserve"
	EventConfirm = "confirm"
	EventCancel  = "cancel"
	EventExpire  = "expire"
)

// User stores account credentials.
type User struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	UserID       string `gorm:"size:50;uniqueIndex;not null"`
	PasswordHash string `gorm:"size:255;not null"`
	CreatedAt    time.Time
}

// Order records a confirmed (or failed) promotion of a reservation.
type Order struct {
	OrderID     string          `gorm:"primaryKey;size:20"`
	UserID      string          `gorm:"size:50;index;not null"`
	Status      OrderStatus     `gorm:"size:20;not null"`
	TotalAmount decimal.Decimal `gorm:"type:decimal(10,2)"`
	CreatedAt   time.Time       `gorm:"index"`
	Items       []OrderItem     `gorm:"foreignKey:OrderID;references:OrderID"`
}

// OrderItem is a child row of Order.
type OrderItem struct {
	ID           uint            `gorm:"primaryKey;autoIncrement"`
	OrderID      string          `gorm:"size:20;index;not null"`
	SKU          string          `gorm:"size:50;not null"`
	Quantity     int             `gorm:"not null"`
	PricePerUnit decimal.Decimal `gorm:"type:decimal(10,2)"`
}

// AuditLog is the append-only inventory event trail. Details carries a JSON
// document as text.
type AuditLog struct {
	ID            uint      `gorm:"primaryKey;autoIncrement"`
	EventType     string    `gorm:"size:50;index;not null"`
	UserID        string    `gorm:"size:50"`
	SKU           string    `gorm:"size:50;index"`
	ReservationID string    `gorm:"size:20"`
	Details       string    `gorm:"type:text"`
	Timestamp     time.Time `gorm:"index"`
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&Order{},
		&OrderItem{},
		&AuditLog{},
	)
}

// Package orders promotes consumed reservations into relational order rows
// and owns every mutation of the orders tables. Promotion is a dual write
// across the key-value ledger and the relational store; the pending-first
// ordering below can strand a failed order row but can never double-charge.
package orders

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/flexype/flashsale/models"
	"github.com/flexype/flashsale/store"
)

// ReservationConsumer is the slice of the reservation service the promoter
// depends on.
type ReservationConsumer interface {
	Lookup(ctx context.Context, reservationID string) (*store.Reservation, error)
	Confirm(ctx context.Context, reservationID, userID string) (*store.Reservation, error)
}

// Item is one confirmed line of an order.
type Item struct {
	SKU          string          `json:"sku"`
	Quantity     int             `json:"quantity"`
	PricePerUnit decimal.Decimal `json:"price_per_unit"`
}

// ConfirmedOrder is the promoter's success response.
type ConfirmedOrder struct {
	OrderID string          `json:"order_id"`
	Status  string          `json:"status"`
	Items   []Item          `json:"items"`
	Total   decimal.Decimal `json:"total"`
}

// Config captures the promoter's dependencies.
type Config struct {
	DB       *gorm.DB
	Consumer ReservationConsumer
	Catalog  PriceCatalog
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string
}

// Promoter coordinates the pending-first dual write.
type Promoter struct {
	db       *gorm.DB
	consumer ReservationConsumer
	catalog  PriceCatalog
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// New constructs a promoter.
func New(cfg Config) *Promoter {
	if cfg.Catalog == nil {
		cfg.Catalog = DefaultCatalog()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = NewOrderID
	}
	return &Promoter{
		db:       cfg.DB,
		consumer: cfg.Consumer,
		catalog:  cfg.Catalog,
		logger:   cfg.Logger,
		now:      cfg.Now,
		newID:    cfg.NewID,
	}
}

// NewOrderID mints a fresh opaque order id.
func NewOrderID() string {
	id := uuid.New()
	return "ord_" + hex.EncodeToString(id[:])[:10]
}

// Confirm promotes a reservation into a confirmed order:
//
//  1. bail out early when the ledger entry is already gone,
//  2. insert a pending order row,
//  3. consume the reservation (the only step that can still reject),
//  4. finalise the order, its item, and the confirm audit event in one
//     relational transaction.
//
// A consume failure flips the pending row to failed and surfaces the
// original error. A finalise failure after a successful consume also flips
// the row to failed; the held units were legitimately consumed and are not
// refunded (the reconciler reports the divergence).
func (p *Promoter) Confirm(ctx context.Context, reservationID, userID string) (*ConfirmedOrder, error) {
	res, err := p.consumer.Lookup(ctx, reservationID)
	if err != nil {
		return nil, fmt.Errorf("lookup reservation: %w", err)
	}
	if res == nil {
		return nil, store.ErrNotFound
	}

	price, err := p.catalog.UnitPrice(ctx, res.SKU)
	if err != nil {
		return nil, fmt.Errorf("resolve unit price: %w", err)
	}
	total := price.Mul(decimal.NewFromInt(int64(res.Quantity)))

	orderID := p.newID()
	pending := models.Order{
		OrderID:     orderID,
		UserID:      userID,
		Status:      models.OrderStatusPending,
		TotalAmount: total,
		CreatedAt:   p.now().UTC(),
	}
	if err := p.db.WithContext(ctx).Create(&pending).Error; err != nil {
		return nil, fmt.Errorf("create pending order: %w", err)
	}

	confirmed, err := p.consumer.Confirm(ctx, reservationID, userID)
	if err != nil {
		p.markFailed(ctx, orderID)
		return nil, err
	}

	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Order{}).
			Where("order_id = ?", orderID).
			Update("status", models.OrderStatusConfirmed).Error; err != nil {
			return err
		}
		item := models.OrderItem{
			OrderID:      orderID,
			SKU:          confirmed.SKU,
			Quantity:     confirmed.Quantity,
			PricePerUnit: price,
		}
		if err := tx.Create(&item).Error; err != nil {
			return err
		}
		return appendAudit(tx, p.now(), models.EventConfirm, userID, confirmed.SKU, reservationID, map[string]any{
			"order_id":     orderID,
			"quantity":     confirmed.Quantity,
			"total_amount": total.String(),
		})
	})
	if err != nil {
		// The ledger entry is gone and stock stays consumed. Leave the
		// order failed for the reconciler to surface.
		p.markFailed(ctx, orderID)
		p.logger.Error("order finalise failed after consume; divergence recorded",
			"order_id", orderID, "reservation_id", reservationID, "error", err)
		return nil, fmt.Errorf("finalise order: %w", err)
	}

	p.logger.Info("confirmed checkout", "order_id", orderID, "reservation_id", reservationID, "user_id", userID)
	return &ConfirmedOrder{
		OrderID: orderID,
		Status:  string(models.OrderStatusConfirmed),
		Items: []Item{{
			SKU:          confirmed.SKU,
			Quantity:     confirmed.Quantity,
			PricePerUnit: price,
		}},
		Total: total,
	}, nil
}

func (p *Promoter) markFailed(ctx context.Context, orderID string) {
	if err := p.db.WithContext(ctx).Model(&models.Order{}).
		Where("order_id = ?", orderID).
		Update("status", models.OrderStatusFailed).Error; err != nil {
		p.logger.Error("mark order failed", "order_id", orderID, "error", err)
	}
}

// Get loads an order with its items.
func (p *Promoter) Get(ctx context.Context, orderID string) (*models.Order, error) {
	var order models.Order
	err := p.db.WithContext(ctx).Preload("Items").First(&order, "order_id = ?", orderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}
	return &order, nil
}

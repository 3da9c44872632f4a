// Package model содержит доменные сущности ядра расчётов маркетплейса.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ParentOrderStatus описывает статус родительского заказа покупателя.
type ParentOrderStatus string

const (
	ParentOrderStatusPending   ParentOrderStatus = "PENDING"
	ParentOrderStatusSplit     ParentOrderStatus = "SPLIT"
	ParentOrderStatusCompleted ParentOrderStatus = "COMPLETED"
	ParentOrderStatusCancelled ParentOrderStatus = "CANCELLED"
)

// SubOrderStatus описывает статус вендорского подзаказа.
type SubOrderStatus string

const (
	SubOrderStatusPending   SubOrderStatus = "PENDING"
	SubOrderStatusConfirmed SubOrderStatus = "CONFIRMED"
	SubOrderStatusShipped   SubOrderStatus = "SHIPPED"
	SubOrderStatusDelivered SubOrderStatus = "DELIVERED"
	SubOrderStatusCancelled SubOrderStatus = "CANCELLED"
)

// subOrderTransitions задаёт допустимые переходы статусов подзаказа.
// DELIVERED и CANCELLED — терминальные состояния.
var subOrderTransitions = map[SubOrderStatus][]SubOrderStatus{
	SubOrderStatusPending:   {SubOrderStatusConfirmed, SubOrderStatusCancelled},
	SubOrderStatusConfirmed: {SubOrderStatusShipped, SubOrderStatusCancelled},
	SubOrderStatusShipped:   {SubOrderStatusDelivered, SubOrderStatusCancelled},
}

// CanTransitionTo сообщает, разрешён ли переход подзаказа в статус next.
func (s SubOrderStatus) CanTransitionTo(next SubOrderStatus) bool {
	for _, allowed := range subOrderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsValid сообщает, является ли значение известным статусом подзаказа.
func (s SubOrderStatus) IsValid() bool {
	switch s {
	case SubOrderStatusPending, SubOrderStatusConfirmed, SubOrderStatusShipped,
		SubOrderStatusDelivered, SubOrderStatusCancelled:
		return true
	}
	return false
}

// AggregateParentStatus вычисляет статус родительского заказа как чистую
// функцию от статусов всех его подзаказов: все DELIVERED — COMPLETED,
// все CANCELLED — CANCELLED, иначе SPLIT.
func AggregateParentStatus(statuses []SubOrderStatus) ParentOrderStatus {
	if len(statuses) == 0 {
		return ParentOrderStatusPending
	}

	allDelivered := true
	allCancelled := true
	for _, s := range statuses {
		if s != SubOrderStatusDelivered {
			allDelivered = false
		}
		if s != SubOrderStatusCancelled {
			allCancelled = false
		}
	}

	switch {
	case allDelivered:
		return ParentOrderStatusCompleted
	case allCancelled:
		return ParentOrderStatusCancelled
	default:
		return ParentOrderStatusSplit
	}
}

// ParentOrder представляет заказ покупателя, охватывающий несколько вендоров.
// Все денежные суммы хранятся в минорных единицах валюты (центах).
type ParentOrder struct {
	ID              int64
	TenantID        int64
	OrderNumber     string
	CustomerName    string
	CustomerPhone   string
	CustomerEmail   string
	ShippingAddress string
	Items           []ParentOrderItem
	SubtotalCents   int64
	ShippingCents   int64
	TaxCents        int64
	DiscountCents   int64
	GrandTotalCents int64
	Currency        string
	Status          ParentOrderStatus
	PaymentMethod   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ParentOrderItem представляет позицию родительского заказа.
// Неизменяема после создания; поле VendorID определяет группировку по вендорам.
type ParentOrderItem struct {
	ID             int64
	ProductID      int64
	ProductName    string
	VendorID       int64
	Quantity       int32
	UnitPriceCents int64
	DiscountCents  int64
}

// SubOrder представляет вендорскую часть родительского заказа,
// отслеживаемую независимо до момента доставки.
type SubOrder struct {
	ID                int64
	ParentOrderID     int64
	VendorID          int64
	SubOrderNumber    string
	Items             []SubOrderItem
	SubtotalCents     int64
	CommissionRate    decimal.Decimal
	CommissionCents   int64
	VendorPayoutCents int64
	Status            SubOrderStatus
	ShippedAt         *time.Time
	DeliveredAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SubOrderItem представляет позицию подзаказа.
type SubOrderItem struct {
	ID             int64
	ProductID      int64
	ProductName    string
	Quantity       int32
	UnitPriceCents int64
	DiscountCents  int64
}

// Vendor описывает запись вендора. Для ядра расчётов она доступна
// только на чтение: владеет ею внешняя подсистема управления партнёрами.
type Vendor struct {
	ID                 int64
	TenantID           int64
	Name               string
	CommissionOverride *decimal.Decimal
	TierID             *int64
}

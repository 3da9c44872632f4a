package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/marketplace-core/internal/model"
	"github.com/mmeshcher/marketplace-core/internal/repository"
)

// defaultCommissionRate — комиссия платформы, применяемая к вендорам
// без индивидуальной ставки.
var defaultCommissionRate = decimal.RequireFromString("0.10")

// OrderRepository описывает контракт доступа к данным заказов.
type OrderRepository interface {
	GetVendor(ctx context.Context, tenantID, vendorID int64) (*model.Vendor, error)
	CreateSplitOrder(ctx context.Context, order *model.ParentOrder, subs []*model.SubOrder) error
	GetParentOrder(ctx context.Context, id int64) (*model.ParentOrder, error)
	GetSubOrder(ctx context.Context, id int64) (*model.SubOrder, error)
	ListSubOrdersByParent(ctx context.Context, parentOrderID int64) ([]model.SubOrder, error)
	ListVendorSubOrders(ctx context.Context, vendorID int64) ([]model.SubOrder, error)
	ApplySubOrderTransition(ctx context.Context, subOrderID int64, from, to model.SubOrderStatus, shippedAt, deliveredAt *time.Time) (*model.SubOrder, model.ParentOrderStatus, error)
}

// OrderService реализует разбиение заказов по вендорам и расчёт комиссий.
type OrderService struct {
	repo OrderRepository
}

// NewOrderService создаёт сервис заказов с указанным репозиторием.
func NewOrderService(repo OrderRepository) *OrderService {
	return &OrderService{repo: repo}
}

// OrderItemInput описывает позицию входящего заказа.
type OrderItemInput struct {
	ProductID      int64
	ProductName    string
	VendorID       int64
	Quantity       int32
	UnitPriceCents int64
	DiscountCents  int64
}

// OrderInput описывает входящий заказ покупателя до разбиения.
type OrderInput struct {
	CustomerName    string
	CustomerPhone   string
	CustomerEmail   string
	ShippingAddress string
	Items           []OrderItemInput
	ShippingCents   int64
	TaxCents        int64
	DiscountCents   int64
	Currency        string
	PaymentMethod   string
}

// SubOrderSummary описывает итог вендорской части разбитого заказа.
type SubOrderSummary struct {
	SubOrderID        int64
	SubOrderNumber    string
	VendorID          int64
	ItemCount         int
	SubtotalCents     int64
	CommissionCents   int64
	VendorPayoutCents int64
	Status            model.SubOrderStatus
}

func validateOrderInput(in *OrderInput) error {
	if len(in.Items) == 0 {
		return fmt.Errorf("%w: order items are required", ErrInvalidInput)
	}
	if in.ShippingAddress == "" {
		return fmt.Errorf("%w: shipping address is required", ErrInvalidInput)
	}
	for _, item := range in.Items {
		if item.VendorID <= 0 {
			return fmt.Errorf("%w: item vendor is required", ErrInvalidInput)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: item quantity must be positive", ErrInvalidInput)
		}
		if item.UnitPriceCents < 0 || item.DiscountCents < 0 {
			return fmt.Errorf("%w: item price and discount must be non-negative", ErrInvalidInput)
		}
	}
	if in.ShippingCents < 0 || in.TaxCents < 0 || in.DiscountCents < 0 {
		return fmt.Errorf("%w: order totals must be non-negative", ErrInvalidInput)
	}
	return nil
}

func itemSubtotal(item OrderItemInput) int64 {
	return int64(item.Quantity)*item.UnitPriceCents - item.DiscountCents
}

// CreateAndSplitOrder проверяет входящий заказ, группирует позиции по
// вендорам в порядке первого появления, рассчитывает комиссии и атомарно
// сохраняет родительский заказ вместе со всеми подзаказами.
func (s *OrderService) CreateAndSplitOrder(ctx context.Context, tenantID int64, in OrderInput) (*model.ParentOrder, []SubOrderSummary, error) {
	if err := validateOrderInput(&in); err != nil {
		return nil, nil, err
	}

	currency := in.Currency
	if currency == "" {
		currency = "USD"
	}

	// Группировка по вендору с сохранением порядка первого появления:
	// состав группы, а не порядок позиций, определяет число подзаказов.
	groupIndex := make(map[int64]int)
	var groups [][]OrderItemInput
	for _, item := range in.Items {
		idx, ok := groupIndex[item.VendorID]
		if !ok {
			idx = len(groups)
			groupIndex[item.VendorID] = idx
			groups = append(groups, nil)
		}
		groups[idx] = append(groups[idx], item)
	}

	var subtotal int64
	items := make([]model.ParentOrderItem, 0, len(in.Items))
	for _, item := range in.Items {
		subtotal += itemSubtotal(item)
		items = append(items, model.ParentOrderItem{
			ProductID:      item.ProductID,
			ProductName:    item.ProductName,
			VendorID:       item.VendorID,
			Quantity:       item.Quantity,
			UnitPriceCents: item.UnitPriceCents,
			DiscountCents:  item.DiscountCents,
		})
	}

	order := &model.ParentOrder{
		TenantID:        tenantID,
		CustomerName:    in.CustomerName,
		CustomerPhone:   in.CustomerPhone,
		CustomerEmail:   in.CustomerEmail,
		ShippingAddress: in.ShippingAddress,
		Items:           items,
		SubtotalCents:   subtotal,
		ShippingCents:   in.ShippingCents,
		TaxCents:        in.TaxCents,
		DiscountCents:   in.DiscountCents,
		GrandTotalCents: subtotal + in.ShippingCents + in.TaxCents - in.DiscountCents,
		Currency:        currency,
		Status:          model.ParentOrderStatusSplit,
		PaymentMethod:   in.PaymentMethod,
	}

	subs := make([]*model.SubOrder, 0, len(groups))
	for _, group := range groups {
		vendorID := group[0].VendorID

		vendor, err := s.repo.GetVendor(ctx, tenantID, vendorID)
		if err != nil {
			return nil, nil, err
		}

		rate := defaultCommissionRate
		if vendor.CommissionOverride != nil {
			rate = *vendor.CommissionOverride
		}

		var groupSubtotal int64
		subItems := make([]model.SubOrderItem, 0, len(group))
		for _, item := range group {
			groupSubtotal += itemSubtotal(item)
			subItems = append(subItems, model.SubOrderItem{
				ProductID:      item.ProductID,
				ProductName:    item.ProductName,
				Quantity:       item.Quantity,
				UnitPriceCents: item.UnitPriceCents,
				DiscountCents:  item.DiscountCents,
			})
		}

		commission := decimal.NewFromInt(groupSubtotal).Mul(rate).Round(0).IntPart()

		subs = append(subs, &model.SubOrder{
			VendorID:          vendorID,
			Items:             subItems,
			SubtotalCents:     groupSubtotal,
			CommissionRate:    rate,
			CommissionCents:   commission,
			VendorPayoutCents: groupSubtotal - commission,
			Status:            model.SubOrderStatusPending,
		})
	}

	if err := s.repo.CreateSplitOrder(ctx, order, subs); err != nil {
		return nil, nil, err
	}

	summaries := make([]SubOrderSummary, 0, len(subs))
	for _, sub := range subs {
		summaries = append(summaries, SubOrderSummary{
			SubOrderID:        sub.ID,
			SubOrderNumber:    sub.SubOrderNumber,
			VendorID:          sub.VendorID,
			ItemCount:         len(sub.Items),
			SubtotalCents:     sub.SubtotalCents,
			CommissionCents:   sub.CommissionCents,
			VendorPayoutCents: sub.VendorPayoutCents,
			Status:            sub.Status,
		})
	}

	return order, summaries, nil
}

// UpdateSubOrderStatus переводит подзаказ в новый статус от имени вендора.
// Несовпадение вендора отклоняется до проверки допустимости перехода.
// После сохранения перехода статус родителя пересчитывается как побочный
// эффект этого вызова.
func (s *OrderService) UpdateSubOrderStatus(ctx context.Context, subOrderID, vendorID int64, newStatus model.SubOrderStatus) (*model.SubOrder, error) {
	if !newStatus.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, newStatus)
	}

	sub, err := s.repo.GetSubOrder(ctx, subOrderID)
	if err != nil {
		return nil, err
	}

	if sub.VendorID != vendorID {
		return nil, fmt.Errorf("%w: sub-order %d belongs to another vendor", ErrAccessDenied, subOrderID)
	}

	if !sub.Status.CanTransitionTo(newStatus) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sub.Status, newStatus)
	}

	var shippedAt, deliveredAt *time.Time
	now := time.Now().UTC()
	switch newStatus {
	case model.SubOrderStatusShipped:
		shippedAt = &now
	case model.SubOrderStatusDelivered:
		deliveredAt = &now
	}

	updated, _, err := s.repo.ApplySubOrderTransition(ctx, subOrderID, sub.Status, newStatus, shippedAt, deliveredAt)
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// VendorOrderSummary описывает вендорскую часть заказа в клиентской сводке.
type VendorOrderSummary struct {
	SubOrderNumber string
	VendorID       int64
	Status         model.SubOrderStatus
	SubtotalCents  int64
	ShippedAt      *time.Time
	DeliveredAt    *time.Time
}

// OrderSummary описывает сводку заказа для покупателя.
type OrderSummary struct {
	OrderNumber     string
	Status          model.ParentOrderStatus
	GrandTotalCents int64
	Currency        string
	CreatedAt       time.Time
	VendorOrders    []VendorOrderSummary
}

// GetCustomerOrderSummary возвращает сводку заказа или nil, если заказ
// не существует или принадлежит другому арендатору.
func (s *OrderService) GetCustomerOrderSummary(ctx context.Context, tenantID, parentOrderID int64) (*OrderSummary, error) {
	order, err := s.repo.GetParentOrder(ctx, parentOrderID)
	if err != nil {
		if errors.Is(err, repository.ErrParentOrderNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if order.TenantID != tenantID {
		return nil, nil
	}

	subs, err := s.repo.ListSubOrdersByParent(ctx, parentOrderID)
	if err != nil {
		return nil, err
	}

	summary := &OrderSummary{
		OrderNumber:     order.OrderNumber,
		Status:          order.Status,
		GrandTotalCents: order.GrandTotalCents,
		Currency:        order.Currency,
		CreatedAt:       order.CreatedAt,
	}
	for _, sub := range subs {
		summary.VendorOrders = append(summary.VendorOrders, VendorOrderSummary{
			SubOrderNumber: sub.SubOrderNumber,
			VendorID:       sub.VendorID,
			Status:         sub.Status,
			SubtotalCents:  sub.SubtotalCents,
			ShippedAt:      sub.ShippedAt,
			DeliveredAt:    sub.DeliveredAt,
		})
	}

	return summary, nil
}

// ListVendorSubOrders возвращает подзаказы вендора для его кабинета.
func (s *OrderService) ListVendorSubOrders(ctx context.Context, vendorID int64) ([]model.SubOrder, error) {
	return s.repo.ListVendorSubOrders(ctx, vendorID)
}

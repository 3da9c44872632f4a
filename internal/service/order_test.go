package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/marketplace-core/internal/model"
	"github.com/mmeshcher/marketplace-core/internal/repository"
)

type stubOrderRepo struct {
	vendors    map[int64]*model.Vendor
	subOrders  map[int64]*model.SubOrder
	created    *model.ParentOrder
	createdSub []*model.SubOrder

	transitionTo   model.SubOrderStatus
	transitionFrom model.SubOrderStatus
	parentStatus   model.ParentOrderStatus
}

func (r *stubOrderRepo) GetVendor(_ context.Context, _, vendorID int64) (*model.Vendor, error) {
	v, ok := r.vendors[vendorID]
	if !ok {
		return nil, repository.ErrVendorNotFound
	}
	return v, nil
}

func (r *stubOrderRepo) CreateSplitOrder(_ context.Context, order *model.ParentOrder, subs []*model.SubOrder) error {
	order.ID = 1
	order.OrderNumber = "MKT-20260831-00001"
	for i, sub := range subs {
		sub.ID = int64(i + 1)
		sub.ParentOrderID = order.ID
	}
	r.created = order
	r.createdSub = subs
	return nil
}

func (r *stubOrderRepo) GetParentOrder(_ context.Context, id int64) (*model.ParentOrder, error) {
	if r.created == nil || r.created.ID != id {
		return nil, repository.ErrParentOrderNotFound
	}
	return r.created, nil
}

func (r *stubOrderRepo) GetSubOrder(_ context.Context, id int64) (*model.SubOrder, error) {
	sub, ok := r.subOrders[id]
	if !ok {
		return nil, repository.ErrSubOrderNotFound
	}
	return sub, nil
}

func (r *stubOrderRepo) ListSubOrdersByParent(_ context.Context, parentOrderID int64) ([]model.SubOrder, error) {
	var subs []model.SubOrder
	for _, sub := range r.createdSub {
		if sub.ParentOrderID == parentOrderID {
			subs = append(subs, *sub)
		}
	}
	return subs, nil
}

func (r *stubOrderRepo) ListVendorSubOrders(_ context.Context, vendorID int64) ([]model.SubOrder, error) {
	var subs []model.SubOrder
	for _, sub := range r.subOrders {
		if sub.VendorID == vendorID {
			subs = append(subs, *sub)
		}
	}
	return subs, nil
}

func (r *stubOrderRepo) ApplySubOrderTransition(_ context.Context, subOrderID int64, from, to model.SubOrderStatus, shippedAt, deliveredAt *time.Time) (*model.SubOrder, model.ParentOrderStatus, error) {
	sub, ok := r.subOrders[subOrderID]
	if !ok {
		return nil, "", repository.ErrSubOrderNotFound
	}
	r.transitionFrom = from
	r.transitionTo = to
	updated := *sub
	updated.Status = to
	updated.ShippedAt = shippedAt
	updated.DeliveredAt = deliveredAt
	return &updated, r.parentStatus, nil
}

func decimalPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestCreateAndSplitOrderTwoVendors(t *testing.T) {
	repo := &stubOrderRepo{
		vendors: map[int64]*model.Vendor{
			10: {ID: 10, TenantID: 1, Name: "Vendor A"},
			20: {ID: 20, TenantID: 1, Name: "Vendor B"},
		},
	}
	svc := NewOrderService(repo)

	order, subs, err := svc.CreateAndSplitOrder(context.Background(), 1, OrderInput{
		CustomerName:    "Ivan",
		ShippingAddress: "Main st. 1",
		Items: []OrderItemInput{
			{ProductID: 1, VendorID: 10, Quantity: 2, UnitPriceCents: 1000},
			{ProductID: 2, VendorID: 20, Quantity: 1, UnitPriceCents: 900},
			{ProductID: 3, VendorID: 10, Quantity: 1, UnitPriceCents: 500, DiscountCents: 50},
		},
		ShippingCents: 300,
		TaxCents:      100,
	})
	if err != nil {
		t.Fatalf("CreateAndSplitOrder: %v", err)
	}

	if order.Status != model.ParentOrderStatusSplit {
		t.Errorf("parent status = %s, want SPLIT", order.Status)
	}
	if order.SubtotalCents != 3350 {
		t.Errorf("subtotal = %d, want 3350", order.SubtotalCents)
	}
	if order.GrandTotalCents != 3750 {
		t.Errorf("grand total = %d, want 3750", order.GrandTotalCents)
	}

	if len(subs) != 2 {
		t.Fatalf("sub-orders = %d, want 2", len(subs))
	}

	// Вендор 10: 2*1000 + (500-50) = 2450, комиссия 10% = 245.
	first := subs[0]
	if first.VendorID != 10 {
		t.Fatalf("first sub-order vendor = %d, want 10 (first-seen order)", first.VendorID)
	}
	if first.SubtotalCents != 2450 || first.CommissionCents != 245 || first.VendorPayoutCents != 2205 {
		t.Errorf("vendor 10 money = {%d %d %d}, want {2450 245 2205}",
			first.SubtotalCents, first.CommissionCents, first.VendorPayoutCents)
	}
	if first.ItemCount != 2 {
		t.Errorf("vendor 10 item count = %d, want 2", first.ItemCount)
	}

	// Вендор 20: 900, комиссия 10% = 90.
	second := subs[1]
	if second.SubtotalCents != 900 || second.CommissionCents != 90 || second.VendorPayoutCents != 810 {
		t.Errorf("vendor 20 money = {%d %d %d}, want {900 90 810}",
			second.SubtotalCents, second.CommissionCents, second.VendorPayoutCents)
	}

	var payoutsAndCommission int64
	for _, sub := range subs {
		payoutsAndCommission += sub.CommissionCents + sub.VendorPayoutCents
	}
	if payoutsAndCommission != order.SubtotalCents {
		t.Errorf("commission + payouts = %d, want subtotal %d", payoutsAndCommission, order.SubtotalCents)
	}
}

func TestCreateAndSplitOrderCommissionOverride(t *testing.T) {
	repo := &stubOrderRepo{
		vendors: map[int64]*model.Vendor{
			10: {ID: 10, TenantID: 1, CommissionOverride: decimalPtr("0.15")},
		},
	}
	svc := NewOrderService(repo)

	_, subs, err := svc.CreateAndSplitOrder(context.Background(), 1, OrderInput{
		ShippingAddress: "Main st. 1",
		Items: []OrderItemInput{
			{ProductID: 1, VendorID: 10, Quantity: 1, UnitPriceCents: 1000},
		},
	})
	if err != nil {
		t.Fatalf("CreateAndSplitOrder: %v", err)
	}

	if subs[0].CommissionCents != 150 {
		t.Errorf("commission = %d, want 150 with 15%% override", subs[0].CommissionCents)
	}
}

func TestCreateAndSplitOrderCommissionRounding(t *testing.T) {
	repo := &stubOrderRepo{
		vendors: map[int64]*model.Vendor{
			10: {ID: 10, TenantID: 1, CommissionOverride: decimalPtr("0.125")},
		},
	}
	svc := NewOrderService(repo)

	_, subs, err := svc.CreateAndSplitOrder(context.Background(), 1, OrderInput{
		ShippingAddress: "Main st. 1",
		Items: []OrderItemInput{
			// 999 * 0.125 = 124.875, округляется до 125.
			{ProductID: 1, VendorID: 10, Quantity: 1, UnitPriceCents: 999},
		},
	})
	if err != nil {
		t.Fatalf("CreateAndSplitOrder: %v", err)
	}

	if subs[0].CommissionCents != 125 {
		t.Errorf("commission = %d, want 125", subs[0].CommissionCents)
	}
	if subs[0].VendorPayoutCents != 874 {
		t.Errorf("payout = %d, want 874", subs[0].VendorPayoutCents)
	}
}

func TestCreateAndSplitOrderValidation(t *testing.T) {
	svc := NewOrderService(&stubOrderRepo{})

	tests := []struct {
		name string
		in   OrderInput
	}{
		{
			name: "no items",
			in:   OrderInput{ShippingAddress: "Main st. 1"},
		},
		{
			name: "no shipping address",
			in: OrderInput{
				Items: []OrderItemInput{{VendorID: 10, Quantity: 1, UnitPriceCents: 100}},
			},
		},
		{
			name: "zero quantity",
			in: OrderInput{
				ShippingAddress: "Main st. 1",
				Items:           []OrderItemInput{{VendorID: 10, Quantity: 0, UnitPriceCents: 100}},
			},
		},
		{
			name: "negative price",
			in: OrderInput{
				ShippingAddress: "Main st. 1",
				Items:           []OrderItemInput{{VendorID: 10, Quantity: 1, UnitPriceCents: -5}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := svc.CreateAndSplitOrder(context.Background(), 1, tt.in)
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("err = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestCreateAndSplitOrderUnknownVendor(t *testing.T) {
	svc := NewOrderService(&stubOrderRepo{vendors: map[int64]*model.Vendor{}})

	_, _, err := svc.CreateAndSplitOrder(context.Background(), 1, OrderInput{
		ShippingAddress: "Main st. 1",
		Items: []OrderItemInput{
			{ProductID: 1, VendorID: 99, Quantity: 1, UnitPriceCents: 100},
		},
	})
	if !errors.Is(err, repository.ErrVendorNotFound) {
		t.Errorf("err = %v, want ErrVendorNotFound", err)
	}
}

func TestUpdateSubOrderStatus(t *testing.T) {
	repo := &stubOrderRepo{
		subOrders: map[int64]*model.SubOrder{
			5: {ID: 5, VendorID: 10, Status: model.SubOrderStatusConfirmed},
		},
		parentStatus: model.ParentOrderStatusSplit,
	}
	svc := NewOrderService(repo)

	sub, err := svc.UpdateSubOrderStatus(context.Background(), 5, 10, model.SubOrderStatusShipped)
	if err != nil {
		t.Fatalf("UpdateSubOrderStatus: %v", err)
	}
	if sub.Status != model.SubOrderStatusShipped {
		t.Errorf("status = %s, want SHIPPED", sub.Status)
	}
	if sub.ShippedAt == nil {
		t.Error("shippedAt not stamped on SHIPPED transition")
	}
	if repo.transitionFrom != model.SubOrderStatusConfirmed {
		t.Errorf("transition guarded from %s, want CONFIRMED", repo.transitionFrom)
	}
}

func TestUpdateSubOrderStatusAccessDenied(t *testing.T) {
	repo := &stubOrderRepo{
		subOrders: map[int64]*model.SubOrder{
			5: {ID: 5, VendorID: 10, Status: model.SubOrderStatusDelivered},
		},
	}
	svc := NewOrderService(repo)

	// Чужой вендор получает отказ в доступе даже при недопустимом переходе.
	_, err := svc.UpdateSubOrderStatus(context.Background(), 5, 20, model.SubOrderStatusShipped)
	if !errors.Is(err, ErrAccessDenied) {
		t.Errorf("err = %v, want ErrAccessDenied", err)
	}
}

func TestUpdateSubOrderStatusInvalidTransition(t *testing.T) {
	repo := &stubOrderRepo{
		subOrders: map[int64]*model.SubOrder{
			5: {ID: 5, VendorID: 10, Status: model.SubOrderStatusDelivered},
		},
	}
	svc := NewOrderService(repo)

	tests := []model.SubOrderStatus{
		model.SubOrderStatusPending,
		model.SubOrderStatusShipped,
		model.SubOrderStatusCancelled,
	}
	for _, next := range tests {
		if _, err := svc.UpdateSubOrderStatus(context.Background(), 5, 10, next); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("DELIVERED -> %s: err = %v, want ErrInvalidTransition", next, err)
		}
	}
}

func TestGetCustomerOrderSummaryNotFound(t *testing.T) {
	svc := NewOrderService(&stubOrderRepo{})

	summary, err := svc.GetCustomerOrderSummary(context.Background(), 1, 404)
	if err != nil {
		t.Fatalf("GetCustomerOrderSummary: %v", err)
	}
	if summary != nil {
		t.Errorf("summary = %+v, want nil for missing order", summary)
	}
}

func TestAggregateParentStatus(t *testing.T) {
	d := model.SubOrderStatusDelivered
	c := model.SubOrderStatusCancelled

	tests := []struct {
		name     string
		statuses []model.SubOrderStatus
		want     model.ParentOrderStatus
	}{
		{"all delivered", []model.SubOrderStatus{d, d}, model.ParentOrderStatusCompleted},
		{"all cancelled", []model.SubOrderStatus{c, c}, model.ParentOrderStatusCancelled},
		{"mixed terminal", []model.SubOrderStatus{d, c}, model.ParentOrderStatusSplit},
		{"in progress", []model.SubOrderStatus{d, model.SubOrderStatusShipped}, model.ParentOrderStatusSplit},
		{"empty", nil, model.ParentOrderStatusPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := model.AggregateParentStatus(tt.statuses); got != tt.want {
				t.Errorf("AggregateParentStatus(%v) = %s, want %s", tt.statuses, got, tt.want)
			}
		})
	}
}

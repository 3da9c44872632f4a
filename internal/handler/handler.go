// Package handler содержит HTTP-обработчики API ядра расчётов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/marketplace-core/internal/middleware"
	"github.com/mmeshcher/marketplace-core/internal/model"
	"github.com/mmeshcher/marketplace-core/internal/repository"
	"github.com/mmeshcher/marketplace-core/internal/service"
)

// OrderService определяет контракт сервиса заказов, используемый обработчиками.
type OrderService interface {
	CreateAndSplitOrder(ctx context.Context, tenantID int64, in service.OrderInput) (*model.ParentOrder, []service.SubOrderSummary, error)
	UpdateSubOrderStatus(ctx context.Context, subOrderID, vendorID int64, newStatus model.SubOrderStatus) (*model.SubOrder, error)
	GetCustomerOrderSummary(ctx context.Context, tenantID, parentOrderID int64) (*service.OrderSummary, error)
	ListVendorSubOrders(ctx context.Context, vendorID int64) ([]model.SubOrder, error)
}

// WalletService определяет контракт сервиса кошельков, используемый обработчиками.
type WalletService interface {
	CreateWallet(ctx context.Context, tenantID int64, walletType model.WalletType, ownerID *int64) (*model.Wallet, error)
	GetWallet(ctx context.Context, tenantID, walletID int64) (*model.Wallet, error)
	Credit(ctx context.Context, tenantID, walletID, amountCents int64, entryType model.LedgerEntryType, key string, ref *service.Reference) (*repository.WalletMutation, error)
	Debit(ctx context.Context, tenantID, walletID, amountCents int64, entryType model.LedgerEntryType, key string, ref *service.Reference) (*repository.WalletMutation, error)
	Hold(ctx context.Context, tenantID, walletID, amountCents int64, holdID, description string) (*repository.WalletMutation, error)
	Capture(ctx context.Context, tenantID, walletID, amountCents int64, holdID, key string, ref *service.Reference) (*repository.WalletMutation, error)
	Release(ctx context.Context, tenantID, walletID int64, holdID, key string) (*repository.WalletMutation, error)
	Transfer(ctx context.Context, tenantID, fromID, toID, amountCents int64, key string, ref *service.Reference) (*repository.TransferResult, error)
	LedgerEntries(ctx context.Context, tenantID, walletID int64, filter repository.LedgerFilter) ([]model.LedgerEntry, error)
}

// SyncService определяет контракт сервиса синхронизации офлайн-продаж.
type SyncService interface {
	QueueOfflineSale(ctx context.Context, tenantID int64, in service.QueueSaleInput) (*model.OfflineSale, bool, error)
	GetSale(ctx context.Context, tenantID, id int64) (*model.OfflineSale, error)
	PendingSales(ctx context.Context, tenantID int64, locationID *int64) ([]model.OfflineSale, error)
	Conflicts(ctx context.Context, tenantID int64) ([]model.OfflineSale, error)
	SyncOfflineSale(ctx context.Context, id int64) (*service.SyncResult, error)
	ResolveConflict(ctx context.Context, id int64, action model.ResolutionAction, resolvedBy string, adjusted *model.OfflineSaleData) (*service.ResolutionResult, error)
}

// Handler реализует HTTP-обработчики API ядра расчётов.
type Handler struct {
	orders         OrderService
	wallets        WalletService
	sync           SyncService
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(orders OrderService, wallets WalletService, sync SyncService, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		orders:         orders,
		wallets:        wallets,
		sync:           sync,
		logger:         logger,
		authMiddleware: auth,
	}
}

// writeError переводит ошибки сервисного слоя в HTTP-статусы.
func (h *Handler) writeError(w http.ResponseWriter, err error, logMsg string, fields ...zap.Field) {
	var status int
	switch {
	case errors.Is(err, service.ErrInvalidInput) || errors.Is(err, repository.ErrVendorNotFound):
		status = http.StatusBadRequest
	case errors.Is(err, repository.ErrInsufficientBalance):
		status = http.StatusPaymentRequired
	case errors.Is(err, service.ErrAccessDenied):
		status = http.StatusForbidden
	case errors.Is(err, repository.ErrParentOrderNotFound) ||
		errors.Is(err, repository.ErrSubOrderNotFound) ||
		errors.Is(err, repository.ErrWalletNotFound) ||
		errors.Is(err, repository.ErrHoldNotFound) ||
		errors.Is(err, repository.ErrOfflineSaleNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrInvalidTransition) ||
		errors.Is(err, repository.ErrSubOrderStatusChanged) ||
		errors.Is(err, repository.ErrHoldNotActive) ||
		errors.Is(err, repository.ErrIdempotencyConflict) ||
		errors.Is(err, repository.ErrSyncInProgress) ||
		errors.Is(err, repository.ErrNoConflict):
		status = http.StatusConflict
	default:
		h.logger.Error(logMsg, append(fields, zap.Error(err))...)
		status = http.StatusInternalServerError
	}
	http.Error(w, http.StatusText(status), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func tenantID(r *http.Request) (int64, bool) {
	return middleware.GetTenantIDFromContext(r.Context())
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

type orderItemRequest struct {
	ProductID      int64  `json:"product_id"`
	ProductName    string `json:"product_name"`
	VendorID       int64  `json:"vendor_id"`
	Quantity       int32  `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price"`
	DiscountCents  int64  `json:"discount"`
}

type createOrderRequest struct {
	CustomerName    string             `json:"customer_name"`
	CustomerPhone   string             `json:"customer_phone"`
	CustomerEmail   string             `json:"customer_email"`
	ShippingAddress string             `json:"shipping_address"`
	Items           []orderItemRequest `json:"items"`
	ShippingCents   int64              `json:"shipping"`
	TaxCents        int64              `json:"tax"`
	DiscountCents   int64              `json:"discount"`
	Currency        string             `json:"currency"`
	PaymentMethod   string             `json:"payment_method"`
}

type subOrderResponse struct {
	SubOrderID        int64  `json:"sub_order_id"`
	SubOrderNumber    string `json:"sub_order_number"`
	VendorID          int64  `json:"vendor_id"`
	ItemCount         int    `json:"item_count"`
	SubtotalCents     int64  `json:"subtotal"`
	CommissionCents   int64  `json:"commission"`
	VendorPayoutCents int64  `json:"vendor_payout"`
	Status            string `json:"status"`
}

type createOrderResponse struct {
	OrderID         int64              `json:"order_id"`
	OrderNumber     string             `json:"order_number"`
	Status          string             `json:"status"`
	SubtotalCents   int64              `json:"subtotal"`
	GrandTotalCents int64              `json:"grand_total"`
	Currency        string             `json:"currency"`
	SubOrders       []subOrderResponse `json:"sub_orders"`
}

// CreateOrder принимает заказ покупателя, разбивает его по вендорам и
// возвращает итоги подзаказов.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	in := service.OrderInput{
		CustomerName:    req.CustomerName,
		CustomerPhone:   req.CustomerPhone,
		CustomerEmail:   req.CustomerEmail,
		ShippingAddress: req.ShippingAddress,
		ShippingCents:   req.ShippingCents,
		TaxCents:        req.TaxCents,
		DiscountCents:   req.DiscountCents,
		Currency:        req.Currency,
		PaymentMethod:   req.PaymentMethod,
	}
	for _, item := range req.Items {
		in.Items = append(in.Items, service.OrderItemInput{
			ProductID:      item.ProductID,
			ProductName:    item.ProductName,
			VendorID:       item.VendorID,
			Quantity:       item.Quantity,
			UnitPriceCents: item.UnitPriceCents,
			DiscountCents:  item.DiscountCents,
		})
	}

	order, subs, err := h.orders.CreateAndSplitOrder(r.Context(), tenant, in)
	if err != nil {
		h.writeError(w, err, "create order error", zap.Int64("tenantID", tenant))
		return
	}

	resp := createOrderResponse{
		OrderID:         order.ID,
		OrderNumber:     order.OrderNumber,
		Status:          string(order.Status),
		SubtotalCents:   order.SubtotalCents,
		GrandTotalCents: order.GrandTotalCents,
		Currency:        order.Currency,
		SubOrders:       make([]subOrderResponse, 0, len(subs)),
	}
	for _, sub := range subs {
		resp.SubOrders = append(resp.SubOrders, subOrderResponse{
			SubOrderID:        sub.SubOrderID,
			SubOrderNumber:    sub.SubOrderNumber,
			VendorID:          sub.VendorID,
			ItemCount:         sub.ItemCount,
			SubtotalCents:     sub.SubtotalCents,
			CommissionCents:   sub.CommissionCents,
			VendorPayoutCents: sub.VendorPayoutCents,
			Status:            string(sub.Status),
		})
	}

	writeJSON(w, http.StatusCreated, resp)
}

type vendorOrderSummaryResponse struct {
	SubOrderNumber string `json:"sub_order_number"`
	VendorID       int64  `json:"vendor_id"`
	Status         string `json:"status"`
	SubtotalCents  int64  `json:"subtotal"`
	ShippedAt      string `json:"shipped_at,omitempty"`
	DeliveredAt    string `json:"delivered_at,omitempty"`
}

type orderSummaryResponse struct {
	OrderNumber     string                       `json:"order_number"`
	Status          string                       `json:"status"`
	GrandTotalCents int64                        `json:"grand_total"`
	Currency        string                       `json:"currency"`
	CreatedAt       string                       `json:"created_at"`
	VendorOrders    []vendorOrderSummaryResponse `json:"vendor_orders"`
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

// GetOrderSummary возвращает сводку заказа для покупателя.
func (h *Handler) GetOrderSummary(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, err := pathID(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	summary, err := h.orders.GetCustomerOrderSummary(r.Context(), tenant, id)
	if err != nil {
		h.writeError(w, err, "get order summary error", zap.Int64("orderID", id))
		return
	}
	if summary == nil {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	resp := orderSummaryResponse{
		OrderNumber:     summary.OrderNumber,
		Status:          string(summary.Status),
		GrandTotalCents: summary.GrandTotalCents,
		Currency:        summary.Currency,
		CreatedAt:       summary.CreatedAt.Format(time.RFC3339),
		VendorOrders:    make([]vendorOrderSummaryResponse, 0, len(summary.VendorOrders)),
	}
	for _, vo := range summary.VendorOrders {
		resp.VendorOrders = append(resp.VendorOrders, vendorOrderSummaryResponse{
			SubOrderNumber: vo.SubOrderNumber,
			VendorID:       vo.VendorID,
			Status:         string(vo.Status),
			SubtotalCents:  vo.SubtotalCents,
			ShippedAt:      formatTimePtr(vo.ShippedAt),
			DeliveredAt:    formatTimePtr(vo.DeliveredAt),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

// UpdateSubOrderStatus переводит подзаказ в новый статус от имени вендора.
func (h *Handler) UpdateSubOrderStatus(w http.ResponseWriter, r *http.Request) {
	vendorID, ok := middleware.GetVendorIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	id, err := pathID(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	sub, err := h.orders.UpdateSubOrderStatus(r.Context(), id, vendorID, model.SubOrderStatus(req.Status))
	if err != nil {
		h.writeError(w, err, "update sub-order status error",
			zap.Int64("subOrderID", id), zap.Int64("vendorID", vendorID))
		return
	}

	writeJSON(w, http.StatusOK, subOrderResponse{
		SubOrderID:        sub.ID,
		SubOrderNumber:    sub.SubOrderNumber,
		VendorID:          sub.VendorID,
		ItemCount:         len(sub.Items),
		SubtotalCents:     sub.SubtotalCents,
		CommissionCents:   sub.CommissionCents,
		VendorPayoutCents: sub.VendorPayoutCents,
		Status:            string(sub.Status),
	})
}

// ListVendorSubOrders возвращает подзаказы текущего вендора.
func (h *Handler) ListVendorSubOrders(w http.ResponseWriter, r *http.Request) {
	vendorID, ok := middleware.GetVendorIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	subs, err := h.orders.ListVendorSubOrders(r.Context(), vendorID)
	if err != nil {
		h.writeError(w, err, "list vendor sub-orders error", zap.Int64("vendorID", vendorID))
		return
	}

	if len(subs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]subOrderResponse, 0, len(subs))
	for _, sub := range subs {
		resp = append(resp, subOrderResponse{
			SubOrderID:        sub.ID,
			SubOrderNumber:    sub.SubOrderNumber,
			VendorID:          sub.VendorID,
			ItemCount:         len(sub.Items),
			SubtotalCents:     sub.SubtotalCents,
			CommissionCents:   sub.CommissionCents,
			VendorPayoutCents: sub.VendorPayoutCents,
			Status:            string(sub.Status),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

type createWalletRequest struct {
	Type    string `json:"type"`
	OwnerID *int64 `json:"owner_id,omitempty"`
}

type walletResponse struct {
	ID             int64  `json:"id"`
	Type           string `json:"type"`
	OwnerID        *int64 `json:"owner_id,omitempty"`
	BalanceCents   int64  `json:"balance"`
	PendingCents   int64  `json:"pending"`
	AvailableCents int64  `json:"available"`
}

func toWalletResponse(w *model.Wallet) walletResponse {
	return walletResponse{
		ID:             w.ID,
		Type:           string(w.Type),
		OwnerID:        w.OwnerID,
		BalanceCents:   w.BalanceCents,
		PendingCents:   w.PendingCents,
		AvailableCents: w.AvailableCents(),
	}
}

// CreateWallet создаёт кошелёк в рамках текущего арендатора.
func (h *Handler) CreateWallet(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createWalletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	wallet, err := h.wallets.CreateWallet(r.Context(), tenant, model.WalletType(req.Type), req.OwnerID)
	if err != nil {
		h.writeError(w, err, "create wallet error", zap.Int64("tenantID", tenant))
		return
	}

	writeJSON(w, http.StatusCreated, toWalletResponse(wallet))
}

// GetWallet возвращает состояние кошелька.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, err := pathID(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	wallet, err := h.wallets.GetWallet(r.Context(), tenant, id)
	if err != nil {
		h.writeError(w, err, "get wallet error", zap.Int64("walletID", id))
		return
	}

	writeJSON(w, http.StatusOK, toWalletResponse(wallet))
}

type referenceRequest struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (req *referenceRequest) toService() *service.Reference {
	if req == nil {
		return nil
	}
	return &service.Reference{Type: req.Type, ID: req.ID}
}

type walletOperationRequest struct {
	Operation      string            `json:"operation"`
	AmountCents    int64             `json:"amount"`
	EntryType      string            `json:"entry_type,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	HoldID         string            `json:"hold_id,omitempty"`
	Description    string            `json:"description,omitempty"`
	Reference      *referenceRequest `json:"reference,omitempty"`
}

type ledgerEntryResponse struct {
	ID             int64   `json:"id"`
	EntryType      string  `json:"entry_type"`
	AmountCents    int64   `json:"amount"`
	IdempotencyKey string  `json:"idempotency_key"`
	ReferenceType  *string `json:"reference_type,omitempty"`
	ReferenceID    *string `json:"reference_id,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

type walletMutationResponse struct {
	Wallet   walletResponse       `json:"wallet"`
	Entry    *ledgerEntryResponse `json:"entry,omitempty"`
	Replayed bool                 `json:"replayed"`
}

func toLedgerEntryResponse(e *model.LedgerEntry) *ledgerEntryResponse {
	if e == nil {
		return nil
	}
	return &ledgerEntryResponse{
		ID:             e.ID,
		EntryType:      string(e.EntryType),
		AmountCents:    e.AmountCents,
		IdempotencyKey: e.IdempotencyKey,
		ReferenceType:  e.ReferenceType,
		ReferenceID:    e.ReferenceID,
		CreatedAt:      e.CreatedAt.Format(time.RFC3339),
	}
}

func toMutationResponse(m *repository.WalletMutation) walletMutationResponse {
	return walletMutationResponse{
		Wallet:   toWalletResponse(m.Wallet),
		Entry:    toLedgerEntryResponse(m.Entry),
		Replayed: m.Replayed,
	}
}

// WalletOperation выполняет денежную операцию над кошельком: пополнение,
// списание, резерв, подтверждение или отмену резерва.
func (h *Handler) WalletOperation(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, err := pathID(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req walletOperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	ref := req.Reference.toService()

	var mutation *repository.WalletMutation
	switch req.Operation {
	case "CREDIT":
		mutation, err = h.wallets.Credit(ctx, tenant, id, req.AmountCents, model.LedgerEntryType(req.EntryType), req.IdempotencyKey, ref)
	case "DEBIT":
		mutation, err = h.wallets.Debit(ctx, tenant, id, req.AmountCents, model.LedgerEntryType(req.EntryType), req.IdempotencyKey, ref)
	case "HOLD":
		mutation, err = h.wallets.Hold(ctx, tenant, id, req.AmountCents, req.HoldID, req.Description)
	case "CAPTURE":
		mutation, err = h.wallets.Capture(ctx, tenant, id, req.AmountCents, req.HoldID, req.IdempotencyKey, ref)
	case "RELEASE":
		mutation, err = h.wallets.Release(ctx, tenant, id, req.HoldID, req.IdempotencyKey)
	default:
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if err != nil {
		h.writeError(w, err, "wallet operation error",
			zap.Int64("walletID", id), zap.String("operation", req.Operation))
		return
	}

	writeJSON(w, http.StatusOK, toMutationResponse(mutation))
}

type transferRequest struct {
	FromWalletID   int64             `json:"from_wallet_id"`
	ToWalletID     int64             `json:"to_wallet_id"`
	AmountCents    int64             `json:"amount"`
	IdempotencyKey string            `json:"idempotency_key"`
	Reference      *referenceRequest `json:"reference,omitempty"`
}

type transferResponse struct {
	From     walletMutationResponse `json:"from"`
	To       walletMutationResponse `json:"to"`
	Replayed bool                   `json:"replayed"`
}

// Transfer атомарно переводит средства между кошельками арендатора.
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.wallets.Transfer(r.Context(), tenant, req.FromWalletID, req.ToWalletID,
		req.AmountCents, req.IdempotencyKey, req.Reference.toService())
	if err != nil {
		h.writeError(w, err, "transfer error",
			zap.Int64("fromWalletID", req.FromWalletID), zap.Int64("toWalletID", req.ToWalletID))
		return
	}

	writeJSON(w, http.StatusOK, transferResponse{
		From:     toMutationResponse(&res.From),
		To:       toMutationResponse(&res.To),
		Replayed: res.Replayed,
	})
}

// GetLedger возвращает страницу журнала операций кошелька.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, err := pathID(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var filter repository.LedgerFilter
	q := r.URL.Query()
	if v := q.Get("after_id"); v != "" {
		filter.AfterID, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.ParseInt(v, 10, 32)
		if err != nil || limit <= 0 {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		filter.Limit = int32(limit)
	}
	if v := q.Get("reference_type"); v != "" {
		filter.ReferenceType = &v
	}
	if v := q.Get("reference_id"); v != "" {
		filter.ReferenceID = &v
	}

	entries, err := h.wallets.LedgerEntries(r.Context(), tenant, id, filter)
	if err != nil {
		h.writeError(w, err, "get ledger error", zap.Int64("walletID", id))
		return
	}

	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]ledgerEntryResponse, 0, len(entries))
	for i := range entries {
		resp = append(resp, *toLedgerEntryResponse(&entries[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

type offlineSaleRequest struct {
	LocationID      int64                 `json:"location_id"`
	ClientSaleID    string                `json:"client_sale_id"`
	ClientTimestamp time.Time             `json:"client_timestamp"`
	Sale            model.OfflineSaleData `json:"sale"`
}

type offlineSaleResponse struct {
	ID              int64                  `json:"id"`
	LocationID      int64                  `json:"location_id"`
	ClientSaleID    string                 `json:"client_sale_id"`
	ClientTimestamp string                 `json:"client_timestamp"`
	SyncStatus      string                 `json:"sync_status"`
	SyncAttempts    int32                  `json:"sync_attempts"`
	HasConflict     bool                   `json:"has_conflict"`
	ConflictType    *string                `json:"conflict_type,omitempty"`
	ConflictDetails *model.ConflictDetails `json:"conflict_details,omitempty"`
	SyncedSaleID    *int64                 `json:"synced_sale_id,omitempty"`
}

func toOfflineSaleResponse(s *model.OfflineSale) offlineSaleResponse {
	resp := offlineSaleResponse{
		ID:              s.ID,
		LocationID:      s.LocationID,
		ClientSaleID:    s.ClientSaleID,
		ClientTimestamp: s.ClientTimestamp.Format(time.RFC3339),
		SyncStatus:      string(s.SyncStatus),
		SyncAttempts:    s.SyncAttempts,
		HasConflict:     s.HasConflict,
		ConflictDetails: s.ConflictDetails,
		SyncedSaleID:    s.SyncedSaleID,
	}
	if s.ConflictType != nil {
		ct := string(*s.ConflictType)
		resp.ConflictType = &ct
	}
	return resp
}

// QueueOfflineSale ставит офлайн-продажу POS-терминала в очередь синхронизации.
func (h *Handler) QueueOfflineSale(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req offlineSaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	sale, replayed, err := h.sync.QueueOfflineSale(r.Context(), tenant, service.QueueSaleInput{
		LocationID:      req.LocationID,
		ClientSaleID:    req.ClientSaleID,
		ClientTimestamp: req.ClientTimestamp,
		Data:            req.Sale,
	})
	if err != nil {
		h.writeError(w, err, "queue offline sale error", zap.String("clientSaleID", req.ClientSaleID))
		return
	}

	status := http.StatusAccepted
	if replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, toOfflineSaleResponse(sale))
}

// ListPendingSales возвращает несинхронизированные продажи арендатора.
func (h *Handler) ListPendingSales(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var locationID *int64
	if v := r.URL.Query().Get("location_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		locationID = &id
	}

	sales, err := h.sync.PendingSales(r.Context(), tenant, locationID)
	if err != nil {
		h.writeError(w, err, "list pending sales error", zap.Int64("tenantID", tenant))
		return
	}

	if len(sales) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]offlineSaleResponse, 0, len(sales))
	for i := range sales {
		resp = append(resp, toOfflineSaleResponse(&sales[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

type syncResultResponse struct {
	Success         bool                   `json:"success"`
	HasConflict     bool                   `json:"has_conflict"`
	ConflictType    *string                `json:"conflict_type,omitempty"`
	ConflictDetails *model.ConflictDetails `json:"conflict_details,omitempty"`
	SyncedSaleID    *int64                 `json:"synced_sale_id,omitempty"`
	Message         string                 `json:"message"`
}

// SyncSale запускает синхронизацию одной офлайн-продажи.
func (h *Handler) SyncSale(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, err := pathID(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if _, err := h.sync.GetSale(r.Context(), tenant, id); err != nil {
		h.writeError(w, err, "get offline sale error", zap.Int64("saleID", id))
		return
	}

	res, err := h.sync.SyncOfflineSale(r.Context(), id)
	if err != nil {
		h.writeError(w, err, "sync offline sale error", zap.Int64("saleID", id))
		return
	}

	resp := syncResultResponse{
		Success:         res.Success,
		HasConflict:     res.HasConflict,
		ConflictDetails: res.ConflictDetails,
		SyncedSaleID:    res.SyncedSaleID,
		Message:         res.Message,
	}
	if res.ConflictType != nil {
		ct := string(*res.ConflictType)
		resp.ConflictType = &ct
	}

	writeJSON(w, http.StatusOK, resp)
}

// ListConflicts возвращает конфликтные продажи арендатора.
func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	sales, err := h.sync.Conflicts(r.Context(), tenant)
	if err != nil {
		h.writeError(w, err, "list conflicts error", zap.Int64("tenantID", tenant))
		return
	}

	if len(sales) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]offlineSaleResponse, 0, len(sales))
	for i := range sales {
		resp = append(resp, toOfflineSaleResponse(&sales[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

type resolveConflictRequest struct {
	Action       string                 `json:"action"`
	ResolvedBy   string                 `json:"resolved_by"`
	AdjustedSale *model.OfflineSaleData `json:"adjusted_sale,omitempty"`
}

type resolutionResponse struct {
	Action       string `json:"action"`
	SyncedSaleID *int64 `json:"synced_sale_id,omitempty"`
	Message      string `json:"message"`
}

// ResolveConflict применяет решение оператора к конфликтной продаже.
func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, err := pathID(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req resolveConflictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if _, err := h.sync.GetSale(r.Context(), tenant, id); err != nil {
		h.writeError(w, err, "get offline sale error", zap.Int64("saleID", id))
		return
	}

	res, err := h.sync.ResolveConflict(r.Context(), id, model.ResolutionAction(req.Action), req.ResolvedBy, req.AdjustedSale)
	if err != nil {
		h.writeError(w, err, "resolve conflict error",
			zap.Int64("saleID", id), zap.String("action", req.Action))
		return
	}

	writeJSON(w, http.StatusOK, resolutionResponse{
		Action:       string(res.Action),
		SyncedSaleID: res.SyncedSaleID,
		Message:      res.Message,
	})
}

package model

import "time"

// SyncStatus описывает состояние офлайн-продажи в процессе синхронизации.
type SyncStatus string

const (
	SyncStatusPending  SyncStatus = "PENDING"
	SyncStatusSyncing  SyncStatus = "SYNCING"
	SyncStatusSynced   SyncStatus = "SYNCED"
	SyncStatusConflict SyncStatus = "CONFLICT"
	SyncStatusResolved SyncStatus = "RESOLVED"
)

// ConflictType классифицирует расхождение офлайн-продажи с актуальным
// состоянием каталога и склада.
type ConflictType string

const (
	ConflictOversell           ConflictType = "OVERSELL"
	ConflictPriceMismatch      ConflictType = "PRICE_MISMATCH"
	ConflictProductUnavailable ConflictType = "PRODUCT_UNAVAILABLE"
)

// ResolutionAction описывает решение оператора по конфликтной продаже.
type ResolutionAction string

const (
	ResolutionReject ResolutionAction = "REJECT"
	ResolutionAccept ResolutionAction = "ACCEPT"
	ResolutionAdjust ResolutionAction = "ADJUST"
)

// IsValid сообщает, является ли значение известным действием разрешения конфликта.
func (a ResolutionAction) IsValid() bool {
	switch a {
	case ResolutionReject, ResolutionAccept, ResolutionAdjust:
		return true
	}
	return false
}

// OfflineSaleItem представляет позицию продажи, совершённой POS-терминалом офлайн.
type OfflineSaleItem struct {
	ProductID      int64  `json:"product_id"`
	ProductName    string `json:"product_name"`
	Quantity       int32  `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price"`
}

// OfflineSaleData представляет точный снимок продажи, рассчитанной на
// клиентской стороне. Снимок хранится дословно: сверка всегда выполняется
// против исходного намерения клиента, а не серверного пересчёта.
type OfflineSaleData struct {
	Items         []OfflineSaleItem `json:"items"`
	SubtotalCents int64             `json:"subtotal"`
	DiscountCents int64             `json:"discount"`
	TotalCents    int64             `json:"total"`
	PaymentMethod string            `json:"payment_method"`
	StaffID       string            `json:"staff_id"`
}

// ConflictDetails содержит детали расхождения для ручного разбора.
// Заполняются поля, относящиеся к конкретному типу конфликта.
type ConflictDetails struct {
	ProductID         int64 `json:"product_id"`
	RequestedQty      int32 `json:"requested_qty,omitempty"`
	AvailableQty      int32 `json:"available_qty,omitempty"`
	Shortage          int32 `json:"shortage,omitempty"`
	SalePriceCents    int64 `json:"sale_price,omitempty"`
	CurrentPriceCents int64 `json:"current_price,omitempty"`
}

// OfflineSale представляет продажу, поставленную POS-клиентом в очередь
// синхронизации. Изменяется только согласователем.
type OfflineSale struct {
	ID               int64
	TenantID         int64
	LocationID       int64
	ClientSaleID     string
	ClientTimestamp  time.Time
	SaleData         OfflineSaleData
	SyncStatus       SyncStatus
	SyncAttempts     int32
	HasConflict      bool
	ConflictType     *ConflictType
	ConflictDetails  *ConflictDetails
	ResolutionAction *ResolutionAction
	ResolvedBy       string
	SyncedSaleID     *int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CanonicalSale представляет каноническую продажу, созданную после успешной
// синхронизации или ручного разрешения конфликта.
type CanonicalSale struct {
	ID           int64
	TenantID     int64
	LocationID   int64
	ClientSaleID string
	Data         OfflineSaleData
	CreatedAt    time.Time
}

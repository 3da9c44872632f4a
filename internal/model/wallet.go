package model

import (
	"strings"
	"time"
)

// WalletType описывает владельца кошелька.
type WalletType string

const (
	WalletTypeCustomer WalletType = "CUSTOMER"
	WalletTypeVendor   WalletType = "VENDOR"
	WalletTypePlatform WalletType = "PLATFORM"
)

// IsValid сообщает, является ли значение известным типом кошелька.
func (t WalletType) IsValid() bool {
	switch t {
	case WalletTypeCustomer, WalletTypeVendor, WalletTypePlatform:
		return true
	}
	return false
}

// Wallet представляет денежный счёт в рамках арендатора.
// Инварианты: BalanceCents >= 0 и PendingCents >= 0 в любой момент времени.
type Wallet struct {
	ID           int64
	TenantID     int64
	Type         WalletType
	OwnerID      *int64
	BalanceCents int64
	PendingCents int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AvailableCents возвращает доступный остаток: баланс за вычетом резервов.
func (w *Wallet) AvailableCents() int64 {
	return w.BalanceCents - w.PendingCents
}

// Методы Apply* — единственное место, где задана арифметика остатков.
// Проверки достаточности средств и состояния резерва делает вызывающий
// до применения.

// ApplyCredit увеличивает баланс на сумму пополнения.
func (w *Wallet) ApplyCredit(amountCents int64) {
	w.BalanceCents += amountCents
}

// ApplyDebit уменьшает баланс на сумму списания.
func (w *Wallet) ApplyDebit(amountCents int64) {
	w.BalanceCents -= amountCents
}

// ApplyHold резервирует сумму против доступного остатка: pending растёт,
// баланс не меняется.
func (w *Wallet) ApplyHold(amountCents int64) {
	w.PendingCents += amountCents
}

// ApplyCapture подтверждает резерв: баланс уменьшается на подтверждённую
// сумму, а из pending снимается полная сумма резерва независимо от неё.
func (w *Wallet) ApplyCapture(capturedCents, heldCents int64) {
	w.BalanceCents -= capturedCents
	w.PendingCents -= heldCents
}

// ApplyRelease отменяет резерв: из pending снимается полная сумма резерва,
// баланс не меняется.
func (w *Wallet) ApplyRelease(heldCents int64) {
	w.PendingCents -= heldCents
}

// LedgerEntryType описывает тип записи в журнале операций кошелька.
// Типы CREDIT_* и DEBIT_* образуют открытые семейства прикладных операций.
type LedgerEntryType string

const (
	EntryCreditPayout LedgerEntryType = "CREDIT_PAYOUT"
	EntryCreditRefund LedgerEntryType = "CREDIT_REFUND"
	EntryCreditTopup  LedgerEntryType = "CREDIT_TOPUP"
	EntryDebitPayment LedgerEntryType = "DEBIT_PAYMENT"
	EntryDebitFee     LedgerEntryType = "DEBIT_FEE"
	EntryDebitPayout  LedgerEntryType = "DEBIT_PAYOUT"
	EntryHold         LedgerEntryType = "HOLD"
	EntryCapture      LedgerEntryType = "CAPTURE"
	EntryRelease      LedgerEntryType = "RELEASE"
	EntryTransferIn   LedgerEntryType = "TRANSFER_IN"
	EntryTransferOut  LedgerEntryType = "TRANSFER_OUT"
)

// IsCredit сообщает, относится ли тип записи к семейству пополнений.
func (t LedgerEntryType) IsCredit() bool {
	return strings.HasPrefix(string(t), "CREDIT_")
}

// IsDebit сообщает, относится ли тип записи к семейству списаний.
func (t LedgerEntryType) IsDebit() bool {
	return strings.HasPrefix(string(t), "DEBIT_")
}

// LedgerEntry представляет неизменяемую запись журнала о единичном
// изменении баланса. Записи никогда не обновляются и не удаляются.
type LedgerEntry struct {
	ID             int64
	WalletID       int64
	EntryType      LedgerEntryType
	AmountCents    int64
	IdempotencyKey string
	ReferenceType  *string
	ReferenceID    *string
	CreatedAt      time.Time
}

// HoldStatus описывает состояние резерва средств.
type HoldStatus string

const (
	HoldStatusActive   HoldStatus = "ACTIVE"
	HoldStatusCaptured HoldStatus = "CAPTURED"
	HoldStatusReleased HoldStatus = "RELEASED"
)

// Hold представляет резерв против доступного остатка кошелька,
// ожидающий подтверждения (capture) или отмены (release).
type Hold struct {
	ID          int64
	WalletID    int64
	HoldID      string
	AmountCents int64
	Description string
	Status      HoldStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

package service

import (
	"context"
	"fmt"

	"github.com/mmeshcher/marketplace-core/internal/model"
	"github.com/mmeshcher/marketplace-core/internal/repository"
)

// WalletRepository описывает контракт доступа к данным кошельков.
type WalletRepository interface {
	CreateWallet(ctx context.Context, tenantID int64, walletType model.WalletType, ownerID *int64) (*model.Wallet, error)
	GetWallet(ctx context.Context, id int64) (*model.Wallet, error)
	Credit(ctx context.Context, walletID, amountCents int64, entryType model.LedgerEntryType, key string, refType, refID *string) (*repository.WalletMutation, error)
	Debit(ctx context.Context, walletID, amountCents int64, entryType model.LedgerEntryType, key string, refType, refID *string) (*repository.WalletMutation, error)
	CreateHold(ctx context.Context, walletID, amountCents int64, holdID, description string) (*repository.WalletMutation, error)
	CaptureHold(ctx context.Context, walletID, amountCents int64, holdID, key string, refType, refID *string) (*repository.WalletMutation, error)
	ReleaseHold(ctx context.Context, walletID int64, holdID, key string) (*repository.WalletMutation, error)
	Transfer(ctx context.Context, fromID, toID, amountCents int64, key string, refType, refID *string) (*repository.TransferResult, error)
	GetLedgerEntries(ctx context.Context, walletID int64, filter repository.LedgerFilter) ([]model.LedgerEntry, error)
}

// WalletService реализует денежные операции с контролем инвариантов
// баланса и идемпотентностью по ключу вызывающей стороны.
type WalletService struct {
	repo WalletRepository
}

// NewWalletService создаёт сервис кошельков с указанным репозиторием.
func NewWalletService(repo WalletRepository) *WalletService {
	return &WalletService{repo: repo}
}

// Reference связывает запись журнала с внешней сущностью (заказом, продажей).
type Reference struct {
	Type string
	ID   string
}

func refFields(ref *Reference) (*string, *string) {
	if ref == nil {
		return nil, nil
	}
	return &ref.Type, &ref.ID
}

// CreateWallet создаёт кошелёк указанного типа в рамках арендатора.
func (s *WalletService) CreateWallet(ctx context.Context, tenantID int64, walletType model.WalletType, ownerID *int64) (*model.Wallet, error) {
	if !walletType.IsValid() {
		return nil, fmt.Errorf("%w: unknown wallet type %q", ErrInvalidInput, walletType)
	}
	return s.repo.CreateWallet(ctx, tenantID, walletType, ownerID)
}

// GetWallet возвращает кошелёк, проверяя принадлежность арендатору.
func (s *WalletService) GetWallet(ctx context.Context, tenantID, walletID int64) (*model.Wallet, error) {
	w, err := s.repo.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if w.TenantID != tenantID {
		return nil, repository.ErrWalletNotFound
	}
	return w, nil
}

func (s *WalletService) checkTenant(ctx context.Context, tenantID, walletID int64) error {
	_, err := s.GetWallet(ctx, tenantID, walletID)
	return err
}

func validateMutation(amountCents int64, key string) error {
	if amountCents <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	if key == "" {
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidInput)
	}
	return nil
}

// Credit пополняет кошелёк. Повторный вызов с тем же ключом идемпотентности
// возвращает ранее записанный результат без повторного эффекта.
func (s *WalletService) Credit(ctx context.Context, tenantID, walletID, amountCents int64, entryType model.LedgerEntryType, key string, ref *Reference) (*repository.WalletMutation, error) {
	if err := validateMutation(amountCents, key); err != nil {
		return nil, err
	}
	if !entryType.IsCredit() {
		return nil, fmt.Errorf("%w: %q is not a credit entry type", ErrInvalidInput, entryType)
	}
	if err := s.checkTenant(ctx, tenantID, walletID); err != nil {
		return nil, err
	}

	refType, refID := refFields(ref)
	return s.repo.Credit(ctx, walletID, amountCents, entryType, key, refType, refID)
}

// Debit списывает средства с кошелька в пределах доступного остатка.
func (s *WalletService) Debit(ctx context.Context, tenantID, walletID, amountCents int64, entryType model.LedgerEntryType, key string, ref *Reference) (*repository.WalletMutation, error) {
	if err := validateMutation(amountCents, key); err != nil {
		return nil, err
	}
	if !entryType.IsDebit() {
		return nil, fmt.Errorf("%w: %q is not a debit entry type", ErrInvalidInput, entryType)
	}
	if err := s.checkTenant(ctx, tenantID, walletID); err != nil {
		return nil, err
	}

	refType, refID := refFields(ref)
	return s.repo.Debit(ctx, walletID, amountCents, entryType, key, refType, refID)
}

// Hold резервирует средства против доступного остатка кошелька.
// Идентификатор резерва одновременно служит ключом идемпотентности.
func (s *WalletService) Hold(ctx context.Context, tenantID, walletID, amountCents int64, holdID, description string) (*repository.WalletMutation, error) {
	if err := validateMutation(amountCents, holdID); err != nil {
		return nil, err
	}
	if err := s.checkTenant(ctx, tenantID, walletID); err != nil {
		return nil, err
	}

	return s.repo.CreateHold(ctx, walletID, amountCents, holdID, description)
}

// Capture подтверждает активный резерв на указанную сумму.
func (s *WalletService) Capture(ctx context.Context, tenantID, walletID, amountCents int64, holdID, key string, ref *Reference) (*repository.WalletMutation, error) {
	if err := validateMutation(amountCents, key); err != nil {
		return nil, err
	}
	if holdID == "" {
		return nil, fmt.Errorf("%w: hold id is required", ErrInvalidInput)
	}
	if err := s.checkTenant(ctx, tenantID, walletID); err != nil {
		return nil, err
	}

	refType, refID := refFields(ref)
	return s.repo.CaptureHold(ctx, walletID, amountCents, holdID, key, refType, refID)
}

// Release отменяет активный резерв и возвращает средства в доступный остаток.
func (s *WalletService) Release(ctx context.Context, tenantID, walletID int64, holdID, key string) (*repository.WalletMutation, error) {
	if holdID == "" {
		return nil, fmt.Errorf("%w: hold id is required", ErrInvalidInput)
	}
	if key == "" {
		return nil, fmt.Errorf("%w: idempotency key is required", ErrInvalidInput)
	}
	if err := s.checkTenant(ctx, tenantID, walletID); err != nil {
		return nil, err
	}

	return s.repo.ReleaseHold(ctx, walletID, holdID, key)
}

// Transfer атомарно переводит средства между кошельками одного арендатора:
// применяются либо обе записи журнала, либо ни одна.
func (s *WalletService) Transfer(ctx context.Context, tenantID, fromID, toID, amountCents int64, key string, ref *Reference) (*repository.TransferResult, error) {
	if err := validateMutation(amountCents, key); err != nil {
		return nil, err
	}
	if fromID == toID {
		return nil, fmt.Errorf("%w: transfer to the same wallet", ErrInvalidInput)
	}
	if err := s.checkTenant(ctx, tenantID, fromID); err != nil {
		return nil, err
	}
	if err := s.checkTenant(ctx, tenantID, toID); err != nil {
		return nil, err
	}

	refType, refID := refFields(ref)
	return s.repo.Transfer(ctx, fromID, toID, amountCents, key, refType, refID)
}

// LedgerEntries возвращает страницу журнала операций кошелька в
// хронологическом порядке; курсор фильтра позволяет возобновить чтение.
func (s *WalletService) LedgerEntries(ctx context.Context, tenantID, walletID int64, filter repository.LedgerFilter) ([]model.LedgerEntry, error) {
	if err := s.checkTenant(ctx, tenantID, walletID); err != nil {
		return nil, err
	}
	return s.repo.GetLedgerEntries(ctx, walletID, filter)
}

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/marketplace-core/internal/catalog"
	"github.com/mmeshcher/marketplace-core/internal/model"
	"github.com/mmeshcher/marketplace-core/internal/repository"
)

const (
	// toleranceQty — допустимая нехватка остатка в штуках; конфликт
	// OVERSELL фиксируется только при нехватке строго больше этого порога.
	toleranceQty = 2
	// defaultSyncBatch — размер пачки фоновой синхронизации.
	defaultSyncBatch = 50
)

// tolerancePrice — допустимое относительное отклонение цены; конфликт
// PRICE_MISMATCH фиксируется только при отклонении строго больше порога.
var tolerancePrice = decimal.RequireFromString("0.10")

// SyncRepository описывает контракт доступа к данным офлайн-продаж.
type SyncRepository interface {
	CreateOfflineSale(ctx context.Context, sale *model.OfflineSale) (*model.OfflineSale, bool, error)
	GetOfflineSale(ctx context.Context, id int64) (*model.OfflineSale, error)
	ListPendingSales(ctx context.Context, tenantID int64, locationID *int64) ([]model.OfflineSale, error)
	ListConflicts(ctx context.Context, tenantID int64) ([]model.OfflineSale, error)
	ListSyncBacklog(ctx context.Context, limit int32) ([]int64, error)
	ClaimForSync(ctx context.Context, id int64) (*model.OfflineSale, error)
	ReleaseClaim(ctx context.Context, id int64) error
	MarkConflict(ctx context.Context, id int64, conflictType model.ConflictType, details *model.ConflictDetails) error
	CompleteSync(ctx context.Context, id int64, sale *model.CanonicalSale) (int64, error)
	ResolveReject(ctx context.Context, id int64, resolvedBy string) error
	ResolveWithSale(ctx context.Context, id int64, action model.ResolutionAction, resolvedBy string, sale *model.CanonicalSale) (int64, error)
}

// Catalog описывает внешний сервис каталога и склада, против которого
// сверяются офлайн-продажи.
type Catalog interface {
	GetProduct(ctx context.Context, tenantID, productID int64) (*catalog.Product, error)
	GetInventory(ctx context.Context, tenantID, locationID, productID int64) (*catalog.Inventory, error)
}

// SyncService сверяет офлайн-продажи POS-терминалов с актуальным состоянием
// каталога и склада и создаёт канонические продажи.
type SyncService struct {
	repo     SyncRepository
	catalog  Catalog
	logger   *zap.Logger
	interval time.Duration
}

// NewSyncService создаёт сервис синхронизации офлайн-продаж.
func NewSyncService(repo SyncRepository, cat Catalog, logger *zap.Logger, interval time.Duration) *SyncService {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &SyncService{
		repo:     repo,
		catalog:  cat,
		logger:   logger,
		interval: interval,
	}
}

// QueueSaleInput описывает офлайн-продажу, поступившую от POS-клиента.
type QueueSaleInput struct {
	LocationID      int64
	ClientSaleID    string
	ClientTimestamp time.Time
	Data            model.OfflineSaleData
}

// QueueOfflineSale ставит продажу в очередь синхронизации. Снимок продажи
// сохраняется дословно, включая клиентские итоги: сверка всегда выполняется
// против исходного намерения клиента. Повторная отправка того же
// клиентского идентификатора возвращает уже существующую запись.
func (s *SyncService) QueueOfflineSale(ctx context.Context, tenantID int64, in QueueSaleInput) (*model.OfflineSale, bool, error) {
	if in.ClientSaleID == "" {
		return nil, false, fmt.Errorf("%w: client sale id is required", ErrInvalidInput)
	}
	if in.ClientTimestamp.IsZero() {
		return nil, false, fmt.Errorf("%w: client timestamp is required", ErrInvalidInput)
	}
	if len(in.Data.Items) == 0 {
		return nil, false, fmt.Errorf("%w: sale items are required", ErrInvalidInput)
	}

	sale := &model.OfflineSale{
		TenantID:        tenantID,
		LocationID:      in.LocationID,
		ClientSaleID:    in.ClientSaleID,
		ClientTimestamp: in.ClientTimestamp,
		SaleData:        in.Data,
	}

	return s.repo.CreateOfflineSale(ctx, sale)
}

// GetSale возвращает офлайн-продажу, проверяя принадлежность арендатору.
func (s *SyncService) GetSale(ctx context.Context, tenantID, id int64) (*model.OfflineSale, error) {
	sale, err := s.repo.GetOfflineSale(ctx, id)
	if err != nil {
		return nil, err
	}
	if sale.TenantID != tenantID {
		return nil, repository.ErrOfflineSaleNotFound
	}
	return sale, nil
}

// PendingSales возвращает несинхронизированные продажи арендатора,
// старые первыми.
func (s *SyncService) PendingSales(ctx context.Context, tenantID int64, locationID *int64) ([]model.OfflineSale, error) {
	return s.repo.ListPendingSales(ctx, tenantID, locationID)
}

// Conflicts возвращает конфликтные продажи арендатора, старые первыми.
func (s *SyncService) Conflicts(ctx context.Context, tenantID int64) ([]model.OfflineSale, error) {
	return s.repo.ListConflicts(ctx, tenantID)
}

// SyncResult описывает исход синхронизации одной офлайн-продажи.
type SyncResult struct {
	Success         bool
	HasConflict     bool
	ConflictType    *model.ConflictType
	ConflictDetails *model.ConflictDetails
	SyncedSaleID    *int64
	Message         string
}

// SyncOfflineSale сверяет офлайн-продажу с каталогом и складом.
// Проверка позиций останавливается на первом расхождении; при отсутствии
// конфликтов каноническая продажа создаётся из сохранённого снимка.
func (s *SyncService) SyncOfflineSale(ctx context.Context, id int64) (*SyncResult, error) {
	sale, err := s.repo.ClaimForSync(ctx, id)
	if err != nil {
		return nil, err
	}

	conflictType, details, err := s.checkSale(ctx, sale)
	if err != nil {
		// Инфраструктурный сбой: возвращаем продажу в очередь, чтобы
		// следующая попытка не упёрлась в статус SYNCING.
		if releaseErr := s.repo.ReleaseClaim(ctx, id); releaseErr != nil {
			return nil, errors.Join(err, releaseErr)
		}
		return nil, err
	}

	if conflictType != nil {
		if err := s.repo.MarkConflict(ctx, id, *conflictType, details); err != nil {
			return nil, err
		}
		return &SyncResult{
			HasConflict:     true,
			ConflictType:    conflictType,
			ConflictDetails: details,
			Message:         fmt.Sprintf("sale flagged for manual review: %s", *conflictType),
		}, nil
	}

	canonical := &model.CanonicalSale{
		TenantID:     sale.TenantID,
		LocationID:   sale.LocationID,
		ClientSaleID: sale.ClientSaleID,
		Data:         sale.SaleData,
	}
	saleID, err := s.repo.CompleteSync(ctx, id, canonical)
	if err != nil {
		return nil, err
	}

	return &SyncResult{
		Success:      true,
		SyncedSaleID: &saleID,
		Message:      "sale synced",
	}, nil
}

// checkSale проверяет позиции продажи против каталога и склада и возвращает
// первый найденный конфликт. Ошибка означает сбой обращения к каталогу.
func (s *SyncService) checkSale(ctx context.Context, sale *model.OfflineSale) (*model.ConflictType, *model.ConflictDetails, error) {
	for _, item := range sale.SaleData.Items {
		product, err := s.catalog.GetProduct(ctx, sale.TenantID, item.ProductID)
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				ct := model.ConflictProductUnavailable
				return &ct, &model.ConflictDetails{ProductID: item.ProductID}, nil
			}
			return nil, nil, fmt.Errorf("get product %d: %w", item.ProductID, err)
		}
		if product.Status != catalog.ProductStatusActive {
			ct := model.ConflictProductUnavailable
			return &ct, &model.ConflictDetails{ProductID: item.ProductID}, nil
		}

		available := int32(0)
		inv, err := s.catalog.GetInventory(ctx, sale.TenantID, sale.LocationID, item.ProductID)
		if err != nil {
			if !errors.Is(err, catalog.ErrNotFound) {
				return nil, nil, fmt.Errorf("get inventory %d: %w", item.ProductID, err)
			}
		} else {
			available = inv.QuantityAvailable
		}

		if shortage := item.Quantity - available; shortage > toleranceQty {
			ct := model.ConflictOversell
			return &ct, &model.ConflictDetails{
				ProductID:    item.ProductID,
				RequestedQty: item.Quantity,
				AvailableQty: available,
				Shortage:     shortage,
			}, nil
		}

		if priceExceedsTolerance(item.UnitPriceCents, product.PriceCents) {
			ct := model.ConflictPriceMismatch
			return &ct, &model.ConflictDetails{
				ProductID:         item.ProductID,
				SalePriceCents:    item.UnitPriceCents,
				CurrentPriceCents: product.PriceCents,
			}, nil
		}
	}

	return nil, nil, nil
}

// priceExceedsTolerance сообщает, превышает ли относительное отклонение
// цены продажи от актуальной цены допустимый порог.
func priceExceedsTolerance(salePriceCents, currentPriceCents int64) bool {
	if currentPriceCents == 0 {
		return salePriceCents != 0
	}

	diff := salePriceCents - currentPriceCents
	if diff < 0 {
		diff = -diff
	}

	ratio := decimal.NewFromInt(diff).Div(decimal.NewFromInt(currentPriceCents))
	return ratio.GreaterThan(tolerancePrice)
}

// ResolutionResult описывает исход ручного разрешения конфликта.
type ResolutionResult struct {
	Action       model.ResolutionAction
	SyncedSaleID *int64
	Message      string
}

// ResolveConflict применяет решение оператора к конфликтной продаже.
// REJECT закрывает продажу без создания канонической записи, ACCEPT создаёт
// её из исходного снимка вопреки конфликту, ADJUST — из исправленных данных.
func (s *SyncService) ResolveConflict(ctx context.Context, id int64, action model.ResolutionAction, resolvedBy string, adjusted *model.OfflineSaleData) (*ResolutionResult, error) {
	if !action.IsValid() {
		return nil, fmt.Errorf("%w: unknown resolution action %q", ErrInvalidInput, action)
	}

	sale, err := s.repo.GetOfflineSale(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sale.HasConflict || sale.SyncStatus != model.SyncStatusConflict {
		return nil, repository.ErrNoConflict
	}

	switch action {
	case model.ResolutionReject:
		if err := s.repo.ResolveReject(ctx, id, resolvedBy); err != nil {
			return nil, err
		}
		return &ResolutionResult{
			Action:  action,
			Message: "sale rejected, no canonical sale created",
		}, nil

	case model.ResolutionAccept:
		canonical := &model.CanonicalSale{
			TenantID:     sale.TenantID,
			LocationID:   sale.LocationID,
			ClientSaleID: sale.ClientSaleID,
			Data:         sale.SaleData,
		}
		saleID, err := s.repo.ResolveWithSale(ctx, id, action, resolvedBy, canonical)
		if err != nil {
			return nil, err
		}
		return &ResolutionResult{
			Action:       action,
			SyncedSaleID: &saleID,
			Message:      "sale accepted despite conflict",
		}, nil

	default:
		if adjusted == nil || len(adjusted.Items) == 0 {
			return nil, fmt.Errorf("%w: adjusted sale data is required", ErrInvalidInput)
		}
		canonical := &model.CanonicalSale{
			TenantID:     sale.TenantID,
			LocationID:   sale.LocationID,
			ClientSaleID: sale.ClientSaleID,
			Data:         *adjusted,
		}
		saleID, err := s.repo.ResolveWithSale(ctx, id, action, resolvedBy, canonical)
		if err != nil {
			return nil, err
		}
		return &ResolutionResult{
			Action:       action,
			SyncedSaleID: &saleID,
			Message:      "sale created with adjusted data",
		}, nil
	}
}

// StartSyncWorker выполняет фоновую синхронизацию очереди офлайн-продаж
// до отмены контекста. Гонка с ручным вызовом безопасна: повторный захват
// записи в SYNCING невозможен, воркер просто пропускает занятые продажи.
func (s *SyncService) StartSyncWorker(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.processSyncBatch(ctx)
		}
	}
}

func (s *SyncService) processSyncBatch(ctx context.Context) {
	ids, err := s.repo.ListSyncBacklog(ctx, defaultSyncBatch)
	if err != nil {
		s.logger.Error("list sync backlog", zap.Error(err))
		return
	}

	for _, id := range ids {
		res, err := s.SyncOfflineSale(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrSyncInProgress) {
				continue
			}
			s.logger.Error("background sync failed", zap.Int64("saleID", id), zap.Error(err))
			continue
		}
		if res.HasConflict {
			s.logger.Info("background sync found conflict",
				zap.Int64("saleID", id), zap.String("conflictType", string(*res.ConflictType)))
		}
	}
}

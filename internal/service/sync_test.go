package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/marketplace-core/internal/catalog"
	"github.com/mmeshcher/marketplace-core/internal/model"
	"github.com/mmeshcher/marketplace-core/internal/repository"
)

type stubSyncRepo struct {
	sales     map[int64]*model.OfflineSale
	canonical []*model.CanonicalSale
	released  []int64
	nextID    int64
}

func newStubSyncRepo(sales ...*model.OfflineSale) *stubSyncRepo {
	r := &stubSyncRepo{sales: make(map[int64]*model.OfflineSale), nextID: 100}
	for _, s := range sales {
		r.sales[s.ID] = s
	}
	return r
}

func (r *stubSyncRepo) CreateOfflineSale(_ context.Context, sale *model.OfflineSale) (*model.OfflineSale, bool, error) {
	for _, existing := range r.sales {
		if existing.TenantID == sale.TenantID && existing.LocationID == sale.LocationID &&
			existing.ClientSaleID == sale.ClientSaleID {
			return existing, true, nil
		}
	}
	r.nextID++
	sale.ID = r.nextID
	sale.SyncStatus = model.SyncStatusPending
	r.sales[sale.ID] = sale
	return sale, false, nil
}

func (r *stubSyncRepo) GetOfflineSale(_ context.Context, id int64) (*model.OfflineSale, error) {
	s, ok := r.sales[id]
	if !ok {
		return nil, repository.ErrOfflineSaleNotFound
	}
	return s, nil
}

func (r *stubSyncRepo) ListPendingSales(_ context.Context, tenantID int64, _ *int64) ([]model.OfflineSale, error) {
	var out []model.OfflineSale
	for _, s := range r.sales {
		if s.TenantID == tenantID && (s.SyncStatus == model.SyncStatusPending || s.SyncStatus == model.SyncStatusConflict) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *stubSyncRepo) ListConflicts(_ context.Context, tenantID int64) ([]model.OfflineSale, error) {
	var out []model.OfflineSale
	for _, s := range r.sales {
		if s.TenantID == tenantID && s.SyncStatus == model.SyncStatusConflict {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *stubSyncRepo) ListSyncBacklog(_ context.Context, _ int32) ([]int64, error) {
	var ids []int64
	for id, s := range r.sales {
		if s.SyncStatus == model.SyncStatusPending {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (r *stubSyncRepo) ClaimForSync(_ context.Context, id int64) (*model.OfflineSale, error) {
	s, ok := r.sales[id]
	if !ok {
		return nil, repository.ErrOfflineSaleNotFound
	}
	if s.SyncStatus != model.SyncStatusPending && s.SyncStatus != model.SyncStatusConflict {
		return nil, repository.ErrSyncInProgress
	}
	s.SyncStatus = model.SyncStatusSyncing
	s.SyncAttempts++
	return s, nil
}

func (r *stubSyncRepo) ReleaseClaim(_ context.Context, id int64) error {
	s, ok := r.sales[id]
	if !ok || s.SyncStatus != model.SyncStatusSyncing {
		return repository.ErrOfflineSaleNotFound
	}
	if s.HasConflict {
		s.SyncStatus = model.SyncStatusConflict
	} else {
		s.SyncStatus = model.SyncStatusPending
	}
	r.released = append(r.released, id)
	return nil
}

func (r *stubSyncRepo) MarkConflict(_ context.Context, id int64, conflictType model.ConflictType, details *model.ConflictDetails) error {
	s, ok := r.sales[id]
	if !ok || s.SyncStatus != model.SyncStatusSyncing {
		return repository.ErrOfflineSaleNotFound
	}
	s.SyncStatus = model.SyncStatusConflict
	s.HasConflict = true
	s.ConflictType = &conflictType
	s.ConflictDetails = details
	return nil
}

func (r *stubSyncRepo) CompleteSync(_ context.Context, id int64, sale *model.CanonicalSale) (int64, error) {
	s, ok := r.sales[id]
	if !ok || s.SyncStatus != model.SyncStatusSyncing {
		return 0, repository.ErrOfflineSaleNotFound
	}
	r.nextID++
	sale.ID = r.nextID
	r.canonical = append(r.canonical, sale)
	s.SyncStatus = model.SyncStatusSynced
	s.SyncedSaleID = &sale.ID
	return sale.ID, nil
}

func (r *stubSyncRepo) ResolveReject(_ context.Context, id int64, resolvedBy string) error {
	s, ok := r.sales[id]
	if !ok || s.SyncStatus != model.SyncStatusConflict {
		return repository.ErrNoConflict
	}
	s.SyncStatus = model.SyncStatusResolved
	s.ResolvedBy = resolvedBy
	return nil
}

func (r *stubSyncRepo) ResolveWithSale(_ context.Context, id int64, action model.ResolutionAction, resolvedBy string, sale *model.CanonicalSale) (int64, error) {
	s, ok := r.sales[id]
	if !ok || s.SyncStatus != model.SyncStatusConflict {
		return 0, repository.ErrNoConflict
	}
	r.nextID++
	sale.ID = r.nextID
	r.canonical = append(r.canonical, sale)
	s.SyncStatus = model.SyncStatusResolved
	s.ResolutionAction = &action
	s.ResolvedBy = resolvedBy
	s.SyncedSaleID = &sale.ID
	return sale.ID, nil
}

type stubCatalog struct {
	products  map[int64]*catalog.Product
	inventory map[int64]int32
	err       error
}

func (c *stubCatalog) GetProduct(_ context.Context, _, productID int64) (*catalog.Product, error) {
	if c.err != nil {
		return nil, c.err
	}
	p, ok := c.products[productID]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return p, nil
}

func (c *stubCatalog) GetInventory(_ context.Context, _, _, productID int64) (*catalog.Inventory, error) {
	if c.err != nil {
		return nil, c.err
	}
	qty, ok := c.inventory[productID]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return &catalog.Inventory{ProductID: productID, QuantityAvailable: qty}, nil
}

func pendingSale(id int64, items ...model.OfflineSaleItem) *model.OfflineSale {
	return &model.OfflineSale{
		ID:              id,
		TenantID:        1,
		LocationID:      7,
		ClientSaleID:    "pos-1",
		ClientTimestamp: time.Now().Add(-time.Hour),
		SaleData:        model.OfflineSaleData{Items: items},
		SyncStatus:      model.SyncStatusPending,
	}
}

func newSyncService(repo SyncRepository, cat Catalog) *SyncService {
	return NewSyncService(repo, cat, zap.NewNop(), time.Minute)
}

func TestSyncOfflineSaleSuccess(t *testing.T) {
	repo := newStubSyncRepo(pendingSale(1,
		model.OfflineSaleItem{ProductID: 50, Quantity: 2, UnitPriceCents: 1000},
	))
	cat := &stubCatalog{
		products:  map[int64]*catalog.Product{50: {ID: 50, Status: catalog.ProductStatusActive, PriceCents: 1000}},
		inventory: map[int64]int32{50: 10},
	}
	svc := newSyncService(repo, cat)

	res, err := svc.SyncOfflineSale(context.Background(), 1)
	if err != nil {
		t.Fatalf("SyncOfflineSale: %v", err)
	}
	if !res.Success || res.HasConflict {
		t.Fatalf("result = %+v, want success without conflict", res)
	}
	if repo.sales[1].SyncStatus != model.SyncStatusSynced {
		t.Errorf("status = %s, want SYNCED", repo.sales[1].SyncStatus)
	}
	if len(repo.canonical) != 1 {
		t.Fatalf("canonical sales = %d, want 1", len(repo.canonical))
	}
	if repo.canonical[0].ClientSaleID != "pos-1" {
		t.Errorf("canonical client sale id = %q, want pos-1", repo.canonical[0].ClientSaleID)
	}
}

func TestSyncOfflineSaleOversellTolerance(t *testing.T) {
	cat := &stubCatalog{
		products:  map[int64]*catalog.Product{50: {ID: 50, Status: catalog.ProductStatusActive, PriceCents: 1000}},
		inventory: map[int64]int32{50: 5},
	}

	tests := []struct {
		name     string
		quantity int32
		conflict bool
	}{
		{"exact stock", 5, false},
		{"shortage within tolerance", 7, false},
		{"shortage beyond tolerance", 8, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newStubSyncRepo(pendingSale(1,
				model.OfflineSaleItem{ProductID: 50, Quantity: tt.quantity, UnitPriceCents: 1000},
			))
			svc := newSyncService(repo, cat)

			res, err := svc.SyncOfflineSale(context.Background(), 1)
			if err != nil {
				t.Fatalf("SyncOfflineSale: %v", err)
			}
			if res.HasConflict != tt.conflict {
				t.Fatalf("hasConflict = %v, want %v", res.HasConflict, tt.conflict)
			}
			if tt.conflict {
				if *res.ConflictType != model.ConflictOversell {
					t.Errorf("conflict type = %s, want OVERSELL", *res.ConflictType)
				}
				if res.ConflictDetails.Shortage != tt.quantity-5 {
					t.Errorf("shortage = %d, want %d", res.ConflictDetails.Shortage, tt.quantity-5)
				}
			}
		})
	}
}

func TestSyncOfflineSalePriceTolerance(t *testing.T) {
	cat := &stubCatalog{
		products:  map[int64]*catalog.Product{50: {ID: 50, Status: catalog.ProductStatusActive, PriceCents: 1000}},
		inventory: map[int64]int32{50: 100},
	}

	tests := []struct {
		name      string
		salePrice int64
		conflict  bool
	}{
		{"same price", 1000, false},
		{"exactly at tolerance", 1100, false},
		{"above tolerance", 1101, true},
		{"below tolerance boundary", 900, false},
		{"far below", 899, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newStubSyncRepo(pendingSale(1,
				model.OfflineSaleItem{ProductID: 50, Quantity: 1, UnitPriceCents: tt.salePrice},
			))
			svc := newSyncService(repo, cat)

			res, err := svc.SyncOfflineSale(context.Background(), 1)
			if err != nil {
				t.Fatalf("SyncOfflineSale: %v", err)
			}
			if res.HasConflict != tt.conflict {
				t.Fatalf("hasConflict = %v, want %v", res.HasConflict, tt.conflict)
			}
			if tt.conflict && *res.ConflictType != model.ConflictPriceMismatch {
				t.Errorf("conflict type = %s, want PRICE_MISMATCH", *res.ConflictType)
			}
		})
	}
}

func TestSyncOfflineSaleProductUnavailable(t *testing.T) {
	repo := newStubSyncRepo(pendingSale(1,
		model.OfflineSaleItem{ProductID: 50, Quantity: 1, UnitPriceCents: 500},
		model.OfflineSaleItem{ProductID: 60, Quantity: 99, UnitPriceCents: 1},
	))
	cat := &stubCatalog{
		products:  map[int64]*catalog.Product{50: {ID: 50, Status: "DISCONTINUED", PriceCents: 500}},
		inventory: map[int64]int32{},
	}
	svc := newSyncService(repo, cat)

	res, err := svc.SyncOfflineSale(context.Background(), 1)
	if err != nil {
		t.Fatalf("SyncOfflineSale: %v", err)
	}
	if !res.HasConflict || *res.ConflictType != model.ConflictProductUnavailable {
		t.Fatalf("result = %+v, want PRODUCT_UNAVAILABLE conflict", res)
	}
	// Проверка останавливается на первом расхождении: до позиции 60 дело не дошло.
	if res.ConflictDetails.ProductID != 50 {
		t.Errorf("conflict product = %d, want 50 (fail-fast)", res.ConflictDetails.ProductID)
	}
}

func TestSyncOfflineSaleMissingInventoryIsZero(t *testing.T) {
	repo := newStubSyncRepo(pendingSale(1,
		model.OfflineSaleItem{ProductID: 50, Quantity: 3, UnitPriceCents: 1000},
	))
	cat := &stubCatalog{
		products:  map[int64]*catalog.Product{50: {ID: 50, Status: catalog.ProductStatusActive, PriceCents: 1000}},
		inventory: map[int64]int32{},
	}
	svc := newSyncService(repo, cat)

	res, err := svc.SyncOfflineSale(context.Background(), 1)
	if err != nil {
		t.Fatalf("SyncOfflineSale: %v", err)
	}
	if !res.HasConflict || *res.ConflictType != model.ConflictOversell {
		t.Fatalf("result = %+v, want OVERSELL with missing inventory treated as zero", res)
	}
	if res.ConflictDetails.AvailableQty != 0 {
		t.Errorf("available = %d, want 0", res.ConflictDetails.AvailableQty)
	}
}

func TestSyncOfflineSaleCatalogFailureReleasesClaim(t *testing.T) {
	repo := newStubSyncRepo(pendingSale(1,
		model.OfflineSaleItem{ProductID: 50, Quantity: 1, UnitPriceCents: 1000},
	))
	cat := &stubCatalog{err: errors.New("catalog unreachable")}
	svc := newSyncService(repo, cat)

	if _, err := svc.SyncOfflineSale(context.Background(), 1); err == nil {
		t.Fatal("expected error on catalog failure")
	}
	if repo.sales[1].SyncStatus != model.SyncStatusPending {
		t.Errorf("status = %s, want PENDING after released claim", repo.sales[1].SyncStatus)
	}
	if len(repo.released) != 1 {
		t.Errorf("released claims = %d, want 1", len(repo.released))
	}
}

func TestSyncOfflineSaleCatalogFailureKeepsConflictQueued(t *testing.T) {
	repo := newStubSyncRepo(conflictSale(1))
	cat := &stubCatalog{err: errors.New("catalog unreachable")}
	svc := newSyncService(repo, cat)

	if _, err := svc.SyncOfflineSale(context.Background(), 1); err == nil {
		t.Fatal("expected error on catalog failure")
	}
	if repo.sales[1].SyncStatus != model.SyncStatusConflict {
		t.Errorf("status = %s, want CONFLICT after released claim", repo.sales[1].SyncStatus)
	}
	if !repo.sales[1].HasConflict {
		t.Error("hasConflict flag must survive a failed re-sync")
	}
}

func TestSyncOfflineSaleAlreadySyncing(t *testing.T) {
	sale := pendingSale(1, model.OfflineSaleItem{ProductID: 50, Quantity: 1, UnitPriceCents: 100})
	sale.SyncStatus = model.SyncStatusSyncing
	repo := newStubSyncRepo(sale)
	svc := newSyncService(repo, &stubCatalog{})

	if _, err := svc.SyncOfflineSale(context.Background(), 1); !errors.Is(err, repository.ErrSyncInProgress) {
		t.Errorf("err = %v, want ErrSyncInProgress", err)
	}
}

func TestQueueOfflineSaleReplay(t *testing.T) {
	repo := newStubSyncRepo()
	svc := newSyncService(repo, &stubCatalog{})
	ctx := context.Background()

	in := QueueSaleInput{
		LocationID:      7,
		ClientSaleID:    "pos-42",
		ClientTimestamp: time.Now(),
		Data: model.OfflineSaleData{
			Items: []model.OfflineSaleItem{{ProductID: 1, Quantity: 1, UnitPriceCents: 100}},
		},
	}

	first, replayed, err := svc.QueueOfflineSale(ctx, 1, in)
	if err != nil {
		t.Fatalf("first queue: %v", err)
	}
	if replayed {
		t.Error("first queue marked as replay")
	}
	second, replayed, err := svc.QueueOfflineSale(ctx, 1, in)
	if err != nil {
		t.Fatalf("replayed queue: %v", err)
	}
	if !replayed {
		t.Error("second queue not marked as replay")
	}
	if second.ID != first.ID {
		t.Errorf("replay returned sale %d, want existing %d", second.ID, first.ID)
	}
	if len(repo.sales) != 1 {
		t.Errorf("stored sales = %d, want 1", len(repo.sales))
	}
}

func TestQueueOfflineSaleValidation(t *testing.T) {
	svc := newSyncService(newStubSyncRepo(), &stubCatalog{})
	ctx := context.Background()

	valid := QueueSaleInput{
		ClientSaleID:    "pos-1",
		ClientTimestamp: time.Now(),
		Data:            model.OfflineSaleData{Items: []model.OfflineSaleItem{{ProductID: 1, Quantity: 1}}},
	}

	noID := valid
	noID.ClientSaleID = ""
	if _, _, err := svc.QueueOfflineSale(ctx, 1, noID); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("missing client sale id: err = %v, want ErrInvalidInput", err)
	}

	noTS := valid
	noTS.ClientTimestamp = time.Time{}
	if _, _, err := svc.QueueOfflineSale(ctx, 1, noTS); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("missing timestamp: err = %v, want ErrInvalidInput", err)
	}

	noItems := valid
	noItems.Data.Items = nil
	if _, _, err := svc.QueueOfflineSale(ctx, 1, noItems); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty items: err = %v, want ErrInvalidInput", err)
	}
}

func conflictSale(id int64) *model.OfflineSale {
	ct := model.ConflictOversell
	s := pendingSale(id, model.OfflineSaleItem{ProductID: 50, Quantity: 9, UnitPriceCents: 1000})
	s.SyncStatus = model.SyncStatusConflict
	s.HasConflict = true
	s.ConflictType = &ct
	return s
}

func TestResolveConflictReject(t *testing.T) {
	repo := newStubSyncRepo(conflictSale(1))
	svc := newSyncService(repo, &stubCatalog{})

	res, err := svc.ResolveConflict(context.Background(), 1, model.ResolutionReject, "manager", nil)
	if err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}
	if res.SyncedSaleID != nil {
		t.Error("reject created a canonical sale")
	}
	if repo.sales[1].SyncStatus != model.SyncStatusResolved {
		t.Errorf("status = %s, want RESOLVED", repo.sales[1].SyncStatus)
	}
	if len(repo.canonical) != 0 {
		t.Errorf("canonical sales = %d, want 0", len(repo.canonical))
	}
}

func TestResolveConflictAccept(t *testing.T) {
	repo := newStubSyncRepo(conflictSale(1))
	svc := newSyncService(repo, &stubCatalog{})

	res, err := svc.ResolveConflict(context.Background(), 1, model.ResolutionAccept, "manager", nil)
	if err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}
	if res.SyncedSaleID == nil {
		t.Fatal("accept did not create a canonical sale")
	}
	if len(repo.canonical) != 1 {
		t.Fatalf("canonical sales = %d, want 1", len(repo.canonical))
	}
	// ACCEPT использует исходный снимок продажи.
	if repo.canonical[0].Data.Items[0].Quantity != 9 {
		t.Errorf("canonical quantity = %d, want original 9", repo.canonical[0].Data.Items[0].Quantity)
	}
}

func TestResolveConflictAdjust(t *testing.T) {
	repo := newStubSyncRepo(conflictSale(1))
	svc := newSyncService(repo, &stubCatalog{})

	adjusted := &model.OfflineSaleData{
		Items: []model.OfflineSaleItem{{ProductID: 50, Quantity: 5, UnitPriceCents: 1000}},
	}
	res, err := svc.ResolveConflict(context.Background(), 1, model.ResolutionAdjust, "manager", adjusted)
	if err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}
	if res.SyncedSaleID == nil {
		t.Fatal("adjust did not create a canonical sale")
	}
	if repo.canonical[0].Data.Items[0].Quantity != 5 {
		t.Errorf("canonical quantity = %d, want adjusted 5", repo.canonical[0].Data.Items[0].Quantity)
	}

	if _, err := svc.ResolveConflict(context.Background(), 1, model.ResolutionAdjust, "manager", nil); err == nil {
		t.Error("expected error for ADJUST without adjusted data")
	}
}

func TestResolveConflictGuards(t *testing.T) {
	synced := pendingSale(2, model.OfflineSaleItem{ProductID: 1, Quantity: 1})
	synced.SyncStatus = model.SyncStatusSynced
	repo := newStubSyncRepo(conflictSale(1), synced)
	svc := newSyncService(repo, &stubCatalog{})
	ctx := context.Background()

	if _, err := svc.ResolveConflict(ctx, 2, model.ResolutionReject, "manager", nil); !errors.Is(err, repository.ErrNoConflict) {
		t.Errorf("resolve synced sale: err = %v, want ErrNoConflict", err)
	}
	if _, err := svc.ResolveConflict(ctx, 1, "IGNORE", "manager", nil); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("unknown action: err = %v, want ErrInvalidInput", err)
	}

	// Повторное разрешение уже разрешённого конфликта отклоняется.
	if _, err := svc.ResolveConflict(ctx, 1, model.ResolutionReject, "manager", nil); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if _, err := svc.ResolveConflict(ctx, 1, model.ResolutionReject, "manager", nil); !errors.Is(err, repository.ErrNoConflict) {
		t.Errorf("double resolve: err = %v, want ErrNoConflict", err)
	}
}

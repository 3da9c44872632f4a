package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/marketplace-core/internal/model"
)

const offlineSaleColumns = `id, tenant_id, location_id, client_sale_id, client_timestamp,
	sale_data, sync_status, sync_attempts, has_conflict, conflict_type,
	conflict_details, resolution_action, resolved_by, synced_sale_id,
	created_at, updated_at`

func scanOfflineSale(row pgx.Row) (*model.OfflineSale, error) {
	var (
		s           model.OfflineSale
		saleData    []byte
		syncStatus  string
		confType    *string
		confDetails []byte
		resolution  *string
	)
	err := row.Scan(&s.ID, &s.TenantID, &s.LocationID, &s.ClientSaleID, &s.ClientTimestamp,
		&saleData, &syncStatus, &s.SyncAttempts, &s.HasConflict, &confType,
		&confDetails, &resolution, &s.ResolvedBy, &s.SyncedSaleID,
		&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}

	s.SyncStatus = model.SyncStatus(syncStatus)
	if confType != nil {
		ct := model.ConflictType(*confType)
		s.ConflictType = &ct
	}
	if resolution != nil {
		ra := model.ResolutionAction(*resolution)
		s.ResolutionAction = &ra
	}
	if err := json.Unmarshal(saleData, &s.SaleData); err != nil {
		return nil, fmt.Errorf("unmarshal sale data: %w", err)
	}
	if len(confDetails) > 0 {
		var details model.ConflictDetails
		if err := json.Unmarshal(confDetails, &details); err != nil {
			return nil, fmt.Errorf("unmarshal conflict details: %w", err)
		}
		s.ConflictDetails = &details
	}

	return &s, nil
}

// CreateOfflineSale ставит офлайн-продажу в очередь синхронизации и
// возвращает признак того, что продажа с тем же клиентским идентификатором
// уже была поставлена ранее (повторная отправка офлайн-клиента).
func (r *PostgresRepository) CreateOfflineSale(ctx context.Context, sale *model.OfflineSale) (*model.OfflineSale, bool, error) {
	data, err := json.Marshal(sale.SaleData)
	if err != nil {
		return nil, false, fmt.Errorf("marshal sale data: %w", err)
	}

	row := r.pool.QueryRow(ctx,
		`INSERT INTO offline_sales (tenant_id, location_id, client_sale_id, client_timestamp, sale_data, sync_status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+offlineSaleColumns,
		sale.TenantID, sale.LocationID, sale.ClientSaleID, sale.ClientTimestamp,
		data, string(model.SyncStatusPending),
	)

	created, err := scanOfflineSale(row)
	if err != nil {
		if isUniqueViolation(err) {
			existing, lookupErr := r.findOfflineSaleByClientID(ctx, sale.TenantID, sale.LocationID, sale.ClientSaleID)
			if lookupErr != nil {
				return nil, false, lookupErr
			}
			return existing, true, nil
		}
		return nil, false, fmt.Errorf("insert offline sale: %w", err)
	}

	return created, false, nil
}

func (r *PostgresRepository) findOfflineSaleByClientID(ctx context.Context, tenantID, locationID int64, clientSaleID string) (*model.OfflineSale, error) {
	s, err := scanOfflineSale(r.pool.QueryRow(ctx,
		`SELECT `+offlineSaleColumns+`
		 FROM offline_sales
		 WHERE tenant_id = $1 AND location_id = $2 AND client_sale_id = $3`,
		tenantID, locationID, clientSaleID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOfflineSaleNotFound
		}
		return nil, fmt.Errorf("find offline sale: %w", err)
	}
	return s, nil
}

// GetOfflineSale возвращает офлайн-продажу по идентификатору.
func (r *PostgresRepository) GetOfflineSale(ctx context.Context, id int64) (*model.OfflineSale, error) {
	s, err := scanOfflineSale(r.pool.QueryRow(ctx,
		`SELECT `+offlineSaleColumns+` FROM offline_sales WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOfflineSaleNotFound
		}
		return nil, fmt.Errorf("get offline sale: %w", err)
	}
	return s, nil
}

func (r *PostgresRepository) listOfflineSales(ctx context.Context, query string, args ...any) ([]model.OfflineSale, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select offline sales: %w", err)
	}
	defer rows.Close()

	var res []model.OfflineSale
	for rows.Next() {
		s, err := scanOfflineSale(rows)
		if err != nil {
			return nil, fmt.Errorf("scan offline sale: %w", err)
		}
		res = append(res, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListPendingSales возвращает несинхронизированные продажи арендатора,
// старые первыми: порядок клиентских временных меток сохраняет реальную
// последовательность продаж и, как следствие, порядок списания остатков.
func (r *PostgresRepository) ListPendingSales(ctx context.Context, tenantID int64, locationID *int64) ([]model.OfflineSale, error) {
	if locationID != nil {
		return r.listOfflineSales(ctx,
			`SELECT `+offlineSaleColumns+`
			 FROM offline_sales
			 WHERE tenant_id = $1 AND location_id = $2 AND sync_status IN ($3, $4)
			 ORDER BY client_timestamp`,
			tenantID, *locationID, string(model.SyncStatusPending), string(model.SyncStatusConflict))
	}

	return r.listOfflineSales(ctx,
		`SELECT `+offlineSaleColumns+`
		 FROM offline_sales
		 WHERE tenant_id = $1 AND sync_status IN ($2, $3)
		 ORDER BY client_timestamp`,
		tenantID, string(model.SyncStatusPending), string(model.SyncStatusConflict))
}

// ListConflicts возвращает конфликтные продажи арендатора, старые первыми.
func (r *PostgresRepository) ListConflicts(ctx context.Context, tenantID int64) ([]model.OfflineSale, error) {
	return r.listOfflineSales(ctx,
		`SELECT `+offlineSaleColumns+`
		 FROM offline_sales
		 WHERE tenant_id = $1 AND has_conflict = TRUE AND sync_status = $2
		 ORDER BY client_timestamp`,
		tenantID, string(model.SyncStatusConflict))
}

// ClaimForSync переводит продажу в состояние SYNCING и увеличивает счётчик
// попыток. Переход выполняется одним условным UPDATE и служит взаимным
// исключением: параллельный вызов не найдёт строку в допустимом статусе и
// получит ErrSyncInProgress вместо повторной обработки.
func (r *PostgresRepository) ClaimForSync(ctx context.Context, id int64) (*model.OfflineSale, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE offline_sales
		 SET sync_status = $2, sync_attempts = sync_attempts + 1, updated_at = now()
		 WHERE id = $1 AND sync_status IN ($3, $4)
		 RETURNING `+offlineSaleColumns,
		id, string(model.SyncStatusSyncing),
		string(model.SyncStatusPending), string(model.SyncStatusConflict),
	)

	s, err := scanOfflineSale(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := r.GetOfflineSale(ctx, id); getErr != nil {
				return nil, getErr
			}
			return nil, ErrSyncInProgress
		}
		return nil, fmt.Errorf("claim offline sale: %w", err)
	}

	return s, nil
}

// ReleaseClaim возвращает захваченную продажу в состояние до захвата:
// продажа с неразрешённым конфликтом остаётся в очереди конфликтов,
// остальные — в очереди ожидания.
func (r *PostgresRepository) ReleaseClaim(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE offline_sales
		 SET sync_status = CASE WHEN has_conflict THEN $2 ELSE $3 END, updated_at = now()
		 WHERE id = $1 AND sync_status = $4`,
		id, string(model.SyncStatusConflict), string(model.SyncStatusPending), string(model.SyncStatusSyncing),
	)
	if err != nil {
		return fmt.Errorf("release sync claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOfflineSaleNotFound
	}

	return nil
}

// ListSyncBacklog возвращает идентификаторы несинхронизированных продаж
// всех арендаторов, старые первыми.
func (r *PostgresRepository) ListSyncBacklog(ctx context.Context, limit int32) ([]int64, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id FROM offline_sales
		 WHERE sync_status = $1
		 ORDER BY client_timestamp
		 LIMIT $2`,
		string(model.SyncStatusPending), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list sync backlog: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan sync backlog: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sync backlog: %w", err)
	}

	return ids, nil
}

// MarkConflict фиксирует расхождение, найденное при синхронизации.
func (r *PostgresRepository) MarkConflict(ctx context.Context, id int64, conflictType model.ConflictType, details *model.ConflictDetails) error {
	data, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal conflict details: %w", err)
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE offline_sales
		 SET sync_status = $2, has_conflict = TRUE, conflict_type = $3, conflict_details = $4, updated_at = now()
		 WHERE id = $1 AND sync_status = $5`,
		id, string(model.SyncStatusConflict), string(conflictType), data,
		string(model.SyncStatusSyncing),
	)
	if err != nil {
		return fmt.Errorf("mark conflict: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOfflineSaleNotFound
	}

	return nil
}

func insertCanonicalSale(ctx context.Context, tx pgx.Tx, sale *model.CanonicalSale) error {
	data, err := json.Marshal(sale.Data)
	if err != nil {
		return fmt.Errorf("marshal canonical sale: %w", err)
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO canonical_sales (tenant_id, location_id, client_sale_id, data)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		sale.TenantID, sale.LocationID, sale.ClientSaleID, data,
	).Scan(&sale.ID, &sale.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert canonical sale: %w", err)
	}

	return nil
}

// CompleteSync создаёт каноническую продажу и помечает офлайн-продажу
// синхронизированной в одной транзакции.
func (r *PostgresRepository) CompleteSync(ctx context.Context, id int64, sale *model.CanonicalSale) (int64, error) {
	err := r.withRetry(ctx, func() error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			if err := insertCanonicalSale(ctx, tx, sale); err != nil {
				return err
			}

			tag, err := tx.Exec(ctx,
				`UPDATE offline_sales
				 SET sync_status = $2, synced_sale_id = $3, has_conflict = FALSE,
				     conflict_type = NULL, conflict_details = NULL, updated_at = now()
				 WHERE id = $1 AND sync_status = $4`,
				id, string(model.SyncStatusSynced), sale.ID, string(model.SyncStatusSyncing),
			)
			if err != nil {
				return fmt.Errorf("mark synced: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return ErrOfflineSaleNotFound
			}

			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	return sale.ID, nil
}

// ResolveReject помечает конфликтную продажу отклонённой; каноническая
// продажа не создаётся.
func (r *PostgresRepository) ResolveReject(ctx context.Context, id int64, resolvedBy string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE offline_sales
		 SET sync_status = $2, resolution_action = $3, resolved_by = $4, updated_at = now()
		 WHERE id = $1 AND sync_status = $5`,
		id, string(model.SyncStatusResolved), string(model.ResolutionReject), resolvedBy,
		string(model.SyncStatusConflict),
	)
	if err != nil {
		return fmt.Errorf("resolve reject: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoConflict
	}

	return nil
}

// ResolveWithSale создаёт каноническую продажу по переданным данным и
// помечает конфликт разрешённым в одной транзакции.
func (r *PostgresRepository) ResolveWithSale(ctx context.Context, id int64, action model.ResolutionAction, resolvedBy string, sale *model.CanonicalSale) (int64, error) {
	err := r.withRetry(ctx, func() error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			if err := insertCanonicalSale(ctx, tx, sale); err != nil {
				return err
			}

			tag, err := tx.Exec(ctx,
				`UPDATE offline_sales
				 SET sync_status = $2, resolution_action = $3, resolved_by = $4,
				     synced_sale_id = $5, updated_at = now()
				 WHERE id = $1 AND sync_status = $6`,
				id, string(model.SyncStatusResolved), string(action), resolvedBy,
				sale.ID, string(model.SyncStatusConflict),
			)
			if err != nil {
				return fmt.Errorf("resolve with sale: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return ErrNoConflict
			}

			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	return sale.ID, nil
}

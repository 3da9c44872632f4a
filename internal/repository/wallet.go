package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/marketplace-core/internal/model"
)

// WalletMutation описывает результат денежной операции над кошельком.
// Replayed взводится, когда ключ идемпотентности уже был применён и
// возвращается ранее записанный результат без повторного эффекта.
type WalletMutation struct {
	Wallet   *model.Wallet
	Entry    *model.LedgerEntry
	Replayed bool
}

// TransferResult описывает результат перевода между двумя кошельками.
type TransferResult struct {
	From     WalletMutation
	To       WalletMutation
	Replayed bool
}

// LedgerFilter задаёт параметры выборки журнала операций кошелька.
// AfterID — курсор для возобновляемого чтения: возвращаются записи с id
// строго больше курсора в хронологическом порядке.
type LedgerFilter struct {
	ReferenceType *string
	ReferenceID   *string
	AfterID       int64
	Limit         int32
}

// CreateWallet создаёт кошелёк с нулевыми остатками.
func (r *PostgresRepository) CreateWallet(ctx context.Context, tenantID int64, walletType model.WalletType, ownerID *int64) (*model.Wallet, error) {
	var w model.Wallet
	err := r.pool.QueryRow(ctx,
		`INSERT INTO wallets (tenant_id, type, owner_id)
		 VALUES ($1, $2, $3)
		 RETURNING id, tenant_id, type, owner_id, balance, pending_balance, created_at, updated_at`,
		tenantID, string(walletType), ownerID,
	).Scan(&w.ID, &w.TenantID, &w.Type, &w.OwnerID, &w.BalanceCents, &w.PendingCents,
		&w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create wallet: %w", err)
	}
	return &w, nil
}

// GetWallet возвращает кошелёк по идентификатору.
func (r *PostgresRepository) GetWallet(ctx context.Context, id int64) (*model.Wallet, error) {
	w, err := scanWallet(r.pool.QueryRow(ctx,
		`SELECT id, tenant_id, type, owner_id, balance, pending_balance, created_at, updated_at
		 FROM wallets WHERE id = $1`,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return w, nil
}

func scanWallet(row pgx.Row) (*model.Wallet, error) {
	var (
		w     model.Wallet
		wtype string
	)
	err := row.Scan(&w.ID, &w.TenantID, &wtype, &w.OwnerID, &w.BalanceCents,
		&w.PendingCents, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	w.Type = model.WalletType(wtype)
	return &w, nil
}

// lockWallet блокирует строку кошелька до конца транзакции.
// Все денежные операции над одним кошельком сериализуются этой блокировкой;
// кошельки с разными идентификаторами изменяются параллельно.
func lockWallet(ctx context.Context, tx pgx.Tx, walletID int64) (*model.Wallet, error) {
	w, err := scanWallet(tx.QueryRow(ctx,
		`SELECT id, tenant_id, type, owner_id, balance, pending_balance, created_at, updated_at
		 FROM wallets WHERE id = $1 FOR UPDATE`,
		walletID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("lock wallet: %w", err)
	}
	return w, nil
}

func findLedgerEntry(ctx context.Context, tx pgx.Tx, walletID int64, key string) (*model.LedgerEntry, error) {
	e, err := scanLedgerEntry(tx.QueryRow(ctx,
		`SELECT id, wallet_id, entry_type, amount, idempotency_key, reference_type, reference_id, created_at
		 FROM ledger_entries WHERE wallet_id = $1 AND idempotency_key = $2`,
		walletID, key,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find ledger entry: %w", err)
	}
	return e, nil
}

func scanLedgerEntry(row pgx.Row) (*model.LedgerEntry, error) {
	var (
		e     model.LedgerEntry
		etype string
	)
	err := row.Scan(&e.ID, &e.WalletID, &etype, &e.AmountCents, &e.IdempotencyKey,
		&e.ReferenceType, &e.ReferenceID, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.EntryType = model.LedgerEntryType(etype)
	return &e, nil
}

func insertLedgerEntry(ctx context.Context, tx pgx.Tx, e *model.LedgerEntry) error {
	err := tx.QueryRow(ctx,
		`INSERT INTO ledger_entries (wallet_id, entry_type, amount, idempotency_key, reference_type, reference_id)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at`,
		e.WalletID, string(e.EntryType), e.AmountCents, e.IdempotencyKey,
		e.ReferenceType, e.ReferenceID,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func updateWalletBalances(ctx context.Context, tx pgx.Tx, w *model.Wallet) error {
	err := tx.QueryRow(ctx,
		`UPDATE wallets SET balance = $2, pending_balance = $3, updated_at = now()
		 WHERE id = $1
		 RETURNING updated_at`,
		w.ID, w.BalanceCents, w.PendingCents,
	).Scan(&w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update wallet balances: %w", err)
	}
	return nil
}

// Credit пополняет баланс кошелька и добавляет запись в журнал.
// Повторный вызов с тем же ключом идемпотентности возвращает прежний результат.
func (r *PostgresRepository) Credit(ctx context.Context, walletID, amountCents int64, entryType model.LedgerEntryType, key string, refType, refID *string) (*WalletMutation, error) {
	var res *WalletMutation

	err := r.withRetry(ctx, func() error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			w, err := lockWallet(ctx, tx, walletID)
			if err != nil {
				return err
			}

			if prior, err := findLedgerEntry(ctx, tx, walletID, key); err != nil {
				return err
			} else if prior != nil {
				res = &WalletMutation{Wallet: w, Entry: prior, Replayed: true}
				return nil
			}

			entry := &model.LedgerEntry{
				WalletID:       walletID,
				EntryType:      entryType,
				AmountCents:    amountCents,
				IdempotencyKey: key,
				ReferenceType:  refType,
				ReferenceID:    refID,
			}
			if err := insertLedgerEntry(ctx, tx, entry); err != nil {
				return err
			}

			w.ApplyCredit(amountCents)
			if err := updateWalletBalances(ctx, tx, w); err != nil {
				return err
			}

			res = &WalletMutation{Wallet: w, Entry: entry}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Debit списывает средства с кошелька. Возвращает ErrInsufficientBalance,
// если сумма превышает доступный остаток (баланс за вычетом резервов).
func (r *PostgresRepository) Debit(ctx context.Context, walletID, amountCents int64, entryType model.LedgerEntryType, key string, refType, refID *string) (*WalletMutation, error) {
	var res *WalletMutation

	err := r.withRetry(ctx, func() error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			w, err := lockWallet(ctx, tx, walletID)
			if err != nil {
				return err
			}

			if prior, err := findLedgerEntry(ctx, tx, walletID, key); err != nil {
				return err
			} else if prior != nil {
				res = &WalletMutation{Wallet: w, Entry: prior, Replayed: true}
				return nil
			}

			if amountCents > w.AvailableCents() {
				return ErrInsufficientBalance
			}

			entry := &model.LedgerEntry{
				WalletID:       walletID,
				EntryType:      entryType,
				AmountCents:    amountCents,
				IdempotencyKey: key,
				ReferenceType:  refType,
				ReferenceID:    refID,
			}
			if err := insertLedgerEntry(ctx, tx, entry); err != nil {
				return err
			}

			w.ApplyDebit(amountCents)
			if err := updateWalletBalances(ctx, tx, w); err != nil {
				return err
			}

			res = &WalletMutation{Wallet: w, Entry: entry}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// CreateHold резервирует средства против доступного остатка: pending_balance
// увеличивается, баланс не меняется. Ключом идемпотентности служит сам holdID.
func (r *PostgresRepository) CreateHold(ctx context.Context, walletID, amountCents int64, holdID, description string) (*WalletMutation, error) {
	var res *WalletMutation

	err := r.withRetry(ctx, func() error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			w, err := lockWallet(ctx, tx, walletID)
			if err != nil {
				return err
			}

			if prior, err := findLedgerEntry(ctx, tx, walletID, holdID); err != nil {
				return err
			} else if prior != nil {
				res = &WalletMutation{Wallet: w, Entry: prior, Replayed: true}
				return nil
			}

			if amountCents > w.AvailableCents() {
				return ErrInsufficientBalance
			}

			_, err = tx.Exec(ctx,
				`INSERT INTO holds (wallet_id, hold_id, amount, description, status)
				 VALUES ($1, $2, $3, $4, $5)`,
				walletID, holdID, amountCents, description, string(model.HoldStatusActive),
			)
			if err != nil {
				return fmt.Errorf("insert hold: %w", err)
			}

			entry := &model.LedgerEntry{
				WalletID:       walletID,
				EntryType:      model.EntryHold,
				AmountCents:    amountCents,
				IdempotencyKey: holdID,
			}
			if err := insertLedgerEntry(ctx, tx, entry); err != nil {
				return err
			}

			w.ApplyHold(amountCents)
			if err := updateWalletBalances(ctx, tx, w); err != nil {
				return err
			}

			res = &WalletMutation{Wallet: w, Entry: entry}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func lockHold(ctx context.Context, tx pgx.Tx, walletID int64, holdID string) (*model.Hold, error) {
	var (
		h      model.Hold
		status string
	)
	err := tx.QueryRow(ctx,
		`SELECT id, wallet_id, hold_id, amount, description, status, created_at, updated_at
		 FROM holds WHERE wallet_id = $1 AND hold_id = $2 FOR UPDATE`,
		walletID, holdID,
	).Scan(&h.ID, &h.WalletID, &h.HoldID, &h.AmountCents, &h.Description, &status,
		&h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrHoldNotFound, holdID)
		}
		return nil, fmt.Errorf("lock hold: %w", err)
	}
	h.Status = model.HoldStatus(status)
	return &h, nil
}

func updateHoldStatus(ctx context.Context, tx pgx.Tx, id int64, status model.HoldStatus) error {
	_, err := tx.Exec(ctx,
		`UPDATE holds SET status = $2, updated_at = now() WHERE id = $1`,
		id, string(status),
	)
	if err != nil {
		return fmt.Errorf("update hold status: %w", err)
	}
	return nil
}

// CaptureHold подтверждает активный резерв: баланс уменьшается на сумму
// подтверждения, а из pending_balance снимается полная сумма резерва
// независимо от подтверждённой суммы.
func (r *PostgresRepository) CaptureHold(ctx context.Context, walletID, amountCents int64, holdID, key string, refType, refID *string) (*WalletMutation, error) {
	var res *WalletMutation

	err := r.withRetry(ctx, func() error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			w, err := lockWallet(ctx, tx, walletID)
			if err != nil {
				return err
			}

			if prior, err := findLedgerEntry(ctx, tx, walletID, key); err != nil {
				return err
			} else if prior != nil {
				res = &WalletMutation{Wallet: w, Entry: prior, Replayed: true}
				return nil
			}

			hold, err := lockHold(ctx, tx, walletID, holdID)
			if err != nil {
				return err
			}
			if hold.Status != model.HoldStatusActive {
				return fmt.Errorf("%w: %s is %s", ErrHoldNotActive, holdID, hold.Status)
			}
			if amountCents > w.BalanceCents {
				return ErrInsufficientBalance
			}

			entry := &model.LedgerEntry{
				WalletID:       walletID,
				EntryType:      model.EntryCapture,
				AmountCents:    amountCents,
				IdempotencyKey: key,
				ReferenceType:  refType,
				ReferenceID:    refID,
			}
			if err := insertLedgerEntry(ctx, tx, entry); err != nil {
				return err
			}

			if err := updateHoldStatus(ctx, tx, hold.ID, model.HoldStatusCaptured); err != nil {
				return err
			}

			w.ApplyCapture(amountCents, hold.AmountCents)
			if err := updateWalletBalances(ctx, tx, w); err != nil {
				return err
			}

			res = &WalletMutation{Wallet: w, Entry: entry}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ReleaseHold отменяет активный резерв: pending_balance уменьшается на сумму
// резерва, баланс не меняется.
func (r *PostgresRepository) ReleaseHold(ctx context.Context, walletID int64, holdID, key string) (*WalletMutation, error) {
	var res *WalletMutation

	err := r.withRetry(ctx, func() error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			w, err := lockWallet(ctx, tx, walletID)
			if err != nil {
				return err
			}

			if prior, err := findLedgerEntry(ctx, tx, walletID, key); err != nil {
				return err
			} else if prior != nil {
				res = &WalletMutation{Wallet: w, Entry: prior, Replayed: true}
				return nil
			}

			hold, err := lockHold(ctx, tx, walletID, holdID)
			if err != nil {
				return err
			}
			if hold.Status != model.HoldStatusActive {
				return fmt.Errorf("%w: %s is %s", ErrHoldNotActive, holdID, hold.Status)
			}

			entry := &model.LedgerEntry{
				WalletID:       walletID,
				EntryType:      model.EntryRelease,
				AmountCents:    hold.AmountCents,
				IdempotencyKey: key,
			}
			if err := insertLedgerEntry(ctx, tx, entry); err != nil {
				return err
			}

			if err := updateHoldStatus(ctx, tx, hold.ID, model.HoldStatusReleased); err != nil {
				return err
			}

			w.ApplyRelease(hold.AmountCents)
			if err := updateWalletBalances(ctx, tx, w); err != nil {
				return err
			}

			res = &WalletMutation{Wallet: w, Entry: entry}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Transfer атомарно переводит средства между кошельками: обе записи журнала
// делят один ключ идемпотентности, применяются либо обе, либо ни одна.
// Кошельки блокируются в порядке возрастания идентификаторов во избежание
// взаимной блокировки встречных переводов.
func (r *PostgresRepository) Transfer(ctx context.Context, fromID, toID, amountCents int64, key string, refType, refID *string) (*TransferResult, error) {
	var res *TransferResult

	err := r.withRetry(ctx, func() error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			firstID, secondID := fromID, toID
			if toID < fromID {
				firstID, secondID = toID, fromID
			}

			first, err := lockWallet(ctx, tx, firstID)
			if err != nil {
				return err
			}
			second, err := lockWallet(ctx, tx, secondID)
			if err != nil {
				return err
			}

			from, to := first, second
			if from.ID != fromID {
				from, to = second, first
			}

			priorOut, err := findLedgerEntry(ctx, tx, fromID, key)
			if err != nil {
				return err
			}
			priorIn, err := findLedgerEntry(ctx, tx, toID, key)
			if err != nil {
				return err
			}
			if priorOut != nil {
				// Повтор засчитывается только за прежним переводом; ключ,
				// занятый операцией другого вида, не воспроизводим.
				if priorOut.EntryType != model.EntryTransferOut || priorIn == nil {
					return ErrIdempotencyConflict
				}
				res = &TransferResult{
					From:     WalletMutation{Wallet: from, Entry: priorOut, Replayed: true},
					To:       WalletMutation{Wallet: to, Entry: priorIn, Replayed: true},
					Replayed: true,
				}
				return nil
			}
			if priorIn != nil {
				return ErrIdempotencyConflict
			}

			if amountCents > from.AvailableCents() {
				return ErrInsufficientBalance
			}

			outEntry := &model.LedgerEntry{
				WalletID:       fromID,
				EntryType:      model.EntryTransferOut,
				AmountCents:    amountCents,
				IdempotencyKey: key,
				ReferenceType:  refType,
				ReferenceID:    refID,
			}
			if err := insertLedgerEntry(ctx, tx, outEntry); err != nil {
				return err
			}

			inEntry := &model.LedgerEntry{
				WalletID:       toID,
				EntryType:      model.EntryTransferIn,
				AmountCents:    amountCents,
				IdempotencyKey: key,
				ReferenceType:  refType,
				ReferenceID:    refID,
			}
			if err := insertLedgerEntry(ctx, tx, inEntry); err != nil {
				return err
			}

			from.ApplyDebit(amountCents)
			to.ApplyCredit(amountCents)
			if err := updateWalletBalances(ctx, tx, from); err != nil {
				return err
			}
			if err := updateWalletBalances(ctx, tx, to); err != nil {
				return err
			}

			res = &TransferResult{
				From: WalletMutation{Wallet: from, Entry: outEntry},
				To:   WalletMutation{Wallet: to, Entry: inEntry},
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// GetLedgerEntries возвращает страницу журнала операций кошелька в
// хронологическом порядке. Чтение возобновляемо: курсор AfterID указывает
// последнюю уже полученную запись.
func (r *PostgresRepository) GetLedgerEntries(ctx context.Context, walletID int64, filter LedgerFilter) ([]model.LedgerEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, wallet_id, entry_type, amount, idempotency_key, reference_type, reference_id, created_at
		 FROM ledger_entries
		 WHERE wallet_id = $1
		   AND id > $2
		   AND ($3::text IS NULL OR reference_type = $3)
		   AND ($4::text IS NULL OR reference_id = $4)
		 ORDER BY id
		 LIMIT $5`,
		walletID, filter.AfterID, filter.ReferenceType, filter.ReferenceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select ledger entries: %w", err)
	}
	defer rows.Close()

	var res []model.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		res = append(res, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

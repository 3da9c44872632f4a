package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/marketplace-core/internal/model"
	"github.com/mmeshcher/marketplace-core/internal/validation"
)

// GetVendor возвращает запись вендора в рамках арендатора.
func (r *PostgresRepository) GetVendor(ctx context.Context, tenantID, vendorID int64) (*model.Vendor, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, tenant_id, name, commission_override::text, tier_id
		 FROM vendors
		 WHERE id = $1 AND tenant_id = $2`,
		vendorID, tenantID,
	)

	var (
		v        model.Vendor
		override *string
	)
	err := row.Scan(&v.ID, &v.TenantID, &v.Name, &override, &v.TierID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrVendorNotFound, vendorID)
		}
		return nil, fmt.Errorf("get vendor: %w", err)
	}

	if override != nil {
		rate, err := decimal.NewFromString(*override)
		if err != nil {
			return nil, fmt.Errorf("parse commission override: %w", err)
		}
		v.CommissionOverride = &rate
	}

	return &v, nil
}

// nextOrderSequence атомарно выделяет следующий порядковый номер заказа
// для пары (арендатор, день). Одиночный UPSERT исключает гонку
// чтения-инкремента при параллельном создании заказов.
func nextOrderSequence(ctx context.Context, tx pgx.Tx, tenantID int64, day time.Time) (int64, error) {
	var seq int64
	err := tx.QueryRow(ctx,
		`INSERT INTO order_counters (tenant_id, day, value)
		 VALUES ($1, $2, 1)
		 ON CONFLICT (tenant_id, day)
		 DO UPDATE SET value = order_counters.value + 1
		 RETURNING value`,
		tenantID, day,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next order sequence: %w", err)
	}
	return seq, nil
}

// CreateSplitOrder сохраняет родительский заказ, все подзаказы и их позиции
// в одной транзакции. Номера заказа и подзаказов выделяются внутри той же
// транзакции, что и счётчик: частичный сплит не наблюдаем извне.
func (r *PostgresRepository) CreateSplitOrder(ctx context.Context, order *model.ParentOrder, subs []*model.SubOrder) error {
	day := time.Now().UTC()

	return r.withRetry(ctx, func() error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			seq, err := nextOrderSequence(ctx, tx, order.TenantID, day)
			if err != nil {
				return err
			}
			order.OrderNumber = validation.FormatOrderNumber(day, seq)

			err = tx.QueryRow(ctx,
				`INSERT INTO parent_orders
				   (tenant_id, order_number, customer_name, customer_phone, customer_email,
				    shipping_address, subtotal, shipping, tax, discount, grand_total,
				    currency, status, payment_method)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
				 RETURNING id, created_at, updated_at`,
				order.TenantID, order.OrderNumber, order.CustomerName, order.CustomerPhone,
				order.CustomerEmail, order.ShippingAddress, order.SubtotalCents,
				order.ShippingCents, order.TaxCents, order.DiscountCents,
				order.GrandTotalCents, order.Currency, string(order.Status), order.PaymentMethod,
			).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
			if err != nil {
				return fmt.Errorf("insert parent order: %w", err)
			}

			for i := range order.Items {
				item := &order.Items[i]
				err := tx.QueryRow(ctx,
					`INSERT INTO parent_order_items
					   (parent_order_id, product_id, product_name, vendor_id, quantity, unit_price, discount)
					 VALUES ($1, $2, $3, $4, $5, $6, $7)
					 RETURNING id`,
					order.ID, item.ProductID, item.ProductName, item.VendorID,
					item.Quantity, item.UnitPriceCents, item.DiscountCents,
				).Scan(&item.ID)
				if err != nil {
					return fmt.Errorf("insert parent order item: %w", err)
				}
			}

			for i, sub := range subs {
				sub.ParentOrderID = order.ID
				sub.SubOrderNumber = validation.FormatSubOrderNumber(order.OrderNumber, i+1)

				err := tx.QueryRow(ctx,
					`INSERT INTO sub_orders
					   (parent_order_id, vendor_id, sub_order_number, subtotal,
					    commission_rate, commission, vendor_payout, status)
					 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
					 RETURNING id, created_at, updated_at`,
					sub.ParentOrderID, sub.VendorID, sub.SubOrderNumber, sub.SubtotalCents,
					sub.CommissionRate.String(), sub.CommissionCents, sub.VendorPayoutCents,
					string(sub.Status),
				).Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
				if err != nil {
					return fmt.Errorf("insert sub-order: %w", err)
				}

				for j := range sub.Items {
					item := &sub.Items[j]
					err := tx.QueryRow(ctx,
						`INSERT INTO sub_order_items
						   (sub_order_id, product_id, product_name, quantity, unit_price, discount)
						 VALUES ($1, $2, $3, $4, $5, $6)
						 RETURNING id`,
						sub.ID, item.ProductID, item.ProductName,
						item.Quantity, item.UnitPriceCents, item.DiscountCents,
					).Scan(&item.ID)
					if err != nil {
						return fmt.Errorf("insert sub-order item: %w", err)
					}
				}
			}

			return nil
		})
	})
}

// GetParentOrder возвращает родительский заказ вместе с позициями.
func (r *PostgresRepository) GetParentOrder(ctx context.Context, id int64) (*model.ParentOrder, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, tenant_id, order_number, customer_name, customer_phone, customer_email,
		        shipping_address, subtotal, shipping, tax, discount, grand_total,
		        currency, status, payment_method, created_at, updated_at
		 FROM parent_orders
		 WHERE id = $1`,
		id,
	)

	var (
		o      model.ParentOrder
		status string
	)
	err := row.Scan(&o.ID, &o.TenantID, &o.OrderNumber, &o.CustomerName, &o.CustomerPhone,
		&o.CustomerEmail, &o.ShippingAddress, &o.SubtotalCents, &o.ShippingCents,
		&o.TaxCents, &o.DiscountCents, &o.GrandTotalCents, &o.Currency, &status,
		&o.PaymentMethod, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrParentOrderNotFound
		}
		return nil, fmt.Errorf("get parent order: %w", err)
	}
	o.Status = model.ParentOrderStatus(status)

	rows, err := r.pool.Query(ctx,
		`SELECT id, product_id, product_name, vendor_id, quantity, unit_price, discount
		 FROM parent_order_items
		 WHERE parent_order_id = $1
		 ORDER BY id`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("select parent order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item model.ParentOrderItem
		if err := rows.Scan(&item.ID, &item.ProductID, &item.ProductName, &item.VendorID,
			&item.Quantity, &item.UnitPriceCents, &item.DiscountCents); err != nil {
			return nil, fmt.Errorf("scan parent order item: %w", err)
		}
		o.Items = append(o.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return &o, nil
}

func scanSubOrder(row pgx.Row) (*model.SubOrder, error) {
	var (
		s      model.SubOrder
		status string
		rate   string
	)
	err := row.Scan(&s.ID, &s.ParentOrderID, &s.VendorID, &s.SubOrderNumber,
		&s.SubtotalCents, &rate, &s.CommissionCents, &s.VendorPayoutCents,
		&status, &s.ShippedAt, &s.DeliveredAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}

	s.Status = model.SubOrderStatus(status)
	parsed, err := decimal.NewFromString(rate)
	if err != nil {
		return nil, fmt.Errorf("parse commission rate: %w", err)
	}
	s.CommissionRate = parsed

	return &s, nil
}

const subOrderColumns = `id, parent_order_id, vendor_id, sub_order_number, subtotal,
	commission_rate::text, commission, vendor_payout, status,
	shipped_at, delivered_at, created_at, updated_at`

// GetSubOrder возвращает подзаказ без позиций.
func (r *PostgresRepository) GetSubOrder(ctx context.Context, id int64) (*model.SubOrder, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+subOrderColumns+` FROM sub_orders WHERE id = $1`, id)

	s, err := scanSubOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubOrderNotFound
		}
		return nil, fmt.Errorf("get sub-order: %w", err)
	}
	return s, nil
}

// ListSubOrdersByParent возвращает подзаказы родительского заказа в порядке создания.
func (r *PostgresRepository) ListSubOrdersByParent(ctx context.Context, parentOrderID int64) ([]model.SubOrder, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+subOrderColumns+` FROM sub_orders WHERE parent_order_id = $1 ORDER BY id`,
		parentOrderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select sub-orders: %w", err)
	}
	defer rows.Close()

	var res []model.SubOrder
	for rows.Next() {
		s, err := scanSubOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sub-order: %w", err)
		}
		res = append(res, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListVendorSubOrders возвращает подзаказы вендора, новые первыми.
func (r *PostgresRepository) ListVendorSubOrders(ctx context.Context, vendorID int64) ([]model.SubOrder, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+subOrderColumns+` FROM sub_orders WHERE vendor_id = $1 ORDER BY created_at DESC`,
		vendorID,
	)
	if err != nil {
		return nil, fmt.Errorf("select vendor sub-orders: %w", err)
	}
	defer rows.Close()

	var res []model.SubOrder
	for rows.Next() {
		s, err := scanSubOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sub-order: %w", err)
		}
		res = append(res, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ApplySubOrderTransition переводит подзаказ из статуса from в статус to и
// пересчитывает агрегированный статус родителя в той же транзакции.
// Строка родителя блокируется на время пересчёта, чтобы параллельные
// переходы соседних подзаказов не потеряли обновление статуса родителя.
func (r *PostgresRepository) ApplySubOrderTransition(ctx context.Context, subOrderID int64, from, to model.SubOrderStatus, shippedAt, deliveredAt *time.Time) (*model.SubOrder, model.ParentOrderStatus, error) {
	var (
		updated      *model.SubOrder
		parentStatus model.ParentOrderStatus
	)

	err := r.withRetry(ctx, func() error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			var parentID int64
			err := tx.QueryRow(ctx,
				`SELECT parent_order_id FROM sub_orders WHERE id = $1`, subOrderID,
			).Scan(&parentID)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return ErrSubOrderNotFound
				}
				return fmt.Errorf("select parent id: %w", err)
			}

			var dummy int
			err = tx.QueryRow(ctx,
				`SELECT 1 FROM parent_orders WHERE id = $1 FOR UPDATE`, parentID,
			).Scan(&dummy)
			if err != nil {
				return fmt.Errorf("lock parent order: %w", err)
			}

			row := tx.QueryRow(ctx,
				`UPDATE sub_orders
				 SET status = $3,
				     shipped_at = COALESCE($4, shipped_at),
				     delivered_at = COALESCE($5, delivered_at),
				     updated_at = now()
				 WHERE id = $1 AND status = $2
				 RETURNING `+subOrderColumns,
				subOrderID, string(from), string(to), shippedAt, deliveredAt,
			)

			updated, err = scanSubOrder(row)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return ErrSubOrderStatusChanged
				}
				return fmt.Errorf("update sub-order: %w", err)
			}

			rows, err := tx.Query(ctx,
				`SELECT status FROM sub_orders WHERE parent_order_id = $1`, parentID)
			if err != nil {
				return fmt.Errorf("select sibling statuses: %w", err)
			}

			var statuses []model.SubOrderStatus
			for rows.Next() {
				var st string
				if err := rows.Scan(&st); err != nil {
					rows.Close()
					return fmt.Errorf("scan sibling status: %w", err)
				}
				statuses = append(statuses, model.SubOrderStatus(st))
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return fmt.Errorf("rows error: %w", err)
			}

			parentStatus = model.AggregateParentStatus(statuses)

			_, err = tx.Exec(ctx,
				`UPDATE parent_orders SET status = $2, updated_at = now() WHERE id = $1`,
				parentID, string(parentStatus),
			)
			if err != nil {
				return fmt.Errorf("update parent status: %w", err)
			}

			return nil
		})
	})
	if err != nil {
		return nil, "", err
	}

	return updated, parentStatus, nil
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/resortops/passkeeper/internal/models"
)

var ErrOrderNotFound = errors.New("order not found")

const orderColumns = `id, resort_id, sales_channel, client_reference, price_breakdown,
			myth_booking_ids, skidata_order_id, previous_skidata_order_ids, device_ids,
			created_at, updated_at`

type OrderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) Create(ctx context.Context, o *models.Order) error {
	query := `INSERT INTO orders (
			resort_id, sales_channel, client_reference, price_breakdown,
			myth_booking_ids, skidata_order_id, previous_skidata_order_ids, device_ids
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id, created_at, updated_at`

	err := r.db.QueryRowContext(ctx, query,
		o.ResortID, o.SalesChannel, o.ClientReference, nullJSON(o.PriceBreakdown),
		pq.Array(nonNil(o.MythBookingIDs)), o.SkidataOrderID,
		pq.Array(nonNilInt(o.PreviousSkidataOrderIDs)), pq.Array(nonNil(o.DeviceIDs)),
	).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

// GetByID returns ErrOrderNotFound when no row has id.
func (r *OrderRepository) GetByID(ctx context.Context, id int64) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id=$1`

	o := &models.Order{}
	var price []byte
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&o.ID, &o.ResortID, &o.SalesChannel, &o.ClientReference, &price,
		pq.Array(&o.MythBookingIDs), &o.SkidataOrderID, pq.Array(&o.PreviousSkidataOrderIDs), pq.Array(&o.DeviceIDs),
		&o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %d: %w", id, ErrOrderNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order by id: %w", err)
	}
	if len(price) > 0 {
		o.PriceBreakdown = price
	}
	return o, nil
}

// RecordSkidataOrder makes skidataOrderID current and appends the replaced id
// to the history, mirroring models.Order.RecordSkidataOrder. It is a no-op
// when the id is already current.
func (r *OrderRepository) RecordSkidataOrder(ctx context.Context, orderID, skidataOrderID int64) error {
	if skidataOrderID == 0 {
		return nil
	}
	query := `UPDATE orders SET
			previous_skidata_order_ids = CASE
				WHEN skidata_order_id = 0 THEN previous_skidata_order_ids
				ELSE array_append(previous_skidata_order_ids, skidata_order_id)
			END,
			skidata_order_id = $1,
			updated_at = NOW()
		WHERE id = $2 AND skidata_order_id <> $1`
	res, err := r.db.ExecContext(ctx, query, skidataOrderID, orderID)
	if err != nil {
		return fmt.Errorf("record skidata order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.exists(ctx, orderID)
	}
	return nil
}

// AddDevice appends deviceID to the order unless it is already listed.
func (r *OrderRepository) AddDevice(ctx context.Context, orderID int64, deviceID string) error {
	query := `UPDATE orders SET
			device_ids = array_append(device_ids, $1),
			updated_at = NOW()
		WHERE id = $2 AND NOT ($1 = ANY(device_ids))`
	res, err := r.db.ExecContext(ctx, query, deviceID, orderID)
	if err != nil {
		return fmt.Errorf("add device to order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.exists(ctx, orderID)
	}
	return nil
}

func (r *OrderRepository) exists(ctx context.Context, id int64) error {
	var found bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id=$1)`, id).Scan(&found)
	if err != nil {
		return fmt.Errorf("check order: %w", err)
	}
	if !found {
		return fmt.Errorf("order %d: %w", id, ErrOrderNotFound)
	}
	return nil
}

func nullJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

func nonNil(a []string) []string {
	if a == nil {
		return []string{}
	}
	return a
}

func nonNilInt(a []int64) []int64 {
	if a == nil {
		return []int64{}
	}
	return a
}

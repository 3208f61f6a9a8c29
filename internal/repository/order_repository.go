package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"fundingarb/internal/models"
)

// Ошибки репозитория ордеров
var (
	ErrOrderNotFound = errors.New("order not found")
)

// Лимиты выборки ордеров
const (
	ordersDefaultLimit = 500
	ordersMaxLimit     = 5000
)

const orderColumns = `id, position_id, action, status, exchange, symbol, side, quantity, filled_qty, avg_price, exchange_order_id, note, extra, created_at`

// OrderRepository - работа с таблицей orders.
// Каждая попытка ноги (включая откаты и хеджи) фиксируется отдельной записью.
type OrderRepository struct {
	db *sql.DB
}

// NewOrderRepository создает новый экземпляр репозитория
func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Insert создает запись об ордере. Пустой ID заполняется UUID.
func (r *OrderRepository) Insert(ctx context.Context, order *models.Order) error {
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	order.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO orders (id, position_id, action, status, exchange, symbol, side, quantity, filled_qty, avg_price, exchange_order_id, note, extra, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := r.db.ExecContext(ctx, query,
		order.ID,
		order.PositionID,
		order.Action,
		order.Status,
		order.Exchange,
		order.Symbol,
		order.Side,
		order.Quantity,
		order.FilledQty,
		order.AvgPrice,
		order.ExchangeOrderID,
		order.Note,
		order.Extra,
		order.CreatedAt,
	)
	return err
}

// GetByID возвращает ордер по ID
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*models.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE id = $1`

	order := &models.Order{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&order.ID,
		&order.PositionID,
		&order.Action,
		&order.Status,
		&order.Exchange,
		&order.Symbol,
		&order.Side,
		&order.Quantity,
		&order.FilledQty,
		&order.AvgPrice,
		&order.ExchangeOrderID,
		&order.Note,
		&order.Extra,
		&order.CreatedAt,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}

	return order, nil
}

// List возвращает последние ордера
func (r *OrderRepository) List(ctx context.Context, limit int) ([]*models.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		ORDER BY created_at DESC
		LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, normalizeLimit(limit, ordersDefaultLimit, ordersMaxLimit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

// ListByAction возвращает последние ордера с указанным действием
func (r *OrderRepository) ListByAction(ctx context.Context, action string, limit int) ([]*models.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE action = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, action, normalizeLimit(limit, ordersDefaultLimit, ordersMaxLimit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

// ListByPosition возвращает все ордера позиции в порядке создания
func (r *OrderRepository) ListByPosition(ctx context.Context, positionID string) ([]*models.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE position_id = $1
		ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, query, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

func scanOrders(rows *sql.Rows) ([]*models.Order, error) {
	var orders []*models.Order
	for rows.Next() {
		order := &models.Order{}
		err := rows.Scan(
			&order.ID,
			&order.PositionID,
			&order.Action,
			&order.Status,
			&order.Exchange,
			&order.Symbol,
			&order.Side,
			&order.Quantity,
			&order.FilledQty,
			&order.AvgPrice,
			&order.ExchangeOrderID,
			&order.Note,
			&order.Extra,
			&order.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return orders, nil
}

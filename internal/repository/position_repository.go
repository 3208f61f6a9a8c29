package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"fundingarb/internal/models"
)

// Ошибки репозитория позиций
var (
	ErrPositionNotFound = errors.New("position not found")
)

// Лимиты выборки позиций
const (
	positionsDefaultLimit = 200
	positionsMaxLimit     = 2000
)

const positionColumns = `id, symbol, long_exchange, short_exchange, long_qty, short_qty, leverage, status, entry_spread_rate, extra, created_at, updated_at, closed_at`

// PositionRepository - работа с таблицей positions
type PositionRepository struct {
	db *sql.DB
}

// NewPositionRepository создает новый экземпляр репозитория
func NewPositionRepository(db *sql.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

// Insert создает запись позиции. Пустой ID заполняется UUID,
// метки времени выставляются на момент вставки.
func (r *PositionRepository) Insert(ctx context.Context, position *models.Position) error {
	if position.ID == "" {
		position.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	position.CreatedAt = now
	position.UpdatedAt = now

	query := `
		INSERT INTO positions (id, symbol, long_exchange, short_exchange, long_qty, short_qty, leverage, status, entry_spread_rate, extra, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := r.db.ExecContext(ctx, query,
		position.ID,
		position.Symbol,
		position.LongExchange,
		position.ShortExchange,
		position.LongQty,
		position.ShortQty,
		position.Leverage,
		position.Status,
		position.EntrySpreadRate,
		position.Extra,
		position.CreatedAt,
		position.UpdatedAt,
	)
	return err
}

// GetByID возвращает позицию по ID
func (r *PositionRepository) GetByID(ctx context.Context, id string) (*models.Position, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM positions
		WHERE id = $1`

	position := &models.Position{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&position.ID,
		&position.Symbol,
		&position.LongExchange,
		&position.ShortExchange,
		&position.LongQty,
		&position.ShortQty,
		&position.Leverage,
		&position.Status,
		&position.EntrySpreadRate,
		&position.Extra,
		&position.CreatedAt,
		&position.UpdatedAt,
		&position.ClosedAt,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPositionNotFound
		}
		return nil, err
	}

	return position, nil
}

// List возвращает последние позиции
func (r *PositionRepository) List(ctx context.Context, limit int) ([]*models.Position, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM positions
		ORDER BY created_at DESC
		LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, normalizeLimit(limit, positionsDefaultLimit, positionsMaxLimit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

// ListByStatus возвращает последние позиции с указанным статусом
func (r *PositionRepository) ListByStatus(ctx context.Context, status string, limit int) ([]*models.Position, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM positions
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, status, normalizeLimit(limit, positionsDefaultLimit, positionsMaxLimit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

// ListByStatuses возвращает все позиции в любом из указанных статусов.
// Используется аварийным закрытием для перечисления живых позиций.
func (r *PositionRepository) ListByStatuses(ctx context.Context, statuses []string) ([]*models.Position, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM positions
		WHERE status = ANY($1)
		ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, pq.Array(statuses))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

// UpdateStatus переводит позицию в новый статус.
// При переходе в closed выставляется closed_at.
func (r *PositionRepository) UpdateStatus(ctx context.Context, id, status string) error {
	now := time.Now().UTC()

	var result sql.Result
	var err error
	if status == models.PositionStatusClosed {
		query := `
			UPDATE positions
			SET status = $1, updated_at = $2, closed_at = $2
			WHERE id = $3`
		result, err = r.db.ExecContext(ctx, query, status, now, id)
	} else {
		query := `
			UPDATE positions
			SET status = $1, updated_at = $2
			WHERE id = $3`
		result, err = r.db.ExecContext(ctx, query, status, now, id)
	}
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrPositionNotFound
	}

	return nil
}

func scanPositions(rows *sql.Rows) ([]*models.Position, error) {
	var positions []*models.Position
	for rows.Next() {
		position := &models.Position{}
		err := rows.Scan(
			&position.ID,
			&position.Symbol,
			&position.LongExchange,
			&position.ShortExchange,
			&position.LongQty,
			&position.ShortQty,
			&position.Leverage,
			&position.Status,
			&position.EntrySpreadRate,
			&position.Extra,
			&position.CreatedAt,
			&position.UpdatedAt,
			&position.ClosedAt,
		)
		if err != nil {
			return nil, err
		}
		positions = append(positions, position)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return positions, nil
}

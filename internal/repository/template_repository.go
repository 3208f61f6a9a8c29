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

// Ошибки репозитория шаблонов
var (
	ErrTemplateNotFound  = errors.New("strategy template not found")
	ErrTemplateNameTaken = errors.New("strategy template name already taken")
)

const templateColumns = `id, name, symbol, long_exchange, short_exchange, quantity, notional_usd, leverage, hold_hours, note, created_at, updated_at`

// TemplateRepository - работа с таблицей strategy_templates
type TemplateRepository struct {
	db *sql.DB
}

// NewTemplateRepository создает новый экземпляр репозитория
func NewTemplateRepository(db *sql.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

// Create сохраняет новый шаблон. Дубликат имени дает ErrTemplateNameTaken.
func (r *TemplateRepository) Create(ctx context.Context, tpl *models.StrategyTemplate) error {
	if tpl.ID == "" {
		tpl.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	tpl.CreatedAt = now
	tpl.UpdatedAt = now

	query := `
		INSERT INTO strategy_templates (id, name, symbol, long_exchange, short_exchange, quantity, notional_usd, leverage, hold_hours, note, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := r.db.ExecContext(ctx, query,
		tpl.ID,
		tpl.Name,
		tpl.Symbol,
		tpl.LongExchange,
		tpl.ShortExchange,
		tpl.Quantity,
		tpl.NotionalUSD,
		tpl.Leverage,
		tpl.HoldHours,
		tpl.Note,
		tpl.CreatedAt,
		tpl.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrTemplateNameTaken
		}
		return err
	}

	return nil
}

// GetByID возвращает шаблон по ID
func (r *TemplateRepository) GetByID(ctx context.Context, id string) (*models.StrategyTemplate, error) {
	query := `
		SELECT ` + templateColumns + `
		FROM strategy_templates
		WHERE id = $1`

	tpl := &models.StrategyTemplate{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&tpl.ID,
		&tpl.Name,
		&tpl.Symbol,
		&tpl.LongExchange,
		&tpl.ShortExchange,
		&tpl.Quantity,
		&tpl.NotionalUSD,
		&tpl.Leverage,
		&tpl.HoldHours,
		&tpl.Note,
		&tpl.CreatedAt,
		&tpl.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTemplateNotFound
		}
		return nil, err
	}

	return tpl, nil
}

// List возвращает все шаблоны, недавно измененные первыми
func (r *TemplateRepository) List(ctx context.Context) ([]*models.StrategyTemplate, error) {
	query := `
		SELECT ` + templateColumns + `
		FROM strategy_templates
		ORDER BY updated_at DESC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []*models.StrategyTemplate
	for rows.Next() {
		tpl := &models.StrategyTemplate{}
		err := rows.Scan(
			&tpl.ID,
			&tpl.Name,
			&tpl.Symbol,
			&tpl.LongExchange,
			&tpl.ShortExchange,
			&tpl.Quantity,
			&tpl.NotionalUSD,
			&tpl.Leverage,
			&tpl.HoldHours,
			&tpl.Note,
			&tpl.CreatedAt,
			&tpl.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		templates = append(templates, tpl)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return templates, nil
}

// Update переписывает поля шаблона. Переименование в занятое имя
// дает ErrTemplateNameTaken.
func (r *TemplateRepository) Update(ctx context.Context, tpl *models.StrategyTemplate) error {
	tpl.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE strategy_templates
		SET name = $1, symbol = $2, long_exchange = $3, short_exchange = $4, quantity = $5, notional_usd = $6, leverage = $7, hold_hours = $8, note = $9, updated_at = $10
		WHERE id = $11`

	result, err := r.db.ExecContext(ctx, query,
		tpl.Name,
		tpl.Symbol,
		tpl.LongExchange,
		tpl.ShortExchange,
		tpl.Quantity,
		tpl.NotionalUSD,
		tpl.Leverage,
		tpl.HoldHours,
		tpl.Note,
		tpl.UpdatedAt,
		tpl.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrTemplateNameTaken
		}
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrTemplateNotFound
	}

	return nil
}

// Delete удаляет шаблон
func (r *TemplateRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM strategy_templates WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrTemplateNotFound
	}

	return nil
}

// isUniqueViolation распознает нарушение уникального ограничения Postgres
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

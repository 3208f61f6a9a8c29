package repository

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"fundingarb/internal/models"
)

// Ошибки репозитория журнала рисков
var (
	ErrRiskEventNotFound = errors.New("risk event not found")
)

// Лимиты выборки событий риска
const (
	riskEventsDefaultLimit = 200
	riskEventsMaxLimit     = 2000
)

const riskEventColumns = `id, event_type, severity, message, context, resolved, created_at, resolved_at`

// RiskEventFilter - параметры выборки журнала рисков
type RiskEventFilter struct {
	Resolved *bool
	Severity string
	Limit    int
}

// RiskEventRepository - работа с журналом рисков.
// Журнал только дописывается: записи не удаляются, resolved
// переключается один раз из false в true.
type RiskEventRepository struct {
	db *sql.DB
}

// NewRiskEventRepository создает новый экземпляр репозитория
func NewRiskEventRepository(db *sql.DB) *RiskEventRepository {
	return &RiskEventRepository{db: db}
}

// Append дописывает событие в журнал. Пустой ID заполняется UUID.
func (r *RiskEventRepository) Append(ctx context.Context, event *models.RiskEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	event.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO risk_events (id, event_type, severity, message, context, resolved, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.db.ExecContext(ctx, query,
		event.ID,
		event.EventType,
		event.Severity,
		event.Message,
		event.Context,
		event.Resolved,
		event.CreatedAt,
	)
	return err
}

// List возвращает события журнала по фильтру, свежие первыми
func (r *RiskEventRepository) List(ctx context.Context, filter RiskEventFilter) ([]*models.RiskEvent, error) {
	query := `
		SELECT ` + riskEventColumns + `
		FROM risk_events`

	var (
		conditions string
		args       []interface{}
	)
	if filter.Resolved != nil {
		args = append(args, *filter.Resolved)
		conditions = appendCondition(conditions, "resolved = $"+strconv.Itoa(len(args)))
	}
	if filter.Severity != "" {
		args = append(args, filter.Severity)
		conditions = appendCondition(conditions, "severity = $"+strconv.Itoa(len(args)))
	}
	if conditions != "" {
		query += "\n\t\tWHERE " + conditions
	}

	args = append(args, normalizeLimit(filter.Limit, riskEventsDefaultLimit, riskEventsMaxLimit))
	query += "\n\t\tORDER BY created_at DESC\n\t\tLIMIT $" + strconv.Itoa(len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.RiskEvent
	for rows.Next() {
		event := &models.RiskEvent{}
		err := rows.Scan(
			&event.ID,
			&event.EventType,
			&event.Severity,
			&event.Message,
			&event.Context,
			&event.Resolved,
			&event.CreatedAt,
			&event.ResolvedAt,
		)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return events, nil
}

// Resolve помечает событие решенным и возвращает его.
// Повторный вызов на уже решенном событии не меняет resolved_at.
func (r *RiskEventRepository) Resolve(ctx context.Context, id string) (*models.RiskEvent, error) {
	query := `
		UPDATE risk_events
		SET resolved = TRUE, resolved_at = COALESCE(resolved_at, $2)
		WHERE id = $1
		RETURNING ` + riskEventColumns

	event := &models.RiskEvent{}
	err := r.db.QueryRowContext(ctx, query, id, time.Now().UTC()).Scan(
		&event.ID,
		&event.EventType,
		&event.Severity,
		&event.Message,
		&event.Context,
		&event.Resolved,
		&event.CreatedAt,
		&event.ResolvedAt,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRiskEventNotFound
		}
		return nil, err
	}

	return event, nil
}

func appendCondition(conditions, clause string) string {
	if conditions == "" {
		return clause
	}
	return conditions + " AND " + clause
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"fundingarb/internal/models"
)

// Ошибки репозитория ключей
var (
	ErrCredentialNotFound = errors.New("credential not found")
)

const credentialColumns = `exchange, ciphertext, testnet, created_at, updated_at`

// CredentialRepository - работа с таблицей exchange_credentials.
// Хранит только шифротекст: plaintext ключей в БД не попадает.
type CredentialRepository struct {
	db *sql.DB
}

// NewCredentialRepository создает новый экземпляр репозитория
func NewCredentialRepository(db *sql.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// Upsert вставляет или перезаписывает запись ключей биржи.
// created_at сохраняется от первой вставки, updated_at обновляется всегда.
func (r *CredentialRepository) Upsert(ctx context.Context, record *models.CredentialRecord) error {
	now := time.Now().UTC()

	query := `
		INSERT INTO exchange_credentials (exchange, ciphertext, testnet, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (exchange) DO UPDATE
		SET ciphertext = EXCLUDED.ciphertext, testnet = EXCLUDED.testnet, updated_at = EXCLUDED.updated_at
		RETURNING created_at, updated_at`

	err := r.db.QueryRowContext(ctx, query,
		record.Exchange,
		record.Ciphertext,
		record.Testnet,
		now,
	).Scan(&record.CreatedAt, &record.UpdatedAt)
	return err
}

// Get возвращает запись ключей биржи
func (r *CredentialRepository) Get(ctx context.Context, exchange string) (*models.CredentialRecord, error) {
	query := `
		SELECT ` + credentialColumns + `
		FROM exchange_credentials
		WHERE exchange = $1`

	record := &models.CredentialRecord{}
	err := r.db.QueryRowContext(ctx, query, exchange).Scan(
		&record.Exchange,
		&record.Ciphertext,
		&record.Testnet,
		&record.CreatedAt,
		&record.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCredentialNotFound
		}
		return nil, err
	}

	return record, nil
}

// List возвращает записи всех бирж в алфавитном порядке
func (r *CredentialRepository) List(ctx context.Context) ([]*models.CredentialRecord, error) {
	query := `
		SELECT ` + credentialColumns + `
		FROM exchange_credentials
		ORDER BY exchange ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.CredentialRecord
	for rows.Next() {
		record := &models.CredentialRecord{}
		err := rows.Scan(
			&record.Exchange,
			&record.Ciphertext,
			&record.Testnet,
			&record.CreatedAt,
			&record.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return records, nil
}

// Delete удаляет запись ключей биржи
func (r *CredentialRepository) Delete(ctx context.Context, exchange string) error {
	query := `DELETE FROM exchange_credentials WHERE exchange = $1`

	result, err := r.db.ExecContext(ctx, query, exchange)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrCredentialNotFound
	}

	return nil
}

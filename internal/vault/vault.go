// Package vault хранит биржевые API ключи: шифрование AES-256-GCM,
// маскированные статусы наружу, plaintext только для исполнителя ордеров.
package vault

import (
	"context"
	"errors"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"fundingarb/internal/models"
	"fundingarb/internal/repository"
	"fundingarb/pkg/crypto"
	"fundingarb/pkg/fault"
)

var vaultJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// SupportedExchanges - биржи, для которых принимаются ключи
var SupportedExchanges = []string{"binance", "bitget", "bybit", "gateio", "okx"}

// IsSupported проверяет, что биржа входит в поддерживаемый набор
func IsSupported(exchange string) bool {
	for _, e := range SupportedExchanges {
		if e == exchange {
			return true
		}
	}
	return false
}

// Store - персистентный слой хранилища ключей
type Store interface {
	Get(ctx context.Context, exchange string) (*models.CredentialRecord, error)
	List(ctx context.Context) ([]*models.CredentialRecord, error)
	Upsert(ctx context.Context, record *models.CredentialRecord) error
	Delete(ctx context.Context, exchange string) error
}

// credentialPayload - секретные поля, попадающие в шифротекст.
// testnet хранится открытой колонкой, чтобы статусы не требовали расшифровки.
type credentialPayload struct {
	APIKey     string `json:"api_key"`
	APISecret  string `json:"api_secret"`
	Passphrase string `json:"passphrase,omitempty"`
}

// CredentialVault шифрует и выдает биржевые ключи.
//
// Мастер-ключ живет только в памяти процесса. Без настроенного ключа
// хранилище работает в ограниченном режиме: статусы отдаются
// (configured без маски), запись и расшифровка запрещены.
type CredentialVault struct {
	store Store
	key   []byte // nil = ключ шифрования не настроен
	log   *zap.Logger
}

// New создает хранилище. Пустой секрет допустим и означает
// ограниченный режим без записи.
func New(store Store, encryptionSecret string, log *zap.Logger) (*CredentialVault, error) {
	v := &CredentialVault{store: store, log: log}

	if strings.TrimSpace(encryptionSecret) == "" {
		log.Warn("credential encryption key is not configured, credential writes are disabled")
		return v, nil
	}

	key, err := crypto.KeyFromSecret(encryptionSecret)
	if err != nil {
		return nil, err
	}
	v.key = key
	return v, nil
}

// WriteEnabled сообщает, настроен ли мастер-ключ
func (v *CredentialVault) WriteEnabled() bool {
	return v.key != nil
}

// Put шифрует и сохраняет ключи биржи, возвращает маскированный статус
func (v *CredentialVault) Put(ctx context.Context, exchange string, cred models.Credential) (*models.CredentialStatus, error) {
	if !IsSupported(exchange) {
		return nil, fault.Newf(fault.KindValidation, "unsupported exchange: %s", exchange)
	}
	if strings.TrimSpace(cred.APIKey) == "" || strings.TrimSpace(cred.APISecret) == "" {
		return nil, fault.New(fault.KindValidation, "api_key and api_secret are required")
	}
	if v.key == nil {
		return nil, fault.New(fault.KindAuth, "credential encryption key is not configured")
	}

	payload, err := vaultJSON.Marshal(credentialPayload{
		APIKey:     cred.APIKey,
		APISecret:  cred.APISecret,
		Passphrase: cred.Passphrase,
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "failed to encode credential payload", err)
	}

	ciphertext, err := crypto.Encrypt(string(payload), v.key)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "failed to encrypt credential", err)
	}

	record := &models.CredentialRecord{
		Exchange:   exchange,
		Ciphertext: ciphertext,
		Testnet:    cred.Testnet,
	}
	if err := v.store.Upsert(ctx, record); err != nil {
		return nil, err
	}

	v.log.Info("exchange credential stored",
		zap.String("exchange", exchange),
		zap.Bool("testnet", cred.Testnet))

	masked := MaskAPIKey(cred.APIKey)
	return &models.CredentialStatus{
		Exchange:     exchange,
		Configured:   true,
		APIKeyMasked: &masked,
		Testnet:      &record.Testnet,
		UpdatedAt:    &record.UpdatedAt,
	}, nil
}

// GetStatuses возвращает маскированный статус всех поддерживаемых бирж,
// включая ненастроенные, в алфавитном порядке.
//
// Запись, которую не удается расшифровать (сменился мастер-ключ),
// остается configured=true с пустой маской.
func (v *CredentialVault) GetStatuses(ctx context.Context) ([]models.CredentialStatus, error) {
	records, err := v.store.List(ctx)
	if err != nil {
		return nil, err
	}

	byExchange := make(map[string]*models.CredentialRecord, len(records))
	for _, rec := range records {
		byExchange[rec.Exchange] = rec
	}

	statuses := make([]models.CredentialStatus, 0, len(SupportedExchanges))
	for _, exchange := range SupportedExchanges {
		rec, ok := byExchange[exchange]
		if !ok {
			statuses = append(statuses, models.CredentialStatus{Exchange: exchange})
			continue
		}

		status := models.CredentialStatus{
			Exchange:   exchange,
			Configured: true,
			Testnet:    &rec.Testnet,
			UpdatedAt:  &rec.UpdatedAt,
		}
		if payload, err := v.decryptPayload(rec.Ciphertext); err == nil {
			masked := MaskAPIKey(payload.APIKey)
			status.APIKeyMasked = &masked
		} else {
			v.log.Warn("stored credential cannot be decrypted",
				zap.String("exchange", exchange), zap.Error(err))
		}
		statuses = append(statuses, status)
	}

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Exchange < statuses[j].Exchange })
	return statuses, nil
}

// GetPlaintext возвращает расшифрованные ключи биржи.
// Единственный потребитель - исполнитель ордеров; наружу plaintext не отдается.
func (v *CredentialVault) GetPlaintext(ctx context.Context, exchange string) (*models.Credential, error) {
	if !IsSupported(exchange) {
		return nil, fault.Newf(fault.KindValidation, "unsupported exchange: %s", exchange)
	}

	rec, err := v.store.Get(ctx, exchange)
	if err != nil {
		if errors.Is(err, repository.ErrCredentialNotFound) {
			return nil, fault.Newf(fault.KindAuth, "no credentials configured for %s", exchange)
		}
		return nil, err
	}

	payload, err := v.decryptPayload(rec.Ciphertext)
	if err != nil {
		return nil, fault.Wrap(fault.KindAuth, "stored credential cannot be decrypted", err)
	}

	return &models.Credential{
		Exchange:   exchange,
		APIKey:     payload.APIKey,
		APISecret:  payload.APISecret,
		Passphrase: payload.Passphrase,
		Testnet:    rec.Testnet,
	}, nil
}

// Delete удаляет ключи биржи. Отсутствующая запись отдается
// как repository.ErrCredentialNotFound.
func (v *CredentialVault) Delete(ctx context.Context, exchange string) error {
	if !IsSupported(exchange) {
		return fault.Newf(fault.KindValidation, "unsupported exchange: %s", exchange)
	}

	if err := v.store.Delete(ctx, exchange); err != nil {
		return err
	}

	v.log.Info("exchange credential removed", zap.String("exchange", exchange))
	return nil
}

func (v *CredentialVault) decryptPayload(ciphertext string) (*credentialPayload, error) {
	if v.key == nil {
		return nil, fault.New(fault.KindAuth, "credential encryption key is not configured")
	}

	plaintext, err := crypto.Decrypt(ciphertext, v.key)
	if err != nil {
		return nil, err
	}

	payload := &credentialPayload{}
	if err := vaultJSON.Unmarshal([]byte(plaintext), payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// MaskAPIKey возвращает маскированную форму API ключа: первые и последние
// четыре символа для ключей длиннее восьми символов, короткая форма
// для остальных.
func MaskAPIKey(key string) string {
	key = strings.TrimSpace(key)
	switch {
	case key == "":
		return "-"
	case len(key) > 8:
		return key[:4] + "***" + key[len(key)-4:]
	case len(key) >= 2:
		return key[:2] + "***"
	default:
		return key + "***"
	}
}

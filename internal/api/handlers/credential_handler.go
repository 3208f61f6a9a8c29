package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"fundingarb/internal/models"
	"fundingarb/internal/repository"
)

// CredentialStore управляет зашифрованными биржевыми ключами
type CredentialStore interface {
	GetStatuses(ctx context.Context) ([]models.CredentialStatus, error)
	Put(ctx context.Context, exchange string, cred models.Credential) (*models.CredentialStatus, error)
	Delete(ctx context.Context, exchange string) error
}

// CredentialHandler обрабатывает управление биржевыми ключами.
//
// Endpoints:
// - GET /api/credentials - маскированные статусы всех бирж
// - PUT /api/credentials/{exchange} - сохранение ключей
// - DELETE /api/credentials/{exchange} - удаление ключей
//
// Открытый текст ключей наружу не отдается никогда.
type CredentialHandler struct {
	vault CredentialStore
	log   *zap.Logger
}

// NewCredentialHandler создает новый CredentialHandler
func NewCredentialHandler(vault CredentialStore, log *zap.Logger) *CredentialHandler {
	return &CredentialHandler{vault: vault, log: log}
}

// credentialBody - тело PUT запроса. models.Credential не годится:
// его плоские поля закрыты от JSON.
type credentialBody struct {
	APIKey     string `json:"api_key"`
	APISecret  string `json:"api_secret"`
	Passphrase string `json:"passphrase"`
	Testnet    bool   `json:"testnet"`
}

type credentialListResponse struct {
	Items []models.CredentialStatus `json:"items"`
}

type credentialDeleteResponse struct {
	Exchange string `json:"exchange"`
	Deleted  bool   `json:"deleted"`
}

// GetCredentials возвращает маскированный статус каждой поддерживаемой биржи
// GET /api/credentials
func (h *CredentialHandler) GetCredentials(w http.ResponseWriter, r *http.Request) {
	items, err := h.vault.GetStatuses(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []models.CredentialStatus{}
	}
	writeJSON(w, http.StatusOK, credentialListResponse{Items: items})
}

// PutCredential сохраняет ключи биржи и возвращает маскированный статус
// PUT /api/credentials/{exchange}
func (h *CredentialHandler) PutCredential(w http.ResponseWriter, r *http.Request) {
	exchange := mux.Vars(r)["exchange"]

	var body credentialBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	status, err := h.vault.Put(r.Context(), exchange, models.Credential{
		Exchange:   exchange,
		APIKey:     strings.TrimSpace(body.APIKey),
		APISecret:  strings.TrimSpace(body.APISecret),
		Passphrase: strings.TrimSpace(body.Passphrase),
		Testnet:    body.Testnet,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// DeleteCredential удаляет ключи биржи. Повторное удаление не ошибка:
// deleted=false сообщает, что записи уже не было.
// DELETE /api/credentials/{exchange}
func (h *CredentialHandler) DeleteCredential(w http.ResponseWriter, r *http.Request) {
	exchange := mux.Vars(r)["exchange"]

	deleted := true
	if err := h.vault.Delete(r.Context(), exchange); err != nil {
		if !errors.Is(err, repository.ErrCredentialNotFound) {
			writeError(w, err)
			return
		}
		deleted = false
	}
	writeJSON(w, http.StatusOK, credentialDeleteResponse{Exchange: exchange, Deleted: deleted})
}

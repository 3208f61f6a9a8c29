package models

import "time"

// Credential представляет расшифрованные API ключи биржи.
// Существует только в памяти процесса, наружу не сериализуется.
type Credential struct {
	Exchange   string `json:"exchange"`
	APIKey     string `json:"-"` // не возвращается в JSON
	APISecret  string `json:"-"`
	Passphrase string `json:"-"` // для OKX и Bitget
	Testnet    bool   `json:"testnet"`
}

// CredentialRecord представляет зашифрованную запись в БД
type CredentialRecord struct {
	Exchange   string    `json:"exchange" db:"exchange"`
	Ciphertext string    `json:"-" db:"ciphertext"` // AES-GCM, base64
	Testnet    bool      `json:"testnet" db:"testnet"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// CredentialStatus представляет маскированный статус ключей для API
type CredentialStatus struct {
	Exchange     string     `json:"exchange"`
	Configured   bool       `json:"configured"`
	APIKeyMasked *string    `json:"api_key_masked"` // null если ключи не расшифровываются
	Testnet      *bool      `json:"testnet"`
	UpdatedAt    *time.Time `json:"updated_at"`
}

package crypto

import (
	"encoding/base64"
	"strings"
	"testing"
)

// TestEncryptDecrypt проверяет базовый цикл шифрования/расшифровки
func TestEncryptDecrypt(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	tests := []struct {
		name      string
		plaintext string
	}{
		{"empty string", ""},
		{"simple text", "Hello, World!"},
		{"api key example", "abc123def456ghi789"},
		{"unicode text", "Привет мир 你好世界"},
		{"special chars", "!@#$%^&*()_+-=[]{}|;':\",./<>?"},
		{"long text", strings.Repeat("a", 1000)},
		{"json data", `{"api_key": "secret", "api_secret": "very_secret"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encrypted, err := Encrypt(tt.plaintext, key)
			if err != nil {
				t.Fatalf("Encrypt failed: %v", err)
			}

			// Проверяем что результат - валидный base64
			_, err = base64.StdEncoding.DecodeString(encrypted)
			if err != nil {
				t.Errorf("Encrypted result is not valid base64: %v", err)
			}

			// Проверяем что зашифрованный текст отличается от оригинала
			if encrypted == tt.plaintext && tt.plaintext != "" {
				t.Error("Encrypted text should not equal plaintext")
			}

			decrypted, err := Decrypt(encrypted, key)
			if err != nil {
				t.Fatalf("Decrypt failed: %v", err)
			}

			if decrypted != tt.plaintext {
				t.Errorf("Decrypted text mismatch: got %q, want %q", decrypted, tt.plaintext)
			}
		})
	}
}

// TestEncryptDifferentResults проверяет что каждое шифрование даёт разный результат (разный nonce)
func TestEncryptDifferentResults(t *testing.T) {
	key, _ := GenerateKey()
	plaintext := "same text"

	encrypted1, _ := Encrypt(plaintext, key)
	encrypted2, _ := Encrypt(plaintext, key)

	if encrypted1 == encrypted2 {
		t.Error("Two encryptions of the same text should produce different ciphertexts")
	}

	// Оба должны расшифровываться корректно
	decrypted1, _ := Decrypt(encrypted1, key)
	decrypted2, _ := Decrypt(encrypted2, key)

	if decrypted1 != plaintext || decrypted2 != plaintext {
		t.Error("Both ciphertexts should decrypt to the same plaintext")
	}
}

// TestEncryptInvalidKeyLength проверяет ошибку при неправильной длине ключа
func TestEncryptInvalidKeyLength(t *testing.T) {
	tests := []struct {
		name    string
		keyLen  int
		wantErr error
	}{
		{"too short - 16 bytes", 16, ErrInvalidKeyLength},
		{"too short - 31 bytes", 31, ErrInvalidKeyLength},
		{"too long - 33 bytes", 33, ErrInvalidKeyLength},
		{"too long - 64 bytes", 64, ErrInvalidKeyLength},
		{"empty key", 0, ErrInvalidKeyLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := make([]byte, tt.keyLen)
			_, err := Encrypt("test", key)
			if err != tt.wantErr {
				t.Errorf("Encrypt with %d byte key: got error %v, want %v", tt.keyLen, err, tt.wantErr)
			}
		})
	}
}

// TestDecryptInvalidKeyLength проверяет ошибку расшифровки при неправильном ключе
func TestDecryptInvalidKeyLength(t *testing.T) {
	// Сначала создадим валидный шифротекст
	validKey, _ := GenerateKey()
	encrypted, _ := Encrypt("test", validKey)

	tests := []struct {
		name    string
		keyLen  int
		wantErr error
	}{
		{"too short", 16, ErrInvalidKeyLength},
		{"too long", 64, ErrInvalidKeyLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := make([]byte, tt.keyLen)
			_, err := Decrypt(encrypted, key)
			if err != tt.wantErr {
				t.Errorf("Decrypt with %d byte key: got error %v, want %v", tt.keyLen, err, tt.wantErr)
			}
		})
	}
}

// TestDecryptWrongKey проверяет что расшифровка с неправильным ключом возвращает ошибку
func TestDecryptWrongKey(t *testing.T) {
	key1, _ := GenerateKey()
	key2, _ := GenerateKey()

	encrypted, _ := Encrypt("secret data", key1)

	_, err := Decrypt(encrypted, key2)
	if err != ErrDecryptionFailed {
		t.Errorf("Decrypt with wrong key: got error %v, want %v", err, ErrDecryptionFailed)
	}
}

// TestDecryptInvalidBase64 проверяет обработку невалидного base64
func TestDecryptInvalidBase64(t *testing.T) {
	key, _ := GenerateKey()

	tests := []struct {
		name       string
		ciphertext string
		wantErr    error
	}{
		{"not base64", "not-valid-base64!!!", ErrInvalidCiphertext},
		{"truncated base64", "YWJj", ErrCiphertextTooShort}, // слишком короткий после декодирования
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decrypt(tt.ciphertext, key)
			if err != tt.wantErr {
				t.Errorf("Decrypt(%q): got error %v, want %v", tt.ciphertext, err, tt.wantErr)
			}
		})
	}
}

// TestDecryptTamperedCiphertext проверяет обнаружение изменённого шифротекста
func TestDecryptTamperedCiphertext(t *testing.T) {
	key, _ := GenerateKey()
	encrypted, _ := Encrypt("original data", key)

	// Декодируем, меняем байт, кодируем обратно
	decoded, _ := base64.StdEncoding.DecodeString(encrypted)
	if len(decoded) > 20 {
		decoded[20] ^= 0xFF // Инвертируем байт
	}
	tampered := base64.StdEncoding.EncodeToString(decoded)

	_, err := Decrypt(tampered, key)
	if err != ErrDecryptionFailed {
		t.Errorf("Decrypt tampered ciphertext: got error %v, want %v", err, ErrDecryptionFailed)
	}
}

// TestGenerateKey проверяет генерацию ключей
func TestGenerateKey(t *testing.T) {
	key1, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	if len(key1) != 32 {
		t.Errorf("GenerateKey: got %d bytes, want 32", len(key1))
	}

	// Генерируем второй ключ и проверяем что они разные
	key2, _ := GenerateKey()
	if string(key1) == string(key2) {
		t.Error("Two generated keys should be different")
	}
}

// TestValidateKey проверяет валидацию длины ключа
func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		keyLen  int
		wantErr error
	}{
		{"valid 32 bytes", 32, nil},
		{"too short", 16, ErrInvalidKeyLength},
		{"too long", 64, ErrInvalidKeyLength},
		{"empty", 0, ErrInvalidKeyLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := make([]byte, tt.keyLen)
			err := ValidateKey(key)
			if err != tt.wantErr {
				t.Errorf("ValidateKey(%d bytes): got error %v, want %v", tt.keyLen, err, tt.wantErr)
			}
		})
	}
}

// TestKeyFromSecretBase64 проверяет прямое использование base64-ключа
func TestKeyFromSecretBase64(t *testing.T) {
	raw, _ := GenerateKey()

	tests := []struct {
		name   string
		secret string
	}{
		{"std encoding", base64.StdEncoding.EncodeToString(raw)},
		{"url-safe encoding", base64.URLEncoding.EncodeToString(raw)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := KeyFromSecret(tt.secret)
			if err != nil {
				t.Fatalf("KeyFromSecret failed: %v", err)
			}
			if string(key) != string(raw) {
				t.Error("base64 секрет из 32 байт должен использоваться напрямую")
			}
		})
	}
}

// TestKeyFromSecretPassphrase проверяет деривацию из парольной фразы
func TestKeyFromSecretPassphrase(t *testing.T) {
	key1, err := KeyFromSecret("correct horse battery staple")
	if err != nil {
		t.Fatalf("KeyFromSecret failed: %v", err)
	}
	if len(key1) != 32 {
		t.Fatalf("производный ключ: got %d bytes, want 32", len(key1))
	}

	// Деривация детерминирована
	key2, _ := KeyFromSecret("correct horse battery staple")
	if string(key1) != string(key2) {
		t.Error("одна и та же фраза должна давать один и тот же ключ")
	}

	// Другая фраза дает другой ключ
	key3, _ := KeyFromSecret("another passphrase")
	if string(key1) == string(key3) {
		t.Error("разные фразы должны давать разные ключи")
	}
}

// TestKeyFromSecretEmpty проверяет ошибку на пустом секрете
func TestKeyFromSecretEmpty(t *testing.T) {
	if _, err := KeyFromSecret(""); err != ErrEmptySecret {
		t.Errorf("KeyFromSecret(\"\"): got error %v, want %v", err, ErrEmptySecret)
	}
}

// TestKeyChangeBreaksOldCiphertext проверяет что смена мастер-ключа
// делает старые записи нерасшифровываемыми
func TestKeyChangeBreaksOldCiphertext(t *testing.T) {
	oldKey, _ := KeyFromSecret("old operator passphrase")
	newKey, _ := KeyFromSecret("new operator passphrase")

	encrypted, err := Encrypt(`{"api_key":"abcd1234efgh5678"}`, oldKey)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	if _, err := Decrypt(encrypted, newKey); err != ErrDecryptionFailed {
		t.Errorf("Decrypt со сменённым ключом: got error %v, want %v", err, ErrDecryptionFailed)
	}
}

// BenchmarkEncrypt измеряет производительность шифрования
func BenchmarkEncrypt(b *testing.B) {
	key, _ := GenerateKey()
	plaintext := "This is a typical API key: abc123def456"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Encrypt(plaintext, key)
	}
}

// BenchmarkDecrypt измеряет производительность расшифровки
func BenchmarkDecrypt(b *testing.B) {
	key, _ := GenerateKey()
	encrypted, _ := Encrypt("This is a typical API key: abc123def456", key)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Decrypt(encrypted, key)
	}
}

// BenchmarkEncryptDecryptCycle измеряет полный цикл
func BenchmarkEncryptDecryptCycle(b *testing.B) {
	key, _ := GenerateKey()
	plaintext := "This is a typical API key: abc123def456"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		encrypted, _ := Encrypt(plaintext, key)
		_, _ = Decrypt(encrypted, key)
	}
}

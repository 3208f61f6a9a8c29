package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Vault     VaultConfig
	Market    MarketConfig
	Execution ExecutionConfig
	Logging   LoggingConfig
}

// ServerConfig - настройки HTTP сервера
type ServerConfig struct {
	Host        string
	Port        int
	CORSOrigins []string
}

// DatabaseConfig - настройки подключения к БД
type DatabaseConfig struct {
	URL string // postgres:// URL или key=value DSN
}

// RedisConfig - настройки опциональной общей кэш-прослойки
type RedisConfig struct {
	URL string // пусто = Redis не используется
}

// VaultConfig - настройки хранилища ключей
type VaultConfig struct {
	// EncryptionKey - секрет мастер-ключа. Пусто = запись ключей отключена.
	EncryptionKey string
}

// MarketConfig - настройки сбора рыночных данных
type MarketConfig struct {
	CacheTTL           time.Duration // TTL локального кэша снимков
	StaleMaxAge        time.Duration // допустимый возраст stale записи сверх TTL
	VenueFetchBudget   time.Duration // бюджет на одну биржу
	TotalFetchBudget   time.Duration // бюджет на весь fan-out
	DataTimeout        time.Duration // таймаут одного запроса данных к бирже
	EnableCCXTLeverage bool          // обогащать снимки max_leverage из ccxt-слоя
	LeverageCacheTTL   time.Duration // TTL кэша плечей
}

// ExecutionConfig - настройки исполнения ордеров
type ExecutionConfig struct {
	OrderTimeout time.Duration // таймаут одного ордерного вызова к бирже
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level  string
	Format string
}

// Load загружает конфигурацию из .env и переменных окружения (префикс FA_)
func Load() (*Config, error) {
	// .env не обязателен, переменные окружения имеют приоритет
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:        getEnv("FA_SERVER_HOST", "0.0.0.0"),
			Port:        getEnvAsInt("FA_SERVER_PORT", 8000),
			CORSOrigins: getEnvAsList("FA_CORS_ORIGINS", "http://localhost:5173,http://127.0.0.1:5173"),
		},
		Database: DatabaseConfig{
			URL: getEnv("FA_DATABASE_URL", ""),
		},
		Redis: RedisConfig{
			URL: getEnv("FA_REDIS_URL", ""),
		},
		Vault: VaultConfig{
			EncryptionKey: getEnv("FA_CREDENTIAL_ENCRYPTION_KEY", ""),
		},
		Market: MarketConfig{
			CacheTTL:           getEnvAsSeconds("FA_MARKET_CACHE_TTL_SECONDS", 300),
			StaleMaxAge:        getEnvAsSeconds("FA_STALE_MAX_AGE_SECONDS", 120),
			VenueFetchBudget:   getEnvAsMillis("FA_VENUE_FETCH_BUDGET_MS", 4000),
			TotalFetchBudget:   getEnvAsMillis("FA_TOTAL_FETCH_BUDGET_MS", 10000),
			DataTimeout:        getEnvAsMillis("FA_DATA_TIMEOUT_MS", 5000),
			EnableCCXTLeverage: getEnvAsBool("FA_ENABLE_CCXT_MARKET_LEVERAGE", true),
			LeverageCacheTTL:   getEnvAsSeconds("FA_LEVERAGE_CACHE_TTL_SECONDS", 3600),
		},
		Execution: ExecutionConfig{
			OrderTimeout: getEnvAsMillis("FA_ORDER_TIMEOUT_MS", 10000),
		},
		Logging: LoggingConfig{
			Level:  getEnv("FA_LOG_LEVEL", "info"),
			Format: getEnv("FA_LOG_FORMAT", "json"),
		},
	}

	if err := cfg.validateRequired(); err != nil {
		return nil, err
	}

	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateRequired проверяет обязательные параметры
func (c *Config) validateRequired() error {
	if strings.TrimSpace(c.Database.URL) == "" {
		return fmt.Errorf("FA_DATABASE_URL is required")
	}

	// Ключ шифрования опционален, но если задан, не должен быть пробельным мусором
	if c.Vault.EncryptionKey != "" && strings.TrimSpace(c.Vault.EncryptionKey) == "" {
		return fmt.Errorf("FA_CREDENTIAL_ENCRYPTION_KEY is set but blank")
	}

	return nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("FA_SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Market.CacheTTL <= 0 {
		return fmt.Errorf("FA_MARKET_CACHE_TTL_SECONDS must be positive, got %v", c.Market.CacheTTL)
	}

	if c.Market.StaleMaxAge <= 0 {
		return fmt.Errorf("FA_STALE_MAX_AGE_SECONDS must be positive, got %v", c.Market.StaleMaxAge)
	}

	if c.Market.VenueFetchBudget <= 0 {
		return fmt.Errorf("FA_VENUE_FETCH_BUDGET_MS must be positive, got %v", c.Market.VenueFetchBudget)
	}

	if c.Market.TotalFetchBudget <= 0 {
		return fmt.Errorf("FA_TOTAL_FETCH_BUDGET_MS must be positive, got %v", c.Market.TotalFetchBudget)
	}

	if c.Market.TotalFetchBudget < c.Market.VenueFetchBudget {
		return fmt.Errorf("FA_TOTAL_FETCH_BUDGET_MS (%v) must not be less than FA_VENUE_FETCH_BUDGET_MS (%v)",
			c.Market.TotalFetchBudget, c.Market.VenueFetchBudget)
	}

	if c.Market.DataTimeout <= 0 {
		return fmt.Errorf("FA_DATA_TIMEOUT_MS must be positive, got %v", c.Market.DataTimeout)
	}

	if c.Execution.OrderTimeout <= 0 {
		return fmt.Errorf("FA_ORDER_TIMEOUT_MS must be positive, got %v", c.Execution.OrderTimeout)
	}

	return nil
}

// CredentialWriteEnabled сообщает, можно ли сохранять биржевые ключи
func (c *Config) CredentialWriteEnabled() bool {
	return strings.TrimSpace(c.Vault.EncryptionKey) != ""
}

// RedactedURL возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) RedactedURL() string {
	u, err := url.Parse(d.URL)
	if err != nil || u.Scheme == "" {
		return "<dsn>"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsSeconds(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultValue)) * time.Second
}

func getEnvAsMillis(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultValue)) * time.Millisecond
}

func getEnvAsList(key, defaultValue string) []string {
	raw := getEnv(key, defaultValue)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

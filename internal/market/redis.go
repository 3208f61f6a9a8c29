package market

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"fundingarb/internal/models"
)

// redisKey - общий hash снимков, поле на биржу
const redisKey = "fa:market:snapshots:v1"

var redisJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// redisPayload - сериализованное значение поля hash
type redisPayload struct {
	FetchedAt time.Time                `json:"fetched_at"`
	Snapshots []models.FundingSnapshot `json:"snapshots"`
}

// RedisTier - опциональная общая прослойка кэша снимков между процессами.
// Любая ошибка Redis деградирует молча: прослойка ускоряет, но не обязана.
type RedisTier struct {
	client   redis.UniversalClient
	ttl      time.Duration
	staleMax time.Duration
	log      *zap.Logger
}

// NewRedisTier создает прослойку по FA_REDIS_URL. Пустой URL - прослойки нет.
func NewRedisTier(rawURL string, ttl, staleMax time.Duration, log *zap.Logger) (*RedisTier, error) {
	if rawURL == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}

	return &RedisTier{
		client:   redis.NewClient(opts),
		ttl:      ttl,
		staleMax: staleMax,
		log:      log,
	}, nil
}

// newRedisTierWithClient для тестов с redismock
func newRedisTierWithClient(client redis.UniversalClient, ttl, staleMax time.Duration, log *zap.Logger) *RedisTier {
	return &RedisTier{client: client, ttl: ttl, staleMax: staleMax, log: log}
}

// Load возвращает снимки биржи из общего кэша и время их получения.
// Возвращает false при промахе, ошибке или нечитаемом значении.
func (r *RedisTier) Load(ctx context.Context, exchange string) ([]models.FundingSnapshot, time.Time, bool) {
	raw, err := r.client.HGet(ctx, redisKey, exchange).Result()
	if err != nil {
		if err != redis.Nil {
			r.log.Debug("redis hget failed", zap.String("exchange", exchange), zap.Error(err))
		}
		return nil, time.Time{}, false
	}

	var payload redisPayload
	if err := redisJSON.UnmarshalFromString(raw, &payload); err != nil {
		r.log.Debug("redis payload unmarshal failed", zap.String("exchange", exchange), zap.Error(err))
		return nil, time.Time{}, false
	}
	if len(payload.Snapshots) == 0 {
		return nil, time.Time{}, false
	}

	return payload.Snapshots, payload.FetchedAt, true
}

// Store сохраняет снимки биржи в общий кэш. Ошибки только логируются.
func (r *RedisTier) Store(ctx context.Context, exchange string, snaps []models.FundingSnapshot, fetchedAt time.Time) {
	if len(snaps) == 0 {
		return
	}

	raw, err := redisJSON.MarshalToString(redisPayload{FetchedAt: fetchedAt, Snapshots: snaps})
	if err != nil {
		r.log.Debug("redis payload marshal failed", zap.String("exchange", exchange), zap.Error(err))
		return
	}

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, redisKey, exchange, raw)
	pipe.Expire(ctx, redisKey, r.ttl+r.staleMax)
	if _, err := pipe.Exec(ctx); err != nil {
		r.log.Debug("redis store failed", zap.String("exchange", exchange), zap.Error(err))
	}
}

// Close закрывает соединение с Redis
func (r *RedisTier) Close() error {
	return r.client.Close()
}

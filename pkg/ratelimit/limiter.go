package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RateLimiter - Token Bucket rate limiter для контроля частоты запросов к API бирж
//
// Алгоритм Token Bucket:
// - Ведро наполняется токенами с постоянной скоростью (rate токенов/сек)
// - Максимальная ёмкость ведра = burst (позволяет короткие всплески)
// - Каждый запрос потребляет 1 токен
// - Если токенов нет, запрос ждёт или отклоняется
//
// Преимущества:
// - Позволяет burst запросов (важно для параллельных ног ордера)
// - Сглаживает нагрузку при постоянном потоке
// - Защищает от превышения лимитов биржи
//
// Использование:
//
//	limiter := NewRateLimiter(10, 20) // 10 req/sec, burst 20
//	err := limiter.Wait(ctx)          // блокирующее ожидание
//	if limiter.Allow() { ... }        // неблокирующая проверка
type RateLimiter struct {
	rate       float64   // токенов в секунду
	burst      float64   // максимальная ёмкость (burst capacity)
	tokens     float64   // текущее количество токенов
	lastRefill time.Time // время последнего пополнения
	mu         sync.Mutex
}

// NewRateLimiter создаёт новый rate limiter
//
// Параметры:
//   - rate: количество запросов в секунду (например, 10 для 10 req/sec)
//   - burst: максимальный burst (обычно 1.5-2x от rate)
func NewRateLimiter(rate, burst float64) *RateLimiter {
	if rate <= 0 {
		rate = 10 // дефолт 10 req/sec
	}
	if burst <= 0 {
		burst = rate * 2 // дефолт burst = 2x rate
	}
	if burst < rate {
		burst = rate
	}

	return &RateLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     burst, // начинаем с полным ведром
		lastRefill: time.Now(),
	}
}

// ForVenue возвращает limiter с консервативным лимитом публичного API биржи
//
// Лимиты:
//   - binance: 20 req/sec (burst 40)
//   - okx:     20 req/sec (burst 40)
//   - bybit:   10 req/sec (burst 20)
//   - bitget:  10 req/sec (burst 20)
//   - gateio:  10 req/sec (burst 20)
func ForVenue(name string) *RateLimiter {
	switch name {
	case "binance", "okx":
		return NewRateLimiter(20, 40)
	default:
		return NewRateLimiter(10, 20)
	}
}

// refill пополняет токены на основе прошедшего времени
// ВАЖНО: вызывается под lock'ом
func (rl *RateLimiter) refill() {
	now := time.Now()
	elapsed := now.Sub(rl.lastRefill).Seconds()

	// Добавляем токены пропорционально прошедшему времени
	rl.tokens += elapsed * rl.rate

	// Не превышаем burst capacity
	if rl.tokens > rl.burst {
		rl.tokens = rl.burst
	}

	rl.lastRefill = now
}

// Wait блокирует до получения токена или отмены контекста
//
// Возвращает:
//   - nil: токен получен, можно выполнять запрос
//   - ctx.Err(): контекст отменён (timeout или cancel)
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		rl.refill()

		if rl.tokens >= 1 {
			rl.tokens--
			rl.mu.Unlock()
			return nil
		}

		// Вычисляем время ожидания до следующего токена
		waitTime := time.Duration((1 - rl.tokens) / rl.rate * float64(time.Second))
		rl.mu.Unlock()

		// Ждём с возможностью отмены
		select {
		case <-time.After(waitTime):
			// Повторяем попытку получить токен
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Allow проверяет доступность токена без блокировки
//
// Возвращает:
//   - true: токен получен, можно выполнять запрос
//   - false: нет токенов, запрос нужно отложить
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()

	if rl.tokens >= 1 {
		rl.tokens--
		return true
	}

	return false
}

// Tokens возвращает текущее количество доступных токенов
// Полезно для мониторинга и отладки
func (rl *RateLimiter) Tokens() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.refill()
	return rl.tokens
}

// Rate возвращает скорость пополнения токенов (токенов/сек)
func (rl *RateLimiter) Rate() float64 {
	return rl.rate
}

// Burst возвращает максимальную ёмкость (burst capacity)
func (rl *RateLimiter) Burst() float64 {
	return rl.burst
}

package exchange

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"
)

// HTTPClientConfig содержит настройки HTTP клиента для биржевых API
type HTTPClientConfig struct {
	// Таймауты соединения
	ConnectTimeout time.Duration // таймаут установки TCP соединения (default: 3s)
	ReadTimeout    time.Duration // таймаут чтения заголовков ответа (default: 10s)
	TotalTimeout   time.Duration // общий таймаут операции (default: 15s)

	// Connection pooling
	MaxIdleConns        int           // максимум idle соединений (default: 100)
	MaxIdleConnsPerHost int           // максимум idle соединений на хост (default: 10)
	MaxConnsPerHost     int           // максимум соединений на хост (default: 20)
	IdleConnTimeout     time.Duration // таймаут простоя соединения (default: 90s)

	// TLS
	TLSHandshakeTimeout time.Duration // таймаут TLS handshake (default: 5s)

	// Keep-Alive
	KeepAliveInterval time.Duration // интервал Keep-Alive (default: 30s)
}

// DefaultHTTPClientConfig возвращает конфигурацию по умолчанию.
// Общий таймаут клиента выше бюджетов провайдера: контекст запроса
// отсекает медленную биржу раньше, клиент лишь страхует от зависания.
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		ConnectTimeout: 3 * time.Second,
		ReadTimeout:    10 * time.Second,
		TotalTimeout:   15 * time.Second,

		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout: 5 * time.Second,

		KeepAliveInterval: 30 * time.Second,
	}
}

// HTTPClient представляет HTTP клиент с connection pooling для биржевых API.
// Один пул соединений разделяется всеми адаптерами процесса.
type HTTPClient struct {
	client *http.Client
	config HTTPClientConfig
}

// globalClient - глобальный HTTP клиент для переиспользования соединений
var (
	globalClient     *HTTPClient
	globalClientOnce sync.Once
)

// GetGlobalHTTPClient возвращает глобальный HTTP клиент с настройками по умолчанию
func GetGlobalHTTPClient() *HTTPClient {
	globalClientOnce.Do(func() {
		globalClient = NewHTTPClient(DefaultHTTPClientConfig())
	})
	return globalClient
}

// NewHTTPClient создаёт новый HTTP клиент с заданной конфигурацией
func NewHTTPClient(config HTTPClientConfig) *HTTPClient {
	dialer := &net.Dialer{
		Timeout:   config.ConnectTimeout,
		KeepAlive: config.KeepAliveInterval,
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			// Дедлайн контекста короче таймаута соединения - уважаем его
			if deadline, ok := ctx.Deadline(); ok {
				timeout := time.Until(deadline)
				if timeout < config.ConnectTimeout {
					tightDialer := &net.Dialer{
						Timeout:   timeout,
						KeepAlive: config.KeepAliveInterval,
					}
					return tightDialer.DialContext(ctx, network, addr)
				}
			}
			return dialer.DialContext(ctx, network, addr)
		},

		MaxIdleConns:        config.MaxIdleConns,
		MaxIdleConnsPerHost: config.MaxIdleConnsPerHost,
		MaxConnsPerHost:     config.MaxConnsPerHost,
		IdleConnTimeout:     config.IdleConnTimeout,

		TLSHandshakeTimeout: config.TLSHandshakeTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},

		ForceAttemptHTTP2:     true,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: config.ReadTimeout,
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   config.TotalTimeout,
	}

	return &HTTPClient{
		client: client,
		config: config,
	}
}

// Do выполняет HTTP запрос. Таймауты на уровне запроса задаются контекстом.
func (hc *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	return hc.client.Do(req)
}

// GetClient возвращает базовый http.Client
func (hc *HTTPClient) GetClient() *http.Client {
	return hc.client
}

// Close закрывает все idle соединения.
// Должен вызываться при graceful shutdown.
func (hc *HTTPClient) Close() {
	if transport, ok := hc.client.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}

// CloseGlobalClient закрывает глобальный HTTP клиент.
// Вызывается при graceful shutdown приложения.
func CloseGlobalClient() {
	if globalClient != nil {
		globalClient.Close()
	}
}

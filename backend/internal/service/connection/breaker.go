package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"audit-trail-app/backend/internal/domain/audit"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// BreakerSettings 控制外部连接的熔断：连续失败 FailureThreshold 次后，Timeout 内直接拒绝打开。
type BreakerSettings struct {
	FailureThreshold uint32
	Timeout          time.Duration
}

type opened struct {
	db    *gorm.DB
	close func() error
}

// breakerOpener 为每个连接端点维护一个熔断器，避免外部库宕机时每个请求都去拨号。
type breakerOpener struct {
	next     Opener
	settings BreakerSettings
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[opened]
}

// BreakerOpener 用熔断器包装 next。配置类错误不计入失败次数。
func BreakerOpener(next Opener, settings BreakerSettings, logger *zap.SugaredLogger) Opener {
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = 3
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	b := &breakerOpener{
		next:     next,
		settings: settings,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker[opened]),
	}
	return b.open
}

// endpointKey 包含账号与库名，修改连接配置后使用新的熔断器。
func endpointKey(cfg audit.ConnectionConfig) string {
	return fmt.Sprintf("%s|%s@%s/%s", cfg.Name, cfg.User, cfg.Hostname, cfg.DBName)
}

func (b *breakerOpener) breaker(cfg audit.ConnectionConfig) *gobreaker.CircuitBreaker[opened] {
	key := endpointKey(cfg)
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[key]; ok {
		return cb
	}
	threshold := b.settings.FailureThreshold
	cb := gobreaker.NewCircuitBreaker[opened](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     b.settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var connErr *ConnectionError
			return errors.As(err, &connErr) && connErr.Kind == KindConfiguration
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warnw("connection breaker state changed", "connection", name, "from", from.String(), "to", to.String())
		},
	})
	b.breakers[key] = cb
	return cb
}

func (b *breakerOpener) open(ctx context.Context, cfg audit.ConnectionConfig, password string) (*gorm.DB, func() error, error) {
	res, err := b.breaker(cfg).Execute(func() (opened, error) {
		db, closer, err := b.next(ctx, cfg, password)
		return opened{db: db, close: closer}, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, nil, &ConnectionError{Kind: KindConnectivity, Err: fmt.Errorf("connection %q: %w", cfg.Name, err)}
		}
		return nil, nil, err
	}
	return res.db, res.close, nil
}

package payment

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// CircuitState — состояние circuit breaker-а.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// CircuitBreaker защищает вызовы внешнего шлюза: после серии ошибок
// переходит в open и отклоняет вызовы локально, пока не истечёт resetTimeout.
type CircuitBreaker struct {
	maxFailures  int
	resetTimeout time.Duration

	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	state       CircuitState
	logger      *log.Entry
}

// NewCircuitBreaker создаёт circuit breaker.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration, logger *log.Entry) *CircuitBreaker {
	if logger == nil {
		logger = log.WithField("component", "circuit-breaker")
	}
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        CircuitClosed,
		logger:       logger,
	}
}

// Execute выполняет операцию через circuit breaker.
func (cb *CircuitBreaker) Execute(operation string, fn func() error) error {
	cb.mu.Lock()
	if cb.state == CircuitOpen {
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = CircuitHalfOpen
			cb.logger.WithField("operation", operation).Info("circuit breaker half-open")
		} else {
			cb.mu.Unlock()
			return fmt.Errorf("%w: circuit breaker is open", domain.ErrGatewayUnavailable)
		}
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		// Бизнес-отказ шлюза не говорит о его недоступности.
		if domain.IsBusinessRejection(err) {
			return err
		}
		cb.failures++
		cb.lastFailure = time.Now()
		if cb.state == CircuitHalfOpen || cb.failures >= cb.maxFailures {
			cb.state = CircuitOpen
			cb.logger.WithFields(log.Fields{
				"operation": operation,
				"failures":  cb.failures,
			}).Warn("circuit breaker opened")
		}
		return err
	}

	if cb.state == CircuitHalfOpen {
		cb.state = CircuitClosed
		cb.logger.WithField("operation", operation).Info("circuit breaker closed")
	}
	cb.failures = 0
	return nil
}

// GatewayWithBreaker оборачивает PaymentGateway circuit breaker-ом.
type GatewayWithBreaker struct {
	gateway domain.PaymentGateway
	breaker *CircuitBreaker
}

// NewGatewayWithBreaker создаёт защищённый шлюз.
func NewGatewayWithBreaker(gateway domain.PaymentGateway, breaker *CircuitBreaker) *GatewayWithBreaker {
	return &GatewayWithBreaker{gateway: gateway, breaker: breaker}
}

// Charge проводит списание через circuit breaker.
func (g *GatewayWithBreaker) Charge(ctx context.Context, p domain.Payment) (string, error) {
	var txnID string
	err := g.breaker.Execute("charge", func() error {
		var chargeErr error
		txnID, chargeErr = g.gateway.Charge(ctx, p)
		return chargeErr
	})
	return txnID, err
}

// Refund возвращает средства через circuit breaker.
func (g *GatewayWithBreaker) Refund(ctx context.Context, p domain.Payment, amountMinor int64) (string, error) {
	var txnID string
	err := g.breaker.Execute("refund", func() error {
		var refundErr error
		txnID, refundErr = g.gateway.Refund(ctx, p, amountMinor)
		return refundErr
	})
	return txnID, err
}

var _ domain.PaymentGateway = (*GatewayWithBreaker)(nil)

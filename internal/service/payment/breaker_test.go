package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

func TestCircuitBreakerOpensAfterMaxFailures(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute, nil)
	infraErr := errors.New("connection refused")

	for i := 0; i < 2; i++ {
		err := cb.Execute("charge", func() error { return infraErr })
		require.ErrorIs(t, err, infraErr)
	}

	// Цепь открыта: вызов отклоняется локально, fn не выполняется.
	called := false
	err := cb.Execute("charge", func() error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, domain.ErrGatewayUnavailable)
	require.False(t, called)
}

func TestCircuitBreakerIgnoresBusinessRejections(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute, nil)

	for i := 0; i < 5; i++ {
		err := cb.Execute("charge", func() error { return domain.ErrGatewayDeclined })
		require.ErrorIs(t, err, domain.ErrGatewayDeclined)
	}

	require.NoError(t, cb.Execute("charge", func() error { return nil }))
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond, nil)

	require.Error(t, cb.Execute("charge", func() error { return errors.New("boom") }))
	require.ErrorIs(t, cb.Execute("charge", func() error { return nil }), domain.ErrGatewayUnavailable)

	time.Sleep(20 * time.Millisecond)

	// Half-open: успешный пробный вызов закрывает цепь.
	require.NoError(t, cb.Execute("charge", func() error { return nil }))
	require.NoError(t, cb.Execute("charge", func() error { return nil }))
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(3, 10*time.Millisecond, nil)

	require.Error(t, cb.Execute("charge", func() error { return errors.New("boom") }))
	require.Error(t, cb.Execute("charge", func() error { return errors.New("boom") }))
	require.Error(t, cb.Execute("charge", func() error { return errors.New("boom") }))

	time.Sleep(20 * time.Millisecond)

	// Неудачный пробный вызов немедленно открывает цепь обратно.
	require.Error(t, cb.Execute("charge", func() error { return errors.New("boom") }))
	require.ErrorIs(t, cb.Execute("charge", func() error { return nil }), domain.ErrGatewayUnavailable)
}

func TestGatewayWithBreakerPassesThrough(t *testing.T) {
	gateway := NewMockGateway()
	protected := NewGatewayWithBreaker(gateway, NewCircuitBreaker(3, time.Minute, nil))

	txnID, err := protected.Charge(context.Background(), domain.Payment{ID: "pay-1"})
	require.NoError(t, err)
	require.NotEmpty(t, txnID)

	refundID, err := protected.Refund(context.Background(), domain.Payment{ID: "pay-1"}, 100)
	require.NoError(t, err)
	require.NotEmpty(t, refundID)
}

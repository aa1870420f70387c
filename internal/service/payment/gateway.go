package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// Registry выбирает платёжный шлюз по способу оплаты (паттерн стратегия).
type Registry struct {
	mu       sync.RWMutex
	gateways map[domain.PaymentMethod]domain.PaymentGateway
}

// NewRegistry создаёт пустой реестр шлюзов.
func NewRegistry() *Registry {
	return &Registry{
		gateways: make(map[domain.PaymentMethod]domain.PaymentGateway),
	}
}

// Register привязывает шлюз к способу оплаты.
func (r *Registry) Register(method domain.PaymentMethod, gateway domain.PaymentGateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[method] = gateway
}

// Resolve возвращает шлюз для способа оплаты или ErrUnknownPaymentMethod.
func (r *Registry) Resolve(method domain.PaymentMethod) (domain.PaymentGateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	gateway, ok := r.gateways[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownPaymentMethod, method)
	}
	return gateway, nil
}

// MockGateway — конфигурируемая заглушка PaymentGateway для тестов
// и локальной разработки.
type MockGateway struct {
	mu sync.Mutex

	ChargeErr error
	RefundErr error

	ChargeCalls int
	RefundCalls int
}

// NewMockGateway возвращает mock с успешным сценарием по умолчанию.
func NewMockGateway() *MockGateway {
	return &MockGateway{}
}

// Charge возвращает заранее настроенный результат и считает вызовы.
func (m *MockGateway) Charge(_ context.Context, _ domain.Payment) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ChargeCalls++
	if m.ChargeErr != nil {
		return "", m.ChargeErr
	}
	return "txn-" + uuid.NewString(), nil
}

// Refund возвращает настроенный результат и считает вызовы.
func (m *MockGateway) Refund(_ context.Context, _ domain.Payment, _ int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.RefundCalls++
	if m.RefundErr != nil {
		return "", m.RefundErr
	}
	return "rfn-" + uuid.NewString(), nil
}

var _ domain.PaymentGateway = (*MockGateway)(nil)

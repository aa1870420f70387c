package ops

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

func TestOpsHTTP_OfflineQueue(t *testing.T) {
	f := newOpsFixture(t)
	handler := NewHTTPHandler(f.facade, nil)

	_, err := f.facade.SubmitOfflinePayment("order-1", domain.PaymentMethodCash, "USD", 2500)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/ops/offline-queue", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var stats map[string]int
	require.NoError(t, json.NewDecoder(w.Body).Decode(&stats))
	require.Equal(t, 1, stats["pending"])
	require.Zero(t, stats["failed"])
}

func TestOpsHTTP_OrderTimeline(t *testing.T) {
	f := newOpsFixture(t)
	handler := NewHTTPHandler(f.facade, nil)

	order, err := f.saga.CreateOrder("cust-1", "USD", 0)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/ops/orders/"+order.ID+"/timeline", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var timeline []domain.TimelineEvent
	require.NoError(t, json.NewDecoder(w.Body).Decode(&timeline))
	require.NotEmpty(t, timeline)
}

func TestOpsHTTP_StockLedger(t *testing.T) {
	f := newOpsFixture(t)
	handler := NewHTTPHandler(f.facade, nil)

	require.NoError(t, f.engine.Restock("prod-1", "main", 10, "po-1"))

	req := httptest.NewRequest(http.MethodGet, "/ops/stock/prod-1/ledger?location=main", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var ledger []domain.InventoryTransaction
	require.NoError(t, json.NewDecoder(w.Body).Decode(&ledger))
	require.Len(t, ledger, 1)
	require.Equal(t, domain.TransactionRestock, ledger[0].Type)
}

func TestOpsHTTP_StockLedgerInvalidLimit(t *testing.T) {
	f := newOpsFixture(t)
	handler := NewHTTPHandler(f.facade, nil)

	req := httptest.NewRequest(http.MethodGet, "/ops/stock/prod-1/ledger?limit=ten", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

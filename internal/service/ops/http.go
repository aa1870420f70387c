package ops

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// httpHandler — read-only HTTP-поверхность фасада для дежурных сценариев.
// Монтируется на тот же порт, что и метрики.
type httpHandler struct {
	facade *Facade
	logger *log.Entry
}

// NewHTTPHandler возвращает HTTP-обработчик операционных запросов.
func NewHTTPHandler(facade *Facade, logger *log.Entry) http.Handler {
	if logger == nil {
		logger = log.WithField("component", "ops-http")
	}
	h := &httpHandler{facade: facade, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ops/offline-queue", h.offlineQueue)
	mux.HandleFunc("GET /ops/orders/{id}/timeline", h.orderTimeline)
	mux.HandleFunc("GET /ops/stock/{product}/ledger", h.stockLedger)
	return mux
}

func (h *httpHandler) offlineQueue(w http.ResponseWriter, _ *http.Request) {
	stats, err := h.facade.OfflineQueueStatus()
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, map[string]int{
		"pending":    stats.Pending,
		"processing": stats.Processing,
		"completed":  stats.Completed,
		"failed":     stats.Failed,
	})
}

func (h *httpHandler) orderTimeline(w http.ResponseWriter, r *http.Request) {
	events, err := h.facade.OrderTimeline(r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, events)
}

func (h *httpHandler) stockLedger(w http.ResponseWriter, r *http.Request) {
	location := r.URL.Query().Get("location")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	ledger, err := h.facade.StockLedger(r.PathValue("product"), location, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, ledger)
}

func (h *httpHandler) writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.WithError(err).Warn("failed to encode ops response")
	}
}

func (h *httpHandler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrInventoryNotFound),
		errors.Is(err, domain.ErrPaymentNotFound):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		h.logger.WithError(err).Error("ops request failed")
	}
	http.Error(w, err.Error(), status)
}

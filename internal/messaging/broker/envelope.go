package broker

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Заголовки Kafka-сообщений, используемые клиентом брокера.
const (
	HeaderRoutingKey  = "x-routing-key"
	HeaderOrigin      = "x-origin-service"
	HeaderRedelivered = "x-redelivered"
	HeaderErrorReason = "x-error-message"
	HeaderFailedAt    = "x-failed-at"
)

// Envelope — конверт каждого публикуемого сообщения.
type Envelope struct {
	MessageID     string          `json:"message_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	// Timestamp — unix-секунды момента публикации.
	Timestamp     int64           `json:"timestamp"`
	OriginService string          `json:"origin_service"`
	RoutingKey    string          `json:"routing_key"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope собирает конверт с новым message_id и текущим timestamp.
func NewEnvelope(origin, routingKey, correlationID string, payload json.RawMessage) Envelope {
	return Envelope{
		MessageID:     uuid.NewString(),
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC().Unix(),
		OriginService: origin,
		RoutingKey:    routingKey,
		Payload:       payload,
	}
}

// DecodePayload распаковывает payload конверта в целевую структуру.
func (e Envelope) DecodePayload(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// MatchRoutingKey сопоставляет routing key с паттерном привязки очереди.
// Сегменты разделяются точкой; `*` матчит ровно один сегмент, `#` — ноль и более.
func MatchRoutingKey(pattern, key string) bool {
	if pattern == "" || pattern == "#" {
		return true
	}
	return matchSegments(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchSegments(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}

	switch pattern[0] {
	case "#":
		// `#` поглощает ноль и более сегментов.
		for i := 0; i <= len(key); i++ {
			if matchSegments(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchSegments(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && matchSegments(pattern[1:], key[1:])
	}
}

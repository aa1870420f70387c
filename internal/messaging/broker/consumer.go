package broker

import (
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

// groupHandler обрабатывает сообщения одной очереди (consumer group).
// Политика доставки: ack после успешной обработки; при ошибке сообщение
// один раз возвращается в очередь с пометкой redelivered, при повторной
// ошибке выбрасывается с предупреждением и уходит в dead-letter topic.
type groupHandler struct {
	client  *Client
	binding queueBinding
	handler MessageHandler
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.handleMessage(session, msg)
		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *groupHandler) handleMessage(session sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) {
	logger := h.client.logger.WithFields(log.Fields{
		"queue":     h.binding.Queue,
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})

	routingKey, redelivered := readHeaders(msg)
	if !MatchRoutingKey(h.binding.Pattern, routingKey) {
		// Сообщение топика не адресовано этой очереди.
		session.MarkMessage(msg, "")
		return
	}

	var env Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		logger.WithError(err).Warn("malformed envelope dropped")
		brokerConsumed.WithLabelValues("malformed").Inc()
		h.sendToDLQ(msg, "malformed envelope: "+err.Error())
		session.MarkMessage(msg, "")
		return
	}

	err := h.handler(session.Context(), env)
	if err == nil {
		brokerConsumed.WithLabelValues("ok").Inc()
		session.MarkMessage(msg, "")
		return
	}

	if !redelivered {
		logger.WithError(err).WithField("message_id", env.MessageID).Warn("handler failed, requeueing message")
		brokerConsumed.WithLabelValues("requeued").Inc()
		h.requeue(msg, env)
		session.MarkMessage(msg, "")
		return
	}

	logger.WithError(err).WithField("message_id", env.MessageID).Warn("handler failed twice, message dropped")
	brokerConsumed.WithLabelValues("dropped").Inc()
	h.sendToDLQ(msg, err.Error())
	session.MarkMessage(msg, "")
}

// requeue повторно публикует сообщение в исходный топик с пометкой redelivered.
func (h *groupHandler) requeue(msg *sarama.ConsumerMessage, env Envelope) {
	h.client.mu.Lock()
	producer := h.client.producer
	connected := h.client.connected
	h.client.mu.Unlock()

	if !connected || producer == nil {
		h.client.logger.WithField("message_id", env.MessageID).Error("cannot requeue message, not connected")
		return
	}

	out := &sarama.ProducerMessage{
		Topic:     msg.Topic,
		Key:       sarama.StringEncoder(env.RoutingKey),
		Value:     sarama.ByteEncoder(msg.Value),
		Timestamp: time.Now().UTC(),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderRoutingKey), Value: []byte(env.RoutingKey)},
			{Key: []byte(HeaderOrigin), Value: []byte(env.OriginService)},
			{Key: []byte(HeaderRedelivered), Value: []byte("true")},
		},
	}
	if _, _, err := producer.SendMessage(out); err != nil {
		h.client.logger.WithError(err).WithField("message_id", env.MessageID).Error("requeue failed")
		h.client.reportFailure(err)
	}
}

// sendToDLQ копирует сообщение в dead-letter topic с контекстом ошибки.
func (h *groupHandler) sendToDLQ(msg *sarama.ConsumerMessage, reason string) {
	h.client.mu.Lock()
	producer := h.client.producer
	connected := h.client.connected
	dlqTopic := h.client.dlqTopic
	h.client.mu.Unlock()

	if dlqTopic == "" || !connected || producer == nil {
		return
	}

	headers := make([]sarama.RecordHeader, 0, len(msg.Headers)+2)
	for _, hdr := range msg.Headers {
		headers = append(headers, *hdr)
	}
	headers = append(headers,
		sarama.RecordHeader{Key: []byte(HeaderErrorReason), Value: []byte(reason)},
		sarama.RecordHeader{Key: []byte(HeaderFailedAt), Value: []byte(time.Now().UTC().Format(time.RFC3339))},
	)

	out := &sarama.ProducerMessage{
		Topic:     dlqTopic,
		Key:       sarama.ByteEncoder(msg.Key),
		Value:     sarama.ByteEncoder(msg.Value),
		Timestamp: time.Now().UTC(),
		Headers:   headers,
	}
	if _, _, err := producer.SendMessage(out); err != nil {
		h.client.logger.WithError(err).WithField("topic", msg.Topic).Error("dead-letter publish failed")
	}
}

func readHeaders(msg *sarama.ConsumerMessage) (routingKey string, redelivered bool) {
	for _, hdr := range msg.Headers {
		switch string(hdr.Key) {
		case HeaderRoutingKey:
			routingKey = string(hdr.Value)
		case HeaderRedelivered:
			redelivered = string(hdr.Value) == "true"
		}
	}
	return routingKey, redelivered
}

var _ sarama.ConsumerGroupHandler = (*groupHandler)(nil)

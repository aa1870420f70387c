package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
)

type stubSession struct {
	ctx    context.Context
	marked []*sarama.ConsumerMessage
}

func (s *stubSession) Claims() map[string][]int32 { return nil }
func (s *stubSession) MemberID() string           { return "member-1" }
func (s *stubSession) GenerationID() int32        { return 1 }
func (s *stubSession) MarkOffset(string, int32, int64, string)  {}
func (s *stubSession) Commit()                                  {}
func (s *stubSession) ResetOffset(string, int32, int64, string) {}
func (s *stubSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg)
}
func (s *stubSession) Context() context.Context { return s.ctx }

var _ sarama.ConsumerGroupSession = (*stubSession)(nil)

func consumerMessage(t *testing.T, routingKey string, redelivered bool) *sarama.ConsumerMessage {
	t.Helper()

	env := NewEnvelope("fulfillment-service", routingKey, "", json.RawMessage(`{"order_id":"ord-1"}`))
	value, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	headers := []*sarama.RecordHeader{
		{Key: []byte(HeaderRoutingKey), Value: []byte(routingKey)},
	}
	if redelivered {
		headers = append(headers, &sarama.RecordHeader{Key: []byte(HeaderRedelivered), Value: []byte("true")})
	}
	return &sarama.ConsumerMessage{
		Topic:   "fulfillment.orders",
		Value:   value,
		Headers: headers,
	}
}

func newTestHandler(t *testing.T, handler MessageHandler) (*groupHandler, *fakeProducer) {
	t.Helper()

	client, transport := newTestClient(t, WithDLQTopic("fulfillment.dlq"))
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	gh := &groupHandler{
		client:  client,
		binding: queueBinding{Queue: "inventory.orders", Exchange: "fulfillment.orders", Pattern: "order.*"},
		handler: handler,
	}
	return gh, transport.producer
}

func TestHandlerAcksOnSuccess(t *testing.T) {
	var got Envelope
	gh, producer := newTestHandler(t, func(_ context.Context, env Envelope) error {
		got = env
		return nil
	})
	session := &stubSession{ctx: context.Background()}

	gh.handleMessage(session, consumerMessage(t, "order.confirmed", false))

	if len(session.marked) != 1 {
		t.Fatalf("expected 1 ack, got %d", len(session.marked))
	}
	if got.RoutingKey != "order.confirmed" {
		t.Errorf("handler got routing key %s", got.RoutingKey)
	}
	if len(producer.messages()) != 0 {
		t.Error("successful message must not be republished")
	}
}

func TestHandlerSkipsForeignRoutingKey(t *testing.T) {
	called := false
	gh, _ := newTestHandler(t, func(context.Context, Envelope) error {
		called = true
		return nil
	})
	session := &stubSession{ctx: context.Background()}

	gh.handleMessage(session, consumerMessage(t, "payment.completed", false))

	if called {
		t.Error("handler called for routing key outside binding pattern")
	}
	if len(session.marked) != 1 {
		t.Fatal("foreign message must still be acked")
	}
}

func TestHandlerRequeuesOnce(t *testing.T) {
	gh, producer := newTestHandler(t, func(context.Context, Envelope) error {
		return errors.New("transient failure")
	})
	session := &stubSession{ctx: context.Background()}

	gh.handleMessage(session, consumerMessage(t, "order.confirmed", false))

	sent := producer.messages()
	if len(sent) != 1 {
		t.Fatalf("expected 1 requeued message, got %d", len(sent))
	}
	if sent[0].Topic != "fulfillment.orders" {
		t.Errorf("requeued to %s", sent[0].Topic)
	}

	redelivered := false
	for _, hdr := range sent[0].Headers {
		if string(hdr.Key) == HeaderRedelivered && string(hdr.Value) == "true" {
			redelivered = true
		}
	}
	if !redelivered {
		t.Error("requeued message is not marked redelivered")
	}
	if len(session.marked) != 1 {
		t.Error("original message must be acked after requeue")
	}
}

func TestHandlerDropsToDLQOnSecondFailure(t *testing.T) {
	gh, producer := newTestHandler(t, func(context.Context, Envelope) error {
		return errors.New("persistent failure")
	})
	session := &stubSession{ctx: context.Background()}

	gh.handleMessage(session, consumerMessage(t, "order.confirmed", true))

	sent := producer.messages()
	if len(sent) != 1 {
		t.Fatalf("expected 1 dead-letter message, got %d", len(sent))
	}
	if sent[0].Topic != "fulfillment.dlq" {
		t.Errorf("dead letter went to %s", sent[0].Topic)
	}

	reason := ""
	for _, hdr := range sent[0].Headers {
		if string(hdr.Key) == HeaderErrorReason {
			reason = string(hdr.Value)
		}
	}
	if reason != "persistent failure" {
		t.Errorf("unexpected error header %q", reason)
	}
	if len(session.marked) != 1 {
		t.Error("dropped message must be acked")
	}
}

func TestHandlerDropsMalformedEnvelope(t *testing.T) {
	gh, producer := newTestHandler(t, func(context.Context, Envelope) error { return nil })
	session := &stubSession{ctx: context.Background()}

	msg := &sarama.ConsumerMessage{
		Topic: "fulfillment.orders",
		Value: []byte("not json"),
		Headers: []*sarama.RecordHeader{
			{Key: []byte(HeaderRoutingKey), Value: []byte("order.confirmed")},
		},
	}
	gh.handleMessage(session, msg)

	if len(session.marked) != 1 {
		t.Fatal("malformed message must be acked")
	}
	sent := producer.messages()
	if len(sent) != 1 || sent[0].Topic != "fulfillment.dlq" {
		t.Fatalf("malformed message must go to dead letter, sent: %d", len(sent))
	}
}

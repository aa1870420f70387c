package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

type fakeProducer struct {
	mu   sync.Mutex
	sent []*sarama.ProducerMessage
	fail error
}

func (p *fakeProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return 0, 0, p.fail
	}
	p.sent = append(p.sent, msg)
	return 0, int64(len(p.sent)), nil
}

func (p *fakeProducer) Close() error { return nil }

func (p *fakeProducer) messages() []*sarama.ProducerMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*sarama.ProducerMessage, len(p.sent))
	copy(out, p.sent)
	return out
}

type fakeAdmin struct {
	mu      sync.Mutex
	created []string
	exists  bool
}

func (a *fakeAdmin) CreateTopic(topic string, _ *sarama.TopicDetail, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.created = append(a.created, topic)
	if a.exists {
		return &sarama.TopicError{Err: sarama.ErrTopicAlreadyExists}
	}
	return nil
}

func (a *fakeAdmin) Close() error { return nil }

func (a *fakeAdmin) topics() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.created))
	copy(out, a.created)
	return out
}

type fakeGroup struct {
	errs      chan error
	closeOnce sync.Once
}

func newFakeGroup() *fakeGroup {
	return &fakeGroup{errs: make(chan error)}
}

func (g *fakeGroup) Consume(ctx context.Context, _ []string, _ sarama.ConsumerGroupHandler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }

func (g *fakeGroup) Close() error {
	g.closeOnce.Do(func() { close(g.errs) })
	return nil
}

type fakeTransport struct {
	mu            sync.Mutex
	producer      *fakeProducer
	admin         *fakeAdmin
	connectErr    error
	producerCalls int
	groupCalls    int
}

func (t *fakeTransport) install(c *Client) {
	c.newProducer = func([]string) (syncProducer, error) {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.connectErr != nil {
			return nil, t.connectErr
		}
		t.producerCalls++
		return t.producer, nil
	}
	c.newAdmin = func([]string) (topicAdmin, error) {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.connectErr != nil {
			return nil, t.connectErr
		}
		return t.admin, nil
	}
	c.newGroup = func([]string, string) (consumerGroup, error) {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.groupCalls++
		return newFakeGroup(), nil
	}
}

func (t *fakeTransport) setConnectErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectErr = err
}

func (t *fakeTransport) counts() (producers, groups int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.producerCalls, t.groupCalls
}

func newTestClient(t *testing.T, options ...Option) (*Client, *fakeTransport) {
	t.Helper()

	options = append(options,
		WithLogger(log.NewEntry(log.New())),
		WithReconnectBaseDelay(time.Millisecond),
	)
	client := NewClient([]string{"localhost:9092"}, "fulfillment-service", options...)
	transport := &fakeTransport{
		producer: &fakeProducer{},
		admin:    &fakeAdmin{},
	}
	transport.install(client)
	t.Cleanup(func() { _ = client.Close() })
	return client, transport
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestPublishBuildsEnvelope(t *testing.T) {
	client, transport := newTestClient(t)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := client.DeclareExchange("fulfillment.orders", ExchangeKindTopic); err != nil {
		t.Fatalf("declare exchange: %v", err)
	}

	payload := map[string]string{"order_id": "ord-1"}
	err := client.Publish(context.Background(), "fulfillment.orders", "order.confirmed", payload,
		WithCorrelationID("ord-1"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	sent := transport.producer.messages()
	if len(sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sent))
	}
	msg := sent[0]
	if msg.Topic != "fulfillment.orders" {
		t.Errorf("unexpected topic %s", msg.Topic)
	}

	value, _ := msg.Value.Encode()
	var env Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.MessageID == "" {
		t.Error("message_id is empty")
	}
	if env.CorrelationID != "ord-1" {
		t.Errorf("unexpected correlation_id %s", env.CorrelationID)
	}
	if env.RoutingKey != "order.confirmed" {
		t.Errorf("unexpected routing_key %s", env.RoutingKey)
	}
	if env.OriginService != "fulfillment-service" {
		t.Errorf("unexpected origin %s", env.OriginService)
	}

	var decoded map[string]string
	if err := env.DecodePayload(&decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded["order_id"] != "ord-1" {
		t.Errorf("unexpected payload %v", decoded)
	}
}

func TestPublishNotConnected(t *testing.T) {
	client, _ := newTestClient(t)

	err := client.Publish(context.Background(), "fulfillment.orders", "order.confirmed", nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestDeclareQueueRequiresExchange(t *testing.T) {
	client, _ := newTestClient(t)

	err := client.DeclareQueue("inventory.orders", "fulfillment.orders", "order.*")
	if !errors.Is(err, ErrUnknownExchange) {
		t.Fatalf("expected ErrUnknownExchange, got %v", err)
	}
}

func TestSubscribeRequiresQueue(t *testing.T) {
	client, _ := newTestClient(t)

	err := client.Subscribe("inventory.orders", func(context.Context, Envelope) error { return nil })
	if !errors.Is(err, ErrUnknownQueue) {
		t.Fatalf("expected ErrUnknownQueue, got %v", err)
	}
}

func TestDeclareExchangeToleratesExisting(t *testing.T) {
	client, transport := newTestClient(t)
	transport.admin.exists = true
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := client.DeclareExchange("fulfillment.orders", ExchangeKindTopic); err != nil {
		t.Fatalf("declare existing exchange: %v", err)
	}
}

func TestReconnectRestoresTopologyAndConsumers(t *testing.T) {
	client, transport := newTestClient(t)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := client.DeclareExchange("fulfillment.orders", ExchangeKindTopic); err != nil {
		t.Fatalf("declare exchange: %v", err)
	}
	if err := client.DeclareQueue("inventory.orders", "fulfillment.orders", "order.*"); err != nil {
		t.Fatalf("declare queue: %v", err)
	}
	if err := client.Subscribe("inventory.orders", func(context.Context, Envelope) error { return nil }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	client.reportFailure(errors.New("broker gone"))

	waitFor(t, time.Second, func() bool {
		producers, groups := transport.counts()
		return producers >= 2 && groups >= 2
	})
	waitFor(t, time.Second, client.Connected)

	topics := transport.admin.topics()
	if len(topics) < 2 {
		t.Fatalf("expected topology replay, topics created: %v", topics)
	}
}

func TestReconnectExhaustedGoesDegraded(t *testing.T) {
	client, transport := newTestClient(t, WithMaxReconnectAttempts(2))
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	transport.setConnectErr(errors.New("broker unreachable"))
	client.reportFailure(errors.New("broker gone"))

	waitFor(t, time.Second, func() bool {
		err := client.Publish(context.Background(), "fulfillment.orders", "order.confirmed", nil)
		return errors.Is(err, ErrNotConnected)
	})
	if client.Connected() {
		t.Error("degraded client reports connected")
	}
}

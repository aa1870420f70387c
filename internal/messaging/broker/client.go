package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

const (
	defaultReconnectBase    = 500 * time.Millisecond
	defaultReconnectMax     = 8
	defaultTopicPartitions  = int32(3)
	defaultTopicReplication = int16(1)
)

var (
	// ErrNotConnected — локальный flow control: публикация отклонена,
	// потому что клиент не подключён или работает в degraded-режиме.
	ErrNotConnected = errors.New("broker client is not connected")
	// ErrUnknownQueue — подписка на очередь без предварительного DeclareQueue.
	ErrUnknownQueue = errors.New("queue is not declared")
	// ErrUnknownExchange — привязка очереди к необъявленному exchange.
	ErrUnknownExchange = errors.New("exchange is not declared")
)

var (
	brokerPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_broker_published_total",
		Help: "Total number of publish attempts grouped by result.",
	}, []string{"result"})
	brokerConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_broker_consumed_total",
		Help: "Total number of consumed messages grouped by outcome.",
	}, []string{"outcome"})
	brokerReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_broker_reconnects_total",
		Help: "Total number of reconnect attempts grouped by result.",
	}, []string{"result"})
)

// MessageHandler обрабатывает доставленный конверт. Ненулевая ошибка
// приводит к одному повторному requeue, затем сообщение выбрасывается.
type MessageHandler func(ctx context.Context, env Envelope) error

// ExchangeKind — тип exchange. Влияет только на семантику маршрутизации
// в декларации топологии; транспортно каждый exchange — это topic.
type ExchangeKind string

const (
	ExchangeKindTopic  ExchangeKind = "topic"
	ExchangeKindFanout ExchangeKind = "fanout"
	ExchangeKindDirect ExchangeKind = "direct"
)

// Узкие интерфейсы над sarama: позволяют подменять транспорт в unit-тестах.
type syncProducer interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

type topicAdmin interface {
	CreateTopic(topic string, detail *sarama.TopicDetail, validateOnly bool) error
	Close() error
}

type consumerGroup interface {
	Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error
	Errors() <-chan error
	Close() error
}

type queueBinding struct {
	Queue    string
	Exchange string
	Pattern  string
}

type subscription struct {
	queue   string
	handler MessageHandler
	group   consumerGroup
	cancel  context.CancelFunc
}

// ClientOptions задаёт параметры клиента брокера.
type ClientOptions struct {
	Logger               *log.Entry
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
	// DLQTopic — topic для сообщений, дважды упавших в обработке.
	// Пустое значение отключает dead-letter публикацию.
	DLQTopic          string
	TopicPartitions   int32
	TopicReplication  int16
}

// Option настраивает Client.
type Option func(*ClientOptions)

// WithLogger задаёт logger для клиента.
func WithLogger(logger *log.Entry) Option {
	return func(opts *ClientOptions) { opts.Logger = logger }
}

// WithReconnectBaseDelay задаёт базовую задержку reconnect (удваивается на каждой попытке).
func WithReconnectBaseDelay(delay time.Duration) Option {
	return func(opts *ClientOptions) { opts.ReconnectBaseDelay = delay }
}

// WithMaxReconnectAttempts ограничивает число попыток reconnect.
func WithMaxReconnectAttempts(attempts int) Option {
	return func(opts *ClientOptions) { opts.MaxReconnectAttempts = attempts }
}

// WithDLQTopic включает публикацию дважды упавших сообщений в dead-letter topic.
func WithDLQTopic(topic string) Option {
	return func(opts *ClientOptions) { opts.DLQTopic = topic }
}

// WithTopicDetail задаёт параметры создаваемых топиков.
func WithTopicDetail(partitions int32, replication int16) Option {
	return func(opts *ClientOptions) {
		opts.TopicPartitions = partitions
		opts.TopicReplication = replication
	}
}

// Client — надёжный pub/sub клиент поверх Kafka: владеет жизненным циклом
// подключения, декларацией топологии и политикой redelivery.
// После reconnect топология и подписки восстанавливаются автоматически,
// подписчикам не нужно повторно вызывать Subscribe.
type Client struct {
	mu      sync.Mutex
	brokers []string
	origin  string
	logger  *log.Entry

	newProducer func(brokers []string) (syncProducer, error)
	newAdmin    func(brokers []string) (topicAdmin, error)
	newGroup    func(brokers []string, groupID string) (consumerGroup, error)

	producer syncProducer
	admin    topicAdmin

	// Записанная топология, воспроизводимая после reconnect.
	exchanges     map[string]ExchangeKind
	exchangeOrder []string
	bindings      []queueBinding
	subs          map[string]*subscription

	connected bool
	degraded  bool
	closed    bool

	reconnectBase    time.Duration
	reconnectMax     int
	dlqTopic         string
	topicPartitions  int32
	topicReplication int16

	failureCh chan error
	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// NewClient создаёт клиент брокера. Подключение выполняется отдельным вызовом Connect.
func NewClient(brokers []string, origin string, options ...Option) *Client {
	opts := ClientOptions{
		ReconnectBaseDelay:   defaultReconnectBase,
		MaxReconnectAttempts: defaultReconnectMax,
		TopicPartitions:      defaultTopicPartitions,
		TopicReplication:     defaultTopicReplication,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "broker-client")
	}
	if opts.ReconnectBaseDelay <= 0 {
		opts.ReconnectBaseDelay = defaultReconnectBase
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = defaultReconnectMax
	}
	if opts.TopicPartitions <= 0 {
		opts.TopicPartitions = defaultTopicPartitions
	}
	if opts.TopicReplication <= 0 {
		opts.TopicReplication = defaultTopicReplication
	}

	return &Client{
		brokers:          brokers,
		origin:           origin,
		logger:           logger,
		newProducer:      newSaramaProducer,
		newAdmin:         newSaramaAdmin,
		newGroup:         newSaramaGroup,
		exchanges:        make(map[string]ExchangeKind),
		subs:             make(map[string]*subscription),
		reconnectBase:    opts.ReconnectBaseDelay,
		reconnectMax:     opts.MaxReconnectAttempts,
		dlqTopic:         opts.DLQTopic,
		topicPartitions:  opts.TopicPartitions,
		topicReplication: opts.TopicReplication,
		failureCh:        make(chan error, 1),
	}
}

func newSaramaProducer(brokers []string) (syncProducer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1 // требуется для идемпотентности

	return sarama.NewSyncProducer(brokers, config)
}

func newSaramaAdmin(brokers []string) (topicAdmin, error) {
	return sarama.NewClusterAdmin(brokers, sarama.NewConfig())
}

func newSaramaGroup(brokers []string, groupID string) (consumerGroup, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true

	return sarama.NewConsumerGroup(brokers, groupID, config)
}

// Connect устанавливает подключение и запускает наблюдение за сбоями транспорта.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("broker client is closed")
	}
	if c.connected {
		return nil
	}

	c.runCtx, c.runCancel = context.WithCancel(context.Background())

	if err := c.openTransportLocked(); err != nil {
		c.runCancel()
		return err
	}

	c.connected = true
	c.degraded = false

	c.wg.Add(1)
	go c.watchFailures()

	c.logger.WithField("brokers", c.brokers).Info("broker client connected")
	return nil
}

func (c *Client) openTransportLocked() error {
	producer, err := c.newProducer(c.brokers)
	if err != nil {
		return fmt.Errorf("create producer: %w", err)
	}

	admin, err := c.newAdmin(c.brokers)
	if err != nil {
		_ = producer.Close()
		return fmt.Errorf("create cluster admin: %w", err)
	}

	c.producer = producer
	c.admin = admin
	return nil
}

// DeclareExchange идемпотентно объявляет exchange и записывает его в топологию.
func (c *Client) DeclareExchange(name string, kind ExchangeKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.exchanges[name]; !exists {
		c.exchanges[name] = kind
		c.exchangeOrder = append(c.exchangeOrder, name)
	}

	if !c.connected {
		return nil
	}
	return c.ensureTopicLocked(name)
}

// DeclareQueue идемпотентно привязывает очередь к exchange с routing-паттерном.
func (c *Client) DeclareQueue(queue, exchange, pattern string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.exchanges[exchange]; !exists {
		return fmt.Errorf("%w: %s", ErrUnknownExchange, exchange)
	}

	for _, b := range c.bindings {
		if b.Queue == queue && b.Exchange == exchange && b.Pattern == pattern {
			return nil
		}
	}
	c.bindings = append(c.bindings, queueBinding{Queue: queue, Exchange: exchange, Pattern: pattern})
	return nil
}

func (c *Client) ensureTopicLocked(name string) error {
	detail := &sarama.TopicDetail{
		NumPartitions:     c.topicPartitions,
		ReplicationFactor: c.topicReplication,
	}
	if err := c.admin.CreateTopic(name, detail, false); err != nil && !isTopicExists(err) {
		return fmt.Errorf("declare exchange %s: %w", name, err)
	}
	return nil
}

func isTopicExists(err error) bool {
	var topicErr *sarama.TopicError
	if errors.As(err, &topicErr) {
		return topicErr.Err == sarama.ErrTopicAlreadyExists
	}
	return errors.Is(err, sarama.ErrTopicAlreadyExists)
}

// PublishOptions задаёт необязательные атрибуты публикации.
type PublishOptions struct {
	CorrelationID string
}

// PublishOption настраивает публикацию.
type PublishOption func(*PublishOptions)

// WithCorrelationID проставляет correlation_id в конверт сообщения.
func WithCorrelationID(id string) PublishOption {
	return func(opts *PublishOptions) { opts.CorrelationID = id }
}

// Publish сериализует payload в конверт и отправляет его в exchange.
// Если клиент не подключён или исчерпал reconnect, отправка отклоняется
// локально с ErrNotConnected.
func (c *Client) Publish(ctx context.Context, exchange, routingKey string, payload any, options ...PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var opts PublishOptions
	for _, option := range options {
		option(&opts)
	}

	c.mu.Lock()
	if !c.connected || c.degraded {
		c.mu.Unlock()
		brokerPublished.WithLabelValues("rejected").Inc()
		return ErrNotConnected
	}
	producer := c.producer
	c.mu.Unlock()

	raw, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	env := NewEnvelope(c.origin, routingKey, opts.CorrelationID, raw)
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic:     exchange,
		Key:       sarama.StringEncoder(routingKey),
		Value:     sarama.ByteEncoder(value),
		Timestamp: time.Now().UTC(),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderRoutingKey), Value: []byte(routingKey)},
			{Key: []byte(HeaderOrigin), Value: []byte(c.origin)},
		},
	}

	if _, _, err := producer.SendMessage(msg); err != nil {
		brokerPublished.WithLabelValues("error").Inc()
		c.reportFailure(err)
		return fmt.Errorf("publish to %s: %w", exchange, err)
	}

	brokerPublished.WithLabelValues("sent").Inc()
	c.logger.WithFields(log.Fields{
		"exchange":    exchange,
		"routing_key": routingKey,
		"message_id":  env.MessageID,
	}).Debug("message published")
	return nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	if raw, ok := payload.([]byte); ok {
		return json.RawMessage(raw), nil
	}
	return json.Marshal(payload)
}

// Subscribe регистрирует обработчик очереди и начинает потребление.
// Регистрация переживает reconnect: клиент сам перезапускает потребителей.
func (c *Client) Subscribe(queue string, handler MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	binding, ok := c.findBindingLocked(queue)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}

	sub := &subscription{queue: queue, handler: handler}
	c.subs[queue] = sub

	if !c.connected {
		return nil
	}
	return c.startConsumerLocked(sub, binding)
}

func (c *Client) findBindingLocked(queue string) (queueBinding, bool) {
	for _, b := range c.bindings {
		if b.Queue == queue {
			return b, true
		}
	}
	return queueBinding{}, false
}

func (c *Client) startConsumerLocked(sub *subscription, binding queueBinding) error {
	group, err := c.newGroup(c.brokers, sub.queue)
	if err != nil {
		return fmt.Errorf("create consumer group %s: %w", sub.queue, err)
	}

	ctx, cancel := context.WithCancel(c.runCtx)
	sub.group = group
	sub.cancel = cancel

	gh := &groupHandler{client: c, binding: binding, handler: sub.handler}

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		for {
			// Consume завершается при rebalance и должен вызываться в цикле.
			if err := group.Consume(ctx, []string{binding.Exchange}, gh); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.WithError(err).WithField("queue", sub.queue).Error("consumer loop failed")
				c.reportFailure(err)
				return
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	go func() {
		defer c.wg.Done()
		for err := range group.Errors() {
			c.logger.WithError(err).WithField("queue", sub.queue).Error("consumer error")
		}
	}()

	c.logger.WithFields(log.Fields{
		"queue":    sub.queue,
		"exchange": binding.Exchange,
		"pattern":  binding.Pattern,
	}).Info("consumer started")
	return nil
}

func (c *Client) reportFailure(err error) {
	select {
	case c.failureCh <- err:
	default:
	}
}

func (c *Client) watchFailures() {
	defer c.wg.Done()
	for {
		select {
		case <-c.runCtx.Done():
			return
		case err := <-c.failureCh:
			c.logger.WithError(err).Warn("broker transport failure, starting reconnect")
			c.reconnect()
		}
	}
}

// reconnect выполняет экспоненциальный backoff и после успешного
// переподключения детерминированно воспроизводит всю записанную топологию
// и заново запускает всех активных потребителей.
func (c *Client) reconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.closeTransportLocked()
	c.mu.Unlock()

	delay := c.reconnectBase
	for attempt := 1; attempt <= c.reconnectMax; attempt++ {
		select {
		case <-c.runCtx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2

		c.mu.Lock()
		err := c.openTransportLocked()
		if err == nil {
			err = c.restoreTopologyLocked()
		}
		if err == nil {
			c.connected = true
			c.degraded = false
			c.mu.Unlock()
			brokerReconnects.WithLabelValues("ok").Inc()
			c.logger.WithField("attempt", attempt).Info("broker reconnected, topology restored")
			return
		}
		c.closeTransportLocked()
		c.mu.Unlock()

		brokerReconnects.WithLabelValues("error").Inc()
		c.logger.WithError(err).WithFields(log.Fields{
			"attempt":      attempt,
			"max_attempts": c.reconnectMax,
		}).Warn("broker reconnect attempt failed")
	}

	c.mu.Lock()
	c.degraded = true
	c.mu.Unlock()
	// Сервис продолжает жить без брокера: публикации отклоняются, потребление остановлено.
	c.logger.Error("broker reconnect attempts exhausted, running degraded")
}

func (c *Client) restoreTopologyLocked() error {
	for _, name := range c.exchangeOrder {
		if err := c.ensureTopicLocked(name); err != nil {
			return err
		}
	}
	for _, sub := range c.subs {
		binding, ok := c.findBindingLocked(sub.queue)
		if !ok {
			continue
		}
		if err := c.startConsumerLocked(sub, binding); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) closeTransportLocked() {
	for _, sub := range c.subs {
		if sub.cancel != nil {
			sub.cancel()
			sub.cancel = nil
		}
		if sub.group != nil {
			_ = sub.group.Close()
			sub.group = nil
		}
	}
	if c.producer != nil {
		_ = c.producer.Close()
		c.producer = nil
	}
	if c.admin != nil {
		_ = c.admin.Close()
		c.admin = nil
	}
}

// Connected сообщает о состоянии подключения (для health-проверок).
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && !c.degraded
}

// Close останавливает потребителей и закрывает подключение.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	if c.runCancel != nil {
		c.runCancel()
	}
	c.closeTransportLocked()
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info("broker client closed")
	return nil
}

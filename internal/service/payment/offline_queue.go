package payment

import (
	"context"
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/events"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
)

const (
	defaultPollInterval = 30 * time.Second
	defaultBatchSize    = 50
	defaultMaxAttempts  = 5
	defaultLeaseTTL     = 2 * time.Minute

	leaseKey = "offline-queue"
)

// ProcessorOptions задаёт параметры процессора офлайн-очереди.
type ProcessorOptions struct {
	Logger       *log.Entry
	Metrics      *metrics.Metrics
	Lease        Lease
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int32
	LeaseTTL     time.Duration
}

// ProcessorOption настраивает Processor.
type ProcessorOption func(*ProcessorOptions)

// WithProcessorLogger задаёт logger процессора.
func WithProcessorLogger(logger *log.Entry) ProcessorOption {
	return func(opts *ProcessorOptions) {
		opts.Logger = logger
	}
}

// WithProcessorMetrics задаёт метрики процессора.
func WithProcessorMetrics(m *metrics.Metrics) ProcessorOption {
	return func(opts *ProcessorOptions) {
		opts.Metrics = m
	}
}

// WithLease задаёт блокировку single-flight обработки очереди.
func WithLease(lease Lease) ProcessorOption {
	return func(opts *ProcessorOptions) {
		opts.Lease = lease
	}
}

// WithPollInterval задаёт частоту опроса очереди.
func WithPollInterval(interval time.Duration) ProcessorOption {
	return func(opts *ProcessorOptions) {
		opts.PollInterval = interval
	}
}

// WithBatchSize задаёт размер батча из очереди.
func WithBatchSize(batchSize int) ProcessorOption {
	return func(opts *ProcessorOptions) {
		opts.BatchSize = batchSize
	}
}

// WithMaxAttempts задаёт потолок попыток сверки элемента.
func WithMaxAttempts(maxAttempts int32) ProcessorOption {
	return func(opts *ProcessorOptions) {
		opts.MaxAttempts = maxAttempts
	}
}

// WithLeaseTTL задаёт время жизни блокировки обработки.
func WithLeaseTTL(ttl time.Duration) ProcessorOption {
	return func(opts *ProcessorOptions) {
		opts.LeaseTTL = ttl
	}
}

// Processor сверяет принятые офлайн платежи с внешним шлюзом.
// Очередь обрабатывается одной репликой за раз (Lease), элементы —
// старые первыми, с потолком попыток на каждый элемент.
type Processor struct {
	queue    domain.OfflineQueueRepository
	payments domain.PaymentRepository
	gateways *Registry
	outbox   domain.OutboxRepository
	timeline domain.TimelineRepository
	lease    Lease
	logger   *log.Entry
	metrics  *metrics.Metrics

	pollInterval time.Duration
	batchSize    int
	maxAttempts  int32
	leaseTTL     time.Duration
}

// NewProcessor создаёт процессор офлайн-очереди.
func NewProcessor(
	queue domain.OfflineQueueRepository,
	payments domain.PaymentRepository,
	gateways *Registry,
	outbox domain.OutboxRepository,
	timeline domain.TimelineRepository,
	options ...ProcessorOption,
) *Processor {
	opts := ProcessorOptions{
		PollInterval: defaultPollInterval,
		BatchSize:    defaultBatchSize,
		MaxAttempts:  defaultMaxAttempts,
		LeaseTTL:     defaultLeaseTTL,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "offline-queue")
	}
	lease := opts.Lease
	if lease == nil {
		lease = NewLocalLease()
	}

	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = defaultLeaseTTL
	}

	return &Processor{
		queue:        queue,
		payments:     payments,
		gateways:     gateways,
		outbox:       outbox,
		timeline:     timeline,
		lease:        lease,
		logger:       logger,
		metrics:      opts.Metrics,
		pollInterval: opts.PollInterval,
		batchSize:    opts.BatchSize,
		maxAttempts:  opts.MaxAttempts,
		leaseTTL:     opts.LeaseTTL,
	}
}

// Run запускает периодическую сверку очереди до отмены ctx.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	p.ProcessOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce выполняет один цикл сверки. Если блокировку держит другая
// реплика, цикл пропускается.
func (p *Processor) ProcessOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	acquired, err := p.lease.Acquire(ctx, leaseKey, p.leaseTTL)
	if err != nil {
		p.logger.WithError(err).Warn("failed to acquire offline queue lease")
		return
	}
	if !acquired {
		p.logger.Debug("offline queue lease is held by another replica")
		return
	}
	defer func() {
		if err := p.lease.Release(ctx, leaseKey); err != nil {
			p.logger.WithError(err).Warn("failed to release offline queue lease")
		}
	}()

	p.refreshDepth()

	items, err := p.queue.PullPending(p.batchSize, p.maxAttempts)
	if err != nil {
		p.logger.WithError(err).Warn("failed to pull pending offline payments")
		return
	}

	for _, item := range items {
		if ctx.Err() != nil {
			return
		}
		p.processItem(ctx, item)
	}

	p.refreshDepth()
}

func (p *Processor) processItem(ctx context.Context, item domain.OfflineQueueItem) {
	itemLogger := p.logger.WithFields(log.Fields{
		"item_id":    item.ID,
		"payment_id": item.PaymentID,
	})

	item.Status = domain.OfflineQueueProcessing
	item.Attempts++
	if err := p.queue.Update(item); err != nil {
		itemLogger.WithError(err).Warn("failed to mark queue item processing")
		return
	}

	payment, err := p.payments.Get(item.PaymentID)
	if err != nil {
		p.failItem(item, payment, err, itemLogger)
		return
	}

	gateway, err := p.gateways.Resolve(payment.Method)
	if err != nil {
		p.failItem(item, payment, err, itemLogger)
		return
	}

	txnID, err := gateway.Charge(ctx, payment)
	if err != nil {
		// Бизнес-отказ шлюза — расхождение с уже принятыми деньгами,
		// повторные попытки его не исправят.
		if domain.IsBusinessRejection(err) {
			item.Attempts = p.maxAttempts
		}
		p.failItem(item, payment, err, itemLogger)
		return
	}

	payment.GatewayTxnID = txnID
	if err := p.payments.Save(payment); err != nil {
		p.failItem(item, payment, err, itemLogger)
		return
	}

	item.Status = domain.OfflineQueueCompleted
	item.LastError = ""
	if err := p.queue.Update(item); err != nil {
		itemLogger.WithError(err).Warn("failed to mark queue item completed")
		return
	}

	if p.metrics != nil {
		p.metrics.RecordOfflinePayment("completed")
	}
	itemLogger.WithField("gateway_txn_id", txnID).Info("offline payment reconciled")
}

// failItem возвращает элемент в pending для повторной сверки или, если
// потолок попыток исчерпан, помечает элемент failed и фиксирует
// расхождение в timeline заказа.
func (p *Processor) failItem(item domain.OfflineQueueItem, payment domain.Payment, cause error, itemLogger *log.Entry) {
	item.LastError = cause.Error()

	if item.Attempts < p.maxAttempts {
		item.Status = domain.OfflineQueuePending
		if err := p.queue.Update(item); err != nil {
			itemLogger.WithError(err).Warn("failed to requeue offline payment")
		}
		if p.metrics != nil {
			p.metrics.RecordOfflinePayment("retried")
		}
		itemLogger.WithError(cause).WithField("attempts", item.Attempts).Warn("offline payment reconciliation failed, will retry")
		return
	}

	item.Status = domain.OfflineQueueFailed
	if err := p.queue.Update(item); err != nil {
		itemLogger.WithError(err).Warn("failed to mark offline payment failed")
	}

	if payment.OrderID != "" {
		if err := p.timeline.Append(domain.TimelineEvent{
			OrderID: payment.OrderID,
			Type:    "OfflinePaymentDiscrepancy",
			Reason:  cause.Error(),
		}); err != nil {
			itemLogger.WithError(err).Warn("failed to append timeline note")
		}
		p.emitFailed(payment, cause)
	}

	if p.metrics != nil {
		p.metrics.RecordOfflinePayment("failed")
	}
	itemLogger.WithError(cause).Error("offline payment reconciliation exhausted attempts")
}

func (p *Processor) emitFailed(payment domain.Payment, cause error) {
	raw, err := json.Marshal(events.PaymentFailed{
		PaymentID: payment.ID,
		OrderID:   payment.OrderID,
		Reason:    cause.Error(),
	})
	if err != nil {
		p.logger.WithError(err).Error("marshal event failed")
		return
	}
	if _, err := p.outbox.Enqueue(domain.OutboxMessage{
		AggregateType: "payment",
		AggregateID:   payment.OrderID,
		RoutingKey:    events.KeyPaymentFailed,
		Payload:       raw,
	}); err != nil {
		p.logger.WithError(err).Error("enqueue event failed")
	} else if p.metrics != nil {
		p.metrics.RecordOutboxEvent()
	}
}

func (p *Processor) refreshDepth() {
	if p.metrics == nil {
		return
	}
	stats, err := p.queue.Stats()
	if err != nil {
		p.logger.WithError(err).Warn("failed to collect offline queue stats")
		return
	}
	p.metrics.SetOfflineQueueDepth(stats.Pending + stats.Processing)
}

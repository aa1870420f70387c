package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/events"
	healthcheck "github.com/vladislavdragonenkov/fulfillment/internal/health"
	"github.com/vladislavdragonenkov/fulfillment/internal/messaging/broker"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/inbox"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/inventory"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/ops"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/outbox"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/payment"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/saga"
	"github.com/vladislavdragonenkov/fulfillment/internal/version"
)

const (
	gatewayMaxFailures  = 5
	gatewayResetTimeout = 30 * time.Second
)

// Run собирает сервис и блокируется до отмены контекста.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	deps, err := NewDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	m := metrics.NewMetrics()

	// NOTE: Using mock gateways for development/demo purposes
	// In production, replace with real acquirer clients per payment method
	gateways := payment.NewRegistry()
	for _, method := range []domain.PaymentMethod{
		domain.PaymentMethodCard,
		domain.PaymentMethodCash,
		domain.PaymentMethodWallet,
	} {
		breaker := payment.NewCircuitBreaker(gatewayMaxFailures, gatewayResetTimeout,
			logger.WithField("gateway", string(method)))
		gateways.Register(method, payment.NewGatewayWithBreaker(payment.NewMockGateway(), breaker))
	}

	engine := inventory.NewEngine(deps.Inventory, deps.Outbox,
		inventory.WithMetrics(m))
	invConsumer := inventory.NewConsumer(engine, deps.Outbox, deps.Inbox,
		inventory.WithConsumerMetrics(m))
	orderSaga := saga.NewSaga(deps.Orders, deps.Outbox, deps.Timeline, deps.Inbox,
		saga.WithMetrics(m))
	paymentSvc := payment.NewService(deps.Payments, deps.OfflineQueue, gateways,
		deps.Outbox, deps.Timeline, deps.Inbox,
		payment.WithServiceMetrics(m))

	client, err := initBroker(ctx, cfg.KafkaBrokers, logger)
	if err != nil {
		return err
	}
	if client != nil {
		if err := subscribeHandlers(client, invConsumer, orderSaga, paymentSvc); err != nil {
			closeBroker(client, logger)
			return err
		}
	}

	var publisher domain.OutboxPublisher
	if client != nil {
		publisher = outbox.NewBrokerPublisher(client)
	}
	outboxWorker := outbox.NewWorker(deps.Outbox, publisher,
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	)

	processorOpts := []payment.ProcessorOption{
		payment.WithProcessorMetrics(m),
		payment.WithPollInterval(cfg.OfflinePollInterval),
		payment.WithBatchSize(cfg.OfflineBatchSize),
		payment.WithMaxAttempts(int32(cfg.OfflineMaxAttempts)),
	}
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		processorOpts = append(processorOpts,
			payment.WithLease(payment.NewRedisLease(redisClient, serviceOrigin)))
		logger.WithField("addr", cfg.RedisAddr).Info("redis lease enabled for offline queue")
	}
	offlineProcessor := payment.NewProcessor(deps.OfflineQueue, deps.Payments, gateways,
		deps.Outbox, deps.Timeline, processorOpts...)

	cleanupWorker := inbox.NewCleanupWorker(deps.Inbox,
		inbox.WithInterval(cfg.InboxCleanupInterval),
		inbox.WithBatchSize(cfg.InboxCleanupBatchSize),
	)

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	if client != nil {
		healthHandler.RegisterChecker("broker", healthcheck.NewSimpleChecker("broker", func() error {
			if !client.Connected() {
				return errors.New("broker disconnected")
			}
			return nil
		}))
	}
	if deps.Store != nil {
		healthHandler.RegisterChecker("postgres", healthcheck.NewSimpleChecker("postgres", func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return deps.Store.Ping(pingCtx)
		}))
	}

	facade := ops.NewFacade(orderSaga, engine, paymentSvc, logger.WithField("component", "ops"))
	opsHandler := ops.NewHTTPHandler(facade, nil)

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler, opsHandler)

	var wg sync.WaitGroup
	for _, worker := range []func(context.Context){
		outboxWorker.Run,
		offlineProcessor.Run,
		cleanupWorker.Run,
	} {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(worker)
	}

	logger.Info("fulfillment service started")
	<-ctx.Done()

	logger.Info("получен сигнал остановки, останавливаем сервис")
	wg.Wait()
	shutdownHTTP(metricsSrv, logger)
	closeBroker(client, logger)
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.WithError(err).Warn("failed to close redis client")
		}
	}

	return ctx.Err()
}

// subscribeHandlers связывает очереди каталога с обработчиками сервисов.
func subscribeHandlers(client *broker.Client, invConsumer *inventory.Consumer, orderSaga *saga.Saga, paymentSvc *payment.Service) error {
	subscriptions := []struct {
		queue   string
		handler broker.MessageHandler
	}{
		{events.QueueInventoryOrders, invConsumer.OrdersHandler()},
		{events.QueueInventoryDelivery, invConsumer.DeliveryHandler()},
		{events.QueueSagaInventory, orderSaga.InventoryHandler()},
		{events.QueueSagaPayments, orderSaga.PaymentsHandler()},
		{events.QueueSagaDelivery, orderSaga.DeliveryHandler()},
		{events.QueuePaymentOrders, paymentSvc.OrdersHandler()},
	}

	for _, sub := range subscriptions {
		if err := client.Subscribe(sub.queue, sub.handler); err != nil {
			return err
		}
	}
	return nil
}

// startMetricsServer запускает HTTP-обработчики метрик, health-чеков
// и операционной поверхности.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler, opsHandler http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.Handle("/ops/", opsHandler)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/readyz, %s/livez", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("metrics shutdown with error")
	}
}

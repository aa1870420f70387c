package app

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/events"
	"github.com/vladislavdragonenkov/fulfillment/internal/messaging/broker"
)

// serviceOrigin подставляется в заголовок origin исходящих сообщений.
const serviceOrigin = "fulfillment"

// initBroker подключает клиент брокера и объявляет топологию.
// Возвращает nil, nil если brokers пустой: сервис работает без
// событийного слоя, outbox копит события до следующего запуска.
func initBroker(ctx context.Context, brokers string, logger *log.Entry) (*broker.Client, error) {
	if brokers == "" {
		logger.Warn("kafka brokers not configured, running without message broker")
		return nil, nil
	}

	brokerList := strings.Split(brokers, ",")
	client := broker.NewClient(brokerList, serviceOrigin,
		broker.WithLogger(logger.WithField("component", "broker")),
		broker.WithDLQTopic(events.DLQTopic),
	)

	if err := client.Connect(ctx); err != nil {
		logger.WithError(err).Warn("failed to connect to kafka")
		return nil, err
	}
	if err := events.DeclareTopology(client); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.WithField("brokers", brokerList).Info("broker client initialized")
	return client, nil
}

// closeBroker закрывает клиент брокера если он не nil.
func closeBroker(client *broker.Client, logger *log.Entry) {
	if client == nil {
		return
	}

	if err := client.Close(); err != nil {
		logger.WithError(err).Warn("failed to close broker client")
	} else {
		logger.Info("broker client closed")
	}
}

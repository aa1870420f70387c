package events

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/messaging/broker"
)

type route struct {
	pattern string
	handler broker.MessageHandler
}

// Router диспетчеризует конверты очереди по routing key.
// Сообщение с неизвестным ключом подтверждается и логируется на debug:
// расширение каталога событий не должно ронять старых потребителей.
type Router struct {
	logger *log.Entry
	routes []route
}

// NewRouter создаёт маршрутизатор событий.
func NewRouter(logger *log.Entry) *Router {
	if logger == nil {
		logger = log.WithField("component", "event-router")
	}
	return &Router{logger: logger}
}

// Handle регистрирует обработчик для паттерна routing key.
// Побеждает первый зарегистрированный совпавший паттерн.
func (r *Router) Handle(pattern string, handler broker.MessageHandler) *Router {
	r.routes = append(r.routes, route{pattern: pattern, handler: handler})
	return r
}

// Dispatch реализует broker.MessageHandler.
func (r *Router) Dispatch(ctx context.Context, env broker.Envelope) error {
	for _, rt := range r.routes {
		if broker.MatchRoutingKey(rt.pattern, env.RoutingKey) {
			return rt.handler(ctx, env)
		}
	}

	r.logger.WithFields(log.Fields{
		"routing_key": env.RoutingKey,
		"message_id":  env.MessageID,
	}).Debug("no handler for routing key, message acked")
	return nil
}

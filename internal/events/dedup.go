package events

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/messaging/broker"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
)

// DefaultInboxTTL — срок хранения записей дедупликации по умолчанию.
const DefaultInboxTTL = 24 * time.Hour

// Deduper подавляет повторную обработку сообщений при at-least-once доставке.
// Проверка выполняется до обработчика, фиксация — после успеха: упавший
// обработчик не оставляет следа в inbox, и redelivery отработает заново.
type Deduper struct {
	Inbox   domain.InboxRepository
	TTL     time.Duration
	Logger  *log.Entry
	Metrics *metrics.Metrics
}

// Wrap оборачивает обработчик дедупликацией по message_id.
func (d *Deduper) Wrap(consumer string, handler broker.MessageHandler) broker.MessageHandler {
	logger := d.Logger
	if logger == nil {
		logger = log.WithField("component", "deduper")
	}
	ttl := d.TTL
	if ttl <= 0 {
		ttl = DefaultInboxTTL
	}

	return func(ctx context.Context, env broker.Envelope) error {
		seen, err := d.Inbox.Processed(env.MessageID, consumer)
		if err != nil {
			return err
		}
		if seen {
			logger.WithFields(log.Fields{
				"message_id": env.MessageID,
				"consumer":   consumer,
			}).Info("duplicate message skipped")
			return nil
		}

		started := time.Now()
		if err := handler(ctx, env); err != nil {
			return err
		}
		if d.Metrics != nil {
			d.Metrics.RecordHandlerDuration(consumer, time.Since(started))
		}

		_, err = d.Inbox.MarkProcessed(env.MessageID, consumer, time.Now().UTC().Add(ttl))
		return err
	}
}

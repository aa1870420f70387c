package app

import (
	"context"
	"testing"

	log "github.com/sirupsen/logrus"
)

func TestInitBroker_EmptyBrokers(t *testing.T) {
	logger := log.WithField("component", "test")

	client, err := initBroker(context.Background(), "", logger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client != nil {
		t.Error("client must be nil when brokers are not configured")
	}
}

func TestCloseBroker_NilClient(t *testing.T) {
	logger := log.WithField("component", "test")

	// Не должен паниковать.
	closeBroker(nil, logger)
}

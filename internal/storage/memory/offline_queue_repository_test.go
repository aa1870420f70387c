package memory

import (
	"testing"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

func TestOfflineQueuePullPendingOrderAndFilters(t *testing.T) {
	repo := NewOfflineQueueRepository()

	now := time.Now().UTC()
	oldest, _ := repo.Enqueue(domain.OfflineQueueItem{PaymentID: "pay-1", CreatedAt: now.Add(-2 * time.Hour)})
	exhausted, _ := repo.Enqueue(domain.OfflineQueueItem{PaymentID: "pay-2", Attempts: 5, CreatedAt: now.Add(-time.Hour)})
	newest, _ := repo.Enqueue(domain.OfflineQueueItem{PaymentID: "pay-3", CreatedAt: now})

	done, _ := repo.Enqueue(domain.OfflineQueueItem{PaymentID: "pay-4", CreatedAt: now.Add(-3 * time.Hour)})
	done.Status = domain.OfflineQueueCompleted
	if err := repo.Update(done); err != nil {
		t.Fatalf("update: %v", err)
	}

	items, err := repo.PullPending(10, 5)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].ID != oldest.ID || items[1].ID != newest.ID {
		t.Errorf("unexpected order: %s, %s", items[0].PaymentID, items[1].PaymentID)
	}
	for _, item := range items {
		if item.ID == exhausted.ID {
			t.Error("item at attempt ceiling must not be selected")
		}
	}
}

func TestOfflineQueueStats(t *testing.T) {
	repo := NewOfflineQueueRepository()

	a, _ := repo.Enqueue(domain.OfflineQueueItem{PaymentID: "pay-1"})
	_, _ = repo.Enqueue(domain.OfflineQueueItem{PaymentID: "pay-2"})

	a.Status = domain.OfflineQueueFailed
	a.LastError = "gateway declined"
	if err := repo.Update(a); err != nil {
		t.Fatalf("update: %v", err)
	}

	stats, err := repo.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Pending != 1 || stats.Failed != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

package inventory

import (
	"errors"
	"testing"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/events"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/memory"
)

type engineFixture struct {
	engine *Engine
	repo   domain.InventoryRepository
	outbox *outboxRecorder
}

type outboxRecorder struct {
	messages []domain.OutboxMessage
}

func (o *outboxRecorder) Enqueue(msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	o.messages = append(o.messages, msg)
	return msg, nil
}

func (o *outboxRecorder) PullPending(int) ([]domain.OutboxMessage, error) { return nil, nil }
func (o *outboxRecorder) Stats() (domain.OutboxStats, error)             { return domain.OutboxStats{}, nil }
func (o *outboxRecorder) MarkSent(string) error                          { return nil }
func (o *outboxRecorder) MarkFailed(string) error                        { return nil }

func (o *outboxRecorder) byKey(routingKey string) []domain.OutboxMessage {
	var result []domain.OutboxMessage
	for _, msg := range o.messages {
		if msg.RoutingKey == routingKey {
			result = append(result, msg)
		}
	}
	return result
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	repo := memory.NewInventoryRepository()
	outbox := &outboxRecorder{}
	return &engineFixture{
		engine: NewEngine(repo, outbox),
		repo:   repo,
		outbox: outbox,
	}
}

func (f *engineFixture) seed(t *testing.T, productID, location string, item domain.InventoryItem) {
	t.Helper()

	item.ProductID = productID
	item.Location = location
	item.Active = true
	err := f.repo.Apply(domain.InventoryChange{
		Created: []domain.InventoryItem{item},
		Ledger: []domain.InventoryTransaction{{
			Type:      domain.TransactionRestock,
			ProductID: productID,
			Location:  location,
			Delta:     item.Quantity,
			NewQty:    item.Quantity,
		}},
	})
	if err != nil {
		t.Fatalf("seed %s/%s: %v", productID, location, err)
	}
}

func TestReserveWithinStock(t *testing.T) {
	f := newEngineFixture(t)
	f.seed(t, "prod-1", "main", domain.InventoryItem{Quantity: 10})

	reserved, err := f.engine.Reserve("ord-1", []domain.ReservationLine{
		{ProductID: "prod-1", Location: "main", Qty: 4},
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if len(reserved) != 1 || reserved[0].Backordered != 0 {
		t.Fatalf("unexpected result %+v", reserved)
	}

	item, _ := f.repo.Get("prod-1", "main")
	if item.Reserved != 4 || item.Quantity != 10 {
		t.Errorf("reserved %d quantity %d", item.Reserved, item.Quantity)
	}
}

func TestReserveUsesBackorderWithinLimit(t *testing.T) {
	f := newEngineFixture(t)
	f.seed(t, "prod-1", "main", domain.InventoryItem{
		Quantity:         3,
		BackorderEnabled: true,
		BackorderLimit:   2,
	})

	reserved, err := f.engine.Reserve("ord-1", []domain.ReservationLine{
		{ProductID: "prod-1", Location: "main", Qty: 5},
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if reserved[0].Backordered != 2 {
		t.Errorf("expected backordered 2, got %d", reserved[0].Backordered)
	}

	item, _ := f.repo.Get("prod-1", "main")
	if item.Reserved != 5 {
		t.Errorf("expected reserved 5, got %d", item.Reserved)
	}
	if item.Available() != -2 {
		t.Errorf("expected available -2, got %d", item.Available())
	}
}

func TestReserveBeyondBackorderLimitRejected(t *testing.T) {
	f := newEngineFixture(t)
	f.seed(t, "prod-1", "main", domain.InventoryItem{
		Quantity:         3,
		BackorderEnabled: true,
		BackorderLimit:   2,
	})

	_, err := f.engine.Reserve("ord-1", []domain.ReservationLine{
		{ProductID: "prod-1", Location: "main", Qty: 6},
	})
	if !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	item, _ := f.repo.Get("prod-1", "main")
	if item.Reserved != 0 {
		t.Errorf("rejected request must not leave reserved, got %d", item.Reserved)
	}
}

func TestReserveAllOrNothing(t *testing.T) {
	f := newEngineFixture(t)
	f.seed(t, "prod-1", "main", domain.InventoryItem{Quantity: 10})
	f.seed(t, "prod-2", "main", domain.InventoryItem{Quantity: 1})

	_, err := f.engine.Reserve("ord-1", []domain.ReservationLine{
		{ProductID: "prod-1", Location: "main", Qty: 2},
		{ProductID: "prod-2", Location: "main", Qty: 5},
	})
	if !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	first, _ := f.repo.Get("prod-1", "main")
	if first.Reserved != 0 {
		t.Errorf("partial reservation leaked: reserved %d", first.Reserved)
	}
}

func TestReserveReplayIsIdempotent(t *testing.T) {
	f := newEngineFixture(t)
	f.seed(t, "prod-1", "main", domain.InventoryItem{Quantity: 10})

	lines := []domain.ReservationLine{{ProductID: "prod-1", Location: "main", Qty: 4}}
	if _, err := f.engine.Reserve("ord-1", lines); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if _, err := f.engine.Reserve("ord-1", lines); err != nil {
		t.Fatalf("replay reserve: %v", err)
	}

	item, _ := f.repo.Get("prod-1", "main")
	if item.Reserved != 4 {
		t.Errorf("replay must not double reserve, got %d", item.Reserved)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	f := newEngineFixture(t)
	f.seed(t, "prod-1", "main", domain.InventoryItem{Quantity: 10})

	if _, err := f.engine.Reserve("ord-1", []domain.ReservationLine{
		{ProductID: "prod-1", Location: "main", Qty: 4},
	}); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if err := f.engine.Release("ord-1", nil); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := f.engine.Release("ord-1", nil); err != nil {
		t.Fatalf("second release must be no-op, got %v", err)
	}
	if err := f.engine.Release("ord-unknown", nil); err != nil {
		t.Fatalf("release without reservation must be no-op, got %v", err)
	}

	item, _ := f.repo.Get("prod-1", "main")
	if item.Reserved != 0 {
		t.Errorf("expected reserved 0, got %d", item.Reserved)
	}
}

func TestReserveMergesDuplicateLines(t *testing.T) {
	f := newEngineFixture(t)
	f.seed(t, "prod-1", "main", domain.InventoryItem{Quantity: 10})

	reserved, err := f.engine.Reserve("ord-1", []domain.ReservationLine{
		{ProductID: "prod-1", Location: "main", Qty: 2},
		{ProductID: "prod-1", Location: "main", Qty: 3},
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if len(reserved) != 1 || reserved[0].Qty != 5 {
		t.Fatalf("duplicate lines must merge into one reservation, got %+v", reserved)
	}

	item, _ := f.repo.Get("prod-1", "main")
	if item.Reserved != 5 {
		t.Errorf("expected reserved 5 for both lines, got %d", item.Reserved)
	}

	// Одна позиция — одна строка резерва, леджер сходится с записью.
	open, _ := f.repo.OpenReservations("ord-1")
	if len(open) != 1 || open[0].Qty != 5 {
		t.Errorf("unexpected open reservations %+v", open)
	}
}

func TestReleaseSubsetOfLines(t *testing.T) {
	f := newEngineFixture(t)
	f.seed(t, "prod-1", "main", domain.InventoryItem{Quantity: 10})
	f.seed(t, "prod-2", "main", domain.InventoryItem{Quantity: 10})

	if _, err := f.engine.Reserve("ord-1", []domain.ReservationLine{
		{ProductID: "prod-1", Location: "main", Qty: 4},
		{ProductID: "prod-2", Location: "main", Qty: 3},
	}); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// Запрошено больше открытого резерва: снимается только открытая часть,
	// позиция без резерва пропускается.
	if err := f.engine.Release("ord-1", []domain.ReservationLine{
		{ProductID: "prod-1", Location: "main", Qty: 9},
		{ProductID: "prod-9", Location: "main", Qty: 1},
	}); err != nil {
		t.Fatalf("release subset: %v", err)
	}

	first, _ := f.repo.Get("prod-1", "main")
	second, _ := f.repo.Get("prod-2", "main")
	if first.Reserved != 0 {
		t.Errorf("released line must be closed, reserved %d", first.Reserved)
	}
	if second.Reserved != 3 {
		t.Errorf("untouched line must stay reserved, got %d", second.Reserved)
	}

	open, _ := f.repo.OpenReservations("ord-1")
	if len(open) != 1 || open[0].ProductID != "prod-2" {
		t.Errorf("unexpected open reservations %+v", open)
	}
}

func TestAdjustClampsQuantityAtZero(t *testing.T) {
	f := newEngineFixture(t)
	f.seed(t, "prod-1", "main", domain.InventoryItem{Quantity: 5})

	if err := f.engine.Adjust("prod-1", "main", -10, "inventory check"); err != nil {
		t.Fatalf("adjust below zero must clamp, got %v", err)
	}

	item, _ := f.repo.Get("prod-1", "main")
	if item.Quantity != 0 {
		t.Errorf("expected quantity 0, got %d", item.Quantity)
	}

	// В леджер попадает фактическая дельта, аудит сходится.
	rows, _ := f.repo.Ledger("prod-1", "main", 1)
	if len(rows) != 1 || rows[0].Delta != -5 {
		t.Fatalf("expected applied delta -5, got %+v", rows)
	}
	all, _ := f.repo.Ledger("prod-1", "main", 0)
	if sum := domain.QuantityDeltaSum(all); sum != item.Quantity {
		t.Errorf("ledger audit broken: sum %d, quantity %d", sum, item.Quantity)
	}
}

func TestTransferWritesLinkedLedgerRows(t *testing.T) {
	f := newEngineFixture(t)
	f.seed(t, "prod-1", "wh-a", domain.InventoryItem{Quantity: 25})

	if err := f.engine.Transfer("prod-1", "wh-a", "wh-b", 10); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	source, _ := f.repo.Get("prod-1", "wh-a")
	dest, _ := f.repo.Get("prod-1", "wh-b")
	if source.Quantity != 15 || dest.Quantity != 10 {
		t.Errorf("quantities after transfer: %d, %d", source.Quantity, dest.Quantity)
	}

	outRows, _ := f.repo.Ledger("prod-1", "wh-a", 1)
	inRows, _ := f.repo.Ledger("prod-1", "wh-b", 1)
	if len(outRows) != 1 || len(inRows) != 1 {
		t.Fatal("expected ledger rows on both sides")
	}
	if outRows[0].CounterpartID != inRows[0].ID || inRows[0].CounterpartID != outRows[0].ID {
		t.Error("transfer rows must reference each other")
	}
	if outRows[0].Delta != -10 || inRows[0].Delta != 10 {
		t.Errorf("unexpected deltas %d, %d", outRows[0].Delta, inRows[0].Delta)
	}
}

func TestTransferCopiesPolicyToNewLocation(t *testing.T) {
	f := newEngineFixture(t)
	f.seed(t, "prod-1", "wh-a", domain.InventoryItem{
		Quantity:         20,
		SKU:              "SKU-1",
		BackorderEnabled: true,
		BackorderLimit:   5,
		ReorderPoint:     8,
		ReorderQty:       30,
	})

	if err := f.engine.Transfer("prod-1", "wh-a", "wh-b", 10); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	dest, err := f.repo.Get("prod-1", "wh-b")
	if err != nil {
		t.Fatalf("get destination: %v", err)
	}
	if !dest.BackorderEnabled || dest.BackorderLimit != 5 {
		t.Errorf("backorder policy not copied: %+v", dest)
	}
	if dest.ReorderPoint != 8 || dest.ReorderQty != 30 {
		t.Errorf("reorder policy not copied: %+v", dest)
	}
	if dest.SKU != "SKU-1" {
		t.Errorf("sku not copied: %q", dest.SKU)
	}
}

func TestTransferValidation(t *testing.T) {
	f := newEngineFixture(t)
	f.seed(t, "prod-1", "wh-a", domain.InventoryItem{Quantity: 5, Reserved: 4})

	if err := f.engine.Transfer("prod-1", "wh-a", "wh-a", 1); !errors.Is(err, domain.ErrTransferInvalid) {
		t.Errorf("same location must be rejected, got %v", err)
	}
	if err := f.engine.Transfer("prod-1", "wh-a", "wh-b", 0); !errors.Is(err, domain.ErrTransferInvalid) {
		t.Errorf("zero qty must be rejected, got %v", err)
	}
	// Перемещать можно только свободный остаток.
	if err := f.engine.Transfer("prod-1", "wh-a", "wh-b", 2); !errors.Is(err, domain.ErrInsufficientStock) {
		t.Errorf("reserved stock must not transfer, got %v", err)
	}
}

func TestLowStockEmittedOnceOnCrossing(t *testing.T) {
	f := newEngineFixture(t)
	f.seed(t, "prod-1", "main", domain.InventoryItem{
		Quantity:     10,
		ReorderPoint: 5,
		ReorderQty:   20,
	})

	// 10 -> 6: порог не пересечён.
	if err := f.engine.Adjust("prod-1", "main", -4, "shrinkage"); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if got := len(f.outbox.byKey(events.KeyInventoryLowStock)); got != 0 {
		t.Fatalf("no crossing yet, events %d", got)
	}

	// 6 -> 4: пересечение сверху вниз, одно событие.
	if err := f.engine.Adjust("prod-1", "main", -2, "shrinkage"); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if got := len(f.outbox.byKey(events.KeyInventoryLowStock)); got != 1 {
		t.Fatalf("expected single low stock event, got %d", got)
	}

	// 4 -> 3: уже ниже порога, событие не повторяется.
	if err := f.engine.Adjust("prod-1", "main", -1, "shrinkage"); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if got := len(f.outbox.byKey(events.KeyInventoryLowStock)); got != 1 {
		t.Fatalf("edge trigger violated, events %d", got)
	}
}

func TestCommitSaleClosesReservationAndLedgerAudit(t *testing.T) {
	f := newEngineFixture(t)
	f.seed(t, "prod-1", "main", domain.InventoryItem{Quantity: 10})

	if _, err := f.engine.Reserve("ord-1", []domain.ReservationLine{
		{ProductID: "prod-1", Location: "main", Qty: 3},
	}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := f.engine.CommitSale("ord-1"); err != nil {
		t.Fatalf("commit sale: %v", err)
	}
	if err := f.engine.CommitSale("ord-1"); err != nil {
		t.Fatalf("commit replay must be no-op, got %v", err)
	}

	item, _ := f.repo.Get("prod-1", "main")
	if item.Quantity != 7 || item.Reserved != 0 {
		t.Errorf("after sale: quantity %d reserved %d", item.Quantity, item.Reserved)
	}

	rows, _ := f.repo.Ledger("prod-1", "main", 0)
	if sum := domain.QuantityDeltaSum(rows); sum != item.Quantity {
		t.Errorf("ledger audit broken: sum %d, quantity %d", sum, item.Quantity)
	}

	open, _ := f.repo.OpenReservations("ord-1")
	if len(open) != 0 {
		t.Errorf("reservation must be closed, got %v", open)
	}
}

func TestRestockCreatesRecordAndReturnTopsUp(t *testing.T) {
	f := newEngineFixture(t)

	if err := f.engine.Restock("prod-9", "main", 12, "po-1"); err != nil {
		t.Fatalf("restock: %v", err)
	}
	item, err := f.repo.Get("prod-9", "main")
	if err != nil {
		t.Fatalf("get created record: %v", err)
	}
	if item.Quantity != 12 || !item.Active {
		t.Errorf("unexpected created record %+v", item)
	}

	if err := f.engine.Return("ord-1", []domain.ReservationLine{
		{ProductID: "prod-9", Location: "main", Qty: 2},
	}); err != nil {
		t.Fatalf("return: %v", err)
	}
	item, _ = f.repo.Get("prod-9", "main")
	if item.Quantity != 14 {
		t.Errorf("expected quantity 14, got %d", item.Quantity)
	}

	rows, _ := f.repo.Ledger("prod-9", "main", 0)
	if sum := domain.QuantityDeltaSum(rows); sum != item.Quantity {
		t.Errorf("ledger audit broken: sum %d, quantity %d", sum, item.Quantity)
	}
}

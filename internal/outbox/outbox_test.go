package outbox_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"taskwell/internal/db"
	"taskwell/internal/domain"
	"taskwell/internal/migrate"
	"taskwell/internal/outbox"
)

func newTestStore(t *testing.T) (outbox.Store, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return outbox.Store{DB: conn}, conn
}

func appendEvents(t *testing.T, store outbox.Store, conn *sql.DB, events []domain.Event) {
	t.Helper()
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := store.Append(ctx, tx, events); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func makeEvent(kind domain.EventKind, at time.Time) domain.Event {
	return domain.Event{
		ID:          uuid.New(),
		Kind:        kind,
		AggregateID: uuid.New(),
		Payload:     map[string]any{"k": string(kind)},
		OccurredAt:  at,
	}
}

func TestFetchUndeliveredOrder(t *testing.T) {
	store, conn := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// Insert with descending timestamps; fetch order must still follow
	// insertion order, not occurrence time.
	events := []domain.Event{
		makeEvent(domain.EventProjectCreated, base.Add(3*time.Second)),
		makeEvent(domain.EventTodoCreated, base.Add(2*time.Second)),
		makeEvent(domain.EventTodoStarted, base.Add(time.Second)),
	}
	appendEvents(t, store, conn, events)

	entries, err := store.FetchUndelivered(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, entry := range entries {
		if entry.ID != events[i].ID {
			t.Fatalf("entry %d out of order: got %s want %s", i, entry.ID, events[i].ID)
		}
		if entry.Delivered {
			t.Fatalf("entry %d already delivered", i)
		}
	}
	if entries[0].Seq >= entries[1].Seq || entries[1].Seq >= entries[2].Seq {
		t.Fatalf("seq not monotonic: %d %d %d", entries[0].Seq, entries[1].Seq, entries[2].Seq)
	}
}

func TestMarkDelivered(t *testing.T) {
	store, conn := newTestStore(t)
	ctx := context.Background()
	ev := makeEvent(domain.EventTodoCompleted, time.Now())
	appendEvents(t, store, conn, []domain.Event{ev})

	if err := store.MarkDelivered(ctx, ev.ID); err != nil {
		t.Fatal(err)
	}
	entries, err := store.FetchUndelivered(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("delivered entry still fetched: %v", entries)
	}

	// Re-marking is a no-op, unknown ids are reported.
	if err := store.MarkDelivered(ctx, ev.ID); err != nil {
		t.Fatalf("re-mark: %v", err)
	}
	if err := store.MarkDelivered(ctx, uuid.New()); !errors.Is(err, outbox.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	all, err := store.List(ctx, true, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || !all[0].Delivered || all[0].DeliveredAt == nil {
		t.Fatalf("delivered flags not persisted: %+v", all)
	}
}

func TestListFiltersDelivered(t *testing.T) {
	store, conn := newTestStore(t)
	ctx := context.Background()
	first := makeEvent(domain.EventTodoCreated, time.Now())
	second := makeEvent(domain.EventTodoStarted, time.Now())
	appendEvents(t, store, conn, []domain.Event{first, second})
	if err := store.MarkDelivered(ctx, first.ID); err != nil {
		t.Fatal(err)
	}

	pending, err := store.List(ctx, false, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != second.ID {
		t.Fatalf("unexpected pending set: %+v", pending)
	}
	all, err := store.List(ctx, true, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 entries with delivered included, got %d", len(all))
	}
}

package fixture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixtures.json")
	opts = append(opts, WithLogger(zap.NewNop().Sugar()))
	return NewStore(path, opts...)
}

func intValue(t *testing.T, doc Document, key string) int {
	t.Helper()
	raw, ok := doc[key]
	if !ok {
		t.Fatalf("key %q missing from document", key)
	}
	var v int
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode %q: %v", key, err)
	}
	return v
}

func TestReadMissingFileCreatesEmptyDocument(t *testing.T) {
	store := newTestStore(t)

	doc := store.Read()
	if len(doc) != 0 {
		t.Fatalf("expected empty document, got %d keys", len(doc))
	}

	raw, err := os.ReadFile(store.Path())
	if err != nil {
		t.Fatalf("read persisted document: %v", err)
	}
	var persisted map[string]any
	if err := json.Unmarshal(raw, &persisted); err != nil {
		t.Fatalf("persisted document is not valid JSON: %v", err)
	}
	if len(persisted) != 0 {
		t.Fatalf("expected empty persisted object, got %v", persisted)
	}
}

func TestReadCorruptFileResetsDocument(t *testing.T) {
	var changes []Change
	store := newTestStore(t, WithNotify(func(c Change) { changes = append(changes, c) }))

	if err := os.WriteFile(store.Path(), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}

	doc := store.Read()
	if len(doc) != 0 {
		t.Fatalf("expected empty document after corrupt read, got %d keys", len(doc))
	}

	raw, err := os.ReadFile(store.Path())
	if err != nil {
		t.Fatalf("read persisted document: %v", err)
	}
	var persisted map[string]any
	if err := json.Unmarshal(raw, &persisted); err != nil {
		t.Fatalf("expected valid empty-object JSON after reset, got %q", raw)
	}
	if len(persisted) != 0 {
		t.Fatalf("expected empty object after reset, got %v", persisted)
	}

	if len(changes) != 1 || changes[0].Op != OpRecover {
		t.Fatalf("expected one recover notification, got %+v", changes)
	}
}

func TestReadNonObjectDocumentResets(t *testing.T) {
	store := newTestStore(t)

	if err := os.WriteFile(store.Path(), []byte("null"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	if doc := store.Read(); len(doc) != 0 {
		t.Fatalf("expected empty document, got %v", doc)
	}

	raw, err := os.ReadFile(store.Path())
	if err != nil {
		t.Fatalf("read persisted document: %v", err)
	}
	var persisted map[string]any
	if err := json.Unmarshal(raw, &persisted); err != nil {
		t.Fatalf("expected object after reset, got %q", raw)
	}
}

func TestUpdateMergesShallowOverwrite(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Update(ctx, Document{"a": json.RawMessage(`1`), "nested": json.RawMessage(`{"x":1,"y":2}`)}); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if err := store.Update(ctx, Document{"b": json.RawMessage(`2`), "nested": json.RawMessage(`{"z":3}`)}); err != nil {
		t.Fatalf("second update: %v", err)
	}

	doc := store.Read()
	if got := intValue(t, doc, "a"); got != 1 {
		t.Fatalf("expected a=1, got %d", got)
	}
	if got := intValue(t, doc, "b"); got != 2 {
		t.Fatalf("expected b=2, got %d", got)
	}

	var nested map[string]int
	if err := json.Unmarshal(doc["nested"], &nested); err != nil {
		t.Fatalf("decode nested: %v", err)
	}
	if !reflect.DeepEqual(nested, map[string]int{"z": 3}) {
		t.Fatalf("expected nested value replaced wholesale, got %v", nested)
	}
}

func TestConcurrentUpdatesKeepAllKeys(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const writers = 16
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			patch := Document{fmt.Sprintf("key%02d", i): json.RawMessage(fmt.Sprintf("%d", i))}
			errs[i] = store.Update(ctx, patch)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("writer %d failed: %v", i, err)
		}
	}

	doc := store.Read()
	if len(doc) != writers {
		t.Fatalf("expected %d keys, got %d", writers, len(doc))
	}
	for i := 0; i < writers; i++ {
		key := fmt.Sprintf("key%02d", i)
		if got := intValue(t, doc, key); got != i {
			t.Fatalf("expected %s=%d, got %d", key, i, got)
		}
	}
}

func TestConcurrentUpdatesBothKeysPresent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var errA, errB error
	wg.Add(2)
	go func() {
		defer wg.Done()
		errA = store.Update(ctx, Document{"a": json.RawMessage(`1`)})
	}()
	go func() {
		defer wg.Done()
		errB = store.Update(ctx, Document{"b": json.RawMessage(`2`)})
	}()
	wg.Wait()

	if errA != nil || errB != nil {
		t.Fatalf("updates failed: %v / %v", errA, errB)
	}

	doc := store.Read()
	if got := intValue(t, doc, "a"); got != 1 {
		t.Fatalf("expected a=1, got %d", got)
	}
	if got := intValue(t, doc, "b"); got != 2 {
		t.Fatalf("expected b=2, got %d", got)
	}
}

func TestOverlappingSameKeyLastClaimWins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Hold the slot so both writers queue behind an in-flight cycle, then
	// stagger their arrival to pin the claim order.
	store.slot <- struct{}{}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := store.Update(ctx, Document{"x": json.RawMessage(`1`)}); err != nil {
			t.Errorf("first update: %v", err)
		}
	}()
	time.Sleep(50 * time.Millisecond)
	go func() {
		defer wg.Done()
		if err := store.Update(ctx, Document{"x": json.RawMessage(`2`)}); err != nil {
			t.Errorf("second update: %v", err)
		}
	}()
	time.Sleep(50 * time.Millisecond)

	<-store.slot
	wg.Wait()

	if got := intValue(t, store.Read(), "x"); got != 2 {
		t.Fatalf("expected last-claimed cycle to win with x=2, got %d", got)
	}
}

func TestUpdateWaitsForInFlightCycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.slot <- struct{}{}

	done := make(chan error, 1)
	go func() {
		done <- store.Update(ctx, Document{"k": json.RawMessage(`true`)})
	}()

	select {
	case err := <-done:
		t.Fatalf("update finished while another cycle was in flight: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	<-store.slot

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("queued update failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("queued update never ran after slot cleared")
	}

	if _, ok := store.Read()["k"]; !ok {
		t.Fatalf("expected queued update to be persisted")
	}
}

func TestUpdateContextCancelledWhileWaiting(t *testing.T) {
	store := newTestStore(t)

	store.slot <- struct{}{}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := store.Update(ctx, Document{"k": json.RawMessage(`1`)})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}

	<-store.slot

	if err := store.Update(context.Background(), Document{"k": json.RawMessage(`2`)}); err != nil {
		t.Fatalf("store unusable after abandoned wait: %v", err)
	}
	if got := intValue(t, store.Read(), "k"); got != 2 {
		t.Fatalf("expected k=2, got %d", got)
	}
}

func TestFailedCycleReleasesSlot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.Update(ctx, Document{"bad": json.RawMessage(`{oops`)})
	if err == nil {
		t.Fatalf("expected error for unencodable patch value")
	}

	if err := store.Update(ctx, Document{"good": json.RawMessage(`1`)}); err != nil {
		t.Fatalf("slot not released after failed cycle: %v", err)
	}
	if got := intValue(t, store.Read(), "good"); got != 1 {
		t.Fatalf("expected good=1, got %d", got)
	}
}

func TestWriteFailureSurfacesToOwnCallerOnly(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "missing", "fixtures.json"),
		WithLogger(zap.NewNop().Sugar()))
	ctx := context.Background()

	if err := store.Update(ctx, Document{"a": json.RawMessage(`1`)}); err == nil {
		t.Fatalf("expected write failure for missing directory")
	}

	// The slot survives the failure; once the directory exists the next
	// caller's cycle proceeds normally.
	if err := os.Mkdir(filepath.Join(dir, "missing"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := store.Update(ctx, Document{"a": json.RawMessage(`2`)}); err != nil {
		t.Fatalf("update after repairing directory: %v", err)
	}
	if got := intValue(t, store.Read(), "a"); got != 2 {
		t.Fatalf("expected a=2, got %d", got)
	}
}

func TestResetEmptiesDocument(t *testing.T) {
	var changes []Change
	store := newTestStore(t, WithNotify(func(c Change) { changes = append(changes, c) }))
	ctx := context.Background()

	if err := store.Update(ctx, Document{"a": json.RawMessage(`1`)}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}

	if doc := store.Read(); len(doc) != 0 {
		t.Fatalf("expected empty document after reset, got %v", doc)
	}

	if len(changes) != 2 {
		t.Fatalf("expected two notifications, got %+v", changes)
	}
	if changes[0].Op != OpUpdate || !reflect.DeepEqual(changes[0].Keys, []string{"a"}) {
		t.Fatalf("unexpected update notification: %+v", changes[0])
	}
	if changes[1].Op != OpReset || changes[1].Keys != nil {
		t.Fatalf("unexpected reset notification: %+v", changes[1])
	}
}

func TestNotifyKeysSorted(t *testing.T) {
	var changes []Change
	store := newTestStore(t, WithNotify(func(c Change) { changes = append(changes, c) }))

	patch := Document{
		"zebra": json.RawMessage(`1`),
		"alpha": json.RawMessage(`2`),
		"mango": json.RawMessage(`3`),
	}
	if err := store.Update(context.Background(), patch); err != nil {
		t.Fatalf("update: %v", err)
	}

	want := []string{"alpha", "mango", "zebra"}
	if len(changes) != 1 || !reflect.DeepEqual(changes[0].Keys, want) {
		t.Fatalf("expected sorted keys %v, got %+v", want, changes)
	}
}

func TestReadDoesNotWaitForInFlightCycle(t *testing.T) {
	store := newTestStore(t)

	if err := store.Update(context.Background(), Document{"a": json.RawMessage(`1`)}); err != nil {
		t.Fatalf("seed update: %v", err)
	}

	store.slot <- struct{}{}
	defer func() { <-store.slot }()

	done := make(chan Document, 1)
	go func() { done <- store.Read() }()

	select {
	case doc := <-done:
		if got := intValue(t, doc, "a"); got != 1 {
			t.Fatalf("expected a=1, got %d", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("read blocked on in-flight cycle")
	}
}

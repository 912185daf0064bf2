package offline_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"siteorder/internal/domain"
	"siteorder/internal/offline"
)

type memStore struct {
	mu        sync.Mutex
	orders    []domain.QueuedOrder
	abandoned []domain.QueuedOrder
}

func (m *memStore) QueuedOrders(ctx context.Context, workerID string) ([]domain.QueuedOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.QueuedOrder(nil), m.orders...), nil
}

func (m *memStore) InsertQueuedOrder(ctx context.Context, o domain.QueuedOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.find(o.ID) < 0 {
		m.orders = append(m.orders, o)
	}
	return nil
}

func (m *memStore) UpdateQueuedOrder(ctx context.Context, o domain.QueuedOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.find(o.ID); i >= 0 {
		m.orders[i] = o
	}
	return nil
}

func (m *memStore) DeleteQueuedOrder(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remove(id)
	return nil
}

func (m *memStore) RecordAbandoned(ctx context.Context, o domain.QueuedOrder, now string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.remove(o.ID) {
		m.abandoned = append(m.abandoned, o)
	}
	return nil
}

func (m *memStore) find(id string) int {
	for i, o := range m.orders {
		if o.ID == id {
			return i
		}
	}
	return -1
}

func (m *memStore) remove(id string) bool {
	i := m.find(id)
	if i < 0 {
		return false
	}
	m.orders = append(m.orders[:i:i], m.orders[i+1:]...)
	return true
}

func (m *memStore) snapshot() []domain.QueuedOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.QueuedOrder(nil), m.orders...)
}

type submitter struct {
	mu      sync.Mutex
	calls   map[string]int
	err     error
	gate    chan struct{}
	entered chan struct{}
	// after runs once each submission has been counted.
	after func()
}

func (s *submitter) Submit(ctx context.Context, o domain.QueuedOrder) (domain.OrderReceipt, error) {
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	s.calls[o.ID]++
	if s.after != nil {
		s.after()
	}
	if s.err != nil {
		return domain.OrderReceipt{}, s.err
	}
	return domain.OrderReceipt{OrderID: "srv-" + o.ID, OrderNumber: "#ORD-2026-001", IsAutoApproved: true}, nil
}

func newQueue(t *testing.T, store *memStore, sub *submitter, online *bool) *offline.Queue {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	q, err := offline.Open(context.Background(), offline.Options{
		WorkerID:  "w1",
		Store:     store,
		Submitter: sub,
		Connectivity: offline.ConnectivityFunc(func(context.Context) bool {
			return online == nil || *online
		}),
		Now: func() time.Time { return time.Date(2026, 3, 2, 7, 30, 0, 0, time.UTC) },
		Log: log,
	})
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	return q
}

func order() domain.QueuedOrder {
	return domain.QueuedOrder{
		ProjectID: "proj",
		Items:     []domain.QueuedOrderItem{{ProductID: "p1", Name: "Safety gloves", Quantity: 2}},
		Priority:  domain.PriorityNormal,
	}
}

func TestEnqueueAssignsIdentity(t *testing.T) {
	store := &memStore{}
	q := newQueue(t, store, &submitter{}, nil)
	o, err := q.Enqueue(context.Background(), order())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if o.ID == "" || o.QueuedAt != "2026-03-02T07:30:00Z" || o.RetryCount != 0 || o.WorkerID != "w1" {
		t.Fatalf("unexpected queued order %+v", o)
	}
	if len(store.orders) != 1 {
		t.Fatalf("order not persisted")
	}
}

func TestDrainDeliversExactlyOnce(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	sub := &submitter{}
	q := newQueue(t, store, sub, nil)
	o, _ := q.Enqueue(ctx, order())

	report, err := q.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(report.Delivered) != 1 || report.Delivered[0].Receipt.OrderID != "srv-"+o.ID {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(q.Pending()) != 0 || len(store.orders) != 0 {
		t.Fatalf("delivered order still queued")
	}
	report, err = q.ProcessQueue(ctx)
	if err != nil || report.Skipped != "queue empty" {
		t.Fatalf("second drain: %+v %v", report, err)
	}
	if sub.calls[o.ID] != 1 {
		t.Fatalf("expected one submission, got %d", sub.calls[o.ID])
	}
}

func TestPersistentFailureAbandonsAfterFiveAttempts(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	sub := &submitter{err: errors.New("status 503: unavailable")}
	q := newQueue(t, store, sub, nil)
	o, _ := q.Enqueue(ctx, order())

	for i := 1; i <= 4; i++ {
		report, err := q.ProcessQueue(ctx)
		if err != nil {
			t.Fatalf("drain %d: %v", i, err)
		}
		pending := q.Pending()
		if len(pending) != 1 || pending[0].RetryCount != i {
			t.Fatalf("after %d failures: %+v", i, pending)
		}
		if len(report.Retried) != 1 {
			t.Fatalf("drain %d: expected retry in report", i)
		}
	}
	report, err := q.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("final drain: %v", err)
	}
	if len(report.Abandoned) != 1 || report.Abandoned[0].ID != o.ID {
		t.Fatalf("expected abandonment, got %+v", report)
	}
	if len(q.Pending()) != 0 || len(store.orders) != 0 {
		t.Fatalf("abandoned order still queued")
	}
	if len(store.abandoned) != 1 || store.abandoned[0].LastError == "" {
		t.Fatalf("abandoned order not archived: %+v", store.abandoned)
	}
}

func TestOfflineDrainIsNoop(t *testing.T) {
	ctx := context.Background()
	online := false
	sub := &submitter{}
	q := newQueue(t, &memStore{}, sub, &online)
	_, _ = q.Enqueue(ctx, order())
	report, err := q.Signal(ctx, offline.BecameVisible)
	if err != nil || report.Skipped != "offline" {
		t.Fatalf("expected offline skip, got %+v %v", report, err)
	}
	if len(sub.calls) != 0 {
		t.Fatalf("submitted while offline")
	}
	online = true
	report, err = q.Signal(ctx, offline.WentOnline)
	if err != nil || len(report.Delivered) != 1 {
		t.Fatalf("expected delivery once online, got %+v %v", report, err)
	}
}

func TestSingleFlightDrain(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	sub := &submitter{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	q := newQueue(t, store, sub, nil)
	first, _ := q.Enqueue(ctx, order())

	done := make(chan offline.DrainReport)
	go func() {
		report, _ := q.ProcessQueue(ctx)
		done <- report
	}()
	<-sub.entered

	report, err := q.Signal(ctx, offline.Tick)
	if err != nil || report.Skipped != "drain in progress" {
		t.Fatalf("expected concurrent drain to be skipped, got %+v %v", report, err)
	}
	late, err := q.Enqueue(ctx, order())
	if err != nil {
		t.Fatalf("enqueue during drain: %v", err)
	}
	close(sub.gate)
	firstReport := <-done
	if len(firstReport.Delivered) != 1 || firstReport.Delivered[0].Order.ID != first.ID {
		t.Fatalf("unexpected first drain %+v", firstReport)
	}
	pending := q.Pending()
	if len(pending) != 1 || pending[0].ID != late.ID || pending[0].RetryCount != 0 {
		t.Fatalf("order enqueued during drain lost: %+v", pending)
	}
}

func TestOpenRestoresPersistedQueue(t *testing.T) {
	store := &memStore{orders: []domain.QueuedOrder{{ID: "kept", RetryCount: 2}}}
	q := newQueue(t, store, &submitter{}, nil)
	pending := q.Pending()
	if len(pending) != 1 || pending[0].ID != "kept" || pending[0].RetryCount != 2 {
		t.Fatalf("persisted queue not restored: %+v", pending)
	}
}

func TestQueuesSharingAStore(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	watchSub := &submitter{err: errors.New("status 502: bad gateway")}
	watch := newQueue(t, store, watchSub, nil)
	checkoutOnline := false
	checkout := newQueue(t, store, &submitter{}, &checkoutOnline)

	b, err := checkout.Enqueue(ctx, order())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// The watcher opened before b existed and must not wipe it out.
	report, err := watch.Signal(ctx, offline.Tick)
	if err != nil {
		t.Fatalf("watch tick: %v", err)
	}
	if len(report.Retried) != 1 || report.Retried[0].ID != b.ID {
		t.Fatalf("expected b to be retried, got %+v", report)
	}
	stored := store.snapshot()
	if len(stored) != 1 || stored[0].ID != b.ID || stored[0].RetryCount != 1 {
		t.Fatalf("b lost or not updated: %+v", stored)
	}

	c, err := checkout.Enqueue(ctx, order())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got := store.snapshot(); len(got) != 2 {
		t.Fatalf("expected b and c stored, got %+v", got)
	}
	watchSub.err = nil
	report, err = watch.Signal(ctx, offline.Tick)
	if err != nil {
		t.Fatalf("watch tick: %v", err)
	}
	if len(report.Delivered) != 2 || report.Delivered[1].Order.ID != c.ID {
		t.Fatalf("expected b and c delivered, got %+v", report)
	}
	if got := store.snapshot(); len(got) != 0 {
		t.Fatalf("delivered orders still stored: %+v", got)
	}

	checkoutOnline = true
	report, err = checkout.ProcessQueue(ctx)
	if err != nil || report.Skipped != "queue empty" {
		t.Fatalf("checkout should see the emptied queue, got %+v %v", report, err)
	}
}

func TestPlaceSubmitsDirectly(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	sub := &submitter{}
	q := newQueue(t, store, sub, nil)
	p, err := q.Place(ctx, order())
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if p.Queued || p.Receipt == nil || p.Receipt.OrderID != "srv-"+p.Order.ID {
		t.Fatalf("expected direct delivery, got %+v", p)
	}
	if len(store.snapshot()) != 0 || sub.calls[p.Order.ID] != 1 {
		t.Fatalf("direct delivery should not touch the queue")
	}
}

func TestPlaceQueuesFailureWithoutCountingIt(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	sub := &submitter{err: errors.New("dial tcp: network is unreachable")}
	q := newQueue(t, store, sub, nil)
	p, err := q.Place(ctx, order())
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if !p.Queued || p.Receipt != nil || p.Err == "" {
		t.Fatalf("expected the order to be queued, got %+v", p)
	}
	pending := q.Pending()
	if len(pending) != 1 || pending[0].RetryCount != 0 || pending[0].LastError != p.Err {
		t.Fatalf("unexpected queue %+v", pending)
	}
	if stored := store.snapshot(); len(stored) != 1 || stored[0].RetryCount != 0 {
		t.Fatalf("unexpected stored queue %+v", stored)
	}
	if sub.calls[p.Order.ID] != 1 {
		t.Fatalf("expected one attempt, got %d", sub.calls[p.Order.ID])
	}
}

func TestPlaceOfflineQueuesWithoutSubmitting(t *testing.T) {
	online := false
	sub := &submitter{}
	q := newQueue(t, &memStore{}, sub, &online)
	p, err := q.Place(context.Background(), order())
	if err != nil || !p.Queued {
		t.Fatalf("expected queued placement, got %+v %v", p, err)
	}
	if len(sub.calls) != 0 || q.Pending()[0].RetryCount != 0 {
		t.Fatalf("offline placement must not submit")
	}
}

func TestCancelledDrainLeavesUntriedOrders(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &memStore{}
	sub := &submitter{after: cancel}
	q := newQueue(t, store, sub, nil)
	first, _ := q.Enqueue(ctx, order())
	second, _ := q.Enqueue(ctx, order())

	report, err := q.ProcessQueue(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if report.Attempted != 1 || len(report.Delivered) != 1 || report.Delivered[0].Order.ID != first.ID {
		t.Fatalf("unexpected report %+v", report)
	}
	if sub.calls[second.ID] != 0 {
		t.Fatalf("second order submitted after cancellation")
	}
	stored := store.snapshot()
	if len(stored) != 1 || stored[0].ID != second.ID || stored[0].RetryCount != 0 {
		t.Fatalf("untried order should be untouched, got %+v", stored)
	}
	if q.Draining() {
		t.Fatalf("drain flag not released")
	}
}

func TestDescribeItems(t *testing.T) {
	o := domain.QueuedOrder{Items: []domain.QueuedOrderItem{{ProductID: "p1", Name: "Gloves", Quantity: 3}, {ProductID: "p2", Quantity: 1}}}
	if got := offline.DescribeItems(o); got != "3x Gloves, 1x p2" {
		t.Fatalf("got %q", got)
	}
}

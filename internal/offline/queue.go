package offline

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"siteorder/internal/domain"
	"siteorder/internal/events"
)

// Submitter delivers one order to the order endpoint.
type Submitter interface {
	Submit(ctx context.Context, o domain.QueuedOrder) (domain.OrderReceipt, error)
}

// Connectivity is the live network probe.
type Connectivity interface {
	Online(ctx context.Context) bool
}

type ConnectivityFunc func(ctx context.Context) bool

func (f ConnectivityFunc) Online(ctx context.Context) bool { return f(ctx) }

// AlwaysOnline reports connectivity unconditionally.
var AlwaysOnline = ConnectivityFunc(func(context.Context) bool { return true })

// Store persists the pending list and the abandoned archive one order at a
// time, so several processes may share it. repo.Repo implements it.
type Store interface {
	QueuedOrders(ctx context.Context, workerID string) ([]domain.QueuedOrder, error)
	InsertQueuedOrder(ctx context.Context, o domain.QueuedOrder) error
	UpdateQueuedOrder(ctx context.Context, o domain.QueuedOrder) error
	DeleteQueuedOrder(ctx context.Context, id string) error
	RecordAbandoned(ctx context.Context, o domain.QueuedOrder, now string) error
}

// Journal records queue transitions; events.Writer implements it.
type Journal interface {
	Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload events.EventPayload) error
}

type Options struct {
	WorkerID      string
	Store         Store
	Submitter     Submitter
	Connectivity  Connectivity
	Journal       Journal
	MaxRetries    int
	Interval      time.Duration
	SubmitTimeout time.Duration
	Now           func() time.Time
	Log           logrus.FieldLogger
}

// Delivery pairs a delivered order with the endpoint's receipt.
type Delivery struct {
	Order   domain.QueuedOrder  `json:"order"`
	Receipt domain.OrderReceipt `json:"receipt"`
}

// Placement is the outcome of Place: a receipt when the order went through
// right away, or the queued order and the error that sent it to the queue.
type Placement struct {
	Order   domain.QueuedOrder   `json:"order"`
	Receipt *domain.OrderReceipt `json:"receipt,omitempty"`
	Queued  bool                 `json:"queued"`
	Err     string               `json:"error,omitempty"`
}

// DrainReport summarises one processQueue attempt.
type DrainReport struct {
	Skipped   string               `json:"skipped,omitempty"`
	Attempted int                  `json:"attempted"`
	Delivered []Delivery           `json:"delivered"`
	Retried   []domain.QueuedOrder `json:"retried"`
	Abandoned []domain.QueuedOrder `json:"abandoned"`
	Remaining int                  `json:"remaining"`
}

type Queue struct {
	opts  Options
	mu    sync.Mutex
	state State
}

// Open loads the worker's persisted queue.
func Open(ctx context.Context, opts Options) (*Queue, error) {
	if opts.Store == nil || opts.Submitter == nil {
		return nil, fmt.Errorf("offline queue needs a store and a submitter")
	}
	if opts.Connectivity == nil {
		opts.Connectivity = AlwaysOnline
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	opts.Log = opts.Log.WithField("component", "offline").WithField("worker_id", opts.WorkerID)
	q := &Queue{opts: opts}
	if err := q.refresh(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// refresh reloads the pending list; another process may have queued or
// delivered orders since the last read.
func (q *Queue) refresh(ctx context.Context) error {
	orders, err := q.opts.Store.QueuedOrders(ctx, q.opts.WorkerID)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	_, err = q.dispatch(ctx, Event{Kind: Loaded, Orders: orders})
	return err
}

// Pending returns a copy of the queued orders.
func (q *Queue) Pending() []domain.QueuedOrder {
	q.mu.Lock()
	defer q.mu.Unlock()
	return copyOrders(q.state.Orders)
}

func (q *Queue) Draining() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state.Draining
}

// Enqueue assigns an id and timestamp and stores the order. The id is reused
// as idempotency key on every retry.
func (q *Queue) Enqueue(ctx context.Context, o domain.QueuedOrder) (domain.QueuedOrder, error) {
	o = q.stamp(o)
	o.LastError = ""
	return q.save(ctx, o)
}

// Place submits o straight away when the device is online and queues it only
// if that fails. A queued order starts with no retries counted; the failed
// first attempt is kept in LastError.
func (q *Queue) Place(ctx context.Context, o domain.QueuedOrder) (Placement, error) {
	o = q.stamp(o)
	o.LastError = "offline"
	if q.opts.Connectivity.Online(ctx) {
		sctx, cancel := context.WithTimeout(ctx, q.opts.SubmitTimeout)
		receipt, err := q.opts.Submitter.Submit(sctx, o)
		cancel()
		if err == nil {
			q.journal(ctx, events.QueueDelivered, o, events.EventPayload{"orderNumber": receipt.OrderNumber, "direct": true})
			q.opts.Log.WithField("order_id", o.ID).WithField("order_number", receipt.OrderNumber).Info("order submitted")
			return Placement{Order: o, Receipt: &receipt}, nil
		}
		q.opts.Log.WithField("order_id", o.ID).WithError(err).Warn("submit order, queueing")
		o.LastError = err.Error()
	}
	queued, err := q.save(ctx, o)
	if err != nil {
		return Placement{}, err
	}
	return Placement{Order: queued, Queued: true, Err: queued.LastError}, nil
}

// stamp assigns the id and timestamp. The id is the idempotency key of every
// submission of the order.
func (q *Queue) stamp(o domain.QueuedOrder) domain.QueuedOrder {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.WorkerID == "" {
		o.WorkerID = q.opts.WorkerID
	}
	o.QueuedAt = q.opts.Now().UTC().Format(time.RFC3339)
	o.RetryCount = 0
	return o
}

func (q *Queue) save(ctx context.Context, o domain.QueuedOrder) (domain.QueuedOrder, error) {
	if _, err := q.dispatch(ctx, Event{Kind: Enqueued, Order: o}); err != nil {
		return domain.QueuedOrder{}, err
	}
	q.journal(ctx, events.QueueEnqueued, o, events.EventPayload{"items": len(o.Items)})
	q.opts.Log.WithField("order_id", o.ID).Info("order queued")
	return o, nil
}

// ProcessQueue attempts one drain now.
func (q *Queue) ProcessQueue(ctx context.Context) (DrainReport, error) {
	return q.Signal(ctx, DrainRequested)
}

// Signal feeds an environment event into the queue. Trigger events reload the
// store, probe connectivity and may run a drain before returning.
func (q *Queue) Signal(ctx context.Context, kind EventKind) (DrainReport, error) {
	ev := Event{Kind: kind}
	if kind != WentOffline {
		if err := q.refresh(ctx); err != nil {
			return DrainReport{}, err
		}
		ev.Online = q.opts.Connectivity.Online(ctx)
	}
	actions, err := q.dispatch(ctx, ev)
	if err != nil {
		return DrainReport{}, err
	}
	for _, a := range actions {
		if a.Kind == StartDrain {
			return q.drain(ctx, a.Orders)
		}
	}
	return DrainReport{Skipped: q.skipReason(ev), Remaining: len(q.Pending())}, nil
}

func (q *Queue) skipReason(ev Event) string {
	switch {
	case ev.Kind == WentOffline:
		return "offline"
	case q.Draining():
		return "drain in progress"
	case !ev.Online:
		return "offline"
	default:
		return "queue empty"
	}
}

// Run drives periodic drains until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			report, err := q.Signal(ctx, Tick)
			if err != nil {
				q.opts.Log.WithError(err).Warn("queue drain failed")
				continue
			}
			if report.Skipped == "" {
				q.opts.Log.WithFields(logrus.Fields{
					"delivered": len(report.Delivered),
					"retried":   len(report.Retried),
					"abandoned": len(report.Abandoned),
				}).Info("queue drained")
			}
		}
	}
}

// drain submits orders in queue order. Once ctx is done the orders not yet
// tried get no outcome and stay queued as they were.
func (q *Queue) drain(ctx context.Context, orders []domain.QueuedOrder) (DrainReport, error) {
	var report DrainReport
	outcomes := make([]Outcome, 0, len(orders))
	receipts := map[string]domain.OrderReceipt{}
	for _, o := range orders {
		if ctx.Err() != nil {
			break
		}
		sctx, cancel := context.WithTimeout(ctx, q.opts.SubmitTimeout)
		receipt, err := q.opts.Submitter.Submit(sctx, o)
		cancel()
		if err != nil && ctx.Err() != nil {
			break
		}
		if err != nil {
			q.opts.Log.WithField("order_id", o.ID).WithError(err).Warn("submit queued order")
			outcomes = append(outcomes, Outcome{OrderID: o.ID, Err: err.Error()})
			continue
		}
		receipts[o.ID] = receipt
		outcomes = append(outcomes, Outcome{OrderID: o.ID, Delivered: true})
	}
	report.Attempted = len(outcomes)
	cancelled := ctx.Err()
	ctx = context.WithoutCancel(ctx)
	actions, err := q.dispatch(ctx, Event{Kind: DrainFinished, Outcomes: outcomes})
	if err == nil {
		err = cancelled
	}
	for _, a := range actions {
		switch a.Kind {
		case NotifyDelivered:
			for _, o := range a.Orders {
				report.Delivered = append(report.Delivered, Delivery{Order: o, Receipt: receipts[o.ID]})
				q.journal(ctx, events.QueueDelivered, o, events.EventPayload{"orderNumber": receipts[o.ID].OrderNumber})
			}
		case NotifyRetry:
			report.Retried = append(report.Retried, a.Orders...)
			for _, o := range a.Orders {
				q.journal(ctx, events.QueueRetry, o, events.EventPayload{"retryCount": o.RetryCount, "error": o.LastError})
			}
		case NotifyAbandoned:
			report.Abandoned = append(report.Abandoned, a.Orders...)
			for _, o := range a.Orders {
				q.journal(ctx, events.QueueAbandoned, o, events.EventPayload{"retryCount": o.RetryCount, "error": o.LastError})
				q.opts.Log.WithField("order_id", o.ID).WithField("retries", o.RetryCount).Error("queued order abandoned")
			}
		}
	}
	report.Remaining = len(q.Pending())
	return report, err
}

// dispatch runs the reducer under the lock and applies the persistence
// actions it returns.
func (q *Queue) dispatch(ctx context.Context, ev Event) ([]Action, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	next, actions := Reduce(q.state, ev, q.opts.MaxRetries)
	var firstErr error
	for _, a := range actions {
		for _, o := range a.Orders {
			if err := q.persist(ctx, a.Kind, o); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("persist queue: %w", err)
			}
		}
		if firstErr != nil && ev.Kind != DrainFinished {
			return actions, firstErr
		}
	}
	// A drain always commits so the drain flag is released.
	q.state = next
	return actions, firstErr
}

func (q *Queue) persist(ctx context.Context, kind ActionKind, o domain.QueuedOrder) error {
	switch kind {
	case SaveOrder:
		return q.opts.Store.InsertQueuedOrder(ctx, o)
	case NotifyDelivered:
		return q.opts.Store.DeleteQueuedOrder(ctx, o.ID)
	case NotifyRetry:
		return q.opts.Store.UpdateQueuedOrder(ctx, o)
	case NotifyAbandoned:
		return q.opts.Store.RecordAbandoned(ctx, o, q.opts.Now().UTC().Format(time.RFC3339))
	}
	return nil
}

func (q *Queue) journal(ctx context.Context, evtType string, o domain.QueuedOrder, payload events.EventPayload) {
	if q.opts.Journal == nil {
		return
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	if o.KitName != "" {
		payload["kit"] = o.KitName
	}
	if err := q.opts.Journal.Append(ctx, nil, evtType, o.ProjectID, "queued_order", o.ID, o.WorkerID, payload); err != nil {
		q.opts.Log.WithError(err).WithField("event", evtType).Warn("journal queue event")
	}
}

// DescribeItems renders "3x Safety gloves, 1x Duct tape".
func DescribeItems(o domain.QueuedOrder) string {
	parts := make([]string, 0, len(o.Items))
	for _, it := range o.Items {
		name := it.Name
		if name == "" {
			name = it.ProductID
		}
		parts = append(parts, fmt.Sprintf("%dx %s", it.Quantity, name))
	}
	return strings.Join(parts, ", ")
}

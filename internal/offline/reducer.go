// Package offline keeps order submissions that could not be delivered and
// retries them when the device is back online.
//
// Queue behaviour is a pure function of (state, event) in Reduce; Queue wraps
// it with persistence, connectivity probing and the actual submissions.
package offline

import "siteorder/internal/domain"

// DefaultMaxRetries is the number of failed attempts after which an order is
// abandoned.
const DefaultMaxRetries = 5

type EventKind string

const (
	Enqueued       EventKind = "enqueued"
	WentOnline     EventKind = "went_online"
	WentOffline    EventKind = "went_offline"
	BecameVisible  EventKind = "became_visible"
	Tick           EventKind = "tick"
	DrainRequested EventKind = "drain_requested"
	DrainFinished  EventKind = "drain_finished"
	// Loaded replaces the pending list with a fresh read of the store, which
	// other processes may have changed.
	Loaded EventKind = "loaded"
)

// Event is one input to the queue state machine. Online carries the live
// connectivity probe taken when the event was raised.
type Event struct {
	Kind     EventKind
	Online   bool
	Order    domain.QueuedOrder
	Orders   []domain.QueuedOrder
	Outcomes []Outcome
}

// Outcome is the result of submitting one order during a drain.
type Outcome struct {
	OrderID   string
	Delivered bool
	Err       string
}

type ActionKind string

// Persistence is per order so that several processes can share one store:
// SaveOrder inserts, NotifyDelivered deletes, NotifyRetry updates rows that
// still exist and NotifyAbandoned moves rows to the archive.
const (
	StartDrain      ActionKind = "start_drain"
	SaveOrder       ActionKind = "save_order"
	NotifyDelivered ActionKind = "notify_delivered"
	NotifyRetry     ActionKind = "notify_retry"
	NotifyAbandoned ActionKind = "notify_abandoned"
)

// Action is a side effect requested by Reduce.
type Action struct {
	Kind   ActionKind
	Orders []domain.QueuedOrder
}

type State struct {
	Orders   []domain.QueuedOrder
	Draining bool
	// Online is the last connectivity signal seen. Drains never trust it and
	// use the probe carried by the triggering event instead.
	Online bool
}

// Reduce applies ev to s. It never mutates s.
func Reduce(s State, ev Event, maxRetries int) (State, []Action) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	next := State{
		Orders:   append([]domain.QueuedOrder(nil), s.Orders...),
		Draining: s.Draining,
		Online:   s.Online,
	}
	switch ev.Kind {
	case Enqueued:
		o := ev.Order
		o.RetryCount = 0
		next.Orders = append(next.Orders, o)
		return next, []Action{{Kind: SaveOrder, Orders: []domain.QueuedOrder{o}}}
	case Loaded:
		next.Orders = copyOrders(ev.Orders)
		return next, nil
	case WentOffline:
		next.Online = false
		return next, nil
	case WentOnline:
		next.Online = true
		ev.Online = true
		return trigger(next, ev)
	case BecameVisible, Tick, DrainRequested:
		next.Online = ev.Online
		return trigger(next, ev)
	case DrainFinished:
		return finish(next, ev.Outcomes, maxRetries)
	}
	return next, nil
}

func trigger(s State, ev Event) (State, []Action) {
	if s.Draining || !ev.Online || len(s.Orders) == 0 {
		return s, nil
	}
	s.Draining = true
	return s, []Action{{Kind: StartDrain, Orders: copyOrders(s.Orders)}}
}

// finish folds drain outcomes back in. Orders enqueued while the drain ran
// have no outcome and stay queued untouched.
func finish(s State, outcomes []Outcome, maxRetries int) (State, []Action) {
	s.Draining = false
	byID := make(map[string]Outcome, len(outcomes))
	for _, o := range outcomes {
		byID[o.OrderID] = o
	}
	var kept, delivered, retried, abandoned []domain.QueuedOrder
	for _, o := range s.Orders {
		res, ok := byID[o.ID]
		if !ok {
			kept = append(kept, o)
			continue
		}
		if res.Delivered {
			delivered = append(delivered, o)
			continue
		}
		o.RetryCount++
		o.LastError = res.Err
		if o.RetryCount >= maxRetries {
			abandoned = append(abandoned, o)
			continue
		}
		retried = append(retried, o)
		kept = append(kept, o)
	}
	s.Orders = kept
	var actions []Action
	if len(delivered) > 0 {
		actions = append(actions, Action{Kind: NotifyDelivered, Orders: delivered})
	}
	if len(retried) > 0 {
		actions = append(actions, Action{Kind: NotifyRetry, Orders: retried})
	}
	if len(abandoned) > 0 {
		actions = append(actions, Action{Kind: NotifyAbandoned, Orders: abandoned})
	}
	return s, actions
}

func copyOrders(in []domain.QueuedOrder) []domain.QueuedOrder {
	return append([]domain.QueuedOrder{}, in...)
}

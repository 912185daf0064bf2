package offline_test

import (
	"testing"

	"siteorder/internal/domain"
	"siteorder/internal/offline"
)

func kinds(actions []offline.Action) []offline.ActionKind {
	out := make([]offline.ActionKind, len(actions))
	for i, a := range actions {
		out[i] = a.Kind
	}
	return out
}

func TestReduceEnqueueResetsRetries(t *testing.T) {
	s, actions := offline.Reduce(offline.State{}, offline.Event{Kind: offline.Enqueued, Order: domain.QueuedOrder{ID: "o1", RetryCount: 3}}, 5)
	if len(s.Orders) != 1 || s.Orders[0].RetryCount != 0 {
		t.Fatalf("unexpected state %+v", s)
	}
	if len(actions) != 1 || actions[0].Kind != offline.SaveOrder {
		t.Fatalf("expected save_order, got %v", kinds(actions))
	}
	if saved := actions[0].Orders; len(saved) != 1 || saved[0].ID != "o1" {
		t.Fatalf("save_order should carry only the new order, got %+v", saved)
	}
}

func TestReduceTriggers(t *testing.T) {
	queued := offline.State{Orders: []domain.QueuedOrder{{ID: "o1"}}}
	cases := []struct {
		name  string
		state offline.State
		event offline.Event
		drain bool
	}{
		{"tick online", queued, offline.Event{Kind: offline.Tick, Online: true}, true},
		{"tick offline", queued, offline.Event{Kind: offline.Tick, Online: false}, false},
		{"visible online", queued, offline.Event{Kind: offline.BecameVisible, Online: true}, true},
		{"went online", queued, offline.Event{Kind: offline.WentOnline}, true},
		{"went offline", queued, offline.Event{Kind: offline.WentOffline, Online: true}, false},
		{"empty queue", offline.State{}, offline.Event{Kind: offline.Tick, Online: true}, false},
		{"already draining", offline.State{Orders: queued.Orders, Draining: true}, offline.Event{Kind: offline.DrainRequested, Online: true}, false},
		// A stale cached flag does not matter, only the live probe does.
		{"stale cached flag", offline.State{Orders: queued.Orders, Online: true}, offline.Event{Kind: offline.Tick, Online: false}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			next, actions := offline.Reduce(tc.state, tc.event, 5)
			started := len(actions) == 1 && actions[0].Kind == offline.StartDrain
			if started != tc.drain {
				t.Fatalf("drain started=%v, want %v (actions %v)", started, tc.drain, kinds(actions))
			}
			if tc.drain && !next.Draining {
				t.Fatalf("draining flag not set")
			}
		})
	}
}

func TestReduceDrainFinished(t *testing.T) {
	s := offline.State{
		Draining: true,
		Orders: []domain.QueuedOrder{
			{ID: "ok"},
			{ID: "retry", RetryCount: 1},
			{ID: "last", RetryCount: 4},
			{ID: "late"},
		},
	}
	next, actions := offline.Reduce(s, offline.Event{Kind: offline.DrainFinished, Outcomes: []offline.Outcome{
		{OrderID: "ok", Delivered: true},
		{OrderID: "retry", Err: "status 502"},
		{OrderID: "last", Err: "timeout"},
	}}, 5)
	if next.Draining {
		t.Fatalf("draining flag not released")
	}
	if len(next.Orders) != 2 || next.Orders[0].ID != "retry" || next.Orders[1].ID != "late" {
		t.Fatalf("unexpected remaining %+v", next.Orders)
	}
	if next.Orders[0].RetryCount != 2 || next.Orders[0].LastError != "status 502" {
		t.Fatalf("retry not recorded: %+v", next.Orders[0])
	}
	if next.Orders[1].RetryCount != 0 {
		t.Fatalf("order enqueued during drain must be untouched")
	}
	want := []offline.ActionKind{offline.NotifyDelivered, offline.NotifyRetry, offline.NotifyAbandoned}
	got := kinds(actions)
	if len(got) != len(want) {
		t.Fatalf("actions: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("actions: got %v want %v", got, want)
		}
	}
	if ab := actions[2].Orders; len(ab) != 1 || ab[0].ID != "last" || ab[0].RetryCount != 5 {
		t.Fatalf("unexpected abandoned %+v", ab)
	}
}

func TestReduceLoadedReplacesOrders(t *testing.T) {
	s := offline.State{Draining: true, Orders: []domain.QueuedOrder{{ID: "stale"}}}
	next, actions := offline.Reduce(s, offline.Event{Kind: offline.Loaded, Orders: []domain.QueuedOrder{{ID: "a"}, {ID: "b"}}}, 5)
	if len(actions) != 0 {
		t.Fatalf("loading should not act, got %v", kinds(actions))
	}
	if len(next.Orders) != 2 || next.Orders[0].ID != "a" || !next.Draining {
		t.Fatalf("unexpected state %+v", next)
	}
}

func TestReduceOutcomeForVanishedOrder(t *testing.T) {
	// Another process delivered "gone" while this drain ran.
	s := offline.State{Draining: true, Orders: []domain.QueuedOrder{{ID: "kept"}}}
	next, actions := offline.Reduce(s, offline.Event{Kind: offline.DrainFinished, Outcomes: []offline.Outcome{{OrderID: "gone", Err: "timeout"}}}, 5)
	if len(actions) != 0 {
		t.Fatalf("vanished order must not be retried, got %v", kinds(actions))
	}
	if len(next.Orders) != 1 || next.Orders[0].RetryCount != 0 {
		t.Fatalf("unexpected state %+v", next)
	}
}

func TestReduceDoesNotMutateInput(t *testing.T) {
	s := offline.State{Draining: true, Orders: []domain.QueuedOrder{{ID: "a"}}}
	offline.Reduce(s, offline.Event{Kind: offline.DrainFinished, Outcomes: []offline.Outcome{{OrderID: "a", Err: "x"}}}, 5)
	if s.Orders[0].RetryCount != 0 || !s.Draining {
		t.Fatalf("input state mutated: %+v", s)
	}
}

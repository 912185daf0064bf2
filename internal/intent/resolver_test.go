package intent_test

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"

	"siteorder/internal/domain"
	"siteorder/internal/inference"
	"siteorder/internal/intent"
)

type fakeGateway struct {
	reply string
	err   error
	calls int
}

func (f *fakeGateway) Complete(ctx context.Context, p inference.Prompt) (string, error) {
	f.calls++
	return f.reply, f.err
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func shown(n int) *domain.ConversationContext {
	names := []string{"Nitrile Gloves", "Safety Gloves L", "Wood Screws 4x40", "Duct Tape", "Hammer"}
	c := &domain.ConversationContext{}
	for i := 0; i < n; i++ {
		c.Products = append(c.Products, domain.ContextProduct{
			Index: i + 1, ProductID: names[i], ProductName: names[i], SKU: "SKU", PricePerUnit: 100, Unit: "piece",
		})
	}
	return c
}

func gloveCart() *domain.CartContext {
	return &domain.CartContext{Items: []domain.CartContextItem{{Name: "Safety Gloves L", Quantity: 2, PricePerUnit: 450}}, TotalCents: 900}
}

func TestResolveMultiItemSearch(t *testing.T) {
	gw := &fakeGateway{reply: "```json\n{\"intentType\":\"new_search\",\"items\":[{\"description\":\"screws\",\"quantity\":5},{\"description\":\"tape\",\"quantity\":1}],\"confidence\":0.9}\n```"}
	r := intent.New(gw, quietLogger())
	res := r.Resolve(context.Background(), "give me 5 screws and some tape", nil, nil)
	search, ok := res.Payload.(intent.Search)
	if !ok {
		t.Fatalf("expected search, got %T", res.Payload)
	}
	if len(search.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(search.Items))
	}
	if search.Items[0].Description != "screws" || search.Items[0].Quantity != 5 {
		t.Fatalf("unexpected first item %+v", search.Items[0])
	}
	if search.Items[1].Description != "tape" || search.Items[1].Quantity != 1 {
		t.Fatalf("unexpected second item %+v", search.Items[1])
	}
	if res.Source != intent.SourceGateway {
		t.Fatalf("expected gateway source, got %s", res.Source)
	}
}

func TestResolveOrdinalWithQuantity(t *testing.T) {
	gw := &fakeGateway{reply: `{"intentType":"new_search","items":[{"description":"second one","quantity":10}]}`}
	r := intent.New(gw, quietLogger())
	res := r.Resolve(context.Background(), "order 10 of the second one", shown(3), nil)
	sel, ok := res.Payload.(intent.Selection)
	if !ok {
		t.Fatalf("expected selection, got %T", res.Payload)
	}
	if sel.Index != 2 || sel.Quantity != 10 {
		t.Fatalf("expected index 2 quantity 10, got %+v", sel)
	}
	if gw.calls != 0 {
		t.Fatalf("ordinal should not reach the gateway")
	}
}

func TestResolveSelectionWithoutShownProducts(t *testing.T) {
	gw := &fakeGateway{reply: `{"intentType":"select_product","productSelection":{"index":2,"quantity":1}}`}
	r := intent.New(gw, quietLogger())
	res := r.Resolve(context.Background(), "the second one", nil, nil)
	if res.Type() != intent.NewSearch {
		t.Fatalf("expected new_search, got %s", res.Type())
	}
	search := res.Payload.(intent.Search)
	if len(search.Items) != 1 || search.Items[0].Description != "the second one" || search.Items[0].Quantity != 1 {
		t.Fatalf("expected raw utterance item, got %+v", search.Items)
	}
}

func TestResolveMeasurementIsNotIndex(t *testing.T) {
	gw := &fakeGateway{reply: `{"intentType":"select_product","productSelection":{"index":4}}`}
	r := intent.New(gw, quietLogger())
	res := r.Resolve(context.Background(), "I need 4mm drill bits", shown(5), nil)
	if res.Type() != intent.NewSearch {
		t.Fatalf("expected new_search for a measurement, got %s", res.Type())
	}
}

func TestResolveUnresolvedSelection(t *testing.T) {
	gw := &fakeGateway{reply: `{"intentType":"select_product"}`}
	r := intent.New(gw, quietLogger())
	res := r.Resolve(context.Background(), "that one over there", shown(2), nil)
	sel, ok := res.Payload.(intent.Selection)
	if !ok {
		t.Fatalf("expected selection, got %T", res.Payload)
	}
	if sel.Resolved() {
		t.Fatalf("expected unresolved selection, got index %d", sel.Index)
	}
}

func TestResolveCartRemoveBeatsSearch(t *testing.T) {
	gw := &fakeGateway{reply: `{"intentType":"new_search","items":[{"description":"gloves"}]}`}
	r := intent.New(gw, quietLogger())
	res := r.Resolve(context.Background(), "remove the gloves", nil, gloveCart())
	rm, ok := res.Payload.(intent.Remove)
	if !ok {
		t.Fatalf("expected cart_remove, got %s", res.Type())
	}
	if rm.ItemName != "gloves" {
		t.Fatalf("expected item gloves, got %q", rm.ItemName)
	}
	if gw.calls != 0 {
		t.Fatalf("cart rule should not reach the gateway")
	}
}

func TestResolveCartUpdateRule(t *testing.T) {
	r := intent.New(&fakeGateway{err: errors.New("offline")}, quietLogger())
	res := r.Resolve(context.Background(), "Change the gloves to 5.", nil, gloveCart())
	up, ok := res.Payload.(intent.Update)
	if !ok {
		t.Fatalf("expected cart_update, got %s", res.Type())
	}
	if up.NewQuantity == nil || *up.NewQuantity != 5 {
		t.Fatalf("expected quantity 5, got %v", up.NewQuantity)
	}
}

func TestResolveCartVerbWithProductsShown(t *testing.T) {
	cases := []struct {
		utterance string
		want      intent.Payload
	}{
		{"remove the second one", intent.Remove{ItemName: "Safety Gloves L"}},
		{"remove the last one", intent.Remove{ItemName: "Wood Screws 4x40"}},
		{"delete item 2 from my cart", intent.Remove{ItemName: "Safety Gloves L"}},
		{"remove the gloves", intent.Remove{ItemName: "gloves"}},
	}
	for _, tc := range cases {
		t.Run(tc.utterance, func(t *testing.T) {
			gw := &fakeGateway{err: errors.New("offline")}
			r := intent.New(gw, quietLogger())
			res := r.Resolve(context.Background(), tc.utterance, shown(3), gloveCart())
			if _, ok := res.Payload.(intent.Selection); ok {
				t.Fatalf("cart edit resolved as a selection: %+v", res.Payload)
			}
			if res.Payload != tc.want {
				t.Fatalf("expected %+v, got %+v", tc.want, res.Payload)
			}
			if gw.calls != 0 {
				t.Fatalf("expected no gateway call, got %d", gw.calls)
			}
		})
	}
}

func TestResolveUpdateToNumberWithProductsShown(t *testing.T) {
	r := intent.New(&fakeGateway{err: errors.New("offline")}, quietLogger())
	res := r.Resolve(context.Background(), "change the gloves to number 2", shown(3), gloveCart())
	up, ok := res.Payload.(intent.Update)
	if !ok {
		t.Fatalf("expected cart_update, got %s", res.Type())
	}
	if up.ItemName != "gloves" || up.NewQuantity == nil || *up.NewQuantity != 2 {
		t.Fatalf("unexpected update %+v", up)
	}
}

func TestResolveCartVerbIgnoresSelectReply(t *testing.T) {
	gw := &fakeGateway{reply: `{"intentType":"select_product","productSelection":{"index":1}}`}
	r := intent.New(gw, quietLogger())
	res := r.Resolve(context.Background(), "remove that one", shown(3), gloveCart())
	rm, ok := res.Payload.(intent.Remove)
	if !ok {
		t.Fatalf("expected cart_remove, got %s", res.Type())
	}
	if rm.ItemName != "" {
		t.Fatalf("expected an unresolved remove, got %q", rm.ItemName)
	}
}

func TestResolveRemoveUnknownLineGoesToGateway(t *testing.T) {
	gw := &fakeGateway{reply: `{"intentType":"cart_remove","cartAction":{"itemName":"hammer"}}`}
	r := intent.New(gw, quietLogger())
	res := r.Resolve(context.Background(), "remove the hammer", nil, gloveCart())
	if gw.calls != 1 {
		t.Fatalf("expected gateway call, got %d", gw.calls)
	}
	if res.Type() != intent.CartRemove {
		t.Fatalf("expected cart_remove from gateway, got %s", res.Type())
	}
}

func TestResolveGatewayFailureFallsBack(t *testing.T) {
	r := intent.New(&fakeGateway{err: errors.New("timeout")}, quietLogger())
	res := r.Resolve(context.Background(), "some safety gloves", nil, nil)
	if res.Type() != intent.NewSearch || res.Source != intent.SourceFallback {
		t.Fatalf("expected fallback search, got %s/%s", res.Type(), res.Source)
	}
	if res.Confidence > 0.5 {
		t.Fatalf("fallback confidence too high: %v", res.Confidence)
	}
	item := res.Payload.(intent.Search).Items[0]
	if item.Description != "some safety gloves" || item.Quantity != 1 {
		t.Fatalf("unexpected fallback item %+v", item)
	}
	if len(item.SearchTerms) != 3 {
		t.Fatalf("expected 3 search terms, got %v", item.SearchTerms)
	}
}

func TestResolveMalformedReplyFallsBack(t *testing.T) {
	for _, reply := range []string{"sure, here you go", `{"items":[]}`, ""} {
		r := intent.New(&fakeGateway{reply: reply}, quietLogger())
		res := r.Resolve(context.Background(), "tape", nil, nil)
		if res.Source != intent.SourceFallback {
			t.Fatalf("reply %q: expected fallback, got %s", reply, res.Source)
		}
	}
}

func TestResolveUnknownIntentBecomesSearch(t *testing.T) {
	r := intent.New(&fakeGateway{reply: `{"intentType":"checkout_now"}`}, quietLogger())
	res := r.Resolve(context.Background(), "check out please", nil, nil)
	if res.Type() != intent.NewSearch {
		t.Fatalf("expected new_search, got %s", res.Type())
	}
}

func TestResolvePriorityAndNoteDefaults(t *testing.T) {
	r := intent.New(&fakeGateway{reply: `{"intentType":"set_priority"}`}, quietLogger())
	res := r.Resolve(context.Background(), "this is a rush job", nil, nil)
	pc, ok := res.Payload.(intent.PriorityChange)
	if !ok || pc.Priority != domain.PriorityUrgent {
		t.Fatalf("expected urgent priority, got %+v", res.Payload)
	}
	r = intent.New(&fakeGateway{reply: `{"intentType":"add_note"}`}, quietLogger())
	res = r.Resolve(context.Background(), "deliver to gate B", nil, nil)
	if n, ok := res.Payload.(intent.Note); !ok || n.Text != "deliver to gate B" {
		t.Fatalf("expected raw note, got %+v", res.Payload)
	}
}

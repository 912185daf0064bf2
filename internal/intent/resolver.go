package intent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"siteorder/internal/domain"
	"siteorder/internal/inference"
)

const (
	fallbackConfidence = 0.3
	defaultConfidence  = 0.5
)

// Resolver classifies utterances. Deterministic guards run before and after
// the inference gateway so index references and cart edits never depend on
// model output.
type Resolver struct {
	Gateway inference.Gateway
	Log     logrus.FieldLogger
}

func New(gw inference.Gateway, log logrus.FieldLogger) *Resolver {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Resolver{Gateway: gw, Log: log.WithField("component", "intent")}
}

// Resolve never fails: any problem with the gateway degrades to a search for
// the raw utterance.
func (r *Resolver) Resolve(ctx context.Context, utterance string, conv *domain.ConversationContext, cart *domain.CartContext) Result {
	raw := strings.TrimSpace(utterance)
	norm := Normalize(raw)

	if p, ok := cartRule(norm, conv, cart); ok {
		return Result{Payload: p, Raw: raw, Confidence: 1, Source: SourceRule}
	}
	if !conv.Empty() && !StartsWithCartVerb(norm) {
		if sel, ok := ParseSelection(norm, conv.MaxIndex()); ok {
			return Result{Payload: sel, Raw: raw, Confidence: 1, Source: SourceRule}
		}
	}
	if raw == "" {
		return fallback(raw, "empty utterance")
	}

	out := inference.Ask(ctx, r.Gateway, buildPrompt(raw, conv, cart), validateReply)
	if !out.OK() {
		r.Log.WithField("reason", out.Reason).Info("intent fallback to search")
		return fallback(raw, out.Reason)
	}
	res := r.fromReply(out.Value, raw, norm, conv)
	r.Log.WithField("intent", res.Type()).WithField("confidence", res.Confidence).Debug("intent resolved")
	return res
}

func fallback(raw, reason string) Result {
	return Result{
		Payload: Search{Items: []Item{{
			Description: raw,
			Quantity:    1,
			Confidence:  fallbackConfidence,
			SearchTerms: searchTerms(raw),
		}}},
		Raw:        raw,
		Confidence: fallbackConfidence,
		Source:     SourceFallback,
		Reason:     reason,
	}
}

// reply is the JSON document the model is asked to produce.
type reply struct {
	IntentType string `json:"intentType"`
	Items      []struct {
		Description string   `json:"description"`
		Quantity    *float64 `json:"quantity"`
		Confidence  *float64 `json:"confidence"`
		SearchTerms []string `json:"searchTerms"`
	} `json:"items"`
	ProductSelection *struct {
		Index    *float64 `json:"index"`
		Quantity *float64 `json:"quantity"`
	} `json:"productSelection"`
	CartAction *struct {
		ItemName    string   `json:"itemName"`
		NewQuantity *float64 `json:"newQuantity"`
	} `json:"cartAction"`
	Note          string   `json:"note"`
	Priority      string   `json:"priority"`
	DateReference string   `json:"dateReference"`
	Confidence    *float64 `json:"confidence"`
}

func validateReply(r *reply) error {
	if strings.TrimSpace(r.IntentType) == "" {
		return errors.New("intentType missing")
	}
	return nil
}

func (r *Resolver) fromReply(rep reply, raw, norm string, conv *domain.ConversationContext) Result {
	res := Result{Raw: raw, Confidence: defaultConfidence, Source: SourceGateway}
	if rep.Confidence != nil {
		res.Confidence = clamp01(*rep.Confidence)
	}
	t := Type(strings.ToLower(strings.TrimSpace(rep.IntentType)))
	if !Known(t) {
		r.Log.WithField("intent", rep.IntentType).Warn("unknown intent from gateway")
		t = NewSearch
	}

	switch t {
	case SelectProduct:
		if StartsWithCartVerb(norm) {
			res.Payload = unresolvedEdit(norm)
			return res
		}
		if conv.Empty() {
			t = NewSearch
			break
		}
		sel := Selection{Quantity: 1}
		if ps := rep.ProductSelection; ps != nil {
			if ps.Index != nil && *ps.Index >= 1 {
				sel.Index = int(*ps.Index)
			}
			if ps.Quantity != nil && *ps.Quantity >= 1 {
				sel.Quantity = int(*ps.Quantity)
			}
		}
		local, ok := ParseSelection(norm, conv.MaxIndex())
		if !ok && HasMeasurement(norm) {
			// The only number heard is a size, not a position on screen.
			t = NewSearch
			break
		}
		if ok {
			sel = local
		}
		res.Payload = sel
		return res
	case AddAll:
		res.Payload = AddAllPayload{}
	case Clear:
		res.Payload = ClearPayload{}
	case CartQuery:
		res.Payload = CartQueryPayload{}
	case CartTotal:
		res.Payload = CartTotalPayload{}
	case CartClear:
		res.Payload = CartClearPayload{}
	case CartRemove:
		p := Remove{}
		if rep.CartAction != nil {
			p.ItemName = strings.TrimSpace(rep.CartAction.ItemName)
		}
		res.Payload = p
	case CartUpdate:
		p := Update{}
		if rep.CartAction != nil {
			p.ItemName = strings.TrimSpace(rep.CartAction.ItemName)
			if q := rep.CartAction.NewQuantity; q != nil {
				n := int(*q)
				p.NewQuantity = &n
			}
		}
		res.Payload = p
	case AddNote:
		note := strings.TrimSpace(rep.Note)
		if note == "" {
			note = raw
		}
		res.Payload = Note{Text: note}
	case SetPriority:
		pr := domain.Priority(strings.ToLower(strings.TrimSpace(rep.Priority)))
		if !pr.Valid() {
			pr = domain.PriorityUrgent
		}
		res.Payload = PriorityChange{Priority: pr}
	case ReorderFavorites:
		res.Payload = FavoritesPayload{}
	case ReorderPast:
		res.Payload = PastReorder{DateReference: strings.TrimSpace(rep.DateReference)}
	case OrderHistory:
		res.Payload = HistoryPayload{}
	}
	if t != NewSearch {
		return res
	}

	var items []Item
	for _, it := range rep.Items {
		desc := strings.TrimSpace(it.Description)
		if desc == "" {
			continue
		}
		item := Item{Description: desc, Quantity: 1, Confidence: defaultConfidence, SearchTerms: it.SearchTerms}
		if it.Quantity != nil && *it.Quantity >= 1 {
			item.Quantity = int(*it.Quantity)
		}
		if it.Confidence != nil {
			item.Confidence = clamp01(*it.Confidence)
		}
		if len(item.SearchTerms) == 0 {
			item.SearchTerms = searchTerms(desc)
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		items = []Item{{Description: raw, Quantity: 1, Confidence: defaultConfidence, SearchTerms: searchTerms(raw)}}
	}
	res.Payload = Search{Items: items}
	return res
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func buildPrompt(raw string, conv *domain.ConversationContext, cart *domain.CartContext) inference.Prompt {
	var b strings.Builder
	fmt.Fprintf(&b, "Request: %q\n\n", raw)
	if conv.Empty() {
		b.WriteString("No products are currently shown to the worker.\n")
	} else {
		b.WriteString("Products currently shown:\n")
		for _, p := range conv.Products {
			fmt.Fprintf(&b, "%d. %s (%s)\n", p.Index, p.ProductName, p.SKU)
		}
	}
	if cart.Empty() {
		b.WriteString("The cart is empty.\n")
	} else {
		b.WriteString("Cart:\n")
		for _, it := range cart.Items {
			fmt.Fprintf(&b, "- %d x %s\n", it.Quantity, it.Name)
		}
	}
	return inference.Prompt{
		Name:      "resolve-intent",
		System:    intentSystemPrompt,
		User:      b.String(),
		JSON:      true,
		MaxTokens: 600,
	}
}

const intentSystemPrompt = `You classify what a construction worker says while ordering supplies by voice.

Return one JSON object:
{
  "intentType": one of new_search, select_product, add_all, clear, cart_query, cart_total, cart_remove, cart_update, cart_clear, reorder_favorites, reorder_past, order_history, add_note, set_priority,
  "items": [{"description": "product words", "quantity": 1}],
  "productSelection": {"index": 1, "quantity": 1},
  "cartAction": {"itemName": "gloves", "newQuantity": 20},
  "note": "text",
  "priority": "normal" or "urgent",
  "dateReference": "last tuesday",
  "confidence": 0.0 to 1.0
}

Rules:
- new_search: the worker asks for products. Keep their words in "description". Quantity defaults to 1, "couple" is 2, "few" is 3.
- select_product only when products are shown and the worker refers to one by position ("the second one", "number 3"). Sizes like "4mm" or "3/4 inch" are never positions.
- add_all: add every shown product. clear: start the conversation over.
- cart_query: what is in the cart. cart_total: how much it costs.
- cart_remove / cart_update / cart_clear edit the cart; fill cartAction.
- reorder_favorites: "my usual", "the usual stuff". reorder_past: repeat an earlier order, fill dateReference. order_history: list past orders.
- add_note: instructions for the delivery. set_priority: urgent or normal.
Return ONLY valid JSON.`

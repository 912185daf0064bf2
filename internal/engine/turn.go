package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"siteorder/internal/cart"
	"siteorder/internal/domain"
	"siteorder/internal/events"
	"siteorder/internal/intent"
	"siteorder/internal/matcher"
)

var ErrEmptyTranscript = errors.New("transcription is required")

// TurnRequest is one utterance with what the worker currently sees.
type TurnRequest struct {
	WorkerID   string
	ProjectID  string
	Transcript string
	Context    *domain.ConversationContext
	// CartContext describes a cart held by the caller. It is ignored when
	// Cart is set.
	CartContext *domain.CartContext
	// Cart, when set, receives the cart mutations of the turn directly.
	Cart *cart.Session
}

// ProcessTurn resolves the utterance and carries out its intent. Failures of
// the inference gateway never surface here; only invalid requests and
// storage errors do.
func (e Engine) ProcessTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	transcript := strings.TrimSpace(req.Transcript)
	if transcript == "" {
		return nil, ErrEmptyTranscript
	}
	if req.ProjectID == "" {
		return nil, errors.New("project is required")
	}
	if req.WorkerID != "" {
		if err := e.Access().RequireAssignment(ctx, nil, req.ProjectID, req.WorkerID); err != nil {
			return nil, err
		}
	} else if _, err := e.Repo.GetProject(ctx, req.ProjectID); err != nil {
		return nil, fmt.Errorf("project %s: %w", req.ProjectID, err)
	}
	cartCtx := req.CartContext
	if req.Cart != nil {
		cartCtx = req.Cart.Context()
	}

	res := e.Resolver().Resolve(ctx, transcript, req.Context, cartCtx)
	turn := Turn{
		Transcription: transcript,
		IntentType:    string(res.Type()),
		Source:        string(res.Source),
		Confidence:    res.Confidence,
	}
	log := e.log().WithField("project_id", req.ProjectID).WithField("intent", turn.IntentType)

	out, err := e.dispatch(ctx, req, turn, cartCtx, res)
	if err != nil {
		log.WithError(err).Error("turn failed")
		return nil, err
	}
	payload := events.EventPayload{"intent": turn.IntentType, "source": turn.Source, "result": out.Intent()}
	if res.Reason != "" {
		payload["fallbackReason"] = res.Reason
	}
	if err := e.Events.Append(ctx, nil, events.VoiceTurn, req.ProjectID, "turn", "", req.WorkerID, payload); err != nil {
		log.WithError(err).Warn("record turn event")
	}
	log.WithField("result", out.Intent()).Info("turn processed")
	return out, nil
}

func (e Engine) dispatch(ctx context.Context, req TurnRequest, turn Turn, cartCtx *domain.CartContext, res intent.Result) (TurnResult, error) {
	fail := func(msg string) TurnResult {
		return ErrorResult{Turn: withIntent(turn, IntentError), ErrorMessage: msg, Cause: turn.IntentType}
	}
	switch p := res.Payload.(type) {
	case intent.Selection:
		return e.selectProduct(ctx, req, turn, p, fail)
	case intent.AddAllPayload:
		return e.addAll(ctx, req, turn, fail)
	case intent.ClearPayload:
		return ClearResult{Turn: turn}, nil
	case intent.CartQueryPayload:
		return CartQueryResult{Turn: turn, CartSummary: cartSummary(cartCtx)}, nil
	case intent.CartTotalPayload:
		var total int64
		if cartCtx != nil {
			total = cartCtx.TotalCents
		}
		return CartTotalResult{Turn: turn, TotalMessage: totalMessage(cartCtx), TotalCents: total}, nil
	case intent.Remove:
		if strings.TrimSpace(p.ItemName) == "" {
			return fail(msgRemoveUnclear), nil
		}
		out := CartRemoveResult{Turn: turn, ItemName: p.ItemName, ConfirmationMessage: removeMessage(p.ItemName)}
		if req.Cart != nil {
			item, ok, err := req.Cart.UpdateQuantityByName(ctx, p.ItemName, 0)
			if err != nil {
				return nil, err
			}
			if !ok {
				return fail(notInCartMessage(p.ItemName)), nil
			}
			out.Applied = true
			out.ConfirmationMessage = removeMessage(item.Name)
		}
		return out, nil
	case intent.Update:
		if strings.TrimSpace(p.ItemName) == "" || p.NewQuantity == nil {
			return fail(msgUpdateUnclear), nil
		}
		qty := *p.NewQuantity
		out := CartUpdateResult{Turn: turn, ItemName: p.ItemName, NewQuantity: qty, ConfirmationMessage: updateMessage(p.ItemName, qty)}
		if req.Cart != nil {
			item, ok, err := req.Cart.UpdateQuantityByName(ctx, p.ItemName, qty)
			if err != nil {
				return nil, err
			}
			if !ok {
				return fail(notInCartMessage(p.ItemName)), nil
			}
			out.Applied = true
			if qty <= 0 {
				out.ConfirmationMessage = removeMessage(item.Name)
			} else {
				out.ConfirmationMessage = updateMessage(item.Name, qty)
			}
		}
		return out, nil
	case intent.CartClearPayload:
		out := CartClearResult{Turn: turn, ConfirmationMessage: msgClearingCart}
		if req.Cart != nil {
			if err := req.Cart.ClearItems(ctx); err != nil {
				return nil, err
			}
			out.Applied = true
		}
		return out, nil
	case intent.Note:
		note := strings.TrimSpace(p.Text)
		if note == "" {
			note = turn.Transcription
		}
		out := AddNoteResult{Turn: turn, Note: note, ConfirmationMessage: noteMessage(note)}
		if req.Cart != nil {
			if err := req.Cart.SetNote(ctx, &note); err != nil {
				return nil, err
			}
			out.Applied = true
		}
		return out, nil
	case intent.PriorityChange:
		pr := p.Priority
		if !pr.Valid() {
			pr = domain.PriorityUrgent
		}
		msg := msgNormal
		if pr == domain.PriorityUrgent {
			msg = msgUrgent
		}
		out := SetPriorityResult{Turn: turn, Priority: pr, ConfirmationMessage: msg}
		if req.Cart != nil {
			if err := req.Cart.SetPriority(ctx, pr); err != nil {
				return nil, err
			}
			out.Applied = true
		}
		return out, nil
	case intent.FavoritesPayload:
		out := ReorderFavoritesResult{Turn: turn, Message: msgFavorites}
		if req.WorkerID != "" {
			favs, err := e.Favorites(ctx, req.WorkerID, req.ProjectID)
			if err != nil {
				return nil, err
			}
			out.Favorites = favs
		}
		return out, nil
	case intent.PastReorder:
		ref := strings.TrimSpace(p.DateReference)
		if ref == "" {
			ref = "recently"
		}
		out := ReorderPastResult{Turn: turn, DateReference: ref, Message: pastOrderMessage(ref)}
		if req.WorkerID != "" {
			page, err := e.OrderHistory(ctx, HistoryQuery{WorkerID: req.WorkerID, ProjectID: req.ProjectID, DateReference: p.DateReference, Limit: 1})
			if err != nil {
				return nil, err
			}
			out.History = &page
		}
		return out, nil
	case intent.HistoryPayload:
		out := OrderHistoryResult{Turn: turn, Message: msgHistory}
		if req.WorkerID != "" {
			page, err := e.OrderHistory(ctx, HistoryQuery{WorkerID: req.WorkerID, ProjectID: req.ProjectID})
			if err != nil {
				return nil, err
			}
			out.History = &page
		}
		return out, nil
	case intent.Search:
		return e.search(ctx, req, turn, p.Items), nil
	default:
		return e.search(ctx, req, turn, nil), nil
	}
}

func withIntent(t Turn, kind string) Turn {
	t.IntentType = kind
	return t
}

func (e Engine) selectProduct(ctx context.Context, req TurnRequest, turn Turn, sel intent.Selection, fail func(string) TurnResult) (TurnResult, error) {
	if req.Context.Empty() {
		// Nothing shown: a selection cannot be honoured, search instead.
		return e.search(ctx, req, withIntent(turn, string(intent.NewSearch)), nil), nil
	}
	if !sel.Resolved() {
		return fail(msgUnresolvedSelection), nil
	}
	shown, ok := req.Context.ByIndex(sel.Index)
	if !ok {
		return fail(outOfRangeMessage(req.Context.MaxIndex())), nil
	}
	qty := sel.Quantity
	if qty < 1 {
		qty = 1
	}
	added := addedFromContext(shown, qty)
	added.ConfirmationMessage = addedMessage(qty, shown.ProductName)
	out := SelectResult{Turn: turn, AddedToCart: added}
	if req.Cart != nil {
		if err := req.Cart.AddItem(ctx, cartItem(added)); err != nil {
			return nil, err
		}
		out.Applied = true
	}
	return out, nil
}

func (e Engine) addAll(ctx context.Context, req TurnRequest, turn Turn, fail func(string) TurnResult) (TurnResult, error) {
	if req.Context.Empty() {
		return fail(msgNothingToAdd), nil
	}
	out := AddAllResult{Turn: turn}
	for _, p := range req.Context.Products {
		out.AddedProducts = append(out.AddedProducts, addedFromContext(p, 1))
	}
	out.ConfirmationMessage = addAllMessage(len(out.AddedProducts))
	if req.Cart != nil {
		for _, a := range out.AddedProducts {
			if err := req.Cart.AddItem(ctx, cartItem(a)); err != nil {
				return nil, err
			}
		}
		out.Applied = true
	}
	return out, nil
}

func addedFromContext(p domain.ContextProduct, qty int) AddedProduct {
	return AddedProduct{
		ProductID:    p.ProductID,
		ProductName:  p.ProductName,
		SKU:          p.SKU,
		PricePerUnit: p.PricePerUnit,
		Unit:         p.Unit,
		Quantity:     qty,
	}
}

func cartItem(a AddedProduct) domain.CartItem {
	return domain.CartItem{
		ProductID:    a.ProductID,
		Name:         a.ProductName,
		SKU:          a.SKU,
		Quantity:     a.Quantity,
		PricePerUnit: a.PricePerUnit,
		Unit:         a.Unit,
	}
}

// search runs the matcher once per requested item, in order.
func (e Engine) search(ctx context.Context, req TurnRequest, turn Turn, items []intent.Item) TurnResult {
	if len(items) == 0 {
		items = []intent.Item{{Description: turn.Transcription, Quantity: 1, Confidence: 0.5}}
	}
	cfg := e.config().Matcher
	m := e.Matcher()
	out := SearchResult{Turn: turn}
	out.Request.Items = items
	var suggestions []domain.SupplierSuggestion
	seen := map[string]bool{}
	for _, it := range items {
		need := strings.TrimSpace(it.Description)
		if need == "" {
			need = strings.Join(it.SearchTerms, " ")
		}
		res := m.Match(ctx, matcher.Query{
			Need:          need,
			ProjectID:     req.ProjectID,
			WorkerID:      req.WorkerID,
			MaxResults:    cfg.MaxResults,
			WithSuppliers: true,
		})
		products := res.Products
		if products == nil {
			products = []domain.ProductMatch{}
		}
		out.Recommendations = append(out.Recommendations, Recommendation{ForItem: it.Description, Quantity: it.Quantity, Products: products})
		for _, s := range res.Suppliers {
			if seen[s.ID] {
				continue
			}
			seen[s.ID] = true
			suggestions = append(suggestions, s)
		}
	}
	max := cfg.MaxSupplierSuggestions
	if max <= 0 {
		max = 3
	}
	if len(suggestions) > max {
		suggestions = suggestions[:max]
	}
	out.SupplierSuggestions = suggestions
	out.NoMatchMessage = noMatchMessage(out.Recommendations, len(suggestions) > 0)
	out.Context = numberRecommendations(out.Recommendations)
	out.Message = searchSpeech(out.Recommendations, out.NoMatchMessage)
	return out
}

// numberRecommendations assigns the 1-based indexes the worker will use to
// pick a product next turn.
func numberRecommendations(recs []Recommendation) domain.ConversationContext {
	ctx := domain.ConversationContext{Products: []domain.ContextProduct{}}
	seen := map[string]bool{}
	for _, r := range recs {
		for _, p := range r.Products {
			if seen[p.ID] {
				continue
			}
			seen[p.ID] = true
			ctx.Products = append(ctx.Products, domain.ContextProduct{
				Index:        len(ctx.Products) + 1,
				ProductID:    p.ID,
				ProductName:  p.Name,
				SKU:          p.SKU,
				PricePerUnit: p.PricePerUnit,
				Unit:         p.Unit,
			})
		}
	}
	return ctx
}

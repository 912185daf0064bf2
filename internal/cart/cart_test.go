package cart_test

import (
	"context"
	"errors"
	"testing"

	"siteorder/internal/cart"
	"siteorder/internal/domain"
)

func openCart(t *testing.T) (*cart.Session, *cart.MemoryStore) {
	t.Helper()
	store := cart.NewMemoryStore()
	s, err := cart.Open(context.Background(), store, "w1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s, store
}

func gloves() domain.CartItem {
	return domain.CartItem{ProductID: "p-gloves", Name: "Safety gloves", SKU: "GLV-L", Quantity: 2, PricePerUnit: 500}
}

func screws() domain.CartItem {
	return domain.CartItem{ProductID: "p-screws", Name: "Wood screws 4x40", SKU: "SCR-440", Quantity: 1, PricePerUnit: 1290}
}

func TestAddItemMerges(t *testing.T) {
	ctx := context.Background()
	s, _ := openCart(t)
	if err := s.AddItem(ctx, gloves()); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.AddItem(ctx, screws()); err != nil {
		t.Fatalf("add: %v", err)
	}
	again := gloves()
	again.Quantity = 3
	if err := s.AddItem(ctx, again); err != nil {
		t.Fatalf("add: %v", err)
	}
	st := s.State()
	if len(st.Items) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(st.Items))
	}
	if st.Items[0].ProductID != "p-gloves" || st.Items[0].Quantity != 5 {
		t.Fatalf("expected gloves x5 first, got %+v", st.Items[0])
	}
	if got := s.Total(); got != 5*500+1290 {
		t.Fatalf("total: %d", got)
	}
}

func TestAddItemDefaultsQuantity(t *testing.T) {
	s, _ := openCart(t)
	item := screws()
	item.Quantity = 0
	if err := s.AddItem(context.Background(), item); err != nil {
		t.Fatalf("add: %v", err)
	}
	if q := s.State().Items[0].Quantity; q != 1 {
		t.Fatalf("expected quantity 1, got %d", q)
	}
}

func TestNonPositiveQuantityRemovesLine(t *testing.T) {
	ctx := context.Background()
	for _, qty := range []int{0, -1, -40} {
		s, _ := openCart(t)
		_ = s.AddItem(ctx, gloves())
		_ = s.AddItem(ctx, screws())
		if err := s.UpdateQuantity(ctx, "p-gloves", qty); err != nil {
			t.Fatalf("update: %v", err)
		}
		st := s.State()
		if len(st.Items) != 1 || st.Items[0].ProductID != "p-screws" {
			t.Fatalf("qty %d: expected only screws, got %+v", qty, st.Items)
		}
	}
}

func TestUpdateQuantitySets(t *testing.T) {
	ctx := context.Background()
	s, _ := openCart(t)
	_ = s.AddItem(ctx, gloves())
	if err := s.UpdateQuantity(ctx, "p-gloves", 9); err != nil {
		t.Fatalf("update: %v", err)
	}
	if q := s.State().Items[0].Quantity; q != 9 {
		t.Fatalf("expected 9, got %d", q)
	}
	if err := s.UpdateQuantity(ctx, "missing", 3); err != nil {
		t.Fatalf("update missing: %v", err)
	}
}

func TestClearItemsKeepsNoteAndPriority(t *testing.T) {
	ctx := context.Background()
	s, _ := openCart(t)
	_ = s.AddItem(ctx, gloves())
	note := "deliver to gate B"
	if err := s.SetNote(ctx, &note); err != nil {
		t.Fatalf("note: %v", err)
	}
	if err := s.SetPriority(ctx, domain.PriorityUrgent); err != nil {
		t.Fatalf("priority: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.ClearItems(ctx); err != nil {
			t.Fatalf("clear items #%d: %v", i, err)
		}
		st := s.State()
		if st.Items == nil || len(st.Items) != 0 {
			t.Fatalf("expected empty non-nil items, got %#v", st.Items)
		}
		if st.Note == nil || *st.Note != note || st.Priority != domain.PriorityUrgent {
			t.Fatalf("note/priority lost: %+v", st)
		}
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	st := s.State()
	if st.Note != nil || st.Priority != domain.PriorityNormal {
		t.Fatalf("clear should reset note and priority: %+v", st)
	}
}

func TestFindByNameFirstMatchWins(t *testing.T) {
	ctx := context.Background()
	s, _ := openCart(t)
	_ = s.AddItem(ctx, screws())
	_ = s.AddItem(ctx, domain.CartItem{ProductID: "p-drywall", Name: "Drywall screws", SKU: "DRY-25", Quantity: 1})

	item, ok := s.FindItemByName("SCREWS")
	if !ok || item.ProductID != "p-screws" {
		t.Fatalf("expected first inserted screws line, got %+v %v", item, ok)
	}
	item, ok = s.FindItemByName("dry-25")
	if !ok || item.ProductID != "p-drywall" {
		t.Fatalf("expected sku match, got %+v %v", item, ok)
	}
	if _, ok := s.FindItemByName("hammer"); ok {
		t.Fatalf("expected no match")
	}
	if _, ok := s.FindItemByName("  "); ok {
		t.Fatalf("blank name must not match")
	}
}

func TestMatchNameFoldsPlurals(t *testing.T) {
	cases := []struct {
		phrase, name, sku string
		want              bool
	}{
		{"boxes", "Cable Box", "", true},
		{"gloves", "Safety Glove", "", true},
		{"GLV-L", "Safety gloves", "GLV-L", true},
		{"cable boxes please", "Cable Box", "", true},
		{"hammer", "Cable Box", "CBX-1", false},
		{"", "Cable Box", "", false},
	}
	for _, tc := range cases {
		if got := cart.MatchName(tc.phrase, tc.name, tc.sku); got != tc.want {
			t.Errorf("MatchName(%q, %q, %q) = %v, want %v", tc.phrase, tc.name, tc.sku, got, tc.want)
		}
	}
}

func TestFindByNamePlural(t *testing.T) {
	ctx := context.Background()
	s, _ := openCart(t)
	_ = s.AddItem(ctx, domain.CartItem{ProductID: "p-box", Name: "Cable Box", SKU: "CBX-1", Quantity: 1})
	item, ok := s.FindItemByName("boxes")
	if !ok || item.ProductID != "p-box" {
		t.Fatalf("expected plural to find the box line, got %+v %v", item, ok)
	}
}

func TestRemoveByNameEmptiesCart(t *testing.T) {
	ctx := context.Background()
	s, store := openCart(t)
	_ = s.AddItem(ctx, domain.CartItem{ProductID: "p1", Name: "gloves", Quantity: 2, PricePerUnit: 500})
	removed, ok, err := s.RemoveByName(ctx, "gloves")
	if err != nil || !ok || removed.ProductID != "p1" {
		t.Fatalf("remove: %+v %v %v", removed, ok, err)
	}
	if len(s.State().Items) != 0 {
		t.Fatalf("expected empty cart")
	}
	reopened, err := cart.Open(ctx, store, "w1")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if len(reopened.State().Items) != 0 {
		t.Fatalf("persisted cart not empty")
	}
}

func TestUpdateQuantityByName(t *testing.T) {
	ctx := context.Background()
	s, _ := openCart(t)
	_ = s.AddItem(ctx, screws())
	item, ok, err := s.UpdateQuantityByName(ctx, "wood", 20)
	if err != nil || !ok || item.ProductID != "p-screws" {
		t.Fatalf("update by name: %+v %v %v", item, ok, err)
	}
	if q := s.State().Items[0].Quantity; q != 20 {
		t.Fatalf("expected 20, got %d", q)
	}
	if _, ok, _ := s.UpdateQuantityByName(ctx, "nails", 3); ok {
		t.Fatalf("expected no match for nails")
	}
}

func TestFailedSaveLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	s, store := openCart(t)
	_ = s.AddItem(ctx, gloves())
	store.Err = errors.New("disk full")
	if err := s.AddItem(ctx, screws()); err == nil {
		t.Fatalf("expected save error")
	}
	if len(s.State().Items) != 1 {
		t.Fatalf("state changed despite failed save: %+v", s.State().Items)
	}
}

func TestSetPriorityRejectsUnknown(t *testing.T) {
	s, _ := openCart(t)
	err := s.SetPriority(context.Background(), domain.Priority("asap"))
	if !errors.Is(err, cart.ErrInvalidPriority) {
		t.Fatalf("expected ErrInvalidPriority, got %v", err)
	}
}

func TestSetNoteBlankClears(t *testing.T) {
	ctx := context.Background()
	s, _ := openCart(t)
	note := " bring ladder "
	_ = s.SetNote(ctx, &note)
	if st := s.State(); st.Note == nil || *st.Note != "bring ladder" {
		t.Fatalf("note not trimmed: %+v", st.Note)
	}
	blank := "  "
	_ = s.SetNote(ctx, &blank)
	if s.State().Note != nil {
		t.Fatalf("blank note should clear")
	}
}

func TestSwitchProjectDropsLines(t *testing.T) {
	ctx := context.Background()
	s, _ := openCart(t)
	if err := s.SwitchProject(ctx, "proj-a"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	_ = s.AddItem(ctx, gloves())
	if err := s.SwitchProject(ctx, "proj-a"); err != nil || len(s.State().Items) != 1 {
		t.Fatalf("same project must keep lines")
	}
	if err := s.SwitchProject(ctx, "proj-b"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	st := s.State()
	if st.ProjectID != "proj-b" || len(st.Items) != 0 {
		t.Fatalf("expected empty cart on proj-b, got %+v", st)
	}
}

func TestContextSnapshot(t *testing.T) {
	ctx := context.Background()
	s, _ := openCart(t)
	if !s.Context().Empty() {
		t.Fatalf("new cart context should be empty")
	}
	_ = s.AddItem(ctx, gloves())
	c := s.Context()
	if len(c.Items) != 1 || c.Items[0].Name != "Safety gloves" || c.TotalCents != 1000 {
		t.Fatalf("unexpected context %+v", c)
	}
}

// Package cart holds a worker's persisted shopping cart.
package cart

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"

	"siteorder/internal/domain"
	"siteorder/internal/repo"
)

// Store persists cart snapshots per worker. repo.Repo implements it.
type Store interface {
	LoadCart(ctx context.Context, workerID string) (domain.CartState, error)
	SaveCart(ctx context.Context, workerID string, st domain.CartState, now string) error
}

var ErrInvalidPriority = errors.New("invalid priority")

// Session is the single writer of one worker's cart. Every mutation is saved
// before it becomes visible through State.
type Session struct {
	mu       sync.Mutex
	store    Store
	workerID string
	state    domain.CartState
	Now      func() time.Time
}

// Open loads the worker's cart, starting an empty one if none is stored.
func Open(ctx context.Context, store Store, workerID string) (*Session, error) {
	st, err := store.LoadCart(ctx, workerID)
	if errors.Is(err, repo.ErrNotFound) {
		st = empty("")
	} else if err != nil {
		return nil, fmt.Errorf("load cart: %w", err)
	}
	if !st.Priority.Valid() {
		st.Priority = domain.PriorityNormal
	}
	if st.Items == nil {
		st.Items = []domain.CartItem{}
	}
	return &Session{store: store, workerID: workerID, state: st}, nil
}

func empty(projectID string) domain.CartState {
	return domain.CartState{ProjectID: projectID, Items: []domain.CartItem{}, Priority: domain.PriorityNormal}
}

func (s *Session) WorkerID() string { return s.workerID }

// State returns a copy of the current cart.
func (s *Session) State() domain.CartState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clone(s.state)
}

func clone(st domain.CartState) domain.CartState {
	out := st
	out.Items = append([]domain.CartItem{}, st.Items...)
	if st.Note != nil {
		n := *st.Note
		out.Note = &n
	}
	return out
}

func (s *Session) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Session) mutate(ctx context.Context, fn func(st *domain.CartState)) error {
	next := clone(s.state)
	fn(&next)
	if err := s.store.SaveCart(ctx, s.workerID, next, s.now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("save cart: %w", err)
	}
	s.state = next
	return nil
}

// AddItem merges by product id: an existing line grows by item.Quantity,
// otherwise the item is appended. A non-positive quantity counts as 1.
func (s *Session) AddItem(ctx context.Context, item domain.CartItem) error {
	if item.Quantity <= 0 {
		item.Quantity = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutate(ctx, func(st *domain.CartState) {
		if i := indexOf(st.Items, item.ProductID); i >= 0 {
			st.Items[i].Quantity += item.Quantity
			return
		}
		st.Items = append(st.Items, item)
	})
}

// UpdateQuantity sets a line's quantity; qty <= 0 removes the line.
func (s *Session) UpdateQuantity(ctx context.Context, productID string, qty int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutate(ctx, func(st *domain.CartState) {
		setQuantity(st, productID, qty)
	})
}

func setQuantity(st *domain.CartState, productID string, qty int) {
	i := indexOf(st.Items, productID)
	if i < 0 {
		return
	}
	if qty <= 0 {
		st.Items = append(st.Items[:i], st.Items[i+1:]...)
		return
	}
	st.Items[i].Quantity = qty
}

func (s *Session) RemoveItem(ctx context.Context, productID string) error {
	return s.UpdateQuantity(ctx, productID, 0)
}

// ClearItems empties the lines but keeps note and priority.
func (s *Session) ClearItems(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutate(ctx, func(st *domain.CartState) {
		st.Items = []domain.CartItem{}
	})
}

// Clear resets lines, note and priority.
func (s *Session) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutate(ctx, func(st *domain.CartState) {
		*st = empty(st.ProjectID)
	})
}

// FindItemByName returns the first line, in insertion order, that
// MatchName accepts.
func (s *Session) FindItemByName(name string) (domain.CartItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := findByName(s.state.Items, name)
	if i < 0 {
		return domain.CartItem{}, false
	}
	return s.state.Items[i], true
}

func (s *Session) RemoveByName(ctx context.Context, name string) (domain.CartItem, bool, error) {
	return s.UpdateQuantityByName(ctx, name, 0)
}

func (s *Session) UpdateQuantityByName(ctx context.Context, name string, qty int) (domain.CartItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := findByName(s.state.Items, name)
	if i < 0 {
		return domain.CartItem{}, false, nil
	}
	item := s.state.Items[i]
	err := s.mutate(ctx, func(st *domain.CartState) {
		setQuantity(st, item.ProductID, qty)
	})
	if err != nil {
		return domain.CartItem{}, false, err
	}
	return item, true, nil
}

// SetNote stores the order note; nil or blank text removes it.
func (s *Session) SetNote(ctx context.Context, note *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutate(ctx, func(st *domain.CartState) {
		if note == nil || strings.TrimSpace(*note) == "" {
			st.Note = nil
			return
		}
		n := strings.TrimSpace(*note)
		st.Note = &n
	})
}

func (s *Session) SetPriority(ctx context.Context, p domain.Priority) error {
	if !p.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPriority, p)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutate(ctx, func(st *domain.CartState) {
		st.Priority = p
	})
}

// SwitchProject binds the cart to a project. Lines priced for another
// project are dropped.
func (s *Session) SwitchProject(ctx context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.ProjectID == projectID {
		return nil
	}
	return s.mutate(ctx, func(st *domain.CartState) {
		if st.ProjectID != "" {
			*st = empty(projectID)
			return
		}
		st.ProjectID = projectID
	})
}

// Total is the sum of line totals in cents.
func (s *Session) Total() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return total(s.state.Items)
}

func total(items []domain.CartItem) int64 {
	var sum int64
	for _, it := range items {
		sum += it.LineTotal()
	}
	return sum
}

// Context is the snapshot handed to intent resolution.
func (s *Session) Context() *domain.CartContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx := &domain.CartContext{Items: make([]domain.CartContextItem, 0, len(s.state.Items)), TotalCents: total(s.state.Items)}
	for _, it := range s.state.Items {
		ctx.Items = append(ctx.Items, domain.CartContextItem{Name: it.Name, Quantity: it.Quantity, PricePerUnit: it.PricePerUnit})
	}
	return ctx
}

func indexOf(items []domain.CartItem, productID string) int {
	for i, it := range items {
		if it.ProductID == productID {
			return i
		}
	}
	return -1
}

func findByName(items []domain.CartItem, name string) int {
	for i, it := range items {
		if MatchName(name, it.Name, it.SKU) {
			return i
		}
	}
	return -1
}

// fold case-folds s. A Caser keeps state, so each call gets its own.
func fold(s string) string {
	return cases.Fold().String(s)
}

// MatchName reports whether a spoken phrase names a cart line. The folded
// phrase and line name may contain one another and trailing plurals ("boxes",
// "gloves") are ignored. A phrase that is part of the SKU also matches.
func MatchName(phrase, name, sku string) bool {
	p := fold(strings.TrimSpace(phrase))
	if p == "" {
		return false
	}
	if strings.Contains(fold(sku), p) {
		return true
	}
	n := fold(strings.TrimSpace(name))
	if n == "" {
		return false
	}
	for _, v := range singulars(p) {
		if strings.Contains(n, v) {
			return true
		}
	}
	for _, v := range singulars(n) {
		if strings.Contains(p, v) {
			return true
		}
	}
	return false
}

// singulars returns s with and without a trailing plural suffix.
func singulars(s string) []string {
	out := []string{s}
	if strings.HasSuffix(s, "es") && len(s) > 4 {
		out = append(out, strings.TrimSuffix(s, "es"))
	}
	if strings.HasSuffix(s, "s") && !strings.HasSuffix(s, "ss") && len(s) > 3 {
		out = append(out, strings.TrimSuffix(s, "s"))
	}
	return out
}

// MemoryStore keeps carts in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	carts map[string]domain.CartState
	// Err, when set, is returned by SaveCart.
	Err error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{carts: map[string]domain.CartState{}}
}

func (m *MemoryStore) LoadCart(ctx context.Context, workerID string) (domain.CartState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.carts[workerID]
	if !ok {
		return domain.CartState{}, repo.ErrNotFound
	}
	return clone(st), nil
}

func (m *MemoryStore) SaveCart(ctx context.Context, workerID string, st domain.CartState, now string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.carts[workerID] = clone(st)
	return nil
}

package engine

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"siteorder/internal/domain"
	"siteorder/internal/events"
	"siteorder/internal/repo"
)

const (
	defaultHistoryLimit = 5
	favoritesLimit      = 10
)

// Favorites returns the worker's ten most used products in the project.
func (e Engine) Favorites(ctx context.Context, workerID, projectID string) ([]domain.Favorite, error) {
	if err := e.Access().RequireAssignment(ctx, nil, projectID, workerID); err != nil {
		return nil, err
	}
	favs, err := e.Repo.Favorites(ctx, workerID, projectID, favoritesLimit)
	if err != nil {
		return nil, err
	}
	if favs == nil {
		favs = []domain.Favorite{}
	}
	return favs, nil
}

// RecordFavorite bumps a product's usage and remembers quantity as its
// default. It reports whether the favorite is new.
func (e Engine) RecordFavorite(ctx context.Context, workerID, projectID, productID string, quantity int) (bool, error) {
	if productID == "" {
		return false, ValidationError{Field: "productId", Message: "is required"}
	}
	if err := e.Access().RequireAssignment(ctx, nil, projectID, workerID); err != nil {
		return false, err
	}
	if _, err := e.Repo.GetProduct(ctx, productID); err != nil {
		return false, fmt.Errorf("product %s: %w", productID, err)
	}
	created, err := e.Repo.RecordFavorite(ctx, nil, workerID, projectID, productID, quantity, e.stamp())
	if err != nil {
		return false, err
	}
	if err := e.Events.Append(ctx, nil, events.FavoriteUsed, projectID, "product", productID, workerID, events.EventPayload{"quantity": quantity, "created": created}); err != nil {
		e.log().WithError(err).Warn("record favorite event")
	}
	return created, nil
}

// DateRange is an inclusive time window.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

var (
	weekdays    = []string{"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday"}
	daysAgoRe   = regexp.MustCompile(`(\d+)\s*days?\s*ago`)
	weeksAgoRe  = regexp.MustCompile(`(\d+|two|three|four)\s*weeks?\s*ago`)
	weekNumbers = map[string]int{"two": 2, "three": 3, "four": 4}
)

// ParseDateReference reads spoken references like "last tuesday",
// "yesterday", "3 days ago", "last week" or "two weeks ago" relative to now.
// It returns nil for "last time", "previous order" and anything it does not
// understand, meaning the most recent orders.
func ParseDateReference(ref string, now time.Time) *DateRange {
	ref = strings.ToLower(strings.TrimSpace(ref))
	if ref == "" {
		return nil
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	day := func(t time.Time) *DateRange {
		return &DateRange{Start: t, End: t.Add(24*time.Hour - time.Second)}
	}

	for i, name := range weekdays {
		if !strings.Contains(ref, name) {
			continue
		}
		daysAgo := int(today.Weekday()) - i
		if daysAgo <= 0 {
			daysAgo += 7
		}
		if strings.Contains(ref, "last") && daysAgo < 7 {
			daysAgo += 7
		}
		return day(today.AddDate(0, 0, -daysAgo))
	}
	if strings.Contains(ref, "yesterday") {
		return day(today.AddDate(0, 0, -1))
	}
	if m := daysAgoRe.FindStringSubmatch(ref); m != nil {
		n, _ := strconv.Atoi(m[1])
		return day(today.AddDate(0, 0, -n))
	}
	if strings.Contains(ref, "last week") {
		start := today.AddDate(0, 0, -int(today.Weekday())-7)
		end := start.AddDate(0, 0, 6).Add(24*time.Hour - time.Second)
		return &DateRange{Start: start, End: end}
	}
	if m := weeksAgoRe.FindStringSubmatch(ref); m != nil {
		weeks, ok := weekNumbers[m[1]]
		if !ok {
			weeks, _ = strconv.Atoi(m[1])
		}
		start := today.AddDate(0, 0, -7*weeks)
		return &DateRange{Start: start, End: start.AddDate(0, 0, 7)}
	}
	return nil
}

type HistoryQuery struct {
	WorkerID      string
	ProjectID     string
	DateReference string
	Limit         int
}

// HistoryPage is a list of past orders with a sentence describing them.
type HistoryPage struct {
	Orders  []domain.Order `json:"orders"`
	Summary string         `json:"summary"`
	Range   *DateRange     `json:"range,omitempty"`
}

// OrderHistory lists the worker's orders in the project, newest first.
func (e Engine) OrderHistory(ctx context.Context, q HistoryQuery) (HistoryPage, error) {
	if err := e.Access().RequireAssignment(ctx, nil, q.ProjectID, q.WorkerID); err != nil {
		return HistoryPage{}, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	filter := repo.OrderFilter{WorkerID: q.WorkerID, ProjectID: q.ProjectID, Limit: limit}
	rng := ParseDateReference(q.DateReference, e.now())
	if rng != nil {
		filter.From = rng.Start.UTC().Format(time.RFC3339)
		filter.To = rng.End.UTC().Format(time.RFC3339)
	}
	orders, err := e.Repo.ListOrders(ctx, filter)
	if err != nil {
		return HistoryPage{}, err
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	return HistoryPage{Orders: orders, Summary: historySummary(orders, q.DateReference), Range: rng}, nil
}

func historySummary(orders []domain.Order, dateRef string) string {
	switch len(orders) {
	case 0:
		if strings.TrimSpace(dateRef) != "" {
			return fmt.Sprintf("I couldn't find any orders from %s.", dateRef)
		}
		return "You haven't placed any orders yet."
	case 1:
		o := orders[0]
		when := o.CreatedAt
		if t, err := time.Parse(time.RFC3339, o.CreatedAt); err == nil {
			when = t.Format("Monday, Jan 2")
		}
		shown := o.Items
		if len(shown) > 3 {
			shown = shown[:3]
		}
		parts := make([]string, len(shown))
		for i, it := range shown {
			parts[i] = fmt.Sprintf("%d %s", it.Quantity, it.Name)
		}
		msg := fmt.Sprintf("Your order from %s had %s", when, strings.Join(parts, ", "))
		if extra := len(o.Items) - len(shown); extra > 0 {
			msg += fmt.Sprintf(" and %d more items", extra)
		}
		return msg + "."
	default:
		return fmt.Sprintf("Found %d orders. The most recent had %d items.", len(orders), len(orders[0].Items))
	}
}

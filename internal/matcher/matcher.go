// Package matcher ranks project catalogue products against a described need.
package matcher

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/cases"

	"siteorder/internal/config"
	"siteorder/internal/domain"
	"siteorder/internal/inference"
	"siteorder/internal/repo"
)

const (
	keywordTokenScore = 0.3
	minTokenLen       = 3
	tieEpsilon        = 1e-9
)

// Catalogue is the read side of the product store.
type Catalogue interface {
	ProjectProducts(ctx context.Context, projectID string, limit int) ([]domain.Product, error)
	SupplierRanks(ctx context.Context, projectID string) (map[string]int, error)
	SuppliersWithCatalogue(ctx context.Context) ([]domain.Supplier, error)
	UsualQuantities(ctx context.Context, workerID, projectID string) (map[string]repo.UsualQuantity, error)
}

type Query struct {
	Need      string
	ProjectID string
	WorkerID  string
	// MaxResults overrides the configured limit when positive.
	MaxResults    int
	WithSuppliers bool
}

// Result is the ranked outcome of one Match call.
type Result struct {
	Products   []domain.ProductMatch
	Suppliers  []domain.SupplierSuggestion
	TotalFound int
	// Path is "gateway" or "keyword".
	Path string
	// Degraded is set when a collaborator failed and the result may be incomplete.
	Degraded string
}

type Matcher struct {
	Catalogue Catalogue
	Gateway   inference.Gateway
	Config    config.MatcherConfig
	Log       logrus.FieldLogger
}

func New(cat Catalogue, gw inference.Gateway, cfg config.MatcherConfig, log logrus.FieldLogger) *Matcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Matcher{Catalogue: cat, Gateway: gw, Config: cfg, Log: log.WithField("component", "matcher")}
}

// Match never returns collaborator failures to the caller; they are logged and
// reported through Result.Degraded.
func (m *Matcher) Match(ctx context.Context, q Query) Result {
	cfg := m.config()
	max := cfg.MaxResults
	if q.MaxResults > 0 {
		max = q.MaxResults
	}
	log := m.Log.WithField("project_id", q.ProjectID).WithField("need", q.Need)
	var res Result

	products, err := m.Catalogue.ProjectProducts(ctx, q.ProjectID, cfg.CatalogueCap)
	if err != nil {
		log.WithError(err).Error("load catalogue")
		res.Degraded = fmt.Sprintf("catalogue unavailable: %v", err)
		products = nil
	}

	var matches []domain.ProductMatch
	if len(products) > 0 {
		var ok bool
		matches, ok = m.rankWithGateway(ctx, q.Need, products, cfg)
		res.Path = "gateway"
		if !ok {
			matches = keywordRank(q.Need, products)
			res.Path = "keyword"
		}
		ranks, err := m.Catalogue.SupplierRanks(ctx, q.ProjectID)
		if err != nil {
			log.WithError(err).Warn("load supplier ranks")
			ranks = nil
		}
		sortMatches(matches, ranks, cfg)
	}
	res.TotalFound = len(matches)
	if len(matches) > max {
		matches = matches[:max]
	}
	if len(matches) > 0 && q.WorkerID != "" {
		usual, err := m.Catalogue.UsualQuantities(ctx, q.WorkerID, q.ProjectID)
		if err != nil {
			log.WithError(err).Warn("load usual quantities")
		}
		attachUsual(matches, usual)
	}
	res.Products = matches

	if len(matches) == 0 && q.WithSuppliers {
		res.Suppliers = m.suggestSuppliers(ctx, q.Need, cfg)
	}
	log.WithField("found", res.TotalFound).WithField("path", res.Path).Debug("match done")
	return res
}

func (m *Matcher) config() config.MatcherConfig {
	cfg := m.Config
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 8
	}
	if cfg.CatalogueCap <= 0 {
		cfg.CatalogueCap = 100
	}
	if cfg.MinGatewayScore <= 0 {
		cfg.MinGatewayScore = 0.5
	}
	if cfg.TieWindow <= 0 {
		cfg.TieWindow = 0.1
	}
	if cfg.UnrankedRank <= 0 {
		cfg.UnrankedRank = 999
	}
	if cfg.MaxSupplierSuggestions <= 0 {
		cfg.MaxSupplierSuggestions = 3
	}
	return cfg
}

type gatewayMatch struct {
	ID     string  `json:"id"`
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

type gatewayReply struct {
	Matches *[]gatewayMatch `json:"matches"`
}

func validateGatewayReply(r *gatewayReply) error {
	if r.Matches == nil {
		return fmt.Errorf("matches missing")
	}
	return nil
}

// rankWithGateway asks the model to score products. ok is false when the
// gateway could not be used and the keyword path must run instead.
func (m *Matcher) rankWithGateway(ctx context.Context, need string, products []domain.Product, cfg config.MatcherConfig) ([]domain.ProductMatch, bool) {
	if m.Gateway == nil {
		return nil, false
	}
	out := inference.Ask(ctx, m.Gateway, productPrompt(need, products), validateGatewayReply)
	if !out.OK() {
		m.Log.WithField("reason", out.Reason).Info("product ranking fallback to keywords")
		return nil, false
	}
	byID := make(map[string]domain.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}
	seen := map[string]bool{}
	var matches []domain.ProductMatch
	for _, gm := range *out.Value.Matches {
		p, ok := byID[gm.ID]
		if !ok || seen[gm.ID] {
			continue
		}
		score := clamp01(gm.Score)
		if score < cfg.MinGatewayScore {
			continue
		}
		seen[gm.ID] = true
		reason := strings.TrimSpace(gm.Reason)
		if reason == "" {
			reason = "Suggested match"
		}
		matches = append(matches, toMatch(p, score, reason))
	}
	return matches, true
}

var fold = cases.Fold()

// Tokens splits a need into lowercase words of at least three characters.
func Tokens(need string) []string {
	var tokens []string
	seen := map[string]bool{}
	for _, w := range strings.FieldsFunc(fold.String(need), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r > 127)
	}) {
		if len([]rune(w)) < minTokenLen || seen[w] {
			continue
		}
		seen[w] = true
		tokens = append(tokens, w)
	}
	return tokens
}

// keywordScore adds 0.3 for each token found in the text, capped at 1.
func keywordScore(tokens []string, text string) (float64, []string) {
	text = fold.String(text)
	var score float64
	var hits []string
	for _, t := range tokens {
		if strings.Contains(text, t) {
			score += keywordTokenScore
			hits = append(hits, t)
		}
	}
	return math.Min(score, 1), hits
}

func keywordRank(need string, products []domain.Product) []domain.ProductMatch {
	tokens := Tokens(need)
	var matches []domain.ProductMatch
	for _, p := range products {
		score, hits := keywordScore(tokens, p.Name+" "+p.Description)
		if score <= 0 {
			continue
		}
		matches = append(matches, toMatch(p, score, keywordReason(hits)))
	}
	return matches
}

func keywordReason(hits []string) string {
	quoted := make([]string, len(hits))
	for i, h := range hits {
		quoted[i] = fmt.Sprintf("%q", h)
	}
	return "Matches " + strings.Join(quoted, ", ")
}

func toMatch(p domain.Product, score float64, reason string) domain.ProductMatch {
	return domain.ProductMatch{
		ID:              p.ID,
		Name:            p.Name,
		SKU:             p.SKU,
		Description:     p.Description,
		Unit:            p.Unit,
		PricePerUnit:    p.PricePerUnit,
		CategoryName:    p.CategoryName,
		SubcategoryName: p.SubcategoryName,
		SupplierID:      p.SupplierID,
		MatchScore:      score,
		MatchReason:     reason,
	}
}

func rankOf(ranks map[string]int, supplierID string, unranked int) int {
	if r, ok := ranks[supplierID]; ok && supplierID != "" {
		return r
	}
	return unranked
}

// before orders two matches: scores within the tie window fall back to the
// project's supplier preference, otherwise the higher score wins.
func before(a, b domain.ProductMatch, ranks map[string]int, cfg config.MatcherConfig) bool {
	if math.Abs(a.MatchScore-b.MatchScore) <= cfg.TieWindow+tieEpsilon {
		return rankOf(ranks, a.SupplierID, cfg.UnrankedRank) < rankOf(ranks, b.SupplierID, cfg.UnrankedRank)
	}
	return a.MatchScore > b.MatchScore
}

// sortMatches is an insertion sort so that the tie-window comparison, which
// is not transitive, yields the same order for the same input every time.
func sortMatches(ms []domain.ProductMatch, ranks map[string]int, cfg config.MatcherConfig) {
	for i := 1; i < len(ms); i++ {
		for j := i; j > 0 && before(ms[j], ms[j-1], ranks, cfg); j-- {
			ms[j], ms[j-1] = ms[j-1], ms[j]
		}
	}
}

func attachUsual(ms []domain.ProductMatch, usual map[string]repo.UsualQuantity) {
	for i := range ms {
		u, ok := usual[ms[i].ID]
		if !ok {
			continue
		}
		qty, count := u.Quantity, u.OrderCount
		ms[i].UsualQuantity = &qty
		ms[i].OrderCount = &count
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

package matcher

import (
	"context"
	"strings"

	"siteorder/internal/config"
	"siteorder/internal/domain"
	"siteorder/internal/inference"
)

// suggestSuppliers scores suppliers with an external shop against the need.
// It runs only when the project catalogue produced nothing.
func (m *Matcher) suggestSuppliers(ctx context.Context, need string, cfg config.MatcherConfig) []domain.SupplierSuggestion {
	suppliers, err := m.Catalogue.SuppliersWithCatalogue(ctx)
	if err != nil {
		m.Log.WithError(err).Warn("load suppliers")
		return nil
	}
	if len(suppliers) == 0 {
		return nil
	}
	out, ok := m.rankSuppliersWithGateway(ctx, need, suppliers, cfg)
	if !ok {
		out = keywordSuppliers(need, suppliers)
	}
	sortSuggestions(out)
	return dedupeSuggestions(out, cfg.MaxSupplierSuggestions)
}

func (m *Matcher) rankSuppliersWithGateway(ctx context.Context, need string, suppliers []domain.Supplier, cfg config.MatcherConfig) ([]domain.SupplierSuggestion, bool) {
	if m.Gateway == nil {
		return nil, false
	}
	res := inference.Ask(ctx, m.Gateway, supplierPrompt(need, suppliers), validateGatewayReply)
	if !res.OK() {
		m.Log.WithField("reason", res.Reason).Info("supplier ranking fallback to keywords")
		return nil, false
	}
	byID := make(map[string]domain.Supplier, len(suppliers))
	for _, s := range suppliers {
		byID[s.ID] = s
	}
	var out []domain.SupplierSuggestion
	for _, gm := range *res.Value.Matches {
		s, ok := byID[gm.ID]
		if !ok {
			continue
		}
		score := clamp01(gm.Score)
		if score < cfg.MinGatewayScore {
			continue
		}
		reason := strings.TrimSpace(gm.Reason)
		if reason == "" {
			reason = "Supplier catalogue may carry this"
		}
		out = append(out, toSuggestion(s, score, reason))
	}
	return out, true
}

func keywordSuppliers(need string, suppliers []domain.Supplier) []domain.SupplierSuggestion {
	tokens := Tokens(need)
	var out []domain.SupplierSuggestion
	for _, s := range suppliers {
		score, hits := keywordScore(tokens, s.Name+" "+s.Description)
		if score <= 0 {
			continue
		}
		out = append(out, toSuggestion(s, score, keywordReason(hits)))
	}
	return out
}

func toSuggestion(s domain.Supplier, score float64, reason string) domain.SupplierSuggestion {
	return domain.SupplierSuggestion{
		ID:          s.ID,
		Name:        s.Name,
		ShopURL:     s.ShopURL,
		Description: s.Description,
		MatchScore:  score,
		MatchReason: reason,
	}
}

func sortSuggestions(s []domain.SupplierSuggestion) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j].MatchScore > s[j-1].MatchScore; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

func dedupeSuggestions(in []domain.SupplierSuggestion, max int) []domain.SupplierSuggestion {
	seen := map[string]bool{}
	var out []domain.SupplierSuggestion
	for _, s := range in {
		if seen[s.ID] {
			continue
		}
		seen[s.ID] = true
		out = append(out, s)
		if len(out) == max {
			break
		}
	}
	return out
}

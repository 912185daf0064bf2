package matcher

import (
	"fmt"
	"strings"

	"siteorder/internal/domain"
	"siteorder/internal/inference"
)

const productSystemPrompt = `You match a construction worker's request against a project product catalogue.
Return only JSON of the form {"matches":[{"id":"<product id>","score":0.0,"reason":"<short reason>"}]}.
Scores range from 0 to 1. Only include products with a score of 0.5 or higher, best first.
Use only ids that appear in the catalogue. Return {"matches":[]} when nothing fits.`

const supplierSystemPrompt = `You decide which external suppliers are likely to sell what a construction worker needs.
Return only JSON of the form {"matches":[{"id":"<supplier id>","score":0.0,"reason":"<short reason>"}]}.
Scores range from 0 to 1. Only include suppliers with a score of 0.5 or higher, best first.
Use only ids from the list. Return {"matches":[]} when none fit.`

func productPrompt(need string, products []domain.Product) inference.Prompt {
	var b strings.Builder
	fmt.Fprintf(&b, "Request: %s\n\nCatalogue:\n", need)
	for _, p := range products {
		fmt.Fprintf(&b, "- id=%s | %s | sku=%s | unit=%s", p.ID, p.Name, p.SKU, p.Unit)
		if p.CategoryName != "" {
			fmt.Fprintf(&b, " | category=%s", p.CategoryName)
		}
		if p.Description != "" {
			fmt.Fprintf(&b, " | %s", p.Description)
		}
		b.WriteByte('\n')
	}
	return inference.Prompt{
		Name:      "match-products",
		System:    productSystemPrompt,
		User:      b.String(),
		JSON:      true,
		MaxTokens: 800,
	}
}

func supplierPrompt(need string, suppliers []domain.Supplier) inference.Prompt {
	var b strings.Builder
	fmt.Fprintf(&b, "Request: %s\n\nSuppliers:\n", need)
	for _, s := range suppliers {
		fmt.Fprintf(&b, "- id=%s | %s | %s\n", s.ID, s.Name, s.Description)
	}
	return inference.Prompt{
		Name:      "match-suppliers",
		System:    supplierSystemPrompt,
		User:      b.String(),
		JSON:      true,
		MaxTokens: 400,
	}
}

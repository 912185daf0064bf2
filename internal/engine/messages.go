package engine

import (
	"fmt"
	"strings"

	"siteorder/internal/domain"
)

const (
	msgUnresolvedSelection = "I couldn't understand which product you want. Try saying the number, like 'the first one' or 'number 2'."
	msgNothingToAdd        = "There are no products to add. Try searching for something first."
	msgEmptyCart           = "Your cart is empty."
	msgRemoveUnclear       = "I couldn't understand which item to remove. Try saying something like 'remove the gloves'."
	msgUpdateUnclear       = "I couldn't understand the update. Try saying something like 'change screws to 20'."
	msgClearingCart        = "Clearing your cart."
	msgUrgent              = "Marking your order as urgent."
	msgNormal              = "Setting normal priority for your order."
	msgFavorites           = "Getting your usual items."
	msgHistory             = "Getting your order history."
	msgSuppliersOnly       = "No matching products in your project catalogue. Try browsing an external supplier catalog below."
)

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

func outOfRangeMessage(max int) string {
	return fmt.Sprintf("I only see %d product%s. Try saying a number from 1 to %d.", max, plural(max), max)
}

func addedMessage(qty int, name string) string {
	return fmt.Sprintf("Adding %d %s to your cart.", qty, name)
}

func addAllMessage(n int) string {
	return fmt.Sprintf("Adding %d products to your cart.", n)
}

func cartSummary(c *domain.CartContext) string {
	if c.Empty() {
		return msgEmptyCart
	}
	parts := make([]string, len(c.Items))
	for i, it := range c.Items {
		parts[i] = fmt.Sprintf("%d %s", it.Quantity, it.Name)
	}
	return fmt.Sprintf("Your cart has %s.", strings.Join(parts, ", "))
}

// FormatFrancs renders cents as "12.50".
func FormatFrancs(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

func totalMessage(c *domain.CartContext) string {
	if c.Empty() {
		return msgEmptyCart
	}
	return fmt.Sprintf("Your total is %s Swiss francs.", FormatFrancs(c.TotalCents))
}

func removeMessage(name string) string {
	return fmt.Sprintf("Removing %s from your cart.", name)
}

func updateMessage(name string, qty int) string {
	return fmt.Sprintf("Updating %s to %d.", name, qty)
}

func notInCartMessage(name string) string {
	return fmt.Sprintf("I couldn't find %s in your cart.", name)
}

func noteMessage(note string) string {
	return "Adding note: " + note
}

func pastOrderMessage(dateRef string) string {
	return fmt.Sprintf("Looking for your order from %s.", dateRef)
}

// noMatchMessage explains empty recommendations. It returns nil when every
// requested item found something.
func noMatchMessage(recs []Recommendation, haveSuggestions bool) *string {
	if len(recs) == 0 {
		return nil
	}
	var missing, all []string
	total := 0
	for _, r := range recs {
		all = append(all, r.ForItem)
		total += len(r.Products)
		if len(r.Products) == 0 {
			missing = append(missing, r.ForItem)
		}
	}
	var msg string
	switch {
	case total == 0 && haveSuggestions:
		msg = msgSuppliersOnly
	case total == 0:
		msg = fmt.Sprintf("I couldn't find \"%s\" in your project catalogue. Try using different words, or browse the main catalogue to find what you need.", strings.Join(all, ", "))
	case len(missing) > 0:
		msg = fmt.Sprintf("No matches found for: %s. Try different words or check the main catalogue.", strings.Join(missing, ", "))
	default:
		return nil
	}
	return &msg
}

func searchSpeech(recs []Recommendation, noMatch *string) string {
	total := 0
	for _, r := range recs {
		total += len(r.Products)
	}
	if total == 0 && noMatch != nil {
		return *noMatch
	}
	msg := fmt.Sprintf("I found %d product%s.", total, plural(total))
	if noMatch != nil {
		msg += " " + *noMatch
	}
	return msg
}

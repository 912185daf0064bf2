package intent

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/cases"

	"siteorder/internal/cart"
	"siteorder/internal/domain"
)

// fold case-folds s. A Caser keeps state, so each call gets its own.
func fold(s string) string {
	return cases.Fold().String(s)
}

// Normalize case-folds the utterance, drops trailing punctuation and
// collapses whitespace.
func Normalize(s string) string {
	s = fold(s)
	s = strings.Map(func(r rune) rune {
		switch r {
		case ',', '!', '?', ';', ':':
			return ' '
		}
		return r
	}, s)
	s = strings.Join(strings.Fields(s), " ")
	return strings.TrimRight(s, ". ")
}

var ordinalWords = map[string]int{
	"first": 1, "second": 2, "third": 3, "fourth": 4, "fifth": 5,
	"sixth": 6, "seventh": 7, "eighth": 8, "ninth": 9, "tenth": 10,
	"eleventh": 11, "twelfth": 12,
}

var numberWords = map[string]int{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5, "six": 6,
	"seven": 7, "eight": 8, "nine": 9, "ten": 10, "eleven": 11, "twelve": 12,
	"fifteen": 15, "twenty": 20, "thirty": 30, "forty": 40, "fifty": 50, "hundred": 100,
	"a couple": 2, "couple": 2, "a few": 3, "few": 3, "a dozen": 12, "dozen": 12,
}

const numberAlt = `\d+|a couple|couple|a few|few|a dozen|dozen|one|two|three|four|five|six|seven|eight|nine|ten|eleven|twelve|fifteen|twenty|thirty|forty|fifty|hundred`

const ordinalAlt = `first|second|third|fourth|fifth|sixth|seventh|eighth|ninth|tenth|eleventh|twelfth|\d+(?:st|nd|rd|th)`

var (
	// Measurements such as 4mm, 3/4 inch, 2.5 m or 10 kg. Single letter
	// units only count when written without a space.
	unitAfter      = regexp.MustCompile(`^\s*(?:mm2|mm|cm|m|km|inch|inches|ft|foot|feet|kg|lb|lbs|ml|bar|psi|volts?|watts?|amps?|met(?:er|re)s?|lit(?:er|re)s?)\b`)
	unitAfterTight = regexp.MustCompile(`^(?:"|in\b|g\b|l\b|v\b|w\b|a\b)`)
	digitRun       = regexp.MustCompile(`\d+`)

	numberedRef = regexp.MustCompile(`(?:\bnumber|\bno\.?|#|\bitem|\boption|\bproduct|\bchoice)\s*(` + numberAlt + `)\b`)
	ordinalRef  = regexp.MustCompile(`\b(` + ordinalAlt + `)\b(?:\s+(one|item|product|option|choice|ones))?`)
	lastRef     = regexp.MustCompile(`\b(?:the\s+)?last\s+(?:one|item|product|option)\b`)
	bareNumber  = regexp.MustCompile(`^(?:the\s+|take\s+|add\s+)?(` + numberAlt + `)(?:\s+please)?$`)
	quantityOf  = regexp.MustCompile(`\b(` + numberAlt + `)\s+(?:pieces\s+|units\s+|boxes\s+|packs\s+)?of\s+(?:the\b|number\b|no\b|#|item\b|option\b|them\b|those\b|that\b|this\b)`)
	ordinalTail = map[string]bool{"": true, "one": true, "item": true, "product": true, "option": true, "choice": true, "ones": true, "please": true}

	removeRule = regexp.MustCompile(`^(?:please\s+)?(?:remove|delete|take out|take off|drop|get rid of)\s+(?:the\s+|my\s+|all\s+(?:the\s+)?|those\s+|these\s+)?(.+?)(?:\s+(?:from|off|out of)\s+(?:my|the)\s+(?:cart|order|basket))?$`)
	updateRule = regexp.MustCompile(`^(?:please\s+)?(?:change|update|set|make)\s+(?:the\s+)?(?:quantity\s+of\s+|amount\s+of\s+|number\s+of\s+)?(?:the\s+|my\s+)?(.+?)\s+(?:to|at)\s+(?:number\s+)?(` + numberAlt + `)(?:\s+\w+)?$`)
	cartVerb   = regexp.MustCompile(`^(?:please\s+)?(?:remove|delete|drop|take out|take off|get rid of|change|update|set|clear|empty)\b`)
	updateVerb = regexp.MustCompile(`^(?:please\s+)?(?:change|update|set)\b`)
	clearCart  = regexp.MustCompile(`^(?:please\s+)?(?:clear|empty|reset|wipe)\s+(?:out\s+)?(?:the\s+|my\s+)?(?:whole\s+|entire\s+)?(?:cart|basket|order)$`)
)

func parseNumber(s string) (int, bool) {
	if n, err := strconv.Atoi(s); err == nil {
		return n, true
	}
	n, ok := numberWords[s]
	return n, ok
}

func parseOrdinal(s string) (int, bool) {
	if n, ok := ordinalWords[s]; ok {
		return n, true
	}
	digits := strings.TrimRight(s, "stndrh")
	if digits == s {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	return n, err == nil
}

// measurementAt reports whether the number ending at end is part of a
// measurement: followed by a unit or written as a fraction.
func measurementAt(s string, start, end int) bool {
	if unitAfter.MatchString(s[end:]) || unitAfterTight.MatchString(s[end:]) {
		return true
	}
	if start > 0 && (s[start-1] == '/' || s[start-1] == '.') {
		return true
	}
	if end < len(s) && (s[end] == '/' || s[end] == '.') && end+1 < len(s) && s[end+1] >= '0' && s[end+1] <= '9' {
		return true
	}
	return false
}

// ParseSelection reads an index reference such as "the second one",
// "number 2", "#2" or a bare "2" plus an optional quantity ("10 of the
// second one"). maxIndex resolves "the last one". It never treats
// measurements like "4mm" or "3/4 inch" as an index.
func ParseSelection(norm string, maxIndex int) (Selection, bool) {
	sel := Selection{Quantity: 1}
	found := false

	if m := numberedRef.FindStringSubmatchIndex(norm); m != nil {
		numStr := norm[m[2]:m[3]]
		if n, ok := parseNumber(numStr); ok && !measurementAt(norm, m[2], m[3]) {
			sel.Index = n
			found = true
		}
	}
	if !found {
		for _, m := range ordinalRef.FindAllStringSubmatchIndex(norm, -1) {
			word := norm[m[2]:m[3]]
			tail := ""
			if m[4] >= 0 {
				tail = norm[m[4]:m[5]]
			} else {
				rest := strings.Fields(norm[m[3]:])
				if len(rest) > 0 {
					tail = rest[0]
				}
			}
			if !ordinalTail[tail] {
				continue
			}
			if n, ok := parseOrdinal(word); ok {
				sel.Index = n
				found = true
				break
			}
		}
	}
	if !found && maxIndex > 0 && lastRef.MatchString(norm) {
		sel.Index = maxIndex
		found = true
	}
	if !found {
		if m := bareNumber.FindStringSubmatch(norm); m != nil {
			if n, ok := parseNumber(m[1]); ok {
				sel.Index = n
				found = true
			}
		}
	}
	if !found {
		return Selection{}, false
	}
	if m := quantityOf.FindStringSubmatchIndex(norm); m != nil {
		if n, ok := parseNumber(norm[m[2]:m[3]]); ok && n > 0 && !measurementAt(norm, m[2], m[3]) {
			sel.Quantity = n
		}
	}
	return sel, true
}

// HasMeasurement reports whether the utterance contains a number that is part
// of a measurement.
func HasMeasurement(norm string) bool {
	for _, m := range digitRun.FindAllStringIndex(norm, -1) {
		if measurementAt(norm, m[0], m[1]) {
			return true
		}
	}
	return false
}

// matchCartLine finds the cart line named by phrase.
func matchCartLine(phrase string, c *domain.CartContext) (string, bool) {
	if c.Empty() {
		return "", false
	}
	for _, it := range c.Items {
		if cart.MatchName(phrase, it.Name, "") {
			return it.Name, true
		}
	}
	return "", false
}

// cartTarget resolves the object of a cart verb: a phrase naming a cart
// line, or a reference to a shown product ("the second one", "item 2") which
// becomes that product's name. A reference past the end of the list yields an
// empty name.
func cartTarget(phrase string, conv *domain.ConversationContext, c *domain.CartContext) (string, bool) {
	if _, ok := matchCartLine(phrase, c); ok {
		return phrase, true
	}
	if conv.Empty() {
		return "", false
	}
	sel, ok := ParseSelection(phrase, conv.MaxIndex())
	if !ok {
		return "", false
	}
	p, ok := conv.ByIndex(sel.Index)
	if !ok {
		return "", true
	}
	return p.ProductName, true
}

// StartsWithCartVerb reports whether the utterance opens with a cart edit
// verb. Such utterances are never product selections.
func StartsWithCartVerb(norm string) bool {
	return cartVerb.MatchString(norm)
}

// unresolvedEdit is the cart intent for a cart verb whose object could not be
// resolved; the turn reports it back as unclear.
func unresolvedEdit(norm string) Payload {
	if updateVerb.MatchString(norm) {
		return Update{}
	}
	return Remove{}
}

// cartRule recognises explicit cart edits. Clear needs a non-empty cart;
// remove and update fire when the phrase names an existing line or points at
// a shown product.
func cartRule(norm string, conv *domain.ConversationContext, c *domain.CartContext) (Payload, bool) {
	if !c.Empty() && clearCart.MatchString(norm) {
		return CartClearPayload{}, true
	}
	if m := updateRule.FindStringSubmatch(norm); m != nil {
		if name, ok := cartTarget(m[1], conv, c); ok {
			if n, ok := parseNumber(m[2]); ok {
				return Update{ItemName: name, NewQuantity: &n}, true
			}
		}
	}
	if m := removeRule.FindStringSubmatch(norm); m != nil {
		if name, ok := cartTarget(m[1], conv, c); ok {
			return Remove{ItemName: name}, true
		}
	}
	return nil, false
}

// searchTerms keeps the words longer than two characters.
func searchTerms(s string) []string {
	var terms []string
	for _, w := range strings.Fields(fold(s)) {
		if len([]rune(w)) > 2 {
			terms = append(terms, w)
		}
	}
	return terms
}

// Package orderflow implements the conversational order state machine.
//
// This file holds the deterministic text analysis: purchase-intent
// detection, confirmation/rejection detection, and parsing free text into
// catalog line items. All matching runs on normalized text so Arabic
// diacritics, letter variants and Arabic-Indic digits never break it.
package orderflow

import (
	"strconv"
	"strings"

	"github.com/souqlabs/souqbot/internal/commerce"
)

// purchaseKeywords mark a message as a purchase request. Availability and
// price questions deliberately stay out: they are answered as ordinary chat.
// The list is normalized up front so letter-variant folding (ى→ي etc.)
// cannot put a keyword out of reach of normalized message text.
var purchaseKeywords = normalizeAll(
	"أبي", "أبغى", "أريد", "أطلب", "اشتري", "اشتر",
	"i want", "i'd like", "buy", "order",
)

func normalizeAll(words ...string) []string {
	out := make([]string, len(words))
	for i, w := range words {
		out[i] = normalize(w)
	}
	return out
}

// affirmativeWords confirm a pending draft.
var affirmativeWords = map[string]bool{
	"نعم": true, "اي": true, "ايه": true, "ايوه": true, "ايوا": true,
	"اوك": true, "اوكي": true, "تمام": true, "موافق": true, "اكد": true,
	"اكيد": true, "ماشي": true, "يس": true,
	"yes": true, "yeah": true, "yep": true, "ok": true, "okay": true,
	"sure": true, "confirm": true, "confirmed": true, "y": true,
}

// negativeWords reject a pending draft.
var negativeWords = map[string]bool{
	"لا": true, "لاء": true, "كلا": true, "الغاء": true, "الغي": true,
	"كنسل": true, "بطل": true, "خلاص": true,
	"no": true, "nope": true, "cancel": true, "n": true,
}

// maxDecisionTokens bounds how long a message can be and still count as a
// bare yes/no. Longer messages are treated as ordinary chat.
const maxDecisionTokens = 4

// HasPurchaseIntent reports whether the message reads like a purchase request.
func HasPurchaseIntent(text string) bool {
	norm := normalize(text)
	for _, kw := range purchaseKeywords {
		if strings.Contains(norm, kw) {
			return true
		}
	}
	return false
}

// IsAffirmative reports whether a short message confirms a pending draft.
func IsAffirmative(text string) bool {
	return matchesDecision(text, affirmativeWords)
}

// IsNegative reports whether a short message rejects a pending draft.
func IsNegative(text string) bool {
	return matchesDecision(text, negativeWords)
}

func matchesDecision(text string, words map[string]bool) bool {
	tokens := strings.Fields(normalize(text))
	if len(tokens) == 0 || len(tokens) > maxDecisionTokens {
		return false
	}
	return words[tokens[0]]
}

// ParseDraft matches free text against the catalog and returns the resolved
// line items. Zero items means the text mentioned no known product. Each
// item's quantity comes from the count token nearest its own mention, so
// "2x watch and 3x honey" drafts two distinct quantities.
func ParseDraft(text string, catalog []commerce.Product) []commerce.LineItem {
	norm := normalize(text)
	tokens := strings.Fields(norm)

	var items []commerce.LineItem
	var positions []int
	for _, p := range catalog {
		pos, ok := matchProduct(norm, tokens, p)
		if !ok {
			continue
		}
		items = append(items, commerce.LineItem{Product: p, Quantity: 1})
		positions = append(positions, pos)
	}
	sole := len(items) == 1
	for i := range items {
		items[i].Quantity = quantityNear(tokens, positions[i], sole)
	}
	return items
}

// matchProduct checks a product against the message by SKU, full name
// containment, or coverage of the name's tokens. It returns the token index
// of the mention so quantities can be scoped to it.
func matchProduct(norm string, tokens []string, p commerce.Product) (int, bool) {
	// Normalization splits hyphenated SKUs ("HNY-SDR" -> "hny sdr"), so the
	// SKU is matched as a substring of the normalized message, not per token.
	if p.SKU != "" {
		sku := normalize(p.SKU)
		if sku != "" && strings.Contains(norm, sku) {
			return indexOf(tokens, strings.Fields(sku)[0]), true
		}
	}
	name := normalize(p.Name)
	if name == "" {
		return -1, false
	}
	nameTokens := strings.Fields(name)
	if strings.Contains(norm, name) {
		return indexOf(tokens, nameTokens[0]), true
	}
	need := len(nameTokens)
	if need > 2 {
		need = 2
	}
	matched := 0
	first := -1
	for _, nt := range nameTokens {
		i := indexOf(tokens, nt)
		if i < 0 {
			continue
		}
		matched++
		if first < 0 || i < first {
			first = i
		}
	}
	if matched >= need {
		return first, true
	}
	return -1, false
}

func indexOf(tokens []string, t string) int {
	for i, tok := range tokens {
		if tok == t {
			return i
		}
	}
	return -1
}

// quantityNear returns the count token closest to the mention at pos,
// looking up to two tokens away on either side. For a sole matched product
// any count token in the message counts. Defaults to 1.
func quantityNear(tokens []string, pos int, sole bool) int {
	if pos >= 0 {
		for d := 1; d <= 2; d++ {
			for _, i := range []int{pos - d, pos + d} {
				if i < 0 || i >= len(tokens) {
					continue
				}
				if n, ok := countToken(tokens[i]); ok {
					return n
				}
			}
		}
	}
	if sole {
		for _, tok := range tokens {
			if n, ok := countToken(tok); ok {
				return n
			}
		}
	}
	return 1
}

// countToken reads "x2", "2x" or a bare count between 1 and 99.
func countToken(tok string) (int, bool) {
	s := tok
	if strings.HasPrefix(s, "x") {
		s = s[1:]
	} else if strings.HasSuffix(s, "x") {
		s = s[:len(s)-1]
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 99 {
		return 0, false
	}
	return n, true
}

// normalize lowercases, folds Arabic letter variants, strips diacritics,
// converts Arabic-Indic digits and collapses punctuation to spaces.
func normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		switch {
		case r >= 0x064B && r <= 0x0652: // tashkeel
			continue
		case r == 'أ' || r == 'إ' || r == 'آ':
			b.WriteRune('ا')
		case r == 'ة':
			b.WriteRune('ه')
		case r == 'ى':
			b.WriteRune('ي')
		case r >= '٠' && r <= '٩':
			b.WriteRune('0' + (r - '٠'))
		case r >= '۰' && r <= '۹':
			b.WriteRune('0' + (r - '۰'))
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '\'':
			b.WriteRune(r)
		case r >= 0x0600 && r <= 0x06FF:
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

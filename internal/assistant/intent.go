package assistant

import (
	"fmt"
	"strings"
)

// knownLocations is scanned in order; the first hit wins.
var knownLocations = []string{"marina bay", "orchard", "sentosa", "downtown", "bukit timah", "clementi"}

// Intent is the structured search request extracted from a user message.
// Nil fields were not mentioned.
type Intent struct {
	Location     *string
	PropertyType *string
	MinPrice     *float64
	MaxPrice     *float64
	Bedrooms     *int
}

// Any reports whether at least one field was detected.
func (i Intent) Any() bool {
	return i.Location != nil || i.PropertyType != nil || i.MinPrice != nil || i.MaxPrice != nil || i.Bedrooms != nil
}

// DetectIntent is a keyword scan over text. It does not try to understand
// the message; it only recognises a fixed vocabulary.
func DetectIntent(text string) Intent {
	lower := strings.ToLower(text)
	var intent Intent

	for _, loc := range knownLocations {
		if strings.Contains(lower, loc) {
			v := titleCase(loc)
			intent.Location = &v
			break
		}
	}

	var propertyType string
	switch {
	case strings.Contains(lower, "condo"):
		propertyType = "condo"
	case strings.Contains(lower, "hdb"):
		propertyType = "HDB"
	case strings.Contains(lower, "landed"):
		propertyType = "landed"
	}
	if propertyType != "" {
		intent.PropertyType = &propertyType
	}

	for n := 1; n <= 5; n++ {
		if containsCount(lower, fmt.Sprintf("%d bed", n)) || containsCount(lower, fmt.Sprintf("%dbr", n)) {
			beds := n
			intent.Bedrooms = &beds
			break
		}
	}

	return intent
}

// containsCount reports whether token occurs in s without another digit
// directly before it, so "2 bed" does not match inside "12 bed".
func containsCount(s, token string) bool {
	for from := 0; ; {
		idx := strings.Index(s[from:], token)
		if idx < 0 {
			return false
		}
		at := from + idx
		if at == 0 || s[at-1] < '0' || s[at-1] > '9' {
			return true
		}
		from = at + 1
	}
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

package assistant

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"lead-assistant/internal/domain"
)

// FormatProperties renders listings as a numbered WhatsApp-friendly list.
func FormatProperties(props []domain.Property) string {
	if len(props) == 0 {
		return ""
	}

	noun := "properties"
	if len(props) == 1 {
		noun = "property"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "I found %d %s:\n\n", len(props), noun)
	for i, p := range props {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, p.Title)
		fmt.Fprintf(&sb, "   %s - $%s\n", p.Location, formatPrice(p.Price))
		if p.Bedrooms > 0 {
			fmt.Fprintf(&sb, "   %d bed", p.Bedrooms)
			if p.Bathrooms > 0 {
				fmt.Fprintf(&sb, ", %d bath", p.Bathrooms)
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// formatPrice rounds to whole dollars with thousands separators.
func formatPrice(price float64) string {
	digits := strconv.FormatInt(int64(math.Round(price)), 10)
	neg := strings.HasPrefix(digits, "-")
	digits = strings.TrimPrefix(digits, "-")

	var out []byte
	for i := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, digits[i])
	}
	if neg {
		return "-" + string(out)
	}
	return string(out)
}

package assistant

import (
	"fmt"
	"strings"

	"lead-assistant/internal/domain"
)

// BuildSystemPrompt assembles the persona instruction sent ahead of history.
// propertyContext is the rendered listing text, or "" when none matched.
func BuildSystemPrompt(p domain.Persona, propertyContext string) string {
	name := strings.TrimSpace(p.AssistantName)
	if name == "" {
		name = domain.DefaultPersona().AssistantName
	}
	style := p.SpeakingStyle
	if style == "" {
		style = domain.DefaultPersona().SpeakingStyle
	}

	sections := []string{
		fmt.Sprintf("You are %s, an AI assistant for a real estate agent.", name),
		"",
		fmt.Sprintf("Speaking style: %s", style),
		"",
		"CRITICAL RULES:",
		criticalRules(),
		"",
		"ESCALATION TRIGGERS - Switch to human agent if user:",
		escalationTriggers(),
	}

	if tone := toneDirective(style); tone != "" {
		sections = append(sections, "", "Tone: "+tone)
	}
	if custom := strings.TrimSpace(p.CustomInstruction); custom != "" {
		sections = append(sections, "", "ADDITIONAL INSTRUCTIONS:", custom)
	}
	if strings.TrimSpace(propertyContext) != "" {
		sections = append(sections, "", "AVAILABLE PROPERTIES:", strings.TrimRight(propertyContext, "\n"))
	} else {
		sections = append(sections, "", "No properties currently available in the database.")
	}

	return strings.Join(sections, "\n")
}

func criticalRules() string {
	return strings.Join([]string{
		"1. Only discuss properties from the provided property database below",
		"2. NEVER invent or hallucinate property details, pricing, or availability",
		"3. If you don't have information, say so clearly",
		"4. Keep responses under 3 paragraphs",
		"5. Format for WhatsApp (plain text, no markdown)",
		"6. Be helpful but concise",
	}, "\n")
}

func escalationTriggers() string {
	return strings.Join([]string{
		"- Asks to negotiate pricing",
		"- Raises objections or concerns",
		"- Requests contract/legal details",
		"- Explicitly asks for a human",
		"- Asks about custom requests outside standard property info",
	}, "\n")
}

func toneDirective(style domain.SpeakingStyle) string {
	switch style {
	case domain.StyleProfessional:
		return "Professional and formal. Use complete sentences and polite language."
	case domain.StyleFriendly:
		return "Warm and approachable. Use contractions naturally. Be helpful and enthusiastic."
	case domain.StyleCasual:
		return "Relaxed and conversational. Keep it simple and friendly."
	case domain.StylePremium:
		return "Polished and refined. Use sophisticated vocabulary while staying clear."
	}
	return ""
}

// historyToChat maps stored turns onto provider roles. A trailing user turn
// equal to current is dropped because the caller appends it again.
func historyToChat(history []domain.Message, current string) []domain.ChatMessage {
	if n := len(history); n > 0 {
		last := history[n-1]
		if last.SenderType == domain.SenderUser && strings.TrimSpace(last.Text) == strings.TrimSpace(current) {
			history = history[:n-1]
		}
	}

	out := make([]domain.ChatMessage, 0, len(history)+1)
	for _, m := range history {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		role := domain.RoleAssistant
		if m.SenderType == domain.SenderUser {
			role = domain.RoleUser
		}
		out = append(out, domain.ChatMessage{Role: role, Content: text})
	}
	return out
}

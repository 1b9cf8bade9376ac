package domain

import "time"

// SpeakingStyle shapes the tone directives of the assistant prompt.
type SpeakingStyle string

const (
	StyleProfessional SpeakingStyle = "professional"
	StyleFriendly     SpeakingStyle = "friendly"
	StyleCasual       SpeakingStyle = "casual"
	StylePremium      SpeakingStyle = "premium"
)

// Persona is the per-agent assistant configuration.
type Persona struct {
	AssistantName     string
	SpeakingStyle     SpeakingStyle
	CustomInstruction string
}

// DefaultPersona is used when an agent has not configured one.
func DefaultPersona() Persona {
	return Persona{AssistantName: "Assistant", SpeakingStyle: StyleFriendly}
}

// Agent is the tenant that owns conversations and a transport instance.
type Agent struct {
	AgentID             string
	FullName            string
	Active              bool
	TransportInstanceID string
	TransportToken      string
	Persona             Persona
}

// HasTransportCredentials reports whether outbound sends are possible.
func (a Agent) HasTransportCredentials() bool {
	return a.TransportInstanceID != "" && a.TransportToken != ""
}

// Property is a listing owned by an agent.
type Property struct {
	PropertyID       string
	AgentID          string
	Title            string
	PropertyType     string
	Location         string
	Price            float64
	Bedrooms         int
	Bathrooms        int
	SizeSqft         int
	KeySellingPoints string
	Availability     string
	Archived         bool
	CreatedAt        time.Time
}

// PropertyQuery narrows a property search. Nil fields are unconstrained.
type PropertyQuery struct {
	Location     *string
	PropertyType *string
	MinPrice     *float64
	MaxPrice     *float64
	Bedrooms     *int
	Limit        int
}

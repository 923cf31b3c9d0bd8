package domain

import "time"

// NegotiationPolicy is the effective policy for one negotiation type. It is
// computed per request and never stored.
type NegotiationPolicy struct {
	NegotiationType        string `json:"negotiationType"`
	MaxTurns               int    `json:"maxTurns"`
	AllowCounter           bool   `json:"allowCounter"`
	CloseOnAccept          bool   `json:"closeOnAccept"`
	CloseOnDecline         bool   `json:"closeOnDecline"`
	ProviderCanInitiate    bool   `json:"providerCanInitiate"`
	StakeholderCanInitiate bool   `json:"stakeholderCanInitiate"`
	AllowProposalContext   bool   `json:"allowProposalContext"`
}

// CanInitiate reports the role-specific initiation permission.
func (p NegotiationPolicy) CanInitiate(r Role) bool {
	switch r {
	case RoleProvider:
		return p.ProviderCanInitiate
	case RoleStakeholder:
		return p.StakeholderCanInitiate
	}
	return false
}

// Closes reports whether a terminal event of type t closes the subject.
func (p NegotiationPolicy) Closes(t EventType) bool {
	switch t {
	case EventAccepted:
		return p.CloseOnAccept
	case EventDeclined:
		return p.CloseOnDecline
	}
	return false
}

// PlatformPolicy is the required global default row for a negotiation type.
type PlatformPolicy struct {
	NegotiationPolicy
	UpdatedAt time.Time `json:"updatedAt"`
}

// PolicyFields is a partial policy; nil means "use the platform default".
type PolicyFields struct {
	MaxTurns               *int  `json:"maxTurns"`
	AllowCounter           *bool `json:"allowCounter"`
	CloseOnAccept          *bool `json:"closeOnAccept"`
	CloseOnDecline         *bool `json:"closeOnDecline"`
	ProviderCanInitiate    *bool `json:"providerCanInitiate"`
	StakeholderCanInitiate *bool `json:"stakeholderCanInitiate"`
	AllowProposalContext   *bool `json:"allowProposalContext"`
}

func (f PolicyFields) IsEmpty() bool {
	return f == PolicyFields{}
}

// PolicyOverride is an optional tenant row for (tenant, type).
type PolicyOverride struct {
	TenantID        string `json:"tenantId"`
	NegotiationType string `json:"negotiationType"`
	PolicyFields
	UpdatedBy string    `json:"updatedBy"`
	UpdatedAt time.Time `json:"updatedAt"`
}

const (
	MinMaxTurns = 1
	MaxMaxTurns = 100
)

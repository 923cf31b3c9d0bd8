package domain

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleProvider    Role = "provider"
	RoleStakeholder Role = "stakeholder"
	RoleAdmin       Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleProvider, RoleStakeholder, RoleAdmin:
		return true
	}
	return false
}

// Negotiates reports whether the role may append negotiation events.
func (r Role) Negotiates() bool {
	return r == RoleProvider || r == RoleStakeholder
}

// Actor is the caller as resolved upstream: tenant, authenticated identity and role.
type Actor struct {
	TenantID string
	ActorID  string
	Role     Role
}

type EventType string

const (
	EventProposed  EventType = "proposed"
	EventCountered EventType = "countered"
	EventAccepted  EventType = "accepted"
	EventDeclined  EventType = "declined"
)

func (t EventType) Valid() bool {
	switch t {
	case EventProposed, EventCountered, EventAccepted, EventDeclined:
		return true
	}
	return false
}

// IsTurn reports whether the event consumes a turn.
func (t EventType) IsTurn() bool {
	return t == EventProposed || t == EventCountered
}

func (t EventType) IsTerminal() bool {
	return t == EventAccepted || t == EventDeclined
}

const DefaultNegotiationType = "schedule"

const MaxNoteLength = 2000

// NegotiationEvent is immutable once written. ClosesNegotiation captures, at
// write time, whether a terminal event closed the subject under the policy then
// in force.
type NegotiationEvent struct {
	ID                string           `json:"id"`
	TenantID          string           `json:"tenantId"`
	SubjectID         string           `json:"subjectId"`
	NegotiationType   string           `json:"negotiationType"`
	ActorID           string           `json:"actorId"`
	ActorRole         Role             `json:"actorRole"`
	EventType         EventType        `json:"eventType"`
	ProposedValue     json.RawMessage  `json:"proposedValue,omitempty"`
	Note              string           `json:"note,omitempty"`
	ProposalContext   *ProposalContext `json:"proposalContext"`
	ClosesNegotiation bool             `json:"closesNegotiation"`
	CreatedAt         time.Time        `json:"createdAt"`
}

// ProposalContextReason is the bounded enumeration carried by a ProposalContext.
type ProposalContextReason string

const (
	ReasonReschedule ProposalContextReason = "reschedule"
	ReasonCapacity   ProposalContextReason = "capacity"
	ReasonConflict   ProposalContextReason = "conflict"
	ReasonPreference ProposalContextReason = "preference"
	ReasonOther      ProposalContextReason = "other"
)

func (r ProposalContextReason) Valid() bool {
	switch r {
	case ReasonReschedule, ReasonCapacity, ReasonConflict, ReasonPreference, ReasonOther:
		return true
	}
	return false
}

// ProposalContext holds sanitized cross-references attached to a turn.
type ProposalContext struct {
	ReservationID   string                `json:"reservationId,omitempty"`
	RunID           string                `json:"runId,omitempty"`
	ResourceID      string                `json:"resourceId,omitempty"`
	MessageID       string                `json:"messageId,omitempty"`
	PreviousEventID string                `json:"previousEventId,omitempty"`
	Reason          ProposalContextReason `json:"reason,omitempty"`
}

func (c ProposalContext) IsEmpty() bool {
	return c == ProposalContext{}
}

var (
	opaqueIDRe        = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)
	negotiationTypeRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)
)

// ValidOpaqueID accepts the identifier shapes used for subjects, messages,
// tenants and actors.
func ValidOpaqueID(id string) bool {
	return opaqueIDRe.MatchString(id)
}

func ValidNegotiationType(t string) bool {
	return negotiationTypeRe.MatchString(t)
}

// ValidUUID accepts canonical hyphenated UUIDs only.
func ValidUUID(v string) bool {
	if len(v) != 36 || strings.TrimSpace(v) != v {
		return false
	}
	_, err := uuid.Parse(v)
	return err == nil
}

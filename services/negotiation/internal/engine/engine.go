// Package engine is the append-only negotiation state machine. State is never
// stored: it is the fold over a subject's events in creation order.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/accordsai/negotiationlane/pkg/canonhash"
	"github.com/accordsai/negotiationlane/pkg/domain"
	"github.com/accordsai/negotiationlane/services/negotiation/internal/proposalctx"
	"github.com/google/uuid"
)

// EventStore must run decide and the insert of its result as one atomic unit
// against the subject's history.
type EventStore interface {
	ListEvents(ctx context.Context, tenantID, subjectID string) ([]domain.NegotiationEvent, error)
	AppendEvent(ctx context.Context, tenantID, subjectID string, decide func(history []domain.NegotiationEvent) (domain.NegotiationEvent, error)) (domain.NegotiationEvent, error)
}

type Policies interface {
	Effective(ctx context.Context, tenantID, negotiationType string) (domain.NegotiationPolicy, error)
}

type Engine struct {
	events   EventStore
	policies Policies
	now      func() time.Time
	newID    func() string
}

func New(events EventStore, policies Policies) *Engine {
	return &Engine{
		events:   events,
		policies: policies,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

type SubmitRequest struct {
	EventType       domain.EventType
	ProposedValue   json.RawMessage
	Note            string
	ProposalContext json.RawMessage
	// NegotiationType is optional; it defaults to the subject's pinned type,
	// or DefaultNegotiationType for a new subject.
	NegotiationType string
}

// State is the fold of a subject's history.
type State struct {
	NegotiationType string
	TurnsUsed       int
	Closed          bool
	LastEventAt     time.Time
}

func Fold(history []domain.NegotiationEvent) State {
	var s State
	for i, ev := range history {
		if i == 0 {
			s.NegotiationType = ev.NegotiationType
		}
		if ev.EventType.IsTurn() {
			s.TurnsUsed++
		}
		if ev.EventType.IsTerminal() && ev.ClosesNegotiation {
			s.Closed = true
		}
		if ev.CreatedAt.After(s.LastEventAt) {
			s.LastEventAt = ev.CreatedAt
		}
	}
	return s
}

// CheckGuards evaluates the transition guards in their fixed order and
// returns the first failure.
func CheckGuards(p domain.NegotiationPolicy, s State, t domain.EventType, role domain.Role) error {
	if s.Closed {
		return domain.ErrClosed
	}
	if t.IsTurn() && s.TurnsUsed >= p.MaxTurns {
		return domain.ErrTurnLimitReached.WithMessage("turn limit of %d reached", p.MaxTurns)
	}
	if t == domain.EventCountered && !p.AllowCounter {
		return domain.ErrCounterNotAllowed
	}
	if t == domain.EventProposed && !p.CanInitiate(role) {
		return domain.ErrInitiatorNotPermitted.WithMessage("%s may not initiate proposals", role)
	}
	if t.IsTerminal() && s.TurnsUsed == 0 {
		return domain.ErrNoOpenProposal
	}
	return nil
}

// Submit validates the request, then appends exactly one event. Policy is
// resolved inside the atomic unit so a re-run after a serialization conflict
// sees current policy and history.
func (e *Engine) Submit(ctx context.Context, actor domain.Actor, subjectID string, req SubmitRequest) (domain.NegotiationEvent, error) {
	if err := validateSubmit(actor, subjectID, req); err != nil {
		return domain.NegotiationEvent{}, err
	}
	// Structural check before the write; the policy gate runs inside decide.
	if _, err := proposalctx.SanitizeForWrite(req.ProposalContext, true); err != nil {
		return domain.NegotiationEvent{}, err
	}
	value := bytes.TrimSpace(req.ProposedValue)
	if bytes.Equal(value, []byte("null")) {
		value = nil
	}

	return e.events.AppendEvent(ctx, actor.TenantID, subjectID, func(history []domain.NegotiationEvent) (domain.NegotiationEvent, error) {
		state := Fold(history)
		negotiationType, err := pickType(state, req.NegotiationType)
		if err != nil {
			return domain.NegotiationEvent{}, err
		}
		p, err := e.policies.Effective(ctx, actor.TenantID, negotiationType)
		if err != nil {
			return domain.NegotiationEvent{}, err
		}
		if err := CheckGuards(p, state, req.EventType, actor.Role); err != nil {
			return domain.NegotiationEvent{}, err
		}
		pc, err := proposalctx.SanitizeForWrite(req.ProposalContext, p.AllowProposalContext)
		if err != nil {
			return domain.NegotiationEvent{}, err
		}
		createdAt := e.now().Truncate(time.Microsecond)
		if !createdAt.After(state.LastEventAt) {
			createdAt = state.LastEventAt.Add(time.Microsecond)
		}
		return domain.NegotiationEvent{
			ID:                e.newID(),
			TenantID:          actor.TenantID,
			SubjectID:         subjectID,
			NegotiationType:   negotiationType,
			ActorID:           actor.ActorID,
			ActorRole:         actor.Role,
			EventType:         req.EventType,
			ProposedValue:     json.RawMessage(value),
			Note:              req.Note,
			ProposalContext:   pc,
			ClosesNegotiation: p.Closes(req.EventType),
			CreatedAt:         createdAt,
		}, nil
	})
}

// View is the read contract for one subject.
type View struct {
	SubjectID       string                    `json:"subjectId"`
	NegotiationType string                    `json:"negotiationType"`
	TurnCap         int                       `json:"turnCap"`
	TurnsUsed       int                       `json:"turnsUsed"`
	TurnsRemaining  int                       `json:"turnsRemaining"`
	IsClosed        bool                      `json:"isClosed"`
	Policy          domain.NegotiationPolicy  `json:"policy"`
	Events          []domain.NegotiationEvent `json:"events"`
}

// View reads a subject. Proposal contexts pass the read-side gate of the
// policy in force now, not the one in force when each event was written.
func (e *Engine) View(ctx context.Context, tenantID, subjectID, negotiationType string) (View, error) {
	if !domain.ValidOpaqueID(tenantID) || !domain.ValidOpaqueID(subjectID) {
		return View{}, domain.ErrInvalidIdentifier
	}
	if negotiationType != "" && !domain.ValidNegotiationType(negotiationType) {
		return View{}, domain.ErrInvalidNegotiationType
	}
	history, err := e.events.ListEvents(ctx, tenantID, subjectID)
	if err != nil {
		return View{}, err
	}
	state := Fold(history)
	negotiationType, err = pickType(state, negotiationType)
	if err != nil {
		return View{}, err
	}
	p, err := e.policies.Effective(ctx, tenantID, negotiationType)
	if err != nil {
		return View{}, err
	}
	events := make([]domain.NegotiationEvent, 0, len(history))
	for _, ev := range history {
		ev.ProposalContext = proposalctx.SanitizeForRead(ev.ProposalContext, p.AllowProposalContext)
		events = append(events, ev)
	}
	return View{
		SubjectID:       subjectID,
		NegotiationType: negotiationType,
		TurnCap:         p.MaxTurns,
		TurnsUsed:       state.TurnsUsed,
		TurnsRemaining:  max(0, p.MaxTurns-state.TurnsUsed),
		IsClosed:        state.Closed,
		Policy:          p,
		Events:          events,
	}, nil
}

func pickType(s State, requested string) (string, error) {
	switch {
	case s.NegotiationType == "" && requested == "":
		return domain.DefaultNegotiationType, nil
	case s.NegotiationType == "":
		return requested, nil
	case requested == "" || requested == s.NegotiationType:
		return s.NegotiationType, nil
	default:
		return "", domain.ErrNegotiationTypeMismatch.WithMessage("subject is negotiated as %q", s.NegotiationType)
	}
}

func validateSubmit(actor domain.Actor, subjectID string, req SubmitRequest) error {
	if !domain.ValidOpaqueID(actor.TenantID) || !domain.ValidOpaqueID(actor.ActorID) || !domain.ValidOpaqueID(subjectID) {
		return domain.ErrInvalidIdentifier
	}
	if !actor.Role.Negotiates() {
		return domain.ErrInvalidActorRole
	}
	if !req.EventType.Valid() {
		return domain.ErrInvalidEventType.WithMessage("unknown event type %q", req.EventType)
	}
	if req.NegotiationType != "" && !domain.ValidNegotiationType(req.NegotiationType) {
		return domain.ErrInvalidNegotiationType
	}
	value := bytes.TrimSpace(req.ProposedValue)
	if req.EventType.IsTurn() && (len(value) == 0 || bytes.Equal(value, []byte("null"))) {
		return domain.ErrProposedValueRequired
	}
	if len(value) > 0 {
		if _, err := canonhash.CanonicalizeJSON(value); err != nil {
			return domain.ErrProposedValueRequired.WithMessage("proposedValue is not valid JSON: %v", err)
		}
	}
	if utf8.RuneCountInString(req.Note) > domain.MaxNoteLength {
		return domain.ErrNoteTooLong.WithMessage("note exceeds %d characters", domain.MaxNoteLength)
	}
	return nil
}

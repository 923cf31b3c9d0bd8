// Package proposalctx filters the optional cross-reference payload attached to
// a negotiation turn. Both entry points run the same two stages: a structural
// allow-list, then the policy gate.
package proposalctx

import (
	"bytes"
	"encoding/json"

	"github.com/accordsai/negotiationlane/pkg/domain"
)

// SanitizeForWrite filters an untrusted payload before it is stored. Only a
// non-object payload is an error; individual bad fields are dropped.
func SanitizeForWrite(raw json.RawMessage, allowed bool) (*domain.ProposalContext, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var fields map[string]json.RawMessage
	if trimmed[0] != '{' || json.Unmarshal(trimmed, &fields) != nil {
		return nil, domain.ErrMalformedProposalContext
	}
	in := domain.ProposalContext{
		ReservationID:   stringField(fields, "reservationId"),
		RunID:           stringField(fields, "runId"),
		ResourceID:      stringField(fields, "resourceId"),
		MessageID:       stringField(fields, "messageId"),
		PreviousEventID: stringField(fields, "previousEventId"),
		Reason:          domain.ProposalContextReason(stringField(fields, "reason")),
	}
	return gate(structural(in), allowed), nil
}

// SanitizeForRead filters a stored context against the policy in force now.
func SanitizeForRead(stored *domain.ProposalContext, allowed bool) *domain.ProposalContext {
	if stored == nil {
		return nil
	}
	return gate(structural(*stored), allowed)
}

func structural(in domain.ProposalContext) *domain.ProposalContext {
	out := domain.ProposalContext{
		ReservationID:   keepUUID(in.ReservationID),
		RunID:           keepUUID(in.RunID),
		ResourceID:      keepUUID(in.ResourceID),
		MessageID:       keepUUID(in.MessageID),
		PreviousEventID: keepUUID(in.PreviousEventID),
	}
	if in.Reason.Valid() {
		out.Reason = in.Reason
	}
	if out.IsEmpty() {
		return nil
	}
	return &out
}

func gate(c *domain.ProposalContext, allowed bool) *domain.ProposalContext {
	if !allowed {
		return nil
	}
	return c
}

func keepUUID(v string) string {
	if domain.ValidUUID(v) {
		return v
	}
	return ""
}

// stringField returns the JSON string at key, or "" for absent and non-string
// values.
func stringField(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

package domain

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindPolicyViolation ErrorKind = "POLICY_VIOLATION"
	KindValidation      ErrorKind = "VALIDATION_FAILURE"
	KindConflict        ErrorKind = "CONFLICT"
	KindNotFound        ErrorKind = "NOT_FOUND"
	KindForbidden       ErrorKind = "FORBIDDEN"
	KindConfiguration   ErrorKind = "CONFIGURATION_ERROR"
)

// Error is a domain failure with a stable machine-readable code. Two errors are
// equal under errors.Is when kind and code match, so wrapped copies carrying a
// more specific message still match the sentinel.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// WithMessage returns a copy of e carrying msg.
func (e *Error) WithMessage(format string, args ...any) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: fmt.Sprintf(format, args...)}
}

func newErr(kind ErrorKind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// Policy violations. A caller that lost a concurrent append race receives one
// of these, exactly as a caller arriving later would.
var (
	ErrClosed                = newErr(KindPolicyViolation, "closed", "negotiation is closed")
	ErrTurnLimitReached      = newErr(KindPolicyViolation, "turn_limit_reached", "turn limit reached")
	ErrCounterNotAllowed     = newErr(KindPolicyViolation, "counter_not_allowed", "counter proposals are not allowed")
	ErrInitiatorNotPermitted = newErr(KindPolicyViolation, "initiator_not_permitted", "role may not initiate proposals")
)

// Validation failures, rejected before any write.
var (
	ErrInvalidEventType         = newErr(KindValidation, "invalid_event_type", "unknown event type")
	ErrInvalidActorRole         = newErr(KindValidation, "invalid_actor_role", "actor role may not append negotiation events")
	ErrProposedValueRequired    = newErr(KindValidation, "proposed_value_required", "proposedValue is required")
	ErrNoOpenProposal           = newErr(KindValidation, "no_open_proposal", "nothing has been proposed yet")
	ErrNoteTooLong              = newErr(KindValidation, "note_too_long", "note exceeds maximum length")
	ErrInvalidIdentifier        = newErr(KindValidation, "invalid_identifier", "identifier is malformed")
	ErrInvalidNegotiationType   = newErr(KindValidation, "invalid_negotiation_type", "negotiation type is malformed")
	ErrNegotiationTypeMismatch  = newErr(KindValidation, "negotiation_type_mismatch", "subject is already negotiated under another type")
	ErrMalformedProposalContext = newErr(KindValidation, "malformed_proposal_context", "proposalContext must be a JSON object")
	ErrInvalidPolicyValue       = newErr(KindValidation, "invalid_policy_value", "policy value out of range")
	ErrInvalidBlockType         = newErr(KindValidation, "invalid_block_type", "unknown action block type")
	ErrActionNotAllowed         = newErr(KindValidation, "action_not_allowed", "action is not valid for this block type")
	ErrResponseRequired         = newErr(KindValidation, "response_required", "action requires a response")
	ErrUnexpectedResponse       = newErr(KindValidation, "unexpected_response", "action does not take a response")
	ErrMissingSubAnswers        = newErr(KindValidation, "missing_sub_answers", "every sub-question must be answered")
	ErrInvalidBlockPayload      = newErr(KindValidation, "invalid_block_payload", "action block payload is malformed")
	ErrInvalidExportFormat      = newErr(KindValidation, "invalid_export_format", "format must be json or csv")
	ErrCSVCannotAttest          = newErr(KindValidation, "csv_cannot_attest", "csv exports cannot carry an attestation")
	ErrInvalidSelection         = newErr(KindValidation, "invalid_selection", "selected option is not offered")
)

var (
	ErrActionConflict     = newErr(KindConflict, "action_conflict", "action block already resolved with a different action")
	ErrBlockAlreadyExists = newErr(KindConflict, "action_block_exists", "message already carries an action block")
	ErrAppendContended    = newErr(KindConflict, "append_contended", "subject is busy, retry the request")
)

var ErrActionBlockNotFound = newErr(KindNotFound, "action_block_not_found", "message has no action block")

var ErrForbiddenRole = newErr(KindForbidden, "forbidden_role", "role may not perform this operation")

// Configuration errors are fatal and never defaulted.
var (
	ErrPolicyNotConfigured     = newErr(KindConfiguration, "policy_not_configured", "no platform policy for negotiation type")
	ErrSigningKeyNotConfigured = newErr(KindConfiguration, "signing_key_not_configured", "no active signing key configured")
)

// AsError extracts a domain error from err.
func AsError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// Package export assembles the audit bundle for negotiation subjects. A bundle
// is never stored: two builds over the same rows with the same export time
// produce byte-identical canonical output.
package export

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/accordsai/negotiationlane/pkg/attest"
	"github.com/accordsai/negotiationlane/pkg/canonhash"
	"github.com/accordsai/negotiationlane/pkg/domain"
	"github.com/accordsai/negotiationlane/services/negotiation/internal/policy"
	"github.com/accordsai/negotiationlane/services/negotiation/internal/proposalctx"
)

const SchemaVersion = "negotiation-export-v1"

type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat accepts "", "json" and "csv".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(FormatJSON):
		return FormatJSON, nil
	case string(FormatCSV):
		return FormatCSV, nil
	}
	return "", domain.ErrInvalidExportFormat
}

type EventSource interface {
	ListEvents(ctx context.Context, tenantID, subjectID string) ([]domain.NegotiationEvent, error)
}

type PolicySource interface {
	Resolve(ctx context.Context, tenantID, negotiationType string) (domain.NegotiationPolicy, policy.Trace, error)
}

type Bundle struct {
	SchemaVersion   string                    `json:"schemaVersion"`
	ExportedAt      string                    `json:"exportedAt"`
	TenantID        string                    `json:"tenantId"`
	SubjectIDs      []string                  `json:"subjectIds"`
	NegotiationType string                    `json:"negotiationType"`
	Policy          domain.NegotiationPolicy  `json:"policy"`
	PolicyTrace     policy.Trace              `json:"policyTrace"`
	Events          []domain.NegotiationEvent `json:"events"`
	Attestation     *attest.Attestation       `json:"attestation,omitempty"`
}

type Options struct {
	Format Format
	Attest bool
	// NegotiationType, when set, must match every subject's pinned type.
	NegotiationType string
	Now             time.Time
}

type Builder struct {
	events   EventSource
	policies PolicySource
	signer   *attest.Signer
}

// NewBuilder returns a builder. signer may be nil, in which case attested
// exports fail with a configuration error.
func NewBuilder(events EventSource, policies PolicySource, signer *attest.Signer) *Builder {
	return &Builder{events: events, policies: policies, signer: signer}
}

func (b *Builder) Build(ctx context.Context, tenantID string, subjectIDs []string, opts Options) (Bundle, error) {
	if opts.Format == FormatCSV && opts.Attest {
		return Bundle{}, domain.ErrCSVCannotAttest
	}
	if opts.Attest && b.signer == nil {
		return Bundle{}, domain.ErrSigningKeyNotConfigured
	}
	if !domain.ValidOpaqueID(tenantID) {
		return Bundle{}, domain.ErrInvalidIdentifier
	}
	if opts.NegotiationType != "" && !domain.ValidNegotiationType(opts.NegotiationType) {
		return Bundle{}, domain.ErrInvalidNegotiationType
	}
	subjects, err := normalizeSubjects(subjectIDs)
	if err != nil {
		return Bundle{}, err
	}

	negotiationType := opts.NegotiationType
	var events []domain.NegotiationEvent
	for _, id := range subjects {
		history, err := b.events.ListEvents(ctx, tenantID, id)
		if err != nil {
			return Bundle{}, fmt.Errorf("load events for %s: %w", id, err)
		}
		if len(history) > 0 {
			pinned := history[0].NegotiationType
			if negotiationType == "" {
				negotiationType = pinned
			} else if pinned != negotiationType {
				return Bundle{}, domain.ErrNegotiationTypeMismatch.WithMessage("subject %s is negotiated as %q", id, pinned)
			}
		}
		events = append(events, history...)
	}
	if negotiationType == "" {
		negotiationType = domain.DefaultNegotiationType
	}

	p, trace, err := b.policies.Resolve(ctx, tenantID, negotiationType)
	if err != nil {
		return Bundle{}, err
	}
	for i := range events {
		events[i].CreatedAt = events[i].CreatedAt.UTC()
		events[i].ProposalContext = proposalctx.SanitizeForRead(events[i].ProposalContext, p.AllowProposalContext)
	}
	SortEvents(events)
	if events == nil {
		events = []domain.NegotiationEvent{}
	}

	bundle := Bundle{
		SchemaVersion:   SchemaVersion,
		ExportedAt:      opts.Now.UTC().Format(time.RFC3339Nano),
		TenantID:        tenantID,
		SubjectIDs:      subjects,
		NegotiationType: negotiationType,
		Policy:          p,
		PolicyTrace:     trace,
		Events:          events,
	}
	if opts.Attest {
		att, err := attest.Attest(bundle, b.signer, opts.Now)
		if err != nil {
			return Bundle{}, err
		}
		bundle.Attestation = &att
	}
	return bundle, nil
}

// SortEvents orders events by creation time, then id, independent of the
// order they were loaded in.
func SortEvents(events []domain.NegotiationEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].CreatedAt.Before(events[j].CreatedAt)
		}
		return events[i].ID < events[j].ID
	})
}

// Encode returns the canonical JSON encoding of the bundle.
func Encode(bundle Bundle) ([]byte, error) {
	return canonhash.Canonicalize(bundle)
}

func normalizeSubjects(ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, domain.ErrInvalidIdentifier.WithMessage("at least one subject is required")
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !domain.ValidOpaqueID(id) {
			return nil, domain.ErrInvalidIdentifier.WithMessage("subject id %q is malformed", id)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

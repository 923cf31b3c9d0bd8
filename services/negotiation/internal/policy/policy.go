// Package policy resolves the effective negotiation policy for a tenant and
// negotiation type, and administers tenant overrides. Nothing is cached: every
// call reads the platform row and the override fresh.
package policy

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/accordsai/negotiationlane/pkg/domain"
)

type Source string

const (
	SourcePlatform       Source = "platform"
	SourceTenantOverride Source = "tenant_override"
)

// Trace records, per policy field, where the effective value came from.
type Trace map[string]Source

type Store interface {
	GetPlatformPolicy(ctx context.Context, negotiationType string) (domain.PlatformPolicy, bool, error)
	ListPlatformPolicies(ctx context.Context) ([]domain.PlatformPolicy, error)
	InsertPlatformPolicy(ctx context.Context, p domain.PlatformPolicy) (bool, error)
	GetPolicyOverride(ctx context.Context, tenantID, negotiationType string) (domain.PolicyOverride, bool, error)
	ListPolicyOverrides(ctx context.Context, tenantID string) ([]domain.PolicyOverride, error)
	PutPolicyOverride(ctx context.Context, o domain.PolicyOverride) error
	DeletePolicyOverride(ctx context.Context, tenantID, negotiationType string) (bool, error)
}

type Resolver struct {
	store Store
	now   func() time.Time
}

func NewResolver(st Store) *Resolver {
	return &Resolver{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// Entry is the administrative view of one negotiation type for a tenant.
type Entry struct {
	NegotiationType string                   `json:"negotiationType"`
	Effective       domain.NegotiationPolicy `json:"effective"`
	Platform        domain.NegotiationPolicy `json:"platform"`
	Override        *domain.PolicyOverride   `json:"override"`
	Trace           Trace                    `json:"trace"`
}

// Merge applies override over platform field by field.
func Merge(platform domain.NegotiationPolicy, override *domain.PolicyFields) (domain.NegotiationPolicy, Trace) {
	out := platform
	trace := Trace{
		"maxTurns":               SourcePlatform,
		"allowCounter":           SourcePlatform,
		"closeOnAccept":          SourcePlatform,
		"closeOnDecline":         SourcePlatform,
		"providerCanInitiate":    SourcePlatform,
		"stakeholderCanInitiate": SourcePlatform,
		"allowProposalContext":   SourcePlatform,
	}
	if override == nil {
		return out, trace
	}
	if override.MaxTurns != nil {
		out.MaxTurns = *override.MaxTurns
		trace["maxTurns"] = SourceTenantOverride
	}
	mergeBool(&out.AllowCounter, override.AllowCounter, trace, "allowCounter")
	mergeBool(&out.CloseOnAccept, override.CloseOnAccept, trace, "closeOnAccept")
	mergeBool(&out.CloseOnDecline, override.CloseOnDecline, trace, "closeOnDecline")
	mergeBool(&out.ProviderCanInitiate, override.ProviderCanInitiate, trace, "providerCanInitiate")
	mergeBool(&out.StakeholderCanInitiate, override.StakeholderCanInitiate, trace, "stakeholderCanInitiate")
	mergeBool(&out.AllowProposalContext, override.AllowProposalContext, trace, "allowProposalContext")
	return out, trace
}

func mergeBool(dst *bool, v *bool, trace Trace, field string) {
	if v == nil {
		return
	}
	*dst = *v
	trace[field] = SourceTenantOverride
}

// Resolve returns the effective policy. A missing platform row is a
// configuration error and fails closed.
func (r *Resolver) Resolve(ctx context.Context, tenantID, negotiationType string) (domain.NegotiationPolicy, Trace, error) {
	platform, ok, err := r.store.GetPlatformPolicy(ctx, negotiationType)
	if err != nil {
		return domain.NegotiationPolicy{}, nil, fmt.Errorf("load platform policy: %w", err)
	}
	if !ok {
		return domain.NegotiationPolicy{}, nil, domain.ErrPolicyNotConfigured.WithMessage("no platform policy for %q", negotiationType)
	}
	override, found, err := r.store.GetPolicyOverride(ctx, tenantID, negotiationType)
	if err != nil {
		return domain.NegotiationPolicy{}, nil, fmt.Errorf("load policy override: %w", err)
	}
	var fields *domain.PolicyFields
	if found {
		fields = &override.PolicyFields
	}
	eff, trace := Merge(platform.NegotiationPolicy, fields)
	return eff, trace, nil
}

// Effective is Resolve without the trace.
func (r *Resolver) Effective(ctx context.Context, tenantID, negotiationType string) (domain.NegotiationPolicy, error) {
	p, _, err := r.Resolve(ctx, tenantID, negotiationType)
	return p, err
}

func (r *Resolver) Get(ctx context.Context, tenantID, negotiationType string) (Entry, error) {
	if !domain.ValidNegotiationType(negotiationType) {
		return Entry{}, domain.ErrInvalidNegotiationType
	}
	platform, ok, err := r.store.GetPlatformPolicy(ctx, negotiationType)
	if err != nil {
		return Entry{}, fmt.Errorf("load platform policy: %w", err)
	}
	if !ok {
		return Entry{}, domain.ErrPolicyNotConfigured.WithMessage("no platform policy for %q", negotiationType)
	}
	override, found, err := r.store.GetPolicyOverride(ctx, tenantID, negotiationType)
	if err != nil {
		return Entry{}, fmt.Errorf("load policy override: %w", err)
	}
	if !found {
		return entryFor(platform.NegotiationPolicy, nil), nil
	}
	return entryFor(platform.NegotiationPolicy, &override), nil
}

// List returns one entry per configured platform type, ordered by type.
func (r *Resolver) List(ctx context.Context, tenantID string) ([]Entry, error) {
	platforms, err := r.store.ListPlatformPolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("list platform policies: %w", err)
	}
	overrides, err := r.store.ListPolicyOverrides(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list policy overrides: %w", err)
	}
	byType := make(map[string]domain.PolicyOverride, len(overrides))
	for _, o := range overrides {
		byType[o.NegotiationType] = o
	}
	sort.Slice(platforms, func(i, j int) bool { return platforms[i].NegotiationType < platforms[j].NegotiationType })

	out := make([]Entry, 0, len(platforms))
	for _, p := range platforms {
		if o, ok := byType[p.NegotiationType]; ok {
			out = append(out, entryFor(p.NegotiationPolicy, &o))
			continue
		}
		out = append(out, entryFor(p.NegotiationPolicy, nil))
	}
	return out, nil
}

// Upsert replaces the tenant override with patch. Fields left nil revert to
// the platform value; a patch with every field nil removes the override.
func (r *Resolver) Upsert(ctx context.Context, actor domain.Actor, negotiationType string, patch domain.PolicyFields) (Entry, error) {
	if !domain.ValidNegotiationType(negotiationType) {
		return Entry{}, domain.ErrInvalidNegotiationType
	}
	if patch.MaxTurns != nil && (*patch.MaxTurns < domain.MinMaxTurns || *patch.MaxTurns > domain.MaxMaxTurns) {
		return Entry{}, domain.ErrInvalidPolicyValue.WithMessage("maxTurns must be between %d and %d", domain.MinMaxTurns, domain.MaxMaxTurns)
	}
	if _, ok, err := r.store.GetPlatformPolicy(ctx, negotiationType); err != nil {
		return Entry{}, fmt.Errorf("load platform policy: %w", err)
	} else if !ok {
		return Entry{}, domain.ErrPolicyNotConfigured.WithMessage("no platform policy for %q", negotiationType)
	}

	if patch.IsEmpty() {
		if _, err := r.Reset(ctx, actor.TenantID, negotiationType); err != nil {
			return Entry{}, err
		}
		return r.Get(ctx, actor.TenantID, negotiationType)
	}
	o := domain.PolicyOverride{
		TenantID:        actor.TenantID,
		NegotiationType: negotiationType,
		PolicyFields:    patch,
		UpdatedBy:       actor.ActorID,
		UpdatedAt:       r.now(),
	}
	if err := r.store.PutPolicyOverride(ctx, o); err != nil {
		return Entry{}, fmt.Errorf("put policy override: %w", err)
	}
	return r.Get(ctx, actor.TenantID, negotiationType)
}

// Reset deletes the override. It reports whether one existed.
func (r *Resolver) Reset(ctx context.Context, tenantID, negotiationType string) (bool, error) {
	if !domain.ValidNegotiationType(negotiationType) {
		return false, domain.ErrInvalidNegotiationType
	}
	existed, err := r.store.DeletePolicyOverride(ctx, tenantID, negotiationType)
	if err != nil {
		return false, fmt.Errorf("delete policy override: %w", err)
	}
	return existed, nil
}

// SeedPlatform inserts platform rows that do not exist yet. Existing rows are
// left untouched.
func (r *Resolver) SeedPlatform(ctx context.Context, seeds []domain.NegotiationPolicy) (int, error) {
	inserted := 0
	for _, p := range seeds {
		if !domain.ValidNegotiationType(p.NegotiationType) {
			return inserted, domain.ErrInvalidNegotiationType.WithMessage("platform policy type %q", p.NegotiationType)
		}
		if p.MaxTurns < domain.MinMaxTurns || p.MaxTurns > domain.MaxMaxTurns {
			return inserted, domain.ErrInvalidPolicyValue.WithMessage("platform policy %s: maxTurns out of range", p.NegotiationType)
		}
		ok, err := r.store.InsertPlatformPolicy(ctx, domain.PlatformPolicy{NegotiationPolicy: p, UpdatedAt: r.now()})
		if err != nil {
			return inserted, fmt.Errorf("seed platform policy %s: %w", p.NegotiationType, err)
		}
		if ok {
			inserted++
		}
	}
	return inserted, nil
}

func entryFor(platform domain.NegotiationPolicy, override *domain.PolicyOverride) Entry {
	var fields *domain.PolicyFields
	if override != nil {
		fields = &override.PolicyFields
	}
	eff, trace := Merge(platform, fields)
	return Entry{
		NegotiationType: platform.NegotiationType,
		Effective:       eff,
		Platform:        platform,
		Override:        override,
		Trace:           trace,
	}
}

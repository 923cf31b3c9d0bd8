package policy

import (
	"context"
	"testing"

	"github.com/accordsai/negotiationlane/pkg/domain"
	"github.com/accordsai/negotiationlane/services/negotiation/internal/store"
	"github.com/stretchr/testify/require"
)

func intp(v int) *int    { return &v }
func boolp(v bool) *bool { return &v }

var schedule = domain.NegotiationPolicy{
	NegotiationType:        "schedule",
	MaxTurns:               3,
	AllowCounter:           true,
	CloseOnAccept:          true,
	CloseOnDecline:         true,
	ProviderCanInitiate:    true,
	StakeholderCanInitiate: true,
}

func newResolver(t *testing.T) *Resolver {
	t.Helper()
	r := NewResolver(store.NewMemory())
	n, err := r.SeedPlatform(context.Background(), []domain.NegotiationPolicy{schedule})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	return r
}

var admin = domain.Actor{TenantID: "tnt_1", ActorID: "adm_1", Role: domain.RoleAdmin}

func TestOverrideThenResetScenario(t *testing.T) {
	r := newResolver(t)
	ctx := context.Background()

	_, err := r.Upsert(ctx, admin, "schedule", domain.PolicyFields{MaxTurns: intp(5)})
	require.NoError(t, err)

	p, trace, err := r.Resolve(ctx, "tnt_1", "schedule")
	require.NoError(t, err)
	require.Equal(t, 5, p.MaxTurns)
	require.True(t, p.AllowCounter)
	require.Equal(t, SourceTenantOverride, trace["maxTurns"])
	require.Equal(t, SourcePlatform, trace["allowCounter"])

	existed, err := r.Reset(ctx, "tnt_1", "schedule")
	require.NoError(t, err)
	require.True(t, existed)

	p, _, err = r.Resolve(ctx, "tnt_1", "schedule")
	require.NoError(t, err)
	require.Equal(t, 3, p.MaxTurns)
}

func TestUpsertNullFieldRevertsToPlatform(t *testing.T) {
	r := newResolver(t)
	ctx := context.Background()

	_, err := r.Upsert(ctx, admin, "schedule", domain.PolicyFields{MaxTurns: intp(7), AllowCounter: boolp(false)})
	require.NoError(t, err)
	entry, err := r.Upsert(ctx, admin, "schedule", domain.PolicyFields{AllowCounter: boolp(false)})
	require.NoError(t, err)
	require.Equal(t, 3, entry.Effective.MaxTurns)
	require.False(t, entry.Effective.AllowCounter)
	require.NotNil(t, entry.Override)
	require.Equal(t, "adm_1", entry.Override.UpdatedBy)
}

func TestUpsertAllNullRemovesOverride(t *testing.T) {
	r := newResolver(t)
	ctx := context.Background()

	_, err := r.Upsert(ctx, admin, "schedule", domain.PolicyFields{MaxTurns: intp(7)})
	require.NoError(t, err)
	entry, err := r.Upsert(ctx, admin, "schedule", domain.PolicyFields{})
	require.NoError(t, err)
	require.Nil(t, entry.Override)
	require.Equal(t, schedule, entry.Effective)
}

func TestUpsertValidation(t *testing.T) {
	r := newResolver(t)
	ctx := context.Background()

	_, err := r.Upsert(ctx, admin, "schedule", domain.PolicyFields{MaxTurns: intp(0)})
	require.ErrorIs(t, err, domain.ErrInvalidPolicyValue)
	_, err = r.Upsert(ctx, admin, "schedule", domain.PolicyFields{MaxTurns: intp(101)})
	require.ErrorIs(t, err, domain.ErrInvalidPolicyValue)
	_, err = r.Upsert(ctx, admin, "intake", domain.PolicyFields{MaxTurns: intp(2)})
	require.ErrorIs(t, err, domain.ErrPolicyNotConfigured)
	_, err = r.Upsert(ctx, admin, "Bad Type", domain.PolicyFields{MaxTurns: intp(2)})
	require.ErrorIs(t, err, domain.ErrInvalidNegotiationType)
}

func TestResolveMissingPlatformFailsClosed(t *testing.T) {
	r := newResolver(t)
	_, _, err := r.Resolve(context.Background(), "tnt_1", "intake")
	require.ErrorIs(t, err, domain.ErrPolicyNotConfigured)
	de, ok := domain.AsError(err)
	require.True(t, ok)
	require.Equal(t, domain.KindConfiguration, de.Kind)
}

func TestOverridesAreTenantScoped(t *testing.T) {
	r := newResolver(t)
	ctx := context.Background()
	_, err := r.Upsert(ctx, admin, "schedule", domain.PolicyFields{MaxTurns: intp(9)})
	require.NoError(t, err)

	p, err := r.Effective(ctx, "tnt_2", "schedule")
	require.NoError(t, err)
	require.Equal(t, 3, p.MaxTurns)
}

func TestListMergesEveryPlatformType(t *testing.T) {
	r := newResolver(t)
	ctx := context.Background()
	intake := schedule
	intake.NegotiationType = "intake"
	intake.MaxTurns = 1
	_, err := r.SeedPlatform(ctx, []domain.NegotiationPolicy{intake, schedule})
	require.NoError(t, err)
	_, err = r.Upsert(ctx, admin, "schedule", domain.PolicyFields{AllowProposalContext: boolp(true)})
	require.NoError(t, err)

	entries, err := r.List(ctx, "tnt_1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "intake", entries[0].NegotiationType)
	require.Nil(t, entries[0].Override)
	require.Equal(t, "schedule", entries[1].NegotiationType)
	require.True(t, entries[1].Effective.AllowProposalContext)
	require.False(t, entries[1].Platform.AllowProposalContext)
}

func TestSeedPlatformKeepsExistingRows(t *testing.T) {
	r := newResolver(t)
	changed := schedule
	changed.MaxTurns = 50
	n, err := r.SeedPlatform(context.Background(), []domain.NegotiationPolicy{changed})
	require.NoError(t, err)
	require.Zero(t, n)

	p, err := r.Effective(context.Background(), "tnt_1", "schedule")
	require.NoError(t, err)
	require.Equal(t, 3, p.MaxTurns)
}

func TestMergeWithoutOverrideIsPlatform(t *testing.T) {
	p, trace := Merge(schedule, nil)
	require.Equal(t, schedule, p)
	for field, src := range trace {
		require.Equal(t, SourcePlatform, src, field)
	}
}

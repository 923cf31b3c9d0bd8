package store

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/accordsai/negotiationlane/pkg/canonhash"
	"github.com/accordsai/negotiationlane/pkg/db"
	"github.com/accordsai/negotiationlane/pkg/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func liveStore(t *testing.T) *Store {
	t.Helper()
	if os.Getenv("NEGOTIATION_INTEGRATION") != "1" {
		t.Skip("set NEGOTIATION_INTEGRATION=1 and DATABASE_URL to run against postgres")
	}
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Fatal("DATABASE_URL is required for integration tests")
	}
	ctx := context.Background()
	pool, err := db.Connect(ctx, url, 32)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	st := New(pool)
	require.NoError(t, st.Migrate(ctx))
	return st
}

func liveEvent(tenantID, subjectID string, value string) domain.NegotiationEvent {
	return domain.NegotiationEvent{
		ID:              uuid.NewString(),
		TenantID:        tenantID,
		SubjectID:       subjectID,
		NegotiationType: "schedule",
		ActorID:         "prv_1",
		ActorRole:       domain.RoleProvider,
		EventType:       domain.EventProposed,
		ProposedValue:   json.RawMessage(value),
		CreatedAt:       time.Now(),
	}
}

func TestPostgresConcurrentAppendsRespectLimit(t *testing.T) {
	st := liveStore(t)
	ctx := context.Background()
	tenant := "tnt_" + uuid.NewString()[:8]
	const writers = 16
	const limit = 4

	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = st.AppendEvent(ctx, tenant, "sub_1", func(history []domain.NegotiationEvent) (domain.NegotiationEvent, error) {
				if len(history) >= limit {
					return domain.NegotiationEvent{}, domain.ErrTurnLimitReached
				}
				return liveEvent(tenant, "sub_1", `{"slot":"mon"}`), nil
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, domain.ErrTurnLimitReached)
	}
	require.Equal(t, limit, succeeded)

	events, err := st.ListEvents(ctx, tenant, "sub_1")
	require.NoError(t, err)
	require.Len(t, events, limit)
}

func TestPostgresEventRoundTrip(t *testing.T) {
	st := liveStore(t)
	ctx := context.Background()
	tenant := "tnt_" + uuid.NewString()[:8]
	reservation := uuid.NewString()

	in := liveEvent(tenant, "sub_1", `{"slot":"mon","bookingRef":12345678901234567890}`)
	in.Note = "monday works"
	in.ProposalContext = &domain.ProposalContext{ReservationID: reservation, Reason: domain.ReasonReschedule}
	_, err := st.AppendEvent(ctx, tenant, "sub_1", func([]domain.NegotiationEvent) (domain.NegotiationEvent, error) {
		return in, nil
	})
	require.NoError(t, err)

	events, err := st.ListEvents(ctx, tenant, "sub_1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	got := events[0]
	require.Equal(t, in.ID, got.ID)
	require.Equal(t, "monday works", got.Note)
	require.Equal(t, *in.ProposalContext, *got.ProposalContext)
	require.True(t, in.CreatedAt.UTC().Truncate(time.Microsecond).Equal(got.CreatedAt))

	want, err := canonhash.CanonicalizeJSON(in.ProposedValue)
	require.NoError(t, err)
	have, err := canonhash.CanonicalizeJSON(got.ProposedValue)
	require.NoError(t, err)
	require.Equal(t, string(want), string(have))

	_, err = st.DB.Exec(ctx, `UPDATE negotiation_events SET note='edited' WHERE tenant_id=$1`, tenant)
	require.ErrorContains(t, err, "append-only")
	_, err = st.DB.Exec(ctx, `DELETE FROM negotiation_events WHERE tenant_id=$1`, tenant)
	require.ErrorContains(t, err, "append-only")
}

func TestPostgresResolveActionBlockOnce(t *testing.T) {
	st := liveStore(t)
	ctx := context.Background()
	tenant := "tnt_" + uuid.NewString()[:8]

	ok, err := st.InsertActionBlock(ctx, domain.ActionBlock{
		TenantID:  tenant,
		MessageID: "msg_1",
		BlockType: domain.BlockOffer,
		Status:    domain.BlockPending,
		Payload:   json.RawMessage(`{"title":"tuesday"}`),
		CreatedBy: "prv_1",
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	require.True(t, ok)

	const racers = 8
	var wg sync.WaitGroup
	won := make([]bool, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := domain.Resolution{Action: domain.ActionAccept, ActorID: "stk_1", ActorRole: domain.RoleStakeholder, IdempotencyKey: "k"}
			ok, err := st.ResolveActionBlock(ctx, tenant, "msg_1", res, time.Now())
			if err != nil {
				t.Error(err)
			}
			won[i] = ok
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, w := range won {
		if w {
			winners++
		}
	}
	require.Equal(t, 1, winners)

	b, found, err := st.GetActionBlock(ctx, tenant, "msg_1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, domain.BlockResolved, b.Status)
	require.Equal(t, domain.ActionAccept, b.Resolution.Action)
	require.NotNil(t, b.ResolvedAt)
}

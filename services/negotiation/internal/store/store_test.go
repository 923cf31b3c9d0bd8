package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/accordsai/negotiationlane/pkg/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestIsSerializationFailure(t *testing.T) {
	wrapped := fmt.Errorf("commit event: %w", &pgconn.PgError{Code: "40001"})
	require.True(t, isSerializationFailure(wrapped))
	require.True(t, isSerializationFailure(&pgconn.PgError{Code: "40P01"}))
	require.False(t, isSerializationFailure(&pgconn.PgError{Code: "23505"}))
	require.False(t, isSerializationFailure(errors.New("boom")))
	require.False(t, isSerializationFailure(domain.ErrTurnLimitReached))
}

func TestRetryAppendMapsPersistentContention(t *testing.T) {
	calls := 0
	_, err := retryAppend(maxAppendAttempts, func() (domain.NegotiationEvent, error) {
		calls++
		return domain.NegotiationEvent{}, fmt.Errorf("commit event: %w", &pgconn.PgError{Code: "40001"})
	})
	require.ErrorIs(t, err, domain.ErrAppendContended)
	require.Equal(t, maxAppendAttempts, calls)
	var pgErr *pgconn.PgError
	require.False(t, errors.As(err, &pgErr))
}

func TestRetryAppendRerunsUntilSettled(t *testing.T) {
	calls := 0
	ev, err := retryAppend(maxAppendAttempts, func() (domain.NegotiationEvent, error) {
		calls++
		if calls < 3 {
			return domain.NegotiationEvent{}, &pgconn.PgError{Code: "40P01"}
		}
		return domain.NegotiationEvent{ID: "e1"}, nil
	})
	require.NoError(t, err)
	require.Equal(t, "e1", ev.ID)
	require.Equal(t, 3, calls)

	calls = 0
	_, err = retryAppend(maxAppendAttempts, func() (domain.NegotiationEvent, error) {
		calls++
		return domain.NegotiationEvent{}, domain.ErrTurnLimitReached
	})
	require.ErrorIs(t, err, domain.ErrTurnLimitReached)
	require.Equal(t, 1, calls)
}

func TestMigrationsEmbedded(t *testing.T) {
	b, err := migrations.ReadFile("migrations/001_init.sql")
	require.NoError(t, err)
	for _, table := range []string{"negotiation_platform_policies", "negotiation_policy_overrides", "negotiation_events", "negotiation_action_blocks", "negotiation_idempotency_records"} {
		require.True(t, strings.Contains(string(b), table), table)
	}
}

func TestMemoryAppendSerializesDecide(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	const writers = 20
	const limit = 5

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.AppendEvent(ctx, "t1", "s1", func(history []domain.NegotiationEvent) (domain.NegotiationEvent, error) {
				if len(history) >= limit {
					return domain.NegotiationEvent{}, domain.ErrTurnLimitReached
				}
				return domain.NegotiationEvent{ID: uuid.NewString(), TenantID: "t1", SubjectID: "s1", EventType: domain.EventProposed, CreatedAt: time.Now()}, nil
			})
		}()
	}
	wg.Wait()

	events, err := m.ListEvents(ctx, "t1", "s1")
	require.NoError(t, err)
	require.Len(t, events, limit)
}

func TestMemoryAppendDecideErrorWritesNothing(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_, err := m.AppendEvent(ctx, "t1", "s1", func([]domain.NegotiationEvent) (domain.NegotiationEvent, error) {
		return domain.NegotiationEvent{}, domain.ErrClosed
	})
	require.ErrorIs(t, err, domain.ErrClosed)
	events, err := m.ListEvents(ctx, "t1", "s1")
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestMemoryResolveIsConditional(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	ok, err := m.InsertActionBlock(ctx, domain.ActionBlock{TenantID: "t1", MessageID: "m1", BlockType: domain.BlockOffer, Status: domain.BlockPending, CreatedAt: time.Now()})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.InsertActionBlock(ctx, domain.ActionBlock{TenantID: "t1", MessageID: "m1", BlockType: domain.BlockQuestion, Status: domain.BlockPending})
	require.NoError(t, err)
	require.False(t, ok)

	first, err := m.ResolveActionBlock(ctx, "t1", "m1", domain.Resolution{Action: domain.ActionAccept}, time.Now())
	require.NoError(t, err)
	require.True(t, first)
	second, err := m.ResolveActionBlock(ctx, "t1", "m1", domain.Resolution{Action: domain.ActionDecline}, time.Now())
	require.NoError(t, err)
	require.False(t, second)

	b, found, err := m.GetActionBlock(ctx, "t1", "m1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, domain.BlockResolved, b.Status)
	require.Equal(t, domain.ActionAccept, b.Resolution.Action)
	require.NotNil(t, b.ResolvedAt)
}

func TestMemoryTenantIsolation(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.PutPolicyOverride(ctx, domain.PolicyOverride{TenantID: "t1", NegotiationType: "schedule"}))
	_, found, err := m.GetPolicyOverride(ctx, "t2", "schedule")
	require.NoError(t, err)
	require.False(t, found)

	_, found, err = m.GetActionBlock(ctx, "t2", "m1")
	require.NoError(t, err)
	require.False(t, found)
}

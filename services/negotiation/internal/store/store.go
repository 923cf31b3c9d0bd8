package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/accordsai/negotiationlane/pkg/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrations embed.FS

const maxAppendAttempts = 5

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		if _, err := s.DB.Exec(ctx, string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

const platformColumns = `negotiation_type,max_turns,allow_counter,close_on_accept,close_on_decline,provider_can_initiate,stakeholder_can_initiate,allow_proposal_context,updated_at`

func scanPlatform(row pgx.Row) (domain.PlatformPolicy, error) {
	var p domain.PlatformPolicy
	err := row.Scan(&p.NegotiationType, &p.MaxTurns, &p.AllowCounter, &p.CloseOnAccept, &p.CloseOnDecline,
		&p.ProviderCanInitiate, &p.StakeholderCanInitiate, &p.AllowProposalContext, &p.UpdatedAt)
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, err
}

func (s *Store) GetPlatformPolicy(ctx context.Context, negotiationType string) (domain.PlatformPolicy, bool, error) {
	p, err := scanPlatform(s.DB.QueryRow(ctx, `SELECT `+platformColumns+` FROM negotiation_platform_policies WHERE negotiation_type=$1`, negotiationType))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PlatformPolicy{}, false, nil
		}
		return domain.PlatformPolicy{}, false, err
	}
	return p, true, nil
}

func (s *Store) ListPlatformPolicies(ctx context.Context) ([]domain.PlatformPolicy, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+platformColumns+` FROM negotiation_platform_policies ORDER BY negotiation_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.PlatformPolicy
	for rows.Next() {
		p, err := scanPlatform(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) InsertPlatformPolicy(ctx context.Context, p domain.PlatformPolicy) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
INSERT INTO negotiation_platform_policies(`+platformColumns+`)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (negotiation_type) DO NOTHING
`, p.NegotiationType, p.MaxTurns, p.AllowCounter, p.CloseOnAccept, p.CloseOnDecline,
		p.ProviderCanInitiate, p.StakeholderCanInitiate, p.AllowProposalContext, p.UpdatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

const overrideColumns = `tenant_id,negotiation_type,max_turns,allow_counter,close_on_accept,close_on_decline,provider_can_initiate,stakeholder_can_initiate,allow_proposal_context,updated_by,updated_at`

func scanOverride(row pgx.Row) (domain.PolicyOverride, error) {
	var o domain.PolicyOverride
	err := row.Scan(&o.TenantID, &o.NegotiationType, &o.MaxTurns, &o.AllowCounter, &o.CloseOnAccept, &o.CloseOnDecline,
		&o.ProviderCanInitiate, &o.StakeholderCanInitiate, &o.AllowProposalContext, &o.UpdatedBy, &o.UpdatedAt)
	o.UpdatedAt = o.UpdatedAt.UTC()
	return o, err
}

func (s *Store) GetPolicyOverride(ctx context.Context, tenantID, negotiationType string) (domain.PolicyOverride, bool, error) {
	o, err := scanOverride(s.DB.QueryRow(ctx, `SELECT `+overrideColumns+` FROM negotiation_policy_overrides WHERE tenant_id=$1 AND negotiation_type=$2`, tenantID, negotiationType))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PolicyOverride{}, false, nil
		}
		return domain.PolicyOverride{}, false, err
	}
	return o, true, nil
}

func (s *Store) ListPolicyOverrides(ctx context.Context, tenantID string) ([]domain.PolicyOverride, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+overrideColumns+` FROM negotiation_policy_overrides WHERE tenant_id=$1 ORDER BY negotiation_type`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.PolicyOverride
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// PutPolicyOverride replaces the whole row, so a nil field reverts to the
// platform value.
func (s *Store) PutPolicyOverride(ctx context.Context, o domain.PolicyOverride) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO negotiation_policy_overrides(`+overrideColumns+`)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (tenant_id,negotiation_type) DO UPDATE SET
  max_turns=EXCLUDED.max_turns,
  allow_counter=EXCLUDED.allow_counter,
  close_on_accept=EXCLUDED.close_on_accept,
  close_on_decline=EXCLUDED.close_on_decline,
  provider_can_initiate=EXCLUDED.provider_can_initiate,
  stakeholder_can_initiate=EXCLUDED.stakeholder_can_initiate,
  allow_proposal_context=EXCLUDED.allow_proposal_context,
  updated_by=EXCLUDED.updated_by,
  updated_at=EXCLUDED.updated_at
`, o.TenantID, o.NegotiationType, o.MaxTurns, o.AllowCounter, o.CloseOnAccept, o.CloseOnDecline,
		o.ProviderCanInitiate, o.StakeholderCanInitiate, o.AllowProposalContext, o.UpdatedBy, o.UpdatedAt)
	return err
}

func (s *Store) DeletePolicyOverride(ctx context.Context, tenantID, negotiationType string) (bool, error) {
	tag, err := s.DB.Exec(ctx, `DELETE FROM negotiation_policy_overrides WHERE tenant_id=$1 AND negotiation_type=$2`, tenantID, negotiationType)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

const eventColumns = `event_id::text,tenant_id,subject_id,negotiation_type,actor_id,actor_role,event_type,proposed_value,COALESCE(note,''),proposal_context,closes_negotiation,created_at`

func listEvents(ctx context.Context, q querier, tenantID, subjectID string) ([]domain.NegotiationEvent, error) {
	rows, err := q.Query(ctx, `
SELECT `+eventColumns+`
FROM negotiation_events
WHERE tenant_id=$1 AND subject_id=$2
ORDER BY created_at ASC, event_id ASC
`, tenantID, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.NegotiationEvent{}
	for rows.Next() {
		var (
			ev       domain.NegotiationEvent
			role     string
			typ      string
			value    []byte
			proposal []byte
		)
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.SubjectID, &ev.NegotiationType, &ev.ActorID, &role, &typ,
			&value, &ev.Note, &proposal, &ev.ClosesNegotiation, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.ActorRole = domain.Role(role)
		ev.EventType = domain.EventType(typ)
		ev.CreatedAt = ev.CreatedAt.UTC()
		if len(value) > 0 {
			ev.ProposedValue = json.RawMessage(value)
		}
		if len(proposal) > 0 {
			var pc domain.ProposalContext
			if err := json.Unmarshal(proposal, &pc); err != nil {
				return nil, fmt.Errorf("event %s proposal context: %w", ev.ID, err)
			}
			ev.ProposalContext = &pc
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) ListEvents(ctx context.Context, tenantID, subjectID string) ([]domain.NegotiationEvent, error) {
	return listEvents(ctx, s.DB, tenantID, subjectID)
}

// AppendEvent reads the subject history and inserts the event decide returns
// inside one transaction that holds the subject's advisory lock. Writers to one
// subject queue on the lock, so decide always sees every committed event and a
// losing writer gets the same guard result a later caller would. Deadlock and
// serialization failures re-run the whole unit; if they persist the caller gets
// a conflict, never the raw database error.
func (s *Store) AppendEvent(ctx context.Context, tenantID, subjectID string, decide func(history []domain.NegotiationEvent) (domain.NegotiationEvent, error)) (domain.NegotiationEvent, error) {
	return retryAppend(maxAppendAttempts, func() (domain.NegotiationEvent, error) {
		return s.appendOnce(ctx, tenantID, subjectID, decide)
	})
}

func retryAppend(attempts int, once func() (domain.NegotiationEvent, error)) (domain.NegotiationEvent, error) {
	for attempt := 1; ; attempt++ {
		ev, err := once()
		if err == nil || !isSerializationFailure(err) {
			return ev, err
		}
		if attempt >= attempts {
			return domain.NegotiationEvent{}, domain.ErrAppendContended
		}
	}
}

func (s *Store) appendOnce(ctx context.Context, tenantID, subjectID string, decide func([]domain.NegotiationEvent) (domain.NegotiationEvent, error)) (domain.NegotiationEvent, error) {
	// READ COMMITTED takes a fresh snapshot per statement, so the history read
	// below runs after the lock is granted and sees the previous holder's commit.
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return domain.NegotiationEvent{}, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1), hashtext($2))`, tenantID, subjectID); err != nil {
		return domain.NegotiationEvent{}, fmt.Errorf("lock subject: %w", err)
	}
	history, err := listEvents(ctx, tx, tenantID, subjectID)
	if err != nil {
		return domain.NegotiationEvent{}, fmt.Errorf("load history: %w", err)
	}
	ev, err := decide(history)
	if err != nil {
		return domain.NegotiationEvent{}, err
	}
	ev.CreatedAt = ev.CreatedAt.UTC().Truncate(time.Microsecond)

	var proposal any
	if ev.ProposalContext != nil {
		b, err := json.Marshal(ev.ProposalContext)
		if err != nil {
			return domain.NegotiationEvent{}, err
		}
		proposal = string(b)
	}
	var value any
	if len(ev.ProposedValue) > 0 {
		value = string(ev.ProposedValue)
	}
	var note any
	if ev.Note != "" {
		note = ev.Note
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO negotiation_events(event_id,tenant_id,subject_id,negotiation_type,actor_id,actor_role,event_type,proposed_value,note,proposal_context,closes_negotiation,created_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8::jsonb,$9,$10::jsonb,$11,$12)
`, ev.ID, ev.TenantID, ev.SubjectID, ev.NegotiationType, ev.ActorID, string(ev.ActorRole), string(ev.EventType),
		value, note, proposal, ev.ClosesNegotiation, ev.CreatedAt); err != nil {
		return domain.NegotiationEvent{}, fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.NegotiationEvent{}, fmt.Errorf("commit event: %w", err)
	}
	return ev, nil
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

func (s *Store) InsertActionBlock(ctx context.Context, b domain.ActionBlock) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
INSERT INTO negotiation_action_blocks(tenant_id,message_id,block_type,status,payload,created_by,created_at)
VALUES($1,$2,$3,$4,$5::jsonb,$6,$7)
ON CONFLICT (tenant_id,message_id) DO NOTHING
`, b.TenantID, b.MessageID, string(b.BlockType), string(b.Status), string(b.Payload), b.CreatedBy, b.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) GetActionBlock(ctx context.Context, tenantID, messageID string) (domain.ActionBlock, bool, error) {
	var (
		b          domain.ActionBlock
		blockType  string
		status     string
		payload    []byte
		resolution []byte
	)
	err := s.DB.QueryRow(ctx, `
SELECT tenant_id,message_id,block_type,status,payload,resolution,resolved_at,created_by,created_at
FROM negotiation_action_blocks
WHERE tenant_id=$1 AND message_id=$2
`, tenantID, messageID).Scan(&b.TenantID, &b.MessageID, &blockType, &status, &payload, &resolution, &b.ResolvedAt, &b.CreatedBy, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ActionBlock{}, false, nil
		}
		return domain.ActionBlock{}, false, err
	}
	b.BlockType = domain.BlockType(blockType)
	b.Status = domain.BlockStatus(status)
	b.Payload = json.RawMessage(payload)
	b.CreatedAt = b.CreatedAt.UTC()
	if b.ResolvedAt != nil {
		at := b.ResolvedAt.UTC()
		b.ResolvedAt = &at
	}
	if len(resolution) > 0 {
		var res domain.Resolution
		if err := json.Unmarshal(resolution, &res); err != nil {
			return domain.ActionBlock{}, false, fmt.Errorf("action block %s resolution: %w", messageID, err)
		}
		b.Resolution = &res
	}
	return b, true, nil
}

// ResolveActionBlock flips a pending block to resolved. It reports false when
// the block was not pending, which callers treat as a lost race.
func (s *Store) ResolveActionBlock(ctx context.Context, tenantID, messageID string, res domain.Resolution, at time.Time) (bool, error) {
	b, err := json.Marshal(res)
	if err != nil {
		return false, err
	}
	tag, err := s.DB.Exec(ctx, `
UPDATE negotiation_action_blocks
SET status='resolved', resolution=$3::jsonb, resolved_at=$4
WHERE tenant_id=$1 AND message_id=$2 AND status='pending'
`, tenantID, messageID, string(b), at.UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) GetIdempotencyRecord(ctx context.Context, tenantID, actorID, idempotencyKey, endpoint string) (int, map[string]any, bool, error) {
	var (
		status int
		body   []byte
	)
	err := s.DB.QueryRow(ctx, `
SELECT response_status,response_body
FROM negotiation_idempotency_records
WHERE tenant_id=$1 AND actor_id=$2 AND idempotency_key=$3 AND endpoint=$4
`, tenantID, actorID, idempotencyKey, endpoint).Scan(&status, &body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil, false, nil
		}
		return 0, nil, false, err
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, nil, false, err
	}
	return status, out, true, nil
}

func (s *Store) SaveIdempotencyRecord(ctx context.Context, tenantID, actorID, idempotencyKey, endpoint string, responseStatus int, responseBody map[string]any) error {
	b, err := json.Marshal(responseBody)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
INSERT INTO negotiation_idempotency_records(tenant_id,actor_id,idempotency_key,endpoint,response_status,response_body)
VALUES($1,$2,$3,$4,$5,$6::jsonb)
ON CONFLICT (tenant_id,actor_id,idempotency_key,endpoint) DO NOTHING
`, tenantID, actorID, idempotencyKey, endpoint, responseStatus, string(b))
	return err
}

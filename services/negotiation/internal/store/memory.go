package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/accordsai/negotiationlane/pkg/domain"
)

// Memory is a process-local store for tests and single-node development. Each
// concern has its own lock so an event append may read policies while it holds
// the event lock.
type Memory struct {
	policyMu  sync.RWMutex
	platform  map[string]domain.PlatformPolicy
	overrides map[overrideKey]domain.PolicyOverride

	eventMu sync.Mutex
	events  map[subjectKey][]domain.NegotiationEvent

	blockMu sync.Mutex
	blocks  map[blockKey]domain.ActionBlock

	idemMu sync.Mutex
	idem   map[idemKey]idemRecord
}

type overrideKey struct{ tenant, negotiationType string }
type subjectKey struct{ tenant, subject string }
type blockKey struct{ tenant, message string }
type idemKey struct{ tenant, actor, key, endpoint string }

type idemRecord struct {
	status int
	body   []byte
}

func NewMemory() *Memory {
	return &Memory{
		platform:  map[string]domain.PlatformPolicy{},
		overrides: map[overrideKey]domain.PolicyOverride{},
		events:    map[subjectKey][]domain.NegotiationEvent{},
		blocks:    map[blockKey]domain.ActionBlock{},
		idem:      map[idemKey]idemRecord{},
	}
}

func (m *Memory) GetPlatformPolicy(ctx context.Context, negotiationType string) (domain.PlatformPolicy, bool, error) {
	m.policyMu.RLock()
	defer m.policyMu.RUnlock()
	p, ok := m.platform[negotiationType]
	return p, ok, nil
}

func (m *Memory) ListPlatformPolicies(ctx context.Context) ([]domain.PlatformPolicy, error) {
	m.policyMu.RLock()
	defer m.policyMu.RUnlock()
	out := make([]domain.PlatformPolicy, 0, len(m.platform))
	for _, p := range m.platform {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NegotiationType < out[j].NegotiationType })
	return out, nil
}

func (m *Memory) InsertPlatformPolicy(ctx context.Context, p domain.PlatformPolicy) (bool, error) {
	m.policyMu.Lock()
	defer m.policyMu.Unlock()
	if _, ok := m.platform[p.NegotiationType]; ok {
		return false, nil
	}
	m.platform[p.NegotiationType] = p
	return true, nil
}

func (m *Memory) GetPolicyOverride(ctx context.Context, tenantID, negotiationType string) (domain.PolicyOverride, bool, error) {
	m.policyMu.RLock()
	defer m.policyMu.RUnlock()
	o, ok := m.overrides[overrideKey{tenantID, negotiationType}]
	return o, ok, nil
}

func (m *Memory) ListPolicyOverrides(ctx context.Context, tenantID string) ([]domain.PolicyOverride, error) {
	m.policyMu.RLock()
	defer m.policyMu.RUnlock()
	var out []domain.PolicyOverride
	for k, o := range m.overrides {
		if k.tenant == tenantID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NegotiationType < out[j].NegotiationType })
	return out, nil
}

func (m *Memory) PutPolicyOverride(ctx context.Context, o domain.PolicyOverride) error {
	m.policyMu.Lock()
	defer m.policyMu.Unlock()
	m.overrides[overrideKey{o.TenantID, o.NegotiationType}] = o
	return nil
}

func (m *Memory) DeletePolicyOverride(ctx context.Context, tenantID, negotiationType string) (bool, error) {
	m.policyMu.Lock()
	defer m.policyMu.Unlock()
	k := overrideKey{tenantID, negotiationType}
	_, ok := m.overrides[k]
	delete(m.overrides, k)
	return ok, nil
}

func (m *Memory) ListEvents(ctx context.Context, tenantID, subjectID string) ([]domain.NegotiationEvent, error) {
	m.eventMu.Lock()
	defer m.eventMu.Unlock()
	return append([]domain.NegotiationEvent(nil), m.events[subjectKey{tenantID, subjectID}]...), nil
}

// AppendEvent runs decide against the subject history and appends its result
// while holding the event lock, so the read and the write are one unit.
func (m *Memory) AppendEvent(ctx context.Context, tenantID, subjectID string, decide func(history []domain.NegotiationEvent) (domain.NegotiationEvent, error)) (domain.NegotiationEvent, error) {
	m.eventMu.Lock()
	defer m.eventMu.Unlock()
	k := subjectKey{tenantID, subjectID}
	history := append([]domain.NegotiationEvent(nil), m.events[k]...)
	ev, err := decide(history)
	if err != nil {
		return domain.NegotiationEvent{}, err
	}
	ev.CreatedAt = ev.CreatedAt.UTC().Truncate(time.Microsecond)
	m.events[k] = append(m.events[k], ev)
	return ev, nil
}

func (m *Memory) InsertActionBlock(ctx context.Context, b domain.ActionBlock) (bool, error) {
	m.blockMu.Lock()
	defer m.blockMu.Unlock()
	k := blockKey{b.TenantID, b.MessageID}
	if _, ok := m.blocks[k]; ok {
		return false, nil
	}
	b.CreatedAt = b.CreatedAt.UTC().Truncate(time.Microsecond)
	m.blocks[k] = b
	return true, nil
}

func (m *Memory) GetActionBlock(ctx context.Context, tenantID, messageID string) (domain.ActionBlock, bool, error) {
	m.blockMu.Lock()
	defer m.blockMu.Unlock()
	b, ok := m.blocks[blockKey{tenantID, messageID}]
	return b, ok, nil
}

func (m *Memory) ResolveActionBlock(ctx context.Context, tenantID, messageID string, res domain.Resolution, at time.Time) (bool, error) {
	m.blockMu.Lock()
	defer m.blockMu.Unlock()
	k := blockKey{tenantID, messageID}
	b, ok := m.blocks[k]
	if !ok || b.Status != domain.BlockPending {
		return false, nil
	}
	at = at.UTC().Truncate(time.Microsecond)
	b.Status = domain.BlockResolved
	b.Resolution = &res
	b.ResolvedAt = &at
	m.blocks[k] = b
	return true, nil
}

func (m *Memory) GetIdempotencyRecord(ctx context.Context, tenantID, actorID, idempotencyKey, endpoint string) (int, map[string]any, bool, error) {
	m.idemMu.Lock()
	defer m.idemMu.Unlock()
	rec, ok := m.idem[idemKey{tenantID, actorID, idempotencyKey, endpoint}]
	if !ok {
		return 0, nil, false, nil
	}
	var body map[string]any
	if err := json.Unmarshal(rec.body, &body); err != nil {
		return 0, nil, false, err
	}
	return rec.status, body, true, nil
}

func (m *Memory) SaveIdempotencyRecord(ctx context.Context, tenantID, actorID, idempotencyKey, endpoint string, responseStatus int, responseBody map[string]any) error {
	b, err := json.Marshal(responseBody)
	if err != nil {
		return err
	}
	m.idemMu.Lock()
	defer m.idemMu.Unlock()
	k := idemKey{tenantID, actorID, idempotencyKey, endpoint}
	if _, ok := m.idem[k]; ok {
		return nil
	}
	m.idem[k] = idemRecord{status: responseStatus, body: b}
	return nil
}

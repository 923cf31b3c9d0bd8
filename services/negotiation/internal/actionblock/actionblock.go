// Package actionblock executes the fixed action vocabulary of a message's
// action block. A block resolves at most once; replays of the same logical
// action are absorbed by comparing content-addressed idempotency keys.
package actionblock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/accordsai/negotiationlane/pkg/canonhash"
	"github.com/accordsai/negotiationlane/pkg/domain"
)

type Store interface {
	InsertActionBlock(ctx context.Context, b domain.ActionBlock) (bool, error)
	GetActionBlock(ctx context.Context, tenantID, messageID string) (domain.ActionBlock, bool, error)
	ResolveActionBlock(ctx context.Context, tenantID, messageID string, res domain.Resolution, at time.Time) (bool, error)
}

type Service struct {
	store Store
	now   func() time.Time
}

func NewService(st Store) *Service {
	return &Service{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// IdempotencyKey identifies one logical action. Response-bearing actions also
// bind the canonical hash of the response.
func IdempotencyKey(messageID string, action domain.Action, response json.RawMessage) (string, error) {
	key := map[string]any{"messageId": messageID, "action": string(action)}
	if RespondsWith(action) {
		responseHash, _, err := canonhash.SHA256Hex(response)
		if err != nil {
			return "", domain.ErrResponseRequired.WithMessage("response is not valid JSON")
		}
		key["responseHash"] = responseHash
	}
	h, _, err := canonhash.SHA256Hex(key)
	if err != nil {
		return "", err
	}
	return h, nil
}

// Attach creates the block for a message. Attaching an identical block again
// returns the stored one.
func (s *Service) Attach(ctx context.Context, actor domain.Actor, messageID string, blockType domain.BlockType, payload json.RawMessage) (domain.ActionBlock, error) {
	if !domain.ValidOpaqueID(actor.TenantID) || !domain.ValidOpaqueID(messageID) {
		return domain.ActionBlock{}, domain.ErrInvalidIdentifier
	}
	if actor.Role != domain.RoleProvider && actor.Role != domain.RoleAdmin {
		return domain.ActionBlock{}, domain.ErrForbiddenRole.WithMessage("%s may not attach action blocks", actor.Role)
	}
	kind, err := KindOf(blockType)
	if err != nil {
		return domain.ActionBlock{}, err
	}
	if err := kind.ValidatePayload(payload); err != nil {
		return domain.ActionBlock{}, err
	}
	canonical, err := canonhash.CanonicalizeJSON(payload)
	if err != nil {
		return domain.ActionBlock{}, domain.ErrInvalidBlockPayload.WithMessage("payload is not valid JSON")
	}
	b := domain.ActionBlock{
		MessageID: messageID,
		TenantID:  actor.TenantID,
		BlockType: blockType,
		Status:    domain.BlockPending,
		Payload:   canonical,
		CreatedBy: actor.ActorID,
		CreatedAt: s.now(),
	}
	inserted, err := s.store.InsertActionBlock(ctx, b)
	if err != nil {
		return domain.ActionBlock{}, fmt.Errorf("insert action block: %w", err)
	}
	if inserted {
		return s.Get(ctx, actor.TenantID, messageID)
	}
	existing, err := s.Get(ctx, actor.TenantID, messageID)
	if err != nil {
		return domain.ActionBlock{}, err
	}
	same, err := samePayload(existing.Payload, canonical)
	if err != nil {
		return domain.ActionBlock{}, err
	}
	if existing.BlockType != blockType || !same {
		return domain.ActionBlock{}, domain.ErrBlockAlreadyExists
	}
	return existing, nil
}

func (s *Service) Get(ctx context.Context, tenantID, messageID string) (domain.ActionBlock, error) {
	if !domain.ValidOpaqueID(tenantID) || !domain.ValidOpaqueID(messageID) {
		return domain.ActionBlock{}, domain.ErrInvalidIdentifier
	}
	b, ok, err := s.store.GetActionBlock(ctx, tenantID, messageID)
	if err != nil {
		return domain.ActionBlock{}, fmt.Errorf("load action block: %w", err)
	}
	if !ok {
		return domain.ActionBlock{}, domain.ErrActionBlockNotFound
	}
	return b, nil
}

// Apply runs action against the message's block. The vocabulary check comes
// first, so an action outside the block type's table fails the same way
// whether or not the block is already resolved.
func (s *Service) Apply(ctx context.Context, actor domain.Actor, messageID string, action domain.Action, response json.RawMessage) (domain.ActionBlock, error) {
	if !domain.ValidOpaqueID(actor.ActorID) || !actor.Role.Valid() {
		return domain.ActionBlock{}, domain.ErrInvalidIdentifier
	}
	b, err := s.Get(ctx, actor.TenantID, messageID)
	if err != nil {
		return domain.ActionBlock{}, err
	}
	kind, err := KindOf(b.BlockType)
	if err != nil {
		return domain.ActionBlock{}, err
	}
	if !Allows(kind, action) {
		return domain.ActionBlock{}, domain.ErrActionNotAllowed.WithMessage("%s does not accept %q", b.BlockType, action)
	}

	response = bytes.TrimSpace(response)
	if bytes.Equal(response, []byte("null")) {
		response = nil
	}
	if RespondsWith(action) && len(response) == 0 {
		return domain.ActionBlock{}, domain.ErrResponseRequired.WithMessage("%s requires a response", action)
	}
	if !RespondsWith(action) && len(response) > 0 {
		return domain.ActionBlock{}, domain.ErrUnexpectedResponse.WithMessage("%s does not take a response", action)
	}
	if len(response) > 0 {
		canonical, err := canonhash.CanonicalizeJSON(response)
		if err != nil {
			return domain.ActionBlock{}, domain.ErrUnexpectedResponse.WithMessage("response is not valid JSON")
		}
		response = canonical
	}
	key, err := IdempotencyKey(messageID, action, response)
	if err != nil {
		return domain.ActionBlock{}, err
	}

	if b.Status == domain.BlockResolved {
		return replay(b, key)
	}
	if err := kind.ValidateResponse(action, b.Payload, response); err != nil {
		return domain.ActionBlock{}, err
	}

	res := domain.Resolution{
		Action:         action,
		ActorID:        actor.ActorID,
		ActorRole:      actor.Role,
		Response:       response,
		IdempotencyKey: key,
	}
	ok, err := s.store.ResolveActionBlock(ctx, actor.TenantID, messageID, res, s.now())
	if err != nil {
		return domain.ActionBlock{}, fmt.Errorf("resolve action block: %w", err)
	}
	// Both paths re-read: the winner to return the stored row, the loser of a
	// concurrent resolve to compare against whatever won.
	current, err := s.Get(ctx, actor.TenantID, messageID)
	if err != nil {
		return domain.ActionBlock{}, err
	}
	if ok {
		return current, nil
	}
	return replay(current, key)
}

func replay(b domain.ActionBlock, key string) (domain.ActionBlock, error) {
	if b.Resolution != nil && b.Resolution.IdempotencyKey == key {
		return b, nil
	}
	prior := ""
	if b.Resolution != nil {
		prior = string(b.Resolution.Action)
	}
	return domain.ActionBlock{}, domain.ErrActionConflict.WithMessage("block already resolved with %q", prior)
}

func samePayload(a, b json.RawMessage) (bool, error) {
	ca, err := canonhash.CanonicalizeJSON(a)
	if err != nil {
		return false, err
	}
	cb, err := canonhash.CanonicalizeJSON(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ca, cb), nil
}

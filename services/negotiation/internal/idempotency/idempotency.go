// Package idempotency replays stored responses for retried writes that carry
// an Idempotency-Key header. Records are scoped to tenant, actor and endpoint.
package idempotency

import (
	"context"
	"net/http"
	"strings"
)

const (
	Header       = "Idempotency-Key"
	MaxKeyLength = 200
)

type ActorContext struct {
	TenantID       string
	ActorID        string
	IdempotencyKey string
}

type Store interface {
	GetIdempotencyRecord(ctx context.Context, tenantID, actorID, idempotencyKey, endpoint string) (int, map[string]any, bool, error)
	SaveIdempotencyRecord(ctx context.Context, tenantID, actorID, idempotencyKey, endpoint string, responseStatus int, responseBody map[string]any) error
}

// KeyFrom reads the request key. ok is false when the key is present but
// longer than MaxKeyLength.
func KeyFrom(r *http.Request) (string, bool) {
	key := strings.TrimSpace(r.Header.Get(Header))
	if len(key) > MaxKeyLength {
		return "", false
	}
	return key, true
}

func Replay(ctx context.Context, st Store, actor ActorContext, endpoint string) (int, map[string]any, bool, error) {
	if actor.IdempotencyKey == "" {
		return 0, nil, false, nil
	}
	status, body, found, err := st.GetIdempotencyRecord(ctx, actor.TenantID, actor.ActorID, actor.IdempotencyKey, endpoint)
	if err != nil {
		return 0, nil, false, err
	}
	if !found {
		return 0, nil, false, nil
	}
	return status, body, true, nil
}

// Save records a response. Only successful responses are stored so a retry
// after a rejection is evaluated again.
func Save(ctx context.Context, st Store, actor ActorContext, endpoint string, status int, response map[string]any) error {
	if actor.IdempotencyKey == "" || status >= 300 {
		return nil
	}
	return st.SaveIdempotencyRecord(ctx, actor.TenantID, actor.ActorID, actor.IdempotencyKey, endpoint, status, response)
}

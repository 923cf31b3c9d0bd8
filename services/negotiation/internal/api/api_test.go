package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/accordsai/negotiationlane/pkg/attest"
	"github.com/accordsai/negotiationlane/pkg/authn"
	"github.com/accordsai/negotiationlane/pkg/domain"
	"github.com/accordsai/negotiationlane/services/negotiation/internal/actionblock"
	"github.com/accordsai/negotiationlane/services/negotiation/internal/engine"
	"github.com/accordsai/negotiationlane/services/negotiation/internal/export"
	"github.com/accordsai/negotiationlane/services/negotiation/internal/policy"
	"github.com/accordsai/negotiationlane/services/negotiation/internal/store"
	"github.com/stretchr/testify/require"
)

type caller struct {
	tenant, actor, role string
}

var (
	provider    = caller{"tnt_1", "prv_1", "provider"}
	stakeholder = caller{"tnt_1", "stk_1", "stakeholder"}
	admin       = caller{"tnt_1", "adm_1", "admin"}
)

func newTestRouter(t *testing.T, mutate func(*Deps)) http.Handler {
	t.Helper()
	st := store.NewMemory()
	resolver := policy.NewResolver(st)
	_, err := resolver.SeedPlatform(context.Background(), []domain.NegotiationPolicy{{
		NegotiationType:        "schedule",
		MaxTurns:               3,
		AllowCounter:           true,
		CloseOnAccept:          true,
		CloseOnDecline:         true,
		ProviderCanInitiate:    true,
		StakeholderCanInitiate: true,
		AllowProposalContext:   true,
	}})
	require.NoError(t, err)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer := &attest.Signer{KeyID: "k1", Key: priv}

	d := Deps{
		Engine:      engine.New(st, resolver),
		Policies:    resolver,
		Blocks:      actionblock.NewService(st),
		Exporter:    export.NewBuilder(st, resolver, signer),
		KeyRing:     attest.KeyRing{"k1": pub},
		Idempotency: st,
		Now:         func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) },
	}
	if mutate != nil {
		mutate(&d)
	}
	return NewRouter(d)
}

func call(t *testing.T, h http.Handler, c caller, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if c.tenant != "" {
		req.Header.Set(authn.HeaderTenant, c.tenant)
		req.Header.Set(authn.HeaderActor, c.actor)
		req.Header.Set(authn.HeaderRole, c.role)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &m), rr.Body.String())
	return m
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	e, ok := decode(t, rr)["error"].(map[string]any)
	require.True(t, ok, rr.Body.String())
	return e["code"].(string)
}

func TestNegotiationFlow(t *testing.T) {
	h := newTestRouter(t, nil)

	rr := call(t, h, provider, "POST", "/negotiations/sub_1", `{"eventType":"proposed","proposedValue":{"slot":"mon"},"note":"first offer"}`)
	require.Equal(t, 201, rr.Code, rr.Body.String())
	require.Equal(t, "proposed", decode(t, rr)["eventType"])

	rr = call(t, h, stakeholder, "POST", "/negotiations/sub_1", `{"eventType":"countered","proposedValue":{"slot":"tue"}}`)
	require.Equal(t, 201, rr.Code, rr.Body.String())

	rr = call(t, h, stakeholder, "GET", "/negotiations/sub_1", "")
	require.Equal(t, 200, rr.Code)
	view := decode(t, rr)
	require.EqualValues(t, 3, view["turnCap"])
	require.EqualValues(t, 2, view["turnsUsed"])
	require.EqualValues(t, 1, view["turnsRemaining"])
	require.Equal(t, false, view["isClosed"])
	require.Len(t, view["events"], 2)

	rr = call(t, h, provider, "POST", "/negotiations/sub_1", `{"eventType":"accepted"}`)
	require.Equal(t, 201, rr.Code, rr.Body.String())
	require.Equal(t, true, decode(t, rr)["closesNegotiation"])

	rr = call(t, h, provider, "POST", "/negotiations/sub_1", `{"eventType":"proposed","proposedValue":{"slot":"wed"}}`)
	require.Equal(t, 409, rr.Code)
	require.Equal(t, "closed", errorCode(t, rr))
}

func TestSubmitValidationAndIdentity(t *testing.T) {
	h := newTestRouter(t, nil)

	rr := call(t, h, caller{}, "GET", "/negotiations/sub_1", "")
	require.Equal(t, 401, rr.Code)

	rr = call(t, h, caller{}, "GET", "/health", "")
	require.Equal(t, 200, rr.Code)

	rr = call(t, h, provider, "POST", "/negotiations/sub_1", `{"eventType":"proposed"`)
	require.Equal(t, 400, rr.Code)
	require.Equal(t, "BAD_JSON", errorCode(t, rr))

	rr = call(t, h, provider, "POST", "/negotiations/sub_1", `{"eventType":"proposed","proposedValue":{"a":1},"extra":true}`)
	require.Equal(t, 400, rr.Code)

	rr = call(t, h, provider, "POST", "/negotiations/sub_1", `{"eventType":"proposed"}`)
	require.Equal(t, 422, rr.Code)
	require.Equal(t, "proposed_value_required", errorCode(t, rr))

	rr = call(t, h, admin, "POST", "/negotiations/sub_1", `{"eventType":"proposed","proposedValue":{"a":1}}`)
	require.Equal(t, 422, rr.Code)
	require.Equal(t, "invalid_actor_role", errorCode(t, rr))
}

func TestSubmitReplaysIdempotencyKey(t *testing.T) {
	h := newTestRouter(t, nil)
	body := `{"eventType":"proposed","proposedValue":{"slot":"mon"}}`

	first := call(t, h, provider, "POST", "/negotiations/sub_1", body, "Idempotency-Key", "retry-1")
	require.Equal(t, 201, first.Code, first.Body.String())
	second := call(t, h, provider, "POST", "/negotiations/sub_1", body, "Idempotency-Key", "retry-1")
	require.Equal(t, 201, second.Code)
	require.Equal(t, decode(t, first)["id"], decode(t, second)["id"])

	rr := call(t, h, provider, "GET", "/negotiations/sub_1", "")
	require.EqualValues(t, 1, decode(t, rr)["turnsUsed"])
}

func TestPolicyAdministration(t *testing.T) {
	h := newTestRouter(t, nil)

	rr := call(t, h, stakeholder, "PATCH", "/tenant/negotiation-policies/schedule", `{"maxTurns":5}`)
	require.Equal(t, 403, rr.Code)

	rr = call(t, h, admin, "PATCH", "/tenant/negotiation-policies/schedule", `{"maxTurns":5}`)
	require.Equal(t, 200, rr.Code, rr.Body.String())
	require.EqualValues(t, 5, decode(t, rr)["effective"].(map[string]any)["maxTurns"])

	// absent keys keep the current override
	rr = call(t, h, admin, "PATCH", "/tenant/negotiation-policies/schedule", `{"allowCounter":false}`)
	require.Equal(t, 200, rr.Code)
	eff := decode(t, rr)["effective"].(map[string]any)
	require.EqualValues(t, 5, eff["maxTurns"])
	require.Equal(t, false, eff["allowCounter"])

	rr = call(t, h, admin, "PATCH", "/tenant/negotiation-policies/schedule", `{"maxTurns":null}`)
	require.Equal(t, 200, rr.Code)
	got := decode(t, rr)
	require.EqualValues(t, 3, got["effective"].(map[string]any)["maxTurns"])
	require.Equal(t, "platform", got["trace"].(map[string]any)["maxTurns"])
	require.Equal(t, "tenant_override", got["trace"].(map[string]any)["allowCounter"])

	rr = call(t, h, admin, "PATCH", "/tenant/negotiation-policies/schedule", `{"maxTurns":0}`)
	require.Equal(t, 422, rr.Code)
	rr = call(t, h, admin, "PATCH", "/tenant/negotiation-policies/schedule", `{"colour":true}`)
	require.Equal(t, 422, rr.Code)

	rr = call(t, h, admin, "GET", "/tenant/negotiation-policies", "")
	require.Equal(t, 200, rr.Code)
	require.Len(t, decode(t, rr)["policies"], 1)

	rr = call(t, h, admin, "DELETE", "/tenant/negotiation-policies/schedule", "")
	require.Equal(t, 200, rr.Code)
	require.Equal(t, true, decode(t, rr)["removed"])
	rr = call(t, h, admin, "DELETE", "/tenant/negotiation-policies/schedule", "")
	require.Equal(t, 200, rr.Code)
	require.Equal(t, false, decode(t, rr)["removed"])

	rr = call(t, h, admin, "GET", "/tenant/negotiation-policies/unknown", "")
	require.Equal(t, 500, rr.Code)
	require.Equal(t, "policy_not_configured", errorCode(t, rr))
}

func seedNegotiation(t *testing.T, h http.Handler) {
	t.Helper()
	rr := call(t, h, provider, "POST", "/negotiations/sub_1", `{"eventType":"proposed","proposedValue":{"slot":"mon"},"note":"first offer"}`)
	require.Equal(t, 201, rr.Code, rr.Body.String())
}

func TestAttestedExportRoundTrip(t *testing.T) {
	h := newTestRouter(t, nil)
	seedNegotiation(t, h)

	rr := call(t, h, provider, "GET", "/negotiations/sub_1/export?attest=true", "")
	require.Equal(t, 403, rr.Code)

	rr = call(t, h, admin, "GET", "/negotiations/sub_1/export?attest=true", "")
	require.Equal(t, 200, rr.Code, rr.Body.String())
	require.Len(t, rr.Header().Get("X-Export-Hash"), 64)
	require.Equal(t, "k1", rr.Header().Get("X-Signing-Key-Id"))
	require.NotEmpty(t, rr.Header().Get("X-Export-Signature"))
	doc := rr.Body.Bytes()

	again := call(t, h, admin, "GET", "/negotiations/sub_1/export?attest=true", "")
	require.Equal(t, string(doc), again.Body.String())

	rr = call(t, h, stakeholder, "POST", "/negotiations/export/verify", `{"exportDocument":`+string(doc)+`}`)
	require.Equal(t, 403, rr.Code)

	rr = call(t, h, admin, "POST", "/negotiations/export/verify", `{"exportDocument":`+string(doc)+`}`)
	require.Equal(t, 200, rr.Code, rr.Body.String())
	res := decode(t, rr)
	require.Equal(t, true, res["verified"])
	require.Equal(t, "k1", res["signingKeyId"])

	wrapped, err := json.Marshal(map[string]string{"exportDocument": string(doc)})
	require.NoError(t, err)
	rr = call(t, h, admin, "POST", "/negotiations/export/verify", string(wrapped))
	require.Equal(t, true, decode(t, rr)["verified"])

	tampered := bytes.Replace(doc, []byte("first offer"), []byte("first offeR"), 1)
	rr = call(t, h, admin, "POST", "/negotiations/export/verify", `{"exportDocument":`+string(tampered)+`}`)
	res = decode(t, rr)
	require.Equal(t, false, res["verified"])
	require.Equal(t, "hash_mismatch", res["reason"])

	forged := append([]byte(`{"events":[],`), doc[1:]...)
	rr = call(t, h, admin, "POST", "/negotiations/export/verify", `{"exportDocument":`+string(forged)+`}`)
	res = decode(t, rr)
	require.Equal(t, false, res["verified"])
	require.Equal(t, "malformed_document", res["reason"])
}

func TestExportFormats(t *testing.T) {
	h := newTestRouter(t, nil)
	seedNegotiation(t, h)

	rr := call(t, h, admin, "GET", "/negotiations/sub_1/export?format=csv&attest=true", "")
	require.Equal(t, 422, rr.Code)
	require.Equal(t, "csv_cannot_attest", errorCode(t, rr))

	rr = call(t, h, admin, "GET", "/negotiations/sub_1/export?format=csv", "")
	require.Equal(t, 200, rr.Code)
	require.True(t, strings.HasPrefix(rr.Header().Get("content-type"), "text/csv"))
	require.True(t, strings.HasPrefix(rr.Body.String(), "eventId,subjectId"))

	rr = call(t, h, admin, "GET", "/negotiations/sub_1/export?format=xml", "")
	require.Equal(t, 422, rr.Code)

	rr = call(t, h, admin, "GET", "/negotiations/sub_1/export?attest=maybe", "")
	require.Equal(t, 400, rr.Code)

	rr = call(t, h, admin, "GET", "/negotiations/sub_1/export", "")
	require.Equal(t, 200, rr.Code)
	require.Empty(t, rr.Header().Get("X-Export-Hash"))
	require.NotContains(t, rr.Body.String(), `"attestation"`)
}

func TestExportWithoutSigningKey(t *testing.T) {
	h := newTestRouter(t, func(d *Deps) {
		st := store.NewMemory()
		resolver := policy.NewResolver(st)
		d.Exporter = export.NewBuilder(st, resolver, nil)
	})
	rr := call(t, h, admin, "GET", "/negotiations/sub_1/export?attest=true", "")
	require.Equal(t, 500, rr.Code)
	require.Equal(t, "signing_key_not_configured", errorCode(t, rr))
}

func TestExportRateLimited(t *testing.T) {
	h := newTestRouter(t, func(d *Deps) {
		d.ExportRate = 0.001
		d.ExportBurst = 1
	})
	rr := call(t, h, admin, "GET", "/negotiations/sub_1/export", "")
	require.Equal(t, 200, rr.Code)
	rr = call(t, h, admin, "GET", "/negotiations/sub_1/export", "")
	require.Equal(t, 429, rr.Code)

	other := caller{"tnt_2", "adm_2", "admin"}
	rr = call(t, h, other, "GET", "/negotiations/sub_1/export", "")
	require.Equal(t, 200, rr.Code)
}

func TestActionBlockRoutes(t *testing.T) {
	h := newTestRouter(t, nil)

	rr := call(t, h, stakeholder, "PUT", "/messages/msg_1/action-block", `{"blockType":"offer","payload":{"summary":"Tue 10:00"}}`)
	require.Equal(t, 403, rr.Code)
	rr = call(t, h, provider, "PUT", "/messages/msg_1/action-block", `{"blockType":"offer","payload":{"summary":"Tue 10:00"}}`)
	require.Equal(t, 200, rr.Code, rr.Body.String())

	first := call(t, h, stakeholder, "POST", "/messages/msg_1/action", `{"action":"accept"}`)
	require.Equal(t, 200, first.Code, first.Body.String())
	require.Equal(t, "resolved", decode(t, first)["status"])

	replay := call(t, h, stakeholder, "POST", "/messages/msg_1/action", `{"action":"accept"}`)
	require.Equal(t, 200, replay.Code)
	require.Equal(t, first.Body.String(), replay.Body.String())

	rr = call(t, h, stakeholder, "POST", "/messages/msg_1/action", `{"action":"decline"}`)
	require.Equal(t, 409, rr.Code)
	require.Equal(t, "action_conflict", errorCode(t, rr))

	rr = call(t, h, stakeholder, "POST", "/messages/msg_1/action", `{"action":"answer","response":"yes"}`)
	require.Equal(t, 422, rr.Code)

	rr = call(t, h, stakeholder, "GET", "/messages/msg_1/action-block", "")
	require.Equal(t, 200, rr.Code)
	rr = call(t, h, stakeholder, "GET", "/messages/msg_2/action-block", "")
	require.Equal(t, 404, rr.Code)
}

func TestApplyPatch(t *testing.T) {
	five := 5
	yes := true
	base := domain.PolicyFields{MaxTurns: &five, AllowCounter: &yes}

	out, err := applyPatch(base, map[string]json.RawMessage{"allowCounter": json.RawMessage(`null`), "closeOnDecline": json.RawMessage(`true`)})
	require.NoError(t, err)
	require.Equal(t, 5, *out.MaxTurns)
	require.Nil(t, out.AllowCounter)
	require.True(t, *out.CloseOnDecline)
	require.True(t, *base.AllowCounter)

	_, err = applyPatch(base, map[string]json.RawMessage{"maxTurns": json.RawMessage(`"7"`)})
	require.ErrorIs(t, err, domain.ErrInvalidPolicyValue)
}

// Package api exposes the negotiation service over HTTP.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/accordsai/negotiationlane/pkg/attest"
	"github.com/accordsai/negotiationlane/pkg/authn"
	"github.com/accordsai/negotiationlane/pkg/domain"
	"github.com/accordsai/negotiationlane/pkg/httpx"
	"github.com/accordsai/negotiationlane/pkg/logger"
	"github.com/accordsai/negotiationlane/services/negotiation/internal/actionblock"
	"github.com/accordsai/negotiationlane/services/negotiation/internal/engine"
	"github.com/accordsai/negotiationlane/services/negotiation/internal/export"
	"github.com/accordsai/negotiationlane/services/negotiation/internal/idempotency"
	"github.com/accordsai/negotiationlane/services/negotiation/internal/metrics"
	"github.com/accordsai/negotiationlane/services/negotiation/internal/policy"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	headerExportHash      = "X-Export-Hash"
	headerExportSignature = "X-Export-Signature"
	headerSigningKeyID    = "X-Signing-Key-Id"
)

type Deps struct {
	Engine      *engine.Engine
	Policies    *policy.Resolver
	Blocks      *actionblock.Service
	Exporter    *export.Builder
	KeyRing     attest.KeyRing
	Idempotency idempotency.Store
	Gateway     *authn.Gateway
	// ExportRate is the per-tenant export allowance in requests per second.
	// Zero disables the limit.
	ExportRate  float64
	ExportBurst int
	Now         func() time.Time
}

type server struct {
	Deps
	limiter *limiterPool
}

func NewRouter(d Deps) http.Handler {
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	if d.Gateway == nil {
		d.Gateway = authn.NewGateway("")
	}
	s := &server{Deps: d, limiter: newLimiterPool(d.ExportRate, d.ExportBurst)}

	r := chi.NewRouter()
	r.Use(observe)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(api chi.Router) {
		api.Use(d.Gateway.Middleware)

		api.Get("/negotiations/{subjectId}", s.getNegotiation)
		api.Post("/negotiations/{subjectId}", s.submitEvent)

		api.Post("/messages/{messageId}/action", s.applyAction)
		api.Get("/messages/{messageId}/action-block", s.getActionBlock)
		api.Put("/messages/{messageId}/action-block", s.attachActionBlock)

		api.Group(func(admin chi.Router) {
			admin.Use(authn.RequireRole(domain.RoleAdmin))
			admin.Get("/negotiations/{subjectId}/export", s.exportNegotiation)
			admin.Post("/negotiations/export/verify", s.verifyExport)
			admin.Route("/tenant/negotiation-policies", func(p chi.Router) {
				p.Get("/", s.listPolicies)
				p.Get("/{type}", s.getPolicy)
				p.Patch("/{type}", s.patchPolicy)
				p.Delete("/{type}", s.resetPolicy)
			})
		})
	})
	return r
}

func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		requestID := httpx.NewRequestID()
		w.Header().Set("X-Request-ID", requestID)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		metrics.ObserveRequest(r.Method, route, status, started)
		logger.LogRequest(r, status, requestID)
	})
}

func actorOf(r *http.Request) domain.Actor {
	actor, _ := authn.ActorFrom(r.Context())
	return actor
}

func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	if de, ok := domain.AsError(err); ok {
		metrics.Rejections.WithLabelValues(de.Code).Inc()
		if de.Kind == domain.KindConfiguration {
			logger.Error("configuration error", "path", r.URL.Path, "code", de.Code, "err", de.Message)
		}
	} else {
		logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	httpx.WriteDomainError(w, err)
}

func readBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.ReadJSON(r, dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			httpx.WriteDomainError(w, err)
			return false
		}
		httpx.WriteError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return false
	}
	return true
}

func (s *server) getNegotiation(w http.ResponseWriter, r *http.Request) {
	actor := actorOf(r)
	view, err := s.Engine.View(r.Context(), actor.TenantID, chi.URLParam(r, "subjectId"), r.URL.Query().Get("type"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, view)
}

type submitRequest struct {
	EventType       domain.EventType `json:"eventType"`
	ProposedValue   json.RawMessage  `json:"proposedValue"`
	Note            string           `json:"note"`
	ProposalContext json.RawMessage  `json:"proposalContext"`
	NegotiationType string           `json:"negotiationType"`
}

func (s *server) submitEvent(w http.ResponseWriter, r *http.Request) {
	actor := actorOf(r)
	subjectID := chi.URLParam(r, "subjectId")
	key, ok := idempotency.KeyFrom(r)
	if !ok {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_IDEMPOTENCY_KEY", "Idempotency-Key header is too long", nil)
		return
	}
	idem := idempotency.ActorContext{TenantID: actor.TenantID, ActorID: actor.ActorID, IdempotencyKey: key}
	endpoint := "POST /negotiations/" + subjectID
	if s.Idempotency != nil {
		status, body, replayed, err := idempotency.Replay(r.Context(), s.Idempotency, idem, endpoint)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		if replayed {
			httpx.WriteJSON(w, status, body)
			return
		}
	}

	var req submitRequest
	if !readBody(w, r, &req) {
		return
	}
	ev, err := s.Engine.Submit(r.Context(), actor, subjectID, engine.SubmitRequest{
		EventType:       req.EventType,
		ProposedValue:   req.ProposedValue,
		Note:            req.Note,
		ProposalContext: req.ProposalContext,
		NegotiationType: req.NegotiationType,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	metrics.EventsAppended.WithLabelValues(string(ev.EventType)).Inc()
	logger.Info("negotiation event appended", "tenant_id", actor.TenantID, "subject_id", subjectID, "event_id", ev.ID, "event_type", ev.EventType)

	if s.Idempotency != nil && key != "" {
		body, err := asMap(ev)
		if err == nil {
			err = idempotency.Save(r.Context(), s.Idempotency, idem, endpoint, http.StatusCreated, body)
		}
		if err != nil {
			logger.Warn("idempotency record not saved", "subject_id", subjectID, "err", err)
		}
	}
	httpx.WriteJSON(w, http.StatusCreated, ev)
}

type actionRequest struct {
	Action   domain.Action   `json:"action"`
	Response json.RawMessage `json:"response"`
}

func (s *server) applyAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if !readBody(w, r, &req) {
		return
	}
	b, err := s.Blocks.Apply(r.Context(), actorOf(r), chi.URLParam(r, "messageId"), req.Action, req.Response)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	metrics.ActionsApplied.WithLabelValues(string(b.BlockType), string(req.Action)).Inc()
	httpx.WriteJSON(w, http.StatusOK, b)
}

func (s *server) getActionBlock(w http.ResponseWriter, r *http.Request) {
	b, err := s.Blocks.Get(r.Context(), actorOf(r).TenantID, chi.URLParam(r, "messageId"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, b)
}

type attachRequest struct {
	BlockType domain.BlockType `json:"blockType"`
	Payload   json.RawMessage  `json:"payload"`
}

func (s *server) attachActionBlock(w http.ResponseWriter, r *http.Request) {
	var req attachRequest
	if !readBody(w, r, &req) {
		return
	}
	b, err := s.Blocks.Attach(r.Context(), actorOf(r), chi.URLParam(r, "messageId"), req.BlockType, req.Payload)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, b)
}

func (s *server) listPolicies(w http.ResponseWriter, r *http.Request) {
	entries, err := s.Policies.List(r.Context(), actorOf(r).TenantID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"request_id": httpx.NewRequestID(), "policies": entries})
}

func (s *server) getPolicy(w http.ResponseWriter, r *http.Request) {
	entry, err := s.Policies.Get(r.Context(), actorOf(r).TenantID, chi.URLParam(r, "type"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, entry)
}

// patchPolicy merges the body over the current override. A key set to null
// clears that field back to the platform value; absent keys are kept.
func (s *server) patchPolicy(w http.ResponseWriter, r *http.Request) {
	actor := actorOf(r)
	negotiationType := chi.URLParam(r, "type")
	var raw map[string]json.RawMessage
	if !readBody(w, r, &raw) {
		return
	}
	current, err := s.Policies.Get(r.Context(), actor.TenantID, negotiationType)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	var fields domain.PolicyFields
	if current.Override != nil {
		fields = current.Override.PolicyFields
	}
	fields, err = applyPatch(fields, raw)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	entry, err := s.Policies.Upsert(r.Context(), actor, negotiationType, fields)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	logger.Info("policy override updated", "tenant_id", actor.TenantID, "negotiation_type", negotiationType, "actor_id", actor.ActorID)
	httpx.WriteJSON(w, http.StatusOK, entry)
}

func (s *server) resetPolicy(w http.ResponseWriter, r *http.Request) {
	actor := actorOf(r)
	negotiationType := chi.URLParam(r, "type")
	existed, err := s.Policies.Reset(r.Context(), actor.TenantID, negotiationType)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	entry, err := s.Policies.Get(r.Context(), actor.TenantID, negotiationType)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	logger.Info("policy override reset", "tenant_id", actor.TenantID, "negotiation_type", negotiationType, "existed", existed)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"request_id": httpx.NewRequestID(), "removed": existed, "policy": entry})
}

func (s *server) exportNegotiation(w http.ResponseWriter, r *http.Request) {
	actor := actorOf(r)
	q := r.URL.Query()
	format, err := export.ParseFormat(q.Get("format"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	withAttestation := false
	if v := strings.TrimSpace(q.Get("attest")); v != "" {
		withAttestation, err = strconv.ParseBool(v)
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "BAD_QUERY", "attest must be true or false", nil)
			return
		}
	}
	if !s.limiter.Allow(actor.TenantID) {
		metrics.Rejections.WithLabelValues("rate_limited").Inc()
		httpx.WriteError(w, http.StatusTooManyRequests, "RATE_LIMITED", "export rate limit exceeded", nil)
		return
	}

	bundle, err := s.Exporter.Build(r.Context(), actor.TenantID, []string{chi.URLParam(r, "subjectId")}, export.Options{
		Format:          format,
		Attest:          withAttestation,
		NegotiationType: q.Get("type"),
		Now:             s.Now(),
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	metrics.Exports.WithLabelValues(string(format), strconv.FormatBool(withAttestation)).Inc()

	if format == export.FormatCSV {
		var buf bytes.Buffer
		if err := export.WriteCSV(&buf, bundle); err != nil {
			writeErr(w, r, err)
			return
		}
		w.Header().Set("content-type", "text/csv; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(buf.Bytes())
		return
	}

	doc, err := export.Encode(bundle)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if a := bundle.Attestation; a != nil {
		w.Header().Set(headerExportHash, a.ExportHash)
		w.Header().Set(headerExportSignature, a.Signature)
		w.Header().Set(headerSigningKeyID, a.SigningKeyID)
	}
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

type verifyRequest struct {
	ExportDocument json.RawMessage `json:"exportDocument"`
}

func (s *server) verifyExport(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !readBody(w, r, &req) {
		return
	}
	if len(bytes.TrimSpace(req.ExportDocument)) == 0 {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_JSON", "exportDocument is required", nil)
		return
	}
	doc := bytes.TrimSpace(req.ExportDocument)
	if doc[0] == '"' {
		// the document may arrive as a JSON string holding the exported bytes
		var inner string
		if err := json.Unmarshal(doc, &inner); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "BAD_JSON", "exportDocument is malformed", nil)
			return
		}
		doc = []byte(inner)
	}
	res := attest.Verify(doc, s.KeyRing)
	reason := string(res.Reason)
	if res.Verified {
		reason = "verified"
	}
	metrics.Verifications.WithLabelValues(reason).Inc()
	httpx.WriteJSON(w, http.StatusOK, res)
}

func asMap(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

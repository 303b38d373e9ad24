// internal/server/mux.go
// Package server implements the HTTP handlers and routing for the access
// service. It provides endpoints for entitlement checks, download token
// issuance and redemption, fee settlement, and the reconciliation surface,
// with JWT session authentication and event publishing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/sellfolio/sellfolio-access-go/internal/audit"
	"github.com/sellfolio/sellfolio-access-go/internal/authn"
	"github.com/sellfolio/sellfolio-access-go/internal/entitlement"
	errordefs "github.com/sellfolio/sellfolio-access-go/internal/errors"
	"github.com/sellfolio/sellfolio-access-go/internal/event"
	"github.com/sellfolio/sellfolio-access-go/internal/fee"
	"github.com/sellfolio/sellfolio-access-go/internal/media"
	"github.com/sellfolio/sellfolio-access-go/internal/metrics"
	"github.com/sellfolio/sellfolio-access-go/internal/model"
	"github.com/sellfolio/sellfolio-access-go/internal/payments"
	"github.com/sellfolio/sellfolio-access-go/internal/policy"
	"github.com/sellfolio/sellfolio-access-go/internal/storage"
	"github.com/sellfolio/sellfolio-access-go/internal/token"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	// Context keys for storing request-scoped values
	ContextKeyUserID        ContextKey = "userId"        // Stores the user id from the session JWT
	ContextKeyCorrelationID ContextKey = "correlationId" // Unique ID for request tracking
)

// Mux handles HTTP requests for the access service.
// It wires the entitlement evaluator, token service, fee calculator, and
// audit recorder behind the HTTP surface.
type Mux struct {
	mux         *http.ServeMux        // HTTP request multiplexer
	s           storage.Store         // Storage interface for profiles, resources, purchases
	p           event.Publisher       // Event publisher for downstream consumers
	eval        *entitlement.Evaluator
	tokens      *token.Service
	fees        *fee.Calculator
	recorder    *audit.Recorder
	feePolicy   *policy.Resolver   // Optional per-category fee rates
	payClient   *payments.Client   // Optional payment provider lookup at settlement
	mediaClient *media.S3Client    // Optional presigned URL generation
	authClient  *authn.Client      // Session JWT validation
	jwtIssuer   string             // Expected session JWT issuer
	jwtAudience string             // Expected session JWT audience
	metrics     *metrics.Metrics

	// CORS configuration
	corsAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
}

// Options carries the optional collaborators of the mux. Nil fields disable
// the corresponding integration rather than failing.
type Options struct {
	FeePolicy          *policy.Resolver
	Payments           *payments.Client
	Media              *media.S3Client
	CORSAllowedOrigins []string
}

// NewMux creates a new HTTP mux with all access service endpoints.
// Parameters:
//   - s: Storage interface for data persistence
//   - p: Event publisher for streaming updates
//   - tokens: Download token service
//   - fees: Fee calculator with the configured default rate
//   - authClient: Session JWT validator (use authn.NewTestClient in tests)
//   - jwtIssuer: Expected session JWT issuer
//   - jwtAudience: Expected session JWT audience
func NewMux(s storage.Store, p event.Publisher, tokens *token.Service, fees *fee.Calculator, authClient *authn.Client, jwtIssuer, jwtAudience string, opts Options) *http.ServeMux {
	if authClient == nil {
		authClient = authn.NewClient(fmt.Sprintf("%s/.well-known/jwks.json", jwtIssuer))
	}

	recorder := audit.NewRecorder(s)

	m := &Mux{
		mux:                http.NewServeMux(),
		s:                  s,
		p:                  p,
		eval:               entitlement.NewEvaluator(s, recorder),
		tokens:             tokens,
		fees:               fees,
		recorder:           recorder,
		feePolicy:          opts.FeePolicy,
		payClient:          opts.Payments,
		mediaClient:        opts.Media,
		authClient:         authClient,
		jwtIssuer:          jwtIssuer,
		jwtAudience:        jwtAudience,
		metrics:            metrics.NewMetrics(),
		corsAllowedOrigins: opts.CORSAllowedOrigins,
	}

	// Register health endpoints
	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())

	// Reconciliation surface, owned by the signup and webhook flows
	m.mux.HandleFunc("/v1/profiles", m.method("POST", m.withMiddleware(m.handleCreateProfile)))
	m.mux.HandleFunc("/v1/profiles/membership", m.method("POST", m.withMiddleware(m.handleUpdateMembership)))
	m.mux.HandleFunc("/v1/purchases", m.method("POST", m.withMiddleware(m.handleCreatePurchase)))
	m.mux.HandleFunc("/v1/resources", m.method("POST", m.withMiddleware(m.handleCreateResource)))

	// Entitlement and download endpoints
	m.mux.HandleFunc("/v1/entitlements/member", m.method("GET", m.withMiddleware(m.handleMemberEntitlement)))
	m.mux.HandleFunc("/v1/entitlements/creator", m.method("GET", m.withMiddleware(m.handleCreatorEntitlement)))
	m.mux.HandleFunc("/v1/downloads/authorize", m.method("POST", m.withMiddleware(m.handleAuthorizeDownload)))
	m.mux.HandleFunc("/v1/downloads/file", m.method("GET", m.withMiddleware(m.handleDownloadFile)))

	// Settlement
	m.mux.HandleFunc("/v1/fees/settle", m.method("POST", m.withMiddleware(m.handleSettleFee)))

	return m.mux
}

// method ensures the HTTP method matches the expected method
func (m *Mux) method(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			err := errordefs.New(errordefs.ACS_BAD_REQUEST, "method not allowed", "")
			m.writeErrorDef(w, err)
			return
		}
		h(w, r)
	}
}

// withMiddleware applies common middleware to handlers
func (m *Mux) withMiddleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Handle CORS preflight requests
		if r.Method == "OPTIONS" {
			if m.corsOriginAllowed(r) {
				w.Header().Set("Access-Control-Allow-Origin", r.Header.Get("Origin"))
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-Id")
				w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours
			}
			w.WriteHeader(http.StatusOK)
			return
		}

		// Set CORS headers for regular requests
		if m.corsOriginAllowed(r) {
			w.Header().Set("Access-Control-Allow-Origin", r.Header.Get("Origin"))
		}

		// Add correlation ID if not present
		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		r = r.WithContext(context.WithValue(r.Context(), ContextKeyCorrelationID, correlationID))
		w.Header().Set("X-Correlation-Id", correlationID)

		// Session authentication applies everywhere except the file endpoint,
		// where the download token itself is the credential.
		if r.URL.Path != "/v1/downloads/file" {
			userID, err := m.validateSession(r)
			if err != nil {
				var errorDef *errordefs.Error
				if e, ok := err.(*errordefs.Error); ok {
					errorDef = e
					errorDef.CorrelationID = correlationID
				} else {
					errorDef = errordefs.New(errordefs.ACS_AUTHZ, err.Error(), correlationID)
				}
				m.writeErrorDef(w, errorDef)
				m.logRequest(r, errorDef.HTTPStatus, time.Since(start), correlationID, err)
				return
			}
			r = r.WithContext(context.WithValue(r.Context(), ContextKeyUserID, userID))
		}

		// Call the handler
		h(w, r)
	}
}

// corsOriginAllowed reports whether the request's Origin header matches the
// configured allow list.
func (m *Mux) corsOriginAllowed(r *http.Request) bool {
	if len(m.corsAllowedOrigins) == 0 {
		return false
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	for _, allowed := range m.corsAllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// validateSession validates a session JWT and extracts the caller's user id
func (m *Mux) validateSession(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errordefs.New(errordefs.ACS_AUTHN, "missing Authorization header", "")
	}

	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", errordefs.New(errordefs.ACS_AUTHN, "invalid Authorization header format", "")
	}

	tokenString := strings.TrimPrefix(authHeader, "Bearer ")

	claims, err := m.authClient.ValidateSession(r.Context(), tokenString, m.jwtIssuer, m.jwtAudience)
	if err != nil {
		return "", errordefs.New(errordefs.ACS_AUTHN, fmt.Sprintf("failed to validate session: %v", err), "")
	}

	userID, ok := claims["sub"].(string)
	if !ok || userID == "" {
		return "", errordefs.New(errordefs.ACS_AUTHN, "missing or invalid sub claim", "")
	}

	return userID, nil
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]interface{}{
		"data": data,
	}
	_ = json.NewEncoder(w).Encode(response)
}

// writeError writes an error response following the access error taxonomy
func (m *Mux) writeError(w http.ResponseWriter, statusCode int, code, message, correlationID string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]interface{}{
		"error": map[string]interface{}{
			"code":          code,
			"message":       message,
			"correlationId": correlationID,
		},
	}

	if details != nil {
		response["error"].(map[string]interface{})["details"] = details
	}

	_ = json.NewEncoder(w).Encode(response)
}

// writeErrorDef writes an error response using the error definitions package
func (m *Mux) writeErrorDef(w http.ResponseWriter, err *errordefs.Error) {
	m.writeError(w, err.HTTPStatus, string(err.Code), err.Message, err.CorrelationID, err.Details)
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string, err error) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("user_agent", r.UserAgent()),
		slog.String("remote_addr", r.RemoteAddr),
	}

	if correlationID != "" {
		attrs = append(attrs, slog.String("correlation_id", correlationID))
	}

	if userID, ok := r.Context().Value(ContextKeyUserID).(string); ok && userID != "" {
		attrs = append(attrs, slog.String("user_id", userID))
	}

	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		slog.LogAttrs(r.Context(), slog.LevelError, "request completed with error", attrs...)
	} else {
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
	}
}

// correlationID pulls the request correlation id from context.
func correlationID(ctx context.Context) string {
	if id, ok := ctx.Value(ContextKeyCorrelationID).(string); ok {
		return id
	}
	return ""
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz handles readiness health check requests
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	// A not-found answer proves storage is reachable. Any other error is a
	// dependency problem.
	_, err := m.s.GetProfileByUserID(ctx, "health-check")
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleCreateProfile handles POST /v1/profiles
func (m *Mux) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("access-service").Start(r.Context(), "handleCreateProfile")
	defer span.End()
	defer r.Body.Close()

	cid := correlationID(ctx)

	var req model.CreateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "invalid JSON")
		m.writeErrorDef(w, errordefs.New(errordefs.ACS_VALIDATION, "invalid JSON", cid))
		return
	}

	span.SetAttributes(
		attribute.String("user_id", req.UserID),
		attribute.Bool("creator_enabled", req.CreatorEnabled),
	)

	if req.UserID == "" {
		m.writeErrorDef(w, errordefs.New(errordefs.ACS_VALIDATION, "userId is required", cid))
		return
	}

	status := model.MembershipNone
	if req.MembershipStatus != "" {
		s, ok := parseMembershipStatus(req.MembershipStatus)
		if !ok {
			m.writeErrorDef(w, errordefs.New(errordefs.ACS_VALIDATION, fmt.Sprintf("unknown membership status %q", req.MembershipStatus), cid))
			return
		}
		status = s
	}

	profile := model.Profile{
		ID:                  uuid.New().String(),
		UserID:              req.UserID,
		MembershipStatus:    status,
		MembershipPeriodEnd: req.MembershipPeriodEnd,
		CreatorEnabled:      req.CreatorEnabled,
		CreatedAt:           time.Now().UTC(),
	}

	if err := m.s.CreateProfile(ctx, profile); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			m.writeErrorDef(w, errordefs.New(errordefs.ACS_CONFLICT, "profile already exists", cid))
			return
		}
		span.SetStatus(codes.Error, "failed to create profile")
		m.writeErrorDef(w, errordefs.New(errordefs.ACS_INTERNAL, "failed to create profile", cid))
		return
	}

	actor := callerID(ctx)
	m.recorder.Record(ctx, actor, "profile.create", "profile", profile.ID, map[string]interface{}{
		"userId": profile.UserID,
	})

	m.writeSuccess(w, http.StatusOK, profile)
}

// handleUpdateMembership handles POST /v1/profiles/membership
func (m *Mux) handleUpdateMembership(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("access-service").Start(r.Context(), "handleUpdateMembership")
	defer span.End()
	defer r.Body.Close()

	cid := correlationID(ctx)

	var req model.UpdateMembershipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "invalid JSON")
		m.writeErrorDef(w, errordefs.New(errordefs.ACS_VALIDATION, "invalid JSON", cid))
		return
	}

	span.SetAttributes(
		attribute.String("user_id", req.UserID),
		attribute.String("membership_status", req.MembershipStatus),
	)

	if req.UserID == "" || req.MembershipStatus == "" {
		m.writeErrorDef(w, errordefs.New(errordefs.ACS_VALIDATION, "userId and membershipStatus are required", cid))
		return
	}

	status, ok := parseMembershipStatus(req.MembershipStatus)
	if !ok {
		m.writeErrorDef(w, errordefs.New(errordefs.ACS_VALIDATION, fmt.Sprintf("unknown membership status %q", req.MembershipStatus), cid))
		return
	}

	if err := m.s.UpdateProfileMembership(ctx, req.UserID, status, req.MembershipPeriodEnd); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.writeErrorDef(w, errordefs.New(errordefs.ACS_NOT_FOUND, "profile not found", cid))
			return
		}
		span.SetStatus(codes.Error, "failed to update membership")
		m.writeErrorDef(w, errordefs.New(errordefs.ACS_INTERNAL, "failed to update membership", cid))
		return
	}

	m.recorder.Record(ctx, callerID(ctx), "membership.update", "profile", req.UserID, map[string]interface{}{
		"status": string(status),
	})

	m.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"userId": req.UserID,
		"status": string(status),
	})
}

// handleCreatePurchase handles POST /v1/purchases
func (m *Mux) handleCreatePurchase(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("access-service").Start(r.Context(), "handleCreatePurchase")
	defer span.End()
	defer r.Body.Close()

	cid := correlationID(ctx)

	var req model.CreatePurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "invalid JSON")
		m.writeErrorDef(w, errordefs.New(errordefs.ACS_VALIDATION, "invalid JSON", cid))
		return
	}

	span.SetAttributes(
		attribute.String("user_id", req.UserID),
		attribute.String("resource_id", req.ResourceID),
		attribute.String("status", req.Status),
	)

	if req.UserID == "" || req.ResourceID == "" {
		m.writeErrorDef(w, errordefs.New(errordefs.ACS_VALIDATION, "userId and resourceId are required", cid))
		return
	}

	status, ok := parsePurchaseStatus(req.Status)
	if !ok {
		m.writeErrorDef(w, errordefs.New(errordefs.ACS_VALIDATION, fmt.Sprintf("unknown purchase status %q", req.Status), cid))
		return
	}

	profile, err := m.s.GetProfileByUserID(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.writeErrorDef(w, errordefs.New(errordefs.ACS_NOT_FOUND, "profile not found", cid))
			return
		}
		m.writeErrorDef(w, errordefs.New(errordefs.ACS_INTERNAL, "failed to resolve profile", cid))
		return
	}

	if _, err := m.s.GetResource(ctx, req.ResourceID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.writeErrorDef(w, errordefs.New(errordefs.ACS_NOT_FOUND, "resource not found", cid))
			return
		}
		m.writeErrorDef(w, errordefs.New(errordefs.ACS_INTERNAL, "failed to resolve resource", cid))
		return
	}

	purchase := model.Purchase{
		ID:          uuid.New().String(),
		ProfileID:   profile.ID,
		ResourceID:  req.ResourceID,
		Status:      status,
		AmountCents: req.AmountCents,
		CreatedAt:   time.Now().UTC(),
	}

	if err := m.s.CreatePurchase(ctx, purchase); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			m.writeErrorDef(w, errordefs.New(errordefs.ACS_CONFLICT, "purchase already exists", cid))
			return
		}
		span.SetStatus(codes.Error, "failed to create purchase")
		m.writeErrorDef(w, errordefs.New(errordefs.ACS_INTERNAL, "failed to create purchase", cid))
		return
	}

	m.recorder.Record(ctx, callerID(ctx), "purchase.create", "purchase", purchase.ID, map[string]interface{}{
		"resourceId": purchase.ResourceID,
		"status":     string(purchase.Status),
	})

	m.writeSuccess(w, http.StatusOK, purchase)
}

// handleCreateResource handles POST /v1/resources. Publishing is gated on
// creator eligibility, so a lapsed membership blocks new listings immediately.
func (m *Mux) handleCreateResource(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("access-service").Start(r.Context(), "handleCreateResource")
	defer span.End()
	defer r.Body.Close()

	cid := correlationID(ctx)
	userID := callerID(ctx)

	var req model.CreateResourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "invalid JSON")
		m.writeErrorDef(w, errordefs.New(errordefs.ACS_VALIDATION, "invalid JSON", cid))
		return
	}

	span.SetAttributes(
		attribute.String("user_id", userID),
		attribute.String("title", req.Title),
	)

	if req.Title == "" {
		m.writeErrorDef(w, errordefs.New(errordefs.ACS_VALIDATION, "title is required", cid))
		return
	}

	if !m.eval.IsEligibleCreator(ctx, userID) {
		m.writeErrorDef(w, errordefs.New(errordefs.ACS_DENIED, "creator eligibility required", cid))
		return
	}

	profile, err := m.s.GetProfileByUserID(ctx, userID)
	if err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.ACS_INTERNAL, "failed to resolve profile", cid))
		return
	}

	resource := model.Resource{
		ID:        uuid.New().String(),
		ProfileID: profile.ID,
		Title:     req.Title,
		ObjectKey: req.ObjectKey,
		CreatedAt: time.Now().UTC(),
	}

	if err := m.s.CreateResource(ctx, resource); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			m.writeErrorDef(w, errordefs.New(errordefs.ACS_CONFLICT, "resource already exists", cid))
			return
		}
		span.SetStatus(codes.Error, "failed to create resource")
		m.writeErrorDef(w, errordefs.New(errordefs.ACS_INTERNAL, "failed to create resource", cid))
		return
	}

	m.recorder.Record(ctx, userID, "resource.create", "resource", resource.ID, map[string]interface{}{
		"title": resource.Title,
	})

	m.writeSuccess(w, http.StatusOK, resource)
}

// handleMemberEntitlement handles GET /v1/entitlements/member
func (m *Mux) handleMemberEntitlement(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("access-service").Start(r.Context(), "handleMemberEntitlement")
	defer span.End()

	userID := callerID(ctx)
	span.SetAttributes(attribute.String("user_id", userID))

	allowed := m.eval.IsActiveMember(ctx, userID)
	m.writeSuccess(w, http.StatusOK, model.EntitlementData{Allowed: allowed})
}

// handleCreatorEntitlement handles GET /v1/entitlements/creator
func (m *Mux) handleCreatorEntitlement(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("access-service").Start(r.Context(), "handleCreatorEntitlement")
	defer span.End()

	userID := callerID(ctx)
	span.SetAttributes(attribute.String("user_id", userID))

	allowed := m.eval.IsEligibleCreator(ctx, userID)
	m.writeSuccess(w, http.StatusOK, model.EntitlementData{Allowed: allowed})
}

// handleAuthorizeDownload handles POST /v1/downloads/authorize
func (m *Mux) handleAuthorizeDownload(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("access-service").Start(r.Context(), "handleAuthorizeDownload")
	defer span.End()
	defer r.Body.Close()

	cid := correlationID(ctx)
	userID := callerID(ctx)

	var req model.AuthorizeDownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "invalid JSON")
		m.writeErrorDef(w, errordefs.New(errordefs.ACS_VALIDATION, "invalid JSON", cid))
		return
	}

	span.SetAttributes(
		attribute.String("user_id", userID),
		attribute.String("resource_id", req.ResourceID),
	)

	if req.ResourceID == "" {
		m.writeErrorDef(w, errordefs.New(errordefs.ACS_VALIDATION, "resourceId is required", cid))
		return
	}

	if !m.eval.CanDownload(ctx, userID, req.ResourceID) {
		// The deny reason stays in the audit trail; callers get a uniform body.
		m.metrics.TokenIssueTotal.WithLabelValues("denied").Inc()
		m.writeErrorDef(w, errordefs.New(errordefs.ACS_DENIED, "download not permitted", cid))
		return
	}

	signed, err := m.tokens.Issue(userID, req.ResourceID)
	if err != nil {
		span.SetStatus(codes.Error, "failed to issue token")
		m.metrics.TokenIssueTotal.WithLabelValues("error").Inc()
		m.writeErrorDef(w, errordefs.New(errordefs.ACS_INTERNAL, "failed to issue download token", cid))
		return
	}
	expiresAt := time.Now().UTC().Add(m.tokens.TTL())
	m.metrics.TokenIssueTotal.WithLabelValues("ok").Inc()

	m.recorder.Record(ctx, userID, "token.issue", "resource", req.ResourceID, map[string]interface{}{
		"expiresAt": expiresAt,
	})

	if err := m.p.PublishDownloadGranted(ctx, userID, req.ResourceID, expiresAt); err != nil {
		slog.Warn("failed to publish download granted event", "error", err)
	}

	m.writeSuccess(w, http.StatusOK, model.AuthorizeDownloadData{
		Token:     signed,
		ExpiresAt: expiresAt,
	})
}

// handleDownloadFile handles GET /v1/downloads/file?token=
func (m *Mux) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("access-service").Start(r.Context(), "handleDownloadFile")
	defer span.End()

	cid := correlationID(ctx)

	tokenString := r.URL.Query().Get("token")
	if tokenString == "" {
		m.writeErrorDef(w, errordefs.New(errordefs.ACS_VALIDATION, "token is required", cid))
		return
	}

	claims, err := m.tokens.Verify(tokenString)
	if err != nil {
		// Uniform failure: expired, forged, and malformed are indistinguishable.
		span.SetStatus(codes.Error, "token rejected")
		m.metrics.TokenVerifyTotal.WithLabelValues("invalid").Inc()
		m.writeErrorDef(w, errordefs.New(errordefs.ACS_TOKEN_INVALID, "invalid token", cid))
		return
	}
	m.metrics.TokenVerifyTotal.WithLabelValues("ok").Inc()

	span.SetAttributes(
		attribute.String("user_id", claims.UserID),
		attribute.String("resource_id", claims.ResourceID),
	)

	data := model.DownloadFileData{
		UserID:     claims.UserID,
		ResourceID: claims.ResourceID,
		ExpiresAt:  claims.ExpiresAt,
	}

	// Hand out a presigned URL when media storage is configured. The URL's
	// lifetime is capped by the token's remaining validity.
	if m.mediaClient != nil {
		resource, err := m.s.GetResource(ctx, claims.ResourceID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				m.writeErrorDef(w, errordefs.New(errordefs.ACS_NOT_FOUND, "resource not found", cid))
				return
			}
			m.writeErrorDef(w, errordefs.New(errordefs.ACS_INTERNAL, "failed to resolve resource", cid))
			return
		}
		if resource.ObjectKey != "" {
			remaining := time.Until(claims.ExpiresAt)
			url, err := m.mediaClient.GenerateDownloadURL(ctx, resource.ObjectKey, remaining)
			if err != nil {
				span.SetStatus(codes.Error, "failed to generate download URL")
				m.writeErrorDef(w, errordefs.New(errordefs.ACS_INTERNAL, "failed to generate download URL", cid))
				return
			}
			data.URL = url
		}
	}

	m.recorder.Record(ctx, claims.UserID, "token.redeem", "resource", claims.ResourceID, nil)

	m.writeSuccess(w, http.StatusOK, data)
}

// handleSettleFee handles POST /v1/fees/settle
func (m *Mux) handleSettleFee(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("access-service").Start(r.Context(), "handleSettleFee")
	defer span.End()
	defer r.Body.Close()

	cid := correlationID(ctx)

	var req model.SettleFeeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "invalid JSON")
		m.writeErrorDef(w, errordefs.New(errordefs.ACS_VALIDATION, "invalid JSON", cid))
		return
	}

	span.SetAttributes(
		attribute.String("payment_id", req.PaymentID),
		attribute.Int64("gross_cents", req.GrossCents),
		attribute.String("category", req.Category),
	)

	gross := req.GrossCents
	if gross <= 0 {
		if req.PaymentID == "" || m.payClient == nil {
			m.writeErrorDef(w, errordefs.New(errordefs.ACS_VALIDATION, "grossCents or a resolvable paymentId is required", cid))
			return
		}
		payment, err := m.payClient.Get(ctx, req.PaymentID)
		if err != nil {
			if errors.Is(err, payments.ErrNotFound) {
				m.writeErrorDef(w, errordefs.New(errordefs.ACS_NOT_FOUND, "payment not found", cid))
				return
			}
			span.SetStatus(codes.Error, "payment lookup failed")
			m.writeErrorDef(w, errordefs.New(errordefs.ACS_UNAVAILABLE, "payment provider unavailable", cid))
			return
		}
		gross = payment.AmountCents
	}

	if gross < 0 {
		m.writeErrorDef(w, errordefs.New(errordefs.ACS_VALIDATION, "gross amount must be non-negative", cid))
		return
	}

	rate := m.fees.Rate()
	if m.feePolicy != nil && req.Category != "" {
		rate = m.feePolicy.RateFor(req.Category)
	}
	split := m.fees.SplitAt(gross, rate)
	m.metrics.FeeSplitTotal.WithLabelValues("ok").Inc()

	m.recorder.Record(ctx, callerID(ctx), "fee.settle", "payment", req.PaymentID, map[string]interface{}{
		"grossCents":    split.GrossCents,
		"platformCents": split.PlatformCents,
		"sellerCents":   split.SellerCents,
		"rate":          rate,
	})

	if err := m.p.PublishFeeSettled(ctx, req.PaymentID, split); err != nil {
		slog.Warn("failed to publish fee settled event", "error", err)
	}

	m.writeSuccess(w, http.StatusOK, split)
}

// callerID pulls the authenticated user id from context.
func callerID(ctx context.Context) string {
	if id, ok := ctx.Value(ContextKeyUserID).(string); ok {
		return id
	}
	return ""
}

func parseMembershipStatus(s string) (model.MembershipStatus, bool) {
	switch model.MembershipStatus(s) {
	case model.MembershipActive, model.MembershipInactive, model.MembershipCanceled,
		model.MembershipPastDue, model.MembershipNone:
		return model.MembershipStatus(s), true
	}
	return "", false
}

func parsePurchaseStatus(s string) (model.PurchaseStatus, bool) {
	switch model.PurchaseStatus(s) {
	case model.PurchaseSucceeded, model.PurchasePending, model.PurchaseRefunded,
		model.PurchaseFailed:
		return model.PurchaseStatus(s), true
	}
	return "", false
}

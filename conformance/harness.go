// Package conformance provides a test harness for verifying the access
// service's HTTP surface against its behavioral requirements.
package conformance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sellfolio/sellfolio-access-go/internal/authn"
	"github.com/sellfolio/sellfolio-access-go/internal/event"
	"github.com/sellfolio/sellfolio-access-go/internal/fee"
	"github.com/sellfolio/sellfolio-access-go/internal/model"
	"github.com/sellfolio/sellfolio-access-go/internal/server"
	"github.com/sellfolio/sellfolio-access-go/internal/storage"
	"github.com/sellfolio/sellfolio-access-go/internal/token"
)

// Harness runs the access service behind an httptest server with test
// doubles for its external dependencies.
type Harness struct {
	server *httptest.Server
	store  storage.Store
	pub    event.Publisher

	jwtIssuer   string
	jwtAudience string
}

// Config holds configuration for the conformance test harness.
type Config struct {
	// JWTIssuer is the expected session JWT issuer
	JWTIssuer string

	// JWTAudience is the expected session JWT audience
	JWTAudience string

	// TokenSecret signs download tokens
	TokenSecret string

	// FeeRate is the platform fee fraction
	FeeRate float64
}

// NewHarness creates a new conformance test harness over in-memory storage
// and a no-op event publisher.
func NewHarness(cfg Config) (*Harness, error) {
	store := storage.NewMemory()
	var pub event.Publisher = &noopPublisher{}

	tokens, err := token.NewService(cfg.TokenSecret, token.DefaultTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token service: %w", err)
	}

	fees, err := fee.NewCalculator(cfg.FeeRate)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize fee calculator: %w", err)
	}

	mux := server.NewMux(store, pub, tokens, fees, authn.NewTestClient(), cfg.JWTIssuer, cfg.JWTAudience, server.Options{})

	return &Harness{
		server:      httptest.NewServer(mux),
		store:       store,
		pub:         pub,
		jwtIssuer:   cfg.JWTIssuer,
		jwtAudience: cfg.JWTAudience,
	}, nil
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close shuts down the test server and cleans up resources.
func (h *Harness) Close() {
	h.server.Close()
	h.pub.Close()
}

// RunConformanceTests runs all conformance tests against the access service.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("AuthRequired", h.testAuthRequired)
	t.Run("EntitlementFlow", h.testEntitlementFlow)
	t.Run("DownloadTokenFlow", h.testDownloadTokenFlow)
	t.Run("FeeSettlement", h.testFeeSettlement)
}

// noopPublisher is a no-op implementation of event.Publisher for testing.
type noopPublisher struct{}

func (n *noopPublisher) PublishDownloadGranted(ctx context.Context, userID, resourceID string, expiresAt time.Time) error {
	return nil
}

func (n *noopPublisher) PublishFeeSettled(ctx context.Context, paymentID string, split model.FeeSplit) error {
	return nil
}

func (n *noopPublisher) Close() error {
	return nil
}

// sessionToken mints a session JWT accepted by the harness's test-mode
// validator.
func (h *Harness) sessionToken(t *testing.T, userID string) string {
	t.Helper()

	claims := jwt.MapClaims{
		"sub": userID,
		"iss": h.jwtIssuer,
		"aud": h.jwtAudience,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("unchecked"))
	if err != nil {
		t.Fatalf("failed to sign session token: %v", err)
	}
	return signed
}

// do performs an authenticated request against the harness server and decodes
// the enveloped JSON response.
func (h *Harness) do(t *testing.T, method, path, userID, body string) (int, map[string]interface{}) {
	t.Helper()

	req, err := http.NewRequest(method, h.URL()+path, bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+h.sessionToken(t, userID))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var envelope map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&envelope)
	return resp.StatusCode, envelope
}

// testHealthEndpoints tests the health check endpoints.
func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(h.URL() + path)
		if err != nil {
			t.Fatalf("failed to GET %s: %v", path, err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200 for %s, got %d", path, resp.StatusCode)
		}
	}
}

// testAuthRequired tests that protected endpoints reject anonymous callers.
func (h *Harness) testAuthRequired(t *testing.T) {
	endpoints := []struct {
		method string
		path   string
	}{
		{"POST", "/v1/profiles"},
		{"POST", "/v1/purchases"},
		{"POST", "/v1/resources"},
		{"GET", "/v1/entitlements/member"},
		{"GET", "/v1/entitlements/creator"},
		{"POST", "/v1/downloads/authorize"},
		{"POST", "/v1/fees/settle"},
	}

	for _, e := range endpoints {
		status, _ := h.do(t, e.method, e.path, "", "{}")
		if status != http.StatusUnauthorized {
			t.Errorf("%s %s without session: status %d, want %d", e.method, e.path, status, http.StatusUnauthorized)
		}
	}
}

// testEntitlementFlow tests membership state transitions through the
// reconciliation surface and their effect on entitlement booleans.
func (h *Harness) testEntitlementFlow(t *testing.T) {
	status, _ := h.do(t, "POST", "/v1/profiles", "admin", `{"userId":"flow-user","membershipStatus":"none","creatorEnabled":true}`)
	if status != http.StatusOK {
		t.Fatalf("create profile: status %d", status)
	}

	// Not yet a member, creator flag alone is not enough
	status, envelope := h.do(t, "GET", "/v1/entitlements/creator", "flow-user", "")
	if status != http.StatusOK {
		t.Fatalf("creator entitlement: status %d", status)
	}
	if allowed := envelope["data"].(map[string]interface{})["allowed"]; allowed != false {
		t.Errorf("creator entitlement before membership = %v, want false", allowed)
	}

	// Activate membership through the webhook surface
	status, _ = h.do(t, "POST", "/v1/profiles/membership", "admin", `{"userId":"flow-user","membershipStatus":"active"}`)
	if status != http.StatusOK {
		t.Fatalf("update membership: status %d", status)
	}

	status, envelope = h.do(t, "GET", "/v1/entitlements/creator", "flow-user", "")
	if status != http.StatusOK {
		t.Fatalf("creator entitlement: status %d", status)
	}
	if allowed := envelope["data"].(map[string]interface{})["allowed"]; allowed != true {
		t.Errorf("creator entitlement after activation = %v, want true", allowed)
	}

	// Cancelation revokes everything on the next check
	status, _ = h.do(t, "POST", "/v1/profiles/membership", "admin", `{"userId":"flow-user","membershipStatus":"canceled"}`)
	if status != http.StatusOK {
		t.Fatalf("update membership: status %d", status)
	}

	status, envelope = h.do(t, "GET", "/v1/entitlements/member", "flow-user", "")
	if status != http.StatusOK {
		t.Fatalf("member entitlement: status %d", status)
	}
	if allowed := envelope["data"].(map[string]interface{})["allowed"]; allowed != false {
		t.Errorf("member entitlement after cancelation = %v, want false", allowed)
	}
}

// testDownloadTokenFlow tests authorize, redeem, and the deny and invalid
// token paths.
func (h *Harness) testDownloadTokenFlow(t *testing.T) {
	ctx := context.Background()

	seed := []model.Profile{
		{ID: "cp-creator", UserID: "dl-creator", MembershipStatus: model.MembershipActive, CreatorEnabled: true},
		{ID: "cp-buyer", UserID: "dl-buyer", MembershipStatus: model.MembershipActive},
		{ID: "cp-other", UserID: "dl-other", MembershipStatus: model.MembershipActive},
	}
	for _, p := range seed {
		if err := h.store.CreateProfile(ctx, p); err != nil {
			t.Fatalf("CreateProfile(%s): %v", p.UserID, err)
		}
	}
	if err := h.store.CreateResource(ctx, model.Resource{ID: "cres-1", ProfileID: "cp-creator", Title: "pack"}); err != nil {
		t.Fatalf("CreateResource: %v", err)
	}
	if err := h.store.CreatePurchase(ctx, model.Purchase{ID: "cpur-1", ProfileID: "cp-buyer", ResourceID: "cres-1", Status: model.PurchaseSucceeded}); err != nil {
		t.Fatalf("CreatePurchase: %v", err)
	}

	// Buyer authorizes and redeems
	status, envelope := h.do(t, "POST", "/v1/downloads/authorize", "dl-buyer", `{"resourceId":"cres-1"}`)
	if status != http.StatusOK {
		t.Fatalf("authorize: status %d", status)
	}
	signed, _ := envelope["data"].(map[string]interface{})["token"].(string)
	if signed == "" {
		t.Fatal("authorize returned no token")
	}

	resp, err := http.Get(h.URL() + "/v1/downloads/file?token=" + signed)
	if err != nil {
		t.Fatalf("redeem failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("redeem: status %d, want 200", resp.StatusCode)
	}

	// Bystander is denied with no token issued
	status, _ = h.do(t, "POST", "/v1/downloads/authorize", "dl-other", `{"resourceId":"cres-1"}`)
	if status != http.StatusForbidden {
		t.Errorf("bystander authorize: status %d, want 403", status)
	}

	// Garbage token is rejected uniformly
	resp, err = http.Get(h.URL() + "/v1/downloads/file?token=garbage")
	if err != nil {
		t.Fatalf("redeem failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("garbage redeem: status %d, want 401", resp.StatusCode)
	}
}

// testFeeSettlement tests fee splitting through the settlement endpoint.
func (h *Harness) testFeeSettlement(t *testing.T) {
	status, envelope := h.do(t, "POST", "/v1/fees/settle", "admin", `{"paymentId":"cpay-1","grossCents":999}`)
	if status != http.StatusOK {
		t.Fatalf("settle: status %d", status)
	}

	data := envelope["data"].(map[string]interface{})
	gross := int64(data["grossCents"].(float64))
	platform := int64(data["platformCents"].(float64))
	seller := int64(data["sellerCents"].(float64))

	if platform+seller != gross {
		t.Errorf("split does not sum: %d + %d != %d", platform, seller, gross)
	}
	if platform != 150 {
		t.Errorf("platformCents = %d, want 150", platform)
	}
}

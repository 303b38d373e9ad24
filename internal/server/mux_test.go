// internal/server/mux_test.go
// Package server provides unit tests for the HTTP handlers and routing.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sellfolio/sellfolio-access-go/internal/authn"
	"github.com/sellfolio/sellfolio-access-go/internal/fee"
	"github.com/sellfolio/sellfolio-access-go/internal/model"
	"github.com/sellfolio/sellfolio-access-go/internal/payments"
	"github.com/sellfolio/sellfolio-access-go/internal/storage"
	"github.com/sellfolio/sellfolio-access-go/internal/token"
)

// mockPublisher implements event.Publisher for testing purposes.
type mockPublisher struct {
	downloadEvents int
	feeEvents      int
}

func (m *mockPublisher) PublishDownloadGranted(ctx context.Context, userID, resourceID string, expiresAt time.Time) error {
	m.downloadEvents++
	return nil
}

func (m *mockPublisher) PublishFeeSettled(ctx context.Context, paymentID string, split model.FeeSplit) error {
	m.feeEvents++
	return nil
}

func (m *mockPublisher) Close() error {
	return nil
}

// newTestMux builds a mux over a fresh memory store with test-mode session
// validation.
func newTestMux(t *testing.T, opts Options) (*http.ServeMux, storage.Store, *mockPublisher) {
	t.Helper()

	store := storage.NewMemory()
	pub := &mockPublisher{}

	tokens, err := token.NewService("test-signing-secret", token.DefaultTTL)
	if err != nil {
		t.Fatalf("token.NewService() error = %v", err)
	}
	fees, err := fee.NewCalculator(0.15)
	if err != nil {
		t.Fatalf("fee.NewCalculator() error = %v", err)
	}

	mux := NewMux(store, pub, tokens, fees, authn.NewTestClient(), "test-issuer", "test-audience", opts)
	return mux, store, pub
}

// sessionToken mints a session JWT for the given user. The test-mode authn
// client checks claims but not the signature.
func sessionToken(t *testing.T, userID string) string {
	t.Helper()

	claims := jwt.MapClaims{
		"sub": userID,
		"iss": "test-issuer",
		"aud": "test-audience",
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("unchecked"))
	if err != nil {
		t.Fatalf("failed to sign session token: %v", err)
	}
	return signed
}

// doJSON performs a request with a session token and decodes the enveloped
// response body.
func doJSON(t *testing.T, mux *http.ServeMux, method, path, userID, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}

	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+sessionToken(t, userID))
	}

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	var envelope map[string]interface{}
	if rr.Body.Len() > 0 {
		_ = json.Unmarshal(rr.Body.Bytes(), &envelope)
	}
	return rr, envelope
}

// seedProfile creates a profile directly in the store.
func seedProfile(t *testing.T, store storage.Store, profile model.Profile) {
	t.Helper()
	if err := store.CreateProfile(context.Background(), profile); err != nil {
		t.Fatalf("CreateProfile() error = %v", err)
	}
}

// TestHealthzEndpoint tests the healthz endpoint.
func TestHealthzEndpoint(t *testing.T) {
	mux, _, _ := newTestMux(t, Options{})

	req := httptest.NewRequest("GET", "/healthz", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if status := rr.Code; status != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", status, http.StatusOK)
	}
	if rr.Body.String() != "ok" {
		t.Errorf("handler returned unexpected body: got %v want ok", rr.Body.String())
	}
}

// TestReadyzEndpoint tests the readyz endpoint.
func TestReadyzEndpoint(t *testing.T) {
	mux, _, _ := newTestMux(t, Options{})

	req := httptest.NewRequest("GET", "/readyz", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if status := rr.Code; status != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", status, http.StatusOK)
	}
}

// TestMissingAuthorization tests that authenticated routes reject requests
// without a bearer token.
func TestMissingAuthorization(t *testing.T) {
	mux, _, _ := newTestMux(t, Options{})

	rr, _ := doJSON(t, mux, "GET", "/v1/entitlements/member", "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusUnauthorized)
	}
}

// TestMethodGuard tests that a wrong method yields a bad request.
func TestMethodGuard(t *testing.T) {
	mux, _, _ := newTestMux(t, Options{})

	rr, _ := doJSON(t, mux, "GET", "/v1/downloads/authorize", "user-1", "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusBadRequest)
	}
}

// TestCreateProfileAndMemberEntitlement tests the profile creation flow and
// the member entitlement boolean.
func TestCreateProfileAndMemberEntitlement(t *testing.T) {
	mux, _, _ := newTestMux(t, Options{})

	rr, _ := doJSON(t, mux, "POST", "/v1/profiles", "admin",
		`{"userId":"user-1","membershipStatus":"active"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("create profile status = %v, body = %s", rr.Code, rr.Body.String())
	}

	rr, envelope := doJSON(t, mux, "GET", "/v1/entitlements/member", "user-1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("member entitlement status = %v", rr.Code)
	}
	data := envelope["data"].(map[string]interface{})
	if data["allowed"] != true {
		t.Errorf("member entitlement allowed = %v, want true", data["allowed"])
	}

	// A user with no profile is not a member
	rr, envelope = doJSON(t, mux, "GET", "/v1/entitlements/member", "ghost", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("member entitlement status = %v", rr.Code)
	}
	data = envelope["data"].(map[string]interface{})
	if data["allowed"] != false {
		t.Errorf("member entitlement allowed = %v, want false", data["allowed"])
	}
}

// TestCreateProfileRejectsUnknownStatus tests membership status validation.
func TestCreateProfileRejectsUnknownStatus(t *testing.T) {
	mux, _, _ := newTestMux(t, Options{})

	rr, _ := doJSON(t, mux, "POST", "/v1/profiles", "admin",
		`{"userId":"user-1","membershipStatus":"platinum"}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusBadRequest)
	}
}

// TestCreateProfileConflict tests the duplicate profile path.
func TestCreateProfileConflict(t *testing.T) {
	mux, _, _ := newTestMux(t, Options{})

	body := `{"userId":"user-1"}`
	rr, _ := doJSON(t, mux, "POST", "/v1/profiles", "admin", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("create profile status = %v", rr.Code)
	}
	rr, _ = doJSON(t, mux, "POST", "/v1/profiles", "admin", body)
	if rr.Code != http.StatusConflict {
		t.Errorf("duplicate profile status = %v, want %v", rr.Code, http.StatusConflict)
	}
}

// TestUpdateMembership tests the membership reconciliation endpoint.
func TestUpdateMembership(t *testing.T) {
	mux, store, _ := newTestMux(t, Options{})
	seedProfile(t, store, model.Profile{ID: "p-1", UserID: "user-1", MembershipStatus: model.MembershipNone})

	rr, _ := doJSON(t, mux, "POST", "/v1/profiles/membership", "admin",
		`{"userId":"user-1","membershipStatus":"active"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("update membership status = %v, body = %s", rr.Code, rr.Body.String())
	}

	profile, err := store.GetProfileByUserID(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetProfileByUserID() error = %v", err)
	}
	if profile.MembershipStatus != model.MembershipActive {
		t.Errorf("MembershipStatus = %v, want active", profile.MembershipStatus)
	}

	rr, _ = doJSON(t, mux, "POST", "/v1/profiles/membership", "admin",
		`{"userId":"ghost","membershipStatus":"active"}`)
	if rr.Code != http.StatusNotFound {
		t.Errorf("update membership for missing profile status = %v, want %v", rr.Code, http.StatusNotFound)
	}
}

// TestCreateResourceGatedOnCreator tests that publishing requires creator
// eligibility.
func TestCreateResourceGatedOnCreator(t *testing.T) {
	mux, store, _ := newTestMux(t, Options{})
	seedProfile(t, store, model.Profile{ID: "p-creator", UserID: "creator", MembershipStatus: model.MembershipActive, CreatorEnabled: true})
	seedProfile(t, store, model.Profile{ID: "p-member", UserID: "member", MembershipStatus: model.MembershipActive})

	rr, envelope := doJSON(t, mux, "POST", "/v1/resources", "creator", `{"title":"sample pack"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("create resource status = %v, body = %s", rr.Code, rr.Body.String())
	}
	data := envelope["data"].(map[string]interface{})
	if data["profileId"] != "p-creator" {
		t.Errorf("resource profileId = %v, want p-creator", data["profileId"])
	}

	rr, _ = doJSON(t, mux, "POST", "/v1/resources", "member", `{"title":"nope"}`)
	if rr.Code != http.StatusForbidden {
		t.Errorf("non-creator create resource status = %v, want %v", rr.Code, http.StatusForbidden)
	}
}

// seedDownloadFixture creates a creator, a buyer with a succeeded purchase,
// and a resource. Returns the resource id.
func seedDownloadFixture(t *testing.T, store storage.Store) string {
	t.Helper()
	ctx := context.Background()

	seedProfile(t, store, model.Profile{ID: "p-creator", UserID: "creator", MembershipStatus: model.MembershipActive, CreatorEnabled: true})
	seedProfile(t, store, model.Profile{ID: "p-buyer", UserID: "buyer", MembershipStatus: model.MembershipActive})
	seedProfile(t, store, model.Profile{ID: "p-other", UserID: "other", MembershipStatus: model.MembershipActive})

	if err := store.CreateResource(ctx, model.Resource{ID: "res-1", ProfileID: "p-creator", Title: "pack", ObjectKey: "dev/res-1/pack.zip"}); err != nil {
		t.Fatalf("CreateResource() error = %v", err)
	}
	if err := store.CreatePurchase(ctx, model.Purchase{ID: "pur-1", ProfileID: "p-buyer", ResourceID: "res-1", Status: model.PurchaseSucceeded, AmountCents: 1000}); err != nil {
		t.Fatalf("CreatePurchase() error = %v", err)
	}
	return "res-1"
}

// TestAuthorizeAndRedeemDownload tests the full token flow: authorize, then
// redeem the returned token at the file endpoint.
func TestAuthorizeAndRedeemDownload(t *testing.T) {
	mux, store, pub := newTestMux(t, Options{})
	resourceID := seedDownloadFixture(t, store)

	rr, envelope := doJSON(t, mux, "POST", "/v1/downloads/authorize", "buyer",
		fmt.Sprintf(`{"resourceId":%q}`, resourceID))
	if rr.Code != http.StatusOK {
		t.Fatalf("authorize status = %v, body = %s", rr.Code, rr.Body.String())
	}
	data := envelope["data"].(map[string]interface{})
	signed, _ := data["token"].(string)
	if signed == "" {
		t.Fatal("authorize response has no token")
	}
	if pub.downloadEvents != 1 {
		t.Errorf("download events published = %d, want 1", pub.downloadEvents)
	}

	// Redeem without a session: the token itself is the credential
	req := httptest.NewRequest("GET", "/v1/downloads/file?token="+signed, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("file status = %v, body = %s", rec.Code, rec.Body.String())
	}

	var fileEnvelope map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &fileEnvelope); err != nil {
		t.Fatalf("failed to decode file response: %v", err)
	}
	fileData := fileEnvelope["data"].(map[string]interface{})
	if fileData["userId"] != "buyer" {
		t.Errorf("file userId = %v, want buyer", fileData["userId"])
	}
	if fileData["resourceId"] != resourceID {
		t.Errorf("file resourceId = %v, want %v", fileData["resourceId"], resourceID)
	}
}

// TestAuthorizeDownloadDenied tests that a user without entitlement gets a
// uniform forbidden response and no token.
func TestAuthorizeDownloadDenied(t *testing.T) {
	mux, store, pub := newTestMux(t, Options{})
	resourceID := seedDownloadFixture(t, store)

	rr, envelope := doJSON(t, mux, "POST", "/v1/downloads/authorize", "other",
		fmt.Sprintf(`{"resourceId":%q}`, resourceID))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("authorize status = %v, want %v", rr.Code, http.StatusForbidden)
	}
	if _, ok := envelope["data"]; ok {
		t.Error("denied authorize response carries data")
	}
	if pub.downloadEvents != 0 {
		t.Errorf("download events published = %d, want 0", pub.downloadEvents)
	}
}

// TestDownloadFileRejectsBadToken tests the uniform unauthorized response for
// invalid tokens.
func TestDownloadFileRejectsBadToken(t *testing.T) {
	mux, _, _ := newTestMux(t, Options{})

	req := httptest.NewRequest("GET", "/v1/downloads/file?token=not-a-token", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("file status = %v, want %v", rr.Code, http.StatusUnauthorized)
	}

	var envelope map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	errBody := envelope["error"].(map[string]interface{})
	if errBody["code"] != "ACS_TOKEN_INVALID" {
		t.Errorf("error code = %v, want ACS_TOKEN_INVALID", errBody["code"])
	}
}

// TestSettleFeeWithGross tests settlement from an explicit gross amount.
func TestSettleFeeWithGross(t *testing.T) {
	mux, _, pub := newTestMux(t, Options{})

	rr, envelope := doJSON(t, mux, "POST", "/v1/fees/settle", "admin",
		`{"paymentId":"pay-1","grossCents":1000}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("settle status = %v, body = %s", rr.Code, rr.Body.String())
	}

	data := envelope["data"].(map[string]interface{})
	if data["grossCents"].(float64) != 1000 {
		t.Errorf("grossCents = %v, want 1000", data["grossCents"])
	}
	if data["platformCents"].(float64) != 150 {
		t.Errorf("platformCents = %v, want 150", data["platformCents"])
	}
	if data["sellerCents"].(float64) != 850 {
		t.Errorf("sellerCents = %v, want 850", data["sellerCents"])
	}
	if pub.feeEvents != 1 {
		t.Errorf("fee events published = %d, want 1", pub.feeEvents)
	}
}

// TestSettleFeeViaPaymentLookup tests settlement with the gross amount
// resolved through the payment provider.
func TestSettleFeeViaPaymentLookup(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payments/pay-2" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pay-2","amountCents":2000,"status":"succeeded"}`))
	}))
	defer provider.Close()

	mux, _, _ := newTestMux(t, Options{Payments: payments.New(provider.URL)})

	rr, envelope := doJSON(t, mux, "POST", "/v1/fees/settle", "admin", `{"paymentId":"pay-2"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("settle status = %v, body = %s", rr.Code, rr.Body.String())
	}
	data := envelope["data"].(map[string]interface{})
	if data["platformCents"].(float64) != 300 {
		t.Errorf("platformCents = %v, want 300", data["platformCents"])
	}

	rr, _ = doJSON(t, mux, "POST", "/v1/fees/settle", "admin", `{"paymentId":"missing"}`)
	if rr.Code != http.StatusNotFound {
		t.Errorf("settle with unknown payment status = %v, want %v", rr.Code, http.StatusNotFound)
	}
}

// TestSettleFeeRequiresAmountOrPayment tests input validation at settlement.
func TestSettleFeeRequiresAmountOrPayment(t *testing.T) {
	mux, _, _ := newTestMux(t, Options{})

	rr, _ := doJSON(t, mux, "POST", "/v1/fees/settle", "admin", `{}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("settle status = %v, want %v", rr.Code, http.StatusBadRequest)
	}
}

// TestCreatePurchaseFlow tests the purchase reconciliation endpoint.
func TestCreatePurchaseFlow(t *testing.T) {
	mux, store, _ := newTestMux(t, Options{})
	resourceID := seedDownloadFixture(t, store)
	seedProfile(t, store, model.Profile{ID: "p-late", UserID: "late-buyer", MembershipStatus: model.MembershipActive})

	rr, _ := doJSON(t, mux, "POST", "/v1/purchases", "admin",
		fmt.Sprintf(`{"userId":"late-buyer","resourceId":%q,"status":"succeeded","amountCents":1500}`, resourceID))
	if rr.Code != http.StatusOK {
		t.Fatalf("create purchase status = %v, body = %s", rr.Code, rr.Body.String())
	}

	has, err := store.HasPurchase(context.Background(), "p-late", resourceID, model.PurchaseSucceeded)
	if err != nil {
		t.Fatalf("HasPurchase() error = %v", err)
	}
	if !has {
		t.Error("HasPurchase() = false after purchase creation")
	}

	rr, _ = doJSON(t, mux, "POST", "/v1/purchases", "admin",
		`{"userId":"ghost","resourceId":"res-1","status":"succeeded"}`)
	if rr.Code != http.StatusNotFound {
		t.Errorf("purchase for missing profile status = %v, want %v", rr.Code, http.StatusNotFound)
	}
}

// Package entitlement provides tests for the entitlement decision logic.
package entitlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sellfolio/sellfolio-access-go/internal/audit"
	"github.com/sellfolio/sellfolio-access-go/internal/model"
	"github.com/sellfolio/sellfolio-access-go/internal/storage"
)

// fixedNow is the reference instant all clock-driven tests pin to.
var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// seed populates a memory store with a profile and returns the store.
func seed(t *testing.T, profile model.Profile) storage.Store {
	t.Helper()
	store := storage.NewMemory()
	if err := store.CreateProfile(context.Background(), profile); err != nil {
		t.Fatalf("CreateProfile() error = %v", err)
	}
	return store
}

func newEvaluator(store Reader) *Evaluator {
	e := NewEvaluator(store, nil)
	e.SetClock(func() time.Time { return fixedNow })
	return e
}

// TestIsActiveMemberStatuses tests that only the active status grants
// membership.
func TestIsActiveMemberStatuses(t *testing.T) {
	tests := []struct {
		status model.MembershipStatus
		want   bool
	}{
		{model.MembershipActive, true},
		{model.MembershipInactive, false},
		{model.MembershipCanceled, false},
		{model.MembershipPastDue, false},
		{model.MembershipNone, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			store := seed(t, model.Profile{
				ID:               "p-1",
				UserID:           "user-1",
				MembershipStatus: tt.status,
			})
			e := newEvaluator(store)

			if got := e.IsActiveMember(context.Background(), "user-1"); got != tt.want {
				t.Errorf("IsActiveMember() with status %v = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

// TestIsActiveMemberPeriodEnd tests the period end boundary: a period ending
// exactly now is expired, one ending a moment later is not.
func TestIsActiveMemberPeriodEnd(t *testing.T) {
	tests := []struct {
		name      string
		periodEnd time.Time
		want      bool
	}{
		{"period end exactly now", fixedNow, false},
		{"period end a microsecond later", fixedNow.Add(time.Microsecond), true},
		{"period end in the past", fixedNow.Add(-time.Hour), false},
		{"period end far in the future", fixedNow.Add(30 * 24 * time.Hour), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			end := tt.periodEnd
			store := seed(t, model.Profile{
				ID:                  "p-1",
				UserID:              "user-1",
				MembershipStatus:    model.MembershipActive,
				MembershipPeriodEnd: &end,
			})
			e := newEvaluator(store)

			if got := e.IsActiveMember(context.Background(), "user-1"); got != tt.want {
				t.Errorf("IsActiveMember() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestIsActiveMemberNilPeriodEnd tests that an active membership without a
// period end never expires.
func TestIsActiveMemberNilPeriodEnd(t *testing.T) {
	store := seed(t, model.Profile{
		ID:               "p-1",
		UserID:           "user-1",
		MembershipStatus: model.MembershipActive,
	})
	e := newEvaluator(store)

	if !e.IsActiveMember(context.Background(), "user-1") {
		t.Error("IsActiveMember() = false, want true for active membership without period end")
	}
}

// TestIsActiveMemberNoProfile tests that an unknown user is never a member.
func TestIsActiveMemberNoProfile(t *testing.T) {
	e := newEvaluator(storage.NewMemory())

	if e.IsActiveMember(context.Background(), "ghost") {
		t.Error("IsActiveMember() = true, want false for missing profile")
	}
}

// TestIsEligibleCreator tests the creator gate: active membership plus the
// creator flag, both required.
func TestIsEligibleCreator(t *testing.T) {
	tests := []struct {
		name    string
		status  model.MembershipStatus
		creator bool
		want    bool
	}{
		{"active member with flag", model.MembershipActive, true, true},
		{"active member without flag", model.MembershipActive, false, false},
		{"lapsed member with flag", model.MembershipCanceled, true, false},
		{"lapsed member without flag", model.MembershipNone, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := seed(t, model.Profile{
				ID:               "p-1",
				UserID:           "user-1",
				MembershipStatus: tt.status,
				CreatorEnabled:   tt.creator,
			})
			e := newEvaluator(store)

			if got := e.IsEligibleCreator(context.Background(), "user-1"); got != tt.want {
				t.Errorf("IsEligibleCreator() = %v, want %v", got, tt.want)
			}
		})
	}
}

// seedDownload builds a store with an owner, a buyer, a bystander, and one
// resource owned by the owner.
func seedDownload(t *testing.T, ownerStatus, buyerStatus model.MembershipStatus, purchaseStatus model.PurchaseStatus) storage.Store {
	t.Helper()
	store := storage.NewMemory()
	ctx := context.Background()

	profiles := []model.Profile{
		{ID: "p-owner", UserID: "owner", MembershipStatus: ownerStatus, CreatorEnabled: true},
		{ID: "p-buyer", UserID: "buyer", MembershipStatus: buyerStatus},
		{ID: "p-other", UserID: "other", MembershipStatus: model.MembershipActive},
	}
	for _, p := range profiles {
		if err := store.CreateProfile(ctx, p); err != nil {
			t.Fatalf("CreateProfile(%s) error = %v", p.UserID, err)
		}
	}

	if err := store.CreateResource(ctx, model.Resource{ID: "res-1", ProfileID: "p-owner", Title: "pack"}); err != nil {
		t.Fatalf("CreateResource() error = %v", err)
	}

	if purchaseStatus != "" {
		err := store.CreatePurchase(ctx, model.Purchase{
			ID: "pur-1", ProfileID: "p-buyer", ResourceID: "res-1", Status: purchaseStatus, AmountCents: 1000,
		})
		if err != nil {
			t.Fatalf("CreatePurchase() error = %v", err)
		}
	}

	return store
}

// TestCanDownloadOwner tests that an active-member owner may download their
// own resource without a purchase.
func TestCanDownloadOwner(t *testing.T) {
	store := seedDownload(t, model.MembershipActive, model.MembershipActive, "")
	e := newEvaluator(store)

	if !e.CanDownload(context.Background(), "owner", "res-1") {
		t.Error("CanDownload() = false, want true for the owner")
	}
}

// TestCanDownloadLapsedOwner tests that membership gates ownership: a
// canceled owner loses access to their own resource.
func TestCanDownloadLapsedOwner(t *testing.T) {
	store := seedDownload(t, model.MembershipCanceled, model.MembershipActive, "")
	e := newEvaluator(store)

	if e.CanDownload(context.Background(), "owner", "res-1") {
		t.Error("CanDownload() = true, want false for a lapsed owner")
	}
}

// TestCanDownloadPurchase tests purchase-based access across purchase states.
func TestCanDownloadPurchase(t *testing.T) {
	tests := []struct {
		name   string
		status model.PurchaseStatus
		want   bool
	}{
		{"succeeded purchase", model.PurchaseSucceeded, true},
		{"pending purchase", model.PurchasePending, false},
		{"refunded purchase", model.PurchaseRefunded, false},
		{"failed purchase", model.PurchaseFailed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := seedDownload(t, model.MembershipActive, model.MembershipActive, tt.status)
			e := newEvaluator(store)

			if got := e.CanDownload(context.Background(), "buyer", "res-1"); got != tt.want {
				t.Errorf("CanDownload() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestCanDownloadLapsedBuyer tests that a lapsed membership blocks download
// even with a succeeded purchase on record.
func TestCanDownloadLapsedBuyer(t *testing.T) {
	store := seedDownload(t, model.MembershipActive, model.MembershipPastDue, model.PurchaseSucceeded)
	e := newEvaluator(store)

	if e.CanDownload(context.Background(), "buyer", "res-1") {
		t.Error("CanDownload() = true, want false for a lapsed buyer")
	}
}

// TestCanDownloadNoEntitlement tests that an active member with neither
// ownership nor a purchase is denied.
func TestCanDownloadNoEntitlement(t *testing.T) {
	store := seedDownload(t, model.MembershipActive, model.MembershipActive, model.PurchaseSucceeded)
	e := newEvaluator(store)

	if e.CanDownload(context.Background(), "other", "res-1") {
		t.Error("CanDownload() = true, want false without ownership or purchase")
	}
}

// TestCanDownloadUnknownResource tests that an unknown resource is denied,
// not an error.
func TestCanDownloadUnknownResource(t *testing.T) {
	store := seedDownload(t, model.MembershipActive, model.MembershipActive, "")
	e := newEvaluator(store)

	if e.CanDownload(context.Background(), "owner", "no-such-resource") {
		t.Error("CanDownload() = true, want false for unknown resource")
	}
}

// failingReader returns an error from every storage call.
type failingReader struct{}

var errStorage = errors.New("storage down")

func (failingReader) GetProfileByUserID(ctx context.Context, userID string) (*model.Profile, error) {
	return nil, errStorage
}
func (failingReader) GetResource(ctx context.Context, resourceID string) (*model.Resource, error) {
	return nil, errStorage
}
func (failingReader) HasPurchase(ctx context.Context, profileID, resourceID string, status model.PurchaseStatus) (bool, error) {
	return false, errStorage
}

// TestFailClosed tests that every check denies when storage fails.
func TestFailClosed(t *testing.T) {
	e := newEvaluator(failingReader{})
	ctx := context.Background()

	if e.IsActiveMember(ctx, "user-1") {
		t.Error("IsActiveMember() = true, want false on storage failure")
	}
	if e.IsEligibleCreator(ctx, "user-1") {
		t.Error("IsEligibleCreator() = true, want false on storage failure")
	}
	if e.CanDownload(ctx, "user-1", "res-1") {
		t.Error("CanDownload() = true, want false on storage failure")
	}
}

// failingWriter rejects every audit insert.
type failingWriter struct{}

func (failingWriter) InsertAuditEvent(ctx context.Context, event model.AuditEvent) error {
	return errStorage
}

// TestAuditFailureDoesNotChangeDecision tests that a broken audit trail
// neither flips an allow nor un-flips a deny.
func TestAuditFailureDoesNotChangeDecision(t *testing.T) {
	store := seedDownload(t, model.MembershipActive, model.MembershipActive, model.PurchaseSucceeded)
	recorder := audit.NewRecorder(failingWriter{})

	e := NewEvaluator(store, recorder)
	e.SetClock(func() time.Time { return fixedNow })
	ctx := context.Background()

	if !e.CanDownload(ctx, "buyer", "res-1") {
		t.Error("CanDownload() = false, want true when only the audit write fails")
	}
	if e.CanDownload(ctx, "other", "res-1") {
		t.Error("CanDownload() = true, want false when only the audit write fails")
	}
}

// internal/entitlement/evaluator.go
// Package entitlement decides whether a user may view or download a resource.
// Decisions are derived from membership validity, resource ownership, and
// purchase history, read fresh from storage on every call.
package entitlement

import (
	"context"
	"errors"
	"time"

	"github.com/sellfolio/sellfolio-access-go/internal/audit"
	"github.com/sellfolio/sellfolio-access-go/internal/metrics"
	"github.com/sellfolio/sellfolio-access-go/internal/model"
	"github.com/sellfolio/sellfolio-access-go/internal/storage"
)

// Deny reasons carried in decisions and audit metadata.
const (
	ReasonNotMember     = "membership_invalid"
	ReasonNoProfile     = "profile_missing"
	ReasonOwner         = "owner"
	ReasonPurchased     = "purchase_succeeded"
	ReasonNoEntitlement = "no_entitlement"
	ReasonStorageError  = "storage_error"
)

// Reader is the subset of the storage interface entitlement checks need.
// Point lookups only.
type Reader interface {
	GetProfileByUserID(ctx context.Context, userID string) (*model.Profile, error)
	GetResource(ctx context.Context, resourceID string) (*model.Resource, error)
	HasPurchase(ctx context.Context, profileID, resourceID string, status model.PurchaseStatus) (bool, error)
}

// decision is the internal result of an entitlement check. The exported API
// only exposes the boolean; the reason feeds the audit trail and metrics, and
// err keeps the storage failure path inspectable without ever surfacing it.
type decision struct {
	allowed bool
	reason  string
	err     error
}

// Evaluator answers entitlement questions for one user at a time.
// It holds no cross-request state; every check re-reads current storage so a
// cancellation takes effect on the very next call.
type Evaluator struct {
	store    Reader
	recorder *audit.Recorder
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewEvaluator creates an evaluator over the given storage reader. The
// recorder may be nil, in which case decisions are not audited.
func NewEvaluator(store Reader, recorder *audit.Recorder) *Evaluator {
	return &Evaluator{
		store:    store,
		recorder: recorder,
		metrics:  metrics.NewMetrics(),
		now:      time.Now,
	}
}

// SetClock overrides the evaluator's time source. Intended for tests.
func (e *Evaluator) SetClock(now func() time.Time) {
	e.now = now
}

// IsActiveMember reports whether the user's membership is currently valid:
// status active and, when a period end is set, a period end strictly in the
// future. A missing profile or any storage failure yields false; this check
// never fails open.
func (e *Evaluator) IsActiveMember(ctx context.Context, userID string) bool {
	d := e.checkMembership(ctx, userID)
	e.observe("member", d)
	return d.allowed
}

// IsEligibleCreator reports whether the user may publish resources: an active
// membership plus the creator flag. A lapsed membership revokes eligibility
// immediately even if the flag is still set; membership is evaluated fresh on
// every call.
func (e *Evaluator) IsEligibleCreator(ctx context.Context, userID string) bool {
	d := e.checkMembership(ctx, userID)
	if !d.allowed {
		e.observe("creator", d)
		return false
	}

	profile, err := e.store.GetProfileByUserID(ctx, userID)
	if err != nil {
		d = decision{reason: ReasonStorageError, err: err}
		e.observe("creator", d)
		return false
	}

	d = decision{allowed: profile.CreatorEnabled, reason: ReasonNoEntitlement}
	if profile.CreatorEnabled {
		d.reason = ""
	}
	e.observe("creator", d)
	return d.allowed
}

// CanDownload decides whether the user may download the resource. The check
// order is load-bearing: membership first, so a canceled member-creator loses
// self-access too, then ownership, then purchase history. Every storage error
// maps to DENY.
func (e *Evaluator) CanDownload(ctx context.Context, userID, resourceID string) bool {
	d := e.evaluateDownload(ctx, userID, resourceID)
	e.observe("download", d)

	if e.recorder != nil {
		action := "download.deny"
		if d.allowed {
			action = "download.allow"
		}
		meta := map[string]interface{}{"reason": d.reason}
		if d.reason == "" {
			meta = nil
		}
		e.recorder.Record(ctx, userID, action, "resource", resourceID, meta)
	}

	return d.allowed
}

func (e *Evaluator) evaluateDownload(ctx context.Context, userID, resourceID string) decision {
	// 1. Membership gates everything, ownership included.
	if d := e.checkMembership(ctx, userID); !d.allowed {
		return d
	}

	// 2. Resolve the internal profile identifier.
	profile, err := e.store.GetProfileByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return decision{reason: ReasonNoProfile}
		}
		return decision{reason: ReasonStorageError, err: err}
	}

	// 3. Creators always retain access to their own content.
	resource, err := e.store.GetResource(ctx, resourceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return decision{reason: ReasonNoEntitlement}
		}
		return decision{reason: ReasonStorageError, err: err}
	}
	if resource.ProfileID == profile.ID {
		return decision{allowed: true, reason: ReasonOwner}
	}

	// 4. A succeeded purchase grants access.
	purchased, err := e.store.HasPurchase(ctx, profile.ID, resourceID, model.PurchaseSucceeded)
	if err != nil {
		return decision{reason: ReasonStorageError, err: err}
	}
	if purchased {
		return decision{allowed: true, reason: ReasonPurchased}
	}
	return decision{reason: ReasonNoEntitlement}
}

func (e *Evaluator) checkMembership(ctx context.Context, userID string) decision {
	profile, err := e.store.GetProfileByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return decision{reason: ReasonNoProfile}
		}
		return decision{reason: ReasonStorageError, err: err}
	}

	if !profile.MembershipValidAt(e.now()) {
		return decision{reason: ReasonNotMember}
	}
	return decision{allowed: true}
}

func (e *Evaluator) observe(check string, d decision) {
	outcome := "deny"
	if d.allowed {
		outcome = "allow"
	}
	e.metrics.EntitlementCheckTotal.WithLabelValues(check, outcome).Inc()
}

// internal/model/access.go
// Package model defines the data structures used throughout the access service.
// These structures represent the core domain objects for profiles, resources,
// purchases, and the audit trail.
package model

import (
	"time"
)

// MembershipStatus enumerates the membership lifecycle states mirrored from
// the billing provider by the webhook reconciliation flow.
type MembershipStatus string

const (
	MembershipActive   MembershipStatus = "active"
	MembershipInactive MembershipStatus = "inactive"
	MembershipCanceled MembershipStatus = "canceled"
	MembershipPastDue  MembershipStatus = "past_due"
	MembershipNone     MembershipStatus = "none"
)

// PurchaseStatus enumerates purchase transaction states.
// Only PurchaseSucceeded grants download rights.
type PurchaseStatus string

const (
	PurchaseSucceeded PurchaseStatus = "succeeded"
	PurchasePending   PurchaseStatus = "pending"
	PurchaseRefunded  PurchaseStatus = "refunded"
	PurchaseFailed    PurchaseStatus = "failed"
)

// Profile represents one user identity on the platform.
// The internal ID is distinct from the external user identifier issued by the
// identity provider; ownership and purchases key on the internal ID.
// This corresponds to the profiles table in storage.
type Profile struct {
	ID                  string           `json:"id" db:"id"`                                      // Internal profile identifier
	UserID              string           `json:"userId" db:"user_id"`                             // External user identifier (unique)
	MembershipStatus    MembershipStatus `json:"membershipStatus" db:"membership_status"`         // Current membership state
	MembershipPeriodEnd *time.Time       `json:"membershipPeriodEnd,omitempty" db:"membership_period_end"` // End of the paid period, if any
	CreatorEnabled      bool             `json:"creatorEnabled" db:"creator_enabled"`             // Whether the user may publish resources
	CreatedAt           time.Time        `json:"createdAt" db:"created_at"`                       // When the profile was created
}

// MembershipValidAt reports whether the membership is currently valid at the
// given instant: status must be active and the period end, when present, must
// be strictly in the future.
func (p *Profile) MembershipValidAt(now time.Time) bool {
	if p.MembershipStatus != MembershipActive {
		return false
	}
	if p.MembershipPeriodEnd == nil {
		return true
	}
	return p.MembershipPeriodEnd.After(now)
}

// Resource represents a purchasable content item. Read-only for this service;
// the listing flow owns creation and mutation of everything but the two fields
// entitlement checks need.
type Resource struct {
	ID        string    `json:"id" db:"id"`                 // Resource identifier
	ProfileID string    `json:"profileId" db:"profile_id"`  // Owning profile's internal identifier
	Title     string    `json:"title" db:"title"`           // Display title
	ObjectKey string    `json:"objectKey" db:"object_key"`  // Key of the file object in media storage
	CreatedAt time.Time `json:"createdAt" db:"created_at"`  // When the resource was created
}

// Purchase links a buyer's profile to a resource. A succeeded purchase grants
// permanent download rights independent of later membership lapses.
// This corresponds to the purchases table in storage.
type Purchase struct {
	ID         string         `json:"id" db:"id"`                  // Purchase identifier
	ProfileID  string         `json:"profileId" db:"profile_id"`   // Buyer's internal profile identifier
	ResourceID string         `json:"resourceId" db:"resource_id"` // Purchased resource
	Status     PurchaseStatus `json:"status" db:"status"`          // Transaction state
	AmountCents int64         `json:"amountCents" db:"amount_cents"` // Gross amount paid, in cents
	CreatedAt  time.Time      `json:"createdAt" db:"created_at"`   // When the purchase completed
}

// AuditEvent is one append-only record of a security or financial action.
// A failed write must never fail the action it describes.
// This corresponds to the audit_events table in storage.
type AuditEvent struct {
	ID          string                 `json:"id" db:"id"`                    // ULID, sortable by creation time
	ActorID     string                 `json:"actorId" db:"actor_id"`        // Who performed the action
	Action      string                 `json:"action" db:"action"`           // Normalized action name, e.g. download.allow
	SubjectType string                 `json:"subjectType" db:"subject_type"` // Kind of thing acted on
	SubjectID   string                 `json:"subjectId,omitempty" db:"subject_id"` // Identifier of the subject, optional
	Metadata    map[string]interface{} `json:"metadata,omitempty" db:"metadata"`    // Free-form context
	CreatedAt   time.Time              `json:"createdAt" db:"created_at"`    // When the event was recorded
}

// FeeSplit is the derived division of a gross payment. Both amounts are
// non-negative and sum exactly to the gross amount.
type FeeSplit struct {
	GrossCents    int64 `json:"grossCents"`
	PlatformCents int64 `json:"platformCents"`
	SellerCents   int64 `json:"sellerCents"`
}

// CreateProfileRequest is the request body for creating a profile at signup.
type CreateProfileRequest struct {
	UserID              string     `json:"userId"`
	MembershipStatus    string     `json:"membershipStatus,omitempty"`
	MembershipPeriodEnd *time.Time `json:"membershipPeriodEnd,omitempty"`
	CreatorEnabled      bool       `json:"creatorEnabled,omitempty"`
}

// UpdateMembershipRequest is the request body the billing webhook
// reconciliation flow posts when a membership changes state.
type UpdateMembershipRequest struct {
	UserID              string     `json:"userId"`
	MembershipStatus    string     `json:"membershipStatus"`
	MembershipPeriodEnd *time.Time `json:"membershipPeriodEnd,omitempty"`
}

// CreateResourceRequest is the request body for publishing a resource.
type CreateResourceRequest struct {
	Title     string `json:"title"`
	ObjectKey string `json:"objectKey,omitempty"`
}

// CreatePurchaseRequest is the request body the checkout reconciliation flow
// posts after a payment completes.
type CreatePurchaseRequest struct {
	UserID      string `json:"userId"`
	ResourceID  string `json:"resourceId"`
	Status      string `json:"status"`
	AmountCents int64  `json:"amountCents"`
}

// AuthorizeDownloadRequest is the request body for the download authorization
// endpoint.
type AuthorizeDownloadRequest struct {
	ResourceID string `json:"resourceId"`
}

// AuthorizeDownloadData is the success payload for a download authorization:
// the signed token the client later presents to the file endpoint.
type AuthorizeDownloadData struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// DownloadFileData is the success payload for a verified download token.
type DownloadFileData struct {
	UserID     string    `json:"userId"`
	ResourceID string    `json:"resourceId"`
	URL        string    `json:"url,omitempty"` // Presigned fetch URL when media storage is configured
	ExpiresAt  time.Time `json:"expiresAt"`
}

// SettleFeeRequest is the request body for fee settlement. Either a gross
// amount in cents or a payment id resolvable through the payment provider
// must be supplied.
type SettleFeeRequest struct {
	PaymentID   string `json:"paymentId,omitempty"`
	GrossCents  int64  `json:"grossCents,omitempty"`
	Category    string `json:"category,omitempty"` // Optional fee-policy category
	ResourceID  string `json:"resourceId,omitempty"`
}

// EntitlementData is the boolean payload of the entitlement check endpoints.
type EntitlementData struct {
	Allowed bool `json:"allowed"`
}

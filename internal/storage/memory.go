// internal/storage/memory.go
// Package storage provides implementations of the Store interface
// for both in-memory and PostgreSQL storage backends.
package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sellfolio/sellfolio-access-go/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound = errors.New("not found") // Returned when a row is not found
	ErrConflict = errors.New("conflict")  // Returned when a row already exists
)

// Store interface defines the storage operations required by the access
// service. Entitlement checks use only the point lookups; the create and
// update operations belong to the signup and webhook reconciliation surfaces.
// This interface is implemented by both in-memory and PostgreSQL backends.
type Store interface {
	// Profile operations
	CreateProfile(ctx context.Context, profile model.Profile) error
	GetProfileByUserID(ctx context.Context, userID string) (*model.Profile, error)
	UpdateProfileMembership(ctx context.Context, userID string, status model.MembershipStatus, periodEnd *time.Time) error

	// Resource operations
	CreateResource(ctx context.Context, resource model.Resource) error
	GetResource(ctx context.Context, resourceID string) (*model.Resource, error)

	// Purchase operations
	CreatePurchase(ctx context.Context, purchase model.Purchase) error
	HasPurchase(ctx context.Context, profileID, resourceID string, status model.PurchaseStatus) (bool, error)

	// Audit trail, append-only
	InsertAuditEvent(ctx context.Context, event model.AuditEvent) error
}

// memory implements the Store interface using in-memory maps.
// It's intended for development and testing purposes.
type memory struct {
	mu               sync.RWMutex
	profilesByUserID map[string]*model.Profile  // user id -> profile
	resources        map[string]*model.Resource // resource id -> resource
	purchases        []*model.Purchase
	auditEvents      []*model.AuditEvent
}

// NewMemory creates a new in-memory storage implementation.
// Returns a Store interface that can be used for testing or development.
func NewMemory() Store {
	return &memory{
		profilesByUserID: make(map[string]*model.Profile),
		resources:        make(map[string]*model.Resource),
	}
}

func (m *memory) CreateProfile(ctx context.Context, profile model.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.profilesByUserID[profile.UserID]; exists {
		return ErrConflict
	}

	p := profile
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	m.profilesByUserID[p.UserID] = &p
	return nil
}

func (m *memory) GetProfileByUserID(ctx context.Context, userID string) (*model.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	profile, exists := m.profilesByUserID[userID]
	if !exists {
		return nil, ErrNotFound
	}
	p := *profile
	return &p, nil
}

func (m *memory) UpdateProfileMembership(ctx context.Context, userID string, status model.MembershipStatus, periodEnd *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	profile, exists := m.profilesByUserID[userID]
	if !exists {
		return ErrNotFound
	}
	profile.MembershipStatus = status
	profile.MembershipPeriodEnd = periodEnd
	return nil
}

func (m *memory) CreateResource(ctx context.Context, resource model.Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.resources[resource.ID]; exists {
		return ErrConflict
	}

	r := resource
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	m.resources[r.ID] = &r
	return nil
}

func (m *memory) GetResource(ctx context.Context, resourceID string) (*model.Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	resource, exists := m.resources[resourceID]
	if !exists {
		return nil, ErrNotFound
	}
	r := *resource
	return &r, nil
}

func (m *memory) CreatePurchase(ctx context.Context, purchase model.Purchase) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := purchase
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	m.purchases = append(m.purchases, &p)
	return nil
}

func (m *memory) HasPurchase(ctx context.Context, profileID, resourceID string, status model.PurchaseStatus) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.purchases {
		if p.ProfileID == profileID && p.ResourceID == resourceID && p.Status == status {
			return true, nil
		}
	}
	return false, nil
}

func (m *memory) InsertAuditEvent(ctx context.Context, event model.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := event
	m.auditEvents = append(m.auditEvents, &e)
	return nil
}

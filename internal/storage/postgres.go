// internal/storage/postgres.go
// Package storage provides the PostgreSQL implementation of the Store
// interface. This implementation is intended for production use.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sellfolio/sellfolio-access-go/internal/model"
)

// postgres provides persistent storage for profiles, resources, purchases,
// and audit events.
type postgres struct {
	db *pgxpool.Pool
}

// NewPostgres creates a new PostgreSQL storage implementation.
// It establishes a connection pool to the database and initializes the schema.
func NewPostgres(dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// initSchema creates all required tables and indexes if they don't already
// exist. Called automatically when creating a new PostgreSQL store.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		-- Profiles table: one row per user identity
		CREATE TABLE IF NOT EXISTS profiles (
		    id TEXT PRIMARY KEY,                     -- Internal profile identifier
		    user_id TEXT NOT NULL UNIQUE,            -- External user identifier
		    membership_status TEXT NOT NULL,         -- active|inactive|canceled|past_due|none
		    membership_period_end TIMESTAMP WITH TIME ZONE,  -- End of the paid period, nullable
		    creator_enabled BOOLEAN NOT NULL DEFAULT FALSE,  -- Creator flag
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		-- Resources table: purchasable content items
		CREATE TABLE IF NOT EXISTS resources (
		    id TEXT PRIMARY KEY,
		    profile_id TEXT NOT NULL REFERENCES profiles(id),  -- Owning profile
		    title TEXT NOT NULL,
		    object_key TEXT NOT NULL DEFAULT '',     -- Media storage object key
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_resources_profile_id ON resources(profile_id);

		-- Purchases table: completed transactions, written by the webhook flow
		CREATE TABLE IF NOT EXISTS purchases (
		    id TEXT PRIMARY KEY,
		    profile_id TEXT NOT NULL REFERENCES profiles(id),  -- Buyer
		    resource_id TEXT NOT NULL REFERENCES resources(id),
		    status TEXT NOT NULL,                    -- succeeded|pending|refunded|failed
		    amount_cents BIGINT NOT NULL DEFAULT 0,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_purchases_profile_resource_status
		    ON purchases(profile_id, resource_id, status);

		-- Audit events table (append-only)
		CREATE TABLE IF NOT EXISTS audit_events (
		    id TEXT PRIMARY KEY,                     -- ULID, sortable by creation time
		    actor_id TEXT NOT NULL,
		    action TEXT NOT NULL,
		    subject_type TEXT NOT NULL,
		    subject_id TEXT,                         -- Optional subject identifier
		    metadata JSONB,                          -- Optional free-form context
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_audit_events_actor_id ON audit_events(actor_id);
		CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action);
		CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at);
	`

	_, err := db.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

// CreateProfile creates a new profile row
func (p *postgres) CreateProfile(ctx context.Context, profile model.Profile) error {
	query := `INSERT INTO profiles (id, user_id, membership_status, membership_period_end, creator_enabled, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6)`

	createdAt := profile.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := p.db.Exec(ctx, query,
		profile.ID,
		profile.UserID,
		profile.MembershipStatus,
		profile.MembershipPeriodEnd,
		profile.CreatorEnabled,
		createdAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("failed to create profile: %w", err)
	}
	return nil
}

// GetProfileByUserID retrieves a profile by the external user identifier
func (p *postgres) GetProfileByUserID(ctx context.Context, userID string) (*model.Profile, error) {
	query := `SELECT id, user_id, membership_status, membership_period_end, creator_enabled, created_at
	          FROM profiles WHERE user_id = $1`
	var profile model.Profile

	err := p.db.QueryRow(ctx, query, userID).Scan(
		&profile.ID,
		&profile.UserID,
		&profile.MembershipStatus,
		&profile.MembershipPeriodEnd,
		&profile.CreatorEnabled,
		&profile.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	return &profile, nil
}

// UpdateProfileMembership updates the membership fields of a profile.
// Used by the webhook reconciliation flow after a billing event.
func (p *postgres) UpdateProfileMembership(ctx context.Context, userID string, status model.MembershipStatus, periodEnd *time.Time) error {
	query := `UPDATE profiles SET membership_status = $1, membership_period_end = $2 WHERE user_id = $3`

	result, err := p.db.Exec(ctx, query, status, periodEnd, userID)
	if err != nil {
		return fmt.Errorf("failed to update profile membership: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateResource creates a new resource row
func (p *postgres) CreateResource(ctx context.Context, resource model.Resource) error {
	query := `INSERT INTO resources (id, profile_id, title, object_key, created_at)
	          VALUES ($1, $2, $3, $4, $5)`

	createdAt := resource.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := p.db.Exec(ctx, query,
		resource.ID,
		resource.ProfileID,
		resource.Title,
		resource.ObjectKey,
		createdAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("failed to create resource: %w", err)
	}
	return nil
}

// GetResource retrieves a resource by its identifier
func (p *postgres) GetResource(ctx context.Context, resourceID string) (*model.Resource, error) {
	query := `SELECT id, profile_id, title, object_key, created_at FROM resources WHERE id = $1`
	var resource model.Resource

	err := p.db.QueryRow(ctx, query, resourceID).Scan(
		&resource.ID,
		&resource.ProfileID,
		&resource.Title,
		&resource.ObjectKey,
		&resource.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}

	return &resource, nil
}

// CreatePurchase creates a new purchase row
func (p *postgres) CreatePurchase(ctx context.Context, purchase model.Purchase) error {
	query := `INSERT INTO purchases (id, profile_id, resource_id, status, amount_cents, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6)`

	createdAt := purchase.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := p.db.Exec(ctx, query,
		purchase.ID,
		purchase.ProfileID,
		purchase.ResourceID,
		purchase.Status,
		purchase.AmountCents,
		createdAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("failed to create purchase: %w", err)
	}
	return nil
}

// HasPurchase reports whether at least one purchase row matches the exact
// (buyer profile id, resource id, status) key. A point lookup; no scans.
func (p *postgres) HasPurchase(ctx context.Context, profileID, resourceID string, status model.PurchaseStatus) (bool, error) {
	query := `SELECT EXISTS (
	              SELECT 1 FROM purchases
	              WHERE profile_id = $1 AND resource_id = $2 AND status = $3
	          )`

	var exists bool
	if err := p.db.QueryRow(ctx, query, profileID, resourceID, status).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check purchase: %w", err)
	}
	return exists, nil
}

// InsertAuditEvent appends one audit event row. Optional fields may be empty;
// they are stored as NULLs.
func (p *postgres) InsertAuditEvent(ctx context.Context, event model.AuditEvent) error {
	var metadataJSON []byte
	if event.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal audit metadata: %w", err)
		}
	}

	var subjectID *string
	if event.SubjectID != "" {
		subjectID = &event.SubjectID
	}

	query := `INSERT INTO audit_events (id, actor_id, action, subject_type, subject_id, metadata, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := p.db.Exec(ctx, query,
		event.ID,
		event.ActorID,
		event.Action,
		event.SubjectType,
		subjectID,
		metadataJSON,
		event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

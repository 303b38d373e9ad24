// internal/event/nats.go
// Package event provides NATS JetStream implementation for event publishing.
// It streams access grants and fee settlements for downstream consumers such
// as reporting and payout jobs.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sellfolio/sellfolio-access-go/internal/model"
)

// Publisher interface defines the event publishing operations required by the
// access service.
type Publisher interface {
	// Access events
	PublishDownloadGranted(ctx context.Context, userID, resourceID string, expiresAt time.Time) error

	// Settlement events
	PublishFeeSettled(ctx context.Context, paymentID string, split model.FeeSplit) error

	// Close closes the publisher connection
	Close() error
}

// noop is a no-op implementation of Publisher for when NATS is not configured.
// It allows the service to function without event streaming.
type noop struct{}

// Close implements Publisher
func (n *noop) Close() error { return nil }

// PublishDownloadGranted implements Publisher
func (n *noop) PublishDownloadGranted(ctx context.Context, userID, resourceID string, expiresAt time.Time) error {
	return nil
}

// PublishFeeSettled implements Publisher
func (n *noop) PublishFeeSettled(ctx context.Context, paymentID string, split model.FeeSplit) error {
	return nil
}

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc *nats.Conn
	js nats.JetStreamContext

	// Deduplication fields
	accessDedup map[string]time.Time // user:resource -> last publish time
	feeDedup    map[string]time.Time // payment id -> last publish time
	mutex       sync.RWMutex
}

// NewPublisherFromEnv creates a new publisher based on environment
// configuration. It reads ACCESS_NATS_URL; if NATS is not configured or the
// connection fails it returns a no-op publisher.
func NewPublisherFromEnv() Publisher {
	url := os.Getenv("ACCESS_NATS_URL")
	if url == "" {
		return &noop{}
	}

	nc, err := nats.Connect(url)
	if err != nil {
		slog.Warn("NATS connect failed, using noop publisher", "error", err)
		return &noop{}
	}

	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	if err := initStreams(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	return &natsPub{
		nc:          nc,
		js:          js,
		accessDedup: make(map[string]time.Time),
		feeDedup:    make(map[string]time.Time),
	}
}

// initStreams initializes the required NATS streams: SF_ACCESS for download
// grants and SF_FEES for settlement events.
func initStreams(js nats.JetStreamContext) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      "SF_ACCESS",
		Subjects:  []string{"access.downloads.*"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create SF_ACCESS stream: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:      "SF_FEES",
		Subjects:  []string{"access.fees.*"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create SF_FEES stream: %w", err)
	}

	return nil
}

// EventEnvelope represents the standard event envelope structure.
// All events published to NATS are wrapped in this envelope for consistency.
type EventEnvelope struct {
	Type          string      `json:"type"`
	Version       string      `json:"version"`
	OccurredAt    time.Time   `json:"occurredAt"`
	CorrelationID string      `json:"correlationId"`
	Payload       interface{} `json:"payload"`
}

// Close closes the NATS connection.
func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

// shouldDedup checks if an event should be deduplicated based on the
// 2-minute window.
func (p *natsPub) shouldDedup(key string, dedupMap map[string]time.Time) bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if lastTime, exists := dedupMap[key]; exists {
		return time.Since(lastTime) < 2*time.Minute
	}
	return false
}

// updateDedup updates the deduplication map with the current time for a given
// key. Old entries are pruned to keep the maps bounded.
func (p *natsPub) updateDedup(key string, dedupMap map[string]time.Time) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	cutoff := time.Now().Add(-5 * time.Minute)
	for k, t := range dedupMap {
		if t.Before(cutoff) {
			delete(dedupMap, k)
		}
	}

	dedupMap[key] = time.Now()
}

// PublishDownloadGranted publishes a download granted event to the SF_ACCESS
// stream after a token is issued.
func (p *natsPub) PublishDownloadGranted(ctx context.Context, userID, resourceID string, expiresAt time.Time) error {
	key := userID + ":" + resourceID
	if p.shouldDedup(key, p.accessDedup) {
		return nil
	}

	subject := "access.downloads.granted"
	envelope := EventEnvelope{
		Type:          "access.downloads.granted",
		Version:       "1.0.0",
		OccurredAt:    time.Now().UTC(),
		CorrelationID: uuid.New().String(),
		Payload: map[string]interface{}{
			"userId":     userID,
			"resourceId": resourceID,
			"expiresAt":  expiresAt,
		},
	}

	b, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	if _, err := p.js.Publish(subject, b); err != nil {
		return err
	}

	p.updateDedup(key, p.accessDedup)
	return nil
}

// PublishFeeSettled publishes a fee settlement event to the SF_FEES stream.
func (p *natsPub) PublishFeeSettled(ctx context.Context, paymentID string, split model.FeeSplit) error {
	if paymentID != "" && p.shouldDedup(paymentID, p.feeDedup) {
		return nil
	}

	subject := "access.fees.settled"
	envelope := EventEnvelope{
		Type:          "access.fees.settled",
		Version:       "1.0.0",
		OccurredAt:    time.Now().UTC(),
		CorrelationID: uuid.New().String(),
		Payload: map[string]interface{}{
			"paymentId": paymentID,
			"split":     split,
		},
	}

	b, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	if _, err := p.js.Publish(subject, b); err != nil {
		return err
	}

	if paymentID != "" {
		p.updateDedup(paymentID, p.feeDedup)
	}
	return nil
}

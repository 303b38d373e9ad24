// internal/audit/recorder.go
// Package audit appends security and financial actions to the audit trail.
// Recording is best-effort: a failed write is logged and counted but never
// surfaces to the operation that triggered it.
package audit

import (
	"context"
	"crypto/rand"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sellfolio/sellfolio-access-go/internal/metrics"
	"github.com/sellfolio/sellfolio-access-go/internal/model"
)

// Writer is the storage surface the recorder needs: a single-row insert that
// tolerates absent optional fields.
type Writer interface {
	InsertAuditEvent(ctx context.Context, event model.AuditEvent) error
}

// Recorder appends AuditEvent rows keyed by actor, action, and subject.
type Recorder struct {
	store   Writer
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewRecorder creates a recorder over the given storage writer.
func NewRecorder(store Writer) *Recorder {
	return &Recorder{
		store:   store,
		metrics: metrics.NewMetrics(),
		now:     time.Now,
	}
}

// SetClock overrides the recorder's time source. Intended for tests.
func (r *Recorder) SetClock(now func() time.Time) {
	r.now = now
}

// Record appends one audit event. Event IDs are ULIDs so the append-only
// table stays sorted by creation time. Storage failures are swallowed here:
// they are logged and counted, and the caller's operation proceeds untouched.
func (r *Recorder) Record(ctx context.Context, actorID, action, subjectType, subjectID string, metadata map[string]interface{}) {
	now := r.now().UTC()
	event := model.AuditEvent{
		ID:          ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		ActorID:     actorID,
		Action:      action,
		SubjectType: subjectType,
		SubjectID:   subjectID,
		Metadata:    metadata,
		CreatedAt:   now,
	}

	if err := r.store.InsertAuditEvent(ctx, event); err != nil {
		slog.Warn("audit write failed",
			"action", action,
			"actor", actorID,
			"subject_type", subjectType,
			"error", err)
		r.metrics.AuditWriteTotal.WithLabelValues("error").Inc()
		return
	}
	r.metrics.AuditWriteTotal.WithLabelValues("ok").Inc()
}

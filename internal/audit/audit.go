// Package audit records connection and event outcomes without blocking the
// request that produced them.
package audit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"calconnect-go/internal/apperr"
	"calconnect-go/internal/metrics"
	"calconnect-go/internal/storage"
	"calconnect-go/internal/worker"
)

// Actions written to the audit trail.
const (
	ActionConnect     = "connect"
	ActionDisconnect  = "disconnect"
	ActionRefresh     = "refresh"
	ActionCreateEvent = "create_event"
	ActionDeleteEvent = "delete_event"
)

// Outcomes written to the audit trail.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Sink accepts audit entries. Record must never block or fail the caller.
type Sink interface {
	Record(entry storage.AuditEntry)
}

// Discard drops every entry.
var Discard Sink = discard{}

type discard struct{}

func (discard) Record(storage.AuditEntry) {}

// Recorder writes entries asynchronously through a worker pool.
type Recorder struct {
	store   storage.AuditStore
	pool    *worker.WorkerPool
	logger  logrus.FieldLogger
	timeout time.Duration
}

// NewRecorder creates a Recorder. The pool must be started by the caller.
func NewRecorder(store storage.AuditStore, pool *worker.WorkerPool, logger logrus.FieldLogger) *Recorder {
	return &Recorder{store: store, pool: pool, logger: logger, timeout: 5 * time.Second}
}

// Record queues the entry. A full queue drops it.
func (r *Recorder) Record(entry storage.AuditEntry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if !r.pool.Submit(&writeTask{recorder: r, entry: entry}) {
		metrics.AuditDropped.Inc()
		r.logger.WithFields(logrus.Fields{
			"action":   entry.Action,
			"provider": entry.Provider,
		}).Warn("Audit queue full, dropping entry")
	}
}

type writeTask struct {
	recorder *Recorder
	entry    storage.AuditEntry
	attempts int
}

func (t *writeTask) Process(ctx context.Context) error {
	t.attempts++
	ctx, cancel := context.WithTimeout(ctx, t.recorder.timeout)
	defer cancel()

	entry := t.entry
	if err := t.recorder.store.RecordAudit(ctx, &entry); err != nil {
		t.recorder.logger.WithError(err).WithFields(logrus.Fields{
			"action":  entry.Action,
			"attempt": t.attempts,
		}).Warn("Failed to write audit entry")
		return err
	}
	return nil
}

// Entry builds an audit entry with the outcome derived from err.
func Entry(userID, provider, action string, err error) storage.AuditEntry {
	e := storage.AuditEntry{
		UserID:   userID,
		Provider: provider,
		Action:   action,
		Outcome:  OutcomeSuccess,
	}
	if err != nil {
		e.Outcome = OutcomeFailure
		// only the kind is kept; messages can carry identifiers
		e.Detail = string(apperr.KindOf(err))
	}
	return e
}

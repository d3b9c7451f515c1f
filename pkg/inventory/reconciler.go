package inventory

import (
	"context"
	"errors"

	"github.com/nmasdoufi/cmdbscan/pkg/logging"
)

// Store persists device records with merge-on-upsert semantics.
type Store interface {
	UpsertDeviceRecord(ctx context.Context, hostname string, cols map[string]any) (DeviceRecord, error)
}

// Mirror receives every record after it has been stored, e.g. an external CMDB.
type Mirror interface {
	MirrorDevice(ctx context.Context, rec DeviceRecord) error
}

// UpsertFailure records a hostname whose write failed.
type UpsertFailure struct {
	Hostname string
	Err      error
}

// ReconcileReport summarizes one Reconcile call.
type ReconcileReport struct {
	Upserted int
	Failed   []UpsertFailure
}

var errEmptyHostname = errors.New("fact has no hostname")

// Reconciler folds device facts into the store.
type Reconciler struct {
	store   Store
	mirrors []Mirror
	log     *logging.Logger
}

// NewReconciler creates a reconciler writing to store.
func NewReconciler(store Store, log *logging.Logger, mirrors ...Mirror) *Reconciler {
	if log == nil {
		log = logging.Discard()
	}
	return &Reconciler{store: store, mirrors: mirrors, log: log}
}

// Reconcile upserts facts in order. A failed write is reported and the batch
// continues; duplicates within the batch resolve last-write-wins.
func (r *Reconciler) Reconcile(ctx context.Context, facts []DeviceFact) ReconcileReport {
	report := ReconcileReport{}
	for _, raw := range facts {
		fact := NormalizeFact(raw)
		if fact.Hostname == "" {
			report.Failed = append(report.Failed, UpsertFailure{Err: errEmptyHostname})
			r.log.Error("reconcile write failed", "kind", "reconcile_write_failure", "error", errEmptyHostname)
			continue
		}
		rec, err := r.store.UpsertDeviceRecord(ctx, fact.Hostname, fact.Columns())
		if err != nil {
			report.Failed = append(report.Failed, UpsertFailure{Hostname: fact.Hostname, Err: err})
			r.log.Error("reconcile write failed", "kind", "reconcile_write_failure", "host", fact.Hostname, "error", err)
			continue
		}
		report.Upserted++
		for _, m := range r.mirrors {
			if err := m.MirrorDevice(ctx, rec); err != nil {
				r.log.Warn("mirror device failed", "host", fact.Hostname, "error", err)
			}
		}
	}
	return report
}

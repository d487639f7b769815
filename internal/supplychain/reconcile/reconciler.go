// Package reconcile fills in anchor references that the initial best-effort
// anchoring left empty.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jcmexdev/agri-traceability/internal/anchor"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/domain"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/storage"
)

const DefaultBatchSize = 100

// Store is the persistence the reconciler needs.
type Store interface {
	storage.StageStore
	storage.FinalizationStore
	storage.CertificateStore
}

// Report summarises one pass.
type Report struct {
	Finalizations int
	Certificates  int
	Anchored      int
	Failed        int
}

// Reconciler re-anchors unanchored records. Records that failed on an
// earlier pass are tried after fresh ones, and records whose ledger slot holds
// another hash are not tried again, so neither can hold the head of the page.
type Reconciler struct {
	store     Store
	anchorer  anchor.Anchorer
	batchSize int

	mu        sync.Mutex
	failed    map[string]struct{}
	conflicts map[string]struct{}
}

// New builds a Reconciler. batchSize <= 0 uses DefaultBatchSize.
func New(store Store, anchorer anchor.Anchorer, batchSize int) *Reconciler {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Reconciler{
		store:     store,
		anchorer:  anchorer,
		batchSize: batchSize,
		failed:    make(map[string]struct{}),
		conflicts: make(map[string]struct{}),
	}
}

type outcome int

const (
	outcomeAnchored outcome = iota
	outcomeFailed
	outcomeConflict
)

const (
	finalizationKey = "finalization:"
	certificateKey  = "certificate:"
)

type job struct {
	key string
	run func() outcome
}

// RunOnce makes one pass over unanchored finalizations and certificates.
// Individual anchor failures are counted, not returned; the error is set only
// when the pending records could not be listed or ctx ended.
func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	var rep Report
	limit := r.batchSize + r.parked()

	finals, err := r.store.ListUnanchoredFinalizations(ctx, limit)
	if err != nil {
		return rep, err
	}
	jobs := make([]job, 0, len(finals))
	for _, rec := range finals {
		jobs = append(jobs, job{key: finalizationKey + rec.BatchID, run: func() outcome {
			stages, err := r.store.ListStages(ctx, rec.BatchID)
			if err != nil {
				slog.WarnContext(ctx, "reconcile skipped finalization, stages unavailable",
					"batch_id", rec.BatchID, "error", err)
				return outcomeFailed
			}
			req := anchor.Request{
				EventType:   anchor.EventTypeFinalization,
				BatchID:     rec.BatchID,
				Location:    anchor.LocationFrom(domain.LatestCoordinates(stages)),
				ContentHash: rec.ContentHash,
			}
			return r.settle(ctx, req, func(res *anchor.Result) error {
				return r.store.SetFinalizationAnchor(ctx, rec.BatchID, res.TxID, res.EventID)
			})
		}})
	}
	if err := r.runJobs(ctx, &rep, &rep.Finalizations, finalizationKey, jobs, len(finals) < limit); err != nil {
		return rep, err
	}

	certs, err := r.store.ListUnanchoredCertificates(ctx, limit)
	if err != nil {
		return rep, err
	}
	jobs = make([]job, 0, len(certs))
	for _, c := range certs {
		jobs = append(jobs, job{key: certificateKey + c.ID, run: func() outcome {
			stages, err := r.store.ListStages(ctx, c.BatchID)
			if err != nil {
				slog.WarnContext(ctx, "reconcile skipped certificate, stages unavailable",
					"certificate_id", c.ID, "batch_id", c.BatchID, "error", err)
				return outcomeFailed
			}
			req := anchor.Request{
				EventType:   anchor.CertificateEventType(string(c.Grade)),
				BatchID:     c.BatchID,
				Location:    anchor.LocationFrom(domain.CoordinatesOf(stages, domain.StageHarvest)),
				ContentHash: c.ContentHash,
			}
			return r.settle(ctx, req, func(res *anchor.Result) error {
				return r.store.SetCertificateAnchor(ctx, c.ID, res.TxID, res.EventID)
			})
		}})
	}
	if err := r.runJobs(ctx, &rep, &rep.Certificates, certificateKey, jobs, len(certs) < limit); err != nil {
		return rep, err
	}

	slog.InfoContext(ctx, "reconcile pass finished",
		"finalizations", rep.Finalizations, "certificates", rep.Certificates,
		"anchored", rep.Anchored, "failed", rep.Failed)
	return rep, nil
}

// runJobs runs up to batchSize jobs, fresh ones first. complete reports that
// the listing held every pending record of its kind, so parked keys missing
// from it belong to records anchored elsewhere.
func (r *Reconciler) runJobs(ctx context.Context, rep *Report, seen *int, prefix string, jobs []job, complete bool) error {
	r.mu.Lock()
	var fresh, retry []job
	listed := make(map[string]struct{}, len(jobs))
	for _, j := range jobs {
		listed[j.key] = struct{}{}
		if _, ok := r.conflicts[j.key]; ok {
			continue
		}
		if _, ok := r.failed[j.key]; ok {
			retry = append(retry, j)
			continue
		}
		fresh = append(fresh, j)
	}
	if complete {
		for _, set := range []map[string]struct{}{r.failed, r.conflicts} {
			for k := range set {
				if _, ok := listed[k]; !ok && strings.HasPrefix(k, prefix) {
					delete(set, k)
				}
			}
		}
	}
	r.mu.Unlock()

	queue := append(fresh, retry...)
	if len(queue) > r.batchSize {
		queue = queue[:r.batchSize]
	}
	for _, j := range queue {
		if err := ctx.Err(); err != nil {
			return err
		}
		*seen++
		out := j.run()
		r.mu.Lock()
		switch out {
		case outcomeAnchored:
			rep.Anchored++
			delete(r.failed, j.key)
		case outcomeConflict:
			rep.Failed++
			delete(r.failed, j.key)
			r.conflicts[j.key] = struct{}{}
		default:
			rep.Failed++
			r.failed[j.key] = struct{}{}
		}
		r.mu.Unlock()
	}
	return nil
}

func (r *Reconciler) parked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.failed) + len(r.conflicts)
}

// Run repeats RunOnce every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.ErrorContext(ctx, "reconcile pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (r *Reconciler) settle(ctx context.Context, req anchor.Request, record func(*anchor.Result) error) outcome {
	res, err := r.anchorer.Anchor(ctx, req)
	if err != nil {
		slog.WarnContext(ctx, "reconcile anchor failed",
			"event_type", req.EventType, "batch_id", req.BatchID, "error", err)
		return outcomeFailed
	}
	if res.HashConflict {
		slog.WarnContext(ctx, "ledger slot holds another hash, record left unanchored",
			"event_type", req.EventType, "batch_id", req.BatchID)
		return outcomeConflict
	}
	// An already-anchored submission whose event could not be found has no
	// reference to record yet.
	if res.TxID == "" {
		slog.WarnContext(ctx, "anchor has no transaction reference",
			"event_type", req.EventType, "batch_id", req.BatchID)
		return outcomeFailed
	}
	if err := record(res); err != nil {
		slog.ErrorContext(ctx, "failed to record anchor reference",
			"event_type", req.EventType, "batch_id", req.BatchID, "tx_id", res.TxID, "error", err)
		return outcomeFailed
	}
	return outcomeAnchored
}

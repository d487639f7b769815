// Package oracle answers public verification queries. Stored hashes decide
// every pass/fail result; ledger history is attached as supporting evidence
// and its absence never fails a query.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jcmexdev/agri-traceability/internal/anchor"
	"github.com/jcmexdev/agri-traceability/internal/pkg/apperr"
	"github.com/jcmexdev/agri-traceability/internal/pkg/cache"
	"github.com/jcmexdev/agri-traceability/internal/pkg/canonical"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/domain"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/storage"
)

const (
	DefaultReadTimeout = 5 * time.Second
	DefaultCacheTTL    = 24 * time.Hour
)

// Source tells where a history answer came from.
type Source string

const (
	SourceLedger Source = "ledger"
	SourceCache  Source = "cache"
	SourceNone   Source = "none"
)

// History is the advisory ledger trail of a batch.
type History struct {
	BatchID string
	Events  []anchor.Event
	Source  Source
}

// BatchVerification is the result of re-hashing a finalization payload.
type BatchVerification struct {
	BatchID       string
	IsValid       bool
	HashMatches   bool
	ComputedHash  string
	StoredHash    string
	AnchorTxID    string
	AnchorSeen    bool
	HistorySource Source
	FinalizedAt   time.Time
	Reason        string
}

// CertificateVerifier verifies certificates by id.
type CertificateVerifier interface {
	Verify(ctx context.Context, certificateID string) (domain.CertificateVerification, error)
}

// Option configures an Oracle.
type Option func(*Oracle)

// WithCache keeps the last good history per batch in c.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(o *Oracle) {
		o.cache = c
		o.cacheTTL = ttl
	}
}

// WithReadTimeout bounds each ledger read.
func WithReadTimeout(d time.Duration) Option {
	return func(o *Oracle) { o.readTimeout = d }
}

// Oracle implements the verification queries.
type Oracle struct {
	store        storage.FinalizationStore
	anchorer     anchor.Anchorer
	certificates CertificateVerifier
	cache        cache.Cache
	cacheTTL     time.Duration
	readTimeout  time.Duration
}

// New builds an Oracle. anchorer may be nil.
func New(store storage.FinalizationStore, anchorer anchor.Anchorer, certificates CertificateVerifier, opts ...Option) *Oracle {
	o := &Oracle{
		store:        store,
		anchorer:     anchorer,
		certificates: certificates,
		cacheTTL:     DefaultCacheTTL,
		readTimeout:  DefaultReadTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// GetBatchHistory reads the ledger's events for batchID. When the ledger
// cannot be read it falls back to the cached copy, then to an empty list.
func (o *Oracle) GetBatchHistory(ctx context.Context, batchID string) History {
	h := History{BatchID: batchID, Events: []anchor.Event{}, Source: SourceNone}
	if o.anchorer == nil {
		return o.fromCache(ctx, h)
	}

	rctx, cancel := context.WithTimeout(ctx, o.readTimeout)
	defer cancel()
	events, err := o.anchorer.History(rctx, batchID)
	if err != nil {
		slog.WarnContext(ctx, "ledger history unavailable", "batch_id", batchID, "error", err)
		return o.fromCache(ctx, h)
	}

	if events != nil {
		h.Events = events
	}
	h.Source = SourceLedger
	o.remember(ctx, batchID, h.Events)
	return h
}

// VerifyBatch recomputes the finalization hash and reports whether the
// ledger carries the same hash.
func (o *Oracle) VerifyBatch(ctx context.Context, batchID string) (BatchVerification, error) {
	rec, err := o.store.GetFinalization(ctx, batchID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return BatchVerification{}, apperr.NotFound(apperr.CodeFinalizationNotFound, "batch is not finalized").
				WithMetadata("batch_id", batchID)
		}
		return BatchVerification{}, apperr.Wrap("get finalization", err)
	}

	v := BatchVerification{
		BatchID:     batchID,
		StoredHash:  rec.ContentHash,
		AnchorTxID:  rec.AnchorTxID,
		FinalizedAt: rec.FinalizedAt,
	}
	if len(rec.Payload) == 0 {
		v.Reason = "payload missing"
	} else {
		v.ComputedHash = canonical.Hash(rec.Payload)
		v.HashMatches = v.ComputedHash == rec.ContentHash
		if !v.HashMatches {
			v.Reason = "content hash mismatch"
		}
	}
	v.IsValid = v.HashMatches

	h := o.GetBatchHistory(ctx, batchID)
	v.HistorySource = h.Source
	for _, ev := range h.Events {
		if ev.EventType == anchor.EventTypeFinalization && ev.ContentHash == rec.ContentHash {
			v.AnchorSeen = true
			break
		}
	}
	return v, nil
}

// VerifyCertificate delegates to the certificate issuer.
func (o *Oracle) VerifyCertificate(ctx context.Context, certificateID string) (domain.CertificateVerification, error) {
	return o.certificates.Verify(ctx, certificateID)
}

func (o *Oracle) fromCache(ctx context.Context, h History) History {
	if o.cache == nil {
		return h
	}
	b, err := o.cache.Get(ctx, o.cache.GenerateKey("history", h.BatchID))
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			slog.WarnContext(ctx, "history cache read failed", "batch_id", h.BatchID, "error", err)
		}
		return h
	}
	var events []anchor.Event
	if err := json.Unmarshal(b, &events); err != nil {
		slog.WarnContext(ctx, "history cache entry unreadable", "batch_id", h.BatchID, "error", err)
		return h
	}
	if events != nil {
		h.Events = events
	}
	h.Source = SourceCache
	return h
}

func (o *Oracle) remember(ctx context.Context, batchID string, events []anchor.Event) {
	if o.cache == nil {
		return
	}
	b, err := json.Marshal(events)
	if err != nil {
		return
	}
	if err := o.cache.Set(ctx, o.cache.GenerateKey("history", batchID), b, o.cacheTTL); err != nil {
		slog.WarnContext(ctx, "history cache write failed", "batch_id", batchID, "error", err)
	}
}

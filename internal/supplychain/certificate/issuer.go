// Package certificate issues and verifies grade certificates.
//
// A certificate freezes the batch attributes and the approved stages a grade
// requires into a canonical payload snapshot. The snapshot's hash is stored
// with the certificate and anchored best-effort; Verify recomputes it.
package certificate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jcmexdev/agri-traceability/internal/anchor"
	"github.com/jcmexdev/agri-traceability/internal/pkg/apperr"
	"github.com/jcmexdev/agri-traceability/internal/pkg/canonical"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/domain"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/storage"
)

const (
	SchemaVersion        = 1
	DefaultAnchorTimeout = 30 * time.Second
	// MaxValidityDays caps validityDays so validTo stays representable.
	MaxValidityDays = 3650
)

// Store is the persistence the issuer needs.
type Store interface {
	storage.BatchStore
	storage.StageStore
	storage.CertificateStore
	storage.EvidenceStore
}

// IssueRequest carries the caller-supplied certificate attributes.
type IssueRequest struct {
	BatchID        string
	Grade          domain.Grade
	CertifyingBody string
	ValidityDays   int
	IssuedBy       string
}

// Result is returned by Issue.
type Result struct {
	Certificate domain.Certificate
	// AnchorError is set when anchoring failed; the certificate is still valid.
	AnchorError error
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// WithIDGenerator overrides the uuid generator for certificate ids.
func WithIDGenerator(fn func() string) Option {
	return func(i *Issuer) { i.newID = fn }
}

// WithAnchorTimeout bounds each anchoring call.
func WithAnchorTimeout(d time.Duration) Option {
	return func(i *Issuer) { i.anchorTimeout = d }
}

// Issuer implements the certificate operations.
type Issuer struct {
	store         Store
	anchorer      anchor.Anchorer
	now           func() time.Time
	newID         func() string
	anchorTimeout time.Duration
}

// New builds an Issuer. anchorer may be nil.
func New(store Store, anchorer anchor.Anchorer, opts ...Option) *Issuer {
	i := &Issuer{
		store:         store,
		anchorer:      anchorer,
		now:           time.Now,
		newID:         uuid.NewString,
		anchorTimeout: DefaultAnchorTimeout,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// CanIssue compares the batch's approved stages with the grade policy.
func (i *Issuer) CanIssue(ctx context.Context, batchID string, grade domain.Grade) (domain.Eligibility, error) {
	required, ok := domain.GradeRequirements[grade]
	if !ok {
		return domain.Eligibility{}, invalidGrade(grade)
	}
	if _, err := i.batch(ctx, batchID); err != nil {
		return domain.Eligibility{}, err
	}
	stages, err := i.store.ListStages(ctx, batchID)
	if err != nil {
		return domain.Eligibility{}, apperr.Wrap("list stages", err)
	}
	missing := domain.Missing(required, domain.ApprovedSet(stages))
	return domain.Eligibility{
		BatchID:       batchID,
		Grade:         grade,
		CanIssue:      len(missing) == 0,
		MissingStages: missing,
	}, nil
}

// Issue builds, hashes and persists a certificate, then anchors it.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (*Result, error) {
	required, ok := domain.GradeRequirements[req.Grade]
	if !ok {
		return nil, invalidGrade(req.Grade)
	}
	if strings.TrimSpace(req.CertifyingBody) == "" {
		return nil, apperr.Validation(apperr.CodeInvalidArgument, "certifying body is required")
	}
	if strings.TrimSpace(req.IssuedBy) == "" {
		return nil, apperr.Validation(apperr.CodeInvalidArgument, "issuedBy is required")
	}
	if req.ValidityDays <= 0 || req.ValidityDays > MaxValidityDays {
		return nil, apperr.Validation(apperr.CodeInvalidArgument,
			fmt.Sprintf("validityDays must be between 1 and %d", MaxValidityDays))
	}

	batch, err := i.batch(ctx, req.BatchID)
	if err != nil {
		return nil, err
	}
	stages, err := i.store.ListStages(ctx, req.BatchID)
	if err != nil {
		return nil, apperr.Wrap("list stages", err)
	}
	if missing := domain.Missing(required, domain.ApprovedSet(stages)); len(missing) > 0 {
		return nil, apperr.Conflict(apperr.CodeRequirementsNotMet,
			fmt.Sprintf("%s certificate requires %s", req.Grade, domain.JoinStages(missing))).
			WithMetadata("batch_id", req.BatchID).
			WithMetadata("grade", string(req.Grade)).
			WithMetadata("missing_stages", domain.JoinStages(missing))
	}

	evidence, err := i.store.GetEvidence(ctx, req.BatchID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.Wrap("get evidence", err)
	}

	validFrom := i.now().UTC()
	cert := domain.Certificate{
		ID:             i.newID(),
		BatchID:        req.BatchID,
		Grade:          req.Grade,
		CertifyingBody: req.CertifyingBody,
		ValidFrom:      validFrom,
		ValidTo:        validFrom.Add(time.Duration(req.ValidityDays) * 24 * time.Hour),
		IssuedBy:       req.IssuedBy,
	}
	payload := BuildPayload(cert, batch, approvedFor(required, stages), evidence)
	cert.ContentHash, cert.PayloadSnapshot, err = canonical.SumObject(payload)
	if err != nil {
		return nil, apperr.Wrap("encode certificate payload", err)
	}

	if err := i.store.CreateCertificate(ctx, cert); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, apperr.Conflict(apperr.CodeCertificateIDCollision, "certificate id already in use").
				WithMetadata("certificate_id", cert.ID)
		}
		return nil, apperr.Wrap("create certificate", err)
	}
	slog.InfoContext(ctx, "certificate issued",
		"certificate_id", cert.ID, "batch_id", cert.BatchID, "grade", cert.Grade, "content_hash", cert.ContentHash)

	res := &Result{Certificate: cert}
	txID, eventID, err := i.anchor(ctx, cert, stages)
	if err != nil {
		res.AnchorError = err
		return res, nil
	}
	res.Certificate.AnchorTxID = txID
	res.Certificate.AnchorEventID = eventID
	return res, nil
}

// Verify recomputes the snapshot hash and checks expiry. A certificate with
// a missing or altered snapshot is reported invalid, not as an error.
func (i *Issuer) Verify(ctx context.Context, certificateID string) (domain.CertificateVerification, error) {
	cert, err := i.Get(ctx, certificateID)
	if err != nil {
		return domain.CertificateVerification{}, err
	}
	return Check(cert, i.now()), nil
}

// Get returns a stored certificate.
func (i *Issuer) Get(ctx context.Context, certificateID string) (domain.Certificate, error) {
	cert, err := i.store.GetCertificate(ctx, certificateID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Certificate{}, apperr.NotFound(apperr.CodeCertificateNotFound, "certificate not found").
				WithMetadata("certificate_id", certificateID)
		}
		return domain.Certificate{}, apperr.Wrap("get certificate", err)
	}
	return cert, nil
}

// Check verifies cert against now.
func Check(cert domain.Certificate, now time.Time) domain.CertificateVerification {
	v := domain.CertificateVerification{
		CertificateID: cert.ID,
		StoredHash:    cert.ContentHash,
		IsExpired:     now.After(cert.ValidTo),
	}
	switch {
	case len(cert.PayloadSnapshot) == 0:
		v.Reason = "payload snapshot missing"
	case cert.ContentHash == "":
		v.ComputedHash = canonical.Hash(cert.PayloadSnapshot)
		v.Reason = "stored hash missing"
	default:
		v.ComputedHash = canonical.Hash(cert.PayloadSnapshot)
		v.HashMatches = v.ComputedHash == cert.ContentHash
		if !v.HashMatches {
			v.Reason = "content hash mismatch"
		}
	}
	if v.HashMatches && v.IsExpired {
		v.Reason = "certificate expired"
	}
	v.IsValid = v.HashMatches && !v.IsExpired
	return v
}

func (i *Issuer) anchor(ctx context.Context, cert domain.Certificate, stages []domain.VerificationStage) (string, string, error) {
	if i.anchorer == nil {
		return "", "", nil
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.anchorTimeout)
	defer cancel()

	res, err := i.anchorer.Anchor(actx, anchor.Request{
		EventType:   anchor.CertificateEventType(string(cert.Grade)),
		BatchID:     cert.BatchID,
		Location:    anchor.LocationFrom(domain.CoordinatesOf(stages, domain.StageHarvest)),
		ContentHash: cert.ContentHash,
	})
	if err != nil {
		slog.WarnContext(ctx, "certificate anchor pending",
			"certificate_id", cert.ID, "batch_id", cert.BatchID, "retryable", apperr.IsRetryable(err), "error", err)
		return "", "", err
	}
	if res.TxID == "" {
		// Another certificate of this grade already holds the ledger slot.
		slog.WarnContext(ctx, "certificate anchor has no matching ledger event",
			"certificate_id", cert.ID, "batch_id", cert.BatchID, "grade", cert.Grade)
		return "", "", nil
	}
	if err := i.store.SetCertificateAnchor(actx, cert.ID, res.TxID, res.EventID); err != nil {
		slog.ErrorContext(ctx, "failed to record certificate anchor",
			"certificate_id", cert.ID, "tx_id", res.TxID, "error", err)
		return "", "", err
	}
	return res.TxID, res.EventID, nil
}

func (i *Issuer) batch(ctx context.Context, batchID string) (domain.Batch, error) {
	b, err := i.store.GetBatch(ctx, batchID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Batch{}, apperr.NotFound(apperr.CodeBatchNotFound, "batch not found").WithMetadata("batch_id", batchID)
		}
		return domain.Batch{}, apperr.Wrap("get batch", err)
	}
	return b, nil
}

// approvedFor keeps the approved records of the required stage types in
// canonical order.
func approvedFor(required []domain.StageType, stages []domain.VerificationStage) []domain.VerificationStage {
	want := make(map[domain.StageType]bool, len(required))
	for _, st := range required {
		want[st] = true
	}
	var out []domain.VerificationStage
	for _, s := range stages {
		if want[s.StageType] && s.Status == domain.StatusApproved {
			out = append(out, s)
		}
	}
	domain.SortStages(out)
	return out
}

func invalidGrade(g domain.Grade) error {
	return apperr.Validation(apperr.CodeInvalidGrade, fmt.Sprintf("unknown grade %q", g))
}

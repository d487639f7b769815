package anchor

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jcmexdev/agri-traceability/internal/anchor/attemptlog"
	"github.com/jcmexdev/agri-traceability/internal/pkg/apperr"
	"github.com/jcmexdev/agri-traceability/internal/pkg/canonical"
)

const (
	DefaultMaxAttempts    = 3
	DefaultBaseDelay      = 2 * time.Second
	DefaultConfirmations  = 1
	DefaultCostMultiplier = 120
	DefaultConfirmTimeout = 60 * time.Second
)

// Config bounds the client's retry loop.
type Config struct {
	MaxAttempts int
	// BaseDelay is the wait after the first failed attempt. The wait after
	// attempt k is BaseDelay * 2^(k-1).
	BaseDelay     time.Duration
	Confirmations int
	// CostMultiplierPct scales the estimated resource cost. Values below 120
	// are raised to 120.
	CostMultiplierPct uint64
	ConfirmTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.Confirmations <= 0 {
		c.Confirmations = DefaultConfirmations
	}
	if c.CostMultiplierPct < DefaultCostMultiplier {
		c.CostMultiplierPct = DefaultCostMultiplier
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = DefaultConfirmTimeout
	}
	return c
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option configures a Client.
type Option func(*Client)

// WithAttemptLog records every attempt in repo.
func WithAttemptLog(repo attemptlog.Repository) Option {
	return func(c *Client) { c.attempts = repo }
}

// WithSleep replaces the timer used between attempts.
func WithSleep(fn SleepFunc) Option {
	return func(c *Client) { c.sleep = fn }
}

// WithTracer replaces the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

var _ Anchorer = (*Client)(nil)

// Client submits anchors to a Chain. It is safe for concurrent use.
type Client struct {
	chain    Chain
	cfg      Config
	attempts attemptlog.Repository
	sleep    SleepFunc
	tracer   trace.Tracer
}

// New returns a Client driving chain.
func New(chain Chain, cfg Config, opts ...Option) *Client {
	c := &Client{
		chain:    chain,
		cfg:      cfg.withDefaults(),
		attempts: attemptlog.NewMemoryRepository(),
		sleep:    sleepContext,
		tracer:   otel.Tracer("anchor"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the effective configuration.
func (c *Client) Config() Config { return c.cfg }

// Anchor registers req.ContentHash on the ledger. Attempts run one after
// another; at most MaxAttempts submissions are made. A duplicate
// registration is reported as success with AlreadyAnchored set.
func (c *Client) Anchor(ctx context.Context, req Request) (*Result, error) {
	call, err := buildCall(req)
	if err != nil {
		return nil, apperr.Ledger(apperr.CodeLedgerRejected, "invalid anchor request", false, err)
	}

	ctx, span := c.tracer.Start(ctx, "anchor.Anchor", trace.WithAttributes(
		attribute.String("anchor.event_type", req.EventType),
		attribute.String("anchor.batch_id", req.BatchID),
	))
	defer span.End()

	var (
		lastErr error
		delay   time.Duration
	)
	for n := 1; n <= c.cfg.MaxAttempts; n++ {
		if n > 1 {
			delay = c.cfg.BaseDelay << (n - 2)
			if err := c.sleep(ctx, delay); err != nil {
				c.record(ctx, req, n, delay, attemptlog.OutcomeCancelled, "", err)
				span.SetStatus(codes.Error, "cancelled")
				return nil, apperr.Ledger(apperr.CodeLedgerUnavailable, "anchoring cancelled", true, err)
			}
		}

		res, err := c.attempt(ctx, call, n)
		switch {
		case err == nil:
			res.Attempts = n
			c.record(ctx, req, n, delay, attemptlog.OutcomeConfirmed, res.TxID, nil)
			span.SetAttributes(attribute.Int("anchor.attempts", n))
			return res, nil

		case errors.Is(err, ErrAlreadyRegistered):
			res := c.existing(ctx, call)
			res.Attempts = n
			c.record(ctx, req, n, delay, attemptlog.OutcomeAlreadyAnchored, res.TxID, nil)
			span.SetAttributes(attribute.Bool("anchor.already_anchored", true))
			return res, nil

		case !IsRetryable(err):
			c.record(ctx, req, n, delay, attemptlog.OutcomeRejected, "", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "rejected")
			return nil, apperr.Ledger(apperr.CodeLedgerRejected, "ledger rejected anchor", false, err)

		case ctx.Err() != nil:
			c.record(ctx, req, n, delay, attemptlog.OutcomeCancelled, "", err)
			span.SetStatus(codes.Error, "cancelled")
			return nil, apperr.Ledger(apperr.CodeLedgerUnavailable, "anchoring cancelled", true, ctx.Err())
		}

		lastErr = err
		outcome := attemptlog.OutcomeRetrying
		if n == c.cfg.MaxAttempts {
			outcome = attemptlog.OutcomeExhausted
		}
		c.record(ctx, req, n, delay, outcome, "", err)
		slog.WarnContext(ctx, "anchor attempt failed",
			"event_type", req.EventType, "batch_id", req.BatchID, "attempt", n, "error", err)
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "retries exhausted")
	return nil, apperr.Ledger(apperr.CodeLedgerRetriesSpent,
		fmt.Sprintf("anchoring failed after %d attempts", c.cfg.MaxAttempts), true, lastErr).
		WithMetadata("batch_id", req.BatchID)
}

// History returns the ledger's events for batchID.
func (c *Client) History(ctx context.Context, batchID string) ([]Event, error) {
	ctx, span := c.tracer.Start(ctx, "anchor.History", trace.WithAttributes(
		attribute.String("anchor.batch_id", batchID),
	))
	defer span.End()

	events, err := c.chain.Events(ctx, batchID)
	if err != nil {
		span.RecordError(err)
		return nil, apperr.Ledger(apperr.CodeLedgerUnavailable, "read ledger history", true, err)
	}
	return events, nil
}

// attempt runs estimate, fee lookup, send and confirmation once.
func (c *Client) attempt(ctx context.Context, call Call, n int) (*Result, error) {
	ctx, span := c.tracer.Start(ctx, "anchor.attempt", trace.WithAttributes(
		attribute.Int("anchor.attempt", n),
	))
	defer span.End()

	fail := func(step string, err error) (*Result, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, step)
		return nil, fmt.Errorf("%s: %w", step, err)
	}

	estimate, err := c.chain.EstimateCost(ctx, call)
	if err != nil {
		return fail("estimate cost", err)
	}
	fees, err := c.chain.FeeParams(ctx)
	if err != nil {
		return fail("fee params", err)
	}
	tx := Transaction{
		Call:          call,
		ResourceLimit: scaleCeil(estimate, c.cfg.CostMultiplierPct),
		Fees:          fees,
	}
	txID, err := c.chain.Send(ctx, tx)
	if err != nil {
		return fail("send", err)
	}
	span.SetAttributes(attribute.String("anchor.tx_id", txID))

	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	defer cancel()
	receipt, err := c.chain.WaitConfirmed(waitCtx, txID, c.cfg.Confirmations)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			err = ErrTimeout
		}
		return fail("wait confirmed", err)
	}

	res := &Result{TxID: receipt.TxID, ResourceUsed: receipt.ResourceUsed}
	if res.TxID == "" {
		res.TxID = txID
	}
	if ev, ok := findEvent(receipt.Logs, call); ok {
		res.EventID = ev.EventID
	} else {
		slog.WarnContext(ctx, "anchor receipt carries no Anchored event",
			"tx_id", txID, "batch_id", call.BatchID, "event_type", call.EventType)
	}
	return res, nil
}

// existing looks up the event a previous registration produced. The
// reference is adopted only when that event carries the same content hash;
// a lookup failure or a different hash still counts as anchored, with the
// reference left empty.
func (c *Client) existing(ctx context.Context, call Call) *Result {
	res := &Result{AlreadyAnchored: true}
	events, err := c.chain.Events(ctx, call.BatchID)
	if err != nil {
		slog.WarnContext(ctx, "lookup of existing anchor failed",
			"batch_id", call.BatchID, "event_type", call.EventType, "error", err)
		return res
	}
	ev, ok := findEvent(events, call)
	if !ok {
		return res
	}
	if ev.ContentHash != contentHash(call) {
		slog.WarnContext(ctx, "ledger holds a different hash for this event type",
			"batch_id", call.BatchID, "event_type", call.EventType,
			"ledger_hash", ev.ContentHash, "content_hash", contentHash(call))
		res.HashConflict = true
		return res
	}
	res.TxID = ev.TxID
	res.EventID = ev.EventID
	return res
}

func (c *Client) record(ctx context.Context, req Request, n int, delay time.Duration, outcome attemptlog.Outcome, txID string, err error) {
	entry := attemptlog.NewEntry(ctx, req.EventType, req.BatchID, req.ContentHash, n, outcome)
	entry.Delay = delay
	entry.TxID = txID
	if err != nil {
		entry.Error = err.Error()
	}
	// The attempt row is diagnostics only; losing it must not fail the anchor.
	if saveErr := c.attempts.Save(context.WithoutCancel(ctx), entry); saveErr != nil {
		slog.ErrorContext(ctx, "failed to record anchor attempt", "key", entry.Key, "error", saveErr)
	}
}

func buildCall(req Request) (Call, error) {
	if req.EventType == "" || req.BatchID == "" {
		return Call{}, fmt.Errorf("%w: event type and batch id are required", ErrInvalidInput)
	}
	digest, err := canonical.Digest(req.ContentHash)
	if err != nil {
		return Call{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	call := Call{EventType: req.EventType, BatchID: req.BatchID, ContentHash: digest}
	if req.Location != nil {
		call.Location = *req.Location
	}
	return call, nil
}

func findEvent(events []Event, call Call) (Event, bool) {
	for _, ev := range events {
		if ev.Name == EventAnchored && ev.EventType == call.EventType && ev.BatchID == call.BatchID {
			return ev, true
		}
	}
	return Event{}, false
}

func contentHash(call Call) string {
	return canonical.HashPrefix + hex.EncodeToString(call.ContentHash[:])
}

// scaleCeil returns ceil(v * pct / 100).
func scaleCeil(v, pct uint64) uint64 {
	return (v*pct + 99) / 100
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

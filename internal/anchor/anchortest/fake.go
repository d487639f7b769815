// Package anchortest provides an in-memory anchor.Anchorer for service tests.
package anchortest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jcmexdev/agri-traceability/internal/anchor"
	"github.com/jcmexdev/agri-traceability/internal/pkg/apperr"
)

var _ anchor.Anchorer = (*Fake)(nil)

// Fake records anchors in memory. Set Err to make Anchor fail and HistoryErr
// to make History fail.
type Fake struct {
	mu         sync.Mutex
	Err        error
	HistoryErr error
	requests   []anchor.Request
	events     []anchor.Event
	seq        int
}

// Exhausted is the error a Client returns once its retries are spent.
func Exhausted() error {
	return apperr.Ledger(apperr.CodeLedgerRetriesSpent, "anchoring failed after 3 attempts", true, anchor.ErrUnavailable)
}

func (f *Fake) Anchor(ctx context.Context, req anchor.Request) (*anchor.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.Err != nil {
		return nil, f.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, apperr.Ledger(apperr.CodeLedgerUnavailable, "anchoring cancelled", true, err)
	}
	for _, ev := range f.events {
		if ev.BatchID == req.BatchID && ev.EventType == req.EventType {
			res := &anchor.Result{Attempts: 1, AlreadyAnchored: true}
			if ev.ContentHash == req.ContentHash {
				res.TxID, res.EventID = ev.TxID, ev.EventID
			} else {
				res.HashConflict = true
			}
			return res, nil
		}
	}
	f.seq++
	txID := fmt.Sprintf("0xfake%04d", f.seq)
	ev := anchor.Event{
		Name:        anchor.EventAnchored,
		EventID:     txID + ":0",
		EventType:   req.EventType,
		BatchID:     req.BatchID,
		ContentHash: req.ContentHash,
		TxID:        txID,
		Block:       uint64(f.seq),
		Timestamp:   time.Now().UTC(),
	}
	if req.Location != nil {
		ev.Location = *req.Location
	}
	f.events = append(f.events, ev)
	return &anchor.Result{TxID: txID, EventID: ev.EventID, ResourceUsed: 42000, Attempts: 1}, nil
}

func (f *Fake) History(ctx context.Context, batchID string) ([]anchor.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.HistoryErr != nil {
		return nil, f.HistoryErr
	}
	var out []anchor.Event
	for _, ev := range f.events {
		if ev.BatchID == batchID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// SetErr replaces Err under the lock.
func (f *Fake) SetErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Err = err
}

// SetHistoryErr replaces HistoryErr under the lock.
func (f *Fake) SetHistoryErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.HistoryErr = err
}

// Requests returns a copy of every Anchor request seen.
func (f *Fake) Requests() []anchor.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]anchor.Request(nil), f.requests...)
}

// Package localchain is a single-node ledger persisted in BoltDB. It
// implements anchor.Chain with the same registry rules as the production
// contract: one registration per (batch, event type), an Anchored event per
// registration, block confirmations and fee checks.
//
// It backs development runs and end-to-end tests; it is not a consensus
// system.
package localchain

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jcmexdev/agri-traceability/internal/anchor"
	"github.com/jcmexdev/agri-traceability/internal/pkg/canonical"
)

const (
	metaBucket     = "meta"
	txBucket       = "tx"
	registryBucket = "registry"
	eventBucket    = "events"
)

var headKey = []byte("head")

// ErrUnknownTx is returned when waiting on a transaction the chain never saw.
var ErrUnknownTx = errors.New("localchain: unknown transaction")

const (
	// BaseCost is charged for every registration.
	BaseCost uint64 = 21000
	// ByteCost is charged per byte of batch id and event type.
	ByteCost uint64 = 16
	// HashCost covers storing the 32-byte content hash.
	HashCost uint64 = 20000
)

// Options tunes the simulated network.
type Options struct {
	// BlockTime mines an empty block on this interval. Zero mines on demand:
	// each Send produces a block and WaitConfirmed mines until satisfied.
	BlockTime time.Duration
	// BaseFee is the minimum MaxFeePerUnit accepted by Send.
	BaseFee uint64
	// Balance, when non-zero, is the funding available to the sender. Each
	// registration spends ResourceUsed * BaseFee.
	Balance uint64
}

type txRecord struct {
	TxID         string       `json:"txId"`
	Block        uint64       `json:"block"`
	ResourceUsed uint64       `json:"resourceUsed"`
	Event        anchor.Event `json:"event"`
}

var _ anchor.Chain = (*Chain)(nil)

// Chain is a BoltDB-backed anchor.Chain.
type Chain struct {
	db   *bbolt.DB
	opts Options

	mu      sync.Mutex
	spent   uint64
	faults  []error
	stop    chan struct{}
	stopped sync.WaitGroup
}

// Open opens (or creates) the chain database at path.
func Open(path string, opts Options) (*Chain, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("localchain: path is required")
	}
	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("localchain: open db: %w", err)
	}

	c := &Chain{db: db, opts: opts, stop: make(chan struct{})}
	if err := c.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if opts.BlockTime > 0 {
		c.stopped.Add(1)
		go c.mineLoop(opts.BlockTime)
	}
	return c, nil
}

// Close stops block production and closes the database.
func (c *Chain) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	close(c.stop)
	c.stopped.Wait()
	return c.db.Close()
}

// FailNext makes the next len(errs) Send calls return errs in order. A nil
// entry lets that call through.
func (c *Chain) FailNext(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults = append(c.faults, errs...)
}

// EstimateCost prices call deterministically.
func (c *Chain) EstimateCost(ctx context.Context, call anchor.Call) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := validateCall(call); err != nil {
		return 0, err
	}
	return cost(call), nil
}

// FeeParams quotes the current base fee with a fixed priority tip.
func (c *Chain) FeeParams(ctx context.Context) (anchor.Fees, error) {
	if err := ctx.Err(); err != nil {
		return anchor.Fees{}, err
	}
	return anchor.Fees{MaxFeePerUnit: c.opts.BaseFee * 2, PriorityFeePerUnit: 1}, nil
}

// Send registers tx.Call and mines it into a new block.
func (c *Chain) Send(ctx context.Context, tx anchor.Transaction) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := c.nextFault(); err != nil {
		return "", err
	}
	if err := validateCall(tx.Call); err != nil {
		return "", err
	}
	used := cost(tx.Call)
	if tx.ResourceLimit < used {
		return "", fmt.Errorf("%w: resource limit %d below cost %d", anchor.ErrInvalidInput, tx.ResourceLimit, used)
	}
	if tx.Fees.MaxFeePerUnit < c.opts.BaseFee {
		return "", anchor.ErrUnderpriced
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opts.Balance > 0 && c.spent+used*c.opts.BaseFee > c.opts.Balance {
		return "", anchor.ErrInsufficientFunds
	}

	var rec txRecord
	err := c.db.Update(func(btx *bbolt.Tx) error {
		reg := btx.Bucket([]byte(registryBucket))
		regKey := registryKey(tx.BatchID, tx.EventType)
		if reg.Get(regKey) != nil {
			return anchor.ErrAlreadyRegistered
		}

		block, err := mine(btx)
		if err != nil {
			return err
		}
		txID := txHash(tx.Call, block)
		rec = txRecord{
			TxID:         txID,
			Block:        block,
			ResourceUsed: used,
			Event: anchor.Event{
				Name:        anchor.EventAnchored,
				EventID:     txID + ":0",
				EventType:   tx.EventType,
				BatchID:     tx.BatchID,
				ContentHash: canonical.HashPrefix + hex.EncodeToString(tx.ContentHash[:]),
				Location:    tx.Location,
				TxID:        txID,
				Block:       block,
				Timestamp:   time.Now().UTC(),
			},
		}
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("localchain: marshal tx: %w", err)
		}
		if err := btx.Bucket([]byte(txBucket)).Put([]byte(txID), payload); err != nil {
			return err
		}
		if err := reg.Put(regKey, []byte(txID)); err != nil {
			return err
		}
		return btx.Bucket([]byte(eventBucket)).Put(eventKey(tx.BatchID, block), payload)
	})
	if err != nil {
		return "", err
	}
	c.spent += used * c.opts.BaseFee
	return rec.TxID, nil
}

// WaitConfirmed returns once txID has the requested confirmations.
func (c *Chain) WaitConfirmed(ctx context.Context, txID string, confirmations int) (anchor.Receipt, error) {
	if confirmations < 1 {
		confirmations = 1
	}
	poll := c.opts.BlockTime / 4
	if poll <= 0 {
		poll = 10 * time.Millisecond
	}
	for {
		rec, head, err := c.lookup(txID)
		if err != nil {
			return anchor.Receipt{}, err
		}
		have := int(head - rec.Block + 1)
		if have >= confirmations {
			return anchor.Receipt{
				TxID:          rec.TxID,
				Block:         rec.Block,
				Confirmations: have,
				ResourceUsed:  rec.ResourceUsed,
				Logs:          []anchor.Event{rec.Event},
			}, nil
		}
		if c.opts.BlockTime == 0 {
			if err := c.MineBlocks(confirmations - have); err != nil {
				return anchor.Receipt{}, err
			}
			continue
		}
		select {
		case <-ctx.Done():
			return anchor.Receipt{}, ctx.Err()
		case <-time.After(poll):
		}
	}
}

// Events lists the Anchored events for batchID in block order.
func (c *Chain) Events(ctx context.Context, batchID string) ([]anchor.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := append([]byte(batchID), 0)
	var out []anchor.Event
	err := c.db.View(func(tx *bbolt.Tx) error {
		cur := tx.Bucket([]byte(eventBucket)).Cursor()
		for k, v := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cur.Next() {
			var rec txRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("localchain: unmarshal event: %w", err)
			}
			out = append(out, rec.Event)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Head returns the current block height.
func (c *Chain) Head() (uint64, error) {
	var head uint64
	err := c.db.View(func(tx *bbolt.Tx) error {
		head = readHead(tx)
		return nil
	})
	return head, err
}

// MineBlocks appends n empty blocks.
func (c *Chain) MineBlocks(n int) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		for i := 0; i < n; i++ {
			if _, err := mine(tx); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *Chain) mineLoop(every time.Duration) {
	defer c.stopped.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			_ = c.MineBlocks(1)
		}
	}
}

func (c *Chain) nextFault() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.faults) == 0 {
		return nil
	}
	err := c.faults[0]
	c.faults = c.faults[1:]
	return err
}

func (c *Chain) lookup(txID string) (txRecord, uint64, error) {
	var (
		rec  txRecord
		head uint64
	)
	err := c.db.View(func(tx *bbolt.Tx) error {
		payload := tx.Bucket([]byte(txBucket)).Get([]byte(txID))
		if payload == nil {
			return fmt.Errorf("%w: %q", ErrUnknownTx, txID)
		}
		head = readHead(tx)
		return json.Unmarshal(payload, &rec)
	})
	return rec, head, err
}

func (c *Chain) ensureBuckets() error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{metaBucket, txBucket, registryBucket, eventBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("localchain: create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

func validateCall(call anchor.Call) error {
	if strings.TrimSpace(call.BatchID) == "" || strings.TrimSpace(call.EventType) == "" {
		return fmt.Errorf("%w: batch id and event type are required", anchor.ErrInvalidInput)
	}
	if call.ContentHash == ([32]byte{}) {
		return fmt.Errorf("%w: empty content hash", anchor.ErrInvalidInput)
	}
	if strings.ContainsRune(call.BatchID, 0) {
		return fmt.Errorf("%w: batch id contains NUL", anchor.ErrInvalidInput)
	}
	return nil
}

func cost(call anchor.Call) uint64 {
	return BaseCost + HashCost + ByteCost*uint64(len(call.BatchID)+len(call.EventType))
}

func mine(tx *bbolt.Tx) (uint64, error) {
	next := readHead(tx) + 1
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], next)
	if err := tx.Bucket([]byte(metaBucket)).Put(headKey, buf[:]); err != nil {
		return 0, fmt.Errorf("localchain: advance head: %w", err)
	}
	return next, nil
}

func readHead(tx *bbolt.Tx) uint64 {
	v := tx.Bucket([]byte(metaBucket)).Get(headKey)
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func registryKey(batchID, eventType string) []byte {
	return []byte(batchID + "\x00" + eventType)
}

func eventKey(batchID string, block uint64) []byte {
	key := append([]byte(batchID), 0)
	return binary.BigEndian.AppendUint64(key, block)
}

func txHash(call anchor.Call, block uint64) string {
	h := sha256.New()
	h.Write([]byte(call.EventType))
	h.Write([]byte{0})
	h.Write([]byte(call.BatchID))
	h.Write(call.ContentHash[:])
	_ = binary.Write(h, binary.BigEndian, block)
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

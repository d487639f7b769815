// Package sqlite provides a SQLite-backed implementation of storage.Store.
//
// WAL mode is enabled on Open so readers never block the single writer. The
// UNIQUE keys on stages(batch_id, stage_type) and finalizations(batch_id) are
// what make stage creation and finalize() race-safe across processes that
// share the database file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/jcmexdev/agri-traceability/internal/supplychain/domain"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/storage"
)

var _ storage.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS batches (
    id               TEXT PRIMARY KEY,
    producer_id      TEXT NOT NULL,
    product          TEXT NOT NULL,
    variety          TEXT NOT NULL DEFAULT '',
    origin_region    TEXT NOT NULL DEFAULT '',
    net_weight_grams INTEGER NOT NULL DEFAULT 0,
    harvested_on     TEXT NOT NULL DEFAULT '',
    created_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS stages (
    id           TEXT PRIMARY KEY,
    batch_id     TEXT NOT NULL REFERENCES batches(id),
    stage_type   TEXT NOT NULL,
    stage_index  INTEGER NOT NULL,
    status       TEXT NOT NULL,
    actor_id     TEXT NOT NULL,
    actor_role   TEXT NOT NULL,
    timestamp    TEXT NOT NULL,
    location     TEXT NOT NULL DEFAULT '',
    -- microdegrees; NULL when no coordinates were captured
    lat_e6       INTEGER,
    lng_e6       INTEGER,
    notes        TEXT NOT NULL DEFAULT '',
    evidence_ref TEXT NOT NULL DEFAULT '',
    reviewed_by  TEXT NOT NULL DEFAULT '',
    reviewed_at  TEXT,
    UNIQUE (batch_id, stage_type)
);

CREATE INDEX IF NOT EXISTS idx_stages_batch ON stages(batch_id, stage_index);

CREATE TABLE IF NOT EXISTS finalizations (
    batch_id        TEXT PRIMARY KEY REFERENCES batches(id),
    content_hash    TEXT NOT NULL,
    payload         BLOB NOT NULL,
    anchor_tx_id    TEXT,
    anchor_event_id TEXT,
    finalized_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS certificates (
    id               TEXT PRIMARY KEY,
    batch_id         TEXT NOT NULL REFERENCES batches(id),
    grade            TEXT NOT NULL,
    certifying_body  TEXT NOT NULL,
    payload_snapshot BLOB,
    content_hash     TEXT NOT NULL,
    anchor_tx_id     TEXT,
    anchor_event_id  TEXT,
    valid_from       TEXT NOT NULL,
    valid_to         TEXT NOT NULL,
    issued_by        TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_certificates_batch ON certificates(batch_id, valid_from);

CREATE TABLE IF NOT EXISTS evidence (
    batch_id    TEXT PRIMARY KEY,
    seal        TEXT,
    temperature TEXT,
    updated_at  TEXT NOT NULL
);
`

// Store is the SQLite implementation of storage.Store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies the schema.
//
//	store, err := sqlite.Open("./data/traceability.db")
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite: storage path is required")
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)", filepath.Clean(path))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}

	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	if err := applySchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) CreateBatch(ctx context.Context, b domain.Batch) error {
	const q = `
		INSERT INTO batches
			(id, producer_id, product, variety, origin_region, net_weight_grams, harvested_on, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q,
		b.ID, b.ProducerID, b.Product, b.Variety, b.OriginRegion, b.NetWeightGrams, b.HarvestedOn,
		formatTime(b.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("sqlite: create batch %q: %w", b.ID, err)
	}
	return nil
}

func (s *Store) GetBatch(ctx context.Context, id string) (domain.Batch, error) {
	const q = `
		SELECT id, producer_id, product, variety, origin_region, net_weight_grams, harvested_on, created_at
		FROM   batches WHERE id = ?`
	var b domain.Batch
	var createdAt string
	err := s.db.QueryRowContext(ctx, q, id).Scan(
		&b.ID, &b.ProducerID, &b.Product, &b.Variety, &b.OriginRegion, &b.NetWeightGrams, &b.HarvestedOn, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Batch{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.Batch{}, fmt.Errorf("sqlite: get batch %q: %w", id, err)
	}
	if b.CreatedAt, err = parseRFC3339(createdAt); err != nil {
		return domain.Batch{}, err
	}
	return b, nil
}

func (s *Store) CreateStage(ctx context.Context, st domain.VerificationStage) error {
	const q = `
		INSERT INTO stages
			(id, batch_id, stage_type, stage_index, status, actor_id, actor_role, timestamp,
			 location, lat_e6, lng_e6, notes, evidence_ref)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	var lat, lng any
	if st.Coordinates != nil {
		lat, lng = st.Coordinates.LatE6, st.Coordinates.LngE6
	}
	_, err := s.db.ExecContext(ctx, q,
		st.ID, st.BatchID, string(st.StageType), st.StageType.Index(), string(st.Status),
		st.ActorID, string(st.ActorRole), formatTime(st.Timestamp),
		st.Location, lat, lng, st.Notes, st.EvidenceRef,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("sqlite: create stage %s/%s: %w", st.BatchID, st.StageType, err)
	}
	return nil
}

const stageColumns = `id, batch_id, stage_type, status, actor_id, actor_role, timestamp,
	location, lat_e6, lng_e6, notes, evidence_ref, reviewed_by, reviewed_at`

func (s *Store) GetStage(ctx context.Context, id string) (domain.VerificationStage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE id = ?`, id)
	return scanStage(row)
}

func (s *Store) GetStageByType(ctx context.Context, batchID string, t domain.StageType) (domain.VerificationStage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE batch_id = ? AND stage_type = ?`, batchID, string(t))
	return scanStage(row)
}

func (s *Store) ListStages(ctx context.Context, batchID string) ([]domain.VerificationStage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE batch_id = ? ORDER BY stage_index`, batchID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list stages for %q: %w", batchID, err)
	}
	defer rows.Close()

	var out []domain.VerificationStage
	for rows.Next() {
		st, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate stages for %q: %w", batchID, err)
	}
	return out, nil
}

func (s *Store) UpdateStageStatus(ctx context.Context, id string, from, to domain.StageStatus, reviewedBy string, reviewedAt time.Time, notes string) error {
	const q = `
		UPDATE stages
		SET    status = ?, reviewed_by = ?, reviewed_at = ?,
		       notes = CASE WHEN ? = '' THEN notes ELSE ? END
		WHERE  id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, q, string(to), reviewedBy, formatTime(reviewedAt), notes, notes, id, string(from))
	if err != nil {
		return fmt.Errorf("sqlite: update stage %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: update stage %q: %w", id, err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetStage(ctx, id); err != nil {
		return err
	}
	return storage.ErrConflict
}

func (s *Store) CreateFinalization(ctx context.Context, r domain.FinalizationRecord) error {
	const q = `
		INSERT INTO finalizations (batch_id, content_hash, payload, anchor_tx_id, anchor_event_id, finalized_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q,
		r.BatchID, r.ContentHash, r.Payload, nullableString(r.AnchorTxID), nullableString(r.AnchorEventID),
		formatTime(r.FinalizedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("sqlite: create finalization %q: %w", r.BatchID, err)
	}
	return nil
}

const finalizationColumns = `batch_id, content_hash, payload, COALESCE(anchor_tx_id,''), COALESCE(anchor_event_id,''), finalized_at`

func (s *Store) GetFinalization(ctx context.Context, batchID string) (domain.FinalizationRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+finalizationColumns+` FROM finalizations WHERE batch_id = ?`, batchID)
	return scanFinalization(row)
}

func (s *Store) SetFinalizationAnchor(ctx context.Context, batchID, txID, eventID string) error {
	const q = `
		UPDATE finalizations SET anchor_tx_id = ?, anchor_event_id = ?
		WHERE  batch_id = ? AND anchor_tx_id IS NULL`
	res, err := s.db.ExecContext(ctx, q, txID, nullableString(eventID), batchID)
	if err != nil {
		return fmt.Errorf("sqlite: set finalization anchor %q: %w", batchID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetFinalization(ctx, batchID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ListUnanchoredFinalizations(ctx context.Context, limit int) ([]domain.FinalizationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+finalizationColumns+` FROM finalizations WHERE anchor_tx_id IS NULL ORDER BY finalized_at LIMIT ?`,
		limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list unanchored finalizations: %w", err)
	}
	defer rows.Close()

	var out []domain.FinalizationRecord
	for rows.Next() {
		r, err := scanFinalization(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) CreateCertificate(ctx context.Context, c domain.Certificate) error {
	const q = `
		INSERT INTO certificates
			(id, batch_id, grade, certifying_body, payload_snapshot, content_hash,
			 anchor_tx_id, anchor_event_id, valid_from, valid_to, issued_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q,
		c.ID, c.BatchID, string(c.Grade), c.CertifyingBody, c.PayloadSnapshot, c.ContentHash,
		nullableString(c.AnchorTxID), nullableString(c.AnchorEventID),
		formatTime(c.ValidFrom), formatTime(c.ValidTo), c.IssuedBy,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("sqlite: create certificate %q: %w", c.ID, err)
	}
	return nil
}

const certificateColumns = `id, batch_id, grade, certifying_body, payload_snapshot, content_hash,
	COALESCE(anchor_tx_id,''), COALESCE(anchor_event_id,''), valid_from, valid_to, issued_by`

func (s *Store) GetCertificate(ctx context.Context, id string) (domain.Certificate, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+certificateColumns+` FROM certificates WHERE id = ?`, id)
	return scanCertificate(row)
}

func (s *Store) ListCertificates(ctx context.Context, batchID string) ([]domain.Certificate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+certificateColumns+` FROM certificates WHERE batch_id = ? ORDER BY valid_from`, batchID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list certificates for %q: %w", batchID, err)
	}
	defer rows.Close()
	return collectCertificates(rows)
}

func (s *Store) SetCertificateAnchor(ctx context.Context, id, txID, eventID string) error {
	const q = `
		UPDATE certificates SET anchor_tx_id = ?, anchor_event_id = ?
		WHERE  id = ? AND anchor_tx_id IS NULL`
	res, err := s.db.ExecContext(ctx, q, txID, nullableString(eventID), id)
	if err != nil {
		return fmt.Errorf("sqlite: set certificate anchor %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetCertificate(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ListUnanchoredCertificates(ctx context.Context, limit int) ([]domain.Certificate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+certificateColumns+` FROM certificates WHERE anchor_tx_id IS NULL ORDER BY valid_from LIMIT ?`,
		limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list unanchored certificates: %w", err)
	}
	defer rows.Close()
	return collectCertificates(rows)
}

func (s *Store) PutEvidence(ctx context.Context, e domain.Evidence) error {
	seal, err := marshalOptional(e.Seal)
	if err != nil {
		return err
	}
	temp, err := marshalOptional(e.Temperature)
	if err != nil {
		return err
	}
	const q = `
		INSERT INTO evidence (batch_id, seal, temperature, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(batch_id) DO UPDATE SET
			seal        = COALESCE(excluded.seal, evidence.seal),
			temperature = COALESCE(excluded.temperature, evidence.temperature),
			updated_at  = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, q, e.BatchID, seal, temp, formatTime(e.UpdatedAt)); err != nil {
		return fmt.Errorf("sqlite: put evidence %q: %w", e.BatchID, err)
	}
	return nil
}

func (s *Store) GetEvidence(ctx context.Context, batchID string) (domain.Evidence, error) {
	const q = `SELECT batch_id, COALESCE(seal,''), COALESCE(temperature,''), updated_at FROM evidence WHERE batch_id = ?`
	var e domain.Evidence
	var seal, temp, updatedAt string
	err := s.db.QueryRowContext(ctx, q, batchID).Scan(&e.BatchID, &seal, &temp, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Evidence{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.Evidence{}, fmt.Errorf("sqlite: get evidence %q: %w", batchID, err)
	}
	if seal != "" {
		e.Seal = &domain.SealSummary{}
		if err := json.Unmarshal([]byte(seal), e.Seal); err != nil {
			return domain.Evidence{}, fmt.Errorf("sqlite: decode seal for %q: %w", batchID, err)
		}
	}
	if temp != "" {
		e.Temperature = &domain.TemperatureSummary{}
		if err := json.Unmarshal([]byte(temp), e.Temperature); err != nil {
			return domain.Evidence{}, fmt.Errorf("sqlite: decode temperature for %q: %w", batchID, err)
		}
	}
	if e.UpdatedAt, err = parseRFC3339(updatedAt); err != nil {
		return domain.Evidence{}, err
	}
	return e, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStage(row scanner) (domain.VerificationStage, error) {
	var st domain.VerificationStage
	var stageType, status, role, ts string
	var lat, lng sql.NullInt64
	var reviewedAt sql.NullString
	err := row.Scan(&st.ID, &st.BatchID, &stageType, &status, &st.ActorID, &role, &ts,
		&st.Location, &lat, &lng, &st.Notes, &st.EvidenceRef, &st.ReviewedBy, &reviewedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.VerificationStage{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.VerificationStage{}, fmt.Errorf("sqlite: scan stage: %w", err)
	}
	st.StageType = domain.StageType(stageType)
	st.Status = domain.StageStatus(status)
	st.ActorRole = domain.Role(role)
	if st.Timestamp, err = parseRFC3339(ts); err != nil {
		return domain.VerificationStage{}, err
	}
	if lat.Valid && lng.Valid {
		st.Coordinates = &domain.Coordinates{LatE6: lat.Int64, LngE6: lng.Int64}
	}
	if reviewedAt.Valid {
		t, err := parseRFC3339(reviewedAt.String)
		if err != nil {
			return domain.VerificationStage{}, err
		}
		st.ReviewedAt = &t
	}
	return st, nil
}

func scanFinalization(row scanner) (domain.FinalizationRecord, error) {
	var r domain.FinalizationRecord
	var finalizedAt string
	err := row.Scan(&r.BatchID, &r.ContentHash, &r.Payload, &r.AnchorTxID, &r.AnchorEventID, &finalizedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.FinalizationRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.FinalizationRecord{}, fmt.Errorf("sqlite: scan finalization: %w", err)
	}
	if r.FinalizedAt, err = parseRFC3339(finalizedAt); err != nil {
		return domain.FinalizationRecord{}, err
	}
	return r, nil
}

func scanCertificate(row scanner) (domain.Certificate, error) {
	var c domain.Certificate
	var grade, validFrom, validTo string
	err := row.Scan(&c.ID, &c.BatchID, &grade, &c.CertifyingBody, &c.PayloadSnapshot, &c.ContentHash,
		&c.AnchorTxID, &c.AnchorEventID, &validFrom, &validTo, &c.IssuedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Certificate{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.Certificate{}, fmt.Errorf("sqlite: scan certificate: %w", err)
	}
	c.Grade = domain.Grade(grade)
	if c.ValidFrom, err = parseRFC3339(validFrom); err != nil {
		return domain.Certificate{}, err
	}
	if c.ValidTo, err = parseRFC3339(validTo); err != nil {
		return domain.Certificate{}, err
	}
	return c, nil
}

func collectCertificates(rows *sql.Rows) ([]domain.Certificate, error) {
	var out []domain.Certificate
	for rows.Next() {
		c, err := scanCertificate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// applySchema runs the DDL statements once. Idempotent due to IF NOT EXISTS.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

// nullableString returns nil for empty strings so SQLite stores NULL, which
// the unanchored queries rely on.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalOptional(v any) (any, error) {
	switch t := v.(type) {
	case *domain.SealSummary:
		if t == nil {
			return nil, nil
		}
	case *domain.TemperatureSummary:
		if t == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("sqlite: encode evidence: %w", err)
	}
	return string(b), nil
}

func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

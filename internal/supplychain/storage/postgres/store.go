// Package postgres provides a PostgreSQL-backed storage.Store for
// deployments where several service processes share one database.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

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
    net_weight_grams BIGINT NOT NULL DEFAULT 0,
    harvested_on     TEXT NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS stages (
    id           TEXT PRIMARY KEY,
    batch_id     TEXT NOT NULL REFERENCES batches(id),
    stage_type   TEXT NOT NULL,
    stage_index  INT NOT NULL,
    status       TEXT NOT NULL,
    actor_id     TEXT NOT NULL,
    actor_role   TEXT NOT NULL,
    ts           TIMESTAMPTZ NOT NULL,
    location     TEXT NOT NULL DEFAULT '',
    lat_e6       BIGINT,
    lng_e6       BIGINT,
    notes        TEXT NOT NULL DEFAULT '',
    evidence_ref TEXT NOT NULL DEFAULT '',
    reviewed_by  TEXT NOT NULL DEFAULT '',
    reviewed_at  TIMESTAMPTZ,
    UNIQUE (batch_id, stage_type)
);

CREATE TABLE IF NOT EXISTS finalizations (
    batch_id        TEXT PRIMARY KEY REFERENCES batches(id),
    content_hash    TEXT NOT NULL,
    payload         BYTEA NOT NULL,
    anchor_tx_id    TEXT,
    anchor_event_id TEXT,
    finalized_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS certificates (
    id               TEXT PRIMARY KEY,
    batch_id         TEXT NOT NULL REFERENCES batches(id),
    grade            TEXT NOT NULL,
    certifying_body  TEXT NOT NULL,
    payload_snapshot BYTEA,
    content_hash     TEXT NOT NULL,
    anchor_tx_id     TEXT,
    anchor_event_id  TEXT,
    valid_from       TIMESTAMPTZ NOT NULL,
    valid_to         TIMESTAMPTZ NOT NULL,
    issued_by        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS evidence (
    batch_id    TEXT PRIMARY KEY,
    seal        JSONB,
    temperature JSONB,
    updated_at  TIMESTAMPTZ NOT NULL
);
`

// Store is the PostgreSQL implementation of storage.Store.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn, sizes the pool and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres: dsn is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Store) CreateBatch(ctx context.Context, b domain.Batch) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO batches (id, producer_id, product, variety, origin_region, net_weight_grams, harvested_on, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		b.ID, b.ProducerID, b.Product, b.Variety, b.OriginRegion, b.NetWeightGrams, b.HarvestedOn, b.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("postgres: create batch %q: %w", b.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrAlreadyExists
	}
	return nil
}

func (s *Store) GetBatch(ctx context.Context, id string) (domain.Batch, error) {
	var b domain.Batch
	err := s.pool.QueryRow(ctx, `
		SELECT id, producer_id, product, variety, origin_region, net_weight_grams, harvested_on, created_at
		FROM batches WHERE id = $1`, id).
		Scan(&b.ID, &b.ProducerID, &b.Product, &b.Variety, &b.OriginRegion, &b.NetWeightGrams, &b.HarvestedOn, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Batch{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.Batch{}, fmt.Errorf("postgres: get batch %q: %w", id, err)
	}
	b.CreatedAt = b.CreatedAt.UTC()
	return b, nil
}

func (s *Store) CreateStage(ctx context.Context, st domain.VerificationStage) error {
	var lat, lng *int64
	if st.Coordinates != nil {
		lat, lng = &st.Coordinates.LatE6, &st.Coordinates.LngE6
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO stages (id, batch_id, stage_type, stage_index, status, actor_id, actor_role, ts,
		                    location, lat_e6, lng_e6, notes, evidence_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT DO NOTHING`,
		st.ID, st.BatchID, string(st.StageType), st.StageType.Index(), string(st.Status), st.ActorID,
		string(st.ActorRole), st.Timestamp.UTC(), st.Location, lat, lng, st.Notes, st.EvidenceRef)
	if err != nil {
		return fmt.Errorf("postgres: create stage %s/%s: %w", st.BatchID, st.StageType, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrAlreadyExists
	}
	return nil
}

const stageColumns = `id, batch_id, stage_type, status, actor_id, actor_role, ts, location,
	lat_e6, lng_e6, notes, evidence_ref, reviewed_by, reviewed_at`

func (s *Store) GetStage(ctx context.Context, id string) (domain.VerificationStage, error) {
	return scanStage(s.pool.QueryRow(ctx, `SELECT `+stageColumns+` FROM stages WHERE id = $1`, id))
}

func (s *Store) GetStageByType(ctx context.Context, batchID string, t domain.StageType) (domain.VerificationStage, error) {
	return scanStage(s.pool.QueryRow(ctx, `SELECT `+stageColumns+` FROM stages WHERE batch_id = $1 AND stage_type = $2`, batchID, string(t)))
}

func (s *Store) ListStages(ctx context.Context, batchID string) ([]domain.VerificationStage, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+stageColumns+` FROM stages WHERE batch_id = $1 ORDER BY stage_index`, batchID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list stages for %q: %w", batchID, err)
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
	return out, rows.Err()
}

func (s *Store) UpdateStageStatus(ctx context.Context, id string, from, to domain.StageStatus, reviewedBy string, reviewedAt time.Time, notes string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE stages
		SET    status = $1, reviewed_by = $2, reviewed_at = $3,
		       notes = CASE WHEN $4 = '' THEN notes ELSE $4 END
		WHERE  id = $5 AND status = $6`,
		string(to), reviewedBy, reviewedAt.UTC(), notes, id, string(from))
	if err != nil {
		return fmt.Errorf("postgres: update stage %q: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetStage(ctx, id); err != nil {
		return err
	}
	return storage.ErrConflict
}

func (s *Store) CreateFinalization(ctx context.Context, r domain.FinalizationRecord) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO finalizations (batch_id, content_hash, payload, anchor_tx_id, anchor_event_id, finalized_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6)
		ON CONFLICT (batch_id) DO NOTHING`,
		r.BatchID, r.ContentHash, r.Payload, r.AnchorTxID, r.AnchorEventID, r.FinalizedAt.UTC())
	if err != nil {
		return fmt.Errorf("postgres: create finalization %q: %w", r.BatchID, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrAlreadyExists
	}
	return nil
}

const finalizationColumns = `batch_id, content_hash, payload, COALESCE(anchor_tx_id,''), COALESCE(anchor_event_id,''), finalized_at`

func (s *Store) GetFinalization(ctx context.Context, batchID string) (domain.FinalizationRecord, error) {
	return scanFinalization(s.pool.QueryRow(ctx, `SELECT `+finalizationColumns+` FROM finalizations WHERE batch_id = $1`, batchID))
}

func (s *Store) SetFinalizationAnchor(ctx context.Context, batchID, txID, eventID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE finalizations SET anchor_tx_id = $1, anchor_event_id = NULLIF($2, '')
		WHERE  batch_id = $3 AND anchor_tx_id IS NULL`, txID, eventID, batchID)
	if err != nil {
		return fmt.Errorf("postgres: set finalization anchor %q: %w", batchID, err)
	}
	if tag.RowsAffected() == 0 {
		_, err := s.GetFinalization(ctx, batchID)
		return err
	}
	return nil
}

func (s *Store) ListUnanchoredFinalizations(ctx context.Context, limit int) ([]domain.FinalizationRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+finalizationColumns+` FROM finalizations
		WHERE anchor_tx_id IS NULL ORDER BY finalized_at LIMIT $1`, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("postgres: list unanchored finalizations: %w", err)
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
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO certificates (id, batch_id, grade, certifying_body, payload_snapshot, content_hash,
		                          anchor_tx_id, anchor_event_id, valid_from, valid_to, issued_by)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`,
		c.ID, c.BatchID, string(c.Grade), c.CertifyingBody, c.PayloadSnapshot, c.ContentHash,
		c.AnchorTxID, c.AnchorEventID, c.ValidFrom.UTC(), c.ValidTo.UTC(), c.IssuedBy)
	if err != nil {
		return fmt.Errorf("postgres: create certificate %q: %w", c.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrAlreadyExists
	}
	return nil
}

const certificateColumns = `id, batch_id, grade, certifying_body, payload_snapshot, content_hash,
	COALESCE(anchor_tx_id,''), COALESCE(anchor_event_id,''), valid_from, valid_to, issued_by`

func (s *Store) GetCertificate(ctx context.Context, id string) (domain.Certificate, error) {
	return scanCertificate(s.pool.QueryRow(ctx, `SELECT `+certificateColumns+` FROM certificates WHERE id = $1`, id))
}

func (s *Store) ListCertificates(ctx context.Context, batchID string) ([]domain.Certificate, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+certificateColumns+` FROM certificates WHERE batch_id = $1 ORDER BY valid_from`, batchID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list certificates for %q: %w", batchID, err)
	}
	return collectCertificates(rows)
}

func (s *Store) SetCertificateAnchor(ctx context.Context, id, txID, eventID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE certificates SET anchor_tx_id = $1, anchor_event_id = NULLIF($2, '')
		WHERE  id = $3 AND anchor_tx_id IS NULL`, txID, eventID, id)
	if err != nil {
		return fmt.Errorf("postgres: set certificate anchor %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		_, err := s.GetCertificate(ctx, id)
		return err
	}
	return nil
}

func (s *Store) ListUnanchoredCertificates(ctx context.Context, limit int) ([]domain.Certificate, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+certificateColumns+` FROM certificates
		WHERE anchor_tx_id IS NULL ORDER BY valid_from LIMIT $1`, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("postgres: list unanchored certificates: %w", err)
	}
	return collectCertificates(rows)
}

func (s *Store) PutEvidence(ctx context.Context, e domain.Evidence) error {
	seal, err := optionalJSON(e.Seal != nil, e.Seal)
	if err != nil {
		return err
	}
	temp, err := optionalJSON(e.Temperature != nil, e.Temperature)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO evidence (batch_id, seal, temperature, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (batch_id) DO UPDATE SET
			seal        = COALESCE(EXCLUDED.seal, evidence.seal),
			temperature = COALESCE(EXCLUDED.temperature, evidence.temperature),
			updated_at  = EXCLUDED.updated_at`,
		e.BatchID, seal, temp, e.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("postgres: put evidence %q: %w", e.BatchID, err)
	}
	return nil
}

func (s *Store) GetEvidence(ctx context.Context, batchID string) (domain.Evidence, error) {
	var e domain.Evidence
	var seal, temp []byte
	err := s.pool.QueryRow(ctx, `SELECT batch_id, seal, temperature, updated_at FROM evidence WHERE batch_id = $1`, batchID).
		Scan(&e.BatchID, &seal, &temp, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Evidence{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.Evidence{}, fmt.Errorf("postgres: get evidence %q: %w", batchID, err)
	}
	if len(seal) > 0 {
		e.Seal = &domain.SealSummary{}
		if err := json.Unmarshal(seal, e.Seal); err != nil {
			return domain.Evidence{}, fmt.Errorf("postgres: decode seal: %w", err)
		}
	}
	if len(temp) > 0 {
		e.Temperature = &domain.TemperatureSummary{}
		if err := json.Unmarshal(temp, e.Temperature); err != nil {
			return domain.Evidence{}, fmt.Errorf("postgres: decode temperature: %w", err)
		}
	}
	e.UpdatedAt = e.UpdatedAt.UTC()
	return e, nil
}

func scanStage(row pgx.Row) (domain.VerificationStage, error) {
	var st domain.VerificationStage
	var stageType, status, role string
	var lat, lng *int64
	var reviewedAt *time.Time
	err := row.Scan(&st.ID, &st.BatchID, &stageType, &status, &st.ActorID, &role, &st.Timestamp,
		&st.Location, &lat, &lng, &st.Notes, &st.EvidenceRef, &st.ReviewedBy, &reviewedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.VerificationStage{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.VerificationStage{}, fmt.Errorf("postgres: scan stage: %w", err)
	}
	st.StageType = domain.StageType(stageType)
	st.Status = domain.StageStatus(status)
	st.ActorRole = domain.Role(role)
	st.Timestamp = st.Timestamp.UTC()
	if lat != nil && lng != nil {
		st.Coordinates = &domain.Coordinates{LatE6: *lat, LngE6: *lng}
	}
	if reviewedAt != nil {
		t := reviewedAt.UTC()
		st.ReviewedAt = &t
	}
	return st, nil
}

func scanFinalization(row pgx.Row) (domain.FinalizationRecord, error) {
	var r domain.FinalizationRecord
	err := row.Scan(&r.BatchID, &r.ContentHash, &r.Payload, &r.AnchorTxID, &r.AnchorEventID, &r.FinalizedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.FinalizationRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.FinalizationRecord{}, fmt.Errorf("postgres: scan finalization: %w", err)
	}
	r.FinalizedAt = r.FinalizedAt.UTC()
	return r, nil
}

func scanCertificate(row pgx.Row) (domain.Certificate, error) {
	var c domain.Certificate
	var grade string
	err := row.Scan(&c.ID, &c.BatchID, &grade, &c.CertifyingBody, &c.PayloadSnapshot, &c.ContentHash,
		&c.AnchorTxID, &c.AnchorEventID, &c.ValidFrom, &c.ValidTo, &c.IssuedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Certificate{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.Certificate{}, fmt.Errorf("postgres: scan certificate: %w", err)
	}
	c.Grade = domain.Grade(grade)
	c.ValidFrom = c.ValidFrom.UTC()
	c.ValidTo = c.ValidTo.UTC()
	return c, nil
}

func collectCertificates(rows pgx.Rows) ([]domain.Certificate, error) {
	defer rows.Close()
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

func optionalJSON(present bool, v any) ([]byte, error) {
	if !present {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("postgres: encode evidence: %w", err)
	}
	return b, nil
}

// limitOrAll maps a non-positive limit to NULL, which Postgres reads as no limit.
func limitOrAll(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

package httpx

import (
	"time"

	"github.com/jcmexdev/agri-traceability/internal/anchor"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/certificate"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/domain"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/finalization"
	"github.com/jcmexdev/agri-traceability/internal/supplychain/oracle"
)

type CreateBatchRequest struct {
	ID             string `json:"id"`
	ProducerID     string `json:"producerId"`
	Product        string `json:"product"`
	Variety        string `json:"variety"`
	OriginRegion   string `json:"originRegion"`
	NetWeightGrams int64  `json:"netWeightGrams"`
	HarvestedOn    string `json:"harvestedOn"`
}

type BatchResponse struct {
	ID             string `json:"id"`
	ProducerID     string `json:"producerId"`
	Product        string `json:"product"`
	Variety        string `json:"variety,omitempty"`
	OriginRegion   string `json:"originRegion,omitempty"`
	NetWeightGrams int64  `json:"netWeightGrams"`
	HarvestedOn    string `json:"harvestedOn"`
	CreatedAt      string `json:"createdAt"`
}

// CreateStageRequest creates the next stage, or StageType when set.
type CreateStageRequest struct {
	StageType   string              `json:"stageType"`
	Override    bool                `json:"override"`
	Location    string              `json:"location"`
	Coordinates *domain.Coordinates `json:"coordinates"`
	Notes       string              `json:"notes"`
	EvidenceRef string              `json:"evidenceRef"`
}

type ReviewRequest struct {
	Notes string `json:"notes"`
}

type StageResponse struct {
	ID          string              `json:"id"`
	BatchID     string              `json:"batchId"`
	StageType   string              `json:"stageType"`
	Status      string              `json:"status"`
	ActorID     string              `json:"actorId"`
	ActorRole   string              `json:"actorRole"`
	Timestamp   string              `json:"timestamp"`
	Location    string              `json:"location,omitempty"`
	Coordinates *domain.Coordinates `json:"coordinates,omitempty"`
	Notes       string              `json:"notes,omitempty"`
	EvidenceRef string              `json:"evidenceRef,omitempty"`
	ReviewedBy  string              `json:"reviewedBy,omitempty"`
	ReviewedAt  string              `json:"reviewedAt,omitempty"`
}

type BatchStagesResponse struct {
	BatchID         string          `json:"batchId"`
	Stages          []StageResponse `json:"stages"`
	CurrentStage    *string         `json:"currentStage"`
	NextStage       *string         `json:"nextStage"`
	IsComplete      bool            `json:"isComplete"`
	ApprovedCount   int             `json:"approvedCount"`
	ProgressPercent int             `json:"progressPercent"`
}

type FinalizationResponse struct {
	BatchID       string `json:"batchId"`
	ContentHash   string `json:"contentHash"`
	AnchorTxID    string `json:"anchorTxId,omitempty"`
	AnchorEventID string `json:"anchorEventId,omitempty"`
	FinalizedAt   string `json:"finalizedAt"`
	AnchorError   string `json:"anchorError,omitempty"`
}

type BatchVerificationResponse struct {
	BatchID       string `json:"batchId"`
	IsValid       bool   `json:"isValid"`
	HashMatches   bool   `json:"hashMatches"`
	ComputedHash  string `json:"computedHash"`
	StoredHash    string `json:"storedHash"`
	AnchorTxID    string `json:"anchorTxId,omitempty"`
	AnchorSeen    bool   `json:"anchorSeen"`
	HistorySource string `json:"historySource"`
	FinalizedAt   string `json:"finalizedAt"`
	Reason        string `json:"reason,omitempty"`
}

type EventResponse struct {
	EventID     string           `json:"eventId"`
	TxID        string           `json:"txId"`
	EventType   string           `json:"eventType"`
	BatchID     string           `json:"batchId"`
	ContentHash string           `json:"contentHash"`
	Location    anchor.Location `json:"location"`
	Block       uint64           `json:"block"`
	Timestamp   string           `json:"timestamp"`
}

type HistoryResponse struct {
	BatchID string          `json:"batchId"`
	Source  string          `json:"source"`
	Events  []EventResponse `json:"events"`
}

type EvidenceRequest struct {
	Seal        *domain.SealSummary        `json:"seal"`
	Temperature *domain.TemperatureSummary `json:"temperature"`
}

type EvidenceResponse struct {
	BatchID     string                     `json:"batchId"`
	Seal        *domain.SealSummary        `json:"seal,omitempty"`
	Temperature *domain.TemperatureSummary `json:"temperature,omitempty"`
	UpdatedAt   string                     `json:"updatedAt"`
}

type EligibilityResponse struct {
	BatchID       string   `json:"batchId"`
	Grade         string   `json:"grade"`
	CanIssue      bool     `json:"canIssue"`
	MissingStages []string `json:"missingStages"`
}

type IssueCertificateRequest struct {
	Grade          string `json:"grade"`
	CertifyingBody string `json:"certifyingBody"`
	ValidityDays   int    `json:"validityDays"`
}

type CertificateResponse struct {
	ID             string `json:"id"`
	BatchID        string `json:"batchId"`
	Grade          string `json:"grade"`
	CertifyingBody string `json:"certifyingBody"`
	ContentHash    string `json:"contentHash"`
	AnchorTxID     string `json:"anchorTxId,omitempty"`
	AnchorEventID  string `json:"anchorEventId,omitempty"`
	ValidFrom      string `json:"validFrom"`
	ValidTo        string `json:"validTo"`
	IssuedBy       string `json:"issuedBy"`
	AnchorError    string `json:"anchorError,omitempty"`
}

type CertificateVerificationResponse struct {
	CertificateID string `json:"certificateId"`
	IsValid       bool   `json:"isValid"`
	IsExpired     bool   `json:"isExpired"`
	HashMatches   bool   `json:"hashMatches"`
	ComputedHash  string `json:"computedHash"`
	StoredHash    string `json:"storedHash"`
	Reason        string `json:"reason,omitempty"`
}

type ErrorResponse struct {
	Error    string            `json:"error"`
	Message  string            `json:"message,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func mapBatch(b domain.Batch) BatchResponse {
	return BatchResponse{
		ID:             b.ID,
		ProducerID:     b.ProducerID,
		Product:        b.Product,
		Variety:        b.Variety,
		OriginRegion:   b.OriginRegion,
		NetWeightGrams: b.NetWeightGrams,
		HarvestedOn:    b.HarvestedOn,
		CreatedAt:      formatTime(b.CreatedAt),
	}
}

func mapStage(s domain.VerificationStage) StageResponse {
	out := StageResponse{
		ID:          s.ID,
		BatchID:     s.BatchID,
		StageType:   string(s.StageType),
		Status:      string(s.Status),
		ActorID:     s.ActorID,
		ActorRole:   string(s.ActorRole),
		Timestamp:   formatTime(s.Timestamp),
		Location:    s.Location,
		Coordinates: s.Coordinates,
		Notes:       s.Notes,
		EvidenceRef: s.EvidenceRef,
		ReviewedBy:  s.ReviewedBy,
	}
	if s.ReviewedAt != nil {
		out.ReviewedAt = formatTime(*s.ReviewedAt)
	}
	return out
}

func mapBatchStages(v domain.BatchStages) BatchStagesResponse {
	out := BatchStagesResponse{
		BatchID:         v.BatchID,
		Stages:          make([]StageResponse, len(v.Stages)),
		IsComplete:      v.IsComplete,
		ApprovedCount:   v.ApprovedCount,
		ProgressPercent: v.ProgressPercent,
	}
	for i, s := range v.Stages {
		out.Stages[i] = mapStage(s)
	}
	if v.CurrentStage != nil {
		cur := string(*v.CurrentStage)
		out.CurrentStage = &cur
	}
	if v.NextStage != nil {
		next := string(*v.NextStage)
		out.NextStage = &next
	}
	return out
}

func mapFinalization(res *finalization.Result) FinalizationResponse {
	out := FinalizationResponse{
		BatchID:       res.Record.BatchID,
		ContentHash:   res.Record.ContentHash,
		AnchorTxID:    res.Record.AnchorTxID,
		AnchorEventID: res.Record.AnchorEventID,
		FinalizedAt:   formatTime(res.Record.FinalizedAt),
	}
	if res.AnchorError != nil {
		out.AnchorError = res.AnchorError.Error()
	}
	return out
}

func mapBatchVerification(v oracle.BatchVerification) BatchVerificationResponse {
	return BatchVerificationResponse{
		BatchID:       v.BatchID,
		IsValid:       v.IsValid,
		HashMatches:   v.HashMatches,
		ComputedHash:  v.ComputedHash,
		StoredHash:    v.StoredHash,
		AnchorTxID:    v.AnchorTxID,
		AnchorSeen:    v.AnchorSeen,
		HistorySource: string(v.HistorySource),
		FinalizedAt:   formatTime(v.FinalizedAt),
		Reason:        v.Reason,
	}
}

func mapHistory(h oracle.History) HistoryResponse {
	out := HistoryResponse{
		BatchID: h.BatchID,
		Source:  string(h.Source),
		Events:  make([]EventResponse, len(h.Events)),
	}
	for i, ev := range h.Events {
		out.Events[i] = EventResponse{
			EventID:     ev.EventID,
			TxID:        ev.TxID,
			EventType:   ev.EventType,
			BatchID:     ev.BatchID,
			ContentHash: ev.ContentHash,
			Location:    ev.Location,
			Block:       ev.Block,
			Timestamp:   formatTime(ev.Timestamp),
		}
	}
	return out
}

func mapEvidence(e domain.Evidence) EvidenceResponse {
	return EvidenceResponse{
		BatchID:     e.BatchID,
		Seal:        e.Seal,
		Temperature: e.Temperature,
		UpdatedAt:   formatTime(e.UpdatedAt),
	}
}

func mapEligibility(e domain.Eligibility) EligibilityResponse {
	out := EligibilityResponse{
		BatchID:       e.BatchID,
		Grade:         string(e.Grade),
		CanIssue:      e.CanIssue,
		MissingStages: make([]string, len(e.MissingStages)),
	}
	for i, st := range e.MissingStages {
		out.MissingStages[i] = string(st)
	}
	return out
}

func mapCertificate(c domain.Certificate) CertificateResponse {
	return CertificateResponse{
		ID:             c.ID,
		BatchID:        c.BatchID,
		Grade:          string(c.Grade),
		CertifyingBody: c.CertifyingBody,
		ContentHash:    c.ContentHash,
		AnchorTxID:     c.AnchorTxID,
		AnchorEventID:  c.AnchorEventID,
		ValidFrom:      formatTime(c.ValidFrom),
		ValidTo:        formatTime(c.ValidTo),
		IssuedBy:       c.IssuedBy,
	}
}

func mapIssued(res *certificate.Result) CertificateResponse {
	out := mapCertificate(res.Certificate)
	if res.AnchorError != nil {
		out.AnchorError = res.AnchorError.Error()
	}
	return out
}

func mapCertificateVerification(v domain.CertificateVerification) CertificateVerificationResponse {
	return CertificateVerificationResponse{
		CertificateID: v.CertificateID,
		IsValid:       v.IsValid,
		IsExpired:     v.IsExpired,
		HashMatches:   v.HashMatches,
		ComputedHash:  v.ComputedHash,
		StoredHash:    v.StoredHash,
		Reason:        v.Reason,
	}
}

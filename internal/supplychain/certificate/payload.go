package certificate

import (
	"time"

	"github.com/jcmexdev/agri-traceability/internal/supplychain/domain"
)

// Payload is the canonical certificate snapshot.
type Payload struct {
	SchemaVersion  int                        `json:"schemaVersion"`
	CertificateID  string                     `json:"certificateId"`
	Batch          BatchSummary               `json:"batch"`
	Grade          domain.Grade               `json:"grade"`
	CertifyingBody string                     `json:"certifyingBody"`
	IssuedBy       string                     `json:"issuedBy"`
	ValidFrom      string                     `json:"validFrom"`
	ValidTo        string                     `json:"validTo"`
	Stages         []StageSummary             `json:"stages"`
	Seal           *domain.SealSummary        `json:"seal,omitempty"`
	Temperature    *domain.TemperatureSummary `json:"temperature,omitempty"`
}

// BatchSummary holds the batch attributes frozen into a certificate.
type BatchSummary struct {
	ID             string `json:"id"`
	ProducerID     string `json:"producerId"`
	Product        string `json:"product"`
	Variety        string `json:"variety,omitempty"`
	OriginRegion   string `json:"originRegion,omitempty"`
	NetWeightGrams int64  `json:"netWeightGrams"`
	HarvestedOn    string `json:"harvestedOn,omitempty"`
}

// StageSummary is one approved stage in a certificate payload.
type StageSummary struct {
	StageType   domain.StageType    `json:"stageType"`
	ActorID     string              `json:"actorId"`
	ActorRole   domain.Role         `json:"actorRole"`
	Timestamp   string              `json:"timestamp"`
	Location    string              `json:"location,omitempty"`
	Coordinates *domain.Coordinates `json:"coordinates,omitempty"`
	ReviewedBy  string              `json:"reviewedBy,omitempty"`
	EvidenceRef string              `json:"evidenceRef,omitempty"`
}

// BuildPayload assembles the snapshot for cert. approved must already be
// filtered and ordered.
func BuildPayload(cert domain.Certificate, b domain.Batch, approved []domain.VerificationStage, ev domain.Evidence) Payload {
	p := Payload{
		SchemaVersion: SchemaVersion,
		CertificateID: cert.ID,
		Batch: BatchSummary{
			ID:             b.ID,
			ProducerID:     b.ProducerID,
			Product:        b.Product,
			Variety:        b.Variety,
			OriginRegion:   b.OriginRegion,
			NetWeightGrams: b.NetWeightGrams,
			HarvestedOn:    b.HarvestedOn,
		},
		Grade:          cert.Grade,
		CertifyingBody: cert.CertifyingBody,
		IssuedBy:       cert.IssuedBy,
		ValidFrom:      cert.ValidFrom.UTC().Format(time.RFC3339Nano),
		ValidTo:        cert.ValidTo.UTC().Format(time.RFC3339Nano),
		Stages:         make([]StageSummary, 0, len(approved)),
		Seal:           ev.Seal,
		Temperature:    ev.Temperature,
	}
	for _, s := range approved {
		p.Stages = append(p.Stages, StageSummary{
			StageType:   s.StageType,
			ActorID:     s.ActorID,
			ActorRole:   s.ActorRole,
			Timestamp:   s.Timestamp.UTC().Format(time.RFC3339Nano),
			Location:    s.Location,
			Coordinates: s.Coordinates,
			ReviewedBy:  s.ReviewedBy,
			EvidenceRef: s.EvidenceRef,
		})
	}
	return p
}

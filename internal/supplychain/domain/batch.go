package domain

import "time"

// Batch is a lot of produce tracked through the custody chain.
type Batch struct {
	ID             string
	ProducerID     string
	Product        string
	Variety        string
	OriginRegion   string
	NetWeightGrams int64
	HarvestedOn    string // YYYY-MM-DD
	CreatedAt      time.Time
}

// FinalizationRecord freezes a fully approved stage timeline.
// AnchorTxID stays empty until the hash lands on the ledger.
type FinalizationRecord struct {
	BatchID       string
	ContentHash   string
	Payload       []byte
	AnchorTxID    string
	AnchorEventID string
	FinalizedAt   time.Time
}

// Anchored reports whether the ledger reference is known.
func (r FinalizationRecord) Anchored() bool {
	return r.AnchorTxID != ""
}

// SealSummary is the packhouse seal check reported by an external collaborator.
type SealSummary struct {
	SealID    string    `json:"sealId"`
	Intact    bool      `json:"intact"`
	CheckedAt time.Time `json:"checkedAt"`
}

// TemperatureSummary aggregates cold-chain sensor readings in milli-degrees C.
type TemperatureSummary struct {
	MinMilliC  int64 `json:"minMilliC"`
	MaxMilliC  int64 `json:"maxMilliC"`
	Readings   int64 `json:"readings"`
	Excursions int64 `json:"excursions"`
}

// Evidence holds the optional adjacent summaries folded into certificates.
type Evidence struct {
	BatchID     string
	Seal        *SealSummary
	Temperature *TemperatureSummary
	UpdatedAt   time.Time
}

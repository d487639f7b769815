// Package domain holds the supply-chain verification types: stages, their
// status machine, the role permission tables and grade policies.
package domain

import (
	"strings"
	"time"
)

// StageType is one checkpoint in a batch's custody chain.
type StageType string

const (
	StageHarvest   StageType = "HARVEST"
	StagePacking   StageType = "PACKING"
	StageColdChain StageType = "COLD_CHAIN"
	StageExport    StageType = "EXPORT"
	StageDelivery  StageType = "DELIVERY"
)

// StageOrder is the fixed canonical order of stages.
var StageOrder = []StageType{StageHarvest, StagePacking, StageColdChain, StageExport, StageDelivery}

// StageCount is the number of stages a complete batch carries.
const StageCount = 5

// ParseStageType normalises s and reports whether it names a known stage.
func ParseStageType(s string) (StageType, bool) {
	st := StageType(strings.ToUpper(strings.TrimSpace(s)))
	return st, st.Index() >= 0
}

// Index returns the position of t in StageOrder, or -1.
func (t StageType) Index() int {
	for i, s := range StageOrder {
		if s == t {
			return i
		}
	}
	return -1
}

// StageStatus is the review state of a stage record.
type StageStatus string

const (
	StatusPending  StageStatus = "PENDING"
	StatusApproved StageStatus = "APPROVED"
	StatusRejected StageStatus = "REJECTED"
	StatusFlagged  StageStatus = "FLAGGED"
)

var transitions = map[StageStatus][]StageStatus{
	StatusPending: {StatusApproved, StatusRejected, StatusFlagged},
	StatusFlagged: {StatusApproved, StatusRejected},
}

// CanTransition reports whether from -> to is allowed.
// APPROVED and REJECTED are terminal.
func CanTransition(from, to StageStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseStageStatus normalises s and reports whether it names a known status.
func ParseStageStatus(s string) (StageStatus, bool) {
	st := StageStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StatusPending, StatusApproved, StatusRejected, StatusFlagged:
		return st, true
	}
	return st, false
}

// Coordinates are fixed-point microdegrees so that hashing never touches
// floating point.
type Coordinates struct {
	LatE6 int64 `json:"latE6"`
	LngE6 int64 `json:"lngE6"`
}

// VerificationStage is the record of one checkpoint for one batch.
type VerificationStage struct {
	ID          string
	BatchID     string
	StageType   StageType
	Status      StageStatus
	ActorID     string
	ActorRole   Role
	Timestamp   time.Time
	Location    string
	Coordinates *Coordinates
	Notes       string
	EvidenceRef string
	ReviewedBy  string
	ReviewedAt  *time.Time
}

// StageInput carries the optional attributes supplied when creating a stage.
type StageInput struct {
	Location    string
	Coordinates *Coordinates
	Notes       string
	EvidenceRef string
}

// BatchStages is the ordered view over a batch's stage records.
type BatchStages struct {
	BatchID         string
	Stages          []VerificationStage
	CurrentStage    *StageType
	NextStage       *StageType
	IsComplete      bool
	ApprovedCount   int
	Progress        float64
	ProgressPercent int
}

// SortStages orders records by canonical stage order in place.
func SortStages(stages []VerificationStage) {
	for i := 1; i < len(stages); i++ {
		for j := i; j > 0 && stages[j].StageType.Index() < stages[j-1].StageType.Index(); j-- {
			stages[j], stages[j-1] = stages[j-1], stages[j]
		}
	}
}

// LatestApproved returns the highest-ordered APPROVED stage type, if any.
func LatestApproved(stages []VerificationStage) (StageType, bool) {
	latest := -1
	for _, s := range stages {
		if s.Status == StatusApproved && s.StageType.Index() > latest {
			latest = s.StageType.Index()
		}
	}
	if latest < 0 {
		return "", false
	}
	return StageOrder[latest], true
}

// NextSlot returns the stage following the latest APPROVED one, or false when
// DELIVERY is already approved.
func NextSlot(stages []VerificationStage) (StageType, bool) {
	latest, ok := LatestApproved(stages)
	if !ok {
		return StageOrder[0], true
	}
	next := latest.Index() + 1
	if next >= len(StageOrder) {
		return "", false
	}
	return StageOrder[next], true
}

// ApprovedSet returns the approved stage types of stages.
func ApprovedSet(stages []VerificationStage) map[StageType]bool {
	out := make(map[StageType]bool, len(stages))
	for _, s := range stages {
		if s.Status == StatusApproved {
			out[s.StageType] = true
		}
	}
	return out
}

// Summarize builds the BatchStages view.
func Summarize(batchID string, stages []VerificationStage) BatchStages {
	ordered := make([]VerificationStage, len(stages))
	copy(ordered, stages)
	SortStages(ordered)

	view := BatchStages{BatchID: batchID, Stages: ordered}
	if cur, ok := LatestApproved(ordered); ok {
		view.CurrentStage = &cur
	}
	if next, ok := NextSlot(ordered); ok {
		view.NextStage = &next
	}
	view.ApprovedCount = len(ApprovedSet(ordered))
	view.IsComplete = view.ApprovedCount == StageCount
	view.Progress = float64(view.ApprovedCount) / StageCount
	view.ProgressPercent = view.ApprovedCount * 100 / StageCount
	return view
}

// AllApproved reports whether exactly one record exists per stage type and
// every record is APPROVED.
func AllApproved(stages []VerificationStage) bool {
	if len(stages) != StageCount {
		return false
	}
	seen := make(map[StageType]bool, StageCount)
	for _, s := range stages {
		if s.StageType.Index() < 0 || seen[s.StageType] || s.Status != StatusApproved {
			return false
		}
		seen[s.StageType] = true
	}
	return true
}

// Missing returns the stage types of required that are not in approved, in
// canonical order.
func Missing(required []StageType, approved map[StageType]bool) []StageType {
	var out []StageType
	for _, st := range StageOrder {
		if approved[st] {
			continue
		}
		for _, r := range required {
			if r == st {
				out = append(out, st)
				break
			}
		}
	}
	return out
}

// JoinStages renders stage types as a comma separated list.
func JoinStages(types []StageType) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}

// LatestCoordinates returns the coordinates of the last stage, in canonical
// order, that recorded any.
func LatestCoordinates(stages []VerificationStage) *Coordinates {
	var out *Coordinates
	best := -1
	for _, s := range stages {
		if s.Coordinates != nil && s.StageType.Index() > best {
			best = s.StageType.Index()
			c := *s.Coordinates
			out = &c
		}
	}
	return out
}

// CoordinatesOf returns the coordinates recorded on the stage of type t.
func CoordinatesOf(stages []VerificationStage, t StageType) *Coordinates {
	for _, s := range stages {
		if s.StageType == t && s.Coordinates != nil {
			c := *s.Coordinates
			return &c
		}
	}
	return nil
}

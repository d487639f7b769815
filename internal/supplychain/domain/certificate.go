package domain

import (
	"strings"
	"time"
)

// Grade is a certificate tier. PREMIUM > EXPORT > DOMESTIC.
type Grade string

const (
	GradePremium  Grade = "PREMIUM"
	GradeExport   Grade = "EXPORT"
	GradeDomestic Grade = "DOMESTIC"
)

// GradeRequirements maps each grade to the stages that must be approved.
// Each grade's set is a superset of the grade below it.
var GradeRequirements = map[Grade][]StageType{
	GradeDomestic: {StageHarvest, StagePacking},
	GradeExport:   {StageHarvest, StagePacking, StageColdChain, StageExport},
	GradePremium:  {StageHarvest, StagePacking, StageColdChain, StageExport, StageDelivery},
}

// ParseGrade normalises s and reports whether it names a known grade.
func ParseGrade(s string) (Grade, bool) {
	g := Grade(strings.ToUpper(strings.TrimSpace(s)))
	_, ok := GradeRequirements[g]
	return g, ok
}

// Rank orders grades; higher is stricter.
func (g Grade) Rank() int {
	switch g {
	case GradePremium:
		return 3
	case GradeExport:
		return 2
	case GradeDomestic:
		return 1
	}
	return 0
}

// Certificate is an issued grade certificate.
type Certificate struct {
	ID              string
	BatchID         string
	Grade           Grade
	CertifyingBody  string
	PayloadSnapshot []byte
	ContentHash     string
	AnchorTxID      string
	AnchorEventID   string
	ValidFrom       time.Time
	ValidTo         time.Time
	IssuedBy        string
}

// Anchored reports whether the ledger reference is known.
func (c Certificate) Anchored() bool {
	return c.AnchorTxID != ""
}

// Eligibility is the outcome of comparing approved stages with a grade policy.
type Eligibility struct {
	BatchID       string
	Grade         Grade
	CanIssue      bool
	MissingStages []StageType
}

// CertificateVerification is the result of recomputing a certificate hash.
type CertificateVerification struct {
	CertificateID string
	IsValid       bool
	IsExpired     bool
	HashMatches   bool
	ComputedHash  string
	StoredHash    string
	Reason        string
}

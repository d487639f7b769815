package domain

import "strings"

// Role is the resolved role of an actor. Identity resolution happens upstream.
type Role string

const (
	RoleFarmer    Role = "FARMER"
	RolePackhouse Role = "PACKHOUSE"
	RoleLogistics Role = "LOGISTICS"
	RoleExporter  Role = "EXPORTER"
	RoleImporter  Role = "IMPORTER"
	RoleInspector Role = "INSPECTOR"
	RoleCustoms   Role = "CUSTOMS"
	RoleSystem    Role = "SYSTEM"
	RoleAdmin     Role = "ADMIN"
)

// ParseRole normalises s to a Role.
func ParseRole(s string) Role {
	return Role(strings.ToUpper(strings.TrimSpace(s)))
}

// Actor is the caller of a stage operation.
type Actor struct {
	ID   string
	Role Role
}

// StagePermission lists who may create and who may review one stage type.
type StagePermission struct {
	Creators  []Role
	Approvers []Role
}

// StagePermissions is the fixed creator/approver table.
var StagePermissions = map[StageType]StagePermission{
	StageHarvest: {
		Creators:  []Role{RoleFarmer, RoleAdmin},
		Approvers: []Role{RoleInspector, RoleAdmin},
	},
	StagePacking: {
		Creators:  []Role{RolePackhouse, RoleAdmin},
		Approvers: []Role{RoleInspector, RoleAdmin},
	},
	StageColdChain: {
		Creators:  []Role{RoleLogistics, RolePackhouse, RoleSystem, RoleAdmin},
		Approvers: []Role{RoleInspector, RoleAdmin},
	},
	StageExport: {
		Creators:  []Role{RoleExporter, RoleAdmin},
		Approvers: []Role{RoleCustoms, RoleAdmin},
	},
	StageDelivery: {
		Creators:  []Role{RoleLogistics, RoleImporter, RoleAdmin},
		Approvers: []Role{RoleImporter, RoleAdmin},
	},
}

// overrideRoles may create stages outside canonical order.
var overrideRoles = []Role{RoleAdmin}

// systemRoles create stages that start APPROVED.
var systemRoles = []Role{RoleSystem}

// certificateIssuers may issue grade certificates.
var certificateIssuers = []Role{RoleInspector, RoleAdmin}

// evidenceReporters may post seal and temperature summaries.
var evidenceReporters = []Role{RoleSystem, RoleInspector, RoleAdmin}

// CanIssueCertificates reports whether role may issue certificates.
func CanIssueCertificates(role Role) bool {
	return contains(certificateIssuers, role)
}

// CanReportEvidence reports whether role may post evidence summaries.
func CanReportEvidence(role Role) bool {
	return contains(evidenceReporters, role)
}

// CanCreate reports whether role may create stages of type t.
func CanCreate(role Role, t StageType) bool {
	return contains(StagePermissions[t].Creators, role)
}

// CanApprove reports whether role may review (approve, reject, flag) stages of type t.
func CanApprove(role Role, t StageType) bool {
	return contains(StagePermissions[t].Approvers, role)
}

// CanOverride reports whether role may create stages out of order.
func CanOverride(role Role) bool {
	return contains(overrideRoles, role)
}

// IsSystem reports whether stages created by role are system-asserted.
func IsSystem(role Role) bool {
	return contains(systemRoles, role)
}

func contains(roles []Role, role Role) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// Package apperr provides the structured error taxonomy shared by every
// component: a Kind used for transport mapping plus a stable machine code.
package apperr

import (
	"net/http"

	"google.golang.org/grpc/codes"
)

// Kind classifies an error for propagation and transport mapping.
type Kind string

const (
	KindInternal      Kind = "INTERNAL"
	KindValidation    Kind = "VALIDATION"
	KindAuthorization Kind = "AUTHORIZATION"
	KindNotFound      Kind = "NOT_FOUND"
	KindConflict      Kind = "CONFLICT"
	KindLedger        Kind = "LEDGER"
)

// Code is a machine-readable error code. Codes are stable across releases.
type Code string

const (
	CodeUnknown Code = "UNKNOWN"

	// Validation
	CodeInvalidArgument         Code = "INVALID_ARGUMENT"
	CodeInvalidStageType        Code = "INVALID_STAGE_TYPE"
	CodeInvalidGrade            Code = "INVALID_GRADE"
	CodeInvalidStatusTransition Code = "INVALID_STATUS_TRANSITION"
	CodeStageOutOfOrder         Code = "STAGE_OUT_OF_ORDER"
	CodeBatchComplete           Code = "BATCH_COMPLETE"

	// Authorization
	CodeRoleNotPermitted     Code = "ROLE_NOT_PERMITTED"
	CodeOverrideNotPermitted Code = "OVERRIDE_NOT_PERMITTED"

	// Not found
	CodeBatchNotFound        Code = "BATCH_NOT_FOUND"
	CodeStageNotFound        Code = "STAGE_NOT_FOUND"
	CodeCertificateNotFound  Code = "CERTIFICATE_NOT_FOUND"
	CodeFinalizationNotFound Code = "FINALIZATION_NOT_FOUND"

	// Conflict
	CodeBatchAlreadyExists     Code = "BATCH_ALREADY_EXISTS"
	CodeStageAlreadyExists     Code = "STAGE_ALREADY_EXISTS"
	CodeStageStatusChanged     Code = "STAGE_STATUS_CHANGED"
	CodeBatchAlreadyFinalized  Code = "BATCH_ALREADY_FINALIZED"
	CodeBatchNotReady          Code = "BATCH_NOT_READY"
	CodeRequirementsNotMet     Code = "REQUIREMENTS_NOT_MET"
	CodeCertificateIDCollision Code = "CERTIFICATE_ID_COLLISION"

	// Ledger
	CodeLedgerUnavailable  Code = "LEDGER_UNAVAILABLE"
	CodeLedgerRejected     Code = "LEDGER_REJECTED"
	CodeLedgerRetriesSpent Code = "LEDGER_RETRIES_EXHAUSTED"
)

// HTTPStatus maps a Kind to an HTTP status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindLedger:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps a Kind to a gRPC status code.
func (k Kind) GRPCCode() codes.Code {
	switch k {
	case KindValidation:
		return codes.InvalidArgument
	case KindAuthorization:
		return codes.PermissionDenied
	case KindNotFound:
		return codes.NotFound
	case KindConflict:
		return codes.FailedPrecondition
	case KindLedger:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

package errors

import "strings"

// ErrorCode is a string representation of a specific error condition.
type ErrorCode string

func (c ErrorCode) String() string {
	return string(c)
}

// Common error codes.
const (
	ErrCodeInternal           ErrorCode = "COMMON_001"
	ErrCodeBadRequest         ErrorCode = "COMMON_002"
	ErrCodeNotFound           ErrorCode = "COMMON_003"
	ErrCodeConflict           ErrorCode = "COMMON_004"
	ErrCodeTimeout            ErrorCode = "COMMON_005"
	ErrCodeServiceUnavailable ErrorCode = "COMMON_006"
	ErrCodeValidation         ErrorCode = "COMMON_007"
	ErrCodeSerialization      ErrorCode = "COMMON_008"
	ErrCodeDatabaseError      ErrorCode = "COMMON_009"
	ErrCodeCacheError         ErrorCode = "COMMON_010"
	ErrCodeConfigInvalid      ErrorCode = "COMMON_011"
	ErrCodeNotImplemented     ErrorCode = "COMMON_012"
)

// Preprocessing error codes.
const (
	ErrCodeMalformedInput    ErrorCode = "PRE_001"
	ErrCodeExpansionOverflow ErrorCode = "PRE_002"
)

// Extraction error codes.
const (
	ErrCodeVocabularyMissing ErrorCode = "EXT_001"
	ErrCodeModalityUnknown   ErrorCode = "EXT_002"
)

// Retrieval error codes.
const (
	ErrCodeRetrievalFailed  ErrorCode = "RET_001"
	ErrCodeRetrievalTimeout ErrorCode = "RET_002"
	ErrCodeCatalogEmpty     ErrorCode = "RET_003"
	ErrCodeCatalogCorrupt   ErrorCode = "RET_004"
)

// Scoring error codes.
const (
	ErrCodeScoringFailed    ErrorCode = "SCR_001"
	ErrCodeNoViableCandidate ErrorCode = "SCR_002"
	ErrCodeRerankerTimeout  ErrorCode = "SCR_003"
)

// Validation state-machine error codes.
const (
	ErrCodeValidationRecordNotFound  ErrorCode = "VAL_001"
	ErrCodeExcludedFailedValidation  ErrorCode = "VAL_002"
	ErrCodeInvalidTransition         ErrorCode = "VAL_003"
	ErrCodeDecisionActionUnknown     ErrorCode = "VAL_004"
	ErrCodeSnapshotRebuildFailed     ErrorCode = "VAL_005"
)

// ErrorCodeMessage maps ErrorCodes to default messages.
var ErrorCodeMessage = map[ErrorCode]string{
	ErrCodeInternal:           "internal error",
	ErrCodeBadRequest:         "bad request",
	ErrCodeNotFound:           "resource not found",
	ErrCodeConflict:           "resource conflict",
	ErrCodeTimeout:            "operation timed out",
	ErrCodeServiceUnavailable: "service unavailable",
	ErrCodeValidation:         "validation failed",
	ErrCodeSerialization:      "serialization failed",
	ErrCodeDatabaseError:      "database error",
	ErrCodeCacheError:         "cache error",
	ErrCodeConfigInvalid:      "invalid configuration",
	ErrCodeNotImplemented:     "not implemented",

	ErrCodeMalformedInput:    "malformed input record",
	ErrCodeExpansionOverflow: "abbreviation expansion exceeded pass limit",

	ErrCodeVocabularyMissing: "extraction vocabulary not loaded",
	ErrCodeModalityUnknown:   "unknown modality code",

	ErrCodeRetrievalFailed:  "candidate retrieval failed",
	ErrCodeRetrievalTimeout: "candidate retrieval timed out",
	ErrCodeCatalogEmpty:     "reference catalog is empty",
	ErrCodeCatalogCorrupt:   "reference catalog is corrupt",

	ErrCodeScoringFailed:     "candidate scoring failed",
	ErrCodeNoViableCandidate: "no candidate passed the component-threshold gate",
	ErrCodeRerankerTimeout:   "semantic reranker timed out",

	ErrCodeValidationRecordNotFound: "validation record not found",
	ErrCodeExcludedFailedValidation: "input is excluded by failed validation",
	ErrCodeInvalidTransition:        "invalid validation state transition",
	ErrCodeDecisionActionUnknown:    "unknown validation decision action",
	ErrCodeSnapshotRebuildFailed:    "validation snapshot rebuild failed",
}

// DefaultMessageForCode returns the default message for an ErrorCode.
func DefaultMessageForCode(code ErrorCode) string {
	if msg, ok := ErrorCodeMessage[code]; ok {
		return msg
	}
	return "unknown error"
}

// ModuleForCode returns the module prefix of an ErrorCode.
func ModuleForCode(code ErrorCode) string {
	parts := strings.Split(string(code), "_")
	if len(parts) > 0 && parts[0] != "" {
		return parts[0]
	}
	return "UNKNOWN"
}

// IsRecordLevel reports whether the code describes a per-record failure that
// should be captured in the batch response rather than aborting the batch.
// Structural failures (config, catalog) are the only fatal class.
func IsRecordLevel(code ErrorCode) bool {
	switch code {
	case ErrCodeConfigInvalid, ErrCodeCatalogCorrupt, ErrCodeCatalogEmpty:
		return false
	default:
		return true
	}
}

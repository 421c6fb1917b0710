package model

import (
	"errors"
	"fmt"
	"strings"
)

const (
	NotFoundErrorCode             = "NOT_FOUND"
	AlreadyExistsErrorCode        = "ALREADY_EXISTS"
	VersionConflictErrorCode      = "VERSION_CONFLICT"
	InvalidConfigurationErrorCode = "INVALID_CONFIGURATION"
	StoreUnavailableErrorCode     = "STORE_UNAVAILABLE"
	EvaluationFailedErrorCode     = "EVALUATION_FAILED"
	BadRequestErrorCode           = "BAD_REQUEST"
	GeneralErrorCode              = "GENERAL"
)

var (
	ErrNotFound             = errors.New(NotFoundErrorCode)
	ErrAlreadyExists        = errors.New(AlreadyExistsErrorCode)
	ErrVersionConflict      = errors.New(VersionConflictErrorCode)
	ErrInvalidConfiguration = errors.New(InvalidConfigurationErrorCode)
	ErrStoreUnavailable     = errors.New(StoreUnavailableErrorCode)
	ErrEvaluationFailed     = errors.New(EvaluationFailedErrorCode)
)

func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

// ErrorCode maps an error onto one of the error codes above.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return NotFoundErrorCode
	case errors.Is(err, ErrAlreadyExists):
		return AlreadyExistsErrorCode
	case errors.Is(err, ErrVersionConflict):
		return VersionConflictErrorCode
	case errors.Is(err, ErrInvalidConfiguration):
		return InvalidConfigurationErrorCode
	case errors.Is(err, ErrStoreUnavailable):
		return StoreUnavailableErrorCode
	case errors.Is(err, ErrEvaluationFailed):
		return EvaluationFailedErrorCode
	default:
		return GeneralErrorCode
	}
}

// Violation codes reported by Validate.
const (
	ViolationRequired       = "REQUIRED"
	ViolationInvalidValue   = "INVALID_VALUE"
	ViolationOutOfRange     = "OUT_OF_RANGE"
	ViolationWeightSum      = "WEIGHT_SUM"
	ViolationDuplicateKey   = "DUPLICATE_KEY"
	ViolationVariantCount   = "VARIANT_COUNT"
	ViolationUnexpectedList = "UNEXPECTED_VARIANTS"
	ViolationImmutable      = "IMMUTABLE"
)

type Violation struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationError carries every constraint a definition violates.
type ValidationError struct {
	Violations []Violation `json:"violations"`
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, fmt.Sprintf("%s: %s", v.Field, v.Message))
	}
	return fmt.Sprintf("%s: %s", InvalidConfigurationErrorCode, strings.Join(msgs, "; "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidConfiguration
}

// Has reports whether a violation with the given code was recorded.
func (e *ValidationError) Has(code string) bool {
	for _, v := range e.Violations {
		if v.Code == code {
			return true
		}
	}
	return false
}

func (e *ValidationError) add(field, code, format string, args ...any) {
	e.Violations = append(e.Violations, Violation{
		Field:   field,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	})
}

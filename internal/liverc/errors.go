package liverc

import (
	"errors"
	"fmt"
)

// Code is the machine-readable error code carried by every IngestionError.
type Code string

const (
	CodeConnectorHTTP       Code = "CONNECTOR_HTTP_ERROR"
	CodeEventPageFormat     Code = "EVENT_PAGE_FORMAT_ERROR"
	CodeRacePageFormat      Code = "RACE_PAGE_FORMAT_ERROR"
	CodeLapTableMissing     Code = "LAP_TABLE_MISSING_ERROR"
	CodeUnsupportedVariant  Code = "UNSUPPORTED_LIVERC_VARIANT_ERROR"
	CodeNormalisation       Code = "NORMALISATION_ERROR"
	CodeValidation          Code = "VALIDATION_ERROR"
	CodeStateMachine        Code = "STATE_MACHINE_ERROR"
	CodeIngestionInProgress Code = "INGESTION_IN_PROGRESS"
	CodePersistence         Code = "PERSISTENCE_ERROR"
	CodeConstraintViolation Code = "CONSTRAINT_VIOLATION_ERROR"
	CodeIngestionTimeout    Code = "INGESTION_TIMEOUT"
)

// IngestionError is the structured error type every public boundary in this
// module returns instead of panicking. It carries a machine-readable code,
// the subsystem that raised it, and a details bag for structured logging.
type IngestionError struct {
	Msg     string
	Code    Code
	Src     string
	Details map[string]any
	Cause   error
}

func (e *IngestionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Cause)
	}

	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *IngestionError) Unwrap() error { return e.Cause }

// ToDict renders the error as a structured map, e.g. for slog.Any or
// for surfacing to a CLI caller.
func (e *IngestionError) ToDict() map[string]any {
	d := make(map[string]any, len(e.Details)+3)
	for k, v := range e.Details {
		d[k] = v
	}

	d["code"] = string(e.Code)
	d["source"] = e.Src
	d["message"] = e.Msg

	return d
}

func newErr(code Code, source, msg string, details map[string]any, cause error) *IngestionError {
	return &IngestionError{Msg: msg, Code: code, Src: source, Details: details, Cause: cause}
}

// NewConnectorHTTPError reports a transport-level fetch failure: timeout,
// connection refused, non-2xx status after retries exhausted.
func NewConnectorHTTPError(url string, status int, cause error) *IngestionError {
	return newErr(CodeConnectorHTTP, "fetch", "connector HTTP request failed",
		map[string]any{"url": url, "status": status}, cause)
}

// NewEventPageFormatError reports an HTTP-successful event page whose body
// the parser could not make sense of (missing table, unexpected markup).
func NewEventPageFormatError(url, msg string) *IngestionError {
	return newErr(CodeEventPageFormat, "parse", msg, map[string]any{"url": url}, nil)
}

// NewRacePageFormatError reports a race result page the parser rejected.
func NewRacePageFormatError(url, msg string) *IngestionError {
	return newErr(CodeRacePageFormat, "parse", msg, map[string]any{"url": url}, nil)
}

// NewLapTableMissingError reports an embedded racerLaps block that could not
// be located or parsed for a specific driver.
func NewLapTableMissingError(driverID, raceID, msg string) *IngestionError {
	return newErr(CodeLapTableMissing, "parse", msg,
		map[string]any{"driver_id": driverID, "race_id": raceID}, nil)
}

// NewUnsupportedVariantError reports a page layout the connector does not
// recognize as any supported LiveRC page variant.
func NewUnsupportedVariantError(url, msg string) *IngestionError {
	return newErr(CodeUnsupportedVariant, "parse", msg, map[string]any{"url": url}, nil)
}

// NewNormalisationError reports a field whose raw text could not be parsed
// into its canonical form (a lap time, a datetime, a race label).
func NewNormalisationError(field, value, msg string) *IngestionError {
	return newErr(CodeNormalisation, "normalize", msg,
		map[string]any{"field": field, "value": value}, nil)
}

// NewValidationError reports a broken structural or semantic invariant.
func NewValidationError(field, msg string, details map[string]any) *IngestionError {
	if details == nil {
		details = map[string]any{}
	}

	details["field"] = field

	return newErr(CodeValidation, "validate", msg, details, nil)
}

// NewStateMachineError reports an invalid ingest-depth transition.
func NewStateMachineError(from, to IngestDepth, msg string) *IngestionError {
	return newErr(CodeStateMachine, "state", msg,
		map[string]any{"from": string(from), "to": string(to)}, nil)
}

// NewIngestionInProgressError reports a failed non-blocking advisory-lock
// acquisition: another ingestion already owns the lock scope.
func NewIngestionInProgressError(lockKey string) *IngestionError {
	return newErr(CodeIngestionInProgress, "lock", "ingestion already in progress",
		map[string]any{"lock_key": lockKey}, nil)
}

// NewPersistenceError wraps an unexpected store-level failure.
func NewPersistenceError(op string, cause error) *IngestionError {
	return newErr(CodePersistence, "store", "persistence operation failed",
		map[string]any{"op": op}, cause)
}

// NewConstraintViolationError reports a unique/FK constraint violation.
// raceCondition marks the specific cross-transaction-race variant where a
// driver created under savepoint rollback is not yet visible, which the
// pipeline may retry once (see ErrDriverRaceCondition below).
func NewConstraintViolationError(op, msg string, raceCondition bool, cause error) *IngestionError {
	return newErr(CodeConstraintViolation, "store", msg,
		map[string]any{"op": op, "race_condition": raceCondition}, cause)
}

// NewIngestionTimeoutError reports a supervisor-raised inactivity or
// total-duration timeout.
func NewIngestionTimeoutError(eventID, reason string) *IngestionError {
	return newErr(CodeIngestionTimeout, "pipeline", "ingestion timed out",
		map[string]any{"event_id": eventID, "reason": reason}, nil)
}

// ErrDriverRaceCondition is the sentinel a ConstraintViolationError wraps
// when a new-driver insert's savepoint rolled back and the winning row was
// still not visible afterward: a genuine cross-transaction race that the
// pipeline may retry the whole event for, exactly once. Callers check it
// with errors.Is rather than matching message substrings.
var ErrDriverRaceCondition = errors.New("driver row not visible after savepoint rollback")

// IsRaceCondition reports whether err is (or wraps) a ConstraintViolation
// carrying the retryable cross-transaction race signal.
func IsRaceCondition(err error) bool {
	return errors.Is(err, ErrDriverRaceCondition)
}

// AsIngestionError unwraps err to an *IngestionError if one is in the chain.
func AsIngestionError(err error) (*IngestionError, bool) {
	var ie *IngestionError

	ok := errors.As(err, &ie)

	return ie, ok
}

package cycle

import (
	"fmt"
	"strings"

	"github.com/nugget/beacon/internal/payload"
)

// ErrorCode is the device error state reported in fallback payloads.
// Codes are totally ordered by [ErrorCode.Severity].
type ErrorCode int

const (
	// ErrNone means the last cycle encoded normally.
	ErrNone ErrorCode = 0
	// ErrJSONBufferMax means the payload exceeded its byte budget. It
	// clears at the start of the next cycle.
	ErrJSONBufferMax ErrorCode = 1
	// ErrCritical is reserved for faults that must not self-heal. Nothing
	// raises it today and nothing clears it.
	ErrCritical ErrorCode = 128
)

// Code returns the numeric value carried in the error payload.
func (e ErrorCode) Code() int { return int(e) }

// Severity ranks codes: None < JSONBufferMax < Critical.
func (e ErrorCode) Severity() int {
	switch e {
	case ErrNone:
		return 0
	case ErrJSONBufferMax:
		return 1
	default:
		return 2
	}
}

// Sticky reports whether the error survives into the next cycle.
func (e ErrorCode) Sticky() bool {
	return e.Severity() >= ErrCritical.Severity()
}

// String returns the code name.
func (e ErrorCode) String() string {
	switch e {
	case ErrNone:
		return "none"
	case ErrJSONBufferMax:
		return "json_buffer_max"
	case ErrCritical:
		return "critical"
	default:
		return fmt.Sprintf("error(%d)", int(e))
	}
}

// MinBudget returns the smallest payload budget that still fits the
// longest error report for a device id of idLen bytes.
func MinBudget(idProp string, idLen int) int {
	return len(payload.ErrorPayload(idProp, strings.Repeat("0", idLen), ErrCritical.Code()))
}

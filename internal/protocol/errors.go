package protocol

const (
	// Request validation.
	ErrBadRequest = "E_BAD_REQUEST"
	ErrNotFound   = "E_NOT_FOUND"

	// Raised by the transport when no user identity could be established.
	ErrUnauthorized = "E_UNAUTHORIZED"

	// Concurrency conflicts. All of them carry enough context to resynchronize.
	ErrConflict   = "E_CONFLICT"
	ErrStale      = "E_STALE"
	ErrInProgress = "E_IN_PROGRESS"
	ErrKeyFailed  = "E_KEY_FAILED"

	// Quota and budget exhaustion.
	ErrRateLimit = "E_RATE_LIMIT"
	ErrBudget    = "E_BUDGET"

	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrBadRequest:   {},
	ErrNotFound:     {},
	ErrUnauthorized: {},
	ErrConflict:     {},
	ErrStale:        {},
	ErrInProgress:   {},
	ErrKeyFailed:    {},
	ErrRateLimit:    {},
	ErrBudget:       {},
	ErrInternal:     {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// ErrorLabel is the coarse class name sent in the "error" field of error bodies.
func ErrorLabel(status int) string {
	switch status {
	case 400:
		return "VALIDATION_ERROR"
	case 401:
		return "UNAUTHORIZED"
	case 404:
		return "NOT_FOUND"
	case 409:
		return "CONFLICT"
	case 429:
		return "RATE_LIMIT"
	default:
		return "ERROR"
	}
}

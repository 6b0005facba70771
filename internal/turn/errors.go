package turn

import (
	"errors"
	"fmt"
	"net/http"

	"faxhistoria.ai/internal/protocol"
)

type Kind int

const (
	KindValidation Kind = iota + 1
	KindNotFound
	KindConflict
	KindQuota
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindQuota:
		return "quota"
	case KindInternal:
		return "internal"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is what Submit returns for every rejected or failed turn. Status is
// the HTTP status the transports answer with; CurrentTurnNumber is set on
// conflicts the caller can resynchronize from.
type Error struct {
	Kind              Kind
	Code              string
	Status            int
	Message           string
	CurrentTurnNumber *int
	Err               error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Err }

// Body renders e as the wire error body.
func (e *Error) Body() protocol.ErrorResponse {
	return protocol.ErrorResponse{
		Error:             protocol.ErrorLabel(e.Status),
		Code:              e.Code,
		Message:           e.Message,
		StatusCode:        e.Status,
		CurrentTurnNumber: e.CurrentTurnNumber,
	}
}

// AsError converts any error into an *Error, hiding the detail of anything
// that is not already one.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return &Error{Kind: KindInternal, Code: protocol.ErrInternal, Status: http.StatusInternalServerError, Message: "Internal server error", Err: err}
}

func ValidationError(msg string) *Error {
	return &Error{Kind: KindValidation, Code: protocol.ErrBadRequest, Status: http.StatusBadRequest, Message: msg}
}

func NotFoundError(msg string) *Error {
	return &Error{Kind: KindNotFound, Code: protocol.ErrNotFound, Status: http.StatusNotFound, Message: msg}
}

func conflictError(code, msg string, current *int) *Error {
	return &Error{Kind: KindConflict, Code: code, Status: http.StatusConflict, Message: msg, CurrentTurnNumber: current}
}

func quotaError(code, msg string) *Error {
	return &Error{Kind: KindQuota, Code: code, Status: http.StatusTooManyRequests, Message: msg}
}

func internalError(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Code: protocol.ErrInternal, Status: http.StatusInternalServerError, Message: msg, Err: err}
}

func intPtr(v int) *int { return &v }

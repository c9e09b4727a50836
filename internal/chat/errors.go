package chat

import (
	"fmt"

	"github.com/pkg/errors"
)

const (
	CodeValidation          = "validation"
	CodeUnauthenticated     = "unauthenticated"
	CodeNotAParticipant     = "not_a_participant"
	CodePermissionDenied    = "permission_denied"
	CodeDeliveryUnavailable = "delivery_unavailable"
	CodeNotFound            = "not_found"
	CodeTransientIO         = "transient_io"
	CodeInternal            = "internal"
)

type Error struct {
	Code      string
	Message   string
	Transient bool
	Status    int
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func statusForCode(code string) int {
	switch code {
	case CodeValidation:
		return 400
	case CodeUnauthenticated:
		return 401
	case CodeNotAParticipant, CodePermissionDenied:
		return 403
	case CodeNotFound:
		return 404
	case CodeDeliveryUnavailable:
		return 409
	case CodeTransientIO:
		return 503
	default:
		return 500
	}
}

func newError(code, message string, transient bool, err error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Transient: transient,
		Status:    statusForCode(code),
		Err:       err,
	}
}

func NewValidationError(message string) error {
	return newError(CodeValidation, message, false, nil)
}

func NewValidationJSONError(err error) error {
	return newError(CodeValidation, "invalid json: "+err.Error(), false, nil)
}

func NewUnauthenticatedError() error {
	return newError(CodeUnauthenticated, "no acting identity", false, nil)
}

func NewNotAParticipantError(identityID, conversationID string) error {
	return newError(CodeNotAParticipant,
		fmt.Sprintf("identity %q is not a participant of conversation %q", identityID, conversationID), false, nil)
}

func NewPermissionDeniedError(message string) error {
	return newError(CodePermissionDenied, message, false, nil)
}

func NewDeliveryUnavailableError(recipientID string) error {
	return newError(CodeDeliveryUnavailable, fmt.Sprintf("recipient %q has no registered endpoint", recipientID), false, nil)
}

func NewNotFoundError(kind, id string) error {
	return newError(CodeNotFound, fmt.Sprintf("%s %q not found", kind, id), false, nil)
}

func NewTransientError(message string, err error) error {
	return newError(CodeTransientIO, message, true, err)
}

func NewInternalError(message string) error {
	return newError(CodeInternal, message, true, nil)
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternal
}

func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

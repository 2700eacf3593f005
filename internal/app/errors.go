package app

import (
	"fmt"
	"net/http"
	"strings"

	"canvascollab/internal/collab"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func statusForKind(kind collab.Kind) int {
	switch kind {
	case collab.KindNotFound:
		return http.StatusNotFound
	case collab.KindInvalidArgument:
		return http.StatusUnprocessableEntity
	case collab.KindLockHeld:
		return http.StatusLocked
	case collab.KindInvalidState,
		collab.KindCapacityExceeded,
		collab.KindDuplicateParticipant,
		collab.KindLockNotHeld,
		collab.KindAlreadyExists:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func fromCollabError(err *collab.Error) *DomainError {
	var details any
	if len(err.Details) > 0 {
		details = err.Details
	}
	return domainError(statusForKind(err.Kind), strings.ToUpper(string(err.Kind)), err.Message, details)
}

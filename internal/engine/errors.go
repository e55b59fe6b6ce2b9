package engine

import "fmt"

// Code identifies a stable operation failure on the coordinator surface.
// Callers branch on codes, not message text.
type Code string

const (
	CodeItemNotFound      Code = "ITEM_NOT_FOUND"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeWIPLimitExceeded  Code = "WIP_LIMIT_EXCEEDED"
	CodeInvalidStage      Code = "INVALID_STAGE"
	CodeItemClaimed       Code = "ITEM_CLAIMED"
	CodeNotClaimed        Code = "NOT_CLAIMED"
	CodeMissionNotFound   Code = "MISSION_NOT_FOUND"
	CodeMissionActive     Code = "MISSION_ACTIVE"
	CodeBadRequest        Code = "BAD_REQUEST"
)

// Error is a coordinator operation failure with a stable code and enough
// detail for the caller to act (e.g. the holder of a conflicting claim).
type Error struct {
	Code    Code
	Message string
	Details map[string]any
}

func (e *Error) Error() string { return e.Message }

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) withDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

func itemNotFound(id string) *Error {
	return newError(CodeItemNotFound, "work item %s not found", id).withDetail("item_id", id)
}

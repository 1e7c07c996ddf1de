package domain

import (
	"context"
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeInvalidArgument  ErrorCode = "INVALID_ARGUMENT"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeUnavailable      ErrorCode = "UNAVAILABLE"
	CodeFailedPrecond    ErrorCode = "FAILED_PRECONDITION"
	CodeAborted          ErrorCode = "ABORTED"
	CodeInternal         ErrorCode = "INTERNAL"
	CodeCanceled         ErrorCode = "CANCELED"
	CodeDeadlineExceeded ErrorCode = "DEADLINE_EXCEEDED"
)

var (
	ErrToolNotFound        = errors.New("tool not found")
	ErrServerNotFound      = errors.New("tool server not found")
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionTerminated   = errors.New("session terminated")
	ErrSnapshotCorrupt     = errors.New("session snapshot is corrupt")
	ErrStoreClosed         = errors.New("snapshot store closed")
	ErrIllegalTransition   = errors.New("illegal stage transition")
	ErrEmptyInput          = errors.New("user input is empty")
	ErrReasonerUnavailable = errors.New("reasoner unavailable")
)

type Error struct {
	Code      ErrorCode
	Op        string
	Message   string
	Cause     error
	Retryable bool
	Meta      map[string]string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Op == "" {
		if msg == "" {
			return string(e.Code)
		}
		return fmt.Sprintf("%s: %s", e.Code, msg)
	}
	if msg == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func E(code ErrorCode, op, msg string, cause error) *Error {
	if msg == "" && cause != nil {
		msg = cause.Error()
	}
	return &Error{
		Code:    code,
		Op:      op,
		Message: msg,
		Cause:   cause,
	}
}

func Wrap(code ErrorCode, op string, err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		if existing.Op != "" || op == "" {
			return existing
		}
		return &Error{
			Code:      existing.Code,
			Op:        op,
			Message:   existing.Message,
			Cause:     existing.Cause,
			Retryable: existing.Retryable,
			Meta:      existing.Meta,
		}
	}
	if mapped, ok := CodeFrom(err); ok {
		code = mapped
	}
	return E(code, op, "", err)
}

func CodeFrom(err error) (ErrorCode, bool) {
	if err == nil {
		return "", false
	}
	var domainErr *Error
	if errors.As(err, &domainErr) && domainErr.Code != "" {
		return domainErr.Code, true
	}
	switch {
	case errors.Is(err, context.Canceled):
		return CodeCanceled, true
	case errors.Is(err, context.DeadlineExceeded):
		return CodeDeadlineExceeded, true
	case errors.Is(err, ErrEmptyInput):
		return CodeInvalidArgument, true
	case errors.Is(err, ErrToolNotFound), errors.Is(err, ErrServerNotFound), errors.Is(err, ErrSessionNotFound):
		return CodeNotFound, true
	case errors.Is(err, ErrSnapshotCorrupt), errors.Is(err, ErrSessionTerminated):
		return CodeFailedPrecond, true
	case errors.Is(err, ErrStoreClosed), errors.Is(err, ErrReasonerUnavailable):
		return CodeUnavailable, true
	case errors.Is(err, ErrIllegalTransition):
		return CodeInternal, true
	default:
		return "", false
	}
}

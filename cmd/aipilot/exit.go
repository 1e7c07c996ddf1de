package main

import (
	"github.com/declue/aipilot/internal/domain"
)

const (
	exitGeneric     = 1
	exitUsage       = 2
	exitNotFound    = 3
	exitConflict    = 4
	exitUnavailable = 5
	exitTimeout     = 6
	exitInterrupted = 130
)

type exitError struct {
	code    int
	message string
	silent  bool
}

func (e exitError) Error() string {
	return e.message
}

func exitSilent(code int) error {
	return exitError{code: code, silent: true}
}

// exitCodeFor maps an error code to the process exit status.
func exitCodeFor(err error) int {
	code, ok := domain.CodeFrom(err)
	if !ok {
		return exitGeneric
	}
	switch code {
	case domain.CodeInvalidArgument:
		return exitUsage
	case domain.CodeNotFound:
		return exitNotFound
	case domain.CodeFailedPrecond, domain.CodeAborted:
		return exitConflict
	case domain.CodeUnavailable:
		return exitUnavailable
	case domain.CodeDeadlineExceeded:
		return exitTimeout
	case domain.CodeCanceled:
		return exitInterrupted
	default:
		return exitGeneric
	}
}

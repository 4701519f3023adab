// Package bridge drives agent sessions end to end: launching, handshaking,
// prompting, persistence and teardown. This file contains the error
// taxonomy surfaced to the UI.

package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"agentbridge/internal/acp"
	"agentbridge/internal/history"
	"agentbridge/internal/launcher"
)

// ErrorKind classifies session failures for presentation and retry logic.
type ErrorKind string

const (
	ErrorSpawn         ErrorKind = "spawn"          // executable missing or not runnable
	ErrorHandshake     ErrorKind = "handshake"      // agent spawned but never completed initialize
	ErrorAuth          ErrorKind = "auth"           // credential missing or rejected
	ErrorRateLimit     ErrorKind = "rate_limit"     // provider throttling
	ErrorEmptyResponse ErrorKind = "empty_response" // turn ended with no content
	ErrorCancelled     ErrorKind = "cancelled"      // user cancelled the operation
	ErrorStorage       ErrorKind = "storage"        // history store corruption or IO failure
	ErrorInternal      ErrorKind = "internal"       // everything else
)

// ErrEmptyResponse marks a turn that ended without producing any content.
// Transient with some agents; retried once before surfacing.
var ErrEmptyResponse = errors.New("agent returned an empty response")

// SessionError is the user-facing error shape: a short title, a readable
// message and an actionable suggestion. OfferInstall tells the UI to show
// the auto-install affordance.
type SessionError struct {
	Err          error
	Kind         ErrorKind
	Title        string
	Message      string
	Suggestion   string
	OfferInstall bool
}

func (e *SessionError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("session error: %s", e.Kind)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the error may clear up on its own.
func (e *SessionError) Retryable() bool {
	switch e.Kind {
	case ErrorRateLimit, ErrorEmptyResponse:
		return true
	}
	return false
}

// Classify maps a raw failure to the taxonomy. agentName feeds the
// user-facing text.
func Classify(err error, agentName string) *SessionError {
	if err == nil {
		return nil
	}
	var sessErr *SessionError
	if errors.As(err, &sessErr) {
		return sessErr
	}

	switch {
	case errors.Is(err, launcher.ErrExecutableNotFound):
		return &SessionError{
			Err:          err,
			Kind:         ErrorSpawn,
			Title:        agentName + " not found",
			Message:      fmt.Sprintf("The %s executable is not installed or not on PATH.", agentName),
			Suggestion:   "Install the agent, or let the bridge install it for you.",
			OfferInstall: true,
		}
	case errors.Is(err, launcher.ErrPermissionDenied):
		return &SessionError{
			Err:        err,
			Kind:       ErrorSpawn,
			Title:      "Cannot start " + agentName,
			Message:    fmt.Sprintf("The %s executable exists but is not runnable.", agentName),
			Suggestion: "Check the file's execute permission.",
		}
	case errors.Is(err, acp.ErrHandshakeTimeout):
		return &SessionError{
			Err:        err,
			Kind:       ErrorHandshake,
			Title:      agentName + " is not responding",
			Message:    fmt.Sprintf("%s started but never completed the protocol handshake.", agentName),
			Suggestion: "Update the agent to a version that speaks the agent client protocol.",
		}
	case errors.Is(err, context.Canceled):
		return &SessionError{
			Err:     err,
			Kind:    ErrorCancelled,
			Title:   "Cancelled",
			Message: "The operation was cancelled.",
		}
	case errors.Is(err, ErrEmptyResponse):
		return &SessionError{
			Err:        err,
			Kind:       ErrorEmptyResponse,
			Title:      agentName + " returned nothing",
			Message:    "The turn ended without any output.",
			Suggestion: "Send the prompt again.",
		}
	case errors.Is(err, history.ErrUnknownLogVersion):
		return &SessionError{
			Err:        err,
			Kind:       ErrorStorage,
			Title:      "Unreadable session history",
			Message:    "This session was saved by a newer version of the bridge.",
			Suggestion: "Update the bridge to open this session.",
		}
	}

	var rpcErr *acp.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == acp.CodeAuthRequired {
		return authError(err, agentName)
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "429"),
		strings.Contains(errStr, "rate limit"),
		strings.Contains(errStr, "too many requests"),
		strings.Contains(errStr, "overloaded"):
		return &SessionError{
			Err:        err,
			Kind:       ErrorRateLimit,
			Title:      "Rate limited",
			Message:    "The provider is throttling requests.",
			Suggestion: "Wait a moment and try again.",
		}
	case strings.Contains(errStr, "401"),
		strings.Contains(errStr, "unauthorized"),
		strings.Contains(errStr, "invalid api key"),
		strings.Contains(errStr, "authentication"):
		return authError(err, agentName)
	}

	return &SessionError{
		Err:     err,
		Kind:    ErrorInternal,
		Title:   "Something went wrong",
		Message: err.Error(),
	}
}

func authError(err error, agentName string) *SessionError {
	return &SessionError{
		Err:        err,
		Kind:       ErrorAuth,
		Title:      "Authentication failed",
		Message:    fmt.Sprintf("%s rejected the configured credential.", agentName),
		Suggestion: "Check the API key in settings.",
	}
}

package domain

import (
	"context"
	"errors"

	"github.com/wyfcoding/simgateway/pkg/breaker"
)

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrInvalidSession      = errors.New("invalid session")
	ErrInvalidToken        = errors.New("invalid token")
	ErrForbidden           = errors.New("session belongs to another user")
	ErrSimulatorNotFound   = errors.New("simulator not found")
	ErrNoActiveSimulator   = errors.New("no active simulator")
	ErrBindingActive       = errors.New("session already has an active simulator")
	ErrBindingTerminal     = errors.New("simulator binding is terminal")
	ErrStatusConflict      = errors.New("binding status changed concurrently")
	ErrSimulatorTerminated = errors.New("simulator terminated")
	ErrStreamConsumed      = errors.New("stream already consumed")
)

// 对外稳定的错误码
const (
	CodeInvalidSession     = "invalid-session"
	CodeInvalidToken       = "invalid-token"
	CodeForbidden          = "forbidden"
	CodeNoActiveSimulator  = "no-active-simulator"
	CodeSimulatorNotFound  = "simulator-not-found"
	CodeBindingActive      = "simulator-already-active"
	CodeBindingTerminal    = "simulator-terminal"
	CodeConflict           = "conflict"
	CodeServiceUnavailable = "service-unavailable"
	CodeTimeout            = "timeout"
	CodeInternal           = "internal"
)

// ErrorCode 将错误映射为稳定错误码
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidSession), errors.Is(err, ErrSessionNotFound):
		return CodeInvalidSession
	case errors.Is(err, ErrInvalidToken):
		return CodeInvalidToken
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrNoActiveSimulator):
		return CodeNoActiveSimulator
	case errors.Is(err, ErrSimulatorNotFound):
		return CodeSimulatorNotFound
	case errors.Is(err, ErrBindingActive):
		return CodeBindingActive
	case errors.Is(err, ErrBindingTerminal), errors.Is(err, ErrSimulatorTerminated):
		return CodeBindingTerminal
	case errors.Is(err, ErrStatusConflict):
		return CodeConflict
	case errors.Is(err, breaker.ErrUnavailable):
		return CodeServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	default:
		return CodeInternal
	}
}

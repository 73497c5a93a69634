// Package errs holds the error taxonomy shared by the client and server
// engines, and the classification of transport errors into the few kinds the
// engines act on.
package errs

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

// Kind identifies which part of the system failed.
type Kind int

const (
	KindConnection Kind = iota + 1
	KindProtocol
	KindClientConfig
	KindServerConfig
	KindTestExecution
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindProtocol:
		return "protocol"
	case KindClientConfig:
		return "client config"
	case KindServerConfig:
		return "server config"
	case KindTestExecution:
		return "test execution"
	default:
		return "unknown"
	}
}

// Error is the error type returned by the engines and config factories.
type Error struct {
	Kind Kind
	// Phase names the protocol phase that failed, if any.
	Phase string
	// Field names the configuration field that failed validation, if any.
	Field string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	prefix := e.Kind.String()
	switch {
	case e.Field != "":
		prefix += " " + e.Field
	case e.Phase != "":
		prefix += " (" + e.Phase + ")"
	}
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", prefix, e.Msg, e.Err)
	case e.Msg != "":
		return prefix + ": " + e.Msg
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	default:
		return prefix + " error"
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Connection(msg string, err error) *Error {
	return &Error{Kind: KindConnection, Msg: msg, Err: err}
}

func Protocol(phase string, err error) *Error {
	return &Error{Kind: KindProtocol, Phase: phase, Err: err}
}

func TestExecution(phase string, err error) *Error {
	return &Error{Kind: KindTestExecution, Phase: phase, Err: err}
}

// ClientConfig reports an invalid client setting.
func ClientConfig(field, msg string) *Error {
	return &Error{Kind: KindClientConfig, Field: field, Msg: msg}
}

// ServerConfig reports an invalid server setting.
func ServerConfig(field, msg string) *Error {
	return &Error{Kind: KindServerConfig, Field: field, Msg: msg}
}

// IsKind reports whether err wraps an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// FieldOf returns the configuration field carried by err, if any.
func FieldOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Field
	}
	return ""
}

// Class is the coarse transport-level category of an I/O error.
type Class int

const (
	ClassOther Class = iota
	ClassTimeout
	ClassReset
	ClassEOF
)

func (c Class) String() string {
	switch c {
	case ClassTimeout:
		return "timeout"
	case ClassReset:
		return "reset"
	case ClassEOF:
		return "eof"
	default:
		return "other"
	}
}

// Classify maps an I/O error to its Class. Broken pipes and aborted
// connections count as resets.
func Classify(err error) Class {
	if err == nil {
		return ClassOther
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return ClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) {
		return ClassReset
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ClassEOF
	}
	return ClassOther
}

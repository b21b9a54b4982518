// This module implements the error type used across the bridge. Errors carry
// a stack trace, an optional wrapped error, and a Kind which classifies the
// failure for the side of the boundary that has to react to it.
//
// NOTE: This package intentionally mirrors the standard "errors" module.
// Bridge code should use this one so that every failure reaching the
// envelope or the C ABI has a kind attached.
package errors

import (
	"bytes"
	"fmt"
	"runtime"
	"sync"
)

// Kind classifies a bridge failure.
type Kind int

const (
	// Unclassified failure.
	Internal Kind = iota
	// A value could not be turned into JSON.
	Serialization
	// Malformed JSON, or JSON that does not have the expected shape.
	Parse
	// The receiving side refused a delivery.
	Rejected
	// An opaque context was used after its owner tore it down.
	StaleContext
	// Socket or framing failure in the native messaging transport.
	Transport
	// Invalid or unreadable configuration.
	Config
)

var kindNames = map[Kind]string{
	Internal:      "internal",
	Serialization: "serialization",
	Parse:         "parse",
	Rejected:      "rejected",
	StaleContext:  "stale context",
	Transport:     "transport",
	Config:        "config",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// This interface exposes additional information about the error.
type BridgeError interface {
	// This returns the error message without the stack trace.
	GetMessage() string

	// This returns the wrapped error.  This returns nil if this does not wrap
	// another error.
	GetInner() error

	// Returns the failure classification.
	Kind() Kind

	// Implements the built-in error interface.
	Error() string

	// Returns string representation of stack frames.
	GetStack() string
}

// Represents a single stack frame.
type StackFrame struct {
	PC         uintptr
	FuncName   string
	File       string
	LineNumber int
}

type baseError struct {
	msg   string
	kind  Kind
	inner error

	stack       []uintptr
	framesOnce  sync.Once
	stackFrames []StackFrame
}

// This returns the error string without stack trace information.
func GetMessage(err interface{}) string {
	switch e := err.(type) {
	case BridgeError:
		return extractFullErrorMessage(e, false)
	case runtime.Error:
		return e.Error()
	case error:
		return e.Error()
	default:
		return "Passed a non-error to GetMessage"
	}
}

// This returns a string with all available error information, including inner
// errors that are wrapped by this errors.
func (e *baseError) Error() string {
	return extractFullErrorMessage(e, true)
}

// Implements BridgeError interface.
func (e *baseError) GetMessage() string {
	return e.msg
}

// Implements BridgeError interface.
func (e *baseError) GetInner() error {
	return e.inner
}

// Implements BridgeError interface.
func (e *baseError) Kind() Kind {
	return e.kind
}

// Lets the standard library errors.Is / errors.As walk the chain.
func (e *baseError) Unwrap() error {
	return e.inner
}

func (e *baseError) StackFrames() []StackFrame {
	e.framesOnce.Do(func() {
		e.stackFrames = make([]StackFrame, 0, len(e.stack))
		frames := runtime.CallersFrames(e.stack)
		for {
			frame, more := frames.Next()
			e.stackFrames = append(e.stackFrames, StackFrame{
				PC:         frame.PC,
				FuncName:   frame.Function,
				File:       frame.File,
				LineNumber: frame.Line,
			})
			if !more {
				break
			}
		}
	})
	return e.stackFrames
}

// Implements BridgeError interface.
func (e *baseError) GetStack() string {
	buf := bytes.NewBuffer(make([]byte, 0, 256))
	for _, frame := range e.StackFrames() {
		_, _ = buf.WriteString(frame.FuncName)
		_, _ = buf.WriteString("\n")
		fmt.Fprintf(buf, "\t%s:%d +0x%x\n",
			frame.File, frame.LineNumber, frame.PC)
	}
	return buf.String()
}

// This returns a new unclassified error with the given message and the
// current stack trace.
func New(msg string) BridgeError {
	return newError(nil, Internal, msg)
}

// Same as New, but with fmt.Printf-style parameters.
func Newf(format string, args ...interface{}) BridgeError {
	return newError(nil, Internal, fmt.Sprintf(format, args...))
}

// Same as New, but classified.
func NewKind(kind Kind, msg string) BridgeError {
	return newError(nil, kind, msg)
}

// Same as NewKind, but with fmt.Printf-style parameters.
func NewKindf(kind Kind, format string, args ...interface{}) BridgeError {
	return newError(nil, kind, fmt.Sprintf(format, args...))
}

// Wraps another error. The kind is inherited from err when err is a
// BridgeError.
func Wrap(err error, msg string) BridgeError {
	return newError(err, KindOf(err), msg)
}

// Same as Wrap, but with fmt.Printf-style parameters.
func Wrapf(err error, format string, args ...interface{}) BridgeError {
	return newError(err, KindOf(err), fmt.Sprintf(format, args...))
}

// Wraps another error and overrides its kind.
func WrapKind(err error, kind Kind, msg string) BridgeError {
	return newError(err, kind, msg)
}

// Same as WrapKind, but with fmt.Printf-style parameters.
func WrapKindf(err error, kind Kind, format string, args ...interface{}) BridgeError {
	return newError(err, kind, fmt.Sprintf(format, args...))
}

// Note that if there is more than one level of redirection to call this
// function, stack frame information will include that level too.
func newError(err error, kind Kind, msg string) *baseError {
	stack := make([]uintptr, 64)
	stackLength := runtime.Callers(3, stack)
	return &baseError{
		msg:   msg,
		kind:  kind,
		stack: stack[:stackLength],
		inner: err,
	}
}

// Returns the kind of the outermost BridgeError in err's chain, or Internal.
func KindOf(err error) Kind {
	if bErr, ok := err.(BridgeError); ok {
		return bErr.Kind()
	}
	return Internal
}

// Reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Constructs full error message for a given BridgeError by traversing
// all of its inner errors. If includeStack is True it will also include
// stack trace from deepest BridgeError in the chain.
func extractFullErrorMessage(e BridgeError, includeStack bool) string {
	var ok bool
	var lastErr BridgeError
	errMsg := bytes.NewBuffer(make([]byte, 0, 256))

	bErr := e
	for {
		lastErr = bErr
		errMsg.WriteString(bErr.GetMessage())

		innerErr := bErr.GetInner()
		if innerErr == nil {
			break
		}
		errMsg.WriteString(": ")
		bErr, ok = innerErr.(BridgeError)
		if !ok {
			errMsg.WriteString(innerErr.Error())
			break
		}
	}
	if includeStack {
		errMsg.WriteString("\nORIGINAL STACK TRACE:\n")
		errMsg.WriteString(lastErr.GetStack())
	}
	return errMsg.String()
}

// Keep peeling away layers of context until a primitive error is revealed.
func RootError(ierr error) (nerr error) {
	nerr = ierr
	for i := 0; i < 20; i++ {
		bErr, ok := nerr.(BridgeError)
		if !ok || bErr.GetInner() == nil {
			return nerr
		}
		nerr = bErr.GetInner()
	}
	return fmt.Errorf("too many iterations: %T", nerr)
}

// Perform a deep check, unwrapping errors as much as possible and
// comparing the string version of the error.
func IsError(err, errConst error) bool {
	if err == errConst {
		return true
	}
	rootErrStr := ""
	rootErr := RootError(err)
	if rootErr != nil {
		rootErrStr = rootErr.Error()
	}
	errConstStr := ""
	if errConst != nil {
		errConstStr = errConst.Error()
	}
	return rootErrStr == errConstStr
}

// Package envelope builds and reads the two-shape JSON result envelope:
//
//	{"success":true,"data":<object>}
//	{"success":false,"error":"<message>"}
//
// No other shape is valid on the wire.
package envelope

import (
	"github.com/dropbox/nativebridge/errors"
	"github.com/dropbox/nativebridge/jsonutil"
)

const serializeFailurePrefix = "failed to serialize result: "

// Field order of the wire format is fixed by the struct layout.
type successWire struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
}

type errorWire struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// Decoded form of an envelope.
type Envelope struct {
	Success bool
	Data    map[string]interface{}
	Error   string
}

// Wraps value in a success envelope. When value cannot be serialized the
// failure is reported as an error envelope instead.
func Success(value map[string]interface{}) string {
	out, _ := SuccessOrError(value)
	return out
}

// Same as Success, but also returns the serialization failure, if any. The
// returned string is always a valid envelope.
func SuccessOrError(value map[string]interface{}) (string, error) {
	var data interface{} = value
	if value == nil {
		data = map[string]interface{}{}
	}
	b, err := jsonutil.Marshal(successWire{Success: true, Data: data})
	if err != nil {
		return Error(serializeFailurePrefix + errors.GetMessage(errors.RootError(err))), err
	}
	return string(b), nil
}

// Wraps message in an error envelope.
func Error(message string) string {
	b, err := jsonutil.Marshal(errorWire{Success: false, Error: message})
	if err != nil {
		// A string always marshals.
		panic(err)
	}
	return string(b)
}

// Error envelope when err is non-nil, otherwise a success envelope.
func FromResult(value map[string]interface{}, err error) string {
	if err != nil {
		return Error(errors.GetMessage(err))
	}
	return Success(value)
}

// Strict reader for the wire format.
func Decode(s string) (*Envelope, error) {
	m, err := jsonutil.Parse(s)
	if err != nil {
		return nil, errors.Wrap(err, "envelope")
	}
	if len(m) != 2 {
		return nil, errors.NewKindf(errors.Parse, "envelope: expected 2 fields, got %d", len(m))
	}
	ok, isBool := m["success"].(bool)
	if !isBool {
		return nil, errors.NewKind(errors.Parse, "envelope: success must be a boolean")
	}
	if ok {
		data, isObject := m["data"].(map[string]interface{})
		if !isObject {
			return nil, errors.NewKind(errors.Parse, "envelope: data must be an object")
		}
		return &Envelope{Success: true, Data: data}, nil
	}
	msg, isString := m["error"].(string)
	if !isString {
		return nil, errors.NewKind(errors.Parse, "envelope: error must be a string")
	}
	return &Envelope{Success: false, Error: msg}, nil
}

// Re-encodes a decoded envelope.
func (e *Envelope) Encode() (string, error) {
	if e.Success {
		return SuccessOrError(e.Data)
	}
	return Error(e.Error), nil
}

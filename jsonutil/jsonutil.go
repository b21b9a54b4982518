// Package jsonutil is the parse/serialize pair the bridge builds its payloads
// with. Both directions report failure through the returned error, never by
// panicking, so they can sit behind a synchronous C entry point.
package jsonutil

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/dropbox/nativebridge/errors"
)

// Parses s into a mapping. The top level must be a JSON object. Numbers are
// kept as json.Number so integers wider than 53 bits survive.
func Parse(s string) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()

	var out map[string]interface{}
	if err := dec.Decode(&out); err != nil {
		return nil, errors.WrapKind(err, errors.Parse, "malformed json")
	}
	if out == nil {
		return nil, errors.NewKind(errors.Parse, "json top level is not an object")
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.NewKind(errors.Parse, "trailing data after json object")
	}
	return out, nil
}

// Serializes m as compact JSON. HTML characters are not escaped and no
// trailing newline is written. A nil map serializes as {}.
func Serialize(m map[string]interface{}) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Marshals any JSON-compatible value with the same conventions as Serialize.
func Marshal(v interface{}) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, errors.WrapKind(err, errors.Serialization, "value is not serializable")
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

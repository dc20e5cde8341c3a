package worker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DecodePayload parses a raw payload. Numbers keep their literal text.
func DecodePayload(payload string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	// Anything but whitespace after the first value is a malformed payload.
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unexpected data after json value")
	}
	return v, nil
}

// UnwrapEnvelope returns the nested object under EnvelopeKey when present,
// otherwise obj itself.
func UnwrapEnvelope(obj map[string]any) map[string]any {
	if inner, ok := obj[EnvelopeKey].(map[string]any); ok {
		return inner
	}
	return obj
}

// ToMetadata flattens obj into string values. Strings are kept verbatim,
// everything else is rendered as compact JSON.
func ToMetadata(obj map[string]any) Metadata {
	md := make(Metadata, len(obj))
	for k, v := range obj {
		md[k] = stringify(v)
	}
	return md
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case nil:
		return "null"
	case bool:
		if t {
			return "true"
		}
		return "false"
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Sprint(v)
	}
	return strings.TrimRight(buf.String(), "\n")
}

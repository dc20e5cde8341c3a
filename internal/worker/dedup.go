package worker

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// MissingPrimaryKeyError reports a configured primary key field absent from a record.
type MissingPrimaryKeyError struct {
	Field string
}

func (e *MissingPrimaryKeyError) Error() string {
	return fmt.Sprintf("%s: %q", ErrMissingPrimaryKey, e.Field)
}

func (e *MissingPrimaryKeyError) Unwrap() error {
	return ErrMissingPrimaryKey
}

// BuildDedupKey hashes the ordered primary key values of md into a stable
// UUID. The same salt and values always produce the same identifier.
func BuildDedupKey(salt string, fields []string, md Metadata) (string, error) {
	values := make([]string, 0, len(fields))
	for _, f := range fields {
		v, ok := md[f]
		if !ok {
			return "", &MissingPrimaryKeyError{Field: f}
		}
		values = append(values, v)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(values); err != nil {
		return "", fmt.Errorf("failed to encode primary key values: %w", err)
	}

	return HashToUUID(salt, bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// HashToUUID derives a name-based (SHA-1) UUID for data inside a namespace
// seeded by salt.
func HashToUUID(salt string, data []byte) string {
	ns := uuid.NewSHA1(uuid.NameSpaceOID, []byte(salt))
	return uuid.NewSHA1(ns, data).String()
}

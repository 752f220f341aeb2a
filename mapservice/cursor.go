package mapservice

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"

	"github.com/cespare/xxhash/v2"

	"github.com/c360/orgmap/errors"
)

// cursor is the decoded pagination position. Mode binds a cursor to the
// query shape that produced it; AfterID resumes id-ordered modes, and
// AfterDistSq additionally resumes the radius mode's (distance, id) order.
type cursor struct {
	Mode        Mode     `json:"m"`
	AfterID     string   `json:"id"`
	AfterDistSq *float64 `json:"d2,omitempty"`
}

// encodeCursor produces the opaque wire form: an xxhash checksum followed
// by the JSON payload, base64url encoded. The checksum lets decode reject
// tampered or truncated tokens before touching the payload.
func encodeCursor(c cursor) (string, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return "", errors.Wrap(err, "mapservice", "encodeCursor", "marshal cursor")
	}

	buf := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint64(buf[:8], xxhash.Sum64(payload))
	copy(buf[8:], payload)

	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func invalidCursor(msg string) error {
	return errors.WrapInvalid(errors.ErrInvalidCursor, "mapservice", "decodeCursor", msg)
}

// decodeCursor parses and verifies a wire cursor. Any malformation is an
// invalid-argument error, never a panic or a silent reset to page one.
func decodeCursor(token string) (cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return cursor{}, invalidCursor("not base64")
	}
	if len(raw) < 8 {
		return cursor{}, invalidCursor("truncated")
	}

	payload := raw[8:]
	if binary.BigEndian.Uint64(raw[:8]) != xxhash.Sum64(payload) {
		return cursor{}, invalidCursor("checksum mismatch")
	}

	var c cursor
	if err := json.Unmarshal(payload, &c); err != nil {
		return cursor{}, invalidCursor("malformed payload")
	}
	if c.AfterID == "" {
		return cursor{}, invalidCursor("missing position")
	}
	return c, nil
}

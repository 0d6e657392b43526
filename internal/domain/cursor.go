package domain

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cursor marks a position in newest-first transaction order.
type Cursor struct {
	Timestamp time.Time
	Seq       int64
}

// CursorAfter returns the cursor that resumes listing after t.
func CursorAfter(t Transaction) Cursor {
	return Cursor{Timestamp: t.Timestamp, Seq: t.Seq}
}

// Encode renders the cursor as an opaque URL-safe token.
func (c Cursor) Encode() string {
	raw := strconv.FormatInt(c.Timestamp.UnixNano(), 10) + ":" + strconv.FormatInt(c.Seq, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token produced by Cursor.Encode.
func DecodeCursor(token string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	nanos, seq, ok := strings.Cut(string(raw), ":")
	if !ok {
		return Cursor{}, fmt.Errorf("%w: malformed token", ErrInvalidCursor)
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: timestamp: %v", ErrInvalidCursor, err)
	}
	s, err := strconv.ParseInt(seq, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: seq: %v", ErrInvalidCursor, err)
	}
	return Cursor{Timestamp: time.Unix(0, n).UTC(), Seq: s}, nil
}

// After reports whether t comes after the cursor in newest-first order,
// i.e. whether t belongs on a later page.
func (c Cursor) After(t Transaction) bool {
	if !t.Timestamp.Equal(c.Timestamp) {
		return t.Timestamp.Before(c.Timestamp)
	}
	return t.Seq < c.Seq
}

package socket

import (
	"errors"
	"math"
	"strconv"
)

// MsgType enumerates the wire protocol message types. The value 5 is
// reserved and intentionally unassigned.
type MsgType int

const (
	TypeOK     MsgType = 1
	TypeError  MsgType = 2
	TypeHello  MsgType = 3
	TypeACL    MsgType = 4
	TypeTicket MsgType = 6
	TypeNOP    MsgType = 99
)

// KnownType reports whether v is a recognized message type.
func KnownType(v int64) bool {
	switch MsgType(v) {
	case TypeOK, TypeError, TypeHello, TypeACL, TypeTicket, TypeNOP:
		return true
	}
	return false
}

func (t MsgType) String() string {
	switch t {
	case TypeOK:
		return "ok"
	case TypeError:
		return "error"
	case TypeHello:
		return "hello"
	case TypeACL:
		return "acl"
	case TypeTicket:
		return "ticket"
	case TypeNOP:
		return "nop"
	}
	return "unknown(" + strconv.Itoa(int(t)) + ")"
}

// Envelope is one decoded protocol message. Fields carries the
// type-specific payload alongside the required id and type.
type Envelope struct {
	ID     int64
	Type   MsgType
	Fields map[string]any
}

var (
	errBadJSON     = errors.New("Invalid JSON")
	errMissingID   = errors.New("Invalid or missing id")
	errMissingType = errors.New("Message type missing")
	errUnknownType = errors.New("Unknown message type")
)

// coerceID accepts an integral JSON number or a numeric string as a
// message id. A fractional number is rejected rather than truncated, so
// the echoed id always matches what the peer sent. The int cases cover
// values built in-process rather than decoded off the wire.
func coerceID(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case string:
		id, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, false
		}
		return id, true
	}
	return 0, false
}

// okPayload builds a success response, merging extra fields into the
// envelope. The id and type keys always win.
func okPayload(id int64, fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		out[k] = v
	}
	out["id"] = id
	out["type"] = int(TypeOK)
	return out
}

// errorPayload builds a failure response. A nil id and an empty reason are
// omitted entirely: handshake failures deliberately carry no reason.
func errorPayload(id *int64, reason string) map[string]any {
	out := map[string]any{"type": int(TypeError)}
	if id != nil {
		out["id"] = *id
	}
	if reason != "" {
		out["reason"] = reason
	}
	return out
}

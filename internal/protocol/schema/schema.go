package schema

import (
	"fmt"

	"github.com/danmuck/kcounter/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs.
const (
	MsgOpen  uint32 = 1
	MsgIoctl uint32 = 2
	MsgClose uint32 = 3
)

// Field IDs.
const (
	FieldDevice uint16 = 1
	FieldHandle uint16 = 2
	FieldCmd    uint16 = 3
	// FieldRegion is the caller's buffer length. Absent means no buffer.
	FieldRegion uint16 = 4

	FieldStatus uint16 = 100
	FieldData   uint16 = 101

	FieldErrno uint16 = 200
	FieldError uint16 = 201
)

// Kind selects which requirement table applies to a frame.
type Kind int

const (
	KindRequest Kind = iota
	KindResponse
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	Kind        Kind
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d kind=%s: %s", e.MessageType, e.Kind, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d kind=%s field=%d: %s", e.MessageType, e.Kind, e.FieldID, e.Reason)
}

var requests = map[uint32][]Requirement{
	MsgOpen: {
		{FieldDevice, tlv.TypeString},
	},
	MsgIoctl: {
		{FieldHandle, tlv.TypeU64},
		{FieldCmd, tlv.TypeU32},
	},
	MsgClose: {
		{FieldHandle, tlv.TypeU64},
	},
}

var responses = map[uint32][]Requirement{
	MsgOpen: {
		{FieldHandle, tlv.TypeU64},
	},
	MsgIoctl: {
		{FieldStatus, tlv.TypeU64},
	},
	MsgClose: {},
}

var errorResponse = []Requirement{
	{FieldErrno, tlv.TypeU32},
	{FieldError, tlv.TypeString},
}

// optional fields are type-checked when present.
var optional = map[uint16]uint8{
	FieldRegion: tlv.TypeU32,
	FieldData:   tlv.TypeBytes,
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, kind Kind, fields []tlv.Field) error {
	var reqs []Requirement
	var ok bool
	switch kind {
	case KindRequest:
		reqs, ok = requests[messageType]
	case KindResponse:
		reqs, ok = responses[messageType]
	case KindError:
		_, ok = requests[messageType]
		reqs = errorResponse
	}
	if !ok {
		log.Debug().Uint32("message_type", messageType).Stringer("kind", kind).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Kind: kind, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, Kind: kind, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, Kind: kind, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	for id, typ := range optional {
		if f, found := tlv.GetField(fields, id); found && f.Type != typ {
			return ValidationError{MessageType: messageType, Kind: kind, FieldID: id, Reason: "type mismatch"}
		}
	}
	return nil
}

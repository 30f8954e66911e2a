package protocol

import (
	"errors"
	"fmt"

	"github.com/danmuck/kcounter/internal/protocol/frame"
	"github.com/danmuck/kcounter/internal/protocol/schema"
	"github.com/danmuck/kcounter/internal/protocol/tlv"
	"golang.org/x/sys/unix"
)

var (
	ErrUnexpectedResponse = errors.New("protocol: unexpected response")
	ErrMalformed          = errors.New("protocol: malformed message")
)

// OpenRequest asks the registry to open a device by name.
type OpenRequest struct {
	Device string
}

type OpenResponse struct {
	Handle uint64
}

// IoctlRequest runs Cmd on an open handle. Region is the caller's buffer
// length; NoRegion models a request without a destination.
type IoctlRequest struct {
	Handle   uint64
	Cmd      uint32
	Region   uint32
	NoRegion bool
}

// IoctlResponse carries the status and the caller's buffer after the call.
type IoctlResponse struct {
	Status int64
	Data   []byte
}

type CloseRequest struct {
	Handle uint64
}

func (r OpenRequest) Frame(id uint64) frame.Frame {
	return newFrame(id, schema.MsgOpen, 0, []tlv.Field{
		tlv.StringField(schema.FieldDevice, r.Device),
	})
}

func (r IoctlRequest) Frame(id uint64) frame.Frame {
	fields := []tlv.Field{
		tlv.U64Field(schema.FieldHandle, r.Handle),
		tlv.U32Field(schema.FieldCmd, r.Cmd),
	}
	if !r.NoRegion {
		fields = append(fields, tlv.U32Field(schema.FieldRegion, r.Region))
	}
	return newFrame(id, schema.MsgIoctl, 0, fields)
}

func (r CloseRequest) Frame(id uint64) frame.Frame {
	return newFrame(id, schema.MsgClose, 0, []tlv.Field{
		tlv.U64Field(schema.FieldHandle, r.Handle),
	})
}

// Fields decodes and validates a frame's payload against its kind. Failures
// match ErrMalformed.
func Fields(f frame.Frame) ([]tlv.Field, error) {
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if err := schema.Validate(f.Header.MessageType, kindOf(f.Header), fields); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return fields, nil
}

func ParseOpenRequest(fields []tlv.Field) OpenRequest {
	f, _ := tlv.GetField(fields, schema.FieldDevice)
	return OpenRequest{Device: string(f.Value)}
}

func ParseIoctlRequest(fields []tlv.Field) (IoctlRequest, error) {
	var req IoctlRequest
	var err error
	if req.Handle, err = u64(fields, schema.FieldHandle); err != nil {
		return IoctlRequest{}, err
	}
	if req.Cmd, err = u32(fields, schema.FieldCmd); err != nil {
		return IoctlRequest{}, err
	}
	if _, ok := tlv.GetField(fields, schema.FieldRegion); !ok {
		req.NoRegion = true
		return req, nil
	}
	if req.Region, err = u32(fields, schema.FieldRegion); err != nil {
		return IoctlRequest{}, err
	}
	return req, nil
}

func ParseCloseRequest(fields []tlv.Field) (CloseRequest, error) {
	h, err := u64(fields, schema.FieldHandle)
	if err != nil {
		return CloseRequest{}, err
	}
	return CloseRequest{Handle: h}, nil
}

func (r OpenResponse) Frame(req frame.Header) frame.Frame {
	return newFrame(req.MessageID, req.MessageType, frame.FlagIsResponse, []tlv.Field{
		tlv.U64Field(schema.FieldHandle, r.Handle),
	})
}

func (r IoctlResponse) Frame(req frame.Header) frame.Frame {
	fields := []tlv.Field{tlv.U64Field(schema.FieldStatus, uint64(r.Status))}
	if r.Data != nil {
		fields = append(fields, tlv.BytesField(schema.FieldData, r.Data))
	}
	return newFrame(req.MessageID, req.MessageType, frame.FlagIsResponse, fields)
}

// CloseResponse acknowledges a close.
func CloseResponse(req frame.Header) frame.Frame {
	return newFrame(req.MessageID, req.MessageType, frame.FlagIsResponse, nil)
}

// ErrorResponse reports err against req with its errno.
func ErrorResponse(req frame.Header, err error) frame.Frame {
	return newFrame(req.MessageID, req.MessageType, frame.FlagIsResponse|frame.FlagIsError, []tlv.Field{
		tlv.U32Field(schema.FieldErrno, uint32(ErrnoOf(err))),
		tlv.StringField(schema.FieldError, err.Error()),
	})
}

// ResponseFields checks that f answers req and returns its fields. A
// failure response comes back as a *RemoteError.
func ResponseFields(req frame.Header, f frame.Frame) ([]tlv.Field, error) {
	if !f.Header.IsResponse() || f.Header.MessageID != req.MessageID || f.Header.MessageType != req.MessageType {
		return nil, fmt.Errorf("%w: id=%d type=%d flags=%#x", ErrUnexpectedResponse, f.Header.MessageID, f.Header.MessageType, f.Header.Flags)
	}
	fields, err := Fields(f)
	if err != nil {
		return nil, err
	}
	if f.Header.IsError() {
		errno, err := u32(fields, schema.FieldErrno)
		if err != nil {
			return nil, err
		}
		msg, _ := tlv.GetField(fields, schema.FieldError)
		return nil, &RemoteError{Errno: unix.Errno(errno), Message: string(msg.Value)}
	}
	return fields, nil
}

func ParseOpenResponse(fields []tlv.Field) (OpenResponse, error) {
	h, err := u64(fields, schema.FieldHandle)
	if err != nil {
		return OpenResponse{}, err
	}
	return OpenResponse{Handle: h}, nil
}

func ParseIoctlResponse(fields []tlv.Field) (IoctlResponse, error) {
	status, err := u64(fields, schema.FieldStatus)
	if err != nil {
		return IoctlResponse{}, err
	}
	resp := IoctlResponse{Status: int64(status)}
	if f, ok := tlv.GetField(fields, schema.FieldData); ok {
		resp.Data = f.Value
	}
	return resp, nil
}

func newFrame(id uint64, msgType uint32, flags uint32, fields []tlv.Field) frame.Frame {
	return frame.Frame{
		Header: frame.Header{
			MessageID:   id,
			MessageType: msgType,
			Flags:       flags,
		},
		Payload: tlv.EncodeFields(fields),
	}
}

func kindOf(h frame.Header) schema.Kind {
	switch {
	case h.IsError():
		return schema.KindError
	case h.IsResponse():
		return schema.KindResponse
	default:
		return schema.KindRequest
	}
}

func u32(fields []tlv.Field, id uint16) (uint32, error) {
	f, _ := tlv.GetField(fields, id)
	return f.U32()
}

func u64(fields []tlv.Field, id uint16) (uint64, error) {
	f, _ := tlv.GetField(fields, id)
	return f.U64()
}

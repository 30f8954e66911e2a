package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/danmuck/kcounter/internal/device"
	"github.com/danmuck/kcounter/internal/misc"
	"github.com/danmuck/kcounter/internal/protocol/frame"
	"github.com/danmuck/kcounter/internal/protocol/schema"
	"github.com/danmuck/kcounter/internal/protocol/tlv"
	"github.com/danmuck/kcounter/internal/testutil/testlog"
	"github.com/danmuck/kcounter/internal/transfer"
	"golang.org/x/sys/unix"
)

func roundTrip(t *testing.T, f frame.Frame) frame.Frame {
	t.Helper()
	var buf bytes.Buffer
	if err := frame.WriteFrame(&buf, f, frame.DefaultLimits()); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err := frame.ReadFrame(&buf, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return out
}

func TestIoctlRequestRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := IoctlRequest{Handle: 7, Cmd: device.CmdReadMessage, Region: 256}
	out := roundTrip(t, in.Frame(11))
	fields, err := Fields(out)
	if err != nil {
		t.Fatalf("fields: %v", err)
	}
	got, err := ParseIoctlRequest(fields)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != in {
		t.Fatalf("got=%+v want=%+v", got, in)
	}

	nilRegion := IoctlRequest{Handle: 7, Cmd: device.CmdReadMessage, NoRegion: true}
	fields, _ = Fields(roundTrip(t, nilRegion.Frame(12)))
	got, _ = ParseIoctlRequest(fields)
	if !got.NoRegion || got.Region != 0 {
		t.Fatalf("nil region not preserved: %+v", got)
	}
}

func TestOpenAndCloseRequests(t *testing.T) {
	testlog.Start(t)
	fields, err := Fields(roundTrip(t, OpenRequest{Device: "kcounter"}.Frame(1)))
	if err != nil {
		t.Fatalf("open fields: %v", err)
	}
	if got := ParseOpenRequest(fields); got.Device != "kcounter" {
		t.Fatalf("unexpected open=%+v", got)
	}
	fields, err = Fields(roundTrip(t, CloseRequest{Handle: 3}.Frame(2)))
	if err != nil {
		t.Fatalf("close fields: %v", err)
	}
	if got, _ := ParseCloseRequest(fields); got.Handle != 3 {
		t.Fatalf("unexpected close=%+v", got)
	}
}

func TestResponsesMatchRequest(t *testing.T) {
	testlog.Start(t)
	req := IoctlRequest{Handle: 1, Cmd: 2, Region: 4}.Frame(5).Header
	data := []byte("hi\x00\x00")
	resp := roundTrip(t, IoctlResponse{Status: 0, Data: data}.Frame(req))
	fields, err := ResponseFields(req, resp)
	if err != nil {
		t.Fatalf("response fields: %v", err)
	}
	got, err := ParseIoctlResponse(fields)
	if err != nil || got.Status != 0 || !bytes.Equal(got.Data, data) {
		t.Fatalf("unexpected response=%+v err=%v", got, err)
	}

	negative := roundTrip(t, IoctlResponse{Status: -1}.Frame(req))
	fields, _ = ResponseFields(req, negative)
	if got, _ := ParseIoctlResponse(fields); got.Status != -1 || got.Data != nil {
		t.Fatalf("unexpected negative status response=%+v", got)
	}

	other := OpenRequest{Device: "x"}.Frame(6).Header
	if _, err := ResponseFields(other, resp); !errors.Is(err, ErrUnexpectedResponse) {
		t.Fatalf("expected ErrUnexpectedResponse, got %v", err)
	}
	if _, err := ResponseFields(req, IoctlRequest{}.Frame(5)); !errors.Is(err, ErrUnexpectedResponse) {
		t.Fatalf("request frame accepted as response: %v", err)
	}

	openReq := OpenRequest{Device: "kcounter"}.Frame(8).Header
	fields, err = ResponseFields(openReq, roundTrip(t, OpenResponse{Handle: 42}.Frame(openReq)))
	if err != nil {
		t.Fatalf("open response: %v", err)
	}
	if got, _ := ParseOpenResponse(fields); got.Handle != 42 {
		t.Fatalf("unexpected open response=%+v", got)
	}

	closeReq := CloseRequest{Handle: 42}.Frame(9).Header
	if _, err := ResponseFields(closeReq, roundTrip(t, CloseResponse(closeReq))); err != nil {
		t.Fatalf("close response: %v", err)
	}
}

func TestErrorResponseBecomesRemoteError(t *testing.T) {
	testlog.Start(t)
	req := OpenRequest{Device: "kcounter"}.Frame(3).Header
	resp := roundTrip(t, ErrorResponse(req, device.ErrBusy))
	_, err := ResponseFields(req, resp)
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remote.Errno != unix.EBUSY || remote.Message != device.ErrBusy.Error() {
		t.Fatalf("unexpected remote error=%+v", remote)
	}
	if !errors.Is(err, device.ErrBusy) || !errors.Is(err, unix.EBUSY) {
		t.Fatalf("remote error does not match its sentinel and errno: %v", err)
	}
}

func TestErrnoMapping(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		err  error
		want unix.Errno
	}{
		{nil, 0},
		{device.ErrBusy, unix.EBUSY},
		{fmt.Errorf("%w: render", device.ErrNoMemory), unix.ENOMEM},
		{fmt.Errorf("%w: cmd=0x7c00", device.ErrUnsupported), unix.ENOTTY},
		{fmt.Errorf("%w: short", transfer.ErrFault), unix.EFAULT},
		{misc.ErrNoDevice, unix.ENODEV},
		{misc.ErrBadHandle, unix.EBADF},
		{device.ErrClosed, unix.EBADF},
		{fmt.Errorf("%w: bad field", ErrMalformed), unix.EINVAL},
		{context.Canceled, unix.EINTR},
		{context.DeadlineExceeded, unix.ETIMEDOUT},
		{misc.ErrFaulted, unix.EIO},
		{errors.New("other"), unix.EIO},
	}
	for _, tc := range cases {
		if got := ErrnoOf(tc.err); got != tc.want {
			t.Fatalf("ErrnoOf(%v) got=%v want=%v", tc.err, got, tc.want)
		}
	}
	for _, errno := range []unix.Errno{unix.EBUSY, unix.ENOMEM, unix.ENOTTY, unix.EFAULT, unix.ENODEV, unix.EBADF, unix.EINVAL} {
		remote := &RemoteError{Errno: errno, Message: "x"}
		if ErrnoOf(remote) != errno {
			t.Fatalf("errno %v did not survive a remote round trip", errno)
		}
	}
}

func TestFieldsRejectsSchemaViolation(t *testing.T) {
	testlog.Start(t)
	f := frame.Frame{
		Header:  frame.Header{MessageID: 1, MessageType: schema.MsgIoctl},
		Payload: tlv.EncodeFields([]tlv.Field{tlv.U64Field(schema.FieldHandle, 1)}),
	}
	_, err := Fields(f)
	var verr schema.ValidationError
	if !errors.As(err, &verr) || verr.FieldID != schema.FieldCmd {
		t.Fatalf("expected ValidationError for cmd, got %v", err)
	}
	if !errors.Is(err, ErrMalformed) || ErrnoOf(err) != unix.EINVAL {
		t.Fatalf("expected malformed EINVAL, got %v", err)
	}

	if _, err := Fields(frame.Frame{Payload: []byte{0, 1}}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected short payload to be malformed, got %v", err)
	}
}

func TestFieldsRejectsDuplicateField(t *testing.T) {
	f := CloseRequest{Handle: 3}.Frame(9)
	f.Payload = append(f.Payload, tlv.AppendField(nil, tlv.U64Field(schema.FieldHandle, 4))...)
	_, err := Fields(f)
	if !errors.Is(err, tlv.ErrDuplicateField) || ErrnoOf(err) != unix.EINVAL {
		t.Fatalf("expected duplicate field EINVAL, got %v", err)
	}
}

package device

import (
	"fmt"

	"github.com/danmuck/kcounter/internal/ioctl"
)

const (
	// MessageBufferSize is the destination size READ_MESSAGE declares.
	MessageBufferSize = 256

	ioctlType   byte = '|'
	readMessage byte = 0x83
)

// CmdReadMessage copies the session message into the caller's buffer.
var CmdReadMessage = ioctl.IOR(ioctlType, readMessage, MessageBufferSize)

// Request is a decoded control request. The set of implementations is closed.
type Request interface {
	Cmd() uint32
	Name() string
	request()
}

// ReadMessage asks for the session message. Size is the caller's declared
// buffer capacity, taken from the command word.
type ReadMessage struct {
	Size uint32
}

func (r ReadMessage) Cmd() uint32 {
	return ioctl.IOR(ioctlType, readMessage, r.Size)
}

func (ReadMessage) Name() string {
	return "read_message"
}

func (ReadMessage) request() {}

// DecodeRequest maps a command word onto a Request. Commands match on
// direction, type and number; the size field is the caller's declared
// capacity and is carried into the request.
func DecodeRequest(cmd uint32) (Request, error) {
	switch ioctl.IOC(ioctl.Dir(cmd), ioctl.Type(cmd), ioctl.Nr(cmd), 0) {
	case ioctl.IOC(ioctl.DirRead, ioctlType, readMessage, 0):
		return ReadMessage{Size: ioctl.Size(cmd)}, nil
	default:
		return nil, fmt.Errorf("%w: cmd=%#x", ErrUnsupported, cmd)
	}
}

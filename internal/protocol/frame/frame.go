package frame

import (
	"encoding/binary"
	"errors"
	"io"
)

const (
	Magic          uint32 = 0x4B43544C // "KCTL"
	Version        uint16 = 1
	FixedHeaderLen uint16 = 32
	FlagIsResponse uint32 = 0x02
	FlagIsError    uint32 = 0x04
)

var (
	ErrShortHeader        = errors.New("frame: short fixed header")
	ErrInvalidMagic       = errors.New("frame: invalid magic")
	ErrUnsupportedVersion = errors.New("frame: unsupported version")
	ErrHeaderLen          = errors.New("frame: header_len does not match fixed header")
	ErrPayloadTooLarge    = errors.New("frame: payload too large")
)

// Header is the fixed wire header.
type Header struct {
	Magic       uint32
	Version     uint16
	HeaderLen   uint16
	MessageID   uint64
	MessageType uint32
	Flags       uint32
	PayloadLen  uint64
}

func (h Header) IsResponse() bool {
	return h.Flags&FlagIsResponse != 0
}

func (h Header) IsError() bool {
	return h.Flags&FlagIsError != 0
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint64
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 64 * 1024,
	}
}

func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [FixedHeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h := parseHeader(&fixed)
	switch {
	case h.Magic != Magic:
		return Frame{}, ErrInvalidMagic
	case h.Version != Version:
		return Frame{}, ErrUnsupportedVersion
	case h.HeaderLen != FixedHeaderLen:
		return Frame{}, ErrHeaderLen
	case h.PayloadLen > limits.MaxPayloadBytes:
		return Frame{}, ErrPayloadTooLarge
	}

	payload := make([]byte, h.PayloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, err
	}
	return Frame{Header: h, Payload: payload}, nil
}

// WriteFrame fills in magic, version and lengths, then writes the frame in a
// single Write call.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	payloadLen := uint64(len(f.Payload))
	if payloadLen > limits.MaxPayloadBytes {
		return ErrPayloadTooLarge
	}

	h := f.Header
	h.Magic = Magic
	h.Version = Version
	h.HeaderLen = FixedHeaderLen
	h.PayloadLen = payloadLen

	buf := AppendHeader(make([]byte, 0, int(FixedHeaderLen)+len(f.Payload)), h)
	_, err := w.Write(append(buf, f.Payload...))
	return err
}

// AppendHeader appends the big-endian fixed header to dst.
func AppendHeader(dst []byte, h Header) []byte {
	dst = binary.BigEndian.AppendUint32(dst, h.Magic)
	dst = binary.BigEndian.AppendUint16(dst, h.Version)
	dst = binary.BigEndian.AppendUint16(dst, h.HeaderLen)
	dst = binary.BigEndian.AppendUint64(dst, h.MessageID)
	dst = binary.BigEndian.AppendUint32(dst, h.MessageType)
	dst = binary.BigEndian.AppendUint32(dst, h.Flags)
	return binary.BigEndian.AppendUint64(dst, h.PayloadLen)
}

func EncodeHeader(h Header) []byte {
	return AppendHeader(make([]byte, 0, FixedHeaderLen), h)
}

func parseHeader(b *[FixedHeaderLen]byte) Header {
	be := binary.BigEndian
	return Header{
		Magic:       be.Uint32(b[0:]),
		Version:     be.Uint16(b[4:]),
		HeaderLen:   be.Uint16(b[6:]),
		MessageID:   be.Uint64(b[8:]),
		MessageType: be.Uint32(b[16:]),
		Flags:       be.Uint32(b[20:]),
		PayloadLen:  be.Uint64(b[24:]),
	}
}

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame layout, big-endian, no padding:
//
//	timestamp (8) | command code (1) | args length (2) | args (length)
const (
	HeaderSize = 11
	MaxArgsLen = 1<<16 - 1
)

var (
	ErrProtocolVersionMismatch = errors.New("protocol version mismatch")
	ErrUnknownCommand          = errors.New("unknown command")
	ErrTruncatedPayload        = errors.New("truncated payload")
	ErrMalformedPayload        = errors.New("malformed payload")
)

type Packet struct {
	Timestamp uint64 // sender's corrected unix time, ms
	Command   Command
}

// Marshal encodes p into a new frame.
func Marshal(p Packet) []byte {
	return AppendFrame(make([]byte, 0, HeaderSize+16), p)
}

// AppendFrame appends the frame for p to dst.
func AppendFrame(dst []byte, p Packet) []byte {
	dst = binary.BigEndian.AppendUint64(dst, p.Timestamp)
	dst = append(dst, byte(p.Command.Code()))
	lenAt := len(dst)
	dst = append(dst, 0, 0)
	dst = p.Command.appendArgs(dst)
	binary.BigEndian.PutUint16(dst[lenAt:], uint16(len(dst)-lenAt-2))
	return dst
}

// Unmarshal decodes one frame from the head of b and returns the number of bytes consumed.
func Unmarshal(b []byte) (Packet, int, error) {
	if len(b) < HeaderSize {
		return Packet{}, 0, fmt.Errorf("%w: header needs %d bytes, got %d", ErrTruncatedPayload, HeaderSize, len(b))
	}
	ts, code, argsLen := parseHeader(b)
	end := HeaderSize + argsLen
	if len(b) < end {
		return Packet{}, 0, fmt.Errorf("%w: declared %d bytes, got %d", ErrTruncatedPayload, argsLen, len(b)-HeaderSize)
	}
	cmd, err := decodeCommand(code, b[HeaderSize:end])
	if err != nil {
		return Packet{}, 0, err
	}
	return Packet{Timestamp: ts, Command: cmd}, end, nil
}

// ReadPacket reads exactly one frame from r. A stream that ends cleanly
// between frames yields io.EOF.
func ReadPacket(r io.Reader) (Packet, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Packet{}, errors.Join(ErrTruncatedPayload, err)
		}
		return Packet{}, err
	}
	ts, code, argsLen := parseHeader(hdr[:])
	args := make([]byte, argsLen)
	if _, err := io.ReadFull(r, args); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Packet{}, errors.Join(ErrTruncatedPayload, io.ErrUnexpectedEOF)
		}
		return Packet{}, err
	}
	cmd, err := decodeCommand(code, args)
	if err != nil {
		return Packet{}, err
	}
	return Packet{Timestamp: ts, Command: cmd}, nil
}

func parseHeader(b []byte) (uint64, Code, int) {
	return binary.BigEndian.Uint64(b[0:8]), Code(b[8]), int(binary.BigEndian.Uint16(b[9:11]))
}

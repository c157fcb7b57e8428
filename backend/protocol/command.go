package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"
)

// ProtocolVersion is carried by NewConnection and must match on both ends.
const ProtocolVersion uint16 = 1

type Code uint8

const (
	CodeNewConnection Code = 0x00
	CodeReady         Code = 0x01
	CodeSeek          Code = 0x02
	CodeFilename      Code = 0x03
	CodeDuration      Code = 0x04
	CodeStreamName    Code = 0x05
	CodeGetStreamName Code = 0x06
)

func (c Code) String() string {
	switch c {
	case CodeNewConnection:
		return "NewConnection"
	case CodeReady:
		return "Ready"
	case CodeSeek:
		return "Seek"
	case CodeFilename:
		return "Filename"
	case CodeDuration:
		return "Duration"
	case CodeStreamName:
		return "StreamName"
	case CodeGetStreamName:
		return "GetStreamName"
	default:
		return fmt.Sprintf("Code(0x%02x)", uint8(c))
	}
}

// Command is one of the protocol commands below. Values are immutable.
type Command interface {
	fmt.Stringer
	Code() Code
	appendArgs(dst []byte) []byte
}

type (
	NewConnection struct {
		Username string
	}

	Ready struct {
		Flag bool
	}

	Seek struct {
		Position float64 // seconds
	}

	Filename struct {
		Name string
	}

	Duration struct {
		Seconds float64
	}

	// StreamName carries the hub's source URL, empty when the hub
	// does not play from a URL.
	StreamName struct {
		URL string
	}

	GetStreamName struct{}
)

func (NewConnection) Code() Code { return CodeNewConnection }
func (Ready) Code() Code         { return CodeReady }
func (Seek) Code() Code          { return CodeSeek }
func (Filename) Code() Code      { return CodeFilename }
func (Duration) Code() Code      { return CodeDuration }
func (StreamName) Code() Code    { return CodeStreamName }
func (GetStreamName) Code() Code { return CodeGetStreamName }

func (c NewConnection) appendArgs(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, ProtocolVersion)
	return appendText(dst, c.Username, MaxArgsLen-2)
}

func (c Ready) appendArgs(dst []byte) []byte {
	if c.Flag {
		return append(dst, 1)
	}
	return append(dst, 0)
}

func (c Seek) appendArgs(dst []byte) []byte {
	return binary.BigEndian.AppendUint64(dst, math.Float64bits(c.Position))
}

func (c Filename) appendArgs(dst []byte) []byte {
	return appendText(dst, c.Name, MaxArgsLen)
}

func (c Duration) appendArgs(dst []byte) []byte {
	return binary.BigEndian.AppendUint64(dst, math.Float64bits(c.Seconds))
}

func (c StreamName) appendArgs(dst []byte) []byte {
	return appendText(dst, c.URL, MaxArgsLen)
}

func (GetStreamName) appendArgs(dst []byte) []byte { return dst }

// appendText appends s cut at the last complete rune that fits into limit bytes.
func appendText(dst []byte, s string, limit int) []byte {
	if len(s) <= limit {
		return append(dst, s...)
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return append(dst, s[:cut]...)
}

func decodeCommand(code Code, args []byte) (Command, error) {
	switch code {
	case CodeNewConnection:
		if len(args) < 2 {
			return nil, fmt.Errorf("%w: version field needs 2 bytes, got %d", ErrTruncatedPayload, len(args))
		}
		if ver := binary.BigEndian.Uint16(args[:2]); ver != ProtocolVersion {
			return nil, fmt.Errorf("%w: got %d, want %d", ErrProtocolVersionMismatch, ver, ProtocolVersion)
		}
		name, err := decodeText(args[2:])
		if err != nil {
			return nil, err
		}
		return NewConnection{Username: name}, nil
	case CodeReady:
		if len(args) < 1 {
			return nil, fmt.Errorf("%w: ready flag missing", ErrTruncatedPayload)
		}
		return Ready{Flag: args[0] == 1}, nil
	case CodeSeek:
		v, err := decodeFloat(args)
		if err != nil {
			return nil, err
		}
		return Seek{Position: v}, nil
	case CodeFilename:
		name, err := decodeText(args)
		if err != nil {
			return nil, err
		}
		return Filename{Name: name}, nil
	case CodeDuration:
		v, err := decodeFloat(args)
		if err != nil {
			return nil, err
		}
		return Duration{Seconds: v}, nil
	case CodeStreamName:
		url, err := decodeText(args)
		if err != nil {
			return nil, err
		}
		return StreamName{URL: url}, nil
	case CodeGetStreamName:
		return GetStreamName{}, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownCommand, uint8(code))
	}
}

func decodeFloat(args []byte) (float64, error) {
	if len(args) < 8 {
		return 0, fmt.Errorf("%w: double needs 8 bytes, got %d", ErrTruncatedPayload, len(args))
	}
	return math.Float64frombits(binary.BigEndian.Uint64(args[:8])), nil
}

func decodeText(args []byte) (string, error) {
	if !utf8.Valid(args) {
		return "", fmt.Errorf("%w: text is not valid utf-8", ErrMalformedPayload)
	}
	return string(args), nil
}

// Package protocol implements the binary opcode wire format carried over the
// per-job WebSocket: parsing of inbound frames and construction of outbound
// replies. All multi-byte fields are little-endian except the IPv4 address
// in the OPEN_UNCONNECTED response, which is big-endian (network order).
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// Opcode identifies the operation encoded in a frame's first word.
type Opcode uint32

const (
	OpOpen            Opcode = 0
	OpClose           Opcode = 1
	OpMessage         Opcode = 2
	OpOpenUnconnected Opcode = 3
	OpMessageTo       Opcode = 4
	OpError           Opcode = 5
)

// wordLen is the size in bytes of one wire "word".
const wordLen = 4

// MaxErrorMessageBytes bounds the UTF-8 payload of an ERROR reply.
const MaxErrorMessageBytes = 1000

var (
	// ErrTooShort means the frame did not contain enough bytes for its
	// declared opcode — treated as a malformed request.
	ErrTooShort = errors.New("protocol: frame too short")
	// ErrTrailingBytes means a fixed-shape request (OPEN/CLOSE/OPEN_UNCONNECTED)
	// carried bytes past its declared word count — also malformed.
	ErrTrailingBytes = errors.New("protocol: trailing bytes on fixed-shape request")
	// ErrUnknownOpcode means the first word did not match any recognised
	// opcode — also malformed.
	ErrUnknownOpcode = errors.New("protocol: unknown opcode")
)

// OpenRequest is the decoded body of an OPEN request.
type OpenRequest struct {
	Correlation uint32
	X, Y        uint32
	Port        uint32
}

// CloseRequest is the decoded body of a CLOSE request.
type CloseRequest struct {
	Correlation uint32
	ChannelID   uint32
}

// MessageRequest is the decoded body of a MESSAGE frame (client->server or
// server->client): a channel id plus a raw payload.
type MessageRequest struct {
	ChannelID uint32
	Payload   []byte
}

// OpenUnconnectedRequest is the decoded body of an OPEN_UNCONNECTED request.
type OpenUnconnectedRequest struct {
	Correlation uint32
}

// MessageToRequest is the decoded body of a MESSAGE_TO request.
type MessageToRequest struct {
	ChannelID uint32
	X, Y      uint32
	Port      uint32
	Payload   []byte
}

// PeekOpcode reads the first word of a frame without validating its length
// beyond that. Returns ErrTooShort if fewer than one word is present.
func PeekOpcode(frame []byte) (Opcode, error) {
	if len(frame) < wordLen {
		return 0, ErrTooShort
	}
	return Opcode(binary.LittleEndian.Uint32(frame[:wordLen])), nil
}

// DecodeOpen parses an OPEN request body (the bytes after the opcode word).
// Any trailing bytes beyond the declared four words is ErrTrailingBytes.
func DecodeOpen(body []byte) (OpenRequest, error) {
	const words = 4
	if len(body) < words*wordLen {
		return OpenRequest{}, ErrTooShort
	}
	if len(body) > words*wordLen {
		return OpenRequest{}, ErrTrailingBytes
	}
	return OpenRequest{
		Correlation: le32(body, 0),
		X:           le32(body, 1),
		Y:           le32(body, 2),
		Port:        le32(body, 3),
	}, nil
}

// DecodeClose parses a CLOSE request body.
func DecodeClose(body []byte) (CloseRequest, error) {
	const words = 2
	if len(body) < words*wordLen {
		return CloseRequest{}, ErrTooShort
	}
	if len(body) > words*wordLen {
		return CloseRequest{}, ErrTrailingBytes
	}
	return CloseRequest{
		Correlation: le32(body, 0),
		ChannelID:   le32(body, 1),
	}, nil
}

// DecodeMessage parses a MESSAGE body: a channel id word followed by the raw
// payload (any length, including zero).
func DecodeMessage(body []byte) (MessageRequest, error) {
	const words = 1
	if len(body) < words*wordLen {
		return MessageRequest{}, ErrTooShort
	}
	return MessageRequest{
		ChannelID: le32(body, 0),
		Payload:   body[words*wordLen:],
	}, nil
}

// DecodeOpenUnconnected parses an OPEN_UNCONNECTED request body.
func DecodeOpenUnconnected(body []byte) (OpenUnconnectedRequest, error) {
	const words = 1
	if len(body) < words*wordLen {
		return OpenUnconnectedRequest{}, ErrTooShort
	}
	if len(body) > words*wordLen {
		return OpenUnconnectedRequest{}, ErrTrailingBytes
	}
	return OpenUnconnectedRequest{Correlation: le32(body, 0)}, nil
}

// DecodeMessageTo parses a MESSAGE_TO body: channel id, x, y, port, then the
// raw payload.
func DecodeMessageTo(body []byte) (MessageToRequest, error) {
	const words = 4
	if len(body) < words*wordLen {
		return MessageToRequest{}, ErrTooShort
	}
	return MessageToRequest{
		ChannelID: le32(body, 0),
		X:         le32(body, 1),
		Y:         le32(body, 2),
		Port:      le32(body, 3),
		Payload:   body[words*wordLen:],
	}, nil
}

// EncodeOpenReply builds an OPEN response frame.
func EncodeOpenReply(correlation, channelID uint32) []byte {
	out := make([]byte, 3*wordLen)
	putLE32(out, 0, uint32(OpOpen))
	putLE32(out, 1, correlation)
	putLE32(out, 2, channelID)
	return out
}

// EncodeCloseReply builds a CLOSE response frame. channelIDOrZero is 0 when
// nothing was closed (unknown or already-closed id).
func EncodeCloseReply(correlation, channelIDOrZero uint32) []byte {
	out := make([]byte, 3*wordLen)
	putLE32(out, 0, uint32(OpClose))
	putLE32(out, 1, correlation)
	putLE32(out, 2, channelIDOrZero)
	return out
}

// EncodeMessageFrame builds a MESSAGE frame (used in both directions): an
// opcode word, a channel id word, then the raw payload.
func EncodeMessageFrame(channelID uint32, payload []byte) []byte {
	out := make([]byte, 2*wordLen+len(payload))
	putLE32(out, 0, uint32(OpMessage))
	putLE32(out, 1, channelID)
	copy(out[2*wordLen:], payload)
	return out
}

// MessageHeader precomputes the 2-word (opcode, channel id) header once per
// Channel so forwarding a datagram is allocation-free aside from the frame
// buffer itself.
func MessageHeader(channelID uint32) []byte {
	out := make([]byte, 2*wordLen)
	putLE32(out, 0, uint32(OpMessage))
	putLE32(out, 1, channelID)
	return out
}

// EncodeOpenUnconnectedReply builds an OPEN_UNCONNECTED response frame. The
// IPv4 address word is big-endian (network order), unlike every other word
// in the protocol; addr must be a 4-byte (IPv4) address.
func EncodeOpenUnconnectedReply(correlation, channelID uint32, addr netip.Addr, port uint32) ([]byte, error) {
	if !addr.Is4() {
		return nil, fmt.Errorf("protocol: OPEN_UNCONNECTED reply requires an IPv4 address, got %s", addr)
	}
	out := make([]byte, 5*wordLen)
	putLE32(out, 0, uint32(OpOpenUnconnected))
	putLE32(out, 1, correlation)
	putLE32(out, 2, channelID)
	b4 := addr.As4()
	copy(out[3*wordLen:4*wordLen], b4[:])
	putLE32(out, 4, port)
	return out, nil
}

// EncodeErrorReply builds an ERROR reply frame, truncating message to
// MaxErrorMessageBytes of UTF-8.
func EncodeErrorReply(correlation uint32, message string) []byte {
	msg := truncateUTF8(message, MaxErrorMessageBytes)
	out := make([]byte, 2*wordLen+len(msg))
	putLE32(out, 0, uint32(OpError))
	putLE32(out, 1, correlation)
	copy(out[2*wordLen:], msg)
	return out
}

func truncateUTF8(s string, max int) []byte {
	b := []byte(s)
	if len(b) <= max {
		return b
	}
	b = b[:max]
	// Avoid cutting a multi-byte rune in half: back up over continuation bytes.
	for len(b) > 0 && b[len(b)-1]&0xC0 == 0x80 {
		b = b[:len(b)-1]
	}
	return b
}

func le32(b []byte, word int) uint32 {
	return binary.LittleEndian.Uint32(b[word*wordLen : word*wordLen+wordLen])
}

func putLE32(b []byte, word int, v uint32) {
	binary.LittleEndian.PutUint32(b[word*wordLen:word*wordLen+wordLen], v)
}

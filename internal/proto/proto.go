// Package proto defines the peer wire protocol: whole-frame JSON objects
// with a mandatory type field, one of handshake | subscribe | unsubscribe |
// message | error. The protocol version is exchanged in the handshake and a
// mismatch is fatal to that connection.
package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

const ProtocolVersion = 1

// MaxFrameSize caps a single wire frame. Larger frames are rejected before
// JSON decoding.
const MaxFrameSize = 1 << 20

const (
	FrameTypeHandshake   = "handshake"
	FrameTypeSubscribe   = "subscribe"
	FrameTypeUnsubscribe = "unsubscribe"
	FrameTypeMessage     = "message"
	FrameTypeError       = "error"
)

const (
	ErrCodeUnsupportedVersion = "unsupported_version"
	ErrCodeInvalidMessage     = "invalid_message"
)

// ErrUnknownType marks a syntactically valid frame whose type is outside
// the protocol's closed set. Receivers ignore such frames.
var ErrUnknownType = errors.New("unknown frame type")

type Capabilities struct {
	Relay bool `json:"relay"`
	Store bool `json:"store"`
}

// Frame is the closed set of wire frames. Decode returns exactly one of
// HandshakeFrame, SubscribeFrame, UnsubscribeFrame, MessageFrame or
// ErrorFrame, so frame handling can switch exhaustively.
type Frame interface {
	frameType() string
}

type HandshakeFrame struct {
	Type         string       `json:"type"`
	Version      int          `json:"version"`
	PeerID       string       `json:"peer_id"`
	Capabilities Capabilities `json:"capabilities"`
	PublicKey    string       `json:"public_key,omitempty"`
}

type SubscribeFrame struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
}

type UnsubscribeFrame struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
}

// MessageFrame carries one channel message. Body is a pointer so a frame
// with the field missing can be told apart from an explicit empty string;
// only the former is invalid.
type MessageFrame struct {
	Type      string          `json:"type"`
	MessageID string          `json:"message_id"`
	ChannelID string          `json:"channel_id"`
	SenderID  string          `json:"sender_id"`
	Body      *string         `json:"body"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func (HandshakeFrame) frameType() string   { return FrameTypeHandshake }
func (SubscribeFrame) frameType() string   { return FrameTypeSubscribe }
func (UnsubscribeFrame) frameType() string { return FrameTypeUnsubscribe }
func (MessageFrame) frameType() string     { return FrameTypeMessage }
func (ErrorFrame) frameType() string       { return FrameTypeError }

// Decode parses one wire frame. Frames above MaxFrameSize or without a
// parseable type are errors; a well-formed frame of a type outside the
// closed set returns ErrUnknownType.
func Decode(data []byte) (Frame, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes", len(data))
	}
	var hdr struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, fmt.Errorf("bad frame: %w", err)
	}
	switch hdr.Type {
	case FrameTypeHandshake:
		var f HandshakeFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, err
		}
		return f, nil
	case FrameTypeSubscribe:
		var f SubscribeFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, err
		}
		return f, nil
	case FrameTypeUnsubscribe:
		var f UnsubscribeFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, err
		}
		return f, nil
	case FrameTypeMessage:
		var f MessageFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, err
		}
		return f, nil
	case FrameTypeError:
		var f ErrorFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, err
		}
		return f, nil
	default:
		return nil, ErrUnknownType
	}
}

// Encode marshals a frame, filling the type tag from the variant.
func Encode(f Frame) ([]byte, error) {
	switch v := f.(type) {
	case HandshakeFrame:
		v.Type = FrameTypeHandshake
		return json.Marshal(v)
	case SubscribeFrame:
		v.Type = FrameTypeSubscribe
		return json.Marshal(v)
	case UnsubscribeFrame:
		v.Type = FrameTypeUnsubscribe
		return json.Marshal(v)
	case MessageFrame:
		v.Type = FrameTypeMessage
		return json.Marshal(v)
	case ErrorFrame:
		v.Type = FrameTypeError
		return json.Marshal(v)
	default:
		return nil, fmt.Errorf("unsupported frame %T", f)
	}
}

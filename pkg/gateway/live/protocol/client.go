// Package protocol defines the JSON wire format between browser clients and
// the relay: the control frames clients send, and the event envelopes the
// relay sends back. Raw binary frames (microphone PCM) never pass through
// this package.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	TypeText        = "text"
	TypeVideoChunk  = "video_chunk"
	TypeScreenChunk = "screen_chunk"
)

var (
	// ErrNotControl marks payloads that are not a JSON control frame at
	// all. For binary frames the caller falls back to treating the bytes
	// as audio.
	ErrNotControl = errors.New("payload is not a control frame")
	// ErrUnknownType marks well-formed JSON with a type this relay does
	// not speak. Such frames are dropped, never misread as audio.
	ErrUnknownType = errors.New("unknown control frame type")
	// ErrMalformedFrame marks a recognized control frame whose contents
	// cannot be used. Like ErrUnknownType, such frames are dropped.
	ErrMalformedFrame = errors.New("malformed control frame")
)

// MediaChunk is one encoded video or screen frame.
type MediaChunk struct {
	MIMEType string
	Data     []byte
}

// ClientMessage is one decoded control frame from the client.
type ClientMessage struct {
	Type  string
	Text  string
	Chunk *MediaChunk
}

type wireChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type wireMessage struct {
	Type  string     `json:"type"`
	Text  string     `json:"text"`
	Chunk *wireChunk `json:"chunk"`
}

// DecodeClient parses a control frame. It returns ErrNotControl when the
// payload is not a JSON object, ErrUnknownType (wrapped with the type name)
// when the type is unrecognized, and ErrMalformedFrame when a recognized
// type carries unusable contents.
func DecodeClient(payload []byte) (*ClientMessage, error) {
	if len(payload) == 0 || payload[0] != '{' {
		return nil, ErrNotControl
	}
	var wire wireMessage
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotControl, err)
	}

	switch wire.Type {
	case TypeText:
		if wire.Text == "" {
			return nil, fmt.Errorf("%w: text frame with empty text", ErrMalformedFrame)
		}
		return &ClientMessage{Type: TypeText, Text: wire.Text}, nil
	case TypeVideoChunk, TypeScreenChunk:
		if wire.Chunk == nil || wire.Chunk.Data == "" {
			return nil, fmt.Errorf("%w: %s frame without chunk data", ErrMalformedFrame, wire.Type)
		}
		data, err := base64.StdEncoding.DecodeString(wire.Chunk.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: decode %s data: %v", ErrMalformedFrame, wire.Type, err)
		}
		mime := wire.Chunk.MIMEType
		if mime == "" {
			mime = "image/jpeg"
		}
		return &ClientMessage{
			Type:  wire.Type,
			Chunk: &MediaChunk{MIMEType: mime, Data: data},
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, wire.Type)
	}
}

// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the bridge wire format shared by the platform,
// probes, and markers: framed JSON messages, the well-known address
// namespace, and the serializable protocol error taxonomy.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Frame types. A send expects a reply on ReplyAddress; a publish is
// fire-and-forget; register/unregister subscribe a remote address;
// ping keeps idle connections warm and is answered with pong; err
// carries a protocol error.
const (
	FrameSend       = "send"
	FramePublish    = "publish"
	FrameRegister   = "register"
	FrameUnregister = "unregister"
	FramePing       = "ping"
	FramePong       = "pong"
	FrameErr        = "err"
)

// Header names carried in Frame.Headers.
const (
	// HeaderAuthToken is the marker bearer token, required on every
	// frame of a marker connection.
	HeaderAuthToken = "auth-token"

	// HeaderClientID and HeaderClientSecret are the probe credential
	// pair, required on connect and re-validated on every send and
	// register frame.
	HeaderClientID     = "client_id"
	HeaderClientSecret = "client_secret"

	// HeaderAction selects the operation on a service address.
	HeaderAction = "action"

	// HeaderContentEncoding marks a compressed frame body. The only
	// recognized value is "zstd".
	HeaderContentEncoding = "content-encoding"
)

// ContentEncodingZstd is the HeaderContentEncoding value for
// zstd-compressed bodies.
const ContentEncodingZstd = "zstd"

// Frame is one bridge message: a 4-byte big-endian length prefix
// followed by this JSON object.
type Frame struct {
	Type         string            `json:"type"`
	Address      string            `json:"address,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         json.RawMessage   `json:"body,omitempty"`
	ReplyAddress string            `json:"replyAddress,omitempty"`
}

// Header returns a header value, tolerating a nil map.
func (f *Frame) Header(name string) string {
	if f.Headers == nil {
		return ""
	}
	return f.Headers[name]
}

// SetHeader sets a header, allocating the map on first use.
func (f *Frame) SetHeader(name, value string) {
	if f.Headers == nil {
		f.Headers = make(map[string]string)
	}
	f.Headers[name] = value
}

// frameHeaderLength is the length-prefix size.
const frameHeaderLength = 4

// MaxFrameLength bounds a single frame. Hit payloads carrying stack
// captures are the largest legitimate frames; 16 MB leaves ample
// headroom.
const MaxFrameLength = 16 * 1024 * 1024

// WriteFrame writes one length-prefixed frame to w.
func WriteFrame(w io.Writer, frame *Frame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("wire: encoding frame: %w", err)
	}
	if len(payload) > MaxFrameLength {
		return fmt.Errorf("wire: frame length %d exceeds maximum %d", len(payload), MaxFrameLength)
	}
	var header [frameHeaderLength]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("wire: writing frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: writing frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r. Returns an error
// if the stream is malformed or the frame exceeds MaxFrameLength.
func ReadFrame(r io.Reader) (*Frame, error) {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	payloadLength := binary.BigEndian.Uint32(header[:])
	if payloadLength > MaxFrameLength {
		return nil, fmt.Errorf("wire: frame length %d exceeds maximum %d", payloadLength, MaxFrameLength)
	}
	payload := make([]byte, payloadLength)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("wire: reading frame payload: %w", err)
	}
	var frame Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return nil, fmt.Errorf("wire: decoding frame: %w", err)
	}
	return &frame, nil
}

// EncodeBody marshals a frame body.
func EncodeBody(value any) (json.RawMessage, error) {
	body, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("wire: encoding body: %w", err)
	}
	return body, nil
}

// InstanceConnection announces a probe or marker on connect.
// Meta["selfId"] is overwritten by the platform from the
// authenticated identity and never trusted from the client.
type InstanceConnection struct {
	InstanceID     string            `json:"instanceId"`
	ConnectionTime int64             `json:"connectionTime"`
	Meta           map[string]string `json:"meta,omitempty"`
}

// MetaSelfID is the InstanceConnection meta key holding the
// authenticated identity behind a connection.
const MetaSelfID = "selfId"
